package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gateline/internal/app"
	"gateline/internal/audit"
	"gateline/internal/domain"
	"gateline/internal/policy"
	"gateline/internal/registry"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Core     *app.Core
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"permission_denied"`
	Message string         `json:"message" example:"role implementer is not an owner of domain specifications"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Core.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerExecute(group, cfg.Core)
	registerAudit(group, cfg.Core.Audit)
	registerCommands(group, cfg.Core.Registry)
	registerPolicy(group, cfg.Core.Registry)
	registerReload(group, cfg.Core)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid"
	default:
		return "internal"
	}
}

func handleError(err error) huma.StatusError {
	var cfgErr policy.ConfigError
	switch {
	case errors.Is(err, registry.ErrCommandNotFound):
		return newAPIError(http.StatusNotFound, "command_not_found", err.Error(), nil)
	case errors.Is(err, audit.ErrEntryNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &cfgErr):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_configuration", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerExecute(api huma.API, core *app.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-command",
		Method:      http.MethodPost,
		Path:        "/execute",
		Summary:     "Execute a command as the authenticated role",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			CommandID     string         `json:"command_id"`
			Args          map[string]any `json:"args,omitempty"`
			CorrelationID string         `json:"correlation_id,omitempty"`
		}
	}) (*struct {
		Body domain.ExecutionResult `json:"body"`
	}, error) {
		role, herr := roleFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		result, err := core.Executor.ExecuteCorrelated(ctx, role, input.Body.CommandID, input.Body.Args, input.Body.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionResult `json:"body"`
		}{Body: result}, nil
	})
}

type paginatedAudit struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

func registerAudit(api huma.API, log audit.Log) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit trail in id order",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Role    string `query:"role"`
		Domain  string `query:"domain"`
		Outcome string `query:"outcome" enum:",attempted,success,denied,failed,timed_out"`
		Since   string `query:"since"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		if _, herr := roleFromContext(ctx); herr != nil {
			return nil, herr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := log.Query(ctx, audit.Filter{
			Role:    input.Role,
			Domain:  input.Domain,
			Outcome: input.Outcome,
			Since:   input.Since,
			AfterID: input.AfterID,
			Limit:   limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit-entry",
		Method:      http.MethodGet,
		Path:        "/audit/{id}",
		Summary:     "Fetch one audit entry",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.AuditEntry `json:"body"`
	}, error) {
		if _, herr := roleFromContext(ctx); herr != nil {
			return nil, herr
		}
		entry, err := log.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditEntry `json:"body"`
		}{Body: entry}, nil
	})
}

func registerCommands(api huma.API, reg *registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-commands",
		Method:      http.MethodGet,
		Path:        "/commands",
		Summary:     "List command definitions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []domain.CommandDefinition `json:"items"`
		}
	}, error) {
		if _, herr := roleFromContext(ctx); herr != nil {
			return nil, herr
		}
		out := &struct {
			Body struct {
				Items []domain.CommandDefinition `json:"items"`
			}
		}{}
		out.Body.Items = reg.Current().Commands()
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-command",
		Method:      http.MethodGet,
		Path:        "/commands/{id}",
		Summary:     "Fetch one command definition",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.CommandDefinition `json:"body"`
	}, error) {
		if _, herr := roleFromContext(ctx); herr != nil {
			return nil, herr
		}
		def, err := reg.Current().Resolve(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CommandDefinition `json:"body"`
		}{Body: def}, nil
	})
}

type policyView struct {
	Domains []policyDomainView `json:"domains"`
	Roles   []policyRoleView   `json:"roles"`
}

type policyDomainView struct {
	Name   string   `json:"name"`
	Owners []string `json:"owners"`
}

type policyRoleView struct {
	Name            string   `json:"name"`
	ReadableDomains []string `json:"readable_domains"`
}

func policyViewOf(pol *policy.Policy) policyView {
	view := policyView{Domains: []policyDomainView{}, Roles: []policyRoleView{}}
	for _, name := range pol.Domains() {
		view.Domains = append(view.Domains, policyDomainView{Name: name, Owners: pol.OwnerOf(name)})
	}
	for _, role := range pol.Roles() {
		rv := policyRoleView{Name: role, ReadableDomains: []string{}}
		for _, name := range pol.Domains() {
			if pol.CanRead(role, name) {
				rv.ReadableDomains = append(rv.ReadableDomains, name)
			}
		}
		view.Roles = append(view.Roles, rv)
	}
	return view
}

func registerPolicy(api huma.API, reg *registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "show-policy",
		Method:      http.MethodGet,
		Path:        "/policy",
		Summary:     "Show the active ownership policy",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body policyView `json:"body"`
	}, error) {
		if _, herr := roleFromContext(ctx); herr != nil {
			return nil, herr
		}
		return &struct {
			Body policyView `json:"body"`
		}{Body: policyViewOf(reg.Current().Policy())}, nil
	})
}

func registerReload(api huma.API, core *app.Core) {
	huma.Register(api, huma.Operation{
		OperationID: "reload-config",
		Method:      http.MethodPost,
		Path:        "/reload",
		Summary:     "Reload policy and command definitions from the workspace config",
		Errors:      []int{http.StatusForbidden, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body policyView `json:"body"`
	}, error) {
		role, herr := roleFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		// reload is an operator action: only orchestration owners may trigger it
		if !core.Registry.Current().Policy().IsOwner(role, "orchestration") {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "reload requires an orchestration owner role", nil)
		}
		if err := core.Reload(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body policyView `json:"body"`
		}{Body: policyViewOf(core.Registry.Current().Policy())}, nil
	})
}
