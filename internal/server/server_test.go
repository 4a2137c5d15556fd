package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Core   *app.Core
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "gateline.yml"), []byte(config.GenerateDefault("gateline")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	core, err := app.Open(workspace)
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	handler, err := New(Config{Core: core, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Core:   core,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			core.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func tokenFor(t *testing.T, role string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "agent-1"},
		Role:             role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(t *testing.T, role string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tokenFor(t, role)}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/execute", map[string]any{
		"command_id": "spec.create",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", res.StatusCode)
	}
}

func TestExecuteAsJWTRole(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/execute", map[string]any{
		"command_id": "spec.create",
		"args":       map[string]any{"resource": "spec-1", "title": "Login flow"},
	}, bearer(t, "architect"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var result domain.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Status != domain.StatusSucceeded {
		t.Fatalf("status %s: %s", result.Status, result.Reason)
	}
	if result.AuditEntryID == 0 {
		t.Fatalf("missing audit entry id")
	}
}

func TestExecuteDeniedForNonOwner(t *testing.T) {
	srv := newTestServer(t)
	// the credential carries the role; the body cannot override it
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/execute", map[string]any{
		"command_id": "spec.create",
		"args":       map[string]any{"resource": "spec-1", "title": "Login flow"},
	}, bearer(t, "implementer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var result domain.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Status != domain.StatusDenied || result.Reason != "not_owner" {
		t.Fatalf("got %s/%s, want denied/not_owner", result.Status, result.Reason)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/execute", map[string]any{
		"command_id": "no.such.command",
	}, bearer(t, "architect"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuditListingAndEntry(t *testing.T) {
	srv := newTestServer(t)
	_, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/execute", map[string]any{
		"command_id": "spec.create",
		"args":       map[string]any{"resource": "spec-1", "title": "Login flow"},
	}, bearer(t, "architect"))

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit?role=architect", nil, bearer(t, "observer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedAudit
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("got %d entries, want 1", len(page.Items))
	}
	entry := page.Items[0]
	if entry.Outcome != domain.OutcomeSuccess || entry.CommandID != "spec.create" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit/1", nil, bearer(t, "observer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get entry status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/audit/9999", nil, bearer(t, "observer"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing entry status %d, want 404", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	secret := uuid.New().String()
	err := srv.Core.Repo.InsertKey(context.Background(), domain.APIKey{
		ID:      uuid.New().String(),
		Role:    "planner",
		Name:    "ci",
		KeyHash: repo.HashKey(secret),
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/execute", map[string]any{
		"command_id": "roadmap.item.create",
		"args":       map[string]any{"resource": "item-1", "title": "Q3 milestone"},
	}, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var result domain.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Status != domain.StatusSucceeded {
		t.Fatalf("status %s: %s", result.Status, result.Reason)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/commands", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key status %d, want 401", res.StatusCode)
	}
}

func TestCommandsAndPolicyEndpoints(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/commands", nil, bearer(t, "observer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("commands status %d: %s", res.StatusCode, string(data))
	}
	var listing struct {
		Items []domain.CommandDefinition `json:"items"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listing.Items) == 0 {
		t.Fatalf("no commands listed")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/policy", nil, bearer(t, "observer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("policy status %d: %s", res.StatusCode, string(data))
	}
	var view policyView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(view.Domains) != 6 || len(view.Roles) != 6 {
		t.Fatalf("policy view %d domains, %d roles", len(view.Domains), len(view.Roles))
	}
}

func TestReloadRestrictedToOrchestrationOwners(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reload", nil, bearer(t, "implementer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reload", nil, bearer(t, "orchestrator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}
