package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ExecutionResult mirrors the API execution outcome.
type ExecutionResult struct {
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	AuditEntryID  int64          `json:"audit_entry_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// AuditEntry mirrors one row of the audit trail.
type AuditEntry struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	Role          string `json:"role"`
	CommandID     string `json:"command_id"`
	Domain        string `json:"domain"`
	Operation     string `json:"operation"`
	Outcome       string `json:"outcome"`
	CorrelationID string `json:"correlation_id"`
	Detail        string `json:"detail_json,omitempty"`
	FinalizedAt   string `json:"finalized_at,omitempty"`
}

// CommandDefinition mirrors a registered command (partial).
type CommandDefinition struct {
	ID               string `json:"id"`
	Role             string `json:"role"`
	Domain           string `json:"domain"`
	Permission       string `json:"permission"`
	SuccessPredicate string `json:"success_predicate,omitempty"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty"`
	Version          int    `json:"version,omitempty"`
	Description      string `json:"description,omitempty"`
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	Role    string
	Domain  string
	Outcome string
	Since   string
	AfterID int64
	Limit   int
}

// PaginatedAudit wraps audit listings with a restartable cursor.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Execute runs a command as the authenticated role. Denials and failures come
// back in the result status, not as an error.
func (c *Client) Execute(ctx context.Context, commandID string, args map[string]any) (ExecutionResult, error) {
	return c.ExecuteCorrelated(ctx, commandID, args, "")
}

// ExecuteCorrelated is Execute with a caller-chosen correlation id.
func (c *Client) ExecuteCorrelated(ctx context.Context, commandID string, args map[string]any, correlationID string) (ExecutionResult, error) {
	body := map[string]any{
		"command_id": commandID,
		"args":       args,
	}
	if correlationID != "" {
		body["correlation_id"] = correlationID
	}
	var resp ExecutionResult
	err := c.do(ctx, http.MethodPost, "v0/execute", body, &resp)
	return resp, err
}

// Audit returns matching audit entries in id order.
func (c *Client) Audit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	page, err := c.AuditPage(ctx, f)
	return page.Items, err
}

// AuditPage returns a paginated audit listing.
func (c *Client) AuditPage(ctx context.Context, f AuditFilter) (PaginatedAudit, error) {
	q := url.Values{}
	if f.Role != "" {
		q.Set("role", f.Role)
	}
	if f.Domain != "" {
		q.Set("domain", f.Domain)
	}
	if f.Outcome != "" {
		q.Set("outcome", f.Outcome)
	}
	if f.Since != "" {
		q.Set("since", f.Since)
	}
	if f.AfterID > 0 {
		q.Set("after_id", strconv.FormatInt(f.AfterID, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "v0/audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AuditEntry fetches one entry by id.
func (c *Client) AuditEntry(ctx context.Context, id int64) (AuditEntry, error) {
	var resp AuditEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/audit/%d", id), nil, &resp)
	return resp, err
}

// Commands lists the registered command definitions.
func (c *Client) Commands(ctx context.Context) ([]CommandDefinition, error) {
	var resp struct {
		Items []CommandDefinition `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/commands", nil, &resp)
	return resp.Items, err
}

// Command fetches one definition by id.
func (c *Client) Command(ctx context.Context, id string) (CommandDefinition, error) {
	var resp CommandDefinition
	err := c.do(ctx, http.MethodGet, "v0/commands/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
