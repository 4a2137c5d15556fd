package gatelinesdk_test

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/server"
	gatelinesdk "gateline/sdk/go"
)

const testSecret = "test-secret"

func newTestAPI(t *testing.T) string {
	t.Helper()
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "gateline.yml"), []byte(config.GenerateDefault("gateline")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	core, err := app.Open(workspace)
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	handler, err := server.New(server.Config{Core: core, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		core.Close()
	})
	return "http://" + ln.Addr().String()
}

func clientFor(t *testing.T, url, role string) *gatelinesdk.Client {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "agent-1",
		"role": role,
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	c := gatelinesdk.New(url)
	c.BearerToken = token
	return c
}

func TestExecuteRoundTrip(t *testing.T) {
	url := newTestAPI(t)
	c := clientFor(t, url, "architect")
	ctx := context.Background()

	result, err := c.Execute(ctx, "spec.create", map[string]any{"resource": "spec-1", "title": "Login flow"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != domain.StatusSucceeded {
		t.Fatalf("status %s: %s", result.Status, result.Reason)
	}
	if result.AuditEntryID == 0 || result.CorrelationID == "" {
		t.Fatalf("result missing audit reference: %+v", result)
	}
}

func TestAuditDetailRoundTrip(t *testing.T) {
	url := newTestAPI(t)
	ctx := context.Background()

	// a denied write leaves the structured reason in the entry detail
	result, err := clientFor(t, url, "implementer").Execute(ctx, "spec.create", map[string]any{
		"resource": "spec-1", "title": "Login flow",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != domain.StatusDenied || result.Reason != "not_owner" {
		t.Fatalf("got %s/%s, want denied/not_owner", result.Status, result.Reason)
	}

	reader := clientFor(t, url, "observer")
	entry, err := reader.AuditEntry(ctx, result.AuditEntryID)
	if err != nil {
		t.Fatalf("audit entry: %v", err)
	}
	if entry.Outcome != domain.OutcomeDenied {
		t.Fatalf("outcome %s, want denied", entry.Outcome)
	}
	if !strings.Contains(entry.Detail, "not_owner") {
		t.Fatalf("entry detail lost in transit: %+v", entry)
	}

	entries, err := reader.Audit(ctx, gatelinesdk.AuditFilter{Role: "implementer"})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Detail, "not_owner") {
		t.Fatalf("listing detail lost in transit: %+v", entries[0])
	}
}

func TestCommandsListing(t *testing.T) {
	url := newTestAPI(t)
	c := clientFor(t, url, "observer")
	ctx := context.Background()

	defs, err := c.Commands(ctx)
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	if len(defs) == 0 {
		t.Fatalf("no commands listed")
	}
	def, err := c.Command(ctx, "spec.create")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if def.Role != "architect" || def.Domain != "specifications" {
		t.Fatalf("unexpected definition %+v", def)
	}
}

func TestUnauthenticatedError(t *testing.T) {
	url := newTestAPI(t)
	c := gatelinesdk.New(url)
	_, err := c.Commands(context.Background())
	apiErr, ok := err.(*gatelinesdk.APIError)
	if !ok {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", apiErr.StatusCode)
	}
}
