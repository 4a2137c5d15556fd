package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/domain"
)

// ErrResourceNotFound is returned by read operations on missing resources.
var ErrResourceNotFound = errors.New("resource not found")

// InvokeRequest is the narrow capability handed to the resource store for one
// command execution.
type InvokeRequest struct {
	CommandID     string
	Domain        string
	Operation     string
	Resource      string
	Args          map[string]any
	Role          string
	CorrelationID string
}

// Result is what the store reports back for predicate evaluation.
type Result struct {
	Ack     bool
	Payload map[string]any
}

// Invoker is the external collaborator boundary: the executor never touches
// storage except through it.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (Result, error)
}

// SQL is the default resource store, keyed by (domain, resource id) in the
// workspace database. Writes upsert the full argument payload; reads return
// one resource or list a domain.
type SQL struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQL) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQL) Invoke(ctx context.Context, req InvokeRequest) (Result, error) {
	switch req.Operation {
	case domain.PermissionWrite:
		return s.write(ctx, req)
	case domain.PermissionRead:
		return s.read(ctx, req)
	default:
		return Result{}, fmt.Errorf("unknown operation %q", req.Operation)
	}
}

func (s SQL) write(ctx context.Context, req InvokeRequest) (Result, error) {
	id := req.Resource
	if id == "" {
		id = uuid.New().String()
	}
	data, err := json.Marshal(req.Args)
	if err != nil {
		return Result{}, fmt.Errorf("marshal resource payload: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339)
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO resources(domain, id, payload_json, updated_by, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(domain, id) DO UPDATE SET payload_json=excluded.payload_json, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		req.Domain, id, string(data), req.Role, now)
	if err != nil {
		return Result{}, err
	}
	return Result{Ack: true, Payload: map[string]any{"resource": id, "domain": req.Domain}}, nil
}

func (s SQL) read(ctx context.Context, req InvokeRequest) (Result, error) {
	if req.Resource != "" {
		row := s.DB.QueryRowContext(ctx,
			`SELECT payload_json, updated_by, updated_at FROM resources WHERE domain=? AND id=?`,
			req.Domain, req.Resource)
		var payload, updatedBy, updatedAt string
		err := row.Scan(&payload, &updatedBy, &updatedAt)
		if err == sql.ErrNoRows {
			return Result{}, ErrResourceNotFound
		}
		if err != nil {
			return Result{}, err
		}
		var body map[string]any
		_ = json.Unmarshal([]byte(payload), &body)
		return Result{Ack: true, Payload: map[string]any{
			"resource":   req.Resource,
			"body":       body,
			"updated_by": updatedBy,
			"updated_at": updatedAt,
		}}, nil
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, updated_by, updated_at FROM resources WHERE domain=? ORDER BY id`, req.Domain)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()
	items := []map[string]any{}
	for rows.Next() {
		var id, updatedBy, updatedAt string
		if err := rows.Scan(&id, &updatedBy, &updatedAt); err != nil {
			return Result{}, err
		}
		items = append(items, map[string]any{"resource": id, "updated_by": updatedBy, "updated_at": updatedAt})
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return Result{Ack: true, Payload: map[string]any{"items": items, "count": len(items)}}, nil
}
