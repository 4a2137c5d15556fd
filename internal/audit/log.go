package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gateline/internal/domain"
)

// ConsistencyError reports a finalize call that conflicts with an already
// recorded terminal outcome. It indicates a programming error and must never
// be swallowed.
type ConsistencyError struct {
	EntryID   int64
	Existing  string
	Requested string
}

func (e ConsistencyError) Error() string {
	return fmt.Sprintf("audit entry %d already finalized as %s, refusing %s", e.EntryID, e.Existing, e.Requested)
}

// ErrEntryNotFound is returned when an audit entry id does not exist.
var ErrEntryNotFound = fmt.Errorf("audit entry not found")

// Log is the append-only, totally ordered execution record. Entry ids come
// from SQLite's AUTOINCREMENT rowid, which serializes allocation across all
// writers on the shared database file.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

// Handle references an entry in the attempted state.
type Handle struct {
	ID int64
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Begin durably appends an entry in the attempted state. This is the
// write-ahead step: it must commit before any resource mutation runs.
func (l Log) Begin(ctx context.Context, role, commandID, domainName, operation, correlationID string) (Handle, error) {
	ts := l.now().UTC().Format(time.RFC3339)
	res, err := l.DB.ExecContext(ctx,
		`INSERT INTO audit_entries(ts,role,command_id,domain,operation,outcome,correlation_id,detail_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, role, commandID, domainName, operation, domain.OutcomeAttempted, correlationID, "{}")
	if err != nil {
		return Handle{}, fmt.Errorf("append audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Handle{}, fmt.Errorf("audit entry id: %w", err)
	}
	return Handle{ID: id}, nil
}

// Finalize transitions an attempted entry to a terminal outcome. Calling it
// again with the same outcome is a no-op and the first recorded detail wins;
// details are never merged. A conflicting outcome returns ConsistencyError.
func (l Log) Finalize(ctx context.Context, h Handle, outcome string, detail map[string]any) error {
	if outcome == domain.OutcomeAttempted {
		return fmt.Errorf("finalize with non-terminal outcome %s", outcome)
	}
	if detail == nil {
		detail = map[string]any{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	finalizedAt := l.now().UTC().Format(time.RFC3339)
	res, err := l.DB.ExecContext(ctx,
		`UPDATE audit_entries SET outcome=?, detail_json=?, finalized_at=? WHERE id=? AND outcome=?`,
		outcome, string(data), finalizedAt, h.ID, domain.OutcomeAttempted)
	if err != nil {
		return fmt.Errorf("finalize audit entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var existing string
	err = l.DB.QueryRowContext(ctx, `SELECT outcome FROM audit_entries WHERE id=?`, h.ID).Scan(&existing)
	if err == sql.ErrNoRows {
		return ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if existing == outcome {
		return nil
	}
	return ConsistencyError{EntryID: h.ID, Existing: existing, Requested: outcome}
}

// Filter selects audit entries. AfterID supports restartable paging by
// last-seen id.
type Filter struct {
	Role    string
	Domain  string
	Outcome string
	Since   string
	Before  string
	AfterID int64
	Limit   int
}

const selectColumns = `id,ts,role,command_id,domain,operation,outcome,correlation_id,COALESCE(detail_json,''),COALESCE(finalized_at,'')`

func (f Filter) clauses() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.Domain != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, f.Domain)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since)
	}
	if f.Before != "" {
		clauses = append(clauses, "ts<?")
		args = append(args, f.Before)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns matching entries in ascending id order. Readers observe a
// prefix-consistent view and may page with Filter.AfterID.
func (l Log) Query(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	where, args := f.clauses()
	query := fmt.Sprintf(`SELECT %s FROM audit_entries %s ORDER BY id ASC`, selectColumns, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return l.scanEntries(ctx, query, args)
}

// Latest returns the most recent matching entries, newest first.
func (l Log) Latest(ctx context.Context, limit int, f Filter) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	where, args := f.clauses()
	query := fmt.Sprintf(`SELECT %s FROM audit_entries %s ORDER BY id DESC LIMIT ?`, selectColumns, where)
	args = append(args, limit)
	return l.scanEntries(ctx, query, args)
}

// Get returns one entry by id.
func (l Log) Get(ctx context.Context, id int64) (domain.AuditEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_entries WHERE id=?`, selectColumns)
	entries, err := l.scanEntries(ctx, query, []any{id})
	if err != nil {
		return domain.AuditEntry{}, err
	}
	if len(entries) == 0 {
		return domain.AuditEntry{}, ErrEntryNotFound
	}
	return entries[0], nil
}

func (l Log) scanEntries(ctx context.Context, query string, args []any) ([]domain.AuditEntry, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Role, &e.CommandID, &e.Domain, &e.Operation, &e.Outcome, &e.CorrelationID, &e.Detail, &e.FinalizedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
