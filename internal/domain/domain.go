package domain

// Permission levels a command may declare.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// SharedDomain is writable and readable by every configured role.
const SharedDomain = "shared"

// Audit outcomes. Attempted is the write-ahead state; the rest are terminal.
const (
	OutcomeAttempted = "attempted"
	OutcomeSuccess   = "success"
	OutcomeDenied    = "denied"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Execution result statuses returned to callers.
const (
	StatusSucceeded = "succeeded"
	StatusDenied    = "denied"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Param describes one declared command parameter.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type" enum:"string,int,bool,object,list"`
	Required bool   `json:"required,omitempty"`
}

// CommandDefinition is a declared, permission-scoped unit of work.
// Immutable after registry load.
type CommandDefinition struct {
	ID               string  `json:"id"`
	Role             string  `json:"role"`
	Domain           string  `json:"domain"`
	Permission       string  `json:"permission" enum:"read,write"`
	Params           []Param `json:"params,omitempty"`
	SuccessPredicate string  `json:"success_predicate,omitempty"`
	TimeoutSeconds   int     `json:"timeout_seconds,omitempty"`
	AuditReads       bool    `json:"audit_reads,omitempty"`
	Version          int     `json:"version"`
	Description      string  `json:"description,omitempty"`
}

// AuditEntry is one recorded execution attempt. Ids are strictly increasing
// and entries are never mutated after reaching a terminal outcome.
type AuditEntry struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Role          string `json:"role"`
	CommandID     string `json:"command_id"`
	Domain        string `json:"domain"`
	Operation     string `json:"operation" enum:"read,write"`
	Outcome       string `json:"outcome" enum:"attempted,success,denied,failed,timed_out"`
	CorrelationID string `json:"correlation_id"`
	Detail        string `json:"detail_json,omitempty"`
	FinalizedAt   string `json:"finalized_at,omitempty" format:"date-time"`
}

// ExecutionResult is returned for every execution attempt. AuditEntryID
// references the persisted audit entry; it is zero only for unaudited
// read-side validation failures.
type ExecutionResult struct {
	Status        string         `json:"status" enum:"succeeded,denied,failed,timed_out"`
	Payload       map[string]any `json:"payload,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	AuditEntryID  int64          `json:"audit_entry_id,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// Resource is one stored row in the backing resource store.
type Resource struct {
	Domain    string `json:"domain"`
	ID        string `json:"id"`
	Payload   string `json:"payload_json"`
	UpdatedBy string `json:"updated_by"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// APIKey maps a hashed credential to a caller role.
type APIKey struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
