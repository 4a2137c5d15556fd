package recovery

import (
	"context"
	"time"

	"gateline/internal/audit"
	"gateline/internal/config"
	"gateline/internal/domain"
)

// Reconciler inspects audit entries left in the attempted state. Such
// entries are crash evidence: intent was durable but no terminal outcome was
// recorded. Policy mark-failed finalizes them as failed; review only reports
// them.
type Reconciler struct {
	Audit  audit.Log
	Policy string
	MinAge time.Duration
	Now    func() time.Time
}

// Report summarizes one reconciliation pass.
type Report struct {
	Policy       string              `json:"policy"`
	Stale        []domain.AuditEntry `json:"stale,omitempty"`
	MarkedFailed int                 `json:"marked_failed"`
}

func (r Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run finds attempted entries older than MinAge and applies the policy.
func (r Reconciler) Run(ctx context.Context) (Report, error) {
	pol := r.Policy
	if pol == "" {
		pol = config.RecoveryReview
	}
	cutoff := r.now().UTC().Add(-r.MinAge).Format(time.RFC3339)
	stale, err := r.Audit.Query(ctx, audit.Filter{
		Outcome: domain.OutcomeAttempted,
		Before:  cutoff,
	})
	if err != nil {
		return Report{}, err
	}
	report := Report{Policy: pol, Stale: stale}
	if pol != config.RecoveryMarkFailed {
		return report, nil
	}
	for _, entry := range stale {
		err := r.Audit.Finalize(ctx, audit.Handle{ID: entry.ID}, domain.OutcomeFailed, map[string]any{
			"error":     "recovered after crash: no terminal outcome recorded",
			"recovered": true,
		})
		if err != nil {
			return report, err
		}
		report.MarkedFailed++
	}
	return report, nil
}
