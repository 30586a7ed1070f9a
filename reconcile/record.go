package reconcile

import (
	"context"
	"time"

	"github.com/warp/billing-ledger/generic"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunRecord is the persisted summary of one run.
type RunRecord struct {
	ID          string
	Tenancy     generic.TenancyID
	Mode        Mode
	Status      string
	Customers   int
	Findings    int
	Mismatches  int
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// RunRecorder persists run summaries.
type RunRecorder interface {
	SaveReconcileRun(ctx context.Context, run RunRecord) error
	ListReconcileRuns(ctx context.Context, tenancy generic.TenancyID, limit int) ([]RunRecord, error)
}

// Record summarizes the outcome of Execute. A failed run may still carry
// a partial report.
func (r *Run) Record(report *Report, err error) RunRecord {
	rec := RunRecord{
		ID:          r.ID,
		Tenancy:     r.Tenancy,
		Mode:        r.v.opts.Mode,
		Status:      StatusCompleted,
		StartedAt:   r.Started,
		CompletedAt: time.Now(),
	}
	if report != nil {
		rec.Customers = report.Customers
		rec.Findings = len(report.Findings)
		rec.Mismatches = report.Mismatches()
	}
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
	}
	return rec
}
