package projection

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"escrow-backend/core/marketplace"
)

const (
	DefaultJobLimit        = 50
	DefaultSubmissionLimit = 100
)

// JobFilter narrows ListJobs. A zero ChainID lists every chain.
type JobFilter struct {
	ChainID uint64
	Limit   int
}

// Store is the server-side projection store. Every job update checks
// expectedVersion when it is positive and bumps the version on change.
type Store interface {
	// IndexJob stores rec as a new OPEN job. created is false when the id
	// was already indexed; the stored job is returned unchanged.
	IndexJob(ctx context.Context, rec marketplace.JobRecord) (job marketplace.Job, created bool, err error)
	GetJob(ctx context.Context, jobID string) (marketplace.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]marketplace.Job, error)
	FindByFundingTx(ctx context.Context, txHash string) (marketplace.Job, error)
	Apply(ctx context.Context, jobID, applicant string, expectedVersion int64) (marketplace.Job, error)
	Assign(ctx context.Context, jobID, actor, worker string, expectedVersion int64) (marketplace.Job, error)
	RecordSubmission(ctx context.Context, sub marketplace.Submission) (marketplace.Job, error)
	ListSubmissions(ctx context.Context, jobID string, limit int) ([]marketplace.Submission, error)
	RekeyJob(ctx context.Context, oldID, newID string) (marketplace.Job, error)
	UpdateAmount(ctx context.Context, jobID string, amount decimal.Decimal) (marketplace.Job, error)
	Refund(ctx context.Context, jobID string) (marketplace.Job, error)
	Settle(ctx context.Context, jobID, settlementTx string) (marketplace.Job, error)
	Users(ctx context.Context) ([]marketplace.Identity, error)
	Close()
}

// applyAction runs a through the state machine with a version check.
func applyAction(job marketplace.Job, expectedVersion int64, a marketplace.Action) (marketplace.Job, bool, error) {
	if err := checkVersion(job, expectedVersion); err != nil {
		return job, false, err
	}
	next, changed, err := marketplace.Transition(job, a)
	if err != nil || !changed {
		return job, false, err
	}
	next.Version = job.Version + 1
	return next, true, nil
}

func checkVersion(job marketplace.Job, expectedVersion int64) error {
	if expectedVersion > 0 && expectedVersion != job.Version {
		return fmt.Errorf("%w: job %s is at version %d, caller read %d",
			marketplace.ErrVersionConflict, job.ChainJobID, job.Version, expectedVersion)
	}
	return nil
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
