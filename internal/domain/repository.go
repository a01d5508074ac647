package domain

import (
	"context"
	"time"
)

// JobRepository persists jobs. Status writes are compare-and-set: each
// method only applies when the stored status matches the expected source
// state and reports whether a row changed.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	GetForMerchant(ctx context.Context, merchantID, jobID string) (*Job, error)
	Transition(ctx context.Context, jobID string, from, to JobStatus) (bool, error)
	SetExternalTaskID(ctx context.Context, jobID, externalTaskID string) (bool, error)
	IncrementPollAttempts(ctx context.Context, jobID string, max int) (bool, error)
	MarkProcessed(ctx context.Context, jobID, outputAsset, outputURL string) (bool, error)
	MarkFailed(ctx context.Context, jobID string, from []JobStatus, failure Failure) (bool, error)
	ListProcessing(ctx context.Context, limit int) ([]Job, error)
	CountProcessing(ctx context.Context) (int, error)
	ClaimStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]Job, error)
	ListOrphanedReservations(ctx context.Context, olderThan, newerThan time.Time, limit int) ([]Reservation, error)
	ListUnrefundedFailures(ctx context.Context, settledBefore time.Time, includeMaterialization bool, limit int) ([]Job, error)
}

// CreditLedger is the subset of the ledger the job pipeline depends on.
type CreditLedger interface {
	GetBalance(ctx context.Context, merchantID string) (int64, error)
	DeductFor(ctx context.Context, merchantID string, amount int64, reason, reference string) (int64, error)
	AddIdempotent(ctx context.Context, merchantID string, amount int64, reason, key string) (*int64, error)
}
