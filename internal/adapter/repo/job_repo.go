package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"shopimage/internal/domain"
	"shopimage/internal/infra"
	"shopimage/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	db infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("create job: nil job")
	}
	err := r.db.QueryRow(ctx, sqlinline.QJobInsert,
		job.ID,
		job.MerchantID,
		string(job.Operation),
		job.InputAsset,
		string(job.Status),
		job.CreditReserved,
		job.ReservedAmount,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	if !validJobID(jobID) {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QJobSelectByID, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetForMerchant fetches a job only when it belongs to merchantID.
func (r *JobRepositoryPG) GetForMerchant(ctx context.Context, merchantID, jobID string) (*domain.Job, error) {
	if !validJobID(jobID) {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QJobSelectForMerchant, jobID, merchantID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// validJobID reports whether jobID can match the uuid primary key. Anything
// else would fail the cast in Postgres instead of finding nothing.
func validJobID(jobID string) bool {
	if len(jobID) != 36 {
		return false
	}
	_, err := uuid.Parse(jobID)
	return err == nil
}

// Transition moves a job from one status to another if it is still in from.
func (r *JobRepositoryPG) Transition(ctx context.Context, jobID string, from, to domain.JobStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, domain.ErrInvalidTransition
	}
	tag, err := r.db.Exec(ctx, sqlinline.QJobTransition, jobID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition job %s->%s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetExternalTaskID records the processor task id once per job.
func (r *JobRepositoryPG) SetExternalTaskID(ctx context.Context, jobID, externalTaskID string) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QJobSetExternalTaskID, jobID, externalTaskID)
	if err != nil {
		return false, fmt.Errorf("set external task id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementPollAttempts bumps the attempt counter while it is below max.
func (r *JobRepositoryPG) IncrementPollAttempts(ctx context.Context, jobID string, max int) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QJobIncrementPollAttempts, jobID, max)
	if err != nil {
		return false, fmt.Errorf("increment poll attempts: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed moves a processing job to processed with its output.
func (r *JobRepositoryPG) MarkProcessed(ctx context.Context, jobID, outputAsset, outputURL string) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QJobMarkProcessed, jobID, outputAsset, outputURL)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed fails the job if its status is one of from.
func (r *JobRepositoryPG) MarkFailed(ctx context.Context, jobID string, from []domain.JobStatus, failure domain.Failure) (bool, error) {
	statuses := make([]string, 0, len(from))
	for _, s := range from {
		if !domain.CanTransition(s, domain.JobStatusFailed) {
			return false, domain.ErrInvalidTransition
		}
		statuses = append(statuses, string(s))
	}
	if len(statuses) == 0 {
		return false, domain.ErrInvalidTransition
	}
	reason := failure.Reason
	if reason == "" {
		reason = string(failure.Kind)
	}
	tag, err := r.db.Exec(ctx, sqlinline.QJobMarkFailed, jobID, statuses, reason, string(failure.Kind))
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListProcessing returns processing jobs that have an external task id,
// least recently touched first.
func (r *JobRepositoryPG) ListProcessing(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.Query(ctx, sqlinline.QJobListProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountProcessing counts every job in the processing state.
func (r *JobRepositoryPG) CountProcessing(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, sqlinline.QJobCountProcessing).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processing jobs: %w", err)
	}
	return n, nil
}

// ClaimStaleQueued returns queued jobs untouched since olderThan and bumps
// their updated_at so concurrent sweepers skip them.
func (r *JobRepositoryPG) ClaimStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	rows, err := r.db.Query(ctx, sqlinline.QJobClaimStaleQueued, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("claim stale queued jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListOrphanedReservations finds job reservations created between newerThan
// and olderThan that never got a job row and were not refunded yet.
func (r *JobRepositoryPG) ListOrphanedReservations(ctx context.Context, olderThan, newerThan time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.db.Query(ctx, sqlinline.QJobListOrphanedReservations, olderThan, limit, newerThan)
	if err != nil {
		return nil, fmt.Errorf("list orphaned reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.MerchantID, &res.JobID, &res.Amount, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orphaned reservations: %w", err)
	}
	return out, nil
}

// ListUnrefundedFailures returns failed jobs whose refund never landed.
func (r *JobRepositoryPG) ListUnrefundedFailures(ctx context.Context, settledBefore time.Time, includeMaterialization bool, limit int) ([]domain.Job, error) {
	rows, err := r.db.Query(ctx, sqlinline.QJobListUnrefundedFailures, settledBefore, limit, includeMaterialization)
	if err != nil {
		return nil, fmt.Errorf("list unrefunded failures: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		operation   string
		status      string
		failureKind *string
	)
	if err := row.Scan(
		&job.ID,
		&job.MerchantID,
		&operation,
		&job.InputAsset,
		&job.OutputAsset,
		&job.OutputURL,
		&job.ExternalTaskID,
		&status,
		&job.PollAttempts,
		&job.LastError,
		&failureKind,
		&job.CreditReserved,
		&job.ReservedAmount,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Operation = domain.Operation(operation)
	job.Status = domain.JobStatus(status)
	if failureKind != nil {
		kind := domain.FailureKind(*failureKind)
		job.FailureKind = &kind
	}
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
