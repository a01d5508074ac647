package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shopimage/internal/domain"
	"shopimage/internal/infra"
	"shopimage/internal/ledger"
	"shopimage/internal/providers/processor"
	"shopimage/internal/retry"
	"shopimage/internal/storage"
)

// JobCost is the number of credits one job reserves.
const JobCost int64 = 1

// CoordinatorDeps wires a Coordinator.
type CoordinatorDeps struct {
	Jobs         domain.JobRepository
	Ledger       domain.CreditLedger
	Store        storage.Gateway
	Processor    Processor
	Publisher    Publisher
	Notifier     Notifier
	Retry        retry.Policy
	SignedURLTTL time.Duration
	Logger       zerolog.Logger
}

// Coordinator accepts jobs from merchants and submits them to the processor.
type Coordinator struct {
	jobs         domain.JobRepository
	ledger       domain.CreditLedger
	store        storage.Gateway
	processor    Processor
	publisher    Publisher
	notifier     Notifier
	retry        retry.Policy
	signedURLTTL time.Duration
	logger       zerolog.Logger
	settle       settler
	newID        func() string
}

// NewCoordinator builds a Coordinator from its dependencies.
func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	ttl := deps.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger := infra.Component(deps.Logger, "coordinator")
	return &Coordinator{
		jobs:         deps.Jobs,
		ledger:       deps.Ledger,
		store:        deps.Store,
		processor:    deps.Processor,
		publisher:    deps.Publisher,
		notifier:     deps.Notifier,
		retry:        deps.Retry,
		signedURLTTL: ttl,
		logger:       logger,
		settle:       settler{jobs: deps.Jobs, ledger: deps.Ledger, logger: logger},
		newID:        uuid.NewString,
	}
}

// SubmitJob reserves one credit, persists the job and queues it for
// submission. It returns domain.ErrInsufficientCredit before any job exists
// when the merchant cannot pay. A queue outage does not fail the call: the
// job stays queued and the requeue sweep publishes it later.
func (c *Coordinator) SubmitJob(ctx context.Context, merchantID, operation, inputAsset string) (*domain.Job, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return nil, domain.ErrUnauthorized
	}
	op, err := domain.ParseOperation(operation)
	if err != nil {
		return nil, err
	}
	inputAsset = strings.TrimSpace(inputAsset)
	if inputAsset == "" || !storage.BelongsTo(inputAsset, merchantID) {
		return nil, domain.ErrInvalidAsset
	}

	jobID := c.newID()
	if _, err := c.ledger.DeductFor(ctx, merchantID, JobCost, ledger.ReservePrefix+string(op), jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInsufficientCredit
		}
		return nil, err
	}

	job := &domain.Job{
		ID:             jobID,
		MerchantID:     merchantID,
		Operation:      op,
		InputAsset:     inputAsset,
		Status:         domain.JobStatusPending,
		CreditReserved: true,
		ReservedAmount: JobCost,
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		// Same key as the orphan sweep, so at most one of them refunds.
		if _, rerr := c.ledger.AddIdempotent(ctx, merchantID, JobCost,
			fmt.Sprintf("Refund for job %s (orphaned-reservation)", jobID), jobID+":orphaned-reservation"); rerr != nil {
			c.logger.Error().Err(rerr).Str("job_id", jobID).Msg("coordinator: refund of unsaved job failed; orphan sweep will retry")
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	ok, err := c.jobs.Transition(ctx, jobID, domain.JobStatusPending, domain.JobStatusQueued)
	if err != nil || !ok {
		reason := "could not queue job"
		if err != nil {
			reason = fmt.Sprintf("could not queue job: %v", err)
		}
		if _, ferr := c.settle.fail(ctx, job, []domain.JobStatus{domain.JobStatusPending},
			domain.Failure{Kind: domain.FailureSubmitPermanent, Reason: reason}, true); ferr != nil {
			c.logger.Error().Err(ferr).Str("job_id", jobID).Msg("coordinator: failing unqueued job")
		}
		if err == nil {
			err = domain.ErrInvalidTransition
		}
		return nil, fmt.Errorf("queue job: %w", err)
	}
	job.Status = domain.JobStatusQueued

	if err := c.publisher.PublishJob(ctx, jobID); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("coordinator: publish failed; requeue sweep will retry")
	}
	c.logger.Info().
		Str("job_id", jobID).
		Str("merchant", merchantID).
		Str("operation", string(op)).
		Msg("coordinator: job queued")
	return job, nil
}

// HandleSubmission is the queue worker step. It claims the job, submits it
// to the processor under the retry policy and records the external task id.
// Deliveries for jobs that are already past submission are no-ops. A
// returned error means the delivery should be retried.
func (c *Coordinator) HandleSubmission(ctx context.Context, jobID string) error {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn().Str("job_id", jobID).Msg("coordinator: submission for unknown job dropped")
			return nil
		}
		return err
	}

	switch {
	case job.Status == domain.JobStatusQueued:
		ok, err := c.jobs.Transition(ctx, job.ID, domain.JobStatusQueued, domain.JobStatusProcessing)
		if err != nil {
			return err
		}
		if !ok {
			c.logger.Debug().Str("job_id", job.ID).Msg("coordinator: job claimed elsewhere")
			return nil
		}
		job.Status = domain.JobStatusProcessing
	case job.Status == domain.JobStatusProcessing && job.ExternalTaskID == nil:
		// A previous delivery died mid-submit. The processor task id is the
		// job id, so submitting again addresses the same remote task.
		c.logger.Info().Str("job_id", job.ID).Msg("coordinator: resuming interrupted submission")
	default:
		c.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("coordinator: duplicate delivery ignored")
		return nil
	}

	inputURL, err := c.store.SignedURL(ctx, job.InputAsset, c.signedURLTTL)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return c.failSubmission(ctx, job, domain.Failure{Kind: domain.FailureSubmitPermanent, Reason: "input asset not found"})
		case errors.Is(err, domain.ErrStoreRejected):
			return c.failSubmission(ctx, job, domain.Failure{Kind: domain.FailureSubmitPermanent, Reason: fmt.Sprintf("input asset rejected by store: %v", err)})
		}
		return fmt.Errorf("sign input asset: %w", err)
	}

	var externalID string
	err = c.retry.Do(ctx, processor.ClassifySubmit, func(ctx context.Context, attempt int) error {
		id, err := c.processor.Submit(ctx, job.Operation, inputURL, job.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", attempt).Msg("coordinator: submit attempt failed")
			return err
		}
		externalID = id
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failure := domain.Failure{Kind: domain.FailureSubmitPermanent, Reason: fmt.Sprintf("submission rejected: %v", err)}
		if retry.IsExhausted(err) {
			failure = domain.Failure{Kind: domain.FailureSubmitExhausted, Reason: fmt.Sprintf("submission failed: %v", err)}
		}
		return c.failSubmission(ctx, job, failure)
	}

	ok, err := c.jobs.SetExternalTaskID(ctx, job.ID, externalID)
	if err != nil {
		return fmt.Errorf("record external task id: %w", err)
	}
	if !ok {
		c.logger.Info().Str("job_id", job.ID).Msg("coordinator: job left processing during submission")
		return nil
	}
	c.logger.Info().Str("job_id", job.ID).Str("external_task_id", externalID).Msg("coordinator: job submitted")
	if c.notifier != nil {
		c.notifier.Notify()
	}
	return nil
}

// AbandonSubmission fails a job whose submission message ran out of
// deliveries and refunds it. Jobs that already reached the processor, or
// are terminal, are left alone.
func (c *Coordinator) AbandonSubmission(ctx context.Context, jobID string, cause error) error {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Status.Terminal() || job.ExternalTaskID != nil {
		return nil
	}
	reason := "submission abandoned after repeated delivery failures"
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	from := []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusProcessing}
	done, err := c.settle.fail(ctx, job, from, domain.Failure{Kind: domain.FailureSubmitExhausted, Reason: reason}, true)
	if done && err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("coordinator: refund deferred to sweep")
		return nil
	}
	return err
}

// failSubmission fails a processing job and refunds it. Once the job is
// failed the delivery is settled even if the refund errored, because the
// unrefunded-failure sweep owns that retry.
func (c *Coordinator) failSubmission(ctx context.Context, job *domain.Job, failure domain.Failure) error {
	done, err := c.settle.fail(ctx, job, []domain.JobStatus{domain.JobStatusProcessing}, failure, true)
	if done && err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("coordinator: refund deferred to sweep")
		return nil
	}
	return err
}

// CancelJob fails a non-terminal job owned by merchantID and refunds it.
func (c *Coordinator) CancelJob(ctx context.Context, merchantID, jobID string) (*domain.Job, error) {
	job, err := c.jobs.GetForMerchant(ctx, merchantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, domain.ErrJobTerminal
	}
	from := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusQueued, domain.JobStatusProcessing}
	ok, err := c.settle.fail(ctx, job, from, domain.Failure{Kind: domain.FailureCancelled, Reason: "cancelled by merchant"}, true)
	if err != nil && !ok {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrJobTerminal
	}
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", job.ID).Msg("coordinator: cancellation refund deferred to sweep")
	}
	return c.jobs.GetForMerchant(ctx, merchantID, jobID)
}

// GetJob returns a job owned by merchantID.
func (c *Coordinator) GetJob(ctx context.Context, merchantID, jobID string) (*domain.Job, error) {
	return c.jobs.GetForMerchant(ctx, merchantID, jobID)
}
