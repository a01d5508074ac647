// Package jobs runs paid image-processing jobs end to end: the Coordinator
// reserves credit and submits work, the Reconciler polls the processor until
// each job is terminal, and both settle refunds through the ledger with keys
// derived from the job id and the failure, so a retried step never pays out
// twice.
package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"shopimage/internal/domain"
	"shopimage/internal/providers/processor"
)

// Processor is the remote image API.
type Processor interface {
	Submit(ctx context.Context, op domain.Operation, inputURL, clientTaskID string) (string, error)
	PollStatus(ctx context.Context, externalTaskID string) (processor.PollResult, error)
}

// Publisher hands a job id to the durable queue.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Notifier wakes the reconciler when a job enters processing.
type Notifier interface {
	Notify()
}

// settler fails jobs and issues the refunds they are owed.
type settler struct {
	jobs   domain.JobRepository
	ledger domain.CreditLedger
	logger zerolog.Logger
}

// fail moves job to failed if it is still in one of from and, when refund is
// set, credits back the reservation. It reports whether this call performed
// the transition.
func (s settler) fail(ctx context.Context, job *domain.Job, from []domain.JobStatus, failure domain.Failure, refund bool) (bool, error) {
	ok, err := s.jobs.MarkFailed(ctx, job.ID, from, failure)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug().Str("job_id", job.ID).Str("failure", string(failure.Kind)).Msg("jobs: failure transition lost race")
		return false, nil
	}
	s.logger.Warn().
		Str("job_id", job.ID).
		Str("merchant", job.MerchantID).
		Str("failure", string(failure.Kind)).
		Str("reason", failure.Reason).
		Msg("jobs: job failed")
	if refund {
		if err := s.refund(ctx, job, failure.Kind); err != nil {
			// The job stays failed; the unrefunded-failure sweep retries
			// with the same key.
			return true, err
		}
	}
	return true, nil
}

// refund credits the job's reservation back exactly once per failure kind.
func (s settler) refund(ctx context.Context, job *domain.Job, kind domain.FailureKind) error {
	if !job.CreditReserved || job.ReservedAmount <= 0 {
		return nil
	}
	key := domain.RefundKey(job.ID, kind)
	reason := fmt.Sprintf("Refund for job %s (%s)", job.ID, kind.RefundKeySuffix())
	balance, err := s.ledger.AddIdempotent(ctx, job.MerchantID, job.ReservedAmount, reason, key)
	if err != nil {
		return fmt.Errorf("refund %s: %w", key, err)
	}
	event := s.logger.Info().Str("job_id", job.ID).Str("merchant", job.MerchantID).Str("key", key)
	if balance == nil {
		event.Msg("jobs: refund already applied")
	} else {
		event.Int64("balance", *balance).Msg("jobs: refunded reservation")
	}
	return nil
}

