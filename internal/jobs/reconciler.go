package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"shopimage/internal/domain"
	"shopimage/internal/infra"
	"shopimage/internal/lock"
	"shopimage/internal/providers/processor"
	"shopimage/internal/storage"
)

const pollTimeoutReason = "max polling attempts reached"

// ReconcilePolicy holds the reconciler's limits.
type ReconcilePolicy struct {
	MaxPollAttempts int
	PollInterval    time.Duration
	Concurrency     int
	BatchSize       int
	LeaseTTL        time.Duration
	SignedURLTTL    time.Duration
	RequeueAfter    time.Duration
	OrphanGrace     time.Duration
	// OrphanMaxAge bounds the orphan sweep to the window in which a crash
	// between debit and job insert can have happened. Older reservations
	// without a job row belong to deleted jobs and are never refunded.
	OrphanMaxAge time.Duration
	// RefundOnMaterializationFailure refunds jobs whose output could not be
	// downloaded or stored. Off by default: the merchant pays for work the
	// processor completed.
	RefundOnMaterializationFailure bool
}

func (p ReconcilePolicy) withDefaults() ReconcilePolicy {
	if p.MaxPollAttempts <= 0 {
		p.MaxPollAttempts = 3
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 30 * time.Second
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 8
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 200
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = 2 * time.Minute
	}
	if p.SignedURLTTL <= 0 {
		p.SignedURLTTL = 24 * time.Hour
	}
	if p.RequeueAfter <= 0 {
		p.RequeueAfter = 10 * time.Minute
	}
	if p.OrphanGrace <= 0 {
		p.OrphanGrace = 15 * time.Minute
	}
	if p.OrphanMaxAge <= p.OrphanGrace {
		p.OrphanMaxAge = 3 * p.OrphanGrace
	}
	return p
}

// ReconcilerDeps wires a Reconciler.
type ReconcilerDeps struct {
	Jobs      domain.JobRepository
	Ledger    domain.CreditLedger
	Store     storage.Gateway
	Processor Processor
	Fetcher   Fetcher
	Locker    lock.Locker
	Publisher Publisher
	Policy    ReconcilePolicy
	Logger    zerolog.Logger
}

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	Polled    int
	Pending   int
	Processed int
	Failed    int
	TimedOut  int
	Skipped   int
	Errors    int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePending
	outcomeProcessed
	outcomeFailed
	outcomeTimedOut
	outcomeError
)

// Reconciler polls processing jobs until they are terminal.
type Reconciler struct {
	jobs      domain.JobRepository
	ledger    domain.CreditLedger
	store     storage.Gateway
	processor Processor
	fetcher   Fetcher
	locker    lock.Locker
	publisher Publisher
	policy    ReconcilePolicy
	logger    zerolog.Logger
	settle    settler
	wake      chan struct{}
	now       func() time.Time
}

// NewReconciler builds a Reconciler. A nil Locker falls back to an
// in-process lock, which only protects a single worker.
func NewReconciler(deps ReconcilerDeps) *Reconciler {
	logger := infra.Component(deps.Logger, "reconciler")
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	return &Reconciler{
		jobs:      deps.Jobs,
		ledger:    deps.Ledger,
		store:     deps.Store,
		processor: deps.Processor,
		fetcher:   deps.Fetcher,
		locker:    locker,
		publisher: deps.Publisher,
		policy:    deps.Policy.withDefaults(),
		logger:    logger,
		settle:    settler{jobs: deps.Jobs, ledger: deps.Ledger, logger: logger},
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Notify asks Run to start a cycle. It never blocks.
func (r *Reconciler) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run idles until notified, runs a cycle, and keeps cycling every
// PollInterval while any job is still processing.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().Dur("poll_interval", r.policy.PollInterval).Msg("reconciler: started")
	var next <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler: stopped")
			return nil
		case <-r.wake:
		case <-next:
		}

		report, err := r.RunCycle(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("reconciler: cycle failed")
		} else if report.Polled > 0 {
			r.logger.Info().
				Int("polled", report.Polled).
				Int("pending", report.Pending).
				Int("processed", report.Processed).
				Int("failed", report.Failed).
				Int("timed_out", report.TimedOut).
				Int("skipped", report.Skipped).
				Int("errors", report.Errors).
				Msg("reconciler: cycle complete")
		}

		remaining, err := r.jobs.CountProcessing(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error().Err(err).Msg("reconciler: count processing failed")
			next = time.After(r.policy.PollInterval)
		case remaining > 0:
			next = time.After(r.policy.PollInterval)
		default:
			next = nil
			r.logger.Debug().Msg("reconciler: idle")
		}
	}
}

// RunCycle polls every processing job once, several at a time. Safe to call
// concurrently with itself; per-job leases keep jobs from being polled twice.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleReport, error) {
	jobs, err := r.jobs.ListProcessing(ctx, r.policy.BatchSize)
	if err != nil {
		return CycleReport{}, fmt.Errorf("list processing jobs: %w", err)
	}

	var (
		mu     sync.Mutex
		report CycleReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.policy.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			out := r.reconcileOne(gctx, job)
			mu.Lock()
			defer mu.Unlock()
			report.Polled++
			switch out {
			case outcomePending:
				report.Pending++
			case outcomeProcessed:
				report.Processed++
			case outcomeFailed:
				report.Failed++
			case outcomeTimedOut:
				report.TimedOut++
			case outcomeError:
				report.Errors++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, ctx.Err()
}

func (r *Reconciler) reconcileOne(ctx context.Context, snapshot domain.Job) outcome {
	log := r.logger.With().Str("job_id", snapshot.ID).Logger()

	lease, ok, err := r.locker.TryAcquire(ctx, "poll:"+snapshot.ID, r.policy.LeaseTTL)
	if err != nil {
		log.Error().Err(err).Msg("reconciler: lease failed")
		return outcomeError
	}
	if !ok {
		return outcomeSkipped
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("reconciler: lease release failed")
		}
	}()

	// Re-read under the lease; the listing may be stale.
	job, err := r.jobs.GetByID(ctx, snapshot.ID)
	if err != nil {
		log.Error().Err(err).Msg("reconciler: reload failed")
		return outcomeError
	}
	if job.Status != domain.JobStatusProcessing || job.ExternalTaskID == nil {
		return outcomeSkipped
	}

	if job.PollAttempts >= r.policy.MaxPollAttempts {
		return r.finish(ctx, job, domain.Failure{Kind: domain.FailurePollTimeout, Reason: pollTimeoutReason}, true, outcomeTimedOut)
	}

	result, err := r.processor.PollStatus(ctx, *job.ExternalTaskID)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeError
		}
		var perr *processor.PollError
		if !errors.As(err, &perr) {
			log.Error().Err(err).Msg("reconciler: unexpected poll error")
		} else {
			log.Warn().Err(err).Int("attempts", job.PollAttempts).Msg("reconciler: transient poll error")
		}
		// Transient errors spend the same budget as pending answers.
		if err := r.countAttempt(ctx, job); err != nil {
			log.Error().Err(err).Msg("reconciler: increment attempts failed")
		}
		return outcomeError
	}

	switch result.State {
	case processor.StateComplete:
		return r.materialize(ctx, job, result.AssetURL)
	case processor.StateFailed:
		return r.finish(ctx, job, domain.Failure{Kind: domain.FailureProcessing, Reason: result.Reason}, true, outcomeFailed)
	default:
		if err := r.countAttempt(ctx, job); err != nil {
			log.Error().Err(err).Msg("reconciler: increment attempts failed")
			return outcomeError
		}
		return outcomePending
	}
}

func (r *Reconciler) countAttempt(ctx context.Context, job *domain.Job) error {
	_, err := r.jobs.IncrementPollAttempts(ctx, job.ID, r.policy.MaxPollAttempts)
	return err
}

// materialize copies the processor output into merchant storage and marks
// the job processed.
func (r *Reconciler) materialize(ctx context.Context, job *domain.Job, assetURL string) outcome {
	fail := func(reason string, err error) outcome {
		if ctx.Err() != nil {
			return outcomeError
		}
		failure := domain.Failure{Kind: domain.FailureMaterialization, Reason: fmt.Sprintf("%s: %v", reason, err)}
		return r.finish(ctx, job, failure, r.policy.RefundOnMaterializationFailure, outcomeFailed)
	}

	asset, err := r.fetcher.Fetch(ctx, assetURL)
	if err != nil {
		return fail("download result", err)
	}
	ext := storage.ExtensionFor(asset.ContentType, assetURL)
	contentType := storage.ContentTypeFor(ext)
	receipt, err := r.store.Upload(ctx, storage.ProcessedPath(job.MerchantID, ext), asset.Data, contentType)
	if err != nil {
		return fail("store result", err)
	}
	signed, err := r.store.SignedURL(ctx, receipt.Path, r.policy.SignedURLTTL)
	if err != nil {
		return fail("sign result", err)
	}

	ok, err := r.jobs.MarkProcessed(ctx, job.ID, receipt.Path, signed)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: mark processed failed")
		return outcomeError
	}
	if !ok {
		return outcomeSkipped
	}
	r.logger.Info().
		Str("job_id", job.ID).
		Str("merchant", job.MerchantID).
		Str("output", receipt.Path).
		Msg("reconciler: job processed")
	return outcomeProcessed
}

func (r *Reconciler) finish(ctx context.Context, job *domain.Job, failure domain.Failure, refund bool, success outcome) outcome {
	done, err := r.settle.fail(ctx, job, []domain.JobStatus{domain.JobStatusProcessing}, failure, refund)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: settle failure")
		if !done {
			return outcomeError
		}
	}
	if !done {
		return outcomeSkipped
	}
	return success
}

// RequeueStale republishes queued jobs whose message was never consumed.
func (r *Reconciler) RequeueStale(ctx context.Context) (int, error) {
	if r.publisher == nil {
		return 0, nil
	}
	stale, err := r.jobs.ClaimStaleQueued(ctx, r.now().Add(-r.policy.RequeueAfter), r.policy.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range stale {
		if err := r.publisher.PublishJob(ctx, job.ID); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconciler: republish failed")
			continue
		}
		n++
	}
	if n > 0 {
		r.logger.Info().Int("count", n).Msg("reconciler: republished stale jobs")
	}
	return n, nil
}

// SweepOrphanReservations refunds reservations whose job row was never
// written, for example after a crash between the debit and the insert. Only
// reservations aged between OrphanGrace and OrphanMaxAge are considered.
func (r *Reconciler) SweepOrphanReservations(ctx context.Context) (int, error) {
	now := r.now()
	orphans, err := r.jobs.ListOrphanedReservations(ctx, now.Add(-r.policy.OrphanGrace), now.Add(-r.policy.OrphanMaxAge), r.policy.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, res := range orphans {
		key := res.JobID + ":orphaned-reservation"
		reason := fmt.Sprintf("Refund for job %s (orphaned-reservation)", res.JobID)
		balance, err := r.ledger.AddIdempotent(ctx, res.MerchantID, res.Amount, reason, key)
		if err != nil {
			r.logger.Error().Err(err).Str("job_id", res.JobID).Msg("reconciler: orphan refund failed")
			continue
		}
		if balance != nil {
			n++
			r.logger.Warn().Str("job_id", res.JobID).Str("merchant", res.MerchantID).Msg("reconciler: refunded orphaned reservation")
		}
	}
	return n, nil
}

// SweepUnrefundedFailures retries refunds that failed after their job was
// already marked failed.
func (r *Reconciler) SweepUnrefundedFailures(ctx context.Context) (int, error) {
	failed, err := r.jobs.ListUnrefundedFailures(ctx, r.now().Add(-time.Minute),
		r.policy.RefundOnMaterializationFailure, r.policy.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range failed {
		job := &failed[i]
		if job.FailureKind == nil {
			continue
		}
		if err := r.settle.refund(ctx, job, *job.FailureKind); err != nil {
			r.logger.Error().Err(err).Str("job_id", job.ID).Msg("reconciler: deferred refund failed")
			continue
		}
		n++
	}
	return n, nil
}
