package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shopimage/internal/domain"
	"shopimage/internal/infra"
	"shopimage/internal/ledger"
	"shopimage/internal/lock"
	"shopimage/internal/providers/processor"
	"shopimage/internal/retry"
	"shopimage/internal/storage"
)

// memLedger mirrors the ledger's contract: balances move only through
// transactions and (merchant, key) is unique.
type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	txs      []memTx
	seq      int
	addErr   error
}

type memTx struct {
	merchant string
	delta    int64
	reason   string
	key      string
	ref      *string
	at       time.Time
}

func newMemLedger(balances map[string]int64) *memLedger {
	l := &memLedger{balances: map[string]int64{}}
	for merchant, amount := range balances {
		l.balances[merchant] = 0
		if amount > 0 {
			l.balances[merchant] = amount
			l.txs = append(l.txs, memTx{merchant: merchant, delta: amount, reason: "Opening balance", key: "opening-balance", at: time.Now()})
		}
	}
	return l
}

func (l *memLedger) GetBalance(ctx context.Context, merchantID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[merchantID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return balance, nil
}

func (l *memLedger) DeductFor(ctx context.Context, merchantID string, amount int64, reason, reference string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[merchantID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if balance < amount {
		return 0, domain.ErrInsufficientCredit
	}
	l.seq++
	ref := reference
	l.txs = append(l.txs, memTx{merchant: merchantID, delta: -amount, reason: reason, key: fmt.Sprintf("debit:%d", l.seq), ref: &ref, at: time.Now()})
	l.balances[merchantID] = balance - amount
	return l.balances[merchantID], nil
}

func (l *memLedger) AddIdempotent(ctx context.Context, merchantID string, amount int64, reason, key string) (*int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addErr != nil {
		return nil, l.addErr
	}
	for _, tx := range l.txs {
		if tx.merchant == merchantID && tx.key == key {
			return nil, nil
		}
	}
	l.txs = append(l.txs, memTx{merchant: merchantID, delta: amount, reason: reason, key: key, at: time.Now()})
	l.balances[merchantID] += amount
	balance := l.balances[merchantID]
	return &balance, nil
}

func (l *memLedger) failAdds(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addErr = err
}

func (l *memLedger) balance(merchantID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[merchantID]
}

// transactions returns merchantID's rows, excluding the seeded opening balance.
func (l *memLedger) transactions(merchantID string) []memTx {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []memTx
	for _, tx := range l.txs {
		if tx.merchant == merchantID && tx.key != "opening-balance" {
			out = append(out, tx)
		}
	}
	return out
}

func (l *memLedger) refunds(merchantID string) []memTx {
	var out []memTx
	for _, tx := range l.transactions(merchantID) {
		if tx.delta > 0 {
			out = append(out, tx)
		}
	}
	return out
}

func (l *memLedger) assertConsistent(t *testing.T) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	sums := map[string]int64{}
	for _, tx := range l.txs {
		sums[tx.merchant] += tx.delta
	}
	for merchant, balance := range l.balances {
		if sums[merchant] != balance {
			t.Fatalf("merchant %s balance %d != sum of deltas %d", merchant, balance, sums[merchant])
		}
		if balance < 0 {
			t.Fatalf("merchant %s balance went negative: %d", merchant, balance)
		}
	}
}

// memJobs is an in-memory domain.JobRepository with the same compare-and-set
// semantics as the SQL queries.
type memJobs struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	order     []string
	ledger    *memLedger
	createErr error
	maxPoll   int
}

func newMemJobs(l *memLedger) *memJobs {
	return &memJobs{jobs: map[string]*domain.Job{}, ledger: l}
}

func (m *memJobs) Create(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	stored := *job
	m.jobs[job.ID] = &stored
	m.order = append(m.order, job.ID)
	return nil
}

func (m *memJobs) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *job
	return &out, nil
}

func (m *memJobs) GetForMerchant(ctx context.Context, merchantID, jobID string) (*domain.Job, error) {
	job, err := m.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.MerchantID != merchantID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (m *memJobs) Transition(ctx context.Context, jobID string, from, to domain.JobStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, domain.ErrInvalidTransition
	}
	return m.update(jobID, func(j *domain.Job) bool {
		if j.Status != from {
			return false
		}
		j.Status = to
		return true
	})
}

func (m *memJobs) SetExternalTaskID(ctx context.Context, jobID, externalTaskID string) (bool, error) {
	return m.update(jobID, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusProcessing || j.ExternalTaskID != nil {
			return false
		}
		id := externalTaskID
		j.ExternalTaskID = &id
		return true
	})
}

func (m *memJobs) IncrementPollAttempts(ctx context.Context, jobID string, max int) (bool, error) {
	return m.update(jobID, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusProcessing || j.PollAttempts >= max {
			return false
		}
		j.PollAttempts++
		if j.PollAttempts > m.maxPoll {
			m.maxPoll = j.PollAttempts
		}
		return true
	})
}

func (m *memJobs) MarkProcessed(ctx context.Context, jobID, outputAsset, outputURL string) (bool, error) {
	return m.update(jobID, func(j *domain.Job) bool {
		if j.Status != domain.JobStatusProcessing {
			return false
		}
		asset, url := outputAsset, outputURL
		j.Status = domain.JobStatusProcessed
		j.OutputAsset = &asset
		j.OutputURL = &url
		j.LastError = nil
		return true
	})
}

func (m *memJobs) MarkFailed(ctx context.Context, jobID string, from []domain.JobStatus, failure domain.Failure) (bool, error) {
	for _, s := range from {
		if !domain.CanTransition(s, domain.JobStatusFailed) {
			return false, domain.ErrInvalidTransition
		}
	}
	return m.update(jobID, func(j *domain.Job) bool {
		for _, s := range from {
			if j.Status == s {
				reason, kind := failure.Reason, failure.Kind
				j.Status = domain.JobStatusFailed
				j.LastError = &reason
				j.FailureKind = &kind
				return true
			}
		}
		return false
	})
}

func (m *memJobs) update(jobID string, fn func(j *domain.Job) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return false, nil
	}
	if !fn(job) {
		return false, nil
	}
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *memJobs) ListProcessing(ctx context.Context, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status == domain.JobStatusProcessing && j.ExternalTaskID != nil && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) CountProcessing(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == domain.JobStatusProcessing {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) ClaimStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status == domain.JobStatusQueued && j.UpdatedAt.Before(olderThan) && len(out) < limit {
			j.UpdatedAt = time.Now()
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) ListOrphanedReservations(ctx context.Context, olderThan, newerThan time.Time, limit int) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()

	var out []domain.Reservation
	for _, tx := range m.ledger.txs {
		if !strings.HasPrefix(tx.reason, ledger.ReservePrefix) || tx.ref == nil || !tx.at.Before(olderThan) || !tx.at.After(newerThan) {
			continue
		}
		if _, ok := m.jobs[*tx.ref]; ok {
			continue
		}
		refunded := false
		for _, other := range m.ledger.txs {
			if other.merchant == tx.merchant && other.key == *tx.ref+":orphaned-reservation" {
				refunded = true
			}
		}
		if !refunded && len(out) < limit {
			out = append(out, domain.Reservation{MerchantID: tx.merchant, JobID: *tx.ref, Amount: -tx.delta, CreatedAt: tx.at})
		}
	}
	return out, nil
}

func (m *memJobs) ListUnrefundedFailures(ctx context.Context, settledBefore time.Time, includeMaterialization bool, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()

	var out []domain.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status != domain.JobStatusFailed || !j.CreditReserved || j.ReservedAmount <= 0 || !j.UpdatedAt.Before(settledBefore) {
			continue
		}
		if j.FailureKind != nil && *j.FailureKind == domain.FailureMaterialization && !includeMaterialization {
			continue
		}
		refunded := false
		for _, tx := range m.ledger.txs {
			if tx.merchant == j.MerchantID && tx.delta > 0 && strings.HasPrefix(tx.key, j.ID+":") {
				refunded = true
			}
		}
		if !refunded && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) get(t *testing.T, jobID string) domain.Job {
	t.Helper()
	job, err := m.GetByID(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job %s: %v", jobID, err)
	}
	return *job
}

// remove drops a job row the way a merchant purge would, leaving the ledger.
func (m *memJobs) remove(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// memStore is an in-memory storage.Gateway.
type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	signErr   error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (s *memStore) put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
}

func (s *memStore) Upload(ctx context.Context, path string, data []byte, contentType string) (storage.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return storage.Receipt{}, s.uploadErr
	}
	s.objects[path] = data
	return storage.Receipt{Path: path, Size: int64(len(data)), ContentType: contentType}, nil
}

func (s *memStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signErr != nil {
		return "", s.signErr
	}
	if _, ok := s.objects[path]; !ok {
		return "", domain.ErrNotFound
	}
	return "https://signed.example/" + path + "?ttl=" + ttl.String(), nil
}

// fakeProcessor scripts Submit and PollStatus answers.
type fakeProcessor struct {
	mu          sync.Mutex
	submitErrs  []error
	submits     int
	lastInput   string
	lastTaskID  string
	pollResults []processor.PollResult
	pollErrs    []error
	polls       atomic.Int64
	pollDelay   time.Duration
}

func (p *fakeProcessor) Submit(ctx context.Context, op domain.Operation, inputURL, clientTaskID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	p.lastInput = inputURL
	p.lastTaskID = clientTaskID
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "ext-" + clientTaskID, nil
}

func (p *fakeProcessor) PollStatus(ctx context.Context, externalTaskID string) (processor.PollResult, error) {
	p.polls.Add(1)
	if p.pollDelay > 0 {
		time.Sleep(p.pollDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pollErrs) > 0 {
		err := p.pollErrs[0]
		p.pollErrs = p.pollErrs[1:]
		if err != nil {
			return processor.PollResult{}, err
		}
	}
	if len(p.pollResults) == 0 {
		return processor.PollResult{State: processor.StatePending}, nil
	}
	res := p.pollResults[0]
	if len(p.pollResults) > 1 {
		p.pollResults = p.pollResults[1:]
	}
	return res, nil
}

func (p *fakeProcessor) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, jobID)
	return nil
}

func (p *fakePublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

type fakeFetcher struct {
	asset Asset
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) (Asset, error) {
	if f.err != nil {
		return Asset{}, f.err
	}
	return f.asset, nil
}

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) Notify() { c.n.Add(1) }

// harness wires a Coordinator and Reconciler over the fakes.
type harness struct {
	ledger    *memLedger
	jobs      *memJobs
	store     *memStore
	processor *fakeProcessor
	publisher *fakePublisher
	fetcher   *fakeFetcher
	notifier  *countingNotifier
	coord     *Coordinator
	rec       *Reconciler
}

func newHarness(t *testing.T, balances map[string]int64, policy ReconcilePolicy) *harness {
	t.Helper()
	h := &harness{
		ledger:    newMemLedger(balances),
		store:     newMemStore(),
		processor: &fakeProcessor{},
		publisher: &fakePublisher{},
		fetcher:   &fakeFetcher{asset: Asset{Data: []byte("png-bytes"), ContentType: "image/png"}},
		notifier:  &countingNotifier{},
	}
	h.jobs = newMemJobs(h.ledger)
	if policy.MaxPollAttempts == 0 {
		policy.MaxPollAttempts = 3
	}
	h.coord = NewCoordinator(CoordinatorDeps{
		Jobs:      h.jobs,
		Ledger:    h.ledger,
		Store:     h.store,
		Processor: h.processor,
		Publisher: h.publisher,
		Notifier:  h.notifier,
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}.
			WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
		SignedURLTTL: time.Hour,
		Logger:       infra.NopLogger(),
	})
	h.rec = NewReconciler(ReconcilerDeps{
		Jobs:      h.jobs,
		Ledger:    h.ledger,
		Store:     h.store,
		Processor: h.processor,
		Fetcher:   h.fetcher,
		Locker:    lock.NewMemoryLocker(),
		Publisher: h.publisher,
		Policy:    policy,
		Logger:    infra.NopLogger(),
	})
	return h
}

// uploadInput stores an input asset for merchantID and returns its key.
func (h *harness) uploadInput(merchantID string) string {
	key := storage.UploadPath(merchantID, "png")
	h.store.put(key, []byte("input"))
	return key
}

// processingJob submits a job and runs the worker step so it is processing
// with an external task id.
func (h *harness) processingJob(t *testing.T, merchantID string) string {
	t.Helper()
	job, err := h.coord.SubmitJob(context.Background(), merchantID, "upscale", h.uploadInput(merchantID))
	if err != nil {
		t.Fatalf("SubmitJob error: %v", err)
	}
	if err := h.coord.HandleSubmission(context.Background(), job.ID); err != nil {
		t.Fatalf("HandleSubmission error: %v", err)
	}
	got := h.jobs.get(t, job.ID)
	if got.Status != domain.JobStatusProcessing || got.ExternalTaskID == nil {
		t.Fatalf("job not processing after submission: %+v", got)
	}
	return job.ID
}
