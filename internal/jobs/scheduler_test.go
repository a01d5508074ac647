package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"shopimage/internal/infra"
)

func TestSchedulerTickRunsSweeps(t *testing.T) {
	h := newHarness(t, map[string]int64{"shop-1": 2}, ReconcilePolicy{})
	h.publisher.err = errors.New("broker down")
	job, err := h.coord.SubmitJob(context.Background(), "shop-1", "upscale", h.uploadInput("shop-1"))
	if err != nil {
		t.Fatal(err)
	}
	h.publisher.err = nil
	if _, err := h.ledger.DeductFor(context.Background(), "shop-1", 1, "reserve:upscale", "lost-job"); err != nil {
		t.Fatal(err)
	}
	h.rec.now = func() time.Time { return time.Now().Add(time.Hour) }

	s := NewScheduler(h.rec, "", infra.NopLogger())
	s.Tick(context.Background())

	if ids := h.publisher.ids(); len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("stale job not republished: %v", ids)
	}
	if len(h.ledger.refunds("shop-1")) != 1 {
		t.Fatalf("orphaned reservation not refunded")
	}
	select {
	case <-h.rec.wake:
	default:
		t.Fatalf("tick did not wake the reconciler")
	}
}

func TestSchedulerTickSkipsCancelledContext(t *testing.T) {
	h := newHarness(t, nil, ReconcilePolicy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewScheduler(h.rec, "", infra.NopLogger()).Tick(ctx)
	select {
	case <-h.rec.wake:
		t.Fatalf("cancelled tick woke the reconciler")
	default:
	}
}

func TestSchedulerStart(t *testing.T) {
	h := newHarness(t, nil, ReconcilePolicy{})
	if err := NewScheduler(h.rec, "not a schedule", infra.NopLogger()).Start(context.Background()); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}

	s := NewScheduler(h.rec, "@every 1h", infra.NopLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	<-s.Stop().Done()
}
