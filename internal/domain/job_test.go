package domain

import (
	"errors"
	"testing"
)

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in   string
		want Operation
	}{
		{in: "remove-bg", want: OperationBackgroundRemoval},
		{in: " Remove_BG ", want: OperationBackgroundRemoval},
		{in: "remove-background", want: OperationBackgroundRemoval},
		{in: "upscale", want: OperationUpscale},
		{in: "downscale", want: OperationDownscale},
		{in: "resize", want: OperationResize},
		{in: "optimize", want: OperationOptimize},
		{in: "auto_crop", want: OperationAutoCrop},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseOperation(tc.in)
			if err != nil {
				t.Fatalf("ParseOperation(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseOperation(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}

	if _, err := ParseOperation("sharpen"); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]JobStatus{
		{JobStatusPending, JobStatusQueued},
		{JobStatusQueued, JobStatusProcessing},
		{JobStatusProcessing, JobStatusProcessing},
		{JobStatusProcessing, JobStatusProcessed},
		{JobStatusProcessing, JobStatusFailed},
		{JobStatusQueued, JobStatusFailed},
	}
	for _, edge := range allowed {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be allowed", edge[0], edge[1])
		}
	}

	denied := [][2]JobStatus{
		{JobStatusPending, JobStatusProcessed},
		{JobStatusQueued, JobStatusProcessed},
		{JobStatusProcessed, JobStatusFailed},
		{JobStatusFailed, JobStatusProcessing},
		{JobStatusFailed, JobStatusFailed},
	}
	for _, edge := range denied {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be rejected", edge[0], edge[1])
		}
	}
}

func TestRefundKey(t *testing.T) {
	tests := map[FailureKind]string{
		FailureSubmitPermanent: "job-1:submit-failure",
		FailureSubmitExhausted: "job-1:submit-failure",
		FailureProcessing:      "job-1:processing-failure",
		FailurePollTimeout:     "job-1:poll-timeout",
		FailureCancelled:       "job-1:cancelled",
		FailureMaterialization: "job-1:materialization-failure",
	}
	for kind, want := range tests {
		if got := RefundKey("job-1", kind); got != want {
			t.Fatalf("RefundKey(%s) = %q, want %q", kind, got, want)
		}
	}
}

func TestPlanForCredits(t *testing.T) {
	plan, ok := PlanForCredits(500)
	if !ok || plan.ID != "500" {
		t.Fatalf("PlanForCredits(500) = %+v, %v", plan, ok)
	}
	if _, ok := PlanForCredits(42); ok {
		t.Fatalf("unexpected plan for 42 credits")
	}
}
