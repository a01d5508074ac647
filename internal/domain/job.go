package domain

import (
	"strings"
	"time"
)

// Operation enumerates the image transformations a merchant can pay for.
type Operation string

const (
	OperationBackgroundRemoval Operation = "background-removal"
	OperationUpscale           Operation = "upscale"
	OperationDownscale         Operation = "downscale"
	OperationResize            Operation = "resize"
	OperationOptimize          Operation = "optimize"
	OperationAutoCrop          Operation = "auto-crop"
)

// ParseOperation normalizes user input, accepting the aliases older clients send.
func ParseOperation(raw string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "background-removal", "remove-background", "remove-bg", "remove_bg", "bg-removal":
		return OperationBackgroundRemoval, nil
	case "upscale":
		return OperationUpscale, nil
	case "downscale":
		return OperationDownscale, nil
	case "resize":
		return OperationResize, nil
	case "optimize", "optimise":
		return OperationOptimize, nil
	case "auto-crop", "autocrop", "auto_crop":
		return OperationAutoCrop, nil
	default:
		return "", ErrInvalidOperation
	}
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusProcessed  JobStatus = "processed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions may leave the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusProcessed || s == JobStatusFailed
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusQueued || to == JobStatusFailed
	case JobStatusQueued:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusProcessing || to == JobStatusProcessed || to == JobStatusFailed
	default:
		return false
	}
}

// FailureKind classifies why a job reached the failed state.
type FailureKind string

const (
	FailureSubmitPermanent FailureKind = "submit_permanent"
	FailureSubmitExhausted FailureKind = "submit_exhausted"
	FailureProcessing      FailureKind = "processing_failure"
	FailureMaterialization FailureKind = "materialization_failure"
	FailurePollTimeout     FailureKind = "poll_timeout"
	FailureCancelled       FailureKind = "cancelled"
)

// RefundKeySuffix returns the idempotency-key suffix used when refunding a
// job that failed for this reason.
func (k FailureKind) RefundKeySuffix() string {
	switch k {
	case FailureSubmitPermanent, FailureSubmitExhausted:
		return "submit-failure"
	case FailureProcessing:
		return "processing-failure"
	case FailureMaterialization:
		return "materialization-failure"
	case FailurePollTimeout:
		return "poll-timeout"
	case FailureCancelled:
		return "cancelled"
	default:
		return string(k)
	}
}

// RefundKey builds the ledger idempotency key for refunding jobID after a
// failure of the given kind.
func RefundKey(jobID string, kind FailureKind) string {
	return jobID + ":" + kind.RefundKeySuffix()
}

// Job is one unit of paid processing work.
type Job struct {
	ID             string
	MerchantID     string
	Operation      Operation
	InputAsset     string
	OutputAsset    *string
	OutputURL      *string
	ExternalTaskID *string
	Status         JobStatus
	PollAttempts   int
	LastError      *string
	FailureKind    *FailureKind
	CreditReserved bool
	ReservedAmount int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Failure describes a terminal failure to be written onto a job.
type Failure struct {
	Kind   FailureKind
	Reason string
}
