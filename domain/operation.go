package domain

import "time"

// RetryReason labels why an operation is being retried or moved to confirm,
// matching the sum-type payloads of PendingOperationResult in spec §4.3.
type RetryReason string

const (
	ReasonNone                     RetryReason = ""
	ReasonNoMetadata                RetryReason = "no_metadata"
	ReasonGasPaymentBelowRequirement RetryReason = "gas_payment_below_requirement"
	ReasonOverGasLimit              RetryReason = "over_gas_limit"
	ReasonTransportError            RetryReason = "transport_error"
	ReasonAlreadyDelivered          RetryReason = "already_delivered"
	ReasonReorged                   RetryReason = "reorged"
)

// Status is the PendingOperation status sum type (spec §3).
type Status int

const (
	StatusFirstPrepareAttempt Status = iota
	StatusReadyToSubmit
	StatusRetry
	StatusConfirm
)

func (s Status) String() string {
	switch s {
	case StatusFirstPrepareAttempt:
		return "FirstPrepareAttempt"
	case StatusReadyToSubmit:
		return "ReadyToSubmit"
	case StatusRetry:
		return "Retry"
	case StatusConfirm:
		return "Confirm"
	default:
		return "Unknown"
	}
}

// Outcome is PendingOperationResult (spec §4.3): the result of running one
// of prepare/submit/confirm.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotReady
	OutcomeReprepare
	OutcomeConfirm
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeNotReady:
		return "NotReady"
	case OutcomeReprepare:
		return "Reprepare"
	case OutcomeConfirm:
		return "Confirm"
	case OutcomeDrop:
		return "Drop"
	default:
		return "Unknown"
	}
}

// Result pairs an Outcome with its reason, mirroring the Rust
// PendingOperationResult enum payloads.
type Result struct {
	Outcome Outcome
	Reason  RetryReason
}

var (
	Success  = Result{Outcome: OutcomeSuccess}
	NotReady = Result{Outcome: OutcomeNotReady}
	Drop     = Result{Outcome: OutcomeDrop}
)

// Reprepare builds a Result requesting the operation be pushed back to the
// prepare queue with the given reason.
func Reprepare(reason RetryReason) Result { return Result{Outcome: OutcomeReprepare, Reason: reason} }

// Confirm builds a Result requesting the operation move to the confirm
// queue with the given reason.
func Confirm(reason RetryReason) Result { return Result{Outcome: OutcomeConfirm, Reason: reason} }

// SubmissionData is populated by a successful prepare and consumed by
// submit; submit must never run before this is set (spec §3 invariant).
type SubmissionData struct {
	Metadata []byte
	GasLimit uint64
}

// TxOutcome is the result of a successful Mailbox.Process call (spec §6).
type TxOutcome struct {
	TxID     string
	Executed bool
	GasUsed  uint64
	GasPrice uint64
}

// TxCostEstimate is the result of Mailbox.ProcessEstimateCosts. L2GasLimit
// recovers the original implementation's rollup-aware estimate; adapters
// that don't report one leave it zero.
type TxCostEstimate struct {
	GasLimit  uint64
	GasPrice  uint64
	L2GasLimit uint64
}

// Backoff implements spec §4.3's piecewise retry-backoff function f(num_retries):
// none for the first retry, 10s for retries 1-11, linear 90s..19.5min for
// retries 12-23, 30min for 24-35, 60min for 36-47, 3h thereafter.
func Backoff(numRetries int) time.Duration {
	switch {
	case numRetries <= 0:
		return 0
	case numRetries <= 11:
		return 10 * time.Second
	case numRetries <= 23:
		// linear ramp from 90s (retry 12) to 19.5min (retry 23), inclusive.
		const (
			start = 90 * time.Second
			end   = 19*time.Minute + 30*time.Second
			steps = 23 - 12
		)
		step := numRetries - 12
		return start + time.Duration(step)*(end-start)/time.Duration(steps)
	case numRetries <= 35:
		return 30 * time.Minute
	case numRetries <= 47:
		return 60 * time.Minute
	default:
		return 3 * time.Hour
	}
}
