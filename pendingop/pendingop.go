// Package pendingop implements the per-message delivery state machine
// (spec §4.3): prepare -> submit -> confirm, with retry/backoff state
// that survives restarts. The three methods are driven by the outer
// scheduler in package submitter, the way taproot-assets' ChainPorter
// drives a parcel through advanceState/stateStep — here collapsed to
// three explicit entry points instead of one generic state-stepper,
// since each stage has a materially different external contract.
package pendingop

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainrelay/relayer-core/config"
	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/gaspayment"
	"github.com/chainrelay/relayer-core/mailbox"
	"github.com/chainrelay/relayer-core/metadata"
	"github.com/chainrelay/relayer-core/store"
)

// ConfirmDelayProd and ConfirmDelayTest are the two CONFIRM_DELAY values
// named in spec §5; callers pick the one matching their environment.
const (
	ConfirmDelayProd = 60 * time.Second
	ConfirmDelayTest = 5 * time.Second
)

// Hasher computes a message's content-hash id; injected so this package
// (and domain) stay free of a crypto dependency, per domain.MessageID's
// doc comment.
type Hasher func(domain.Message) domain.MessageID

// MessageContext is the shared, immutable set of handles every pending
// operation for one destination needs: mailbox, origin store, metadata
// builder, gas-payment enforcer. Modeled as a shared record referenced by
// pointer rather than embedded in each operation, per spec §9's "cyclic
// ownership" note.
type MessageContext struct {
	Mailbox         mailbox.Mailbox
	Provider        mailbox.Provider
	Store           store.OriginStore
	MetadataBuilder metadata.Builder
	GasEnforcer     *gaspayment.Enforcer
	Hash            Hasher
	Config          *config.Config
	ConfirmDelay    time.Duration
	Log             log.Logger
}

// Operation owns one message's delivery attempt.
type Operation struct {
	Ctx     *MessageContext
	Message domain.Message
	ID      domain.MessageID

	Status    domain.Status
	Submitted bool

	SubmissionData    *domain.SubmissionData
	SubmissionOutcome *domain.TxOutcome

	NumRetries       int
	LastAttemptedAt  time.Time
	NextAttemptAfter time.Time
}

// New creates a fresh operation at status FirstPrepareAttempt, restoring
// num_retries (and therefore next_attempt_after) from the origin store so
// a relayer restart resumes backoff correctly (spec §4.3 "Recovery on
// restart").
func New(ctx *MessageContext, msg domain.Message) (*Operation, error) {
	id := ctx.Hash(msg)
	op := &Operation{
		Ctx:     ctx,
		Message: msg,
		ID:      id,
		Status:  domain.StatusFirstPrepareAttempt,
	}
	count, ok, err := ctx.Store.RetrievePendingMessageRetryCount(id)
	if err != nil {
		return nil, err
	}
	if ok {
		op.NumRetries = count
		op.NextAttemptAfter = time.Now().Add(domain.Backoff(count))
	}
	return op, nil
}

func (op *Operation) persistRetryCount() error {
	return op.Ctx.Store.StorePendingMessageRetryCount(op.ID, op.NumRetries)
}

func (op *Operation) bumpRetry() error {
	op.NumRetries++
	op.LastAttemptedAt = time.Now()
	op.NextAttemptAfter = op.LastAttemptedAt.Add(domain.Backoff(op.NumRetries))
	return op.persistRetryCount()
}

// Prepare is idempotent: it may run many times before a successful
// submit, and repeated calls yield equivalent SubmissionData (spec §8,
// property 8).
func (op *Operation) Prepare(ctx context.Context) domain.Result {
	if time.Now().Before(op.NextAttemptAfter) {
		return domain.NotReady
	}

	delivered, err := op.Ctx.Mailbox.Delivered(ctx, op.ID)
	if err != nil {
		return op.transportRetry(domain.ReasonTransportError)
	}
	if delivered {
		op.Submitted = true
		op.Status = domain.StatusConfirm
		return domain.Confirm(domain.ReasonAlreadyDelivered)
	}

	isContract, err := op.Ctx.Provider.IsContract(ctx, op.Message.RecipientAddress())
	if err != nil {
		return op.transportRetry(domain.ReasonTransportError)
	}
	if !isContract {
		return domain.Drop
	}

	ism, err := op.Ctx.Mailbox.RecipientISM(ctx, op.Message.Recipient)
	if err != nil {
		return op.transportRetry(domain.ReasonTransportError)
	}

	meta, err := op.Ctx.MetadataBuilder.Build(ctx, op.Message, ism)
	if err != nil {
		return op.transportRetry(domain.ReasonTransportError)
	}
	if meta == nil {
		return domain.Reprepare(domain.ReasonNoMetadata)
	}

	estimate, err := op.Ctx.Mailbox.ProcessEstimateCosts(ctx, op.Message, meta)
	if err != nil {
		return op.transportRetry(domain.ReasonTransportError)
	}

	gasLimit, ok, err := op.Ctx.GasEnforcer.MeetsRequirement(ctx, op.Message, op.ID, estimate)
	if err != nil {
		return op.transportRetry(domain.ReasonTransportError)
	}
	if !ok {
		return domain.Reprepare(domain.ReasonGasPaymentBelowRequirement)
	}

	if gasLimit > op.Ctx.Config.TransactionGasLimit && !op.Ctx.Config.SkipsGasLimit(op.Message.Destination) {
		return domain.Reprepare(domain.ReasonOverGasLimit)
	}

	op.SubmissionData = &domain.SubmissionData{Metadata: meta, GasLimit: gasLimit}
	op.Status = domain.StatusReadyToSubmit
	return domain.Success
}

func (op *Operation) transportRetry(reason domain.RetryReason) domain.Result {
	if err := op.bumpRetry(); err != nil {
		op.Ctx.Log.Error("persist retry count", "id", op.ID, "err", err)
	}
	return domain.Reprepare(reason)
}

// ErrNotPrepared is returned if Submit runs before Prepare has populated
// SubmissionData, which the caller (submitter) must never let happen.
var ErrNotPrepared = errors.New("pendingop: submit called before a successful prepare")

// Submit invokes the destination mailbox's Process call. Idempotent: a
// second call after Submitted is already true is a no-op success.
func (op *Operation) Submit(ctx context.Context) domain.Result {
	if op.Submitted {
		return domain.Success
	}
	if op.SubmissionData == nil {
		op.Ctx.Log.Crit("submit invariant violated", "id", op.ID, "err", ErrNotPrepared)
		return domain.Reprepare(domain.ReasonTransportError)
	}

	outcome, err := op.Ctx.Mailbox.Process(ctx, op.Message, op.SubmissionData.Metadata, op.SubmissionData.GasLimit)
	if err != nil {
		return op.transportRetry(domain.ReasonTransportError)
	}

	op.Ctx.GasEnforcer.RecordOutcome(op.ID, outcome)
	op.SubmissionOutcome = &outcome
	op.Submitted = true
	op.Status = domain.StatusConfirm
	op.NextAttemptAfter = time.Now().Add(op.confirmDelay())
	return domain.Success
}

func (op *Operation) confirmDelay() time.Duration {
	if op.Ctx.ConfirmDelay != 0 {
		return op.Ctx.ConfirmDelay
	}
	return ConfirmDelayProd
}

// Confirm checks whether the submitted transaction has been delivered.
// Recording success here is the commit point: once recorded the message
// is never retried (spec §8, property 9).
func (op *Operation) Confirm(ctx context.Context) domain.Result {
	if time.Now().Before(op.NextAttemptAfter) {
		return domain.NotReady
	}

	delivered, err := op.Ctx.Mailbox.Delivered(ctx, op.ID)
	if err != nil {
		return op.transportRetry(domain.ReasonTransportError)
	}
	if delivered {
		if err := op.Ctx.Store.StoreProcessedByNonce(op.Message.Nonce, true); err != nil {
			// Database errors are fatal: exactly-once delivery cannot be
			// guaranteed without a working store (spec §7).
			op.Ctx.Log.Crit("record delivery", "id", op.ID, "err", err)
		}
		return domain.Success
	}

	op.Submitted = false
	op.Status = domain.StatusFirstPrepareAttempt
	if err := op.bumpRetry(); err != nil {
		op.Ctx.Log.Error("persist retry count", "id", op.ID, "err", err)
	}
	return domain.Reprepare(domain.ReasonReorged)
}
