// Package mailbox defines the destination-mailbox capability set (spec
// §6) as a Go interface; chain variants (mailbox/evm, mailbox/cosmos,
// mailbox/utxo) are concrete implementations selected at configure time,
// never discovered at runtime, per spec §9's "dynamic dispatch" note.
package mailbox

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainrelay/relayer-core/domain"
)

// BatchResult is the outcome of a try_process_batch call.
type BatchResult struct {
	Outcome       *domain.TxOutcome
	FailedIndexes []int
}

// Provider is the "provider()" sub-handle of a Mailbox: chain-level
// queries unrelated to the Mailbox contract itself.
type Provider interface {
	IsContract(ctx context.Context, address common.Address) (bool, error)
}

// Mailbox is the destination chain's Mailbox capability set, consumed by
// the pending-operation state machine and the serial submitter.
type Mailbox interface {
	// Delivered reports whether id has already been delivered.
	Delivered(ctx context.Context, id domain.MessageID) (bool, error)

	// RecipientISM returns the verifying ISM address for recipient.
	RecipientISM(ctx context.Context, recipient domain.Hash32) (common.Address, error)

	// ProcessEstimateCosts estimates the gas cost of delivering msg with
	// the given verification metadata.
	ProcessEstimateCosts(ctx context.Context, msg domain.Message, metadata []byte) (domain.TxCostEstimate, error)

	// Process delivers msg to its recipient using metadata, bounded by
	// gasLimit.
	Process(ctx context.Context, msg domain.Message, metadata []byte, gasLimit uint64) (domain.TxOutcome, error)

	// TryProcessBatch attempts to deliver all ops as a single batch
	// transaction. Implementations that cannot batch return
	// ErrBatchUnsupported so callers fall through to singly-submitting.
	TryProcessBatch(ctx context.Context, ops []BatchItem) (BatchResult, error)

	Provider() Provider
}

// BatchItem is the minimal per-operation input TryProcessBatch needs.
type BatchItem struct {
	Message  domain.Message
	Metadata []byte
	GasLimit uint64
}

// ErrBatchUnsupported signals the mailbox has no native multi-message
// delivery; the caller must fall through to singly-submitting every op.
var ErrBatchUnsupported = batchUnsupportedError{}

type batchUnsupportedError struct{}

func (batchUnsupportedError) Error() string { return "mailbox: batch processing not supported" }
