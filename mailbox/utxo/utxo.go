// Package utxo implements mailbox.Mailbox for a UTXO-model destination
// chain by wrapping the sweep package's batch-and-sweep builder (spec
// §4.6). Unlike the EVM and Cosmos adapters, delivery is inherently
// batched: TryProcessBatch is the primary path and Process (single
// delivery) is expressed as a one-output special case of the same
// builder, matching how a relayer driving a UTXO chain would actually
// do it (every send is "some sweep transaction").
package utxo

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/mailbox"
	"github.com/chainrelay/relayer-core/sweep"
)

// AnchorSource reports the current escrow anchor and any relayer-owned
// fee inputs available to spend.
type AnchorSource interface {
	CurrentAnchor(ctx context.Context) (sweep.UTXO, error)
	FeeInputs(ctx context.Context) ([]sweep.UTXO, error)
	Escrow(ctx context.Context) (sweep.EscrowDescriptor, error)
}

// DeliveryIndex tracks which message ids have already been paid out, and
// records new payouts as broadcast transactions confirm.
type DeliveryIndex interface {
	Delivered(ctx context.Context, id domain.MessageID) (bool, error)
	RecordDelivered(ctx context.Context, ids []domain.MessageID, txID chainhash.Hash) error
}

// Broadcaster publishes a finalized transaction and waits for it to
// confirm, the UTXO-chain analogue of bind.WaitMined.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (domain.TxOutcome, error)
}

// RecipientResolver turns a message's 32-byte recipient field into a
// spendable address; UTXO chains encode this however their own address
// format requires, so it is supplied rather than derived.
type RecipientResolver interface {
	ResolveRecipient(ctx context.Context, recipient domain.Hash32, amount int64) (sweep.RecipientOutput, error)
}

// Adapter implements mailbox.Mailbox over a UTXO chain's sweep pipeline.
type Adapter struct {
	Builder     *sweep.Builder
	Anchors     AnchorSource
	Delivery    DeliveryIndex
	Broadcaster Broadcaster
	Recipients  RecipientResolver
	Signers     []sweep.Signer
}

func New(b *sweep.Builder, anchors AnchorSource, delivery DeliveryIndex, bc Broadcaster, recipients RecipientResolver, signers []sweep.Signer) *Adapter {
	return &Adapter{Builder: b, Anchors: anchors, Delivery: delivery, Broadcaster: bc, Recipients: recipients, Signers: signers}
}

func (a *Adapter) Delivered(ctx context.Context, id domain.MessageID) (bool, error) {
	return a.Delivery.Delivered(ctx, id)
}

// RecipientISM has no UTXO-chain equivalent: there is no on-chain
// verifying module, only the escrow's own m-of-n redeem script. Callers
// that need the ISM address for metadata building should treat the zero
// address as "use the escrow descriptor instead".
func (a *Adapter) RecipientISM(ctx context.Context, recipient domain.Hash32) (common.Address, error) {
	return common.Address{}, nil
}

func (a *Adapter) ProcessEstimateCosts(ctx context.Context, msg domain.Message, metadata []byte) (domain.TxCostEstimate, error) {
	bundle, err := a.buildBundle(ctx, []mailbox.BatchItem{{Message: msg, Metadata: metadata}})
	if err != nil {
		return domain.TxCostEstimate{}, err
	}
	var totalFee int64
	for _, tx := range bundle.Transactions {
		totalFee += tx.Fee
	}
	return domain.TxCostEstimate{GasLimit: uint64(totalFee)}, nil
}

func (a *Adapter) Process(ctx context.Context, msg domain.Message, metadata []byte, gasLimit uint64) (domain.TxOutcome, error) {
	result, err := a.TryProcessBatch(ctx, []mailbox.BatchItem{{Message: msg, Metadata: metadata, GasLimit: gasLimit}})
	if err != nil {
		return domain.TxOutcome{}, err
	}
	if len(result.FailedIndexes) > 0 {
		return domain.TxOutcome{}, fmt.Errorf("utxo: single delivery failed")
	}
	return *result.Outcome, nil
}

func (a *Adapter) buildBundle(ctx context.Context, ops []mailbox.BatchItem) (*sweep.Bundle, error) {
	anchor, err := a.Anchors.CurrentAnchor(ctx)
	if err != nil {
		return nil, fmt.Errorf("utxo: current anchor: %w", err)
	}
	feeInputs, err := a.Anchors.FeeInputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("utxo: fee inputs: %w", err)
	}
	escrow, err := a.Anchors.Escrow(ctx)
	if err != nil {
		return nil, fmt.Errorf("utxo: escrow descriptor: %w", err)
	}

	outputs := make([]sweep.RecipientOutput, 0, len(ops))
	for _, op := range ops {
		out, err := a.Recipients.ResolveRecipient(ctx, op.Message.Recipient, 0)
		if err != nil {
			return nil, fmt.Errorf("utxo: resolve recipient: %w", err)
		}
		out.MessageID = domain.MessageID(crypto.Keccak256Hash(op.Message.Encode()))
		outputs = append(outputs, out)
	}

	return a.Builder.Build([]sweep.UTXO{anchor}, feeInputs, outputs, escrow)
}

// TryProcessBatch builds one sweep bundle covering every op, signs each
// transaction in the chain, and broadcasts them in order. A bundle is
// all-or-nothing: a signing or broadcast failure reports every index as
// failed, and a building failure returns only the error; either way the
// submitter retries the whole batch singly (spec §8 S6 still applies
// per-message once split).
func (a *Adapter) TryProcessBatch(ctx context.Context, ops []mailbox.BatchItem) (mailbox.BatchResult, error) {
	bundle, err := a.buildBundle(ctx, ops)
	if err != nil {
		return mailbox.BatchResult{}, err
	}

	escrow, err := a.Anchors.Escrow(ctx)
	if err != nil {
		return mailbox.BatchResult{}, err
	}

	var lastOutcome domain.TxOutcome
	ids := make([]domain.MessageID, len(ops))
	for i, op := range ops {
		ids[i] = domain.MessageID(crypto.Keccak256Hash(op.Message.Encode()))
	}

	for _, built := range bundle.Transactions {
		if err := sweep.Finalize(built.Tx, 1, escrow, a.Signers); err != nil {
			failed := make([]int, len(ops))
			for i := range ops {
				failed[i] = i
			}
			return mailbox.BatchResult{FailedIndexes: failed}, fmt.Errorf("utxo: finalize: %w", err)
		}
		outcome, err := a.Broadcaster.Broadcast(ctx, built.Tx)
		if err != nil {
			failed := make([]int, len(ops))
			for i := range ops {
				failed[i] = i
			}
			return mailbox.BatchResult{FailedIndexes: failed}, fmt.Errorf("utxo: broadcast: %w", err)
		}
		lastOutcome = outcome
	}

	if err := a.Delivery.RecordDelivered(ctx, ids, bundle.Receipt.TxIDs[len(bundle.Receipt.TxIDs)-1]); err != nil {
		return mailbox.BatchResult{}, fmt.Errorf("utxo: record delivered: %w", err)
	}

	return mailbox.BatchResult{Outcome: &lastOutcome}, nil
}

func (a *Adapter) Provider() mailbox.Provider { return (*providerAdapter)(a) }

type providerAdapter Adapter

// IsContract has no UTXO-chain equivalent: every address is a plain
// script, never a contract account.
func (p *providerAdapter) IsContract(ctx context.Context, address common.Address) (bool, error) {
	return false, nil
}
