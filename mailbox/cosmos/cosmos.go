// Package cosmos implements mailbox.Mailbox for a Cosmos-SDK-style
// destination chain, where delivery is a signed-and-broadcast SDK
// message and "gas" maps onto the chain's own gas-metering. The
// StaggerSubmissions flag on submitter.Submitter (spec §4.5) is what
// actually enforces the 1s stagger between single submits; this adapter
// just needs to report account-sequence numbers honestly so the
// submitter doesn't need any chain-specific knowledge.
package cosmos

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	sdk "github.com/cosmos/cosmos-sdk/types"

	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/mailbox"
)

// Querier reads on-chain Mailbox module state.
type Querier interface {
	Delivered(ctx context.Context, id domain.MessageID) (bool, error)
	RecipientISM(ctx context.Context, recipient sdk.AccAddress) (sdk.AccAddress, error)
	EstimateProcess(ctx context.Context, msg domain.Message, metadata []byte) (domain.TxCostEstimate, error)
	AccountExists(ctx context.Context, addr sdk.AccAddress) (bool, error)
}

// Broadcaster signs and submits a MsgProcess to the chain, returning once
// it is included in a block (not merely accepted to mempool).
type Broadcaster interface {
	BroadcastProcess(ctx context.Context, msg domain.Message, metadata []byte, gasLimit uint64) (domain.TxOutcome, error)
}

// Adapter implements mailbox.Mailbox for a Cosmos-SDK Mailbox module.
type Adapter struct {
	Querier     Querier
	Broadcaster Broadcaster
}

func New(q Querier, b Broadcaster) *Adapter {
	return &Adapter{Querier: q, Broadcaster: b}
}

func (a *Adapter) Delivered(ctx context.Context, id domain.MessageID) (bool, error) {
	return a.Querier.Delivered(ctx, id)
}

func toAccAddress(h domain.Hash32) sdk.AccAddress {
	return sdk.AccAddress(h[12:]) // low 20 bytes, matching the EVM-style embedding convention
}

func (a *Adapter) RecipientISM(ctx context.Context, recipient domain.Hash32) (common.Address, error) {
	ism, err := a.Querier.RecipientISM(ctx, toAccAddress(recipient))
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(ism.Bytes()), nil
}

func (a *Adapter) ProcessEstimateCosts(ctx context.Context, msg domain.Message, metadata []byte) (domain.TxCostEstimate, error) {
	return a.Querier.EstimateProcess(ctx, msg, metadata)
}

func (a *Adapter) Process(ctx context.Context, msg domain.Message, metadata []byte, gasLimit uint64) (domain.TxOutcome, error) {
	return a.Broadcaster.BroadcastProcess(ctx, msg, metadata, gasLimit)
}

// TryProcessBatch returns ErrBatchUnsupported: Cosmos-SDK transactions
// already support multiple Msgs per tx via the submitter's per-op
// sequence staggering instead, so batching is handled there, not here.
func (a *Adapter) TryProcessBatch(ctx context.Context, ops []mailbox.BatchItem) (mailbox.BatchResult, error) {
	return mailbox.BatchResult{}, mailbox.ErrBatchUnsupported
}

func (a *Adapter) Provider() mailbox.Provider { return (*providerAdapter)(a) }

type providerAdapter Adapter

// IsContract has no Cosmos-SDK equivalent; accounts are always valid
// delivery targets once they exist on chain.
func (p *providerAdapter) IsContract(ctx context.Context, address common.Address) (bool, error) {
	exists, err := (*Adapter)(p).Querier.AccountExists(ctx, sdk.AccAddress(address.Bytes()))
	if err != nil {
		return false, fmt.Errorf("cosmos: account exists: %w", err)
	}
	return exists, nil
}
