// Package evm implements mailbox.Mailbox for an EVM destination chain,
// wiring go-ethereum's abi/bind.BoundContract (rather than a
// generated contract binding, since the Mailbox ABI is uniform across
// deployments and callers only exercise a handful of methods) over an
// ethclient.Client connection.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/mailbox"
	"github.com/chainrelay/relayer-core/noncemgr"
)

// mailboxABI covers the subset of the Hyperlane-style Mailbox interface
// this adapter calls: delivered, recipientIsm and process. Cost
// estimation reuses the packed process call.
const mailboxABI = `[
	{"constant":true,"inputs":[{"name":"_id","type":"bytes32"}],"name":"delivered","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_recipient","type":"address"}],"name":"recipientIsm","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_metadata","type":"bytes"},{"name":"_message","type":"bytes"}],"name":"process","outputs":[],"type":"function"}
]`

// Adapter wires a Mailbox contract over one ethclient connection.
type Adapter struct {
	client   *ethclient.Client
	address  common.Address
	contract *bind.BoundContract
	signer   *bind.TransactOpts
	from     common.Address

	// Nonces assigns the tx nonce for Process instead of letting bind
	// query eth_getTransactionCount itself, so the relayer's own
	// finalized/upper bookkeeping (spec §4.2) stays authoritative even
	// across reprepared, never-broadcast attempts. Nil disables this and
	// falls back to bind's default nonce lookup.
	Nonces *noncemgr.Manager

	// Limiter throttles this adapter's Delivered and Process calls;
	// RecipientISM, ProcessEstimateCosts and IsContract are not throttled.
	// Nil means unlimited.
	Limiter *rate.Limiter
}

// New parses mailboxABI once and binds it at address over client.
func New(client *ethclient.Client, address common.Address, signer *bind.TransactOpts) (*Adapter, error) {
	parsed, err := abi.JSON(strings.NewReader(mailboxABI))
	if err != nil {
		return nil, err
	}
	return &Adapter{
		client:   client,
		address:  address,
		contract: bind.NewBoundContract(address, parsed, client, client, client),
		signer:   signer,
		from:     signer.From,
	}, nil
}

func (a *Adapter) throttle(ctx context.Context) error {
	if a.Limiter == nil {
		return nil
	}
	return a.Limiter.Wait(ctx)
}

func (a *Adapter) Delivered(ctx context.Context, id domain.MessageID) (bool, error) {
	if err := a.throttle(ctx); err != nil {
		return false, err
	}
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := a.contract.Call(opts, &out, "delivered", [32]byte(id)); err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (a *Adapter) RecipientISM(ctx context.Context, recipient domain.Hash32) (common.Address, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := a.contract.Call(opts, &out, "recipientIsm", recipient.Address20()); err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

func (a *Adapter) ProcessEstimateCosts(ctx context.Context, msg domain.Message, metadata []byte) (domain.TxCostEstimate, error) {
	data, err := a.contract.ABI().Pack("process", metadata, msg.Encode())
	if err != nil {
		return domain.TxCostEstimate{}, err
	}
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: a.from, To: &a.address, Data: data})
	if err != nil {
		return domain.TxCostEstimate{}, err
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return domain.TxCostEstimate{}, err
	}
	return domain.TxCostEstimate{GasLimit: gasLimit, GasPrice: gasPrice.Uint64()}, nil
}

func (a *Adapter) Process(ctx context.Context, msg domain.Message, metadata []byte, gasLimit uint64) (domain.TxOutcome, error) {
	if err := a.throttle(ctx); err != nil {
		return domain.TxOutcome{}, err
	}

	opts := *a.signer
	opts.Context = ctx
	opts.GasLimit = gasLimit
	if a.Nonces != nil {
		id := noncemgr.TransactionID(fmt.Sprintf("%d:%d", msg.Origin, msg.Nonce))
		opts.Nonce = new(big.Int).SetUint64(a.Nonces.AssignNonce(id))
	}

	tx, err := a.contract.Transact(&opts, "process", metadata, msg.Encode())
	if err != nil {
		return domain.TxOutcome{}, err
	}

	receipt, err := bind.WaitMined(ctx, a.client, tx)
	if err != nil {
		return domain.TxOutcome{}, err
	}
	return domain.TxOutcome{
		TxID:     tx.Hash().Hex(),
		Executed: receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:  receipt.GasUsed,
		GasPrice: tx.GasPrice().Uint64(),
	}, nil
}

// TryProcessBatch always returns ErrBatchUnsupported: a plain Hyperlane
// Mailbox has no native multi-message delivery, so the submitter falls
// through to singly-submitting every op (spec §4.5).
func (a *Adapter) TryProcessBatch(ctx context.Context, ops []mailbox.BatchItem) (mailbox.BatchResult, error) {
	return mailbox.BatchResult{}, mailbox.ErrBatchUnsupported
}

func (a *Adapter) Provider() mailbox.Provider { return (*providerAdapter)(a) }

type providerAdapter Adapter

func (p *providerAdapter) IsContract(ctx context.Context, address common.Address) (bool, error) {
	code, err := (*Adapter)(p).client.CodeAt(ctx, address, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}
