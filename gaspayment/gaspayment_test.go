package gaspayment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainrelay/relayer-core/config"
	"github.com/chainrelay/relayer-core/domain"
)

type fakeLedger struct {
	paid uint64
	err  error
	n    int
}

func (l *fakeLedger) AccumulatedPayment(ctx context.Context, id domain.MessageID) (uint64, error) {
	l.n++
	return l.paid, l.err
}

func TestMeetsRequirementPolicyNoneAlwaysPasses(t *testing.T) {
	e := New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	limit, ok, err := e.MeetsRequirement(context.Background(), domain.Message{}, domain.MessageID{1}, domain.TxCostEstimate{GasLimit: 100, GasPrice: 1})
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), limit)
}

func TestMeetsRequirementMinimumBelowRequirement(t *testing.T) {
	ledger := &fakeLedger{paid: 50}
	e := New([]config.GasPaymentPolicy{config.PolicyMinimum}, ledger)
	_, ok, err := e.MeetsRequirement(context.Background(), domain.Message{}, domain.MessageID{2}, domain.TxCostEstimate{GasLimit: 100, GasPrice: 1})
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestMeetsRequirementMinimumAtOrAboveRequirement(t *testing.T) {
	ledger := &fakeLedger{paid: 100}
	e := New([]config.GasPaymentPolicy{config.PolicyMinimum}, ledger)
	limit, ok, err := e.MeetsRequirement(context.Background(), domain.Message{}, domain.MessageID{3}, domain.TxCostEstimate{GasLimit: 100, GasPrice: 1})
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), limit)
}

func TestMeetsRequirementCachesDecision(t *testing.T) {
	ledger := &fakeLedger{paid: 100}
	e := New([]config.GasPaymentPolicy{config.PolicyMinimum}, ledger)
	id := domain.MessageID{4}
	estimate := domain.TxCostEstimate{GasLimit: 100, GasPrice: 1}

	_, ok, err := e.MeetsRequirement(context.Background(), domain.Message{}, id, estimate)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ledger.n)

	_, ok, err = e.MeetsRequirement(context.Background(), domain.Message{}, id, estimate)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ledger.n, "a cached verdict must not re-query the ledger")
}

func TestRecordOutcomeInvalidatesCache(t *testing.T) {
	ledger := &fakeLedger{paid: 100}
	e := New([]config.GasPaymentPolicy{config.PolicyMinimum}, ledger)
	id := domain.MessageID{5}
	estimate := domain.TxCostEstimate{GasLimit: 100, GasPrice: 1}

	_, _, _ = e.MeetsRequirement(context.Background(), domain.Message{}, id, estimate)
	assert.Equal(t, 1, ledger.n)

	e.RecordOutcome(id, domain.TxOutcome{})

	_, _, _ = e.MeetsRequirement(context.Background(), domain.Message{}, id, estimate)
	assert.Equal(t, 2, ledger.n, "invalidated cache must re-query the ledger")
}

func TestMeetsRequirementPropagatesLedgerError(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("rpc down")}
	e := New([]config.GasPaymentPolicy{config.PolicyMinimum}, ledger)
	_, ok, err := e.MeetsRequirement(context.Background(), domain.Message{}, domain.MessageID{6}, domain.TxCostEstimate{GasLimit: 100, GasPrice: 1})
	assert.False(t, ok)
	assert.NotNil(t, err)
}

func TestMeetsRequirementNoPoliciesConfigured(t *testing.T) {
	e := New(nil, &fakeLedger{})
	_, ok, err := e.MeetsRequirement(context.Background(), domain.Message{}, domain.MessageID{7}, domain.TxCostEstimate{GasLimit: 100, GasPrice: 1})
	assert.Nil(t, err)
	assert.False(t, ok)
}
