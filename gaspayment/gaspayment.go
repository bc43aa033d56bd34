// Package gaspayment enforces the origin gas-payment requirement that
// gates whether a prepared operation is allowed to submit, and caches the
// accumulated-payment decision so repeated prepare cycles for the same
// message don't re-query the origin chain every time.
package gaspayment

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/chainrelay/relayer-core/config"
	"github.com/chainrelay/relayer-core/domain"
)

// Ledger reads accumulated gas payments recorded on the origin chain for
// a message; implementations wrap the origin's Mailbox/IGP contract.
type Ledger interface {
	AccumulatedPayment(ctx context.Context, id domain.MessageID) (uint64, error)
}

// Enforcer implements the origin gas-payment enforcer contract (spec §6):
// message_meets_gas_payment_requirement / record_tx_outcome.
type Enforcer struct {
	policies []config.GasPaymentPolicy
	ledger   Ledger
	cache    *fastcache.Cache
}

// decisionCacheBytes bounds the enforcer's decision cache; 32MiB comfortably
// holds millions of (message id -> gas limit) verdicts.
const decisionCacheBytes = 32 * 1024 * 1024

// New builds an Enforcer applying policies in order; the first policy that
// makes a determination wins, matching the "policy list" semantics of
// spec §6's gas_payment_enforcement config option.
func New(policies []config.GasPaymentPolicy, ledger Ledger) *Enforcer {
	return &Enforcer{
		policies: policies,
		ledger:   ledger,
		cache:    fastcache.New(decisionCacheBytes),
	}
}

func cacheKey(id domain.MessageID) []byte { return id[:] }

// MeetsRequirement reports the gas limit the accumulated payment covers,
// or ok=false if the requirement is not yet met (prepare should
// Reprepare(GasPaymentBelowRequirement)).
func (e *Enforcer) MeetsRequirement(ctx context.Context, msg domain.Message, id domain.MessageID, estimate domain.TxCostEstimate) (uint64, bool, error) {
	if buf, ok := e.cache.HasGet(nil, cacheKey(id)); ok && len(buf) == 8 {
		return binary.BigEndian.Uint64(buf), true, nil
	}

	for _, policy := range e.policies {
		switch policy {
		case config.PolicyNone:
			e.cache.Set(cacheKey(id), beBytes(estimate.GasLimit))
			return estimate.GasLimit, true, nil

		case config.PolicyMinimum, config.PolicyOnChainFeeQuoting:
			paid, err := e.ledger.AccumulatedPayment(ctx, id)
			if err != nil {
				return 0, false, fmt.Errorf("gaspayment: accumulated payment for %s: %w", id, err)
			}
			required := estimate.GasLimit * estimate.GasPrice
			if paid >= required {
				e.cache.Set(cacheKey(id), beBytes(estimate.GasLimit))
				return estimate.GasLimit, true, nil
			}
			return 0, false, nil

		default:
			continue
		}
	}
	return 0, false, nil
}

// RecordOutcome invalidates the cached verdict for a message once its
// submission has an outcome, so the next MeetsRequirement call re-queries
// the Ledger instead of returning a decision made before this outcome.
func (e *Enforcer) RecordOutcome(id domain.MessageID, outcome domain.TxOutcome) {
	e.cache.Del(cacheKey(id))
}

func beBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
