package evm

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/chainrelay/relayer-core/mailbox"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(nil, common.HexToAddress("0x1"), &bind.TransactOpts{From: common.HexToAddress("0x2")})
	assert.Nil(t, err)
	return a
}

func TestNewBindsFromSigner(t *testing.T) {
	a := newTestAdapter(t)
	assert.Equal(t, common.HexToAddress("0x2"), a.from)
}

func TestTryProcessBatchIsUnsupported(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.TryProcessBatch(context.Background(), nil)
	assert.Equal(t, mailbox.ErrBatchUnsupported, err)
}

func TestThrottleNoLimiterIsNoop(t *testing.T) {
	a := newTestAdapter(t)
	assert.Nil(t, a.throttle(context.Background()))
}

func TestThrottlePropagatesLimiterWaitError(t *testing.T) {
	a := newTestAdapter(t)
	a.Limiter = rate.NewLimiter(rate.Every(time.Hour), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.throttle(ctx)
	assert.NotNil(t, err)
}

func TestProviderReturnsSameUnderlyingAdapter(t *testing.T) {
	a := newTestAdapter(t)
	p := a.Provider()
	assert.Equal(t, a, (*Adapter)(p.(*providerAdapter)))
}
