package noncemgr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAssignNonceGrowsUpperFromZero(t *testing.T) {
	m := New()
	assert.Equal(t, uint64(0), m.AssignNonce("tx-a"))
	assert.Equal(t, uint64(1), m.AssignNonce("tx-b"))
	assert.Equal(t, uint64(2), m.AssignNonce("tx-c"))
}

func TestAssignNonceIsIdempotentPerTxID(t *testing.T) {
	m := New()
	first := m.AssignNonce("tx-a")
	assert.Equal(t, first, m.AssignNonce("tx-a"))
	assert.Equal(t, first, m.AssignNonce("tx-a"))
}

func TestAssignNonceReusesDroppedSlotBeforeGrowingUpper(t *testing.T) {
	m := New()
	a := m.AssignNonce("tx-a")
	b := m.AssignNonce("tx-b")
	assert.Equal(t, uint64(0), a)
	assert.Equal(t, uint64(1), b)

	m.MarkDropped(a)
	reused := m.AssignNonce("tx-c")
	assert.Equal(t, a, reused, "a dropped slot below upper should be reused rather than growing upper")

	next := m.AssignNonce("tx-d")
	assert.Equal(t, uint64(2), next, "once free slots are exhausted, upper grows")
}

func TestUpdateBoundariesSetsFinalizedFromChainNext(t *testing.T) {
	m := New()
	m.AssignNonce("tx-a")
	m.AssignNonce("tx-b")

	err := m.UpdateBoundaries(func() (uint64, error) { return 5, nil })
	assert.Nil(t, err)

	snap := m.NonceSnapshot()
	assert.Equal(t, uint64(4), snap.Finalized)
	assert.Equal(t, uint64(5), snap.Upper, "finalized has passed upper so upper is bumped to finalized+1")
}

func TestUpdateBoundariesChainNextZero(t *testing.T) {
	m := New()
	err := m.UpdateBoundaries(func() (uint64, error) { return 0, nil })
	assert.Nil(t, err)
	assert.Equal(t, uint64(0), m.NonceSnapshot().Finalized)
}

func TestUpdateBoundariesPropagatesTransportError(t *testing.T) {
	m := New()
	err := m.UpdateBoundaries(func() (uint64, error) { return 0, errors.New("rpc down") })
	assert.NotNil(t, err)
}

func TestResetUpperFloorsAtFinalizedPlusOne(t *testing.T) {
	m := New()
	assert.Nil(t, m.UpdateBoundaries(func() (uint64, error) { return 10, nil }))
	m.ResetUpper(3)
	assert.Equal(t, uint64(10), m.NonceSnapshot().Upper, "ResetUpper must not set upper below finalized+1")

	m.ResetUpper(20)
	assert.Equal(t, uint64(20), m.NonceSnapshot().Upper)
}

func TestSweepRemovesOnlyStaleEntries(t *testing.T) {
	m := New()
	m.AssignNonce("tx-old")
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	m.AssignNonce("tx-new")

	removed := m.Sweep(time.Since(cutoff))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.NonceSnapshot().TrackedSize)
}

func TestNewTransactionIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewTransactionID(), NewTransactionID())
}
