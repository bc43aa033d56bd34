package pendingop

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"

	"github.com/chainrelay/relayer-core/config"
	"github.com/chainrelay/relayer-core/domain"
	"github.com/chainrelay/relayer-core/gaspayment"
	"github.com/chainrelay/relayer-core/mailbox"
)

type fakeMailbox struct {
	delivered       bool
	deliveredErr    error
	ism             common.Address
	processEstimate domain.TxCostEstimate
	processOutcome  domain.TxOutcome
	processErr      error
	isContract      bool
}

func (f *fakeMailbox) Delivered(ctx context.Context, id domain.MessageID) (bool, error) {
	return f.delivered, f.deliveredErr
}
func (f *fakeMailbox) RecipientISM(ctx context.Context, recipient domain.Hash32) (common.Address, error) {
	return f.ism, nil
}
func (f *fakeMailbox) ProcessEstimateCosts(ctx context.Context, msg domain.Message, metadata []byte) (domain.TxCostEstimate, error) {
	return f.processEstimate, nil
}
func (f *fakeMailbox) Process(ctx context.Context, msg domain.Message, metadata []byte, gasLimit uint64) (domain.TxOutcome, error) {
	return f.processOutcome, f.processErr
}
func (f *fakeMailbox) TryProcessBatch(ctx context.Context, ops []mailbox.BatchItem) (mailbox.BatchResult, error) {
	return mailbox.BatchResult{}, mailbox.ErrBatchUnsupported
}
func (f *fakeMailbox) Provider() mailbox.Provider { return f }
func (f *fakeMailbox) IsContract(ctx context.Context, address common.Address) (bool, error) {
	return f.isContract, nil
}

type fakeBuilder struct {
	meta []byte
	err  error
}

func (b *fakeBuilder) Build(ctx context.Context, msg domain.Message, ism common.Address) ([]byte, error) {
	return b.meta, b.err
}

type fakeLedger struct{ paid uint64 }

func (l *fakeLedger) AccumulatedPayment(ctx context.Context, id domain.MessageID) (uint64, error) {
	return l.paid, nil
}

type fakeStore struct {
	retryCounts  map[domain.MessageID]int
	processed    map[uint32]bool
	storeErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{retryCounts: map[domain.MessageID]int{}, processed: map[uint32]bool{}}
}
func (s *fakeStore) StoreMessages(records []domain.MessageRecord) (uint32, error) { return 0, nil }
func (s *fakeStore) RetrieveLatestNonce() (uint32, bool, error)                   { return 0, false, nil }
func (s *fakeStore) StoreLatestValidMessageRangeStartBlock(block uint64) error    { return nil }
func (s *fakeStore) RetrieveLatestValidMessageRangeStartBlock() (uint64, bool, error) {
	return 0, false, nil
}
func (s *fakeStore) StoreProcessedByNonce(nonce uint32, processed bool) error {
	s.processed[nonce] = processed
	return s.storeErr
}
func (s *fakeStore) RetrieveProcessedByNonce(nonce uint32) (bool, bool, error) {
	v, ok := s.processed[nonce]
	return v, ok, nil
}
func (s *fakeStore) StorePendingMessageRetryCount(id domain.MessageID, count int) error {
	s.retryCounts[id] = count
	return nil
}
func (s *fakeStore) RetrievePendingMessageRetryCount(id domain.MessageID) (int, bool, error) {
	v, ok := s.retryCounts[id]
	return v, ok, nil
}
func (s *fakeStore) Close() error { return nil }

func newTestContext(mb *fakeMailbox, builder *fakeBuilder, enforcer *gaspayment.Enforcer, st *fakeStore) *MessageContext {
	return &MessageContext{
		Mailbox:         mb,
		Provider:        mb.Provider(),
		Store:           st,
		MetadataBuilder: builder,
		GasEnforcer:     enforcer,
		Hash:            func(m domain.Message) domain.MessageID { return domain.MessageID{byte(m.Nonce)} },
		Config:          &config.Config{TransactionGasLimit: 1_000_000},
		ConfirmDelay:    ConfirmDelayTest,
		Log:             log.New(),
	}
}

func TestPrepareSucceedsAndAdvancesToReadyToSubmit(t *testing.T) {
	mb := &fakeMailbox{isContract: true, processEstimate: domain.TxCostEstimate{GasLimit: 100, GasPrice: 1}}
	builder := &fakeBuilder{meta: []byte{0xAB}}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, builder, enforcer, st)

	op, err := New(ctx, domain.Message{Nonce: 1})
	assert.Nil(t, err)

	result := op.Prepare(context.Background())
	assert.Equal(t, domain.Success, result)
	assert.Equal(t, domain.StatusReadyToSubmit, op.Status)
	assert.NotNil(t, op.SubmissionData)
}

func TestPrepareAlreadyDeliveredMovesToConfirm(t *testing.T) {
	mb := &fakeMailbox{delivered: true}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, &fakeBuilder{}, enforcer, st)

	op, err := New(ctx, domain.Message{Nonce: 2})
	assert.Nil(t, err)

	result := op.Prepare(context.Background())
	assert.Equal(t, domain.OutcomeConfirm, result.Outcome)
	assert.Equal(t, domain.ReasonAlreadyDelivered, result.Reason)
	assert.Equal(t, domain.StatusConfirm, op.Status)
	assert.True(t, op.Submitted)
}

func TestPrepareDropsWhenRecipientNotContract(t *testing.T) {
	mb := &fakeMailbox{isContract: false}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, &fakeBuilder{}, enforcer, st)

	op, _ := New(ctx, domain.Message{Nonce: 3})
	result := op.Prepare(context.Background())
	assert.Equal(t, domain.Drop, result)
}

func TestPrepareNoMetadataYetReprepares(t *testing.T) {
	mb := &fakeMailbox{isContract: true}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, &fakeBuilder{meta: nil}, enforcer, st)

	op, _ := New(ctx, domain.Message{Nonce: 4})
	result := op.Prepare(context.Background())
	assert.Equal(t, domain.OutcomeReprepare, result.Outcome)
	assert.Equal(t, domain.ReasonNoMetadata, result.Reason)
}

func TestPrepareTransportErrorBumpsRetryAndPersists(t *testing.T) {
	mb := &fakeMailbox{deliveredErr: errors.New("rpc down")}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, &fakeBuilder{}, enforcer, st)

	op, _ := New(ctx, domain.Message{Nonce: 5})
	result := op.Prepare(context.Background())
	assert.Equal(t, domain.OutcomeReprepare, result.Outcome)
	assert.Equal(t, domain.ReasonTransportError, result.Reason)
	assert.Equal(t, 1, op.NumRetries)
	assert.Equal(t, 1, st.retryCounts[op.ID])
}

func TestPrepareIsIdempotentOnRepeatedSuccess(t *testing.T) {
	mb := &fakeMailbox{isContract: true, processEstimate: domain.TxCostEstimate{GasLimit: 50, GasPrice: 1}}
	builder := &fakeBuilder{meta: []byte{0x01}}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, builder, enforcer, st)

	op, _ := New(ctx, domain.Message{Nonce: 6})
	first := op.Prepare(context.Background())
	second := op.Prepare(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, op.SubmissionData.GasLimit, uint64(50))
}

func TestSubmitSucceedsAndMovesToConfirm(t *testing.T) {
	mb := &fakeMailbox{processOutcome: domain.TxOutcome{TxID: "0xabc", Executed: true}}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, &fakeBuilder{}, enforcer, st)

	op, _ := New(ctx, domain.Message{Nonce: 8})
	op.SubmissionData = &domain.SubmissionData{Metadata: []byte{0x01}, GasLimit: 100}

	result := op.Submit(context.Background())
	assert.Equal(t, domain.Success, result)
	assert.True(t, op.Submitted)
	assert.Equal(t, domain.StatusConfirm, op.Status)
	assert.Equal(t, "0xabc", op.SubmissionOutcome.TxID)
}

func TestSubmitIsIdempotentOnceSubmitted(t *testing.T) {
	mb := &fakeMailbox{}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, &fakeBuilder{}, enforcer, st)

	op, _ := New(ctx, domain.Message{Nonce: 9})
	op.Submitted = true
	result := op.Submit(context.Background())
	assert.Equal(t, domain.Success, result)
}

func TestConfirmDeliveredRecordsProcessedAndSucceeds(t *testing.T) {
	mb := &fakeMailbox{delivered: true}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, &fakeBuilder{}, enforcer, st)

	op, _ := New(ctx, domain.Message{Nonce: 10})
	result := op.Confirm(context.Background())
	assert.Equal(t, domain.Success, result)
	assert.True(t, st.processed[10])
}

func TestConfirmNotDeliveredReprepareReorged(t *testing.T) {
	mb := &fakeMailbox{delivered: false}
	enforcer := gaspayment.New([]config.GasPaymentPolicy{config.PolicyNone}, &fakeLedger{})
	st := newFakeStore()
	ctx := newTestContext(mb, &fakeBuilder{}, enforcer, st)

	op, _ := New(ctx, domain.Message{Nonce: 11})
	op.Submitted = true
	op.Status = domain.StatusConfirm

	result := op.Confirm(context.Background())
	assert.Equal(t, domain.OutcomeReprepare, result.Outcome)
	assert.Equal(t, domain.ReasonReorged, result.Reason)
	assert.False(t, op.Submitted)
	assert.Equal(t, domain.StatusFirstPrepareAttempt, op.Status)
}
