package sweep

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"

	"github.com/chainrelay/relayer-core/domain"
)

func testEscrow(t *testing.T) EscrowDescriptor {
	t.Helper()
	addr, err := btcutil.NewAddressScriptHash([]byte("0123456789012345678901"), &chaincfg.MainNetParams)
	assert.Nil(t, err)
	_, pub1 := btcec.PrivKeyFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32})
	_, pub2 := btcec.PrivKeyFromBytes([]byte{32, 31, 30, 29, 28, 27, 26, 25, 24, 23, 22, 21, 20, 19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1})
	return EscrowDescriptor{
		M:            1,
		PubKeys:      []*btcec.PublicKey{pub1, pub2},
		RedeemScript: []byte{0x51}, // OP_1, placeholder redeem script
		P2SHAddress:  addr,
	}
}

func testRecipient(t *testing.T, id byte, amount int64) RecipientOutput {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash([]byte{id, id, id, id, id, id, id, id, id, id, id, id, id, id, id, id, id, id, id, id}, &chaincfg.MainNetParams)
	assert.Nil(t, err)
	return RecipientOutput{MessageID: domain.MessageID{id}, Address: addr, Amount: amount}
}

func testUTXO(idx uint32, value int64) UTXO {
	return UTXO{OutPoint: wire.OutPoint{Index: idx}, Value: value}
}

func generousParams() Params {
	return Params{
		DustThreshold:  1000,
		MassLimit:      10_000_000,
		FeeRatePerByte: 10,
		PriorityFee:    100,
		MaxInputsPerTx: 0,
		MaxBundleBytes: 0,
	}
}

func TestPreflightDropsDustAndUndecodable(t *testing.T) {
	b := New(generousParams())
	outputs := []RecipientOutput{
		testRecipient(t, 1, 500),   // below dust
		testRecipient(t, 2, 50_000),
		testRecipient(t, 3, 50_000),
	}
	kept := b.Preflight(outputs, func(o RecipientOutput) bool { return o.MessageID != (domain.MessageID{3}) })
	assert.Equal(t, 1, len(kept))
	assert.Equal(t, domain.MessageID{2}, kept[0].MessageID)
}

func TestBuildSingleTransactionWhenEverythingFits(t *testing.T) {
	b := New(generousParams())
	escrow := testEscrow(t)
	escrowInputs := []UTXO{testUTXO(0, 1_000_000)}
	feeInputs := []UTXO{testUTXO(10, 500_000)}
	outputs := []RecipientOutput{testRecipient(t, 1, 100_000)}

	bundle, err := b.Build(escrowInputs, feeInputs, outputs, escrow)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(bundle.Transactions))
	// Escrow change is what's consumed from escrow minus what's paid out to
	// recipients, not the raw escrow balance.
	assert.Equal(t, bundle.Receipt.EscrowConsumed-int64(100_000), bundle.Transactions[0].EscrowChange)
	assert.Equal(t, bundle.Receipt.FinalAnchor.Hash, bundle.Transactions[0].Tx.TxHash())
}

func TestBuildConservesInputValueAgainstOutputsPlusFee(t *testing.T) {
	b := New(generousParams())
	escrow := testEscrow(t)
	escrowInputs := []UTXO{testUTXO(0, 1_000_000)}
	feeInputs := []UTXO{testUTXO(10, 500_000)}
	outputs := []RecipientOutput{testRecipient(t, 1, 100_000), testRecipient(t, 2, 50_000)}

	bundle, err := b.Build(escrowInputs, feeInputs, outputs, escrow)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(bundle.Transactions))

	built := bundle.Transactions[0]
	inputTotal := sumValues(escrowInputs) + sumValues(feeInputs)
	var outputTotal int64
	for _, out := range built.Tx.TxOut {
		outputTotal += out.Value
	}
	assert.Equal(t, inputTotal, outputTotal+built.Fee, "sum(inputs) must equal sum(outputs) + fee")
}

func TestBuildChainsMultipleTransactionsWhenInputsExceedMaxPerTx(t *testing.T) {
	params := generousParams()
	params.MaxInputsPerTx = 2
	b := New(params)
	escrow := testEscrow(t)
	escrowInputs := []UTXO{testUTXO(0, 1_000_000), testUTXO(1, 2_000_000), testUTXO(2, 3_000_000)}
	feeInputs := []UTXO{testUTXO(10, 500_000)}
	outputs := []RecipientOutput{testRecipient(t, 1, 100_000)}

	bundle, err := b.Build(escrowInputs, feeInputs, outputs, escrow)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(bundle.Transactions), "three escrow inputs capped at two per tx must chain into two transactions")
	assert.Equal(t, 2, len(bundle.Receipt.TxIDs))

	// only the first transaction carries the recipient payout; the rest of
	// the chain moves escrow/fee change only.
	assert.True(t, len(bundle.Transactions[0].Tx.TxOut) >= 2)
}

func TestCalculateSweepSizeReturnsErrorWhenEvenOneInputExceedsMassLimit(t *testing.T) {
	params := generousParams()
	params.MassLimit = 1 // nothing can possibly fit
	b := New(params)
	escrow := testEscrow(t)
	escrowInputs := []UTXO{testUTXO(0, 1_000_000)}
	outputs := []RecipientOutput{testRecipient(t, 1, 100_000)}

	_, err := b.calculateSweepSize(escrowInputs, nil, outputs, escrow)
	assert.Equal(t, ErrSingleInputExceedsMassLimit, err)
}

func TestCalculateSweepSizeReturnsAllInputsWhenEverythingFits(t *testing.T) {
	b := New(generousParams())
	escrow := testEscrow(t)
	// All inputs fit comfortably under a generous mass limit.
	escrowInputs := []UTXO{testUTXO(0, 5000), testUTXO(1, 4000), testUTXO(2, 3000)}
	outputs := []RecipientOutput{testRecipient(t, 1, 100)}

	size, err := b.calculateSweepSize(escrowInputs, nil, outputs, escrow)
	assert.Nil(t, err)
	assert.Equal(t, 3, size)
}

func TestComputeFeesInsufficientRelayerFunds(t *testing.T) {
	params := generousParams()
	params.FeeRatePerByte = 1_000_000 // absurdly high fee rate forces insufficiency
	b := New(params)
	escrow := testEscrow(t)
	escrowInputs := []UTXO{testUTXO(0, 1_000_000)}
	feeInputs := []UTXO{testUTXO(1, 2000)}
	outputs := []RecipientOutput{testRecipient(t, 1, 100_000)}

	_, _, err := b.computeFees(escrowInputs, feeInputs, outputs, escrow)
	assert.Equal(t, ErrInsufficientRelayerFunds, err)
}

func TestComputeFeesSucceedsWithAdequateFeeInputs(t *testing.T) {
	b := New(generousParams())
	escrow := testEscrow(t)
	escrowInputs := []UTXO{testUTXO(0, 1_000_000)}
	feeInputs := []UTXO{testUTXO(1, 100_000)}
	outputs := []RecipientOutput{testRecipient(t, 1, 100_000)}

	fee, feeChange, err := b.computeFees(escrowInputs, feeInputs, outputs, escrow)
	assert.Nil(t, err)
	assert.True(t, fee > 0)
	assert.Equal(t, int64(100_000)-fee, feeChange)
}

type stubSigner struct {
	sig []byte
	err error
}

func (s stubSigner) Sign(tx *wire.MsgTx, inputIndex int, redeemScript []byte) ([]byte, error) {
	return s.sig, s.err
}

func TestFinalizeCollectsMOfNSignatures(t *testing.T) {
	escrow := testEscrow(t)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))

	err := Finalize(tx, 1, escrow, []Signer{stubSigner{sig: []byte{0xAA}}})
	assert.Nil(t, err)
	assert.True(t, len(tx.TxIn[0].SignatureScript) > 0)
}

func TestFinalizeFailsWithTooFewSigners(t *testing.T) {
	escrow := testEscrow(t)
	escrow.M = 2
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))

	err := Finalize(tx, 1, escrow, []Signer{stubSigner{sig: []byte{0xAA}}})
	assert.NotNil(t, err)
}

func TestFinalizeFailsWhenSignerErrors(t *testing.T) {
	escrow := testEscrow(t)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))

	err := Finalize(tx, 1, escrow, []Signer{stubSigner{err: assert.AnError}})
	assert.NotNil(t, err)
}

func TestEncodeAnchorPSBT(t *testing.T) {
	escrow := testEscrow(t)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	script, err := txscript.PayToAddrScript(escrow.P2SHAddress)
	assert.Nil(t, err)
	tx.AddTxOut(wire.NewTxOut(1000, script))

	packet, err := EncodeAnchorPSBT(tx)
	assert.Nil(t, err)
	assert.NotNil(t, packet)
}
