package lnwallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestCommitTxStateHint tests that the state hint encoded within a commitment
// transaction can be recovered for any state number and obfuscator, and that
// the encoding doesn't disturb the rest of the transaction.
func TestCommitTxStateHint(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		stateNum := rapid.Uint64Range(0, maxStateHint).Draw(
			rt, "stateNum",
		)

		var obfuscator [StateHintSize]byte
		copy(obfuscator[:], rapid.SliceOfN(
			rapid.Byte(), StateHintSize, StateHintSize,
		).Draw(rt, "obfuscator"))

		commitTx := wire.NewMsgTx(2)
		commitTx.AddTxIn(&wire.TxIn{})
		commitTx.AddTxOut(&wire.TxOut{Value: 10000})

		err := SetStateNumHint(commitTx, stateNum, obfuscator)
		if err != nil {
			rt.Fatalf("unable to set state num: %v", err)
		}

		recovered := GetStateNumHint(commitTx, obfuscator)
		if recovered != stateNum {
			rt.Fatalf("state number mismatched, expected %v, "+
				"got %v", stateNum, recovered)
		}
	})
}

// TestCommitTxStateHintCeiling asserts that state numbers beyond the 48-bit
// encoding space are rejected.
func TestCommitTxStateHintCeiling(t *testing.T) {
	t.Parallel()

	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(&wire.TxIn{})

	var obfuscator [StateHintSize]byte
	err := SetStateNumHint(commitTx, maxStateHint+1, obfuscator)
	require.Error(t, err)
}

// TestSecondLevelHtlcTxLocks checks the time lock semantics of the second
// level HTLC transactions: the success path carries no absolute lock time,
// while the timeout path is locked until the HTLC expiry.
func TestSecondLevelHtlcTxLocks(t *testing.T) {
	t.Parallel()

	revPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	delayPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	htlcOutput := wire.OutPoint{Index: 1}
	htlcAmt := btcutil.Amount(50000)
	csvDelay := uint32(5)
	cltvExpiry := uint32(144)

	successTx, err := CreateHtlcSuccessTx(
		htlcOutput, htlcAmt, csvDelay, revPriv.PubKey(),
		delayPriv.PubKey(),
	)
	require.NoError(t, err)

	require.Zero(t, successTx.LockTime)
	require.Len(t, successTx.TxOut, 1)
	require.Equal(t, int64(htlcAmt), successTx.TxOut[0].Value)

	timeoutTx, err := CreateHtlcTimeoutTx(
		htlcOutput, htlcAmt, cltvExpiry, csvDelay, revPriv.PubKey(),
		delayPriv.PubKey(),
	)
	require.NoError(t, err)

	require.Equal(t, cltvExpiry, timeoutTx.LockTime)
	require.Len(t, timeoutTx.TxOut, 1)
	require.Equal(t, int64(htlcAmt), timeoutTx.TxOut[0].Value)
}

// TestCooperativeCloseDustTrimming asserts that any output dipping below the
// dust limit of either party is omitted from the cooperative close
// transaction.
func TestCooperativeCloseDustTrimming(t *testing.T) {
	t.Parallel()

	fundingTxIn := wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: testHdSeed, Index: 0},
	}

	ourScript := []byte{0x00, 0x14}
	ourScript = append(ourScript, make([]byte, 20)...)
	theirScript := []byte{0x00, 0x14}
	theirScript = append(theirScript, make([]byte, 20)...)

	dustLimit := DefaultDustLimit

	// Both parties above dust, both outputs materialize.
	closeTx := CreateCooperativeCloseTx(
		fundingTxIn, dustLimit, dustLimit, 10000, 20000,
		ourScript, theirScript,
	)
	require.Len(t, closeTx.TxOut, 2)

	// Our output below dust, only their output remains.
	closeTx = CreateCooperativeCloseTx(
		fundingTxIn, dustLimit, dustLimit, dustLimit-1, 20000,
		ourScript, theirScript,
	)
	require.Len(t, closeTx.TxOut, 1)
	require.Equal(t, int64(20000), closeTx.TxOut[0].Value)

	// Both below dust, no outputs at all.
	closeTx = CreateCooperativeCloseTx(
		fundingTxIn, dustLimit, dustLimit, dustLimit-1, dustLimit-1,
		ourScript, theirScript,
	)
	require.Empty(t, closeTx.TxOut)
}
