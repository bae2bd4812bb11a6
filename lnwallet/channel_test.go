package lnwallet

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/chainntnfs"
	"github.com/chancore/chancore/channeldb"
	"github.com/chancore/chancore/input"
	"github.com/chancore/chancore/lnwallet/chainfee"
	"github.com/chancore/chancore/lnwire"
	"github.com/stretchr/testify/require"
)

// createHTLC is a utility function for generating an HTLC with a given
// preimage and a given amount.
func createHTLC(id int, amount lnwire.MilliSatoshi) (*lnwire.UpdateAddHTLC,
	[32]byte) {

	preimage := bytes.Repeat([]byte{byte(id)}, 32)
	paymentHash := sha256.Sum256(preimage)

	var returnPreimage [32]byte
	copy(returnPreimage[:], preimage)

	return &lnwire.UpdateAddHTLC{
		ID:          uint64(id),
		PaymentHash: paymentHash,
		Amount:      amount,
		Expiry:      uint32(5),
	}, returnPreimage
}

// assertBalanceConservation verifies that the settled balances, the
// commitment fee, and any pending HTLCs on the latest local commitment sum
// up to the total channel capacity.
func assertBalanceConservation(t *testing.T, channel *LightningChannel) {
	t.Helper()

	commit := channel.channelState.LocalCommitment

	total := commit.LocalBalance.ToSatoshis() +
		commit.RemoteBalance.ToSatoshis() + commit.CommitFee
	for _, htlc := range commit.Htlcs {
		total += htlc.Amt.ToSatoshis()
	}

	require.Equal(t, channel.channelState.Capacity, total)
}

// TestSimpleAddSettleWorkflow tests a simple channel scenario where Alice
// adds a single HTLC to the channel, both sides transition to a new
// commitment state, Bob settles the HTLC, and both sides transition once
// more. At the end the settled balances should reflect the payment and the
// update logs should be fully compacted.
func TestSimpleAddSettleWorkflow(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	aliceStartBalance := aliceChannel.channelState.LocalCommitment.LocalBalance
	bobStartBalance := bobChannel.channelState.LocalCommitment.LocalBalance

	htlcAmt := lnwire.NewMSatFromSatoshis(btcutil.SatoshiPerBitcoin)
	htlc, preimage := createHTLC(0, htlcAmt)

	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)

	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)
	require.Equal(t, aliceHtlcIndex, bobHtlcIndex)

	// Manually drive a single state transition so each step of the
	// commitment dance can be exercised and inspected.
	aliceSig, aliceHtlcSigs, err := aliceChannel.SignNextCommitment()
	require.NoError(t, err)

	// The proposed commitment carries a single non-dust HTLC, so exactly
	// one HTLC signature should accompany the commitment signature.
	require.Len(t, aliceHtlcSigs, 1)

	err = bobChannel.ReceiveNewCommitment(aliceSig, aliceHtlcSigs)
	require.NoError(t, err)

	bobRevocation, _, err := bobChannel.RevokeCurrentCommitment()
	require.NoError(t, err)

	bobSig, bobHtlcSigs, err := bobChannel.SignNextCommitment()
	require.NoError(t, err)

	_, err = aliceChannel.ReceiveRevocation(bobRevocation)
	require.NoError(t, err)

	err = aliceChannel.ReceiveNewCommitment(bobSig, bobHtlcSigs)
	require.NoError(t, err)

	aliceRevocation, _, err := aliceChannel.RevokeCurrentCommitment()
	require.NoError(t, err)

	// Once Bob receives Alice's revocation, the HTLC is locked in on both
	// commitments and should be handed off for forwarding.
	fwdUpdates, err := bobChannel.ReceiveRevocation(aliceRevocation)
	require.NoError(t, err)
	require.Len(t, fwdUpdates, 1)

	addUpdate, ok := fwdUpdates[0].UpdateMsg.(*lnwire.UpdateAddHTLC)
	require.True(t, ok)
	require.Equal(t, htlc.PaymentHash, addUpdate.PaymentHash)
	require.Equal(t, htlcAmt, addUpdate.Amount)

	// Both commitment transactions should now carry the HTLC as a third
	// output.
	require.Len(
		t, aliceChannel.channelState.LocalCommitment.CommitTx.TxOut, 3,
	)
	require.Len(
		t, bobChannel.channelState.LocalCommitment.CommitTx.TxOut, 3,
	)

	assertBalanceConservation(t, aliceChannel)
	assertBalanceConservation(t, bobChannel)

	// Bob learns of the preimage and settles the HTLC, after which both
	// sides transition once more.
	err = bobChannel.SettleHTLC(preimage, bobHtlcIndex)
	require.NoError(t, err)

	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceHtlcIndex)
	require.NoError(t, err)

	err = ForceStateTransition(bobChannel, aliceChannel)
	require.NoError(t, err)

	// At this point the final balances should reflect a 1 BTC payment
	// from Alice to Bob. With no HTLCs remaining the commitment fee is
	// identical to the starting fee, so it cancels out of the
	// comparison.
	aliceEndBalance := aliceChannel.channelState.LocalCommitment.LocalBalance
	bobEndBalance := bobChannel.channelState.LocalCommitment.LocalBalance
	require.Equal(t, aliceStartBalance-htlcAmt, aliceEndBalance)
	require.Equal(t, bobStartBalance+htlcAmt, bobEndBalance)

	require.Equal(
		t, htlcAmt, aliceChannel.channelState.TotalMSatSent,
	)
	require.Equal(
		t, htlcAmt, bobChannel.channelState.TotalMSatReceived,
	)

	// The HTLC output should be gone from both commitments.
	require.Len(
		t, aliceChannel.channelState.LocalCommitment.CommitTx.TxOut, 2,
	)
	require.Len(
		t, bobChannel.channelState.LocalCommitment.CommitTx.TxOut, 2,
	)

	assertBalanceConservation(t, aliceChannel)
	assertBalanceConservation(t, bobChannel)

	// With the HTLC settled on both chains, the update logs should have
	// been fully compacted.
	require.Zero(t, aliceChannel.localUpdateLog.Len())
	require.Zero(t, aliceChannel.remoteUpdateLog.Len())
	require.Zero(t, bobChannel.localUpdateLog.Len())
	require.Zero(t, bobChannel.remoteUpdateLog.Len())
}

// TestCommitmentDeterminism asserts that both parties construct the exact
// same commitment transactions for a given channel state. After a state
// transition, the commitment Alice holds for Bob must be byte identical to
// the commitment Bob constructed for himself, and vice versa.
func TestCommitmentDeterminism(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	// Add a few HTLCs in both directions so the commitments carry a
	// non-trivial output set.
	for i := 0; i < 3; i++ {
		htlc, _ := createHTLC(i, lnwire.NewMSatFromSatoshis(20000))
		_, err := aliceChannel.AddHTLC(htlc)
		require.NoError(t, err)
		_, err = bobChannel.ReceiveHTLC(htlc)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		htlc, _ := createHTLC(100+i, lnwire.NewMSatFromSatoshis(30000))
		htlc.ID = uint64(i)
		_, err := bobChannel.AddHTLC(htlc)
		require.NoError(t, err)
		_, err = aliceChannel.ReceiveHTLC(htlc)
		require.NoError(t, err)
	}

	err = ForceStateTransition(aliceChannel, bobChannel)
	require.NoError(t, err)

	serialize := func(tx *wire.MsgTx) []byte {
		var b bytes.Buffer
		require.NoError(t, tx.Serialize(&b))
		return b.Bytes()
	}

	aliceForBob := aliceChannel.channelState.RemoteCommitment.CommitTx
	bobLocal := bobChannel.channelState.LocalCommitment.CommitTx
	require.Equal(t, serialize(bobLocal), serialize(aliceForBob))

	bobForAlice := bobChannel.channelState.RemoteCommitment.CommitTx
	aliceLocal := aliceChannel.channelState.LocalCommitment.CommitTx
	require.Equal(t, serialize(aliceLocal), serialize(bobForAlice))
}

// TestChannelBalanceDipsBelowReserve asserts that an HTLC which would dip
// the sender below their channel reserve is rejected.
func TestChannelBalanceDipsBelowReserve(t *testing.T) {
	t.Parallel()

	aliceChannel, _, err := CreateTestChannels(t)
	require.NoError(t, err)

	// Alice holds half of the 10 BTC capacity. Attempting to send the
	// entire settled balance must fail, as the commitment fee and the
	// reserve cannot be covered afterwards.
	htlcAmt := lnwire.NewMSatFromSatoshis(5 * btcutil.SatoshiPerBitcoin)
	htlc, _ := createHTLC(0, htlcAmt)

	_, err = aliceChannel.AddHTLC(htlc)
	require.ErrorIs(t, err, ErrBelowChanReserve)
}

// TestInvalidCommitSigFreezesChannel asserts that receiving a commitment
// signature that fails verification moves the channel into a terminal state
// in which no further updates can be proposed.
func TestInvalidCommitSigFreezesChannel(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	htlc, _ := createHTLC(0, lnwire.NewMSatFromSatoshis(100000))
	_, err = aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)
	_, err = bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)

	aliceSig, aliceHtlcSigs, err := aliceChannel.SignNextCommitment()
	require.NoError(t, err)

	// Corrupt the commitment signature before handing it to Bob.
	aliceSig[10] ^= 0x01

	err = bobChannel.ReceiveNewCommitment(aliceSig, aliceHtlcSigs)
	require.Error(t, err)

	var sigErr *ErrCommitSigMismatch
	require.ErrorAs(t, err, &sigErr)

	// The channel should now reject any further updates, leaving a force
	// close as the only way out.
	htlc2, _ := createHTLC(1, lnwire.NewMSatFromSatoshis(100000))
	_, err = bobChannel.AddHTLC(htlc2)
	require.ErrorIs(t, err, ErrChanClosing)

	_, _, err = bobChannel.SignNextCommitment()
	require.ErrorIs(t, err, ErrChanClosing)

	_, err = bobChannel.ForceClose()
	require.NoError(t, err)
}

// TestHtlcSigCountMismatch asserts that a commitment carrying fewer HTLC
// signatures than non-dust HTLC outputs is rejected.
func TestHtlcSigCountMismatch(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	htlc, _ := createHTLC(0, lnwire.NewMSatFromSatoshis(100000))
	_, err = aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)
	_, err = bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)

	aliceSig, aliceHtlcSigs, err := aliceChannel.SignNextCommitment()
	require.NoError(t, err)
	require.Len(t, aliceHtlcSigs, 1)

	err = bobChannel.ReceiveNewCommitment(aliceSig, nil)
	require.Error(t, err)

	var countErr *ErrHtlcSigCountMismatch
	require.ErrorAs(t, err, &countErr)
}

// TestCancelHTLC asserts that failing an HTLC after it has been locked in
// returns the escrowed funds to the sender.
func TestCancelHTLC(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	aliceStartBalance := aliceChannel.channelState.LocalCommitment.LocalBalance

	htlcAmt := lnwire.NewMSatFromSatoshis(btcutil.SatoshiPerBitcoin / 2)
	htlc, _ := createHTLC(0, htlcAmt)

	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)

	err = ForceStateTransition(aliceChannel, bobChannel)
	require.NoError(t, err)

	// Bob fails the HTLC back to Alice instead of settling it.
	failReason := []byte("unknown destination")
	err = bobChannel.FailHTLC(bobHtlcIndex, failReason)
	require.NoError(t, err)
	err = aliceChannel.ReceiveFailHTLC(aliceHtlcIndex, failReason)
	require.NoError(t, err)

	err = ForceStateTransition(bobChannel, aliceChannel)
	require.NoError(t, err)

	// The escrowed amount should be back in Alice's settled balance, and
	// nothing should have been recorded as sent or received.
	aliceEndBalance := aliceChannel.channelState.LocalCommitment.LocalBalance
	require.Equal(t, aliceStartBalance, aliceEndBalance)
	require.Zero(t, aliceChannel.channelState.TotalMSatSent)
	require.Zero(t, bobChannel.channelState.TotalMSatReceived)

	// Settling the failed HTLC after the fact must be rejected.
	err = bobChannel.SettleHTLC([32]byte{}, bobHtlcIndex)
	require.ErrorIs(t, err, ErrUnknownHtlcIndex)
}

// TestSettleInvalidPreimage asserts that settling an HTLC with a preimage
// that does not match the payment hash is rejected on both ends.
func TestSettleInvalidPreimage(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	htlc, preimage := createHTLC(0, lnwire.NewMSatFromSatoshis(100000))
	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)

	err = ForceStateTransition(aliceChannel, bobChannel)
	require.NoError(t, err)

	var badPreimage [32]byte
	copy(badPreimage[:], preimage[:])
	badPreimage[0] ^= 0x01

	err = bobChannel.SettleHTLC(badPreimage, bobHtlcIndex)
	require.ErrorIs(t, err, ErrInvalidSettlePreimage)

	err = aliceChannel.ReceiveHTLCSettle(badPreimage, aliceHtlcIndex)
	require.ErrorIs(t, err, ErrInvalidSettlePreimage)
}

// TestHTLCDustLimit checks that an HTLC below the dust threshold does not
// materialize as an output on the commitment transaction, yet still moves
// the balance once settled.
func TestHTLCDustLimit(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	bobStartBalance := bobChannel.channelState.LocalCommitment.LocalBalance

	// 200 satoshis is below the commitment dust limit, even before the
	// second level fee is accounted for.
	htlcAmt := lnwire.NewMSatFromSatoshis(200)
	htlc, preimage := createHTLC(0, htlcAmt)

	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)

	err = ForceStateTransition(aliceChannel, bobChannel)
	require.NoError(t, err)

	// The commitments should only have the two settled outputs, as the
	// HTLC amount was folded into fees.
	require.Len(
		t, aliceChannel.channelState.LocalCommitment.CommitTx.TxOut, 2,
	)
	require.Len(
		t, bobChannel.channelState.LocalCommitment.CommitTx.TxOut, 2,
	)

	// No HTLC signatures should have been exchanged for a dust HTLC.
	require.Empty(
		t, aliceChannel.channelState.LocalCommitment.Htlcs[0].Signature,
	)

	err = bobChannel.SettleHTLC(preimage, bobHtlcIndex)
	require.NoError(t, err)
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceHtlcIndex)
	require.NoError(t, err)

	err = ForceStateTransition(bobChannel, aliceChannel)
	require.NoError(t, err)

	bobEndBalance := bobChannel.channelState.LocalCommitment.LocalBalance
	require.Equal(t, bobStartBalance+htlcAmt, bobEndBalance)
}

// TestUpdateFeeFlow tests that the channel initiator is able to send a fee
// update, and that both parties apply the new rate at the next state
// transition.
func TestUpdateFeeFlow(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	// Only the initiator may send fee updates.
	newFee := chainfee.SatPerKWeight(9000)
	err = bobChannel.UpdateFee(newFee)
	require.ErrorIs(t, err, ErrUpdateFeeNotInitiator)
	err = aliceChannel.ReceiveUpdateFee(newFee)
	require.ErrorIs(t, err, ErrUpdateFeeNotInitiator)

	// A fee below the relay floor is rejected outright.
	err = aliceChannel.UpdateFee(chainfee.FeePerKwFloor - 1)

	var floorErr *ErrFeeBelowFloor
	require.ErrorAs(t, err, &floorErr)

	// Now send a valid update and lock it in.
	err = aliceChannel.UpdateFee(newFee)
	require.NoError(t, err)
	err = bobChannel.ReceiveUpdateFee(newFee)
	require.NoError(t, err)

	err = ForceStateTransition(aliceChannel, bobChannel)
	require.NoError(t, err)

	require.Equal(t, newFee, aliceChannel.CommitFeeRate())
	require.Equal(t, newFee, bobChannel.CommitFeeRate())

	// The commitment fee actually charged should match the new rate as
	// well.
	expectedFee := newFee.FeeForWeight(input.CommitWeight)
	require.Equal(
		t, expectedFee,
		aliceChannel.channelState.LocalCommitment.CommitFee,
	)

	assertBalanceConservation(t, aliceChannel)
	assertBalanceConservation(t, bobChannel)
}

// TestForceClose checks that the resulting force close transaction is
// correctly signed and spends the funding output.
func TestForceClose(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	// Lock in an HTLC first so that we force close on a commitment with
	// a real exchanged signature.
	htlc, _ := createHTLC(0, lnwire.NewMSatFromSatoshis(100000))
	_, err = aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)
	_, err = bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)

	err = ForceStateTransition(aliceChannel, bobChannel)
	require.NoError(t, err)

	closeSummary, err := aliceChannel.ForceClose()
	require.NoError(t, err)

	closeTx := closeSummary.CloseTx
	require.Equal(
		t, aliceChannel.channelState.FundingOutpoint,
		closeTx.TxIn[0].PreviousOutPoint,
	)

	// The broadcast commitment must carry a valid witness for the
	// funding output.
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		aliceChannel.fundingP2WSH,
		int64(aliceChannel.channelState.Capacity),
	)
	hashCache := txscript.NewTxSigHashes(closeTx, prevFetcher)
	vm, err := txscript.NewEngine(
		aliceChannel.fundingP2WSH, closeTx, 0,
		txscript.StandardVerifyFlags, nil, hashCache,
		int64(aliceChannel.channelState.Capacity), prevFetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())

	// Any further updates on the closed channel must be rejected.
	htlc2, _ := createHTLC(1, lnwire.NewMSatFromSatoshis(100000))
	_, err = aliceChannel.AddHTLC(htlc2)
	require.ErrorIs(t, err, ErrChanClosing)
}

// TestSpendClassification checks that an observed spend of the funding
// output is correctly classified as a local force close, a remote force
// close, a breach, or a cooperative close.
func TestSpendClassification(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	// Advance the channel one state so that state 0 becomes revoked.
	htlc, preimage := createHTLC(0, lnwire.NewMSatFromSatoshis(100000))
	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)
	err = ForceStateTransition(aliceChannel, bobChannel)
	require.NoError(t, err)

	// Snapshot Bob's current commitment, then advance the state once
	// more so the snapshot becomes a revoked state.
	revokedTx := bobChannel.channelState.LocalCommitment.CommitTx.Copy()

	err = bobChannel.SettleHTLC(preimage, bobHtlcIndex)
	require.NoError(t, err)
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceHtlcIndex)
	require.NoError(t, err)
	err = ForceStateTransition(bobChannel, aliceChannel)
	require.NoError(t, err)

	spendDetail := func(tx *wire.MsgTx) *chainntnfs.SpendDetail {
		txHash := tx.TxHash()
		return &chainntnfs.SpendDetail{
			SpentOutPoint: aliceChannel.ChannelPoint(),
			SpenderTxHash: &txHash,
			SpendingTx:    tx,
		}
	}

	// A broadcast of Bob's revoked state must be detected as a breach by
	// Alice.
	breach, err := aliceChannel.ClassifySpend(spendDetail(revokedTx))
	require.NoError(t, err)
	require.Equal(t, channeldb.BreachClose, breach.CloseType)
	require.False(t, breach.IsOurTx)

	// A spend that doesn't carry the commitment state hint encoding is a
	// cooperative close.
	coopTx := wire.NewMsgTx(2)
	coopTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *aliceChannel.ChannelPoint(),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coopTx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})

	coop, err := aliceChannel.ClassifySpend(spendDetail(coopTx))
	require.NoError(t, err)
	require.Equal(t, channeldb.CooperativeClose, coop.CloseType)

	// Bob's current commitment is a remote force close from Alice's
	// point of view.
	bobClose, err := bobChannel.ForceClose()
	require.NoError(t, err)

	remote, err := aliceChannel.ClassifySpend(spendDetail(bobClose.CloseTx))
	require.NoError(t, err)
	require.Equal(t, channeldb.RemoteForceClose, remote.CloseType)
	require.False(t, remote.IsOurTx)
	require.Equal(
		t, aliceChannel.channelState.RemoteCommitment.CommitHeight,
		remote.CommitHeight,
	)

	// Finally, Alice's own commitment is classified as a local force
	// close.
	aliceClose, err := aliceChannel.ForceClose()
	require.NoError(t, err)

	local, err := aliceChannel.ClassifySpend(spendDetail(aliceClose.CloseTx))
	require.NoError(t, err)
	require.Equal(t, channeldb.LocalForceClose, local.CloseType)
	require.True(t, local.IsOurTx)
}

// TestChanAvailableBalance checks that the available balance correctly
// reflects pending updates that have not yet been locked in.
func TestChanAvailableBalance(t *testing.T) {
	t.Parallel()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	startBalance := aliceChannel.AvailableBalance()

	htlcAmt := lnwire.NewMSatFromSatoshis(btcutil.SatoshiPerBitcoin)
	htlc, preimage := createHTLC(0, htlcAmt)

	aliceHtlcIndex, err := aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)
	bobHtlcIndex, err := bobChannel.ReceiveHTLC(htlc)
	require.NoError(t, err)
	err = ForceStateTransition(aliceChannel, bobChannel)
	require.NoError(t, err)

	// With the HTLC locked in, Alice's available balance drops by at
	// least the HTLC amount.
	pendingBalance := aliceChannel.AvailableBalance()
	require.LessOrEqual(t, pendingBalance, startBalance-htlcAmt)

	// Once settled, the HTLC amount belongs to Bob for good.
	err = bobChannel.SettleHTLC(preimage, bobHtlcIndex)
	require.NoError(t, err)
	err = aliceChannel.ReceiveHTLCSettle(preimage, aliceHtlcIndex)
	require.NoError(t, err)
	err = ForceStateTransition(bobChannel, aliceChannel)
	require.NoError(t, err)

	settledBalance := aliceChannel.AvailableBalance()
	require.InDelta(
		t, uint64(startBalance-htlcAmt), uint64(settledBalance),
		float64(lnwire.NewMSatFromSatoshis(100)),
	)
}

// TestInvalidHTLCAmount checks the validation performed when HTLCs are
// added to the update logs.
func TestInvalidHTLCAmount(t *testing.T) {
	t.Parallel()

	aliceChannel, _, err := CreateTestChannels(t)
	require.NoError(t, err)

	htlc, _ := createHTLC(0, 0)
	_, err = aliceChannel.AddHTLC(htlc)
	require.ErrorIs(t, err, ErrInvalidHTLCAmt)
}
