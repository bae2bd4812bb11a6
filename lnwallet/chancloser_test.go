package lnwallet

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/lnwallet/chainfee"
	"github.com/chancore/chancore/lnwire"
	"github.com/stretchr/testify/require"
)

// newTestCloserPair creates a pair of ChanClosers wrapping the two ends of a
// test channel, using the passed ideal fee rates for each party.
func newTestCloserPair(t *testing.T, aliceFeeRate,
	bobFeeRate chainfee.SatPerKWeight) (*ChanCloser, *ChanCloser,
	**wire.MsgTx, **wire.MsgTx) {

	t.Helper()

	aliceChannel, bobChannel, err := CreateTestChannels(t)
	require.NoError(t, err)

	aliceScript := append(
		[]byte{0x00, 0x14}, make([]byte, 20)...,
	)
	bobScript := append(
		[]byte{0x00, 0x14}, bytesWithValue(20, 0x02)...,
	)

	var aliceBroadcast, bobBroadcast *wire.MsgTx
	quit := make(chan struct{})
	t.Cleanup(func() { close(quit) })

	aliceCloser := NewChanCloser(
		ChanCloseCfg{
			Channel: aliceChannel,
			BroadcastTx: func(tx *wire.MsgTx) error {
				aliceBroadcast = tx
				return nil
			},
			Quit: quit,
		},
		lnwire.DeliveryAddress(aliceScript), aliceFeeRate, 100,
	)
	bobCloser := NewChanCloser(
		ChanCloseCfg{
			Channel: bobChannel,
			BroadcastTx: func(tx *wire.MsgTx) error {
				bobBroadcast = tx
				return nil
			},
			Quit: quit,
		},
		lnwire.DeliveryAddress(bobScript), bobFeeRate, 100,
	)

	return aliceCloser, bobCloser, &aliceBroadcast, &bobBroadcast
}

func bytesWithValue(n int, val byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = val
	}
	return b
}

// exchangeShutdown runs the shutdown handshake between the two closers, with
// the first party initiating.
func exchangeShutdown(t *testing.T, initiator, responder *ChanCloser) {
	t.Helper()

	shutdownMsg, err := initiator.ShutdownChan()
	require.NoError(t, err)
	require.NotNil(t, shutdownMsg)

	// A second attempt to initiate the shutdown must be rejected.
	_, err = initiator.ShutdownChan()
	require.ErrorIs(t, err, ErrChanAlreadyClosing)

	respShutdown, err := responder.ReceiveShutdown(shutdownMsg)
	require.NoError(t, err)
	require.True(t, respShutdown.IsSome())

	reply := respShutdown.UnwrapOrFail(t)
	noReply, err := initiator.ReceiveShutdown(&reply)
	require.NoError(t, err)
	require.True(t, noReply.IsNone())
}

// TestCoopCloseNegotiation runs a full cooperative close negotiation between
// the two ends of a channel and asserts that both sides converge on the
// exact same closing transaction.
func TestCoopCloseNegotiation(t *testing.T) {
	t.Parallel()

	// Use differing ideal fee rates so the fee negotiation has actual
	// work to do.
	aliceCloser, bobCloser, aliceBroadcast, bobBroadcast :=
		newTestCloserPair(t, 6000, 3000)

	exchangeShutdown(t, aliceCloser, bobCloser)

	// Requesting the closing transaction before negotiation completes
	// must fail.
	_, err := aliceCloser.ClosingTx()
	require.ErrorIs(t, err, ErrChanCloseNotFinished)

	// With the channel flushed on both ends, fee negotiation starts. The
	// initiator always sends the opening offer.
	aliceOffer, err := aliceCloser.BeginNegotiation()
	require.NoError(t, err)
	require.True(t, aliceOffer.IsSome())

	bobOffer, err := bobCloser.BeginNegotiation()
	require.NoError(t, err)
	require.True(t, bobOffer.IsNone())

	// Bounce ClosingSigned messages back and forth until both state
	// machines report completion.
	msg := aliceOffer.UnwrapOrFail(t)
	receivers := []*ChanCloser{bobCloser, aliceCloser}
	for i := 0; i < 20; i++ {
		resp, err := receivers[i%2].ReceiveClosingSigned(&msg)
		require.NoError(t, err)

		if resp.IsNone() {
			break
		}
		msg = resp.UnwrapOrFail(t)
	}

	aliceTx, err := aliceCloser.ClosingTx()
	require.NoError(t, err)
	bobTx, err := bobCloser.ClosingTx()
	require.NoError(t, err)

	// Both sides must have converged on the same transaction, and both
	// must have handed it off for broadcast.
	require.Equal(t, aliceTx.TxHash(), bobTx.TxHash())
	require.NotNil(t, *aliceBroadcast)
	require.NotNil(t, *bobBroadcast)
	require.Equal(t, aliceTx.TxHash(), (*aliceBroadcast).TxHash())
}

// TestCoopCloseIdenticalFees checks the fast path where both parties share
// the same ideal fee rate and the negotiation completes in a single round
// trip.
func TestCoopCloseIdenticalFees(t *testing.T) {
	t.Parallel()

	aliceCloser, bobCloser, _, _ := newTestCloserPair(t, 6000, 6000)

	exchangeShutdown(t, aliceCloser, bobCloser)

	aliceOffer, err := aliceCloser.BeginNegotiation()
	require.NoError(t, err)
	offer := aliceOffer.UnwrapOrFail(t)

	_, err = bobCloser.BeginNegotiation()
	require.NoError(t, err)

	// Bob agrees immediately, and his reply lets Alice finish as well.
	bobReply, err := bobCloser.ReceiveClosingSigned(&offer)
	require.NoError(t, err)
	reply := bobReply.UnwrapOrFail(t)
	require.Equal(t, offer.FeeSatoshis, reply.FeeSatoshis)

	_, err = aliceCloser.ReceiveClosingSigned(&reply)
	require.NoError(t, err)

	aliceTx, err := aliceCloser.ClosingTx()
	require.NoError(t, err)
	bobTx, err := bobCloser.ClosingTx()
	require.NoError(t, err)
	require.Equal(t, aliceTx.TxHash(), bobTx.TxHash())
}

// TestCalcCompromiseFee exercises the fee compromise algorithm directly.
func TestCalcCompromiseFee(t *testing.T) {
	t.Parallel()

	chanPoint := wire.OutPoint{}

	// If the remote party simply matches our last offer, that offer
	// stands.
	require.Equal(
		t, btcutil.Amount(5000),
		calcCompromiseFee(chanPoint, 5000, 5000, 5000),
	)

	// A remote offer within 30% of ours is accepted outright.
	require.Equal(
		t, btcutil.Amount(6000),
		calcCompromiseFee(chanPoint, 5000, 5000, 6000),
	)

	// An offer wildly above ours only moves us up by 10%.
	require.Equal(
		t, btcutil.Amount(5500),
		calcCompromiseFee(chanPoint, 5000, 5000, 50000),
	)

	// An offer wildly below ours only moves us down by 10%.
	require.Equal(
		t, btcutil.Amount(4500),
		calcCompromiseFee(chanPoint, 5000, 5000, 100),
	)
}
