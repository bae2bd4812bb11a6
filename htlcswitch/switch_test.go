package htlcswitch

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/chancore/chancore/lnwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	chanID1, chanID2       lnwire.ChannelID
	aliceChanID, bobChanID lnwire.ShortChannelID

	testStartTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
)

func init() {
	chanID1[0] = 1
	chanID2[0] = 2
	aliceChanID = lnwire.NewShortChanIDFromInt(1)
	bobChanID = lnwire.NewShortChanIDFromInt(2)
}

// newTestSwitch creates a started switch with two mock links installed,
// returning both links for inspection.
func newTestSwitch(t *testing.T) (*Switch, *mockChannelLink,
	*mockChannelLink) {

	t.Helper()

	s := New(Config{
		Clock: clock.NewTestClock(testStartTime),
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	aliceLink := newMockChannelLink(
		chanID1, aliceChanID, btcToMsat(5), newMockPeer(),
	)
	bobLink := newMockChannelLink(
		chanID2, bobChanID, btcToMsat(5), newMockPeer(),
	)
	require.NoError(t, s.AddLink(aliceLink))
	require.NoError(t, s.AddLink(bobLink))

	return s, aliceLink, bobLink
}

func btcToMsat(btc int64) lnwire.MilliSatoshi {
	return lnwire.MilliSatoshi(btc * 1e8 * 1000)
}

func genPreimage(t *testing.T) ([32]byte, [32]byte) {
	t.Helper()

	var preimage [32]byte
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)

	return preimage, sha256.Sum256(preimage[:])
}

// receivePacket pulls the next packet delivered to a mock link, failing the
// test if none arrives in time.
func receivePacket(t *testing.T, link *mockChannelLink) *htlcPacket {
	t.Helper()

	select {
	case pkt := <-link.packets:
		return pkt
	case <-time.After(time.Second):
		t.Fatal("packet was not delivered to link")
		return nil
	}
}

// TestSwitchForward checks that the switch can forward an ADD from one link
// to another, and route the eventual settle back to the originating link
// while tearing down the payment circuit.
func TestSwitchForward(t *testing.T) {
	t.Parallel()

	s, aliceLink, bobLink := newTestSwitch(t)

	preimage, rhash := genPreimage(t)

	// Craft a forward crossing from alice's channel to bob's.
	addPkt := &htlcPacket{
		incomingChanID: aliceChanID,
		incomingHTLCID: 0,
		outgoingChanID: bobChanID,
		incomingAmount: 1050,
		amount:         1000,
		obfuscator:     newMockObfuscator(),
		htlc: &lnwire.UpdateAddHTLC{
			PaymentHash: rhash,
			Amount:      1000,
		},
	}

	require.NoError(t, s.ForwardPackets(addPkt))

	// The packet should have crossed to bob's link with a committed
	// circuit attached.
	fwdPkt := receivePacket(t, bobLink)
	require.NotNil(t, fwdPkt.circuit)
	require.Equal(t, 1, s.CircuitMap().NumPending())

	// Mimic bob's link assigning an outgoing htlc id to the add.
	outKey := CircuitKey{ChanID: bobChanID, HtlcID: 0}
	require.NoError(t, s.CircuitMap().OpenCircuit(fwdPkt.inKey(), outKey))

	// A forwarding event should have been recorded with the test clock's
	// timestamp.
	events := s.ForwardingEvents()
	require.Len(t, events, 1)
	require.Equal(t, testStartTime, events[0].Timestamp)
	require.Equal(t, lnwire.MilliSatoshi(1050), events[0].AmtIn)
	require.Equal(t, lnwire.MilliSatoshi(1000), events[0].AmtOut)

	// Now drive the settle backwards through the switch.
	settlePkt := &htlcPacket{
		outgoingChanID: bobChanID,
		outgoingHTLCID: 0,
		htlc: &lnwire.UpdateFulfillHTLC{
			PaymentPreimage: preimage,
		},
	}
	require.NoError(t, s.ForwardPackets(settlePkt))

	// The settle must arrive back on alice's link addressed to the
	// original htlc, and the circuit must be gone.
	respPkt := receivePacket(t, aliceLink)
	require.Equal(t, aliceChanID, respPkt.incomingChanID)
	require.Equal(t, uint64(0), respPkt.incomingHTLCID)

	settle, ok := respPkt.htlc.(*lnwire.UpdateFulfillHTLC)
	require.True(t, ok)
	require.Equal(t, preimage, [32]byte(settle.PaymentPreimage))

	require.Equal(t, 0, s.CircuitMap().NumPending())
	require.Equal(t, 0, s.CircuitMap().NumOpen())
}

// TestSwitchForwardFail asserts that a fail crossing the switch backwards is
// re-encrypted by this hop before it reaches the incoming link.
func TestSwitchForwardFail(t *testing.T) {
	t.Parallel()

	s, aliceLink, bobLink := newTestSwitch(t)

	_, rhash := genPreimage(t)

	addPkt := &htlcPacket{
		incomingChanID: aliceChanID,
		incomingHTLCID: 3,
		outgoingChanID: bobChanID,
		incomingAmount: 1050,
		amount:         1000,
		obfuscator:     newMockObfuscator(),
		htlc: &lnwire.UpdateAddHTLC{
			PaymentHash: rhash,
			Amount:      1000,
		},
	}
	require.NoError(t, s.ForwardPackets(addPkt))

	fwdPkt := receivePacket(t, bobLink)
	outKey := CircuitKey{ChanID: bobChanID, HtlcID: 7}
	require.NoError(t, s.CircuitMap().OpenCircuit(fwdPkt.inKey(), outKey))

	// Encode a failure the way a remote node beyond bob would have, then
	// pass it backwards through the switch.
	var b bytes.Buffer
	err := lnwire.EncodeFailure(&b, lnwire.NewExpiryTooSoon(), 0)
	require.NoError(t, err)

	failPkt := &htlcPacket{
		outgoingChanID: bobChanID,
		outgoingHTLCID: 7,
		htlc: &lnwire.UpdateFailHTLC{
			Reason: b.Bytes(),
		},
	}
	require.NoError(t, s.ForwardPackets(failPkt))

	respPkt := receivePacket(t, aliceLink)
	require.Equal(t, aliceChanID, respPkt.incomingChanID)
	require.Equal(t, uint64(3), respPkt.incomingHTLCID)

	// The mock obfuscator passes reasons through unchanged, so the
	// original failure should still decode.
	fail, ok := respPkt.htlc.(*lnwire.UpdateFailHTLC)
	require.True(t, ok)

	failure, err := lnwire.DecodeFailure(bytes.NewReader(fail.Reason), 0)
	require.NoError(t, err)
	require.Equal(t, lnwire.CodeExpiryTooSoon, failure.Code())

	require.Equal(t, 0, s.CircuitMap().NumPending())
}

// TestSwitchForwardUnknownPeer checks that an ADD destined for a channel the
// switch doesn't know is failed back to the incoming link with an unknown
// next peer failure, and that no circuit is left behind.
func TestSwitchForwardUnknownPeer(t *testing.T) {
	t.Parallel()

	s, aliceLink, _ := newTestSwitch(t)

	_, rhash := genPreimage(t)

	addPkt := &htlcPacket{
		incomingChanID: aliceChanID,
		incomingHTLCID: 0,
		outgoingChanID: lnwire.NewShortChanIDFromInt(99),
		incomingAmount: 1050,
		amount:         1000,
		obfuscator:     newMockObfuscator(),
		htlc: &lnwire.UpdateAddHTLC{
			PaymentHash: rhash,
			Amount:      1000,
		},
	}
	require.NoError(t, s.ForwardPackets(addPkt))

	respPkt := receivePacket(t, aliceLink)
	require.Equal(t, aliceChanID, respPkt.incomingChanID)

	fail, ok := respPkt.htlc.(*lnwire.UpdateFailHTLC)
	require.True(t, ok)

	failure, err := lnwire.DecodeFailure(bytes.NewReader(fail.Reason), 0)
	require.NoError(t, err)
	require.Equal(t, lnwire.CodeUnknownNextPeer, failure.Code())

	require.Equal(t, 0, s.CircuitMap().NumPending())
}

// TestSwitchForwardInsufficientBandwidth checks that an ADD exceeding the
// outgoing link's bandwidth is failed back with a temporary channel failure.
func TestSwitchForwardInsufficientBandwidth(t *testing.T) {
	t.Parallel()

	s, aliceLink, bobLink := newTestSwitch(t)

	_, rhash := genPreimage(t)

	addPkt := &htlcPacket{
		incomingChanID: aliceChanID,
		incomingHTLCID: 0,
		outgoingChanID: bobChanID,
		incomingAmount: bobLink.Bandwidth() + 1050,
		amount:         bobLink.Bandwidth() + 1000,
		obfuscator:     newMockObfuscator(),
		htlc: &lnwire.UpdateAddHTLC{
			PaymentHash: rhash,
			Amount:      bobLink.Bandwidth() + 1000,
		},
	}
	require.NoError(t, s.ForwardPackets(addPkt))

	respPkt := receivePacket(t, aliceLink)
	fail, ok := respPkt.htlc.(*lnwire.UpdateFailHTLC)
	require.True(t, ok)

	failure, err := lnwire.DecodeFailure(bytes.NewReader(fail.Reason), 0)
	require.NoError(t, err)
	require.Equal(
		t, lnwire.CodeTemporaryChannelFailure, failure.Code(),
	)

	require.Equal(t, 0, s.CircuitMap().NumPending())
}

// TestSwitchDuplicateAdd asserts that replaying an ADD with the same
// incoming circuit key is rejected rather than forwarded twice.
func TestSwitchDuplicateAdd(t *testing.T) {
	t.Parallel()

	s, aliceLink, bobLink := newTestSwitch(t)

	_, rhash := genPreimage(t)

	mkAdd := func() *htlcPacket {
		return &htlcPacket{
			incomingChanID: aliceChanID,
			incomingHTLCID: 5,
			outgoingChanID: bobChanID,
			incomingAmount: 1050,
			amount:         1000,
			obfuscator:     newMockObfuscator(),
			htlc: &lnwire.UpdateAddHTLC{
				PaymentHash: rhash,
				Amount:      1000,
			},
		}
	}

	require.NoError(t, s.ForwardPackets(mkAdd()))
	receivePacket(t, bobLink)
	require.Equal(t, 1, s.CircuitMap().NumPending())

	// The replayed add should produce a failure back to alice, and leave
	// the original circuit intact.
	require.NoError(t, s.ForwardPackets(mkAdd()))

	respPkt := receivePacket(t, aliceLink)
	_, ok := respPkt.htlc.(*lnwire.UpdateFailHTLC)
	require.True(t, ok)
	require.Equal(t, 1, s.CircuitMap().NumPending())
}

// TestSwitchSendHTLCUnknownLink asserts that sending a payment towards an
// unknown first hop fails immediately with an unknown next peer error.
func TestSwitchSendHTLCUnknownLink(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSwitch(t)

	_, rhash := genPreimage(t)

	htlc := &lnwire.UpdateAddHTLC{
		PaymentHash: rhash,
		Amount:      1000,
	}

	_, err := s.SendHTLC(
		lnwire.NewShortChanIDFromInt(99), htlc,
		newMockDeobfuscator(),
	)
	require.Error(t, err)

	var fwdErr *ForwardingError
	require.ErrorAs(t, err, &fwdErr)
	require.Equal(t, 0, fwdErr.FailureSourceIdx)
	require.IsType(
		t, &lnwire.FailUnknownNextPeer{}, fwdErr.WireMessage(),
	)

	require.Equal(t, 0, s.numPendingPayments())
	require.Equal(t, 0, s.CircuitMap().NumPending())
}

// TestSwitchSendHTLCSettle exercises the full life cycle of a locally
// initiated payment: the ADD crosses to the first hop link, and the settle
// crossing back resolves the blocked SendHTLC call with the preimage.
func TestSwitchSendHTLCSettle(t *testing.T) {
	t.Parallel()

	s, aliceLink, _ := newTestSwitch(t)

	preimage, rhash := genPreimage(t)

	htlc := &lnwire.UpdateAddHTLC{
		PaymentHash: rhash,
		Amount:      1000,
	}

	resultChan := make(chan struct {
		preimage [32]byte
		err      error
	}, 1)
	go func() {
		p, err := s.SendHTLC(aliceChanID, htlc, newMockDeobfuscator())
		resultChan <- struct {
			preimage [32]byte
			err      error
		}{p, err}
	}()

	// The add should arrive on alice's link carrying its circuit.
	addPkt := receivePacket(t, aliceLink)
	require.NotNil(t, addPkt.circuit)
	require.Equal(t, 1, s.numPendingPayments())

	// Mimic the link locking in the add and the settle coming back from
	// the remote peer.
	outKey := CircuitKey{ChanID: aliceChanID, HtlcID: 0}
	require.NoError(t, s.CircuitMap().OpenCircuit(addPkt.inKey(), outKey))

	settlePkt := &htlcPacket{
		outgoingChanID: aliceChanID,
		outgoingHTLCID: 0,
		htlc: &lnwire.UpdateFulfillHTLC{
			PaymentPreimage: preimage,
		},
	}
	require.NoError(t, s.ForwardPackets(settlePkt))

	select {
	case result := <-resultChan:
		require.NoError(t, result.err)
		require.Equal(t, preimage, result.preimage)
	case <-time.After(time.Second):
		t.Fatal("payment was not resolved")
	}

	require.Equal(t, 0, s.numPendingPayments())
	require.Equal(t, 0, s.CircuitMap().NumPending())
}

// TestSwitchSendHTLCRemoteFail checks that an encrypted failure coming back
// for a locally initiated payment is decrypted with the payment's
// deobfuscator and surfaced as a ForwardingError.
func TestSwitchSendHTLCRemoteFail(t *testing.T) {
	t.Parallel()

	s, aliceLink, _ := newTestSwitch(t)

	_, rhash := genPreimage(t)

	htlc := &lnwire.UpdateAddHTLC{
		PaymentHash: rhash,
		Amount:      1000,
	}

	errChan := make(chan error, 1)
	go func() {
		_, err := s.SendHTLC(aliceChanID, htlc, newMockDeobfuscator())
		errChan <- err
	}()

	addPkt := receivePacket(t, aliceLink)
	outKey := CircuitKey{ChanID: aliceChanID, HtlcID: 0}
	require.NoError(t, s.CircuitMap().OpenCircuit(addPkt.inKey(), outKey))

	// The remote end failed the payment with a fee related error. The
	// mock deobfuscator reads the plaintext encoding.
	var b bytes.Buffer
	err := lnwire.EncodeFailure(
		&b, lnwire.NewFeeInsufficient(1000), 0,
	)
	require.NoError(t, err)

	failPkt := &htlcPacket{
		outgoingChanID: aliceChanID,
		outgoingHTLCID: 0,
		htlc: &lnwire.UpdateFailHTLC{
			Reason: b.Bytes(),
		},
	}
	require.NoError(t, s.ForwardPackets(failPkt))

	select {
	case err := <-errChan:
		var fwdErr *ForwardingError
		require.ErrorAs(t, err, &fwdErr)
		require.Equal(t, 1, fwdErr.FailureSourceIdx)
		require.IsType(
			t, &lnwire.FailFeeInsufficient{},
			fwdErr.WireMessage(),
		)
	case <-time.After(time.Second):
		t.Fatal("payment was not resolved")
	}

	require.Equal(t, 0, s.numPendingPayments())
}

// TestSwitchLinkManagement sanity checks the add/get/remove link index
// operations.
func TestSwitchLinkManagement(t *testing.T) {
	t.Parallel()

	s, aliceLink, _ := newTestSwitch(t)

	link, err := s.GetLink(chanID1)
	require.NoError(t, err)
	require.Equal(t, aliceChanID, link.ShortChanID())

	link, err = s.GetLinkByShortID(bobChanID)
	require.NoError(t, err)
	require.Equal(t, chanID2, link.ChanID())

	// Adding the same link twice must be rejected.
	require.Error(t, s.AddLink(aliceLink))

	s.RemoveLink(chanID1)
	_, err = s.GetLink(chanID1)
	require.ErrorIs(t, err, ErrChannelLinkNotFound)
	_, err = s.GetLinkByShortID(aliceChanID)
	require.ErrorIs(t, err, ErrChannelLinkNotFound)
}
