package htlcswitch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/chancore/chancore/htlcswitch/hop"
	"github.com/chancore/chancore/keychain"
	"github.com/chancore/chancore/lntypes"
	"github.com/chancore/chancore/lnwallet"
	"github.com/chancore/chancore/lnwire"
	sphinx "github.com/chancore/chancore/sphinx"
	"github.com/stretchr/testify/require"
)

// testPolicy is a forwarding policy with easily violated bounds.
var testPolicy = ForwardingPolicy{
	MinHTLCOut:    1000,
	MaxHTLC:       100000000,
	BaseFee:       500,
	FeeRate:       100,
	TimeLockDelta: 144,
}

func newPolicyLink(policy ForwardingPolicy) *channelLink {
	return &channelLink{
		cfg: ChannelLinkConfig{
			FwrdingPolicy: policy,
		},
	}
}

// TestExpectedFee asserts the fee schedule computation for several rates.
func TestExpectedFee(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		baseFee  lnwire.MilliSatoshi
		feeRate  lnwire.MilliSatoshi
		htlcAmt  lnwire.MilliSatoshi
		expected lnwire.MilliSatoshi
	}{
		{0, 0, 10, 0},
		{20, 0, 10, 20},
		{0, 1, 1000000, 1},
		{20, 1, 1000000, 21},
		{500, 100, 2000000, 700},
	}

	for _, testCase := range testCases {
		f := ForwardingPolicy{
			BaseFee: testCase.baseFee,
			FeeRate: testCase.feeRate,
		}
		fee := ExpectedFee(f, testCase.htlcAmt)
		require.Equal(t, testCase.expected, fee)
	}
}

// TestCheckHtlcForward groups the policy validation cases enforced before an
// HTLC may be forwarded onwards.
func TestCheckHtlcForward(t *testing.T) {
	t.Parallel()

	var hash [32]byte
	link := newPolicyLink(testPolicy)

	t.Run("satisfied", func(t *testing.T) {
		failure := link.CheckHtlcForward(
			hash, 1500700, 1500000, 200144, 200000, 150000,
		)
		require.Nil(t, failure)
	})

	t.Run("below minimum", func(t *testing.T) {
		failure := link.CheckHtlcForward(
			hash, 600, 100, 200144, 200000, 150000,
		)
		require.IsType(t, &lnwire.FailAmountBelowMinimum{}, failure)
	})

	t.Run("above maximum", func(t *testing.T) {
		failure := link.CheckHtlcForward(
			hash, 200000600, 200000000, 200144, 200000, 150000,
		)
		require.IsType(
			t, &lnwire.FailTemporaryChannelFailure{}, failure,
		)
	})

	t.Run("insufficient fee", func(t *testing.T) {
		failure := link.CheckHtlcForward(
			hash, 1500100, 1500000, 200144, 200000, 150000,
		)
		require.IsType(t, &lnwire.FailFeeInsufficient{}, failure)
	})

	t.Run("incoming amount below outgoing", func(t *testing.T) {
		failure := link.CheckHtlcForward(
			hash, 1000, 1500000, 200144, 200000, 150000,
		)
		require.IsType(t, &lnwire.FailFeeInsufficient{}, failure)
	})

	t.Run("expiry too soon", func(t *testing.T) {
		failure := link.CheckHtlcForward(
			hash, 1500700, 1500000, 200144, 200000, 199999,
		)
		require.IsType(t, &lnwire.FailExpiryTooSoon{}, failure)
	})

	t.Run("insufficient time lock delta", func(t *testing.T) {
		failure := link.CheckHtlcForward(
			hash, 1500700, 1500000, 200100, 200000, 150000,
		)
		require.IsType(t, &lnwire.FailIncorrectCltvExpiry{}, failure)
	})
}

// TestForwardingFailureObfuscation exercises the full error path for a
// rejected forward: the intermediate hop peels the onion, rejects the HTLC
// against its policy, and returns an encrypted failure which only the sender
// can decrypt and attribute to the failing hop.
func TestForwardingFailureObfuscation(t *testing.T) {
	t.Parallel()

	newPriv := func(b byte) *btcec.PrivateKey {
		var keyBytes [32]byte
		keyBytes[0] = b
		keyBytes[31] = 0x01
		priv, _ := btcec.PrivKeyFromBytes(keyBytes[:])
		return priv
	}

	bobPriv := newPriv(0x02)
	carolPriv := newPriv(0x03)
	sessionKey := newPriv(0x99)

	bobProcessor := hop.NewOnionProcessor(sphinx.NewRouter(
		&keychain.PrivKeyECDH{PrivKey: bobPriv},
		sphinx.NewMemoryReplayLog(),
	))
	require.NoError(t, bobProcessor.Start())
	t.Cleanup(func() { _ = bobProcessor.Stop() })

	// The sender constructs a two hop route through bob towards carol,
	// but underpays bob's fee: the onion instructs bob to forward the
	// full incoming amount.
	rhash := bytes.Repeat([]byte{0x11}, 32)
	outgoingChan := lnwire.NewShortChanIDFromInt(42)

	var path sphinx.PaymentPath
	path[0].NodePub = *bobPriv.PubKey()
	binary.BigEndian.PutUint64(
		path[0].HopData.NextAddress[:], outgoingChan.ToUint64(),
	)
	path[0].HopData.ForwardAmount = 1500000
	path[0].HopData.OutgoingCltv = 200000

	path[1].NodePub = *carolPriv.PubKey()
	path[1].HopData.ForwardAmount = 1500000
	path[1].HopData.OutgoingCltv = 200000

	onion, err := sphinx.NewOnionPacket(&path, sessionKey, rhash)
	require.NoError(t, err)

	var onionBlob bytes.Buffer
	require.NoError(t, onion.Encode(&onionBlob))

	// Bob peels his layer and recovers the forwarding instructions.
	iterator, failCode := bobProcessor.DecodeHopIterator(
		bytes.NewReader(onionBlob.Bytes()), rhash, 200144,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	fwdInfo, err := iterator.ForwardingInstructions()
	require.NoError(t, err)
	require.Equal(t, outgoingChan, fwdInfo.NextHop)

	// The incoming HTLC carries the same amount the onion asks bob to
	// forward, leaving nothing for bob's fee.
	link := newPolicyLink(testPolicy)
	var hash [32]byte
	copy(hash[:], rhash)
	failure := link.CheckHtlcForward(
		hash, 1500000, fwdInfo.AmountToForward, 200144,
		fwdInfo.OutgoingCTLV, 150000,
	)
	require.IsType(t, &lnwire.FailFeeInsufficient{}, failure)

	// Bob wraps the failure for the sender. On the wire this is an
	// opaque blob which must not decode as a plaintext failure.
	encrypter, failCode := iterator.ExtractErrorEncrypter(
		bobProcessor.ExtractErrorEncrypter,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	reason, err := encrypter.EncryptFirstHop(failure)
	require.NoError(t, err)

	_, err = lnwire.DecodeFailure(bytes.NewReader(reason), 0)
	require.Error(t, err)

	// Only the sender, holding the session key and route, can decrypt
	// the failure and attribute it to bob at index one.
	decrypter := NewSphinxErrorDecrypter(&sphinx.Circuit{
		SessionKey: sessionKey,
		PaymentPath: []*btcec.PublicKey{
			bobPriv.PubKey(), carolPriv.PubKey(),
		},
	})

	fwdErr, err := decrypter.DecryptError(reason)
	require.NoError(t, err)
	require.Equal(t, 1, fwdErr.FailureSourceIdx)
	require.IsType(t, &lnwire.FailFeeInsufficient{}, fwdErr.WireMessage())
}

// testLinkHarness drives one side of a real channel through a channelLink,
// with the other side operated manually by the test.
type testLinkHarness struct {
	aliceChannel *lnwallet.LightningChannel
	bobChannel   *lnwallet.LightningChannel

	link     *channelLink
	peer     *mockPeer
	registry *mockInvoiceRegistry

	// forwarded collects the packets the link handed to the switch.
	forwarded []*htlcPacket

	bobNodeKey *btcec.PrivateKey
	processor  *hop.OnionProcessor
}

const testBestHeight = 100000

// newLinkHarness creates a funded channel pair and wires bob's side into a
// channel link backed by a real onion processor.
func newLinkHarness(t *testing.T, policy ForwardingPolicy) *testLinkHarness {
	t.Helper()

	aliceChannel, bobChannel, err := lnwallet.CreateTestChannels(t)
	require.NoError(t, err)

	var keyBytes [32]byte
	keyBytes[0] = 0x02
	keyBytes[31] = 0x01
	bobNodeKey, _ := btcec.PrivKeyFromBytes(keyBytes[:])

	processor := hop.NewOnionProcessor(sphinx.NewRouter(
		&keychain.PrivKeyECDH{PrivKey: bobNodeKey},
		sphinx.NewMemoryReplayLog(),
	))
	require.NoError(t, processor.Start())
	t.Cleanup(func() { _ = processor.Stop() })

	h := &testLinkHarness{
		aliceChannel: aliceChannel,
		bobChannel:   bobChannel,
		peer:         newMockPeer(),
		registry:     newMockRegistry(),
		bobNodeKey:   bobNodeKey,
		processor:    processor,
	}

	cfg := ChannelLinkConfig{
		FwrdingPolicy:         policy,
		Circuits:              NewCircuitMap(),
		Peer:                  h.peer,
		DecodeHopIterator:     processor.DecodeHopIterator,
		ExtractErrorEncrypter: processor.ExtractErrorEncrypter,
		Registry:              h.registry,
		BestHeight:            func() uint32 { return testBestHeight },
		ForwardPackets: func(packets ...*htlcPacket) error {
			h.forwarded = append(h.forwarded, packets...)
			return nil
		},
	}

	h.link = NewChannelLink(cfg, bobChannel).(*channelLink)

	return h
}

// sendAddFromAlice adds the HTLC on alice's side, then walks both parties
// through a full commitment dance with bob's half executed by the link.
func (h *testLinkHarness) sendAddFromAlice(t *testing.T,
	htlc *lnwire.UpdateAddHTLC) {

	t.Helper()

	_, err := h.aliceChannel.AddHTLC(htlc)
	require.NoError(t, err)

	h.link.handleUpstreamMsg(htlc)

	aliceSig, aliceHtlcSigs, err := h.aliceChannel.SignNextCommitment()
	require.NoError(t, err)

	// The link answers the commitment with a revocation, followed by its
	// own signature covering the newly received add.
	h.link.handleUpstreamMsg(&lnwire.CommitSig{
		CommitSig: aliceSig,
		HtlcSigs:  aliceHtlcSigs,
	})

	bobRevokeMsg, err := h.peer.popMessage()
	require.NoError(t, err)
	bobRevocation, ok := bobRevokeMsg.(*lnwire.RevokeAndAck)
	require.True(t, ok)

	bobSigMsg, err := h.peer.popMessage()
	require.NoError(t, err)
	bobCommitSig, ok := bobSigMsg.(*lnwire.CommitSig)
	require.True(t, ok)

	_, err = h.aliceChannel.ReceiveRevocation(bobRevocation)
	require.NoError(t, err)

	err = h.aliceChannel.ReceiveNewCommitment(
		bobCommitSig.CommitSig, bobCommitSig.HtlcSigs,
	)
	require.NoError(t, err)

	aliceRevocation, _, err := h.aliceChannel.RevokeCurrentCommitment()
	require.NoError(t, err)

	// Handing alice's revocation to the link locks the add in on bob's
	// side, triggering onion processing.
	h.link.handleUpstreamMsg(aliceRevocation)
}

// exitHopHTLC builds an HTLC paying bob directly, using a single hop onion,
// and registers its preimage with the invoice registry.
func (h *testLinkHarness) exitHopHTLC(t *testing.T,
	amt lnwire.MilliSatoshi) (*lnwire.UpdateAddHTLC, lntypes.Preimage) {

	t.Helper()

	var preimage lntypes.Preimage
	preimage[0] = 0x77
	h.registry.AddPreimage(preimage)
	rhash := preimage.Hash()

	var sessionBytes [32]byte
	sessionBytes[0] = 0x99
	sessionBytes[31] = 0x01
	sessionKey, _ := btcec.PrivKeyFromBytes(sessionBytes[:])

	var path sphinx.PaymentPath
	path[0].NodePub = *h.bobNodeKey.PubKey()
	path[0].HopData.ForwardAmount = uint64(amt)
	path[0].HopData.OutgoingCltv = testBestHeight + 10

	onion, err := sphinx.NewOnionPacket(&path, sessionKey, rhash[:])
	require.NoError(t, err)

	htlc := &lnwire.UpdateAddHTLC{
		Amount: amt,
		Expiry: testBestHeight + 10,
	}
	copy(htlc.PaymentHash[:], rhash[:])

	var b bytes.Buffer
	require.NoError(t, onion.Encode(&b))
	copy(htlc.OnionBlob[:], b.Bytes())

	return htlc, preimage
}

// forwardHTLC builds an HTLC crossing bob towards a next channel, with the
// given amount left on the table for bob's fee.
func (h *testLinkHarness) forwardHTLC(t *testing.T, incomingAmt,
	fwdAmt lnwire.MilliSatoshi,
	nextChan lnwire.ShortChannelID) (*lnwire.UpdateAddHTLC,
	*btcec.PrivateKey, *btcec.PrivateKey) {

	t.Helper()

	var carolBytes [32]byte
	carolBytes[0] = 0x03
	carolBytes[31] = 0x01
	carolKey, _ := btcec.PrivKeyFromBytes(carolBytes[:])

	var sessionBytes [32]byte
	sessionBytes[0] = 0x98
	sessionBytes[31] = 0x01
	sessionKey, _ := btcec.PrivKeyFromBytes(sessionBytes[:])

	rhash := bytes.Repeat([]byte{0x55}, 32)

	var path sphinx.PaymentPath
	path[0].NodePub = *h.bobNodeKey.PubKey()
	binary.BigEndian.PutUint64(
		path[0].HopData.NextAddress[:], nextChan.ToUint64(),
	)
	path[0].HopData.ForwardAmount = uint64(fwdAmt)
	path[0].HopData.OutgoingCltv = testBestHeight + 200

	path[1].NodePub = *carolKey.PubKey()
	path[1].HopData.ForwardAmount = uint64(fwdAmt)
	path[1].HopData.OutgoingCltv = testBestHeight + 200

	onion, err := sphinx.NewOnionPacket(&path, sessionKey, rhash)
	require.NoError(t, err)

	htlc := &lnwire.UpdateAddHTLC{
		Amount: incomingAmt,
		Expiry: testBestHeight + 200 + testPolicy.TimeLockDelta,
	}
	copy(htlc.PaymentHash[:], rhash)

	var b bytes.Buffer
	require.NoError(t, onion.Encode(&b))
	copy(htlc.OnionBlob[:], b.Bytes())

	return htlc, sessionKey, carolKey
}

// TestLinkExitHopSettle walks an HTLC paying bob himself through the link:
// after the add locks in, the link settles it against the invoice registry
// and hands the preimage back to alice.
func TestLinkExitHopSettle(t *testing.T) {
	t.Parallel()

	h := newLinkHarness(t, testPolicy)

	const amt = lnwire.MilliSatoshi(100000000)
	htlc, preimage := h.exitHopHTLC(t, amt)

	h.sendAddFromAlice(t, htlc)

	// The link should have settled the HTLC and notified the peer.
	settleMsg, err := h.peer.popMessage()
	require.NoError(t, err)
	settle, ok := settleMsg.(*lnwire.UpdateFulfillHTLC)
	require.True(t, ok)
	require.Equal(t, preimage, settle.PaymentPreimage)
	require.Equal(t, uint64(0), settle.ID)

	// The invoice registry should have recorded the settled amount.
	require.Equal(t, amt, h.registry.settled[preimage.Hash()])

	// Alice accepts the preimage, removing the HTLC from her log.
	err = h.aliceChannel.ReceiveHTLCSettle(preimage, 0)
	require.NoError(t, err)

	// Nothing should have crossed towards the switch.
	require.Empty(t, h.forwarded)
}

// TestLinkExitHopUnknownInvoice asserts that an HTLC paying bob without a
// matching invoice is failed back with an encrypted incorrect details
// failure.
func TestLinkExitHopUnknownInvoice(t *testing.T) {
	t.Parallel()

	h := newLinkHarness(t, testPolicy)

	const amt = lnwire.MilliSatoshi(100000000)
	htlc, _ := h.exitHopHTLC(t, amt)

	// Wipe the registry so the lookup misses.
	h.registry = newMockRegistry()
	h.link.cfg.Registry = h.registry

	h.sendAddFromAlice(t, htlc)

	failMsg, err := h.peer.popMessage()
	require.NoError(t, err)
	fail, ok := failMsg.(*lnwire.UpdateFailHTLC)
	require.True(t, ok)

	// The reason must be opaque on the wire.
	_, err = lnwire.DecodeFailure(bytes.NewReader(fail.Reason), 0)
	require.Error(t, err)

	// Alice's update log entry is removed when she accepts the fail.
	err = h.aliceChannel.ReceiveFailHTLC(0, fail.Reason)
	require.NoError(t, err)

	require.Empty(t, h.forwarded)
}

// TestLinkForwardHTLC asserts that a multi hop HTLC satisfying the policy is
// peeled and handed to the switch with the forwarding instructions applied.
func TestLinkForwardHTLC(t *testing.T) {
	t.Parallel()

	h := newLinkHarness(t, testPolicy)

	nextChan := lnwire.NewShortChanIDFromInt(42)
	const fwdAmt = lnwire.MilliSatoshi(1500000)

	// Pay a fee comfortably above the policy's 650 msat requirement.
	htlc, _, carolKey := h.forwardHTLC(t, fwdAmt+1000, fwdAmt, nextChan)

	h.sendAddFromAlice(t, htlc)

	require.Len(t, h.forwarded, 1)
	pkt := h.forwarded[0]

	require.Equal(t, nextChan, pkt.outgoingChanID)
	require.Equal(t, fwdAmt, pkt.amount)
	require.Equal(t, fwdAmt+1000, pkt.incomingAmount)
	require.Equal(t, uint32(testBestHeight+200), pkt.outgoingTimeout)
	require.NotNil(t, pkt.obfuscator)

	// The peeled onion must terminate at carol.
	fwdAdd, ok := pkt.htlc.(*lnwire.UpdateAddHTLC)
	require.True(t, ok)

	carolProcessor := hop.NewOnionProcessor(sphinx.NewRouter(
		&keychain.PrivKeyECDH{PrivKey: carolKey},
		sphinx.NewMemoryReplayLog(),
	))
	require.NoError(t, carolProcessor.Start())
	t.Cleanup(func() { _ = carolProcessor.Stop() })

	iterator, failCode := carolProcessor.DecodeHopIterator(
		bytes.NewReader(fwdAdd.OnionBlob[:]), htlc.PaymentHash[:],
		fwdAdd.Expiry,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	fwdInfo, err := iterator.ForwardingInstructions()
	require.NoError(t, err)
	require.Equal(t, hop.Exit, fwdInfo.NextHop)
}

// TestLinkForwardInsufficientFee asserts that an underpaying HTLC is failed
// back to alice with an encrypted fee insufficient failure attributable to
// bob, and never reaches the switch.
func TestLinkForwardInsufficientFee(t *testing.T) {
	t.Parallel()

	h := newLinkHarness(t, testPolicy)

	nextChan := lnwire.NewShortChanIDFromInt(42)
	const fwdAmt = lnwire.MilliSatoshi(1500000)

	// Leave only 100 msat of fee where the policy demands 650.
	htlc, sessionKey, carolKey := h.forwardHTLC(
		t, fwdAmt+100, fwdAmt, nextChan,
	)

	h.sendAddFromAlice(t, htlc)

	// The HTLC must not have been handed to the switch.
	require.Empty(t, h.forwarded)

	failMsg, err := h.peer.popMessage()
	require.NoError(t, err)
	fail, ok := failMsg.(*lnwire.UpdateFailHTLC)
	require.True(t, ok)
	require.Equal(t, uint64(0), fail.ID)

	// The sender decrypts the failure and attributes it to bob.
	decrypter := NewSphinxErrorDecrypter(&sphinx.Circuit{
		SessionKey: sessionKey,
		PaymentPath: []*btcec.PublicKey{
			h.bobNodeKey.PubKey(), carolKey.PubKey(),
		},
	})

	fwdErr, err := decrypter.DecryptError(fail.Reason)
	require.NoError(t, err)
	require.Equal(t, 1, fwdErr.FailureSourceIdx)
	require.IsType(t, &lnwire.FailFeeInsufficient{}, fwdErr.WireMessage())

	// Alice removes the HTLC from her log on receipt of the failure.
	err = h.aliceChannel.ReceiveFailHTLC(0, fail.Reason)
	require.NoError(t, err)
}
