package lnwire

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/lntypes"
	"github.com/stretchr/testify/require"
)

var (
	testPrivKeyBytes = []byte{
		0x81, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x63, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0xd8, 0x2f, 0x1d, 0x2b, 0x21, 0x7c, 0x5a, 0xd1,
		0xd6, 0x4c, 0xdf, 0x2b, 0x09, 0x9c, 0x1f, 0x10,
	}

	testChanID = ChannelID{0x01, 0x02, 0x03}
)

// roundTripMessage encodes and decodes the passed message, asserting the
// decoded variant is identical to the original.
func roundTripMessage(t *testing.T, msg Message) {
	t.Helper()

	var b bytes.Buffer
	_, err := WriteMessage(&b, msg, 0)
	require.NoError(t, err)

	decoded, err := ReadMessage(&b, 0)
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

// TestChannelIDOutPointConversion asserts than a ChannelID and its original
// funding outpoint remain linked through the XOR transformation.
func TestChannelIDOutPointConversion(t *testing.T) {
	t.Parallel()

	var txid chainhash.Hash
	copy(txid[:], bytes.Repeat([]byte{0xab}, 32))

	for _, index := range []uint32{0, 1, 42, 65534} {
		op := wire.OutPoint{Hash: txid, Index: index}

		cid := NewChanIDFromOutPoint(op)
		require.True(t, cid.IsChanPoint(&op))

		// Flipping the index should break the link.
		opWrong := wire.OutPoint{Hash: txid, Index: index + 1}
		require.False(t, cid.IsChanPoint(&opWrong))
	}
}

// TestSigConversion asserts a DER signature round-trips through the
// fixed-size wire representation and still verifies.
func TestSigConversion(t *testing.T) {
	t.Parallel()

	priv, pub := btcec.PrivKeyFromBytes(testPrivKeyBytes)

	digest := sha256.Sum256([]byte("sign me"))
	ecdsaSig := ecdsa.Sign(priv, digest[:])

	wireSig, err := NewSigFromSignature(ecdsaSig)
	require.NoError(t, err)

	recovered, err := wireSig.ToSignature()
	require.NoError(t, err)
	require.True(t, recovered.Verify(digest[:], pub))
}

// TestMessageRoundTrip asserts that each channel update message survives an
// encode/decode cycle through the message framing.
func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	priv, pub := btcec.PrivKeyFromBytes(testPrivKeyBytes)
	digest := sha256.Sum256([]byte("commitment"))
	wireSig, err := NewSigFromSignature(ecdsa.Sign(priv, digest[:]))
	require.NoError(t, err)

	var preimage lntypes.Preimage
	copy(preimage[:], bytes.Repeat([]byte{0x0f}, 32))

	addMsg := &UpdateAddHTLC{
		ChanID:      testChanID,
		ID:          99,
		Amount:      55000,
		PaymentHash: preimage.Hash(),
		Expiry:      144,
	}
	copy(addMsg.OnionBlob[:], bytes.Repeat([]byte{0x05}, OnionPacketSize))

	msgs := []Message{
		addMsg,
		&UpdateFulfillHTLC{
			ChanID:          testChanID,
			ID:              99,
			PaymentPreimage: preimage,
		},
		&UpdateFailHTLC{
			ChanID: testChanID,
			ID:     12,
			Reason: OpaqueReason(bytes.Repeat([]byte{0xaa}, 292)),
		},
		&CommitSig{
			ChanID:    testChanID,
			CommitSig: wireSig,
			HtlcSigs:  []Sig{wireSig, wireSig},
		},
		&RevokeAndAck{
			ChanID:            testChanID,
			Revocation:        [32]byte{0x02},
			NextRevocationKey: pub,
		},
		&UpdateFee{
			ChanID:   testChanID,
			FeePerKw: 253,
		},
		&Shutdown{
			ChannelID: testChanID,
			Address:   bytes.Repeat([]byte{0x01}, 22),
		},
		&ClosingSigned{
			ChannelID:   testChanID,
			FeeSatoshis: 5000,
			Signature:   wireSig,
		},
	}

	for _, msg := range msgs {
		msg := msg
		t.Run(msg.MsgType().String(), func(t *testing.T) {
			roundTripMessage(t, msg)
		})
	}
}

// TestCommitSigEmptyHtlcSigs asserts that a CommitSig with no HTLC
// signatures decodes with a nil slice rather than an empty one.
func TestCommitSigEmptyHtlcSigs(t *testing.T) {
	t.Parallel()

	priv, _ := btcec.PrivKeyFromBytes(testPrivKeyBytes)
	digest := sha256.Sum256([]byte("commitment"))
	wireSig, err := NewSigFromSignature(ecdsa.Sign(priv, digest[:]))
	require.NoError(t, err)

	msg := &CommitSig{
		ChanID:    testChanID,
		CommitSig: wireSig,
	}

	var b bytes.Buffer
	_, err = WriteMessage(&b, msg, 0)
	require.NoError(t, err)

	decoded, err := ReadMessage(&b, 0)
	require.NoError(t, err)
	require.Nil(t, decoded.(*CommitSig).HtlcSigs)
}

// TestUnknownMessageType asserts an error is returned when parsing a message
// type we have no codec for.
func TestUnknownMessageType(t *testing.T) {
	t.Parallel()

	b := bytes.NewReader([]byte{0xff, 0xff})
	_, err := ReadMessage(b, 0)
	require.Error(t, err)
}

// TestFailureMessageRoundTrip asserts onion failure messages survive the
// fixed-size failure encoding, including padding.
func TestFailureMessageRoundTrip(t *testing.T) {
	t.Parallel()

	onionBlob := bytes.Repeat([]byte{0x05}, OnionPacketSize)

	failures := []FailureMessage{
		&FailTemporaryNodeFailure{},
		&FailPermanentNodeFailure{},
		NewInvalidOnionVersion(onionBlob),
		NewInvalidOnionHmac(onionBlob),
		NewInvalidOnionKey(onionBlob),
		&FailTemporaryChannelFailure{},
		&FailPermanentChannelFailure{},
		&FailUnknownNextPeer{},
		NewAmountBelowMinimum(1000),
		NewFeeInsufficient(1000),
		NewIncorrectCltvExpiry(288),
		NewExpiryTooSoon(),
		NewFailIncorrectDetails(42000),
		NewFinalIncorrectCltvExpiry(288),
		NewFinalIncorrectHtlcAmount(42000),
		&FailExpiryTooFar{},
	}

	for _, failure := range failures {
		failure := failure
		t.Run(failure.Code().String(), func(t *testing.T) {
			var b bytes.Buffer
			require.NoError(t, EncodeFailure(&b, failure, 0))

			// All encoded failures are fixed size: 2-byte failure
			// length, the failure, 2-byte pad length and the pad.
			require.Equal(t, FailureMessageLength+4, b.Len())

			decoded, err := DecodeFailure(&b, 0)
			require.NoError(t, err)
			require.Equal(t, failure, decoded)
		})
	}
}
