package hop

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/chancore/chancore/keychain"
	"github.com/chancore/chancore/lnwire"
	sphinx "github.com/chancore/chancore/sphinx"
	"github.com/stretchr/testify/require"
)

// testHop bundles a hop's private key with a started onion processor for it.
type testHop struct {
	priv      *btcec.PrivateKey
	processor *OnionProcessor
}

func newTestHop(t *testing.T, keyByte byte) *testHop {
	t.Helper()

	var keyBytes [32]byte
	keyBytes[0] = keyByte
	keyBytes[31] = 0x01
	priv, _ := btcec.PrivKeyFromBytes(keyBytes[:])

	router := sphinx.NewRouter(
		&keychain.PrivKeyECDH{PrivKey: priv},
		sphinx.NewMemoryReplayLog(),
	)
	processor := NewOnionProcessor(router)
	require.NoError(t, processor.Start())
	t.Cleanup(func() { _ = processor.Stop() })

	return &testHop{
		priv:      priv,
		processor: processor,
	}
}

// buildTestOnion constructs a two hop onion bob -> carol, instructing bob to
// forward to the given channel.
func buildTestOnion(t *testing.T, bob, carol *testHop,
	nextChan lnwire.ShortChannelID, rhash []byte) (*btcec.PrivateKey,
	lnwire.UpdateAddHTLC) {

	t.Helper()

	var sessionBytes [32]byte
	sessionBytes[0] = 0x99
	sessionBytes[31] = 0x01
	sessionKey, _ := btcec.PrivKeyFromBytes(sessionBytes[:])

	var path sphinx.PaymentPath
	path[0].NodePub = *bob.priv.PubKey()
	binary.BigEndian.PutUint64(
		path[0].HopData.NextAddress[:], nextChan.ToUint64(),
	)
	path[0].HopData.ForwardAmount = 1000
	path[0].HopData.OutgoingCltv = 100010

	path[1].NodePub = *carol.priv.PubKey()
	path[1].HopData.ForwardAmount = 1000
	path[1].HopData.OutgoingCltv = 100010

	onion, err := sphinx.NewOnionPacket(&path, sessionKey, rhash)
	require.NoError(t, err)

	htlc := lnwire.UpdateAddHTLC{
		Amount: 1050,
		Expiry: 100050,
	}
	copy(htlc.PaymentHash[:], rhash)

	var b bytes.Buffer
	require.NoError(t, onion.Encode(&b))
	copy(htlc.OnionBlob[:], b.Bytes())

	return sessionKey, htlc
}

// TestOnionDecodeTwoHops peels a two hop onion at each node in turn,
// checking the forwarding instructions recovered at the intermediate hop and
// the exit signal at the final hop.
func TestOnionDecodeTwoHops(t *testing.T) {
	t.Parallel()

	bob := newTestHop(t, 0x02)
	carol := newTestHop(t, 0x03)

	nextChan := lnwire.NewShortChanIDFromInt(42)
	rhash := bytes.Repeat([]byte{0xaa}, 32)

	_, htlc := buildTestOnion(t, bob, carol, nextChan, rhash)

	// Bob peels the first layer and should be told to forward.
	iterator, failCode := bob.processor.DecodeHopIterator(
		bytes.NewReader(htlc.OnionBlob[:]), rhash, htlc.Expiry,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	fwdInfo, err := iterator.ForwardingInstructions()
	require.NoError(t, err)
	require.Equal(t, nextChan, fwdInfo.NextHop)
	require.Equal(t, lnwire.MilliSatoshi(1000), fwdInfo.AmountToForward)
	require.Equal(t, uint32(100010), fwdInfo.OutgoingCTLV)

	// The peeled packet is handed to carol, who should detect that she
	// is the exit hop.
	var nextOnion bytes.Buffer
	require.NoError(t, iterator.EncodeNextHop(&nextOnion))

	finalIterator, failCode := carol.processor.DecodeHopIterator(
		bytes.NewReader(nextOnion.Bytes()), rhash,
		fwdInfo.OutgoingCTLV,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	finalInfo, err := finalIterator.ForwardingInstructions()
	require.NoError(t, err)
	require.Equal(t, Exit, finalInfo.NextHop)
	require.Equal(t, lnwire.MilliSatoshi(1000), finalInfo.AmountToForward)
}

// TestOnionDecodeReplay asserts that processing the same onion twice at a
// hop is rejected by the replay log.
func TestOnionDecodeReplay(t *testing.T) {
	t.Parallel()

	bob := newTestHop(t, 0x02)
	carol := newTestHop(t, 0x03)

	rhash := bytes.Repeat([]byte{0xbb}, 32)
	_, htlc := buildTestOnion(
		t, bob, carol, lnwire.NewShortChanIDFromInt(42), rhash,
	)

	_, failCode := bob.processor.DecodeHopIterator(
		bytes.NewReader(htlc.OnionBlob[:]), rhash, htlc.Expiry,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	_, failCode = bob.processor.DecodeHopIterator(
		bytes.NewReader(htlc.OnionBlob[:]), rhash, htlc.Expiry,
	)
	require.NotEqual(t, lnwire.CodeNone, failCode)
}

// TestOnionDecodeBadHMAC asserts that a tampered onion fails the integrity
// check with an HMAC failure code.
func TestOnionDecodeBadHMAC(t *testing.T) {
	t.Parallel()

	bob := newTestHop(t, 0x02)
	carol := newTestHop(t, 0x03)

	rhash := bytes.Repeat([]byte{0xcc}, 32)
	_, htlc := buildTestOnion(
		t, bob, carol, lnwire.NewShortChanIDFromInt(42), rhash,
	)

	// Flip a byte inside the routing info portion of the packet.
	htlc.OnionBlob[100] ^= 0x01

	_, failCode := bob.processor.DecodeHopIterator(
		bytes.NewReader(htlc.OnionBlob[:]), rhash, htlc.Expiry,
	)
	require.Equal(t, lnwire.CodeInvalidOnionHmac, failCode)
}

// TestExtractErrorEncrypter checks that each hop can derive a working error
// encrypter from the onion's ephemeral key.
func TestExtractErrorEncrypter(t *testing.T) {
	t.Parallel()

	bob := newTestHop(t, 0x02)
	carol := newTestHop(t, 0x03)

	rhash := bytes.Repeat([]byte{0xdd}, 32)
	_, htlc := buildTestOnion(
		t, bob, carol, lnwire.NewShortChanIDFromInt(42), rhash,
	)

	iterator, failCode := bob.processor.DecodeHopIterator(
		bytes.NewReader(htlc.OnionBlob[:]), rhash, htlc.Expiry,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	encrypter, failCode := iterator.ExtractErrorEncrypter(
		bob.processor.ExtractErrorEncrypter,
	)
	require.Equal(t, lnwire.CodeNone, failCode)
	require.Equal(t, EncrypterTypeSphinx, encrypter.Type())

	reason, err := encrypter.EncryptFirstHop(lnwire.NewExpiryTooSoon())
	require.NoError(t, err)
	require.NotEmpty(t, reason)
}

// TestErrorEncrypterSerialization round trips a sphinx error encrypter
// through Encode/Decode/Reextract, asserting the rebuilt encrypter produces
// the same ciphertext as the original.
func TestErrorEncrypterSerialization(t *testing.T) {
	t.Parallel()

	bob := newTestHop(t, 0x02)
	carol := newTestHop(t, 0x03)

	rhash := bytes.Repeat([]byte{0xee}, 32)
	_, htlc := buildTestOnion(
		t, bob, carol, lnwire.NewShortChanIDFromInt(42), rhash,
	)

	iterator, failCode := bob.processor.DecodeHopIterator(
		bytes.NewReader(htlc.OnionBlob[:]), rhash, htlc.Expiry,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	encrypter, failCode := iterator.ExtractErrorEncrypter(
		bob.processor.ExtractErrorEncrypter,
	)
	require.Equal(t, lnwire.CodeNone, failCode)

	var b bytes.Buffer
	require.NoError(t, encrypter.Encode(&b))

	restored := NewSphinxErrorEncrypter()
	require.NoError(t, restored.Decode(&b))
	require.NoError(
		t, restored.Reextract(bob.processor.ExtractErrorEncrypter),
	)

	reason := []byte("encrypted reason from downstream")
	original := encrypter.IntermediateEncrypt(reason)
	rebuilt := restored.IntermediateEncrypt(reason)
	require.Equal(t, original, rebuilt)
}
