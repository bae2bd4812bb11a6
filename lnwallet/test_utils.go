package lnwallet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/channeldb"
	"github.com/chancore/chancore/input"
	"github.com/chancore/chancore/keychain"
	"github.com/chancore/chancore/lnwallet/chainfee"
	"github.com/chancore/chancore/lnwire"
	"github.com/chancore/chancore/shachain"
)

var (
	// testHdSeed is used to generate the outpoint of the test funding
	// transaction.
	testHdSeed = chainhash.Hash{
		0xb7, 0x94, 0x38, 0x5f, 0x2d, 0x1e, 0xf7, 0xab,
		0x4d, 0x92, 0x73, 0xd1, 0x90, 0x63, 0x81, 0xb4,
		0x4f, 0x2f, 0x6f, 0x25, 0x88, 0xa3, 0xef, 0xb9,
		0x6a, 0x49, 0x18, 0x83, 0x31, 0x98, 0x47, 0x53,
	}

	aliceSeed = [32]byte{
		0x81, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x63, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0xd, 0xe7, 0x95, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xfd, 0x9e, 0xc5, 0x8c, 0xe9,
	}

	bobSeed = [32]byte{
		0x74, 0x2c, 0xcf, 0x7b, 0x53, 0x8f, 0xa1, 0x4d,
		0xdd, 0xc1, 0x48, 0x64, 0xf5, 0x31, 0x54, 0x5a,
		0x5f, 0x20, 0x1f, 0x27, 0x04, 0xaf, 0x2e, 0x9f,
		0xf2, 0x19, 0x6c, 0x62, 0x4d, 0xf1, 0x6e, 0x85,
	}
)

// testSigner is a simple implementation of the input.Signer interface backed
// by a static set of private keys. It is only suitable for tests.
type testSigner struct {
	privkeys []*btcec.PrivateKey
}

// SignOutputRaw generates a signature for the passed transaction according to
// the data within the passed SignDescriptor.
func (t *testSigner) SignOutputRaw(tx *wire.MsgTx,
	signDesc *input.SignDescriptor) (input.Signature, error) {

	privKey := t.findKey(signDesc.KeyDesc.PubKey)
	if privKey == nil {
		return nil, errors.New("unknown public key")
	}

	switch {
	case signDesc.SingleTweak != nil:
		privKey = input.TweakPrivKey(privKey, signDesc.SingleTweak)

	case signDesc.DoubleTweak != nil:
		privKey = input.DeriveRevocationPrivKey(
			privKey, signDesc.DoubleTweak,
		)
	}

	amt := signDesc.Output.Value
	sig, err := txscript.RawTxInWitnessSignature(
		tx, signDesc.SigHashes, signDesc.InputIndex, amt,
		signDesc.WitnessScript, signDesc.HashType, privKey,
	)
	if err != nil {
		return nil, err
	}

	// Chop off the sighash flag at the end of the signature.
	return ecdsa.ParseDERSignature(sig[:len(sig)-1])
}

// ComputeInputScript is not required by the channel state machine, and is
// unimplemented for the test signer.
func (t *testSigner) ComputeInputScript(tx *wire.MsgTx,
	signDesc *input.SignDescriptor) (*input.Script, error) {

	return nil, errors.New("unimplemented")
}

// findKey locates the private key corresponding to the passed public key.
func (t *testSigner) findKey(needle *btcec.PublicKey) *btcec.PrivateKey {
	for _, privkey := range t.privkeys {
		if privkey.PubKey().IsEqual(needle) {
			return privkey
		}
	}

	return nil
}

// deriveTestKeys deterministically derives a set of private keys from the
// passed seed, one per key family used within a channel config.
func deriveTestKeys(seed [32]byte, numKeys int) []*btcec.PrivateKey {
	keys := make([]*btcec.PrivateKey, numKeys)
	for i := 0; i < numKeys; i++ {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], uint64(i))

		keyBytes := sha256.Sum256(append(seed[:], idx[:]...))
		keys[i], _ = btcec.PrivKeyFromBytes(keyBytes[:])
	}

	return keys
}

// testChannelParty bundles the secrets backing one side of a test channel.
type testChannelParty struct {
	keys     []*btcec.PrivateKey
	signer   *testSigner
	producer shachain.Producer
	cfg      channeldb.ChannelConfig
}

// newTestChannelParty derives the full set of keys and the revocation
// producer for one side of a test channel.
func newTestChannelParty(seed [32]byte, csvDelay uint16,
	dustLimit btcutil.Amount,
	capacity btcutil.Amount) (*testChannelParty, error) {

	keys := deriveTestKeys(seed, 5)

	prodSeed := sha256.Sum256(append(seed[:], []byte("revocation")...))
	root, err := chainhash.NewHash(prodSeed[:])
	if err != nil {
		return nil, err
	}
	producer := shachain.NewRevocationProducer(*root)

	cfg := channeldb.ChannelConfig{
		ChannelConstraints: channeldb.ChannelConstraints{
			DustLimit:        dustLimit,
			MaxPendingAmount: lnwire.NewMSatFromSatoshis(capacity),
			ChanReserve:      capacity / 100,
			MinHTLC:          0,
			MaxAcceptedHtlcs: uint16(input.MaxHTLCNumber / 2),
			CsvDelay:         csvDelay,
		},
		MultiSigKey: keychain.KeyDescriptor{
			PubKey: keys[0].PubKey(),
		},
		RevocationBasePoint: keychain.KeyDescriptor{
			PubKey: keys[1].PubKey(),
		},
		PaymentBasePoint: keychain.KeyDescriptor{
			PubKey: keys[2].PubKey(),
		},
		DelayBasePoint: keychain.KeyDescriptor{
			PubKey: keys[3].PubKey(),
		},
		HtlcBasePoint: keychain.KeyDescriptor{
			PubKey: keys[4].PubKey(),
		},
	}

	return &testChannelParty{
		keys:     keys,
		signer:   &testSigner{privkeys: keys},
		producer: producer,
		cfg:      cfg,
	}, nil
}

// CreateTestChannels creates two fully populated channels to be used within
// testing fixtures. The channels will be returned as if the funding process
// has just completed. The channel itself is funded with 10 BTC, with 5 BTC
// allocated to each side. Within the channel, Alice is the initiator.
func CreateTestChannels(t *testing.T) (*LightningChannel, *LightningChannel,
	error) {

	t.Helper()

	channelCapacity := btcutil.Amount(10 * btcutil.SatoshiPerBitcoin)
	channelBal := channelCapacity / 2

	alice, err := newTestChannelParty(
		aliceSeed, 5, DefaultDustLimit, channelCapacity,
	)
	if err != nil {
		return nil, nil, err
	}
	bob, err := newTestChannelParty(
		bobSeed, 4, DefaultDustLimit, channelCapacity,
	)
	if err != nil {
		return nil, nil, err
	}

	// Both sides gain visibility of the very first commitment point of
	// the counterparty during the funding flow, so derive those here.
	aliceFirstRevoke, err := alice.producer.AtIndex(0)
	if err != nil {
		return nil, nil, err
	}
	aliceCommitPoint := input.ComputeCommitmentPoint(aliceFirstRevoke[:])

	bobFirstRevoke, err := bob.producer.AtIndex(0)
	if err != nil {
		return nil, nil, err
	}
	bobCommitPoint := input.ComputeCommitmentPoint(bobFirstRevoke[:])

	fundingTxIn := wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  testHdSeed,
			Index: 0,
		},
	}

	estimator := chainfee.NewStaticEstimator(6000, 0)
	feePerKw, err := estimator.EstimateFeePerKW(1)
	if err != nil {
		return nil, nil, err
	}
	commitFee := feePerKw.FeeForWeight(input.CommitWeight)

	// As the initiator, Alice pays the commitment fee from her output.
	aliceBalance := lnwire.NewMSatFromSatoshis(channelBal - commitFee)
	bobBalance := lnwire.NewMSatFromSatoshis(channelBal)

	obfuscator := DeriveStateHintObfuscator(
		alice.cfg.PaymentBasePoint.PubKey,
		bob.cfg.PaymentBasePoint.PubKey,
	)

	// Generate the initial commitment transactions for both parties,
	// which simply split the channel balance with no HTLC outputs.
	aliceKeyRing := DeriveCommitmentKeys(
		aliceCommitPoint, true, &alice.cfg, &bob.cfg,
	)
	aliceCommitTx, err := CreateCommitTx(
		fundingTxIn, aliceKeyRing, &alice.cfg, &bob.cfg,
		aliceBalance.ToSatoshis(), bobBalance.ToSatoshis(),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := SetStateNumHint(aliceCommitTx, 0, obfuscator); err != nil {
		return nil, nil, err
	}
	txsort.InPlaceCommitSort(
		aliceCommitTx, make([]uint32, len(aliceCommitTx.TxOut)),
	)

	bobKeyRing := DeriveCommitmentKeys(
		bobCommitPoint, true, &bob.cfg, &alice.cfg,
	)
	bobCommitTx, err := CreateCommitTx(
		fundingTxIn, bobKeyRing, &bob.cfg, &alice.cfg,
		bobBalance.ToSatoshis(), aliceBalance.ToSatoshis(),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := SetStateNumHint(bobCommitTx, 0, obfuscator); err != nil {
		return nil, nil, err
	}
	txsort.InPlaceCommitSort(
		bobCommitTx, make([]uint32, len(bobCommitTx.TxOut)),
	)

	aliceCommit := channeldb.ChannelCommitment{
		CommitHeight:  0,
		LocalBalance:  aliceBalance,
		RemoteBalance: bobBalance,
		CommitFee:     commitFee,
		FeePerKw:      btcutil.Amount(feePerKw),
		CommitTx:      aliceCommitTx,
		CommitSig:     testSigBytes,
	}
	bobCommit := channeldb.ChannelCommitment{
		CommitHeight:  0,
		LocalBalance:  bobBalance,
		RemoteBalance: aliceBalance,
		CommitFee:     commitFee,
		FeePerKw:      btcutil.Amount(feePerKw),
		CommitTx:      bobCommitTx,
		CommitSig:     testSigBytes,
	}

	aliceDb, err := channeldb.Open(t.TempDir())
	if err != nil {
		return nil, nil, err
	}
	t.Cleanup(func() { aliceDb.Close() })

	bobDb, err := channeldb.Open(t.TempDir())
	if err != nil {
		return nil, nil, err
	}
	t.Cleanup(func() { bobDb.Close() })

	prevOut := wire.OutPoint{Hash: testHdSeed, Index: 0}
	shortChanID := lnwire.NewShortChanIDFromInt(1)

	aliceState := &channeldb.OpenChannel{
		ChanType:                channeldb.SingleFunder,
		FundingOutpoint:         prevOut,
		ShortChannelID:          shortChanID,
		IsInitiator:             true,
		Capacity:                channelCapacity,
		IdentityPub:             alice.keys[0].PubKey(),
		LocalChanCfg:            alice.cfg,
		RemoteChanCfg:           bob.cfg,
		LocalCommitment:         aliceCommit,
		RemoteCommitment:        bobCommit,
		RemoteCurrentRevocation: bobCommitPoint,
		RevocationProducer:      alice.producer,
		RevocationStore:         shachain.NewRevocationStore(),
		Db:                      aliceDb,
	}
	bobState := &channeldb.OpenChannel{
		ChanType:                channeldb.SingleFunder,
		FundingOutpoint:         prevOut,
		ShortChannelID:          shortChanID,
		IsInitiator:             false,
		Capacity:                channelCapacity,
		IdentityPub:             bob.keys[0].PubKey(),
		LocalChanCfg:            bob.cfg,
		RemoteChanCfg:           alice.cfg,
		LocalCommitment:         bobCommit,
		RemoteCommitment:        aliceCommit,
		RemoteCurrentRevocation: aliceCommitPoint,
		RevocationProducer:      bob.producer,
		RevocationStore:         shachain.NewRevocationStore(),
		Db:                      bobDb,
	}

	if err := aliceState.FullSync(); err != nil {
		return nil, nil, err
	}
	if err := bobState.FullSync(); err != nil {
		return nil, nil, err
	}

	channelAlice, err := NewLightningChannel(alice.signer, aliceState)
	if err != nil {
		return nil, nil, err
	}
	channelBob, err := NewLightningChannel(bob.signer, bobState)
	if err != nil {
		return nil, nil, err
	}

	// During the funding flow both sides exchange the second commitment
	// point as well, which extends the revocation window to allow the
	// very first state transition.
	aliceNextRevoke, err := channelAlice.NextRevocationKey()
	if err != nil {
		return nil, nil, err
	}
	if err := channelBob.InitNextRevocation(aliceNextRevoke); err != nil {
		return nil, nil, err
	}

	bobNextRevoke, err := channelBob.NextRevocationKey()
	if err != nil {
		return nil, nil, err
	}
	if err := channelAlice.InitNextRevocation(bobNextRevoke); err != nil {
		return nil, nil, err
	}

	return channelAlice, channelBob, nil
}

// testSigBytes is a placeholder remote signature used to populate the
// initial commitment state in tests.
var testSigBytes = []byte{
	0x30, 0x44, 0x02, 0x20, 0x4e, 0x45, 0xe1, 0x69,
	0x32, 0xb8, 0xaf, 0x51, 0x49, 0x61, 0xa1, 0xd3,
	0xa1, 0xa2, 0x5f, 0xdf, 0x3f, 0x4f, 0x77, 0x32,
	0xe9, 0xd6, 0x24, 0xc6, 0xc6, 0x15, 0x48, 0xab,
	0x5f, 0xb8, 0xcd, 0x41, 0x02, 0x20, 0x18, 0x15,
	0x22, 0xec, 0x8e, 0xca, 0x07, 0xde, 0x48, 0x60,
	0xa4, 0xac, 0xdd, 0x12, 0x90, 0x9d, 0x83, 0x1c,
	0xc5, 0x6c, 0xbb, 0xac, 0x46, 0x22, 0x08, 0x22,
	0x21, 0xa8, 0x76, 0x8d, 0x1d, 0x09,
}

// ForceStateTransition executes the necessary interaction between the two
// commitment state machines to transition to a new commitment state locking
// in any pending updates.
func ForceStateTransition(chanA, chanB *LightningChannel) error {
	aliceSig, aliceHtlcSigs, err := chanA.SignNextCommitment()
	if err != nil {
		return err
	}
	err = chanB.ReceiveNewCommitment(aliceSig, aliceHtlcSigs)
	if err != nil {
		return err
	}

	bobRevocation, _, err := chanB.RevokeCurrentCommitment()
	if err != nil {
		return err
	}
	bobSig, bobHtlcSigs, err := chanB.SignNextCommitment()
	if err != nil {
		return err
	}

	if _, err := chanA.ReceiveRevocation(bobRevocation); err != nil {
		return err
	}
	err = chanA.ReceiveNewCommitment(bobSig, bobHtlcSigs)
	if err != nil {
		return err
	}

	aliceRevocation, _, err := chanA.RevokeCurrentCommitment()
	if err != nil {
		return err
	}
	if _, err := chanB.ReceiveRevocation(aliceRevocation); err != nil {
		return err
	}

	return nil
}
