package lnwallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/channeldb"
	"github.com/chancore/chancore/input"
	"github.com/chancore/chancore/lnwallet/chainfee"
	"github.com/chancore/chancore/lnwire"
)

// CommitmentKeyRing holds all derived keys needed to construct commitment and
// HTLC transactions. The keys are derived differently depending whether the
// commitment transaction is ours or the remote peer's. Private keys
// associated with each key may belong to the commitment owner or the "other
// party" which is referred to in the field comments, regardless of which is
// local and which is remote.
type CommitmentKeyRing struct {
	// CommitPoint is the "per commitment point" used to derive the tweak
	// for each base point.
	CommitPoint *btcec.PublicKey

	// LocalCommitKeyTweak is the tweak used to derive the local public
	// key from the local payment base point or the local private key from
	// the base point secret. This may be included in a SignDescriptor to
	// generate signatures for the local payment key.
	LocalCommitKeyTweak []byte

	// LocalHtlcKeyTweak is the tweak used to derive the local HTLC key
	// from the local HTLC base point. This value is needed in order to
	// derive the final key used within the HTLC scripts in the commitment
	// transaction.
	LocalHtlcKeyTweak []byte

	// LocalHtlcKey is the key that will be used in any clause paying to
	// our node of any HTLC scripts within the commitment transaction for
	// this key ring set.
	LocalHtlcKey *btcec.PublicKey

	// RemoteHtlcKey is the key that will be used in clauses within the
	// HTLC script that send money to the remote party.
	RemoteHtlcKey *btcec.PublicKey

	// ToLocalKey is the commitment transaction owner's key which is
	// included in HTLC success and timeout transaction scripts.
	ToLocalKey *btcec.PublicKey

	// ToRemoteKey is the non-owner's payment key in the commitment tx.
	ToRemoteKey *btcec.PublicKey

	// RevocationKey is the key that can be used by the other party to
	// redeem outputs from a revoked commitment transaction if it were to
	// be published.
	RevocationKey *btcec.PublicKey
}

// DeriveCommitmentKeys generates a new commitment key set using the base
// points and commitment point. The keys are derived differently depending on
// the type of channel, and whether the commitment transaction is ours or the
// remote peer's.
func DeriveCommitmentKeys(commitPoint *btcec.PublicKey, isOurCommit bool,
	localChanCfg, remoteChanCfg *channeldb.ChannelConfig) *CommitmentKeyRing {

	// First, we'll derive all the keys that don't depend on the context of
	// whose commitment transaction this is.
	keyRing := &CommitmentKeyRing{
		CommitPoint: commitPoint,

		LocalCommitKeyTweak: input.SingleTweakBytes(
			commitPoint, localChanCfg.PaymentBasePoint.PubKey,
		),
		LocalHtlcKeyTweak: input.SingleTweakBytes(
			commitPoint, localChanCfg.HtlcBasePoint.PubKey,
		),
		LocalHtlcKey: input.TweakPubKeyWithPoint(
			localChanCfg.HtlcBasePoint.PubKey, commitPoint,
		),
		RemoteHtlcKey: input.TweakPubKeyWithPoint(
			remoteChanCfg.HtlcBasePoint.PubKey, commitPoint,
		),
	}

	// We'll now compute the to_local, to_remote, and revocation key based
	// on the current commitment point. All keys are tweaked with the
	// commitment point to ensure distinct keys per state.
	var (
		toLocalBasePoint    *btcec.PublicKey
		toRemoteBasePoint   *btcec.PublicKey
		revocationBasePoint *btcec.PublicKey
	)
	if isOurCommit {
		toLocalBasePoint = localChanCfg.DelayBasePoint.PubKey
		toRemoteBasePoint = remoteChanCfg.PaymentBasePoint.PubKey
		revocationBasePoint = remoteChanCfg.RevocationBasePoint.PubKey
	} else {
		toLocalBasePoint = remoteChanCfg.DelayBasePoint.PubKey
		toRemoteBasePoint = localChanCfg.PaymentBasePoint.PubKey
		revocationBasePoint = localChanCfg.RevocationBasePoint.PubKey
	}

	keyRing.ToLocalKey = input.TweakPubKeyWithPoint(toLocalBasePoint, commitPoint)
	keyRing.ToRemoteKey = input.TweakPubKeyWithPoint(toRemoteBasePoint, commitPoint)
	keyRing.RevocationKey = input.DeriveRevocationPubkey(
		revocationBasePoint, commitPoint,
	)

	return keyRing
}

// commitment represents a commitment to a new state within an active channel.
// New commitments can be initiated by either side. Commitments are ordered
// into a commitment chain, with one existing for both parties. Each side can
// independently extend the other side's commitment chain, up to a certain
// "revocation window", which once reached, disallows new commitments until
// the local nodes receives the revocation for the remote node's chain tail.
type commitment struct {
	// height represents the commitment height of this commitment, or the
	// update number of this commitment.
	height uint64

	// isOurs indicates whether this is the local or remote node's version
	// of the commitment.
	isOurs bool

	// ourMessageIndex is the message index in the local node's update log
	// that this commitment includes. Only updates with an index less than
	// this value are included in this commitment.
	ourMessageIndex uint64

	// ourHtlcIndex is the current local running HTLC index.
	ourHtlcIndex uint64

	// theirMessageIndex is the message index in the remote node's update
	// log that this commitment includes.
	theirMessageIndex uint64

	// theirHtlcIndex is the current remote running HTLC index.
	theirHtlcIndex uint64

	// txn is the commitment transaction generated by including any HTLC
	// updates whose index are below the two indexes listed above. If this
	// commitment is being added to the remote chain, then this txn is
	// their version of the commitment transaction. If the local commit
	// chain is being modified, then this txn is ours.
	txn *wire.MsgTx

	// sig is the signature generated by the remote party to the above
	// transaction.
	sig []byte

	// ourBalance is the balance of the commitment owner at this point in
	// the commitment chain. This balance is computed by properly
	// evaluating all the add/remove/settle log entries before the listed
	// indexes.
	ourBalance lnwire.MilliSatoshi

	// theirBalance is the balance of the non-owner of the commitment at
	// this point in the commitment chain.
	theirBalance lnwire.MilliSatoshi

	// fee is the amount that will be paid as fees for this commitment
	// transaction. The fee is recorded here so that it can be added back
	// and recalculated for each new update to the channel state.
	fee btcutil.Amount

	// feePerKw is the fee per kilo-weight used to calculate this
	// commitment transaction's fee.
	feePerKw chainfee.SatPerKWeight

	// dustLimit is the limit on the commitment transaction such that no
	// output values should be below this amount.
	dustLimit btcutil.Amount

	// outgoingHTLCs is a slice of all the outgoing HTLC's (from the
	// owner's point of view) included in this commitment.
	outgoingHTLCs []paymentDescriptor

	// incomingHTLCs is a slice of all the incoming HTLC's (from the
	// owner's point of view) included in this commitment.
	incomingHTLCs []paymentDescriptor

	// outgoingHTLCIndex is an index mapping an output index on the
	// commitment transaction to the outgoing HTLC it corresponds to.
	outgoingHTLCIndex map[int32]*paymentDescriptor

	// incomingHTLCIndex is an index mapping an output index on the
	// commitment transaction to the incoming HTLC it corresponds to.
	incomingHTLCIndex map[int32]*paymentDescriptor
}

// locateOutputIndex locates the output index of an HTLC on the commitment
// transaction by matching the HTLC's expected script and value against the
// outputs of the passed transaction.
func locateOutputIndex(p *paymentDescriptor, tx *wire.MsgTx, isOurCommit,
	isIncoming bool, dups map[lnwire.MilliSatoshi][]int32,
	keyRing *CommitmentKeyRing) (int32, error) {

	// Checks to see if an output index has already been assigned to
	// another HTLC with the same payment hash and value.
	haveDup := func(idx int32) bool {
		for _, dupIndex := range dups[p.Amount] {
			if dupIndex == idx {
				return true
			}
		}

		return false
	}

	pkScript, _, err := genHtlcScript(
		isIncoming, isOurCommit, p.Timeout, p.RHash, keyRing,
	)
	if err != nil {
		return 0, err
	}

	for i, txOut := range tx.TxOut {
		if txOut.Value != int64(p.Amount.ToSatoshis()) {
			continue
		}
		if !bytes.Equal(txOut.PkScript, pkScript) {
			continue
		}

		idx := int32(i)
		if haveDup(idx) {
			continue
		}

		dups[p.Amount] = append(dups[p.Amount], idx)
		return idx, nil
	}

	return 0, fmt.Errorf("unable to find htlc: script=%x, value=%v",
		pkScript, p.Amount)
}

// genHtlcScript generates both the pkScript and the witness script for the
// passed HTLC. Whether the script is the sender's or the receiver's version
// depends both on the direction of the HTLC and whose commitment transaction
// it will appear on.
func genHtlcScript(isIncoming, isOurCommit bool, timeout uint32,
	rHash [32]byte, keyRing *CommitmentKeyRing) ([]byte, []byte, error) {

	var (
		witnessScript []byte
		err           error
	)

	switch {
	// The HTLC is paying to us, and being applied to our commitment
	// transaction. So we need to use the receiver's version of the HTLC
	// script.
	case isIncoming && isOurCommit:
		witnessScript, err = input.ReceiverHTLCScript(
			timeout, keyRing.RemoteHtlcKey, keyRing.LocalHtlcKey,
			keyRing.RevocationKey, rHash[:],
		)

	// We're being paid via an HTLC by the remote party, and the HTLC is
	// being added to their commitment transaction, so we use the sender's
	// version of the HTLC script.
	case isIncoming && !isOurCommit:
		witnessScript, err = input.SenderHTLCScript(
			keyRing.RemoteHtlcKey, keyRing.LocalHtlcKey,
			keyRing.RevocationKey, rHash[:],
		)

	// We're sending an HTLC which is being added to our commitment
	// transaction. Therefore, we need to use the sender's version of the
	// HTLC script.
	case !isIncoming && isOurCommit:
		witnessScript, err = input.SenderHTLCScript(
			keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, rHash[:],
		)

	// Finally, we're paying the remote party via an HTLC, which is being
	// added to their commitment transaction. Therefore, we use the
	// receiver's version of the HTLC script.
	case !isIncoming && !isOurCommit:
		witnessScript, err = input.ReceiverHTLCScript(
			timeout, keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, rHash[:],
		)
	}
	if err != nil {
		return nil, nil, err
	}

	// Now that we have the redeem scripts, create the P2WSH public key
	// script for the output itself.
	htlcP2WSH, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, nil, err
	}

	return htlcP2WSH, witnessScript, nil
}

// addHTLC adds a new HTLC to the passed commitment transaction. One of four
// full scripts will be generated for the HTLC output depending on if the HTLC
// is incoming and if it's being applied to our commitment transaction or that
// of the remote node's.
func addHTLC(commitTx *wire.MsgTx, isOurCommit bool, isIncoming bool,
	paymentDesc *paymentDescriptor, keyRing *CommitmentKeyRing) error {

	pkScript, witnessScript, err := genHtlcScript(
		isIncoming, isOurCommit, paymentDesc.Timeout,
		paymentDesc.RHash, keyRing,
	)
	if err != nil {
		return err
	}

	// Add the new HTLC outputs to the respective commitment transactions.
	amountPending := int64(paymentDesc.Amount.ToSatoshis())
	commitTx.AddTxOut(wire.NewTxOut(amountPending, pkScript))

	// Store the pkScript and witness script of this particular
	// paymentDescriptor so we can easily locate it within the commitment
	// transaction later.
	if isOurCommit {
		paymentDesc.ourPkScript = pkScript
		paymentDesc.ourWitnessScript = witnessScript
	} else {
		paymentDesc.theirPkScript = pkScript
		paymentDesc.theirWitnessScript = witnessScript
	}

	return nil
}

// CreateCommitTx creates a commitment transaction, spending from the
// specified funding output. The commitment transaction contains two outputs:
// one local output paying to the "owner" of the commitment transaction which
// can be spent after a relative block delay or revocation event, and a remote
// output paying the counterparty within the channel, which can be spent
// immediately.
func CreateCommitTx(fundingOutput wire.TxIn, keyRing *CommitmentKeyRing,
	localChanCfg, remoteChanCfg *channeldb.ChannelConfig,
	amountToLocal, amountToRemote btcutil.Amount) (*wire.MsgTx, error) {

	// First, we create the script for the delayed "pay-to-self" output.
	// This output has 2 main redemption clauses: either we can redeem the
	// output after a relative block delay, or the remote node can claim
	// the funds with the revocation key if we broadcast a revoked
	// commitment transaction.
	toLocalRedeemScript, err := input.CommitScriptToSelf(
		uint32(localChanCfg.CsvDelay), keyRing.ToLocalKey,
		keyRing.RevocationKey,
	)
	if err != nil {
		return nil, err
	}
	toLocalScriptHash, err := input.WitnessScriptHash(toLocalRedeemScript)
	if err != nil {
		return nil, err
	}

	// Next, we create the script paying to the remote.
	toRemoteScript, err := input.CommitScriptUnencumbered(
		keyRing.ToRemoteKey,
	)
	if err != nil {
		return nil, err
	}

	// Now that both output scripts have been created, we can finally
	// create the transaction itself. We use a transaction version of 2
	// since CSV will fail unless the tx version is >= 2.
	commitTx := wire.NewMsgTx(2)
	commitTx.AddTxIn(&fundingOutput)

	// Avoid creating dust outputs within the commitment transaction.
	localOutput := amountToLocal >= localChanCfg.DustLimit
	if localOutput {
		commitTx.AddTxOut(&wire.TxOut{
			PkScript: toLocalScriptHash,
			Value:    int64(amountToLocal),
		})
	}

	remoteOutput := amountToRemote >= localChanCfg.DustLimit
	if remoteOutput {
		commitTx.AddTxOut(&wire.TxOut{
			PkScript: toRemoteScript,
			Value:    int64(amountToRemote),
		})
	}

	return commitTx, nil
}
