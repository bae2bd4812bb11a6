package lnwallet

import (
	"github.com/chancore/chancore/channeldb"
	"github.com/chancore/chancore/lntypes"
	"github.com/chancore/chancore/lnwallet/chainfee"
	"github.com/chancore/chancore/lnwire"
)

// updateType is the exact type of an entry within the shared HTLC log.
type updateType uint8

const (
	// Add is an update type that adds a new HTLC entry into the log.
	// Either side can add a new pending HTLC by adding a new Add entry
	// into their update log.
	Add updateType = iota

	// Fail is an update type which removes a prior HTLC entry from the
	// log. Adding a Fail entry to one's log will modify the _remote_
	// party's update log once a new commitment view has been evaluated
	// which contains the Fail entry.
	Fail

	// Settle is an update type which settles a prior HTLC crediting the
	// balance of the receiving node. Adding a Settle entry to one's log
	// will modify the _remote_ party's update log once a new commitment
	// view has been evaluated which contains the Settle entry.
	Settle

	// FeeUpdate is an update type sent by the channel initiator that
	// updates the fee rate used when signing the commitment transaction.
	FeeUpdate
)

// String returns a human readable string that uniquely identifies the target
// update type.
func (u updateType) String() string {
	switch u {
	case Add:
		return "Add"
	case Fail:
		return "Fail"
	case Settle:
		return "Settle"
	case FeeUpdate:
		return "FeeUpdate"
	default:
		return "<unknown type>"
	}
}

// paymentDescriptor represents a commitment state update which either adds,
// settles, or removes an HTLC. paymentDescriptors encapsulate all necessary
// metadata w.r.t to an HTLC, and additional data pairing a settle message to
// the original added HTLC.
type paymentDescriptor struct {
	// RHash is the payment hash for this HTLC. The HTLC can be settled
	// iff the preimage to this hash is presented.
	RHash lntypes.Hash

	// RPreimage is the preimage that settles the HTLC pointed to within
	// the log by the ParentIndex.
	RPreimage lntypes.Preimage

	// Timeout is the absolute timeout in blocks, after which this HTLC
	// expires.
	Timeout uint32

	// Amount is the HTLC amount in milli-satoshis.
	Amount lnwire.MilliSatoshi

	// LogIndex is the log entry number that his HTLC update has within
	// the log. Depending on if IsIncoming is true, this is either an
	// entry the remote party added, or one that we added locally.
	LogIndex uint64

	// HtlcIndex is the index within the main update log for this HTLC.
	// Entries within the log of type Add will have this field populated,
	// as other entries will point to the entry via this counter.
	//
	// NOTE: This field will only be populated if EntryType is Add.
	HtlcIndex uint64

	// ParentIndex is the HTLC index of the entry that this update settles
	// or times out.
	//
	// NOTE: This field will only be populated if EntryType is Fail or
	// Settle.
	ParentIndex uint64

	// OnionBlob is an opaque blob which is used to complete multi-hop
	// routing.
	//
	// NOTE: Populated only on add payment descriptor entry types.
	OnionBlob []byte

	// FailReason stores the reason why a particular payment was
	// canceled.
	//
	// NOTE: Populated only on fail payment descriptor entry types.
	FailReason []byte

	// addCommitHeightRemote is the height of the remote commitment chain
	// at which this HTLC was first added. This value is used to determine
	// when an HTLC is fully "locked-in".
	addCommitHeightRemote uint64

	// addCommitHeightLocal is the height of the local commitment chain at
	// which this HTLC was first added.
	addCommitHeightLocal uint64

	// removeCommitHeightRemote is the height of the remote commitment
	// chain at which the settle/timeout for this HTLC was first included.
	removeCommitHeightRemote uint64

	// removeCommitHeightLocal is the height of the local commitment chain
	// at which the settle/timeout for this HTLC was first included.
	removeCommitHeightLocal uint64

	// localOutputIndex is the output index of this HTLC output in the
	// local commitment transaction, or -1 if the output is dust.
	//
	// NOTE: Populated only on add payment descriptor entry types.
	localOutputIndex int32

	// remoteOutputIndex is the output index of this HTLC output in the
	// remote commitment transaction, or -1 if the output is dust.
	//
	// NOTE: Populated only on add payment descriptor entry types.
	remoteOutputIndex int32

	// sig is the signature for the second-level HTLC transaction that
	// spends this HTLC output on the local commitment. It is provided by
	// the remote party alongside their commitment signature.
	sig []byte

	// The scripts generated for this HTLC on each commitment transaction
	// are cached so the state machine can quickly locate and re-sign the
	// output on either chain.
	ourPkScript        []byte
	ourWitnessScript   []byte
	theirPkScript      []byte
	theirWitnessScript []byte

	// EntryType denotes the exact type of the paymentDescriptor. In the
	// case of a Timeout, or Settle type, then the Parent field will point
	// into the log to the HTLC being modified.
	EntryType updateType

	// isForwarded denotes if an incoming HTLC has been forwarded to any
	// possible upstream peers in the route.
	isForwarded bool
}

// diskHtlcToPayDesc converts an HTLC previously written to disk within a
// commitment state to the form required to manipulate in memory within the
// channel state machine.
func diskHtlcToPayDesc(htlc *channeldb.HTLC,
	localCommitHeight, remoteCommitHeight uint64) paymentDescriptor {

	return paymentDescriptor{
		RHash:                 htlc.RHash,
		Timeout:               htlc.RefundTimeout,
		Amount:                htlc.Amt,
		EntryType:             Add,
		HtlcIndex:             htlc.HtlcIndex,
		LogIndex:              htlc.LogIndex,
		OnionBlob:             htlc.OnionBlob,
		sig:                   htlc.Signature,
		addCommitHeightLocal:  localCommitHeight,
		addCommitHeightRemote: remoteCommitHeight,
	}
}

// htlcView represents the "active" HTLCs at a particular point within the
// history of the HTLC update log.
type htlcView struct {
	ourUpdates   []*paymentDescriptor
	theirUpdates []*paymentDescriptor
	feePerKw     chainfee.SatPerKWeight
}
