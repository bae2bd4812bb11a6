package lnwallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/chancore/chancore/lnwire"
)

var (
	// ErrChanClosing is returned when a caller attempts to close a channel
	// that has already been closed or is in the process of being closed.
	ErrChanClosing = fmt.Errorf("channel is being closed, operation disallowed")

	// ErrNoWindow is returned when revocation window is exhausted.
	ErrNoWindow = fmt.Errorf("unable to sign new commitment, the current" +
		" revocation window is exhausted")

	// ErrMaxWeightCost is returned when the cost/weight (see segwit)
	// exceeds the widely used maximum allowed policy weight limit. In this
	// case the commitment transaction can't be propagated through the
	// network.
	ErrMaxWeightCost = fmt.Errorf("commitment transaction exceed max " +
		"available cost")

	// ErrMaxHTLCNumber is returned when a proposed HTLC would exceed the
	// maximum number of allowed HTLC's if committed in a state transition.
	ErrMaxHTLCNumber = fmt.Errorf("commitment transaction exceed max " +
		"htlc number")

	// ErrMaxPendingAmount is returned when a proposed HTLC exceeds the
	// overall maximum pending value of all HTLCs if committed in a state
	// transition.
	ErrMaxPendingAmount = fmt.Errorf("commitment transaction exceed max" +
		"overall pending htlc value")

	// ErrBelowChanReserve is returned when a proposed HTLC would cause
	// one of the peer's funds to dip below the channel reserve limit.
	ErrBelowChanReserve = fmt.Errorf("commitment transaction dips peer " +
		"below chan reserve")

	// ErrInvalidHTLCAmt signals that a proposed HTLC has a value that is
	// not positive.
	ErrInvalidHTLCAmt = fmt.Errorf("proposed HTLC value must be positive")

	// ErrBelowMinHTLC is returned when a proposed HTLC has a value that
	// is below the minimum HTLC value constraint for either us or our
	// peer depending on which flags are set.
	ErrBelowMinHTLC = fmt.Errorf("proposed HTLC value is below minimum " +
		"allowed HTLC value")

	// ErrFeeBelowMinRelay is returned when the updated fee would bring
	// the commitment transaction's fee rate below the minimum relay fee.
	ErrFeeBelowMinRelay = fmt.Errorf("fee update rejected, fee rate is " +
		"below min relay fee")

	// ErrCannotSyncCommitChains is returned if, upon receiving a ChanSync
	// message, the state machine deems that is unable to properly
	// synchronize states with the remote peer.
	ErrCannotSyncCommitChains = fmt.Errorf("unable to sync commit chains")

	// ErrInvalidLocalUnrevokedCommitPoint is returned when the remote
	// peer sends an invalid commit point during channel sync.
	ErrInvalidLocalUnrevokedCommitPoint = fmt.Errorf("unrevoked commit " +
		"point is invalid")

	// ErrCommitSyncRemoteDataLoss is returned in the case that we receive
	// a valid commit secret within a ChanSync message, but the next local
	// commitment height they expect is greater than what they should
	// expect.
	ErrCommitSyncRemoteDataLoss = fmt.Errorf("possible remote commitment " +
		"state data loss")

	// ErrNoUpdatesToSign is returned when SignNextCommitment is called
	// and there are no new updates to sign for the remote party.
	ErrNoUpdatesToSign = errors.New("no updates to sign")

	// ErrUpdateFeeNotInitiator is returned when a non-initiator attempts
	// to send or receive an update_fee message.
	ErrUpdateFeeNotInitiator = errors.New("only the channel initiator " +
		"can update the commitment fee")

	// ErrUnknownHtlcIndex is returned when an attempt is made to settle
	// or fail an HTLC referencing an index absent from the update log.
	ErrUnknownHtlcIndex = errors.New("unknown htlc index")

	// ErrHtlcIndexAlreadyFailed is returned when the HTLC index indicated
	// in a settle or fail references an HTLC that has already been
	// failed.
	ErrHtlcIndexAlreadyFailed = errors.New("htlc already failed")

	// ErrHtlcIndexAlreadySettled is returned when the HTLC index
	// indicated in a settle or fail references an HTLC that has already
	// been settled.
	ErrHtlcIndexAlreadySettled = errors.New("htlc already settled")

	// ErrInvalidSettlePreimage is returned when trying to settle an HTLC,
	// but the preimage does not correspond to the payment hash.
	ErrInvalidSettlePreimage = errors.New("preimage does not match " +
		"payment hash")

	// ErrInvalidRevocation is returned when the remote peer hands us a
	// revocation secret that doesn't match the commitment point we hold
	// for that state.
	ErrInvalidRevocation = errors.New("revocation key mismatch")
)

// ErrInsufficientBalance is returned when a proposed HTLC would exceed the
// available balance, taking the commitment fee into account.
type ErrInsufficientBalance struct {
	// Available is the amount left after subtracting the fee and the
	// reserve from the spending party's balance.
	Available lnwire.MilliSatoshi
}

// Error returns a human readable string describing the error.
func (e ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance: start=%v", e.Available)
}

// ErrCommitSigMismatch is returned when we receive an invalid signature for
// our next commitment state from the remote party.
type ErrCommitSigMismatch struct {
	// commitHeight is the height of the commitment the bad signature was
	// provided for.
	commitHeight uint64
}

// Error returns a human readable string describing the error.
func (e ErrCommitSigMismatch) Error() string {
	return fmt.Sprintf("invalid commitment signature for state %v",
		e.commitHeight)
}

// ErrInvalidHtlcSig is returned when we receive an invalid HTLC signature
// from the remote party for one of the HTLC outputs on their proposed
// version of our commitment.
type ErrInvalidHtlcSig struct {
	// htlcIndex is the index of the HTLC with the bad signature.
	htlcIndex uint64
}

// Error returns a human readable string describing the error.
func (e ErrInvalidHtlcSig) Error() string {
	return fmt.Sprintf("invalid signature for htlc %v", e.htlcIndex)
}

// ErrHtlcSigCountMismatch is returned when the number of HTLC signatures
// supplied in a commitment signature message differs from the number of
// non-dust HTLC outputs present on the commitment transaction.
type ErrHtlcSigCountMismatch struct {
	expected int
	received int
}

// Error returns a human readable string describing the error.
func (e ErrHtlcSigCountMismatch) Error() string {
	return fmt.Sprintf("number of htlc sigs is incorrect, expected %v "+
		"got %v", e.expected, e.received)
}

// ErrFeeBelowFloor is returned when an attempted fee update would set the
// commitment fee rate below the fee floor enforced for relay.
type ErrFeeBelowFloor struct {
	attempted btcutil.Amount
}

// Error returns a human readable string describing the error.
func (e ErrFeeBelowFloor) Error() string {
	return fmt.Sprintf("proposed fee per kw %v is below fee floor",
		e.attempted)
}
