package hop

import (
	"github.com/chancore/chancore/lnwire"
)

var (
	// Exit is the special "destination" denoting that the processed HTLC
	// terminates at this node, and should not be forwarded any further.
	Exit lnwire.ShortChannelID

	// Source is a sentinel "hop" denoting that an incoming HTLC
	// originated at our node, and was not forwarded to us by a prior
	// hop.
	Source lnwire.ShortChannelID
)

// ForwardingInfo contains all the information that is necessary to forward
// and incoming HTLC to the next hop encoded within a valid HopIterator
// instance.
type ForwardingInfo struct {
	// NextHop is the channel ID of the next hop. The received HTLC should
	// be forwarded to this particular channel in order to continue the
	// end-to-end route.
	NextHop lnwire.ShortChannelID

	// AmountToForward is the amount of milli-satoshis that the receiving
	// node should forward to the next hop.
	AmountToForward lnwire.MilliSatoshi

	// OutgoingCTLV is the specified value of the CTLV timelock to be used
	// in the outgoing HTLC.
	OutgoingCTLV uint32
}
