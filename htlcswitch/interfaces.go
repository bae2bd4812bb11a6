package htlcswitch

import (
	"github.com/chancore/chancore/lntypes"
	"github.com/chancore/chancore/lnwire"
)

// InvoiceDatabase is an interface which represents the persistent subsystem
// which may search, lookup and settle invoices.
type InvoiceDatabase interface {
	// LookupPreimage attempts to find the preimage for the invoice which
	// matches the passed payment hash.
	LookupPreimage(payHash lntypes.Hash) (lntypes.Preimage, error)

	// SettleInvoice attempts to mark an invoice corresponding to the
	// passed payment hash as fully settled, recording the amount that was
	// ultimately accepted.
	SettleInvoice(payHash lntypes.Hash,
		paidAmount lnwire.MilliSatoshi) error
}

// ChannelLink is an interface which represents the subsystem for managing the
// incoming htlc requests, applying the changes to the channel, and also
// propagating/forwarding it to htlc switch.
//
//	abstraction level
//	     ^
//	     |
//	     | - - - - - - - - - - - - Lightning - - - - - - - - - - - - -
//	     |
//	     | (Switch)		        (Switch)		  (Switch)
//	     |  Alice <-- channel link --> Bob <-- channel link --> Carol
//	     |
//	     | - - - - - - - - - - - - - TCP - - - - - - - - - - - - - - -
//	     |
//	     |  (Peer) 		        (Peer)	                  (Peer)
//	     |  Alice <----- tcp conn --> Bob <---- tcp conn -----> Carol
//	     |
type ChannelLink interface {
	// HandleSwitchPacket handles the switch packets. These packets might
	// be forwarded to us from another channel link in case the htlc
	// update came from another peer or if the update was created by user
	// initially.
	HandleSwitchPacket(*htlcPacket) error

	// HandleChannelUpdate handles the htlc requests as settle/add/fail
	// which sent to us from remote peer we have a channel with.
	HandleChannelUpdate(lnwire.Message)

	// ChanID returns the channel ID which identifies the channel this
	// link services.
	ChanID() lnwire.ChannelID

	// ShortChanID returns the short channel ID for the channel link. The
	// short channel ID encodes the exact location in the main chain that
	// the original funding output can be found.
	ShortChanID() lnwire.ShortChannelID

	// Bandwidth returns the amount of milli-satoshis which current link
	// might pass through channel link.
	Bandwidth() lnwire.MilliSatoshi

	// Peer returns the representation of the remote peer which this link
	// belongs to.
	Peer() Peer

	// Start/Stop are used to initiate the start/stop of the channel link
	// functioning.
	Start() error
	Stop()
}

// Peer is an interface which represents the remote lightning node inside our
// system.
type Peer interface {
	// SendMessage sends message to remote peer.
	SendMessage(msg lnwire.Message) error

	// PubKey returns the serialized public key of the remote peer.
	PubKey() [33]byte
}
