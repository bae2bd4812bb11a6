package htlcswitch

import (
	"fmt"

	"github.com/chancore/chancore/htlcswitch/hop"
	"github.com/chancore/chancore/lnwire"
)

// EmptyCircuitKey is a default value for an outgoing circuit key returned
// when a circuit's keystone has not been set.
var EmptyCircuitKey CircuitKey

// CircuitKey is a tuple of channel ID and HTLC ID, used to uniquely identify
// HTLCs in a circuit.
type CircuitKey struct {
	// ChanID is the short channel id of the channel this HTLC was
	// received or offered on.
	ChanID lnwire.ShortChannelID

	// HtlcID is the unique htlc index within the channel.
	HtlcID uint64
}

// String returns a string representation of the CircuitKey.
func (k CircuitKey) String() string {
	return fmt.Sprintf("(Chan ID=%s, HTLC ID=%d)", k.ChanID, k.HtlcID)
}

// PaymentCircuit is used by the switch to maintain the forwarding trajectory
// of HTLCs. A payment circuit will be created once a channel link forwards
// the HTLC add request, and it will be deleted once the response for the
// same HTLC has crossed the switch in the opposite direction.
type PaymentCircuit struct {
	// Incoming is the circuit key identifying the incoming channel and
	// htlc index from which this ADD originates.
	Incoming CircuitKey

	// Outgoing is the circuit key identifying the outgoing channel, and
	// the htlc index that was used to forward the ADD. It will be nil if
	// this circuit's keystone has not been set.
	Outgoing *CircuitKey

	// PaymentHash used as unique identifier of payment.
	PaymentHash [32]byte

	// IncomingAmount is the value of the HTLC from the incoming link.
	IncomingAmount lnwire.MilliSatoshi

	// OutgoingAmount specifies the value of the HTLC leaving the switch,
	// either as a payment or forwarded amount.
	OutgoingAmount lnwire.MilliSatoshi

	// ErrorEncrypter is used to re-encrypt any upstream failures for this
	// hop before they are relayed backwards towards the payment's source.
	ErrorEncrypter hop.ErrorEncrypter
}

// newPaymentCircuit initializes a payment circuit on the heap using the
// payment hash and an in-memory htlc packet.
func newPaymentCircuit(hash *[32]byte, pkt *htlcPacket) *PaymentCircuit {
	var paymentHash [32]byte
	copy(paymentHash[:], hash[:])

	return &PaymentCircuit{
		Incoming: CircuitKey{
			ChanID: pkt.incomingChanID,
			HtlcID: pkt.incomingHTLCID,
		},
		PaymentHash:    paymentHash,
		IncomingAmount: pkt.incomingAmount,
		OutgoingAmount: pkt.amount,
		ErrorEncrypter: pkt.obfuscator,
	}
}

// HasKeystone returns true if the circuit has an outgoing channel and htlc
// id assigned, meaning the ADD was successfully offered on the outgoing
// link.
func (c *PaymentCircuit) HasKeystone() bool {
	return c.Outgoing != nil
}

// OutKey returns the outgoing circuit key for this circuit or the empty
// value if the keystone has not yet been set.
func (c *PaymentCircuit) OutKey() CircuitKey {
	if c.Outgoing != nil {
		return *c.Outgoing
	}

	return EmptyCircuitKey
}

// InKey returns the incoming circuit key for this circuit.
func (c *PaymentCircuit) InKey() CircuitKey {
	return c.Incoming
}
