package sphinx

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// NumMaxHops is the maximum path length. This should be set to an
	// estimate of the upper limit of the diameter of the node graph.
	NumMaxHops = 20

	// RealmByteSize is the number of bytes that the realm byte occupies.
	RealmByteSize = 1

	// AddressSize is the length of the serialized address used to
	// uniquely identify the next hop to forward the onion to. BOLT 04
	// defines this as 8 byte channel_id.
	AddressSize = 8

	// AmtForwardSize is the number of bytes that the amount to forward
	// occupies.
	AmtForwardSize = 8

	// OutgoingCLTVSize is the number of bytes that the outgoing CLTV
	// value occupies.
	OutgoingCLTVSize = 4

	// NumPaddingBytes is the number of padding bytes in the hopData. These
	// bytes are currently unused within the protocol, and are reserved for
	// future use. However, if a hop contains extra data, then we'll
	// utilize this space to pack in the unrolled bytes.
	NumPaddingBytes = 12

	// HopDataSize is the fixed size of hop_data. BOLT 04 currently
	// specifies this to be 1 byte realm, 8 byte channel_id, 8 byte amount
	// to forward, 4 byte outgoing CLTV value, 12 bytes padding and 32
	// bytes HMAC for a total of 65 bytes per hop.
	HopDataSize = (RealmByteSize + AddressSize + AmtForwardSize +
		OutgoingCLTVSize + NumPaddingBytes + HMACSize)
)

// HopData is the information destined for individual hops. It is a fixed size
// 64 bytes, prefixed with a 1 byte realm that indicates how to interpret it.
// For now we simply assume it's the bitcoin realm (0x00) and hence the format
// is fixed. The last 32 bytes are always the HMAC to be passed to the next
// hop, or zero if this is the packet is not to be forwarded, since this is
// the last hop.
type HopData struct {
	// Realm denotes the "real" of target chain of the next hop. For
	// bitcoin, this value will be 0x00.
	Realm [RealmByteSize]byte

	// NextAddress is the address of the next hop that this packet should
	// be forward to.
	NextAddress [AddressSize]byte

	// ForwardAmount is the HTLC amount that the next hop should forward.
	// This value should take into account the fee require by this
	// particular hop, and the cumulative fee for the entire route.
	ForwardAmount uint64

	// OutgoingCltv is the value of the outgoing absolute time-lock that
	// should be included in the HTLC forwarded.
	OutgoingCltv uint32

	// ExtraBytes is the set of unused bytes within the onion payload for
	// this hop.
	ExtraBytes [NumPaddingBytes]byte

	// HMAC is the HMAC computed over the entire header packet to be sent
	// to the next hop, or all zeroes if this hop is the final recipient.
	HMAC [HMACSize]byte
}

// Encode writes the serialized version of the target HopData into the passed
// io.Writer.
func (hd *HopData) Encode(w io.Writer) error {
	if _, err := w.Write(hd.Realm[:]); err != nil {
		return err
	}

	if _, err := w.Write(hd.NextAddress[:]); err != nil {
		return err
	}

	var amt [AmtForwardSize]byte
	binary.BigEndian.PutUint64(amt[:], hd.ForwardAmount)
	if _, err := w.Write(amt[:]); err != nil {
		return err
	}

	var cltv [OutgoingCLTVSize]byte
	binary.BigEndian.PutUint32(cltv[:], hd.OutgoingCltv)
	if _, err := w.Write(cltv[:]); err != nil {
		return err
	}

	if _, err := w.Write(hd.ExtraBytes[:]); err != nil {
		return err
	}

	if _, err := w.Write(hd.HMAC[:]); err != nil {
		return err
	}

	return nil
}

// Decode deserializes the encoded HopData contained int the passed io.Reader
// instance to the target empty HopData instance.
func (hd *HopData) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, hd.Realm[:]); err != nil {
		return err
	}

	// The realm byte denotes the "real" of the target chain. The only
	// realm we know how to parse at the moment is the bitcoin realm.
	if hd.Realm[0] != 0x00 {
		return fmt.Errorf("%w: %v", ErrInvalidRealm, hd.Realm[0])
	}

	if _, err := io.ReadFull(r, hd.NextAddress[:]); err != nil {
		return err
	}

	var amt [AmtForwardSize]byte
	if _, err := io.ReadFull(r, amt[:]); err != nil {
		return err
	}
	hd.ForwardAmount = binary.BigEndian.Uint64(amt[:])

	var cltv [OutgoingCLTVSize]byte
	if _, err := io.ReadFull(r, cltv[:]); err != nil {
		return err
	}
	hd.OutgoingCltv = binary.BigEndian.Uint32(cltv[:])

	if _, err := io.ReadFull(r, hd.ExtraBytes[:]); err != nil {
		return err
	}

	if _, err := io.ReadFull(r, hd.HMAC[:]); err != nil {
		return err
	}

	return nil
}

// OnionHop represents an abstract hop (a link between two nodes) within the
// Lightning Network. A hop is composed of the incoming node (able to decrypt
// the encrypted routing information), and the routing information itself.
type OnionHop struct {
	// NodePub is the target node for this hop. The payload will enter
	// this hop, it'll decrypt the routing information, and hand off the
	// onion to the next hop.
	NodePub btcec.PublicKey

	// HopData is the plaintext routing information that should be
	// encrypted for this hop.
	HopData HopData
}

// IsEmpty returns true if the hop isn't populated.
func (o OnionHop) IsEmpty() bool {
	return o.NodePub.X().BitLen() == 0 || o.NodePub.Y().BitLen() == 0
}

// PaymentPath represents a series of hops within the Lightning Network
// starting at a sender and terminating at a receiver. Each hop contains a set
// of mandatory data which contains forwarding instructions for that hop.
// Additionally, we can also transmit additional data to each hop by utilizing
// the un-used hops (see TrueRouteLength()) to pack in additional data. In
// order to do this, we encrypt the several hops with the same node public
// key, and unroll the extra data into the space used for route forwarding
// information.
type PaymentPath [NumMaxHops]OnionHop

// NodeKeys returns a slice pointing to node keys that this route comprises
// of. The size of the returned slice will be TrueRouteLength().
func (p *PaymentPath) NodeKeys() []*btcec.PublicKey {
	var nodeKeys [NumMaxHops]*btcec.PublicKey

	routeLen := p.TrueRouteLength()
	for i := 0; i < routeLen; i++ {
		nodeKeys[i] = &p[i].NodePub
	}

	return nodeKeys[:routeLen]
}

// TrueRouteLength returns the "true" length of the PaymentPath. The max
// payment path is NumMaxHops size, but in practice routes are much smaller.
// This method will return the number of actual hops (nodes) involved in this
// route.
func (p *PaymentPath) TrueRouteLength() int {
	var routeLength int
	for _, hop := range p {
		// When we hit the first empty hop, we know we're now in the
		// zero'd out portion of the array.
		if hop.IsEmpty() {
			return routeLength
		}

		routeLength++
	}

	return routeLength
}
