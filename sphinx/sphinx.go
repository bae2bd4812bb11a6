package sphinx

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// baseVersion represent the current supported version of onion packet.
	baseVersion = 0

	// hopPayloadSize is the size of the per-hop payload: the hop data
	// plus the HMAC to hand to the next hop.
	hopPayloadSize = HopDataSize

	// routingInfoSize is the fixed size of the the routing info. This
	// consists of a hopPayloadSize byte payload for each hop within the
	// route.
	routingInfoSize = NumMaxHops * hopPayloadSize

	// numStreamBytes is the number of bytes produced by our CSPRG for the
	// key stream implementing our stream cipher to encrypt/decrypt the mix
	// header. The last hopPayloadSize bytes are only used in order to
	// generate/check the MAC over the header.
	numStreamBytes = routingInfoSize + hopPayloadSize
)

var (
	// ErrMaxRoutingInfoSizeExceeded is returned when a new onion packet
	// is requested for a path longer than NumMaxHops.
	ErrMaxRoutingInfoSizeExceeded = fmt.Errorf(
		"max routing info size of %v bytes exceeded", routingInfoSize)

	// ErrInvalidOnionVersion is returned when the version byte of the
	// onion packet does not match a known version.
	ErrInvalidOnionVersion = errors.New("invalid onion packet version")

	// ErrInvalidOnionKey is returned when the ephemeral public key within
	// the onion packet is not a valid point on the secp256k1 curve.
	ErrInvalidOnionKey = errors.New("invalid onion packet public key")

	// ErrInvalidOnionHMAC is returned when the computed HMAC over the
	// routing info does not match the HMAC included within the packet.
	ErrInvalidOnionHMAC = errors.New("invalid mix header MAC")

	// ErrInvalidRealm is returned when the realm byte of the hop data is
	// unknown.
	ErrInvalidRealm = errors.New("invalid realm")
)

// OnionPacket is the onion wrapped multi-layer structure which is used to
// encode the path, and per-hop payloads for the ultimate routing of an HTLC
// through the network. Each hop is able to "peel" a layer off the onion,
// exposing the payload destined for it, the identity of the next hop, and a
// re-usable onion for the next hop which reveals nothing about the route the
// packet has taken so far, nor how many more hops remain.
type OnionPacket struct {
	// Version denotes the version of this onion packet. The version
	// indicates how a receiver of the packet should interpret the bytes
	// following this version byte. Currently, a version of 0x00 is the
	// only defined version type.
	Version byte

	// EphemeralKey is the public key that each hop will used in
	// combination with the private key in an ECDH to derive the shared
	// secret used to check the HMAC on the packet and also decrypt the
	// routing information that's destined for the processing hop.
	EphemeralKey *btcec.PublicKey

	// RoutingInfo is the full routing information for this onion packet.
	// This encodes all the forwarding instructions for this current hop
	// and all the hops in the route.
	RoutingInfo [routingInfoSize]byte

	// HeaderMAC is an HMAC computed with the shared secret of the routing
	// data and the associated data for this route. Including the
	// associated data lets each hop authenticate higher-level data that
	// is critical for the forwarding of this HTLC.
	HeaderMAC [HMACSize]byte
}

// generateHeaderPadding derives the bytes for padding the mix header to
// ensure it remains fixed sized throughout route transit. At each step, we
// add 'hopPayloadSize' padding of zeroes, concatenate it to the previous
// filler, then decrypt it (XOR) with the secret key of the current hop. When
// encrypting the mix header we essentially do the reverse of this operation:
// we "encrypt" the padding, and drop 'hopPayloadSize' number of zeroes. As
// nodes process the mix header they add the padding ('hopPayloadSize') in
// order to check the MAC and decrypt the next routing information eventually
// leaving only the original "filler" bytes produced by this function at the
// last hop.
func generateHeaderPadding(key string, numHops int, hopSize int,
	sharedSecrets []Hash256) []byte {

	filler := make([]byte, (numHops-1)*hopSize)
	for i := 1; i < numHops; i++ {
		totalFillerSize := ((NumMaxHops - i) + 1) * hopSize

		streamKey := generateKey(key, &sharedSecrets[i-1])
		streamBytes := generateCipherStream(streamKey, numStreamBytes)

		xor(filler, filler,
			streamBytes[totalFillerSize:totalFillerSize+i*hopSize])
	}

	return filler
}

// NewOnionPacket creates a new onion packet which is capable of obliviously
// routing a message through the mix-net path outline by 'paymentPath'.
func NewOnionPacket(paymentPath *PaymentPath, sessionKey *btcec.PrivateKey,
	assocData []byte) (*OnionPacket, error) {

	numHops := paymentPath.TrueRouteLength()
	if numHops == 0 {
		return nil, fmt.Errorf("route of length zero passed in")
	}
	if numHops > NumMaxHops {
		return nil, ErrMaxRoutingInfoSizeExceeded
	}

	hopSharedSecrets := generateSharedSecrets(
		paymentPath.NodeKeys(), sessionKey,
	)

	// Generate the padding, called "filler strings" in the paper.
	filler := generateHeaderPadding(
		"rho", numHops, hopPayloadSize, hopSharedSecrets,
	)

	// Allocate and initialize fields to zero-filled slices
	var mixHeader [routingInfoSize]byte

	// Our starting packet needs to be filled out with random bytes, we
	// generate some deterministically using the session private key.
	sessionKeyBytes := sessionKey.Key.Bytes()
	paddingKey := generateKey("pad", (*Hash256)(&sessionKeyBytes))
	paddingBytes := generateCipherStream(paddingKey, routingInfoSize)
	copy(mixHeader[:], paddingBytes)

	// Now we compute the routing information for each hop, along with a
	// MAC of the routing info using the shared key for that hop.
	var nextHmac [HMACSize]byte
	for i := numHops - 1; i >= 0; i-- {
		// We'll derive the two keys we need for each hop in order to:
		// generate our stream cipher bytes for the mixHeader, and
		// calculate the MAC over the entire constructed packet.
		rhoKey := generateKey("rho", &hopSharedSecrets[i])
		muKey := generateKey("mu", &hopSharedSecrets[i])

		// The HMAC for the final hop is simply zeroes. This allows the
		// last hop to recognize that it is the destination for a
		// particular payment.
		paymentPath[i].HopData.HMAC = nextHmac

		// Next, using the key dedicated for our stream cipher, we'll
		// generate enough bytes to obfuscate this layer of the onion
		// packet.
		streamBytes := generateCipherStream(rhoKey, numStreamBytes)

		// Before we assemble the packet, we'll shift the current
		// mix header to the right in order to make room for this
		// next per-hop data.
		rightShift(mixHeader[:], hopPayloadSize)

		// With the mix header right-shifted, we'll encode the current
		// hop data into a buffer we'll re-use during the packet
		// construction.
		var hopDataBuf bytes.Buffer
		err := paymentPath[i].HopData.Encode(&hopDataBuf)
		if err != nil {
			return nil, err
		}
		copy(mixHeader[:], hopDataBuf.Bytes())

		// Once the packet for this hop has been assembled, we'll
		// re-encrypt the packet by XOR'ing with a stream of bytes
		// generated using our shared secret.
		xor(mixHeader[:], mixHeader[:], streamBytes[:routingInfoSize])

		// If this is the "last" hop, then we'll override the tail of
		// the hop data.
		if i == numHops-1 {
			copy(mixHeader[len(mixHeader)-len(filler):], filler)
		}

		// The packet for this hop consists of: mixHeader. When
		// calculating the MAC, we'll also include the optional
		// associated data which can allow higher level applications to
		// prevent replay attacks.
		packet := append(mixHeader[:], assocData...)
		nextHmac = calcMac(muKey, packet)
	}

	return &OnionPacket{
		Version:      baseVersion,
		EphemeralKey: sessionKey.PubKey(),
		RoutingInfo:  mixHeader,
		HeaderMAC:    nextHmac,
	}, nil
}

// rightShift shifts the byte-slice by the given number of bytes to the right
// and 0-fill the resulting gap.
func rightShift(slice []byte, num int) {
	for i := len(slice) - num - 1; i >= 0; i-- {
		slice[num+i] = slice[i]
	}

	for i := 0; i < num; i++ {
		slice[i] = 0
	}
}

// Encode serializes the raw bytes of the onion packet into the passed
// io.Writer. The form encoded within the passed io.Writer is suitable for
// either storing on disk, or sending over the network.
func (f *OnionPacket) Encode(w io.Writer) error {
	ephemeral := f.EphemeralKey.SerializeCompressed()

	if _, err := w.Write([]byte{f.Version}); err != nil {
		return err
	}

	if _, err := w.Write(ephemeral); err != nil {
		return err
	}

	if _, err := w.Write(f.RoutingInfo[:]); err != nil {
		return err
	}

	if _, err := w.Write(f.HeaderMAC[:]); err != nil {
		return err
	}

	return nil
}

// Decode fully populates the target ForwardingMessage from the raw bytes
// encoded within the io.Reader. In the case of any decoding errors, an error
// will be returned. If the method success, then the new OnionPacket is
// ready to be processed by an instance of SphinxNode.
func (f *OnionPacket) Decode(r io.Reader) error {
	var err error

	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	f.Version = buf[0]

	// If version of the onion packet protocol unknown for us than in
	// must be rejected.
	if f.Version != baseVersion {
		return ErrInvalidOnionVersion
	}

	var ephemeral [33]byte
	if _, err := io.ReadFull(r, ephemeral[:]); err != nil {
		return err
	}
	f.EphemeralKey, err = btcec.ParsePubKey(ephemeral[:])
	if err != nil {
		return ErrInvalidOnionKey
	}

	if _, err := io.ReadFull(r, f.RoutingInfo[:]); err != nil {
		return err
	}

	if _, err := io.ReadFull(r, f.HeaderMAC[:]); err != nil {
		return err
	}

	return nil
}

// processOnionPacket performs the primary key derivation and handling of
// onion packets. The processed packets returned from this method should only
// be used in the event that the MAC check passes.
func processOnionPacket(onionPkt *OnionPacket, sharedSecret *Hash256,
	assocData []byte) (*ProcessedPacket, error) {

	dhKey := onionPkt.EphemeralKey
	routeInfo := onionPkt.RoutingInfo
	headerMac := onionPkt.HeaderMAC

	// Using the derived shared secret, ensure the integrity of the
	// routing information by checking the attached MAC without leaking
	// timing information.
	message := append(routeInfo[:], assocData...)
	calculatedMac := calcMac(generateKey("mu", sharedSecret), message)
	if !hmac.Equal(headerMac[:], calculatedMac[:]) {
		return nil, ErrInvalidOnionHMAC
	}

	// Attach the padding zeroes in order to properly strip an encryption
	// layer off the routing info revealing the routing information for
	// the next hop.
	streamBytes := generateCipherStream(
		generateKey("rho", sharedSecret), numStreamBytes,
	)
	zeroBytes := bytes.Repeat([]byte{0}, hopPayloadSize)
	headerWithPadding := append(routeInfo[:], zeroBytes...)

	var hopInfo [numStreamBytes]byte
	xor(hopInfo[:], headerWithPadding, streamBytes)

	// Randomize the DH group element for the next hop using the
	// deterministic blinding factor.
	blindingFactor := computeBlindingFactor(dhKey, sharedSecret[:])
	nextDHKey := blindGroupElement(dhKey, blindingFactor[:])

	// With the MAC checked, and the payload decrypted, we can now parse
	// out the per-hop data so we can derive the specified forwarding
	// instructions.
	var hopData HopData
	if err := hopData.Decode(bytes.NewReader(hopInfo[:])); err != nil {
		return nil, err
	}

	// With the necessary items extracted, we'll copy of the onion packet
	// for the next node, snipping off our per-hop data.
	var nextMixHeader [routingInfoSize]byte
	copy(nextMixHeader[:], hopInfo[hopPayloadSize:])
	innerPkt := &OnionPacket{
		Version:      onionPkt.Version,
		EphemeralKey: nextDHKey,
		RoutingInfo:  nextMixHeader,
		HeaderMAC:    hopData.HMAC,
	}

	// By default we'll assume that there are additional hops in the route.
	// However if the uncovered 'nextMac' is all zeroes, then this
	// indicates that we're the final hop in the route.
	var action ProcessCode = MoreHops
	if bytes.Equal(zeroHash[:], hopData.HMAC[:]) {
		action = ExitNode
	}

	return &ProcessedPacket{
		Action:                 action,
		ForwardingInstructions: hopData,
		NextPacket:             innerPkt,
	}, nil
}
