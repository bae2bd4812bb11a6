package sphinx

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/chancore/chancore/keychain"
)

// ProcessCode is an enum-like type which describes to the high-level package
// user which action should be taken after processing a Sphinx packet.
type ProcessCode int

const (
	// ExitNode indicates that the node which processed the Sphinx packet
	// is the destination hop in the route.
	ExitNode = iota

	// MoreHops indicates that there are additional hops left within the
	// route. Therefore the caller should forward the packet to the node
	// denoted as the "NextHop" within the processed packet.
	MoreHops

	// Failure indicates that a failure occurred during packet processing.
	Failure
)

// String returns a human readable string for each of the ProcessCodes.
func (p ProcessCode) String() string {
	switch p {
	case ExitNode:
		return "ExitNode"
	case MoreHops:
		return "MoreHops"
	case Failure:
		return "Failure"
	default:
		return "Unknown"
	}
}

// ProcessedPacket encapsulates the resulting state generated after processing
// an OnionPacket. A processed packet communicates to the caller what action
// should be taken after processing.
type ProcessedPacket struct {
	// Action represents the action the caller should take after processing
	// the packet.
	Action ProcessCode

	// ForwardingInstructions is the per-hop payload recovered from the
	// initial encrypted onion packet. It details how the packet should be
	// forwarded and also includes information that allows the processor
	// of the packet to authenticate the information passed within the
	// HTLC.
	//
	// NOTE: This field will only be populated iff the above Action is
	// MoreHops.
	ForwardingInstructions HopData

	// NextPacket is the onion packet that should be forwarded to the next
	// hop as denoted by the ForwardingInstructions field.
	//
	// NOTE: This field will only be populated iff the above Action is
	// MoreHops.
	NextPacket *OnionPacket
}

// Router is an onion router within the Sphinx network. The router is capable
// of processing incoming Sphinx onion packets thereby "peeling" a layer off
// the onion encryption which the packet is wrapped with.
type Router struct {
	nodeID   [AddressSize]byte
	nodeAddr *btcec.PublicKey

	onionKey keychain.SingleKeyECDH

	log ReplayLog
}

// NewRouter creates a new instance of a Sphinx onion Router given the node's
// currently advertised onion private key, and the target Bitcoin network.
func NewRouter(nodeKey keychain.SingleKeyECDH, log ReplayLog) *Router {
	var nodeID [AddressSize]byte
	copy(nodeID[:], chainhashB(nodeKey.PubKey().SerializeCompressed()))

	return &Router{
		nodeID:   nodeID,
		nodeAddr: nodeKey.PubKey(),
		onionKey: nodeKey,
		log:      log,
	}
}

// Start starts / opens the ReplayLog's channeldb and its accompanying
// garbage collector goroutine.
func (r *Router) Start() error {
	return r.log.Start()
}

// Stop stops / closes the ReplayLog's channeldb and its accompanying
// garbage collector goroutine.
func (r *Router) Stop() {
	r.log.Stop()
}

// ProcessOnionPacket processes an incoming onion packet which has been
// forward to the target Sphinx router. If the encoded ephemeral key isn't on
// the target Elliptic Curve, then the packet is rejected. Similarly, if the
// derived shared secret has been seen before the packet is rejected. Finally
// if the MAC doesn't match, and invalid packet error will be returned.
//
// In the case of a successful packet processing, and ProcessedPacket struct
// is returned which houses the newly parsed packet, along with instructions
// on what to do next.
func (r *Router) ProcessOnionPacket(onionPkt *OnionPacket, assocData []byte,
	incomingCltv uint32) (*ProcessedPacket, error) {

	// Compute the shared secret for this onion packet.
	sharedSecret, err := r.generateSharedSecret(onionPkt.EphemeralKey)
	if err != nil {
		return nil, err
	}

	// Before we proceed with processing the packet, we'll write this hash
	// prefix to the replay log. If the packet has been seen before, the
	// log will reject it as a replay.
	hashPrefix := hashSharedSecret(&sharedSecret)
	if err := r.log.Put(&hashPrefix, incomingCltv); err != nil {
		return nil, err
	}

	// Continue to optimistically process this packet, deferring replay
	// protection until the end to reduce the penalty of multiple IO
	// operations.
	packet, err := processOnionPacket(onionPkt, &sharedSecret, assocData)
	if err != nil {
		// In case of any error, the entry is removed again so an
		// honest resend of the same packet is not locked out by the
		// earlier failed attempt.
		if delErr := r.log.Delete(&hashPrefix); delErr != nil {
			return nil, delErr
		}

		return nil, err
	}

	return packet, nil
}

// Tx is a transaction consisting of a number of sphinx packets to be
// atomically written to the replay log. This structure helps to coordinate
// construction of the underlying Batch object, and to ensure that the result
// of the processing remains isolated from the replay log until it has been
// committed.
type Tx struct {
	// batch is the set of hashed shared secrets pending inclusion in the
	// router's replay log.
	batch *Batch

	// router is a reference to the sphinx router that created this
	// transaction.
	router *Router

	// packets contains the successfully processed packets of this batch,
	// indexed by the sequence number assigned when the packet was added.
	packets []ProcessedPacket
}

// BeginTxn creates a new transaction that can later be committed back to the
// sphinx router's replay log. The provided ID identifies the batch for
// idempotent retries, and nels should be set to the maximum number of
// packets the transaction will hold.
func (r *Router) BeginTxn(id []byte, nels int) *Tx {
	return &Tx{
		batch:   NewBatch(id),
		router:  r,
		packets: make([]ProcessedPacket, nels),
	}
}

// ProcessOnionPacket processes an incoming onion packet which has been
// forwarded to the target sphinx router. The sequence number distinguishes
// the packet within the transaction, and ties any replay detected at commit
// time back to this packet.
func (t *Tx) ProcessOnionPacket(seqNum uint16, onionPkt *OnionPacket,
	assocData []byte, incomingCltv uint32) error {

	// Compute the shared secret for this onion packet.
	sharedSecret, err := t.router.generateSharedSecret(
		onionPkt.EphemeralKey,
	)
	if err != nil {
		return err
	}

	// Add the hash prefix to the batch, deferring the replay check
	// against the log until the transaction is committed.
	hashPrefix := hashSharedSecret(&sharedSecret)
	err = t.batch.Put(seqNum, &hashPrefix, incomingCltv)
	if err != nil {
		return err
	}

	// Continue to optimistically process this packet. The replay set
	// returned at commit time indicates which results must be discarded.
	packet, err := processOnionPacket(onionPkt, &sharedSecret, assocData)
	if err != nil {
		return err
	}

	t.packets[seqNum] = *packet

	return nil
}

// Commit writes this transaction's batch of sphinx packets to the replay
// log, performing a final check against the log for replays. The processed
// packets are returned alongside the replay set; entries whose sequence
// number appears in the replay set must not be acted upon.
func (t *Tx) Commit() ([]ProcessedPacket, *ReplaySet, error) {
	if t.batch.IsCommitted {
		return t.packets, t.batch.ReplaySet, nil
	}

	rs, err := t.router.log.PutBatch(t.batch)

	return t.packets, rs, err
}

// ReconstructOnionPacket rederives the subsequent onion packet without
// applying replay protection. It is the remote peer's responsibility to
// detect replayed packets. This method is used to reconstruct state when
// replaying a channel's update log after restart.
func (r *Router) ReconstructOnionPacket(onionPkt *OnionPacket,
	assocData []byte) (*ProcessedPacket, error) {

	// Compute the shared secret for this onion packet.
	sharedSecret, err := r.generateSharedSecret(onionPkt.EphemeralKey)
	if err != nil {
		return nil, err
	}

	return processOnionPacket(onionPkt, &sharedSecret, assocData)
}

// generateSharedSecret generates the shared secret using the router's onion
// private key and the ephemeral public key drawn from the onion packet.
func (r *Router) generateSharedSecret(dhKey *btcec.PublicKey) (Hash256,
	error) {

	var sharedSecret Hash256

	secret, err := r.onionKey.ECDH(dhKey)
	if err != nil {
		return sharedSecret, err
	}

	return secret, nil
}
