package htlcswitch

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/chancore/chancore/channeldb"
	"github.com/chancore/chancore/htlcswitch/hop"
	"github.com/chancore/chancore/lntypes"
	"github.com/chancore/chancore/lnwallet"
	"github.com/chancore/chancore/lnwallet/chainfee"
	"github.com/chancore/chancore/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// expiryGraceDelta is a grace period that the timeout of incoming
	// HTLC's that pay directly to us (i.e we're the "exit node") must up
	// hold. We'll reject any HTLC's who's timeout minus this value is
	// less than or equal to the current block height. We require this in
	// order to ensure that if the extending party goes to the chain, then
	// we'll be able to claim the HTLC still.
	expiryGraceDelta = 3

	// maxCommitUpdates is the maximum number of local updates which may
	// be queued before we force a commitment signature to be sent out.
	maxCommitUpdates = 10
)

// ChannelLinkConfig defines the configuration for the channel link. ALL
// elements within the configuration MUST be non-nil for channel link to
// carry out its duties.
type ChannelLinkConfig struct {
	// FwrdingPolicy is the initial forwarding policy to be used when
	// deciding whether to forwarding incoming HTLC's or not. This value
	// can be updated with subsequent calls to UpdateForwardingPolicy
	// targeted at a given ChannelLink concrete instance.
	FwrdingPolicy ForwardingPolicy

	// Circuits provides restricted access to the switch's circuit map,
	// allowing the link to open and close circuits.
	Circuits *CircuitMap

	// ForwardPackets attempts to forward the batch of htlcs through the
	// switch. Any failed packets will be returned to the provided
	// ChannelLink via a new htlcPacket crossing back through the switch.
	ForwardPackets func(...*htlcPacket) error

	// Peer is a lightning network node with which we have the channel
	// link opened.
	Peer Peer

	// DecodeHopIterator function is responsible for decoding HTLC Sphinx
	// onion blob, and creating hop iterator which will give us next
	// destination of HTLC.
	DecodeHopIterator func(r io.Reader, rHash []byte,
		incomingCltv uint32) (hop.Iterator, lnwire.FailCode)

	// ExtractErrorEncrypter function is responsible for decoding HTLC
	// Sphinx onion blob, and creating onion failure obfuscator.
	ExtractErrorEncrypter hop.ErrorEncrypterExtracter

	// Registry is a sub-system which responsible for managing the
	// invoices in thread-safe manner.
	Registry InvoiceDatabase

	// BatchTicker is the ticker that determines the interval that we'll
	// use to check the batch to see if there're any updates we should
	// flush out. By batching updates into a single commit, we attempt to
	// increase throughput by maximizing the number of updates coalesced
	// into a single commit.
	BatchTicker ticker.Ticker

	// BestHeight returns the best known height.
	BestHeight func() uint32
}

// channelLink is the service which drives a channel's commitment update
// state-machine. In the event that an HTLC needs to be propagated to another
// link, the forward handler from config is used which sends HTLC to the
// switch. Additionally, the link encapsulate logic of commitment protocol
// message ordering and updates.
type channelLink struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	// batchCounter is the number of updates which we received from
	// remote side, but not include in commitment transaction yet and plus
	// the current number of settles that have been sent, but not yet
	// committed to the commitment.
	batchCounter uint32

	// channel is a lightning network channel to which we apply htlc
	// updates.
	channel *lnwallet.LightningChannel

	// shortChanID is the most up to date short channel ID for the link.
	shortChanID lnwire.ShortChannelID

	// cfg is a structure which carries all dependable fields/handlers
	// which may affect behaviour of the service.
	cfg ChannelLinkConfig

	// downstream is a channel in which new multi-hop HTLC's to be
	// forwarded will be sent across. Messages from this channel are sent
	// by the HTLC switch.
	downstream chan *htlcPacket

	// upstream is a channel from which new multi-hop HTLC's will be sent
	// across. Messages from this channel are sent by the remote peer.
	upstream chan lnwire.Message

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewChannelLink creates a new instance of a ChannelLink given a configuration
// and active channel that will be used to verify/apply updates to.
func NewChannelLink(cfg ChannelLinkConfig,
	channel *lnwallet.LightningChannel) ChannelLink {

	return &channelLink{
		cfg:         cfg,
		channel:     channel,
		shortChanID: channel.ShortChanID(),
		downstream:  make(chan *htlcPacket, 50),
		upstream:    make(chan lnwire.Message, 50),
		quit:        make(chan struct{}),
	}
}

// A compile time check to ensure channelLink implements the ChannelLink
// interface.
var _ ChannelLink = (*channelLink)(nil)

// Start starts all helper goroutines required for the operation of the
// channel link.
//
// NOTE: Part of the ChannelLink interface.
func (l *channelLink) Start() error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return fmt.Errorf("channel link(%v): already started",
			l.ChanID())
	}

	log.Infof("ChannelLink(%v) is starting", l.ChanID())

	l.cfg.BatchTicker.Resume()

	l.wg.Add(1)
	go l.htlcManager()

	return nil
}

// Stop gracefully stops all active helper goroutines, then waits until they
// have exited.
//
// NOTE: Part of the ChannelLink interface.
func (l *channelLink) Stop() {
	if !atomic.CompareAndSwapInt32(&l.shutdown, 0, 1) {
		log.Warnf("channel link(%v): already stopped", l.ChanID())
		return
	}

	log.Infof("ChannelLink(%v) is stopping", l.ChanID())

	l.cfg.BatchTicker.Stop()

	close(l.quit)
	l.wg.Wait()
}

// htlcManager is the primary goroutine which drives a channel's commitment
// update state-machine in response to messages received via several channels.
// This goroutine reads messages from the upstream (remote) peer, and also
// from downstream channel managed by the channel link. In the event that an
// htlc needs to be forwarded, then send-only forward handler is used which
// sends htlc packets to the switch. Additionally, the this goroutine handles
// acting upon all timeouts for any active HTLCs, manages the channel's
// revocation window, and also the htlc trickle queue+timer for this active
// channels.
//
// NOTE: This MUST be run as a goroutine.
func (l *channelLink) htlcManager() {
	defer l.wg.Done()

	log.Infof("HTLC manager for ChannelPoint(%v) started, "+
		"bandwidth=%v", l.channel.ChannelPoint(), l.Bandwidth())

	for {
		select {
		case <-l.cfg.BatchTicker.Ticks():
			// If the current batch is empty, then we have no work
			// here.
			if l.batchCounter == 0 {
				continue
			}

			// Otherwise, attempt to extend the remote commitment
			// chain including all the currently pending entries.
			if err := l.updateCommitTx(); err != nil {
				l.fail("unable to update commitment: %v", err)
				return
			}

		case pkt := <-l.downstream:
			l.handleDownstreamPkt(pkt)

		case msg := <-l.upstream:
			l.handleUpstreamMsg(msg)

		case <-l.quit:
			return
		}
	}
}

// HandleSwitchPacket handles the switch packets. This packets which might be
// forwarded to us from another channel link in case the htlc update came from
// another peer or if the update was created by user.
//
// NOTE: Part of the ChannelLink interface.
func (l *channelLink) HandleSwitchPacket(pkt *htlcPacket) error {
	select {
	case l.downstream <- pkt:
		return nil
	case <-l.quit:
		return ErrLinkShuttingDown
	}
}

// HandleChannelUpdate handles the htlc requests as settle/add/fail which
// sent to us from remote peer we have a channel with.
//
// NOTE: Part of the ChannelLink interface.
func (l *channelLink) HandleChannelUpdate(message lnwire.Message) {
	select {
	case l.upstream <- message:
	case <-l.quit:
	}
}

// ChanID returns the channel ID for the channel link. The channel ID is a
// more compact representation of a channel's full outpoint.
//
// NOTE: Part of the ChannelLink interface.
func (l *channelLink) ChanID() lnwire.ChannelID {
	return lnwire.NewChanIDFromOutPoint(*l.channel.ChannelPoint())
}

// ShortChanID returns the short channel ID for the channel link. The short
// channel ID encodes the exact location in the main chain that the original
// funding output can be found.
//
// NOTE: Part of the ChannelLink interface.
func (l *channelLink) ShortChanID() lnwire.ShortChannelID {
	return l.shortChanID
}

// Bandwidth returns the total amount that can flow through the channel link
// at this given instance. The value returned is expressed in millisatoshi
// and can be used by callers when making forwarding decisions to determine
// if a link can accept an HTLC.
//
// NOTE: Part of the ChannelLink interface.
func (l *channelLink) Bandwidth() lnwire.MilliSatoshi {
	return l.channel.AvailableBalance()
}

// Peer returns the representation of remote peer with which we have the
// channel link opened.
//
// NOTE: Part of the ChannelLink interface.
func (l *channelLink) Peer() Peer {
	return l.cfg.Peer
}

// fail helper function which is used by link to process the failure and
// trigger the link shutdown.
func (l *channelLink) fail(format string, a ...interface{}) {
	reason := fmt.Errorf(format, a...)
	log.Errorf("ChannelLink(%v) failing: %v", l.ChanID(), reason)

	go l.Stop()
}

// handleDownstreamPkt processes an HTLC packet sent from the downstream HTLC
// Switch. Possible messages sent by the switch include requests to forward
// new HTLCs, timeout previously cleared HTLCs, and finally to settle
// currently cleared HTLCs with the upstream peer.
func (l *channelLink) handleDownstreamPkt(pkt *htlcPacket) {
	switch htlc := pkt.htlc.(type) {
	case *lnwire.UpdateAddHTLC:
		// A new payment has been initiated via the downstream
		// channel, so we add the new HTLC to our local log, then
		// update the commitment chains.
		htlc.ChanID = l.ChanID()
		index, err := l.channel.AddHTLC(htlc)
		if err != nil {
			// The HTLC was unable to be added to the state
			// machine, as a result, we'll signal the switch to
			// cancel the pending payment.
			log.Warnf("Unable to handle downstream add HTLC: %v",
				err)

			failPkt := &htlcPacket{
				incomingChanID: pkt.incomingChanID,
				incomingHTLCID: pkt.incomingHTLCID,
				circuit:        pkt.circuit,
				linkFailure:    &lnwire.FailTemporaryChannelFailure{},
				obfuscator:     pkt.obfuscator,
				htlc: &lnwire.UpdateFailHTLC{
					ID: pkt.incomingHTLCID,
				},
			}

			if err := l.cfg.ForwardPackets(failPkt); err != nil {
				log.Errorf("unable to forward failure "+
					"packet: %v", err)
			}
			return
		}
		htlc.ID = index

		// If this newly added HTLC was the product of a multi-hop
		// forward, then we'll set the keystone for the circuit so
		// that any response can be routed backwards.
		if pkt.circuit != nil {
			outKey := CircuitKey{
				ChanID: l.ShortChanID(),
				HtlcID: index,
			}
			err := l.cfg.Circuits.OpenCircuit(
				pkt.inKey(), outKey,
			)
			if err != nil {
				l.fail("unable to open circuit: %v", err)
				return
			}
		}
		pkt.outgoingChanID = l.ShortChanID()
		pkt.outgoingHTLCID = index

		log.Tracef("Received downstream htlc: payment_hash=%x, "+
			"local_log_index=%v, batch_size=%v",
			htlc.PaymentHash[:], index, l.batchCounter+1)

		if err := l.cfg.Peer.SendMessage(htlc); err != nil {
			log.Errorf("unable to send message to peer: %v", err)
		}

	case *lnwire.UpdateFulfillHTLC:
		// An HTLC we forward to the switch has just settled somewhere
		// upstream. Therefore we settle the HTLC within the our local
		// state machine.
		err := l.channel.SettleHTLC(
			htlc.PaymentPreimage, pkt.incomingHTLCID,
		)
		if err != nil {
			l.fail("unable to settle incoming HTLC: %v", err)
			return
		}

		// With the HTLC settled, we'll need to populate the wire
		// message to target the specific channel and HTLC to be
		// canceled.
		htlc.ChanID = l.ChanID()
		htlc.ID = pkt.incomingHTLCID

		// Then we send the HTLC settle message to the connected peer
		// so we can continue the propagation of the settle message.
		if err := l.cfg.Peer.SendMessage(htlc); err != nil {
			log.Errorf("unable to send message to peer: %v", err)
		}

	case *lnwire.UpdateFailHTLC:
		// An HTLC cancellation has been triggered somewhere upstream,
		// we'll remove then HTLC from our local state machine.
		err := l.channel.FailHTLC(pkt.incomingHTLCID, htlc.Reason)
		if err != nil {
			l.fail("unable to cancel incoming HTLC: %v", err)
			return
		}

		// With the HTLC removed, we'll need to populate the wire
		// message to target the specific channel and HTLC to be
		// canceled. The "Reason" field will have already been set
		// within the switch.
		htlc.ChanID = l.ChanID()
		htlc.ID = pkt.incomingHTLCID

		// Finally, we send the HTLC message to the peer which
		// initially created the HTLC.
		if err := l.cfg.Peer.SendMessage(htlc); err != nil {
			log.Errorf("unable to send message to peer: %v", err)
		}
	}

	l.batchCounter++

	// If this newly added update exceeds the max batch size for adds, or
	// this is a settle/fail request, then initiate an update.
	if l.batchCounter >= maxCommitUpdates || pkt.circuit == nil {
		if err := l.updateCommitTx(); err != nil {
			l.fail("unable to update commitment: %v", err)
		}
	}
}

// handleUpstreamMsg processes wire messages related to commitment state
// updates from the upstream peer. The upstream peer is the peer whom we have
// a direct channel with, updating our respective commitment chains.
func (l *channelLink) handleUpstreamMsg(msg lnwire.Message) {
	switch msg := msg.(type) {
	case *lnwire.UpdateAddHTLC:
		// We just received an add request from an upstream peer, so
		// we add it to our state machine, then add the HTLC to our
		// "settle" list in the event that we know the preimage.
		index, err := l.channel.ReceiveHTLC(msg)
		if err != nil {
			l.fail("unable to handle upstream add HTLC: %v", err)
			return
		}

		log.Tracef("Receive upstream htlc with payment hash(%x), "+
			"assigning index: %v", msg.PaymentHash[:], index)

	case *lnwire.UpdateFulfillHTLC:
		pre := msg.PaymentPreimage
		idx := msg.ID
		if err := l.channel.ReceiveHTLCSettle(pre, idx); err != nil {
			l.fail("unable to handle upstream settle HTLC: %v",
				err)
			return
		}

	case *lnwire.UpdateFailHTLC:
		idx := msg.ID
		err := l.channel.ReceiveFailHTLC(idx, msg.Reason[:])
		if err != nil {
			l.fail("unable to handle upstream fail HTLC: %v", err)
			return
		}

	case *lnwire.CommitSig:
		// We just received a new updates to our local commitment
		// chain, validate this new commitment, closing the link if
		// invalid.
		err := l.channel.ReceiveNewCommitment(
			msg.CommitSig, msg.HtlcSigs,
		)
		if err != nil {
			l.fail("unable to accept new commitment: %v", err)
			return
		}

		// As we've just accepted a new state, we'll now immediately
		// send the remote peer a revocation for our prior state.
		nextRevocation, _, err := l.channel.RevokeCurrentCommitment()
		if err != nil {
			l.fail("unable to revoke commitment: %v", err)
			return
		}
		err = l.cfg.Peer.SendMessage(nextRevocation)
		if err != nil {
			log.Errorf("unable to send message to peer: %v", err)
		}

		// If both commitment chains are fully synced from our PoV,
		// then we don't need to reply with a signature as both sides
		// already have a commitment with the latest accepted state.
		if l.channel.FullySynced() {
			return
		}

		// Otherwise, the remote party initiated the state transition,
		// so we'll reply with a signature to provide them with their
		// version of the latest commitment state.
		if err := l.updateCommitTx(); err != nil {
			l.fail("unable to update commitment: %v", err)
			return
		}

	case *lnwire.RevokeAndAck:
		// We've received a revocation from the remote chain, if valid,
		// this moves the remote chain forward, and expands our
		// revocation window.
		fwdPkg, err := l.channel.ReceiveRevocation(msg)
		if err != nil {
			l.fail("unable to accept revocation: %v", err)
			return
		}

		// The remote party now has a new set of irrevocably committed
		// updates, so we'll examine each of them to decide if they
		// need to be forwarded to the switch, settled, or failed.
		l.processRemoteUpdates(fwdPkg)

	case *lnwire.UpdateFee:
		// We received fee update from peer. If we are the initiator
		// we will fail the channel, if not we will apply the update.
		fee := chainfee.SatPerKWeight(msg.FeePerKw)
		if err := l.channel.ReceiveUpdateFee(fee); err != nil {
			l.fail("error receiving fee update: %v", err)
			return
		}

	default:
		log.Warnf("Received unknown message of type %T", msg)
	}
}

// updateCommitTx signs, then sends an update to the remote peer adding a new
// commitment to their commitment chain which includes all the latest updates
// we've received+processed up to this point.
func (l *channelLink) updateCommitTx() error {
	theirCommitSig, htlcSigs, err := l.channel.SignNextCommitment()
	if err == lnwallet.ErrNoWindow {
		log.Tracef("revocation window exhausted, unable to send %v",
			l.batchCounter)
		return nil
	} else if err != nil {
		return err
	}

	commitSig := &lnwire.CommitSig{
		ChanID:    l.ChanID(),
		CommitSig: theirCommitSig,
		HtlcSigs:  htlcSigs,
	}
	if err := l.cfg.Peer.SendMessage(commitSig); err != nil {
		log.Errorf("unable to send message to peer: %v", err)
	}

	// We've just initiated a state transition, attempt to stop the
	// batch ticker until we have new updates to process.
	l.batchCounter = 0

	return nil
}

// processRemoteUpdates examines the set of updates irrevocably committed by
// the remote party with their last revocation. ADD updates are either
// resolved locally or forwarded onwards through the switch, while settles
// and fails that resolve HTLC's we previously forwarded are sent backwards
// through the switch to the originating link.
func (l *channelLink) processRemoteUpdates(fwdPkg []channeldb.LogUpdate) {
	var switchPackets []*htlcPacket

	for _, update := range fwdPkg {
		switch msg := update.UpdateMsg.(type) {
		case *lnwire.UpdateAddHTLC:
			pkt := l.processRemoteAdd(msg)
			if pkt != nil {
				switchPackets = append(switchPackets, pkt)
			}

		case *lnwire.UpdateFulfillHTLC:
			// A settle for an HTLC we previously forwarded is now
			// locked in, hand the preimage back through the
			// switch so the incoming link can claim it.
			switchPackets = append(switchPackets, &htlcPacket{
				outgoingChanID: l.ShortChanID(),
				outgoingHTLCID: msg.ID,
				htlc: &lnwire.UpdateFulfillHTLC{
					PaymentPreimage: msg.PaymentPreimage,
				},
			})

		case *lnwire.UpdateFailHTLC:
			reason := make([]byte, len(msg.Reason))
			copy(reason, msg.Reason)

			switchPackets = append(switchPackets, &htlcPacket{
				outgoingChanID: l.ShortChanID(),
				outgoingHTLCID: msg.ID,
				htlc: &lnwire.UpdateFailHTLC{
					Reason: lnwire.OpaqueReason(reason),
				},
			})
		}
	}

	if len(switchPackets) == 0 {
		return
	}

	if err := l.cfg.ForwardPackets(switchPackets...); err != nil {
		log.Errorf("unable to forward packets: %v", err)
	}
}

// processRemoteAdd resolves a newly locked in ADD from the remote party. The
// onion blob is decoded in order to determine if we're the exit hop for the
// payment, or if it should be forwarded onwards. In the forwarding case, a
// switch packet carrying the peeled onion is returned.
func (l *channelLink) processRemoteAdd(msg *lnwire.UpdateAddHTLC) *htlcPacket {
	// Before we attempt to process the HTLC, we'll decode its onion blob
	// in order to obtain our forwarding instructions.
	onionReader := bytes.NewReader(msg.OnionBlob[:])
	chanIterator, failureCode := l.cfg.DecodeHopIterator(
		onionReader, msg.PaymentHash[:], msg.Expiry,
	)
	if failureCode != lnwire.CodeNone {
		// If we're unable to process the onion blob then we should
		// send the malformed htlc error to payment sender. Since the
		// shared secret could not be derived, the failure cannot be
		// encrypted and is sent in the clear.
		log.Errorf("unable to decode onion for htlc(%x): code=%v",
			msg.PaymentHash[:], failureCode)
		l.sendMalformedHTLCError(msg.ID, failureCode)
		return nil
	}

	fwdInfo, err := chanIterator.ForwardingInstructions()
	if err != nil {
		log.Errorf("unable to decode forwarding instructions: %v",
			err)
		l.sendMalformedHTLCError(msg.ID, lnwire.CodeInvalidOnionKey)
		return nil
	}

	// With the forwarding instructions in hand, we can now extract the
	// error encrypter needed to wrap any failures occurring past this
	// hop.
	obfuscator, failureCode := chanIterator.ExtractErrorEncrypter(
		l.cfg.ExtractErrorEncrypter,
	)
	if failureCode != lnwire.CodeNone {
		log.Errorf("unable to derive error encrypter for htlc(%x): "+
			"code=%v", msg.PaymentHash[:], failureCode)
		l.sendMalformedHTLCError(msg.ID, failureCode)
		return nil
	}

	heightNow := l.cfg.BestHeight()

	// If the next hop is this node itself, then this is a payment
	// destined for us, attempt to settle it using the invoice registry.
	if fwdInfo.NextHop == hop.Exit {
		l.processExitHop(msg, fwdInfo, obfuscator, heightNow)
		return nil
	}

	// The HTLC is to be forwarded onwards. First enforce our current
	// forwarding policy against the proposed outgoing HTLC.
	failure := l.CheckHtlcForward(
		msg.PaymentHash, msg.Amount, fwdInfo.AmountToForward,
		msg.Expiry, fwdInfo.OutgoingCTLV, heightNow,
	)
	if failure != nil {
		l.sendHTLCError(msg.ID, failure, obfuscator)
		return nil
	}

	// The policy check passed, so craft the ADD for the next hop with
	// the peeled onion packet.
	addMsg := &lnwire.UpdateAddHTLC{
		Amount:      fwdInfo.AmountToForward,
		Expiry:      fwdInfo.OutgoingCTLV,
		PaymentHash: msg.PaymentHash,
	}

	buf := bytes.NewBuffer(addMsg.OnionBlob[0:0])
	if err := chanIterator.EncodeNextHop(buf); err != nil {
		log.Errorf("unable to encode the remaining route: %v", err)
		l.sendHTLCError(
			msg.ID, &lnwire.FailTemporaryChannelFailure{},
			obfuscator,
		)
		return nil
	}

	return &htlcPacket{
		incomingChanID:  l.ShortChanID(),
		incomingHTLCID:  msg.ID,
		outgoingChanID:  fwdInfo.NextHop,
		amount:          fwdInfo.AmountToForward,
		incomingAmount:  msg.Amount,
		incomingTimeout: msg.Expiry,
		outgoingTimeout: fwdInfo.OutgoingCTLV,
		obfuscator:      obfuscator,
		htlc:            addMsg,
	}
}

// processExitHop handles an HTLC that has arrived at its final destination.
// The invoice registry is consulted for the matching preimage, and if found
// the HTLC is settled back to the sending peer.
func (l *channelLink) processExitHop(msg *lnwire.UpdateAddHTLC,
	fwdInfo hop.ForwardingInfo, obfuscator hop.ErrorEncrypter,
	heightNow uint32) {

	// As we're the exit hop, we'll double check the hop data within the
	// final hop's payload matches the values specified within the actual
	// HTLC. If not, then the sending node may be attempting a fee probe.
	if msg.Amount != fwdInfo.AmountToForward {
		log.Errorf("onion payload of incoming htlc(%x) has "+
			"incorrect value: expected %v, got %v",
			msg.PaymentHash, msg.Amount, fwdInfo.AmountToForward)
		l.sendHTLCError(
			msg.ID,
			lnwire.NewFinalIncorrectHtlcAmount(msg.Amount),
			obfuscator,
		)
		return
	}
	if msg.Expiry != fwdInfo.OutgoingCTLV {
		log.Errorf("onion payload of incoming htlc(%x) has "+
			"incorrect time-lock: expected %v, got %v",
			msg.PaymentHash, msg.Expiry, fwdInfo.OutgoingCTLV)
		l.sendHTLCError(
			msg.ID,
			lnwire.NewFinalIncorrectCltvExpiry(msg.Expiry),
			obfuscator,
		)
		return
	}

	// We'll also ensure that our time-lock value has been computed
	// correctly. Otherwise we may not be able to go to chain before the
	// HTLC expires.
	if msg.Expiry <= heightNow+expiryGraceDelta {
		log.Errorf("htlc(%x) has an expiry that's too soon: "+
			"expiry=%v, best_height=%v", msg.PaymentHash,
			msg.Expiry, heightNow)
		l.sendHTLCError(msg.ID, lnwire.NewExpiryTooSoon(), obfuscator)
		return
	}

	payHash := lntypes.Hash(msg.PaymentHash)
	preimage, err := l.cfg.Registry.LookupPreimage(payHash)
	if err != nil {
		log.Errorf("unable to query invoice registry: %v", err)
		l.sendHTLCError(
			msg.ID, lnwire.NewFailIncorrectDetails(msg.Amount),
			obfuscator,
		)
		return
	}

	err = l.channel.SettleHTLC(preimage, msg.ID)
	if err != nil {
		l.fail("unable to settle htlc: %v", err)
		return
	}

	// Notify the invoice registry of the invoices we just settled with
	// this latest commitment update.
	err = l.cfg.Registry.SettleInvoice(payHash, msg.Amount)
	if err != nil {
		l.fail("unable to settle invoice: %v", err)
		return
	}

	// HTLC was successfully settled locally, send notification about it
	// to the remote peer.
	settleMsg := &lnwire.UpdateFulfillHTLC{
		ChanID:          l.ChanID(),
		ID:              msg.ID,
		PaymentPreimage: preimage,
	}
	if err := l.cfg.Peer.SendMessage(settleMsg); err != nil {
		log.Errorf("unable to send message to peer: %v", err)
	}

	l.batchCounter++
}

// CheckHtlcForward should return a nil error if the passed HTLC details
// satisfy the current forwarding policy fo the target link. Otherwise, a
// valid protocol failure message should be returned in order to signal to
// the source of the HTLC, the policy consistency issue.
func (l *channelLink) CheckHtlcForward(payHash [32]byte,
	incomingHtlcAmt, amtToForward lnwire.MilliSatoshi,
	incomingTimeout, outgoingTimeout uint32,
	heightNow uint32) lnwire.FailureMessage {

	policy := l.cfg.FwrdingPolicy

	// As our first sanity check, we'll ensure that the passed HTLC isn't
	// too small for the next hop. If so, then we'll cancel the HTLC
	// directly.
	if amtToForward < policy.MinHTLCOut {
		log.Errorf("outgoing htlc(%x) is too small: min_htlc=%v, "+
			"htlc_value=%v", payHash[:], policy.MinHTLCOut,
			amtToForward)

		return lnwire.NewAmountBelowMinimum(amtToForward)
	}

	// Next, ensure that the passed HTLC isn't too large. If so, we'll
	// cancel the HTLC directly.
	if policy.MaxHTLC != 0 && amtToForward > policy.MaxHTLC {
		log.Errorf("outgoing htlc(%x) is too large: max_htlc=%v, "+
			"htlc_value=%v", payHash[:], policy.MaxHTLC,
			amtToForward)

		return &lnwire.FailTemporaryChannelFailure{}
	}

	// Next, using the amount of the incoming HTLC, we'll calculate the
	// expected fee this incoming HTLC must carry in order to satisfy the
	// constraints of the outgoing link.
	expectedFee := ExpectedFee(policy, amtToForward)

	// If the actual fee is less than our expected fee, then we'll reject
	// this HTLC as it didn't provide a sufficient amount of fees, or the
	// values have been tampered with, or the send used incorrect/dated
	// information to construct the forwarding information for this hop.
	actualFee := incomingHtlcAmt - amtToForward
	if incomingHtlcAmt < amtToForward || actualFee < expectedFee {
		log.Errorf("incoming htlc(%x) has insufficient fee: "+
			"expected %v, got %v", payHash[:], expectedFee,
			actualFee)

		return lnwire.NewFeeInsufficient(amtToForward)
	}

	// We want to avoid offering an HTLC which will expire in the near
	// future, so we'll reject an HTLC if the outgoing expiration time is
	// too close to the current height.
	if outgoingTimeout <= heightNow+expiryGraceDelta {
		log.Errorf("htlc(%x) has an expiry that's too soon: "+
			"outgoing_expiry=%v, best_height=%v", payHash[:],
			outgoingTimeout, heightNow)

		return lnwire.NewExpiryTooSoon()
	}

	// Finally, we'll ensure that the time-lock on the outgoing HTLC meets
	// the following constraint: the incoming time-lock minus our time-lock
	// delta should equal the outgoing time lock. Otherwise, whether the
	// sender messed up, or an intermediate node tampered with the HTLC.
	if incomingTimeout < outgoingTimeout+policy.TimeLockDelta {
		log.Errorf("incoming htlc(%x) has incorrect time-lock "+
			"value: expected at least %v block delta, got %v "+
			"block delta", payHash[:], policy.TimeLockDelta,
			incomingTimeout-outgoingTimeout)

		return lnwire.NewIncorrectCltvExpiry(incomingTimeout)
	}

	return nil
}

// sendHTLCError functions cancels HTLC and send cancel message back to the
// peer from which HTLC was received.
func (l *channelLink) sendHTLCError(htlcIndex uint64,
	failure lnwire.FailureMessage, e hop.ErrorEncrypter) {

	reason, err := e.EncryptFirstHop(failure)
	if err != nil {
		log.Errorf("unable to obfuscate error: %v", err)
		return
	}

	err = l.channel.FailHTLC(htlcIndex, reason)
	if err != nil {
		log.Errorf("unable to cancel HTLC: %v", err)
		return
	}

	failMsg := &lnwire.UpdateFailHTLC{
		ChanID: l.ChanID(),
		ID:     htlcIndex,
		Reason: reason,
	}
	if err := l.cfg.Peer.SendMessage(failMsg); err != nil {
		log.Errorf("unable to send message to peer: %v", err)
	}

	l.batchCounter++
}

// sendMalformedHTLCError helper function which sends the malformed HTLC
// update to the payment sender. This is used for onion processing failures
// where no shared secret is available to produce an encrypted reason.
func (l *channelLink) sendMalformedHTLCError(htlcIndex uint64,
	code lnwire.FailCode) {

	var b bytes.Buffer
	failure := lnwire.FailureMessage(&lnwire.FailTemporaryChannelFailure{})
	switch code {
	case lnwire.CodeInvalidOnionVersion:
		failure = lnwire.NewInvalidOnionVersion(nil)
	case lnwire.CodeInvalidOnionHmac:
		failure = lnwire.NewInvalidOnionHmac(nil)
	case lnwire.CodeInvalidOnionKey:
		failure = lnwire.NewInvalidOnionKey(nil)
	}
	if err := lnwire.EncodeFailure(&b, failure, 0); err != nil {
		log.Errorf("unable to encode failure: %v", err)
		return
	}

	err := l.channel.FailHTLC(htlcIndex, b.Bytes())
	if err != nil {
		log.Errorf("unable to cancel HTLC: %v", err)
		return
	}

	failMsg := &lnwire.UpdateFailHTLC{
		ChanID: l.ChanID(),
		ID:     htlcIndex,
		Reason: b.Bytes(),
	}
	if err := l.cfg.Peer.SendMessage(failMsg); err != nil {
		log.Errorf("unable to send message to peer: %v", err)
	}

	l.batchCounter++
}
