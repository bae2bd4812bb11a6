package htlcswitch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chancore/chancore/htlcswitch/hop"
	"github.com/chancore/chancore/lntypes"
	"github.com/chancore/chancore/lnwire"
	"github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	// ErrChannelLinkNotFound is used when channel link hasn't been found.
	ErrChannelLinkNotFound = errors.New("channel link not found")

	// ErrSwitchExiting signaled when the switch has received a shutdown
	// request.
	ErrSwitchExiting = errors.New("htlcswitch shutting down")

	// ErrDuplicateAdd signals that the ADD htlc was already forwarded
	// through the switch and is locked into another commitment txn.
	ErrDuplicateAdd = errors.New("duplicate add HTLC detected")

	// zeroPreimage is the empty preimage which is returned when we have
	// some errors.
	zeroPreimage [32]byte
)

// pendingPayment represents the payment which made by user and waits for
// updates to be received whether the payment has been rejected or proceed
// successfully.
type pendingPayment struct {
	paymentHash lntypes.Hash
	amount      lnwire.MilliSatoshi

	preimage chan [32]byte
	err      chan error

	// deobfuscator is a serializable entity which is used if we received
	// an error, it deobfuscates the onion failure blob, and extracts the
	// exact error from it.
	deobfuscator ErrorDecrypter
}

// ForwardingEvent is a record kept for each successfully forwarded HTLC. It
// ties together the incoming and outgoing circuits along with the amounts at
// the time the forward crossed the switch.
type ForwardingEvent struct {
	// IncomingCircuit is the circuit key of the incoming half of the
	// forward.
	IncomingCircuit CircuitKey

	// OutgoingCircuit is the channel the HTLC was forwarded out on. Only
	// the channel half of the key is known at forward time, the htlc id
	// is assigned once the outgoing link commits the ADD.
	OutgoingCircuit CircuitKey

	// AmtIn is the amount of the incoming HTLC.
	AmtIn lnwire.MilliSatoshi

	// AmtOut is the amount of the outgoing HTLC.
	AmtOut lnwire.MilliSatoshi

	// Timestamp is the time at which the forward crossed the switch.
	Timestamp time.Time
}

// Config defines the configuration for the service.
type Config struct {
	// Clock is the time source used to timestamp forwarding events.
	Clock clock.Clock
}

// Switch is the central messaging bus for all incoming/outgoing HTLCs.
// Connected peers with active channels are treated as named interfaces which
// refer to active channels as links. A link is the switch's message
// communication point with the goroutine that manages an active channel. New
// links are registered each time a channel is created, and unregistered once
// the channel is closed. The switch manages the hand-off process for multi-
// hop HTLCs, forwarding HTLCs initiated from within the daemon, and finally
// notifies users local-systems concerning their outstanding payment requests.
type Switch struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	cfg Config

	// pendingPayments stores payments initiated by the user that are not
	// yet settled. The map is used to later look up the payments and
	// notify the user of the result when we receive a response.
	pendingPayments map[uint64]*pendingPayment
	pendingMutex    sync.RWMutex

	// paymentSequencer generates unique identifiers for payments
	// initiated locally.
	paymentSequencer uint64 // To be used atomically.

	// circuits is storage for payment circuits which are used to
	// forward the settle/fail htlc updates back to the add htlc initiator.
	circuits *CircuitMap

	// indexMtx protects the link indexes below.
	indexMtx sync.RWMutex

	// linkIndex is a map which stores the active links, keyed by the
	// channel id of the channel the link maintains.
	linkIndex map[lnwire.ChannelID]ChannelLink

	// forwardingIndex maps the short channel ID of an active channel to
	// its link. This is used to look up the outgoing channel link when
	// forwarding HTLC's in the multi-hop setting.
	forwardingIndex map[lnwire.ShortChannelID]ChannelLink

	// fwdEventMtx protects the forwarding event log.
	fwdEventMtx sync.Mutex

	// fwdEvents is the set of forwarding events recorded since the
	// switch was started.
	fwdEvents []ForwardingEvent

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates the new instance of htlc switch.
func New(cfg Config) *Switch {
	return &Switch{
		cfg:             cfg,
		circuits:        NewCircuitMap(),
		linkIndex:       make(map[lnwire.ChannelID]ChannelLink),
		forwardingIndex: make(map[lnwire.ShortChannelID]ChannelLink),
		pendingPayments: make(map[uint64]*pendingPayment),
		quit:            make(chan struct{}),
	}
}

// Start starts all helper goroutines required for the operation of the
// switch.
func (s *Switch) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("htlc switch already started")
	}

	log.Infof("Starting HTLC Switch")

	return nil
}

// Stop gracefully stops all active helper goroutines, then waits until they
// have exited.
func (s *Switch) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		log.Warnf("HTLC Switch already stopped")
		return errors.New("htlc switch already shutdown")
	}

	log.Infof("HTLC Switch shutting down")

	close(s.quit)
	s.wg.Wait()

	// Remove all links once we've been signalled for shutdown.
	s.indexMtx.Lock()
	for _, link := range s.linkIndex {
		link.Stop()
	}
	s.linkIndex = make(map[lnwire.ChannelID]ChannelLink)
	s.forwardingIndex = make(map[lnwire.ShortChannelID]ChannelLink)
	s.indexMtx.Unlock()

	return nil
}

// CircuitMap returns the switch's active circuit map.
func (s *Switch) CircuitMap() *CircuitMap {
	return s.circuits
}

// ForwardingEvents returns a copy of the forwarding events recorded since
// the switch was started.
func (s *Switch) ForwardingEvents() []ForwardingEvent {
	s.fwdEventMtx.Lock()
	defer s.fwdEventMtx.Unlock()

	events := make([]ForwardingEvent, len(s.fwdEvents))
	copy(events, s.fwdEvents)
	return events
}

// AddLink is used to initiate the handling of the add link command. The
// request will be propagated and handled in the main goroutine.
func (s *Switch) AddLink(link ChannelLink) error {
	s.indexMtx.Lock()
	defer s.indexMtx.Unlock()

	chanID := link.ChanID()
	if _, err := s.getLink(chanID); err == nil {
		return fmt.Errorf("unable to add ChannelLink(%v), already "+
			"active", chanID)
	}

	if err := link.Start(); err != nil {
		return err
	}

	s.linkIndex[chanID] = link
	s.forwardingIndex[link.ShortChanID()] = link

	log.Infof("Added channel link with chan_id=%v, short_chan_id=%v",
		chanID, link.ShortChanID())

	return nil
}

// GetLink is used to initiate the handling of the get link command. The
// request will be propagated/handled to/in the main goroutine.
func (s *Switch) GetLink(chanID lnwire.ChannelID) (ChannelLink, error) {
	s.indexMtx.RLock()
	defer s.indexMtx.RUnlock()

	return s.getLink(chanID)
}

// getLink returns the channel link targeted by its channel id.
//
// NOTE: This MUST be called with the indexMtx held.
func (s *Switch) getLink(chanID lnwire.ChannelID) (ChannelLink, error) {
	link, ok := s.linkIndex[chanID]
	if !ok {
		return nil, ErrChannelLinkNotFound
	}

	return link, nil
}

// getLinkByShortID attempts to return the link which possesses the target
// short channel ID.
//
// NOTE: This MUST be called with the indexMtx held.
func (s *Switch) getLinkByShortID(
	chanID lnwire.ShortChannelID) (ChannelLink, error) {

	link, ok := s.forwardingIndex[chanID]
	if !ok {
		return nil, ErrChannelLinkNotFound
	}

	return link, nil
}

// GetLinkByShortID returns the link which possesses the target short channel
// ID.
func (s *Switch) GetLinkByShortID(
	chanID lnwire.ShortChannelID) (ChannelLink, error) {

	s.indexMtx.RLock()
	defer s.indexMtx.RUnlock()

	return s.getLinkByShortID(chanID)
}

// RemoveLink purges the switch of any link associated with chanID. If a pending
// or active link is not found, this method does nothing.
func (s *Switch) RemoveLink(chanID lnwire.ChannelID) {
	s.indexMtx.Lock()

	link, ok := s.linkIndex[chanID]
	if !ok {
		s.indexMtx.Unlock()
		return
	}

	delete(s.linkIndex, chanID)
	delete(s.forwardingIndex, link.ShortChanID())

	s.indexMtx.Unlock()

	link.Stop()

	log.Infof("Removed channel link with chan_id=%v", chanID)
}

// SendHTLC is used by other subsystems which aren't belong to htlc switch
// package in order to send the htlc update. The paymentID used MUST be
// unique for this HTLC, as it is used to match the eventual response back to
// the caller. This method blocks until the HTLC is resolved with either a
// settle or a failure.
func (s *Switch) SendHTLC(firstHop lnwire.ShortChannelID,
	htlc *lnwire.UpdateAddHTLC,
	deobfuscator ErrorDecrypter) ([32]byte, error) {

	// Create payment and add to the map of payment in order later to be
	// able to retrieve it and return response to the user.
	payment := &pendingPayment{
		err:          make(chan error, 1),
		preimage:     make(chan [32]byte, 1),
		paymentHash:  htlc.PaymentHash,
		amount:       htlc.Amount,
		deobfuscator: deobfuscator,
	}

	paymentID := atomic.AddUint64(&s.paymentSequencer, 1)

	s.pendingMutex.Lock()
	s.pendingPayments[paymentID] = payment
	s.pendingMutex.Unlock()

	// Generate and send new update packet, if error will be received on
	// this stage it means that packet haven't left boundaries of our
	// system and something wrong happened.
	packet := &htlcPacket{
		incomingChanID: hop.Source,
		incomingHTLCID: paymentID,
		outgoingChanID: firstHop,
		amount:         htlc.Amount,
		htlc:           htlc,
	}

	if err := s.forward(packet); err != nil {
		s.removePendingPayment(paymentID)
		return zeroPreimage, err
	}

	// Returns channels so that other subsystem might wait/skip the
	// waiting of handling of payment.
	var (
		preimage [32]byte
		err      error
	)

	select {
	case e := <-payment.err:
		err = e
	case <-s.quit:
		return zeroPreimage, ErrSwitchExiting
	}

	select {
	case p := <-payment.preimage:
		preimage = p
	case <-s.quit:
		return zeroPreimage, ErrSwitchExiting
	}

	return preimage, err
}

// ForwardPackets adds a list of packets to the switch for processing. Fails
// and settles are added on a first past, simultaneously constructing
// circuits for any adds. After persisting the circuits, another pass of the
// adds is given to forward them through the router.
func (s *Switch) ForwardPackets(packets ...*htlcPacket) error {
	for _, packet := range packets {
		if err := s.forward(packet); err != nil {
			log.Errorf("unable to forward packet %v: %v",
				packet.inKey(), err)
		}
	}

	return nil
}

// forward is used in order to find next channel link and apply htlc update.
// Also this function is used by channel links itself in order to forward the
// update after it has been included in the channel.
func (s *Switch) forward(packet *htlcPacket) error {
	switch packet.htlc.(type) {
	case *lnwire.UpdateAddHTLC:
		return s.handlePacketForward(packet)

	case *lnwire.UpdateFulfillHTLC, *lnwire.UpdateFailHTLC:
		return s.handlePacketResponse(packet)

	default:
		return fmt.Errorf("wrong update type: %T", packet.htlc)
	}
}

// handlePacketForward is used in cases when we need forward the htlc update
// from one channel link to another and be able to propagate the settle/fail
// updates back. This behaviour is achieved by creation of payment circuits.
func (s *Switch) handlePacketForward(packet *htlcPacket) error {
	htlc := packet.htlc.(*lnwire.UpdateAddHTLC)

	// Every ADD must carry a committed circuit before it can cross to
	// the outgoing link, so a response can always find its way back.
	// Locally initiated payments key their circuit with the payment id
	// under the Source hop.
	circuit := newPaymentCircuit(&htlc.PaymentHash, packet)
	if err := s.circuits.CommitCircuit(circuit); err != nil {
		log.Warnf("unable to commit circuit for %v: %v",
			packet.inKey(), err)
		return s.failAddPacket(
			packet, &lnwire.FailTemporaryChannelFailure{},
		)
	}
	packet.circuit = circuit

	// Try to find links by node destination.
	s.indexMtx.RLock()
	destination, err := s.getLinkByShortID(packet.outgoingChanID)
	s.indexMtx.RUnlock()
	if err != nil {
		log.Errorf("unable to find link with destination %v",
			packet.outgoingChanID)

		return s.failAddPacket(
			packet, &lnwire.FailUnknownNextPeer{},
		)
	}

	// Ensure the outgoing link has sufficient balance to carry this
	// HTLC before handing it off.
	if packet.amount > destination.Bandwidth() {
		log.Errorf("link %v has insufficient capacity: need %v, "+
			"has %v", packet.outgoingChanID, packet.amount,
			destination.Bandwidth())

		return s.failAddPacket(
			packet, &lnwire.FailTemporaryChannelFailure{},
		)
	}

	// Record the forwarding event before the hand-off, locally initiated
	// payments are not forwards and are not recorded.
	if packet.incomingChanID != hop.Source {
		s.fwdEventMtx.Lock()
		s.fwdEvents = append(s.fwdEvents, ForwardingEvent{
			IncomingCircuit: packet.inKey(),
			OutgoingCircuit: CircuitKey{
				ChanID: packet.outgoingChanID,
			},
			AmtIn:     packet.incomingAmount,
			AmtOut:    packet.amount,
			Timestamp: s.cfg.Clock.Now(),
		})
		s.fwdEventMtx.Unlock()
	}

	// Send the packet to the destination channel link which manages the
	// channel. Only a single link is ever held at this point, the
	// incoming link released this packet before it crossed the switch.
	return destination.HandleSwitchPacket(packet)
}

// failAddPacket encrypts a fail packet back to an add packet's source. The
// ciphertext will be derived from the failure message proivded by context.
func (s *Switch) failAddPacket(packet *htlcPacket,
	failure lnwire.FailureMessage) error {

	// Remove the committed circuit, if any, since the ADD never made it
	// to the outgoing link.
	if packet.circuit != nil {
		if _, err := s.circuits.DeleteCircuit(packet.inKey()); err != nil {
			log.Warnf("unable to delete circuit %v: %v",
				packet.inKey(), err)
		}
	}

	// If the payment was locally initiated, we can fail it back to the
	// caller directly without any encryption.
	if packet.incomingChanID == hop.Source {
		return NewForwardingError(failure, 0)
	}

	// Otherwise encrypt the failure for the sender of the HTLC and hand
	// the fail packet back to the incoming link.
	reason, err := packet.obfuscator.EncryptFirstHop(failure)
	if err != nil {
		return fmt.Errorf("unable to obfuscate error: %v", err)
	}

	failPkt := &htlcPacket{
		incomingChanID: packet.incomingChanID,
		incomingHTLCID: packet.incomingHTLCID,
		htlc: &lnwire.UpdateFailHTLC{
			Reason: reason,
		},
	}

	s.indexMtx.RLock()
	source, err := s.getLinkByShortID(failPkt.incomingChanID)
	s.indexMtx.RUnlock()
	if err != nil {
		return fmt.Errorf("unable to find source link for %v",
			failPkt.incomingChanID)
	}

	return source.HandleSwitchPacket(failPkt)
}

// handlePacketResponse handles settle and fail updates crossing the switch
// in the backwards direction. The corresponding circuit is located using the
// outgoing circuit key, and the response is dispatched either to the
// incoming link or, for locally initiated payments, to the waiting caller.
func (s *Switch) handlePacketResponse(packet *htlcPacket) error {
	// If the packet was produced by an outgoing link that failed the ADD
	// before it was ever committed, the incoming coordinates are already
	// populated and the circuit has to be torn down by its incoming key.
	var circuit *PaymentCircuit
	if packet.circuit != nil {
		var err error
		circuit, err = s.circuits.DeleteCircuit(packet.circuit.InKey())
		if err != nil {
			return fmt.Errorf("unable to close circuit %v: %v",
				packet.circuit.InKey(), err)
		}
	} else {
		var err error
		circuit, err = s.circuits.CloseCircuit(packet.outKey())
		if err != nil {
			return fmt.Errorf("unable to find target channel "+
				"for HTLC response %v: %v", packet.outKey(),
				err)
		}

		packet.incomingChanID = circuit.Incoming.ChanID
		packet.incomingHTLCID = circuit.Incoming.HtlcID
		packet.obfuscator = circuit.ErrorEncrypter
	}

	// If this is the response for a locally initiated payment, notify
	// the waiting caller instead of relaying it to a link.
	if packet.incomingChanID == hop.Source {
		return s.resolveLocalPayment(packet, circuit)
	}

	// For a fail originating beyond the outgoing link the reason is
	// already encrypted by downstream hops, our own layer is added here.
	// Failures generated locally by the outgoing link are encrypted for
	// the first hop.
	if fail, ok := packet.htlc.(*lnwire.UpdateFailHTLC); ok {
		switch {
		case packet.linkFailure != nil:
			reason, err := packet.obfuscator.EncryptFirstHop(
				packet.linkFailure,
			)
			if err != nil {
				return fmt.Errorf("unable to obfuscate "+
					"error: %v", err)
			}
			fail.Reason = reason

		default:
			fail.Reason = packet.obfuscator.IntermediateEncrypt(
				fail.Reason,
			)
		}
	}

	s.indexMtx.RLock()
	source, err := s.getLinkByShortID(packet.incomingChanID)
	s.indexMtx.RUnlock()
	if err != nil {
		return fmt.Errorf("unable to find source link for %v",
			packet.incomingChanID)
	}

	return source.HandleSwitchPacket(packet)
}

// resolveLocalPayment notifies the waiting caller of the final resolution of
// a locally initiated payment, closing the payment's circuit entry.
func (s *Switch) resolveLocalPayment(packet *htlcPacket,
	circuit *PaymentCircuit) error {

	// Restore the packet's incoming coordinates from the circuit so the
	// pending payment can be located.
	packet.incomingHTLCID = circuit.Incoming.HtlcID

	switch htlc := packet.htlc.(type) {
	case *lnwire.UpdateFulfillHTLC:
		s.handleLocalResponse(packet, nil, &htlc.PaymentPreimage)

	case *lnwire.UpdateFailHTLC:
		if packet.linkFailure != nil {
			s.handleLocalResponse(packet, packet.linkFailure, nil)
			return nil
		}
		s.handleLocalFailResponse(packet, htlc.Reason)
	}

	return nil
}

// handleLocalResponse resolves a pending payment with the given failure, or
// with the given preimage when failure is nil.
func (s *Switch) handleLocalResponse(packet *htlcPacket,
	failure lnwire.FailureMessage, preimage *lntypes.Preimage) {

	payment := s.findPayment(packet.incomingHTLCID)
	if payment == nil {
		return
	}

	if failure != nil {
		payment.err <- NewForwardingError(failure, 0)
		payment.preimage <- zeroPreimage
	} else {
		payment.err <- nil
		payment.preimage <- *preimage
	}

	s.removePendingPayment(packet.incomingHTLCID)
}

// handleLocalFailResponse decrypts an onion encrypted failure reason
// received for a locally initiated payment and resolves the pending payment
// with the extracted forwarding error.
func (s *Switch) handleLocalFailResponse(packet *htlcPacket,
	reason lnwire.OpaqueReason) {

	payment := s.findPayment(packet.incomingHTLCID)
	if payment == nil {
		return
	}

	var failure error
	fwdErr, err := payment.deobfuscator.DecryptError(reason)
	if err != nil {
		log.Errorf("unable to de-obfuscate onion failure: %v", err)
		failure = fmt.Errorf("unable to de-obfuscate onion failure")
	} else {
		failure = fwdErr
	}

	payment.err <- failure
	payment.preimage <- zeroPreimage

	s.removePendingPayment(packet.incomingHTLCID)
}

// removePendingPayment deletes the pending payment with the given id.
func (s *Switch) removePendingPayment(paymentID uint64) {
	s.pendingMutex.Lock()
	defer s.pendingMutex.Unlock()

	delete(s.pendingPayments, paymentID)
}

// findPayment returns the pending payment with the given id, or nil if none
// exists.
func (s *Switch) findPayment(paymentID uint64) *pendingPayment {
	s.pendingMutex.RLock()
	defer s.pendingMutex.RUnlock()

	payment, ok := s.pendingPayments[paymentID]
	if !ok {
		log.Errorf("payment with id %v is not found", paymentID)
		return nil
	}

	return payment
}

// numPendingPayments is helper function which returns the number of current
// pending payments.
func (s *Switch) numPendingPayments() int {
	s.pendingMutex.RLock()
	defer s.pendingMutex.RUnlock()

	return len(s.pendingPayments)
}
