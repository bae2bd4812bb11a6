package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/input"
	"github.com/chancore/chancore/lnwallet/chainfee"
	"github.com/chancore/chancore/lnwire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrChanAlreadyClosing is returned when a channel shutdown is
	// attempted more than once.
	ErrChanAlreadyClosing = fmt.Errorf("channel shutdown already initiated")

	// ErrChanCloseNotFinished is returned when a caller attempts to access
	// a field or function that is contingent on the channel closure
	// negotiation already being completed.
	ErrChanCloseNotFinished = fmt.Errorf("close negotiation not finished")

	// ErrInvalidState is returned when the closing state machine receives
	// a message while it is in an unknown state.
	ErrInvalidState = fmt.Errorf("invalid state")

	// ErrProposalExceedsMaxFee is returned when as the initiator, the
	// latest fee proposal sent by the responder exceeds our max fee.
	ErrProposalExceedsMaxFee = fmt.Errorf("latest fee proposal exceeds " +
		"max fee")
)

// closeState represents all the possible states the channel closer state
// machine can be in. Each message will either advance to the next state, or
// remain at the current state. Once the state machine reaches a state of
// closeFinished, then negotiation is over.
type closeState uint8

const (
	// closeIdle is the initial starting state. In this state, the state
	// machine has been instantiated, but no state transitions have been
	// attempted. If a state machine receives a message while in this
	// state, then it is the responder to an initiated cooperative channel
	// closure.
	closeIdle closeState = iota

	// closeShutdownInitiated is the state that's transitioned to once the
	// initiator of a closing workflow sends the shutdown message. At this
	// point, they're waiting for the remote party to respond with their
	// own shutdown message. After which, they'll both enter the fee
	// negotiation phase.
	closeShutdownInitiated

	// closeAwaitingFlush is the state that's transitioned to once both
	// Shutdown messages have been exchanged but we are waiting for the
	// HTLCs to clear out of the channel.
	closeAwaitingFlush

	// closeFeeNegotiation is the most persistent state. Both parties
	// enter this state after they've sent and received a shutdown
	// message. During this phase, both sides will send monotonically
	// converging fee proposals until one side accepts the last fee
	// offered by the other party, signs the final closure transaction,
	// and sends the accepted fee to the remote party. This then causes a
	// shift into the closeFinished state.
	closeFeeNegotiation

	// closeFinished is the final state of the state machine. In this
	// state, a side has accepted a fee offer and has the valid closing
	// transaction at hand. During this phase, the closing transaction
	// becomes available for examination.
	closeFinished
)

const (
	// defaultMaxFeeMultiplier is a multiplier we'll apply to the ideal
	// fee of the initiator, to decide when the negotiated fee is too
	// high. By default, we want to bail out if we attempt to negotiate a
	// fee that's 3x higher than our ideal fee.
	defaultMaxFeeMultiplier = 3
)

// ChanCloseCfg holds all the items that a ChanCloser requires to carry out
// its duties.
type ChanCloseCfg struct {
	// Channel is the channel that should be closed.
	Channel *LightningChannel

	// BroadcastTx broadcasts the passed transaction to the network.
	BroadcastTx func(*wire.MsgTx) error

	// DisableChannel disables a channel, resulting in it not being able
	// to forward payments.
	DisableChannel func(wire.OutPoint) error

	// MaxFee, if non-zero, represents the highest fee rate that the
	// initiator is willing to pay to close the channel.
	MaxFee chainfee.SatPerKWeight

	// Quit is a channel that should be sent upon in the occasion the
	// state machine should cease all progress and shutdown.
	Quit chan struct{}
}

// ChanCloser is a state machine that handles the cooperative channel closure
// procedure. This includes shutting down a channel, marking it ineligible
// for routing HTLC's, negotiating fees with the remote party, and finally
// producing the fully signed closure transaction.
type ChanCloser struct {
	// state is the current state of the state machine.
	state closeState

	// cfg holds the configuration for this ChanCloser instance.
	cfg ChanCloseCfg

	// chanPoint is the full channel point of the target channel.
	chanPoint wire.OutPoint

	// cid is the full channel ID of the target channel.
	cid lnwire.ChannelID

	// negotiationHeight is the height that the fee negotiation begun at.
	negotiationHeight uint32

	// closingTx is the final, fully signed closing transaction. This
	// will only be populated once the state machine shifts to the
	// closeFinished state.
	closingTx *wire.MsgTx

	// idealFeeSat is the ideal fee that the state machine should
	// initially offer when starting negotiation. This will be used as a
	// baseline.
	idealFeeSat btcutil.Amount

	// maxFee is the highest fee the initiator is willing to pay to close
	// out the channel. This is either a user specified value, or a
	// default multiplier based off the initial starting ideal fee.
	maxFee btcutil.Amount

	// idealFeeRate is our ideal fee rate.
	idealFeeRate chainfee.SatPerKWeight

	// lastFeeProposal is the last fee that we proposed to the remote
	// party. We'll use this as a pivot point to ratchet our next offer
	// up, down, or simply accept the remote party's prior offer.
	lastFeeProposal btcutil.Amount

	// priorFeeOffers is a map that keeps track of all the proposed fees
	// that we've offered during the fee negotiation. We use this map to
	// cut the negotiation early if the remote party ever sends an offer
	// that we've sent in the past. Once negotiation terminates, we can
	// extract the prior signature of our accepted offer from this map.
	priorFeeOffers map[btcutil.Amount]*lnwire.ClosingSigned

	// localDeliveryScript is the script that we'll send our settled
	// channel funds to.
	localDeliveryScript []byte

	// remoteDeliveryScript is the script that we'll send the remote
	// party's settled channel funds to.
	remoteDeliveryScript []byte

	// cachedClosingSigned is a cached copy of a received ClosingSigned
	// that arrived before the channel was fully flushed of HTLCs.
	cachedClosingSigned fn.Option[lnwire.ClosingSigned]
}

// NewChanCloser creates a new instance of the channel closure state machine
// given the passed configuration, delivery script, and fee preference.
func NewChanCloser(cfg ChanCloseCfg, deliveryScript lnwire.DeliveryAddress,
	idealFeePerKw chainfee.SatPerKWeight,
	negotiationHeight uint32) *ChanCloser {

	chanPoint := *cfg.Channel.ChannelPoint()
	cid := lnwire.NewChanIDFromOutPoint(chanPoint)

	return &ChanCloser{
		state:               closeIdle,
		chanPoint:           chanPoint,
		cid:                 cid,
		cfg:                 cfg,
		negotiationHeight:   negotiationHeight,
		idealFeeRate:        idealFeePerKw,
		localDeliveryScript: deliveryScript,
		priorFeeOffers: make(
			map[btcutil.Amount]*lnwire.ClosingSigned,
		),
	}
}

// coopCloseWeight estimates the weight of the cooperative close transaction
// paying out to the two passed delivery scripts.
func coopCloseWeight(localDeliveryScript, remoteDeliveryScript []byte) int64 {
	// The base transaction size covers the version, lock time,
	// input/output counts, and the funding input itself.
	baseSize := 4 + 4 + 1 + 1 + 41

	baseSize += 8 + 1 + len(localDeliveryScript)
	baseSize += 8 + 1 + len(remoteDeliveryScript)

	return int64(baseSize)*4 + input.WitnessHeaderSize +
		input.MultiSigWitnessWeight
}

// initFeeBaseline computes our ideal starting fee, and also the largest fee
// we'll accept given the delivery scripts of both parties.
func (c *ChanCloser) initFeeBaseline() {
	closeWeight := coopCloseWeight(
		c.localDeliveryScript, c.remoteDeliveryScript,
	)

	// Given the target fee-per-kw, we'll compute what our ideal _total_
	// fee will be starting at for this fee negotiation.
	c.idealFeeSat = c.idealFeeRate.FeeForWeight(closeWeight)

	// When we're the initiator, we'll want to also factor in the highest
	// fee we want to pay. This'll either be 3x the ideal fee, or the
	// explicit max fee rate mapped onto the closing weight.
	c.maxFee = c.idealFeeSat * defaultMaxFeeMultiplier
	if c.cfg.MaxFee > 0 {
		c.maxFee = c.cfg.MaxFee.FeeForWeight(closeWeight)
	}

	walletLog.Infof("Ideal fee for closure of ChannelPoint(%v) is: %v "+
		"sat (max_fee=%v sat)", c.chanPoint, int64(c.idealFeeSat),
		int64(c.maxFee))
}

// initChanShutdown begins the shutdown process by disabling the channel and
// creating a valid shutdown message for our target delivery address.
func (c *ChanCloser) initChanShutdown() (*lnwire.Shutdown, error) {
	shutdown := lnwire.NewShutdown(c.cid, c.localDeliveryScript)

	// Before closing, we'll attempt to send a disable update for the
	// channel, to stop any new HTLCs from being routed through it.
	if c.cfg.DisableChannel != nil {
		if err := c.cfg.DisableChannel(c.chanPoint); err != nil {
			walletLog.Warnf("Unable to disable channel %v on "+
				"close: %v", c.chanPoint, err)
		}
	}

	walletLog.Infof("ChannelPoint(%v): sending shutdown message",
		c.chanPoint)

	return shutdown, nil
}

// ShutdownChan is the first method that's to be called by the initiator of
// the cooperative channel closure. This message returns the shutdown message
// to send to the remote party. Upon completion, we enter the
// closeShutdownInitiated phase as we await a response.
func (c *ChanCloser) ShutdownChan() (*lnwire.Shutdown, error) {
	// If we attempt to shutdown the channel for the first time, and
	// we're not in the closeIdle state, then the caller made an error.
	if c.state != closeIdle {
		return nil, ErrChanAlreadyClosing
	}

	walletLog.Infof("ChannelPoint(%v): initiating shutdown", c.chanPoint)

	shutdownMsg, err := c.initChanShutdown()
	if err != nil {
		return nil, err
	}

	// With the opening steps complete, we'll transition into the
	// closeShutdownInitiated state. In this state, we'll wait until the
	// other party sends their version of the shutdown message.
	c.state = closeShutdownInitiated

	return shutdownMsg, nil
}

// ClosingTx returns the fully signed, final closing transaction.
//
// NOTE: This transaction is only available if the state machine is in the
// closeFinished state.
func (c *ChanCloser) ClosingTx() (*wire.MsgTx, error) {
	// If the state machine hasn't finished closing the channel, then
	// we'll return an error as we haven't yet computed the closing tx.
	if c.state != closeFinished {
		return nil, ErrChanCloseNotFinished
	}

	return c.closingTx, nil
}

// NegotiationHeight returns the height the negotiation began at.
func (c *ChanCloser) NegotiationHeight() uint32 {
	return c.negotiationHeight
}

// ReceiveShutdown takes a raw Shutdown message and uses it to try to advance
// the closing state machine, failing if it arrives at an invalid time. If
// appropriate, it will also generate a Shutdown message of its own to send
// out to the peer.
func (c *ChanCloser) ReceiveShutdown(msg *lnwire.Shutdown) (
	fn.Option[lnwire.Shutdown], error) {

	noShutdown := fn.None[lnwire.Shutdown]()

	switch c.state {
	// If we're in the close idle state, and we're receiving a channel
	// closure related message, then this indicates that we're on the
	// receiving side of an initiated channel closure.
	case closeIdle:
		// We'll record their preferred delivery script, to use when
		// we craft the closure transaction.
		c.remoteDeliveryScript = msg.Address

		// We'll generate a shutdown message of our own to send
		// across the wire.
		localShutdown, err := c.initChanShutdown()
		if err != nil {
			return noShutdown, err
		}

		walletLog.Infof("ChannelPoint(%v): responding to shutdown",
			c.chanPoint)

		// Both shutdown messages are exchanged, so all that's left
		// is for the channel to be flushed of active HTLCs before
		// the fee negotiation can begin.
		c.state = closeAwaitingFlush

		return fn.Some(*localShutdown), nil

	case closeShutdownInitiated:
		// Now that we know this is a valid shutdown message, we'll
		// record their preferred delivery closing script.
		c.remoteDeliveryScript = msg.Address

		c.state = closeAwaitingFlush

		walletLog.Infof("ChannelPoint(%v): shutdown response "+
			"received, awaiting channel flush", c.chanPoint)

		return noShutdown, nil

	default:
		// Otherwise we are not in a state where we can accept this
		// message.
		return noShutdown, ErrInvalidState
	}
}

// BeginNegotiation should be called once the channel has been flushed of all
// active HTLCs and both sides are ready to cooperatively arrive at a closing
// transaction. If it is our responsibility to kick off the negotiation, this
// method will generate a ClosingSigned message. In either case it will
// transition the state machine to the negotiation phase wherein
// ClosingSigned messages are exchanged until both sides agree on a fee.
func (c *ChanCloser) BeginNegotiation() (fn.Option[lnwire.ClosingSigned],
	error) {

	noClosingSigned := fn.None[lnwire.ClosingSigned]()

	switch c.state {
	case closeAwaitingFlush:
		// Now that we know their desired delivery script, we can
		// compute what our max/ideal fee will be.
		c.initFeeBaseline()

		// At this point, we can now start the fee negotiation state,
		// by constructing and sending our initial signature for what
		// we think the closing transaction should look like.
		c.state = closeFeeNegotiation

		if !c.cfg.Channel.IsInitiator() {
			// As the responder we don't kick off negotiation,
			// but we do want to check if we have a cached remote
			// offer to process. If we do, we'll process it here.
			res := noClosingSigned
			var err error
			c.cachedClosingSigned.WhenSome(
				func(cs lnwire.ClosingSigned) {
					res, err = c.ReceiveClosingSigned(&cs)
				},
			)

			return res, err
		}

		// We'll craft our initial close proposal in order to keep
		// the negotiation moving, but only if we're the initiator.
		closingSigned, err := c.proposeCloseSigned(c.idealFeeSat)
		if err != nil {
			return noClosingSigned, fmt.Errorf("unable to sign "+
				"new co op close offer: %w", err)
		}

		return fn.Some(*closingSigned), nil

	default:
		return noClosingSigned, ErrInvalidState
	}
}

// ReceiveClosingSigned is a method that should be called whenever we receive
// a ClosingSigned message from the wire. It may or may not return a
// ClosingSigned of our own to send back to the remote.
func (c *ChanCloser) ReceiveClosingSigned(msg *lnwire.ClosingSigned) (
	fn.Option[lnwire.ClosingSigned], error) {

	noClosing := fn.None[lnwire.ClosingSigned]()

	switch c.state {
	case closeAwaitingFlush:
		// If we hit this case it either means there's a protocol
		// violation, or that we received the remote offer before the
		// channel finished flushing its HTLCs. Cache it so it can be
		// processed once negotiation formally begins.
		c.cachedClosingSigned = fn.Some(*msg)
		return noClosing, nil

	case closeFeeNegotiation:
		// We'll compare the proposed total fee, to what we've
		// proposed during the negotiations. If it doesn't match any
		// of our prior offers, then we'll attempt to ratchet the fee
		// closer to our ideal fee.
		remoteProposedFee := msg.FeeSatoshis

		_, feeMatchesOffer := c.priorFeeOffers[remoteProposedFee]
		if !feeMatchesOffer {
			// We'll now attempt to ratchet towards a fee deemed
			// acceptable by both parties, factoring in our ideal
			// fee rate, and the last proposed fee by both sides.
			proposal := calcCompromiseFee(
				c.chanPoint, c.idealFeeSat,
				c.lastFeeProposal, remoteProposedFee,
			)
			if c.cfg.Channel.IsInitiator() && proposal > c.maxFee {
				return noClosing, fmt.Errorf("%w: %v > %v",
					ErrProposalExceedsMaxFee, proposal,
					c.maxFee)
			}

			// With our new fee proposal calculated, we'll craft
			// a new close signed signature to send to the other
			// party so we can continue the fee negotiation
			// process.
			closeSigned, err := c.proposeCloseSigned(proposal)
			if err != nil {
				return noClosing, fmt.Errorf("unable to "+
					"sign new co op close offer: %w", err)
			}

			// If the compromise fee doesn't match what the peer
			// proposed, then we'll return this latest close
			// signed message so we can continue negotiation.
			if proposal != remoteProposedFee {
				walletLog.Debugf("ChannelPoint(%v): close "+
					"tx fee disagreement, continuing "+
					"negotiation", c.chanPoint)

				return fn.Some(*closeSigned), nil
			}
		}

		walletLog.Infof("ChannelPoint(%v) fee of %v accepted, "+
			"ending negotiation", c.chanPoint, remoteProposedFee)

		// Otherwise, we've agreed on a fee for the closing
		// transaction! We'll craft the final closing transaction so
		// we can hand it off for broadcast.
		matchingSig := c.priorFeeOffers[remoteProposedFee]
		localSig, err := matchingSig.Signature.ToSignature()
		if err != nil {
			return noClosing, err
		}
		remoteSig, err := msg.Signature.ToSignature()
		if err != nil {
			return noClosing, err
		}

		closeTx, _, err := c.cfg.Channel.CompleteCooperativeClose(
			localSig, remoteSig, c.localDeliveryScript,
			c.remoteDeliveryScript, remoteProposedFee,
		)
		if err != nil {
			return noClosing, err
		}
		c.closingTx = closeTx

		// With the closing transaction crafted, we'll now broadcast
		// it to the network.
		if c.cfg.BroadcastTx != nil {
			if err := c.cfg.BroadcastTx(closeTx); err != nil {
				return noClosing, err
			}
		}

		// Finally, we'll transition to the closeFinished state, and
		// also return the final close signed message we sent.
		c.state = closeFinished

		return fn.Some(*matchingSig), nil

	// If we received a message while in the closeFinished state, then
	// this should only be the remote party echoing the last
	// ClosingSigned message that we agreed on.
	case closeFinished:
		// There's no more to do as both sides should have already
		// broadcast the closing transaction at this state.
		return noClosing, nil

	default:
		return noClosing, ErrInvalidState
	}
}

// proposeCloseSigned attempts to propose a new signature for the closing
// transaction for a channel based on the prior fee negotiations and our
// current compromise fee.
func (c *ChanCloser) proposeCloseSigned(fee btcutil.Amount) (
	*lnwire.ClosingSigned, error) {

	rawSig, _, _, err := c.cfg.Channel.CreateCloseProposal(
		fee, c.localDeliveryScript, c.remoteDeliveryScript,
	)
	if err != nil {
		return nil, err
	}

	// We'll note our last signature and proposed fee so when the remote
	// party responds we'll be able to decide if we've agreed on fees or
	// not.
	parsedSig, err := lnwire.NewSigFromSignature(rawSig)
	if err != nil {
		return nil, err
	}

	c.lastFeeProposal = fee

	walletLog.Infof("ChannelPoint(%v): proposing fee of %v sat to close "+
		"chan", c.chanPoint, int64(fee))

	closeSignedMsg := lnwire.NewClosingSigned(c.cid, fee, parsedSig)

	// We'll also save this close signed, in the case that the remote
	// party accepts our offer. This way, we don't have to re-sign.
	c.priorFeeOffers[fee] = closeSignedMsg

	return closeSignedMsg, nil
}

// feeInAcceptableRange returns true if the passed remote fee is deemed to be
// in an "acceptable" range to our local fee. This is an attempt at a
// compromise and to ensure that the fee negotiation has a stopping point. We
// consider their fee acceptable if it's within 30% of our fee.
func feeInAcceptableRange(localFee, remoteFee btcutil.Amount) bool {
	// If our offer is lower than theirs, then we'll accept their offer
	// if it's no more than 30% *greater* than our current offer.
	if localFee < remoteFee {
		acceptableRange := localFee + ((localFee * 3) / 10)
		return remoteFee <= acceptableRange
	}

	// If our offer is greater than theirs, then we'll accept their offer
	// if it's no more than 30% *less* than our current offer.
	acceptableRange := localFee - ((localFee * 3) / 10)
	return remoteFee >= acceptableRange
}

// ratchetFee is our step function used to inch our fee closer to something
// that both sides can agree on. If up is true, then we'll attempt to
// increase our offered fee. Otherwise, if up is false, then we'll attempt to
// decrease our offered fee.
func ratchetFee(fee btcutil.Amount, up bool) btcutil.Amount {
	// If we need to ratchet up, then we'll increase our fee by 10%.
	if up {
		return fee + ((fee * 1) / 10)
	}

	// Otherwise, we'll *decrease* our fee by 10%.
	return fee - ((fee * 1) / 10)
}

// calcCompromiseFee performs the current fee negotiation algorithm, taking
// into consideration our ideal fee based on the current fee environment, the
// fee we last proposed (if any), and the fee proposed by the peer.
func calcCompromiseFee(chanPoint wire.OutPoint, ourIdealFee, lastSentFee,
	remoteFee btcutil.Amount) btcutil.Amount {

	walletLog.Infof("ChannelPoint(%v): computing fee compromise, "+
		"ideal=%v, last_sent=%v, remote_offer=%v", chanPoint,
		int64(ourIdealFee), int64(lastSentFee), int64(remoteFee))

	switch {
	// If their proposed fee is identical to our ideal fee, then we'll go
	// with that as we can short circuit the fee negotiation. Similarly,
	// if we haven't sent an offer yet, we'll default to our ideal fee.
	case ourIdealFee == remoteFee || lastSentFee == 0:
		return ourIdealFee

	// If the last fee we sent, is equal to the fee the remote party is
	// offering, then we can simply return this fee as the negotiation is
	// over.
	case remoteFee == lastSentFee:
		return lastSentFee

	// If the fee the remote party is offering is less than the last one
	// we sent, then we'll need to ratchet down in order to move our
	// offer closer to theirs.
	case remoteFee < lastSentFee:
		// If the fee is lower, but still acceptable, then we'll just
		// return this fee and end the negotiation.
		if feeInAcceptableRange(lastSentFee, remoteFee) {
			walletLog.Infof("ChannelPoint(%v): proposed remote "+
				"fee is close enough, capitulating", chanPoint)

			return remoteFee
		}

		// Otherwise, we'll ratchet the fee *down*.
		return ratchetFee(lastSentFee, false)

	// If the fee the remote party is offering is greater than the last
	// one we sent, then we'll ratchet up in order to ensure we terminate
	// eventually.
	case remoteFee > lastSentFee:
		// If the fee is greater, but still acceptable, then we'll
		// just return this fee in order to put an end to the
		// negotiation.
		if feeInAcceptableRange(lastSentFee, remoteFee) {
			walletLog.Infof("ChannelPoint(%v): proposed remote "+
				"fee is close enough, capitulating", chanPoint)

			return remoteFee
		}

		// Otherwise, we'll ratchet the fee up.
		return ratchetFee(lastSentFee, true)

	default:
		return remoteFee
	}
}
