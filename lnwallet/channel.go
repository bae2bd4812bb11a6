package lnwallet

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"

	"github.com/chancore/chancore/chainntnfs"
	"github.com/chancore/chancore/channeldb"
	"github.com/chancore/chancore/input"
	"github.com/chancore/chancore/lnwallet/chainfee"
	"github.com/chancore/chancore/lnwire"
)

// channelState is an enum like type which represents the current state of a
// particular channel.
type channelState uint8

const (
	// channelOpen represents an open, active channel capable of
	// sending/receiving HTLCs.
	channelOpen channelState = iota

	// channelClosing represents a channel which is in the process of
	// being closed.
	channelClosing

	// channelClosed represents a channel which has been fully closed.
	channelClosed

	// channelFailed represents a channel that received an invalid
	// commitment signature or revocation from the remote party. A failed
	// channel rejects all further update proposals, and its only valid
	// transition is a unilateral force closure.
	channelFailed
)

// LightningChannel implements the state machine which corresponds to the
// current commitment protocol wire spec. The state machine implemented allows
// for asynchronous fully desynchronized, batched+pipelined updates to
// commitment transactions allowing for a high degree of non-blocking
// bi-directional payment throughput.
//
// In order to allow updates to be fully non-blocking, either side is able to
// create multiple new commitment states up to a pre-determined window size.
// This window size is encoded within InitialRevocationWindow. Before the
// start of a session, both side should send out revocation messages with nil
// preimages in order to populate their revocation window for the remote
// party.
//
// The state machine has for main methods:
//   - .SignNextCommitment()
//     - Called one one wishes to sign the next commitment, either initiating
//       a new state update, or responding to a received commitment.
//   - .ReceiveNewCommitment()
//     - Called upon receipt of a new commitment from the remote party. If the
//       new commitment is valid, then a revocation should immediately be
//       generated and sent.
//   - .RevokeCurrentCommitment()
//     - Revokes the current commitment. Should be called directly after
//       receiving a new commitment.
//   - .ReceiveRevocation()
//     - Processes a revocation from the remote party. If successful creates a
//       new defacto broadcastable state.
//
// See the individual comments within the above methods for further details.
type LightningChannel struct {
	// Signer is the main signer instance that will be responsible for
	// signing any commitment or cooperative closure transactions
	// generated by the state machine.
	Signer input.Signer

	// signDesc is the primary sign descriptor that is capable of signing
	// the funding output.
	signDesc *input.SignDescriptor

	status channelState

	// currentHeight is the current height of our local commitment chain.
	// This is also the same as the number of updates to the channel we've
	// accepted.
	currentHeight uint64

	// localCommitChain is the local node's commitment chain. Any new
	// commitments received from the remote party are added to the tip of
	// this chain.
	localCommitChain *commitmentChain

	// remoteCommitChain is the remote node's commitment chain. Any new
	// commitments we initiate are added to the tip of this chain.
	remoteCommitChain *commitmentChain

	// channelState is the persistent on-disk state of the channel.
	channelState *channeldb.OpenChannel

	// localChanCfg is the configuration for the local node.
	localChanCfg *channeldb.ChannelConfig

	// remoteChanCfg is the configuration for the remote node.
	remoteChanCfg *channeldb.ChannelConfig

	// localUpdateLog is the primary update log for the local party.
	localUpdateLog *updateLog

	// remoteUpdateLog is the primary update log for the remote party.
	remoteUpdateLog *updateLog

	// FundingWitnessScript is the witness script for the 2-of-2 multi-sig
	// that opened the channel.
	FundingWitnessScript []byte

	fundingTxIn  wire.TxIn
	fundingP2WSH []byte

	// stateHintObfuscator is a 48-bit state hint that's used to obfuscate
	// the current state number on the commitment transactions.
	stateHintObfuscator [StateHintSize]byte

	sync.RWMutex
}

// NewLightningChannel creates a new, active payment channel given an
// implementation of the chain notifier, channel database, and the current
// settled channel state. Throughout state transitions, then channel will
// automatically persist pertinent state to the database in an efficient
// manner.
func NewLightningChannel(signer input.Signer,
	state *channeldb.OpenChannel) (*LightningChannel, error) {

	localCommit := state.LocalCommitment
	remoteCommit := state.RemoteCommitment

	// First, initialize the update logs with their current counter values
	// from the current commitment states.
	localUpdateLog := newUpdateLog(
		remoteCommit.LocalLogIndex, remoteCommit.LocalHtlcIndex,
	)
	remoteUpdateLog := newUpdateLog(
		localCommit.RemoteLogIndex, localCommit.RemoteHtlcIndex,
	)

	lc := &LightningChannel{
		Signer:            signer,
		currentHeight:     localCommit.CommitHeight,
		localCommitChain:  newCommitmentChain(),
		remoteCommitChain: newCommitmentChain(),
		channelState:      state,
		localChanCfg:      &state.LocalChanCfg,
		remoteChanCfg:     &state.RemoteChanCfg,
		localUpdateLog:    localUpdateLog,
		remoteUpdateLog:   remoteUpdateLog,
	}

	// With the main channel struct reconstructed, we'll now restore the
	// commitment state in memory and also the update logs themselves.
	err := lc.restoreCommitState(&localCommit, &remoteCommit)
	if err != nil {
		return nil, err
	}

	// Create the sign descriptor which we'll be using very frequently to
	// request a signature for the 2-of-2 multi-sig from the signer in
	// order to complete channel state transitions.
	if err := lc.createSignDesc(); err != nil {
		return nil, err
	}

	lc.createStateHintObfuscator()

	return lc, nil
}

// createSignDesc derives the SignDescriptor for commitment transactions from
// other fields on the LightningChannel.
func (lc *LightningChannel) createSignDesc() error {
	localKey := lc.localChanCfg.MultiSigKey.PubKey
	remoteKey := lc.remoteChanCfg.MultiSigKey.PubKey

	multiSigScript, err := input.GenMultiSigScript(
		localKey.SerializeCompressed(),
		remoteKey.SerializeCompressed(),
	)
	if err != nil {
		return err
	}

	fundingPkScript, err := input.WitnessScriptHash(multiSigScript)
	if err != nil {
		return err
	}

	lc.FundingWitnessScript = multiSigScript
	lc.fundingP2WSH = fundingPkScript
	lc.fundingTxIn = *wire.NewTxIn(
		&lc.channelState.FundingOutpoint, nil, nil,
	)

	lc.signDesc = &input.SignDescriptor{
		KeyDesc:       lc.localChanCfg.MultiSigKey,
		WitnessScript: multiSigScript,
		Output: &wire.TxOut{
			PkScript: fundingPkScript,
			Value:    int64(lc.channelState.Capacity),
		},
		HashType:   txscript.SigHashAll,
		InputIndex: 0,
	}

	return nil
}

// createStateHintObfuscator derives and assigns the state hint obfuscator for
// the channel, which is used to encode the commitment height in the lock time
// of the commitment transaction.
func (lc *LightningChannel) createStateHintObfuscator() {
	state := lc.channelState
	if state.IsInitiator {
		lc.stateHintObfuscator = DeriveStateHintObfuscator(
			state.LocalChanCfg.PaymentBasePoint.PubKey,
			state.RemoteChanCfg.PaymentBasePoint.PubKey,
		)
	} else {
		lc.stateHintObfuscator = DeriveStateHintObfuscator(
			state.RemoteChanCfg.PaymentBasePoint.PubKey,
			state.LocalChanCfg.PaymentBasePoint.PubKey,
		)
	}
}

// restoreCommitState will restore the local commitment chain and updateLog
// state to a consistent in-memory representation of the passed persisted
// commitment state.
func (lc *LightningChannel) restoreCommitState(
	localCommitState, remoteCommitState *channeldb.ChannelCommitment) error {

	// In order to reconstruct the pkScripts on each of the pending HTLC
	// outputs (if any) we'll need to regenerate the current revocation
	// for this current un-revoked state as well as retrieve the current
	// revocation for the remote party.
	ourRevPreImage, err := lc.channelState.RevocationProducer.AtIndex(
		lc.currentHeight,
	)
	if err != nil {
		return err
	}
	localCommitPoint := input.ComputeCommitmentPoint(ourRevPreImage[:])
	remoteCommitPoint := lc.channelState.RemoteCurrentRevocation

	// With the revocation state reconstructed, we can now convert the
	// disk commitment into our in-memory commitment format, inserting it
	// into the local commitment chain.
	localCommit, err := lc.diskCommitToMemCommit(
		localCommitState, true, localCommitPoint,
	)
	if err != nil {
		return err
	}
	lc.localCommitChain.addCommitment(localCommit)

	remoteCommit, err := lc.diskCommitToMemCommit(
		remoteCommitState, false, remoteCommitPoint,
	)
	if err != nil {
		return err
	}
	lc.remoteCommitChain.addCommitment(remoteCommit)

	// Next, we'll check to see if we have an un-acked commitment state we
	// extended to the remote party but which was never ACK'd.
	pendingRemoteCommit, err := lc.channelState.RemoteCommitChainTip()
	switch err {
	case nil:
		// The remote commitment chain has a pending commitment that
		// the remote party hasn't yet revoked their prior state for,
		// so we'll re-insert it into the chain.
		pendingCommitPoint := lc.channelState.RemoteNextRevocation
		pendingCommit, err := lc.diskCommitToMemCommit(
			pendingRemoteCommit, false, pendingCommitPoint,
		)
		if err != nil {
			return err
		}
		lc.remoteCommitChain.addCommitment(pendingCommit)

	case channeldb.ErrNoPendingCommit:
		// No pending commitment, nothing more to restore.

	default:
		return err
	}

	return nil
}

// diskHtlcToMemHtlc converts all the HTLCs of a disk commitment into payment
// descriptors and inserts any not-yet-known adds into the update logs.
func (lc *LightningChannel) restoreHtlcsFromCommit(
	diskCommit *channeldb.ChannelCommitment, isLocal bool,
	c *commitment) {

	for i := range diskCommit.Htlcs {
		htlc := diskCommit.Htlcs[i]

		pd := diskHtlcToPayDesc(
			&htlc, diskCommit.CommitHeight,
			diskCommit.CommitHeight,
		)

		if htlc.Incoming {
			c.incomingHTLCs = append(c.incomingHTLCs, pd)

			if lc.remoteUpdateLog.lookupHtlc(pd.HtlcIndex) == nil {
				restored := pd
				lc.remoteUpdateLog.restoreHtlc(&restored)
			}
		} else {
			c.outgoingHTLCs = append(c.outgoingHTLCs, pd)

			if lc.localUpdateLog.lookupHtlc(pd.HtlcIndex) == nil {
				restored := pd
				lc.localUpdateLog.restoreHtlc(&restored)
			}
		}
	}
}

// diskCommitToMemCommit converts the on-disk commitment format to our
// in-memory commitment format which is needed in order to properly resume
// channel operations after a restart.
func (lc *LightningChannel) diskCommitToMemCommit(
	diskCommit *channeldb.ChannelCommitment, isLocal bool,
	commitPoint *btcec.PublicKey) (*commitment, error) {

	commit := &commitment{
		height:            diskCommit.CommitHeight,
		isOurs:            isLocal,
		ourBalance:        diskCommit.LocalBalance,
		theirBalance:      diskCommit.RemoteBalance,
		ourMessageIndex:   diskCommit.LocalLogIndex,
		ourHtlcIndex:      diskCommit.LocalHtlcIndex,
		theirMessageIndex: diskCommit.RemoteLogIndex,
		theirHtlcIndex:    diskCommit.RemoteHtlcIndex,
		txn:               diskCommit.CommitTx,
		sig:               diskCommit.CommitSig,
		fee:               diskCommit.CommitFee,
		feePerKw:          chainfee.SatPerKWeight(diskCommit.FeePerKw),
	}
	if isLocal {
		commit.dustLimit = lc.localChanCfg.DustLimit
	} else {
		commit.dustLimit = lc.remoteChanCfg.DustLimit
	}

	lc.restoreHtlcsFromCommit(diskCommit, isLocal, commit)

	// Once the HTLCs have been restored and the scripts can be
	// regenerated, we can populate the output indexes for each of the
	// HTLC's on this commitment.
	if commitPoint != nil {
		keyRing := DeriveCommitmentKeys(
			commitPoint, isLocal, lc.localChanCfg,
			lc.remoteChanCfg,
		)
		if err := lc.populateHtlcIndexes(commit, keyRing); err != nil {
			return nil, err
		}
	}

	return commit, nil
}

// htlcIsDust determines if an HTLC output is considered dust on the
// commitment transaction it would be placed on. Whether an HTLC is dust
// depends on the amount of the HTLC minus the fee of the second-level
// transaction required to sweep it, compared against the dust limit of the
// commitment owner.
func htlcIsDust(incoming, ourCommit bool, feePerKw chainfee.SatPerKWeight,
	htlcAmt, dustLimit btcutil.Amount) bool {

	// First we'll determine the fee required for this HTLC based on if
	// this is an incoming HTLC or not, and also on whose commitment
	// transaction it will be placed on.
	var htlcFee btcutil.Amount
	switch {
	// If this is an incoming HTLC on our commitment transaction, then the
	// second-level transaction will be a success transaction.
	case incoming && ourCommit:
		htlcFee = feePerKw.FeeForWeight(input.HtlcSuccessWeight)

	// If this is an incoming HTLC on their commitment transaction, then
	// we'll be using a second-level timeout transaction as they've added
	// this HTLC.
	case incoming && !ourCommit:
		htlcFee = feePerKw.FeeForWeight(input.HtlcTimeoutWeight)

	// If this is an outgoing HTLC on our commitment transaction, then
	// we'll be using a timeout transaction as we're the sender of the
	// HTLC.
	case !incoming && ourCommit:
		htlcFee = feePerKw.FeeForWeight(input.HtlcTimeoutWeight)

	// If this is an outgoing HTLC on their commitment transaction, then
	// we'll be using an HTLC success transaction as they're the receiver
	// of this HTLC.
	case !incoming && !ourCommit:
		htlcFee = feePerKw.FeeForWeight(input.HtlcSuccessWeight)
	}

	return (htlcAmt - htlcFee) < dustLimit
}

// fetchHTLCView returns all the candidate HTLC updates which should be
// considered for inclusion within a commitment based on the passed HTLC log
// indexes.
func (lc *LightningChannel) fetchHTLCView(theirLogIndex,
	ourLogIndex uint64) *htlcView {

	var ourHTLCs []*paymentDescriptor
	for e := lc.localUpdateLog.Front(); e != nil; e = e.Next() {
		htlc := e.Value

		// This HTLC is active from this point-of-view iff the log
		// index of the state update is below the specified index in
		// our update log.
		if htlc.LogIndex < ourLogIndex {
			ourHTLCs = append(ourHTLCs, htlc)
		}
	}

	var theirHTLCs []*paymentDescriptor
	for e := lc.remoteUpdateLog.Front(); e != nil; e = e.Next() {
		htlc := e.Value

		// If this is an incoming HTLC, then it is only active from
		// this point-of-view if the index of the HTLC addition in
		// their log is below the specified view index.
		if htlc.LogIndex < theirLogIndex {
			theirHTLCs = append(theirHTLCs, htlc)
		}
	}

	return &htlcView{
		ourUpdates:   ourHTLCs,
		theirUpdates: theirHTLCs,
	}
}

// evaluateHTLCView processes all update entries in both HTLC update logs,
// producing a final view which is the result of properly applying all adds,
// settles, timeouts and fee updates found in both logs. The resulting view
// returned reflects the current state of HTLCs within the remote or local
// commitment chain, and the current commitment fee rate.
//
// If mutateState is set to true, then the add height of all added HTLCs will
// be set to nextHeight, and the remove height of all removed HTLCs will be
// set to nextHeight. This should therefore only be set to true once for each
// height, and only in concert with signing a new commitment.
func (lc *LightningChannel) evaluateHTLCView(view *htlcView, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64,
	remoteChain, mutateState bool) (*htlcView, error) {

	// We initialize the view's fee rate to the fee rate of the unfiltered
	// view. If any fee updates are found when evaluating the view, it
	// will be updated.
	newView := &htlcView{
		feePerKw: view.feePerKw,
	}

	// We use two maps, one for the local log and one for the remote log
	// to keep track of which entries we need to skip when creating the
	// final htlc view. We skip an entry whenever we find a settle or a
	// timeout modifying an entry.
	skipUs := make(map[uint64]struct{})
	skipThem := make(map[uint64]struct{})

	// First we run through non-add entries in both logs, populating the
	// skip sets and mutating the current chain state (crediting balances,
	// etc) to reflect the settle/timeout entry encountered.
	for _, entry := range view.ourUpdates {
		switch entry.EntryType {
		// Skip adds for now. They will be processed below.
		case Add:
			continue

		// Process fee updates, updating the current feePerKw.
		case FeeUpdate:
			processFeeUpdate(
				entry, nextHeight, remoteChain, mutateState,
				newView,
			)
			continue
		}

		// If we're settling an inbound HTLC, and it hasn't been
		// processed yet, then increment our state tracking the total
		// number of satoshis we've received within the channel.
		if mutateState && entry.EntryType == Settle && !remoteChain &&
			entry.removeCommitHeightLocal == 0 {

			lc.channelState.TotalMSatReceived += entry.Amount
		}

		addEntry := lc.remoteUpdateLog.lookupHtlc(entry.ParentIndex)
		if addEntry == nil {
			return nil, fmt.Errorf("unable to find parent entry "+
				"%d in remote update log", entry.ParentIndex)
		}

		skipThem[addEntry.HtlcIndex] = struct{}{}
		processRemoveEntry(entry, ourBalance, theirBalance,
			nextHeight, remoteChain, true, mutateState)
	}
	for _, entry := range view.theirUpdates {
		switch entry.EntryType {
		case Add:
			continue

		case FeeUpdate:
			processFeeUpdate(
				entry, nextHeight, remoteChain, mutateState,
				newView,
			)
			continue
		}

		// If the remote party is settling one of our outbound HTLC's,
		// and it hasn't been processed, yet, the increment our state
		// tracking the total number of satoshis we've sent within the
		// channel.
		if mutateState && entry.EntryType == Settle && !remoteChain &&
			entry.removeCommitHeightLocal == 0 {

			lc.channelState.TotalMSatSent += entry.Amount
		}

		addEntry := lc.localUpdateLog.lookupHtlc(entry.ParentIndex)
		if addEntry == nil {
			return nil, fmt.Errorf("unable to find parent entry "+
				"%d in local update log", entry.ParentIndex)
		}

		skipUs[addEntry.HtlcIndex] = struct{}{}
		processRemoveEntry(entry, ourBalance, theirBalance,
			nextHeight, remoteChain, false, mutateState)
	}

	// Next we take a second pass through all the log entries, skipping
	// any settled HTLCs, and debiting the chain state balance due to any
	// newly added HTLCs.
	for _, entry := range view.ourUpdates {
		isAdd := entry.EntryType == Add
		if _, ok := skipUs[entry.HtlcIndex]; !isAdd || ok {
			continue
		}

		processAddEntry(entry, ourBalance, theirBalance, nextHeight,
			remoteChain, false, mutateState)
		newView.ourUpdates = append(newView.ourUpdates, entry)
	}
	for _, entry := range view.theirUpdates {
		isAdd := entry.EntryType == Add
		if _, ok := skipThem[entry.HtlcIndex]; !isAdd || ok {
			continue
		}

		processAddEntry(entry, ourBalance, theirBalance, nextHeight,
			remoteChain, true, mutateState)
		newView.theirUpdates = append(newView.theirUpdates, entry)
	}

	return newView, nil
}

// processAddEntry evaluates the effect of an add entry within the HTLC log.
// If the HTLC hasn't yet been committed in either chain, then the height it
// was committed is updated. Keeping track of this inclusion height allows us
// to later compact the log once the change is fully committed in both chains.
func processAddEntry(htlc *paymentDescriptor, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64,
	remoteChain, isIncoming, mutateState bool) {

	// If we're evaluating this entry for the remote chain (to create/view
	// a new commitment), then we'll may be updating the height this entry
	// was added to the chain. Otherwise, we may be updating the entry's
	// height w.r.t the local chain.
	var addHeight *uint64
	if remoteChain {
		addHeight = &htlc.addCommitHeightRemote
	} else {
		addHeight = &htlc.addCommitHeightLocal
	}

	if *addHeight != 0 {
		return
	}

	if isIncoming {
		// If this is a new incoming (un-committed) HTLC, then we need
		// to update their balance accordingly by subtracting the
		// amount of the HTLC that are funds pending.
		*theirBalance -= htlc.Amount
	} else {
		// Similarly, we need to debit our balance if this is an out
		// going HTLC to reflect the pending balance.
		*ourBalance -= htlc.Amount
	}

	if mutateState {
		*addHeight = nextHeight
	}
}

// processRemoveEntry processes a log entry which settles or times out a
// previously added HTLC. If the removal entry has already been processed,
// it is skipped.
func processRemoveEntry(htlc *paymentDescriptor, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64,
	remoteChain bool, isIncoming, mutateState bool) {

	var removeHeight *uint64
	if remoteChain {
		removeHeight = &htlc.removeCommitHeightRemote
	} else {
		removeHeight = &htlc.removeCommitHeightLocal
	}

	// Ignore any removal entries which have already been processed.
	if *removeHeight != 0 {
		return
	}

	switch {
	// If an incoming HTLC is being settled, then this means that we've
	// received the preimage either from another subsystem, or the
	// upstream peer in the route. Therefore, we increase our balance by
	// the HTLC amount.
	case isIncoming && htlc.EntryType == Settle:
		*ourBalance += htlc.Amount

	// Otherwise, this HTLC is being failed out, therefore the value of
	// the HTLC should return to the remote party.
	case isIncoming && htlc.EntryType == Fail:
		*theirBalance += htlc.Amount

	// If an outgoing HTLC is being settled, then this means that the
	// downstream party resented the preimage or learned of it via a
	// downstream peer. In either case, we credit their settled value with
	// the value of the HTLC.
	case !isIncoming && htlc.EntryType == Settle:
		*theirBalance += htlc.Amount

	// Otherwise, one of our outgoing HTLC's has timed out, so the value
	// of the HTLC should be returned to our settled balance.
	case !isIncoming && htlc.EntryType == Fail:
		*ourBalance += htlc.Amount
	}

	if mutateState {
		*removeHeight = nextHeight
	}
}

// processFeeUpdate processes a log update that updates the current commitment
// fee.
func processFeeUpdate(feeUpdate *paymentDescriptor, nextHeight uint64,
	remoteChain bool, mutateState bool, view *htlcView) {

	// Fee updates are applied for all commitments after they are
	// sent/received, so we consider them being added and removed at the
	// same height.
	var addHeight *uint64
	var removeHeight *uint64
	if remoteChain {
		addHeight = &feeUpdate.addCommitHeightRemote
		removeHeight = &feeUpdate.removeCommitHeightRemote
	} else {
		addHeight = &feeUpdate.addCommitHeightLocal
		removeHeight = &feeUpdate.removeCommitHeightLocal
	}

	if *addHeight != 0 {
		return
	}

	// If the update wasn't already locked in, update the current fee rate
	// to reflect this update.
	view.feePerKw = chainfee.SatPerKWeight(
		feeUpdate.Amount.ToSatoshis(),
	)

	if mutateState {
		*addHeight = nextHeight
		*removeHeight = nextHeight
	}
}

// fetchCommitmentView returns a populated view of the current commitment for
// the target chain. The passed commitment keys will be used to re-derive the
// scripts used within the commitment. In addition to the htlcView, this
// method also returns a fully populated commitment which is ready to be
// signed or verified.
func (lc *LightningChannel) fetchCommitmentView(remoteChain bool,
	ourLogIndex, ourHtlcIndex, theirLogIndex, theirHtlcIndex uint64,
	keyRing *CommitmentKeyRing) (*commitment, error) {

	commitChain := lc.localCommitChain
	dustLimit := lc.localChanCfg.DustLimit
	if remoteChain {
		commitChain = lc.remoteCommitChain
		dustLimit = lc.remoteChanCfg.DustLimit
	}

	nextHeight := commitChain.tip().height + 1

	// Run through all the HTLCs that will be covered by this transaction
	// in order to update their commitment addition height, and to adjust
	// the balances on the commitment transaction accordingly.
	ourBalance := commitChain.tip().ourBalance
	theirBalance := commitChain.tip().theirBalance

	htlcView := lc.fetchHTLCView(theirLogIndex, ourLogIndex)
	htlcView.feePerKw = commitChain.tip().feePerKw

	filteredHTLCView, err := lc.evaluateHTLCView(
		htlcView, &ourBalance, &theirBalance, nextHeight, remoteChain,
		true,
	)
	if err != nil {
		return nil, err
	}
	feePerKw := filteredHTLCView.feePerKw

	// Determine how many current HTLCs are over the dust limit, and
	// should be counted for the purpose of fee calculation.
	var numHTLCs int64
	for _, htlc := range filteredHTLCView.ourUpdates {
		if htlcIsDust(false, !remoteChain, feePerKw,
			htlc.Amount.ToSatoshis(), dustLimit) {

			continue
		}

		numHTLCs++
	}
	for _, htlc := range filteredHTLCView.theirUpdates {
		if htlcIsDust(true, !remoteChain, feePerKw,
			htlc.Amount.ToSatoshis(), dustLimit) {

			continue
		}

		numHTLCs++
	}

	// Next, we'll calculate the fee for the commitment transaction based
	// on its total weight. Once we have the total weight, we'll multiply
	// by the current fee-per-kw, then divide by 1000 to get the proper
	// fee.
	totalCommitWeight := input.CommitWeight +
		input.HTLCWeight*numHTLCs

	// With the weight known, we can now calculate the commitment fee,
	// ensuring that we account for any dust outputs trimmed above.
	commitFee := feePerKw.FeeForWeight(totalCommitWeight)
	commitFeeMSat := lnwire.NewMSatFromSatoshis(commitFee)

	// Currently, within the protocol, the initiator always pays the fees.
	// So we'll subtract the fee amount from the balance of the current
	// initiator.
	if lc.channelState.IsInitiator {
		if ourBalance < commitFeeMSat {
			return nil, fmt.Errorf("local balance %v cannot "+
				"cover commitment fee %v", ourBalance,
				commitFeeMSat)
		}
		ourBalance -= commitFeeMSat
	} else {
		if theirBalance < commitFeeMSat {
			return nil, fmt.Errorf("remote balance %v cannot "+
				"cover commitment fee %v", theirBalance,
				commitFeeMSat)
		}
		theirBalance -= commitFeeMSat
	}

	var (
		commitTx *wire.MsgTx
	)

	// Depending on whether the transaction is ours or not, we call
	// CreateCommitTx with parameters matching the perspective, to
	// generate a new commitment transaction with all the latest updates
	// applied.
	if remoteChain {
		commitTx, err = CreateCommitTx(
			lc.fundingTxIn, keyRing, lc.remoteChanCfg,
			lc.localChanCfg, theirBalance.ToSatoshis(),
			ourBalance.ToSatoshis(),
		)
	} else {
		commitTx, err = CreateCommitTx(
			lc.fundingTxIn, keyRing, lc.localChanCfg,
			lc.remoteChanCfg, ourBalance.ToSatoshis(),
			theirBalance.ToSatoshis(),
		)
	}
	if err != nil {
		return nil, err
	}

	// We'll now add all the HTLC outputs to the commitment transaction.
	// Each output includes an off-chain 2-of-2 covenant clause, so we'll
	// need the objective local/remote keys for this particular commitment
	// as well. We track the absolute timeouts of each output so ties
	// between otherwise identical HTLC outputs sort deterministically.
	cltvs := make([]uint32, len(commitTx.TxOut))
	for _, htlc := range filteredHTLCView.ourUpdates {
		if htlcIsDust(false, !remoteChain, feePerKw,
			htlc.Amount.ToSatoshis(), dustLimit) {

			continue
		}

		err := addHTLC(commitTx, !remoteChain, false, htlc, keyRing)
		if err != nil {
			return nil, err
		}
		cltvs = append(cltvs, htlc.Timeout)
	}
	for _, htlc := range filteredHTLCView.theirUpdates {
		if htlcIsDust(true, !remoteChain, feePerKw,
			htlc.Amount.ToSatoshis(), dustLimit) {

			continue
		}

		err := addHTLC(commitTx, !remoteChain, true, htlc, keyRing)
		if err != nil {
			return nil, err
		}
		cltvs = append(cltvs, htlc.Timeout)
	}

	// Set the state hint of the commitment transaction to facilitate
	// quickly recovering the necessary penalty state in the case of an
	// uncooperative broadcast.
	err = SetStateNumHint(commitTx, nextHeight, lc.stateHintObfuscator)
	if err != nil {
		return nil, err
	}

	// Sort the transaction according to the agreed upon canonical
	// ordering, breaking ties between identical HTLC outputs using the
	// CLTV expiry. This ensures both parties construct byte-identical
	// commitment transactions.
	txsort.InPlaceCommitSort(commitTx, cltvs)

	// Next, we'll ensure that we don't accidentally create a commitment
	// transaction which would be invalid by consensus.
	uTx := btcutil.NewTx(commitTx)
	if err := blockchain.CheckTransactionSanity(uTx); err != nil {
		return nil, err
	}

	c := &commitment{
		height:            nextHeight,
		isOurs:            !remoteChain,
		ourBalance:        ourBalance,
		theirBalance:      theirBalance,
		ourMessageIndex:   ourLogIndex,
		ourHtlcIndex:      ourHtlcIndex,
		theirMessageIndex: theirLogIndex,
		theirHtlcIndex:    theirHtlcIndex,
		txn:               commitTx,
		fee:               commitFee,
		feePerKw:          feePerKw,
		dustLimit:         dustLimit,
	}

	// Copy the filtered HTLC set into the commitment so that it can be
	// persisted along with the commitment state.
	for _, htlc := range filteredHTLCView.ourUpdates {
		c.outgoingHTLCs = append(c.outgoingHTLCs, *htlc)
	}
	for _, htlc := range filteredHTLCView.theirUpdates {
		c.incomingHTLCs = append(c.incomingHTLCs, *htlc)
	}

	// Finally, we'll populate all the HTLC indexes to locate each HTLC
	// output on the commitment transaction.
	if err := lc.populateHtlcIndexes(c, keyRing); err != nil {
		return nil, err
	}

	return c, nil
}

// populateHtlcIndexes modifies the set of HTLCs locked-into the target view
// to have full indexing information populated. This information is required
// as we need to keep track of the indexes of each HTLC in order to properly
// write the current state to disk, and also to locate the
// paymentDescriptor corresponding to HTLC outputs in the commitment
// transaction.
func (lc *LightningChannel) populateHtlcIndexes(c *commitment,
	keyRing *CommitmentKeyRing) error {

	// First, we'll set up some state to allow us to locate the output
	// index of the all the HTLCs within the commitment transaction. We
	// must keep this index so we can validate the HTLC signatures sent to
	// us.
	dups := make(map[lnwire.MilliSatoshi][]int32)

	// populateIndex is a helper function that populates the necessary
	// indexes within the commitment view for a particular HTLC.
	populateIndex := func(htlc *paymentDescriptor, incoming bool) error {
		isDust := htlcIsDust(
			incoming, c.isOurs, c.feePerKw,
			htlc.Amount.ToSatoshis(), c.dustLimit,
		)

		var err error
		switch {
		// If this is our commitment transaction, and this is a dust
		// output then we mark it as such using a -1 index.
		case c.isOurs && isDust:
			htlc.localOutputIndex = -1

		// If this is the commitment transaction of the remote party,
		// and this is a dust output then we mark it as such using a -1
		// index.
		case !c.isOurs && isDust:
			htlc.remoteOutputIndex = -1

		// If this is our commitment transaction, then we'll need to
		// locate the output and the index so we can verify an HTLC
		// signatures.
		case c.isOurs:
			htlc.localOutputIndex, err = locateOutputIndex(
				htlc, c.txn, c.isOurs, incoming, dups, keyRing,
			)
			if err != nil {
				return err
			}

		// Otherwise, this is there remote party's commitment
		// transaction and we only need to populate the remote output
		// index within the HTLC index.
		case !c.isOurs:
			htlc.remoteOutputIndex, err = locateOutputIndex(
				htlc, c.txn, c.isOurs, incoming, dups, keyRing,
			)
			if err != nil {
				return err
			}
		}

		return nil
	}

	// Finally, we'll need to locate the index within the commitment
	// transaction of all the HTLC outputs above dust.
	for i := 0; i < len(c.outgoingHTLCs); i++ {
		htlc := &c.outgoingHTLCs[i]
		if err := populateIndex(htlc, false); err != nil {
			return err
		}
	}
	for i := 0; i < len(c.incomingHTLCs); i++ {
		htlc := &c.incomingHTLCs[i]
		if err := populateIndex(htlc, true); err != nil {
			return err
		}
	}

	return nil
}

// toDiskCommit converts the target commitment into a format suitable to be
// written to disk after an accepted state transition.
func (c *commitment) toDiskCommit(ourCommit bool) *channeldb.ChannelCommitment {
	numHtlcs := len(c.outgoingHTLCs) + len(c.incomingHTLCs)

	commit := &channeldb.ChannelCommitment{
		CommitHeight:    c.height,
		LocalLogIndex:   c.ourMessageIndex,
		LocalHtlcIndex:  c.ourHtlcIndex,
		RemoteLogIndex:  c.theirMessageIndex,
		RemoteHtlcIndex: c.theirHtlcIndex,
		LocalBalance:    c.ourBalance,
		RemoteBalance:   c.theirBalance,
		CommitFee:       c.fee,
		FeePerKw:        btcutil.Amount(c.feePerKw),
		CommitTx:        c.txn,
		CommitSig:       c.sig,
		Htlcs:           make([]channeldb.HTLC, 0, numHtlcs),
	}

	for _, htlc := range c.outgoingHTLCs {
		outputIndex := htlc.localOutputIndex
		if !ourCommit {
			outputIndex = htlc.remoteOutputIndex
		}

		h := channeldb.HTLC{
			RHash:         htlc.RHash,
			Amt:           htlc.Amount,
			RefundTimeout: htlc.Timeout,
			OutputIndex:   outputIndex,
			HtlcIndex:     htlc.HtlcIndex,
			LogIndex:      htlc.LogIndex,
			Incoming:      false,
			OnionBlob:     htlc.OnionBlob,
			Signature:     htlc.sig,
		}
		commit.Htlcs = append(commit.Htlcs, h)
	}

	for _, htlc := range c.incomingHTLCs {
		outputIndex := htlc.localOutputIndex
		if !ourCommit {
			outputIndex = htlc.remoteOutputIndex
		}

		h := channeldb.HTLC{
			RHash:         htlc.RHash,
			Amt:           htlc.Amount,
			RefundTimeout: htlc.Timeout,
			OutputIndex:   outputIndex,
			HtlcIndex:     htlc.HtlcIndex,
			LogIndex:      htlc.LogIndex,
			Incoming:      true,
			OnionBlob:     htlc.OnionBlob,
			Signature:     htlc.sig,
		}
		commit.Htlcs = append(commit.Htlcs, h)
	}

	return commit
}

// validateCommitmentSanity is used to validate the current state of the
// commitment transaction in terms of the ChannelConstraints that we and our
// remote peer agreed upon during the funding workflow. The
// predict[Our|Their]Add should parameters should be set to a valid
// paymentDescriptor if we are validating in the state when adding a new HTLC,
// or nil otherwise.
func (lc *LightningChannel) validateCommitmentSanity(theirLogCounter,
	ourLogCounter uint64, remoteChain bool,
	predictOurAdd, predictTheirAdd *paymentDescriptor) error {

	// Fetch all updates not committed.
	view := lc.fetchHTLCView(theirLogCounter, ourLogCounter)

	// If we are checking if we can add a new HTLC, we add this to the
	// appropriate update log, in order to validate the sanity of the
	// commitment resulting from _actually adding_ this HTLC to the state.
	if predictOurAdd != nil {
		view.ourUpdates = append(view.ourUpdates, predictOurAdd)
	}
	if predictTheirAdd != nil {
		view.theirUpdates = append(view.theirUpdates, predictTheirAdd)
	}

	commitChain := lc.localCommitChain
	if remoteChain {
		commitChain = lc.remoteCommitChain
	}
	ourInitialBalance := commitChain.tip().ourBalance
	theirInitialBalance := commitChain.tip().theirBalance

	ourBalance := ourInitialBalance
	theirBalance := theirInitialBalance
	view.feePerKw = commitChain.tip().feePerKw

	filteredView, err := lc.evaluateHTLCView(
		view, &ourBalance, &theirBalance,
		commitChain.tip().height+1, remoteChain, false,
	)
	if err != nil {
		return err
	}
	feePerKw := filteredView.feePerKw

	// Calculate the commitment fee, and subtract it from the initiator's
	// balance.
	numHTLCs := int64(len(filteredView.ourUpdates) +
		len(filteredView.theirUpdates))
	commitWeight := input.CommitWeight + input.HTLCWeight*numHTLCs
	commitFee := feePerKw.FeeForWeight(commitWeight)
	commitFeeMsat := lnwire.NewMSatFromSatoshis(commitFee)
	if lc.channelState.IsInitiator {
		ourBalance -= commitFeeMsat
	} else {
		theirBalance -= commitFeeMsat
	}

	// As a quick sanity check, we'll ensure that if we interpret the
	// balances as signed integers, they haven't dipped down below zero.
	// If they have, then this indicates that a party doesn't have
	// sufficient balance to cover the fees they need to pay for the
	// commitment.
	if int64(ourBalance) < 0 {
		return ErrBelowChanReserve
	}
	if int64(theirBalance) < 0 {
		return ErrBelowChanReserve
	}

	// Ensure that the fee being applied is enough to be relayed across
	// the network in a reasonable time frame.
	if feePerKw < chainfee.FeePerKwFloor {
		return fmt.Errorf("commitment fee per kw %v below fee floor "+
			"%v", feePerKw, chainfee.FeePerKwFloor)
	}

	// The commitment fee is paid by the initiator, so we ensure that the
	// initiator's balance (after the fee has been subtracted) is above
	// its reserve.
	ourReserve := lnwire.NewMSatFromSatoshis(lc.localChanCfg.ChanReserve)
	if ourBalance < ourReserve {
		return ErrBelowChanReserve
	}
	theirReserve := lnwire.NewMSatFromSatoshis(
		lc.remoteChanCfg.ChanReserve,
	)
	if theirBalance < theirReserve {
		return ErrBelowChanReserve
	}

	// validateUpdates take a set of updates, and validates them against
	// the passed channel constraints.
	validateUpdates := func(updates []*paymentDescriptor,
		constraints *channeldb.ChannelConfig) error {

		// We keep track of the number of HTLCs in flight for the
		// commitment, and the amount in flight.
		var numInFlight uint16
		var amtInFlight lnwire.MilliSatoshi

		// Go through all updates, checking that they don't violate
		// the channel constraints.
		for _, entry := range updates {
			if entry.EntryType != Add {
				continue
			}

			// An HTLC is being added, this will add to the number
			// and amount in flight.
			amtInFlight += entry.Amount
			numInFlight++

			// Check that the HTLC amount is positive.
			if entry.Amount == 0 {
				return ErrInvalidHTLCAmt
			}

			// Check that the value of the HTLC they added is
			// above our minimum.
			if entry.Amount < constraints.MinHTLC {
				return ErrBelowMinHTLC
			}
		}

		// Now that we know the total value of added HTLCs, we check
		// that this satisfy the MaxPendingAmont constraint.
		if amtInFlight > constraints.MaxPendingAmount {
			return ErrMaxPendingAmount
		}

		// In this step, we verify that the total number of active
		// HTLCs does not exceed the constraint of the maximum number
		// of HTLCs in flight.
		if numInFlight > constraints.MaxAcceptedHtlcs {
			return ErrMaxHTLCNumber
		}

		return nil
	}

	// First check that the remote updates won't violate it's channel
	// constraints.
	err = validateUpdates(
		filteredView.theirUpdates, lc.localChanCfg,
	)
	if err != nil {
		return err
	}

	// Secondly check that our updates won't violate our channel
	// constraints.
	err = validateUpdates(
		filteredView.ourUpdates, lc.remoteChanCfg,
	)
	if err != nil {
		return err
	}

	return nil
}

// SignNextCommitment signs a new state for the remote party's commitment
// chain. The method works by extending the remote party's chain with a new
// commitment which includes all the latest updates we know of. In addition
// to the commitment signature, a slice of signatures covering each
// outstanding HTLC on the commitment is returned, ordered by the position of
// the HTLC output within the commitment.
func (lc *LightningChannel) SignNextCommitment() (lnwire.Sig, []lnwire.Sig,
	error) {

	lc.Lock()
	defer lc.Unlock()

	var sig lnwire.Sig

	if lc.status != channelOpen {
		return sig, nil, ErrChanClosing
	}

	// If we're awaiting for an ACK to a commitment signature, or if we
	// don't yet know the next revocation point for the remote party, then
	// we're unable to create a new state.
	commitPoint := lc.channelState.RemoteNextRevocation
	if lc.remoteCommitChain.hasUnackedCommitment() || commitPoint == nil {
		return sig, nil, ErrNoWindow
	}

	// Determine the last update on the remote log that has been locked
	// in.
	remoteACKedIndex := lc.localCommitChain.tail().theirMessageIndex

	// If there are no pending updates to be committed, there's no reason
	// to sign a new commitment.
	if lc.localUpdateLog.logIndex ==
		lc.remoteCommitChain.tip().ourMessageIndex &&
		remoteACKedIndex == lc.remoteCommitChain.tip().theirMessageIndex {

		return sig, nil, ErrNoUpdatesToSign
	}

	// Before we extend this new commitment to the remote commitment
	// chain, ensure that we aren't violating any of the constraints the
	// remote party set up when we initially set up the channel.
	err := lc.validateCommitmentSanity(
		remoteACKedIndex, lc.localUpdateLog.logIndex, true, nil, nil,
	)
	if err != nil {
		return sig, nil, err
	}

	// Grab the next commitment point for the remote party. This will be
	// used within fetchCommitmentView to derive all the keys necessary to
	// construct the commitment state.
	keyRing := DeriveCommitmentKeys(
		commitPoint, false, lc.localChanCfg, lc.remoteChanCfg,
	)

	// Create a new commitment view which will calculate the evaluated
	// state of the remote node's new commitment including our latest
	// added HTLCs. The view includes the latest balances for both sides
	// on the remote node's chain, and also update the addition height of
	// any new HTLC log entries.
	newCommitView, err := lc.fetchCommitmentView(
		true, lc.localUpdateLog.logIndex,
		lc.localUpdateLog.htlcCounter, remoteACKedIndex,
		lc.localCommitChain.tail().theirHtlcIndex, keyRing,
	)
	if err != nil {
		return sig, nil, err
	}

	walletLog.Tracef("ChannelPoint(%v): extending remote chain to "+
		"height %v, with txn: %v",
		lc.channelState.FundingOutpoint, newCommitView.height,
		newLogClosure(func() string {
			return spew.Sdump(newCommitView.txn)
		}),
	)

	// Generate the signatures for each of the HTLC outputs on the remote
	// party's commitment.
	htlcSigs, err := lc.genRemoteHtlcSigs(newCommitView, keyRing)
	if err != nil {
		return sig, nil, err
	}

	// With the commitment transaction fully assembled, we can now
	// generate our signature for the commitment transaction itself.
	lc.signDesc.SigHashes = txscript.NewTxSigHashes(
		newCommitView.txn, lc.fundingPrevOutputFetcher(),
	)
	rawSig, err := lc.Signer.SignOutputRaw(newCommitView.txn, lc.signDesc)
	if err != nil {
		return sig, nil, err
	}
	sig, err = lnwire.NewSigFromSignature(rawSig)
	if err != nil {
		return sig, nil, err
	}

	// Extend the remote commitment chain by one with the addition of our
	// latest commitment update.
	lc.remoteCommitChain.addCommitment(newCommitView)

	// Persist the pending remote commitment so that it survives
	// restarts. It will be promoted to the authoritative remote
	// commitment once the remote party revokes their prior state.
	err = lc.channelState.AppendRemoteCommitChain(
		newCommitView.toDiskCommit(false),
	)
	if err != nil {
		return sig, nil, err
	}

	return sig, htlcSigs, nil
}

// fundingPrevOutputFetcher returns a canned previous output fetcher that
// resolves the channel's funding output.
func (lc *LightningChannel) fundingPrevOutputFetcher() txscript.PrevOutputFetcher {
	return txscript.NewCannedPrevOutputFetcher(
		lc.fundingP2WSH, int64(lc.channelState.Capacity),
	)
}

// htlcSigJob is a pair of an output index on the commitment transaction and
// the signature generated (or to be verified) for the second-level
// transaction spending that output.
type htlcSigJob struct {
	outputIndex int32
	sig         lnwire.Sig
}

// genRemoteHtlcSigs generates signatures for all the second-level HTLC
// transactions anchored to the passed remote commitment view. The returned
// signatures are sorted by the position of the HTLC output within the
// commitment transaction.
func (lc *LightningChannel) genRemoteHtlcSigs(remoteCommitView *commitment,
	keyRing *CommitmentKeyRing) ([]lnwire.Sig, error) {

	txHash := remoteCommitView.txn.TxHash()
	feePerKw := remoteCommitView.feePerKw

	var sigJobs []htlcSigJob

	signHtlc := func(htlc *paymentDescriptor, incoming bool) error {
		// Dust HTLCs aren't materialized on the commitment, and so
		// have no second-level transaction to sign.
		if htlc.remoteOutputIndex < 0 {
			return nil
		}

		op := wire.OutPoint{
			Hash:  txHash,
			Index: uint32(htlc.remoteOutputIndex),
		}

		var (
			secondLevelTx *wire.MsgTx
			err           error
		)

		// If this is an incoming HTLC (to us), then on the remote
		// party's commitment it's an outgoing HTLC for them, meaning
		// the second-level transaction is a timeout transaction.
		// Otherwise, it's an HTLC success transaction for the remote
		// party.
		if incoming {
			htlcFee := feePerKw.FeeForWeight(
				input.HtlcTimeoutWeight,
			)
			outputAmt := htlc.Amount.ToSatoshis() - htlcFee

			secondLevelTx, err = CreateHtlcTimeoutTx(
				op, outputAmt, htlc.Timeout,
				uint32(lc.remoteChanCfg.CsvDelay),
				keyRing.RevocationKey, keyRing.ToLocalKey,
			)
		} else {
			htlcFee := feePerKw.FeeForWeight(
				input.HtlcSuccessWeight,
			)
			outputAmt := htlc.Amount.ToSatoshis() - htlcFee

			secondLevelTx, err = CreateHtlcSuccessTx(
				op, outputAmt,
				uint32(lc.remoteChanCfg.CsvDelay),
				keyRing.RevocationKey, keyRing.ToLocalKey,
			)
		}
		if err != nil {
			return err
		}

		prevFetcher := txscript.NewCannedPrevOutputFetcher(
			htlc.theirPkScript,
			int64(htlc.Amount.ToSatoshis()),
		)
		hashCache := txscript.NewTxSigHashes(
			secondLevelTx, prevFetcher,
		)

		signDesc := input.SignDescriptor{
			KeyDesc:       lc.localChanCfg.HtlcBasePoint,
			SingleTweak:   keyRing.LocalHtlcKeyTweak,
			WitnessScript: htlc.theirWitnessScript,
			Output: &wire.TxOut{
				Value:    int64(htlc.Amount.ToSatoshis()),
				PkScript: htlc.theirPkScript,
			},
			HashType:   txscript.SigHashAll,
			SigHashes:  hashCache,
			InputIndex: 0,
		}

		rawSig, err := lc.Signer.SignOutputRaw(
			secondLevelTx, &signDesc,
		)
		if err != nil {
			return err
		}
		sig, err := lnwire.NewSigFromSignature(rawSig)
		if err != nil {
			return err
		}

		sigJobs = append(sigJobs, htlcSigJob{
			outputIndex: htlc.remoteOutputIndex,
			sig:         sig,
		})

		return nil
	}

	for i := 0; i < len(remoteCommitView.incomingHTLCs); i++ {
		htlc := &remoteCommitView.incomingHTLCs[i]
		if err := signHtlc(htlc, true); err != nil {
			return nil, err
		}
	}
	for i := 0; i < len(remoteCommitView.outgoingHTLCs); i++ {
		htlc := &remoteCommitView.outgoingHTLCs[i]
		if err := signHtlc(htlc, false); err != nil {
			return nil, err
		}
	}

	// The provided HTLC signatures must be ordered by the position of the
	// HTLC output within the commitment transaction.
	sort.Slice(sigJobs, func(i, j int) bool {
		return sigJobs[i].outputIndex < sigJobs[j].outputIndex
	})

	htlcSigs := make([]lnwire.Sig, 0, len(sigJobs))
	for _, job := range sigJobs {
		htlcSigs = append(htlcSigs, job.sig)
	}

	return htlcSigs, nil
}

// ReceiveNewCommitment processes a signature for a new commitment state sent
// by the remote party. This method should be called in response to the
// remote party initiating a new change, or when the remote party sends a
// signature fully accepting a new state we've initiated. If we are able to
// successfully validate the signature, then the generated commitment is
// added to our local commitment chain. Once we send a revocation for our
// prior state, then this newly added commitment becomes our current accepted
// channel state.
func (lc *LightningChannel) ReceiveNewCommitment(commitSig lnwire.Sig,
	htlcSigs []lnwire.Sig) error {

	lc.Lock()
	defer lc.Unlock()

	// Determine the last update on the local log that has been locked
	// in.
	localACKedIndex := lc.remoteCommitChain.tail().ourMessageIndex
	localHtlcIndex := lc.remoteCommitChain.tail().ourHtlcIndex

	// Ensure that this new local update from the remote node respects all
	// the constraints we specified during initial channel setup. If not,
	// then we'll abort the channel as they've violated our constraints.
	err := lc.validateCommitmentSanity(
		lc.remoteUpdateLog.logIndex, localACKedIndex, false, nil, nil,
	)
	if err != nil {
		return err
	}

	// We're receiving a new commitment which attempts to extend our local
	// commitment chain height by one, so fetch the proper commitment
	// point as this will be needed to derive the keys required to
	// construct the commitment.
	nextHeight := lc.currentHeight + 1
	commitSecret, err := lc.channelState.RevocationProducer.AtIndex(
		nextHeight,
	)
	if err != nil {
		return err
	}
	commitPoint := input.ComputeCommitmentPoint(commitSecret[:])
	keyRing := DeriveCommitmentKeys(
		commitPoint, true, lc.localChanCfg, lc.remoteChanCfg,
	)

	// With the current commitment point re-calculated, construct the new
	// commitment view which includes all the entries we know of in their
	// HTLC log, and up to ourLogIndex in our HTLC log.
	localCommitmentView, err := lc.fetchCommitmentView(
		false, localACKedIndex, localHtlcIndex,
		lc.remoteUpdateLog.logIndex, lc.remoteUpdateLog.htlcCounter,
		keyRing,
	)
	if err != nil {
		return err
	}

	walletLog.Tracef("ChannelPoint(%v): extending local chain to height "+
		"%v, with txn: %v",
		lc.channelState.FundingOutpoint, localCommitmentView.height,
		newLogClosure(func() string {
			return spew.Sdump(localCommitmentView.txn)
		}),
	)

	// As an optimization, we'll generate a series of jobs for the worker
	// pool to verify each of the HTLC signatures presented. Once
	// generated, we'll submit these jobs to the worker pool.
	localCommitTx := localCommitmentView.txn
	multiSigScript := lc.FundingWitnessScript
	hashCache := txscript.NewTxSigHashes(
		localCommitTx, lc.fundingPrevOutputFetcher(),
	)

	// While the jobs are being carried out, we'll Serialize the
	// commitment signature and verify it against our local commitment
	// transaction.
	sigHash, err := txscript.CalcWitnessSigHash(
		multiSigScript, hashCache, txscript.SigHashAll, localCommitTx,
		0, int64(lc.channelState.Capacity),
	)
	if err != nil {
		return err
	}

	verifyKey := lc.remoteChanCfg.MultiSigKey.PubKey
	cSig, err := commitSig.ToSignature()
	if err != nil {
		return err
	}
	if !cSig.Verify(sigHash, verifyKey) {
		// An invalid commitment signature is unrecoverable within the
		// protocol, so the channel can only be resolved on-chain from
		// this point forward.
		lc.status = channelFailed
		return &ErrCommitSigMismatch{
			commitHeight: nextHeight,
		}
	}

	// With the commitment transaction signature validated, we'll now
	// verify each of the HTLC signatures presented to us.
	err = lc.verifyHtlcSigs(localCommitmentView, keyRing, htlcSigs)
	if err != nil {
		lc.status = channelFailed
		return err
	}

	// The signature checks out, so we can now add the new commitment to
	// our local commitment chain.
	localCommitmentView.sig = commitSig.ToSignatureBytes()
	lc.localCommitChain.addCommitment(localCommitmentView)

	return nil
}

// verifyHtlcSigs verifies the HTLC signatures presented by the remote party
// against each non-dust HTLC output on our local commitment transaction. The
// signatures are expected in order of the HTLC output indexes on the
// commitment transaction.
func (lc *LightningChannel) verifyHtlcSigs(localCommitmentView *commitment,
	keyRing *CommitmentKeyRing, htlcSigs []lnwire.Sig) error {

	txHash := localCommitmentView.txn.TxHash()
	feePerKw := localCommitmentView.feePerKw

	// Collect the non-dust HTLC descriptors, sorted by their output
	// index on the local commitment transaction.
	type htlcVerifyJob struct {
		htlc     *paymentDescriptor
		incoming bool
	}
	var verifyJobs []htlcVerifyJob
	for i := 0; i < len(localCommitmentView.incomingHTLCs); i++ {
		htlc := &localCommitmentView.incomingHTLCs[i]
		if htlc.localOutputIndex < 0 {
			continue
		}
		verifyJobs = append(verifyJobs, htlcVerifyJob{
			htlc:     htlc,
			incoming: true,
		})
	}
	for i := 0; i < len(localCommitmentView.outgoingHTLCs); i++ {
		htlc := &localCommitmentView.outgoingHTLCs[i]
		if htlc.localOutputIndex < 0 {
			continue
		}
		verifyJobs = append(verifyJobs, htlcVerifyJob{
			htlc:     htlc,
			incoming: false,
		})
	}
	sort.Slice(verifyJobs, func(i, j int) bool {
		return verifyJobs[i].htlc.localOutputIndex <
			verifyJobs[j].htlc.localOutputIndex
	})

	// If the number of sigs doesn't match the number of non-dust HTLC
	// outputs, the remote party has sent us an invalid commit sig
	// message.
	if len(htlcSigs) != len(verifyJobs) {
		return &ErrHtlcSigCountMismatch{
			expected: len(verifyJobs),
			received: len(htlcSigs),
		}
	}

	for i, job := range verifyJobs {
		htlc := job.htlc

		op := wire.OutPoint{
			Hash:  txHash,
			Index: uint32(htlc.localOutputIndex),
		}

		var (
			secondLevelTx *wire.MsgTx
			err           error
		)

		// For HTLCs we're receiving, the second level transaction on
		// our commitment is a success transaction. For those we're
		// offering, it's a timeout transaction.
		if job.incoming {
			htlcFee := feePerKw.FeeForWeight(
				input.HtlcSuccessWeight,
			)
			outputAmt := htlc.Amount.ToSatoshis() - htlcFee

			secondLevelTx, err = CreateHtlcSuccessTx(
				op, outputAmt,
				uint32(lc.localChanCfg.CsvDelay),
				keyRing.RevocationKey, keyRing.ToLocalKey,
			)
		} else {
			htlcFee := feePerKw.FeeForWeight(
				input.HtlcTimeoutWeight,
			)
			outputAmt := htlc.Amount.ToSatoshis() - htlcFee

			secondLevelTx, err = CreateHtlcTimeoutTx(
				op, outputAmt, htlc.Timeout,
				uint32(lc.localChanCfg.CsvDelay),
				keyRing.RevocationKey, keyRing.ToLocalKey,
			)
		}
		if err != nil {
			return err
		}

		prevFetcher := txscript.NewCannedPrevOutputFetcher(
			htlc.ourPkScript, int64(htlc.Amount.ToSatoshis()),
		)
		secondLevelHashCache := txscript.NewTxSigHashes(
			secondLevelTx, prevFetcher,
		)

		sigHash, err := txscript.CalcWitnessSigHash(
			htlc.ourWitnessScript, secondLevelHashCache,
			txscript.SigHashAll, secondLevelTx, 0,
			int64(htlc.Amount.ToSatoshis()),
		)
		if err != nil {
			return err
		}

		htlcSig, err := htlcSigs[i].ToSignature()
		if err != nil {
			return err
		}
		if !htlcSig.Verify(sigHash, keyRing.RemoteHtlcKey) {
			return &ErrInvalidHtlcSig{
				htlcIndex: htlc.HtlcIndex,
			}
		}

		// Stash the verified signature so that it can be persisted
		// along with the commitment state, making the second level
		// transaction broadcastable without the remote party.
		htlc.sig = htlcSigs[i].ToSignatureBytes()
	}

	return nil
}

// RevokeCurrentCommitment revokes the next lowest unrevoked commitment
// transaction in the local commitment chain. As a result the edge of our
// revocation window is extended by one, and the tail of our local commitment
// chain is advanced by a single commitment. This now lowest unrevoked
// commitment becomes our currently accepted state within the channel. This
// method also returns the set of HTLC's currently active within the
// commitment transaction, which is useful for the link to purge stale
// entries.
func (lc *LightningChannel) RevokeCurrentCommitment() (*lnwire.RevokeAndAck,
	[]channeldb.HTLC, error) {

	lc.Lock()
	defer lc.Unlock()

	revocationMsg, err := lc.generateRevocation(lc.currentHeight)
	if err != nil {
		return nil, nil, err
	}

	walletLog.Tracef("ChannelPoint(%v): revoking height=%v, now at "+
		"height=%v", lc.channelState.FundingOutpoint,
		lc.localCommitChain.tail().height, lc.currentHeight+1)

	// Advance our tail, as we've revoked our previous state.
	lc.localCommitChain.advanceTail()
	lc.currentHeight++

	// Additionally, generate a channel delta for this state transition
	// for persistent storage.
	chainTail := lc.localCommitChain.tail()
	newCommitment := chainTail.toDiskCommit(true)
	err = lc.channelState.UpdateCommitment(newCommitment)
	if err != nil {
		return nil, nil, err
	}

	return revocationMsg, newCommitment.Htlcs, nil
}

// generateRevocation generates the revocation message for a given height.
// The revocation message discloses the per commitment secret for the state at
// the passed height, and includes the next commitment point that should be
// used for the commitment two states ahead.
func (lc *LightningChannel) generateRevocation(height uint64) (
	*lnwire.RevokeAndAck, error) {

	// Now that we've accept a new state transition, we send the remote
	// party the revocation for our current commitment state.
	revocationMsg := &lnwire.RevokeAndAck{}
	commitSecret, err := lc.channelState.RevocationProducer.AtIndex(
		height,
	)
	if err != nil {
		return nil, err
	}
	copy(revocationMsg.Revocation[:], commitSecret[:])

	// Along with this revocation, we'll also send the _next_ commitment
	// point that the remote party should use to create our next
	// commitment transaction. We use a +2 here as we already gave them a
	// look ahead of size one after the FundingLocked message was sent.
	nextCommitSecret, err := lc.channelState.RevocationProducer.AtIndex(
		height + 2,
	)
	if err != nil {
		return nil, err
	}

	revocationMsg.NextRevocationKey = input.ComputeCommitmentPoint(
		nextCommitSecret[:],
	)
	revocationMsg.ChanID = lnwire.NewChanIDFromOutPoint(
		lc.channelState.FundingOutpoint,
	)

	return revocationMsg, nil
}

// ReceiveRevocation processes a revocation sent by the remote party for the
// lowest unrevoked commitment within their commitment chain. We receive a
// revocation either during the initial session negotiation wherein revocation
// windows are extended, or in response to a state update that we initiate.
// If successful, then the remote commitment chain is advanced by a single
// commitment, and a log compaction is attempted.
//
// The returned slice contains the set of updates that are now committed in
// both commitment chains as a result of this revocation. These are the
// updates a forwarding coordinator should act on: adds that can be forwarded
// onwards, and settles/fails that should be propagated backwards.
func (lc *LightningChannel) ReceiveRevocation(revMsg *lnwire.RevokeAndAck) (
	[]channeldb.LogUpdate, error) {

	lc.Lock()
	defer lc.Unlock()

	// Ensure that the new pre-image can be placed in preimage store.
	store := lc.channelState.RevocationStore
	revocation, err := chainhash.NewHash(revMsg.Revocation[:])
	if err != nil {
		return nil, err
	}

	// Before accepting the revocation, we'll verify that the secret they
	// revealed actually matches the commitment point we were holding for
	// this state.
	derivedCommitPoint := input.ComputeCommitmentPoint(revMsg.Revocation[:])
	storedCommitPoint := lc.channelState.RemoteCurrentRevocation
	if !derivedCommitPoint.IsEqual(storedCommitPoint) {
		lc.status = channelFailed
		return nil, ErrInvalidRevocation
	}

	if err := store.AddNextEntry(revocation); err != nil {
		return nil, err
	}

	// Verify that if we use the commitment point computed based off of
	// the revealed secret to derive a revocation key with our revocation
	// base point, then it matches the current revocation of the remote
	// party.
	lc.channelState.RemoteCurrentRevocation = lc.channelState.RemoteNextRevocation
	lc.channelState.RemoteNextRevocation = revMsg.NextRevocationKey

	walletLog.Tracef("ChannelPoint(%v): remote party accepted state "+
		"transition, revoked height %v, now at %v",
		lc.channelState.FundingOutpoint,
		lc.remoteCommitChain.tail().height,
		lc.remoteCommitChain.tail().height+1)

	// Advance the tail of the remote commitment chain. The new tail is
	// the commitment that the remote party just irrevocably committed to
	// by revoking their prior state.
	lc.remoteCommitChain.advanceTail()
	remoteChainTail := lc.remoteCommitChain.tail().height
	localChainTail := lc.localCommitChain.tail().height

	chanID := lnwire.NewChanIDFromOutPoint(
		lc.channelState.FundingOutpoint,
	)

	// With the revocation processed, we'll now collect all the updates
	// that became locked in on both chains as a result of this state
	// transition. These are the remote party's updates that a forwarding
	// coordinator needs to act on.
	var updates []channeldb.LogUpdate
	for e := lc.remoteUpdateLog.Front(); e != nil; e = e.Next() {
		pd := e.Value

		switch pd.EntryType {
		case Add:
			// An add is locked in once it appears on both
			// commitment transactions.
			if pd.addCommitHeightRemote != remoteChainTail ||
				pd.addCommitHeightLocal == 0 {

				continue
			}

			// This HTLC is now fully locked in, if we haven't
			// processed it before, it's ripe for forwarding.
			if pd.isForwarded {
				continue
			}
			pd.isForwarded = true

			var onionBlob [lnwire.OnionPacketSize]byte
			copy(onionBlob[:], pd.OnionBlob)
			updates = append(updates, channeldb.LogUpdate{
				LogIndex: pd.LogIndex,
				UpdateMsg: &lnwire.UpdateAddHTLC{
					ChanID:      chanID,
					ID:          pd.HtlcIndex,
					Amount:      pd.Amount,
					PaymentHash: pd.RHash,
					Expiry:      pd.Timeout,
					OnionBlob:   onionBlob,
				},
			})

		case Settle:
			if pd.removeCommitHeightRemote != remoteChainTail {
				continue
			}
			if pd.isForwarded {
				continue
			}
			pd.isForwarded = true

			updates = append(updates, channeldb.LogUpdate{
				LogIndex: pd.LogIndex,
				UpdateMsg: &lnwire.UpdateFulfillHTLC{
					ChanID:          chanID,
					ID:              pd.ParentIndex,
					PaymentPreimage: pd.RPreimage,
				},
			})

		case Fail:
			if pd.removeCommitHeightRemote != remoteChainTail {
				continue
			}
			if pd.isForwarded {
				continue
			}
			pd.isForwarded = true

			updates = append(updates, channeldb.LogUpdate{
				LogIndex: pd.LogIndex,
				UpdateMsg: &lnwire.UpdateFailHTLC{
					ChanID: chanID,
					ID:     pd.ParentIndex,
					Reason: pd.FailReason,
				},
			})
		}
	}

	// At this point, the revocation has been accepted, and we've rotated
	// the current revocation key+hash for the remote party. Therefore we
	// sync now to ensure the revocation producer state is consistent with
	// the current commitment height and also to advance the on-disk
	// commitment chain.
	if err := lc.channelState.AdvanceCommitChainTail(); err != nil {
		return nil, err
	}

	// Since they revoked the current lowest height in their commitment
	// chain, we can advance their chain by a single commitment, and
	// compact any log entries that are now fully committed in both
	// chains.
	compactLogs(
		lc.localUpdateLog, lc.remoteUpdateLog, localChainTail,
		remoteChainTail,
	)

	return updates, nil
}

// AddHTLC adds an HTLC to the state machine's local update log. This method
// should be called when preparing to send an outgoing HTLC.
//
// The additional openKey argument corresponds to the incoming CircuitKey of
// the committed circuit for this HTLC.
func (lc *LightningChannel) AddHTLC(htlc *lnwire.UpdateAddHTLC) (uint64,
	error) {

	lc.Lock()
	defer lc.Unlock()

	if lc.status != channelOpen {
		return 0, ErrChanClosing
	}

	pd := &paymentDescriptor{
		EntryType: Add,
		RHash:     htlc.PaymentHash,
		Timeout:   htlc.Expiry,
		Amount:    htlc.Amount,
		LogIndex:  lc.localUpdateLog.logIndex,
		HtlcIndex: lc.localUpdateLog.htlcCounter,
		OnionBlob: htlc.OnionBlob[:],
	}

	// Make sure adding this HTLC won't violate any of the constraints we
	// must keep on the commitment transactions.
	remoteACKedIndex := lc.localCommitChain.tail().theirMessageIndex
	err := lc.validateCommitmentSanity(
		remoteACKedIndex, lc.localUpdateLog.logIndex, true, pd, nil,
	)
	if err != nil {
		return 0, err
	}

	lc.localUpdateLog.appendHtlc(pd)

	return pd.HtlcIndex, nil
}

// ReceiveHTLC adds an HTLC to the state machine's remote update log. This
// method should be called in response to receiving a new HTLC from the
// remote party.
func (lc *LightningChannel) ReceiveHTLC(htlc *lnwire.UpdateAddHTLC) (uint64,
	error) {

	lc.Lock()
	defer lc.Unlock()

	if htlc.ID != lc.remoteUpdateLog.htlcCounter {
		return 0, fmt.Errorf("ID %d on HTLC add does not match "+
			"expected next ID %d", htlc.ID,
			lc.remoteUpdateLog.htlcCounter)
	}

	pd := &paymentDescriptor{
		EntryType: Add,
		RHash:     htlc.PaymentHash,
		Timeout:   htlc.Expiry,
		Amount:    htlc.Amount,
		LogIndex:  lc.remoteUpdateLog.logIndex,
		HtlcIndex: lc.remoteUpdateLog.htlcCounter,
		OnionBlob: htlc.OnionBlob[:],
	}

	localACKedIndex := lc.remoteCommitChain.tail().ourMessageIndex

	// Clamp down on the number of HTLC's we can receive by checking the
	// commitment sanity.
	err := lc.validateCommitmentSanity(
		lc.remoteUpdateLog.logIndex, localACKedIndex, false, nil, pd,
	)
	if err != nil {
		return 0, err
	}

	lc.remoteUpdateLog.appendHtlc(pd)

	return pd.HtlcIndex, nil
}

// SettleHTLC attempts to settle an existing outstanding received HTLC. The
// remote log index of the HTLC settled is returned in order to facilitate
// creating the corresponding wire message. In the case the supplied preimage
// is invalid, an error is returned.
func (lc *LightningChannel) SettleHTLC(preimage [32]byte,
	htlcIndex uint64) error {

	lc.Lock()
	defer lc.Unlock()

	if lc.status != channelOpen {
		return ErrChanClosing
	}

	htlc := lc.remoteUpdateLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return ErrUnknownHtlcIndex
	}

	// Now that we know the HTLC exists, before checking to see if the
	// preimage matches, we'll ensure that we haven't already attempted to
	// modify the HTLC.
	if lc.remoteUpdateLog.htlcHasModification(htlcIndex) {
		return ErrHtlcIndexAlreadySettled
	}

	if sha256.Sum256(preimage[:]) != htlc.RHash {
		return ErrInvalidSettlePreimage
	}

	pd := &paymentDescriptor{
		Amount:      htlc.Amount,
		RPreimage:   preimage,
		LogIndex:    lc.localUpdateLog.logIndex,
		ParentIndex: htlcIndex,
		EntryType:   Settle,
	}

	lc.localUpdateLog.appendUpdate(pd)

	return nil
}

// ReceiveHTLCSettle attempts to settle an existing outgoing HTLC indexed by
// an index into the local log. If the specified index doesn't exist within
// the log, and error is returned. Similarly if the preimage is invalid w.r.t
// to the referenced of then a distinct error is returned.
func (lc *LightningChannel) ReceiveHTLCSettle(preimage [32]byte,
	htlcIndex uint64) error {

	lc.Lock()
	defer lc.Unlock()

	htlc := lc.localUpdateLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return ErrUnknownHtlcIndex
	}

	if lc.localUpdateLog.htlcHasModification(htlcIndex) {
		return ErrHtlcIndexAlreadySettled
	}

	if sha256.Sum256(preimage[:]) != htlc.RHash {
		return ErrInvalidSettlePreimage
	}

	pd := &paymentDescriptor{
		Amount:      htlc.Amount,
		RPreimage:   preimage,
		ParentIndex: htlc.HtlcIndex,
		LogIndex:    lc.remoteUpdateLog.logIndex,
		EntryType:   Settle,
	}

	lc.remoteUpdateLog.appendUpdate(pd)

	return nil
}

// FailHTLC attempts to fail a targeted HTLC by its log index, inserting an
// entry which will remove the target log entry within the next commitment
// update. This method is intended to be called in order to cancel in
// _incoming_ HTLC.
func (lc *LightningChannel) FailHTLC(htlcIndex uint64, reason []byte) error {
	lc.Lock()
	defer lc.Unlock()

	if lc.status != channelOpen {
		return ErrChanClosing
	}

	htlc := lc.remoteUpdateLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return ErrUnknownHtlcIndex
	}

	if lc.remoteUpdateLog.htlcHasModification(htlcIndex) {
		return ErrHtlcIndexAlreadyFailed
	}

	pd := &paymentDescriptor{
		Amount:      htlc.Amount,
		RHash:       htlc.RHash,
		ParentIndex: htlcIndex,
		LogIndex:    lc.localUpdateLog.logIndex,
		EntryType:   Fail,
		FailReason:  reason,
	}

	lc.localUpdateLog.appendUpdate(pd)

	return nil
}

// ReceiveFailHTLC attempts to cancel a targeted HTLC by its log index,
// inserting an entry which will remove the target log entry within the next
// commitment update. This method should be called in response to the upstream
// party cancelling an outgoing HTLC.
func (lc *LightningChannel) ReceiveFailHTLC(htlcIndex uint64,
	reason []byte) error {

	lc.Lock()
	defer lc.Unlock()

	htlc := lc.localUpdateLog.lookupHtlc(htlcIndex)
	if htlc == nil {
		return ErrUnknownHtlcIndex
	}

	if lc.localUpdateLog.htlcHasModification(htlcIndex) {
		return ErrHtlcIndexAlreadyFailed
	}

	pd := &paymentDescriptor{
		Amount:      htlc.Amount,
		RHash:       htlc.RHash,
		ParentIndex: htlc.HtlcIndex,
		LogIndex:    lc.remoteUpdateLog.logIndex,
		EntryType:   Fail,
		FailReason:  reason,
	}

	lc.remoteUpdateLog.appendUpdate(pd)

	return nil
}

// UpdateFee initiates a fee update for this channel. Must only be called by
// the channel initiator, and must be called before sending update_fee to
// the remote.
func (lc *LightningChannel) UpdateFee(feePerKw chainfee.SatPerKWeight) error {
	lc.Lock()
	defer lc.Unlock()

	if lc.status != channelOpen {
		return ErrChanClosing
	}

	// Only initiator can send fee update, so trying to send one as
	// non-initiator will fail.
	if !lc.channelState.IsInitiator {
		return ErrUpdateFeeNotInitiator
	}

	// Ensure the fee rate doesn't dip below the fee floor.
	if feePerKw < chainfee.FeePerKwFloor {
		return &ErrFeeBelowFloor{
			attempted: btcutil.Amount(feePerKw),
		}
	}

	pd := &paymentDescriptor{
		LogIndex:  lc.localUpdateLog.logIndex,
		Amount:    lnwire.NewMSatFromSatoshis(btcutil.Amount(feePerKw)),
		EntryType: FeeUpdate,
	}

	lc.localUpdateLog.appendUpdate(pd)

	return nil
}

// ReceiveUpdateFee handles an updated fee sent from remote. This method will
// return an error if called as channel initiator.
func (lc *LightningChannel) ReceiveUpdateFee(
	feePerKw chainfee.SatPerKWeight) error {

	lc.Lock()
	defer lc.Unlock()

	// Only initiator can send fee update, and we must be on the receiving
	// end.
	if lc.channelState.IsInitiator {
		return ErrUpdateFeeNotInitiator
	}

	pd := &paymentDescriptor{
		LogIndex:  lc.remoteUpdateLog.logIndex,
		Amount:    lnwire.NewMSatFromSatoshis(btcutil.Amount(feePerKw)),
		EntryType: FeeUpdate,
	}

	lc.remoteUpdateLog.appendUpdate(pd)

	return nil
}

// ChannelPoint returns the outpoint of the original funding transaction which
// created this active channel. This outpoint is used throughout various
// subsystems to uniquely identify an open channel.
func (lc *LightningChannel) ChannelPoint() *wire.OutPoint {
	return &lc.channelState.FundingOutpoint
}

// ShortChanID returns the short channel ID for the channel. The short channel
// ID encodes the exact location in the main chain that the original funding
// output can be found.
func (lc *LightningChannel) ShortChanID() lnwire.ShortChannelID {
	return lc.channelState.ShortChannelID
}

// IsInitiator returns true if we were the ones that initiated the funding
// workflow which led to the creation of this channel.
func (lc *LightningChannel) IsInitiator() bool {
	lc.RLock()
	defer lc.RUnlock()

	return lc.channelState.IsInitiator
}

// FullySynced returns a boolean value reflecting if both commitment chains
// (local+remote) for a channel are fully in sync. Both commitment chains are
// fully in sync if the tip of each chain includes the latest committed
// changes from both sides.
func (lc *LightningChannel) FullySynced() bool {
	lc.RLock()
	defer lc.RUnlock()

	lastLocalCommit := lc.localCommitChain.tip()
	lastRemoteCommit := lc.remoteCommitChain.tip()

	localUpdatesSynced := (lastLocalCommit.ourMessageIndex ==
		lastRemoteCommit.ourMessageIndex)

	remoteUpdatesSynced := (lastLocalCommit.theirMessageIndex ==
		lastRemoteCommit.theirMessageIndex)

	return localUpdatesSynced && remoteUpdatesSynced
}

// CommitFeeRate returns the current fee rate of the commitment transaction in
// units of sat-per-kw.
func (lc *LightningChannel) CommitFeeRate() chainfee.SatPerKWeight {
	lc.RLock()
	defer lc.RUnlock()

	return chainfee.SatPerKWeight(lc.channelState.LocalCommitment.FeePerKw)
}

// State provides access to the channel's internal state.
func (lc *LightningChannel) State() *channeldb.OpenChannel {
	return lc.channelState
}

// NextRevocationKey returns the commitment point for the _next_ commitment
// height. The pubkey returned by this function is required by the remote
// party along with their revocation base to extend our commitment chain with
// a new commitment.
func (lc *LightningChannel) NextRevocationKey() (*btcec.PublicKey, error) {
	lc.RLock()
	defer lc.RUnlock()

	nextHeight := lc.currentHeight + 1
	revocation, err := lc.channelState.RevocationProducer.AtIndex(nextHeight)
	if err != nil {
		return nil, err
	}

	return input.ComputeCommitmentPoint(revocation[:]), nil
}

// InitNextRevocation inserts the passed commitment point as the _next_
// revocation to be used when creating a new commitment state for the remote
// party. This should be called after we receive the second commitment point
// from the remote party during the funding flow.
func (lc *LightningChannel) InitNextRevocation(revKey *btcec.PublicKey) error {
	lc.Lock()
	defer lc.Unlock()

	return lc.channelState.InsertNextRevocation(revKey)
}

// AvailableBalance returns the current available balance within the channel.
// By available balance, we mean that if at this very instance s new
// commitment were to be created which evals all the log entries, what would
// our available balance me. This method is useful when deciding if a given
// channel can accept an HTLC in the multi-hop forwarding scenario.
func (lc *LightningChannel) AvailableBalance() lnwire.MilliSatoshi {
	lc.RLock()
	defer lc.RUnlock()

	return lc.availableBalance()
}

// availableBalance is the private, non mutexed version of AvailableBalance.
// This method is provided so methods that already hold the lock can access
// this method.
func (lc *LightningChannel) availableBalance() lnwire.MilliSatoshi {
	// We'll grab the current set of log updates that the remote has
	// ACKed.
	remoteACKedIndex := lc.localCommitChain.tip().theirMessageIndex
	htlcView := lc.fetchHTLCView(remoteACKedIndex,
		lc.localUpdateLog.logIndex)

	// Calculate our available balance from our local commitment.
	ourBalance := lc.localCommitChain.tip().ourBalance
	theirBalance := lc.localCommitChain.tip().theirBalance
	htlcView.feePerKw = lc.localCommitChain.tip().feePerKw

	filteredView, err := lc.evaluateHTLCView(
		htlcView, &ourBalance, &theirBalance,
		lc.localCommitChain.tip().height+1, false, false,
	)
	if err != nil {
		walletLog.Errorf("unable to fetch available balance: %v", err)
		return 0
	}

	// If we are the channel initiator, we must remember to subtract the
	// commitment fee from our available balance.
	numHTLCs := int64(len(filteredView.ourUpdates) +
		len(filteredView.theirUpdates))
	commitWeight := input.CommitWeight + input.HTLCWeight*(numHTLCs+1)
	feePerKw := filteredView.feePerKw
	if lc.channelState.IsInitiator {
		commitFee := feePerKw.FeeForWeight(commitWeight)
		ourBalance -= lnwire.NewMSatFromSatoshis(commitFee)
	}

	// Subtract the channel reserve, as we can never use the funds below
	// our reserve.
	ourReserve := lnwire.NewMSatFromSatoshis(lc.localChanCfg.ChanReserve)
	if ourBalance < ourReserve {
		return 0
	}

	return ourBalance - ourReserve
}

// CreateCloseProposal is used by both parties in a cooperative channel close
// workflow to generate proposed close transactions and signatures. This
// method should only be executed once all pending HTLCs (if any) on the
// channel have been cleared/removed. Upon completion, the source channel will
// shift into the "closing" state, which indicates that all incoming/outgoing
// HTLC requests should be rejected.
func (lc *LightningChannel) CreateCloseProposal(proposedFee btcutil.Amount,
	localDeliveryScript, remoteDeliveryScript []byte) (
	input.Signature, *chainhash.Hash, btcutil.Amount, error) {

	lc.Lock()
	defer lc.Unlock()

	// If we've already closed the channel, then ignore this request.
	if lc.status == channelClosed {
		return nil, nil, 0, ErrChanClosing
	}

	// Get the final balances after subtracting the proposed fee, taking
	// care not to persist the adjusted balance, as the feeRate may change
	// during the channel closing process.
	ourBalance, theirBalance := coopCloseBalance(
		lc.channelState.IsInitiator, proposedFee,
		lc.channelState.LocalCommitment.LocalBalance.ToSatoshis(),
		lc.channelState.LocalCommitment.RemoteBalance.ToSatoshis(),
	)

	closeTx := CreateCooperativeCloseTx(
		lc.fundingTxIn, lc.localChanCfg.DustLimit,
		lc.remoteChanCfg.DustLimit, ourBalance, theirBalance,
		localDeliveryScript, remoteDeliveryScript,
	)

	// Ensure that the transaction doesn't explicitly violate any
	// consensus rules such as being too big, or having any value with a
	// negative output.
	tx := btcutil.NewTx(closeTx)
	if err := blockchain.CheckTransactionSanity(tx); err != nil {
		return nil, nil, 0, err
	}

	// Finally, sign the completed cooperative closure transaction. As the
	// initiator we'll simply send our signature over to the remote party,
	// using the generated txid to be notified once the closure
	// transaction has been confirmed.
	lc.signDesc.SigHashes = txscript.NewTxSigHashes(
		closeTx, lc.fundingPrevOutputFetcher(),
	)
	sig, err := lc.Signer.SignOutputRaw(closeTx, lc.signDesc)
	if err != nil {
		return nil, nil, 0, err
	}

	// As everything checks out, indicate in the channel status that a
	// channel closure has been initiated.
	lc.status = channelClosing

	closeTXID := closeTx.TxHash()
	return sig, &closeTXID, ourBalance, nil
}

// CompleteCooperativeClose completes the cooperative closure of the target
// active lightning channel. A fully signed closure transaction as well as the
// signature itself are returned. Additionally, we also return our final
// settled balance, which reflects any fees we may have paid.
//
// NOTE: The passed local and remote sigs are expected to be fully complete
// signatures including the proper sighash byte.
func (lc *LightningChannel) CompleteCooperativeClose(
	localSig, remoteSig input.Signature,
	localDeliveryScript, remoteDeliveryScript []byte,
	proposedFee btcutil.Amount) (*wire.MsgTx, btcutil.Amount, error) {

	lc.Lock()
	defer lc.Unlock()

	// If the channel is already closed, then ignore this request.
	if lc.status == channelClosed {
		return nil, 0, ErrChanClosing
	}

	// Get the final balances after subtracting the proposed fee.
	ourBalance, theirBalance := coopCloseBalance(
		lc.channelState.IsInitiator, proposedFee,
		lc.channelState.LocalCommitment.LocalBalance.ToSatoshis(),
		lc.channelState.LocalCommitment.RemoteBalance.ToSatoshis(),
	)

	// Create the transaction used to return the current settled balance
	// on this active channel back to both parties. In this current model,
	// the initiator pays full fees for the cooperative close transaction.
	closeTx := CreateCooperativeCloseTx(
		lc.fundingTxIn, lc.localChanCfg.DustLimit,
		lc.remoteChanCfg.DustLimit, ourBalance, theirBalance,
		localDeliveryScript, remoteDeliveryScript,
	)

	// Ensure that the transaction doesn't explicitly validate any
	// consensus rules such as being too big, or having any value with a
	// negative output.
	tx := btcutil.NewTx(closeTx)
	if err := blockchain.CheckTransactionSanity(tx); err != nil {
		return nil, 0, err
	}

	// Finally, construct the witness for either party's version of the
	// transaction.
	ourKey := lc.localChanCfg.MultiSigKey.PubKey.SerializeCompressed()
	theirKey := lc.remoteChanCfg.MultiSigKey.PubKey.SerializeCompressed()
	witness := input.SpendMultiSig(
		lc.signDesc.WitnessScript, ourKey, localSig, theirKey,
		remoteSig,
	)
	closeTx.TxIn[0].Witness = witness

	// Validate the finalized transaction to ensure the output script is
	// properly met, and that the remote peer supplied a valid signature.
	prevOut := lc.signDesc.Output
	vm, err := txscript.NewEngine(
		prevOut.PkScript, closeTx, 0, txscript.StandardVerifyFlags,
		nil, nil, prevOut.Value,
		txscript.NewCannedPrevOutputFetcher(
			prevOut.PkScript, prevOut.Value,
		),
	)
	if err != nil {
		return nil, 0, err
	}
	if err := vm.Execute(); err != nil {
		return nil, 0, err
	}

	// As the transaction is sane, and the scripts are valid we'll mark
	// the channel now as closed as the closure transaction should get
	// into the chain in a timely manner and possibly be re-broadcast by
	// the wallet.
	lc.status = channelClosed

	return closeTx, ourBalance, nil
}

// coopCloseBalance returns the final balances that should be used to create
// the cooperative close tx, given the channel type and transaction fee.
func coopCloseBalance(isInitiator bool, coopCloseFee btcutil.Amount,
	ourBalance, theirBalance btcutil.Amount) (btcutil.Amount,
	btcutil.Amount) {

	// We'll make sure we account for the complete balance by adding the
	// current dangling commitment fee to the balance of the initiator.
	if isInitiator {
		ourBalance -= coopCloseFee
	} else {
		theirBalance -= coopCloseFee
	}

	return ourBalance, theirBalance
}

// LocalForceCloseSummary describes the final commitment state before the
// channel is locked-down to initiate a force closure by broadcasting the
// latest state on-chain. The summary includes all the information required to
// claim all rightfully owned outputs.
type LocalForceCloseSummary struct {
	// ChanPoint is the outpoint that created the channel which has been
	// force closed.
	ChanPoint wire.OutPoint

	// CloseTx is the transaction which closed the channel on-chain. If we
	// initiate the force close, then this will be our latest commitment
	// state. Otherwise, this will be the state that the remote peer
	// broadcasted on-chain.
	CloseTx *wire.MsgTx

	// ChanSnapshot is a snapshot of the final state of the channel at the
	// time it was closed.
	ChanSnapshot channeldb.ChannelSnapshot
}

// ForceClose executes a unilateral closure of the transaction at the current
// lowest commitment height of the channel. Following a force closure, all
// state transitions, or modifications to the state update logs will be
// rejected. Additionally, this function also returns a LocalForceCloseSummary
// which includes the necessary details required to sweep all the time-locked
// outputs within the commitment transaction.
func (lc *LightningChannel) ForceClose() (*LocalForceCloseSummary, error) {
	lc.Lock()
	defer lc.Unlock()

	commitTx := lc.channelState.LocalCommitment.CommitTx.Copy()

	// With the transaction copied, we'll now generate our signature for
	// the commitment state broadcast.
	lc.signDesc.SigHashes = txscript.NewTxSigHashes(
		commitTx, lc.fundingPrevOutputFetcher(),
	)
	ourSig, err := lc.Signer.SignOutputRaw(commitTx, lc.signDesc)
	if err != nil {
		return nil, err
	}

	// With our signature generated, we'll recover the stored signature of
	// the remote party for the current commitment state, then generate
	// the final witness for the funding output.
	theirSig, err := ecdsaSigFromRaw(
		lc.channelState.LocalCommitment.CommitSig,
	)
	if err != nil {
		return nil, err
	}

	ourKey := lc.localChanCfg.MultiSigKey.PubKey.SerializeCompressed()
	theirKey := lc.remoteChanCfg.MultiSigKey.PubKey.SerializeCompressed()
	commitTx.TxIn[0].Witness = input.SpendMultiSig(
		lc.FundingWitnessScript, ourKey, ourSig, theirKey, theirSig,
	)

	// As the channel is about to be force closed, reject any further
	// state updates.
	lc.status = channelClosed

	return &LocalForceCloseSummary{
		ChanPoint:    lc.channelState.FundingOutpoint,
		CloseTx:      commitTx,
		ChanSnapshot: *lc.channelState.Snapshot(),
	}, nil
}

// ecdsaSigFromRaw parses a fixed-size or DER encoded signature into an
// input.Signature.
func ecdsaSigFromRaw(rawSig []byte) (input.Signature, error) {
	if len(rawSig) == 64 {
		var sig lnwire.Sig
		copy(sig[:], rawSig)
		return sig.ToSignature()
	}

	wireSig, err := lnwire.NewSigFromRawSignature(rawSig)
	if err != nil {
		return nil, err
	}

	return wireSig.ToSignature()
}

// SpendClassification describes how a particular on-chain spend of the
// funding output relates to the channel's known commitment states. It is the
// primary output of the close observer, and determines how the spend should
// be resolved.
type SpendClassification struct {
	// CloseType categorizes the spend: a cooperative close, a force close
	// by either party, or a breach (revoked state broadcast).
	CloseType channeldb.ClosureType

	// CommitHeight is the commitment state number encoded within the
	// broadcast commitment transaction. This is only valid if the close
	// was a commitment broadcast (force close or breach).
	CommitHeight uint64

	// IsOurTx denotes whether the spending transaction is our own
	// commitment transaction.
	IsOurTx bool
}

// ClassifySpend inspects a spend of the channel's funding output, and
// determines whether the spend was a cooperative closure, a legitimate force
// closure of the current state by either party, or a contract breach (the
// broadcast of a revoked commitment). This classification hinges on the
// obfuscated state hints encoded in commitment transactions: given the state
// number we can compare against the currently known commitment heights, and
// for elapsed states check the revocation store for the corresponding
// revocation preimage.
func (lc *LightningChannel) ClassifySpend(
	commitSpend *chainntnfs.SpendDetail) (*SpendClassification, error) {

	lc.RLock()
	defer lc.RUnlock()

	spendingTx := commitSpend.SpendingTx

	// If the spending transaction matches our own commitment transaction
	// byte for byte, then this was a local force close.
	localCommit := lc.channelState.LocalCommitment.CommitTx
	if spendingTx.TxHash() == localCommit.TxHash() {
		return &SpendClassification{
			CloseType:    channeldb.LocalForceClose,
			CommitHeight: lc.currentHeight,
			IsOurTx:      true,
		}, nil
	}

	// A transaction that doesn't carry a valid state hint can't be a
	// commitment transaction of this channel, so the only remaining
	// possibility is the fully-signed cooperative closure transaction.
	if len(spendingTx.TxIn) != 1 || !isCommitFormat(spendingTx) {
		return &SpendClassification{
			CloseType: channeldb.CooperativeClose,
		}, nil
	}

	// Decode the state hint encoded within the commitment transaction to
	// determine if this is a revoked state or not.
	broadcastStateNum := GetStateNumHint(
		spendingTx, lc.stateHintObfuscator,
	)
	remoteStateNum := lc.channelState.RemoteCommitment.CommitHeight

	switch {
	// The broadcast commitment matches the remote party's current
	// unrevoked state, so this is a legitimate remote force close.
	case broadcastStateNum == remoteStateNum:
		return &SpendClassification{
			CloseType:    channeldb.RemoteForceClose,
			CommitHeight: broadcastStateNum,
		}, nil

	// They've broadcast a commitment we extended but they haven't yet
	// revoked their prior state for. Still a valid remote close.
	case broadcastStateNum == remoteStateNum+1:
		return &SpendClassification{
			CloseType:    channeldb.RemoteForceClose,
			CommitHeight: broadcastStateNum,
		}, nil

	// The state number is behind the remote party's current state, so
	// this is a revoked commitment. If we're able to look up the
	// revocation preimage for this state, then this is conclusively a
	// breach.
	case broadcastStateNum < remoteStateNum:
		_, err := lc.channelState.RevocationStore.LookUp(
			broadcastStateNum,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch revocation "+
				"state for height %d: %v", broadcastStateNum,
				err)
		}

		return &SpendClassification{
			CloseType:    channeldb.BreachClose,
			CommitHeight: broadcastStateNum,
		}, nil
	}

	return nil, fmt.Errorf("unknown commitment broadcast with state "+
		"number %d ahead of known remote state %d", broadcastStateNum,
		remoteStateNum)
}

// isCommitFormat returns true if the passed transaction carries the sequence
// and lock time markers that the commitment state hint encoding produces.
func isCommitFormat(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}

	seqMarker := tx.TxIn[0].Sequence & 0xFF000000
	timeMarker := tx.LockTime & 0xFF000000

	return seqMarker == wire.SequenceLockTimeDisabled &&
		timeMarker == TimelockShift
}
