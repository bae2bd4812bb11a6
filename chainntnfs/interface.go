package chainntnfs

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChainNotifier represents a trusted source to receive notifications
// concerning targeted events on the Bitcoin blockchain. The interface
// specification is intentionally general in order to support a wide array of
// chain notification implementations such as: btcd's websockets
// notifications, Bitcoin Core's ZeroMQ notifications, various Bloom-filter
// based light client implementations, and so on.
//
// Concrete implementations of ChainNotifier should be able to support
// multiple concurrent client requests, as well as multiple concurrent
// notification events.
type ChainNotifier interface {
	// RegisterConfirmationsNtfn registers an intent to be notified once
	// txid reaches numConfs confirmations. We also pass in the pkScript as
	// the default light client instead needs to match on scripts created
	// in the block. The heightHint should represent the earliest height at
	// which the transaction could have been confirmed.
	RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte,
		numConfs, heightHint uint32) (*ConfirmationEvent, error)

	// RegisterSpendNtfn registers an intent to be notified once the target
	// outpoint is successfully spent within a transaction. The script that
	// the outpoint creates must also be specified. This allows this
	// interface to be implemented by BIP 158-like filtering.
	RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte,
		heightHint uint32) (*SpendEvent, error)

	// RegisterBlockEpochNtfn registers an intent to be notified of each
	// new block connected to the tip of the main chain. The returned
	// BlockEpochEvent struct contains a channel which will be sent upon
	// for each new block discovered.
	RegisterBlockEpochNtfn(*BlockEpoch) (*BlockEpochEvent, error)

	// Start the ChainNotifier. Once started, events will be dispatched to
	// registered clients.
	Start() error

	// Stop stops the concrete ChainNotifier. Once stopped, the
	// ChainNotifier should disallow any future requests from potential
	// clients. Additionally, all pending client notifications will be
	// canceled by closing the related channels on the *Event's.
	Stop() error
}

// TxConfirmation carries some additional block-level details of the exact
// block that specified transactions was confirmed within.
type TxConfirmation struct {
	// BlockHash is the hash of the block that confirmed the original
	// transition.
	BlockHash *chainhash.Hash

	// BlockHeight is the height of the block in which the transaction was
	// confirmed within.
	BlockHeight uint32

	// TxIndex is the index within the block of the ultimate confirmed
	// transaction.
	TxIndex uint32

	// Tx is the transaction for which the notification was requested for.
	Tx *wire.MsgTx
}

// ConfirmationEvent encapsulates a confirmation notification. With this struct,
// callers can be notified of: the instance the target txid reaches the
// targeted number of confirmations, and also in the event that the original
// confirmation is disconnected from the canonical chain.
//
// Once the txid reaches the specified number of confirmations, the 'Confirmed'
// channel will be sent upon fully detailing the confirmation.
//
// If the event that the original confirmation becomes re-org'd out of the main
// chain, the 'NegativeConf' will be sent upon with a value representing the
// depth of the re-org.
type ConfirmationEvent struct {
	// Confirmed is a channel that will be sent upon once the transaction
	// has been fully confirmed. The struct sent will contain all the
	// details of the channel's confirmation.
	Confirmed chan *TxConfirmation

	// NegativeConf is a channel that will be sent upon if the transaction
	// confirms, but is later reorged out of the chain. The integer sent
	// through the channel represents the reorg depth.
	NegativeConf chan int32

	// Cancel is a closure that should be executed by the caller in the
	// case that they wish to prematurely abandon their registered
	// notification.
	Cancel func()
}

// SpendDetail contains details pertaining to a spent output. This struct
// itself is the spentness notification. It includes the original outpoint
// which was spent along with the transaction spending it, and its index.
type SpendDetail struct {
	SpentOutPoint     *wire.OutPoint
	SpenderTxHash     *chainhash.Hash
	SpendingTx        *wire.MsgTx
	SpenderInputIndex uint32
	SpendingHeight    int32
}

// SpendEvent encapsulates a spentness notification. Its only field 'Spend'
// will be sent upon once the target output passed into RegisterSpendNtfn has
// been spent on the blockchain.
type SpendEvent struct {
	// Spend is a receive only channel which will be sent upon once the
	// target outpoint has been spent.
	Spend chan *SpendDetail

	// Cancel is a closure that should be executed by the caller in the
	// case that they wish to prematurely abandon their registered
	// notification.
	Cancel func()
}

// BlockEpoch represents metadata concerning each new block connected to the
// main chain.
type BlockEpoch struct {
	// Hash is the block hash of the latest block to be added to the tip
	// of the main chain.
	Hash *chainhash.Hash

	// Height is the height of the latest block to be added to the tip of
	// the main chain.
	Height int32
}

// BlockEpochEvent encapsulates an on-going stream of block epoch
// notifications. Its only field 'Epochs' will be sent upon for each new block
// connected to the main-chain.
type BlockEpochEvent struct {
	// Epochs is a receive only channel that will be sent upon each time a
	// new block is connected to the end of the main chain.
	Epochs <-chan *BlockEpoch

	// Cancel is a closure that should be executed by the caller in the
	// case that they wish to abandon their registered notification.
	Cancel func()
}

// FundingOutput carries everything a notifier client needs in order to watch
// a channel's funding output on chain: the outpoint itself, the pkScript it
// created, and the amount it carries.
type FundingOutput struct {
	// OutPoint is the funding outpoint of the channel.
	OutPoint wire.OutPoint

	// PkScript is the p2wsh script of the funding output.
	PkScript []byte

	// Value is the size of the funding output.
	Value btcutil.Amount
}
