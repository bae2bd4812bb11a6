package channeldb

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chancore/chancore/keychain"
	"github.com/chancore/chancore/lnwire"
	"github.com/chancore/chancore/shachain"
	"github.com/stretchr/testify/require"
)

var (
	key = [chainhash.HashSize]byte{
		0x81, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x68, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0xd, 0xe7, 0x93, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xf9, 0x9e, 0xc5, 0x8c, 0xe9,
	}
	rev = [chainhash.HashSize]byte{
		0x51, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x48, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0x2d, 0xe7, 0x93, 0xe4,
	}
	testTx = &wire.MsgTx{
		Version: 1,
		TxIn: []*wire.TxIn{
			{
				PreviousOutPoint: wire.OutPoint{
					Hash:  chainhash.Hash{},
					Index: 0xffffffff,
				},
				SignatureScript: []byte{0x04, 0x31, 0xdc, 0x00, 0x1b, 0x01, 0x62},
				Sequence:        0xffffffff,
			},
		},
		TxOut: []*wire.TxOut{
			{
				Value: 5000000000,
				PkScript: []byte{
					0x41, // OP_DATA_65
					0x04, 0xd6, 0x4b, 0xdf, 0xd0, 0x9e, 0xb1, 0xc5,
					0xfe, 0x29, 0x5a, 0xbd, 0xeb, 0x1d, 0xca, 0x42,
					0x81, 0xbe, 0x98, 0x8e, 0x2d, 0xa0, 0xb6, 0xc1,
					0xc6, 0xa5, 0x9d, 0xc2, 0x26, 0xc2, 0x86, 0x24,
					0xe1, 0x81, 0x75, 0xe8, 0x51, 0xc9, 0x6b, 0x97,
					0x3d, 0x81, 0xb0, 0x1c, 0xc3, 0x1f, 0x04, 0x78,
					0x34, 0xbc, 0x06, 0xd6, 0xd6, 0xed, 0xf6, 0x20,
					0xd1, 0x84, 0x24, 0x1a, 0x6a, 0xed, 0x8b, 0x63,
					0xa6, // 65-byte signature
					0xac, // OP_CHECKSIG
				},
			},
		},
		LockTime: 5,
	}
	privKey, pubKey = btcec.PrivKeyFromBytes(key[:])
)

// makeTestDB creates a new instance of the channeldb for testing purposes,
// rooted in a throwaway directory cleaned up with the test.
func makeTestDB(t *testing.T) *DB {
	t.Helper()

	cdb, err := Open(t.TempDir())
	require.NoError(t, err, "unable to open test db")
	t.Cleanup(func() {
		require.NoError(t, cdb.Close())
	})

	return cdb
}

func createTestChannelState(t *testing.T, cdb *DB) *OpenChannel {
	t.Helper()

	// Simulate 1000 channel updates.
	producer, err := shachain.NewRevocationProducerFromBytes(key[:])
	require.NoError(t, err, "could not get producer")

	store := shachain.NewRevocationStore()
	for i := 0; i < 1000; i++ {
		preImage, err := producer.AtIndex(uint64(i))
		require.NoError(t, err, "could not get "+
			"preimage")

		require.NoError(t, store.AddNextEntry(preImage))
	}

	localCfg := ChannelConfig{
		ChannelConstraints: ChannelConstraints{
			DustLimit:        btcutil.Amount(354),
			MaxPendingAmount: lnwire.MilliSatoshi(5000 * 1000),
			ChanReserve:      btcutil.Amount(10000),
			MinHTLC:          lnwire.MilliSatoshi(1000),
			MaxAcceptedHtlcs: 50,
			CsvDelay:         5,
		},
		MultiSigKey: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyMultiSig,
			},
		},
		RevocationBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyRevocationBase,
			},
		},
		PaymentBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyPaymentBase,
			},
		},
		DelayBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyDelayBase,
			},
		},
		HtlcBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyHtlcBase,
			},
		},
	}
	remoteCfg := ChannelConfig{
		ChannelConstraints: ChannelConstraints{
			DustLimit:        btcutil.Amount(354),
			MaxPendingAmount: lnwire.MilliSatoshi(5000 * 1000),
			ChanReserve:      btcutil.Amount(10000),
			MinHTLC:          lnwire.MilliSatoshi(1000),
			MaxAcceptedHtlcs: 50,
			CsvDelay:         4,
		},
		MultiSigKey: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyMultiSig,
				Index:  9,
			},
		},
		RevocationBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyRevocationBase,
				Index:  8,
			},
		},
		PaymentBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyPaymentBase,
				Index:  7,
			},
		},
		DelayBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyDelayBase,
				Index:  6,
			},
		},
		HtlcBasePoint: keychain.KeyDescriptor{
			PubKey: pubKey,
			KeyLocator: keychain.KeyLocator{
				Family: keychain.KeyFamilyHtlcBase,
				Index:  5,
			},
		},
	}

	chanID := lnwire.NewShortChanIDFromInt(uint64(20 << 40))

	return &OpenChannel{
		ChanType:        SingleFunder,
		ChainHash:       key,
		FundingOutpoint: wire.OutPoint{Hash: key, Index: 0},
		ShortChannelID:  chanID,
		IsInitiator:     true,
		IsPending:       true,
		IdentityPub:     pubKey,
		Capacity:        btcutil.Amount(10000),
		LocalChanCfg:    localCfg,
		RemoteChanCfg:   remoteCfg,
		TotalMSatSent:   8,
		TotalMSatReceived: 2,
		LocalCommitment: ChannelCommitment{
			CommitHeight:  0,
			LocalBalance:  lnwire.MilliSatoshi(9000),
			RemoteBalance: lnwire.MilliSatoshi(3000),
			CommitFee:     btcutil.Amount(rev[0]),
			FeePerKw:      btcutil.Amount(5000),
			CommitTx:      testTx,
			CommitSig:     bytes.Repeat([]byte{1}, 71),
		},
		RemoteCommitment: ChannelCommitment{
			CommitHeight:  0,
			LocalBalance:  lnwire.MilliSatoshi(3000),
			RemoteBalance: lnwire.MilliSatoshi(9000),
			CommitFee:     btcutil.Amount(rev[1]),
			FeePerKw:      btcutil.Amount(5000),
			CommitTx:      testTx,
			CommitSig:     bytes.Repeat([]byte{2}, 71),
		},
		RemoteCurrentRevocation: privKey.PubKey(),
		RevocationProducer:      producer,
		RevocationStore:         store,
		Db:                      cdb,
	}
}

// TestOpenChannelPutGetDelete asserts that the full lifecycle of an open
// channel is persisted faithfully: a synced channel can be fetched back
// identically, and closing it moves it into the closed channel summaries.
func TestOpenChannelPutGetDelete(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)

	// Create the test channel state, then add an additional fake HTLC
	// before syncing to disk.
	state := createTestChannelState(t, cdb)
	state.LocalCommitment.Htlcs = []HTLC{
		{
			Signature:     testTx.TxIn[0].SignatureScript,
			Incoming:      true,
			Amt:           10,
			RHash:         key,
			RefundTimeout: 1,
			OnionBlob:     []byte("onionblob"),
		},
	}
	state.RemoteCommitment.Htlcs = []HTLC{
		{
			Signature:     testTx.TxIn[0].SignatureScript,
			Incoming:      false,
			Amt:           10,
			RHash:         key,
			RefundTimeout: 1,
			OnionBlob:     []byte("onionblob"),
		},
	}

	require.NoError(t, state.FullSync(), "unable to save and serialize "+
		"channel state")

	openChannels, err := cdb.FetchOpenChannels()
	require.NoError(t, err, "unable to fetch open channel")
	require.Len(t, openChannels, 1)

	newState := openChannels[0]

	// The decoded channel state should be identical to what we stored
	// above.
	require.Equal(t, state.ChanType, newState.ChanType)
	require.Equal(t, state.ChainHash, newState.ChainHash)
	require.Equal(t, state.FundingOutpoint, newState.FundingOutpoint)
	require.Equal(t, state.ShortChannelID, newState.ShortChannelID)
	require.Equal(t, state.IsPending, newState.IsPending)
	require.Equal(t, state.IsInitiator, newState.IsInitiator)
	require.True(t, state.IdentityPub.IsEqual(newState.IdentityPub))
	require.Equal(t, state.Capacity, newState.Capacity)
	require.Equal(t, state.LocalChanCfg, newState.LocalChanCfg)
	require.Equal(t, state.RemoteChanCfg, newState.RemoteChanCfg)
	require.Equal(t, state.LocalCommitment, newState.LocalCommitment)
	require.Equal(t, state.RemoteCommitment, newState.RemoteCommitment)
	require.Equal(t, state.RevocationProducer, newState.RevocationProducer)
	require.Equal(t, state.RevocationStore, newState.RevocationStore)
	require.True(t, state.RemoteCurrentRevocation.IsEqual(
		newState.RemoteCurrentRevocation,
	))
	require.Nil(t, newState.RemoteNextRevocation)

	// The fetched channel should also be found via the direct lookup.
	_, err = cdb.FetchChannel(state.FundingOutpoint)
	require.NoError(t, err)

	// Finally to wrap up the test, delete the state of the channel within
	// the database. This involves "closing" the channel which removes all
	// written state, and creates a small "summary" elsewhere within the
	// database.
	closeSummary := &ChannelCloseSummary{
		ChanPoint:      state.FundingOutpoint,
		ChainHash:      state.ChainHash,
		RemotePub:      state.IdentityPub,
		SettledBalance: btcutil.Amount(500),
		TimeLockedBalance: btcutil.Amount(10000),
		IsPending:      false,
		CloseType:      CooperativeClose,
	}
	require.NoError(t, state.CloseChannel(closeSummary),
		"unable to close channel")

	// As the channel is now closed, attempting to fetch all open channels
	// should return an empty slice.
	openChans, err := cdb.FetchOpenChannels()
	require.NoError(t, err)
	require.Empty(t, openChans, "all channels not deleted")

	// A direct fetch of the now deleted channel should fail.
	_, err = cdb.FetchChannel(state.FundingOutpoint)
	require.ErrorIs(t, err, ErrChannelNotFound)

	// The close summary should be present within the closed channel
	// bucket.
	closedChans, err := cdb.FetchClosedChannels()
	require.NoError(t, err)
	require.Len(t, closedChans, 1)

	summary := closedChans[0]
	require.Equal(t, closeSummary.ChanPoint, summary.ChanPoint)
	require.Equal(t, closeSummary.SettledBalance, summary.SettledBalance)
	require.Equal(t, closeSummary.CloseType, summary.CloseType)
	require.True(t, closeSummary.RemotePub.IsEqual(summary.RemotePub))
}

// TestChannelStateTransition walks a channel through a single commitment
// update: extending a new remote commitment, then advancing the chain tail
// once the remote party revokes their prior state.
func TestChannelStateTransition(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)

	// First create a minimal channel, then perform a full sync in order
	// to persist the data.
	channel := createTestChannelState(t, cdb)
	require.NoError(t, channel.FullSync())

	// Add some HTLCs which were added during this new state transition.
	// Half of the HTLCs are incoming, while the other half are outgoing.
	var htlcs []HTLC
	var htlcAmt lnwire.MilliSatoshi
	for i := uint32(0); i < 10; i++ {
		var incoming bool
		if i > 5 {
			incoming = true
		}
		htlc := HTLC{
			Signature:     testTx.TxIn[0].SignatureScript,
			Incoming:      incoming,
			Amt:           10,
			RHash:         key,
			RefundTimeout: i,
			OutputIndex:   int32(i * 3),
			LogIndex:      uint64(i * 2),
			HtlcIndex:     uint64(i),
			OnionBlob:     []byte("onionblob"),
		}
		htlcs = append(htlcs, htlc)
		htlcAmt += htlc.Amt
	}

	// Create a new channel delta which includes the above HTLCs, some
	// balance updates, and an increment of the current commitment height.
	commitment := ChannelCommitment{
		CommitHeight:    1,
		LocalLogIndex:   2,
		LocalHtlcIndex:  1,
		RemoteLogIndex:  2,
		RemoteHtlcIndex: 1,
		LocalBalance:    lnwire.MilliSatoshi(1e8),
		RemoteBalance:   lnwire.MilliSatoshi(1e8),
		CommitFee:       55,
		FeePerKw:        99,
		CommitTx:        testTx,
		CommitSig:       testTx.TxIn[0].SignatureScript,
		Htlcs:           htlcs,
	}

	// First update the local node's broadcastable state.
	require.NoError(t, channel.UpdateCommitment(&commitment),
		"unable to update commitment")

	// The in-memory state and the on-disk state for the local commitment
	// should now both reflect the new commitment.
	require.Equal(t, commitment, channel.LocalCommitment)

	diskChannel, err := cdb.FetchChannel(channel.FundingOutpoint)
	require.NoError(t, err)
	require.Equal(t, commitment, diskChannel.LocalCommitment)

	// Next, write to the log which tracks the necessary revocation state
	// needed to rectify any fishy behavior by the remote party. Modify
	// the current uncollapsed revocation state to simulate a state
	// transition by the remote party.
	newRemoteCommit := commitment
	newRemoteCommit.CommitHeight = 1
	require.NoError(t, channel.AppendRemoteCommitChain(&newRemoteCommit),
		"unable to add to commit chain")

	// The tip of the commit chain should now match what we just wrote.
	diskCommitDiff, err := channel.RemoteCommitChainTip()
	require.NoError(t, err)
	require.Equal(t, newRemoteCommit, *diskCommitDiff)

	// We'll save the old remote commitment, as this will be the state the
	// remote party revokes.
	oldRemoteCommit := channel.RemoteCommitment

	// Simulate the remote party revoking their current (prior) commitment
	// state: advance the revocation state in memory, then advance the
	// tail of the remote commitment chain.
	pendingRevKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	require.NoError(t, channel.InsertNextRevocation(pendingRevKey.PubKey()))

	newPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	channel.RemoteCurrentRevocation = channel.RemoteNextRevocation
	channel.RemoteNextRevocation = newPriv.PubKey()

	require.NoError(t, channel.AdvanceCommitChainTail(),
		"unable to append to revocation log")

	// The in-memory and on-disk remote commitments should now both match
	// the commitment that was previously the tip of the chain.
	require.NotEqual(t, oldRemoteCommit, channel.RemoteCommitment)
	require.Equal(t, newRemoteCommit, channel.RemoteCommitment)

	diskChannel, err = cdb.FetchChannel(channel.FundingOutpoint)
	require.NoError(t, err)
	require.Equal(t, newRemoteCommit, diskChannel.RemoteCommitment)

	// The commitment chain tip should have been consumed by the advance.
	_, err = channel.RemoteCommitChainTip()
	require.ErrorIs(t, err, ErrNoPendingCommit)
}

// TestInsertNextRevocation asserts that the next remote revocation key is
// persisted and restored across a db round trip.
func TestInsertNextRevocation(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)

	channel := createTestChannelState(t, cdb)
	require.NoError(t, channel.FullSync())

	// Initially no next revocation is known for a fresh channel.
	require.Nil(t, channel.RemoteNextRevocation)

	nextRevKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	require.NoError(t, channel.InsertNextRevocation(nextRevKey.PubKey()),
		"unable to insert revocation")

	// Fetching the channel back from disk should now also yield the next
	// revocation key.
	diskChannel, err := cdb.FetchChannel(channel.FundingOutpoint)
	require.NoError(t, err)
	require.NotNil(t, diskChannel.RemoteNextRevocation)
	require.True(t, nextRevKey.PubKey().IsEqual(
		diskChannel.RemoteNextRevocation,
	))
}

// TestMarkAsOpen asserts a pending channel can be promoted to an open
// channel with a finalized short channel ID.
func TestMarkAsOpen(t *testing.T) {
	t.Parallel()

	cdb := makeTestDB(t)

	channel := createTestChannelState(t, cdb)
	channel.IsPending = true
	require.NoError(t, channel.FullSync())

	// Next, simulate the confirmation of the channel by marking it as
	// open within the database.
	chanID := lnwire.NewShortChanIDFromInt(99)
	require.NoError(t, channel.MarkAsOpen(chanID))

	// The channel should no longer be found within the set of pending
	// channels when fetched back from disk.
	diskChannel, err := cdb.FetchChannel(channel.FundingOutpoint)
	require.NoError(t, err)
	require.False(t, diskChannel.IsPending)
	require.Equal(t, chanID, diskChannel.ShortChannelID)
}
