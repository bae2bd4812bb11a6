package htlcswitch

import (
	"crypto/rand"
	"testing"

	sphinx "github.com/chancore/chancore/sphinx"
	"github.com/stretchr/testify/require"
)

// startDecayedLog opens a decayed log backed by a throwaway database and
// registers its teardown with the test.
func startDecayedLog(t *testing.T) *DecayedLog {
	t.Helper()

	d := NewDecayedLog(t.TempDir(), nil)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })

	return d
}

func genHashPrefix(t *testing.T) sphinx.HashPrefix {
	t.Helper()

	var prefix sphinx.HashPrefix
	_, err := rand.Read(prefix[:])
	require.NoError(t, err)

	return prefix
}

// TestDecayedLogPutGet asserts that an entry can be stored and retrieved
// with its CLTV intact.
func TestDecayedLogPutGet(t *testing.T) {
	t.Parallel()

	d := startDecayedLog(t)

	hash := genHashPrefix(t)
	require.NoError(t, d.Put(&hash, 100001))

	cltv, err := d.Get(&hash)
	require.NoError(t, err)
	require.Equal(t, uint32(100001), cltv)
}

// TestDecayedLogReplay asserts that a second Put of the same hash prefix is
// rejected as a replay.
func TestDecayedLogReplay(t *testing.T) {
	t.Parallel()

	d := startDecayedLog(t)

	hash := genHashPrefix(t)
	require.NoError(t, d.Put(&hash, 100001))

	err := d.Put(&hash, 100001)
	require.ErrorIs(t, err, sphinx.ErrReplayedPacket)
}

// TestDecayedLogDelete asserts that deleted entries are no longer found.
func TestDecayedLogDelete(t *testing.T) {
	t.Parallel()

	d := startDecayedLog(t)

	hash := genHashPrefix(t)
	require.NoError(t, d.Put(&hash, 100001))
	require.NoError(t, d.Delete(&hash))

	_, err := d.Get(&hash)
	require.ErrorIs(t, err, sphinx.ErrLogEntryNotFound)

	// Deleting an absent entry is a no-op.
	require.NoError(t, d.Delete(&hash))
}

// TestDecayedLogGC asserts that garbage collection removes exactly the
// entries whose CLTV lies below the triggering height.
func TestDecayedLogGC(t *testing.T) {
	t.Parallel()

	d := startDecayedLog(t)

	expired := genHashPrefix(t)
	live := genHashPrefix(t)

	require.NoError(t, d.Put(&expired, 100000))
	require.NoError(t, d.Put(&live, 100005))

	numExpired, err := d.gcExpiredHashes(100001)
	require.NoError(t, err)
	require.Equal(t, uint32(1), numExpired)

	_, err = d.Get(&expired)
	require.ErrorIs(t, err, sphinx.ErrLogEntryNotFound)

	cltv, err := d.Get(&live)
	require.NoError(t, err)
	require.Equal(t, uint32(100005), cltv)
}

// TestDecayedLogRestart asserts that entries survive a stop/start cycle of
// the log using the same database directory.
func TestDecayedLogRestart(t *testing.T) {
	t.Parallel()

	dbPath := t.TempDir()

	d := NewDecayedLog(dbPath, nil)
	require.NoError(t, d.Start())

	hash := genHashPrefix(t)
	require.NoError(t, d.Put(&hash, 100001))
	require.NoError(t, d.Stop())

	d = NewDecayedLog(dbPath, nil)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })

	cltv, err := d.Get(&hash)
	require.NoError(t, err)
	require.Equal(t, uint32(100001), cltv)

	err = d.Put(&hash, 100001)
	require.ErrorIs(t, err, sphinx.ErrReplayedPacket)
}

// TestDecayedLogPutBatch commits a batch containing an already logged hash
// prefix, asserting that only the offending sequence number lands in the
// replay set and that the remaining entries are persisted.
func TestDecayedLogPutBatch(t *testing.T) {
	t.Parallel()

	d := startDecayedLog(t)

	seen := genHashPrefix(t)
	fresh := genHashPrefix(t)

	require.NoError(t, d.Put(&seen, 100001))

	b := sphinx.NewBatch([]byte("fwdpkg-1"))
	require.NoError(t, b.Put(0, &seen, 100002))
	require.NoError(t, b.Put(1, &fresh, 100003))

	replays, err := d.PutBatch(b)
	require.NoError(t, err)
	require.True(t, b.IsCommitted)

	require.Equal(t, 1, replays.Size())
	require.True(t, replays.Contains(0))
	require.False(t, replays.Contains(1))

	// The replayed entry keeps its original CLTV, the fresh one was
	// written.
	cltv, err := d.Get(&seen)
	require.NoError(t, err)
	require.Equal(t, uint32(100001), cltv)

	cltv, err = d.Get(&fresh)
	require.NoError(t, err)
	require.Equal(t, uint32(100003), cltv)
}

// TestDecayedLogPutBatchIdempotent asserts that recommitting a batch with
// the same ID, even after a restart, returns the replay set recorded on the
// first commit instead of reprocessing the entries.
func TestDecayedLogPutBatchIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := t.TempDir()

	d := NewDecayedLog(dbPath, nil)
	require.NoError(t, d.Start())

	seen := genHashPrefix(t)
	fresh := genHashPrefix(t)

	require.NoError(t, d.Put(&seen, 100001))

	b := sphinx.NewBatch([]byte("fwdpkg-7"))
	require.NoError(t, b.Put(0, &seen, 100002))
	require.NoError(t, b.Put(1, &fresh, 100003))

	replays, err := d.PutBatch(b)
	require.NoError(t, err)
	require.True(t, replays.Contains(0))

	require.NoError(t, d.Stop())

	d = NewDecayedLog(dbPath, nil)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })

	// An identically constructed batch decodes the stored result. Were
	// the entries reprocessed, sequence number one would now also be
	// flagged as a replay.
	retry := sphinx.NewBatch([]byte("fwdpkg-7"))
	require.NoError(t, retry.Put(0, &seen, 100002))
	require.NoError(t, retry.Put(1, &fresh, 100003))

	replays, err = d.PutBatch(retry)
	require.NoError(t, err)
	require.True(t, retry.IsCommitted)

	require.Equal(t, 1, replays.Size())
	require.True(t, replays.Contains(0))
	require.False(t, replays.Contains(1))
}
