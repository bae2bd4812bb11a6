package shachain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// testRoot is an arbitrary seed used to initialize producers within the
// tests below.
var testRoot = chainhash.Hash{
	0x2a, 0xb4, 0x6d, 0x9f, 0x11, 0x74, 0xc2, 0x39,
	0x5a, 0x3c, 0xe8, 0x7b, 0x21, 0x04, 0x9e, 0xf0,
	0x6c, 0x55, 0x31, 0x8d, 0xd0, 0x43, 0xaa, 0x17,
	0x8e, 0x92, 0x7c, 0x01, 0xbe, 0x64, 0x5f, 0x33,
}

// TestProducerStoreRoundTrip asserts that every secret produced in order by
// a producer can be consumed by the store, and that all previously consumed
// secrets remain derivable from the store's compact state.
func TestProducerStoreRoundTrip(t *testing.T) {
	t.Parallel()

	producer := NewRevocationProducer(testRoot)
	store := NewRevocationStore()

	const numSecrets = 50
	for i := uint64(0); i < numSecrets; i++ {
		secret, err := producer.AtIndex(i)
		require.NoError(t, err, "unable to produce secret")

		require.NoError(t, store.AddNextEntry(secret),
			"unable to accept secret %v", i)
	}

	// All secrets consumed so far must be recoverable by index.
	for i := uint64(0); i < numSecrets; i++ {
		fromStore, err := store.LookUp(i)
		require.NoError(t, err, "unable to look up secret %v", i)

		fromProducer, err := producer.AtIndex(i)
		require.NoError(t, err)
		require.Equal(t, fromProducer, fromStore)
	}
}

// TestStoreRejectsForeignSecret asserts that a secret which isn't derivable
// from the previously inserted ones is rejected.
func TestStoreRejectsForeignSecret(t *testing.T) {
	t.Parallel()

	producer := NewRevocationProducer(testRoot)
	store := NewRevocationStore()

	secret, err := producer.AtIndex(0)
	require.NoError(t, err)
	require.NoError(t, store.AddNextEntry(secret))

	// Secrets from an unrelated chain shouldn't link into the store.
	var bogusRoot chainhash.Hash
	copy(bogusRoot[:], bytes.Repeat([]byte{0x41}, 32))
	foreign := NewRevocationProducer(bogusRoot)

	// Index 1 has a non-zero trailing-zero count, forcing the store to
	// check derivability against the existing bucket.
	foreignSecret, err := foreign.AtIndex(1)
	require.NoError(t, err)
	require.Error(t, store.AddNextEntry(foreignSecret))
}

// TestStoreSerialization asserts the store round-trips through its binary
// encoding.
func TestStoreSerialization(t *testing.T) {
	t.Parallel()

	producer := NewRevocationProducer(testRoot)
	store := NewRevocationStore()

	for i := uint64(0); i < 20; i++ {
		secret, err := producer.AtIndex(i)
		require.NoError(t, err)
		require.NoError(t, store.AddNextEntry(secret))
	}

	var b bytes.Buffer
	require.NoError(t, store.Encode(&b))

	restored, err := NewRevocationStoreFromBytes(&b)
	require.NoError(t, err)

	for i := uint64(0); i < 20; i++ {
		orig, err := store.LookUp(i)
		require.NoError(t, err)

		fromDisk, err := restored.LookUp(i)
		require.NoError(t, err)
		require.Equal(t, orig, fromDisk)
	}
}

// TestProducerEncode asserts the producer serializes to its root seed.
func TestProducerEncode(t *testing.T) {
	t.Parallel()

	producer := NewRevocationProducer(testRoot)

	var b bytes.Buffer
	require.NoError(t, producer.Encode(&b))

	restored, err := NewRevocationProducerFromBytes(b.Bytes())
	require.NoError(t, err)

	origSecret, err := producer.AtIndex(42)
	require.NoError(t, err)

	restoredSecret, err := restored.AtIndex(42)
	require.NoError(t, err)
	require.Equal(t, origSecret, restoredSecret)
}
