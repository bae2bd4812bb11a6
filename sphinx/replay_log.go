package sphinx

import (
	"crypto/sha256"
	"errors"
	"sync"
)

const (
	// HashPrefixSize is the size in bytes of the keys we will be storing
	// in the ReplayLog. It represents the first 20 bytes of a truncated
	// sha-256 hash of a secret generated by ECDH.
	HashPrefixSize = 20
)

// HashPrefix is a statically size, 20-byte array containing the prefix
// of a Hash256, and is used to detect duplicate sphinx packets.
type HashPrefix [HashPrefixSize]byte

var (
	// ErrLogEntryNotFound is an error returned when a packet lookup in a
	// replay log fails because it is missing.
	ErrLogEntryNotFound = errors.New("sphinx packet is not in log")

	// ErrReplayedPacket is an error returned when a packet is rejected
	// during processing due to being an attempted replay or probing
	// attempt.
	ErrReplayedPacket = errors.New("sphinx packet replay attempted")
)

// hashSharedSecret Sha-256 hashes the shared secret and returns the first
// HashPrefixSize bytes of the hash.
func hashSharedSecret(sharedSecret *Hash256) HashPrefix {
	// Sha256 hash of sharedSecret
	h := sha256.New()
	h.Write(sharedSecret[:])

	var sharedHash HashPrefix

	// Copy bytes to sharedHash
	copy(sharedHash[:], h.Sum(nil))
	return sharedHash
}

// ReplayLog is an interface that defines a log of incoming sphinx packets,
// enabling strong replay protection. The interface is general to allow
// implementations near-complete autonomy. All methods must be safe for
// concurrent access.
type ReplayLog interface {
	// Start starts up the log. It returns an error if one occurs.
	Start() error

	// Stop safely stops the log. It returns an error if one occurs.
	Stop() error

	// Get retrieves an entry from the log given its hash prefix. It
	// returns the value stored and an error if one occurs. It returns
	// ErrLogEntryNotFound if the entry is not in the log.
	Get(*HashPrefix) (uint32, error)

	// Put stores an entry into the log given its hash prefix and an
	// accompanying purposefully general type. It returns
	// ErrReplayedPacket if the provided hash prefix already exists in the
	// log.
	Put(*HashPrefix, uint32) error

	// PutBatch stores a batch of entries into the log, returning the set
	// of sequence numbers whose hash prefixes were already present either
	// in the log or earlier in the same batch. Committing a batch is
	// idempotent: presenting a batch with an ID that was previously
	// committed returns the replay set computed the first time, without
	// modifying the log.
	PutBatch(*Batch) (*ReplaySet, error)

	// Delete deletes an entry from the log given its hash prefix.
	Delete(*HashPrefix) error
}

// MemoryReplayLog is a simple ReplayLog implementation that stores all added
// sphinx packets and processed batches in memory with no persistence.
//
// This is designed for use just in testing.
type MemoryReplayLog struct {
	mu      sync.Mutex
	batches map[string]*ReplaySet
	entries map[HashPrefix]uint32
}

// NewMemoryReplayLog constructs a new MemoryReplayLog.
func NewMemoryReplayLog() *MemoryReplayLog {
	return &MemoryReplayLog{}
}

// Start initializes the log and must be called before any other methods.
func (rl *MemoryReplayLog) Start() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.batches = make(map[string]*ReplaySet)
	rl.entries = make(map[HashPrefix]uint32)
	return nil
}

// Stop wipes the state of the log.
func (rl *MemoryReplayLog) Stop() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.batches = nil
	rl.entries = nil
	return nil
}

// Get retrieves an entry from the log given its hash prefix. It returns the
// value stored and an error if one occurs. It returns ErrLogEntryNotFound if
// the entry is not in the log.
func (rl *MemoryReplayLog) Get(hash *HashPrefix) (uint32, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cltv, exists := rl.entries[*hash]
	if !exists {
		return 0, ErrLogEntryNotFound
	}

	return cltv, nil
}

// Put stores an entry into the log given its hash prefix and an accompanying
// purposefully general type. It returns ErrReplayedPacket if the provided
// hash prefix already exists in the log.
func (rl *MemoryReplayLog) Put(hash *HashPrefix, cltv uint32) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	_, exists := rl.entries[*hash]
	if exists {
		return ErrReplayedPacket
	}

	rl.entries[*hash] = cltv
	return nil
}

// PutBatch stores a batch of entries into the log, returning the set of
// sequence numbers whose hash prefixes were already present. Committing the
// same batch ID twice returns the replay set computed on the first commit.
func (rl *MemoryReplayLog) PutBatch(b *Batch) (*ReplaySet, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// If this batch was committed before, return the stored result so
	// the caller observes the same replay set on retry.
	if replays, ok := rl.batches[string(b.ID)]; ok {
		b.ReplaySet = replays
		b.IsCommitted = true
		return replays, nil
	}

	replays := NewReplaySet()
	err := b.ForEach(func(seqNum uint16, hashPrefix *HashPrefix,
		cltv uint32) error {

		if _, exists := rl.entries[*hashPrefix]; exists {
			replays.Add(seqNum)
			return nil
		}

		rl.entries[*hashPrefix] = cltv
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Merge the replays detected during construction of the batch.
	replays.Merge(b.ReplaySet)

	rl.batches[string(b.ID)] = replays

	b.ReplaySet = replays
	b.IsCommitted = true

	return replays, nil
}

// Delete deletes an entry from the log given its hash prefix.
func (rl *MemoryReplayLog) Delete(hash *HashPrefix) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.entries, *hash)
	return nil
}

// A compile time asserting ensuring MemoryReplayLog meets the ReplayLog
// interface.
var _ ReplayLog = (*MemoryReplayLog)(nil)
