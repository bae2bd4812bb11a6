package shachain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Store tracks the per-commitment secrets revealed by the counterparty. One
// secret is disclosed per revoked state, and since all secrets belong to a
// single PRF tree, a store only needs to hold the subset from which every
// earlier secret can be recomputed, rather than every secret verbatim.
type Store interface {
	// LookUp recomputes the secret revealed for the state with the given
	// index. It fails if that secret cannot be derived from the entries
	// currently held.
	LookUp(uint64) (*chainhash.Hash, error)

	// AddNextEntry records the next revealed secret, verifying that it
	// is consistent with the secrets received so far.
	//
	// NOTE: Secrets MUST be inserted in the order the counterparty's
	// Producer generates them.
	AddNextEntry(*chainhash.Hash) error

	// Encode writes the store's compact state to the passed io.Writer.
	Encode(io.Writer) error
}

// RevocationStore holds the counterparty's revealed secrets in O(log n)
// space. Each slot keeps the most recent secret whose index has a given
// number of trailing zero bits; every secret received earlier is derivable
// from one of the held slots by the PRF's bit-flip construction.
type RevocationStore struct {
	// numSlots is the number of slots currently occupied.
	numSlots uint8

	// slots holds one element per trailing-zero count. Slot i contains
	// the latest received secret whose index ends in exactly i zero
	// bits.
	slots [maxHeight]element

	// nextIndex is the index the next inserted secret must carry.
	nextIndex index
}

// A compile time check to ensure RevocationStore implements the Store
// interface.
var _ Store = (*RevocationStore)(nil)

// NewRevocationStore returns an empty store, ready to accept the
// counterparty's first revealed secret.
func NewRevocationStore() *RevocationStore {
	return &RevocationStore{
		nextIndex: startIndex,
	}
}

// NewRevocationStoreFromBytes deserializes a store previously written with
// Encode.
func NewRevocationStoreFromBytes(r io.Reader) (*RevocationStore, error) {
	rs := &RevocationStore{}

	if err := binary.Read(r, binary.BigEndian, &rs.numSlots); err != nil {
		return nil, err
	}

	for i := uint8(0); i < rs.numSlots; i++ {
		var slotIndex index
		if err := binary.Read(r, binary.BigEndian, &slotIndex); err != nil {
			return nil, err
		}

		var secret chainhash.Hash
		if _, err := io.ReadFull(r, secret[:]); err != nil {
			return nil, err
		}

		rs.slots[i] = element{
			index: slotIndex,
			hash:  secret,
		}
	}

	if err := binary.Read(r, binary.BigEndian, &rs.nextIndex); err != nil {
		return nil, err
	}

	return rs, nil
}

// LookUp recomputes the secret revealed for the state with the given index.
// It fails if that secret cannot be derived from the entries currently held,
// which happens whenever the requested secret was never received.
//
// NOTE: This function is part of the Store interface.
func (rs *RevocationStore) LookUp(v uint64) (*chainhash.Hash, error) {
	target := newIndex(v)

	// One of the occupied slots is an ancestor of the requested index iff
	// the secret was received. Try each in turn.
	for i := uint8(0); i < rs.numSlots; i++ {
		derived, err := rs.slots[i].derive(target)
		if err != nil {
			continue
		}

		return &derived.hash, nil
	}

	return nil, fmt.Errorf("unable to derive hash #%v", target)
}

// AddNextEntry records the next revealed secret. Every slot holding a secret
// that the new one supersedes must be derivable from it, otherwise the
// counterparty has broken from its chain and the secret is rejected.
//
// NOTE: Secrets MUST be inserted in the order the counterparty's Producer
// generates them.
//
// NOTE: This function is part of the Store interface.
func (rs *RevocationStore) AddNextEntry(hash *chainhash.Hash) error {
	incoming := &element{
		index: rs.nextIndex,
		hash:  *hash,
	}

	// The incoming secret lands in the slot matching its trailing-zero
	// count, and replaces the contents of every lower slot.
	slot := countTrailingZeros(incoming.index)

	for i := uint8(0); i < slot; i++ {
		derived, err := incoming.derive(rs.slots[i].index)
		if err != nil {
			return err
		}

		if !derived.isEqual(&rs.slots[i]) {
			return errors.New("hash isn't derivable from " +
				"previous ones")
		}
	}

	rs.slots[slot] = *incoming
	if slot+1 > rs.numSlots {
		rs.numSlots = slot + 1
	}

	rs.nextIndex--
	return nil
}

// Encode writes the store's compact state to the passed io.Writer: the slot
// count, each occupied slot's index and secret, then the next expected
// index.
//
// NOTE: This function is part of the Store interface.
func (rs *RevocationStore) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, rs.numSlots); err != nil {
		return err
	}

	for i := uint8(0); i < rs.numSlots; i++ {
		slot := rs.slots[i]

		err := binary.Write(w, binary.BigEndian, slot.index)
		if err != nil {
			return err
		}

		if _, err := w.Write(slot.hash[:]); err != nil {
			return err
		}
	}

	return binary.Write(w, binary.BigEndian, rs.nextIndex)
}
