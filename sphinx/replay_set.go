package sphinx

import (
	"encoding/binary"
	"io"
)

// ReplaySet records which entries of a batch were rejected as replays. The
// entries are identified by the sequence numbers the caller assigned when
// adding them to the batch.
type ReplaySet struct {
	replays map[uint16]struct{}
}

// NewReplaySet initializes an empty replay set.
func NewReplaySet() *ReplaySet {
	return &ReplaySet{
		replays: make(map[uint16]struct{}),
	}
}

// Size returns the number of elements in the replay set.
func (rs *ReplaySet) Size() int {
	return len(rs.replays)
}

// Add inserts the provided sequence number into the replay set.
func (rs *ReplaySet) Add(idx uint16) {
	rs.replays[idx] = struct{}{}
}

// Contains queries the contents of the replay set for membership of a
// particular sequence number.
func (rs *ReplaySet) Contains(idx uint16) bool {
	_, ok := rs.replays[idx]
	return ok
}

// Merge adds the contents of the provided replay set to the receiver's set.
func (rs *ReplaySet) Merge(rs2 *ReplaySet) {
	for seqNum := range rs2.replays {
		rs.Add(seqNum)
	}
}

// Encode serializes the replay set into the provided writer. The elements
// are written as a contiguous sequence of big endian sequence numbers, which
// permits a decoder to consume the stream until exhaustion.
func (rs *ReplaySet) Encode(w io.Writer) error {
	for seqNum := range rs.replays {
		err := binary.Write(w, binary.BigEndian, seqNum)
		if err != nil {
			return err
		}
	}

	return nil
}

// Decode reconstitutes a replay set given a reader over its serialized
// contents, reading sequence numbers until the stream is exhausted.
func (rs *ReplaySet) Decode(r io.Reader) error {
	for {
		var seqNum uint16
		err := binary.Read(r, binary.BigEndian, &seqNum)
		switch err {
		case nil:
			rs.Add(seqNum)

		case io.EOF:
			return nil

		default:
			return err
		}
	}
}
