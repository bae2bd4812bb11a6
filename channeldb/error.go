package channeldb

import (
	"errors"
)

var (
	// ErrNoChanDBExists is returned when a channel bucket hasn't been
	// created.
	ErrNoChanDBExists = errors.New("channel db has not yet been created")

	// ErrChannelNotFound is returned when we attempt to locate a channel
	// for a specific chain, but it is not found.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNoActiveChannels is returned when there is no active (open)
	// channels within the database.
	ErrNoActiveChannels = errors.New("no active channels exist")

	// ErrNoPastDeltas is returned when the channel delta bucket hasn't been
	// created.
	ErrNoPastDeltas = errors.New("channel has no recorded deltas")

	// ErrNoPendingCommit is returned when there is not a pending remote
	// commitment for a channel, but the caller requests one.
	ErrNoPendingCommit = errors.New("no pending remote commitment found")

	// ErrNoChanInfoFound is returned when a particular channel does not
	// have any channels state.
	ErrNoChanInfoFound = errors.New("no chan info found")

	// ErrNoCommitmentsFound is returned when a channel has been found in
	// the database, but it lacks the necessary commitment state.
	ErrNoCommitmentsFound = errors.New("no commitments found")

	// ErrNoRevocationsFound is returned when revocation state for a
	// particular channel cannot be found.
	ErrNoRevocationsFound = errors.New("no revocations found")

	// ErrNoCloseSummaryFound is returned when on restart, no close summary
	// is found for a channel marked as closed.
	ErrNoCloseSummaryFound = errors.New("channel close summary not found")
)
