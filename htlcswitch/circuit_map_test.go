package htlcswitch

import (
	"testing"

	"github.com/chancore/chancore/lnwire"
	"github.com/stretchr/testify/require"
)

func newTestCircuit(inChan uint64, inHTLC uint64) *PaymentCircuit {
	var hash [32]byte
	hash[0] = byte(inHTLC)

	return newPaymentCircuit(&hash, &htlcPacket{
		incomingChanID: lnwire.NewShortChanIDFromInt(inChan),
		incomingHTLCID: inHTLC,
		incomingAmount: 1050,
		amount:         1000,
	})
}

// TestCircuitMapLifecycle walks a circuit through commit, open and close,
// asserting the lookup indexes stay consistent at each step.
func TestCircuitMapLifecycle(t *testing.T) {
	t.Parallel()

	m := NewCircuitMap()
	circuit := newTestCircuit(1, 0)

	require.NoError(t, m.CommitCircuit(circuit))
	require.Equal(t, 1, m.NumPending())
	require.Equal(t, 0, m.NumOpen())

	// Before the keystone is set, the circuit is only reachable by its
	// incoming key.
	require.Equal(t, circuit, m.LookupCircuit(circuit.InKey()))

	outKey := CircuitKey{
		ChanID: lnwire.NewShortChanIDFromInt(2),
		HtlcID: 7,
	}
	require.Nil(t, m.LookupOpenCircuit(outKey))

	// Opening the circuit makes it reachable by the outgoing key as well.
	require.NoError(t, m.OpenCircuit(circuit.InKey(), outKey))
	require.Equal(t, 1, m.NumOpen())
	require.True(t, circuit.HasKeystone())

	require.Equal(t, circuit, m.LookupOpenCircuit(outKey))

	// Closing removes the circuit from both indexes.
	closed, err := m.CloseCircuit(outKey)
	require.NoError(t, err)
	require.Equal(t, circuit, closed)
	require.Equal(t, 0, m.NumPending())
	require.Equal(t, 0, m.NumOpen())

	require.Nil(t, m.LookupCircuit(circuit.InKey()))
}

// TestCircuitMapDuplicateCommit asserts that a second circuit with the same
// incoming key is rejected and leaves the original in place.
func TestCircuitMapDuplicateCommit(t *testing.T) {
	t.Parallel()

	m := NewCircuitMap()
	circuit := newTestCircuit(1, 3)

	require.NoError(t, m.CommitCircuit(circuit))

	dup := newTestCircuit(1, 3)
	require.ErrorIs(t, m.CommitCircuit(dup), ErrDuplicateCircuit)

	require.Equal(t, circuit, m.LookupCircuit(circuit.InKey()))
}

// TestCircuitMapDuplicateKeystone asserts that an outgoing key may only be
// bound once.
func TestCircuitMapDuplicateKeystone(t *testing.T) {
	t.Parallel()

	m := NewCircuitMap()

	first := newTestCircuit(1, 0)
	second := newTestCircuit(1, 1)
	require.NoError(t, m.CommitCircuit(first))
	require.NoError(t, m.CommitCircuit(second))

	outKey := CircuitKey{
		ChanID: lnwire.NewShortChanIDFromInt(2),
		HtlcID: 0,
	}
	require.NoError(t, m.OpenCircuit(first.InKey(), outKey))

	err := m.OpenCircuit(second.InKey(), outKey)
	require.ErrorIs(t, err, ErrDuplicateKeystone)
}

// TestCircuitMapDelete asserts that a pending circuit can be abandoned
// before a keystone is set.
func TestCircuitMapDelete(t *testing.T) {
	t.Parallel()

	m := NewCircuitMap()
	circuit := newTestCircuit(1, 9)

	require.NoError(t, m.CommitCircuit(circuit))

	deleted, err := m.DeleteCircuit(circuit.InKey())
	require.NoError(t, err)
	require.Equal(t, circuit, deleted)
	require.Equal(t, 0, m.NumPending())

	_, err = m.DeleteCircuit(circuit.InKey())
	require.ErrorIs(t, err, ErrUnknownCircuit)
}
