package htlcswitch

import (
	"sync"

	"github.com/go-errors/errors"
)

var (
	// ErrDuplicateCircuit signals that this circuit was previously
	// added.
	ErrDuplicateCircuit = errors.New("duplicate circuit add")

	// ErrUnknownCircuit signals that circuit could not be removed from
	// the map because it was not found.
	ErrUnknownCircuit = errors.New("unknown circuit")

	// ErrDuplicateKeystone signals that this circuit was previously
	// assigned a keystone.
	ErrDuplicateKeystone = errors.New("cannot add duplicate keystone")
)

// CircuitMap maintains the set of payment circuits that are active within
// the switch. Circuits are keyed by their incoming circuit key when first
// committed, and additionally indexed by their outgoing circuit key once the
// ADD has been forwarded to the outgoing link and assigned an htlc id.
//
// All of the switch's in-flight state lives here, so responses crossing the
// switch in the backwards direction can always be matched to the channel
// link that must receive them.
type CircuitMap struct {
	mtx sync.RWMutex

	// pending is an index of all active circuits, keyed by the circuit's
	// incoming circuit key.
	pending map[CircuitKey]*PaymentCircuit

	// opened is an index of circuits that have been assigned an outgoing
	// htlc id, keyed by the circuit's outgoing circuit key.
	opened map[CircuitKey]*PaymentCircuit
}

// NewCircuitMap creates a new instance of the CircuitMap.
func NewCircuitMap() *CircuitMap {
	return &CircuitMap{
		pending: make(map[CircuitKey]*PaymentCircuit),
		opened:  make(map[CircuitKey]*PaymentCircuit),
	}
}

// CommitCircuit adds a new circuit to the map, keyed by its incoming circuit
// key. If a circuit with the same incoming key already exists, the add is
// rejected, which provides idempotency for retransmitted ADDs.
func (cm *CircuitMap) CommitCircuit(circuit *PaymentCircuit) error {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	inKey := circuit.InKey()
	if _, ok := cm.pending[inKey]; ok {
		return ErrDuplicateCircuit
	}

	cm.pending[inKey] = circuit

	return nil
}

// OpenCircuit sets the outgoing circuit key of the circuit identified by
// inKey, and indexes the circuit under the outgoing key. This is done once
// the ADD has been offered to the outgoing link and received its htlc id.
func (cm *CircuitMap) OpenCircuit(inKey, outKey CircuitKey) error {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	circuit, ok := cm.pending[inKey]
	if !ok {
		return ErrUnknownCircuit
	}

	if circuit.HasKeystone() {
		return ErrDuplicateKeystone
	}

	if _, ok := cm.opened[outKey]; ok {
		return ErrDuplicateKeystone
	}

	outgoing := outKey
	circuit.Outgoing = &outgoing
	cm.opened[outKey] = circuit

	return nil
}

// LookupCircuit queries the circuit map for the circuit identified by its
// incoming circuit key.
func (cm *CircuitMap) LookupCircuit(inKey CircuitKey) *PaymentCircuit {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()

	return cm.pending[inKey]
}

// LookupOpenCircuit searches the circuit map for the circuit whose outgoing
// circuit key matches outKey.
func (cm *CircuitMap) LookupOpenCircuit(outKey CircuitKey) *PaymentCircuit {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()

	return cm.opened[outKey]
}

// CloseCircuit removes the circuit identified by its outgoing circuit key
// from the map entirely. This is invoked once the response for the circuit's
// HTLC has crossed the switch backwards, as no further messages can
// reference it.
func (cm *CircuitMap) CloseCircuit(outKey CircuitKey) (*PaymentCircuit,
	error) {

	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	circuit, ok := cm.opened[outKey]
	if !ok {
		return nil, ErrUnknownCircuit
	}

	delete(cm.opened, outKey)
	delete(cm.pending, circuit.InKey())

	return circuit, nil
}

// DeleteCircuit removes a circuit that never received a keystone, keyed by
// its incoming circuit key. This is used when the ADD fails on the outgoing
// link before an htlc id was ever assigned.
func (cm *CircuitMap) DeleteCircuit(inKey CircuitKey) (*PaymentCircuit,
	error) {

	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	circuit, ok := cm.pending[inKey]
	if !ok {
		return nil, ErrUnknownCircuit
	}

	if circuit.HasKeystone() {
		delete(cm.opened, circuit.OutKey())
	}
	delete(cm.pending, inKey)

	return circuit, nil
}

// NumPending returns the number of active circuits within the map.
func (cm *CircuitMap) NumPending() int {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()

	return len(cm.pending)
}

// NumOpen returns the number of circuits with assigned keystones.
func (cm *CircuitMap) NumOpen() int {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()

	return len(cm.opened)
}
