package htlcswitch

import (
	"bytes"
	"fmt"

	"github.com/chancore/chancore/lnwire"
	sphinx "github.com/chancore/chancore/sphinx"
	"github.com/go-errors/errors"
)

// ForwardingError wraps an lnwire.FailureMessage in a struct that also
// includes the source of the error.
type ForwardingError struct {
	// FailureSourceIdx is the index of the node that sent the failure.
	// With this information, the dispatcher of a payment can modify their
	// set of candidate routes in response to the type of failure
	// extracted. Index zero is the self node.
	FailureSourceIdx int

	// msg is the wire message associated with the error. This value may
	// be nil in the case that we fail to decode the failure message sent
	// by a peer.
	msg lnwire.FailureMessage
}

// WireMessage extracts a valid wire failure message from an internal
// error which may contain additional metadata (which should not be
// exposed to the network). This value may be nil in the case that we fail
// to decode the failure message sent by a peer.
func (f *ForwardingError) WireMessage() lnwire.FailureMessage {
	return f.msg
}

// Error implements the built-in error interface. We use this method to allow
// the switch or any callers to insert additional context to the error message
// returned.
func (f *ForwardingError) Error() string {
	return fmt.Sprintf(
		"%v@%v", f.msg, f.FailureSourceIdx,
	)
}

// NewForwardingError creates a new ForwardingError.
func NewForwardingError(failure lnwire.FailureMessage,
	index int) *ForwardingError {

	return &ForwardingError{
		FailureSourceIdx: index,
		msg:              failure,
	}
}

// NewUnreadableForwardingError creates a forwarding error which has a nil
// failure message. This constructor should only be used in the case where we
// cannot decode the failure we have received from a peer.
func NewUnreadableForwardingError(index int) *ForwardingError {
	return &ForwardingError{
		FailureSourceIdx: index,
	}
}

// ErrorDecrypter is an interface that is used to decrypt the onion encrypted
// failure reason an extra out a well formed error.
type ErrorDecrypter interface {
	// DecryptError peels off each layer of onion encryption from the
	// first hop, to the source of the error. A fully populated
	// lnwire.FailureMessage is returned along with the source of the
	// error.
	DecryptError(lnwire.OpaqueReason) (*ForwardingError, error)
}

// UnknownEncrypterType is an error message used to signal that an unexpected
// EncrypterType was encountered during decoding.
type UnknownEncrypterType byte

// Error returns a formatted error indicating the invalid EncrypterType.
func (e UnknownEncrypterType) Error() string {
	return fmt.Sprintf("unknown error encrypter type: %d", e)
}

// SphinxErrorDecrypter wraps the sphinx data SphinxErrorDecrypter and maps
// the returned errors to concrete lnwire.FailureMessage instances.
type SphinxErrorDecrypter struct {
	decrypter *sphinx.OnionErrorDecrypter
}

// NewSphinxErrorDecrypter instantiates a new error decrypter for the sphinx
// circuit described by the passed session key and payment path.
func NewSphinxErrorDecrypter(
	circuit *sphinx.Circuit) *SphinxErrorDecrypter {

	return &SphinxErrorDecrypter{
		decrypter: sphinx.NewOnionErrorDecrypter(circuit),
	}
}

// DecryptError peels off each layer of onion encryption from the first hop,
// to the source of the error. A fully populated lnwire.FailureMessage is
// returned along with the source of the error.
//
// NOTE: Part of the ErrorDecrypter interface.
func (s *SphinxErrorDecrypter) DecryptError(reason lnwire.OpaqueReason) (
	*ForwardingError, error) {

	failure, err := s.decrypter.DecryptError(reason)
	if err != nil {
		return nil, err
	}

	// Decode the failure. If an error occurs, we leave the failure
	// message field nil.
	r := bytes.NewReader(failure.Message)
	failureMsg, err := lnwire.DecodeFailure(r, 0)
	if err != nil {
		return NewUnreadableForwardingError(failure.SenderIdx), nil
	}

	return NewForwardingError(failureMsg, failure.SenderIdx), nil
}

// A compile time check to ensure ErrorDecrypter implements the Deobfuscator
// interface.
var _ ErrorDecrypter = (*SphinxErrorDecrypter)(nil)

// ErrLinkShuttingDown signals that the link is shutting down.
var ErrLinkShuttingDown = errors.New("link shutting down")
