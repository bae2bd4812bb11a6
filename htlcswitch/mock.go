package htlcswitch

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/chancore/chancore/htlcswitch/hop"
	"github.com/chancore/chancore/lntypes"
	"github.com/chancore/chancore/lnwire"
)

// mockPeer is a simple mock of the Peer interface which buffers all sent
// messages for later inspection.
type mockPeer struct {
	sync.Mutex

	pubKey   [33]byte
	sentMsgs []lnwire.Message

	// quit is closed to simulate a peer disconnect, after which sends
	// fail.
	quit chan struct{}
}

func newMockPeer() *mockPeer {
	return &mockPeer{
		quit: make(chan struct{}),
	}
}

func (m *mockPeer) SendMessage(msg lnwire.Message) error {
	select {
	case <-m.quit:
		return fmt.Errorf("peer shutting down")
	default:
	}

	m.Lock()
	defer m.Unlock()

	m.sentMsgs = append(m.sentMsgs, msg)
	return nil
}

func (m *mockPeer) PubKey() [33]byte {
	return m.pubKey
}

// popMessage removes and returns the oldest message sent to the peer.
func (m *mockPeer) popMessage() (lnwire.Message, error) {
	m.Lock()
	defer m.Unlock()

	if len(m.sentMsgs) == 0 {
		return nil, fmt.Errorf("no messages sent")
	}

	msg := m.sentMsgs[0]
	m.sentMsgs = m.sentMsgs[1:]
	return msg, nil
}

var _ Peer = (*mockPeer)(nil)

// mockChannelLink is a channel link which records every packet the switch
// hands to it, without driving a real channel state machine underneath.
type mockChannelLink struct {
	shortChanID lnwire.ShortChannelID
	chanID      lnwire.ChannelID
	bandwidth   lnwire.MilliSatoshi
	peer        Peer

	// packets holds every switch packet delivered to the link.
	packets chan *htlcPacket

	// msgs holds every wire message delivered by the peer.
	msgs chan lnwire.Message
}

func newMockChannelLink(chanID lnwire.ChannelID,
	shortChanID lnwire.ShortChannelID, bandwidth lnwire.MilliSatoshi,
	peer Peer) *mockChannelLink {

	return &mockChannelLink{
		chanID:      chanID,
		shortChanID: shortChanID,
		bandwidth:   bandwidth,
		peer:        peer,
		packets:     make(chan *htlcPacket, 10),
		msgs:        make(chan lnwire.Message, 10),
	}
}

func (f *mockChannelLink) HandleSwitchPacket(pkt *htlcPacket) error {
	f.packets <- pkt
	return nil
}

func (f *mockChannelLink) HandleChannelUpdate(msg lnwire.Message) {
	f.msgs <- msg
}

func (f *mockChannelLink) ChanID() lnwire.ChannelID {
	return f.chanID
}

func (f *mockChannelLink) ShortChanID() lnwire.ShortChannelID {
	return f.shortChanID
}

func (f *mockChannelLink) Bandwidth() lnwire.MilliSatoshi {
	return f.bandwidth
}

func (f *mockChannelLink) Peer() Peer {
	return f.peer
}

func (f *mockChannelLink) Start() error {
	return nil
}

func (f *mockChannelLink) Stop() {}

var _ ChannelLink = (*mockChannelLink)(nil)

// mockObfuscator is an error encrypter that leaves failure payloads in the
// clear, allowing tests to inspect them without running sphinx.
type mockObfuscator struct {
	failure lnwire.FailureMessage
}

func newMockObfuscator() hop.ErrorEncrypter {
	return &mockObfuscator{}
}

func (o *mockObfuscator) EncryptFirstHop(
	failure lnwire.FailureMessage) (lnwire.OpaqueReason, error) {

	o.failure = failure

	var b bytes.Buffer
	if err := lnwire.EncodeFailure(&b, failure, 0); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (o *mockObfuscator) IntermediateEncrypt(
	reason lnwire.OpaqueReason) lnwire.OpaqueReason {

	return reason
}

func (o *mockObfuscator) Type() hop.EncrypterType {
	return hop.EncrypterTypeMock
}

func (o *mockObfuscator) Encode(w io.Writer) error {
	return nil
}

func (o *mockObfuscator) Decode(r io.Reader) error {
	return nil
}

func (o *mockObfuscator) Reextract(
	extracter hop.ErrorEncrypterExtracter) error {

	return nil
}

var _ hop.ErrorEncrypter = (*mockObfuscator)(nil)

// mockDeobfuscator is the counterpart of mockObfuscator, decoding failure
// payloads that were stored in the clear.
type mockDeobfuscator struct{}

func newMockDeobfuscator() ErrorDecrypter {
	return &mockDeobfuscator{}
}

func (o *mockDeobfuscator) DecryptError(
	reason lnwire.OpaqueReason) (*ForwardingError, error) {

	r := bytes.NewReader(reason)
	failure, err := lnwire.DecodeFailure(r, 0)
	if err != nil {
		return nil, err
	}

	return NewForwardingError(failure, 1), nil
}

var _ ErrorDecrypter = (*mockDeobfuscator)(nil)

// mockInvoiceRegistry is an in-memory invoice database keyed by payment
// hash.
type mockInvoiceRegistry struct {
	sync.Mutex

	preimages map[lntypes.Hash]lntypes.Preimage
	settled   map[lntypes.Hash]lnwire.MilliSatoshi
}

func newMockRegistry() *mockInvoiceRegistry {
	return &mockInvoiceRegistry{
		preimages: make(map[lntypes.Hash]lntypes.Preimage),
		settled:   make(map[lntypes.Hash]lnwire.MilliSatoshi),
	}
}

// AddPreimage registers the preimage of an invoice that the registry should
// settle when presented with a matching HTLC.
func (i *mockInvoiceRegistry) AddPreimage(preimage lntypes.Preimage) {
	i.Lock()
	defer i.Unlock()

	i.preimages[preimage.Hash()] = preimage
}

func (i *mockInvoiceRegistry) LookupPreimage(
	payHash lntypes.Hash) (lntypes.Preimage, error) {

	i.Lock()
	defer i.Unlock()

	preimage, ok := i.preimages[payHash]
	if !ok {
		return lntypes.Preimage{}, fmt.Errorf("unable to find "+
			"invoice: %x", payHash[:])
	}

	return preimage, nil
}

func (i *mockInvoiceRegistry) SettleInvoice(payHash lntypes.Hash,
	amt lnwire.MilliSatoshi) error {

	i.Lock()
	defer i.Unlock()

	if _, ok := i.preimages[payHash]; !ok {
		return fmt.Errorf("unable to find invoice: %x", payHash[:])
	}

	i.settled[payHash] = amt
	return nil
}

var _ InvoiceDatabase = (*mockInvoiceRegistry)(nil)
