package consensus

import (
	"sync"
	"time"

	ecrypto "github.com/nexuschain/bft-node/pkg/crypto"
)

// testReplica bundles a real secp256k1 signer with the NodeID the
// signatures verify under, so engine tests exercise the same signing
// path production code does rather than a stub.
type testReplica struct {
	id     NodeID
	signer *ecrypto.Signer
}

func newTestReplicas(t interface{ Fatalf(string, ...any) }, n int) []testReplica {
	out := make([]testReplica, 0, n)
	for i := 0; i < n; i++ {
		signer, err := ecrypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		out = append(out, testReplica{id: NodeID(signer.Address().Hex()), signer: signer})
	}
	return out
}

func newTestValidatorSet(replicas []testReplica) *ValidatorSet {
	vs := NewValidatorSet()
	for _, r := range replicas {
		vs.Register(Validator{ID: r.id, Stake: 1})
	}
	return vs
}

// captureNetwork records every broadcast/unicast without delivering
// it anywhere, for single-engine tests that drive quorum by feeding
// independently-signed messages straight into HandleMessage.
type captureNetwork struct {
	mu         sync.Mutex
	broadcasts []*ProtocolMessage
	unicasts   []*ProtocolMessage
	handler    func(*ProtocolMessage)
}

func newCaptureNetwork() *captureNetwork { return &captureNetwork{} }

func (n *captureNetwork) Broadcast(msg *ProtocolMessage) error {
	n.mu.Lock()
	n.broadcasts = append(n.broadcasts, msg)
	n.mu.Unlock()
	return nil
}

func (n *captureNetwork) SendTo(to NodeID, msg *ProtocolMessage) error {
	n.mu.Lock()
	n.unicasts = append(n.unicasts, msg)
	n.mu.Unlock()
	return nil
}

func (n *captureNetwork) SetHandler(h func(*ProtocolMessage)) { n.handler = h }

func (n *captureNetwork) last(kind Kind) *ProtocolMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.broadcasts) - 1; i >= 0; i-- {
		if n.broadcasts[i].Kind() == kind {
			return n.broadcasts[i]
		}
	}
	return nil
}

func (n *captureNetwork) countKind(kind Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.broadcasts {
		if m.Kind() == kind {
			c++
		}
	}
	return c
}

// hubNetwork is a full-mesh in-process Network shared by every replica
// in an integration test: Broadcast fans out to every registered
// handler (including the sender's own), SendTo delivers to one.
type hubNetwork struct {
	self NodeID
	hub  *hub
}

type hub struct {
	mu       sync.Mutex
	handlers map[NodeID]func(*ProtocolMessage)
	peers    []PeerInfo
	sources  map[NodeID]*Node
}

func newHub() *hub {
	return &hub{handlers: make(map[NodeID]func(*ProtocolMessage)), sources: make(map[NodeID]*Node)}
}

func (h *hub) netFor(id NodeID) *hubNetwork {
	h.mu.Lock()
	h.peers = append(h.peers, PeerInfo{ID: id})
	h.mu.Unlock()
	return &hubNetwork{self: id, hub: h}
}

func (n *hubNetwork) Broadcast(msg *ProtocolMessage) error {
	n.hub.mu.Lock()
	handlers := make([]func(*ProtocolMessage), 0, len(n.hub.handlers))
	for _, h := range n.hub.handlers {
		handlers = append(handlers, h)
	}
	n.hub.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (n *hubNetwork) SendTo(to NodeID, msg *ProtocolMessage) error {
	n.hub.mu.Lock()
	h := n.hub.handlers[to]
	n.hub.mu.Unlock()
	if h != nil {
		h(msg)
	}
	return nil
}

func (n *hubNetwork) SetHandler(h func(*ProtocolMessage)) {
	n.hub.mu.Lock()
	n.hub.handlers[n.self] = h
	n.hub.mu.Unlock()
}

func (n *hubNetwork) Peers() []PeerInfo {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	out := make([]PeerInfo, len(n.hub.peers))
	copy(out, n.hub.peers)
	return out
}

// fakeClock lets pacemaker tests fire a timeout deterministically
// instead of waiting on wall-clock time.
type fakeClock struct {
	mu sync.Mutex
	ch chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{ch: make(chan time.Time, 1)} }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) fire() {
	c.ch <- time.Now()
}

// nopApplier records every Decide call, for engine/synchronizer tests
// that only need to observe delivery order.
type nopApplier struct {
	mu      sync.Mutex
	applied []Sequence
}

func (a *nopApplier) Decide(n Sequence, digest Hash, block []byte) error {
	a.mu.Lock()
	a.applied = append(a.applied, n)
	a.mu.Unlock()
	return nil
}

func (a *nopApplier) appliedSeqs() []Sequence {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sequence, len(a.applied))
	copy(out, a.applied)
	return out
}
