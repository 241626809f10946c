// Package consensus implements the three-phase (pre-prepare/prepare/commit)
// Byzantine agreement core: primary rotation via view-change, stable
// checkpoints, and the components that drive them.
package consensus

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
)

// NodeID identifies a validator. It is the validator's address string,
// derived from its registered public key.
type NodeID string

// View numbers monotonically increase across primary rotations.
type View uint64

// Sequence numbers monotonically increase across agreed blocks.
type Sequence uint64

// Hash is a SHA-256 digest of a Block Container.
type Hash [32]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:8])
}

// IsZero reports whether h is the null digest used by null-op proposals.
func (h Hash) IsZero() bool { return h == Hash{} }

// Kind tags the six message shapes the wire protocol carries.
type Kind int

const (
	KindPrePrepare Kind = iota
	KindPrepare
	KindCommit
	KindViewChange
	KindNewView
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindPrePrepare:
		return "PRE-PREPARE"
	case KindPrepare:
		return "PREPARE"
	case KindCommit:
		return "COMMIT"
	case KindViewChange:
		return "VIEW-CHANGE"
	case KindNewView:
		return "NEW-VIEW"
	case KindCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// Validator is a member of the current validator set.
type Validator struct {
	ID     NodeID
	PubKey *ecdsa.PublicKey
	Stake  uint64
}

// PreparedProof bundles the PRE-PREPARE and 2f matching PREPAREs that
// witness a (view, seq) binding was prepared before a view change.
type PreparedProof struct {
	View       View
	Seq        Sequence
	Digest     Hash
	PrePrepare *ProtocolMessage
	Prepares   []*ProtocolMessage
}

// ViewChangePayload is the extra data a VIEW-CHANGE message carries.
type ViewChangePayload struct {
	LastStableCheckpoint Sequence
	CheckpointProof      []*ProtocolMessage
	PreparedProofs       []PreparedProof
}

// NewViewPayload is the extra data a NEW-VIEW message carries: the
// 2f+1 VIEW-CHANGE messages that justify the new view (V) and the
// re-proposed or null-op PRE-PREPAREs that open it (O).
type NewViewPayload struct {
	ViewChanges []*ProtocolMessage
	PrePrepares []*ProtocolMessage
}

// ProtocolMessage is a signed, tagged protocol frame. It is immutable
// once constructed; use the New* factory functions to build one, which
// sign it against the canonical signingPayload encoding.
type ProtocolMessage struct {
	kind      Kind
	view      View
	seq       Sequence
	digest    Hash
	sender    NodeID
	signature []byte

	viewChange *ViewChangePayload
	newView    *NewViewPayload
}

func (m *ProtocolMessage) Kind() Kind                         { return m.kind }
func (m *ProtocolMessage) View() View                         { return m.view }
func (m *ProtocolMessage) Seq() Sequence                      { return m.seq }
func (m *ProtocolMessage) Digest() Hash                       { return m.digest }
func (m *ProtocolMessage) Sender() NodeID                     { return m.sender }
func (m *ProtocolMessage) Signature() []byte                  { return m.signature }
func (m *ProtocolMessage) ViewChangeData() *ViewChangePayload { return m.viewChange }
func (m *ProtocolMessage) NewViewData() *NewViewPayload       { return m.newView }

// signingPayload is the canonical, fixed-field-order struct hashed and
// signed for every protocol message. gob encodes struct fields in
// declaration order, so this layout is the wire commitment: it must
// never change field order without a protocol version bump.
type signingPayload struct {
	Kind     Kind
	View     View
	Sequence Sequence
	Digest   Hash
	Sender   NodeID
}

// DigestForSigning returns the SHA-256 digest of the canonical signing
// payload for the given fields, the value ECDSA signatures over
// protocol messages commit to. Exported so verifiers can recompute it.
func DigestForSigning(kind Kind, view View, seq Sequence, digest Hash, sender NodeID) ([32]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(signingPayload{kind, view, seq, digest, sender}); err != nil {
		return [32]byte{}, fmt.Errorf("encode signing payload: %w", err)
	}
	return sha256.Sum256(buf.Bytes()), nil
}

// messageSigner is the narrow signing capability the factory functions
// need; pkg/crypto.Signer satisfies it.
type messageSigner interface {
	SignMessage(message []byte) ([]byte, error)
}

func buildAndSign(signer messageSigner, sender NodeID, kind Kind, view View, seq Sequence, digest Hash) (*ProtocolMessage, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(signingPayload{kind, view, seq, digest, sender}); err != nil {
		return nil, fmt.Errorf("encode signing payload: %w", err)
	}
	sig, err := signer.SignMessage(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	return &ProtocolMessage{kind: kind, view: view, seq: seq, digest: digest, sender: sender, signature: sig}, nil
}

// NewPrePrepare constructs a signed PRE-PREPARE binding (view, seq) to digest.
func NewPrePrepare(signer messageSigner, sender NodeID, view View, seq Sequence, digest Hash) (*ProtocolMessage, error) {
	return buildAndSign(signer, sender, KindPrePrepare, view, seq, digest)
}

// NewPrepare constructs a signed PREPARE echoing a PRE-PREPARE binding.
func NewPrepare(signer messageSigner, sender NodeID, view View, seq Sequence, digest Hash) (*ProtocolMessage, error) {
	return buildAndSign(signer, sender, KindPrepare, view, seq, digest)
}

// NewCommit constructs a signed COMMIT echoing a prepared binding.
func NewCommit(signer messageSigner, sender NodeID, view View, seq Sequence, digest Hash) (*ProtocolMessage, error) {
	return buildAndSign(signer, sender, KindCommit, view, seq, digest)
}

// NewCheckpoint constructs a signed CHECKPOINT message attesting to the
// state digest at sequence seq.
func NewCheckpoint(signer messageSigner, sender NodeID, seq Sequence, stateDigest Hash) (*ProtocolMessage, error) {
	return buildAndSign(signer, sender, KindCheckpoint, 0, seq, stateDigest)
}

// NewViewChange constructs a signed VIEW-CHANGE message carrying payload.
func NewViewChange(signer messageSigner, sender NodeID, view View, payload ViewChangePayload) (*ProtocolMessage, error) {
	m, err := buildAndSign(signer, sender, KindViewChange, view, 0, Hash{})
	if err != nil {
		return nil, err
	}
	m.viewChange = &payload
	return m, nil
}

// NewNewView constructs a signed NEW-VIEW message carrying payload.
func NewNewView(signer messageSigner, sender NodeID, view View, payload NewViewPayload) (*ProtocolMessage, error) {
	m, err := buildAndSign(signer, sender, KindNewView, view, 0, Hash{})
	if err != nil {
		return nil, err
	}
	m.newView = &payload
	return m, nil
}

// NewReceivedMessage reconstructs a ProtocolMessage carrying a
// signature the original sender already produced. The transport layer
// uses this to rebuild a message off the wire without re-signing it;
// HandleMessage still verifies the signature before acting on it.
func NewReceivedMessage(kind Kind, view View, seq Sequence, digest Hash, sender NodeID, signature []byte, vc *ViewChangePayload, nv *NewViewPayload) *ProtocolMessage {
	return &ProtocolMessage{kind: kind, view: view, seq: seq, digest: digest, sender: sender, signature: signature, viewChange: vc, newView: nv}
}

// BlockStore retrieves and stores opaque Block Containers keyed by their digest.
type BlockStore interface {
	Get(digest Hash) ([]byte, bool)
	Put(digest Hash, block []byte)
}

// BlockApplier applies a finalized block in strict sequence order.
// Implementations must be single-threaded: Decide is never called
// concurrently with itself.
type BlockApplier interface {
	Decide(n Sequence, digest Hash, block []byte) error
}

// StateDigester is an optional BlockApplier capability: a digest over
// application state as of the last applied sequence, committed to by
// CHECKPOINT messages. An applier that does not implement it gets a
// digest derived from the sequence number alone.
type StateDigester interface {
	StateDigest() Hash
}

// Network sends and receives protocol messages.
type Network interface {
	Broadcast(msg *ProtocolMessage) error
	SendTo(to NodeID, msg *ProtocolMessage) error
	SetHandler(h func(*ProtocolMessage))
}

// PeerInfo describes a peer reachable for synchronization.
type PeerInfo struct {
	ID NodeID
}

// PeerStore lists the peers currently known for synchronization fan-out.
type PeerStore interface {
	Peers() []PeerInfo
}

// HashBlock computes the digest a Block Container is referred to by.
func HashBlock(block []byte) Hash {
	return sha256.Sum256(block)
}
