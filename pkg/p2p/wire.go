package p2p

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/nexuschain/bft-node/pkg/consensus"
)

func init() {
	gob.Register(MessageWire{})
	gob.Register(PreparedProofWire{})
}

// MessageWire is the gob-encodable wire shape of a consensus.ProtocolMessage.
// ProtocolMessage's own fields are unexported (it is immutable outside
// the factory functions that sign it), so the transport layer carries
// this flat mirror instead and rebuilds the real type on decode.
type MessageWire struct {
	Kind      int
	View      uint64
	Seq       uint64
	Digest    [32]byte
	Sender    string
	Signature []byte

	// VIEW-CHANGE only.
	LastStableCheckpoint uint64
	CheckpointProof      []MessageWire
	PreparedProofs       []PreparedProofWire

	// NEW-VIEW only.
	ViewChanges []MessageWire
	PrePrepares []MessageWire
}

// PreparedProofWire mirrors consensus.PreparedProof.
type PreparedProofWire struct {
	View       uint64
	Seq        uint64
	Digest     [32]byte
	PrePrepare MessageWire
	Prepares   []MessageWire
}

func toWire(m *consensus.ProtocolMessage) MessageWire {
	w := MessageWire{
		Kind:      int(m.Kind()),
		View:      uint64(m.View()),
		Seq:       uint64(m.Seq()),
		Digest:    m.Digest(),
		Sender:    string(m.Sender()),
		Signature: m.Signature(),
	}
	if vc := m.ViewChangeData(); vc != nil {
		w.LastStableCheckpoint = uint64(vc.LastStableCheckpoint)
		for _, cp := range vc.CheckpointProof {
			w.CheckpointProof = append(w.CheckpointProof, toWire(cp))
		}
		for _, proof := range vc.PreparedProofs {
			pw := PreparedProofWire{
				View:       uint64(proof.View),
				Seq:        uint64(proof.Seq),
				Digest:     proof.Digest,
				PrePrepare: toWire(proof.PrePrepare),
			}
			for _, p := range proof.Prepares {
				pw.Prepares = append(pw.Prepares, toWire(p))
			}
			w.PreparedProofs = append(w.PreparedProofs, pw)
		}
	}
	if nv := m.NewViewData(); nv != nil {
		for _, vcm := range nv.ViewChanges {
			w.ViewChanges = append(w.ViewChanges, toWire(vcm))
		}
		for _, pp := range nv.PrePrepares {
			w.PrePrepares = append(w.PrePrepares, toWire(pp))
		}
	}
	return w
}

func fromWire(w MessageWire) *consensus.ProtocolMessage {
	kind := consensus.Kind(w.Kind)

	var vc *consensus.ViewChangePayload
	var nv *consensus.NewViewPayload

	if kind == consensus.KindViewChange {
		vc = &consensus.ViewChangePayload{LastStableCheckpoint: consensus.Sequence(w.LastStableCheckpoint)}
		for _, cp := range w.CheckpointProof {
			vc.CheckpointProof = append(vc.CheckpointProof, fromWire(cp))
		}
		for _, pw := range w.PreparedProofs {
			proof := consensus.PreparedProof{
				View:       consensus.View(pw.View),
				Seq:        consensus.Sequence(pw.Seq),
				Digest:     pw.Digest,
				PrePrepare: fromWire(pw.PrePrepare),
			}
			for _, p := range pw.Prepares {
				proof.Prepares = append(proof.Prepares, fromWire(p))
			}
			vc.PreparedProofs = append(vc.PreparedProofs, proof)
		}
	}
	if kind == consensus.KindNewView {
		nv = &consensus.NewViewPayload{}
		for _, vcm := range w.ViewChanges {
			nv.ViewChanges = append(nv.ViewChanges, fromWire(vcm))
		}
		for _, pp := range w.PrePrepares {
			nv.PrePrepares = append(nv.PrePrepares, fromWire(pp))
		}
	}

	return consensus.NewReceivedMessage(
		kind,
		consensus.View(w.View),
		consensus.Sequence(w.Seq),
		w.Digest,
		consensus.NodeID(w.Sender),
		w.Signature,
		vc,
		nv,
	)
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}
