package consensus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ViewChangeEngine drives primary rotation: assembling VIEW-CHANGE
// evidence when the current primary stalls, and, once 2f+1 replicas
// agree on a next view, assembling and broadcasting the NEW-VIEW that
// opens it.
type ViewChangeEngine struct {
	self   NodeID
	vs     *ValidatorSet
	log    *MessageLog
	net    Network
	signer messageSigner
	engine *Engine
	cps    *CheckpointStore
	sugar  *zap.SugaredLogger

	mu          sync.Mutex
	initiated   map[View]bool
	newViewSent map[View]bool
}

func NewViewChangeEngine(self NodeID, vs *ValidatorSet, log *MessageLog, net Network, signer messageSigner, engine *Engine, cps *CheckpointStore, sugar *zap.SugaredLogger) *ViewChangeEngine {
	return &ViewChangeEngine{
		self:        self,
		vs:          vs,
		log:         log,
		net:         net,
		signer:      signer,
		engine:      engine,
		cps:         cps,
		sugar:       sugar,
		initiated:   make(map[View]bool),
		newViewSent: make(map[View]bool),
	}
}

// collectPreparedProofs gathers PreparedProof for every instance the
// engine holds in the PREPARED state or beyond, at or above the low
// watermark, for inclusion in this replica's VIEW-CHANGE message.
func (vc *ViewChangeEngine) collectPreparedProofs() []PreparedProof {
	vc.engine.mu.Lock()
	type key struct {
		view   View
		seq    Sequence
		digest Hash
	}
	var candidates []key
	for k, inst := range vc.engine.instances {
		inst.mu.Lock()
		if inst.state >= StatePrepared {
			candidates = append(candidates, key{k.view, k.seq, inst.digest})
		}
		inst.mu.Unlock()
	}
	vc.engine.mu.Unlock()

	var proofs []PreparedProof
	for _, c := range candidates {
		digest := c.digest
		pp := vc.log.Messages(KindPrePrepare, c.seq)
		prepares := vc.log.Messages(KindPrepare, c.seq)
		var prePrepareMsg *ProtocolMessage
		for _, m := range pp {
			if m.View() == c.view && m.Digest() == digest {
				prePrepareMsg = m
				break
			}
		}
		var matching []*ProtocolMessage
		for _, m := range prepares {
			if m.View() == c.view && m.Digest() == digest {
				matching = append(matching, m)
			}
		}
		if prePrepareMsg == nil {
			continue
		}
		proofs = append(proofs, PreparedProof{
			View:       c.view,
			Seq:        c.seq,
			Digest:     digest,
			PrePrepare: prePrepareMsg,
			Prepares:   matching,
		})
	}
	return proofs
}

// Initiate broadcasts a VIEW-CHANGE for the next view, carrying the
// last stable checkpoint and every binding this replica has prepared
// since then.
func (vc *ViewChangeEngine) Initiate(reason string) error {
	nextView := vc.engine.CurrentView() + 1

	vc.mu.Lock()
	if vc.initiated[nextView] {
		vc.mu.Unlock()
		return nil
	}
	vc.initiated[nextView] = true
	vc.mu.Unlock()

	stableSeq := vc.cps.StableSeq()
	payload := ViewChangePayload{
		LastStableCheckpoint: stableSeq,
		CheckpointProof:      vc.cps.ProofFor(stableSeq),
		PreparedProofs:       vc.collectPreparedProofs(),
	}
	msg, err := NewViewChange(vc.signer, vc.self, nextView, payload)
	if err != nil {
		return fmt.Errorf("sign view-change: %w", err)
	}
	if vc.sugar != nil {
		vc.sugar.Infow("initiating view change", "view", nextView, "reason", reason)
	}
	if _, err := vc.log.Insert(msg); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	return vc.net.Broadcast(msg)
}

// HandleViewChange admits an inbound VIEW-CHANGE and, if this replica
// is the primary for that view and a quorum has now assembled,
// produces the NEW-VIEW.
func (vc *ViewChangeEngine) HandleViewChange(msg *ProtocolMessage) error {
	if msg.View() <= vc.engine.CurrentView() {
		return newErr(ErrStaleView, msg.View(), 0, msg.Sender(), nil)
	}
	if _, err := vc.log.Insert(msg); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	if vc.vs.Primary(msg.View()) != vc.self {
		return nil
	}
	vc.mu.Lock()
	alreadySent := vc.newViewSent[msg.View()]
	vc.mu.Unlock()
	if alreadySent {
		return nil
	}

	vcMsgs := vc.log.ViewChangeMessages(msg.View())
	if len(vcMsgs) < vc.vs.Quorum() {
		return nil
	}
	nv, err := vc.assembleNewView(msg.View(), vcMsgs[:vc.vs.Quorum()])
	if err != nil {
		return fmt.Errorf("assemble new view: %w", err)
	}
	vc.mu.Lock()
	vc.newViewSent[msg.View()] = true
	vc.mu.Unlock()
	if _, err := vc.log.Insert(nv); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	if err := vc.net.Broadcast(nv); err != nil {
		return fmt.Errorf("broadcast new-view: %w", err)
	}
	return vc.applyNewView(nv)
}

// assembleNewView implements the §4.4 O-set construction: for every
// sequence between the highest agreed stable checkpoint and the
// highest sequence any VIEW-CHANGE reports as prepared, re-propose the
// highest-view prepared digest if one exists, otherwise bind a null op.
func (vc *ViewChangeEngine) assembleNewView(view View, vcMsgs []*ProtocolMessage) (*ProtocolMessage, error) {
	var highestStable Sequence
	var highestPrepared Sequence
	bestProof := make(map[Sequence]PreparedProof)

	for _, m := range vcMsgs {
		data := m.ViewChangeData()
		if data == nil {
			continue
		}
		if data.LastStableCheckpoint > highestStable {
			highestStable = data.LastStableCheckpoint
		}
		for _, proof := range data.PreparedProofs {
			if proof.Seq > highestPrepared {
				highestPrepared = proof.Seq
			}
			if existing, ok := bestProof[proof.Seq]; !ok || proof.View > existing.View {
				bestProof[proof.Seq] = proof
			}
		}
	}

	var prePrepares []*ProtocolMessage
	for n := highestStable + 1; n <= highestPrepared; n++ {
		var digest Hash
		if proof, ok := bestProof[n]; ok {
			digest = proof.Digest
			vc.engine.blocks.Put(digest, nil)
		}
		pp, err := NewPrePrepare(vc.signer, vc.self, view, n, digest)
		if err != nil {
			return nil, err
		}
		prePrepares = append(prePrepares, pp)
	}

	payload := NewViewPayload{ViewChanges: vcMsgs, PrePrepares: prePrepares}
	return NewNewView(vc.signer, vc.self, view, payload)
}

// HandleNewView admits an inbound NEW-VIEW from the new primary,
// discards stale uncommitted instances, and re-enters the three-phase
// protocol for every re-proposed or null-op binding it carries.
func (vc *ViewChangeEngine) HandleNewView(msg *ProtocolMessage) error {
	if msg.Sender() != vc.vs.Primary(msg.View()) {
		return newErr(ErrInvalidSignature, msg.View(), 0, msg.Sender(), fmt.Errorf("new-view sender is not primary"))
	}
	data := msg.NewViewData()
	if data == nil || len(data.ViewChanges) < vc.vs.Quorum() {
		return newErr(ErrQuorumFailure, msg.View(), 0, msg.Sender(), nil)
	}
	if _, err := vc.log.Insert(msg); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	return vc.applyNewView(msg)
}

func (vc *ViewChangeEngine) applyNewView(msg *ProtocolMessage) error {
	vc.engine.DiscardBelowView(msg.View())
	data := msg.NewViewData()
	for _, pp := range data.PrePrepares {
		if err := vc.engine.applyPrePrepare(pp); err != nil {
			if vc.sugar != nil {
				vc.sugar.Warnw("re-proposal failed during new-view apply", "seq", pp.Seq(), "err", err)
			}
		}
	}
	return nil
}
