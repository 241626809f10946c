package consensus

import (
	"testing"
)

func newTestEngine(t *testing.T, replicas []testReplica, self int, applier BlockApplier) (*Engine, *captureNetwork) {
	e, net, _ := newTestEngineWithStore(t, replicas, self, applier, nil)
	return e, net
}

func newTestEngineWithStore(t *testing.T, replicas []testReplica, self int, applier BlockApplier, store PersistentStore) (*Engine, *captureNetwork, *fakePersistentStore) {
	vs := newTestValidatorSet(replicas)
	net := newCaptureNetwork()
	if applier == nil {
		applier = &nopApplier{}
	}
	var fake *fakePersistentStore
	if store == nil {
		fake = &fakePersistentStore{}
		store = fake
	}
	e := NewEngine(EngineConfig{
		Self:            replicas[self].id,
		ValidatorSet:    vs,
		Log:             NewMessageLog(vs),
		Blocks:          newInMemBlocks(),
		Network:         net,
		Signer:          replicas[self].signer,
		Applier:         applier,
		Metrics:         NewMetricsObserver(),
		Persistent:      store,
		WatermarkWindow: 100,
		VerifyWorkers:   4,
	})
	return e, net, fake
}

type inMemBlocks struct{ m map[Hash][]byte }

func newInMemBlocks() *inMemBlocks { return &inMemBlocks{m: make(map[Hash][]byte)} }
func (b *inMemBlocks) Get(d Hash) ([]byte, bool) { v, ok := b.m[d]; return v, ok }
func (b *inMemBlocks) Put(d Hash, block []byte)  { b.m[d] = block }

// deliverQuorum feeds PRE-PREPARE from the primary and PREPARE/COMMIT
// from every other replica directly into the engine under test,
// driving it through all three phases without a real network.
func deliverQuorum(t *testing.T, e *Engine, replicas []testReplica, primary int, v View, seq Sequence, digest Hash) {
	t.Helper()
	pp, err := NewPrePrepare(replicas[primary].signer, replicas[primary].id, v, seq, digest)
	if err != nil {
		t.Fatalf("sign pre-prepare: %v", err)
	}
	if err := e.HandleMessage(pp); err != nil {
		t.Fatalf("handle pre-prepare: %v", err)
	}
	for i, r := range replicas {
		if i == primary {
			continue
		}
		pm, err := NewPrepare(r.signer, r.id, v, seq, digest)
		if err != nil {
			t.Fatalf("sign prepare: %v", err)
		}
		if err := e.HandleMessage(pm); err != nil {
			t.Fatalf("handle prepare from %s: %v", r.id, err)
		}
	}
	for _, r := range replicas {
		cm, err := NewCommit(r.signer, r.id, v, seq, digest)
		if err != nil {
			t.Fatalf("sign commit: %v", err)
		}
		if err := e.HandleMessage(cm); err != nil {
			t.Fatalf("handle commit from %s: %v", r.id, err)
		}
	}
}

func TestEngineReachesAgreementAtQuorum(t *testing.T) {
	replicas := newTestReplicas(t, 4)
	applier := &nopApplier{}
	e, net := newTestEngine(t, replicas, 1, applier)

	digest := HashBlock([]byte("hello"))
	e.blocks.Put(digest, []byte("hello"))
	deliverQuorum(t, e, replicas, 0, 0, 1, digest)

	if got := applier.appliedSeqs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("applied sequences = %v, want [1]", got)
	}
	if net.countKind(KindPrepare) != 1 {
		t.Errorf("expected exactly one broadcast PREPARE from the engine under test, got %d", net.countKind(KindPrepare))
	}
	if net.countKind(KindCommit) != 1 {
		t.Errorf("expected exactly one broadcast COMMIT, got %d", net.countKind(KindCommit))
	}
}

func TestEngineDoesNotAdvanceBelowQuorum(t *testing.T) {
	replicas := newTestReplicas(t, 4) // f=1, quorum=3
	applier := &nopApplier{}
	e, _ := newTestEngine(t, replicas, 1, applier)

	digest := HashBlock([]byte("hello"))
	e.blocks.Put(digest, []byte("hello"))

	pp, _ := NewPrePrepare(replicas[0].signer, replicas[0].id, 0, 1, digest)
	if err := e.HandleMessage(pp); err != nil {
		t.Fatalf("handle pre-prepare: %v", err)
	}
	// Only one other PREPARE arrives; quorum (3) isn't reached, so the
	// instance must not advance to COMMIT or finalize.
	pm, _ := NewPrepare(replicas[2].signer, replicas[2].id, 0, 1, digest)
	if err := e.HandleMessage(pm); err != nil {
		t.Fatalf("handle prepare: %v", err)
	}
	if len(applier.appliedSeqs()) != 0 {
		t.Fatal("block should not be finalized before quorum")
	}
}

func TestEngineRejectsPrePrepareFromNonPrimary(t *testing.T) {
	replicas := newTestReplicas(t, 4)
	e, _ := newTestEngine(t, replicas, 1, nil)

	digest := HashBlock([]byte("hello"))
	// replicas[1] is not the primary for view 0 (replicas[0] is).
	pp, _ := NewPrePrepare(replicas[1].signer, replicas[1].id, 0, 1, digest)
	err := e.HandleMessage(pp)
	if !IsKind(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for non-primary pre-prepare, got %v", err)
	}
}

func TestEngineRejectsMessageOutsideWatermarks(t *testing.T) {
	replicas := newTestReplicas(t, 4)
	e, _ := newTestEngine(t, replicas, 1, nil)
	e.AdvanceWatermark(50)

	digest := HashBlock([]byte("hello"))
	pp, _ := NewPrePrepare(replicas[0].signer, replicas[0].id, 0, 1, digest)
	err := e.HandleMessage(pp)
	if !IsKind(err, ErrOutsideWatermarks) {
		t.Fatalf("expected ErrOutsideWatermarks, got %v", err)
	}
}

func TestEngineRejectsForgedSignature(t *testing.T) {
	replicas := newTestReplicas(t, 4)
	e, _ := newTestEngine(t, replicas, 1, nil)

	digest := HashBlock([]byte("hello"))
	// Sign with the wrong key but claim to be the primary.
	forged, err := NewPrePrepare(replicas[1].signer, replicas[0].id, 0, 1, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	err = e.HandleMessage(forged)
	if !IsKind(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for forged signature, got %v", err)
	}
}

func TestEngineFinalizesInStrictSequenceOrder(t *testing.T) {
	replicas := newTestReplicas(t, 4)
	applier := &nopApplier{}
	e, _ := newTestEngine(t, replicas, 1, applier)

	d1 := HashBlock([]byte("one"))
	d2 := HashBlock([]byte("two"))
	e.blocks.Put(d1, []byte("one"))
	e.blocks.Put(d2, []byte("two"))

	// Commit sequence 2 to quorum before sequence 1 has even started.
	deliverQuorum(t, e, replicas, 0, 0, 2, d2)
	if got := applier.appliedSeqs(); len(got) != 0 {
		t.Fatalf("sequence 2 should not finalize before sequence 1, applied=%v", got)
	}

	deliverQuorum(t, e, replicas, 0, 0, 1, d1)
	got := applier.appliedSeqs()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("applied sequences = %v, want [1 2] in order", got)
	}
}

func TestEngineFinalizePersistsHighestApplied(t *testing.T) {
	replicas := newTestReplicas(t, 4)
	applier := &nopApplier{}
	e, _, store := newTestEngineWithStore(t, replicas, 1, applier, nil)

	digest := HashBlock([]byte("hello"))
	e.blocks.Put(digest, []byte("hello"))
	deliverQuorum(t, e, replicas, 0, 0, 1, digest)

	if store.savedHighestApplied != 1 {
		t.Fatalf("savedHighestApplied = %d, want 1", store.savedHighestApplied)
	}
}

func TestEngineDiscardBelowViewPersistsView(t *testing.T) {
	replicas := newTestReplicas(t, 4)
	e, _, store := newTestEngineWithStore(t, replicas, 1, nil, nil)

	e.DiscardBelowView(3)

	if store.savedView != 3 {
		t.Fatalf("savedView = %d, want 3", store.savedView)
	}
	if e.CurrentView() != 3 {
		t.Fatalf("CurrentView = %d, want 3", e.CurrentView())
	}
}

func TestEngineRaisesSafetyAlarmOnConflictingQuorums(t *testing.T) {
	replicas := newTestReplicas(t, 4) // f=1, quorum=3
	applier := &nopApplier{}
	e, _, _ := newTestEngineWithStore(t, replicas, 1, applier, nil)

	var captured *ConsensusError
	e.SetFatalHandler(func(ce *ConsensusError) { captured = ce })

	d1 := HashBlock([]byte("one"))
	d2 := HashBlock([]byte("two"))
	e.blocks.Put(d1, []byte("one"))

	deliverQuorum(t, e, replicas, 0, 0, 1, d1)
	if len(applier.appliedSeqs()) != 1 {
		t.Fatalf("expected seq 1 to finalize on digest d1 first")
	}

	// A conflicting quorum of COMMIT messages for a different digest at
	// the same (view, seq) can only arise from more than f faulty
	// replicas; the engine must refuse to act on it and raise the
	// safety alarm instead of silently ignoring it.
	for _, r := range replicas {
		cm, err := NewCommit(r.signer, r.id, 0, 1, d2)
		if err != nil {
			t.Fatalf("sign conflicting commit: %v", err)
		}
		if err := e.HandleMessage(cm); err != nil && !IsKind(err, ErrEquivocation) {
			t.Fatalf("handle conflicting commit: %v", err)
		}
	}

	if captured == nil {
		t.Fatal("expected the fatal handler to be invoked on conflicting quorums")
	}
	if !IsKind(captured, ErrInternalInvariant) {
		t.Fatalf("expected ErrInternalInvariant, got %v", captured)
	}
}
