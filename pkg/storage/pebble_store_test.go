package storage

import (
	"path/filepath"
	"testing"

	"github.com/nexuschain/bft-node/pkg/consensus"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewPebbleStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("open pebble store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebbleStoreStableCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)

	digest := consensus.HashBlock([]byte("checkpoint-100"))
	proof := [][]byte{[]byte("sig-a"), []byte("sig-b"), []byte("sig-c")}
	if err := s.SaveStableCheckpoint(100, [32]byte(digest), proof); err != nil {
		t.Fatalf("save: %v", err)
	}

	gotDigest, gotProof, ok := s.LoadStableCheckpoint(100)
	if !ok {
		t.Fatal("expected checkpoint at seq 100 to load")
	}
	if consensus.Hash(gotDigest) != digest {
		t.Errorf("digest mismatch: got %x want %x", gotDigest, digest)
	}
	if len(gotProof) != 3 {
		t.Errorf("proof length = %d, want 3", len(gotProof))
	}
}

func TestPebbleStoreLoadLatestTracksMostRecentHead(t *testing.T) {
	s := openTestStore(t)

	d1 := consensus.HashBlock([]byte("one"))
	d2 := consensus.HashBlock([]byte("two"))
	if err := s.SaveStableCheckpoint(50, [32]byte(d1), nil); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := s.SaveStableCheckpoint(150, [32]byte(d2), nil); err != nil {
		t.Fatalf("save second: %v", err)
	}

	seq, digest, _, ok := s.LoadLatestStableCheckpoint()
	if !ok {
		t.Fatal("expected a latest checkpoint")
	}
	if seq != 150 || consensus.Hash(digest) != d2 {
		t.Errorf("latest = (seq=%d digest=%x), want (150, %x)", seq, digest, d2)
	}
}

func TestPebbleStoreMissingCheckpointReportsNotOk(t *testing.T) {
	s := openTestStore(t)
	if _, _, ok := s.LoadStableCheckpoint(999); ok {
		t.Error("expected no checkpoint at an unwritten sequence")
	}
	if _, _, _, ok := s.LoadLatestStableCheckpoint(); ok {
		t.Error("expected no latest checkpoint in a fresh store")
	}
}

func TestPebbleStoreViewRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if got := s.LoadView(); got != 0 {
		t.Fatalf("fresh store LoadView() = %d, want 0", got)
	}
	if err := s.SaveView(42); err != nil {
		t.Fatalf("save view: %v", err)
	}
	if got := s.LoadView(); got != 42 {
		t.Errorf("LoadView() = %d, want 42", got)
	}
}

func TestPebbleStoreHighestAppliedRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if got := s.LoadHighestApplied(); got != 0 {
		t.Fatalf("fresh store LoadHighestApplied() = %d, want 0", got)
	}
	if err := s.SaveHighestApplied(777); err != nil {
		t.Fatalf("save highest applied: %v", err)
	}
	if got := s.LoadHighestApplied(); got != 777 {
		t.Errorf("LoadHighestApplied() = %d, want 777", got)
	}
}

func TestPebbleStoreBlockRoundTrip(t *testing.T) {
	s := openTestStore(t)
	block := []byte("a block container")
	digest := consensus.HashBlock(block)

	if _, ok := s.Get(digest); ok {
		t.Fatal("expected no block before it is stored")
	}
	s.Put(digest, block)
	got, ok := s.Get(digest)
	if !ok {
		t.Fatal("expected the block to round-trip")
	}
	if string(got) != string(block) {
		t.Errorf("got %q, want %q", got, block)
	}
}
