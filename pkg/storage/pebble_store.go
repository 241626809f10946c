package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/nexuschain/bft-node/pkg/consensus"
)

// PebbleStore is the fsynced persistence layer the Checkpoint Store
// and Synchronizer write through: the stable-checkpoint chain, the
// current view, and the highest applied sequence. Everything else the
// consensus core needs — in-flight instances, the message log, the
// validator set — lives in memory and is reconstructed by the
// Synchronizer on restart, per the persistence boundary the core draws.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func kCheckpoint(seq uint64) []byte { return append([]byte("cp:"), seqKey(seq)...) }
func kStableHead() []byte           { return []byte("cp:head") }
func kView() []byte                 { return []byte("view") }
func kHighestApplied() []byte       { return []byte("applied") }
func kBlock(h consensus.Hash) []byte { return append([]byte("blk:"), h[:]...) }

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

// checkpointRecord is the gob-encoded value stored per stable checkpoint.
type checkpointRecord struct {
	Seq    uint64
	Digest [32]byte
	Proof  [][]byte
}

// SaveStableCheckpoint fsyncs a newly stabilized checkpoint and
// advances the "head" pointer used to find the latest one on restart.
// Implements consensus.PersistentStore.
func (s *PebbleStore) SaveStableCheckpoint(seq uint64, digest [32]byte, proof [][]byte) error {
	rec := checkpointRecord{Seq: seq, Digest: digest, Proof: proof}
	val, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint record: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(kCheckpoint(seq), val, nil); err != nil {
		return err
	}
	if err := batch.Set(kStableHead(), seqKey(seq), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// LoadStableCheckpoint returns the checkpoint stored at seq, if any.
func (s *PebbleStore) LoadStableCheckpoint(seq uint64) (digest [32]byte, proof [][]byte, ok bool) {
	val, closer, err := s.db.Get(kCheckpoint(seq))
	if err != nil {
		return [32]byte{}, nil, false
	}
	defer closer.Close()
	var rec checkpointRecord
	if err := decodeGob(val, &rec); err != nil {
		return [32]byte{}, nil, false
	}
	return rec.Digest, rec.Proof, true
}

// LoadLatestStableCheckpoint returns the most recently stabilized
// checkpoint, used to resume watermarks after a restart.
func (s *PebbleStore) LoadLatestStableCheckpoint() (seq uint64, digest [32]byte, proof [][]byte, ok bool) {
	val, closer, err := s.db.Get(kStableHead())
	if err != nil {
		return 0, [32]byte{}, nil, false
	}
	head := binary.BigEndian.Uint64(val)
	closer.Close()
	digest, proof, ok = s.LoadStableCheckpoint(head)
	return head, digest, proof, ok
}

// SaveView persists the current view. Implements consensus.PersistentStore.
func (s *PebbleStore) SaveView(view uint64) error {
	if err := s.db.Set(kView(), seqKey(view), pebble.Sync); err != nil {
		return fmt.Errorf("save view: %w", err)
	}
	return nil
}

// LoadView returns the last persisted view, or 0 if none was saved.
func (s *PebbleStore) LoadView() uint64 {
	val, closer, err := s.db.Get(kView())
	if err != nil {
		return 0
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val)
}

// SaveHighestApplied persists the highest sequence number applied to
// the block applier. Implements consensus.PersistentStore.
func (s *PebbleStore) SaveHighestApplied(seq uint64) error {
	if err := s.db.Set(kHighestApplied(), seqKey(seq), pebble.Sync); err != nil {
		return fmt.Errorf("save highest applied: %w", err)
	}
	return nil
}

// LoadHighestApplied returns the last persisted highest-applied
// sequence, or 0 if none was saved.
func (s *PebbleStore) LoadHighestApplied() uint64 {
	val, closer, err := s.db.Get(kHighestApplied())
	if err != nil {
		return 0
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val)
}

// Get implements consensus.BlockStore: block containers are kept
// durable too so a restarted replica can re-serve them to peers
// catching up without having to re-fetch from the network.
func (s *PebbleStore) Get(digest consensus.Hash) ([]byte, bool) {
	val, closer, err := s.db.Get(kBlock(digest))
	if err != nil {
		return nil, false
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

// Put implements consensus.BlockStore.
func (s *PebbleStore) Put(digest consensus.Hash, block []byte) {
	if err := s.db.Set(kBlock(digest), block, pebble.NoSync); err != nil {
		panic(fmt.Errorf("put block: %w", err))
	}
}

var (
	_ consensus.BlockStore      = (*PebbleStore)(nil)
	_ consensus.PersistentStore = (*PebbleStore)(nil)
)
