package consensus

import (
	"sync"

	"go.uber.org/zap"
)

// PersistentStore is the narrow durability surface the Checkpoint
// Store needs; pkg/storage.PebbleStore satisfies it with fsynced writes.
type PersistentStore interface {
	SaveStableCheckpoint(seq uint64, digest [32]byte, proof [][]byte) error
	SaveView(view uint64) error
	SaveHighestApplied(seq uint64) error
}

// StableCheckpoint is the most recently agreed checkpoint, anchoring
// the low watermark and the point a Synchronizer catches a lagging
// replica up to.
type StableCheckpoint struct {
	Seq    Sequence
	Digest Hash
	Proof  []*ProtocolMessage
}

// CheckpointStore tracks in-flight checkpoint votes and promotes one to
// stable once 2f+1 matching CHECKPOINT messages are logged, advancing
// watermarks and pruning the Message Log and Validator Set failure
// windows behind it.
type CheckpointStore struct {
	mu sync.RWMutex

	vs       *ValidatorSet
	log      *MessageLog
	engine   *Engine
	store    PersistentStore
	sugar    *zap.SugaredLogger
	interval Sequence

	stable *StableCheckpoint
}

func NewCheckpointStore(vs *ValidatorSet, log *MessageLog, engine *Engine, store PersistentStore, interval Sequence, sugar *zap.SugaredLogger) *CheckpointStore {
	return &CheckpointStore{vs: vs, log: log, engine: engine, store: store, interval: interval, sugar: sugar}
}

// StableSeq returns the sequence of the last stable checkpoint, or 0
// if none has stabilized yet.
func (c *CheckpointStore) StableSeq() Sequence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stable == nil {
		return 0
	}
	return c.stable.Seq
}

// ProofFor returns the CHECKPOINT signatures backing the stable
// checkpoint at n, for a Synchronizer to serve to a lagging peer.
func (c *CheckpointStore) ProofFor(n Sequence) []*ProtocolMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stable == nil || c.stable.Seq != n {
		return nil
	}
	out := make([]*ProtocolMessage, len(c.stable.Proof))
	copy(out, c.stable.Proof)
	return out
}

// ShouldCheckpoint reports whether n is a configured checkpoint boundary.
func (c *CheckpointStore) ShouldCheckpoint(n Sequence) bool {
	return c.interval > 0 && n%c.interval == 0
}

// Observe admits an inbound CHECKPOINT message and promotes it to
// stable once a quorum of matching digests has been logged.
func (c *CheckpointStore) Observe(msg *ProtocolMessage) error {
	if _, err := c.log.Insert(msg); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	quorum := c.vs.Quorum()
	if c.log.Count(KindCheckpoint, 0, msg.Seq(), msg.Digest()) < quorum {
		return nil
	}
	return c.stabilize(msg.Seq(), msg.Digest())
}

func (c *CheckpointStore) stabilize(n Sequence, digest Hash) error {
	c.mu.Lock()
	if c.stable != nil && c.stable.Seq >= n {
		c.mu.Unlock()
		return nil
	}
	proof := c.log.CheckpointMessages(n, digest)
	c.stable = &StableCheckpoint{Seq: n, Digest: digest, Proof: proof}
	c.mu.Unlock()

	if c.sugar != nil {
		c.sugar.Infow("checkpoint stabilized", "seq", n, "digest", digest.String())
	}

	c.log.PruneBelow(n)
	c.vs.ResetFailureWindow()
	if c.engine != nil {
		c.engine.AdvanceWatermark(n)
	}
	if c.store != nil {
		sigs := make([][]byte, 0, len(proof))
		for _, m := range proof {
			sigs = append(sigs, m.Signature())
		}
		if err := c.store.SaveStableCheckpoint(uint64(n), digest, sigs); err != nil {
			return err
		}
	}
	return nil
}
