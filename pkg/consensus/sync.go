package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SyncTransport fetches checkpoint proofs and the blocks they cover
// from a specific peer, over a channel separate from protocol-message
// gossip (a unicast request/response, not a broadcast).
type SyncTransport interface {
	RequestCheckpoint(ctx context.Context, peer NodeID, seq Sequence) (*StableCheckpoint, error)
	RequestBlocks(ctx context.Context, peer NodeID, from, to Sequence) (map[Sequence][]byte, error)
}

// Synchronizer catches a lagging or restarting replica up to a target
// stable checkpoint. Sync runs on the calling goroutine and never holds an
// Engine instance lock across peer I/O; it drives the BlockApplier
// directly, which is itself single-threaded, so Sync must not run
// concurrently with live three-phase delivery of the same sequences.
type Synchronizer struct {
	self      NodeID
	vs        *ValidatorSet
	peers     PeerStore
	transport SyncTransport
	applier   BlockApplier
	store     PersistentStore
	sugar     *zap.SugaredLogger
	deadline  time.Duration

	mu             sync.Mutex
	highestApplied Sequence
}

func NewSynchronizer(self NodeID, vs *ValidatorSet, peers PeerStore, transport SyncTransport, applier BlockApplier, store PersistentStore, deadline time.Duration, sugar *zap.SugaredLogger) *Synchronizer {
	return &Synchronizer{self: self, vs: vs, peers: peers, transport: transport, applier: applier, store: store, deadline: deadline, sugar: sugar}
}

// HighestApplied returns the highest sequence this synchronizer has
// applied so far.
func (s *Synchronizer) HighestApplied() Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestApplied
}

// Sync drives this replica forward to target, fetching from up to
// three peers in turn and falling back to the next on error or
// timeout. It is idempotent: calling it again with a target already
// reached is a no-op, and a prior partial run resumes from the
// highest sequence actually applied.
func (s *Synchronizer) Sync(ctx context.Context, target Sequence) error {
	s.mu.Lock()
	from := s.highestApplied
	s.mu.Unlock()
	if from >= target {
		return nil
	}

	peers := s.peers.Peers()
	const maxPeers = 3
	if len(peers) > maxPeers {
		peers = peers[:maxPeers]
	}

	var lastErr error
	for _, peer := range peers {
		if peer.ID == s.self {
			continue
		}
		if err := s.syncFromPeer(ctx, peer.ID, target); err != nil {
			lastErr = err
			if s.sugar != nil {
				s.sugar.Warnw("sync attempt failed, trying next peer", "peer", peer.ID, "err", err)
			}
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no peers available to sync to seq %d", target)
	}
	return newErr(ErrCheckpointGap, 0, target, "", lastErr)
}

func (s *Synchronizer) syncFromPeer(ctx context.Context, peer NodeID, target Sequence) error {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	cp, err := s.transport.RequestCheckpoint(ctx, peer, target)
	if err != nil {
		return fmt.Errorf("request checkpoint: %w", err)
	}
	if len(cp.Proof) < s.vs.Quorum() {
		return fmt.Errorf("checkpoint proof for seq %d has %d signatures, need %d", cp.Seq, len(cp.Proof), s.vs.Quorum())
	}
	seenSender := make(map[NodeID]bool)
	for _, m := range cp.Proof {
		if m.Kind() != KindCheckpoint || m.Seq() != cp.Seq || m.Digest() != cp.Digest {
			return fmt.Errorf("checkpoint proof contains a mismatched message")
		}
		if !s.vs.IsMember(m.Sender()) {
			return fmt.Errorf("checkpoint proof signed by non-member %s", m.Sender())
		}
		if !verifyMessageSignature(s.vs, m) {
			return fmt.Errorf("checkpoint proof carries an invalid signature from %s", m.Sender())
		}
		seenSender[m.Sender()] = true
	}
	if len(seenSender) < s.vs.Quorum() {
		return fmt.Errorf("checkpoint proof has insufficient distinct signers")
	}

	s.mu.Lock()
	from := s.highestApplied + 1
	s.mu.Unlock()

	blocks, err := s.transport.RequestBlocks(ctx, peer, from, cp.Seq)
	if err != nil {
		return fmt.Errorf("request blocks: %w", err)
	}
	for n := from; n <= cp.Seq; n++ {
		block, ok := blocks[n]
		if !ok {
			return newErr(ErrMissingBlock, 0, n, peer, nil)
		}
		digest := HashBlock(block)
		if err := s.applier.Decide(n, digest, block); err != nil {
			return fmt.Errorf("apply synced block %d: %w", n, err)
		}
		s.mu.Lock()
		s.highestApplied = n
		s.mu.Unlock()
		if s.store != nil {
			if err := s.store.SaveHighestApplied(uint64(n)); err != nil {
				return fmt.Errorf("persist highest applied: %w", err)
			}
		}
	}
	return nil
}
