package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexuschain/bft-node/pkg/util"
	"go.uber.org/zap"
)

const defaultRoundHistorySize = 256

// RoundInfo is the per-sequence record administration can fetch via
// GET /rounds/{n}.
type RoundInfo struct {
	Seq        Sequence
	Digest     Hash
	FinalizedAt time.Time
}

// Node orchestrates the full consensus stack for one replica: the
// Engine, the View-Change Engine, the Pacemaker, the Checkpoint Store,
// the Synchronizer and the Metrics Observer, wired together by
// one-way events rather than shared mutable fields. No component
// reaches back into the Node; each only calls forward into the next
// stage of the pipeline it feeds.
type Node struct {
	self NodeID
	vs   *ValidatorSet
	log  *MessageLog

	engine   *Engine
	vc       *ViewChangeEngine
	pacemaker *Pacemaker
	cps      *CheckpointStore
	sync     *Synchronizer
	metrics  *MetricsObserver
	net      Network

	sugar *zap.SugaredLogger

	onDecision func(seq Sequence, digest Hash)
	fatal      func(err error)

	mu         sync.Mutex
	roundLog   map[Sequence]RoundInfo
	roundOrder []Sequence
}

// NodeConfig groups every dependency the orchestrator wires together.
type NodeConfig struct {
	Self            NodeID
	ValidatorSet    *ValidatorSet
	Log             *MessageLog
	Blocks          BlockStore
	Network         Network
	Signer          messageSigner
	Applier         BlockApplier
	Persistent      PersistentStore
	Peers           PeerStore
	Transport       SyncTransport
	Clock           util.Clock
	Logger          *zap.SugaredLogger
	WatermarkWindow Sequence
	CheckpointEvery Sequence
	PacemakerT0     time.Duration
	SyncDeadline    time.Duration
	VerifyWorkers   int
}

// NewNode constructs and wires the full consensus stack. It does not
// start the Pacemaker; call Run to begin processing.
func NewNode(cfg NodeConfig) *Node {
	metrics := NewMetricsObserver()

	engine := NewEngine(EngineConfig{
		Self:            cfg.Self,
		ValidatorSet:    cfg.ValidatorSet,
		Log:             cfg.Log,
		Blocks:          cfg.Blocks,
		Network:         cfg.Network,
		Signer:          cfg.Signer,
		Applier:         cfg.Applier,
		Metrics:         metrics,
		Persistent:      cfg.Persistent,
		Logger:          cfg.Logger,
		WatermarkWindow: cfg.WatermarkWindow,
		VerifyWorkers:   cfg.VerifyWorkers,
	})

	n := &Node{
		self:     cfg.Self,
		vs:       cfg.ValidatorSet,
		log:      cfg.Log,
		engine:   engine,
		metrics:  metrics,
		net:      cfg.Network,
		sugar:    cfg.Logger,
		roundLog: make(map[Sequence]RoundInfo),
	}
	n.fatal = n.defaultFatal

	cps := NewCheckpointStore(cfg.ValidatorSet, cfg.Log, engine, cfg.Persistent, cfg.CheckpointEvery, cfg.Logger)
	n.cps = cps

	vc := NewViewChangeEngine(cfg.Self, cfg.ValidatorSet, cfg.Log, cfg.Network, cfg.Signer, engine, cps, cfg.Logger)
	n.vc = vc

	n.pacemaker = NewPacemaker(cfg.Clock, cfg.PacemakerT0, n.onPacemakerTimeout)

	if cfg.Transport != nil {
		n.sync = NewSynchronizer(cfg.Self, cfg.ValidatorSet, cfg.Peers, cfg.Transport, cfg.Applier, cfg.Persistent, cfg.SyncDeadline, cfg.Logger)
	}

	engine.SetFinalizeHandler(n.onFinalized)
	engine.SetFatalHandler(func(ce *ConsensusError) { n.fatal(ce) })
	cfg.Network.SetHandler(n.onMessage)

	return n
}

// DecisionFeed receives every finalized decision, for a live subscriber
// feed such as the administration API's websocket hub. A Node with no
// feed wired simply skips this side effect.
type DecisionFeed interface {
	BroadcastDecision(seq Sequence, digest Hash)
}

// SetDecisionFeed wires a live decision feed. Called after construction
// since the feed (e.g. the API server) itself wraps this Node as its
// Orchestrator and so cannot exist before the Node does.
func (n *Node) SetDecisionFeed(feed DecisionFeed) {
	n.onDecision = feed.BroadcastDecision
}

// defaultFatal is the InternalInvariant shutdown path: a conflicting
// quorum means the safety assumption has already been violated, so
// this halts the process instead of continuing on corrupted state.
func (n *Node) defaultFatal(err error) {
	if n.sugar != nil {
		n.sugar.Fatalw("internal invariant violated, halting", "err", err)
		return
	}
	panic(err)
}

func (n *Node) onPacemakerTimeout(v View) {
	if n.sugar != nil {
		n.sugar.Warnw("pacemaker timeout, initiating view change", "view", v)
	}
	if err := n.vc.Initiate("timeout"); err != nil && n.sugar != nil {
		n.sugar.Errorw("failed to initiate view change on timeout", "err", err)
	}
	n.metrics.RecordRound(false)
}

// onFinalized is the one-way event the Engine emits after delivering a
// sequence to the BlockApplier: it feeds the round history and resets
// the pacemaker now that progress has been made.
func (n *Node) onFinalized(seq Sequence, digest Hash) {
	n.mu.Lock()
	n.roundLog[seq] = RoundInfo{Seq: seq, Digest: digest, FinalizedAt: time.Now()}
	n.roundOrder = append(n.roundOrder, seq)
	if len(n.roundOrder) > defaultRoundHistorySize {
		stale := n.roundOrder[0]
		n.roundOrder = n.roundOrder[1:]
		delete(n.roundLog, stale)
	}
	n.mu.Unlock()

	if n.onDecision != nil {
		n.onDecision(seq, digest)
	}

	n.pacemaker.NoteCommitted(n.engine.CurrentView())
	n.pacemaker.Start(n.engine.CurrentView())

	if n.cps.ShouldCheckpoint(seq) {
		n.emitCheckpoint(seq)
	}
}

func (n *Node) emitCheckpoint(seq Sequence) {
	var stateDigest Hash
	if sd, ok := n.engine.applier.(StateDigester); ok {
		stateDigest = sd.StateDigest()
	} else {
		stateDigest = seq.checkpointDigest()
	}
	msg, err := NewCheckpoint(n.engineSigner(), n.self, seq, stateDigest)
	if err != nil {
		if n.sugar != nil {
			n.sugar.Errorw("failed to sign checkpoint", "seq", seq, "err", err)
		}
		return
	}
	if err := n.net.Broadcast(msg); err != nil && n.sugar != nil {
		n.sugar.Errorw("failed to broadcast checkpoint", "seq", seq, "err", err)
		return
	}
	if err := n.cps.Observe(msg); err != nil && !IsKind(err, ErrEquivocation) && n.sugar != nil {
		n.sugar.Warnw("observing own checkpoint", "err", err)
	}
}

func (n *Node) engineSigner() messageSigner { return n.engine.signer }

// onMessage is the Network's one-way inbound event, routed to the
// component that owns each message kind.
func (n *Node) onMessage(msg *ProtocolMessage) {
	var err error
	switch msg.Kind() {
	case KindPrePrepare, KindPrepare, KindCommit:
		err = n.engine.HandleMessage(msg)
	case KindViewChange:
		err = n.vc.HandleViewChange(msg)
	case KindNewView:
		err = n.vc.HandleNewView(msg)
	case KindCheckpoint:
		err = n.cps.Observe(msg)
	}
	if err == nil {
		return
	}
	if IsKind(err, ErrQuorumFailure) {
		return
	}
	if n.sugar != nil {
		n.sugar.Debugw("message handling error", "kind", msg.Kind(), "err", err)
	}
}

// Run starts the pacemaker for the engine's current view. It blocks
// until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	n.pacemaker.Start(n.engine.CurrentView())
	<-ctx.Done()
	n.pacemaker.Stop()
	return ctx.Err()
}

// RegisterValidator admits a new validator to the set.
func (n *Node) RegisterValidator(v Validator) {
	n.vs.Register(v)
}

// RemoveValidator drops a validator from the set.
func (n *Node) RemoveValidator(id NodeID) {
	n.vs.Remove(id)
}

// InitiateViewChange manually triggers a view change, for
// administrator-driven primary rotation outside the pacemaker.
func (n *Node) InitiateViewChange(reason string) error {
	return n.vc.Initiate(reason)
}

// Health returns the current metrics-derived health status.
func (n *Node) Health() HealthStatus {
	return n.metrics.Health(n.vs)
}

// Metrics returns a snapshot of the global metrics.
func (n *Node) Metrics() MetricsSnapshot {
	return n.metrics.Snapshot()
}

// ValidatorMetrics returns per-validator metrics for id.
func (n *Node) ValidatorMetrics(id NodeID) (ValidatorMetricsSnapshot, bool) {
	return n.metrics.ValidatorMetrics(id)
}

// RoundInfo returns the finalization record for sequence n, if still
// within the bounded round history.
func (n *Node) RoundInfo(seq Sequence) (RoundInfo, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	info, ok := n.roundLog[seq]
	return info, ok
}

// BlocksInRange returns the block bytes this replica has committed
// for every sequence in [from, to] that it actually holds, for
// serving a lagging peer's Synchronizer request.
func (n *Node) BlocksInRange(from, to Sequence) map[Sequence][]byte {
	out := make(map[Sequence][]byte)
	n.engine.mu.Lock()
	entries := make(map[Sequence]committedEntry, len(n.engine.committed))
	for seq, e := range n.engine.committed {
		entries[seq] = e
	}
	n.engine.mu.Unlock()

	for seq := from; seq <= to; seq++ {
		entry, ok := entries[seq]
		if !ok {
			continue
		}
		if block, ok := n.engine.blocks.Get(entry.digest); ok {
			out[seq] = block
		}
	}
	return out
}

// Checkpoints exposes the Checkpoint Store for wiring into a
// transport's sync-source hooks (p2p.CheckpointSource).
func (n *Node) Checkpoints() *CheckpointStore {
	return n.cps
}

// Sync drives the Synchronizer up to target, if one is configured.
func (n *Node) Sync(ctx context.Context, target Sequence) error {
	if n.sync == nil {
		return fmt.Errorf("node: no sync transport configured")
	}
	return n.sync.Sync(ctx, target)
}

// ProposeBlock is called on the primary to bind a block to the next
// sequence number.
func (n *Node) ProposeBlock(block []byte) (*ProtocolMessage, error) {
	return n.engine.ProposeBlock(block)
}

// checkpointDigest derives a deterministic placeholder state digest
// for a checkpoint boundary from the sequence it closes. Application
// state hashing belongs to the BlockApplier; this only needs a stable
// value every honest replica agrees on for the given sequence.
func (s Sequence) checkpointDigest() Hash {
	return HashBlock([]byte(fmt.Sprintf("checkpoint:%d", uint64(s))))
}
