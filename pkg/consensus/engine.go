package consensus

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ecrypto "github.com/nexuschain/bft-node/pkg/crypto"
	"go.uber.org/zap"
)

// verifyPool bounds how many signature verifications run concurrently.
// Verification is CPU-bound (ECDSA recovery); the cap keeps a burst of
// inbound messages from starving other goroutines. The result is
// always applied back under the target instance's own lock, never
// under the pool's.
type verifyPool struct {
	sem chan struct{}
}

func newVerifyPool(workers int) *verifyPool {
	if workers < 1 {
		workers = 1
	}
	return &verifyPool{sem: make(chan struct{}, workers)}
}

func (p *verifyPool) run(fn func() bool) bool {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()
	return fn()
}

// committedEntry records which (view, digest) a sequence committed
// under, for in-order finalization once prior sequences are applied.
type committedEntry struct {
	view   View
	digest Hash
}

// Engine drives the three-phase agreement protocol for every (view,
// seq) instance. Each instance is serialized behind its own mutex;
// the Message Log and Validator Set it consults are themselves
// multi-reader/single-writer, so independent instances proceed fully
// concurrently.
type Engine struct {
	self   NodeID
	vs     *ValidatorSet
	log    *MessageLog
	blocks BlockStore
	net    Network
	signer messageSigner
	verify *verifyPool

	applier BlockApplier
	metrics *MetricsObserver
	store   PersistentStore
	sugar   *zap.SugaredLogger

	watermarkWindow Sequence

	mu            sync.Mutex
	instances     map[instKey]*instance
	view          View
	lowWatermark  Sequence
	nextToApply   Sequence
	committed     map[Sequence]committedEntry

	onMissingBlock func(digest Hash)
	onFinalize     func(seq Sequence, digest Hash)
	onFatal        func(err *ConsensusError)
}

// EngineConfig groups Engine's wiring dependencies.
type EngineConfig struct {
	Self            NodeID
	ValidatorSet    *ValidatorSet
	Log             *MessageLog
	Blocks          BlockStore
	Network         Network
	Signer          messageSigner
	Applier         BlockApplier
	Metrics         *MetricsObserver
	Persistent      PersistentStore
	Logger          *zap.SugaredLogger
	WatermarkWindow Sequence
	VerifyWorkers   int
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.WatermarkWindow == 0 {
		cfg.WatermarkWindow = 100
	}
	return &Engine{
		self:            cfg.Self,
		vs:              cfg.ValidatorSet,
		log:             cfg.Log,
		blocks:          cfg.Blocks,
		net:             cfg.Network,
		signer:          cfg.Signer,
		verify:          newVerifyPool(cfg.VerifyWorkers),
		applier:         cfg.Applier,
		metrics:         cfg.Metrics,
		store:           cfg.Persistent,
		sugar:           cfg.Logger,
		watermarkWindow: cfg.WatermarkWindow,
		instances:       make(map[instKey]*instance),
		committed:       make(map[Sequence]committedEntry),
	}
}

// SetMissingBlockHandler registers a callback invoked when an instance
// reaches PRE-PREPARED without the referenced block in the local store.
func (e *Engine) SetMissingBlockHandler(fn func(digest Hash)) { e.onMissingBlock = fn }

// SetFinalizeHandler registers a callback invoked after each sequence
// is delivered to the BlockApplier, for metrics and round-history bookkeeping.
func (e *Engine) SetFinalizeHandler(fn func(seq Sequence, digest Hash)) { e.onFinalize = fn }

// SetFatalHandler registers the Node orchestrator's fatal shutdown
// path, invoked on the one condition the core treats as unrecoverable:
// two quorums certifying different digests for the same (view, seq).
func (e *Engine) SetFatalHandler(fn func(err *ConsensusError)) { e.onFatal = fn }

// raiseSafetyAlarm is the sole InternalInvariant trigger: under the
// standard f-out-of-3f+1 quorum intersection argument, two disjoint
// 2f+1 quorums cannot certify different digests for the same (view,
// seq) unless more than f replicas are faulty. Rather than guess which
// binding to trust, the node halts.
func (e *Engine) raiseSafetyAlarm(v View, n Sequence, bound, quorum Hash) {
	err := newErr(ErrInternalInvariant, v, n, "", fmt.Errorf("conflicting quorum digests bound=%s quorum=%s", bound, quorum))
	if e.sugar != nil {
		e.sugar.Errorw("safety alarm: conflicting quorums for same view/seq", "view", v, "seq", n, "bound", bound.String(), "quorum", quorum.String())
	}
	if e.onFatal != nil {
		e.onFatal(err)
	}
}

// CurrentView returns the view the engine currently operates in.
func (e *Engine) CurrentView() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// LowWatermark returns the last stable checkpoint sequence.
func (e *Engine) LowWatermark() Sequence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lowWatermark
}

func (e *Engine) getOrCreateInstance(v View, n Sequence) *instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := instKey{v, n}
	inst, ok := e.instances[key]
	if !ok {
		inst = newInstance(v, n)
		e.instances[key] = inst
	}
	return inst
}

func (e *Engine) withinWatermarks(n Sequence) bool {
	e.mu.Lock()
	low := e.lowWatermark
	e.mu.Unlock()
	return n > low && n <= low+e.watermarkWindow
}

// AdvanceWatermark is called by the Checkpoint Store when a checkpoint
// at n stabilizes, moving the low watermark forward and discarding
// uncommitted instances left behind by stale views.
func (e *Engine) AdvanceWatermark(n Sequence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > e.lowWatermark {
		e.lowWatermark = n
	}
	for key := range e.instances {
		if key.seq <= n {
			delete(e.instances, key)
		}
	}
}

// DiscardBelowView drops uncommitted instances bound to views older
// than newView, called once a NEW-VIEW for newView is adopted. The new
// view is fsynced before this returns, so a restart never forgets a
// view advance already acted on.
func (e *Engine) DiscardBelowView(newView View) {
	e.mu.Lock()
	for key, inst := range e.instances {
		if key.view < newView {
			inst.mu.Lock()
			uncommitted := inst.state < StateCommitted
			inst.mu.Unlock()
			if uncommitted {
				delete(e.instances, key)
			}
		}
	}
	e.view = newView
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveView(uint64(newView)); err != nil && e.sugar != nil {
			e.sugar.Errorw("failed to persist view", "view", newView, "err", err)
		}
	}
}

// verifyMessageSignature recovers the address registered for the
// message's claimed sender and checks it against the signature, over
// the same signing digest the original sender would have signed. It
// does not trust the sender field alone: a message claiming to be from
// a legitimate validator but signed by a different key fails here.
// Shared by the Engine's own verification pool and the Synchronizer's
// checkpoint proof validation.
func verifyMessageSignature(vs *ValidatorSet, m *ProtocolMessage) bool {
	val, ok := vs.Get(m.Sender())
	if !ok {
		return false
	}
	digest, err := DigestForSigning(m.Kind(), m.View(), m.Seq(), m.Digest(), m.Sender())
	if err != nil {
		return false
	}
	addr := common.HexToAddress(string(val.ID))
	return ecrypto.VerifySignature(addr, digest[:], m.Signature())
}

func (e *Engine) verifySignature(m *ProtocolMessage) bool {
	if _, ok := e.vs.Get(m.Sender()); !ok {
		return false
	}
	return e.verify.run(func() bool {
		return verifyMessageSignature(e.vs, m)
	})
}

// HandleMessage dispatches an inbound, wire-deserialized protocol
// message to the appropriate phase handler. Checkpoint and
// view-change/new-view kinds are delegated to their owning components.
func (e *Engine) HandleMessage(msg *ProtocolMessage) error {
	if !e.vs.IsMember(msg.Sender()) {
		return newErr(ErrUnknownSender, msg.View(), msg.Seq(), msg.Sender(), nil)
	}
	switch msg.Kind() {
	case KindPrePrepare:
		return e.handlePrePrepare(msg)
	case KindPrepare:
		return e.handlePrepare(msg)
	case KindCommit:
		return e.handleCommit(msg)
	default:
		return fmt.Errorf("engine: message kind %s not handled here", msg.Kind())
	}
}

// ProposeBlock is called on the primary to bind a freshly selected
// block to the next sequence number in the current view.
func (e *Engine) ProposeBlock(block []byte) (*ProtocolMessage, error) {
	digest := HashBlock(block)
	e.blocks.Put(digest, block)

	e.mu.Lock()
	view := e.view
	seq := e.nextSequenceLocked()
	e.mu.Unlock()

	pp, err := NewPrePrepare(e.signer, e.self, view, seq, digest)
	if err != nil {
		return nil, fmt.Errorf("propose block: %w", err)
	}
	if err := e.net.Broadcast(pp); err != nil {
		return nil, fmt.Errorf("broadcast pre-prepare: %w", err)
	}
	if _, err := e.log.Insert(pp); err != nil {
		e.sugar.Warnw("equivocation inserting own pre-prepare", "err", err)
	}
	return pp, e.applyPrePrepare(pp)
}

func (e *Engine) nextSequenceLocked() Sequence {
	max := e.lowWatermark
	for key := range e.instances {
		if key.seq > max {
			max = key.seq
		}
	}
	for seq := range e.committed {
		if seq > max {
			max = seq
		}
	}
	return max + 1
}

func (e *Engine) handlePrePrepare(msg *ProtocolMessage) error {
	if msg.Sender() != e.vs.Primary(msg.View()) {
		e.vs.MarkFailure(msg.Sender())
		return newErr(ErrInvalidSignature, msg.View(), msg.Seq(), msg.Sender(), fmt.Errorf("sender is not primary for view"))
	}
	if !e.withinWatermarks(msg.Seq()) {
		return newErr(ErrOutsideWatermarks, msg.View(), msg.Seq(), msg.Sender(), nil)
	}
	if !e.verifySignature(msg) {
		return newErr(ErrInvalidSignature, msg.View(), msg.Seq(), msg.Sender(), nil)
	}
	if _, err := e.log.Insert(msg); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	return e.applyPrePrepare(msg)
}

func (e *Engine) applyPrePrepare(msg *ProtocolMessage) error {
	inst := e.getOrCreateInstance(msg.View(), msg.Seq())
	inst.mu.Lock()
	if inst.state != StateIdle {
		inst.mu.Unlock()
		return nil
	}
	inst.state = StatePrePrepared
	inst.digest = msg.Digest()
	inst.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ObserveMessage(KindPrePrepare, msg.Sender(), 0)
	}
	e.vs.MarkActivity(msg.Sender())

	if _, ok := e.blocks.Get(msg.Digest()); !ok && e.onMissingBlock != nil {
		e.onMissingBlock(msg.Digest())
	}

	prepare, err := NewPrepare(e.signer, e.self, msg.View(), msg.Seq(), msg.Digest())
	if err != nil {
		return fmt.Errorf("sign prepare: %w", err)
	}
	if _, err := e.log.Insert(prepare); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	if err := e.net.Broadcast(prepare); err != nil {
		return fmt.Errorf("broadcast prepare: %w", err)
	}
	return e.tryAdvanceToPrepared(msg.View(), msg.Seq(), msg.Digest())
}

func (e *Engine) handlePrepare(msg *ProtocolMessage) error {
	if !e.withinWatermarks(msg.Seq()) {
		return newErr(ErrOutsideWatermarks, msg.View(), msg.Seq(), msg.Sender(), nil)
	}
	if !e.verifySignature(msg) {
		return newErr(ErrInvalidSignature, msg.View(), msg.Seq(), msg.Sender(), nil)
	}
	if _, err := e.log.Insert(msg); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	e.vs.MarkActivity(msg.Sender())
	if e.metrics != nil {
		e.metrics.ObserveMessage(KindPrepare, msg.Sender(), 0)
	}
	return e.tryAdvanceToPrepared(msg.View(), msg.Seq(), msg.Digest())
}

func (e *Engine) tryAdvanceToPrepared(v View, n Sequence, digest Hash) error {
	quorum := e.vs.Quorum()
	count := e.log.Count(KindPrepare, v, n, digest)
	if count < quorum {
		return nil
	}
	inst := e.getOrCreateInstance(v, n)
	inst.mu.Lock()
	if inst.state >= StatePrePrepared && inst.digest != digest {
		bound := inst.digest
		inst.mu.Unlock()
		e.raiseSafetyAlarm(v, n, bound, digest)
		return nil
	}
	if inst.state != StatePrePrepared || inst.preparedSentOnce {
		inst.mu.Unlock()
		return nil
	}
	inst.state = StatePrepared
	inst.preparedSentOnce = true
	inst.mu.Unlock()

	commit, err := NewCommit(e.signer, e.self, v, n, digest)
	if err != nil {
		return fmt.Errorf("sign commit: %w", err)
	}
	if _, err := e.log.Insert(commit); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	if err := e.net.Broadcast(commit); err != nil {
		return fmt.Errorf("broadcast commit: %w", err)
	}
	return e.tryAdvanceToCommitted(v, n, digest)
}

func (e *Engine) handleCommit(msg *ProtocolMessage) error {
	if !e.withinWatermarks(msg.Seq()) {
		return newErr(ErrOutsideWatermarks, msg.View(), msg.Seq(), msg.Sender(), nil)
	}
	if !e.verifySignature(msg) {
		return newErr(ErrInvalidSignature, msg.View(), msg.Seq(), msg.Sender(), nil)
	}
	if _, err := e.log.Insert(msg); err != nil && !IsKind(err, ErrEquivocation) {
		return err
	}
	e.vs.MarkActivity(msg.Sender())
	if e.metrics != nil {
		e.metrics.ObserveMessage(KindCommit, msg.Sender(), 0)
	}
	return e.tryAdvanceToCommitted(msg.View(), msg.Seq(), msg.Digest())
}

func (e *Engine) tryAdvanceToCommitted(v View, n Sequence, digest Hash) error {
	quorum := e.vs.Quorum()
	count := e.log.Count(KindCommit, v, n, digest)
	if count < quorum {
		return nil
	}
	inst := e.getOrCreateInstance(v, n)
	inst.mu.Lock()
	if inst.state >= StatePrePrepared && inst.digest != digest {
		bound := inst.digest
		inst.mu.Unlock()
		e.raiseSafetyAlarm(v, n, bound, digest)
		return nil
	}
	if inst.state != StatePrepared || inst.committedSentOnce {
		inst.mu.Unlock()
		return nil
	}
	inst.state = StateCommitted
	inst.committedSentOnce = true
	inst.mu.Unlock()

	e.mu.Lock()
	e.committed[n] = committedEntry{view: v, digest: digest}
	e.mu.Unlock()

	return e.tryFinalize()
}

// tryFinalize delivers every committed sequence to the BlockApplier in
// strict order, stalling at the first gap. The applier is called
// single-threaded by construction: tryFinalize itself is only ever
// invoked while holding no other lock across the call.
func (e *Engine) tryFinalize() error {
	for {
		e.mu.Lock()
		if e.nextToApply == 0 {
			e.nextToApply = e.lowWatermark + 1
		}
		entry, ok := e.committed[e.nextToApply]
		seq := e.nextToApply
		e.mu.Unlock()
		if !ok {
			return nil
		}

		block, haveBlock := e.blocks.Get(entry.digest)
		if !haveBlock && !entry.digest.IsZero() {
			return newErr(ErrMissingBlock, entry.view, seq, "", nil)
		}
		if e.store != nil {
			if err := e.store.SaveHighestApplied(uint64(seq)); err != nil {
				return fmt.Errorf("persist highest applied seq %d: %w", seq, err)
			}
		}
		if err := e.applier.Decide(seq, entry.digest, block); err != nil {
			return fmt.Errorf("apply decided block: %w", err)
		}

		inst := e.getOrCreateInstance(entry.view, seq)
		inst.mu.Lock()
		inst.state = StateFinalized
		inst.mu.Unlock()

		e.mu.Lock()
		e.nextToApply++
		e.mu.Unlock()

		if e.metrics != nil {
			e.metrics.RecordRound(true)
		}
		if e.onFinalize != nil {
			e.onFinalize(seq, entry.digest)
		}
	}
}
