package consensus

import (
	"sync"
	"time"
)

const (
	ewmaAlpha             = 0.1
	reliabilityDecay      = 0.95
	reliabilityReward     = 0.05
	defaultResultWindow   = 256
	viewChangeHistorySize = 256
	healthySuccessRate    = 0.95
	healthyFaultTolerance = 2.0 / 3.0
)

// ViewChangeRecord is one completed-or-ongoing view change kept in the
// bounded history ring, supplementing the core metrics with the
// trigger reason and wall-clock duration of each rotation.
type ViewChangeRecord struct {
	View     View
	Reason   string
	Started  time.Time
	Duration time.Duration
}

type validatorMetrics struct {
	kindCounts   map[Kind]uint64
	latencyEWMA  float64
	reliability  float64
	lastActive   time.Time
}

func newValidatorMetrics() *validatorMetrics {
	return &validatorMetrics{kindCounts: make(map[Kind]uint64), reliability: 1.0}
}

// ValidatorMetricsSnapshot is the read-only view exposed to administration.
type ValidatorMetricsSnapshot struct {
	KindCounts  map[Kind]uint64
	LatencyEWMA float64
	Reliability float64
	LastActive  time.Time
}

// HealthStatus is the §4.7 health formula's result, plus the
// fault-tolerance ratio the formula is computed from.
type HealthStatus struct {
	Healthy             bool
	SuccessRate         float64
	FaultToleranceRatio float64
}

// MetricsObserver is the only component in the core permitted to use
// floating point: EWMA message latency, exponentially decayed
// reliability scores, and sliding-window success rate. It is mutated
// exclusively from the Engine's event stream, never read concurrently
// with a write in a way that requires external synchronization beyond
// its own mutex.
type MetricsObserver struct {
	mu sync.Mutex

	perValidator map[NodeID]*validatorMetrics

	consensusRounds   uint64
	successfulRounds  uint64
	resultWindow      []bool
	windowSize        int
	consensusTimes    []time.Duration
	totalConsensusTime time.Duration

	viewChanges       uint64
	viewChangeHistory []ViewChangeRecord

	kindCounts     map[Kind]uint64
	totalMsgBytes  uint64
	totalMsgCount  uint64
}

func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{
		perValidator: make(map[NodeID]*validatorMetrics),
		windowSize:   defaultResultWindow,
		kindCounts:   make(map[Kind]uint64),
	}
}

func (m *MetricsObserver) validatorFor(id NodeID) *validatorMetrics {
	vm, ok := m.perValidator[id]
	if !ok {
		vm = newValidatorMetrics()
		m.perValidator[id] = vm
	}
	return vm
}

// ObserveMessage records receipt of a protocol message from sender,
// updating its per-kind counters and, when latency is non-zero, its
// EWMA latency and reliability score.
func (m *MetricsObserver) ObserveMessage(kind Kind, sender NodeID, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm := m.validatorFor(sender)
	vm.kindCounts[kind]++
	vm.lastActive = time.Now()
	m.kindCounts[kind]++
	m.totalMsgCount++

	if latency > 0 {
		latMs := float64(latency) / float64(time.Millisecond)
		if vm.latencyEWMA == 0 {
			vm.latencyEWMA = latMs
		} else {
			vm.latencyEWMA = ewmaAlpha*latMs + (1-ewmaAlpha)*vm.latencyEWMA
		}
	}
	vm.reliability = vm.reliability*reliabilityDecay + reliabilityReward
	if vm.reliability > 1.0 {
		vm.reliability = 1.0
	}
}

// PenalizeValidator decays a validator's reliability score without a
// reward term, for a sender that missed an expected participation.
func (m *MetricsObserver) PenalizeValidator(id NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm := m.validatorFor(id)
	vm.reliability *= reliabilityDecay
}

// RecordRound appends a consensus-round outcome to the sliding success
// window and increments the round counters.
func (m *MetricsObserver) RecordRound(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consensusRounds++
	if success {
		m.successfulRounds++
	}
	m.resultWindow = append(m.resultWindow, success)
	if len(m.resultWindow) > m.windowSize {
		m.resultWindow = m.resultWindow[len(m.resultWindow)-m.windowSize:]
	}
}

// RecordRoundDuration appends the wall-clock duration a finalized
// round took, used for the average consensus time metric.
func (m *MetricsObserver) RecordRoundDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consensusTimes = append(m.consensusTimes, d)
	if len(m.consensusTimes) > m.windowSize {
		m.consensusTimes = m.consensusTimes[len(m.consensusTimes)-m.windowSize:]
	}
	m.totalConsensusTime += d
}

// RecordViewChange appends a completed rotation to the bounded history ring.
func (m *MetricsObserver) RecordViewChange(v View, reason string, started time.Time, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewChanges++
	m.viewChangeHistory = append(m.viewChangeHistory, ViewChangeRecord{View: v, Reason: reason, Started: started, Duration: duration})
	if len(m.viewChangeHistory) > viewChangeHistorySize {
		m.viewChangeHistory = m.viewChangeHistory[len(m.viewChangeHistory)-viewChangeHistorySize:]
	}
}

// successRateLocked returns the fraction of successes in the sliding window.
// Caller must hold m.mu.
func (m *MetricsObserver) successRateLocked() float64 {
	if len(m.resultWindow) == 0 {
		return 1.0
	}
	var ok int
	for _, v := range m.resultWindow {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(m.resultWindow))
}

// Health evaluates the §4.7 formula: healthy iff the sliding-window
// success rate is at least 0.95 and the fault-tolerance ratio — the
// fraction of the validator set not under Byzantine suspicion — is at
// least 2/3.
func (m *MetricsObserver) Health(vs *ValidatorSet) HealthStatus {
	n := vs.Size()
	suspected := len(vs.Suspected())

	m.mu.Lock()
	rate := m.successRateLocked()
	m.mu.Unlock()

	ratio := 1.0
	if n > 0 {
		ratio = float64(n-suspected) / float64(n)
	}
	return HealthStatus{
		Healthy:             rate >= healthySuccessRate && ratio >= healthyFaultTolerance,
		SuccessRate:         rate,
		FaultToleranceRatio: ratio,
	}
}

// ValidatorMetrics returns a snapshot of the per-validator counters for id.
func (m *MetricsObserver) ValidatorMetrics(id NodeID) (ValidatorMetricsSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.perValidator[id]
	if !ok {
		return ValidatorMetricsSnapshot{}, false
	}
	counts := make(map[Kind]uint64, len(vm.kindCounts))
	for k, v := range vm.kindCounts {
		counts[k] = v
	}
	return ValidatorMetricsSnapshot{
		KindCounts:  counts,
		LatencyEWMA: vm.latencyEWMA,
		Reliability: vm.reliability,
		LastActive:  vm.lastActive,
	}, true
}

// MetricsSnapshot is the aggregate global view exposed over GET /metrics.
type MetricsSnapshot struct {
	ConsensusRounds    uint64
	SuccessfulRounds   uint64
	SuccessRate        float64
	AverageConsensusMs float64
	ViewChanges        uint64
	ViewChangeHistory  []ViewChangeRecord
	KindCounts         map[Kind]uint64
	AvgMessageSize     float64
}

// Snapshot returns the current global metrics.
func (m *MetricsObserver) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avgMs float64
	if len(m.consensusTimes) > 0 {
		var sum time.Duration
		for _, d := range m.consensusTimes {
			sum += d
		}
		avgMs = float64(sum) / float64(len(m.consensusTimes)) / float64(time.Millisecond)
	}
	history := make([]ViewChangeRecord, len(m.viewChangeHistory))
	copy(history, m.viewChangeHistory)
	kindCounts := make(map[Kind]uint64, len(m.kindCounts))
	for k, v := range m.kindCounts {
		kindCounts[k] = v
	}
	var avgSize float64
	if m.totalMsgCount > 0 {
		avgSize = float64(m.totalMsgBytes) / float64(m.totalMsgCount)
	}

	return MetricsSnapshot{
		ConsensusRounds:    m.consensusRounds,
		SuccessfulRounds:   m.successfulRounds,
		SuccessRate:        m.successRateLocked(),
		AverageConsensusMs: avgMs,
		ViewChanges:        m.viewChanges,
		ViewChangeHistory:  history,
		KindCounts:         kindCounts,
		AvgMessageSize:     avgSize,
	}
}

// ObserveMessageSize folds a wire frame's byte length into the running
// average message size, the one other floating-point computation this
// observer performs.
func (m *MetricsObserver) ObserveMessageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalMsgBytes += uint64(n)
}
