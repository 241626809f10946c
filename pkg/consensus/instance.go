package consensus

import "sync"

// instanceState is the per-(view, seq) state machine. Transitions are
// monotone and only move forward; an instance is only discarded by a
// view change on an uncommitted binding.
type instanceState int

const (
	StateIdle instanceState = iota
	StatePrePrepared
	StatePrepared
	StateCommitted
	StateFinalized
)

func (s instanceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePrePrepared:
		return "PRE-PREPARED"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateFinalized:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

type instKey struct {
	view View
	seq  Sequence
}

// instance is a single (view, seq) consensus instance, serialized
// behind its own mutex: the instance-scoped exclusion primitive that
// lets independent instances make progress fully concurrently.
type instance struct {
	mu sync.Mutex

	view  View
	seq   Sequence
	state instanceState

	digest Hash

	preparedSentOnce  bool
	committedSentOnce bool
}

func newInstance(v View, n Sequence) *instance {
	return &instance{view: v, seq: n, state: StateIdle}
}
