package consensus

import (
	"errors"
	"fmt"
)

// ErrorKind tags the error taxonomy the core surfaces. Message-level
// kinds are handled locally by the engine; InternalInvariant is fatal.
type ErrorKind int

const (
	ErrInvalidSignature ErrorKind = iota
	ErrUnknownSender
	ErrOutsideWatermarks
	ErrEquivocation
	ErrStaleView
	ErrMissingBlock
	ErrCheckpointGap
	ErrTimeout
	ErrQuorumFailure
	ErrInternalInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidSignature:
		return "InvalidSignature"
	case ErrUnknownSender:
		return "UnknownSender"
	case ErrOutsideWatermarks:
		return "OutsideWatermarks"
	case ErrEquivocation:
		return "Equivocation"
	case ErrStaleView:
		return "StaleView"
	case ErrMissingBlock:
		return "MissingBlock"
	case ErrCheckpointGap:
		return "CheckpointGap"
	case ErrTimeout:
		return "Timeout"
	case ErrQuorumFailure:
		return "QuorumFailure"
	case ErrInternalInvariant:
		return "InternalInvariant"
	default:
		return "Unknown"
	}
}

// ConsensusError wraps the taxonomy above with the (view, sequence,
// sender) context administration needs to report a structured error.
type ConsensusError struct {
	Kind   ErrorKind
	View   View
	Seq    Sequence
	Sender NodeID
	Err    error
}

func (e *ConsensusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: v=%d n=%d sender=%s: %v", e.Kind, e.View, e.Seq, e.Sender, e.Err)
	}
	return fmt.Sprintf("%s: v=%d n=%d sender=%s", e.Kind, e.View, e.Seq, e.Sender)
}

func (e *ConsensusError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, v View, n Sequence, sender NodeID, err error) *ConsensusError {
	return &ConsensusError{Kind: kind, View: v, Seq: n, Sender: sender, Err: err}
}

// IsKind reports whether err (or one it wraps) carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if ce, ok := err.(*ConsensusError); ok && ce.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
