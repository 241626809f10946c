package consensus

import "sync"

// msgKey identifies a message for idempotent insertion: (kind, view,
// seq, sender, digest). Two insertions with the same key are the same
// message; a second insertion with the same (kind, view, seq, sender)
// but a DIFFERENT digest is equivocation.
type msgKey struct {
	kind   Kind
	view   View
	seq    Sequence
	sender NodeID
	digest Hash
}

type bindingKey struct {
	kind   Kind
	view   View
	seq    Sequence
	sender NodeID
}

// MessageLog is the append-mostly, multi-reader/single-writer store of
// every protocol message received for the active watermark window. It
// detects equivocation on insertion and reports it to the ValidatorSet
// as a one-way event, without blocking the inserting caller's safety
// evaluation.
type MessageLog struct {
	mu sync.RWMutex

	bySeq    map[Sequence]map[Kind][]*ProtocolMessage
	seen     map[msgKey]bool
	bindings map[bindingKey]Hash

	vs *ValidatorSet
}

func NewMessageLog(vs *ValidatorSet) *MessageLog {
	return &MessageLog{
		bySeq:    make(map[Sequence]map[Kind][]*ProtocolMessage),
		seen:     make(map[msgKey]bool),
		bindings: make(map[bindingKey]Hash),
		vs:       vs,
	}
}

// Insert admits m into the log. It returns inserted=false without error
// if m is a duplicate of a message already logged. If m's sender has
// already bound a different digest to the same (kind, view, seq), the
// new message is still retained as evidence and an *ConsensusError with
// ErrEquivocation is returned alongside inserted=true.
func (l *MessageLog) Insert(m *ProtocolMessage) (inserted bool, err error) {
	key := msgKey{m.kind, m.view, m.seq, m.sender, m.digest}
	bkey := bindingKey{m.kind, m.view, m.seq, m.sender}

	l.mu.Lock()
	if l.seen[key] {
		l.mu.Unlock()
		return false, nil
	}
	l.seen[key] = true

	if byKind, ok := l.bySeq[m.seq]; ok {
		byKind[m.kind] = append(byKind[m.kind], m)
	} else {
		l.bySeq[m.seq] = map[Kind][]*ProtocolMessage{m.kind: {m}}
	}

	var equivocated bool
	if prior, ok := l.bindings[bkey]; ok && prior != m.digest {
		equivocated = true
	} else {
		l.bindings[bkey] = m.digest
	}
	l.mu.Unlock()

	if equivocated {
		if l.vs != nil {
			l.vs.MarkFailure(m.sender)
		}
		return true, newErr(ErrEquivocation, m.view, m.seq, m.sender, nil)
	}
	return true, nil
}

// Count returns the number of distinct senders that have sent a
// message of kind for (view, seq, digest).
func (l *MessageLog) Count(kind Kind, view View, seq Sequence, digest Hash) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	byKind, ok := l.bySeq[seq]
	if !ok {
		return 0
	}
	senders := make(map[NodeID]bool)
	for _, m := range byKind[kind] {
		if m.view == view && m.digest == digest {
			senders[m.sender] = true
		}
	}
	return len(senders)
}

// Senders returns the distinct senders of kind messages matching (view, seq, digest).
func (l *MessageLog) Senders(kind Kind, view View, seq Sequence, digest Hash) []NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	byKind, ok := l.bySeq[seq]
	if !ok {
		return nil
	}
	seenSender := make(map[NodeID]bool)
	var out []NodeID
	for _, m := range byKind[kind] {
		if m.view == view && m.digest == digest && !seenSender[m.sender] {
			seenSender[m.sender] = true
			out = append(out, m.sender)
		}
	}
	return out
}

// Messages returns every logged message of kind for seq, across all views.
func (l *MessageLog) Messages(kind Kind, seq Sequence) []*ProtocolMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	byKind, ok := l.bySeq[seq]
	if !ok {
		return nil
	}
	out := make([]*ProtocolMessage, len(byKind[kind]))
	copy(out, byKind[kind])
	return out
}

// ViewChangeMessages returns the distinct-sender VIEW-CHANGE messages
// logged for view v. VIEW-CHANGE messages are stored under seq 0 since
// they do not bind a sequence.
func (l *MessageLog) ViewChangeMessages(v View) []*ProtocolMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	byKind, ok := l.bySeq[0]
	if !ok {
		return nil
	}
	seenSender := make(map[NodeID]bool)
	var out []*ProtocolMessage
	for _, m := range byKind[KindViewChange] {
		if m.view == v && !seenSender[m.sender] {
			seenSender[m.sender] = true
			out = append(out, m)
		}
	}
	return out
}

// CheckpointMessages returns the distinct-sender CHECKPOINT messages
// logged for sequence n matching stateDigest.
func (l *MessageLog) CheckpointMessages(n Sequence, stateDigest Hash) []*ProtocolMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seenSender := make(map[NodeID]bool)
	var out []*ProtocolMessage
	for _, m := range l.bySeq[n][KindCheckpoint] {
		if m.digest == stateDigest && !seenSender[m.sender] {
			seenSender[m.sender] = true
			out = append(out, m)
		}
	}
	return out
}

// PruneBelow discards every logged message bound to a sequence below n,
// called when a checkpoint at n stabilizes and the low watermark advances.
func (l *MessageLog) PruneBelow(n Sequence) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for seq := range l.bySeq {
		if seq < n {
			delete(l.bySeq, seq)
		}
	}
	for key := range l.seen {
		if key.seq < n {
			delete(l.seen, key)
		}
	}
	for key := range l.bindings {
		if key.seq < n {
			delete(l.bindings, key)
		}
	}
}
