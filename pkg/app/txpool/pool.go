// Package txpool holds opaque payload blobs awaiting inclusion in a
// proposed block. It does not interpret or prioritize transactions —
// that is explicitly out of scope for the consensus core; this pool
// only hands the primary something to bind a sequence number to.
package txpool

import "sync"

// Pool is a FIFO queue of opaque payload blobs, guarded by a single
// mutex. Entries are admitted by PushRaw and removed by SelectForBlock
// in admission order.
type Pool struct {
	mu      sync.Mutex
	pending [][]byte
}

func New() *Pool {
	return &Pool{}
}

// PushRaw admits a payload blob. The pool copies the bytes so the
// caller's buffer can be reused.
func (p *Pool) PushRaw(b []byte) {
	cp := append([]byte(nil), b...)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, cp)
}

// SelectForBlock removes and returns up to maxBytes worth of pending
// blobs, oldest first.
func (p *Pool) SelectForBlock(maxBytes int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out [][]byte
	used := 0
	for len(p.pending) > 0 {
		blob := p.pending[0]
		if maxBytes > 0 && used+len(blob) > maxBytes {
			break
		}
		out = append(out, blob)
		used += len(blob)
		p.pending = p.pending[1:]
	}
	return out
}

// Len reports the number of blobs still waiting.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
