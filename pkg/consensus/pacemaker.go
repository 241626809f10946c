package consensus

import (
	"sync"
	"time"

	"github.com/nexuschain/bft-node/pkg/util"
)

// maxBackoffShift caps the exponential backoff exponent so T(v) cannot
// overflow time.Duration for a long-running, frequently-changing view.
const maxBackoffShift = 20

// Pacemaker arms a per-view timer and triggers a view change if the
// view fails to make progress before it fires. The timeout duration
// grows exponentially with the number of views since the last commit,
// T(v) = T0 * 2^(v - vLastCommitted), so a persistently faulty primary
// does not get re-tried at a fixed, attackable cadence.
type Pacemaker struct {
	clock util.Clock
	t0    time.Duration

	mu                sync.Mutex
	stop              chan struct{}
	lastCommittedView View
	armedView         View
	onTimeout         func(view View)
}

func NewPacemaker(clock util.Clock, t0 time.Duration, onTimeout func(view View)) *Pacemaker {
	return &Pacemaker{clock: clock, t0: t0, onTimeout: onTimeout}
}

func (p *Pacemaker) duration(v View) time.Duration {
	shift := int64(v) - int64(p.lastCommittedView)
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return p.t0 * time.Duration(int64(1)<<uint(shift))
}

// Start (re)arms the timer for view v, replacing any timer already running.
func (p *Pacemaker) Start(v View) {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
	}
	stop := make(chan struct{})
	p.stop = stop
	p.armedView = v
	d := p.duration(v)
	p.mu.Unlock()

	go func() {
		select {
		case <-p.clock.After(d):
			p.mu.Lock()
			fired := p.armedView
			current := p.stop == stop
			p.mu.Unlock()
			if current && p.onTimeout != nil {
				p.onTimeout(fired)
			}
		case <-stop:
		}
	}()
}

// Stop disarms the timer without firing it.
func (p *Pacemaker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

// NoteCommitted records that vLastCommitted made progress, resetting
// the exponential backoff base the next Start call will use.
func (p *Pacemaker) NoteCommitted(v View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastCommittedView = v
}
