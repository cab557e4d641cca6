package sched

import (
	"math/rand"
	"sync"
	"time"

	"github.com/marionette-go/marionette/pkg/lcbn"
)

// tpFreedom widens the thread-pool nondeterminism the OS scheduler would
// otherwise rarely produce: workers are held back until the work queue fills
// to the configured degrees of freedom (or a max delay passes), the work
// item is then picked at random within that window instead of FIFO, and
// ready I/O events are shuffled in degree-sized chunks with a chance of
// being deferred a pass. Record mode only.
type tpFreedom struct {
	s *Scheduler

	mu  sync.Mutex
	rng *rand.Rand
	seq int

	degrees  int
	maxDelay time.Duration
	deferPct int
}

func newTPFreedom(s *Scheduler) *tpFreedom {
	args := s.cfg.TPFreedom
	deg := args.DegreesOfFreedom
	if deg == 0 {
		deg = 1
	}
	pct := args.DeferPct
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return &tpFreedom{
		s:        s,
		rng:      rand.New(rand.NewSource(s.cfg.Seed)),
		degrees:  deg,
		maxDelay: args.MaxDelay,
		deferPct: pct,
	}
}

func (t *tpFreedom) registerLCBN(*lcbn.Node)              {}
func (t *tpFreedom) nextType() lcbn.CallbackType          { return lcbn.CBAny }
func (t *tpFreedom) waitTurn(yieldContext, *BeforeExecCB) {}

func (t *tpFreedom) beginCB(_ yieldContext, d *BeforeExecCB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	d.Node.ExecID = t.seq
}

func (t *tpFreedom) endCB(yieldContext, *AfterExecCB) {}

func (t *tpFreedom) yield(_ yieldContext, d Detail) {
	defaultDecide(d)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch d := d.(type) {
	case *WantsWork:
		// Hold the worker back until there is a window worth choosing from,
		// or we have waited long enough that no more work is coming.
		switch {
		case t.degrees > 0 && d.QueueLen >= t.degrees:
			d.Proceed = true
		case t.maxDelay <= time.Since(d.Since):
			d.Proceed = true
		default:
			d.Proceed = false
		}
	case *GettingWork:
		d.Index = t.rng.Intn(t.window(d.QueueLen))
	case *GettingDone:
		d.Index = t.rng.Intn(t.window(d.QueueLen))
	case *BeforeHandlingEvents:
		t.chunkShuffle(d.Events)
		for i := range d.Events.Thoughts {
			if t.rng.Intn(100) < t.deferPct {
				d.Events.Thoughts[i] = ThoughtDefer
			}
		}
	}
}

// window bounds random selection to the first degrees-of-freedom entries;
// -1 means the whole queue.
func (t *tpFreedom) window(queueLen int) int {
	if t.degrees < 0 || queueLen < t.degrees {
		return queueLen
	}
	return t.degrees
}

// chunkShuffle shuffles the batch in chunks of degrees-of-freedom so
// reordering stays within the window a real pool of that size could produce.
func (t *tpFreedom) chunkShuffle(b *Batch) {
	n := b.Len()
	chunk := t.degrees
	if chunk < 0 || chunk > n {
		chunk = n
	}
	if chunk < 2 {
		return
	}
	perm := IdentityPermutation(n)
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		t.rng.Shuffle(hi-lo, func(i, j int) {
			perm[lo+i], perm[lo+j] = perm[lo+j], perm[lo+i]
		})
	}
	if err := b.Apply(perm); err != nil {
		panic(err) // chunked shuffle of identity is always a bijection
	}
}

func (t *tpFreedom) snapshot() []Entry { return nil }
func (t *tpFreedom) remaining() int    { return -1 }
func (t *tpFreedom) diverged() bool    { return false }
