package sched

import (
	"math/rand"
	"sync"

	"github.com/marionette-go/marionette/pkg/lcbn"
)

// fuzzTimer perturbs timer behavior to shake out order-dependent bugs: a
// ready timer is sometimes reported not-ready for a pass, ready batches are
// shuffled, and the recommended poll timeout is padded. Record mode only;
// it keeps no schedule; runs under it are explored, not reproduced. Record
// with cbtree once a failure is found.
type fuzzTimer struct {
	s *Scheduler

	mu  sync.Mutex
	rng *rand.Rand
	seq int

	delayPct int
	minDelay uint64 // ms added to timeout recommendations
	maxDelay uint64
}

func newFuzzTimer(s *Scheduler) *fuzzTimer {
	args := s.cfg.FuzzTimer
	pct := args.DelayPct
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	minMS := uint64(args.MinDelay.Milliseconds())
	maxMS := uint64(args.MaxDelay.Milliseconds())
	if maxMS < minMS {
		maxMS = minMS
	}
	return &fuzzTimer{
		s:        s,
		rng:      rand.New(rand.NewSource(s.cfg.Seed)),
		delayPct: pct,
		minDelay: minMS,
		maxDelay: maxMS,
	}
}

func (f *fuzzTimer) registerLCBN(*lcbn.Node)              {}
func (f *fuzzTimer) nextType() lcbn.CallbackType          { return lcbn.CBAny }
func (f *fuzzTimer) waitTurn(yieldContext, *BeforeExecCB) {}

func (f *fuzzTimer) beginCB(_ yieldContext, d *BeforeExecCB) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	d.Node.ExecID = f.seq
}

func (f *fuzzTimer) endCB(yieldContext, *AfterExecCB) {}

func (f *fuzzTimer) yield(_ yieldContext, d Detail) {
	defaultDecide(d)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d := d.(type) {
	case *TimerReady:
		if d.Ready && f.chance() {
			d.Ready = false // hold it a pass
		}
	case *TimerRun:
		f.shuffle(d.Timers)
		for i := range d.Timers.Thoughts {
			if f.chance() {
				d.Timers.Thoughts[i] = ThoughtDefer
			}
		}
	case *TimerNextTimeout:
		if f.chance() {
			d.WaitMS += f.delay()
		}
	}
}

func (f *fuzzTimer) chance() bool {
	return f.rng.Intn(100) < f.delayPct
}

func (f *fuzzTimer) delay() uint64 {
	if f.maxDelay == f.minDelay {
		return f.minDelay
	}
	return f.minDelay + uint64(f.rng.Int63n(int64(f.maxDelay-f.minDelay+1)))
}

// shuffle permutes the whole batch.
func (f *fuzzTimer) shuffle(b *Batch) {
	perm := Permutation(f.rng.Perm(b.Len()))
	if err := b.Apply(perm); err != nil {
		panic(err) // rng perm is always a bijection
	}
}

func (f *fuzzTimer) snapshot() []Entry { return nil }
func (f *fuzzTimer) remaining() int    { return -1 }
func (f *fuzzTimer) diverged() bool    { return false }
