package sched

import (
	"sync"

	"github.com/marionette-go/marionette/pkg/lcbn"
)

// recorder is the cbtree variant in record mode. It observes: decisions are
// the defaults (identity permutations, FIFO indices), so program behavior is
// minimally perturbed, and every decision is appended to the schedule as
// ground truth for later replay.
//
// State machine: collecting until Emit snapshots, which may happen mid-run
// (signal-driven dump) or at shutdown.
type recorder struct {
	s *Scheduler

	mu      sync.Mutex
	seq     int
	entries []Entry
	// execEntry finds a node's exec entry so endCB can fill in the final
	// child count once the callback body has run.
	execEntry map[*lcbn.Node]int
}

func newRecorder(s *Scheduler) *recorder {
	return &recorder{
		s:         s,
		entries:   make([]Entry, 0, 256),
		execEntry: make(map[*lcbn.Node]int),
	}
}

func (r *recorder) registerLCBN(n *lcbn.Node) {
	r.s.log.Trace().Str("lcbn", n.Name).Stringer("type", n.Type).Msg("lcbn registered")
}

func (r *recorder) nextType() lcbn.CallbackType { return lcbn.CBAny }

func (r *recorder) waitTurn(yieldContext, *BeforeExecCB) {}

func (r *recorder) beginCB(yc yieldContext, d *BeforeExecCB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	d.Node.ExecID = r.seq
	r.entries = append(r.entries, Entry{
		Point:  PointBeforeExecCB,
		Seq:    r.seq,
		CB:     d.CB,
		Name:   d.Node.Name,
		Parent: d.Node.ParentName,
		Role:   yc.role.String(),
	})
	r.execEntry[d.Node] = len(r.entries) - 1
}

func (r *recorder) endCB(_ yieldContext, d *AfterExecCB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.execEntry[d.Node]; ok {
		r.entries[i].NChildren = len(d.Node.Children())
	}
}

func (r *recorder) yield(_ yieldContext, d Detail) {
	defaultDecide(d)
	r.mu.Lock()
	defer r.mu.Unlock()
	switch d := d.(type) {
	case *BeforeHandlingEvents:
		r.entries = append(r.entries, Entry{
			Point: PointLooperBeforeHandlingEvents,
			Perm:  IdentityPermutation(d.Events.Len()),
			Acts:  append([]Thought(nil), d.Events.Thoughts...),
		})
	case *TimerRun:
		r.entries = append(r.entries, Entry{
			Point: PointTimerRun,
			Perm:  IdentityPermutation(d.Timers.Len()),
			Acts:  append([]Thought(nil), d.Timers.Thoughts...),
		})
	case *TimerReady:
		r.entries = append(r.entries, Entry{Point: PointTimerReady, Ready: d.Ready})
	case *TimerNextTimeout:
		r.entries = append(r.entries, Entry{Point: PointTimerNextTimeout, WaitMS: d.WaitMS})
	case *GettingWork:
		r.entries = append(r.entries, Entry{Point: PointTPGettingWork, Index: d.Index})
	case *GettingDone:
		r.entries = append(r.entries, Entry{Point: PointLooperGettingDone, Index: d.Index})
	case *RunClosing:
		r.entries = append(r.entries, Entry{Point: PointLooperRunClosing, Deferred: d.Defer})
	case *GotWork:
		r.entries = append(r.entries, Entry{Point: PointTPGotWork, Index: d.Index})
	case *BeforePutDone:
		r.entries = append(r.entries, Entry{Point: PointTPBeforePutDone, Index: d.Index})
	}
}

// snapshot copies the entries under the lock and hands the copy to the
// serializer, so the dump path never writes while holding scheduler state.
func (r *recorder) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *recorder) remaining() int { return -1 }
func (r *recorder) diverged() bool { return false }
