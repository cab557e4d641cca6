package sched

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marionette-go/marionette/internal/metrics"
	"github.com/marionette-go/marionette/pkg/lcbn"
)

// shadowNode is one callback-execution entry of the input schedule: the
// position in the recorded callback tree a live LCBN must match to take its
// turn.
type shadowNode struct {
	name      string
	parent    string
	cb        lcbn.CallbackType
	seq       int
	nchildren int
}

// replayer is the cbtree variant in replay mode. It forces execution to
// follow the input schedule: at every before-exec-cb yield the calling
// thread blocks until its LCBN is the next recorded entry; batch and index
// decisions are replayed verbatim.
//
// Session state machine: active -> diverged -> (record-like fallback). Once
// live behavior can no longer follow the schedule the replayer keeps the run
// alive by behaving like a recorder, so partially reproducible schedules
// still make forward progress. The output trace (emitted to a "-replay"
// file) annotates the entry at which divergence was declared.
type replayer struct {
	s *Scheduler

	mu   sync.Mutex
	cond *sync.Cond

	// Input schedule.
	desired      []shadowNode
	idx          int
	shadowByName map[string]*shadowNode
	shadowKids   map[string][]string // parent name -> executed child names, exec order
	queues       map[Point][]Entry   // consumable non-exec decisions

	// Live trace (what actually happened), for emit.
	seq       int
	entries   []Entry
	execEntry map[*lcbn.Node]int

	fallback bool // diverged; behave like a recorder from here on
	markNext bool // annotate the next appended entry as the divergence point

	waitLog *rate.Limiter
}

func newReplayer(s *Scheduler, in *Schedule) (*replayer, error) {
	if in.Header.Mode != ModeRecord {
		s.cfg.Logger.Warn().Stringer("mode", in.Header.Mode).Msg("replaying a schedule that was not a plain recording")
	}
	r := &replayer{
		s:            s,
		shadowByName: make(map[string]*shadowNode),
		shadowKids:   make(map[string][]string),
		queues:       make(map[Point][]Entry),
		entries:      make([]Entry, 0, len(in.Entries)),
		execEntry:    make(map[*lcbn.Node]int),
		waitLog:      rate.NewLimiter(rate.Every(time.Second), 1),
	}
	r.cond = sync.NewCond(&r.mu)

	for i, e := range in.Entries {
		switch e.Point {
		case PointBeforeExecCB:
			if !strings.HasPrefix(e.Name, lcbn.RootName) {
				return nil, fmt.Errorf("sched: schedule entry %d: name %q not rooted at %s", i, e.Name, lcbn.RootName)
			}
			if e.Parent != lcbn.RootName {
				if _, ok := r.shadowByName[e.Parent]; !ok {
					return nil, fmt.Errorf("sched: schedule entry %d: parent %q executes after child %q", i, e.Parent, e.Name)
				}
			}
			sn := &shadowNode{
				name:      e.Name,
				parent:    e.Parent,
				cb:        e.CB,
				seq:       e.Seq,
				nchildren: e.NChildren,
			}
			r.desired = append(r.desired, *sn)
			r.shadowByName[e.Name] = sn
			r.shadowKids[e.Parent] = append(r.shadowKids[e.Parent], e.Name)
		case PointTPGotWork, PointTPBeforePutDone, PointTimerReady, PointTimerNextTimeout:
			// Informational ground truth. Timer readiness and poll timeouts
			// are environmental inputs, not scheduling decisions: forcing the
			// recorded values would mask input changes (e.g. swapped timer
			// delays) that replay must surface as divergence instead.
		default:
			r.queues[e.Point] = append(r.queues[e.Point], e)
		}
	}
	if len(r.desired) == 0 {
		return nil, fmt.Errorf("sched: schedule has no callback-execution entries")
	}
	return r, nil
}

func (r *replayer) registerLCBN(n *lcbn.Node) {
	r.s.log.Trace().Str("lcbn", n.Name).Stringer("type", n.Type).Msg("lcbn registered")
}

func (r *replayer) nextType() lcbn.CallbackType {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback || r.idx >= len(r.desired) {
		return lcbn.CBAny
	}
	return r.desired[r.idx].cb
}

// waitTurn blocks the calling thread until its LCBN is the next unconsumed
// entry of the input schedule. If the turn cannot come within the divergence
// timeout (the recorded predecessor can never occur), it declares divergence
// instead of hanging; the caller then proceeds under fallback recording.
func (r *replayer) waitTurn(_ yieldContext, d *BeforeExecCB) {
	start := time.Now()
	deadline := start.Add(r.s.cfg.DivergenceTimeout)

	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		metrics.ReplayWait.Observe(time.Since(start).Seconds())
	}()

	for {
		if r.fallback {
			return
		}
		if r.idx >= len(r.desired) {
			r.declareDivergence("schedule exhausted with callbacks still pending")
			return
		}
		if r.desired[r.idx].name == d.Node.Name {
			return
		}
		now := time.Now()
		if !now.Before(deadline) {
			r.declareDivergence(fmt.Sprintf("timed out waiting for turn of %s (next scheduled: %s)",
				d.Node.Name, r.desired[r.idx].name))
			return
		}
		if r.waitLog.Allow() {
			r.s.log.Debug().
				Str("waiting", d.Node.Name).
				Str("next", r.desired[r.idx].name).
				Dur("waited", now.Sub(start)).
				Msg("waiting for replay turn")
		}
		// Wake at the deadline even if nobody advances the schedule.
		t := time.AfterFunc(deadline.Sub(now), r.cond.Broadcast)
		r.cond.Wait()
		t.Stop()
	}
}

func (r *replayer) beginCB(yc yieldContext, d *BeforeExecCB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.fallback {
		next := r.desired[r.idx]
		if next.name != d.Node.Name {
			// waitTurn granted the turn; anything else is a logic error in
			// the input schedule (e.g. a hand-edited reorder that broke the
			// tree structure).
			r.declareDivergence(fmt.Sprintf("executing %s but schedule expects %s", d.Node.Name, next.name))
		} else {
			r.idx++
		}
	}
	r.seq++
	d.Node.ExecID = r.seq
	r.appendEntry(Entry{
		Point:  PointBeforeExecCB,
		Seq:    r.seq,
		CB:     d.CB,
		Name:   d.Node.Name,
		Parent: d.Node.ParentName,
		Role:   yc.role.String(),
	})
	r.execEntry[d.Node] = len(r.entries) - 1
	r.cond.Broadcast()
}

// endCB performs the divergence check: the children the callback actually
// created must match the recorded child set of the corresponding shadow node
// in count, order and kind. Child names encode kind and sibling position, so
// name comparison covers all three.
func (r *replayer) endCB(_ yieldContext, d *AfterExecCB) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := d.Node.Children()
	if i, ok := r.execEntry[d.Node]; ok {
		r.entries[i].NChildren = len(live)
	}

	if !r.fallback {
		if sn, ok := r.shadowByName[d.Node.Name]; ok {
			if len(live) != sn.nchildren {
				r.declareDivergence(fmt.Sprintf("%s created %d children, schedule recorded %d",
					d.Node.Name, len(live), sn.nchildren))
			} else {
				liveNames := make(map[string]bool, len(live))
				for _, c := range live {
					liveNames[c.Name] = true
				}
				for _, want := range r.shadowKids[d.Node.Name] {
					if !liveNames[want] {
						r.declareDivergence(fmt.Sprintf("%s did not create recorded child %s", d.Node.Name, want))
						break
					}
				}
			}
		}
	}
	r.cond.Broadcast()
}

func (r *replayer) yield(_ yieldContext, d Detail) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fallback {
		defaultDecide(d)
		r.recordDecision(d)
		return
	}

	switch d := d.(type) {
	case *BeforeHandlingEvents:
		r.replayBatch(PointLooperBeforeHandlingEvents, d.Events)
		return
	case *TimerRun:
		r.replayBatch(PointTimerRun, d.Timers)
		return
	case *GettingWork:
		if e, ok := r.pop(PointTPGettingWork); ok && e.Index < d.QueueLen {
			d.Index = e.Index
		} else if ok {
			r.declareDivergence(fmt.Sprintf("recorded work index %d out of range for queue of %d", e.Index, d.QueueLen))
			defaultDecide(d)
		} else {
			defaultDecide(d)
		}
	case *GettingDone:
		if e, ok := r.pop(PointLooperGettingDone); ok && e.Index < d.QueueLen {
			d.Index = e.Index
		} else if ok {
			r.declareDivergence(fmt.Sprintf("recorded done index %d out of range for queue of %d", e.Index, d.QueueLen))
			defaultDecide(d)
		} else {
			defaultDecide(d)
		}
	case *RunClosing:
		if e, ok := r.pop(PointLooperRunClosing); ok {
			d.Defer = e.Deferred
		} else {
			defaultDecide(d)
		}
	default:
		defaultDecide(d)
	}
	r.recordDecision(d)
}

// replayBatch applies the recorded permutation and act/defer flags verbatim,
// then records the permutation it actually applied so the emitted trace can
// reproduce this run. A batch-size mismatch is itself divergence; a diverged
// batch keeps the live order, which the emitted entry describes as identity.
func (r *replayer) replayBatch(p Point, b *Batch) {
	applied := IdentityPermutation(b.Len())
	switch e, ok := r.pop(p); {
	case !ok:
		r.declareDivergence(fmt.Sprintf("no recorded %s decision left for a batch of %d", p, b.Len()))
		b.ActAll()
	case len(e.Perm) != b.Len():
		r.declareDivergence(fmt.Sprintf("recorded %s batch had %d items, live batch has %d", p, len(e.Perm), b.Len()))
		b.ActAll()
	default:
		if err := b.Apply(e.Perm); err != nil {
			r.declareDivergence(fmt.Sprintf("recorded %s permutation invalid: %v", p, err))
			b.ActAll()
			break
		}
		copy(b.Thoughts, e.Acts)
		applied = append(Permutation(nil), e.Perm...)
	}
	r.appendEntry(Entry{
		Point: p,
		Perm:  applied,
		Acts:  append([]Thought(nil), b.Thoughts...),
	})
}

func (r *replayer) pop(p Point) (Entry, bool) {
	q := r.queues[p]
	if len(q) == 0 {
		return Entry{}, false
	}
	r.queues[p] = q[1:]
	return q[0], true
}

// recordDecision mirrors the recorder's bookkeeping so the emitted replay
// trace is a complete schedule in its own right.
func (r *replayer) recordDecision(d Detail) {
	switch d := d.(type) {
	case *BeforeHandlingEvents:
		r.appendEntry(Entry{
			Point: PointLooperBeforeHandlingEvents,
			Perm:  IdentityPermutation(d.Events.Len()),
			Acts:  append([]Thought(nil), d.Events.Thoughts...),
		})
	case *TimerRun:
		r.appendEntry(Entry{
			Point: PointTimerRun,
			Perm:  IdentityPermutation(d.Timers.Len()),
			Acts:  append([]Thought(nil), d.Timers.Thoughts...),
		})
	case *TimerReady:
		r.appendEntry(Entry{Point: PointTimerReady, Ready: d.Ready})
	case *TimerNextTimeout:
		r.appendEntry(Entry{Point: PointTimerNextTimeout, WaitMS: d.WaitMS})
	case *GettingWork:
		r.appendEntry(Entry{Point: PointTPGettingWork, Index: d.Index})
	case *GettingDone:
		r.appendEntry(Entry{Point: PointLooperGettingDone, Index: d.Index})
	case *RunClosing:
		r.appendEntry(Entry{Point: PointLooperRunClosing, Deferred: d.Defer})
	case *GotWork:
		r.appendEntry(Entry{Point: PointTPGotWork, Index: d.Index})
	case *BeforePutDone:
		r.appendEntry(Entry{Point: PointTPBeforePutDone, Index: d.Index})
	}
}

// appendEntry assumes r.mu is held.
func (r *replayer) appendEntry(e Entry) {
	if r.markNext {
		e.Diverged = true
		r.markNext = false
	}
	r.entries = append(r.entries, e)
}

// declareDivergence flips the session into record-like fallback so the run
// keeps making progress. Divergence is a state, not an error; callers
// observe it through HasDiverged. Assumes r.mu is held.
func (r *replayer) declareDivergence(reason string) {
	if r.fallback {
		return
	}
	r.fallback = true
	r.markNext = true
	metrics.Divergences.Inc()
	r.s.log.Warn().
		Int("executed", r.seq).
		Int("schedule_remaining", len(r.desired)-r.idx).
		Str("reason", reason).
		Msg("replay diverged; falling back to recording")
	r.cond.Broadcast()
}

func (r *replayer) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *replayer) remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.desired) - r.idx
}

func (r *replayer) diverged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fallback
}
