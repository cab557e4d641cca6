// Package sim is a miniature stand-in for the async runtime the scheduler
// serves: one looper goroutine driving virtual-clock timers, a poll phase
// and a closing phase, plus a fixed pool of worker goroutines moving work
// items from a work queue to a done queue. It calls every schedule point at
// the documented location, in the documented before/after pairing.
//
// The simulation is deterministic under replay for a single worker. With
// more workers the done-queue arrival order is up to the OS scheduler, which
// is precisely the nondeterminism the recording variants exist to explore.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marionette-go/marionette/pkg/gid"
	"github.com/marionette-go/marionette/pkg/lcbn"
	"github.com/marionette-go/marionette/pkg/sched"
)

// Config shapes one simulated session.
type Config struct {
	// Timers are one-shot delays on the virtual clock, registered at start.
	Timers []time.Duration
	// WorkItems submitted to the pool at start.
	WorkItems int
	// Workers in the pool. At least 1 when WorkItems > 0 or ChainWork.
	Workers int
	// NotifyDone runs an after-work callback on the looper for every
	// completed work item.
	NotifyDone bool
	// ChainWork makes the first timer callback submit one extra work item,
	// so the callback tree gains a timer -> work edge.
	ChainWork bool
	// OnCallback, if set, runs inside every callback body. Tests use it to
	// observe execution.
	OnCallback func(n *lcbn.Node)

	Logger zerolog.Logger
}

// Stats summarises a completed run.
type Stats struct {
	TimersFired int
	WorkRetired int
	LoopTurns   int
}

type timer struct {
	node    *lcbn.Node
	timeout uint64 // virtual ms
	fired   bool
}

type workItem struct {
	node      *lcbn.Node
	afterNode *lcbn.Node
	done      bool
}

// Sim drives one session against a scheduler.
type Sim struct {
	cfg   Config
	sched *sched.Scheduler
	log   zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond // guards/wakes on workQ and doneQ changes
	now      uint64     // virtual loop time, ms
	timers   []*timer
	workQ    []*workItem
	doneQ    []*workItem
	inFlight int // work items taken but not yet in doneQ
	closed   bool

	stats Stats
}

// New wires a simulation to a scheduler.
func New(s *sched.Scheduler, cfg Config) (*Sim, error) {
	if cfg.Workers < 1 && (cfg.WorkItems > 0 || cfg.ChainWork) {
		return nil, fmt.Errorf("sim: work configured but no workers")
	}
	sim := &Sim{cfg: cfg, sched: s, log: cfg.Logger}
	sim.cond = sync.NewCond(&sim.mu)
	return sim, nil
}

// Run executes the session on the calling goroutine (which becomes the
// looper) and returns once all timers fired, all work retired and the
// closing phase completed.
func (s *Sim) Run() (Stats, error) {
	s.sched.RegisterThread(sched.RoleLooper)
	s.log.Debug().
		Int("timers", len(s.cfg.Timers)).
		Int("work", s.cfg.WorkItems).
		Int("workers", s.cfg.Workers).
		Msg("simulation starting")

	// Root-level registrations: everything created outside a callback hangs
	// off the initial stack.
	for _, d := range s.cfg.Timers {
		s.timers = append(s.timers, &timer{
			node:    s.sched.RegisterLCBN(lcbn.CBTimer),
			timeout: uint64(d.Milliseconds()),
		})
	}
	for i := 0; i < s.cfg.WorkItems; i++ {
		s.submitWork()
	}

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		id := gid.Gen()
		wg.Add(1)
		go func() {
			defer wg.Done()
			gid.Assign(id)
			defer gid.Delete()
			s.worker()
		}()
	}

	for {
		s.runTimers()
		s.poll()
		if s.quiescent() {
			if s.runClosing() {
				break
			}
		}
		s.stats.LoopTurns++
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	wg.Wait()

	s.log.Debug().
		Int("timers_fired", s.stats.TimersFired).
		Int("work_retired", s.stats.WorkRetired).
		Int("loop_turns", s.stats.LoopTurns).
		Msg("simulation finished")
	return s.stats, nil
}

// submitWork registers a work item (parented under whatever callback is
// executing on the calling goroutine) and queues it for the pool.
func (s *Sim) submitWork() {
	item := &workItem{node: s.sched.RegisterLCBN(lcbn.CBWork)}
	s.mu.Lock()
	s.workQ = append(s.workQ, item)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// runTimers is the looper's timer phase: ask per-timer readiness, present
// the ready set as one shuffleable batch, execute what the scheduler says
// to act on now.
func (s *Sim) runTimers() {
	s.mu.Lock()
	now := s.now
	var pending []*timer
	for _, t := range s.timers {
		if !t.fired {
			pending = append(pending, t)
		}
	}
	s.mu.Unlock()

	var ready []*timer
	for _, t := range pending {
		d := &sched.TimerReady{Timeout: t.timeout, Now: now}
		s.sched.ThreadYield(sched.PointTimerReady, d)
		if d.Ready {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return
	}

	items := make([]any, len(ready))
	for i, t := range ready {
		items[i] = t
	}
	batch := sched.NewBatch(items)
	s.sched.ThreadYield(sched.PointTimerRun, &sched.TimerRun{Timers: batch})

	for i, it := range batch.Items {
		if batch.Thoughts[i] != sched.ThoughtActNow {
			continue // deferred to a later pass
		}
		t := it.(*timer)
		s.execCallback(t.node, func() {
			if s.cfg.ChainWork && s.stats.TimersFired == 0 {
				s.submitWork()
			}
			t.fired = true
			s.stats.TimersFired++
		})
	}
}

// poll is the looper's poll phase. The virtual clock only advances here, by
// however long the scheduler recommends waiting for the next timer. Done
// work items stand in for ready I/O events.
func (s *Sim) poll() {
	s.sched.ThreadYield(sched.PointLooperBeforePoll, &sched.BeforePoll{})

	s.mu.Lock()
	next, haveTimer := s.nextTimeoutLocked()
	outstanding := len(s.workQ) + s.inFlight
	s.mu.Unlock()

	if haveTimer {
		d := &sched.TimerNextTimeout{Timeout: next, Now: s.now}
		s.sched.ThreadYield(sched.PointTimerNextTimeout, d)
		if outstanding == 0 || d.WaitMS == 0 {
			s.mu.Lock()
			s.now += d.WaitMS
			s.mu.Unlock()
		}
	}

	if outstanding > 0 {
		// The real runtime would block in poll until the pool's done
		// notification arrives; do the same.
		s.mu.Lock()
		for len(s.doneQ) == 0 && !s.closed {
			s.cond.Wait()
		}
		s.mu.Unlock()
	}

	s.sched.ThreadYield(sched.PointLooperAfterPoll, &sched.AfterPoll{})
	s.handleDone()
}

// handleDone drains the done queue: present completions as one shuffleable
// event batch, then take items one at a time at scheduler-chosen positions.
func (s *Sim) handleDone() {
	s.mu.Lock()
	events := make([]any, len(s.doneQ))
	for i, it := range s.doneQ {
		events[i] = it
	}
	s.mu.Unlock()
	if len(events) == 0 {
		return
	}

	batch := sched.NewBatch(events)
	s.sched.ThreadYield(sched.PointLooperBeforeHandlingEvents, &sched.BeforeHandlingEvents{Events: batch})

	for i := range batch.Items {
		if batch.Thoughts[i] != sched.ThoughtActNow {
			continue
		}
		s.mu.Lock()
		qlen := len(s.doneQ)
		s.mu.Unlock()
		if qlen == 0 {
			return
		}
		d := &sched.GettingDone{QueueLen: qlen}
		s.sched.ThreadYield(sched.PointLooperGettingDone, d)

		s.mu.Lock()
		idx := d.Index
		if idx >= len(s.doneQ) {
			idx = 0
		}
		item := s.doneQ[idx]
		s.doneQ = append(s.doneQ[:idx], s.doneQ[idx+1:]...)
		s.mu.Unlock()

		if s.cfg.NotifyDone && item.afterNode != nil {
			s.execCallback(item.afterNode, func() {})
		}
		s.stats.WorkRetired++
	}
}

// runClosing asks whether to finish the closing phase now or defer it a
// turn. Returns true when the loop should stop.
func (s *Sim) runClosing() bool {
	d := &sched.RunClosing{}
	s.sched.ThreadYield(sched.PointLooperRunClosing, d)
	return !d.Defer
}

// quiescent reports whether all timers fired and all work retired.
func (s *Sim) quiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		if !t.fired {
			return false
		}
	}
	return len(s.workQ) == 0 && s.inFlight == 0 && len(s.doneQ) == 0
}

// nextTimeoutLocked returns the earliest pending timer timeout.
func (s *Sim) nextTimeoutLocked() (uint64, bool) {
	var next uint64
	have := false
	for _, t := range s.timers {
		if t.fired {
			continue
		}
		if !have || t.timeout < next {
			next = t.timeout
			have = true
		}
	}
	return next, have
}

// worker is one pool thread: take work, execute it, move it to done.
func (s *Sim) worker() {
	s.sched.RegisterThread(sched.RoleWorker)
	for {
		item, idx := s.takeWork()
		if item == nil {
			return
		}
		s.sched.ThreadYield(sched.PointTPGotWork, &sched.GotWork{Item: item, Index: idx})

		s.execCallback(item.node, func() {
			if s.cfg.NotifyDone {
				item.afterNode = s.sched.RegisterLCBN(lcbn.CBAfterWork)
			}
			item.done = true
		})

		s.mu.Lock()
		doneIdx := len(s.doneQ)
		s.mu.Unlock()
		s.sched.ThreadYield(sched.PointTPBeforePutDone, &sched.BeforePutDone{Item: item, Index: doneIdx})
		s.mu.Lock()
		s.doneQ = append(s.doneQ, item)
		s.inFlight--
		s.mu.Unlock()
		s.cond.Broadcast()
		s.sched.ThreadYield(sched.PointTPAfterPutDone, &sched.AfterPutDone{Item: item, Index: doneIdx})
	}
}

// takeWork blocks until work is available, then runs the wants-work /
// getting-work protocol against a non-empty queue.
func (s *Sim) takeWork() (*workItem, int) {
	for {
		s.mu.Lock()
		for len(s.workQ) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.workQ) == 0 && s.closed {
			s.mu.Unlock()
			return nil, 0
		}
		qlen := len(s.workQ)
		s.mu.Unlock()

		want := &sched.WantsWork{Since: time.Now(), QueueLen: qlen}
		s.sched.ThreadYield(sched.PointTPWantsWork, want)
		if !want.Proceed {
			time.Sleep(100 * time.Microsecond)
			continue
		}

		get := &sched.GettingWork{QueueLen: qlen}
		s.sched.ThreadYield(sched.PointTPGettingWork, get)

		s.mu.Lock()
		if len(s.workQ) == 0 {
			s.mu.Unlock()
			continue // lost a race with another worker
		}
		idx := get.Index
		if idx >= len(s.workQ) {
			idx = 0
		}
		item := s.workQ[idx]
		s.workQ = append(s.workQ[:idx], s.workQ[idx+1:]...)
		s.inFlight++
		s.mu.Unlock()
		return item, idx
	}
}

// execCallback runs one callback body inside the scheduler's exec-CB
// bracketing: yield before, run while the execution lock is held, yield
// after.
func (s *Sim) execCallback(n *lcbn.Node, body func()) {
	s.sched.ThreadYield(sched.PointBeforeExecCB, &sched.BeforeExecCB{CB: n.Type, Node: n})
	if s.cfg.OnCallback != nil {
		s.cfg.OnCallback(n)
	}
	body()
	s.sched.ThreadYield(sched.PointAfterExecCB, &sched.AfterExecCB{CB: n.Type, Node: n})
}
