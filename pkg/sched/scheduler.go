package sched

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marionette-go/marionette/internal/metrics"
	"github.com/marionette-go/marionette/pkg/gid"
	"github.com/marionette-go/marionette/pkg/lcbn"
)

// yieldContext identifies the yielding thread to an implementation.
type yieldContext struct {
	goroutine uint64
	role      Role
}

// implementation is the closed capability interface every scheduler variant
// provides. The variant is chosen once at New and held for the session.
//
// The exec-CB bracketing is split in three so the core can interleave its
// execution lock correctly: waitTurn may block and runs before the lock is
// taken (a replayer must not hold the lock while waiting for another thread's
// turn); beginCB and endCB run with the lock held.
type implementation interface {
	registerLCBN(n *lcbn.Node)
	nextType() lcbn.CallbackType
	waitTurn(yc yieldContext, d *BeforeExecCB)
	beginCB(yc yieldContext, d *BeforeExecCB)
	endCB(yc yieldContext, d *AfterExecCB)
	yield(yc yieldContext, d Detail)
	// snapshot returns the entries to persist, or nil if this variant has
	// nothing to emit.
	snapshot() []Entry
	remaining() int
	diverged() bool
}

// Scheduler is the dispatch layer every runtime thread calls into. One
// Scheduler exists per record/replay session; construct it with New and pass
// it to the looper and workers.
type Scheduler struct {
	cfg     Config
	log     zerolog.Logger
	session string

	impl     implementation
	registry *lcbn.Registry
	threads  *threadRegistry

	// Callback-execution lock: at most one callback body runs at any
	// instant. Holder and depth let the exit path unwind nested callbacks on
	// the same goroutine without self-deadlock.
	execMu sync.Mutex
	holder atomic.Uint64
	depth  int

	nExecuted atomic.Uint64
}

// New selects and initialises the scheduler variant for the session. It must
// be called exactly once before any other entry point. The schedule file is
// created (record) or loaded (replay) here, so a bad path fails fast.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "sched").Logger(),
		session:  uuid.NewString(),
		registry: lcbn.NewRegistry(),
		threads:  newThreadRegistry(),
	}

	switch {
	case cfg.Kind == KindCBTree && cfg.Mode == ModeReplay:
		in, err := LoadSchedule(cfg.SchedulePath)
		if err != nil {
			return nil, err
		}
		impl, err := newReplayer(s, in)
		if err != nil {
			return nil, err
		}
		s.impl = impl
	case cfg.Kind == KindCBTree:
		if err := verifyWritable(cfg.SchedulePath); err != nil {
			return nil, err
		}
		s.impl = newRecorder(s)
	case cfg.Kind == KindVanilla:
		s.impl = &vanilla{}
	case cfg.Kind == KindFuzzTimer:
		s.impl = newFuzzTimer(s)
	case cfg.Kind == KindTPFreedom:
		s.impl = newTPFreedom(s)
	}

	s.log.Info().
		Stringer("kind", cfg.Kind).
		Stringer("mode", cfg.Mode).
		Str("schedule", cfg.SchedulePath).
		Str("session", s.session).
		Msg("scheduler initialised")
	return s, nil
}

// verifyWritable confirms the schedule file can be created before the run
// starts, the same early check the recorder's emit depends on.
func verifyWritable(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sched: schedule file not writable: %w", err)
	}
	return f.Close()
}

// RegisterThread binds the calling goroutine to a role. Each runtime thread
// calls this while initialising; a role never changes afterwards.
func (s *Scheduler) RegisterThread(role Role) {
	s.threads.register(gid.Get(), role)
}

// RegisterLCBN creates a node for a callback that is about to become
// eligible to run. The node is parented under whatever node the calling
// goroutine is currently executing, which keeps parent/child edges
// deterministic across record and replay.
func (s *Scheduler) RegisterLCBN(typ lcbn.CallbackType) *lcbn.Node {
	g := gid.Get()
	if _, ok := s.threads.roleOf(g); !ok {
		panic(fmt.Sprintf("sched: RegisterLCBN from unregistered goroutine %d", g))
	}
	n := s.registry.Register(typ, g)
	s.impl.registerLCBN(n)
	return n
}

// Registry exposes the LCBN registry for introspection (never for edge
// mutation; edges are immutable once set).
func (s *Scheduler) Registry() *lcbn.Registry { return s.registry }

// ThreadYield is the central entry point. Threads call it at every schedule
// point; the scheduler observes or decides via the Detail.
//
// For PointBeforeExecCB the call returns with the callback-execution lock
// held; the caller runs the callback body and then yields PointAfterExecCB,
// which releases it.
func (s *Scheduler) ThreadYield(point Point, d Detail) {
	g := gid.Get()
	role, ok := s.threads.roleOf(g)
	if !ok {
		panic(fmt.Sprintf("sched: ThreadYield(%s) from unregistered goroutine %d", point, g))
	}
	if d == nil || d.DetailPoint() != point || !d.Valid() {
		panic(fmt.Sprintf("sched: malformed detail for %s", point))
	}
	metrics.Yields.WithLabelValues(point.String()).Inc()
	yc := yieldContext{goroutine: g, role: role}

	switch point {
	case PointBeforeExecCB:
		before := d.(*BeforeExecCB)
		s.impl.waitTurn(yc, before)
		s.lockExec(g)
		s.impl.beginCB(yc, before)
		s.registry.PushCurrent(g, before.Node)
		before.Node.MarkBegin(before.Node.ExecID, role.String(), g)
	case PointAfterExecCB:
		after := d.(*AfterExecCB)
		if s.holder.Load() != g {
			panic(fmt.Sprintf("sched: after-exec-cb from goroutine %d which does not hold the execution lock", g))
		}
		after.Node.MarkEnd()
		s.registry.PopCurrent(g)
		s.impl.endCB(yc, after)
		s.nExecuted.Add(1)
		metrics.CallbacksExecuted.Inc()
		s.unlockExec(g)
	default:
		s.impl.yield(yc, d)
	}
}

func (s *Scheduler) lockExec(g uint64) {
	if s.holder.Load() == g {
		s.depth++ // nested callback on the same goroutine
		return
	}
	s.execMu.Lock()
	s.holder.Store(g)
	s.depth = 1
}

func (s *Scheduler) unlockExec(g uint64) {
	s.depth--
	if s.depth > 0 {
		return
	}
	s.holder.Store(NoThread)
	s.execMu.Unlock()
}

// CurrentCBThread returns the goroutine currently executing a callback, or
// NoThread. Shutdown paths use it to let in-flight callbacks unwind:
//
//	for sched.CurrentCBThread() == gid.Get() {
//	    s.ThreadYield(sched.PointAfterExecCB, ...)
//	}
func (s *Scheduler) CurrentCBThread() uint64 { return s.holder.Load() }

// NextLCBNType returns the callback type of the next scheduled LCBN, or
// lcbn.CBAny when the scheduler has no opinion (record mode, diverged or
// exhausted replay). Loop drivers use it to decide whether to re-enter a
// phase instead of moving on.
func (s *Scheduler) NextLCBNType() lcbn.CallbackType { return s.impl.nextType() }

// Emit serializes the schedule to disk: the recording in record mode, the
// annotated replay trace (to a "-replay" suffixed file) in replay mode.
// Entries are snapshotted before any I/O, so Emit is safe to call from a
// signal-notify goroutine while the run is still in flight.
func (s *Scheduler) Emit() error {
	entries := s.impl.snapshot()
	if entries == nil {
		s.log.Info().Msg("scheduler kind records nothing; emit skipped")
		return nil
	}
	path := s.cfg.SchedulePath
	if s.cfg.Mode == ModeReplay {
		path = ReplayOutputPath(path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sched: emit: %w", err)
	}
	defer f.Close()
	if err := WriteSchedule(f, newHeader(s.session, s.cfg.Kind, s.cfg.Mode), entries); err != nil {
		return err
	}
	s.log.Info().Str("path", path).Int("entries", len(entries)).Msg("schedule emitted")
	return nil
}

// LCBNsRemaining reports how many input-schedule LCBNs have not executed
// yet; -1 when the variant has no input schedule.
func (s *Scheduler) LCBNsRemaining() int { return s.impl.remaining() }

// NExecuted reports how many callback bodies have completed, measured by
// after-exec-cb yields.
func (s *Scheduler) NExecuted() uint64 { return s.nExecuted.Load() }

// HasDiverged reports whether a replay stopped following its input schedule.
func (s *Scheduler) HasDiverged() bool { return s.impl.diverged() }

// Mode returns the scheduler's current mode. A diverged replay behaves like
// a recorder but keeps reporting ModeReplay with HasDiverged true.
func (s *Scheduler) Mode() Mode { return s.cfg.Mode }

// Kind returns the variant chosen at New.
func (s *Scheduler) Kind() Kind { return s.cfg.Kind }
