package sched

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionette-go/marionette/pkg/gid"
	"github.com/marionette-go/marionette/pkg/lcbn"
)

// newTestScheduler builds a scheduler writing into the test's temp dir and
// registers the calling goroutine as the looper.
func newTestScheduler(t *testing.T, kind Kind, mode Mode) *Scheduler {
	t.Helper()
	cfg := Config{
		Kind:         kind,
		Mode:         mode,
		SchedulePath: filepath.Join(t.TempDir(), "test.schedule"),
	}
	s, err := New(cfg)
	require.NoError(t, err)
	s.RegisterThread(RoleLooper)
	return s
}

func TestNewRejectsBadPairings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.schedule")
	_, err := New(Config{Kind: KindVanilla, Mode: ModeReplay, SchedulePath: path})
	assert.Error(t, err)
	_, err = New(Config{Kind: KindFuzzTimer, Mode: ModeReplay, SchedulePath: path})
	assert.Error(t, err)
	_, err = New(Config{Kind: KindTPFreedom, Mode: ModeReplay, SchedulePath: path})
	assert.Error(t, err)
}

func TestNewReplayRequiresReadableSchedule(t *testing.T) {
	_, err := New(Config{
		Kind:         KindCBTree,
		Mode:         ModeReplay,
		SchedulePath: filepath.Join(t.TempDir(), "missing.schedule"),
	})
	assert.Error(t, err)
}

func TestThreadYieldRejectsMalformedDetails(t *testing.T) {
	s := newTestScheduler(t, KindVanilla, ModeRecord)

	assert.Panics(t, func() { s.ThreadYield(PointTimerReady, nil) }, "nil detail")
	assert.Panics(t, func() { s.ThreadYield(PointTimerReady, &RunClosing{}) }, "point mismatch")
	assert.Panics(t, func() { s.ThreadYield(PointLooperGettingDone, &GettingDone{QueueLen: 0}) },
		"getting-done from an empty queue")
	assert.Panics(t, func() {
		n := s.RegisterLCBN(lcbn.CBTimer)
		s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBWork, Node: n})
	}, "detail type disagrees with node type")
}

func TestThreadYieldRejectsUnregisteredGoroutine(t *testing.T) {
	s := newTestScheduler(t, KindVanilla, ModeRecord)
	panicked := make(chan bool)
	go func() {
		defer func() { panicked <- recover() != nil }()
		s.ThreadYield(PointLooperBeforePoll, &BeforePoll{})
	}()
	assert.True(t, <-panicked)
}

func TestRegisterThreadRoleIsSticky(t *testing.T) {
	s := newTestScheduler(t, KindVanilla, ModeRecord)
	assert.NotPanics(t, func() { s.RegisterThread(RoleLooper) }, "same role is idempotent")
	assert.Panics(t, func() { s.RegisterThread(RoleWorker) }, "role change is a contract violation")
}

func TestExecLockBracketsCallback(t *testing.T) {
	s := newTestScheduler(t, KindVanilla, ModeRecord)
	g := gid.Get()

	n := s.RegisterLCBN(lcbn.CBTimer)
	assert.Equal(t, NoThread, s.CurrentCBThread())

	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBTimer, Node: n})
	assert.Equal(t, g, s.CurrentCBThread())

	// A registration made during the callback is parented under it.
	child := s.RegisterLCBN(lcbn.CBWork)
	assert.Equal(t, n.Name, child.ParentName)

	// Nested execution on the same goroutine must not self-deadlock.
	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBWork, Node: child})
	assert.Equal(t, g, s.CurrentCBThread())
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBWork, Node: child})
	assert.Equal(t, g, s.CurrentCBThread(), "outer callback still holds the lock")

	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: n})
	assert.Equal(t, NoThread, s.CurrentCBThread())
	assert.Equal(t, uint64(2), s.NExecuted())
}

func TestAfterExecWithoutLockPanics(t *testing.T) {
	s := newTestScheduler(t, KindVanilla, ModeRecord)
	n := s.RegisterLCBN(lcbn.CBTimer)
	assert.Panics(t, func() {
		s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: n})
	})
}

func TestVanillaDefaults(t *testing.T) {
	s := newTestScheduler(t, KindVanilla, ModeRecord)

	ready := &TimerReady{Timeout: 100, Now: 50}
	s.ThreadYield(PointTimerReady, ready)
	assert.False(t, ready.Ready)

	ready = &TimerReady{Timeout: 50, Now: 50}
	s.ThreadYield(PointTimerReady, ready)
	assert.True(t, ready.Ready)

	next := &TimerNextTimeout{Timeout: 100, Now: 30}
	s.ThreadYield(PointTimerNextTimeout, next)
	assert.Equal(t, uint64(70), next.WaitMS)

	batch := NewBatch([]any{1, 2, 3})
	batch.Thoughts[1] = ThoughtDefer
	s.ThreadYield(PointTimerRun, &TimerRun{Timers: batch})
	assert.Equal(t, []any{1, 2, 3}, batch.Items, "vanilla never reorders")
	assert.Equal(t, []Thought{ThoughtActNow, ThoughtActNow, ThoughtActNow}, batch.Thoughts)

	closing := &RunClosing{Defer: true}
	s.ThreadYield(PointLooperRunClosing, closing)
	assert.False(t, closing.Defer)

	assert.Equal(t, lcbn.CBAny, s.NextLCBNType())
	assert.Equal(t, -1, s.LCBNsRemaining())
	assert.False(t, s.HasDiverged())
}

func TestVanillaEmitsNothing(t *testing.T) {
	s := newTestScheduler(t, KindVanilla, ModeRecord)
	require.NoError(t, s.Emit())
	_, err := LoadSchedule(s.cfg.SchedulePath)
	assert.Error(t, err, "vanilla leaves no schedule behind")
}

func TestRecorderCapturesDecisions(t *testing.T) {
	s := newTestScheduler(t, KindCBTree, ModeRecord)

	n1 := s.RegisterLCBN(lcbn.CBTimer)
	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBTimer, Node: n1})
	n2 := s.RegisterLCBN(lcbn.CBWork) // child of n1
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: n1})

	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBWork, Node: n2})
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBWork, Node: n2})

	s.ThreadYield(PointLooperGettingDone, &GettingDone{QueueLen: 3})

	require.NoError(t, s.Emit())
	got, err := LoadSchedule(s.cfg.SchedulePath)
	require.NoError(t, err)

	assert.Equal(t, KindCBTree, got.Header.Kind)
	assert.Equal(t, ModeRecord, got.Header.Mode)

	exec := got.ExecEntries()
	require.Len(t, exec, 2)
	assert.Equal(t, 1, exec[0].Seq)
	assert.Equal(t, n1.Name, exec[0].Name)
	assert.Equal(t, 1, exec[0].NChildren, "final child count backfilled at end of callback")
	assert.Equal(t, 2, exec[1].Seq)
	assert.Equal(t, n1.Name, exec[1].Parent)

	var done []Entry
	for _, e := range got.Entries {
		if e.Point == PointLooperGettingDone {
			done = append(done, e)
		}
	}
	require.Len(t, done, 1)
	assert.Equal(t, 0, done[0].Index, "recorder keeps FIFO order")
}
