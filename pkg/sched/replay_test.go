package sched

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionette-go/marionette/pkg/lcbn"
)

// writeTestSchedule persists a hand-built recording for a replay test.
func writeTestSchedule(t *testing.T, entries []Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.schedule")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	hdr := Header{
		Version: FormatVersion,
		Session: "test",
		Kind:    KindCBTree,
		Mode:    ModeRecord,
		Created: time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, WriteSchedule(f, hdr, entries))
	return path
}

func execEntry(seq int, cb lcbn.CallbackType, name, parent string, nchildren int) Entry {
	return Entry{
		Point: PointBeforeExecCB, Seq: seq, CB: cb,
		Name: name, Parent: parent, Role: "looper", NChildren: nchildren,
	}
}

func newReplayScheduler(t *testing.T, entries []Entry, timeout time.Duration) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Kind:              KindCBTree,
		Mode:              ModeReplay,
		SchedulePath:      writeTestSchedule(t, entries),
		DivergenceTimeout: timeout,
	})
	require.NoError(t, err)
	s.RegisterThread(RoleLooper)
	return s
}

func TestReplayFollowsSchedule(t *testing.T) {
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
	}, 0)

	assert.Equal(t, lcbn.CBTimer, s.NextLCBNType())
	assert.Equal(t, 1, s.LCBNsRemaining())

	n := s.RegisterLCBN(lcbn.CBTimer)
	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBTimer, Node: n})
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: n})

	assert.False(t, s.HasDiverged())
	assert.Equal(t, 0, s.LCBNsRemaining())
	assert.Equal(t, lcbn.CBAny, s.NextLCBNType())

	// The replay trace lands next to the input, never over it.
	require.NoError(t, s.Emit())
	out, err := LoadSchedule(ReplayOutputPath(s.cfg.SchedulePath))
	require.NoError(t, err)
	assert.Equal(t, ModeReplay, out.Header.Mode)
	exec := out.ExecEntries()
	require.Len(t, exec, 1)
	assert.Equal(t, n.Name, exec[0].Name)
	assert.False(t, exec[0].Diverged)
}

func TestReplayBlocksUntilTurn(t *testing.T) {
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
		execEntry(2, lcbn.CBWork, "initial-stack/work.0", "initial-stack", 0),
	}, 0)

	timerNode := s.RegisterLCBN(lcbn.CBTimer)
	workNode := s.RegisterLCBN(lcbn.CBWork)

	var workStarted atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RegisterThread(RoleWorker)
		s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBWork, Node: workNode})
		workStarted.Store(true)
		s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBWork, Node: workNode})
	}()

	// The work callback is second in the schedule; it must not start while
	// the timer callback has not run.
	time.Sleep(30 * time.Millisecond)
	assert.False(t, workStarted.Load())

	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBTimer, Node: timerNode})
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: timerNode})

	<-done
	assert.True(t, workStarted.Load())
	assert.False(t, s.HasDiverged())
	assert.Equal(t, 0, s.LCBNsRemaining())
}

func TestReplayTimeoutDeclaresDivergence(t *testing.T) {
	// The schedule wants a work callback that will never exist; the timer
	// must eventually run anyway instead of hanging forever.
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBWork, "initial-stack/work.0", "initial-stack", 0),
		execEntry(2, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
	}, 50*time.Millisecond)

	n := s.RegisterLCBN(lcbn.CBTimer)
	start := time.Now()
	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBTimer, Node: n})
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: n})

	assert.True(t, s.HasDiverged())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, uint64(1), s.NExecuted())

	require.NoError(t, s.Emit())
	out, err := LoadSchedule(ReplayOutputPath(s.cfg.SchedulePath))
	require.NoError(t, err)
	exec := out.ExecEntries()
	require.Len(t, exec, 1)
	assert.True(t, exec[0].Diverged, "the entry where replay stopped following is annotated")
}

func TestReplayChildMismatchDeclaresDivergence(t *testing.T) {
	// Recorded timer.0 spawned a work child; the live one spawns nothing.
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 1),
		execEntry(2, lcbn.CBWork, "initial-stack/timer.0/work.0", "initial-stack/timer.0", 0),
	}, 50*time.Millisecond)

	n := s.RegisterLCBN(lcbn.CBTimer)
	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBTimer, Node: n})
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: n})

	assert.True(t, s.HasDiverged())
}

func TestReplayExhaustionDeclaresDivergence(t *testing.T) {
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
	}, 50*time.Millisecond)

	a := s.RegisterLCBN(lcbn.CBTimer)
	b := s.RegisterLCBN(lcbn.CBTimer)

	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBTimer, Node: a})
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: a})
	assert.False(t, s.HasDiverged())

	// One more callback than the schedule knows about.
	s.ThreadYield(PointBeforeExecCB, &BeforeExecCB{CB: lcbn.CBTimer, Node: b})
	s.ThreadYield(PointAfterExecCB, &AfterExecCB{CB: lcbn.CBTimer, Node: b})
	assert.True(t, s.HasDiverged())
	assert.Equal(t, uint64(2), s.NExecuted(), "fallback keeps the run alive")
}

func TestReplayBatchDecisions(t *testing.T) {
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
		{Point: PointTimerRun, Perm: Permutation{1, 0}, Acts: []Thought{ThoughtActNow, ThoughtDefer}},
	}, 50*time.Millisecond)

	batch := NewBatch([]any{"a", "b"})
	s.ThreadYield(PointTimerRun, &TimerRun{Timers: batch})

	assert.Equal(t, []any{"b", "a"}, batch.Items)
	assert.Equal(t, []Thought{ThoughtActNow, ThoughtDefer}, batch.Thoughts)
	assert.False(t, s.HasDiverged())
}

func TestReplayTraceRecordsAppliedPermutation(t *testing.T) {
	// Schedules may be hand-mutated before replay; the emitted trace must
	// carry the permutation actually applied to the live batch, not the
	// identity, or it cannot reproduce this run.
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
		{Point: PointTimerRun, Perm: Permutation{1, 0}, Acts: []Thought{ThoughtActNow, ThoughtDefer}},
	}, 50*time.Millisecond)

	batch := NewBatch([]any{"a", "b"})
	s.ThreadYield(PointTimerRun, &TimerRun{Timers: batch})
	require.Equal(t, []any{"b", "a"}, batch.Items)
	assert.False(t, s.HasDiverged())

	require.NoError(t, s.Emit())
	out, err := LoadSchedule(ReplayOutputPath(s.cfg.SchedulePath))
	require.NoError(t, err)

	var run *Entry
	for i := range out.Entries {
		if out.Entries[i].Point == PointTimerRun {
			run = &out.Entries[i]
		}
	}
	require.NotNil(t, run)
	assert.Equal(t, Permutation{1, 0}, run.Perm)
	assert.Equal(t, []Thought{ThoughtActNow, ThoughtDefer}, run.Acts)
}

func TestReplayBatchSizeMismatchDiverges(t *testing.T) {
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
		{Point: PointTimerRun, Perm: Permutation{0}, Acts: []Thought{ThoughtActNow}},
	}, 50*time.Millisecond)

	batch := NewBatch([]any{"a", "b"})
	batch.Thoughts[1] = ThoughtDefer
	s.ThreadYield(PointTimerRun, &TimerRun{Timers: batch})

	assert.True(t, s.HasDiverged())
	assert.Equal(t, []Thought{ThoughtActNow, ThoughtActNow}, batch.Thoughts,
		"a diverged batch acts on everything")
}

func TestReplayScalarExhaustionIsLenient(t *testing.T) {
	// Loop-shape noise (extra poll passes) must not count as divergence.
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
	}, 50*time.Millisecond)

	d := &TimerReady{Timeout: 10, Now: 20}
	s.ThreadYield(PointTimerReady, d)
	assert.True(t, d.Ready, "no recorded decision left, fall back to the default")
	assert.False(t, s.HasDiverged())
}

func TestReplayQueueDecisionsReplayVerbatim(t *testing.T) {
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
		{Point: PointLooperRunClosing, Deferred: true},
		{Point: PointLooperGettingDone, Index: 1},
	}, 50*time.Millisecond)

	closing := &RunClosing{}
	s.ThreadYield(PointLooperRunClosing, closing)
	assert.True(t, closing.Defer)

	done := &GettingDone{QueueLen: 3}
	s.ThreadYield(PointLooperGettingDone, done)
	assert.Equal(t, 1, done.Index)

	assert.False(t, s.HasDiverged())
}

func TestReplayTimerReadinessIsLive(t *testing.T) {
	// Recorded readiness is ground truth, not a decision: a timer whose
	// delay changed must come up on its own clock, so a swapped-delay run
	// surfaces as blocked turns (divergence), never as forced readiness.
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
		{Point: PointTimerReady, Ready: true},
		{Point: PointTimerNextTimeout, WaitMS: 7},
	}, 50*time.Millisecond)

	d := &TimerReady{Timeout: 100, Now: 0}
	s.ThreadYield(PointTimerReady, d)
	assert.False(t, d.Ready, "not due yet, recorded value notwithstanding")

	next := &TimerNextTimeout{Timeout: 100, Now: 40}
	s.ThreadYield(PointTimerNextTimeout, next)
	assert.Equal(t, uint64(60), next.WaitMS, "wait derives from the live clock")

	assert.False(t, s.HasDiverged())
}

func TestReplayIndexOutOfRangeDiverges(t *testing.T) {
	s := newReplayScheduler(t, []Entry{
		execEntry(1, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 0),
		{Point: PointTPGettingWork, Index: 5},
	}, 50*time.Millisecond)

	d := &GettingWork{QueueLen: 2}
	s.ThreadYield(PointTPGettingWork, d)
	assert.Equal(t, 0, d.Index, "out-of-range recorded index falls back to FIFO")
	assert.True(t, s.HasDiverged())
}

func TestNewReplayerRejectsBadSchedules(t *testing.T) {
	newCfg := func(entries []Entry) Config {
		return Config{
			Kind:         KindCBTree,
			Mode:         ModeReplay,
			SchedulePath: writeTestSchedule(t, entries),
		}
	}

	// No callback executions at all.
	_, err := New(newCfg([]Entry{{Point: PointTimerReady, Ready: true}}))
	assert.Error(t, err)

	// Child executes before its parent.
	_, err = New(newCfg([]Entry{
		execEntry(1, lcbn.CBWork, "initial-stack/timer.0/work.0", "initial-stack/timer.0", 0),
		execEntry(2, lcbn.CBTimer, "initial-stack/timer.0", "initial-stack", 1),
	}))
	assert.Error(t, err)

	// Name outside the session's callback tree.
	_, err = New(newCfg([]Entry{
		execEntry(1, lcbn.CBTimer, "elsewhere/timer.0", "elsewhere", 0),
	}))
	assert.Error(t, err)
}
