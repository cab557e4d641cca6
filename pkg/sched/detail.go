package sched

import (
	"time"

	"github.com/marionette-go/marionette/pkg/lcbn"
)

// Detail carries the per-call-site payload for one yield: inputs the
// scheduler may read and outputs it may set. The caller owns the value for
// the duration of the call; implementations must not retain it past return.
//
// Each schedule point has exactly one Detail type. ThreadYield checks the
// pairing and panics on mismatch or on a malformed detail, since an
// ill-formed scheduling decision can corrupt the one-callback-at-a-time
// invariant.
type Detail interface {
	DetailPoint() Point
	Valid() bool
}

// BeforeExecCB precedes a callback body. The caller yields here, runs the
// callback while the scheduler's execution lock is held, then yields
// AfterExecCB.
type BeforeExecCB struct {
	CB   lcbn.CallbackType
	Node *lcbn.Node
}

func (d *BeforeExecCB) DetailPoint() Point { return PointBeforeExecCB }
func (d *BeforeExecCB) Valid() bool {
	return d != nil && d.Node != nil && d.CB == d.Node.Type && d.CB != lcbn.CBAny
}

// AfterExecCB closes out a callback body.
type AfterExecCB struct {
	CB   lcbn.CallbackType
	Node *lcbn.Node
}

func (d *AfterExecCB) DetailPoint() Point { return PointAfterExecCB }
func (d *AfterExecCB) Valid() bool {
	return d != nil && d.Node != nil && d.CB == d.Node.Type && d.CB != lcbn.CBAny
}

// BeforePoll marks the looper entering its poll wait.
type BeforePoll struct{}

func (d *BeforePoll) DetailPoint() Point { return PointLooperBeforePoll }
func (d *BeforePoll) Valid() bool        { return d != nil }

// AfterPoll marks the looper leaving its poll wait.
type AfterPoll struct{}

func (d *AfterPoll) DetailPoint() Point { return PointLooperAfterPoll }
func (d *AfterPoll) Valid() bool        { return d != nil }

// BeforeHandlingEvents presents the batch of ready I/O events. The scheduler
// may reorder Events and marks each one act-now or defer.
type BeforeHandlingEvents struct {
	Events *Batch
}

func (d *BeforeHandlingEvents) DetailPoint() Point { return PointLooperBeforeHandlingEvents }
func (d *BeforeHandlingEvents) Valid() bool        { return d != nil && d.Events.valid() }

// GettingDone asks which completed work item the looper should take from the
// done queue. Index 0 means FIFO.
type GettingDone struct {
	QueueLen int
	Index    int // output
}

func (d *GettingDone) DetailPoint() Point { return PointLooperGettingDone }
func (d *GettingDone) Valid() bool        { return d != nil && d.QueueLen > 0 }

// RunClosing asks whether the looper should defer the remaining closing
// handles to the next loop turn.
type RunClosing struct {
	Defer bool // output
}

func (d *RunClosing) DetailPoint() Point { return PointLooperRunClosing }
func (d *RunClosing) Valid() bool        { return d != nil }

// TimerReady asks whether a single pending timer counts as ready. Times are
// loop time in milliseconds, matching the runtime's virtual clock.
type TimerReady struct {
	Timeout uint64
	Now     uint64
	Ready   bool // output
}

func (d *TimerReady) DetailPoint() Point { return PointTimerReady }
func (d *TimerReady) Valid() bool        { return d != nil }

// TimerRun presents the batch of ready timers for reordering/deferral.
type TimerRun struct {
	Timers *Batch
}

func (d *TimerRun) DetailPoint() Point { return PointTimerRun }
func (d *TimerRun) Valid() bool        { return d != nil && d.Timers.valid() }

// TimerNextTimeout asks how long the looper should wait for the next timer.
// The answer is a recommendation for the poll timeout, not a guarantee.
type TimerNextTimeout struct {
	Timeout uint64
	Now     uint64
	WaitMS  uint64 // output
}

func (d *TimerNextTimeout) DetailPoint() Point { return PointTimerNextTimeout }
func (d *TimerNextTimeout) Valid() bool        { return d != nil }

// WantsWork is yielded by a worker that sees a non-empty work queue and
// wants to take something. The scheduler may tell it to hold off.
type WantsWork struct {
	Since    time.Time // when the worker started wanting work
	QueueLen int
	Proceed  bool // output: go on to GettingWork
}

func (d *WantsWork) DetailPoint() Point { return PointTPWantsWork }
func (d *WantsWork) Valid() bool        { return d != nil && d.QueueLen > 0 }

// GettingWork asks which work item the worker should take. Index 0 means
// FIFO.
type GettingWork struct {
	QueueLen int
	Index    int // output
}

func (d *GettingWork) DetailPoint() Point { return PointTPGettingWork }
func (d *GettingWork) Valid() bool        { return d != nil && d.QueueLen > 0 }

// GotWork reports the work item a worker took and the queue position it
// came from.
type GotWork struct {
	Item  any
	Index int
}

func (d *GotWork) DetailPoint() Point { return PointTPGotWork }
func (d *GotWork) Valid() bool        { return d != nil && d.Item != nil && d.Index >= 0 }

// BeforePutDone precedes moving a completed work item to the done queue.
type BeforePutDone struct {
	Item  any
	Index int
}

func (d *BeforePutDone) DetailPoint() Point { return PointTPBeforePutDone }
func (d *BeforePutDone) Valid() bool        { return d != nil && d.Item != nil && d.Index >= 0 }

// AfterPutDone follows moving a completed work item to the done queue.
type AfterPutDone struct {
	Item  any
	Index int
}

func (d *AfterPutDone) DetailPoint() Point { return PointTPAfterPutDone }
func (d *AfterPutDone) Valid() bool        { return d != nil && d.Item != nil && d.Index >= 0 }
