// Package sched implements a pluggable deterministic scheduler that sits
// between an async runtime's looper thread and its worker pool. Threads call
// ThreadYield at fixed schedule points; the active scheduler implementation
// observes (record mode) or dictates (replay mode) what happens next.
package sched

import "fmt"

// Point identifies a fixed call site in the runtime where a thread yields
// control to the scheduler.
type Point uint8

const (
	// Reached by both looper and worker threads, bracketing every callback
	// body. The scheduler holds the callback-execution lock between them.
	PointBeforeExecCB Point = iota + 1
	PointAfterExecCB

	// Looper points.
	PointLooperBeforePoll
	PointLooperAfterPoll
	PointLooperBeforeHandlingEvents // shuffleable batch of ready I/O events
	PointLooperGettingDone          // picking an item from the done queue
	PointLooperRunClosing           // deciding whether to defer closing handles

	// Timer points, also run by the looper.
	PointTimerReady       // is this pending timer ready?
	PointTimerRun         // shuffleable batch of ready timers
	PointTimerNextTimeout // how long until the next timer fires?

	// Worker (thread-pool) points.
	PointTPWantsWork
	PointTPGettingWork
	PointTPGotWork
	PointTPBeforePutDone
	PointTPAfterPutDone
)

var pointNames = map[Point]string{
	PointBeforeExecCB:               "before-exec-cb",
	PointAfterExecCB:                "after-exec-cb",
	PointLooperBeforePoll:           "looper-before-poll",
	PointLooperAfterPoll:            "looper-after-poll",
	PointLooperBeforeHandlingEvents: "looper-before-handling-events",
	PointLooperGettingDone:          "looper-getting-done",
	PointLooperRunClosing:           "looper-run-closing",
	PointTimerReady:                 "timer-ready",
	PointTimerRun:                   "timer-run",
	PointTimerNextTimeout:           "timer-next-timeout",
	PointTPWantsWork:                "tp-wants-work",
	PointTPGettingWork:              "tp-getting-work",
	PointTPGotWork:                  "tp-got-work",
	PointTPBeforePutDone:            "tp-before-put-done",
	PointTPAfterPutDone:             "tp-after-put-done",
}

func (p Point) String() string {
	if s, ok := pointNames[p]; ok {
		return s
	}
	return fmt.Sprintf("point(%d)", uint8(p))
}

func (p Point) MarshalText() ([]byte, error) {
	s, ok := pointNames[p]
	if !ok {
		return nil, fmt.Errorf("sched: unknown point %d", uint8(p))
	}
	return []byte(s), nil
}

func (p *Point) UnmarshalText(b []byte) error {
	for pt, name := range pointNames {
		if name == string(b) {
			*p = pt
			return nil
		}
	}
	return fmt.Errorf("sched: unknown point %q", string(b))
}
