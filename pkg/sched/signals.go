//go:build unix

package sched

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// NotifyDumpSignals wires the conventional schedule-dump signals:
//
//   - SIGUSR1: emit the schedule and keep running. This recovers a partial
//     schedule from a hung or runaway process.
//   - SIGINT/SIGTERM: emit the schedule, then call exit.
//
// Emit snapshots before writing, so dumping mid-run is safe. The returned
// stop function releases the signal handler.
func NotifyDumpSignals(s *Scheduler, exit func()) (stop func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGUSR1, unix.SIGINT, unix.SIGTERM)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-ch:
				if err := s.Emit(); err != nil {
					s.log.Error().Err(err).Msg("signal-driven emit failed")
				}
				if sig != unix.SIGUSR1 {
					exit()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
