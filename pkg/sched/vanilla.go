package sched

import "github.com/marionette-go/marionette/pkg/lcbn"

// defaultDecide fills a detail's output fields with the "behave normally"
// answers: honor FIFO queues, handle every event now, run timers that have
// expired. Every variant starts from these and perturbs or overrides.
func defaultDecide(d Detail) {
	switch d := d.(type) {
	case *WantsWork:
		d.Proceed = true
	case *GettingWork:
		d.Index = 0
	case *GettingDone:
		d.Index = 0
	case *BeforeHandlingEvents:
		d.Events.ActAll()
	case *RunClosing:
		d.Defer = false
	case *TimerReady:
		d.Ready = d.Timeout <= d.Now
	case *TimerRun:
		d.Timers.ActAll()
	case *TimerNextTimeout:
		if d.Timeout <= d.Now {
			d.WaitMS = 0
		} else {
			d.WaitMS = d.Timeout - d.Now
		}
	}
}

// vanilla is the baseline variant: default decisions, no bookkeeping, no
// schedule. It exists so the runtime can run undisturbed under the same
// yield discipline used by the recording variants.
type vanilla struct {
	seq int
}

func (v *vanilla) registerLCBN(*lcbn.Node)           {}
func (v *vanilla) nextType() lcbn.CallbackType       { return lcbn.CBAny }
func (v *vanilla) waitTurn(yieldContext, *BeforeExecCB) {}

func (v *vanilla) beginCB(_ yieldContext, d *BeforeExecCB) {
	v.seq++
	d.Node.ExecID = v.seq
}

func (v *vanilla) endCB(yieldContext, *AfterExecCB) {}

func (v *vanilla) yield(_ yieldContext, d Detail) { defaultDecide(d) }

func (v *vanilla) snapshot() []Entry { return nil }
func (v *vanilla) remaining() int    { return -1 }
func (v *vanilla) diverged() bool    { return false }
