package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marionette-go/marionette/pkg/sched"
)

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <schedule-file>",
	Short: "print a schedule file in a readable form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := sched.LoadSchedule(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("session %s  kind %s  mode %s  created %s\n",
			in.Header.Session, in.Header.Kind, in.Header.Mode, in.Header.Created)

		entries := in.Entries
		if execOnly {
			entries = in.ExecEntries()
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.Point, describe(e))
		}
		return w.Flush()
	},
}

var execOnly bool

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().BoolVar(&execOnly, "exec-only", false,
		"show only callback-execution entries")
}

// describe renders the fields that matter for each entry's point.
func describe(e sched.Entry) string {
	var parts []string
	switch e.Point {
	case sched.PointBeforeExecCB:
		parts = append(parts, fmt.Sprintf("seq=%d cb=%s name=%s role=%s nchildren=%d",
			e.Seq, e.CB, e.Name, e.Role, e.NChildren))
	case sched.PointTimerRun, sched.PointLooperBeforeHandlingEvents:
		parts = append(parts, fmt.Sprintf("perm=%v acts=%v", e.Perm, e.Acts))
	case sched.PointTPGettingWork, sched.PointLooperGettingDone,
		sched.PointTPGotWork, sched.PointTPBeforePutDone:
		parts = append(parts, fmt.Sprintf("index=%d", e.Index))
	case sched.PointTimerReady:
		parts = append(parts, fmt.Sprintf("ready=%t", e.Ready))
	case sched.PointTimerNextTimeout:
		parts = append(parts, fmt.Sprintf("wait_ms=%d", e.WaitMS))
	case sched.PointLooperRunClosing:
		parts = append(parts, fmt.Sprintf("deferred=%t", e.Deferred))
	}
	if e.Diverged {
		parts = append(parts, "DIVERGED")
	}
	return strings.Join(parts, " ")
}
