package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marionette-go/marionette/pkg/sched"
)

// envCmd represents the env command
var envCmd = &cobra.Command{
	Use:   "env",
	Short: "list the environment variables marionette understands",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s\tscheduler kind (vanilla, cbtree, fuzz-timer, tp-freedom)\n", sched.EnvKind)
		fmt.Printf("%s\trecord or replay\n", sched.EnvMode)
		fmt.Printf("%s\tschedule file path\n", sched.EnvSchedule)
		fmt.Printf("%s\trng seed for fuzzing kinds\n", sched.EnvSeed)
		fmt.Printf("%s\treplay turn wait bound, e.g. 3s\n", sched.EnvDivergenceTimeout)
	},
}

func init() {
	rootCmd.AddCommand(envCmd)
}
