package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marionette-go/marionette/internal/sim"
	"github.com/marionette-go/marionette/pkg/sched"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a simulated session under a chosen scheduler",
	Long: `run drives the built-in looper/thread-pool simulation through one
session. In record mode the schedule is written to the schedule file; in
replay mode (cbtree only) the file is read back and the session is forced to
follow it, with the annotated trace written alongside.`,
	RunE: runSession,
}

var (
	configPath  string
	kindName    string
	modeName    string
	schedule    string
	seed        int64
	divTimeout  time.Duration
	metricsAddr string

	timers     []time.Duration
	workItems  int
	workers    int
	notifyDone bool
	chainWork  bool

	fuzzDelayPct int
	fuzzMinDelay time.Duration
	fuzzMaxDelay time.Duration

	tpDegrees  int
	tpMaxDelay time.Duration
	tpDeferPct int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"YAML config file (flags below override it)")
	runCmd.Flags().StringVarP(&kindName, "kind", "k", "",
		"scheduler kind (vanilla, cbtree, fuzz-timer, tp-freedom)")
	runCmd.Flags().StringVarP(&modeName, "mode", "m", "",
		"record or replay")
	runCmd.Flags().StringVarP(&schedule, "schedule", "s", "",
		"schedule file to write (record) or read (replay)")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "rng seed for fuzzing kinds")
	runCmd.Flags().DurationVar(&divTimeout, "divergence-timeout", 0,
		"how long a replaying thread waits for its turn before declaring divergence")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"serve prometheus metrics on this address for the duration of the run")

	runCmd.Flags().DurationSliceVar(&timers, "timer", []time.Duration{50 * time.Millisecond, 100 * time.Millisecond},
		"one-shot timer delays on the simulated loop clock")
	runCmd.Flags().IntVar(&workItems, "work", 1, "thread-pool work items to submit")
	runCmd.Flags().IntVar(&workers, "workers", 1, "thread-pool size")
	runCmd.Flags().BoolVar(&notifyDone, "notify-done", false,
		"run an after-work callback on the looper for each completed work item")
	runCmd.Flags().BoolVar(&chainWork, "chain-work", false,
		"first timer callback submits an extra work item")

	runCmd.Flags().IntVar(&fuzzDelayPct, "fuzz-delay-pct", 25,
		"fuzz-timer: chance (0-100) a timer decision is perturbed")
	runCmd.Flags().DurationVar(&fuzzMinDelay, "fuzz-min-delay", time.Millisecond,
		"fuzz-timer: minimum added delay")
	runCmd.Flags().DurationVar(&fuzzMaxDelay, "fuzz-max-delay", 100*time.Millisecond,
		"fuzz-timer: maximum added delay")

	runCmd.Flags().IntVar(&tpDegrees, "tp-degrees", 2,
		"tp-freedom: queue window for reordering, -1 for unbounded")
	runCmd.Flags().DurationVar(&tpMaxDelay, "tp-max-delay", 10*time.Millisecond,
		"tp-freedom: longest a worker is held back waiting for the queue to fill")
	runCmd.Flags().IntVar(&tpDeferPct, "tp-defer-pct", 10,
		"tp-freedom: chance (0-100) an event is deferred a pass")
}

// buildConfig layers config sources: environment, then YAML file, then flags.
func buildConfig(cmd *cobra.Command) (sched.Config, error) {
	cfg, err := sched.FromEnv()
	if err != nil {
		return sched.Config{}, err
	}
	if configPath != "" {
		if cfg, err = sched.LoadConfig(configPath); err != nil {
			return sched.Config{}, err
		}
	}
	if kindName != "" {
		if cfg.Kind, err = sched.ParseKind(kindName); err != nil {
			return sched.Config{}, err
		}
	}
	if modeName != "" {
		if cfg.Mode, err = sched.ParseMode(modeName); err != nil {
			return sched.Config{}, err
		}
	}
	if schedule != "" {
		cfg.SchedulePath = schedule
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}
	if divTimeout != 0 {
		cfg.DivergenceTimeout = divTimeout
	}
	if cfg.FuzzTimer == (sched.FuzzTimerArgs{}) {
		cfg.FuzzTimer = sched.FuzzTimerArgs{
			DelayPct: fuzzDelayPct,
			MinDelay: fuzzMinDelay,
			MaxDelay: fuzzMaxDelay,
		}
	}
	if cfg.TPFreedom == (sched.TPFreedomArgs{}) {
		cfg.TPFreedom = sched.TPFreedomArgs{
			DegreesOfFreedom: tpDegrees,
			MaxDelay:         tpMaxDelay,
			DeferPct:         tpDeferPct,
		}
	}
	return cfg, nil
}

func runSession(cmd *cobra.Command, args []string) error {
	log := logger()

	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Logger = log

	s, err := sched.New(cfg)
	if err != nil {
		return err
	}

	stop := sched.NotifyDumpSignals(s, func() { os.Exit(1) })
	defer stop()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", metricsAddr).Msg("serving metrics")
	}

	sm, err := sim.New(s, sim.Config{
		Timers:     timers,
		WorkItems:  workItems,
		Workers:    workers,
		NotifyDone: notifyDone,
		ChainWork:  chainWork,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	stats, err := sm.Run()
	if err != nil {
		return err
	}
	if err := s.Emit(); err != nil {
		return err
	}

	log.Info().
		Int("timers_fired", stats.TimersFired).
		Int("work_retired", stats.WorkRetired).
		Int("loop_turns", stats.LoopTurns).
		Uint64("callbacks_executed", s.NExecuted()).
		Int("lcbns_remaining", s.LCBNsRemaining()).
		Bool("diverged", s.HasDiverged()).
		Msg("session complete")

	if s.Mode() == sched.ModeReplay && s.HasDiverged() {
		return fmt.Errorf("replay diverged from input schedule")
	}
	return nil
}
