package sched

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Kind selects a scheduler implementation variant.
type Kind uint8

const (
	// KindVanilla makes default decisions and records nothing. Baseline.
	KindVanilla Kind = iota + 1
	// KindCBTree tracks the logical callback tree; the only kind that
	// supports replay.
	KindCBTree
	// KindFuzzTimer perturbs timer readiness and ordering with a seeded RNG.
	KindFuzzTimer
	// KindTPFreedom widens thread-pool nondeterminism: delayed work pickup,
	// in-window random work selection, chunked event shuffles.
	KindTPFreedom
)

func (k Kind) String() string {
	switch k {
	case KindVanilla:
		return "vanilla"
	case KindCBTree:
		return "cbtree"
	case KindFuzzTimer:
		return "fuzz-timer"
	case KindTPFreedom:
		return "tp-freedom"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind maps a kind name to its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "vanilla":
		return KindVanilla, nil
	case "cbtree":
		return KindCBTree, nil
	case "fuzz-timer":
		return KindFuzzTimer, nil
	case "tp-freedom":
		return KindTPFreedom, nil
	default:
		return 0, fmt.Errorf("sched: unknown scheduler kind %q", s)
	}
}

// Mode is the direction the scheduler runs in.
type Mode uint8

const (
	ModeRecord Mode = iota + 1
	ModeReplay
)

func (m Mode) String() string {
	switch m {
	case ModeRecord:
		return "record"
	case ModeReplay:
		return "replay"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode maps a mode name to its Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "record":
		return ModeRecord, nil
	case "replay":
		return ModeReplay, nil
	default:
		return 0, fmt.Errorf("sched: unknown scheduler mode %q", s)
	}
}

// DefaultDivergenceTimeout bounds how long a replaying thread waits for its
// turn before declaring divergence instead of hanging.
const DefaultDivergenceTimeout = 3 * time.Second

// FuzzTimerArgs parameterize the fuzz-timer kind.
type FuzzTimerArgs struct {
	DelayPct int // chance (0-100) a decision is perturbed
	MinDelay time.Duration
	MaxDelay time.Duration
}

// TPFreedomArgs parameterize the tp-freedom kind.
type TPFreedomArgs struct {
	// DegreesOfFreedom is how deep into a queue the scheduler may reach, and
	// the chunk size for event shuffles. -1 means unbounded.
	DegreesOfFreedom int
	MaxDelay         time.Duration // longest a worker is held back waiting for the queue to fill
	DeferPct         int           // chance (0-100) an I/O event is deferred a pass
}

// Config carries everything New needs. Zero values get defaults where a
// default makes sense; Kind, Mode and SchedulePath do not.
type Config struct {
	Kind              Kind
	Mode              Mode
	SchedulePath      string
	Seed              int64
	DivergenceTimeout time.Duration
	FuzzTimer         FuzzTimerArgs
	TPFreedom         TPFreedomArgs
	Logger            zerolog.Logger
}

func (c *Config) validate() error {
	if c.SchedulePath == "" {
		return fmt.Errorf("sched: schedule path required")
	}
	switch c.Kind {
	case KindCBTree:
		if c.Mode != ModeRecord && c.Mode != ModeReplay {
			return fmt.Errorf("sched: kind %s does not support mode %s", c.Kind, c.Mode)
		}
	case KindVanilla, KindFuzzTimer, KindTPFreedom:
		if c.Mode != ModeRecord {
			return fmt.Errorf("sched: kind %s does not support mode %s", c.Kind, c.Mode)
		}
	default:
		return fmt.Errorf("sched: unknown scheduler kind %d", uint8(c.Kind))
	}
	if c.DivergenceTimeout == 0 {
		c.DivergenceTimeout = DefaultDivergenceTimeout
	}
	return nil
}

// Environment variables understood by FromEnv.
const (
	EnvKind              = "MARIONETTE_KIND"
	EnvMode              = "MARIONETTE_MODE"
	EnvSchedule          = "MARIONETTE_SCHEDULE"
	EnvSeed              = "MARIONETTE_SEED"
	EnvDivergenceTimeout = "MARIONETTE_DIVERGENCE_TIMEOUT"
)

// FromEnv builds a Config from environment variables, defaulting to a
// vanilla recorder writing marionette.schedule.
func FromEnv() (Config, error) {
	cfg := Config{
		Kind:         KindVanilla,
		Mode:         ModeRecord,
		SchedulePath: "marionette.schedule",
		Logger:       zerolog.Nop(),
	}
	var err error
	if v := os.Getenv(EnvKind); v != "" {
		if cfg.Kind, err = ParseKind(v); err != nil {
			return Config{}, err
		}
	}
	if v := os.Getenv(EnvMode); v != "" {
		if cfg.Mode, err = ParseMode(v); err != nil {
			return Config{}, err
		}
	}
	if v := os.Getenv(EnvSchedule); v != "" {
		cfg.SchedulePath = v
	}
	if v := os.Getenv(EnvSeed); v != "" {
		if cfg.Seed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Config{}, fmt.Errorf("sched: invalid %s %q: %w", EnvSeed, v, err)
		}
	}
	if v := os.Getenv(EnvDivergenceTimeout); v != "" {
		if cfg.DivergenceTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("sched: invalid %s %q: %w", EnvDivergenceTimeout, v, err)
		}
	}
	return cfg, nil
}

// duration parses YAML durations written as strings ("250ms", "3s"); yaml.v3
// would otherwise only accept raw nanosecond integers.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("sched: invalid duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

// fileConfig is the YAML shape of a Config; kinds, modes and durations appear
// by name.
type fileConfig struct {
	Kind              string   `yaml:"kind"`
	Mode              string   `yaml:"mode"`
	Schedule          string   `yaml:"schedule"`
	Seed              int64    `yaml:"seed"`
	DivergenceTimeout duration `yaml:"divergence_timeout"`
	FuzzTimer         struct {
		DelayPct int      `yaml:"delay_pct"`
		MinDelay duration `yaml:"min_delay"`
		MaxDelay duration `yaml:"max_delay"`
	} `yaml:"fuzz_timer"`
	TPFreedom struct {
		DegreesOfFreedom int      `yaml:"degrees_of_freedom"`
		MaxDelay         duration `yaml:"max_delay"`
		DeferPct         int      `yaml:"defer_pct"`
	} `yaml:"tp_freedom"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("sched: read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return Config{}, fmt.Errorf("sched: parse config: %w", err)
	}
	cfg := Config{
		SchedulePath:      fc.Schedule,
		Seed:              fc.Seed,
		DivergenceTimeout: time.Duration(fc.DivergenceTimeout),
		FuzzTimer: FuzzTimerArgs{
			DelayPct: fc.FuzzTimer.DelayPct,
			MinDelay: time.Duration(fc.FuzzTimer.MinDelay),
			MaxDelay: time.Duration(fc.FuzzTimer.MaxDelay),
		},
		TPFreedom: TPFreedomArgs{
			DegreesOfFreedom: fc.TPFreedom.DegreesOfFreedom,
			MaxDelay:         time.Duration(fc.TPFreedom.MaxDelay),
			DeferPct:         fc.TPFreedom.DeferPct,
		},
		Logger: zerolog.Nop(),
	}
	if cfg.Kind, err = ParseKind(fc.Kind); err != nil {
		return Config{}, err
	}
	if cfg.Mode, err = ParseMode(fc.Mode); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
