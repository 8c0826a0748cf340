// Package config implements the startup-option surface from spec.md §6: a
// github.com/spf13/pflag flag set with every salient option named there,
// each overridable by a COMPILEPROXY_* environment variable when the flag
// itself was left at its default — the same env-overrides-default
// convention the teacher's fs/config layer applies to RCLONE_* variables
// for every registered global flag.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config is the fully resolved startup-option surface, per spec.md §6
// "Startup options".
type Config struct {
	MaxActiveTasks   int
	MaxFinishedTasks int
	MaxFailedTasks   int
	MaxLongTasks     int

	SubprocCapTotalNormal int64
	SubprocCapHeavyNormal int64
	SubprocCapLowNormal   int64
	SubprocCapTotalBurst  int64
	SubprocCapHeavyBurst  int64
	SubprocCapLowBurst    int64
	BurstDwell            time.Duration

	CallTimeouts []time.Duration

	HermeticMode string // off|fallback|error, per spec.md §4.7

	NetworkErrorWindow    time.Duration
	NetworkErrorThreshold float64

	FallbackMaxActive        int
	FallbackMaxActiveDuration time.Duration

	CompressionLevel int

	TrustedCIDRs []string

	SocketPath   string
	AdminAddr    string
	LockFilePath string

	LogCleanInterval time.Duration

	MemoryTrackInterval       time.Duration
	MemoryTrackWarningBytes   int64

	OutputBudgetMaxBytes int64

	BackendBaseURL string
}

// Defaults mirror spec.md's worked examples where it gives one, and
// otherwise a conservative value that keeps the daemon usable out of the
// box on a single developer machine.
func Defaults() Config {
	return Config{
		MaxActiveTasks:   80,
		MaxFinishedTasks: 100,
		MaxFailedTasks:   50,
		MaxLongTasks:     50,

		SubprocCapTotalNormal: 64,
		SubprocCapHeavyNormal: 16,
		SubprocCapLowNormal:   8,
		SubprocCapTotalBurst:  128,
		SubprocCapHeavyBurst:  32,
		SubprocCapLowBurst:    16,
		BurstDwell:            30 * time.Second,

		CallTimeouts: []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},

		HermeticMode: "fallback",

		NetworkErrorWindow:    time.Minute,
		NetworkErrorThreshold: 0.5,

		FallbackMaxActive:        16,
		FallbackMaxActiveDuration: 5 * time.Minute,

		CompressionLevel: 6,

		SocketPath:   "/tmp/compileproxy.sock",
		AdminAddr:    "127.0.0.1:8088",
		LockFilePath: "/tmp/compileproxy.lock",

		LogCleanInterval: time.Hour,

		MemoryTrackInterval:     30 * time.Second,
		MemoryTrackWarningBytes: 2 << 30,

		OutputBudgetMaxBytes: 1 << 30,

		BackendBaseURL: "",
	}
}

// FlagSet builds a pflag.FlagSet bound to cfg's fields (starting from
// Defaults unless the caller pre-populated cfg), in the same "one flag per
// field, dashed names" style as the teacher's root command flags.
func FlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("compileproxy", pflag.ContinueOnError)

	fs.IntVar(&cfg.MaxActiveTasks, "max-active-tasks", cfg.MaxActiveTasks, "maximum concurrently active compile tasks")
	fs.IntVar(&cfg.MaxFinishedTasks, "max-finished-tasks", cfg.MaxFinishedTasks, "size of the finished-task ring")
	fs.IntVar(&cfg.MaxFailedTasks, "max-failed-tasks", cfg.MaxFailedTasks, "size of the failed-task ring")
	fs.IntVar(&cfg.MaxLongTasks, "max-long-tasks", cfg.MaxLongTasks, "size of the long-running-task ring")

	fs.Int64Var(&cfg.SubprocCapTotalNormal, "subproc-cap-total", cfg.SubprocCapTotalNormal, "normal-mode total subprocess cap")
	fs.Int64Var(&cfg.SubprocCapHeavyNormal, "subproc-cap-heavy", cfg.SubprocCapHeavyNormal, "normal-mode heavy-weight subprocess cap")
	fs.Int64Var(&cfg.SubprocCapLowNormal, "subproc-cap-low", cfg.SubprocCapLowNormal, "normal-mode low-priority subprocess cap")
	fs.Int64Var(&cfg.SubprocCapTotalBurst, "subproc-burst-cap-total", cfg.SubprocCapTotalBurst, "burst-mode total subprocess cap")
	fs.Int64Var(&cfg.SubprocCapHeavyBurst, "subproc-burst-cap-heavy", cfg.SubprocCapHeavyBurst, "burst-mode heavy-weight subprocess cap")
	fs.Int64Var(&cfg.SubprocCapLowBurst, "subproc-burst-cap-low", cfg.SubprocCapLowBurst, "burst-mode low-priority subprocess cap")
	fs.DurationVar(&cfg.BurstDwell, "burst-dwell", cfg.BurstDwell, "minimum time burst mode stays active once entered")

	fs.DurationSliceVar(&cfg.CallTimeouts, "call-timeouts", cfg.CallTimeouts, "per-call RPC timeout list, retried through in order")

	fs.StringVar(&cfg.HermeticMode, "hermetic", cfg.HermeticMode, "hermeticity policy: off|fallback|error")

	fs.DurationVar(&cfg.NetworkErrorWindow, "network-error-window", cfg.NetworkErrorWindow, "sliding window duration for the network-error monitor")
	fs.Float64Var(&cfg.NetworkErrorThreshold, "network-error-threshold", cfg.NetworkErrorThreshold, "fraction of failed calls in the window that triggers burst mode")

	fs.IntVar(&cfg.FallbackMaxActive, "fallback-max-active", cfg.FallbackMaxActive, "max concurrent fail-fallback tasks before refusing more")
	fs.DurationVar(&cfg.FallbackMaxActiveDuration, "fallback-max-active-duration", cfg.FallbackMaxActiveDuration, "grace window above fallback-max-active before refusing")

	fs.IntVar(&cfg.CompressionLevel, "compression-level", cfg.CompressionLevel, "gzip/deflate compression level for RPC bodies")

	fs.StringSliceVar(&cfg.TrustedCIDRs, "trusted-cidr", cfg.TrustedCIDRs, "CIDR allowed to reach the admin transport (repeatable)")

	fs.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "unix-domain socket path the IPC transport listens on")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "address the admin transport listens on")
	fs.StringVar(&cfg.LockFilePath, "lock-file", cfg.LockFilePath, "advisory lock file path, one per listening port")

	fs.DurationVar(&cfg.LogCleanInterval, "log-clean-interval", cfg.LogCleanInterval, "interval between old-log sweeps")

	fs.DurationVar(&cfg.MemoryTrackInterval, "memory-track-interval", cfg.MemoryTrackInterval, "interval between RSS samples")
	fs.Int64Var(&cfg.MemoryTrackWarningBytes, "memory-track-warning-bytes", cfg.MemoryTrackWarningBytes, "RSS threshold that logs a warning")

	fs.Int64Var(&cfg.OutputBudgetMaxBytes, "output-budget-bytes", cfg.OutputBudgetMaxBytes, "max bytes of in-flight downloaded output buffered at once")

	fs.StringVar(&cfg.BackendBaseURL, "backend-url", cfg.BackendBaseURL, "base URL of the remote compile backend")

	return fs
}

// envPrefix is prepended (upper-cased, dashes turned to underscores) to a
// flag's name to form its environment variable, e.g. --max-active-tasks
// becomes COMPILEPROXY_MAX_ACTIVE_TASKS.
const envPrefix = "COMPILEPROXY_"

// envName converts a flag name to its environment variable name.
func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ApplyEnv overrides any flag fs left at its default with the value of its
// COMPILEPROXY_* environment variable, mirroring the teacher's "env vars
// win only where the user didn't pass an explicit flag" precedence.
func ApplyEnv(fs *pflag.FlagSet, lookup func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		val, ok := lookup(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("config: env %s: %w", envName(f.Name), err)
			return
		}
		f.Changed = true
	})
	return firstErr
}
