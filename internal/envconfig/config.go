// Package envconfig reads the VAE_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of surrounding whitespace and
// quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level set by VAE_DEBUG.
// 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE-like (-8).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VAE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// BoolWithDefault returns a getter for a boolean variable. Unparseable values
// count as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// String returns a getter for a string variable.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint returns a getter for an unsigned variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a getter for a 64-bit unsigned variable with a default.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

var (
	// Parallel enables multi-goroutine layer computation. VAE_PARALLEL=0 disables it.
	Parallel = BoolWithDefault("VAE_PARALLEL")
	// NumWorkers caps worker goroutines; 0 means GOMAXPROCS.
	NumWorkers = Uint("VAE_NUM_WORKERS", 0)
	// Seed seeds model initialization unless a config sets one.
	Seed = Uint64("VAE_SEED", 0)
	// CheckpointDType selects the checkpoint precision ("f64" or "f16").
	CheckpointDType = String("VAE_CHECKPOINT_DTYPE")
)

// EnvVar describes one environment variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VAE_DEBUG":            {"VAE_DEBUG", LogLevel(), "Show additional debug information (e.g. VAE_DEBUG=1)"},
		"VAE_PARALLEL":         {"VAE_PARALLEL", Parallel(true), "Run convolutions on multiple goroutines (default: true)"},
		"VAE_NUM_WORKERS":      {"VAE_NUM_WORKERS", NumWorkers(), "Maximum worker goroutines (default: GOMAXPROCS)"},
		"VAE_SEED":             {"VAE_SEED", Seed(), "Seed for weight initialization and sampling"},
		"VAE_CHECKPOINT_DTYPE": {"VAE_CHECKPOINT_DTYPE", CheckpointDType(), "Checkpoint precision, f64 or f16 (default: f64)"},
	}
}

// Values returns every variable's value as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
