package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagSetOverridesDefaults(t *testing.T) {
	cfg := Defaults()
	fs := FlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--max-active-tasks=5", "--hermetic=error"}))

	assert.Equal(t, 5, cfg.MaxActiveTasks)
	assert.Equal(t, "error", cfg.HermeticMode)
	assert.Equal(t, Defaults().MaxFinishedTasks, cfg.MaxFinishedTasks)
}

func TestApplyEnvOnlyAffectsUnsetFlags(t *testing.T) {
	cfg := Defaults()
	fs := FlagSet(&cfg)
	require.NoError(t, fs.Parse([]string{"--max-active-tasks=5"}))

	env := map[string]string{
		"COMPILEPROXY_MAX_ACTIVE_TASKS":   "999", // flag was set explicitly, env must lose
		"COMPILEPROXY_MAX_FINISHED_TASKS": "42",  // flag untouched, env should win
	}
	require.NoError(t, ApplyEnv(fs, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, 5, cfg.MaxActiveTasks)
	assert.Equal(t, 42, cfg.MaxFinishedTasks)
}

func TestApplyEnvRejectsMalformedValue(t *testing.T) {
	cfg := Defaults()
	fs := FlagSet(&cfg)
	require.NoError(t, fs.Parse(nil))

	err := ApplyEnv(fs, func(k string) (string, bool) {
		if k == "COMPILEPROXY_MAX_ACTIVE_TASKS" {
			return "not-a-number", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestLockFileRefusesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(path)
	assert.Error(t, err, "a second Acquire while the first is held must fail")
}

func TestLockFileReleasedAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.lock")

	l1, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	defer l2.Release()
}

func TestDefaultsAreSane(t *testing.T) {
	cfg := Defaults()
	assert.Greater(t, cfg.MaxActiveTasks, 0)
	assert.Greater(t, cfg.BurstDwell, time.Duration(0))
	assert.NotEmpty(t, cfg.CallTimeouts)
	assert.Contains(t, []string{"off", "fallback", "error"}, cfg.HermeticMode)
}
