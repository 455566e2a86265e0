package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"taro/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log:
  stdout:
    level: info
persistence:
  type: memory
  max_age: P7D
  max_records: 100
plugins: [metrics]
jobs:
  - id: backup
    schedule: "0 3 * * *"
    command: tar -czf "/tmp/backup archive.tgz" /etc
    read_output: true
    concurrency_policy: forbid
    warnings:
      exec_time: 1h
      output: "(?i)error"
  - id: ping
    url: http://localhost:8080/health
    max_retries: 2
    backoff: 1s
disabled_jobs:
  - job_id: "backup*"
    expires: "2030-01-01T00:00:00Z"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "enabled", cfg.Log.Mode)
	assert.Equal(t, "warn", cfg.Log.Stdout.Level)
	assert.Equal(t, "off", cfg.Log.File.Level)
	assert.True(t, cfg.Persistence.Enabled)
	assert.Equal(t, "sqlite", cfg.Persistence.Type)
	assert.Equal(t, -1, cfg.Persistence.MaxRecords)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Persistence.Etcd.Endpoints)
	assert.Equal(t, 5*time.Second, cfg.Persistence.Etcd.Timeout)
	assert.Equal(t, "history", cfg.DefaultAction)
	assert.Equal(t, 15*time.Second, cfg.Metrics.Interval)
	assert.Empty(t, cfg.Jobs)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Stdout.Level)
	assert.Equal(t, "memory", cfg.Persistence.Type)
	assert.Equal(t, []string{"metrics"}, cfg.Plugins)
	settings := cfg.PersistenceSettings()
	assert.Equal(t, "P7D", settings.MaxAge)
	assert.Equal(t, 100, settings.MaxRecords)

	jobs, err := cfg.JobsToRun()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	backup := jobs[0]
	assert.Equal(t, []string{"tar", "-czf", "/tmp/backup archive.tgz", "/etc"}, backup.Executor.Args)
	assert.True(t, backup.Executor.ReadOutput)
	assert.Equal(t, domain.ConcurrencyPolicyForbid, backup.ConcurrencyPolicy)
	assert.Equal(t, time.Hour, backup.Warnings.ExecTime)
	assert.Equal(t, "(?i)error", backup.Warnings.Output)

	ping := jobs[1]
	assert.Equal(t, domain.ExecutorTypeHTTP, ping.ExecutorType)
	assert.Equal(t, "GET", ping.Executor.Method)
	require.NotNil(t, ping.RetryPolicy)
	assert.Equal(t, domain.RetryPolicy{MaxRetries: 2, Backoff: time.Second}, *ping.RetryPolicy)

	rules := cfg.DisabledJobRules()
	require.Len(t, rules, 1)
	assert.Equal(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), rules[0].Expires.UTC())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TARO_PERSISTENCE_TYPE", "etcd")
	t.Setenv("TARO_PERSISTENCE_ENABLED", "false")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "etcd", cfg.Persistence.Type)
	assert.False(t, cfg.Persistence.Enabled)
}

func TestFindJob(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	job, err := cfg.FindJob("ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", job.ID)

	_, err = cfg.FindJob("nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		tag     string
	}{
		{"max age", "persistence:\n  max_age: P1Y\n", "iso8601"},
		{"schedule", "jobs:\n  - id: a\n    command: ls\n    schedule: every day\n", "cron"},
		{"command and url", "jobs:\n  - id: a\n    command: ls\n    url: http://localhost\n", "excluded_with"},
		{"no executor", "jobs:\n  - id: a\n", "required_without"},
		{"plugin", "plugins: [unknown]\n", "oneof"},
		{"log mode", "log:\n  mode: loud\n", "oneof"},
		{"expires", "disabled_jobs:\n  - job_id: a\n    expires: tomorrow\n", "datetime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.tag)
		})
	}
}

func TestInvalidCommandQuoting(t *testing.T) {
	_, err := JobConfig{ID: "a", Command: `echo "unterminated`}.ToJob()
	assert.Error(t, err)
}

func TestExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "persistence:\n  type: memory\n")
	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	reloaded := make(chan *Config, 4)
	loader.Watch(func(cfg *Config, err error) {
		if err == nil {
			reloaded <- cfg
		}
	})
	require.NoError(t, os.WriteFile(path, []byte("persistence:\n  type: sqlite\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "sqlite", cfg.Persistence.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
}
