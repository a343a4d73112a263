package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/sieve/internal/core/pipeline"
	"github.com/aevon-lab/sieve/internal/core/span"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "jsonl", cfg.Input.Format)
	assert.Equal(t, "default", cfg.Output.Format)
	assert.Equal(t, 1000, cfg.Engine.BatchSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Nil(t, cfg.Definition)

	spec, err := cfg.Engine.SpanSpec()
	require.NoError(t, err)
	assert.Nil(t, spec)

	timeout, err := cfg.Engine.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, timeout)

	sel, err := cfg.Select.Selection(time.Now())
	require.NoError(t, err)
	assert.Equal(t, pipeline.Selection{}, sel)
	assert.Zero(t, cfg.Select.Take)
}

func TestLoad_SelectSection(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "sieve.yaml", `
select:
  levels: [error, warn]
  since: "2026-02-11T10:00:00Z"
  until: 1h
  keys: [msg]
  take: 10
engine:
  batch_timeout: 50ms
`)
	t.Setenv("SIEVE_SELECT__EXCLUDE_KEYS", "host, pid")

	cfg, err := Load(cfgPath, map[string]any{"select.take": "3"})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Select.Take)

	now := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	sel, err := cfg.Select.Selection(now)
	require.NoError(t, err)
	assert.Equal(t, []string{"error", "warn"}, sel.Levels)
	assert.Equal(t, []string{"msg"}, sel.Keys)
	assert.Equal(t, []string{"host", "pid"}, sel.ExcludeKeys)
	require.NotNil(t, sel.Since)
	assert.Equal(t, time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC), *sel.Since)
	require.NotNil(t, sel.Until)
	assert.Equal(t, now.Add(-time.Hour), *sel.Until)

	timeout, err := cfg.Engine.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, timeout)
}

func TestLoad_FileEnvAndOverrides(t *testing.T) {
	root := t.TempDir()
	pipelinePath := writeFile(t, root, "pipeline.yaml", `
stages:
  - filter: e.status >= 400
  - exec: track_count("errors")
end: print(metrics.errors)
`)
	cfgPath := writeFile(t, root, "sieve.yaml", `
input:
  format: logfmt
output:
  format: json
pipeline:
  file: `+pipelinePath+`
engine:
  parallel: true
  threads: 4
  batch_size: 250
  span: "count:10"
report:
  stats_interval: 5s
`)

	t.Setenv("SIEVE_ENGINE__THREADS", "8")
	t.Setenv("SIEVE_LOG__LEVEL", "debug")

	cfg, err := Load(cfgPath, map[string]any{"engine.batch_size": 50})
	require.NoError(t, err)

	assert.Equal(t, "logfmt", cfg.Input.Format)
	assert.Equal(t, "json", cfg.Output.Format)
	assert.True(t, cfg.Engine.Parallel)
	assert.Equal(t, 8, cfg.Engine.Threads, "env wins over file")
	assert.Equal(t, 50, cfg.Engine.BatchSize, "overrides win over file")
	assert.Equal(t, "debug", cfg.Log.Level)

	spec, err := cfg.Engine.SpanSpec()
	require.NoError(t, err)
	assert.Equal(t, &span.Spec{Mode: span.ModeCount, Count: 10}, spec)

	interval, err := cfg.Report.Interval()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, interval)

	require.NotNil(t, cfg.Definition)
	assert.Equal(t, []pipeline.Def{
		{Kind: pipeline.KindFilter, Source: "e.status >= 400"},
		{Kind: pipeline.KindExec, Source: `track_count("errors")`},
	}, cfg.Definition.Stages)
	assert.Equal(t, "print(metrics.errors)", cfg.Definition.End)
}

func TestLoad_InvalidConfigFailsStartup(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "input format", yaml: "input:\n  format: xml\n", wantErr: "invalid input.format"},
		{name: "output format", yaml: "output:\n  format: csv\n", wantErr: "invalid output.format"},
		{name: "batch size", yaml: "engine:\n  batch_size: 0\n", wantErr: "engine.batch_size must be > 0"},
		{name: "negative window", yaml: "engine:\n  window: -2\n", wantErr: "engine.window must be >= 0"},
		{name: "unordered alone", yaml: "engine:\n  unordered: true\n", wantErr: "engine.unordered requires engine.parallel"},
		{name: "span", yaml: "engine:\n  span: soon\n", wantErr: "invalid engine.span"},
		{name: "stats interval", yaml: "report:\n  stats_interval: often\n", wantErr: "invalid report.stats_interval"},
		{name: "batch timeout", yaml: "engine:\n  batch_timeout: soon\n", wantErr: "invalid engine.batch_timeout"},
		{name: "negative take", yaml: "select:\n  take: -1\n", wantErr: "select.take must be >= 0"},
		{name: "since", yaml: "select:\n  since: someday\n", wantErr: "invalid select.since"},
		{name: "log level", yaml: "log:\n  level: loud\n", wantErr: "invalid log.level"},
		{name: "log format", yaml: "log:\n  format: xml\n", wantErr: "invalid log.format"},
		{name: "missing pipeline file", yaml: "pipeline:\n  file: /nonexistent/pipeline.yaml\n", wantErr: "pipeline.file"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfgPath := writeFile(t, t.TempDir(), "sieve.yaml", tc.yaml)
			_, err := Load(cfgPath, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad_InvalidPipelineFileFailsStartup(t *testing.T) {
	root := t.TempDir()
	pipelinePath := writeFile(t, root, "pipeline.yaml", `
stages:
  - filter: e.a
    exec: e.b = 1
`)
	_, err := Load("", map[string]any{"pipeline.file": pipelinePath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load pipeline")
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}
