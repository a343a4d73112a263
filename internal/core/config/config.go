package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/aevon-lab/sieve/internal/core/pipeline"
	"github.com/aevon-lab/sieve/internal/core/span"
	"github.com/aevon-lab/sieve/internal/ingest"
	"github.com/aevon-lab/sieve/internal/output"
)

// Config is the resolved run configuration.
type Config struct {
	Input    InputConfig    `koanf:"input"`
	Output   OutputConfig   `koanf:"output"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Engine   EngineConfig   `koanf:"engine"`
	Select   SelectConfig   `koanf:"select"`
	Report   ReportConfig   `koanf:"report"`
	Log      LogConfig      `koanf:"log"`

	// Definition is populated by Load when pipeline.file is set.
	Definition *pipeline.Definition `koanf:"-"`
}

type InputConfig struct {
	Format   string `koanf:"format"`
	Progress bool   `koanf:"progress"`
}

type OutputConfig struct {
	Format string `koanf:"format"`
}

type PipelineConfig struct {
	File string `koanf:"file"`
}

type EngineConfig struct {
	Parallel      bool   `koanf:"parallel"`
	Unordered     bool   `koanf:"unordered"`
	Threads       int    `koanf:"threads"`
	BatchSize     int    `koanf:"batch_size"`
	ChannelBuffer int    `koanf:"channel_buffer"`
	BatchTimeout  string `koanf:"batch_timeout"`
	Strict        bool   `koanf:"strict"`
	Window        int    `koanf:"window"`
	Span          string `koanf:"span"` // "count:K", K, or a duration
	DropLate      bool   `koanf:"drop_late"`
}

// SelectConfig holds the built-in filters and field selection.
type SelectConfig struct {
	Levels        []string `koanf:"levels"`
	ExcludeLevels []string `koanf:"exclude_levels"`
	Since         string   `koanf:"since"`
	Until         string   `koanf:"until"`
	Keys          []string `koanf:"keys"`
	ExcludeKeys   []string `koanf:"exclude_keys"`
	Take          int      `koanf:"take"`
}

type ReportConfig struct {
	Stats         bool   `koanf:"stats"`
	Metrics       bool   `koanf:"metrics"`
	MetricsJSON   bool   `koanf:"metrics_json"`
	MetricsFile   string `koanf:"metrics_file"`
	PromFile      string `koanf:"prom_file"`
	StatsInterval string `koanf:"stats_interval"` // "" or "0" disables
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

// SpanSpec parses engine.span. It returns nil when spans are disabled.
func (c EngineConfig) SpanSpec() (*span.Spec, error) {
	if strings.TrimSpace(c.Span) == "" {
		return nil, nil
	}
	spec, err := span.ParseSpec(c.Span)
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// Timeout parses engine.batch_timeout; "" means the engine default.
func (c EngineConfig) Timeout() (time.Duration, error) {
	if c.BatchTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.BatchTimeout)
}

// Selection resolves the select section, reading relative since and until
// values against now.
func (c SelectConfig) Selection(now time.Time) (pipeline.Selection, error) {
	sel := pipeline.Selection{
		Levels:        splitList(c.Levels),
		ExcludeLevels: splitList(c.ExcludeLevels),
		Keys:          splitList(c.Keys),
		ExcludeKeys:   splitList(c.ExcludeKeys),
	}
	if c.Since != "" {
		ts, err := pipeline.ParseTimeBound(c.Since, now)
		if err != nil {
			return sel, fmt.Errorf("invalid select.since: %w", err)
		}
		sel.Since = &ts
	}
	if c.Until != "" {
		ts, err := pipeline.ParseTimeBound(c.Until, now)
		if err != nil {
			return sel, fmt.Errorf("invalid select.until: %w", err)
		}
		sel.Until = &ts
	}
	return sel, nil
}

// splitList accepts both YAML lists and comma-separated values, which is how
// lists arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Interval parses report.stats_interval.
func (c ReportConfig) Interval() (time.Duration, error) {
	if c.StatsInterval == "" || c.StatsInterval == "0" {
		return 0, nil
	}
	return time.ParseDuration(c.StatsInterval)
}

func (c *Config) Validate() error {
	if _, err := ingest.NewParser(c.Input.Format); err != nil {
		return fmt.Errorf("invalid input.format: %w", err)
	}
	if _, err := output.NewFormatter(c.Output.Format); err != nil {
		return fmt.Errorf("invalid output.format: %w", err)
	}

	if c.Engine.Threads < 0 {
		return fmt.Errorf("engine.threads must be >= 0")
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be > 0")
	}
	if c.Engine.ChannelBuffer < 0 {
		return fmt.Errorf("engine.channel_buffer must be >= 0")
	}
	if c.Engine.Window < 0 {
		return fmt.Errorf("engine.window must be >= 0")
	}
	if c.Engine.Unordered && !c.Engine.Parallel {
		return fmt.Errorf("engine.unordered requires engine.parallel")
	}
	if _, err := c.Engine.SpanSpec(); err != nil {
		return fmt.Errorf("invalid engine.span %q: %w", c.Engine.Span, err)
	}
	if timeout, err := c.Engine.Timeout(); err != nil {
		return fmt.Errorf("invalid engine.batch_timeout %q: %w", c.Engine.BatchTimeout, err)
	} else if timeout < 0 {
		return fmt.Errorf("engine.batch_timeout must be >= 0")
	}

	if c.Select.Take < 0 {
		return fmt.Errorf("select.take must be >= 0")
	}
	if _, err := c.Select.Selection(time.Now()); err != nil {
		return err
	}

	interval, err := c.Report.Interval()
	if err != nil {
		return fmt.Errorf("invalid report.stats_interval %q: %w", c.Report.StatsInterval, err)
	}
	if interval < 0 {
		return fmt.Errorf("report.stats_interval must be >= 0")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (must be debug, info, warn or error)", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}

	if c.Pipeline.File != "" {
		if _, err := os.Stat(c.Pipeline.File); err != nil {
			return fmt.Errorf("pipeline.file %q is not accessible: %w", c.Pipeline.File, err)
		}
	}
	return nil
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"input.format":          "jsonl",
		"input.progress":        false,
		"output.format":         "default",
		"pipeline.file":         "",
		"engine.parallel":       false,
		"engine.unordered":      false,
		"engine.threads":        0,
		"engine.batch_size":     1000,
		"engine.channel_buffer": 0,
		"engine.batch_timeout":  "200ms",
		"engine.strict":         false,
		"engine.window":         0,
		"engine.span":           "",
		"engine.drop_late":      false,
		"select.levels":         []string{},
		"select.exclude_levels": []string{},
		"select.since":          "",
		"select.until":          "",
		"select.keys":           []string{},
		"select.exclude_keys":   []string{},
		"select.take":           0,
		"report.stats":          false,
		"report.metrics":        false,
		"report.metrics_json":   false,
		"report.metrics_file":   "",
		"report.prom_file":      "",
		"report.stats_interval": "",
		"log.level":             "info",
		"log.format":            "text",
	}
}

// Load layers defaults, the YAML file at configPath (optional), SIEVE_*
// environment variables and finally overrides, then validates the result and
// loads the pipeline file it names. overrides uses dotted keys and is how
// explicitly set command-line flags win over everything else.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults() {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("SIEVE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SIEVE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	for key, value := range overrides {
		k.Set(key, value)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Pipeline.File != "" {
		def, err := pipeline.LoadDefinition(cfg.Pipeline.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load pipeline: %w", err)
		}
		cfg.Definition = def
	}

	return &cfg, nil
}
