package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/aevon-lab/sieve/internal/core/pipeline"
)

// stageFlag is a repeatable --filter/--exec/--map flag. All three share one
// list so stages run in the order they were given on the command line,
// regardless of kind.
type stageFlag struct {
	kind   pipeline.Kind
	stages *[]pipeline.Def
}

var _ pflag.Value = (*stageFlag)(nil)

func (f *stageFlag) String() string {
	if f.stages == nil {
		return ""
	}
	var parts []string
	for _, d := range *f.stages {
		if d.Kind == f.kind {
			parts = append(parts, d.Source)
		}
	}
	return strings.Join(parts, "; ")
}

func (f *stageFlag) Set(src string) error {
	*f.stages = append(*f.stages, pipeline.Def{Kind: f.kind, Source: src})
	return nil
}

func (f *stageFlag) Type() string { return "script" }

// execFileFlag is a repeatable --exec-file flag. The file's contents become
// an exec stage at this position in the stage list.
type execFileFlag struct {
	stages *[]pipeline.Def
	paths  []string
}

var _ pflag.Value = (*execFileFlag)(nil)

func (f *execFileFlag) String() string { return strings.Join(f.paths, ",") }

func (f *execFileFlag) Set(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading exec file: %w", err)
	}
	f.paths = append(f.paths, path)
	*f.stages = append(*f.stages, pipeline.Def{Kind: pipeline.KindExec, Source: string(data)})
	return nil
}

func (f *execFileFlag) Type() string { return "file" }

// configKeys maps command-line flags onto config keys. Only flags the user
// set explicitly are layered over the config file and environment.
var configKeys = map[string]string{
	"format":         "input.format",
	"progress":       "input.progress",
	"output-format":  "output.format",
	"pipeline":       "pipeline.file",
	"parallel":       "engine.parallel",
	"unordered":      "engine.unordered",
	"threads":        "engine.threads",
	"batch-size":     "engine.batch_size",
	"batch-timeout":  "engine.batch_timeout",
	"strict":         "engine.strict",
	"window":         "engine.window",
	"span":           "engine.span",
	"drop-late":      "engine.drop_late",
	"levels":         "select.levels",
	"exclude-levels": "select.exclude_levels",
	"since":          "select.since",
	"until":          "select.until",
	"keys":           "select.keys",
	"exclude-keys":   "select.exclude_keys",
	"take":           "select.take",
	"stats":          "report.stats",
	"metrics":        "report.metrics",
	"metrics-json":   "report.metrics_json",
	"metrics-file":   "report.metrics_file",
	"prom-file":      "report.prom_file",
	"stats-interval": "report.stats_interval",
	"log-format":     "log.format",
}

// overrides collects the explicitly set flags as config keys. -v and -q
// set log.level.
func overrides(fs *pflag.FlagSet) map[string]any {
	out := make(map[string]any)
	fs.Visit(func(f *pflag.Flag) {
		key, ok := configKeys[f.Name]
		if !ok {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			out[key] = sv.GetSlice()
			return
		}
		out[key] = f.Value.String()
	})
	if v, _ := fs.GetBool("verbose"); v {
		out["log.level"] = "debug"
	}
	if q, _ := fs.GetBool("quiet"); q {
		out["log.level"] = "error"
	}
	return out
}
