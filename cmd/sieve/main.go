// sieve turns log lines into structured events, runs them through a
// user-scripted pipeline and reports what it tracked.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	corecfg "github.com/aevon-lab/sieve/internal/core/config"
	"github.com/aevon-lab/sieve/internal/core/pipeline"
	"github.com/aevon-lab/sieve/internal/engine"
	"github.com/aevon-lab/sieve/internal/ingest"
	"github.com/aevon-lab/sieve/internal/output"
	"github.com/aevon-lab/sieve/internal/report"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitConfig      = 2
	exitInterrupted = 130
)

// configError marks failures that happen before any input is read.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdin, stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()

	var cfgErr *configError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		fmt.Fprintln(stderr, "sieve:", err)
		return exitConfig
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		fmt.Fprintln(stderr, "sieve:", err)
		return exitFatal
	}
}

type cliFlags struct {
	configPath string
	stages     []pipeline.Def
	begin      string
	end        string
	spanClose  string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var fl cliFlags

	cmd := &cobra.Command{
		Use:   "sieve [files...]",
		Short: "Filter, reshape and aggregate structured logs",
		Long: `sieve reads log lines from files (or stdin), parses each into an event and
runs it through filter, exec and map stages written as small scripts.

Files ending in .gz or .zst are decompressed on the fly. "-" reads stdin.

Examples:
  sieve --filter 'e.status >= 500' access.jsonl
  sieve -f logfmt --exec 'track_count(e.level)' --metrics app.log
  sieve -l error,warn --since 1h -k ts,msg --take 20 app.jsonl
  sieve --parallel --span 5m --span-close 'print(span.id, span.metrics.hits)' \
        --exec 'track_count("hits")' big.jsonl.zst`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, fl, stdin, stdout, stderr)
		},
	}
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &configError{err: err}
	})

	f := cmd.Flags()
	f.StringVar(&fl.configPath, "config", "", "Path to a YAML config file")
	f.String("pipeline", "", "Path to a YAML pipeline file (stages and hooks)")
	f.StringP("format", "f", "jsonl", "Input format (jsonl, logfmt, line)")
	f.StringP("output-format", "F", "default", "Output format (default, logfmt, json)")

	f.Var(&stageFlag{kind: pipeline.KindFilter, stages: &fl.stages}, "filter", "Keep events for which the expression is true (repeatable)")
	f.Var(&stageFlag{kind: pipeline.KindExec, stages: &fl.stages}, "exec", "Run statements against each event (repeatable)")
	f.Var(&stageFlag{kind: pipeline.KindMap, stages: &fl.stages}, "map", "Replace each event with the map the expression returns (repeatable)")
	f.Var(&execFileFlag{stages: &fl.stages}, "exec-file", "Run the script in this file as an exec stage (repeatable)")
	f.StringVar(&fl.begin, "begin", "", "Script run once before the first event")
	f.StringVar(&fl.end, "end", "", "Script run once after the last event")

	f.Int("window", 0, "Number of recent events visible to stages as window")
	f.String("span", "", `Partition events into spans: "count:K", K, or a duration like 5m`)
	f.StringVar(&fl.spanClose, "span-close", "", "Script run when a span closes")
	f.Bool("drop-late", false, "Keep events older than the open span out of every span")

	f.Bool("parallel", false, "Process batches on a worker pool")
	f.Bool("unordered", false, "With --parallel, write output as batches complete")
	f.Int("threads", 0, "Worker count for --parallel (0 = one per CPU)")
	f.Int("batch-size", 1000, "Records per worker batch")
	f.String("batch-timeout", "200ms", "Send a partial batch to the workers after this long")
	f.Bool("strict", false, "Abort on the first stage failure")

	f.StringSliceP("levels", "l", nil, "Keep only events with these levels (comma-separated)")
	f.StringSliceP("exclude-levels", "L", nil, "Drop events with these levels (comma-separated)")
	f.String("since", "", "Keep events at or after this time (timestamp, date, now, or a duration back from now like 1h)")
	f.String("until", "", "Keep events at or before this time")
	f.StringSliceP("keys", "k", nil, "Output only these fields, in this order (comma-separated)")
	f.StringSliceP("exclude-keys", "K", nil, "Remove these fields from the output (comma-separated)")
	f.Int("take", 0, "Stop after writing this many events (0 = no limit)")

	f.BoolP("verbose", "v", false, "Log every stage failure with its position")
	f.BoolP("quiet", "q", false, "Only log errors")
	f.String("log-format", "text", "Log format on stderr (text, json)")
	f.Bool("progress", false, "Show a progress bar on stderr when it is a terminal")

	f.Bool("stats", false, "Print run counters to stderr at the end")
	f.Bool("metrics", false, "Print tracked metrics and spans to stderr at the end")
	f.Bool("metrics-json", false, "Print the run summary as JSON to stderr at the end")
	f.String("metrics-file", "", "Write tracked metrics as JSON to this file")
	f.String("prom-file", "", "Write run counters and metrics in Prometheus text format to this file")
	f.String("stats-interval", "", "Log a stats snapshot at this interval (e.g. 10s)")
	return cmd
}

func run(cmd *cobra.Command, args []string, fl cliFlags, stdin io.Reader, stdout, stderr io.Writer) error {
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		if q, _ := cmd.Flags().GetBool("quiet"); q {
			return &configError{err: errors.New("--verbose and --quiet cannot be used together")}
		}
	}
	cfg, err := corecfg.Load(fl.configPath, overrides(cmd.Flags()))
	if err != nil {
		return &configError{err: err}
	}
	setupLogger(stderr, cfg.Log)

	opts, err := engineOptions(cfg, fl)
	if err != nil {
		return &configError{err: err}
	}
	parser, err := ingest.NewParser(cfg.Input.Format)
	if err != nil {
		return &configError{err: err}
	}
	formatter, err := output.NewFormatter(cfg.Output.Format)
	if err != nil {
		return &configError{err: err}
	}

	out := output.NewWriter(stdout, formatter)
	eng, err := engine.New(opts, parser, out)
	if err != nil {
		return &configError{err: err}
	}
	if cfg.Definition != nil {
		slog.Info("[CLI] Loaded pipeline", "file", cfg.Pipeline.File, "fingerprint", cfg.Definition.Fingerprint[:12])
	}

	if len(args) == 0 {
		args = []string{"-"}
	}
	src := ingest.OpenFiles(args, stdin)
	defer src.Close()

	if cfg.Input.Progress && isTerminal(stderr) {
		bar := ingest.NewProgress(stderr, ingest.TotalSize(args))
		src.Wrap(bar.Wrap)
		defer bar.Finish()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, runErr := eng.Run(ctx, src)
	if err := out.Flush(); err != nil && runErr == nil {
		runErr = fmt.Errorf("flushing output: %w", err)
	}
	if sum != nil {
		if err := writeReports(stderr, cfg.Report, sum); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// engineOptions merges pipeline file scripts with command-line scripts. File
// stages run first; command-line hooks replace file hooks.
func engineOptions(cfg *corecfg.Config, fl cliFlags) (engine.Options, error) {
	spec, err := cfg.Engine.SpanSpec()
	if err != nil {
		return engine.Options{}, err
	}
	interval, err := cfg.Report.Interval()
	if err != nil {
		return engine.Options{}, err
	}
	timeout, err := cfg.Engine.Timeout()
	if err != nil {
		return engine.Options{}, err
	}
	sel, err := cfg.Select.Selection(time.Now())
	if err != nil {
		return engine.Options{}, err
	}

	opts := engine.Options{
		Threads:       cfg.Engine.Threads,
		BatchSize:     cfg.Engine.BatchSize,
		ChannelBuffer: cfg.Engine.ChannelBuffer,
		BatchTimeout:  timeout,
		Window:        cfg.Engine.Window,
		Span:          spec,
		DropLate:      cfg.Engine.DropLate,
		Selection:     sel,
		Take:          cfg.Select.Take,
		Strict:        cfg.Engine.Strict,
		StatsInterval: interval,
	}
	switch {
	case cfg.Engine.Parallel && cfg.Engine.Unordered:
		opts.Mode = engine.ParallelUnordered
	case cfg.Engine.Parallel:
		opts.Mode = engine.ParallelOrdered
	default:
		opts.Mode = engine.Sequential
	}

	if def := cfg.Definition; def != nil {
		opts.Stages = append(opts.Stages, def.Stages...)
		opts.Begin, opts.End, opts.SpanClose = def.Begin, def.End, def.SpanClose
	}
	opts.Stages = append(opts.Stages, fl.stages...)
	if fl.begin != "" {
		opts.Begin = fl.begin
	}
	if fl.end != "" {
		opts.End = fl.end
	}
	if fl.spanClose != "" {
		opts.SpanClose = fl.spanClose
	}
	return opts, nil
}

func writeReports(w io.Writer, rc corecfg.ReportConfig, sum *engine.Summary) error {
	if rc.Stats {
		if err := report.WriteStats(w, sum); err != nil {
			return err
		}
	}
	if rc.Metrics {
		if err := report.WriteMetrics(w, sum); err != nil {
			return err
		}
		if err := report.WriteSpans(w, sum); err != nil {
			return err
		}
	}
	if rc.MetricsJSON {
		if err := report.WriteJSON(w, sum); err != nil {
			return err
		}
	}
	if rc.MetricsFile != "" {
		if err := report.WriteMetricsFile(rc.MetricsFile, sum); err != nil {
			return err
		}
	}
	if rc.PromFile != "" {
		if err := report.WritePromFile(rc.PromFile, sum); err != nil {
			return err
		}
	}
	return nil
}

func setupLogger(w io.Writer, lc corecfg.LogConfig) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(w, hopts)
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	}
	slog.SetDefault(slog.New(handler))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
