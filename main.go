package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/lvcoi/getmux/internal/app"
	"github.com/lvcoi/getmux/internal/config"
	"github.com/lvcoi/getmux/internal/downloader"
	"github.com/lvcoi/getmux/internal/mux"
	"github.com/lvcoi/getmux/internal/progress"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func newApp(stdout, stderr io.Writer, code *int) *cli.App {
	return &cli.App{
		Name:      "getmux",
		Usage:     "download media parts over HTTP and merge them into one file",
		ArgsUsage: "<url> [url...]",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output-dir", Aliases: []string{"o"}, Usage: "directory for downloaded files"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite existing output files"},
			&cli.BoolFlag{Name: "no-merge", Usage: "keep the parts instead of merging them"},
			&cli.BoolFlag{Name: "dry-run", Aliases: []string{"u"}, Usage: "print the part URLs and exit"},
			&cli.StringFlag{Name: "player", Aliases: []string{"p"}, Usage: "stream the parts with `COMMAND` instead of downloading"},
			&cli.StringFlag{Name: "proxy", Aliases: []string{"x"}, Usage: "HTTP proxy `URL`"},
			&cli.BoolFlag{Name: "fake-headers", Usage: "send browser-like request headers"},
			&cli.StringSliceFlag{Name: "header", Aliases: []string{"H"}, Usage: "extra request header `NAME:VALUE` (repeatable)"},
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Usage: "parallel part downloads per file"},
			&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Value: 1, Usage: "files downloaded in parallel"},
			&cli.IntFlag{Name: "retries", Usage: "retries per part after a transient failure"},
			&cli.DurationFlag{Name: "timeout", Usage: "connect and response header timeout"},
			&cli.Int64Flag{Name: "rate-limit", Usage: "bandwidth cap in bytes per second (0 = unlimited)"},
			&cli.StringFlag{Name: "config", Usage: "config file `PATH`", EnvVars: []string{"GETMUX_CONFIG_FILE"}},
			&cli.StringSliceFlag{Name: "spec", Aliases: []string{"s"}, Usage: "YAML download spec `FILE` (repeatable)"},
			&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "title used for the output file name"},
			&cli.StringFlag{Name: "container", Value: "other", Usage: "container of the parts: flv, mp4, ts or other"},
			&cli.Int64Flag{Name: "total-size", Usage: "total size in bytes, when known"},
			&cli.StringFlag{Name: "referer", Usage: "Referer header sent with every request"},
			&cli.BoolFlag{Name: "fake-ua", Usage: "send a browser User-Agent"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "suppress progress and OK lines"},
			&cli.BoolFlag{Name: "tui", Usage: "full-screen progress display"},
			&cli.BoolFlag{Name: "json", Usage: "print one JSON object per download"},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "log level: debug, info, warn, error"},
		},
		Action: func(c *cli.Context) error {
			*code = action(c, stdout, stderr)
			return nil
		},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := 0
	if err := newApp(stdout, stderr, &code).RunContext(ctx, args); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	return code
}

func action(c *cli.Context, stdout, stderr io.Writer) int {
	level, err := log.ParseLevel(c.String("log-level"))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	logger := log.NewWithOptions(stderr, log.Options{
		Level:           level,
		Prefix:          "getmux",
		ReportTimestamp: level <= log.DebugLevel,
		TimeFormat:      "15:04:05",
	})

	opts, err := config.Load(c.String("config"))
	if err != nil {
		return fail(stdout, stderr, c.Bool("json"), err)
	}
	applyFlags(c, &opts)
	if err := applyHeaders(c.StringSlice("header"), &opts); err != nil {
		return fail(stdout, stderr, c.Bool("json"), err)
	}

	specs, err := collectSpecs(c)
	if err != nil {
		return fail(stdout, stderr, c.Bool("json"), err)
	}

	jsonMode := c.Bool("json")
	quiet := c.Bool("quiet") || jsonMode
	printer := app.NewPrinter(stderr, quiet, false)
	if jsonMode {
		printer = app.NewPrinter(stdout, true, true)
	}

	sessionOpts := []downloader.SessionOption{
		downloader.WithLogger(logger),
		downloader.WithEncoder(&mux.FFmpeg{}),
		downloader.WithOutput(stdout),
		downloader.WithProgress(progressFactory(stderr, quiet, c.Bool("tui"), c.Int("jobs"))),
	}
	results, code := app.Run(c.Context, specs, opts, c.Int("jobs"), printer, sessionOpts...)
	logger.Debug("batch finished", "downloads", len(results), "exit", code)
	return code
}

// applyFlags lets explicitly set flags override the loaded configuration.
func applyFlags(c *cli.Context, opts *downloader.Options) {
	if c.IsSet("output-dir") {
		opts.OutputDir = c.String("output-dir")
	}
	if c.IsSet("force") {
		opts.Overwrite = c.Bool("force")
	}
	if c.IsSet("no-merge") {
		opts.Merge = !c.Bool("no-merge")
	}
	if c.IsSet("dry-run") {
		opts.DryRun = c.Bool("dry-run")
	}
	if c.IsSet("player") {
		opts.PlayerCommand = c.String("player")
	}
	if c.IsSet("proxy") {
		opts.Proxy = c.String("proxy")
	}
	if c.Bool("fake-headers") {
		headers := downloader.BrowserHeaders()
		for k, v := range opts.FakeHeaders {
			headers[k] = v
		}
		opts.FakeHeaders = headers
	}
	if c.IsSet("concurrency") {
		opts.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("retries") {
		opts.MaxRetries = c.Int("retries")
	}
	if c.IsSet("timeout") {
		opts.Timeout = c.Duration("timeout")
	}
	if c.IsSet("rate-limit") {
		opts.RateLimit = c.Int64("rate-limit")
	}
}

// applyHeaders adds "Name: value" pairs to the headers sent with every
// request.
func applyHeaders(pairs []string, opts *downloader.Options) error {
	if len(pairs) == 0 {
		return nil
	}
	headers := make(map[string]string, len(opts.FakeHeaders)+len(pairs))
	for k, v := range opts.FakeHeaders {
		headers[k] = v
	}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return downloader.CategorizedError{
				Category: downloader.CategoryInvalidInput,
				Err:      fmt.Errorf("invalid header %q, want NAME:VALUE", pair),
			}
		}
		headers[name] = strings.TrimSpace(value)
	}
	opts.FakeHeaders = headers
	return nil
}

// collectSpecs builds one spec from the positional URLs plus every spec
// file given with --spec.
func collectSpecs(c *cli.Context) ([]downloader.DownloadSpec, error) {
	var specs []downloader.DownloadSpec
	if c.Args().Len() > 0 {
		specs = append(specs, downloader.DownloadSpec{
			URLs:             c.Args().Slice(),
			Title:            c.String("title"),
			Container:        mux.ParseContainer(c.String("container")),
			TotalSize:        c.Int64("total-size"),
			Referer:          c.String("referer"),
			UseFakeUserAgent: c.Bool("fake-ua"),
		})
	}
	for _, path := range c.StringSlice("spec") {
		loaded, err := downloader.LoadSpecs(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, loaded...)
	}
	if len(specs) == 0 {
		return nil, downloader.CategorizedError{
			Category: downloader.CategoryInvalidInput,
			Err:      errors.New("no url or --spec provided"),
		}
	}
	return specs, nil
}

// progressFactory picks the progress display. Bars are only drawn on a
// terminal and only when downloads run one at a time.
func progressFactory(w io.Writer, quiet, tui bool, jobs int) downloader.ProgressFactory {
	f, ok := w.(*os.File)
	terminal := ok && isatty.IsTerminal(f.Fd())
	return func(title string, total int64, parts int) progress.Reporter {
		switch {
		case quiet || !terminal || jobs > 1:
			return progress.Discard
		case tui:
			return progress.NewTUI(w, title, total, parts)
		default:
			return progress.NewBar(w, total, parts, progress.WithStyle())
		}
	}
}

func fail(stdout, stderr io.Writer, jsonMode bool, err error) int {
	if jsonMode {
		app.NewPrinter(stdout, true, true).Item(1, 1, app.Result{Err: err})
	} else {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return downloader.ExitCode(err)
}
