// Package main is the metascribe command line tool.
//
// metascribe extracts metadata from rendered job scripts with a template and
// records it, together with caller supplied key/value pairs, in one of the
// metascribe storage backends. Configuration is read from a YAML file, a .env
// file and METASCRIBE_* environment variables; flags win.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/metascribe/internal/config"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "metascribe: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	slog.SetDefault(newLogger(ll))
	return run(ctx, ll, os.Args[1:], os.Stdout)
}

func newLogger(ll *slog.LevelVar) *slog.Logger {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
}

const usage = `usage: metascribe [flags] <command> [command flags]

Commands:
  parse <template> <file>  print the values the template extracts from file
  store                    upsert extracted values and -kv-<name>=<value> pairs into a SQL table
  put                      store a string, JSON object or CSV table under a key
  get                      print the value stored under a key
  read                     dump the tables and objects of a sharded store
  config                   print the effective configuration or its JSON schema

Flags:
`

// env carries what every command needs.
type env struct {
	cfg    *config.Config
	stdout io.Writer
}

func run(ctx context.Context, ll *slog.LevelVar, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("metascribe", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	version := fs.Bool("version", false, "Print version and exit")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	cfgPath := fs.String("config", "metascribe.yaml", "YAML configuration file; a missing file means defaults")
	envPath := fs.String("env-file", ".env", "File of KEY=value lines consulted after the environment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *version {
		printVersion(stdout)
		return nil
	}
	if err := setLevel(ll, *logLevel); err != nil {
		return err
	}
	dotEnv, err := config.LoadDotEnv(*envPath)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", *envPath, err)
	}
	getenv := func(k string) string {
		if v := os.Getenv(k); v != "" {
			return v
		}
		return dotEnv[k]
	}
	cfg, err := config.Load(*cfgPath, getenv)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	e := &env{cfg: cfg, stdout: stdout}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "parse":
		return e.parse(rest)
	case "store":
		return e.store(ctx, rest)
	case "put":
		return e.put(ctx, rest)
	case "get":
		return e.get(ctx, rest)
	case "read":
		return e.read(ctx, rest)
	case "config":
		return e.config(rest)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func setLevel(ll *slog.LevelVar, level string) error {
	switch level {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
		ll.Set(slog.LevelInfo)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", level)
	}
	return nil
}

func printVersion(w io.Writer) {
	version, goVersion, revision, dirty := getBuildInfo()
	_, _ = fmt.Fprintf(w, "metascribe %s\n", version)
	_, _ = fmt.Fprintf(w, "  Go version: %s\n", goVersion)
	_, _ = fmt.Fprintf(w, "  Revision:   %s\n", revision)
	if dirty {
		_, _ = fmt.Fprintf(w, "  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
