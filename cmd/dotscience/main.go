// Command dotscience inspects run payloads and serves models.
//
//	dotscience extract [-tag T] [-format json|yaml] [file...]
//	dotscience flatten [-tag T] [file...]
//	dotscience serve-echo [-host H] [-port P]
//	dotscience version
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"

	"github.com/dotmesh-io/dotscience-go/internal/platform/env"
)

// version is set at link time.
var version = "dev"

func main() {
	dotenvErr := godotenv.Load()

	level := slog.LevelInfo
	if debug, _ := env.Bool("DOTSCIENCE_DEBUG", false); debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		logger.Warn("ignoring unreadable .env file", "error", dotenvErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(execute(ctx, logger, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func execute(ctx context.Context, logger *slog.Logger, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dotscience", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cdr := subcommands.NewCommander(fs, "dotscience")
	cdr.Output = stdout
	cdr.Error = stderr

	st := streams{stdin: stdin, stdout: stdout, stderr: stderr}
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(cdr.CommandsCommand(), "")
	cdr.Register(cdr.FlagsCommand(), "")
	cdr.Register(&extractCmd{streams: st}, "payloads")
	cdr.Register(&flattenCmd{streams: st}, "payloads")
	cdr.Register(&serveEchoCmd{streams: st, logger: logger}, "serving")
	cdr.Register(&versionCmd{streams: st}, "")

	if err := fs.Parse(args); err != nil {
		return int(subcommands.ExitUsageError)
	}
	return int(cdr.Execute(ctx))
}

type streams struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}
