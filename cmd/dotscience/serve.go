package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/google/subcommands"

	"github.com/dotmesh-io/dotscience-go/serving"
)

type serveEchoCmd struct {
	streams
	logger *slog.Logger
	host   string
	port   int
}

func (*serveEchoCmd) Name() string { return "serve-echo" }
func (*serveEchoCmd) Synopsis() string { return "serve the echo model on the model-serving routes" }
func (*serveEchoCmd) Usage() string {
	return `serve-echo [-host HOST] [-port PORT]:
  Serve /v1/healthcheck, /v1/models/model and /v1/models/model:predict with a
  predictor that returns its query. Defaults come from DOTSCIENCE_SERVE_HOST and
  DOTSCIENCE_SERVE_PORT.
`
}

func (c *serveEchoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.host, "host", "", "listen host")
	f.IntVar(&c.port, "port", 0, "listen port")
}

func (c *serveEchoCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := serving.ConfigFromEnv()
	if err != nil {
		c.logger.Error("invalid serving config", "error", err)
		return subcommands.ExitUsageError
	}
	if c.host != "" {
		cfg.Host = c.host
	}
	if c.port != 0 {
		cfg.Port = c.port
	}

	opts := []serving.Option{serving.WithLogger(c.logger)}
	if cfg.OIDCIssuer != "" {
		auth, err := serving.NewOIDCAuthenticator(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
		if err != nil {
			c.logger.Error("oidc unavailable", "error", err)
			return subcommands.ExitFailure
		}
		opts = append(opts, serving.WithAuthenticator(auth))
	}

	srv := serving.New[any](nil, serving.Echo, opts...)
	if err := srv.Serve(ctx, cfg); err != nil {
		c.logger.Error("model server failed", "error", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type versionCmd struct {
	streams
}

func (*versionCmd) Name() string { return "version" }
func (*versionCmd) Synopsis() string { return "print the version" }
func (*versionCmd) Usage() string { return "version:\n  Print the version.\n" }
func (*versionCmd) SetFlags(*flag.FlagSet) {}
func (c *versionCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Fprintf(c.stdout, "dotscience %s\n", version)
	return subcommands.ExitSuccess
}
