package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"github.com/dotmesh-io/dotscience-go/internal/publish"
	"github.com/dotmesh-io/dotscience-go/run"
)

// readPayloads scans each named file, or stdin when there are none.
func readPayloads(stdin io.Reader, paths []string, tag string) ([]run.Payload, error) {
	if len(paths) == 0 {
		return run.Scan(stdin, tag)
	}
	var out []run.Payload
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		ps, err := run.Scan(f, tag)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, ps...)
	}
	return out, nil
}

type extractCmd struct {
	streams
	tag    string
	format string
}

func (*extractCmd) Name() string { return "extract" }
func (*extractCmd) Synopsis() string { return "print the run payloads found in logs" }
func (*extractCmd) Usage() string {
	return `extract [-tag TAG] [-format json|yaml] [FILE...]:
  Scan FILEs (or stdin) for sentinel-delimited run blocks and print them.
`
}

func (c *extractCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tag, "tag", run.DefaultTag, "sentinel tag")
	f.StringVar(&c.format, "format", "json", "output format: json or yaml")
}

type extracted struct {
	ID       string         `json:"id" yaml:"id"`
	Metadata map[string]any `json:"metadata" yaml:"metadata"`
}

func (c *extractCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.format != "json" && c.format != "yaml" {
		fmt.Fprintf(c.stderr, "unknown format %q\n", c.format)
		return subcommands.ExitUsageError
	}
	payloads, err := readPayloads(c.stdin, f.Args(), c.tag)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return subcommands.ExitFailure
	}

	out := make([]extracted, 0, len(payloads))
	for _, p := range payloads {
		var m map[string]any
		if err := json.Unmarshal(p.Raw, &m); err != nil {
			fmt.Fprintf(c.stderr, "run %s: %v\n", p.ID, err)
			return subcommands.ExitFailure
		}
		out = append(out, extracted{ID: p.ID, Metadata: m})
	}

	if c.format == "yaml" {
		enc := yaml.NewEncoder(c.stdout)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			fmt.Fprintln(c.stderr, err)
			return subcommands.ExitFailure
		}
		_ = enc.Close()
		return subcommands.ExitSuccess
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(c.stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type flattenCmd struct {
	streams
	tag string
}

func (*flattenCmd) Name() string { return "flatten" }
func (*flattenCmd) Synopsis() string { return "print the commit metadata each run would be published with" }
func (*flattenCmd) Usage() string {
	return `flatten [-tag TAG] [FILE...]:
  Scan FILEs (or stdin) for run blocks and print their flattened commit records.
`
}

func (c *flattenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tag, "tag", run.DefaultTag, "sentinel tag")
}

type flattened struct {
	ID     string            `json:"id"`
	Commit map[string]string `json:"commit"`
}

func (c *flattenCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	payloads, err := readPayloads(c.stdin, f.Args(), c.tag)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return subcommands.ExitFailure
	}
	out := make([]flattened, 0, len(payloads))
	for _, p := range payloads {
		flat, err := publish.Flatten(p.Metadata)
		if err != nil {
			fmt.Fprintf(c.stderr, "run %s: %v\n", p.ID, err)
			return subcommands.ExitFailure
		}
		out = append(out, flattened{ID: p.ID, Commit: flat})
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(c.stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
