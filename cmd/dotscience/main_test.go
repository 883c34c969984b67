package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const logWithRuns = `epoch 1 loss=0.3
[[DOTSCIENCE-RUN:abc]]
{
    "input": ["data.csv"],
    "labels": {"team": "vision"},
    "output": ["model.h5"],
    "parameters": {"lr": "0.01"},
    "summary": {"accuracy": "0.98"},
    "version": "1"
}
[[/DOTSCIENCE-RUN:abc]]
done
`

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	code := execute(context.Background(), logger, args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestExtract_JSON(t *testing.T) {
	code, out, errOut := runCLI(t, logWithRuns, "extract")
	require.Equal(t, 0, code, errOut)

	var got []struct {
		ID       string         `json:"id"`
		Metadata map[string]any `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].ID)
	assert.Equal(t, []any{"data.csv"}, got[0].Metadata["input"])
}

func TestExtract_YAMLFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(path, []byte(logWithRuns), 0o644))

	code, out, errOut := runCLI(t, "", "extract", "-format", "yaml", path)
	require.Equal(t, 0, code, errOut)

	var got []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0]["id"])
}

func TestExtract_UnknownFormat(t *testing.T) {
	code, _, errOut := runCLI(t, logWithRuns, "extract", "-format", "xml")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "xml")
}

func TestFlatten(t *testing.T) {
	code, out, errOut := runCLI(t, logWithRuns, "flatten")
	require.Equal(t, 0, code, errOut)

	var got []struct {
		ID     string            `json:"id"`
		Commit map[string]string `json:"commit"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, map[string]string{
		"label.team":       "vision",
		"output-files":     `["model.h5"]`,
		"parameters.lr":    "0.01",
		"summary.accuracy": "0.98",
		"version":          "1",
	}, got[0].Commit)
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "", "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dotscience dev\n", out)
}

func TestMissingFile(t *testing.T) {
	code, _, errOut := runCLI(t, "", "extract", filepath.Join(t.TempDir(), "missing.log"))
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, errOut)
}
