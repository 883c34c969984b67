package dotscience

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotmesh-io/dotscience-go/internal/hub"
	"github.com/dotmesh-io/dotscience-go/mode"
	"github.com/dotmesh-io/dotscience-go/run"
)

func stepClock() func() time.Time {
	t := time.Date(2019, 3, 14, 15, 9, 26, 535000000, time.UTC)
	return func() time.Time {
		t = t.Add(1500 * time.Microsecond)
		return t
	}
}

func newSession(t *testing.T, hint string, opts ...Option) (*Session, *bytes.Buffer, string) {
	t.Helper()
	root := t.TempDir()
	var out bytes.Buffer
	base := []Option{
		WithRoot(root),
		WithWorkingDir(root),
		WithOutput(&out),
		WithDiagnostics(io.Discard),
		WithWorkloadType(hint),
		WithRunOptions(run.WithClock(stepClock())),
	}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s, &out, root
}

func payloads(t *testing.T, out *bytes.Buffer) []run.Payload {
	t.Helper()
	got, err := run.Extract(out.String(), run.DefaultTag)
	require.NoError(t, err)
	return got
}

func TestPublish_ScriptScenario(t *testing.T) {
	s, out, _ := newSession(t, "")
	ctx := context.Background()

	require.NoError(t, s.Script("job.py"))
	require.NoError(t, s.Start())
	require.NoError(t, s.AddInput("a.csv"))
	require.NoError(t, s.AddOutput("b.csv"))
	res, err := s.Publish(ctx, WithDescription("t"))
	require.NoError(t, err)

	got := payloads(t, out)
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, res.RunID, p.ID)
	assert.Empty(t, res.CommitID)

	m := p.Metadata
	require.NotEmpty(t, m.Start)
	require.NotEmpty(t, m.End)
	assert.LessOrEqual(t, m.Start, m.End)

	want := map[string]any{
		"version":       "1",
		"input":         []string{"a.csv"},
		"output":        []string{"b.csv"},
		"labels":        map[string]string{},
		"summary":       map[string]string{},
		"parameters":    map[string]string{},
		"description":   "t",
		"start":         m.Start,
		"end":           m.End,
		"workload-file": "job.py",
	}
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(p.Raw))
	assert.Regexp(t, `^\[\[DOTSCIENCE-RUN:[^\]]+\]\]\n\{\n    "description": "t",\n`, out.String())
	assert.Equal(t, byte('\n'), out.Bytes()[out.Len()-1])
}

func TestPublish_TwiceWithoutStartKeepsTiming(t *testing.T) {
	s, out, _ := newSession(t, "")
	ctx := context.Background()
	require.NoError(t, s.Script("job.py"))
	s.AddLabel("team", "vision")

	first, err := s.Publish(ctx)
	require.NoError(t, err)
	second, err := s.Publish(ctx)
	require.NoError(t, err)

	got := payloads(t, out)
	require.Len(t, got, 2)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, got[0].ID, first.RunID)
	assert.Equal(t, got[1].ID, second.RunID)
	assert.Equal(t, got[0].Metadata.Start, got[1].Metadata.Start)
	assert.Equal(t, got[0].Metadata.End, got[1].Metadata.End)
	assert.Equal(t, "vision", got[1].Metadata.Labels["team"])
}

func TestPublish_StartAfterPublishOpensNewGeneration(t *testing.T) {
	s, out, _ := newSession(t, "")
	ctx := context.Background()
	require.NoError(t, s.Script("job.py"))

	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), run.ErrAlreadyStarted)
	_, err := s.Publish(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	_, err = s.Publish(ctx)
	require.NoError(t, err)

	got := payloads(t, out)
	require.Len(t, got, 2)
	assert.Less(t, got[0].Metadata.End, got[1].Metadata.Start)
	assert.Less(t, got[1].Metadata.Start, got[1].Metadata.End)
}

func TestPublish_HintSelectsMode(t *testing.T) {
	s, out, _ := newSession(t, "jupyter")
	_, err := s.Publish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mode.Interactive, s.Mode())
	got := payloads(t, out)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Metadata.WorkloadFile)

	c, out, _ := newSession(t, "command", WithEntryScript("train.py"))
	_, err = c.Publish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "train.py", payloads(t, out)[0].Metadata.WorkloadFile)
}

func TestPublish_RemoteWithoutConnect(t *testing.T) {
	s, out, _ := newSession(t, "")
	_, err := s.Publish(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, mode.Remote, s.Mode())
	assert.Zero(t, out.Len())
}

func TestPublish_WithoutModeHint(t *testing.T) {
	s, _, _ := newSession(t, "jupyter", WithoutModeHint())
	_, err := s.Publish(context.Background())
	require.ErrorIs(t, err, mode.ErrNoMode)
}

func TestModeConflict(t *testing.T) {
	s, _, _ := newSession(t, "")
	require.NoError(t, s.Interactive())
	require.NoError(t, s.Interactive())
	require.ErrorIs(t, s.Script("job.py"), mode.ErrModeConflict)

	c, _, _ := newSession(t, "")
	require.NoError(t, c.Script("job.py"))
	require.ErrorIs(t, c.Interactive(), mode.ErrModeConflict)
	require.ErrorIs(t, c.Connect(context.Background(), RemoteConfig{Token: "t", Project: "p"}), mode.ErrModeConflict)
}

func TestBindablesAndDirectoryInput(t *testing.T) {
	s, out, root := newSession(t, "command")
	for _, f := range []string{"data/a/x", "data/a/y", "data/z"} {
		path := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(f), 0o644))
	}

	in, err := s.Input("data")
	require.NoError(t, err)
	assert.Equal(t, "data", in)
	assert.Equal(t, 0.01, run.Parameter(s, "lr", 0.01))
	assert.Equal(t, 42, run.Metric(s, "epochs_run", 42))
	assert.Equal(t, "resnet", run.Label(s, "arch", "resnet"))
	s.AddParameters(map[string]any{"batch": 32}, run.P("batch", 64))

	_, err = s.Publish(context.Background())
	require.NoError(t, err)
	m := payloads(t, out)[0].Metadata
	assert.Equal(t, []string{"data/a/x", "data/a/y", "data/z"}, m.Input)
	assert.Equal(t, map[string]string{"lr": "0.01", "batch": "64"}, m.Parameters)
	assert.Equal(t, map[string]string{"epochs_run": "42"}, m.Summary)
	assert.Equal(t, "resnet", m.Labels["arch"])
}

type fakeHub struct {
	mu      sync.Mutex
	files   map[string]string
	commits []hub.CommitRequest
}

func (f *fakeHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/projects", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	mux.HandleFunc("POST /v2/projects", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"p1","name":"mnist","account":"alice","workspace":"mnist"}`)
	})
	mux.HandleFunc("PUT /v2/dotmesh/s3/{workspace}/{path...}", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.files[r.PathValue("workspace")+"/"+r.PathValue("path")] = string(raw)
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /v2/projects/p1/commits", func(w http.ResponseWriter, r *http.Request) {
		var in hub.CommitRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.commits = append(f.commits, in)
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"c1"}`)
	})
	return mux
}

func TestPublish_Remote(t *testing.T) {
	fh := &fakeHub{files: map[string]string{}}
	srv := httptest.NewServer(fh.handler())
	defer srv.Close()

	s, out, root := newSession(t, "")
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, RemoteConfig{URL: srv.URL, Username: "alice", APIKey: "k", Project: "mnist"}))
	require.NoError(t, os.WriteFile(filepath.Join(root, "model.pkl"), []byte("weights"), 0o644))
	_, err := s.Output("model.pkl")
	require.NoError(t, err)
	s.AddSummary("accuracy", 0.9)

	res, err := s.Publish(ctx, WithDescription("remote run"))
	require.NoError(t, err)
	assert.Equal(t, "c1", res.CommitID)
	assert.NotEmpty(t, res.RunID)
	assert.Zero(t, out.Len())

	fh.mu.Lock()
	defer fh.mu.Unlock()
	assert.Equal(t, "weights", fh.files["alice:mnist/model.pkl"])
	require.Len(t, fh.commits, 1)
	c := fh.commits[0]
	assert.Equal(t, res.RunID, c.RunID)
	assert.Equal(t, "master", c.Branch)
	assert.Equal(t, "remote run", c.Message)
	assert.Equal(t, "0.9", c.Metadata["summary.accuracy"])
	assert.Equal(t, `["model.pkl"]`, c.Metadata["output-files"])
}

func TestDefaultForwarders(t *testing.T) {
	s, out, _ := newSession(t, "command", WithEntryScript("main.py"))
	SetDefault(s)
	t.Cleanup(func() { SetDefault(nil) })

	assert.Equal(t, "v2", Label("release", "v2"))
	assert.Equal(t, 3, Parameter("depth", 3))
	AddMetric("loss", 0.5)
	SetError("diverged")
	_, err := Publish(context.Background())
	require.NoError(t, err)

	m := payloads(t, out)[0].Metadata
	assert.Equal(t, "v2", m.Labels["release"])
	assert.Equal(t, "3", m.Parameters["depth"])
	assert.Equal(t, "0.5", m.Summary["loss"])
	require.NotNil(t, m.Error)
	assert.Equal(t, "diverged", *m.Error)
}

func TestDefaultForwarders_ConstructionError(t *testing.T) {
	boom := errors.New("getwd: no such file or directory")
	prev := newDefault
	newDefault = func() (*Session, error) { return nil, boom }
	SetDefault(nil)
	t.Cleanup(func() {
		newDefault = prev
		SetDefault(nil)
	})

	assert.NotPanics(t, func() {
		AddLabel("k", "v")
		End()
		assert.Equal(t, 7, Metric("loss", 7))
	})
	_, err := Publish(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, AddInput("data.csv"), boom)
	_, err = Default()
	assert.ErrorIs(t, err, boom)

	s, _, _ := newSession(t, "jupyter")
	SetDefault(s)
	got, err := Default()
	require.NoError(t, err)
	assert.Same(t, s, got)
}
