package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotmesh-io/dotscience-go/relocate"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(1500 * time.Microsecond)
	return c.t
}

func newClock() *stepClock {
	return &stepClock{t: time.Date(2019, 3, 14, 15, 9, 26, 535000, time.UTC)}
}

func newTestRun(t *testing.T, opts ...Option) (*Run, string) {
	t.Helper()
	root := t.TempDir()
	rel, err := relocate.NewWithWorkingDir(root, root)
	require.NoError(t, err)
	return New(rel, opts...), root
}

func sequence(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i]
		if i < len(ids)-1 {
			i++
		}
		return id
	}
}

func body(t *testing.T, rendered string, id string) string {
	t.Helper()
	open := fmt.Sprintf("[[%s:%s]]\n", DefaultTag, id)
	closing := fmt.Sprintf("\n[[/%s:%s]]", DefaultTag, id)
	require.True(t, strings.HasPrefix(rendered, open), "rendered=%q", rendered)
	require.True(t, strings.HasSuffix(rendered, closing), "rendered=%q", rendered)
	return strings.TrimSuffix(strings.TrimPrefix(rendered, open), closing)
}

func TestRender_Empty(t *testing.T) {
	r, _ := newTestRun(t, WithIdentitySource(sequence("run-1")))
	got, err := r.Render()
	require.NoError(t, err)

	want := `[[DOTSCIENCE-RUN:run-1]]
{
    "input": [],
    "labels": {},
    "output": [],
    "parameters": {},
    "summary": {},
    "version": "1"
}
[[/DOTSCIENCE-RUN:run-1]]`
	assert.Equal(t, want, got)
	assert.Equal(t, "run-1", r.ID())
}

func TestRender_AllFields(t *testing.T) {
	clock := newClock()
	r, _ := newTestRun(t, WithClock(clock.now), WithIdentitySource(sequence("abc")))
	require.NoError(t, r.Start())
	r.End()
	r.SetDescription("trained <mnist> & friends")
	r.SetError("")
	r.SetWorkloadFile("train.py")
	r.AddLabel("team", "vision")
	r.AddSummary("accuracy", 0.98)
	r.AddParameter("epochs", 10)

	got, err := r.Render()
	require.NoError(t, err)
	want := `{
    "description": "trained <mnist> & friends",
    "end": "20190314T150926.538000",
    "error": "",
    "input": [],
    "labels": {
        "team": "vision"
    },
    "output": [],
    "parameters": {
        "epochs": "10"
    },
    "start": "20190314T150926.536500",
    "summary": {
        "accuracy": "0.98"
    },
    "version": "1",
    "workload-file": "train.py"
}`
	assert.Equal(t, want, body(t, got, "abc"))
}

func TestPaths_SortedDeduplicated(t *testing.T) {
	r, root := newTestRun(t)
	rel := r.Relocator()
	paths := []string{"b.csv", "a.csv", "./a.csv", "", "ünïcødé/数据.csv", "x/../b.csv", "z z.txt", "a.csv"}

	wantIn := map[string]struct{}{}
	wantOut := map[string]struct{}{}
	for _, p := range paths {
		require.NoError(t, r.AddInput(p))
		require.NoError(t, r.AddOutput(p))
		files, err := rel.Expand(p)
		require.NoError(t, err)
		for _, f := range files {
			wantIn[f] = struct{}{}
		}
		n, err := rel.Normalize(p)
		require.NoError(t, err)
		files, err = rel.Expand(rel.Abs(n))
		require.NoError(t, err)
		for _, f := range files {
			wantOut[f] = struct{}{}
		}
	}

	m, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, keys(wantIn), m.Input)
	assert.Equal(t, keys(wantOut), m.Output)
	assert.Equal(t, []string{"a.csv", "b.csv", "z z.txt", "ünïcødé/数据.csv"}, m.Input)
	assert.NotContains(t, strings.Join(m.Input, "\n"), root)
}

func keys(set map[string]struct{}) []string {
	out := []string{}
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestInputs_DirectoryExpandedEagerly(t *testing.T) {
	r, root := newTestRun(t)
	for _, p := range []string{"a/x", "a/y", "z"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(p), 0o644))
	}
	require.NoError(t, r.AddInput("."))

	// files created after the declaration are not inputs
	require.NoError(t, os.WriteFile(filepath.Join(root, "late"), nil, 0o644))

	m, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, []string{"a/x", "a/y", "z"}, m.Input)
}

func TestOutputs_DirectoryExpandedAtSnapshot(t *testing.T) {
	r, root := newTestRun(t)
	require.NoError(t, r.AddOutput("model"))

	m, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, []string{"model"}, m.Output)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "model", "variables"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "model", "saved_model.pb"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "model", "variables", "v.index"), nil, 0o644))

	m, err = r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, []string{"model/saved_model.pb", "model/variables/v.index"}, m.Output)
}

func TestStart_TwiceInOneGeneration(t *testing.T) {
	r, _ := newTestRun(t, WithClock(newClock().now))
	require.NoError(t, r.Start())
	first, _ := r.StartTime()

	err := r.Start()
	assert.True(t, errors.Is(err, ErrAlreadyStarted), "err=%v", err)
	got, _ := r.StartTime()
	assert.Equal(t, first, got)

	r.ResetTiming()
	require.NoError(t, r.Start())
	got, _ = r.StartTime()
	assert.True(t, got.After(first))
}

func TestLazyStart_KeepsExplicitStart(t *testing.T) {
	r, _ := newTestRun(t, WithClock(newClock().now))
	require.NoError(t, r.Start())
	explicit, _ := r.StartTime()
	r.LazyStart()
	got, _ := r.StartTime()
	assert.Equal(t, explicit, got)
}

func TestLazyStart_DoesNotArmStartGuard(t *testing.T) {
	r, _ := newTestRun(t, WithClock(newClock().now))
	r.LazyStart()
	require.NoError(t, r.Start())
}

func TestEnd_Idempotent(t *testing.T) {
	r, _ := newTestRun(t, WithClock(newClock().now))
	r.End()
	first, ok := r.EndTime()
	require.True(t, ok)
	r.End()
	got, _ := r.EndTime()
	assert.Equal(t, first, got)
}

func TestStart_ClearsPreviousEnd(t *testing.T) {
	r, _ := newTestRun(t, WithClock(newClock().now))
	r.End()
	require.NoError(t, r.Start())
	_, ok := r.EndTime()
	assert.False(t, ok)
}

func TestRender_IdentityNeverInBody(t *testing.T) {
	r, _ := newTestRun(t, WithIdentitySource(sequence("dup", "dup", "fresh")))
	r.AddParameter("token", "dup")
	r.MintIdentity()
	require.Equal(t, "dup", r.ID())

	got, err := r.Render()
	require.NoError(t, err)
	assert.Equal(t, "fresh", r.ID())
	assert.NotContains(t, body(t, got, "fresh"), "fresh")
}

func TestRender_PreviouslyMintedIdentityAsValue(t *testing.T) {
	r, _ := newTestRun(t)
	r.MintIdentity()
	old := r.ID()
	r.AddLabel("previous", old)
	r.AddSummary("previous", old)
	r.AddParameter(old, old)

	got, err := r.Render()
	require.NoError(t, err)
	assert.NotEqual(t, old, r.ID())
	assert.NotContains(t, body(t, got, r.ID()), r.ID())
}

func TestBatch_NamedThenPairs(t *testing.T) {
	r, _ := newTestRun(t)
	r.AddLabels(map[string]any{"a": "named", "b": 2}, P("a", "pair"), P("c", true))
	r.AddSummaries(nil, P("loss", 0.5), P("loss", 0.25))
	r.AddParameters(map[string]any{"lr": 0.01})

	m, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "pair", "b": "2", "c": "true"}, m.Labels)
	assert.Equal(t, map[string]string{"loss": "0.25"}, m.Summary)
	assert.Equal(t, map[string]string{"lr": "0.01"}, m.Parameters)
}

func TestBindable_ReturnsValueUnchanged(t *testing.T) {
	r, _ := newTestRun(t)
	lr := Parameter(r, "lr", 0.01)
	assert.Equal(t, 0.01, lr)
	assert.Equal(t, 128, Label(r, "batch", 128))
	assert.Equal(t, float32(0.9), Metric(r, "accuracy", float32(0.9)))
	assert.Equal(t, "d", r.Describe("d"))

	in, err := r.Input("data.csv")
	require.NoError(t, err)
	assert.Equal(t, "data.csv", in)
	out, err := r.Output("./out/../model.bin")
	require.NoError(t, err)
	assert.Equal(t, "./out/../model.bin", out)

	cause := errors.New("diverged")
	assert.Equal(t, cause, r.Fail(cause))
	assert.Nil(t, r.Fail(nil))

	m, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "0.01", m.Parameters["lr"])
	assert.Equal(t, "0.9", m.Summary["accuracy"])
	assert.Equal(t, []string{"model.bin"}, m.Output)
	require.NotNil(t, m.Error)
	assert.Equal(t, "diverged", *m.Error)
}

func TestRoundTrip(t *testing.T) {
	clock := newClock()
	r, _ := newTestRun(t, WithClock(clock.now))
	require.NoError(t, r.Start())
	require.NoError(t, r.AddInputs("a.csv", "b.csv"))
	require.NoError(t, r.AddOutput("m.bin"))
	r.AddLabel("k", "]] [[DOTSCIENCE-RUN:fake]] \"quoted\"\n")
	r.SetDescription("ünïcødé")
	r.End()
	r.MintIdentity()

	rendered, err := r.Render()
	require.NoError(t, err)

	stream := "epoch 1 loss=0.3\n" + rendered + "\nbye\n"
	payloads, err := Extract(stream, "")
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	p := payloads[0]
	assert.Equal(t, r.ID(), p.ID)
	assert.Equal(t, SchemaVersion, p.Metadata.Version)
	assert.Equal(t, []string{"a.csv", "b.csv"}, p.Metadata.Input)
	assert.Equal(t, []string{"m.bin"}, p.Metadata.Output)
	assert.Equal(t, "]] [[DOTSCIENCE-RUN:fake]] \"quoted\"\n", p.Metadata.Labels["k"])
	require.NotNil(t, p.Metadata.Description)
	assert.Equal(t, "ünïcødé", *p.Metadata.Description)
	assert.Nil(t, p.Metadata.Error)
	assert.Empty(t, p.Metadata.WorkloadFile)

	want, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, want, p.Metadata)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(p.Raw, &generic))
	assert.NotContains(t, generic, "error")
	assert.NotContains(t, generic, "workload-file")
}

func TestExtract_MultipleAndUnterminated(t *testing.T) {
	a, _ := newTestRun(t, WithIdentitySource(sequence("id-a")))
	a.SetDescription("first")
	ra, err := a.Render()
	require.NoError(t, err)

	b, _ := newTestRun(t, WithIdentitySource(sequence("id-b")))
	b.SetDescription("second")
	rb, err := b.Render()
	require.NoError(t, err)

	stream := "[[DOTSCIENCE-RUN:dangling]] no close\n" + ra + "noise" + rb + "[[/DOTSCIENCE-RUN:other]]"
	payloads, err := Extract(stream, DefaultTag)
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, "id-a", payloads[0].ID)
	assert.Equal(t, "first", *payloads[0].Metadata.Description)
	assert.Equal(t, "id-b", payloads[1].ID)
}

func TestExtract_RejectsUnknownVersion(t *testing.T) {
	stream := "[[DOTSCIENCE-RUN:x]]\n{\"version\": \"2\"}\n[[/DOTSCIENCE-RUN:x]]"
	_, err := Extract(stream, "")
	assert.Error(t, err)
}

func TestScan(t *testing.T) {
	r, _ := newTestRun(t, WithTag("CUSTOM"), WithIdentitySource(sequence("s1")))
	rendered, err := r.Render()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rendered, "[[CUSTOM:s1]]"))

	payloads, err := Scan(strings.NewReader(rendered), "CUSTOM")
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	payloads, err = Scan(strings.NewReader(rendered), "")
	require.NoError(t, err)
	assert.Empty(t, payloads)
}

func TestDebug(t *testing.T) {
	r, _ := newTestRun(t)
	r.AddParameter("lr", "0.1")
	var sb strings.Builder
	require.NoError(t, r.Debug(&sb))
	assert.NotContains(t, sb.String(), "[[")
	assert.Contains(t, sb.String(), `"lr": "0.1"`)
}
