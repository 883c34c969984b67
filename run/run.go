// Package run holds the metadata of one tracked unit of work and its
// serialized form.
//
// A Run accumulates inputs, outputs, labels, summary values and parameters
// until it is published. Publishing seals the timing, mints a fresh identity
// and renders the metadata as a JSON block between a pair of sentinel markers:
//
//	[[DOTSCIENCE-RUN:<id>]]
//	{ ... }
//	[[/DOTSCIENCE-RUN:<id>]]
//
// The identity never occurs inside the JSON body, so a scanner reading a mixed
// output stream can pair the markers without ambiguity (see Extract).
//
// Timing is tracked per generation. Start may be called once per generation;
// End keeps the first recorded time. ResetTiming closes a generation after a
// publish. Everything else accumulates across generations.
package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dotmesh-io/dotscience-go/relocate"
)

const (
	DefaultTag = "DOTSCIENCE-RUN"

	// SchemaVersion is the value of the payload's "version" key.
	SchemaVersion = "1"

	// TimestampLayout renders start and end as YYYYMMDDTHHMMSS.microseconds.
	TimestampLayout = "20060102T150405.000000"
)

var ErrAlreadyStarted = errors.New("run already started")

type Run struct {
	rel   *relocate.Relocator
	now   func() time.Time
	newID func() string
	tag   string

	id      string
	start   time.Time
	end     time.Time
	started bool

	description *string
	errText     *string

	inputs  map[string]struct{}
	outputs map[string]struct{}

	labels     map[string]string
	summary    map[string]string
	parameters map[string]string

	workloadFile string
}

type Option func(*Run)

// WithClock replaces time.Now. Returned times are converted to UTC and
// truncated to microseconds.
func WithClock(now func() time.Time) Option {
	return func(r *Run) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIdentitySource replaces the UUIDv4 generator used to mint identities.
// The source must eventually return a value that does not occur in the
// payload body.
func WithIdentitySource(next func() string) Option {
	return func(r *Run) {
		if next != nil {
			r.newID = next
		}
	}
}

// WithTag sets the sentinel tag. Empty keeps DefaultTag.
func WithTag(tag string) Option {
	return func(r *Run) {
		if tag != "" {
			r.tag = tag
		}
	}
}

// New returns an empty run whose paths are expressed relative to rel's root.
func New(rel *relocate.Relocator, opts ...Option) *Run {
	r := &Run{
		rel:        rel,
		now:        time.Now,
		newID:      uuid.NewString,
		tag:        DefaultTag,
		inputs:     map[string]struct{}{},
		outputs:    map[string]struct{}{},
		labels:     map[string]string{},
		summary:    map[string]string{},
		parameters: map[string]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Run) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// ID is the identity minted by the last MintIdentity or Render, or "".
func (r *Run) ID() string {
	return r.id
}

func (r *Run) Tag() string {
	return r.tag
}

func (r *Run) Relocator() *relocate.Relocator {
	return r.rel
}

// Start records the start of a new generation. It fails if Start was already
// called in this generation. Any end time from an earlier generation is
// discarded.
func (r *Run) Start() error {
	if r.started {
		return ErrAlreadyStarted
	}
	r.start = r.timestamp()
	r.end = time.Time{}
	r.started = true
	return nil
}

// LazyStart records a start time only if none is recorded. It does not count
// as an explicit Start.
func (r *Run) LazyStart() {
	if r.start.IsZero() {
		r.start = r.timestamp()
	}
}

// End records the end time unless one is already recorded.
func (r *Run) End() {
	if r.end.IsZero() {
		r.end = r.timestamp()
	}
}

// ResetTiming closes the current generation so that the next Start is
// accepted. Recorded times are kept until that Start replaces them.
func (r *Run) ResetTiming() {
	r.started = false
}

func (r *Run) StartTime() (time.Time, bool) {
	return r.start, !r.start.IsZero()
}

func (r *Run) EndTime() (time.Time, bool) {
	return r.end, !r.end.IsZero()
}

func (r *Run) SetError(msg string) {
	r.errText = &msg
}

// Fail records err's message and returns err unchanged. A nil err records
// nothing.
func (r *Run) Fail(err error) error {
	if err != nil {
		r.SetError(err.Error())
	}
	return err
}

func (r *Run) SetDescription(description string) {
	r.description = &description
}

// Describe sets the description and returns it unchanged.
func (r *Run) Describe(description string) string {
	r.SetDescription(description)
	return description
}

// SetWorkloadFile records the root-relative path of the script or notebook
// that produced the run. Empty clears it.
func (r *Run) SetWorkloadFile(path string) {
	r.workloadFile = path
}

func (r *Run) WorkloadFile() string {
	return r.workloadFile
}

// AddInput records path as an input. Directories are expanded into the files
// they contain now, so inputs must exist when declared.
func (r *Run) AddInput(path string) error {
	files, err := r.rel.Expand(path)
	if err != nil {
		return fmt.Errorf("add input: %w", err)
	}
	for _, f := range files {
		r.inputs[f] = struct{}{}
	}
	return nil
}

func (r *Run) AddInputs(paths ...string) error {
	for _, p := range paths {
		if err := r.AddInput(p); err != nil {
			return err
		}
	}
	return nil
}

// Input records path as an input and returns it unchanged.
func (r *Run) Input(path string) (string, error) {
	return path, r.AddInput(path)
}

// AddOutput records path as an output. Outputs usually do not exist yet when
// declared; directories are expanded when the metadata is snapshotted.
func (r *Run) AddOutput(path string) error {
	rel, err := r.rel.Normalize(path)
	if err != nil {
		return fmt.Errorf("add output: %w", err)
	}
	r.outputs[rel] = struct{}{}
	return nil
}

func (r *Run) AddOutputs(paths ...string) error {
	for _, p := range paths {
		if err := r.AddOutput(p); err != nil {
			return err
		}
	}
	return nil
}

// Output records path as an output and returns it unchanged.
func (r *Run) Output(path string) (string, error) {
	return path, r.AddOutput(path)
}

func (r *Run) AddLabel(key string, value any) {
	r.labels[key] = text(value)
}

func (r *Run) AddLabels(named map[string]any, pairs ...Pair) {
	upsert(r.labels, named, pairs)
}

func (r *Run) AddSummary(key string, value any) {
	r.summary[key] = text(value)
}

func (r *Run) AddSummaries(named map[string]any, pairs ...Pair) {
	upsert(r.summary, named, pairs)
}

// AddMetric is AddSummary under the name training scripts tend to use.
func (r *Run) AddMetric(key string, value any) {
	r.AddSummary(key, value)
}

func (r *Run) AddParameter(key string, value any) {
	r.parameters[key] = text(value)
}

func (r *Run) AddParameters(named map[string]any, pairs ...Pair) {
	upsert(r.parameters, named, pairs)
}

// MintIdentity assigns a fresh identity. Render re-mints if the identity
// turns out to occur in the payload body.
func (r *Run) MintIdentity() {
	r.id = r.newID()
}
