// Package dotscience records runs of data-science work for the Dotscience
// platform.
//
// A Session owns the current run and decides how it is published. In
// interactive and script mode the run is printed to the output stream as a
// sentinel-delimited block that the platform's runner collects; in remote
// mode it is sent to the platform API directly. Scripts that do not choose a
// mode get one from DOTSCIENCE_WORKLOAD_TYPE.
//
//	s, _ := dotscience.New()
//	_ = s.Script("")
//	_ = s.Start()
//	data, _ := s.Input("data/train.csv")
//	lr := run.Parameter(s, "learning_rate", 0.01)
//	...
//	_, _ = s.Publish(ctx, dotscience.WithDescription("baseline"))
//
// The package-level functions act on a default Session built from the
// environment.
package dotscience

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dotmesh-io/dotscience-go/internal/config"
	"github.com/dotmesh-io/dotscience-go/internal/platform/objectstore"
	"github.com/dotmesh-io/dotscience-go/mode"
	"github.com/dotmesh-io/dotscience-go/relocate"
	"github.com/dotmesh-io/dotscience-go/run"
)

// Session is not safe for concurrent use.
type Session struct {
	rel     *relocate.Relocator
	modes   *mode.Controller
	current *run.Run
	runOpts []run.Option

	out    io.Writer
	diag   io.Writer
	logger *slog.Logger
	hint   string

	retry     config.Retry
	artifacts objectstore.Config
	defaults  config.Remote
	remote    *remote

	progress bool
	sleep    func(ctx context.Context, d time.Duration) error
}

type settings struct {
	root     string
	workDir  string
	out      io.Writer
	diag     io.Writer
	logger   *slog.Logger
	hint     *string
	runOpts  []run.Option
	modeOpts []mode.Option
	cfg      config.Config
}

type Option func(*settings)

// WithRoot sets the directory that run paths are relative to. The default is
// the working directory.
func WithRoot(root string) Option {
	return func(s *settings) {
		s.root = root
	}
}

// WithWorkingDir resolves relative paths against dir instead of the process
// working directory. dir must be absolute.
func WithWorkingDir(dir string) Option {
	return func(s *settings) {
		s.workDir = dir
	}
}

// WithOutput sets where run payloads are written. The default is os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(s *settings) {
		s.out = w
	}
}

// WithDiagnostics sets where remote progress is narrated. The default is
// os.Stderr.
func WithDiagnostics(w io.Writer) Option {
	return func(s *settings) {
		s.diag = w
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithWorkloadType overrides DOTSCIENCE_WORKLOAD_TYPE as the mode hint.
func WithWorkloadType(hint string) Option {
	return func(s *settings) {
		s.hint = &hint
	}
}

func WithRunOptions(opts ...run.Option) Option {
	return func(s *settings) {
		s.runOpts = append(s.runOpts, opts...)
	}
}

// WithEntryScript sets the workload file used by Script("").
func WithEntryScript(path string) Option {
	return func(s *settings) {
		s.modeOpts = append(s.modeOpts, mode.WithEntryScript(path))
	}
}

// WithoutModeHint makes Publish fail with mode.ErrNoMode until a mode is
// chosen explicitly.
func WithoutModeHint() Option {
	return func(s *settings) {
		s.modeOpts = append(s.modeOpts, mode.WithoutHintFallback())
	}
}

// New returns a Session with default settings. Only the mode hint is read
// from the environment.
func New(opts ...Option) (*Session, error) {
	cfg := config.Defaults()
	cfg.WorkloadType = os.Getenv(config.EnvWorkloadType)
	return newSession(cfg, opts)
}

// NewFromEnvironment returns a Session configured from the optional config
// file and DOTSCIENCE_* variables, including the platform credentials used
// when publishing in remote mode without Connect.
func NewFromEnvironment(opts ...Option) (*Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newSession(cfg, opts)
}

func newSession(cfg config.Config, opts []Option) (*Session, error) {
	st := settings{
		root:   cfg.Root,
		out:    os.Stdout,
		diag:   os.Stderr,
		logger: slog.Default(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(&st)
	}

	var (
		rel *relocate.Relocator
		err error
	)
	if st.workDir != "" {
		rel, err = relocate.NewWithWorkingDir(st.root, st.workDir)
	} else {
		rel, err = relocate.New(st.root)
	}
	if err != nil {
		return nil, err
	}

	hint := cfg.WorkloadType
	if st.hint != nil {
		hint = *st.hint
	}
	runOpts := st.runOpts
	if cfg.Tag != "" {
		runOpts = append([]run.Option{run.WithTag(cfg.Tag)}, runOpts...)
	}
	_, diagIsFile := st.diag.(*os.File)

	return &Session{
		rel:       rel,
		modes:     mode.New(rel, st.modeOpts...),
		runOpts:   runOpts,
		out:       st.out,
		diag:      st.diag,
		logger:    st.logger,
		hint:      hint,
		retry:     cfg.Retry,
		artifacts: cfg.Artifacts,
		defaults:  cfg.Remote,
		progress:  diagIsFile,
	}, nil
}

func (s *Session) Root() string {
	return s.rel.Root()
}

func (s *Session) Mode() mode.Mode {
	return s.modes.Mode()
}

// Run returns the current run, creating and lazily starting it if needed.
func (s *Session) Run() *run.Run {
	if s.current == nil {
		s.current = run.New(s.rel, s.runOpts...)
	}
	s.current.LazyStart()
	return s.current
}

// Interactive selects interactive mode. Runs published from a notebook carry
// no workload file.
func (s *Session) Interactive() error {
	return s.modes.SelectInteractive()
}

// Script selects script mode with path as the workload file; "" means the
// running program.
func (s *Session) Script(path string) error {
	return s.modes.SelectScript(path)
}

// Start records the start of the work. It fails with run.ErrAlreadyStarted
// if called twice before a publish.
func (s *Session) Start() error {
	return s.Run().Start()
}

func (s *Session) End() {
	s.Run().End()
}

func (s *Session) SetError(msg string) {
	s.Run().SetError(msg)
}

// Fail records err as the run's error and returns it.
func (s *Session) Fail(err error) error {
	return s.Run().Fail(err)
}

func (s *Session) SetDescription(description string) {
	s.Run().SetDescription(description)
}

func (s *Session) Describe(description string) string {
	return s.Run().Describe(description)
}

func (s *Session) AddInput(path string) error {
	return s.Run().AddInput(path)
}

func (s *Session) AddInputs(paths ...string) error {
	return s.Run().AddInputs(paths...)
}

// Input records path as an input and returns it.
func (s *Session) Input(path string) (string, error) {
	return s.Run().Input(path)
}

func (s *Session) AddOutput(path string) error {
	return s.Run().AddOutput(path)
}

func (s *Session) AddOutputs(paths ...string) error {
	return s.Run().AddOutputs(paths...)
}

// Output records path as an output and returns it.
func (s *Session) Output(path string) (string, error) {
	return s.Run().Output(path)
}

func (s *Session) AddLabel(key string, value any) {
	s.Run().AddLabel(key, value)
}

func (s *Session) AddLabels(named map[string]any, pairs ...run.Pair) {
	s.Run().AddLabels(named, pairs...)
}

func (s *Session) AddSummary(key string, value any) {
	s.Run().AddSummary(key, value)
}

func (s *Session) AddSummaries(named map[string]any, pairs ...run.Pair) {
	s.Run().AddSummaries(named, pairs...)
}

func (s *Session) AddMetric(key string, value any) {
	s.Run().AddMetric(key, value)
}

func (s *Session) AddParameter(key string, value any) {
	s.Run().AddParameter(key, value)
}

func (s *Session) AddParameters(named map[string]any, pairs ...run.Pair) {
	s.Run().AddParameters(named, pairs...)
}

// Model declares a model file produced by the run.
func (s *Session) Model(kind run.ModelKind, name, path string, opts ...run.ModelOption) (string, error) {
	return s.Run().Model(kind, name, path, opts...)
}

// Debug writes the current metadata to w without sentinels.
func (s *Session) Debug(w io.Writer) error {
	return s.Run().Debug(w)
}
