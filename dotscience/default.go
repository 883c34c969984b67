package dotscience

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dotmesh-io/dotscience-go/run"
)

var (
	defaultMu      sync.Mutex
	defaultSession *Session
	defaultErr     error

	newDefault = func() (*Session, error) {
		s, err := NewFromEnvironment()
		if err == nil {
			return s, nil
		}
		slog.Default().Warn("dotscience: ignoring invalid environment configuration", "error", err)
		return New()
	}
)

// Default returns the Session behind the package-level functions, building
// it from the environment on first use. An invalid environment is logged and
// replaced by plain defaults. A failure to build even that is kept and
// returned on every later call until SetDefault.
func Default() (*Session, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSession != nil || defaultErr != nil {
		return defaultSession, defaultErr
	}
	s, err := newDefault()
	if err != nil {
		defaultErr = fmt.Errorf("dotscience: default session: %w", err)
		return nil, defaultErr
	}
	defaultSession = s
	return s, nil
}

// SetDefault replaces the Session behind the package-level functions and
// clears any stored construction error.
func SetDefault(s *Session) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSession = s
	defaultErr = nil
}

// with runs fn against the default session. Without one, fn is skipped and
// the construction error is returned.
func with(fn func(*Session) error) error {
	s, err := Default()
	if err != nil {
		return err
	}
	return fn(s)
}

func Publish(ctx context.Context, opts ...PublishOption) (Result, error) {
	var res Result
	err := with(func(s *Session) (err error) {
		res, err = s.Publish(ctx, opts...)
		return err
	})
	return res, err
}

func Connect(ctx context.Context, rc RemoteConfig) error {
	return with(func(s *Session) error { return s.Connect(ctx, rc) })
}

func Interactive() error {
	return with((*Session).Interactive)
}

func Script(path string) error {
	return with(func(s *Session) error { return s.Script(path) })
}

func Start() error {
	return with((*Session).Start)
}

// The functions below have no error to report. Without a default session
// they do nothing, and the failure surfaces on the next Publish.

func End() {
	_ = with(func(s *Session) error { s.End(); return nil })
}

func SetError(msg string) {
	_ = with(func(s *Session) error { s.SetError(msg); return nil })
}

// Fail records err on the default session and returns it.
func Fail(err error) error {
	out := err
	_ = with(func(s *Session) error { out = s.Fail(err); return nil })
	return out
}

func SetDescription(d string) {
	_ = with(func(s *Session) error { s.SetDescription(d); return nil })
}

func Describe(d string) string {
	out := d
	_ = with(func(s *Session) error { out = s.Describe(d); return nil })
	return out
}

func AddInput(path string) error {
	return with(func(s *Session) error { return s.AddInput(path) })
}

func AddInputs(paths ...string) error {
	return with(func(s *Session) error { return s.AddInputs(paths...) })
}

func AddOutput(path string) error {
	return with(func(s *Session) error { return s.AddOutput(path) })
}

func AddOutputs(paths ...string) error {
	return with(func(s *Session) error { return s.AddOutputs(paths...) })
}

func Input(path string) (string, error) {
	err := with(func(s *Session) (err error) {
		path, err = s.Input(path)
		return err
	})
	return path, err
}

func Output(path string) (string, error) {
	err := with(func(s *Session) (err error) {
		path, err = s.Output(path)
		return err
	})
	return path, err
}

func AddLabel(key string, value any) {
	_ = with(func(s *Session) error { s.AddLabel(key, value); return nil })
}

func AddSummary(key string, value any) {
	_ = with(func(s *Session) error { s.AddSummary(key, value); return nil })
}

func AddMetric(key string, value any) {
	_ = with(func(s *Session) error { s.AddMetric(key, value); return nil })
}

func AddParameter(key string, value any) {
	_ = with(func(s *Session) error { s.AddParameter(key, value); return nil })
}

func AddLabels(named map[string]any, pairs ...run.Pair) {
	_ = with(func(s *Session) error { s.AddLabels(named, pairs...); return nil })
}

func AddSummaries(named map[string]any, pairs ...run.Pair) {
	_ = with(func(s *Session) error { s.AddSummaries(named, pairs...); return nil })
}

func AddParameters(named map[string]any, pairs ...run.Pair) {
	_ = with(func(s *Session) error { s.AddParameters(named, pairs...); return nil })
}

// Label records value as a label on the default session and returns it.
func Label[T any](key string, value T) T {
	AddLabel(key, value)
	return value
}

func Summary[T any](key string, value T) T {
	AddSummary(key, value)
	return value
}

func Metric[T any](key string, value T) T {
	AddMetric(key, value)
	return value
}

func Parameter[T any](key string, value T) T {
	AddParameter(key, value)
	return value
}

func Model(kind run.ModelKind, name, path string, opts ...run.ModelOption) (string, error) {
	err := with(func(s *Session) (err error) {
		path, err = s.Model(kind, name, path, opts...)
		return err
	})
	return path, err
}

func Debug(w io.Writer) error {
	return with(func(s *Session) error { return s.Debug(w) })
}
