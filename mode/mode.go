// Package mode selects how a process publishes its runs.
//
// States:
//   - unset -> interactive | script | remote
//
// A concrete mode is terminal for the controller's lifetime. Selecting the
// mode already in force is a no-op; selecting a different one fails with a
// *ConflictError. The mode decides the run's workload file: none for
// interactive sessions, the script path for scripts.
package mode

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dotmesh-io/dotscience-go/relocate"
)

type Mode string

const (
	Unset       Mode = ""
	Interactive Mode = "interactive"
	Script      Mode = "script"
	Remote      Mode = "remote"
)

func (m Mode) String() string {
	if m == Unset {
		return "unset"
	}
	return string(m)
}

// Workload type hints, as exported by the Dotscience runners in
// DOTSCIENCE_WORKLOAD_TYPE.
const (
	HintJupyter = "jupyter"
	HintCommand = "command"
)

var (
	ErrModeConflict = errors.New("mode conflict")
	ErrNoMode       = errors.New("no mode selected: call Interactive, Script or Connect before publishing")
)

type ConflictError struct {
	Current   Mode
	Requested Mode
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot select %s mode: already in %s mode", e.Requested, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrModeConflict
}

type Controller struct {
	rel          *relocate.Relocator
	mode         Mode
	workloadFile string
	entry        string
	fallback     bool
}

type Option func(*Controller)

// WithEntryScript overrides the script SelectScript defaults to. The
// default is the program path in os.Args[0].
func WithEntryScript(path string) Option {
	return func(c *Controller) {
		c.entry = path
	}
}

// WithoutHintFallback makes Resolve fail on an unset controller instead of
// consulting the workload type hint.
func WithoutHintFallback() Option {
	return func(c *Controller) {
		c.fallback = false
	}
}

func New(rel *relocate.Relocator, opts ...Option) *Controller {
	c := &Controller{rel: rel, fallback: true}
	if len(os.Args) > 0 {
		c.entry = os.Args[0]
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Mode() Mode {
	return c.mode
}

// WorkloadFile is the root-relative script path in script mode, else "".
func (c *Controller) WorkloadFile() string {
	return c.workloadFile
}

func (c *Controller) enter(m Mode) error {
	if c.mode != Unset && c.mode != m {
		return &ConflictError{Current: c.mode, Requested: m}
	}
	c.mode = m
	return nil
}

func (c *Controller) SelectInteractive() error {
	if err := c.enter(Interactive); err != nil {
		return err
	}
	c.workloadFile = ""
	return nil
}

// SelectScript enters script mode with path as the workload file. An empty
// path means the entry script.
func (c *Controller) SelectScript(path string) error {
	if c.mode != Unset && c.mode != Script {
		return &ConflictError{Current: c.mode, Requested: Script}
	}
	if path == "" {
		path = c.entry
	}
	rel, err := c.rel.Normalize(path)
	if err != nil {
		return fmt.Errorf("workload file: %w", err)
	}
	c.mode = Script
	c.workloadFile = rel
	return nil
}

func (c *Controller) SelectRemote() error {
	return c.enter(Remote)
}

// Resolve returns the selected mode. An unset controller selects one from
// hint: "jupyter" is interactive, "command" is a script, anything else is
// remote.
func (c *Controller) Resolve(hint string) (Mode, error) {
	if c.mode != Unset {
		return c.mode, nil
	}
	if !c.fallback {
		return Unset, ErrNoMode
	}

	var err error
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case HintJupyter:
		err = c.SelectInteractive()
	case HintCommand:
		err = c.SelectScript("")
	default:
		err = c.SelectRemote()
	}
	if err != nil {
		return Unset, err
	}
	return c.mode, nil
}
