// Package config assembles client settings from an optional YAML file and
// the DOTSCIENCE_* environment. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dotmesh-io/dotscience-go/internal/platform/env"
	"github.com/dotmesh-io/dotscience-go/internal/platform/objectstore"
)

const (
	EnvConfigFile   = "DOTSCIENCE_CONFIG"
	EnvRoot         = "DOTSCIENCE_PROJECT_DOT_ROOT"
	EnvWorkloadType = "DOTSCIENCE_WORKLOAD_TYPE"

	// DefaultFile is read from the root when EnvConfigFile is unset.
	DefaultFile = ".dotscience.yaml"

	DefaultURL = "https://cloud.dotscience.com"
)

type Config struct {
	Root         string             `yaml:"root"`
	WorkloadType string             `yaml:"workload_type"`
	Tag          string             `yaml:"tag"`
	Remote       Remote             `yaml:"remote"`
	Artifacts    objectstore.Config `yaml:"artifacts"`
	Retry        Retry              `yaml:"retry"`
}

// Remote holds the platform credentials used when a workload publishes
// without connecting explicitly.
type Remote struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	APIKey   string `yaml:"api_key"`
	Token    string `yaml:"token"`
	Project  string `yaml:"project"`
}

// Complete reports whether r carries enough to reach a project.
func (r Remote) Complete() bool {
	if r.Project == "" {
		return false
	}
	return r.Token != "" || (r.Username != "" && r.APIKey != "")
}

type Retry struct {
	UploadAttempts  int           `yaml:"upload_attempts"`
	UploadInterval  time.Duration `yaml:"upload_interval"`
	PollAttempts    int           `yaml:"poll_attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SlowNoticeAfter int           `yaml:"slow_notice_after"`
}

func Defaults() Config {
	return Config{
		Remote: Remote{URL: DefaultURL},
		Retry: Retry{
			UploadAttempts:  10,
			UploadInterval:  time.Second,
			PollAttempts:    120,
			PollInterval:    time.Second,
			SlowNoticeAfter: 60,
		},
	}
}

// Load reads the config file, applies the environment and validates the
// result. A file named by DOTSCIENCE_CONFIG must exist; the default file is
// optional.
func Load() (Config, error) {
	cfg := Defaults()

	path, required := env.String(EnvConfigFile, ""), true
	if path == "" {
		root := env.String(EnvRoot, ".")
		path, required = filepath.Join(root, DefaultFile), false
	}
	if err := cfg.readFile(path, required); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string, required bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Root = env.String(EnvRoot, c.Root)
	c.WorkloadType = env.String(EnvWorkloadType, c.WorkloadType)
	c.Tag = env.String("DOTSCIENCE_RUN_TAG", c.Tag)

	c.Remote.URL = env.String("DOTSCIENCE_URL", c.Remote.URL)
	c.Remote.Username = env.String("DOTSCIENCE_USERNAME", c.Remote.Username)
	c.Remote.APIKey = env.First(c.Remote.APIKey, "DOTSCIENCE_APIKEY", "DOTSCIENCE_API_KEY")
	c.Remote.Token = env.String("DOTSCIENCE_TOKEN", c.Remote.Token)
	c.Remote.Project = env.First(c.Remote.Project, "DOTSCIENCE_PROJECT_NAME", "DOTSCIENCE_PROJECT")

	artifacts, err := objectstore.ConfigFromEnv(c.Artifacts)
	if err != nil {
		return err
	}
	c.Artifacts = artifacts

	if c.Retry.UploadAttempts, err = env.Int("DOTSCIENCE_UPLOAD_ATTEMPTS", c.Retry.UploadAttempts); err != nil {
		return err
	}
	if c.Retry.UploadInterval, err = env.Duration("DOTSCIENCE_UPLOAD_INTERVAL", c.Retry.UploadInterval); err != nil {
		return err
	}
	if c.Retry.PollAttempts, err = env.Int("DOTSCIENCE_POLL_ATTEMPTS", c.Retry.PollAttempts); err != nil {
		return err
	}
	if c.Retry.PollInterval, err = env.Duration("DOTSCIENCE_POLL_INTERVAL", c.Retry.PollInterval); err != nil {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil {
			return fmt.Errorf("remote url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("remote url must be http or https: %q", c.Remote.URL)
		}
	}
	if strings.ContainsAny(c.Tag, "[]: \t\n") {
		return fmt.Errorf("run tag %q must not contain brackets, colons or whitespace", c.Tag)
	}
	if c.Artifacts.Enabled() {
		if err := c.Artifacts.Validate(); err != nil {
			return fmt.Errorf("artifacts: %w", err)
		}
	}
	if c.Retry.UploadAttempts < 1 || c.Retry.PollAttempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	if c.Retry.UploadInterval < 0 || c.Retry.PollInterval < 0 {
		return errors.New("retry intervals must not be negative")
	}
	if c.Retry.SlowNoticeAfter < 0 {
		return errors.New("slow notice threshold must not be negative")
	}
	return nil
}
