package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dotmesh-io/dotscience-go/internal/platform/env"
)

// Config selects an S3-compatible bucket for run artifacts. A zero Endpoint
// means artifacts go through the platform's own object API instead.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// ConfigFromEnv overlays the DOTSCIENCE_S3_* variables on base.
func ConfigFromEnv(base Config) (Config, error) {
	useSSL, err := env.Bool("DOTSCIENCE_S3_USE_SSL", base.UseSSL)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("DOTSCIENCE_S3_ENDPOINT", base.Endpoint),
		AccessKey: env.String("DOTSCIENCE_S3_ACCESS_KEY", base.AccessKey),
		SecretKey: env.String("DOTSCIENCE_S3_SECRET_KEY", base.SecretKey),
		Region:    env.String("DOTSCIENCE_S3_REGION", base.Region),
		UseSSL:    useSSL,
		Bucket:    env.String("DOTSCIENCE_S3_BUCKET", base.Bucket),
	}
	if cfg.Enabled() && cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}
