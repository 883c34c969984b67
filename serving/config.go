package serving

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dotmesh-io/dotscience-go/internal/platform/env"
)

type Config struct {
	Host         string
	Port         int
	OIDCIssuer   string
	OIDCClientID string
}

// ConfigFromEnv reads DOTSCIENCE_SERVE_* and falls back to the FLASK_HOST
// and FLASK_PORT names used by older model images.
func ConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(env.First("8501", "DOTSCIENCE_SERVE_PORT", "FLASK_PORT"))
	if err != nil {
		return Config{}, fmt.Errorf("parse serve port: %w", err)
	}
	cfg := Config{
		Host:         env.First("0.0.0.0", "DOTSCIENCE_SERVE_HOST", "FLASK_HOST"),
		Port:         port,
		OIDCIssuer:   env.String("DOTSCIENCE_SERVE_OIDC_ISSUER", ""),
		OIDCClientID: env.String("DOTSCIENCE_SERVE_OIDC_CLIENT_ID", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("serve port out of range: %d", c.Port)
	}
	if (c.OIDCIssuer == "") != (c.OIDCClientID == "") {
		return fmt.Errorf("oidc issuer and client id must be set together")
	}
	return nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
