package authfilter

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultClockSkew    = 30 * time.Second
	defaultMinRefresh   = 5 * time.Minute
	defaultHTTPTimeout  = 5 * time.Second
	defaultGoogleIssuer = "https://accounts.google.com"
)

// Verifier modes.
const (
	ModeJWKS          = "jwks"
	ModeOIDC          = "oidc"
	ModeGoogle        = "google"
	ModeIntrospection = "introspection"
)

// Config is the file-level configuration consumed by LoadConfig.
type Config struct {
	Verifier VerifierConfig `yaml:"verifier"`
	Stage    StageConfig    `yaml:"stage"`
}

// VerifierConfig describes the identity provider the stage trusts.
type VerifierConfig struct {
	Mode     string `yaml:"mode"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	// Introspection only.
	IntrospectionURL string   `yaml:"introspection_url"`
	TokenURL         string   `yaml:"token_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	Scopes           []string `yaml:"scopes"`

	ClockSkew   time.Duration `yaml:"clock_skew"`
	MinRefresh  time.Duration `yaml:"min_refresh"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// StageConfig controls the authorization stage.
type StageConfig struct {
	// TokenKey is the RequestState key holding the raw token.
	TokenKey string `yaml:"token_key"`
	// Logger receives stage diagnostics. Nil means no logging.
	Logger *zap.Logger `yaml:"-"`
}

// LoadConfig reads a YAML configuration file. Defaults are applied by the
// constructors, not here, so the returned value mirrors the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// normalize sets default values for optional fields.
func (c *VerifierConfig) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		switch {
		case c.JWKSURL != "":
			c.Mode = ModeJWKS
		case c.IntrospectionURL != "":
			c.Mode = ModeIntrospection
		case c.Issuer != "" && !strings.EqualFold(c.Issuer, defaultGoogleIssuer):
			c.Mode = ModeOIDC
		default:
			c.Mode = ModeGoogle
		}
	}
	if c.Mode == ModeGoogle && c.Issuer == "" {
		c.Issuer = defaultGoogleIssuer
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaultMinRefresh
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
}

// validate ensures the verifier configuration is usable.
func (c VerifierConfig) validate() error {
	switch c.Mode {
	case ModeJWKS:
		switch {
		case c.JWKSURL == "":
			return errors.New("jwks_url is required")
		case c.Issuer == "":
			return errors.New("issuer claim expected value is required")
		}
	case ModeOIDC:
		switch {
		case c.Issuer == "":
			return errors.New("issuer is required")
		case c.Audience == "":
			return errors.New("audience is required")
		}
	case ModeGoogle:
		if c.Audience == "" {
			return errors.New("audience is required")
		}
	case ModeIntrospection:
		switch {
		case c.IntrospectionURL == "":
			return errors.New("introspection_url is required")
		case c.ClientID == "":
			return errors.New("client_id is required")
		}
	default:
		return fmt.Errorf("unknown verifier mode %q", c.Mode)
	}
	return nil
}

// normalize sets default values for optional fields.
func (c *StageConfig) normalize() {
	c.TokenKey = strings.TrimSpace(c.TokenKey)
	if c.TokenKey == "" {
		c.TokenKey = TokenKey
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
