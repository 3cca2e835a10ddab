package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"gopkg.in/yaml.v3"

	"github.com/canonical/concierge/pkg/engine"
)

const googleScope = "https://www.googleapis.com/auth/cloud-platform"

// Google supplies credentials for bootstrapping onto Google Cloud. Nothing is installed locally.
type Google struct {
	base
	credentials map[string]any
}

func newGoogle(cfg Config, deps Deps, logger zerolog.Logger) *Google {
	return &Google{base: base{cfg: cfg, deps: deps, logger: logger}}
}

func (p *Google) Name() string      { return string(KindGoogle) }
func (p *Google) CloudName() string { return "google" }
func (p *Google) GroupName() string { return "" }
func (p *Google) Snaps() []string   { return nil }

// Present implements Provider.
func (p *Google) Present(ctx context.Context) (bool, error) { return false, nil }

// Install implements Provider.
func (p *Google) Install(ctx context.Context) error { return nil }

// Configure implements Provider. The credentials file is loaded and checked.
func (p *Google) Configure(ctx context.Context) error {
	if _, err := p.Credentials(ctx); err != nil {
		return err
	}
	p.logger.Info().Msg("Prepared provider")
	return nil
}

// IsReady implements Provider.
func (p *Google) IsReady(ctx context.Context, timeout time.Duration) error { return nil }

// Teardown implements Provider.
func (p *Google) Teardown(ctx context.Context) error {
	p.logger.Info().Msg("Restored provider")
	return nil
}

// Credentials implements Provider. The file holds juju credential attributes as a
// YAML mapping; a file without a credentials path yields nil.
func (p *Google) Credentials(ctx context.Context) (map[string]any, error) {
	if p.credentials != nil || p.cfg.CredentialsFile == "" {
		return p.credentials, nil
	}

	raw, err := p.deps.Worker.ReadFile(p.cfg.CredentialsFile)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read Google Cloud credentials", err).
			WithDetail("path", p.cfg.CredentialsFile)
	}
	var attrs map[string]any
	if err := yaml.Unmarshal(raw, &attrs); err != nil {
		return nil, engine.NewConfigurationError("failed to parse Google Cloud credentials", err)
	}
	if attrs == nil {
		return nil, engine.NewConfigurationError("credentials file must contain a YAML mapping", nil).
			WithDetail("path", p.cfg.CredentialsFile)
	}
	if err := p.checkServiceAccount(ctx, attrs); err != nil {
		return nil, err
	}

	p.credentials = attrs
	return attrs, nil
}

// checkServiceAccount parses the service account key the attributes describe,
// either inline (oauth2 auth-type) or in a referenced JSON file (jsonfile auth-type).
func (p *Google) checkServiceAccount(ctx context.Context, attrs map[string]any) error {
	var key []byte
	switch attrs["auth-type"] {
	case "jsonfile":
		path, _ := attrs["file"].(string)
		if path == "" {
			return engine.NewConfigurationError("jsonfile credentials need a file attribute", nil)
		}
		b, err := p.deps.Worker.ReadFile(path)
		if err != nil {
			return engine.NewConfigurationError("failed to read service account key", err).WithDetail("path", path)
		}
		key = b
	case "oauth2":
		b, err := json.Marshal(map[string]any{
			"type":         "service_account",
			"client_id":    attrs["client-id"],
			"client_email": attrs["client-email"],
			"private_key":  attrs["private-key"],
			"project_id":   attrs["project-id"],
		})
		if err != nil {
			return fmt.Errorf("failed to encode service account: %w", err)
		}
		key = b
	default:
		return nil
	}

	if _, err := google.CredentialsFromJSON(ctx, key, googleScope); err != nil {
		return engine.NewConfigurationError("invalid Google Cloud service account", err)
	}
	return nil
}
