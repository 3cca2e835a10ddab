package juju

import (
	"errors"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"
)

// credentialName is the credential concierge registers for each cloud.
const credentialName = "concierge"

// Credentials mirrors juju's credentials.yaml.
type Credentials struct {
	Credentials map[string]map[string]map[string]any `yaml:"credentials"`
}

// Set stores the concierge credential for a cloud.
func (c *Credentials) Set(cloud string, attrs map[string]any) {
	if c.Credentials == nil {
		c.Credentials = make(map[string]map[string]map[string]any)
	}
	if c.Credentials[cloud] == nil {
		c.Credentials[cloud] = make(map[string]map[string]any)
	}
	c.Credentials[cloud][credentialName] = attrs
}

// writeCredentials merges a cloud credential into the existing credentials file.
func (h *Handler) writeCredentials(cloud string, attrs map[string]any) error {
	var creds Credentials
	raw, err := h.worker.ReadHomeFile(credentialsFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &creds); err != nil {
			return fmt.Errorf("failed to parse %s: %w", credentialsFile, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return err
	}

	creds.Set(cloud, attrs)
	out, err := yaml.Marshal(&creds)
	if err != nil {
		return fmt.Errorf("failed to encode juju credentials: %w", err)
	}
	if err := h.worker.WriteHomeFile(credentialsFile, out); err != nil {
		return err
	}
	h.logger.Debug().Str("cloud", cloud).Msg("wrote juju credentials")
	return nil
}
