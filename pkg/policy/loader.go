package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
)

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadDir loads every policy file under dir, recursively, in path order.
// A missing directory is a configuration error.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]Policy, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, engine.NewConfigurationError(fmt.Sprintf("policy directory not found: %s", dir), nil)
	}
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to read policy directory %s", dir), err)
	}
	if !info.IsDir() {
		return nil, engine.NewConfigurationError(fmt.Sprintf("policy path is not a directory: %s", dir), nil)
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(paths)

	policies := make([]Policy, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}

	l.logger.Debug().Int("total", len(policies)).Str("dir", dir).Msg("Policies loaded from directory")
	return policies, nil
}

// LoadFile loads a policy from a single file.
func (l *Loader) LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		policy = parseRegoFile(path, data)
	case strings.HasSuffix(path, ".json"):
		policy, err = parseJSONFile(path, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	l.logger.Debug().Str("path", path).Str("policy", policy.Name).Msg("Policy loaded from file")
	return policy, nil
}

// parseRegoFile parses a .rego file into a Policy. The leading comment block is the
// description; a "severity: warning" line in it sets the default severity.
func parseRegoFile(path string, data []byte) *Policy {
	description, severity := parseHeader(string(data))
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}
}

// parseJSONFile parses a JSON policy definition.
func parseJSONFile(path string, data []byte) (*Policy, error) {
	policy := Policy{Enabled: true}
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to parse JSON policy %s", path), err)
	}
	if policy.Name == "" {
		policy.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	policy.Source = path
	return &policy, nil
}

func parseHeader(content string) (string, Severity) {
	severity := SeverityError
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if sev, ok := strings.CutPrefix(comment, "severity:"); ok {
			if Severity(strings.TrimSpace(sev)) == SeverityWarning {
				severity = SeverityWarning
			}
			continue
		}
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}
	return description.String(), severity
}
