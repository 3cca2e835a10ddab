// Package packages installs and removes host snaps and Debian packages.
package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/canonical/concierge/pkg/engine"
)

// Kind is a package format.
type Kind string

const (
	KindSnap Kind = "snap"
	KindDeb  Kind = "deb"
)

// Package is one package to install.
type Package struct {
	Name string `json:"name"`

	// Channel is the snap channel; empty tracks the default.
	Channel string `json:"channel,omitempty"`

	// Classic, when set, overrides the confinement reported by the store.
	Classic *bool `json:"classic,omitempty"`

	// Debconf lines ("pkg question type value") pre-seeded before a deb install.
	Debconf []string `json:"debconf,omitempty"`
}

// Params is the step payload shared by both handlers.
type Params struct {
	Channel string   `json:"channel,omitempty"`
	Classic *bool    `json:"classic,omitempty"`
	Debconf []string `json:"debconf,omitempty"`
}

// ParsePackage decodes step params for a named package.
func ParsePackage(name string, raw json.RawMessage) (Package, error) {
	pkg := Package{Name: name}
	if len(raw) == 0 {
		return pkg, nil
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return pkg, engine.NewConfigurationError(fmt.Sprintf("invalid parameters for package %q", name), err)
	}
	pkg.Channel = p.Channel
	pkg.Classic = p.Classic
	pkg.Debconf = p.Debconf
	return pkg, nil
}

// ParseSnapRef splits "name/track/risk" into a snap name and channel.
func ParseSnapRef(ref string) Package {
	name, channel, _ := strings.Cut(ref, "/")
	return Package{Name: name, Channel: channel}
}

// Result reports the effect of an install.
type Result struct {
	// PreExisting is set when the package was installed before the call.
	PreExisting bool

	// Action is "installed", "refreshed" or "unchanged".
	Action string
}

// Install actions.
const (
	ActionInstalled = "installed"
	ActionRefreshed = "refreshed"
	ActionUnchanged = "unchanged"
)

// Handler installs and removes packages of one kind. Every operation is idempotent.
type Handler interface {
	Kind() Kind
	IsInstalled(ctx context.Context, name string) (bool, error)
	Install(ctx context.Context, pkg Package) (*Result, error)
	Remove(ctx context.Context, name string) error
}

// Set holds one handler per kind.
type Set struct {
	Snap *SnapHandler
	Deb  *DebHandler
}

// For returns the handler for a kind.
func (s Set) For(kind Kind) (Handler, error) {
	switch kind {
	case KindSnap:
		if s.Snap != nil {
			return s.Snap, nil
		}
	case KindDeb:
		if s.Deb != nil {
			return s.Deb, nil
		}
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown package kind %q", kind), nil)
	}
	return nil, engine.NewFatalError(fmt.Sprintf("no handler configured for %s packages", kind), nil).
		WithCode(engine.ErrCodeInternal)
}
