// Package snapdtest provides an in-memory snapd for tests.
package snapdtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/canonical/concierge/pkg/snapd"
)

// Fake implements snapd.API against an in-memory set of snaps.
type Fake struct {
	mu sync.Mutex

	// Tracking maps installed snap names to their tracking channel.
	Tracking map[string]string

	// Classic lists snaps with classic confinement.
	Classic map[string]bool

	// StoreChannels maps snap names to their store channels.
	StoreChannels map[string][]string

	// Active lists running services ("snap.app").
	Active map[string]bool

	// Errors fails the named operation ("install jq", "connect a:b") once per entry.
	Errors map[string][]error

	// Options holds the options of the last install or refresh per snap.
	Options map[string]snapd.SnapOptions

	// Calls records every mutating call in order.
	Calls []string
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		Tracking:      make(map[string]string),
		Classic:       make(map[string]bool),
		StoreChannels: make(map[string][]string),
		Active:        make(map[string]bool),
		Errors:        make(map[string][]error),
		Options:       make(map[string]snapd.SnapOptions),
	}
}

// Fail queues an error for an operation key.
func (f *Fake) Fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[key] = append(f.Errors[key], err)
}

// CallLog returns a copy of the recorded calls.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// IsInstalled reports whether a snap is installed.
func (f *Fake) IsInstalled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Tracking[name]
	return ok
}

func (f *Fake) record(key string) error {
	f.Calls = append(f.Calls, key)
	if errs := f.Errors[key]; len(errs) > 0 {
		f.Errors[key] = errs[1:]
		return errs[0]
	}
	return nil
}

// Installed implements snapd.API.
func (f *Fake) Installed(ctx context.Context, name string) (*snapd.SnapInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError("installed " + name); err != nil {
		return nil, err
	}
	tracking, ok := f.Tracking[name]
	return &snapd.SnapInfo{
		Name:            name,
		Installed:       ok,
		Classic:         ok && f.Classic[name],
		TrackingChannel: tracking,
	}, nil
}

// Info implements snapd.API.
func (f *Fake) Info(ctx context.Context, name, channel string) (*snapd.SnapInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError("info " + name); err != nil {
		return nil, err
	}
	tracking, ok := f.Tracking[name]
	return &snapd.SnapInfo{
		Name:            name,
		Installed:       ok,
		Classic:         f.Classic[name],
		TrackingChannel: tracking,
	}, nil
}

// takeError pops a queued error without recording a call.
func (f *Fake) takeError(key string) error {
	if errs := f.Errors[key]; len(errs) > 0 {
		f.Errors[key] = errs[1:]
		return errs[0]
	}
	return nil
}

// Channels implements snapd.API.
func (f *Fake) Channels(ctx context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channels, ok := f.StoreChannels[name]
	if !ok {
		return nil, &snapd.APIError{StatusCode: 404, Kind: "snap-not-found", Message: fmt.Sprintf("snap not found: %s", name)}
	}
	out := append([]string(nil), channels...)
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// Install implements snapd.API.
func (f *Fake) Install(ctx context.Context, name string, opts snapd.SnapOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("install " + name); err != nil {
		return err
	}
	f.Tracking[name] = opts.Channel
	f.Options[name] = opts
	if opts.Classic {
		f.Classic[name] = true
	}
	return nil
}

// Refresh implements snapd.API.
func (f *Fake) Refresh(ctx context.Context, name string, opts snapd.SnapOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("refresh " + name); err != nil {
		return err
	}
	f.Tracking[name] = opts.Channel
	f.Options[name] = opts
	return nil
}

// Remove implements snapd.API.
func (f *Fake) Remove(ctx context.Context, name string, purge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("remove " + name); err != nil {
		return err
	}
	delete(f.Tracking, name)
	return nil
}

// Connect implements snapd.API.
func (f *Fake) Connect(ctx context.Context, plug, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "connect " + plug
	if slot != "" {
		key += " " + slot
	}
	return f.record(key)
}

// ServiceActive implements snapd.API.
func (f *Fake) ServiceActive(ctx context.Context, service string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError("active " + service); err != nil {
		return false, err
	}
	return f.Active[service], nil
}

// Start implements snapd.API.
func (f *Fake) Start(ctx context.Context, services ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range services {
		if err := f.record("start " + s); err != nil {
			return err
		}
		f.Active[s] = true
	}
	return nil
}

// Stop implements snapd.API.
func (f *Fake) Stop(ctx context.Context, services ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range services {
		if err := f.record("stop " + s); err != nil {
			return err
		}
		delete(f.Active, s)
	}
	return nil
}

var _ snapd.API = (*Fake)(nil)
