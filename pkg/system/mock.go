package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockResponse is a scripted reply for one command line.
type MockResponse struct {
	Output string
	Err    error

	// Times limits how often the response is used before falling through
	// to the next one queued for the same command. Zero means forever.
	Times int
}

// MockSystem is a Worker that records commands instead of running them.
// Unscripted commands succeed with empty output.
type MockSystem struct {
	mu sync.Mutex

	User string
	Home string

	responses map[string][]*MockResponse
	used      map[*MockResponse]int

	// ExecutedCommands lists command lines in execution order.
	ExecutedCommands []string

	// CreatedFiles maps home-relative paths to their contents.
	CreatedFiles map[string]string

	// CreatedDirectories lists home-relative directories.
	CreatedDirectories []string

	// RemovedPaths lists home-relative removed paths.
	RemovedPaths []string

	// Files maps absolute paths to readable contents.
	Files map[string]string

	// Inputs maps command lines to the stdin they were given.
	Inputs map[string]string
}

// NewMockSystem creates a MockSystem for user "ubuntu".
func NewMockSystem() *MockSystem {
	return &MockSystem{
		User:         "ubuntu",
		Home:         "/home/ubuntu",
		responses:    make(map[string][]*MockResponse),
		used:         make(map[*MockResponse]int),
		CreatedFiles: make(map[string]string),
		Files:        make(map[string]string),
		Inputs:       make(map[string]string),
	}
}

// MockCommand queues a response for a command line such as "snap install jq".
func (m *MockSystem) MockCommand(line string, r MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := r
	m.responses[line] = append(m.responses[line], &resp)
}

// MockCommandReturn scripts a successful output for a command line.
func (m *MockSystem) MockCommandReturn(line, output string) {
	m.MockCommand(line, MockResponse{Output: output})
}

// MockCommandError scripts a permanent failure for a command line.
func (m *MockSystem) MockCommandError(line string, err error) {
	m.MockCommand(line, MockResponse{Err: err})
}

// Commands returns a copy of the executed command lines.
func (m *MockSystem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ExecutedCommands...)
}

// Ran reports whether a command line was executed.
func (m *MockSystem) Ran(line string) bool {
	for _, c := range m.Commands() {
		if c == line {
			return true
		}
	}
	return false
}

// Username implements Worker.
func (m *MockSystem) Username() string { return m.User }

// HomeDir implements Worker.
func (m *MockSystem) HomeDir() string { return m.Home }

// Run implements Worker.
func (m *MockSystem) Run(ctx context.Context, cmd *Command) ([]byte, error) {
	line := strings.Join(cmd.Argv(), " ")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExecutedCommands = append(m.ExecutedCommands, line)
	if cmd.Stdin != "" {
		m.Inputs[line] += cmd.Stdin
	}

	for _, r := range m.responses[line] {
		if r.Times > 0 && m.used[r] >= r.Times {
			continue
		}
		m.used[r]++
		return []byte(r.Output), r.Err
	}
	return nil, nil
}

// RunExclusive implements Worker.
func (m *MockSystem) RunExclusive(ctx context.Context, cmd *Command) ([]byte, error) {
	return m.Run(ctx, cmd)
}

// RunWithRetries implements Worker. Scripted errors are returned without waiting.
func (m *MockSystem) RunWithRetries(ctx context.Context, cmd *Command, maxDuration time.Duration) ([]byte, error) {
	return m.Run(ctx, cmd)
}

// WriteHomeFile implements Worker.
func (m *MockSystem) WriteHomeFile(path string, contents []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatedFiles[path] = string(contents)
	m.Files[filepath.Join(m.Home, path)] = string(contents)
	return nil
}

// MkHomeSubdir implements Worker.
func (m *MockSystem) MkHomeSubdir(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatedDirectories = append(m.CreatedDirectories, path)
	return nil
}

// RemoveAllHome implements Worker.
func (m *MockSystem) RemoveAllHome(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemovedPaths = append(m.RemovedPaths, path)
	delete(m.CreatedFiles, path)
	return nil
}

// ReadHomeFile implements Worker.
func (m *MockSystem) ReadHomeFile(path string) ([]byte, error) {
	return m.ReadFile(filepath.Join(m.Home, path))
}

// ReadFile implements Worker.
func (m *MockSystem) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Files[path]; ok {
		return []byte(c), nil
	}
	return nil, fmt.Errorf("failed to read %s: %w", path, os.ErrNotExist)
}

// Removed returns the removed paths, sorted.
func (m *MockSystem) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.RemovedPaths...)
	sort.Strings(out)
	return out
}
