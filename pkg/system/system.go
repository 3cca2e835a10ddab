// Package system runs host commands and manages files in the real user's home directory.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/retry"
)

// Worker is the host surface used by providers and package handlers.
type Worker interface {
	// Username is the real user, even under sudo.
	Username() string

	// HomeDir is the real user's home directory.
	HomeDir() string

	// Run executes a command and returns its combined output.
	Run(ctx context.Context, cmd *Command) ([]byte, error)

	// RunExclusive is Run, serialized with other commands of the same executable.
	RunExclusive(ctx context.Context, cmd *Command) ([]byte, error)

	// RunWithRetries retries a failing command with backoff until maxDuration.
	RunWithRetries(ctx context.Context, cmd *Command, maxDuration time.Duration) ([]byte, error)

	// WriteHomeFile writes a file relative to the home directory, owned by the real user.
	WriteHomeFile(path string, contents []byte) error

	// MkHomeSubdir creates a directory relative to the home directory, owned by the real user.
	MkHomeSubdir(path string) error

	// RemoveAllHome removes a path relative to the home directory.
	RemoveAllHome(path string) error

	// ReadHomeFile reads a file relative to the home directory.
	ReadHomeFile(path string) ([]byte, error)

	// ReadFile reads a file from an absolute path.
	ReadFile(path string) ([]byte, error)
}

// Options configures a System.
type Options struct {
	// Trace prints every command and its output.
	Trace bool

	// TraceWriter receives trace output. Defaults to stderr.
	TraceWriter io.Writer

	Logger zerolog.Logger
}

// System is the Worker backed by the local machine.
type System struct {
	trace       bool
	traceWriter io.Writer
	logger      zerolog.Logger

	username string
	homeDir  string

	// uid and gid of the real user when running under sudo, -1 otherwise
	uid, gid int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a System for the current process.
func New(opts Options) *System {
	w := opts.TraceWriter
	if w == nil {
		w = os.Stderr
	}
	s := &System{
		trace:       opts.Trace,
		traceWriter: w,
		logger:      opts.Logger.With().Str("component", "system").Logger(),
		uid:         -1,
		gid:         -1,
		locks:       make(map[string]*sync.Mutex),
	}
	s.username, s.homeDir = realUser()

	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			s.uid, _ = strconv.Atoi(u.Uid)
			s.gid, _ = strconv.Atoi(u.Gid)
		} else {
			s.logger.Warn().Err(err).Str("user", sudoUser).Msg("could not look up sudo user")
		}
	}
	return s
}

// realUser returns the invoking user and their home, looking through sudo.
func realUser() (string, string) {
	name := os.Getenv("SUDO_USER")
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		} else {
			name = "root"
		}
	}

	if u, err := user.Lookup(name); err == nil && u.HomeDir != "" {
		return name, u.HomeDir
	}
	if name == "root" {
		return name, "/root"
	}
	return name, filepath.Join("/home", name)
}

// Username implements Worker.
func (s *System) Username() string { return s.username }

// HomeDir implements Worker.
func (s *System) HomeDir() string { return s.homeDir }

// Run implements Worker.
func (s *System) Run(ctx context.Context, cmd *Command) ([]byte, error) {
	argv := cmd.Argv()
	commandString := cmd.String()

	logger := s.logger.With().Str("command", commandString).Logger()
	if cmd.User != "" {
		logger = logger.With().Str("user", cmd.User).Logger()
	}
	if cmd.Group != "" {
		logger = logger.With().Str("group", cmd.Group).Logger()
	}
	logger.Debug().Msg("starting command")

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	if s.trace {
		s.printTrace(commandString, out.String())
	}
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			return out.Bytes(), fmt.Errorf("%s: %w", commandString, ctx.Err())
		}
		if code == -1 {
			return out.Bytes(), &CommandError{Command: commandString, ExitCode: 127, Output: err.Error()}
		}
		return out.Bytes(), &CommandError{Command: commandString, ExitCode: code, Output: out.String()}
	}

	logger.Debug().Msg("finished command")
	return out.Bytes(), nil
}

// RunExclusive implements Worker.
func (s *System) RunExclusive(ctx context.Context, cmd *Command) ([]byte, error) {
	lock := s.lockFor(cmd.Executable)
	lock.Lock()
	defer lock.Unlock()
	return s.Run(ctx, cmd)
}

func (s *System) lockFor(executable string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[executable]
	if !ok {
		l = &sync.Mutex{}
		s.locks[executable] = l
	}
	return l
}

// RunWithRetries implements Worker. Each attempt is bounded by 90% of maxDuration.
func (s *System) RunWithRetries(ctx context.Context, cmd *Command, maxDuration time.Duration) ([]byte, error) {
	return RunWithRetries(ctx, s, cmd, maxDuration)
}

// RunWithRetries retries cmd on w with exponential backoff between 1s and 60s.
// Shared by System and test doubles.
func RunWithRetries(ctx context.Context, w Worker, cmd *Command, maxDuration time.Duration) ([]byte, error) {
	perAttempt := time.Duration(float64(maxDuration) * 0.9)
	policy := retry.Policy{
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2,
		MaxElapsed:      maxDuration,
		Retryable: func(err error) bool {
			var ce *CommandError
			if errors.As(err, &ce) {
				return ce.Temporary()
			}
			return errors.Is(err, context.DeadlineExceeded)
		},
	}

	return retry.DoValue(ctx, policy, func(ctx context.Context) ([]byte, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		defer cancel()
		return w.Run(attemptCtx, cmd)
	})
}

// WriteHomeFile implements Worker.
func (s *System) WriteHomeFile(path string, contents []byte) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("only relative paths are supported: %s", path)
	}
	if err := s.MkHomeSubdir(filepath.Dir(path)); err != nil {
		return err
	}

	full := filepath.Join(s.homeDir, path)
	if err := os.WriteFile(full, contents, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", full, err)
	}
	s.chownRecursive(full)

	s.logger.Debug().Str("path", full).Msg("wrote file")
	return nil
}

// MkHomeSubdir implements Worker.
func (s *System) MkHomeSubdir(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("only relative paths are supported: %s", path)
	}
	if path == "." || path == "" {
		return nil
	}

	full := filepath.Join(s.homeDir, path)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", full, err)
	}

	// ownership follows from the top-level directory down
	top := filepath.Join(s.homeDir, firstElem(path))
	s.chownRecursive(top)

	s.logger.Debug().Str("path", full).Msg("created directory")
	return nil
}

// RemoveAllHome implements Worker.
func (s *System) RemoveAllHome(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("only relative paths are supported: %s", path)
	}
	full := filepath.Join(s.homeDir, path)
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("failed to remove %s: %w", full, err)
	}
	s.logger.Debug().Str("path", full).Msg("removed path")
	return nil
}

// ReadHomeFile implements Worker.
func (s *System) ReadHomeFile(path string) ([]byte, error) {
	return s.ReadFile(filepath.Join(s.homeDir, path))
}

// ReadFile implements Worker.
func (s *System) ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return b, nil
}

func firstElem(path string) string {
	path = filepath.Clean(path)
	for {
		dir := filepath.Dir(path)
		if dir == "." || dir == string(filepath.Separator) {
			return path
		}
		path = dir
	}
}

// chownRecursive hands a path back to the sudo user.
func (s *System) chownRecursive(path string) {
	if s.uid < 0 {
		return
	}
	err := filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Chown(p, s.uid, s.gid); err != nil {
			s.logger.Warn().Err(err).Str("path", p).Msg("failed to change ownership")
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to walk path")
	}
}

var (
	traceLabel   = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(lipgloss.Color("2"))
	traceCommand = lipgloss.NewStyle().Bold(true)
	traceOutput  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
)

func (s *System) printTrace(command, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.traceWriter, "\n%s %s\n", traceLabel.Render("Command:"), traceCommand.Render(command))
	if output != "" {
		fmt.Fprintf(s.traceWriter, "%s\n%s\n", traceOutput.Render("Output:"), output)
	}
}
