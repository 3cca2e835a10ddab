package system

import (
	"fmt"
	"strings"
)

// Command describes one subprocess invocation.
type Command struct {
	// Executable is the program name or path.
	Executable string

	// Args are passed verbatim.
	Args []string

	// User runs the command as another user through sudo.
	User string

	// Group runs the command with another primary group through sudo.
	Group string

	// Env adds KEY=VALUE entries to the inherited environment.
	Env []string

	// Stdin is fed to the process when set.
	Stdin string
}

// NewCommand creates a command for an executable and its arguments.
func NewCommand(executable string, args ...string) *Command {
	return &Command{Executable: executable, Args: args}
}

// AsUser returns a copy of the command that runs as user and group.
func (c *Command) AsUser(user, group string) *Command {
	out := *c
	out.User = user
	out.Group = group
	return &out
}

// WithEnv returns a copy of the command with extra environment entries.
func (c *Command) WithEnv(env ...string) *Command {
	out := *c
	out.Env = append(append([]string(nil), c.Env...), env...)
	return &out
}

// WithStdin returns a copy of the command that reads input from s.
func (c *Command) WithStdin(s string) *Command {
	out := *c
	out.Stdin = s
	return &out
}

// Argv returns the full argument vector, including the sudo prefix when needed.
// The executable is resolved against PATH when the command runs.
func (c *Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+6)
	if (c.User != "" || c.Group != "") && c.User != "root" {
		argv = append(argv, "sudo")
		if c.User != "" {
			argv = append(argv, "-u", c.User)
		}
		if c.Group != "" {
			argv = append(argv, "-g", c.Group)
		}
	}
	argv = append(argv, c.Executable)
	return append(argv, c.Args...)
}

// String renders the command as a shell-escaped string.
func (c *Command) String() string {
	argv := c.Argv()
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shellQuote quotes s for POSIX shells when it contains special characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// CommandError is returned when a subprocess exits unsuccessfully.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, e.Command)
	if hint := e.Hint(); hint != "" {
		msg += ": " + hint
	}
	return msg
}

// Hint returns a remediation hint for well-known failure modes.
func (e *CommandError) Hint() string {
	if e.permissionProblem() {
		return "permission denied, try running with sudo"
	}
	return ""
}

// Temporary reports whether retrying the command could help.
func (e *CommandError) Temporary() bool {
	if e.permissionProblem() {
		return false
	}
	// 126: not executable, 127: not found
	return e.ExitCode != 126 && e.ExitCode != 127
}

func (e *CommandError) permissionProblem() bool {
	return strings.Contains(e.Output, "Permission denied") ||
		strings.Contains(e.Output, "Could not open lock file") ||
		e.ExitCode == 100
}
