// Package shell holds the state one interactive session owns: the job
// table, the terminal arbiter, the signal relay and the standard streams.
package shell

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"jcsh/internal/jobs"
	"jcsh/internal/relay"
	"jcsh/internal/terminal"
)

// Session is passed to the executor and the builtins instead of package
// level state.
type Session struct {
	Jobs  *jobs.Table
	Term  *terminal.Arbiter
	Relay *relay.Relay

	// Stdin, Stdout and Stderr are inherited by spawned jobs.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// Out and ErrOut receive the shell's own messages.
	Out    io.Writer
	ErrOut io.Writer

	Log *logrus.Logger

	// Exit terminates the process. Terminate is the way out that runs the
	// exit hooks first.
	Exit func(code int)

	atExit []func()
}

// Options configures a Session.
type Options struct {
	MaxJobs int
	Stdin   *os.File
	Stdout  *os.File
	Stderr  *os.File
	// Out and ErrOut default to Stdout and Stderr.
	Out    io.Writer
	ErrOut io.Writer
	Log    *logrus.Logger
}

// New builds a session. The terminal is managed when Stdin is a terminal.
func New(opts Options) (*Session, error) {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Out == nil {
		opts.Out = opts.Stdout
	}
	if opts.ErrOut == nil {
		opts.ErrOut = opts.Stderr
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	term, err := terminal.New(opts.Stdin, opts.Log)
	if err != nil {
		return nil, err
	}
	table := jobs.NewTable(opts.MaxJobs)
	return &Session{
		Jobs:   table,
		Term:   term,
		Relay:  relay.New(table, term, opts.Out, opts.ErrOut, opts.Log),
		Stdin:  opts.Stdin,
		Stdout: opts.Stdout,
		Stderr: opts.Stderr,
		Out:    opts.Out,
		ErrOut: opts.ErrOut,
		Log:    opts.Log,
		Exit:   os.Exit,
	}, nil
}

// AtExit registers fn to run when the shell terminates through Terminate.
// Hooks run in reverse registration order.
func (s *Session) AtExit(fn func()) {
	s.atExit = append(s.atExit, fn)
}

// Terminate runs the exit hooks and exits with code.
func (s *Session) Terminate(code int) {
	for i := len(s.atExit) - 1; i >= 0; i-- {
		s.atExit[i]()
	}
	s.atExit = nil
	s.Exit(code)
}
