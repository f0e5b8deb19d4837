// Package terminal arbitrates ownership of the controlling terminal between
// the shell and its foreground job, and saves/restores terminal modes.
package terminal

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Mode is a terminal-mode snapshot.
type Mode struct {
	termios unix.Termios
}

// Arbiter owns the terminal handoff protocol. All methods except
// ForegroundPgid must be called with child-status notifications blocked.
// A detached Arbiter (no terminal) turns every operation into a no-op.
type Arbiter struct {
	tty       *os.File
	fd        int
	shellPgid int
	shellMode *Mode
	// fgPgid mirrors the group last given the terminal, for lock-free readers.
	fgPgid atomic.Int64
	ttou   chan os.Signal
	log    *logrus.Entry
}

// New returns an Arbiter for tty. If tty is nil or not a terminal the
// Arbiter is detached.
func New(tty *os.File, log *logrus.Logger) (*Arbiter, error) {
	a := &Arbiter{
		fd:        -1,
		shellPgid: unix.Getpgrp(),
		ttou:      make(chan os.Signal, 1),
		log:       log.WithField("component", "terminal"),
	}
	if tty == nil || !term.IsTerminal(int(tty.Fd())) {
		return a, nil
	}
	a.tty = tty
	a.fd = int(tty.Fd())
	signal.Notify(a.ttou, unix.SIGTTOU)
	mode, err := a.Save()
	if err != nil {
		return nil, errors.Wrap(err, "save shell terminal mode")
	}
	a.shellMode = mode
	return a, nil
}

// Detached returns an Arbiter that does not manage any terminal.
func Detached(log *logrus.Logger) *Arbiter {
	a, _ := New(nil, log)
	return a
}

// Interactive reports whether a terminal is being managed.
func (a *Arbiter) Interactive() bool {
	return a.tty != nil
}

// Fd returns the terminal descriptor, or -1 when detached.
func (a *Arbiter) Fd() int {
	return a.fd
}

// ForegroundPgid returns the job group currently holding the terminal, or 0
// when the shell holds it. Safe to call without the relay blocked.
func (a *Arbiter) ForegroundPgid() int {
	return int(a.fgPgid.Load())
}

// Acquire makes the shell the foreground process group of its terminal. It
// stops the shell with SIGTTIN until it is started in the foreground, then
// moves it into its own group. Must run before SIGTTIN is caught.
func (a *Arbiter) Acquire() error {
	if !a.Interactive() {
		return nil
	}
	for {
		fg, err := unix.IoctlGetInt(a.fd, unix.TIOCGPGRP)
		if err != nil {
			return errors.Wrap(err, "tcgetpgrp")
		}
		if fg == unix.Getpgrp() {
			break
		}
		_ = unix.Kill(0, unix.SIGTTIN)
	}
	pid := unix.Getpid()
	if unix.Getpgrp() != pid {
		if err := unix.Setpgid(0, 0); err != nil {
			return errors.Wrap(err, "setpgid")
		}
	}
	a.shellPgid = pid
	return a.withTTOUIgnored(func() error {
		return unix.IoctlSetPointerInt(a.fd, unix.TIOCSPGRP, pid)
	})
}

// Save captures the current terminal mode. Detached arbiters return nil.
func (a *Arbiter) Save() (*Mode, error) {
	if !a.Interactive() {
		return nil, nil
	}
	t, err := unix.IoctlGetTermios(a.fd, unix.TCGETS)
	if err != nil {
		return nil, errors.Wrap(err, "tcgetattr")
	}
	return &Mode{termios: *t}, nil
}

// GiveTo transfers the terminal to pgid, first applying mode if non-nil.
func (a *Arbiter) GiveTo(pgid int, mode *Mode) error {
	if !a.Interactive() {
		a.fgPgid.Store(int64(pgid))
		return nil
	}
	a.log.WithField("pgid", pgid).Debug("giving terminal to job")
	err := a.withTTOUIgnored(func() error {
		var result *multierror.Error
		if mode != nil {
			result = multierror.Append(result, a.setMode(mode))
		}
		result = multierror.Append(result, unix.IoctlSetPointerInt(a.fd, unix.TIOCSPGRP, pgid))
		return result.ErrorOrNil()
	})
	if err != nil {
		return errors.Wrapf(err, "give terminal to %d", pgid)
	}
	a.fgPgid.Store(int64(pgid))
	return nil
}

// Granted records that pgid received the terminal as part of its spawn.
func (a *Arbiter) Granted(pgid int) {
	a.fgPgid.Store(int64(pgid))
}

// Reclaim gives the terminal back to the shell. The shell's saved mode is
// re-applied only if another group actually held the terminal.
func (a *Arbiter) Reclaim() error {
	a.fgPgid.Store(0)
	if !a.Interactive() {
		return nil
	}
	fg, err := unix.IoctlGetInt(a.fd, unix.TIOCGPGRP)
	if err != nil {
		return errors.Wrap(err, "tcgetpgrp")
	}
	if fg == a.shellPgid {
		return nil
	}
	a.log.WithField("from", fg).Debug("reclaiming terminal")
	return a.withTTOUIgnored(func() error {
		if err := unix.IoctlSetPointerInt(a.fd, unix.TIOCSPGRP, a.shellPgid); err != nil {
			return errors.Wrap(err, "tcsetpgrp")
		}
		return a.setMode(a.shellMode)
	})
}

func (a *Arbiter) setMode(mode *Mode) error {
	if mode == nil {
		return nil
	}
	t := mode.termios
	return unix.IoctlSetTermios(a.fd, unix.TCSETSW, &t)
}

// withTTOUIgnored runs fn with SIGTTOU ignored so a background shell may
// change the terminal's group and mode. The disposition is restored to
// caught (not ignored) so children spawned afterwards get the default.
func (a *Arbiter) withTTOUIgnored(fn func() error) error {
	signal.Ignore(unix.SIGTTOU)
	defer signal.Notify(a.ttou, unix.SIGTTOU)
	return fn()
}
