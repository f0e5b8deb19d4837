// Package relay turns child status changes into job table updates. Both the
// asynchronous SIGCHLD path and the synchronous wait path run the same
// reaping logic while the relay is blocked, so no two updates ever overlap.
package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"jcsh/internal/jobs"
	"jcsh/internal/terminal"
)

// Relay owns the block discipline protecting the job table.
type Relay struct {
	mu      sync.Mutex
	blocked atomic.Bool

	table  *jobs.Table
	term   *terminal.Arbiter
	out    io.Writer
	errOut io.Writer
	log    *logrus.Logger
	entry  *logrus.Entry

	sigs    chan os.Signal
	stopped chan struct{}
}

// New returns a relay for table. Job notices go to out, termination
// reports to errOut.
func New(table *jobs.Table, term *terminal.Arbiter, out, errOut io.Writer, log *logrus.Logger) *Relay {
	return &Relay{
		table:   table,
		term:    term,
		out:     out,
		errOut:  errOut,
		log:     log,
		entry:   log.WithField("component", "relay"),
		sigs:    make(chan os.Signal, 1),
		stopped: make(chan struct{}),
	}
}

// Block suspends processing of child status notifications. Every access to
// the job table from the main flow happens between Block and Unblock.
func (r *Relay) Block() {
	r.mu.Lock()
	r.blocked.Store(true)
}

// Unblock resumes processing of child status notifications.
func (r *Relay) Unblock() {
	r.blocked.Store(false)
	r.mu.Unlock()
}

// Blocked reports whether notifications are currently blocked.
func (r *Relay) Blocked() bool {
	return r.blocked.Load()
}

// Start subscribes to SIGCHLD and reaps pending status changes on every
// notification until ctx is done. The signal handler itself only queues the
// notification; the reaping runs here, under the block.
func (r *Relay) Start(ctx context.Context) {
	signal.Notify(r.sigs, unix.SIGCHLD)
	go func() {
		defer close(r.stopped)
		defer signal.Stop(r.sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.sigs:
				if ctx.Err() != nil {
					return
				}
				r.Block()
				r.ReapPending()
				r.Unblock()
			}
		}
	}()
}

// Done is closed once the goroutine started by Start has returned.
func (r *Relay) Done() <-chan struct{} {
	return r.stopped
}

// ReapPending collects every status change already available without
// blocking. Several children may have changed state per notification.
func (r *Relay) ReapPending() {
	r.mustBeBlocked()
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WUNTRACED|unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		r.HandleStatus(pid, ws)
	}
}

// HandleStatus applies one reaped status to the job owning pid.
func (r *Relay) HandleStatus(pid int, ws unix.WaitStatus) {
	r.mustBeBlocked()
	job := r.table.ByPid(pid)
	if job == nil {
		r.log.Fatalf("reaped process %d does not belong to any job", pid)
		return
	}
	entry := r.entry.WithFields(logrus.Fields{"pid": pid, "jid": job.ID})

	switch {
	case ws.Exited(), ws.Signaled():
		proc := job.Process(pid)
		if !proc.Alive {
			r.log.Fatalf("process %d of job %d reaped twice", pid, job.ID)
			return
		}
		proc.Alive = false
		job.Alive--
		if ws.Signaled() {
			r.reportSignal(ws.Signal())
		}
		if job.Alive == 0 {
			job.Status = jobs.StatusDone
		}
		entry.WithField("status", job.Status).Debug("process exited")

	case ws.Stopped():
		prev := job.Status
		job.Status = jobs.StatusStopped
		if !prev.Suspended() {
			mode, err := r.term.Save()
			if err != nil {
				entry.WithError(err).Warn("saving terminal mode")
			}
			job.TTYMode = mode
		}
		switch sig := ws.StopSignal(); sig {
		case unix.SIGTTOU, unix.SIGTTIN:
			job.Status = jobs.StatusNeedsTerminal
		default:
			// A stopped foreground job is reported by whoever waited on it.
			if prev != jobs.StatusForeground && !prev.Suspended() {
				fmt.Fprint(r.out, job.Listing())
			}
		}
		entry.WithField("status", job.Status).Debug("process stopped")
	}

	if r.table.Foreground() == nil {
		if err := r.term.Reclaim(); err != nil {
			entry.WithError(err).Warn("reclaiming terminal")
		}
	}
}

func (r *Relay) reportSignal(sig unix.Signal) {
	var msg string
	switch sig {
	case unix.SIGINT, unix.SIGPIPE:
		return
	case unix.SIGABRT:
		msg = "aborted"
	case unix.SIGFPE:
		msg = "floating point exception"
	case unix.SIGKILL:
		msg = "killed"
	case unix.SIGSEGV:
		msg = "segmentation fault"
	case unix.SIGTERM:
		msg = "terminated"
	default:
		msg = fmt.Sprintf("signal %d", int(sig))
	}
	fmt.Fprintln(r.errOut, msg)
}

func (r *Relay) mustBeBlocked() {
	if !r.Blocked() {
		r.log.Fatal("job table accessed with child notifications unblocked")
	}
}
