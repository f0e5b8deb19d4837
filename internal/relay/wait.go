package relay

import (
	"golang.org/x/sys/unix"

	"jcsh/internal/jobs"
)

// WaitFor blocks until job is no longer in the foreground or has no live
// processes. The relay must be blocked.
func (r *Relay) WaitFor(job *jobs.Job) {
	r.mustBeBlocked()
	for job.Status == jobs.StatusForeground && job.Alive > 0 {
		if !r.waitNext(job) {
			return
		}
	}
}

// WaitForExit blocks until every process of job has been reaped, whatever
// its status. The relay must be blocked.
func (r *Relay) WaitForExit(job *jobs.Job) {
	r.mustBeBlocked()
	for job.Alive > 0 {
		if !r.waitNext(job) {
			return
		}
	}
}

// waitNext blocks for the next status change of any child and applies it.
// It returns false if there are no children left to wait for.
func (r *Relay) waitNext(job *jobs.Job) bool {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WUNTRACED, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			r.abandon(job)
			return false
		case err != nil:
			r.log.Fatalf("wait4 failed while waiting for job %d: %v", job.ID, err)
			return false
		}
		r.HandleStatus(pid, ws)
		return true
	}
}

// abandon marks a job whose processes the kernel no longer reports as done,
// keeping the live count consistent with its status.
func (r *Relay) abandon(job *jobs.Job) {
	r.entry.WithField("jid", job.ID).Warn("no children left to wait for; marking job done")
	for _, p := range job.Procs {
		p.Alive = false
	}
	job.Alive = 0
	job.Status = jobs.StatusDone
}
