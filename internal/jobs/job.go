package jobs

import (
	"fmt"

	"jcsh/internal/parser"
	"jcsh/internal/terminal"
)

// Status is the state of a job.
type Status int

const (
	// StatusPending is the state between table insertion and the executor
	// deciding foreground placement.
	StatusPending Status = iota
	StatusForeground
	StatusBackground
	StatusStopped
	// StatusNeedsTerminal marks a job stopped by SIGTTIN/SIGTTOU.
	StatusNeedsTerminal
	StatusDone
)

// String returns the label used by the jobs listing.
func (s Status) String() string {
	switch s {
	case StatusForeground:
		return "Foreground"
	case StatusBackground:
		return "Running"
	case StatusStopped:
		return "Stopped"
	case StatusNeedsTerminal:
		return "Stopped (tty)"
	case StatusDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Suspended reports whether the status is one of the stopped states.
func (s Status) Suspended() bool {
	return s == StatusStopped || s == StatusNeedsTerminal
}

// Process is one spawned member of a job.
type Process struct {
	Pid   int
	Argv  []string
	Alive bool
}

// Job is a pipeline and the processes spawned for it.
type Job struct {
	ID       int
	Pipeline *parser.Pipeline
	Pgid     int
	Procs    []*Process
	// Alive counts processes that have not been reaped as exited.
	Alive  int
	Status Status
	// TTYMode is the terminal snapshot taken when the job was last stopped.
	TTYMode *terminal.Mode
}

// Process returns the member with the given pid.
func (j *Job) Process(pid int) *Process {
	for _, p := range j.Procs {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// Listing formats the job as a line of the jobs builtin.
func (j *Job) Listing() string {
	return fmt.Sprintf("[%d]\t%s\t\t(%s)\n", j.ID, j.Status, j.Pipeline)
}

// Launched formats the background launch notice.
func (j *Job) Launched() string {
	return fmt.Sprintf("[%d] %d\n", j.ID, j.Pgid)
}
