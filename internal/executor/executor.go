// Package executor spawns pipelines as jobs: it wires pipes and
// redirections, places every stage in the job's process group and hands the
// foreground job the terminal.
package executor

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"jcsh/internal/jobs"
	"jcsh/internal/parser"
	"jcsh/internal/shell"
)

// Executor runs pipelines on behalf of a session.
type Executor struct {
	sh  *shell.Session
	log *logrus.Entry
}

// New returns an executor bound to sh.
func New(sh *shell.Session) *Executor {
	return &Executor{
		sh:  sh,
		log: sh.Log.WithField("component", "executor"),
	}
}

// Execute registers p as a job and spawns its stages. A foreground job is
// waited for until it finishes or stops; a background job is announced and
// left running.
func (e *Executor) Execute(p *parser.Pipeline) {
	r := e.sh.Relay
	r.Block()
	defer r.Unblock()

	job, err := e.sh.Jobs.Add(p)
	if err != nil {
		e.sh.Log.Fatalf("%v", err)
		return
	}
	if !p.Background {
		job.Status = jobs.StatusForeground
	}

	if err := e.spawn(job); err != nil {
		fmt.Fprintln(e.sh.ErrOut, err)
		e.abort(job)
		return
	}

	if p.Background {
		fmt.Fprint(e.sh.Out, job.Launched())
	} else {
		r.WaitFor(job)
		if job.Status.Suspended() {
			fmt.Fprint(e.sh.Out, job.Listing())
		}
	}

	if job.Status == jobs.StatusDone {
		fmt.Fprint(e.sh.Out, job.Listing())
		e.sh.Jobs.Remove(job)
	}
	if !p.Background {
		e.reclaim()
	}
}

// spawn starts every stage of job in order, stopping at the first failure.
func (e *Executor) spawn(job *jobs.Job) error {
	p := job.Pipeline
	n := len(p.Commands)

	pipes, err := newPipeSet(n - 1)
	if err != nil {
		return err
	}
	defer func() {
		if err := pipes.closeAll(); err != nil {
			e.log.WithError(err).Warn("closing pipes")
		}
	}()

	for i := range p.Commands {
		if err := e.spawnStage(job, i, pipes); err != nil {
			return err
		}
		// Stage i was the last user of its input pipe's read end and of its
		// output pipe's write end.
		if err := pipes.release(i); err != nil {
			e.log.WithError(err).Warn("closing pipe ends")
		}
	}
	return nil
}

func (e *Executor) spawnStage(job *jobs.Job, i int, pipes *pipeSet) error {
	p := job.Pipeline
	c := p.Commands[i]
	pos := positionOf(i, len(p.Commands))

	var opened []*os.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)

	// ----- stdin -----
	switch {
	case !pos.first():
		cmd.Stdin = pipes.r[i-1]
	case p.InputFile != "":
		f, err := os.Open(p.InputFile)
		if err != nil {
			return errors.Wrapf(err, "%s", p.InputFile)
		}
		opened = append(opened, f)
		cmd.Stdin = f
	case p.Background && !e.sh.Term.Interactive():
		// Without job control a background job must not compete for input.
		devNull, err := os.Open(os.DevNull)
		if err != nil {
			return errors.Wrap(err, "open /dev/null")
		}
		opened = append(opened, devNull)
		cmd.Stdin = devNull
	default:
		cmd.Stdin = e.sh.Stdin
	}

	// ----- stdout -----
	switch {
	case !pos.last():
		cmd.Stdout = pipes.w[i]
	case p.OutputFile != "":
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if p.Append {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		f, err := os.OpenFile(p.OutputFile, flags, 0o644)
		if err != nil {
			return errors.Wrapf(err, "%s", p.OutputFile)
		}
		opened = append(opened, f)
		cmd.Stdout = f
	default:
		cmd.Stdout = e.sh.Stdout
	}

	// ----- stderr -----
	cmd.Stderr = e.sh.Stderr
	if c.MergeStderr {
		cmd.Stderr = cmd.Stdout
	}

	// The first stage founds the group; later stages join it. A foreground
	// group is given the terminal by the child itself before exec.
	attr := &unix.SysProcAttr{Setpgid: true, Pgid: job.Pgid}
	if pos.first() && job.Status == jobs.StatusForeground && e.sh.Term.Interactive() {
		attr.Foreground = true
		attr.Ctty = e.sh.Term.Fd()
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return spawnError(c.Argv[0], err)
	}
	pid := cmd.Process.Pid
	// The relay reaps children with wait4; the handle is not needed.
	_ = cmd.Process.Release()

	e.sh.Jobs.AddProcess(job, pid, c.Argv)
	if pos.first() && job.Status == jobs.StatusForeground {
		e.sh.Term.Granted(job.Pgid)
	}
	e.log.WithFields(logrus.Fields{
		"jid":  job.ID,
		"pid":  pid,
		"pgid": job.Pgid,
		"argv": c.Argv,
	}).Debug("spawned")
	return nil
}

// abort tears down a job whose spawn failed part way: stages already running
// are killed and reaped before the job leaves the table.
func (e *Executor) abort(job *jobs.Job) {
	if job.Alive > 0 {
		if err := unix.Kill(-job.Pgid, unix.SIGKILL); err != nil {
			e.log.WithError(err).WithField("pgid", job.Pgid).Warn("killing partial job")
		}
		e.sh.Relay.WaitForExit(job)
	}
	e.reclaim()
	e.sh.Jobs.Remove(job)
}

func (e *Executor) reclaim() {
	if err := e.sh.Term.Reclaim(); err != nil {
		e.log.WithError(err).Warn("reclaiming terminal")
	}
}

func spawnError(name string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return errors.Errorf("%s: no such file or directory", name)
	}
	return errors.Wrap(err, name)
}
