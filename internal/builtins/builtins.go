// Package builtins implements the commands the shell runs itself.
package builtins

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"jcsh/internal/jobs"
	"jcsh/internal/parser"
	"jcsh/internal/shell"
)

// Kind identifies a builtin.
type Kind int

const (
	NotBuiltin Kind = iota
	Jobs
	Fg
	Bg
	Kill
	Stop
	Exit
	Cd
	Pwd
)

var names = map[string]Kind{
	"jobs": Jobs,
	"fg":   Fg,
	"bg":   Bg,
	"kill": Kill,
	"stop": Stop,
	"exit": Exit,
	"cd":   Cd,
	"pwd":  Pwd,
}

// Lookup classifies a pipeline. Only single-command pipelines run as
// builtins.
func Lookup(p *parser.Pipeline) Kind {
	if len(p.Commands) != 1 {
		return NotBuiltin
	}
	return names[p.Commands[0].Argv[0]]
}

// Interpreter runs builtins against a session.
type Interpreter struct {
	sh  *shell.Session
	log *logrus.Entry
}

// New returns an interpreter bound to sh.
func New(sh *shell.Session) *Interpreter {
	return &Interpreter{
		sh:  sh,
		log: sh.Log.WithField("component", "builtins"),
	}
}

// Handle runs p if it is a builtin and reports whether it was one.
func (in *Interpreter) Handle(p *parser.Pipeline) bool {
	kind := Lookup(p)
	if kind == NotBuiltin {
		return false
	}
	argv := p.Commands[0].Argv
	var err error
	switch kind {
	case Jobs:
		err = in.jobs(argv)
	case Fg:
		err = in.fg(argv)
	case Bg:
		err = in.bg(argv)
	case Kill:
		err = in.kill(argv)
	case Stop:
		err = in.stop(argv)
	case Exit:
		in.sh.Terminate(0)
	case Cd:
		err = cd(argv)
	case Pwd:
		err = in.pwd(argv)
	}
	if err != nil {
		fmt.Fprintln(in.sh.Out, err)
	}
	return true
}

func argCountError(name string) error {
	return errors.Errorf("Incorrect number of arguments for the command '%s'", name)
}

// parseJid accepts "3" and "%3". Unparseable ids resolve to no job.
func parseJid(arg string) int {
	id, err := strconv.Atoi(strings.TrimPrefix(arg, "%"))
	if err != nil {
		return 0
	}
	return id
}

func (in *Interpreter) jobs(argv []string) error {
	if len(argv) != 1 {
		return argCountError(argv[0])
	}
	r := in.sh.Relay
	r.Block()
	defer r.Unblock()

	snapshot := in.sh.Jobs.Jobs()
	if len(snapshot) == 0 {
		fmt.Fprintln(in.sh.Out, "There are currently not jobs in the job list.")
		return nil
	}
	for _, j := range snapshot {
		fmt.Fprint(in.sh.Out, j.Listing())
		if j.Status == jobs.StatusDone {
			in.sh.Jobs.Remove(j)
		}
	}
	return nil
}

func (in *Interpreter) fg(argv []string) error {
	switch len(argv) {
	case 1:
		return errors.Errorf("fg: job id missing")
	case 2:
	default:
		return argCountError(argv[0])
	}
	r := in.sh.Relay
	r.Block()
	defer r.Unblock()
	defer in.reclaim()

	job := in.sh.Jobs.Get(parseJid(argv[1]))
	if job == nil {
		return errors.Errorf("fg: %s: No such job", argv[1])
	}
	if job.Status == jobs.StatusForeground {
		return errors.Errorf("Job: %s is already running", argv[1])
	}

	// The group must own the terminal before it runs again, or a job stopped
	// on terminal input stops right back on SIGTTIN.
	if err := in.sh.Term.GiveTo(job.Pgid, job.TTYMode); err != nil {
		in.log.WithError(err).WithField("jid", job.ID).Warn("giving terminal to job")
	}
	if err := unix.Kill(-job.Pgid, unix.SIGCONT); err != nil {
		in.log.WithError(err).WithField("jid", job.ID).Warn("continuing job")
		return errors.Errorf("fg on job: %s was unsuccessful", argv[1])
	}
	job.Status = jobs.StatusForeground
	fmt.Fprint(in.sh.Out, job.Listing())

	r.WaitFor(job)
	switch {
	case job.Status == jobs.StatusDone:
		in.sh.Jobs.Remove(job)
	case job.Status.Suspended():
		fmt.Fprint(in.sh.Out, job.Listing())
	}
	return nil
}

func (in *Interpreter) bg(argv []string) error {
	switch len(argv) {
	case 1:
		return errors.Errorf("bg: job id missing")
	case 2:
	default:
		return argCountError(argv[0])
	}
	r := in.sh.Relay
	r.Block()
	defer r.Unblock()

	job := in.sh.Jobs.Get(parseJid(argv[1]))
	switch {
	case job == nil:
		return errors.Errorf("bg %s: No such job", argv[1])
	case job.Status == jobs.StatusNeedsTerminal:
		return errors.Errorf("bg: %s needs the terminal; use fg", argv[1])
	case job.Status != jobs.StatusStopped:
		return errors.Errorf("bg: %s is already in background", argv[1])
	}

	if err := unix.Kill(-job.Pgid, unix.SIGCONT); err != nil {
		in.log.WithError(err).WithField("jid", job.ID).Warn("continuing job")
		return errors.Errorf("bg on job: %s was unsuccessful", argv[1])
	}
	job.Status = jobs.StatusBackground
	fmt.Fprint(in.sh.Out, job.Launched())
	return nil
}

func (in *Interpreter) kill(argv []string) error {
	if len(argv) != 2 {
		return argCountError(argv[0])
	}
	r := in.sh.Relay
	r.Block()
	defer r.Unblock()

	job := in.sh.Jobs.Get(parseJid(argv[1]))
	if job == nil {
		return errors.Errorf("kill %s: no such job", argv[1])
	}
	if err := unix.Kill(-job.Pgid, unix.SIGTERM); err != nil {
		in.log.WithError(err).WithField("jid", job.ID).Warn("terminating job")
		return errors.Errorf("Kill on job: %s was unsuccessful", argv[1])
	}
	// A stopped group only acts on SIGTERM once continued.
	if job.Status.Suspended() {
		_ = unix.Kill(-job.Pgid, unix.SIGCONT)
	}
	r.WaitForExit(job)
	in.sh.Jobs.Remove(job)
	in.reclaim()
	return nil
}

func (in *Interpreter) stop(argv []string) error {
	if len(argv) != 2 {
		return argCountError(argv[0])
	}
	r := in.sh.Relay
	r.Block()
	defer r.Unblock()

	job := in.sh.Jobs.Get(parseJid(argv[1]))
	if job == nil {
		return errors.Errorf("stop %s: No such job", argv[1])
	}
	if err := unix.Kill(-job.Pgid, unix.SIGSTOP); err != nil {
		in.log.WithError(err).WithField("jid", job.ID).Warn("stopping job")
		return errors.Errorf("Stop on job: %s was unsuccessful", argv[1])
	}
	job.Status = jobs.StatusStopped
	mode, err := in.sh.Term.Save()
	if err != nil {
		in.log.WithError(err).WithField("jid", job.ID).Warn("saving terminal mode")
	}
	job.TTYMode = mode
	return nil
}

func (in *Interpreter) reclaim() {
	if err := in.sh.Term.Reclaim(); err != nil {
		in.log.WithError(err).Warn("reclaiming terminal")
	}
}

func cd(argv []string) error {
	var dir string
	switch len(argv) {
	case 1:
		dir = os.Getenv("HOME")
	case 2:
		dir = argv[1]
	default:
		return argCountError(argv[0])
	}
	if err := os.Chdir(dir); err != nil {
		return errors.Errorf("cd: %v", err)
	}
	return nil
}

func (in *Interpreter) pwd(argv []string) error {
	if len(argv) != 1 {
		return argCountError(argv[0])
	}
	dir, err := os.Getwd()
	if err != nil {
		return errors.Errorf("pwd: %v", err)
	}
	fmt.Fprintln(in.sh.Out, dir)
	return nil
}
