package builtins

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"jcsh/internal/executor"
	"jcsh/internal/jobs"
	"jcsh/internal/parser"
	"jcsh/internal/shell"
)

type fixture struct {
	sh     *shell.Session
	in     *Interpreter
	ex     *executor.Executor
	out    *bytes.Buffer
	errOut *bytes.Buffer
	exits  []int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stdin, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stdin.Close() })
	return newFixtureOn(t, stdin)
}

// newFixtureOn builds a session reading from stdin; the session manages the
// terminal when stdin is one.
func newFixtureOn(t *testing.T, stdin *os.File) *fixture {
	t.Helper()
	stdout, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stdout.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	f := &fixture{out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	f.sh, err = shell.New(shell.Options{
		MaxJobs: jobs.MaxJobs,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stdout,
		Out:     f.out,
		ErrOut:  f.errOut,
		Log:     log,
	})
	require.NoError(t, err)
	f.sh.Exit = func(code int) { f.exits = append(f.exits, code) }
	f.in = New(f.sh)
	f.ex = executor.New(f.sh)
	t.Cleanup(f.killAll)
	return f
}

// run evaluates line the way the loop does and returns what the shell
// printed.
func (f *fixture) run(t *testing.T, line string) string {
	t.Helper()
	f.out.Reset()
	ps, err := parser.Parse(line)
	require.NoError(t, err)
	for _, p := range ps {
		if !f.in.Handle(p) {
			f.ex.Execute(p)
		}
	}
	return f.out.String()
}

func (f *fixture) job(id int) *jobs.Job {
	f.sh.Relay.Block()
	defer f.sh.Relay.Unblock()
	return f.sh.Jobs.Get(id)
}

func (f *fixture) killAll() {
	r := f.sh.Relay
	r.Block()
	defer r.Unblock()
	for _, j := range f.sh.Jobs.Jobs() {
		if j.Alive > 0 {
			_ = unix.Kill(-j.Pgid, unix.SIGKILL)
			_ = unix.Kill(-j.Pgid, unix.SIGCONT)
			r.WaitForExit(j)
		}
		f.sh.Jobs.Remove(j)
	}
}

func TestLookup(t *testing.T) {
	single := func(argv ...string) *parser.Pipeline {
		return &parser.Pipeline{Commands: []parser.Command{{Argv: argv}}}
	}
	assert.Equal(t, Jobs, Lookup(single("jobs")))
	assert.Equal(t, Fg, Lookup(single("fg", "1")))
	assert.Equal(t, Kill, Lookup(single("kill", "%2")))
	assert.Equal(t, NotBuiltin, Lookup(single("ls")))

	piped := &parser.Pipeline{Commands: []parser.Command{{Argv: []string{"jobs"}}, {Argv: []string{"cat"}}}}
	assert.Equal(t, NotBuiltin, Lookup(piped), "builtins never run inside a pipeline")
}

func TestJobsListsAndReapsDone(t *testing.T) {
	f := newFixture(t)
	f.run(t, "sleep 30 &")
	f.run(t, "sleep 30 | cat &")

	assert.Equal(t, "[1]\tRunning\t\t(sleep 30)\n[2]\tRunning\t\t(sleep 30 | cat)\n", f.run(t, "jobs"))

	// Let job 1 finish behind the shell's back and reap it.
	j := f.job(1)
	require.NoError(t, unix.Kill(-j.Pgid, unix.SIGKILL))
	f.sh.Relay.Block()
	f.sh.Relay.WaitForExit(j)
	f.sh.Relay.Unblock()

	assert.Equal(t, "[1]\tDone\t\t(sleep 30)\n[2]\tRunning\t\t(sleep 30 | cat)\n", f.run(t, "jobs"))
	assert.Equal(t, "[2]\tRunning\t\t(sleep 30 | cat)\n", f.run(t, "jobs"), "done job listed once")
}

func TestJobsWithEmptyTable(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "There are currently not jobs in the job list.\n", f.run(t, "jobs"))
}

func TestFgOnForegroundJob(t *testing.T) {
	f := newFixture(t)
	f.run(t, "sleep 30 &")
	f.job(1).Status = jobs.StatusForeground

	assert.Equal(t, "Job: 1 is already running\n", f.run(t, "fg 1"))
}

func TestStopThenBg(t *testing.T) {
	f := newFixture(t)
	f.run(t, "sleep 30 &")
	j := f.job(1)

	assert.Empty(t, f.run(t, "stop 1"))
	assert.Equal(t, jobs.StatusStopped, j.Status)

	assert.Equal(t, fmt.Sprintf("[1] %d\n", j.Pgid), f.run(t, "bg %1"))
	assert.Equal(t, jobs.StatusBackground, j.Status)

	assert.Equal(t, "bg: 1 is already in background\n", f.run(t, "bg 1"))
}

func TestBgRefusesJobNeedingTerminal(t *testing.T) {
	f := newFixture(t)
	f.run(t, "sleep 30 &")
	j := f.job(1)
	j.Status = jobs.StatusNeedsTerminal

	assert.Equal(t, "bg: 1 needs the terminal; use fg\n", f.run(t, "bg 1"))
	assert.Equal(t, jobs.StatusNeedsTerminal, j.Status)
}

func TestFgWaitsForJob(t *testing.T) {
	f := newFixture(t)
	f.run(t, "sleep 0.2 &")

	assert.Equal(t, "[1]\tForeground\t\t(sleep 0.2)\n", f.run(t, "fg 1"))
	assert.Nil(t, f.job(1), "finished job is removed")
	assert.Equal(t, 0, f.sh.Term.ForegroundPgid(), "shell holds the terminal again")
}

func TestFgResumesStoppedJob(t *testing.T) {
	f := newFixture(t)
	f.run(t, "sleep 0.2 &")
	f.run(t, "stop %1")

	f.run(t, "fg %1")
	assert.Nil(t, f.job(1))
}

func TestKillRemovesJob(t *testing.T) {
	f := newFixture(t)
	f.run(t, "sleep 30 | sleep 30 &")

	assert.Empty(t, f.run(t, "kill 1"))
	assert.Nil(t, f.job(1))
	assert.Equal(t, "terminated\nterminated\n", f.errOut.String())
}

func TestKillStoppedJob(t *testing.T) {
	f := newFixture(t)
	f.run(t, "sleep 30 &")
	f.run(t, "stop 1")

	assert.Empty(t, f.run(t, "kill %1"))
	assert.Nil(t, f.job(1))
}

func TestErrors(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"fg", "fg: job id missing\n"},
		{"fg 7", "fg: 7: No such job\n"},
		{"fg x", "fg: x: No such job\n"},
		{"fg 1 2", "Incorrect number of arguments for the command 'fg'\n"},
		{"bg", "bg: job id missing\n"},
		{"bg 7", "bg 7: No such job\n"},
		{"kill 9", "kill 9: no such job\n"},
		{"kill", "Incorrect number of arguments for the command 'kill'\n"},
		{"stop x", "stop x: No such job\n"},
		{"jobs now", "Incorrect number of arguments for the command 'jobs'\n"},
		{"pwd -L", "Incorrect number of arguments for the command 'pwd'\n"},
	}
	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			f := newFixture(t)
			assert.Equal(t, tc.want, f.run(t, tc.line))
		})
	}
}

func TestCdAndPwd(t *testing.T) {
	chdir(t, ".")
	f := newFixture(t)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	assert.Empty(t, f.run(t, "cd "+dir))
	assert.Equal(t, dir+"\n", f.run(t, "pwd"))

	t.Setenv("HOME", dir)
	require.NoError(t, os.Chdir(os.TempDir()))
	assert.Empty(t, f.run(t, "cd"))
	assert.Equal(t, dir+"\n", f.run(t, "pwd"))

	assert.Contains(t, f.run(t, "cd "+filepath.Join(dir, "missing")), "cd: ")
}

func TestExitRunsHooks(t *testing.T) {
	f := newFixture(t)
	flushed := false
	f.sh.AtExit(func() { flushed = true })

	f.run(t, "exit")
	assert.True(t, flushed, "exit hooks run before the process exits")
	assert.Equal(t, []int{0}, f.exits)
}

// chdir changes the working directory for the duration of the test,
// restoring the original directory on cleanup (t.Chdir requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(orig)) })
}
