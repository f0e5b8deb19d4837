// Package jobs holds the job registry of the shell.
package jobs

import (
	"github.com/pkg/errors"

	"jcsh/internal/parser"
)

// MaxJobs bounds the job-id search range.
const MaxJobs = 1<<16 - 1

// ErrTableFull is returned when every job id is in use.
var ErrTableFull = errors.New("maximum number of jobs exceeded")

// Table maps job ids and process ids to jobs. It is not safe for concurrent
// use; callers serialise access through the relay's block discipline.
type Table struct {
	max   int
	byID  map[int]*Job
	byPid map[int]int
	order []*Job
}

// NewTable returns a table issuing ids in [1, max].
func NewTable(max int) *Table {
	if max < 1 || max > MaxJobs {
		max = MaxJobs
	}
	return &Table{
		max:   max,
		byID:  make(map[int]*Job),
		byPid: make(map[int]int),
	}
}

// Add registers a job for p under the smallest free id.
func (t *Table) Add(p *parser.Pipeline) (*Job, error) {
	for id := 1; id <= t.max; id++ {
		if _, used := t.byID[id]; used {
			continue
		}
		j := &Job{ID: id, Pipeline: p}
		if p.Background {
			j.Status = StatusBackground
		}
		t.byID[id] = j
		t.order = append(t.order, j)
		return j, nil
	}
	return nil, ErrTableFull
}

// AddProcess records a spawned process as a live member of j.
func (t *Table) AddProcess(j *Job, pid int, argv []string) {
	if len(j.Procs) == 0 {
		j.Pgid = pid
	}
	j.Procs = append(j.Procs, &Process{Pid: pid, Argv: argv, Alive: true})
	j.Alive++
	t.byPid[pid] = j.ID
}

// Get returns the job with the given id, or nil.
func (t *Table) Get(id int) *Job {
	return t.byID[id]
}

// ByPid returns the job owning pid, or nil.
func (t *Table) ByPid(pid int) *Job {
	id, ok := t.byPid[pid]
	if !ok {
		return nil
	}
	return t.byID[id]
}

// Foreground returns the job currently in the foreground, or nil.
func (t *Table) Foreground() *Job {
	for _, j := range t.order {
		if j.Status == StatusForeground {
			return j
		}
	}
	return nil
}

// Remove drops j from the table and frees its id and pids.
func (t *Table) Remove(j *Job) {
	if t.byID[j.ID] != j {
		return
	}
	delete(t.byID, j.ID)
	for _, p := range j.Procs {
		delete(t.byPid, p.Pid)
	}
	for i, o := range t.order {
		if o == j {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	j.Pipeline = nil
}

// Jobs returns a snapshot of the active jobs in insertion order.
func (t *Table) Jobs() []*Job {
	out := make([]*Job, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of active jobs.
func (t *Table) Len() int {
	return len(t.order)
}
