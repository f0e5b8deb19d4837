package executor

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// position is where a stage sits in its pipeline.
type position int

const (
	posOnly position = iota
	posFirst
	posMiddle
	posLast
)

func positionOf(i, n int) position {
	switch {
	case n == 1:
		return posOnly
	case i == 0:
		return posFirst
	case i == n-1:
		return posLast
	default:
		return posMiddle
	}
}

func (p position) first() bool { return p == posOnly || p == posFirst }
func (p position) last() bool  { return p == posOnly || p == posLast }

// pipeSet holds the parent's ends of the pipes joining adjacent stages:
// pipe k connects stage k's stdout (w[k]) to stage k+1's stdin (r[k]).
// Closed ends are set to nil so nothing is closed twice.
type pipeSet struct {
	r []*os.File
	w []*os.File
}

func newPipeSet(n int) (*pipeSet, error) {
	ps := &pipeSet{
		r: make([]*os.File, 0, n),
		w: make([]*os.File, 0, n),
	}
	for k := 0; k < n; k++ {
		r, w, err := os.Pipe()
		if err != nil {
			_ = ps.closeAll()
			return nil, errors.Wrap(err, "pipe")
		}
		ps.r = append(ps.r, r)
		ps.w = append(ps.w, w)
	}
	return ps, nil
}

// release closes the ends stage i used once it has been spawned: the read
// end feeding it and the write end it fills. The read end of its output
// pipe stays open for stage i+1.
func (ps *pipeSet) release(i int) error {
	var result *multierror.Error
	if i > 0 {
		result = multierror.Append(result, closeEnd(&ps.r[i-1]))
	}
	if i < len(ps.w) {
		result = multierror.Append(result, closeEnd(&ps.w[i]))
	}
	return result.ErrorOrNil()
}

// closeAll closes every end still held by the parent.
func (ps *pipeSet) closeAll() error {
	var result *multierror.Error
	for k := range ps.r {
		result = multierror.Append(result, closeEnd(&ps.r[k]))
	}
	for k := range ps.w {
		result = multierror.Append(result, closeEnd(&ps.w[k]))
	}
	return result.ErrorOrNil()
}

func closeEnd(f **os.File) error {
	if *f == nil {
		return nil
	}
	err := (*f).Close()
	*f = nil
	return err
}
