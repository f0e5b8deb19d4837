// Package repl runs the shell's read-evaluate loop.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"jcsh/internal/builtins"
	"jcsh/internal/executor"
	"jcsh/internal/parser"
	"jcsh/internal/shell"
)

// LineReader yields one input line per call and io.EOF at end of input.
type LineReader interface {
	ReadLine() (string, error)
	Close() error
}

// Options configures the loop.
type Options struct {
	Prompt      string
	HistoryFile string
	// Lines replaces the reader picked from the terminal state.
	Lines LineReader
}

// Run reads and evaluates lines until end of input or ctx is done.
func Run(ctx context.Context, sh *shell.Session, opts Options) error {
	log := sh.Log.WithField("component", "repl")

	stop := handleSignals(sh)
	defer stop()
	sh.Relay.Start(ctx)

	lines := opts.Lines
	switch {
	case lines != nil:
	case sh.Term.Interactive():
		lines = newLinerReader(opts.Prompt, opts.HistoryFile, log)
	default:
		lines = newPlainReader(sh.Stdin)
	}
	// exit skips deferred calls, so the reader (and its history) is also
	// closed from an exit hook.
	closeLines := sync.OnceFunc(func() {
		if err := lines.Close(); err != nil {
			log.WithError(err).Warn("closing line reader")
		}
	})
	sh.AtExit(closeLines)
	defer closeLines()

	return Loop(ctx, sh, lines)
}

// Loop evaluates every line from lines against sh.
func Loop(ctx context.Context, sh *shell.Session, lines LineReader) error {
	ex := executor.New(sh)
	in := builtins.New(sh)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		input, err := lines.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read line")
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		pipelines, err := parser.Parse(input)
		if err != nil {
			fmt.Fprintln(sh.ErrOut, err)
			continue
		}
		for _, p := range pipelines {
			if in.Handle(p) {
				continue
			}
			ex.Execute(p)
		}
	}
}

// handleSignals keeps interrupt and job-control signals from stopping or
// killing the shell. The signals are caught rather than ignored so spawned
// children start with default dispositions. Without a terminal, SIGINT is
// forwarded to the foreground job.
func handleSignals(sh *shell.Session) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGQUIT, unix.SIGTSTP, unix.SIGTTIN)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigChan:
				if sig != unix.SIGINT || sh.Term.Interactive() {
					continue
				}
				if pgid := sh.Term.ForegroundPgid(); pgid > 0 {
					_ = unix.Kill(-pgid, unix.SIGINT)
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

type plainReader struct {
	r *bufio.Reader
}

func newPlainReader(r io.Reader) *plainReader {
	return &plainReader{r: bufio.NewReader(r)}
}

func (p *plainReader) ReadLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err == io.EOF && line != "" {
		return line, nil
	}
	return line, err
}

func (p *plainReader) Close() error { return nil }

type linerReader struct {
	state       *liner.State
	prompt      string
	historyFile string
	log         *logrus.Entry
}

func newLinerReader(prompt, historyFile string, log *logrus.Entry) *linerReader {
	l := &linerReader{
		state:       liner.NewLiner(),
		prompt:      prompt,
		historyFile: historyFile,
		log:         log,
	}
	l.state.SetCtrlCAborts(true)
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			if _, err := l.state.ReadHistory(f); err != nil {
				log.WithError(err).Warn("reading history")
			}
			_ = f.Close()
		}
	}
	return l
}

func (l *linerReader) ReadLine() (string, error) {
	for {
		line, err := l.state.Prompt(l.prompt)
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			l.state.AppendHistory(line)
		}
		return line, nil
	}
}

func (l *linerReader) Close() error {
	defer l.state.Close()
	if l.historyFile == "" {
		return nil
	}
	f, err := os.Create(l.historyFile)
	if err != nil {
		return errors.Wrap(err, "write history")
	}
	defer f.Close()
	if _, err := l.state.WriteHistory(f); err != nil {
		return errors.Wrap(err, "write history")
	}
	return nil
}
