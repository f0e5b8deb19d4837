// Package parser turns a command line into the pipelines the job-control
// core consumes.
package parser

import (
	"strings"

	"github.com/caarlos0/go-shellwords"
	"github.com/pkg/errors"
)

var (
	ErrNullCommand      = errors.New("Invalid null command.")
	ErrMissingRedirect  = errors.New("Missing name for redirect.")
	ErrAmbiguousInput   = errors.New("Ambiguous input redirect.")
	ErrAmbiguousOutput  = errors.New("Ambiguous output redirect.")
	ErrUnsupportedToken = errors.New("Unsupported redirection.")
)

// Command is one stage of a pipeline.
type Command struct {
	Argv []string
	// MergeStderr duplicates stdout onto stderr after redirections are applied.
	MergeStderr bool
}

// Pipeline is a sequence of commands connected by pipes, submitted as one job.
type Pipeline struct {
	Commands   []Command
	InputFile  string
	OutputFile string
	Append     bool
	Background bool
}

// String reconstructs the command line without redirections, stages joined by " | ".
func (p *Pipeline) String() string {
	parts := make([]string, 0, len(p.Commands))
	for _, c := range p.Commands {
		parts = append(parts, strings.Join(c.Argv, " "))
	}
	return strings.Join(parts, " | ")
}

const (
	opSemi       = ";"
	opAmp        = "&"
	opPipe       = "|"
	opPipeErr    = "|&"
	opIn         = "<"
	opOut        = ">"
	opAppend     = ">>"
	opOutErr     = ">&"
	opAppendBoth = ">>&"
)

// operators ordered longest first so prefixes never shadow longer forms.
var operators = []string{opAppendBoth, opAppend, opOutErr, opPipeErr, opOut, opIn, opPipe, opAmp, opSemi}

type token struct {
	word string
	op   string
}

// tokenize splits a line into words and operators. Quoting and escapes are
// handled by shellwords, which stops at the first unquoted operator.
func tokenize(line string) ([]token, error) {
	var toks []token
	p := shellwords.NewParser()
	for {
		words, err := p.Parse(line)
		if err != nil {
			return nil, errors.Wrap(err, "parse")
		}
		if p.Position < 0 {
			return appendWords(toks, words), nil
		}
		// Position counts runes.
		runes := []rune(line)
		cut := p.Position
		if matchOperator(string(runes[cut:])) == "" && cut+1 < len(runes) && runes[cut+1] == '>' {
			// shellwords reads a digit-leading word before '>' as a file
			// descriptor prefix: it drops the word and stops one rune early.
			// Such words are plain arguments here, so lex up to the '>' again.
			cut++
			if words, err = shellwords.NewParser().Parse(string(runes[:cut])); err != nil {
				return nil, errors.Wrap(err, "parse")
			}
		}
		toks = appendWords(toks, words)
		rest := string(runes[cut:])
		op := matchOperator(rest)
		if op == "" {
			return nil, ErrUnsupportedToken
		}
		toks = append(toks, token{op: op})
		line = rest[len(op):]
	}
}

func appendWords(toks []token, words []string) []token {
	for _, w := range words {
		toks = append(toks, token{word: w})
	}
	return toks
}

func matchOperator(s string) string {
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

// Parse parses a full command line. An empty line yields no pipelines.
func Parse(input string) ([]*Pipeline, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, err
	}

	var (
		pipelines []*Pipeline
		cur       = &Pipeline{}
		stage     Command
		inStage   = -1
		outStage  = -1
	)

	endStage := func() error {
		if len(stage.Argv) == 0 {
			return ErrNullCommand
		}
		cur.Commands = append(cur.Commands, stage)
		stage = Command{}
		return nil
	}
	endPipeline := func(background bool) error {
		if err := endStage(); err != nil {
			return err
		}
		last := len(cur.Commands) - 1
		if inStage > 0 {
			return ErrAmbiguousInput
		}
		if outStage >= 0 && outStage != last {
			return ErrAmbiguousOutput
		}
		cur.Background = background
		pipelines = append(pipelines, cur)
		cur, inStage, outStage = &Pipeline{}, -1, -1
		return nil
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.op {
		case "":
			stage.Argv = append(stage.Argv, t.word)
		case opPipe, opPipeErr:
			stage.MergeStderr = t.op == opPipeErr
			if err := endStage(); err != nil {
				return nil, err
			}
		case opIn, opOut, opAppend, opOutErr, opAppendBoth:
			if i+1 >= len(toks) || toks[i+1].op != "" {
				return nil, ErrMissingRedirect
			}
			i++
			target := toks[i].word
			idx := len(cur.Commands)
			if t.op == opIn {
				if inStage >= 0 {
					return nil, ErrAmbiguousInput
				}
				cur.InputFile, inStage = target, idx
				continue
			}
			if outStage >= 0 {
				return nil, ErrAmbiguousOutput
			}
			cur.OutputFile, outStage = target, idx
			cur.Append = t.op == opAppend || t.op == opAppendBoth
			if t.op == opOutErr || t.op == opAppendBoth {
				stage.MergeStderr = true
			}
		case opAmp, opSemi:
			if err := endPipeline(t.op == opAmp); err != nil {
				return nil, err
			}
		}
	}

	if len(stage.Argv) == 0 && len(cur.Commands) == 0 {
		if inStage >= 0 || outStage >= 0 {
			return nil, ErrNullCommand
		}
		return pipelines, nil
	}
	if err := endPipeline(false); err != nil {
		return nil, err
	}
	return pipelines, nil
}
