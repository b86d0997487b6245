// Package prompt abstracts interactive confirmation and input so the
// authoring session's control flow (spec.md §9 "Interactive prompts as
// control flow") can be driven by a terminal in production and by a
// scripted sequence of answers in tests.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"
)

// Port is the capability the authoring session uses for all user
// interaction. It never appears in the signature of anything that
// doesn't need it.
type Port interface {
	// Confirm asks a yes/no question, returning false on EOF or any
	// negative answer.
	Confirm(question string) bool
	// ReadText reads a single line of free text.
	ReadText(prompt string) (string, error)
	// ReadSecret reads a line without echoing it to the terminal.
	ReadSecret(prompt string) (string, error)
}

// Terminal is the production Port, backed by stdin/stdout.
type Terminal struct {
	In  io.Reader
	Out io.Writer
	fd  int
}

// NewTerminal returns a Port bound to the process's stdin/stdout. fd is
// the file descriptor to use for no-echo secret reads (os.Stdin.Fd()).
func NewTerminal(in io.Reader, out io.Writer, fd int) *Terminal {
	return &Terminal{In: in, Out: out, fd: fd}
}

func (t *Terminal) Confirm(question string) bool {
	fmt.Fprintf(t.Out, "%s [y/N] ", question)
	line, err := bufio.NewReader(t.In).ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

func (t *Terminal) ReadText(p string) (string, error) {
	fmt.Fprintf(t.Out, "%s ", p)
	line, err := bufio.NewReader(t.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (t *Terminal) ReadSecret(p string) (string, error) {
	fmt.Fprintf(t.Out, "%s ", p)
	secret, err := term.ReadPassword(t.fd)
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// Scripted is a test Port that returns canned answers in order. It
// panics with a descriptive message if exhausted, since an authoring
// flow that prompts more often than the test expected is itself a test
// failure worth surfacing loudly.
type Scripted struct {
	Confirms []bool
	Texts    []string
	Secrets  []string

	confirmIdx int
	textIdx    int
	secretIdx  int

	// Log records every question asked, in order, so tests can assert
	// on the exact prompt sequence (used to verify the "threshold
	// reached, load more?" protocol fires exactly once per key, and
	// the fail-fast keystore-before-token ordering).
	Log []string
}

func (s *Scripted) Confirm(question string) bool {
	s.Log = append(s.Log, "confirm: "+question)
	if s.confirmIdx >= len(s.Confirms) {
		panic("prompt.Scripted: ran out of scripted confirmations for: " + question)
	}
	v := s.Confirms[s.confirmIdx]
	s.confirmIdx++
	return v
}

func (s *Scripted) ReadText(p string) (string, error) {
	s.Log = append(s.Log, "text: "+p)
	if s.textIdx >= len(s.Texts) {
		panic("prompt.Scripted: ran out of scripted text answers for: " + p)
	}
	v := s.Texts[s.textIdx]
	s.textIdx++
	return v, nil
}

func (s *Scripted) ReadSecret(p string) (string, error) {
	s.Log = append(s.Log, "secret: "+p)
	if s.secretIdx >= len(s.Secrets) {
		panic("prompt.Scripted: ran out of scripted secrets for: " + p)
	}
	v := s.Secrets[s.secretIdx]
	s.secretIdx++
	return v, nil
}
