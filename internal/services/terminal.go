package services

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Terminal is where the vault asks for credentials when no other source has them.
type Terminal interface {
	IsInteractive() bool
	ReadLine(prompt string) (string, error)
	ReadPassword(prompt string) (string, error)
}

// StdTerminal prompts on stdin/stderr.
type StdTerminal struct {
	in     *os.File
	out    io.Writer
	reader *bufio.Reader
}

// NewStdTerminal returns a terminal bound to os.Stdin and os.Stderr.
func NewStdTerminal() *StdTerminal {
	return &StdTerminal{in: os.Stdin, out: os.Stderr, reader: bufio.NewReader(os.Stdin)}
}

// IsInteractive reports whether stdin is a TTY.
func (t *StdTerminal) IsInteractive() bool {
	return term.IsTerminal(int(t.in.Fd()))
}

func (t *StdTerminal) ReadLine(prompt string) (string, error) {
	fmt.Fprint(t.out, prompt)
	line, err := t.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// ReadPassword reads without echo.
func (t *StdTerminal) ReadPassword(prompt string) (string, error) {
	fmt.Fprint(t.out, prompt)
	b, err := term.ReadPassword(int(t.in.Fd()))
	fmt.Fprintln(t.out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
