package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// terminalPrompter asks questions on the terminal. Secret-looking
// fields are read without echo when stdin is a terminal.
type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in *bufio.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: in, out: out}
}

// Ask prints the prompt and reads one line. EOF cancels the flow.
func (p *terminalPrompter) Ask(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)

	if isSecretPrompt(prompt) && term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := p.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// isSecretPrompt guesses whether the requested value is a credential.
func isSecretPrompt(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, marker := range []string{"key", "token", "secret", "password"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
