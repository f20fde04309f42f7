// pkg/clustercli/shell.go
package clustercli

import (
	"bufio"
	"io"
	"strings"
)

// Shell reads one command per line from input, tracking a bounded history
// for recall. Unlike a SQL shell there is no multi-line continuation: a
// command is whatever text precedes the newline.
type Shell struct {
	reader *bufio.Reader

	output    io.Writer
	errOutput io.Writer

	prompt string

	history      []string
	historyIndex int
	maxHistory   int
}

// NewShell creates a shell reading from input and writing to output/errOutput.
// If errOutput is nil, errors are written to output.
func NewShell(input io.Reader, output, errOutput io.Writer) *Shell {
	var reader *bufio.Reader
	if input != nil {
		reader = bufio.NewReader(input)
	}
	if errOutput == nil {
		errOutput = output
	}
	return &Shell{
		reader:     reader,
		output:     output,
		errOutput:  errOutput,
		prompt:     "cluster> ",
		history:    make([]string, 0),
		maxHistory: 1000,
	}
}

// SetPrompt changes the prompt string.
func (s *Shell) SetPrompt(prompt string) { s.prompt = prompt }

// ReadCommand prints the prompt, reads one line, and records it in history.
// It returns the line with trailing whitespace removed and whether EOF was
// reached.
func (s *Shell) ReadCommand() (string, bool) {
	if s.output != nil {
		io.WriteString(s.output, s.prompt)
	}
	if s.reader == nil {
		return "", true
	}

	line, err := s.reader.ReadString('\n')
	eof := err != nil
	line = strings.TrimRight(line, " \t\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed != "" {
		s.AddHistory(trimmed)
	}
	return line, eof
}

// AddHistory appends a line to the command history, skipping a duplicate of
// the most recent entry.
func (s *Shell) AddHistory(line string) {
	if len(s.history) > 0 && s.history[len(s.history)-1] == line {
		return
	}
	s.history = append(s.history, line)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	s.historyIndex = len(s.history)
}

// History returns a copy of the recorded command history.
func (s *Shell) History() []string {
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}
