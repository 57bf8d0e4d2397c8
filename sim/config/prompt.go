package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompter asks the user for a missing numeric value.
type Prompter interface {
	Prompt(key, help string) (float64, error)
}

// LinePrompter reads one answer per line.
type LinePrompter struct {
	out     io.Writer
	scanner *bufio.Scanner
}

// NewLinePrompter prompts on out and reads answers from in.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{out: out, scanner: bufio.NewScanner(in)}
}

// Prompt repeats the question until a number is entered.
func (p *LinePrompter) Prompt(key, help string) (float64, error) {
	for {
		fmt.Fprintf(p.out, "%s (%s): ", key, help)
		if !p.scanner.Scan() {
			if err := p.scanner.Err(); err != nil {
				return 0, err
			}
			return 0, errors.New("no input")
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(p.scanner.Text()), 64)
		if err == nil {
			return v, nil
		}
		fmt.Fprintf(p.out, "not a number: %v\n", err)
	}
}
