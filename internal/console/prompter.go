package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out}
}

// LinePrompter reads one line per prompt.
type LinePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *LinePrompter) Prompt(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
