package console

import (
	"strconv"
	"strings"

	"sdnlab/internal/audit"
	"sdnlab/internal/errdefs"
)

// Field is one scalar parameter a command collects from the operator.
type Field struct {
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
	// Confirm marks a yes/no guard: the command runs only on an
	// affirmative answer.
	Confirm bool `json:"confirm,omitempty"`
	// When limits the field to parameter sets it applies to.
	When func(Params) bool `json:"-"`
}

func (f Field) applies(p Params) bool {
	return f.When == nil || f.When(p)
}

type Params map[string]string

func (p Params) Get(name string) string {
	return strings.TrimSpace(p[name])
}

// Int returns the named parameter as a number; empty is zero.
func (p Params) Int(name string) (int, error) {
	v := p.Get(name)
	if v == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errdefs.Validation(errdefs.ErrInvalidParameter, name, v, "expected a number")
	}
	return i, nil
}

// Report is the textual result of a command.
type Report struct {
	Command string `json:"command"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body,omitempty"`
	Data    any    `json:"data,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`

	Target audit.Target `json:"-"`
}

func (r Report) String() string {
	var b strings.Builder
	if r.Title != "" {
		b.WriteString("=== " + r.Title + " ===\n")
	}
	if r.Body != "" {
		b.WriteString(r.Body)
		if !strings.HasSuffix(r.Body, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
