package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"sdnlab/internal/audit"
	"sdnlab/internal/core/flow"
	"sdnlab/internal/errdefs"
)

const promptLabel = "sdnlab> "

type Options struct {
	Registry *Registry
	Prompter Prompter
	Out      io.Writer
	Audit    audit.Logger
	// Node names the network in audit events.
	Node string
}

func NewConsole(opts Options) *Console {
	l := opts.Audit
	if l == nil {
		l = audit.Discard
	}
	return &Console{
		registry: opts.Registry,
		prompter: opts.Prompter,
		out:      opts.Out,
		audit:    l,
		node:     opts.Node,
	}
}

// Console reads one command at a time, collects its fields and renders
// the report. Commands run to completion before the next line is read.
type Console struct {
	registry *Registry
	prompter Prompter
	out      io.Writer
	audit    audit.Logger
	node     string
}

// Run serves the operator until exit, quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	c.printf("type help for the list of commands\n")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := c.prompter.Prompt(promptLabel)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		done, err := c.Handle(ctx, line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Handle runs one console line. It reports true when the operator asked
// to leave.
func (c *Console) Handle(ctx context.Context, line string) (bool, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return false, nil
	}
	name, args := words[0], words[1:]

	switch name {
	case "exit", "quit":
		return true, nil
	case "help", "?":
		c.help(args)
		return false, nil
	}

	cmd, ok := c.registry.Lookup(name)
	if !ok {
		c.printf("unknown command %q, type help for the list of commands\n", name)
		return false, nil
	}

	params, err := c.collect(cmd, parseArgs(args))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		return false, err
	}

	start := time.Now()
	report, err := c.registry.Dispatch(ctx, name, params)
	c.audit.Write(audit.CommandEvent("console", c.node, "command."+name, report.Target, start, err))
	if err != nil {
		c.printf("%s\n", errdefs.Describe(err))
		return false, nil
	}
	c.printf("%s", report.String())
	return false, nil
}

// collect prompts for every applicable field not given inline.
func (c *Console) collect(cmd Command, given Params) (Params, error) {
	params := Params{}
	for _, f := range cmd.Fields() {
		if !f.applies(withDefaults(cmd, params)) {
			continue
		}
		if v, ok := given[f.Name]; ok {
			params[f.Name] = v
			continue
		}
		label := f.Prompt
		if f.Default != "" {
			label += fmt.Sprintf(" [%s]", f.Default)
		}
		v, err := c.prompter.Prompt(label + ": ")
		if err != nil {
			return nil, err
		}
		params[f.Name] = v
		// a refused confirmation ends the dialog
		if f.Confirm && !flow.Confirmed(v) {
			break
		}
	}
	return params, nil
}

func withDefaults(cmd Command, params Params) Params {
	p := Params{}
	for _, f := range cmd.Fields() {
		if v := params.Get(f.Name); v != "" {
			p[f.Name] = v
		} else if f.Default != "" {
			p[f.Name] = f.Default
		}
	}
	return p
}

// parseArgs reads inline key=value pairs.
func parseArgs(args []string) Params {
	p := Params{}
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok && k != "" {
			p[k] = v
		}
	}
	return p
}

func (c *Console) help(args []string) {
	if len(args) > 0 {
		cmd, ok := c.registry.Lookup(args[0])
		if !ok {
			c.printf("unknown command %q\n", args[0])
			return
		}
		c.printf("%s: %s\n", cmd.Name(), cmd.Summary())
		for _, f := range cmd.Fields() {
			c.printf("  %-12s %s\n", f.Name, f.Prompt)
		}
		return
	}
	c.printf("commands:\n")
	for _, cmd := range c.registry.Commands() {
		c.printf("  %-12s %s\n", cmd.Name(), cmd.Summary())
	}
	c.printf("  %-12s %s\n", "help", "show this list, or the fields of one command")
	c.printf("  %-12s %s\n", "exit", "leave the console (also quit)")
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}
