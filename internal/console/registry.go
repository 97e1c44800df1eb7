package console

import (
	"context"
	"sort"

	"sdnlab/internal/core/flow"
	"sdnlab/internal/errdefs"
)

type RunFunc func(ctx context.Context, params Params) (Report, error)

// NewCommand builds a Command from its parts.
func NewCommand(name, summary string, fields []Field, run RunFunc) Command {
	return &command{name: name, summary: summary, fields: fields, run: run}
}

type command struct {
	name    string
	summary string
	fields  []Field
	run     RunFunc
}

func (c *command) Name() string    { return c.name }
func (c *command) Summary() string { return c.summary }
func (c *command) Fields() []Field { return c.fields }

func (c *command) Execute(ctx context.Context, params Params) (Report, error) {
	return c.run(ctx, params)
}

func NewRegistry() *Registry {
	return &Registry{commands: map[string]Command{}}
}

// Registry maps command names to handlers. It is filled once at startup
// and only read afterwards.
type Registry struct {
	commands map[string]Command
}

func (r *Registry) Register(cmds ...Command) error {
	for _, cmd := range cmds {
		if _, ok := r.commands[cmd.Name()]; ok {
			return errdefs.Conflict(errdefs.ErrDuplicateIdentity, cmd.Name(), "command already registered")
		}
		r.commands[cmd.Name()] = cmd
	}
	return nil
}

func (r *Registry) Lookup(name string) (Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Commands returns every command sorted by name.
func (r *Registry) Commands() []Command {
	list := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		list = append(list, cmd)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Resolve applies defaults and checks required fields. It reports false
// when a confirmation field was not answered affirmatively.
func Resolve(cmd Command, params Params) (Params, bool, error) {
	resolved := Params{}
	for _, f := range cmd.Fields() {
		if !f.applies(resolved) {
			continue
		}
		v := params.Get(f.Name)
		if v == "" {
			v = f.Default
		}
		if f.Confirm {
			if !flow.Confirmed(v) {
				return resolved, false, nil
			}
			resolved[f.Name] = v
			continue
		}
		if v == "" && f.Required {
			return nil, false, errdefs.Validation(errdefs.ErrInvalidParameter, f.Name, "", "a value is required")
		}
		resolved[f.Name] = v
	}
	return resolved, true, nil
}

// Dispatch runs the named command with params.
func (r *Registry) Dispatch(ctx context.Context, name string, params Params) (Report, error) {
	cmd, ok := r.Lookup(name)
	if !ok {
		return Report{Command: name}, errdefs.NotFound(errdefs.ErrCommandNotFound, "command", name)
	}
	resolved, confirmed, err := Resolve(cmd, params)
	if err != nil {
		return Report{Command: name}, err
	}
	if !confirmed {
		return Report{Command: name, Body: "operation cancelled", Aborted: true}, nil
	}
	report, err := cmd.Execute(ctx, resolved)
	report.Command = name
	return report, err
}
