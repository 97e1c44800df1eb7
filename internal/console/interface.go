package console

import "context"

type Command interface {
	Name() string
	Summary() string
	Fields() []Field
	Execute(ctx context.Context, params Params) (Report, error)
}

// Prompter asks the operator for one value.
type Prompter interface {
	Prompt(label string) (string, error)
}
