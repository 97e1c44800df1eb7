package channel

import (
	"context"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

const OpenFlowVersion = "OpenFlow13"

type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (r Result) Ok() bool {
	return r.ExitCode == 0
}

// NodeChannel runs a shell command inside a node. The error is reserved for
// failures of the channel itself; a command that ran and exited non-zero is
// reported through Result.ExitCode.
type NodeChannel interface {
	Execute(ctx context.Context, nodeId string, command string) (Result, error)
}

// SwitchChannel runs ovs-ofctl against a switch.
type SwitchChannel interface {
	ExecuteSwitch(ctx context.Context, switchId string, args []string) (Result, error)
}

// Shell quotes argv into a single command line for a NodeChannel.
func Shell(argv ...string) string {
	return shellescape.QuoteCommand(argv)
}

// PinOpenFlow returns args with any protocol flag replaced by a leading
// "-O OpenFlow13".
func PinOpenFlow(args []string) []string {
	pinned := []string{"-O", OpenFlowVersion}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-O" || a == "--protocols":
			i++
		case strings.HasPrefix(a, "--protocols=") || (strings.HasPrefix(a, "-O") && len(a) > 2):
		default:
			pinned = append(pinned, a)
		}
	}
	return pinned
}
