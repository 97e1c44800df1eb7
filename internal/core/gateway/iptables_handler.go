package gateway

import (
	"context"
	"slices"
	"strings"

	"sdnlab/internal/channel"
	"sdnlab/internal/errdefs"
)

func NewIptablesManager(ch channel.NodeChannel, node string) *IptablesManager {
	return &IptablesManager{
		channel: ch,
		node:    node,
	}
}

// IptablesManager drives iptables on one node through its command channel.
type IptablesManager struct {
	channel channel.NodeChannel
	node    string
}

const noSuchChain = "No chain/target/match by that name"

// Run executes iptables with argv. A channel failure is reported as
// ErrGatewayUnreachable, a non-zero exit as ErrCommandFailed.
func (h *IptablesManager) Run(ctx context.Context, argv ...string) (channel.Result, error) {
	command := channel.Shell(slices.Concat([]string{"iptables"}, argv)...)
	res, err := h.channel.Execute(ctx, h.node, command)
	if err != nil {
		return res, errdefs.CommandFailure(errdefs.ErrGatewayUnreachable, h.node, command, res.Stdout, res.Stderr, -1, err)
	}
	if !res.Ok() {
		return res, errdefs.CommandFailure(errdefs.ErrCommandFailed, h.node, command, res.Stdout, res.Stderr, res.ExitCode, nil)
	}
	return res, nil
}

// probe runs a read-only check. A non-zero exit is a negative answer.
func (h *IptablesManager) probe(ctx context.Context, argv ...string) (channel.Result, bool, error) {
	res, err := h.Run(ctx, argv...)
	if err == nil {
		return res, true, nil
	}
	if res.ExitCode > 0 {
		return res, false, nil
	}
	return res, false, err
}

func tableArgs(table string, argv ...string) []string {
	if table == "" || table == TableFilter {
		return argv
	}
	return slices.Concat([]string{"-t", table}, argv)
}

func (h *IptablesManager) ChainExists(ctx context.Context, table, chain string) (bool, error) {
	res, err := h.Run(ctx, tableArgs(table, "-S", chain)...)
	if err == nil {
		return true, nil
	}
	if res.ExitCode > 0 && strings.Contains(res.Stderr, noSuchChain) {
		return false, nil
	}
	return false, err
}

func (h *IptablesManager) CreateChain(ctx context.Context, table, chain string) error {
	// check if chain already exist
	exists, err := h.ChainExists(ctx, table, chain)
	if err != nil {
		return err
	}
	if exists {
		// clear chain
		return h.FlushChain(ctx, table, chain)
	}

	// create chain
	_, err = h.Run(ctx, tableArgs(table, "-N", chain)...)
	return err
}

// FlushChain flushes chain, or every chain of table when chain is empty.
func (h *IptablesManager) FlushChain(ctx context.Context, table, chain string) error {
	argv := []string{"-F"}
	if chain != "" {
		argv = append(argv, chain)
	}
	_, err := h.Run(ctx, tableArgs(table, argv...)...)
	return err
}

// DeleteChain deletes chain, or every user chain of table when chain is
// empty.
func (h *IptablesManager) DeleteChain(ctx context.Context, table, chain string) error {
	argv := []string{"-X"}
	if chain != "" {
		argv = append(argv, chain)
	}
	_, err := h.Run(ctx, tableArgs(table, argv...)...)
	return err
}

func (h *IptablesManager) SetPolicy(ctx context.Context, table, chain, target string) error {
	_, err := h.Run(ctx, tableArgs(table, "-P", chain, target)...)
	return err
}

func (h *IptablesManager) RuleExists(ctx context.Context, rule Rule) (bool, error) {
	_, ok, err := h.probe(ctx, tableArgs(rule.Table, slices.Concat([]string{"-C", rule.Chain}, rule.Spec())...)...)
	return ok, err
}

func (h *IptablesManager) AppendRule(ctx context.Context, rule Rule) error {
	_, err := h.Run(ctx, tableArgs(rule.Table, slices.Concat([]string{"-A", rule.Chain}, rule.Spec())...)...)
	return err
}

// ListRules returns "iptables -S" output, or the numbered verbose listing.
func (h *IptablesManager) ListRules(ctx context.Context, table, chain string, verbose bool) (string, error) {
	argv := []string{"-S"}
	if verbose {
		argv = []string{"-L"}
	}
	if chain != "" {
		argv = append(argv, chain)
	}
	if verbose {
		argv = append(argv, "-v", "-n", "--line-numbers")
	}
	res, err := h.Run(ctx, tableArgs(table, argv...)...)
	return res.Stdout, err
}
