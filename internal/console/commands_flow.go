package console

import (
	"context"
	"fmt"
	"strings"

	"sdnlab/internal/audit"
	"sdnlab/internal/core/flow"
)

func flowCommands(d Deps) []Command {
	switchField := func(prompt string) Field {
		return Field{Name: "switch", Prompt: prompt, Required: true}
	}

	addflow := NewCommand("addflow", "install a drop flow on a switch",
		[]Field{
			switchField("Switch (e.g. s1 or s2)"),
			{Name: "label", Prompt: "Flow id (e.g. block_http_h1, empty to generate)"},
			{Name: "priority", Prompt: "Priority (0-65535)", Default: "100"},
			{Name: "protocol", Prompt: "Protocol (ip, tcp, udp, icmp)", Default: flow.DefaultProtocol},
			{Name: "source", Prompt: "Source address (e.g. 10.0.1.1/32 or any)", Default: "any"},
			{Name: "destination", Prompt: "Destination address (e.g. 10.0.2.1/32 or any)", Default: "any"},
			{Name: "sport", Prompt: "Source port (0 for any)", Default: "0", When: transportPorts},
			{Name: "dport", Prompt: "Destination port (0 for any)", Default: "0", When: transportPorts},
		},
		func(ctx context.Context, p Params) (Report, error) {
			sw := p.Get("switch")
			priority, err := p.Int("priority")
			if err != nil {
				return Report{}, err
			}
			sport, err := p.Int("sport")
			if err != nil {
				return Report{}, err
			}
			dport, err := p.Int("dport")
			if err != nil {
				return Report{}, err
			}
			m := flow.Match{
				Protocol:    p.Get("protocol"),
				Source:      p.Get("source"),
				Destination: p.Get("destination"),
				SourcePort:  sport,
				DestPort:    dport,
			}
			t := flowTarget(d, sw, p.Get("label"), m)
			rule, err := d.Flows.AddBlockFlow(ctx, d.Network, sw, priority, m, p.Get("label"))
			if err != nil {
				return Report{Target: t}, err
			}
			t.Label = rule.Label
			body := fmt.Sprintf("flow %q added to switch %s: %s", rule.Label, sw, rule.Flow)
			return Report{Title: "Add flow", Body: body, Data: rule, Target: t}, nil
		})

	showflows := NewCommand("showflows", "list the flows installed on a switch",
		[]Field{switchField("Switch to list (e.g. s1)")},
		func(ctx context.Context, p Params) (Report, error) {
			sw := p.Get("switch")
			t := target(d, sw, "")
			dump, err := d.Flows.ListFlows(ctx, d.Network, sw)
			if err != nil {
				return Report{Target: t}, err
			}
			r := Report{Title: "Flows on " + sw, Body: dump, Target: t}
			if flows, err := flow.ParseFlowTable(dump); err == nil {
				r.Data = flows
			}
			return r, nil
		})

	removeflows := NewCommand("removeflows", "delete every flow of a switch",
		[]Field{
			switchField("Switch to clear (e.g. s1)"),
			{Name: "confirm", Prompt: "Remove ALL flows of the switch? (y/N)", Confirm: true},
		},
		func(ctx context.Context, p Params) (Report, error) {
			sw := p.Get("switch")
			t := target(d, sw, "")
			if err := d.Flows.RemoveAllFlows(ctx, d.Network, sw); err != nil {
				return Report{Target: t}, err
			}
			return Report{Title: "Remove flows", Body: fmt.Sprintf("all flows removed from switch %s", sw), Target: t}, nil
		})

	return []Command{addflow, showflows, removeflows}
}

func transportPorts(p Params) bool {
	switch strings.ToLower(p.Get("protocol")) {
	case "tcp", "udp":
		return true
	}
	return false
}

func flowTarget(d Deps, sw, label string, m flow.Match) audit.Target {
	t := target(d, sw, "")
	t.Label = label
	t.Source = m.Source
	t.Destination = m.Destination
	t.Protocol = m.Protocol
	t.DestPort = m.DestPort
	return t
}

func target(d Deps, sw, node string) audit.Target {
	t := audit.Target{Switch: sw, Node: node}
	if d.Network != nil {
		t.Network = d.Network.Id()
	}
	return t
}
