package console

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"sdnlab/internal/audit"
	"sdnlab/internal/core/flow"
	"sdnlab/internal/core/gateway"
	"sdnlab/internal/core/packet"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/gwlog"
)

type ruleType struct {
	kind     gateway.RuleKind
	protocol string
}

// answers of the rule type menu
var ruleTypes = map[string]ruleType{
	"1":           {kind: gateway.BlockSource},
	"source":      {kind: gateway.BlockSource},
	"2":           {kind: gateway.BlockDestination},
	"destination": {kind: gateway.BlockDestination},
	"3":           {kind: gateway.BlockDestinationPort, protocol: "tcp"},
	"tcp":         {kind: gateway.BlockDestinationPort, protocol: "tcp"},
	"4":           {kind: gateway.BlockDestinationPort, protocol: "udp"},
	"udp":         {kind: gateway.BlockDestinationPort, protocol: "udp"},
}

func lookupRuleType(p Params) (ruleType, bool) {
	rt, ok := ruleTypes[strings.ToLower(p.Get("type"))]
	return rt, ok
}

func gatewayCommands(d Deps) []Command {
	gw := d.Gateway
	isKind := func(kinds ...gateway.RuleKind) func(Params) bool {
		return func(p Params) bool {
			rt, ok := lookupRuleType(p)
			if !ok {
				return false
			}
			for _, k := range kinds {
				if rt.kind == k {
					return true
				}
			}
			return false
		}
	}

	addfw := NewCommand("r1addfw", fmt.Sprintf("add a drop rule to the firewall of %s", gw),
		[]Field{
			{Name: "type", Prompt: "Rule type (1 block source, 2 block destination, 3 block TCP port, 4 block UDP port)", Required: true},
			{Name: "source", Prompt: "Source address to block (e.g. 10.0.1.1)", Required: true,
				When: isKind(gateway.BlockSource)},
			{Name: "destination", Prompt: "Destination address (e.g. 10.0.2.1, any for every destination)",
				When: isKind(gateway.BlockDestination, gateway.BlockDestinationPort)},
			{Name: "port", Prompt: "Destination port to block (e.g. 80 or 53)", Required: true,
				When: isKind(gateway.BlockDestinationPort)},
		},
		func(ctx context.Context, p Params) (Report, error) {
			rt, ok := lookupRuleType(p)
			if !ok {
				return Report{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "type", p.Get("type"), "expected 1-4")
			}
			port, err := p.Int("port")
			if err != nil {
				return Report{}, err
			}
			spec := gateway.RuleSpec{
				Kind:        rt.kind,
				Source:      p.Get("source"),
				Destination: p.Get("destination"),
				Protocol:    rt.protocol,
				DestPort:    port,
			}
			t := gatewayTarget(d, gateway.ChainUser)
			t.Source, t.Destination, t.Protocol, t.DestPort = spec.Source, spec.Destination, spec.Protocol, spec.DestPort

			rule, err := d.Gateways.AddRule(ctx, d.Network, gw, spec)
			if err != nil {
				return Report{Target: t}, err
			}
			t.RuleId = rule.Id
			body := fmt.Sprintf("rule %s added to %s: %s", rule.Id, gw, rule.Command)
			return Report{Title: "Add firewall rule", Body: body, Data: rule, Target: t}, nil
		})

	clearfw := NewCommand("r1clearfw", fmt.Sprintf("remove the operator rules of %s and restore the baseline", gw),
		[]Field{
			{Name: "confirm", Prompt: fmt.Sprintf("Remove ALL operator firewall rules of %s? (y/N)", gw), Confirm: true},
		},
		func(ctx context.Context, p Params) (Report, error) {
			t := gatewayTarget(d, gateway.ChainUser)
			if err := d.Gateways.ClearUserRules(ctx, d.Network, gw); err != nil {
				return Report{Target: t}, err
			}
			return Report{Title: "Clear firewall", Body: fmt.Sprintf("operator rules of %s removed, baseline in place", gw), Target: t}, nil
		})

	showfw := NewCommand("r1showfw", fmt.Sprintf("show the firewall rules of %s", gw),
		[]Field{
			{Name: "chain", Prompt: "Chain (empty for every table)"},
			{Name: "verbose", Prompt: "Counters and line numbers? (y/N)", Default: "y"},
		},
		func(ctx context.Context, p Params) (Report, error) {
			chain := p.Get("chain")
			t := gatewayTarget(d, chain)
			out, err := d.Gateways.ShowRules(ctx, d.Network, gw, chain, flow.Confirmed(p.Get("verbose")))
			if err != nil {
				return Report{Target: t}, err
			}
			title := fmt.Sprintf("Firewall of %s", gw)
			if chain != "" {
				title += " (" + chain + ")"
			}
			return Report{Title: title, Body: out, Data: d.Gateways.UserRules(d.Network, gw), Target: t}, nil
		})

	resetfw := NewCommand("r1resetfw", fmt.Sprintf("flush the firewall of %s and apply the baseline", gw),
		[]Field{
			{Name: "confirm", Prompt: fmt.Sprintf("Flush every table of %s and reapply the baseline? (y/N)", gw), Confirm: true},
		},
		func(ctx context.Context, p Params) (Report, error) {
			t := gatewayTarget(d, "")
			if err := d.Gateways.Reset(ctx, d.Network, gw); err != nil {
				return Report{Target: t}, err
			}
			return Report{Title: "Reset firewall", Body: fmt.Sprintf("baseline applied on %s", gw), Target: t}, nil
		})

	trace := NewCommand("r1trace", fmt.Sprintf("trace a packet through the rule set of %s", gw),
		[]Field{
			{Name: "source", Prompt: "Source address (e.g. 10.0.1.1)", Required: true},
			{Name: "destination", Prompt: "Destination address (e.g. 10.0.2.1)", Required: true},
			{Name: "protocol", Prompt: "Protocol (tcp, udp, icmp)", Default: "tcp"},
			{Name: "sport", Prompt: "Source port", Default: "0", When: transportPorts},
			{Name: "dport", Prompt: "Destination port", Default: "0", When: transportPorts},
			{Name: "state", Prompt: "Conntrack state (NEW, ESTABLISHED, RELATED, INVALID)", Default: string(packet.StateNew)},
		},
		func(ctx context.Context, p Params) (Report, error) {
			pkt, err := tracePacket(d, p)
			if err != nil {
				return Report{}, err
			}
			res, err := d.Gateways.Trace(d.Network, gw, pkt)
			if err != nil {
				return Report{}, err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "packet:  %s\n", pkt)
			fmt.Fprintf(&b, "verdict: %s\n", res.Verdict)
			for _, s := range res.Steps {
				fmt.Fprintf(&b, "  %s #%d: %s\n", s.Chain, s.Index, s.Rule)
			}
			if len(res.Logs) > 0 {
				fmt.Fprintf(&b, "logged:  %s\n", strings.Join(res.Logs, ", "))
			}
			if res.Masquerade {
				b.WriteString("nat:     masqueraded\n")
			}
			return Report{Title: "Trace on " + gw, Body: b.String(), Data: res, Target: gatewayTarget(d, "")}, nil
		})

	logs := NewCommand("r1logs", fmt.Sprintf("show the latest log entries of %s", gw),
		[]Field{
			{Name: "lines", Prompt: "Number of entries", Default: "20"},
		},
		func(ctx context.Context, p Params) (Report, error) {
			n, err := p.Int("lines")
			if err != nil {
				return Report{}, err
			}
			entries, err := gwlog.Tail(d.KernelLog, gw, n)
			if err != nil {
				return Report{}, errdefs.Validation(errdefs.ErrInvalidParameter, "lines", p.Get("lines"), err.Error())
			}
			gwlog.NewResolver(d.Network).EnrichAll(entries)
			var b strings.Builder
			for _, e := range entries {
				b.WriteString(e.String() + "\n")
			}
			if len(entries) == 0 {
				b.WriteString("no entries\n")
			}
			return Report{Title: "Log of " + gw, Body: b.String(), Data: entries, Target: gatewayTarget(d, "")}, nil
		})

	return []Command{addfw, clearfw, showfw, resetfw, trace, logs}
}

// tracePacket builds the packet of a trace. The interfaces are those of
// the gateway subnets holding the addresses, or the external side.
func tracePacket(d Deps, p Params) (packet.Packet, error) {
	src, err := netip.ParseAddr(p.Get("source"))
	if err != nil {
		return packet.Packet{}, errdefs.Validation(errdefs.ErrInvalidAddress, "source", p.Get("source"), "expected an ipv4 address")
	}
	dst, err := netip.ParseAddr(p.Get("destination"))
	if err != nil {
		return packet.Packet{}, errdefs.Validation(errdefs.ErrInvalidAddress, "destination", p.Get("destination"), "expected an ipv4 address")
	}
	state, err := packet.ParseState(p.Get("state"))
	if err != nil {
		return packet.Packet{}, errdefs.Validation(errdefs.ErrInvalidParameter, "state", p.Get("state"), err.Error())
	}
	sport, err := p.Int("sport")
	if err != nil {
		return packet.Packet{}, err
	}
	dport, err := p.Int("dport")
	if err != nil {
		return packet.Packet{}, err
	}

	internal, external, err := d.Network.GatewayInterfaces(d.Gateway)
	if err != nil {
		return packet.Packet{}, err
	}
	side := func(a netip.Addr) string {
		if internal.Address.Contains(a) {
			return internal.Name
		}
		return external.Name
	}
	return packet.Packet{
		In:       side(src),
		Out:      side(dst),
		Protocol: strings.ToLower(p.Get("protocol")),
		Src:      src,
		Dst:      dst,
		SrcPort:  sport,
		DstPort:  dport,
		State:    state,
	}, nil
}

func gatewayTarget(d Deps, chain string) audit.Target {
	t := target(d, "", "")
	t.Gateway = d.Gateway
	t.ChainName = chain
	return t
}
