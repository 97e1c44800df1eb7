package console

import (
	"context"
	"fmt"
	"strings"

	"sdnlab/internal/core/flow"
	"sdnlab/internal/core/gateway"
	"sdnlab/internal/core/probe"
	"sdnlab/internal/topology"
)

// Deps are the engines and the network the default commands operate on.
type Deps struct {
	Network  *topology.Network
	Flows    flow.FlowServiceHandler
	Gateways gateway.GatewayServiceHandler
	Probes   probe.ProbeServiceHandler
	// Gateway is the id of the managed gateway node.
	Gateway   string
	KernelLog string
}

// NewDefaultRegistry registers every lab command against d.
func NewDefaultRegistry(d Deps) (*Registry, error) {
	if d.Gateway == "" {
		d.Gateway = "r1"
	}
	r := NewRegistry()
	groups := [][]Command{
		topologyCommands(d),
		flowCommands(d),
		gatewayCommands(d),
		probeCommands(d),
	}
	for _, cmds := range groups {
		if err := r.Register(cmds...); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func topologyCommands(d Deps) []Command {
	nodes := NewCommand("nodes", "list the nodes of the network", nil,
		func(ctx context.Context, p Params) (Report, error) {
			list := d.Network.Nodes()
			var b strings.Builder
			for _, n := range list {
				fmt.Fprintf(&b, "%-8s %-8s", n.Id, n.Kind)
				for _, i := range n.Interfaces {
					if !i.Address.IsValid() {
						continue
					}
					fmt.Fprintf(&b, " %s=%s", i.Name, i.Address)
					if i.DefaultRoute.IsValid() {
						fmt.Fprintf(&b, " via %s", i.DefaultRoute)
					}
				}
				b.WriteString("\n")
			}
			return Report{Title: "Nodes", Body: b.String(), Data: list}, nil
		})

	links := NewCommand("links", "list the links of the network", nil,
		func(ctx context.Context, p Params) (Report, error) {
			list := d.Network.Links()
			var b strings.Builder
			for _, l := range list {
				fmt.Fprintf(&b, "%s:%s <-> %s:%s\n", l.A.Node, l.A.Interface, l.B.Node, l.B.Interface)
			}
			return Report{Title: "Links", Body: b.String(), Data: list}, nil
		})

	addnode := NewCommand("addnode", "add a host to a running network",
		[]Field{
			{Name: "name", Prompt: "New host name (e.g. h13)", Required: true},
			{Name: "address", Prompt: "New host address (e.g. 10.0.1.13/24 or 10.0.2.10/24)", Required: true},
			{Name: "switch", Prompt: "Switch to attach to (s1 or s2)", Required: true},
		},
		func(ctx context.Context, p Params) (Report, error) {
			node, err := d.Network.AddHostDynamic(ctx, p.Get("name"), p.Get("address"), p.Get("switch"))
			if err != nil {
				return Report{Target: target(d, "", p.Get("name"))}, err
			}
			iface := node.Interfaces[0]
			body := fmt.Sprintf("host %s added with address %s on switch %s, default route via %s",
				node.Id, iface.Address, p.Get("switch"), iface.DefaultRoute)
			return Report{Title: "Add host", Body: body, Data: node, Target: target(d, p.Get("switch"), node.Id)}, nil
		})

	return []Command{nodes, links, addnode}
}

func probeCommands(d Deps) []Command {
	ping := NewCommand("pingtest", "ping one host from another",
		[]Field{
			{Name: "source", Prompt: "Source host (e.g. h1)", Required: true},
			{Name: "destination", Prompt: "Destination host (e.g. h3)", Required: true},
			{Name: "count", Prompt: "Number of pings", Default: "4"},
		},
		func(ctx context.Context, p Params) (Report, error) {
			count, err := p.Int("count")
			if err != nil {
				return Report{}, err
			}
			res, err := d.Probes.Ping(ctx, d.Network, p.Get("source"), p.Get("destination"), count)
			if err != nil {
				return Report{Target: target(d, "", p.Get("source"))}, err
			}
			title := fmt.Sprintf("Ping %s -> %s", res.Source, res.Destination)
			return Report{Title: title, Body: res.Output, Data: res, Target: target(d, "", res.Source)}, nil
		})

	iperf := NewCommand("iperftest", "measure TCP throughput between two hosts",
		[]Field{
			{Name: "server", Prompt: "iPerf server host (e.g. h3)", Required: true},
			{Name: "client", Prompt: "iPerf client host (e.g. h1)", Required: true},
			{Name: "duration", Prompt: "Test duration in seconds", Default: "10"},
		},
		func(ctx context.Context, p Params) (Report, error) {
			duration, err := p.Int("duration")
			if err != nil {
				return Report{}, err
			}
			res, err := d.Probes.Iperf(ctx, d.Network, p.Get("server"), p.Get("client"), duration)
			if err != nil {
				return Report{Target: target(d, "", p.Get("client"))}, err
			}
			title := fmt.Sprintf("iPerf %s -> %s", res.Client, res.Server)
			return Report{Title: title, Body: res.Output, Data: res, Target: target(d, "", res.Client)}, nil
		})

	return []Command{ping, iperf}
}
