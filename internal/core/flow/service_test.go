package flow

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"sdnlab/internal/channel"
	"sdnlab/internal/core/packet"
	"sdnlab/internal/emulator/memnet"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
)

func newLab(t *testing.T) (*topology.Network, *memnet.Emulator) {
	t.Helper()
	emu := memnet.New()
	n := topology.NewNetwork(emu)
	steps := []error{
		n.AddSwitch("s1"),
		n.AddSwitch("s2"),
		n.AddGateway("r1",
			topology.GatewayInterface{Address: "10.0.1.254/24"},
			topology.GatewayInterface{Address: "10.0.2.254/24"},
			nil),
		n.AddHost("h1", "10.0.1.1/24", "via 10.0.1.254"),
		n.AddHost("h3", "10.0.2.1/24", "via 10.0.2.254"),
		n.AddLink(topology.LinkEnd{Node: "r1", Interface: "r1-eth0"}, topology.LinkEnd{Node: "s1"}),
		n.AddLink(topology.LinkEnd{Node: "r1", Interface: "r1-eth1"}, topology.LinkEnd{Node: "s2"}),
		n.AddLink(topology.LinkEnd{Node: "h1"}, topology.LinkEnd{Node: "s1"}),
		n.AddLink(topology.LinkEnd{Node: "h3"}, topology.LinkEnd{Node: "s2"}),
		n.Start(context.Background()),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
	}
	return n, emu
}

func TestAddBlockFlowRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		match Match
	}{
		{name: "full tcp", match: Match{Protocol: "tcp", Source: "10.0.1.1/32", Destination: "10.0.2.1/32", DestPort: 80}},
		{name: "source only", match: Match{Protocol: "ip", Source: "10.0.1.0/24"}},
		{name: "udp ports", match: Match{Protocol: "udp", Destination: "10.0.2.1", SourcePort: 5000, DestPort: 53}},
		{name: "default protocol", match: Match{Source: "any", DestPort: 22}},
		{name: "icmp", match: Match{Protocol: "icmp", Destination: "10.0.2.1"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			n, _ := newLab(t)
			s := NewFlowService()
			ctx := context.Background()

			rule, err := s.AddBlockFlow(ctx, n, "s1", 100, tc.match, "")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rule.Label == "" {
				t.Fatalf("expected a generated label")
			}

			flows, err := s.InstalledFlows(ctx, n, "s1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var got *InstalledFlow
			for i := range flows {
				if flows[i].Priority == 100 {
					got = &flows[i]
				}
			}
			if got == nil {
				t.Fatalf("expected an installed flow with priority 100, got %+v", flows)
			}

			want := rule.Match
			if got.Protocol != want.Protocol || got.Source != want.Source || got.Destination != want.Destination ||
				got.SourcePort != want.SourcePort || got.DestPort != want.DestPort || !got.Drops() {
				t.Fatalf("expected %+v, got %+v", want, *got)
			}
		})
	}
}

func TestAddBlockFlowValidation(t *testing.T) {
	cases := []struct {
		name     string
		sw       string
		priority int
		match    Match
		expect   error
	}{
		{name: "priority too big", sw: "s1", priority: 70000, match: Match{}, expect: errdefs.ErrInvalidRuleSpec},
		{name: "negative priority", sw: "s1", priority: -1, match: Match{}, expect: errdefs.ErrInvalidRuleSpec},
		{name: "bad cidr", sw: "s1", priority: 10, match: Match{Source: "10.0.1/33"}, expect: errdefs.ErrInvalidRuleSpec},
		{name: "bad port", sw: "s1", priority: 10, match: Match{DestPort: 65536}, expect: errdefs.ErrInvalidRuleSpec},
		{name: "ports without transport", sw: "s1", priority: 10, match: Match{Protocol: "icmp", DestPort: 80}, expect: errdefs.ErrInvalidRuleSpec},
		{name: "unknown protocol", sw: "s1", priority: 10, match: Match{Protocol: "sctp"}, expect: errdefs.ErrInvalidRuleSpec},
		{name: "unknown switch", sw: "s9", priority: 10, match: Match{}, expect: errdefs.ErrSwitchNotFound},
		{name: "host is no switch", sw: "h1", priority: 10, match: Match{}, expect: errdefs.ErrSwitchNotFound},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			n, emu := newLab(t)
			_, err := NewFlowService().AddBlockFlow(context.Background(), n, tc.sw, tc.priority, tc.match, "x")
			if !errors.Is(err, tc.expect) {
				t.Fatalf("expected %v, got %v", tc.expect, err)
			}
			if h := emu.History(tc.sw); len(h) != 0 {
				t.Fatalf("expected no switch command, got %q", h)
			}
		})
	}
}

type rejectingSwitch struct {
	stderr string
}

func (r rejectingSwitch) ExecuteSwitch(ctx context.Context, switchId string, args []string) (channel.Result, error) {
	return channel.Result{Stderr: r.stderr, ExitCode: 1}, nil
}

type switchOverride struct {
	*topology.Network
	ch channel.SwitchChannel
}

func (s switchOverride) SwitchChannel() channel.SwitchChannel { return s.ch }

func TestSwitchRejectionCarriesStderr(t *testing.T) {
	n, _ := newLab(t)
	net := switchOverride{Network: n, ch: rejectingSwitch{stderr: "ovs-ofctl: s1 is not a bridge or a socket\n"}}

	_, err := NewFlowService().AddBlockFlow(context.Background(), net, "s1", 100, Match{Source: "10.0.1.1"}, "web")
	var xe *errdefs.ExternalCommandError
	if !errors.As(err, &xe) || !errors.Is(err, errdefs.ErrSwitchCommandFailed) {
		t.Fatalf("expected switch command failure, got %v", err)
	}
	if xe.Stderr != "ovs-ofctl: s1 is not a bridge or a socket\n" {
		t.Fatalf("expected stderr verbatim, got %q", xe.Stderr)
	}
	if !strings.Contains(xe.Command, "-O OpenFlow13") || !strings.Contains(xe.Command, "add-flow") {
		t.Fatalf("expected pinned add-flow command, got %q", xe.Command)
	}
}

func TestRemoveAllFlows(t *testing.T) {
	n, _ := newLab(t)
	s := NewFlowService()
	ctx := context.Background()

	if _, err := s.AddBlockFlow(ctx, n, "s1", 100, Match{DestPort: 80}, "web"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RemoveAllFlows(ctx, n, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flows, err := s.InstalledFlows(ctx, n, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flows) != 0 {
		t.Fatalf("expected empty table, got %+v", flows)
	}
	if err := s.RemoveAllFlows(ctx, n, "s9"); !errors.Is(err, errdefs.ErrSwitchNotFound) {
		t.Fatalf("expected switch not found, got %v", err)
	}
}

func TestBlockWebTrafficKeepsIcmp(t *testing.T) {
	n, _ := newLab(t)
	s := NewFlowService()
	ctx := context.Background()

	match := Match{Protocol: "tcp", Source: "10.0.1.1/32", Destination: "10.0.2.1/32", SourcePort: 0, DestPort: 80}
	if _, err := s.AddBlockFlow(ctx, n, "s1", 100, match, "no-web"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flows, err := s.InstalledFlows(ctx, n, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	web := packet.Packet{
		Protocol: "tcp",
		Src:      netip.MustParseAddr("10.0.1.1"),
		Dst:      netip.MustParseAddr("10.0.2.1"),
		SrcPort:  40000,
		DstPort:  80,
	}
	f, ok := Evaluate(flows, web)
	if !ok || f.Priority != 100 || !f.Drops() {
		t.Fatalf("expected web traffic to hit the drop flow, got %+v", f)
	}

	ping := packet.Packet{Protocol: "icmp", Src: web.Src, Dst: web.Dst}
	f, ok = Evaluate(flows, ping)
	if !ok || f.Drops() || f.Actions != "NORMAL" {
		t.Fatalf("expected icmp to be forwarded normally, got %+v", f)
	}
}

func TestConfirmed(t *testing.T) {
	for _, yes := range []string{"s", "S", "y", "yes", " sim "} {
		if !Confirmed(yes) {
			t.Fatalf("expected %q to confirm", yes)
		}
	}
	for _, no := range []string{"", "n", "no", "nao", "maybe"} {
		if Confirmed(no) {
			t.Fatalf("expected %q not to confirm", no)
		}
	}
}

func TestParseFlowTable(t *testing.T) {
	dump := "OFPST_FLOW reply (OF1.3) (xid=0x2):\n" +
		" cookie=0x0, duration=12.345s, table=0, n_packets=3, n_bytes=222, priority=100,tcp,nw_src=10.0.1.1,nw_dst=10.0.2.0/24,tp_dst=80 actions=drop\n" +
		" cookie=0x0, duration=99.000s, table=0, n_packets=0, n_bytes=0, priority=0 actions=NORMAL\n"

	flows, err := ParseFlowTable(dump)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}
	f := flows[0]
	if f.Priority != 100 || f.Protocol != "tcp" || f.Source != "10.0.1.1/32" || f.Destination != "10.0.2.0/24" || f.DestPort != 80 || f.Actions != "drop" {
		t.Fatalf("unexpected flow %+v", f)
	}
	if flows[1].Priority != 0 || flows[1].Actions != "NORMAL" {
		t.Fatalf("unexpected default flow %+v", flows[1])
	}

	if _, err := ParseFlowTable("priority=1,tcp"); err == nil {
		t.Fatalf("expected error for a line without actions")
	}
}

func TestConcurrentAddBlockFlowOnOneSwitch(t *testing.T) {
	n, _ := newLab(t)
	s := NewFlowService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := Match{Protocol: "tcp", Source: fmt.Sprintf("10.0.1.%d", i+1), DestPort: 80}
			if _, err := s.AddBlockFlow(ctx, n, "s1", 100, m, ""); err != nil {
				t.Errorf("unexpected error for %s: %v", m.Source, err)
			}
		}(i)
	}
	wg.Wait()

	flows, err := s.InstalledFlows(ctx, n, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flows) != 20 {
		t.Fatalf("expected 20 flows, got %d", len(flows))
	}
}
