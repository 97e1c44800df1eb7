package probe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sdnlab/internal/channel"
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

// scriptedChannel answers every command with a fixed result, recording the
// commands it saw.
type scriptedChannel struct {
	results map[string]channel.Result
	err     error
	seen    []string
}

func (c *scriptedChannel) Execute(ctx context.Context, nodeId, command string) (channel.Result, error) {
	c.seen = append(c.seen, nodeId+": "+command)
	if c.err != nil {
		return channel.Result{ExitCode: -1}, c.err
	}
	for prefix, res := range c.results {
		if strings.HasPrefix(command, prefix) {
			return res, nil
		}
	}
	return channel.Result{}, nil
}

type channelOverride struct {
	*topology.Network
	ch channel.NodeChannel
}

func (o channelOverride) NodeChannel() channel.NodeChannel { return o.ch }

func TestPing(t *testing.T) {
	n, emu := newLab(t)
	s := NewProbeService()

	res, err := s.Ping(context.Background(), n, "h1", "h3", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Address != "10.0.2.1" {
		t.Fatalf("expected address %q, got %q", "10.0.2.1", res.Address)
	}
	if res.Transmitted != DefaultPingCount || res.Received != DefaultPingCount || res.LossPercent != 0 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	if !res.Reachable() {
		t.Fatalf("expected reachable")
	}
	history := emu.History("h1")
	if len(history) == 0 || history[len(history)-1] != "ping -c 4 10.0.2.1" {
		t.Fatalf("unexpected history: %v", history)
	}
}

func TestPingLossIsNotAnError(t *testing.T) {
	n, _ := newLab(t)
	out := "PING 10.0.2.1 (10.0.2.1) 56(84) bytes of data.\n\n--- 10.0.2.1 ping statistics ---\n" +
		"2 packets transmitted, 0 received, 100% packet loss, time 1001ms\n"
	ch := &scriptedChannel{results: map[string]channel.Result{"ping": {Stdout: out, ExitCode: 1}}}

	res, err := NewProbeService().Ping(context.Background(), channelOverride{n, ch}, "h1", "h3", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reachable() || res.Transmitted != 2 || res.LossPercent != 100 {
		t.Fatalf("unexpected summary: %+v", res)
	}
}

func TestPingFailures(t *testing.T) {
	n, _ := newLab(t)
	s := NewProbeService()

	cases := []struct {
		name   string
		src    string
		dst    string
		count  int
		class  string
		reason error
	}{
		{name: "count too large", src: "h1", dst: "h3", count: 101, class: "ValidationError", reason: errdefs.ErrInvalidParameter},
		{name: "negative count", src: "h1", dst: "h3", count: -1, class: "ValidationError", reason: errdefs.ErrInvalidParameter},
		{name: "unknown source", src: "h9", dst: "h3", class: "NotFoundError", reason: errdefs.ErrNodeNotFound},
		{name: "unknown destination", src: "h1", dst: "h9", class: "NotFoundError", reason: errdefs.ErrNodeNotFound},
		{name: "switch is not a host", src: "s1", dst: "h3", class: "NotFoundError", reason: errdefs.ErrNodeNotFound},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Ping(context.Background(), n, tc.src, tc.dst, tc.count)
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := errdefs.Class(err); got != tc.class {
				t.Fatalf("expected %q, got %q", tc.class, got)
			}
			if !errors.Is(err, tc.reason) {
				t.Fatalf("expected reason %v, got %v", tc.reason, err)
			}
		})
	}
}

func TestPingChannelFailure(t *testing.T) {
	n, _ := newLab(t)
	ch := &scriptedChannel{err: errors.New("exec: container not running")}

	_, err := NewProbeService().Ping(context.Background(), channelOverride{n, ch}, "h1", "h3", 1)
	var xe *errdefs.ExternalCommandError
	if !errors.As(err, &xe) {
		t.Fatalf("expected ExternalCommandError, got %v", err)
	}
	if xe.ExitCode != -1 || xe.Command != "ping -c 1 10.0.2.1" {
		t.Fatalf("unexpected error fields: %+v", xe)
	}
}

func TestIperf(t *testing.T) {
	n, emu := newLab(t)
	s := NewProbeService()

	res, err := s.Iperf(context.Background(), n, "h3", "h1", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sender != "944 Mbits/sec" || res.Receiver != "943 Mbits/sec" {
		t.Fatalf("unexpected bitrates: %+v", res)
	}
	if res.Command != "iperf3 -c 10.0.2.1 -t 5" {
		t.Fatalf("unexpected command %q", res.Command)
	}

	server := emu.History("h3")
	want := []string{"iperf3 -s -D", "pkill iperf3"}
	if len(server) < 2 || server[len(server)-2] != want[0] || server[len(server)-1] != want[1] {
		t.Fatalf("expected server history ending with %v, got %v", want, server)
	}

	// the daemon was stopped, so the next run starts a fresh one
	if _, err := s.Iperf(context.Background(), n, "h3", "h1", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIperfStopsServerWhenClientFails(t *testing.T) {
	n, _ := newLab(t)
	ch := &scriptedChannel{results: map[string]channel.Result{
		"iperf3 -c": {Stderr: "iperf3: error - unable to connect to server: Connection refused\n", ExitCode: 1},
	}}

	_, err := NewProbeService().Iperf(context.Background(), channelOverride{n, ch}, "h3", "h1", 0)
	var xe *errdefs.ExternalCommandError
	if !errors.As(err, &xe) {
		t.Fatalf("expected ExternalCommandError, got %v", err)
	}
	if xe.Target != "h1" || !strings.Contains(xe.Stderr, "Connection refused") {
		t.Fatalf("unexpected error fields: %+v", xe)
	}

	want := []string{"h3: iperf3 -s -D", "h1: iperf3 -c 10.0.2.1 -t 10", "h3: pkill iperf3"}
	if strings.Join(ch.seen, "\n") != strings.Join(want, "\n") {
		t.Fatalf("expected commands %v, got %v", want, ch.seen)
	}
}

func TestIperfValidation(t *testing.T) {
	n, emu := newLab(t)
	s := NewProbeService()

	cases := []struct {
		name     string
		server   string
		client   string
		duration int
		reason   error
	}{
		{name: "duration too long", server: "h3", client: "h1", duration: 301, reason: errdefs.ErrInvalidParameter},
		{name: "unknown server", server: "h9", client: "h1", duration: 1, reason: errdefs.ErrNodeNotFound},
		{name: "unknown client", server: "h3", client: "h9", duration: 1, reason: errdefs.ErrNodeNotFound},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			before := len(emu.History("h3"))
			_, err := s.Iperf(context.Background(), n, tc.server, tc.client, tc.duration)
			if !errors.Is(err, tc.reason) {
				t.Fatalf("expected reason %v, got %v", tc.reason, err)
			}
			if got := len(emu.History("h3")); got != before {
				t.Fatalf("expected no commands, got %d new", got-before)
			}
		})
	}
}
