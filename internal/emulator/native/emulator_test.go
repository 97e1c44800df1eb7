package native

import (
	"context"
	"io"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"testing"

	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

type fakeCommand struct {
	stdout io.Writer
	output string
}

func (c *fakeCommand) Run() error {
	if c.stdout != nil {
		_, _ = io.WriteString(c.stdout, c.output)
	}
	return nil
}
func (c *fakeCommand) Output() ([]byte, error)        { return []byte(c.output), nil }
func (c *fakeCommand) CombineOutput() ([]byte, error) { return []byte(c.output), nil }
func (c *fakeCommand) SetStdout(w io.Writer)          { c.stdout = w }
func (c *fakeCommand) SetStderr(w io.Writer)          {}
func (c *fakeCommand) SetStdin(r io.Reader)           {}

type fakeFactory struct {
	mu       sync.Mutex
	commands []string
	output   string
}

func (f *fakeFactory) Command(name string, args ...string) utils.CommandExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, strings.Join(append([]string{name}, args...), " "))
	return &fakeCommand{output: f.output}
}

func (f *fakeFactory) CommandContext(ctx context.Context, name string, args ...string) utils.CommandExecutor {
	return f.Command(name, args...)
}

type fakeLinks struct {
	calls      []string
	configured []topology.Interface
}

func (l *fakeLinks) CreateNamespace(name string) (string, error) {
	l.calls = append(l.calls, "netns add "+name)
	return "/var/run/netns/" + name, nil
}

func (l *fakeLinks) DeleteNamespace(name string) error {
	l.calls = append(l.calls, "netns del "+name)
	return nil
}

func (l *fakeLinks) CreateVeth(name, peer string) error {
	l.calls = append(l.calls, "veth "+name+" "+peer)
	return nil
}

func (l *fakeLinks) DeleteVeth(name string) error {
	l.calls = append(l.calls, "veth del "+name)
	return nil
}

func (l *fakeLinks) SetUp(name string) error {
	l.calls = append(l.calls, "up "+name)
	return nil
}

func (l *fakeLinks) MoveAndConfigure(nsPath string, iface topology.Interface) error {
	l.calls = append(l.calls, "move "+iface.Name+" "+nsPath)
	l.configured = append(l.configured, iface)
	return nil
}

func hostSpec() topology.Node {
	return topology.Node{
		Id:   "h1",
		Kind: topology.KindHost,
		Interfaces: []topology.Interface{{
			Node:         "h1",
			Name:         "h1-eth0",
			Address:      netip.MustParsePrefix("10.0.1.1/24"),
			DefaultRoute: netip.MustParseAddr("10.0.1.254"),
		}},
	}
}

func newTestEmulator(t *testing.T) (*Emulator, *fakeFactory, *fakeLinks) {
	t.Helper()
	f := &fakeFactory{}
	l := &fakeLinks{}
	e := newEmulator(f, nil, l)
	ctx := context.Background()
	if err := e.CreateSwitch(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.CreateNode(ctx, hostSpec()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	link := topology.Link{
		A: topology.LinkEnd{Node: "h1", Interface: "h1-eth0"},
		B: topology.LinkEnd{Node: "s1", Interface: "s1-eth1"},
	}
	if err := e.CreateLink(ctx, link); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e, f, l
}

func TestCreateSwitchConfiguresBridge(t *testing.T) {
	_, f, _ := newTestEmulator(t)
	all := strings.Join(f.commands, "\n")
	for _, want := range []string{"add-br s1", "protocols=OpenFlow13", "standalone", "add-port s1 s1-eth1"} {
		if !strings.Contains(all, want) {
			t.Fatalf("expected %q in:\n%s", want, all)
		}
	}
	for _, c := range f.commands {
		if !strings.HasPrefix(c, "ovs-vsctl ") {
			t.Fatalf("unexpected command %q", c)
		}
	}
}

func TestCreateLinkConfiguresNodeEnd(t *testing.T) {
	e, _, l := newTestEmulator(t)
	expect := []string{
		"netns add sdnlab-h1",
		"veth h1-eth0 s1-eth1",
		"move h1-eth0 /var/run/netns/sdnlab-h1",
		"up s1-eth1",
	}
	if !slices.Equal(l.calls, expect) {
		t.Fatalf("expected %v, got %v", expect, l.calls)
	}
	if got := l.configured[0].DefaultRoute.String(); got != "10.0.1.254" {
		t.Fatalf("expected route 10.0.1.254, got %s", got)
	}
	if !e.HasNode("h1") || !e.HasNode("s1") || e.HasNode("h2") {
		t.Fatalf("unexpected node registry")
	}
	if err := e.CreateNode(context.Background(), hostSpec()); err == nil {
		t.Fatalf("expected duplicate node to be rejected")
	}
}

func TestExecuteRunsInNamespace(t *testing.T) {
	e, f, _ := newTestEmulator(t)
	f.output = "ok\n"
	res, err := e.Execute(context.Background(), "h1", "ping -c 1 10.0.2.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "ok\n" || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	last := f.commands[len(f.commands)-1]
	if last != "ip netns exec sdnlab-h1 sh -c ping -c 1 10.0.2.1" {
		t.Fatalf("unexpected command %q", last)
	}

	if _, err := e.Execute(context.Background(), "h9", "true"); err == nil {
		t.Fatalf("expected unknown node to fail")
	}
}

func TestExecuteSwitchPinsOpenFlow(t *testing.T) {
	e, f, _ := newTestEmulator(t)
	if _, err := e.ExecuteSwitch(context.Background(), "s1", []string{"-O", "OpenFlow10", "dump-flows", "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := f.commands[len(f.commands)-1]
	if last != "ovs-ofctl -O OpenFlow13 dump-flows s1" {
		t.Fatalf("unexpected command %q", last)
	}
	if _, err := e.ExecuteSwitch(context.Background(), "s9", []string{"dump-flows", "s9"}); err == nil {
		t.Fatalf("expected unknown switch to fail")
	}
}

func TestStopRemovesEverything(t *testing.T) {
	e, f, l := newTestEmulator(t)
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.calls[len(l.calls)-1] != "netns del sdnlab-h1" {
		t.Fatalf("expected namespace removal, got %v", l.calls)
	}
	if !strings.Contains(f.commands[len(f.commands)-1], "del-br s1") {
		t.Fatalf("expected bridge removal, got %q", f.commands[len(f.commands)-1])
	}
	if e.HasNode("h1") || e.HasNode("s1") {
		t.Fatalf("expected an empty registry")
	}
}

func TestDeleteNodeAndLink(t *testing.T) {
	e, f, l := newTestEmulator(t)
	ctx := context.Background()
	link := topology.Link{
		A: topology.LinkEnd{Node: "h1", Interface: "h1-eth0"},
		B: topology.LinkEnd{Node: "s1", Interface: "s1-eth1"},
	}

	if err := e.DeleteLink(ctx, link); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(f.commands[len(f.commands)-1], "del-port s1 s1-eth1") {
		t.Fatalf("expected port removal, got %q", f.commands[len(f.commands)-1])
	}
	if err := e.DeleteNode(ctx, "h1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"veth del h1-eth0", "veth del s1-eth1", "netns del sdnlab-h1"}
	got := l.calls[len(l.calls)-len(want):]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if e.HasNode("h1") {
		t.Fatalf("expected h1 to be gone")
	}
	if err := e.DeleteNode(ctx, "h1"); err != nil {
		t.Fatalf("expected deleting a missing node to succeed, got %v", err)
	}
	if err := e.CreateNode(ctx, hostSpec()); err != nil {
		t.Fatalf("expected h1 to be creatable again, got %v", err)
	}
}

func TestToIPNet(t *testing.T) {
	n := toIPNet(netip.MustParsePrefix("10.0.2.254/24"))
	if n.String() != "10.0.2.254/24" {
		t.Fatalf("expected %q, got %q", "10.0.2.254/24", n.String())
	}
}
