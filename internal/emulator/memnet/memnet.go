// Package memnet is a dry-run emulator. It keeps the topology in memory and
// answers the subset of iptables, ovs-ofctl, ip, sysctl, ping and iperf3
// that the lab uses, so a policy can be rehearsed without root.
package memnet

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"sdnlab/internal/channel"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
)

func New() *Emulator {
	return &Emulator{
		nodes:    map[string]*node{},
		switches: map[string]*bridge{},
		history:  map[string][]string{},
		now:      time.Now,
	}
}

type node struct {
	spec     topology.Node
	started  bool
	ipt      *iptables
	sysctl   map[string]string
	upLinks  map[string]bool
	iperfSrv bool
}

type Emulator struct {
	mu       sync.Mutex
	nodes    map[string]*node
	switches map[string]*bridge
	links    []topology.Link
	running  bool
	history  map[string][]string
	now      func() time.Time
}

func (e *Emulator) CreateSwitch(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exists(id) {
		return fmt.Errorf("memnet: %s already exists", id)
	}
	e.switches[id] = newBridge(id, e.now())
	return nil
}

func (e *Emulator) CreateNode(ctx context.Context, spec topology.Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exists(spec.Id) {
		return fmt.Errorf("memnet: %s already exists", spec.Id)
	}
	e.nodes[spec.Id] = &node{
		spec: spec,
		ipt:  newIptables(),
		sysctl: map[string]string{
			"net.ipv4.ip_forward": "0",
		},
		upLinks: map[string]bool{"lo": true},
	}
	return nil
}

func (e *Emulator) CreateLink(ctx context.Context, link topology.Link) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, end := range []topology.LinkEnd{link.A, link.B} {
		if !e.exists(end.Node) {
			return fmt.Errorf("memnet: link endpoint %s not found", end.Node)
		}
	}
	e.links = append(e.links, link)
	return nil
}

func (e *Emulator) DeleteLink(ctx context.Context, link topology.Link) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.links = slices.DeleteFunc(e.links, func(l topology.Link) bool { return l == link })
	return nil
}

// DeleteNode removes a node and every link touching it. The command
// history of the node is kept.
func (e *Emulator) DeleteNode(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.nodes, id)
	e.links = slices.DeleteFunc(e.links, func(l topology.Link) bool { return l.A.Node == id || l.B.Node == id })
	return nil
}

func (e *Emulator) StartNode(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.nodes[id]
	if !ok {
		return fmt.Errorf("memnet: node %s not found", id)
	}
	return e.startNode(n)
}

func (e *Emulator) startNode(n *node) error {
	if n.started {
		return nil
	}
	n.started = true
	if n.spec.Image == nil {
		return nil
	}
	for _, cmd := range n.spec.Image.PostStartCommands {
		res := e.run(n, cmd)
		if !res.Ok() {
			return errdefs.CommandFailure(errdefs.ErrCommandFailed, n.spec.Id, cmd, res.Stdout, res.Stderr, res.ExitCode, nil)
		}
	}
	return nil
}

func (e *Emulator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.nodes))
	for id := range e.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := e.startNode(e.nodes[id]); err != nil {
			return err
		}
	}
	e.running = true
	log.Printf("[*] memnet: %d nodes and %d switches running", len(e.nodes), len(e.switches))
	return nil
}

func (e *Emulator) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nodes = map[string]*node{}
	e.switches = map[string]*bridge{}
	e.links = nil
	e.running = false
	return nil
}

func (e *Emulator) HasNode(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exists(id)
}

// History returns every command run on a node or switch, oldest first.
func (e *Emulator) History(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history[id])
}

func (e *Emulator) Execute(ctx context.Context, nodeId string, command string) (channel.Result, error) {
	if err := ctx.Err(); err != nil {
		return channel.Result{ExitCode: -1}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.nodes[nodeId]
	if !ok {
		return channel.Result{ExitCode: -1}, fmt.Errorf("memnet: node %s not found", nodeId)
	}
	if !n.started {
		return channel.Result{ExitCode: -1}, fmt.Errorf("memnet: node %s is not running", nodeId)
	}
	e.history[nodeId] = append(e.history[nodeId], command)
	return e.run(n, command), nil
}

func (e *Emulator) ExecuteSwitch(ctx context.Context, switchId string, args []string) (channel.Result, error) {
	if err := ctx.Err(); err != nil {
		return channel.Result{ExitCode: -1}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return channel.Result{ExitCode: -1}, fmt.Errorf("memnet: network is not running")
	}
	argv := channel.PinOpenFlow(args)
	e.history[switchId] = append(e.history[switchId], "ovs-ofctl "+strings.Join(argv, " "))
	return e.ofctl(switchId, argv), nil
}

func (e *Emulator) exists(id string) bool {
	_, isNode := e.nodes[id]
	_, isSwitch := e.switches[id]
	return isNode || isSwitch
}

// owner returns the running node that holds addr.
func (e *Emulator) owner(addr netip.Addr) (*node, bool) {
	for _, n := range e.nodes {
		if !n.started {
			continue
		}
		for _, i := range n.spec.Interfaces {
			if i.Address.IsValid() && i.Address.Addr() == addr {
				return n, true
			}
		}
	}
	return nil, false
}
