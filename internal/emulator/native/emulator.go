// Package native drives a real lab: named network namespaces for hosts,
// docker containers for image-based nodes, veth pairs for links and Open
// vSwitch bridges for switches. It needs root on linux.
package native

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/digitalocean/go-openvswitch/ovs"
	"github.com/docker/docker/client"

	"sdnlab/internal/channel"
	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

const NamePrefix = "sdnlab-"

func New(ctx context.Context) (*Emulator, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newEmulator(utils.NewCommandFactory(), docker, hostLinks{}), nil
}

func newEmulator(factory utils.CommandFactory, docker client.APIClient, links LinkHandler) *Emulator {
	e := &Emulator{
		commandFactory: factory,
		containers:     newContainerManager(docker),
		links:          links,
		nodes:          map[string]*node{},
		switches:       map[string]bool{},
	}
	e.vswitch = ovs.New(ovs.Exec(func(cmd string, args ...string) ([]byte, error) {
		return e.commandFactory.Command(cmd, args...).CombineOutput()
	}))
	return e
}

type node struct {
	spec      topology.Node
	netns     string
	named     string
	container string
	started   bool
}

type Emulator struct {
	mu             sync.Mutex
	commandFactory utils.CommandFactory
	vswitch        *ovs.Client
	containers     *containerManager
	links          LinkHandler

	nodes    map[string]*node
	order    []string
	switches map[string]bool
	bridges  []string
	running  bool
}

// CreateSwitch adds an OVS bridge speaking OpenFlow13 that forwards as a
// learning switch until flows are installed.
func (e *Emulator) CreateSwitch(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exists(id) {
		return fmt.Errorf("native: %s already exists", id)
	}
	if err := e.vswitch.VSwitch.AddBridge(id); err != nil {
		return fmt.Errorf("add bridge %s: %w", id, err)
	}
	e.switches[id] = true
	e.bridges = append(e.bridges, id)

	if err := e.vswitch.VSwitch.Set.Bridge(id, ovs.BridgeOptions{Protocols: []string{ovs.ProtocolOpenFlow13}}); err != nil {
		return fmt.Errorf("set protocols on %s: %w", id, err)
	}
	if err := e.vswitch.VSwitch.SetFailMode(id, ovs.FailModeStandalone); err != nil {
		return fmt.Errorf("set fail mode on %s: %w", id, err)
	}
	log.Printf("[*] bridge %s created", id)
	return nil
}

// CreateNode creates the network namespace of a host, or the container of
// an image-based node.
func (e *Emulator) CreateNode(ctx context.Context, spec topology.Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exists(spec.Id) {
		return fmt.Errorf("native: %s already exists", spec.Id)
	}
	n := &node{spec: spec}

	if spec.Image != nil {
		id, pid, err := e.containers.Run(ctx, NamePrefix+spec.Id, *spec.Image)
		if err != nil {
			return fmt.Errorf("container %s: %w", spec.Id, err)
		}
		n.container = id
		n.netns = fmt.Sprintf("/proc/%d/ns/net", pid)
	} else {
		n.named = NamePrefix + spec.Id
		path, err := e.links.CreateNamespace(n.named)
		if err != nil {
			return fmt.Errorf("netns %s: %w", n.named, err)
		}
		n.netns = path
	}

	e.nodes[spec.Id] = n
	e.order = append(e.order, spec.Id)
	return nil
}

// CreateLink creates a veth pair for link. Node ends are moved into the
// node namespace and configured from the node interfaces; switch ends are
// attached to the bridge.
func (e *Emulator) CreateLink(ctx context.Context, link topology.Link) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.links.CreateVeth(link.A.Interface, link.B.Interface); err != nil {
		return fmt.Errorf("veth %s-%s: %w", link.A.Interface, link.B.Interface, err)
	}
	for _, end := range []topology.LinkEnd{link.A, link.B} {
		if err := e.attach(end); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emulator) attach(end topology.LinkEnd) error {
	if e.switches[end.Node] {
		if err := e.links.SetUp(end.Interface); err != nil {
			return fmt.Errorf("link up %s: %w", end.Interface, err)
		}
		if err := e.vswitch.VSwitch.AddPort(end.Node, end.Interface); err != nil {
			return fmt.Errorf("add port %s to %s: %w", end.Interface, end.Node, err)
		}
		return nil
	}

	n, ok := e.nodes[end.Node]
	if !ok {
		return fmt.Errorf("native: node %s not found", end.Node)
	}
	iface, ok := n.spec.Interface(end.Interface)
	if !ok {
		return fmt.Errorf("native: %s has no interface %s", end.Node, end.Interface)
	}
	if err := e.links.MoveAndConfigure(n.netns, iface); err != nil {
		return fmt.Errorf("configure %s:%s: %w", end.Node, end.Interface, err)
	}
	return nil
}

// DeleteLink detaches the switch ends of link from their bridges and
// deletes the veth pair.
func (e *Emulator) DeleteLink(ctx context.Context, link topology.Link) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, end := range []topology.LinkEnd{link.A, link.B} {
		if !e.switches[end.Node] {
			continue
		}
		if err := e.vswitch.VSwitch.DeletePort(end.Node, end.Interface); err != nil {
			return fmt.Errorf("delete port %s from %s: %w", end.Interface, end.Node, err)
		}
	}
	for _, name := range []string{link.A.Interface, link.B.Interface} {
		if err := e.links.DeleteVeth(name); err != nil {
			return fmt.Errorf("delete veth %s: %w", name, err)
		}
	}
	return nil
}

// DeleteNode removes the container or namespace of a node.
func (e *Emulator) DeleteNode(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.nodes[id]
	if !ok {
		return nil
	}
	if n.container != "" {
		if err := e.containers.Remove(ctx, n.container); err != nil {
			return fmt.Errorf("remove container %s: %w", id, err)
		}
	}
	if n.named != "" {
		if err := e.links.DeleteNamespace(n.named); err != nil {
			return fmt.Errorf("delete netns %s: %w", n.named, err)
		}
	}
	delete(e.nodes, id)
	e.order = slices.DeleteFunc(e.order, func(s string) bool { return s == id })
	return nil
}

// StartNode runs the post-start commands of an image-based node.
func (e *Emulator) StartNode(ctx context.Context, id string) error {
	e.mu.Lock()
	n, ok := e.nodes[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("native: node %s not found", id)
	}
	return e.startNode(ctx, n)
}

func (e *Emulator) startNode(ctx context.Context, n *node) error {
	if n.started {
		return nil
	}
	n.started = true
	if n.spec.Image == nil {
		return nil
	}
	for _, cmd := range n.spec.Image.PostStartCommands {
		res, err := e.execute(ctx, n, cmd)
		if err != nil {
			return fmt.Errorf("post start %s: %w", n.spec.Id, err)
		}
		if !res.Ok() {
			log.Printf("[*] post start command on %s exited %d: %s", n.spec.Id, res.ExitCode, res.Stderr)
		}
	}
	log.Printf("[*] node %s started from %s", n.spec.Id, n.spec.Image.BaseImage)
	return nil
}

func (e *Emulator) Start(ctx context.Context) error {
	e.mu.Lock()
	nodes := make([]*node, 0, len(e.order))
	for _, id := range e.order {
		nodes = append(nodes, e.nodes[id])
	}
	e.mu.Unlock()

	for _, n := range nodes {
		if err := e.startNode(ctx, n); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	log.Printf("[*] native: %d nodes and %d switches running", len(nodes), len(e.bridges))
	return nil
}

// Stop removes every container, namespace and bridge. It keeps going on
// failure and returns the first error.
func (e *Emulator) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, id := range slices.Backward(e.order) {
		n := e.nodes[id]
		if n.container != "" {
			keep(e.containers.Remove(ctx, n.container))
		}
		if n.named != "" {
			keep(e.links.DeleteNamespace(n.named))
		}
	}
	for _, br := range e.bridges {
		keep(e.vswitch.VSwitch.DeleteBridge(br))
	}

	e.nodes = map[string]*node{}
	e.order = nil
	e.switches = map[string]bool{}
	e.bridges = nil
	e.running = false
	return first
}

func (e *Emulator) HasNode(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exists(id)
}

func (e *Emulator) exists(id string) bool {
	_, n := e.nodes[id]
	return n || e.switches[id]
}

// Execute runs command through sh inside the node.
func (e *Emulator) Execute(ctx context.Context, nodeId string, command string) (channel.Result, error) {
	e.mu.Lock()
	n, ok := e.nodes[nodeId]
	e.mu.Unlock()
	if !ok {
		return channel.Result{ExitCode: -1}, fmt.Errorf("native: node %s not found", nodeId)
	}
	return e.execute(ctx, n, command)
}

func (e *Emulator) execute(ctx context.Context, n *node, command string) (channel.Result, error) {
	if n.container != "" {
		return e.containers.Exec(ctx, n.container, command)
	}
	c := e.commandFactory.CommandContext(ctx, "ip", "netns", "exec", n.named, "sh", "-c", command)
	return utils.Capture(c)
}

// ExecuteSwitch runs ovs-ofctl with args pinned to OpenFlow13.
func (e *Emulator) ExecuteSwitch(ctx context.Context, switchId string, args []string) (channel.Result, error) {
	e.mu.Lock()
	ok := e.switches[switchId]
	e.mu.Unlock()
	if !ok {
		return channel.Result{ExitCode: -1}, fmt.Errorf("native: switch %s not found", switchId)
	}
	c := e.commandFactory.CommandContext(ctx, "ovs-ofctl", channel.PinOpenFlow(args)...)
	return utils.Capture(c)
}
