package topology

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"slices"
	"strconv"
	"sync"

	"sdnlab/internal/channel"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/utils"
)

func NewNetwork(collab Collaborator) *Network {
	return &Network{
		id:     utils.NewUlid(),
		collab: collab,
		nodes:  map[string]*Node{},
	}
}

// Network is the live node registry of one emulated topology. It is the
// explicit context handed to every engine call.
type Network struct {
	mu      sync.RWMutex
	id      string
	collab  Collaborator
	nodes   map[string]*Node
	order   []string
	links   []Link
	started bool
}

func (n *Network) Id() string {
	return n.id
}

func (n *Network) NodeChannel() channel.NodeChannel {
	return n.collab
}

func (n *Network) SwitchChannel() channel.SwitchChannel {
	return n.collab
}

func (n *Network) Started() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

func (n *Network) AddSwitch(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkIdentity(id); err != nil {
		return err
	}
	n.register(&Node{Id: id, Kind: KindSwitch})
	return nil
}

// AddHost declares a host with one interface "<id>-eth0".
func (n *Network) AddHost(id, address, defaultRoute string) error {
	return n.addHost(id, address, defaultRoute, nil)
}

// AddImageHost declares a host that runs from an image.
func (n *Network) AddImageHost(id, address, defaultRoute string, image NodeImage) error {
	return n.addHost(id, address, defaultRoute, &image)
}

func (n *Network) addHost(id, address, defaultRoute string, image *NodeImage) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkIdentity(id); err != nil {
		return err
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}
	route, err := ParseRoute(defaultRoute)
	if err != nil {
		return err
	}
	if err := n.checkAddressFree(addr); err != nil {
		return err
	}

	n.register(&Node{
		Id:   id,
		Kind: KindHost,
		Interfaces: []Interface{{
			Node:         id,
			Name:         id + "-eth0",
			Address:      addr,
			DefaultRoute: route,
		}},
		Image: image,
	})
	return nil
}

// AddGateway declares a gateway with exactly two interfaces, one per subnet.
// Empty names default to "<id>-eth0" and "<id>-eth1"; empty roles default
// to internal for the first interface and external for the second.
func (n *Network) AddGateway(id string, a, b GatewayInterface, image *NodeImage) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkIdentity(id); err != nil {
		return err
	}

	node := &Node{Id: id, Kind: KindGateway, Image: image}
	defaults := []InterfaceRole{RoleInternal, RoleExternal}
	for i, gi := range []GatewayInterface{a, b} {
		addr, err := ParseAddress(gi.Address)
		if err != nil {
			return err
		}
		if err := n.checkAddressFree(addr); err != nil {
			return err
		}
		name := gi.Name
		if name == "" {
			name = id + "-eth" + strconv.Itoa(i)
		}
		role := gi.Role
		if role == "" {
			role = defaults[i]
		}
		node.Interfaces = append(node.Interfaces, Interface{
			Node:    id,
			Name:    name,
			Address: addr,
			Role:    role,
		})
	}

	ia, ib := node.Interfaces[0], node.Interfaces[1]
	if ia.Name == ib.Name {
		return errdefs.Conflict(errdefs.ErrDuplicateIdentity, ia.Name, "gateway interfaces must have distinct names")
	}
	if ia.Address.Addr() == ib.Address.Addr() {
		return errdefs.Conflict(errdefs.ErrAddressInUse, ia.Address.Addr().String(), "gateway interfaces must have distinct addresses")
	}
	if ia.Address.Masked() == ib.Address.Masked() {
		return errdefs.Validation(errdefs.ErrInvalidAddress, "address", ib.Address.String(), "gateway interfaces must be on distinct subnets")
	}
	if ia.Role == ib.Role {
		return errdefs.Validation(errdefs.ErrInvalidParameter, "role", string(ib.Role), "gateway needs one internal and one external interface")
	}

	n.register(node)
	return nil
}

// AddLink connects two endpoints. An empty interface on a switch allocates
// the next free port "<switch>-eth<N>"; on a host or gateway it picks the
// first interface not linked yet.
func (n *Network) AddLink(a, b LinkEnd) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.addLink(a, b)
	return err
}

func (n *Network) addLink(a, b LinkEnd) (Link, error) {
	if a.Node == b.Node {
		return Link{}, errdefs.Validation(errdefs.ErrInvalidIdentity, "link", a.Node, "a node cannot be linked to itself")
	}

	ends := []LinkEnd{a, b}
	for _, e := range ends {
		if _, ok := n.nodes[e.Node]; !ok {
			return Link{}, errdefs.NotFound(errdefs.ErrUnknownEndpoint, "node", e.Node)
		}
	}
	for i, e := range ends {
		resolved, err := n.resolveEnd(e)
		if err != nil {
			return Link{}, err
		}
		ends[i] = resolved
	}

	for _, e := range ends {
		node := n.nodes[e.Node]
		if node.Kind == KindSwitch {
			if _, ok := node.Interface(e.Interface); !ok {
				node.Interfaces = append(node.Interfaces, Interface{Node: node.Id, Name: e.Interface})
			}
		}
	}

	link := Link{A: ends[0], B: ends[1]}
	n.links = append(n.links, link)
	return link, nil
}

func (n *Network) resolveEnd(e LinkEnd) (LinkEnd, error) {
	node, ok := n.nodes[e.Node]
	if !ok {
		return LinkEnd{}, errdefs.NotFound(errdefs.ErrUnknownEndpoint, "node", e.Node)
	}

	if e.Interface == "" {
		if node.Kind == KindSwitch {
			e.Interface = n.nextPort(node)
			return e, nil
		}
		for _, i := range node.Interfaces {
			if !n.linked(node.Id, i.Name) {
				e.Interface = i.Name
				return e, nil
			}
		}
		return LinkEnd{}, errdefs.Conflict(errdefs.ErrDuplicateIdentity, node.Id, "every interface is already linked")
	}

	if _, ok := node.Interface(e.Interface); !ok && node.Kind != KindSwitch {
		return LinkEnd{}, errdefs.NotFound(errdefs.ErrUnknownEndpoint, "interface", e.Node+":"+e.Interface)
	}
	if n.linked(node.Id, e.Interface) {
		return LinkEnd{}, errdefs.Conflict(errdefs.ErrDuplicateIdentity, e.Interface, "interface already linked")
	}
	if _, ok := node.Interface(e.Interface); !ok && node.Kind == KindSwitch {
		if err := n.checkInterfaceName(e.Interface); err != nil {
			return LinkEnd{}, err
		}
	}
	return e, nil
}

func (n *Network) nextPort(sw *Node) string {
	for i := 1; ; i++ {
		name := sw.Id + "-eth" + strconv.Itoa(i)
		if _, ok := sw.Interface(name); !ok {
			return name
		}
	}
}

func (n *Network) linked(node, iface string) bool {
	for _, l := range n.links {
		if (l.A.Node == node && l.A.Interface == iface) || (l.B.Node == node && l.B.Interface == iface) {
			return true
		}
	}
	return false
}

// AddHostDynamic adds a host to a live network behind targetSwitch. The
// default route is the gateway address of the subnet containing address.
// On a running network the host and its link are created and started
// immediately; when that fails the registry is rolled back.
func (n *Network) AddHostDynamic(ctx context.Context, id, address, targetSwitch string) (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// 1. validate
	if err := ValidateId(id); err != nil {
		return Node{}, err
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return Node{}, err
	}
	sw, ok := n.nodes[targetSwitch]
	if !ok || sw.Kind != KindSwitch {
		return Node{}, errdefs.NotFound(errdefs.ErrSwitchNotFound, "switch", targetSwitch)
	}
	if err := n.checkIdentity(id); err != nil {
		return Node{}, err
	}
	if n.started && n.collab.HasNode(id) {
		return Node{}, errdefs.Conflict(errdefs.ErrDuplicateIdentity, id, "node already present in the emulator")
	}

	subnet, ok := n.subnetOf(addr.Addr())
	if !ok {
		return Node{}, errdefs.Validation(errdefs.ErrInvalidAddress, "address", address, "no gateway subnet contains this address")
	}
	if subnet.Switch != targetSwitch {
		return Node{}, errdefs.Validation(errdefs.ErrInvalidAddress, "address", address,
			fmt.Sprintf("subnet %s is served by %s, not %s", subnet.Prefix, subnet.Switch, targetSwitch))
	}
	if err := n.checkAddressFree(addr); err != nil {
		return Node{}, err
	}

	// 2. register
	node := &Node{
		Id:   id,
		Kind: KindHost,
		Interfaces: []Interface{{
			Node:         id,
			Name:         id + "-eth0",
			Address:      addr,
			DefaultRoute: subnet.Address,
		}},
	}
	n.register(node)
	link, err := n.addLink(LinkEnd{Node: id, Interface: id + "-eth0"}, LinkEnd{Node: targetSwitch})
	if err != nil {
		n.unregister(id, targetSwitch, "")
		return Node{}, err
	}

	if !n.started {
		return copyNode(node), nil
	}

	// 3. bring up
	if err := n.bringUp(ctx, *node, link); err != nil {
		n.unregister(id, targetSwitch, link.B.Interface)
		return Node{}, fmt.Errorf("add host %s: %w", id, err)
	}
	log.Printf("[*] host %s (%s) added to %s", id, addr, targetSwitch)
	return copyNode(node), nil
}

// bringUp creates node and link in the emulator. Once the node exists a
// failure removes both again, so the same host can be added on retry.
func (n *Network) bringUp(ctx context.Context, node Node, link Link) error {
	if err := n.collab.CreateNode(ctx, copyNode(&node)); err != nil {
		return err
	}
	err := n.collab.CreateLink(ctx, link)
	if err == nil {
		err = n.collab.StartNode(ctx, node.Id)
	}
	if err != nil {
		n.tearDown(context.WithoutCancel(ctx), node.Id, link)
		return err
	}
	return nil
}

func (n *Network) tearDown(ctx context.Context, id string, link Link) {
	if err := n.collab.DeleteLink(ctx, link); err != nil {
		log.Printf("[*] rollback: delete link %s-%s: %v", link.A.Interface, link.B.Interface, err)
	}
	if err := n.collab.DeleteNode(ctx, id); err != nil {
		log.Printf("[*] rollback: delete node %s: %v", id, err)
	}
}

// unregister drops node id, its links and the switch port allocated for it.
func (n *Network) unregister(id, sw, port string) {
	delete(n.nodes, id)
	n.order = slices.DeleteFunc(n.order, func(s string) bool { return s == id })
	n.links = slices.DeleteFunc(n.links, func(l Link) bool { return l.A.Node == id || l.B.Node == id })
	if s, ok := n.nodes[sw]; ok && port != "" {
		s.Interfaces = slices.DeleteFunc(s.Interfaces, func(i Interface) bool { return i.Name == port })
	}
}

// Validate checks the subnet invariants of the whole graph.
func (n *Network) Validate() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.validate()
}

func (n *Network) validate() error {
	subnets := map[netip.Prefix]Subnet{}
	for _, id := range n.order {
		node := n.nodes[id]
		if node.Kind != KindGateway {
			continue
		}
		for _, i := range node.Interfaces {
			sw, ok := n.switchOf(node.Id, i.Name)
			if !ok {
				return errdefs.Validation(errdefs.ErrInvalidAddress, "interface", node.Id+":"+i.Name, "gateway interface is not linked to a switch")
			}
			p := i.Address.Masked()
			if prev, dup := subnets[p]; dup {
				return errdefs.Validation(errdefs.ErrInvalidAddress, "address", i.Address.String(),
					fmt.Sprintf("subnet %s is already declared by %s:%s", p, prev.Gateway, prev.Interface))
			}
			for _, s := range subnets {
				if s.Switch == sw {
					return errdefs.Validation(errdefs.ErrInvalidAddress, "switch", sw,
						fmt.Sprintf("switch serves both %s and %s", s.Prefix, p))
				}
			}
			subnets[p] = Subnet{Prefix: p, Gateway: node.Id, Interface: i.Name, Address: i.Address.Addr(), Switch: sw}
		}
	}

	for _, id := range n.order {
		node := n.nodes[id]
		if node.Kind != KindHost {
			continue
		}
		for _, i := range node.Interfaces {
			s, ok := subnets[i.Address.Masked()]
			if !ok {
				return errdefs.Validation(errdefs.ErrInvalidAddress, "address", i.Address.String(),
					fmt.Sprintf("host %s is outside every gateway subnet", node.Id))
			}
			if i.DefaultRoute != s.Address {
				return errdefs.Validation(errdefs.ErrInvalidAddress, "default_route", i.DefaultRoute.String(),
					fmt.Sprintf("host %s must route via %s", node.Id, s.Address))
			}
			sw, ok := n.switchOf(node.Id, i.Name)
			if !ok || sw != s.Switch {
				return errdefs.Validation(errdefs.ErrInvalidAddress, "address", i.Address.String(),
					fmt.Sprintf("host %s must be linked to %s", node.Id, s.Switch))
			}
		}
	}
	return nil
}

// Start validates the graph, then creates every switch, node and link
// through the collaborator and starts the emulation.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return nil
	}
	if err := n.validate(); err != nil {
		return err
	}

	// 1. switches
	for _, id := range n.order {
		if node := n.nodes[id]; node.Kind == KindSwitch {
			if err := n.collab.CreateSwitch(ctx, id); err != nil {
				return fmt.Errorf("create switch %s: %w", id, err)
			}
		}
	}
	// 2. nodes
	for _, id := range n.order {
		if node := n.nodes[id]; node.Kind != KindSwitch {
			if err := n.collab.CreateNode(ctx, copyNode(node)); err != nil {
				return fmt.Errorf("create node %s: %w", id, err)
			}
		}
	}
	// 3. links
	for _, l := range n.links {
		if err := n.collab.CreateLink(ctx, l); err != nil {
			return fmt.Errorf("create link %s:%s-%s:%s: %w", l.A.Node, l.A.Interface, l.B.Node, l.B.Interface, err)
		}
	}
	// 4. start
	if err := n.collab.Start(ctx); err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	n.started = true
	log.Printf("[*] network %s started: %d nodes, %d links", n.id, len(n.order), len(n.links))
	return nil
}

func (n *Network) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil
	}
	if err := n.collab.Stop(ctx); err != nil {
		return fmt.Errorf("stop network: %w", err)
	}
	n.started = false
	log.Printf("[*] network %s stopped", n.id)
	return nil
}

func (n *Network) Node(id string) (Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[id]
	if !ok {
		return Node{}, false
	}
	return copyNode(node), true
}

func (n *Network) Nodes() []Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	nodes := make([]Node, 0, len(n.order))
	for _, id := range n.order {
		nodes = append(nodes, copyNode(n.nodes[id]))
	}
	return nodes
}

func (n *Network) Links() []Link {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.links)
}

func (n *Network) Switch(id string) (Node, error) {
	return n.nodeOfKind(id, KindSwitch, errdefs.ErrSwitchNotFound)
}

func (n *Network) Gateway(id string) (Node, error) {
	return n.nodeOfKind(id, KindGateway, errdefs.ErrGatewayNotFound)
}

func (n *Network) HostByName(id string) (Node, error) {
	return n.nodeOfKind(id, KindHost, errdefs.ErrNodeNotFound)
}

func (n *Network) nodeOfKind(id string, kind NodeKind, reason error) (Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[id]
	if !ok || node.Kind != kind {
		return Node{}, errdefs.NotFound(reason, string(kind), id)
	}
	return copyNode(node), nil
}

// GatewayInterfaces returns the internal and external interface of gw.
func (n *Network) GatewayInterfaces(gw string) (Interface, Interface, error) {
	node, err := n.Gateway(gw)
	if err != nil {
		return Interface{}, Interface{}, err
	}
	var internal, external Interface
	for _, i := range node.Interfaces {
		switch i.Role {
		case RoleInternal:
			internal = i
		case RoleExternal:
			external = i
		}
	}
	return internal, external, nil
}

func (n *Network) Subnets() []Subnet {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.subnets()
}

func (n *Network) subnets() []Subnet {
	var subnets []Subnet
	for _, id := range n.order {
		node := n.nodes[id]
		if node.Kind != KindGateway {
			continue
		}
		for _, i := range node.Interfaces {
			sw, _ := n.switchOf(node.Id, i.Name)
			subnets = append(subnets, Subnet{
				Prefix:    i.Address.Masked(),
				Gateway:   node.Id,
				Interface: i.Name,
				Address:   i.Address.Addr(),
				Switch:    sw,
			})
		}
	}
	return subnets
}

func (n *Network) subnetOf(addr netip.Addr) (Subnet, bool) {
	for _, s := range n.subnets() {
		if s.Prefix.Contains(addr) {
			return s, true
		}
	}
	return Subnet{}, false
}

// switchOf returns the switch at the other end of node:iface.
func (n *Network) switchOf(node, iface string) (string, bool) {
	for _, l := range n.links {
		var peer LinkEnd
		switch {
		case l.A.Node == node && l.A.Interface == iface:
			peer = l.B
		case l.B.Node == node && l.B.Interface == iface:
			peer = l.A
		default:
			continue
		}
		if p, ok := n.nodes[peer.Node]; ok && p.Kind == KindSwitch {
			return p.Id, true
		}
	}
	return "", false
}

func (n *Network) checkIdentity(id string) error {
	if err := ValidateId(id); err != nil {
		return err
	}
	if _, ok := n.nodes[id]; ok {
		return errdefs.Conflict(errdefs.ErrDuplicateIdentity, id, "")
	}
	return nil
}

func (n *Network) checkAddressFree(p netip.Prefix) error {
	for _, id := range n.order {
		for _, i := range n.nodes[id].Interfaces {
			if i.Address.IsValid() && i.Address.Addr() == p.Addr() {
				return errdefs.Conflict(errdefs.ErrAddressInUse, p.Addr().String(), "assigned to "+id+":"+i.Name)
			}
		}
	}
	return nil
}

func (n *Network) checkInterfaceName(name string) error {
	for _, id := range n.order {
		if _, ok := n.nodes[id].Interface(name); ok {
			return errdefs.Conflict(errdefs.ErrDuplicateIdentity, name, "interface name used by "+id)
		}
	}
	return nil
}

func (n *Network) register(node *Node) {
	n.nodes[node.Id] = node
	n.order = append(n.order, node.Id)
}

func copyNode(node *Node) Node {
	c := *node
	c.Interfaces = slices.Clone(node.Interfaces)
	if node.Image != nil {
		img := *node.Image
		img.PostStartCommands = slices.Clone(node.Image.PostStartCommands)
		c.Image = &img
	}
	return c
}
