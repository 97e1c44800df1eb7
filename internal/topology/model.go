package topology

import (
	"net/netip"
)

type NodeKind string

const (
	KindHost    NodeKind = "host"
	KindSwitch  NodeKind = "switch"
	KindGateway NodeKind = "gateway"
)

type InterfaceRole string

const (
	RoleInternal InterfaceRole = "internal"
	RoleExternal InterfaceRole = "external"
)

// Interface is owned by exactly one node. Switch ports carry no address.
type Interface struct {
	Node         string        `json:"node"`
	Name         string        `json:"name"`
	Address      netip.Prefix  `json:"address"`
	DefaultRoute netip.Addr    `json:"default_route"`
	Role         InterfaceRole `json:"role,omitempty"`
}

// NodeImage describes an image-based node: the base image to run and the
// commands executed once after the node has started.
type NodeImage struct {
	BaseImage         string   `yaml:"base_image" json:"base_image"`
	PostStartCommands []string `yaml:"post_start" json:"post_start,omitempty"`
}

type Node struct {
	Id         string      `json:"id"`
	Kind       NodeKind    `json:"kind"`
	Interfaces []Interface `json:"interfaces"`
	Image      *NodeImage  `json:"image,omitempty"`
}

// Address returns the first assigned address of the node.
func (n Node) Address() (netip.Addr, bool) {
	for _, i := range n.Interfaces {
		if i.Address.IsValid() {
			return i.Address.Addr(), true
		}
	}
	return netip.Addr{}, false
}

func (n Node) Interface(name string) (Interface, bool) {
	for _, i := range n.Interfaces {
		if i.Name == name {
			return i, true
		}
	}
	return Interface{}, false
}

type LinkEnd struct {
	Node      string `json:"node"`
	Interface string `json:"interface"`
}

// Link is an unordered pair of endpoints.
type Link struct {
	A LinkEnd `json:"a"`
	B LinkEnd `json:"b"`
}

// Peer returns the end opposite to node, if node is part of the link.
func (l Link) Peer(node string) (LinkEnd, bool) {
	switch node {
	case l.A.Node:
		return l.B, true
	case l.B.Node:
		return l.A, true
	}
	return LinkEnd{}, false
}

// Subnet is a /24 declared by a gateway interface and served by one switch.
type Subnet struct {
	Prefix    netip.Prefix `json:"prefix"`
	Gateway   string       `json:"gateway"`
	Interface string       `json:"interface"`
	Address   netip.Addr   `json:"address"`
	Switch    string       `json:"switch"`
}

// GatewayInterface is the declaration of one side of a gateway.
type GatewayInterface struct {
	Name    string
	Address string
	Role    InterfaceRole
}
