package gateway

import (
	"context"

	"sdnlab/internal/channel"
	"sdnlab/internal/core/packet"
	"sdnlab/internal/topology"
)

// Network is the part of a topology the gateway engine needs.
type Network interface {
	Id() string
	Gateway(id string) (topology.Node, error)
	GatewayInterfaces(id string) (topology.Interface, topology.Interface, error)
	NodeChannel() channel.NodeChannel
}

type GatewayServiceHandler interface {
	PrepareGateway(ctx context.Context, net Network, gw string) error
	ResetBaseline(ctx context.Context, net Network, gw, internalIf, externalIf string) error
	Reset(ctx context.Context, net Network, gw string) error
	AddRule(ctx context.Context, net Network, gw string, spec RuleSpec) (UserRule, error)
	ClearUserRules(ctx context.Context, net Network, gw string) error
	ShowRules(ctx context.Context, net Network, gw, chain string, verbose bool) (string, error)
	UserRules(net Network, gw string) []UserRule
	Trace(net Network, gw string, p packet.Packet) (TraceResult, error)
}

type IptablesHandler interface {
	Run(ctx context.Context, argv ...string) (channel.Result, error)
	CreateChain(ctx context.Context, table, chain string) error
	FlushChain(ctx context.Context, table, chain string) error
	DeleteChain(ctx context.Context, table, chain string) error
	SetPolicy(ctx context.Context, table, chain, target string) error
	ChainExists(ctx context.Context, table, chain string) (bool, error)
	RuleExists(ctx context.Context, rule Rule) (bool, error)
	AppendRule(ctx context.Context, rule Rule) error
	ListRules(ctx context.Context, table, chain string, verbose bool) (string, error)
}
