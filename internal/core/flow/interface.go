package flow

import (
	"context"

	"sdnlab/internal/channel"
	"sdnlab/internal/topology"
)

// Network is the part of a topology the flow engine needs.
type Network interface {
	Id() string
	Switch(id string) (topology.Node, error)
	SwitchChannel() channel.SwitchChannel
}

type FlowServiceHandler interface {
	AddBlockFlow(ctx context.Context, net Network, sw string, priority int, match Match, label string) (FlowRule, error)
	ListFlows(ctx context.Context, net Network, sw string) (string, error)
	InstalledFlows(ctx context.Context, net Network, sw string) ([]InstalledFlow, error)
	RemoveAllFlows(ctx context.Context, net Network, sw string) error
}
