package probe

import (
	"context"

	"sdnlab/internal/channel"
	"sdnlab/internal/topology"
)

// Network is the part of a topology the probes need.
type Network interface {
	HostByName(id string) (topology.Node, error)
	NodeChannel() channel.NodeChannel
}

type ProbeServiceHandler interface {
	Ping(ctx context.Context, net Network, src, dst string, count int) (PingResult, error)
	Iperf(ctx context.Context, net Network, server, client string, duration int) (IperfResult, error)
}
