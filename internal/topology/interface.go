package topology

import (
	"context"

	"sdnlab/internal/channel"
)

// Collaborator is the emulation backend a Network drives.
type Collaborator interface {
	channel.NodeChannel
	channel.SwitchChannel

	CreateSwitch(ctx context.Context, id string) error
	CreateNode(ctx context.Context, node Node) error
	CreateLink(ctx context.Context, link Link) error
	StartNode(ctx context.Context, id string) error

	// DeleteLink and DeleteNode succeed when the link or node is already
	// gone, or was only partially created.
	DeleteLink(ctx context.Context, link Link) error
	DeleteNode(ctx context.Context, id string) error

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	HasNode(id string) bool
}
