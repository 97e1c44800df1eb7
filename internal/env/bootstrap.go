package env

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"golang.org/x/sys/unix"

	"sdnlab/internal/core/gateway"
	"sdnlab/internal/emulator/memnet"
	"sdnlab/internal/emulator/native"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

// DriverFactory creates the emulation backend named by a config.
type DriverFactory func(ctx context.Context, driver string) (topology.Collaborator, error)

func NewBootstrapManager(cfg Config) *BootstrapManager {
	return &BootstrapManager{
		config:            cfg,
		filesystemHandler: utils.NewFilesystemExecutor(),
		gatewayHandler:    gateway.NewGatewayService(),
		newDriver:         defaultDriver,
		geteuid:           unix.Geteuid,
		hostOs:            utils.HostOs,
	}
}

type BootstrapManager struct {
	config            Config
	filesystemHandler utils.FilesystemHandler
	gatewayHandler    gateway.GatewayServiceHandler
	newDriver         DriverFactory
	geteuid           func() int
	hostOs            func() string
}

// Gateways returns the gateway engine the baseline was applied with.
func (m *BootstrapManager) Gateways() gateway.GatewayServiceHandler {
	return m.gatewayHandler
}

// Setup builds and starts the configured network and applies the gateway
// baseline.
func (m *BootstrapManager) Setup(ctx context.Context) (*topology.Network, error) {
	// 1. check the host
	if err := m.checkHost(); err != nil {
		return nil, err
	}

	// 2. create runtime directories
	if err := m.setupRuntimeDirectory(); err != nil {
		return nil, err
	}

	// 3. select driver
	collab, err := m.newDriver(ctx, m.config.Driver)
	if err != nil {
		return nil, fmt.Errorf("driver %s: %w", m.config.Driver, err)
	}

	// 4. build and start network
	net, err := BuildNetwork(m.config, collab)
	if err != nil {
		return nil, err
	}
	if err := net.Start(ctx); err != nil {
		return nil, err
	}

	// 5. prepare gateway
	if err := m.setupGateway(ctx, net); err != nil {
		if stopErr := net.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			log.Printf("[*] stop network %s: %v", net.Id(), stopErr)
		}
		return nil, err
	}

	log.Printf("[*] lab ready: driver=%s gateway=%s", m.config.Driver, m.config.Gateway)
	return net, nil
}

func (m *BootstrapManager) checkHost() error {
	if m.config.Driver != DriverNative {
		return nil
	}
	if goos := m.hostOs(); goos != "linux" {
		return errdefs.Validation(errdefs.ErrInvalidParameter, "driver", m.config.Driver, "the native driver requires linux, running on "+goos)
	}
	if m.geteuid() != 0 {
		return errdefs.Validation(errdefs.ErrInvalidParameter, "driver", m.config.Driver, "the native driver requires root, use driver: memory to rehearse")
	}
	return nil
}

func (m *BootstrapManager) setupRuntimeDirectory() error {
	dirs := []string{
		filepath.Dir(m.config.AuditLog),
	}
	if m.config.Driver == DriverNative {
		dirs = append(dirs, utils.NetnsRunDir)
	}
	for _, dir := range dirs {
		if err := m.filesystemHandler.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (m *BootstrapManager) setupGateway(ctx context.Context, net *topology.Network) error {
	gw := m.config.Gateway
	if err := m.gatewayHandler.PrepareGateway(ctx, net, gw); err != nil {
		return err
	}
	if err := m.gatewayHandler.Reset(ctx, net, gw); err != nil {
		return err
	}
	log.Printf("[*] baseline applied on %s", gw)
	return nil
}

func defaultDriver(ctx context.Context, driver string) (topology.Collaborator, error) {
	switch driver {
	case DriverMemory:
		return memnet.New(), nil
	case DriverNative:
		return native.New(ctx)
	default:
		return nil, errdefs.Validation(errdefs.ErrInvalidParameter, "driver", driver, "expected native or memory")
	}
}
