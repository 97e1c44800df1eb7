package env

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sdnlab/internal/core/gateway"
	"sdnlab/internal/emulator/memnet"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

func newTestManager(cfg Config, fs *fakeFilesystem) (*BootstrapManager, *memnet.Emulator) {
	emu := memnet.New()
	m := NewBootstrapManager(cfg)
	m.filesystemHandler = fs
	m.newDriver = func(ctx context.Context, driver string) (topology.Collaborator, error) {
		return emu, nil
	}
	m.geteuid = func() int { return 1000 }
	m.hostOs = func() string { return "linux" }
	return m, emu
}

func TestSetupMemoryDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = DriverMemory
	fs := &fakeFilesystem{}
	m, _ := newTestManager(cfg, fs)

	net, err := m.Setup(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !net.Started() {
		t.Fatalf("expected network to be started")
	}
	if len(fs.dirs) != 1 || fs.dirs[0] != utils.AuditLogDir {
		t.Fatalf("unexpected directories %v", fs.dirs)
	}

	out, err := m.Gateways().ShowRules(context.Background(), net, "r1", gateway.ChainForward, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "-A FORWARD -j FW-USER") {
		t.Fatalf("expected baseline in FORWARD, got:\n%s", out)
	}
}

func TestSetupNativeRequiresRoot(t *testing.T) {
	cases := []struct {
		name   string
		goos   string
		euid   int
		expect string
	}{
		{name: "not linux", goos: "darwin", euid: 0, expect: "requires linux"},
		{name: "not root", goos: "linux", euid: 1000, expect: "requires root"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeFilesystem{}
			m, _ := newTestManager(DefaultConfig(), fs)
			m.hostOs = func() string { return tc.goos }
			m.geteuid = func() int { return tc.euid }

			_, err := m.Setup(context.Background())
			if !errors.Is(err, errdefs.ErrInvalidParameter) {
				t.Fatalf("expected invalid parameter, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.expect) {
				t.Fatalf("expected %q in %q", tc.expect, err.Error())
			}
			if len(fs.dirs) != 0 {
				t.Fatalf("expected no directories, got %v", fs.dirs)
			}
		})
	}
}

func TestSetupNativeAsRoot(t *testing.T) {
	fs := &fakeFilesystem{}
	m, _ := newTestManager(DefaultConfig(), fs)
	m.geteuid = func() int { return 0 }

	if _, err := m.Setup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.dirs) != 2 || fs.dirs[1] != utils.NetnsRunDir {
		t.Fatalf("unexpected directories %v", fs.dirs)
	}
}

func TestSetupUnknownGateway(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = DriverMemory
	cfg.Gateway = "r2"
	m, emu := newTestManager(cfg, &fakeFilesystem{})

	if _, err := m.Setup(context.Background()); !errors.Is(err, errdefs.ErrGatewayNotFound) {
		t.Fatalf("expected gateway not found, got %v", err)
	}
	if emu.HasNode("r1") {
		t.Fatalf("expected the network to be stopped")
	}
}

func TestDefaultDriverRejectsUnknown(t *testing.T) {
	if _, err := defaultDriver(context.Background(), "kvm"); !errors.Is(err, errdefs.ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
	collab, err := defaultDriver(context.Background(), DriverMemory)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := collab.(*memnet.Emulator); !ok {
		t.Fatalf("expected memnet emulator, got %T", collab)
	}
}
