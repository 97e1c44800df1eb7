package env

import (
	"errors"
	"os"
	"strings"
	"testing"

	"sdnlab/internal/emulator/memnet"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

type fakeFilesystem struct {
	files map[string][]byte
	dirs  []string
}

func (f *fakeFilesystem) MkdirAll(path string, perm os.FileMode) error {
	f.dirs = append(f.dirs, path)
	return nil
}

func (f *fakeFilesystem) ReadFile(name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (f *fakeFilesystem) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return nil, errors.New("not supported")
}

func (f *fakeFilesystem) Stat(name string) (os.FileInfo, error) {
	return nil, os.ErrNotExist
}

func (f *fakeFilesystem) IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func TestConfigPath(t *testing.T) {
	if got := ConfigPath(nil); got != utils.DefaultConfigPath {
		t.Fatalf("expected %q, got %q", utils.DefaultConfigPath, got)
	}
	if got := ConfigPath([]string{"lab.yaml"}); got != "lab.yaml" {
		t.Fatalf("expected %q, got %q", "lab.yaml", got)
	}
}

func TestLoadConfigMissingFileUsesDefaultLab(t *testing.T) {
	cfg, err := LoadConfig(&fakeFilesystem{}, "/etc/sdnlab/sdnlab.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Driver != DriverNative || cfg.Gateway != "r1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Topology.Hosts) != 12 {
		t.Fatalf("expected 12 hosts, got %d", len(cfg.Topology.Hosts))
	}
	if cfg.Topology.Gateways[0].Image.BaseImage != "alpine" {
		t.Fatalf("unexpected gateway image %+v", cfg.Topology.Gateways[0].Image)
	}
}

func TestParseConfig(t *testing.T) {
	doc := `
driver: memory
kernel_log: /tmp/kern.log
api:
  listen: 127.0.0.1:8080
topology:
  switches: [a1, a2]
  gateways:
    - name: gw
      interfaces:
        - {name: gw-in, address: 192.168.1.1/24, switch: a1, role: internal}
        - {name: gw-out, address: 192.168.2.1/24, switch: a2, role: external}
  hosts:
    - {name: web, address: 192.168.1.10/24, switch: a1}
    - {name: db, address: 192.168.2.10/24, switch: a2, default_route: via 192.168.2.1}
gateway: gw
`
	cfg, err := ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Driver != DriverMemory || cfg.Api.Listen != "127.0.0.1:8080" || cfg.KernelLog != "/tmp/kern.log" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.AuditLog != utils.AuditLogPath {
		t.Fatalf("expected default audit log, got %q", cfg.AuditLog)
	}

	n, err := BuildNetwork(cfg, memnet.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	web, err := n.HostByName("web")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := web.Interfaces[0].DefaultRoute.String(); got != "192.168.1.1" {
		t.Fatalf("expected derived route 192.168.1.1, got %s", got)
	}
	internal, external, err := n.GatewayInterfaces("gw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if internal.Name != "gw-in" || external.Name != "gw-out" {
		t.Fatalf("unexpected interfaces %s %s", internal.Name, external.Name)
	}
}

func TestParseConfigRejects(t *testing.T) {
	cases := []struct {
		name   string
		doc    string
		class  string
		expect string
	}{
		{name: "unknown field", doc: "drivr: memory\n", class: "ValidationError", expect: "drivr"},
		{name: "driver", doc: "driver: kvm\n", class: "ValidationError", expect: "expected native or memory"},
		{name: "gateway", doc: "gateway: r9\n", class: "NotFoundError", expect: "r9"},
		{
			name:   "host switch",
			doc:    "topology:\n  switches: [s1, s2]\n  gateways:\n    - name: r1\n      interfaces:\n        - {address: 10.0.1.254/24, switch: s1}\n        - {address: 10.0.2.254/24, switch: s2}\n  hosts:\n    - {name: h1, address: 10.0.1.1/24, switch: s3}\n",
			class:  "NotFoundError",
			expect: "s3",
		},
		{
			name:   "one interface",
			doc:    "topology:\n  switches: [s1]\n  gateways:\n    - name: r1\n      interfaces:\n        - {address: 10.0.1.254/24, switch: s1}\n",
			class:  "ValidationError",
			expect: "exactly two interfaces",
		},
		{
			name:   "duplicate switch",
			doc:    "topology:\n  switches: [s1, s1]\n",
			class:  "StateConflictError",
			expect: "s1",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := errdefs.Class(err); got != tc.class {
				t.Fatalf("expected %q, got %q (%v)", tc.class, got, err)
			}
			if !strings.Contains(err.Error(), tc.expect) {
				t.Fatalf("expected %q in %q", tc.expect, err.Error())
			}
		})
	}
}

func TestBuildNetworkDefaultLab(t *testing.T) {
	n, err := BuildNetwork(DefaultConfig(), memnet.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(n.Nodes()); got != 15 {
		t.Fatalf("expected 15 nodes, got %d", got)
	}
	subnets := n.Subnets()
	if len(subnets) != 2 || subnets[0].Switch != "s1" || subnets[1].Switch != "s2" {
		t.Fatalf("unexpected subnets %+v", subnets)
	}
	gw, err := n.Gateway("r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.Image == nil || len(gw.Image.PostStartCommands) != 2 {
		t.Fatalf("expected gateway image, got %+v", gw.Image)
	}
	h9, _ := n.HostByName("h9")
	if h9.Kind != topology.KindHost || h9.Interfaces[0].Address.String() != "10.0.1.7/24" {
		t.Fatalf("unexpected host %+v", h9)
	}
}

func TestBuildNetworkRejectsWrongRoute(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Topology.Hosts[0].DefaultRoute = "via 10.0.2.254"
	if _, err := BuildNetwork(cfg, memnet.New()); !errors.Is(err, errdefs.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}
