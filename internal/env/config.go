package env

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"

	"gopkg.in/yaml.v3"

	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
	"sdnlab/internal/utils"
)

const (
	DriverNative = "native"
	DriverMemory = "memory"

	DefaultGateway = "r1"
)

type Config struct {
	Driver    string         `yaml:"driver"`
	Gateway   string         `yaml:"gateway"`
	KernelLog string         `yaml:"kernel_log"`
	AuditLog  string         `yaml:"audit_log"`
	Api       ApiConfig      `yaml:"api"`
	Topology  TopologyConfig `yaml:"topology"`
}

type ApiConfig struct {
	// Listen is the address of the management API. Empty disables it.
	Listen string `yaml:"listen"`
}

type TopologyConfig struct {
	Switches []string        `yaml:"switches"`
	Gateways []GatewayConfig `yaml:"gateways"`
	Hosts    []HostConfig    `yaml:"hosts"`
}

type GatewayConfig struct {
	Name       string                   `yaml:"name"`
	Interfaces []GatewayInterfaceConfig `yaml:"interfaces"`
	Image      *topology.NodeImage      `yaml:"image"`
}

type GatewayInterfaceConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Switch  string `yaml:"switch"`
	Role    string `yaml:"role"`
}

type HostConfig struct {
	Name         string              `yaml:"name"`
	Address      string              `yaml:"address"`
	Switch       string              `yaml:"switch"`
	DefaultRoute string              `yaml:"default_route"`
	Image        *topology.NodeImage `yaml:"image"`
}

// GatewayPackages are installed on an alpine gateway once it runs.
var GatewayPackages = []string{
	"apk update",
	"apk add --no-cache iptables curl tcpdump conntrack-tools traceroute",
}

// DefaultConfig is the two-subnet lab: s1 serves 10.0.1.0/24, s2 serves
// 10.0.2.0/24 and r1 routes between them.
func DefaultConfig() Config {
	cfg := Config{
		Driver:    DriverNative,
		Gateway:   DefaultGateway,
		KernelLog: utils.KernelLogPath,
		AuditLog:  utils.AuditLogPath,
		Topology: TopologyConfig{
			Switches: []string{"s1", "s2"},
			Gateways: []GatewayConfig{{
				Name: DefaultGateway,
				Interfaces: []GatewayInterfaceConfig{
					{Name: "r1-eth0", Address: "10.0.1.254/24", Switch: "s1", Role: string(topology.RoleInternal)},
					{Name: "r1-eth1", Address: "10.0.2.254/24", Switch: "s2", Role: string(topology.RoleExternal)},
				},
				Image: &topology.NodeImage{
					BaseImage:         "alpine",
					PostStartCommands: slices.Clone(GatewayPackages),
				},
			}},
		},
	}

	s1 := [][2]string{
		{"h1", "10.0.1.1"}, {"h2", "10.0.1.2"}, {"h6", "10.0.1.3"},
		{"h10", "10.0.1.4"}, {"h11", "10.0.1.5"}, {"h12", "10.0.1.6"},
		{"h9", "10.0.1.7"},
	}
	s2 := [][2]string{
		{"h3", "10.0.2.1"}, {"h4", "10.0.2.2"}, {"h5", "10.0.2.3"},
		{"h7", "10.0.2.4"}, {"h8", "10.0.2.5"},
	}
	for _, h := range s1 {
		cfg.Topology.Hosts = append(cfg.Topology.Hosts, HostConfig{Name: h[0], Address: h[1] + "/24", Switch: "s1", DefaultRoute: "via 10.0.1.254"})
	}
	for _, h := range s2 {
		cfg.Topology.Hosts = append(cfg.Topology.Hosts, HostConfig{Name: h[0], Address: h[1] + "/24", Switch: "s2", DefaultRoute: "via 10.0.2.254"})
	}
	return cfg
}

// ConfigPath returns the first command line argument, or the default path.
func ConfigPath(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return utils.DefaultConfigPath
}

// LoadConfig reads and validates the file at path. A missing file yields
// the default lab.
func LoadConfig(fs utils.FilesystemHandler, path string) (Config, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		if fs.IsNotExist(err) {
			log.Printf("[*] no config at %s, using the default lab", path)
			cfg := DefaultConfig()
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML onto the defaults of every scalar field. The
// topology is taken from the document when it declares any switch.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errdefs.Validation(errdefs.ErrInvalidParameter, "config", "", err.Error())
	}

	def := DefaultConfig()
	if cfg.Driver == "" {
		cfg.Driver = def.Driver
	}
	if cfg.Gateway == "" {
		cfg.Gateway = def.Gateway
	}
	if cfg.KernelLog == "" {
		cfg.KernelLog = def.KernelLog
	}
	if cfg.AuditLog == "" {
		cfg.AuditLog = def.AuditLog
	}
	if len(cfg.Topology.Switches) == 0 {
		cfg.Topology = def.Topology
	}
	return cfg, cfg.Validate()
}

// Validate checks the references between the declared elements. Addresses
// and names are checked again by the topology while it is built.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverNative, DriverMemory:
	default:
		return errdefs.Validation(errdefs.ErrInvalidParameter, "driver", c.Driver, "expected native or memory")
	}

	switches := map[string]bool{}
	for _, s := range c.Topology.Switches {
		if err := topology.ValidateId(s); err != nil {
			return err
		}
		if switches[s] {
			return errdefs.Conflict(errdefs.ErrDuplicateIdentity, s, "switch declared twice")
		}
		switches[s] = true
	}

	found := false
	for _, gw := range c.Topology.Gateways {
		if len(gw.Interfaces) != 2 {
			return errdefs.Validation(errdefs.ErrInvalidParameter, "interfaces", gw.Name, "a gateway has exactly two interfaces")
		}
		for _, i := range gw.Interfaces {
			if !switches[i.Switch] {
				return errdefs.NotFound(errdefs.ErrSwitchNotFound, "switch", i.Switch)
			}
			switch topology.InterfaceRole(i.Role) {
			case "", topology.RoleInternal, topology.RoleExternal:
			default:
				return errdefs.Validation(errdefs.ErrInvalidParameter, "role", i.Role, "expected internal or external")
			}
		}
		if gw.Name == c.Gateway {
			found = true
		}
	}
	if !found {
		return errdefs.NotFound(errdefs.ErrGatewayNotFound, "gateway", c.Gateway)
	}

	for _, h := range c.Topology.Hosts {
		if !switches[h.Switch] {
			return errdefs.NotFound(errdefs.ErrSwitchNotFound, "switch", h.Switch)
		}
	}
	return nil
}

// BuildNetwork declares the configured topology on a new network driven
// by collab. The network is not started.
func BuildNetwork(c Config, collab topology.Collaborator) (*topology.Network, error) {
	n := topology.NewNetwork(collab)

	for _, s := range c.Topology.Switches {
		if err := n.AddSwitch(s); err != nil {
			return nil, err
		}
	}

	routes := map[string]string{}
	for _, gw := range c.Topology.Gateways {
		a, b := gw.Interfaces[0], gw.Interfaces[1]
		err := n.AddGateway(gw.Name,
			topology.GatewayInterface{Name: a.Name, Address: a.Address, Role: topology.InterfaceRole(a.Role)},
			topology.GatewayInterface{Name: b.Name, Address: b.Address, Role: topology.InterfaceRole(b.Role)},
			gw.Image)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", gw.Name, err)
		}
		node, _ := n.Node(gw.Name)
		for idx, i := range gw.Interfaces {
			iface := node.Interfaces[idx]
			if err := n.AddLink(topology.LinkEnd{Node: gw.Name, Interface: iface.Name}, topology.LinkEnd{Node: i.Switch}); err != nil {
				return nil, fmt.Errorf("gateway %s: %w", gw.Name, err)
			}
			if _, ok := routes[i.Switch]; !ok {
				routes[i.Switch] = "via " + iface.Address.Addr().String()
			}
		}
	}

	for _, h := range c.Topology.Hosts {
		route := h.DefaultRoute
		if route == "" {
			route = routes[h.Switch]
		}
		var err error
		if h.Image != nil {
			err = n.AddImageHost(h.Name, h.Address, route, *h.Image)
		} else {
			err = n.AddHost(h.Name, h.Address, route)
		}
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", h.Name, err)
		}
		if err := n.AddLink(topology.LinkEnd{Node: h.Name}, topology.LinkEnd{Node: h.Switch}); err != nil {
			return nil, fmt.Errorf("host %s: %w", h.Name, err)
		}
	}

	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}
