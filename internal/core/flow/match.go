package flow

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/digitalocean/go-openvswitch/ovs"

	"sdnlab/internal/core/packet"
	"sdnlab/internal/errdefs"
)

const (
	MinPriority = 0
	MaxPriority = 65535

	DefaultProtocol = "tcp"
)

var protocols = map[string]ovs.Protocol{
	"ip":   ovs.ProtocolIPv4,
	"tcp":  ovs.ProtocolTCPv4,
	"udp":  ovs.ProtocolUDPv4,
	"icmp": ovs.ProtocolICMPv4,
}

// Normalize validates m and returns it in canonical form: lowercase
// protocol defaulting to tcp, addresses as masked CIDRs, wildcards empty.
func (m Match) Normalize() (Match, error) {
	n := Match{
		Protocol:   strings.ToLower(strings.TrimSpace(m.Protocol)),
		SourcePort: m.SourcePort,
		DestPort:   m.DestPort,
	}
	if n.Protocol == "" {
		n.Protocol = DefaultProtocol
	}
	if _, ok := protocols[n.Protocol]; !ok {
		return Match{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "protocol", m.Protocol, "expected ip, tcp, udp or icmp")
	}

	var err error
	if n.Source, err = canonicalCidr("source", m.Source); err != nil {
		return Match{}, err
	}
	if n.Destination, err = canonicalCidr("destination", m.Destination); err != nil {
		return Match{}, err
	}

	for field, port := range map[string]int{"sport": m.SourcePort, "dport": m.DestPort} {
		if port < 0 || port > 65535 {
			return Match{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, field, fmt.Sprint(port), "expected 0-65535")
		}
	}
	if (n.SourcePort > 0 || n.DestPort > 0) && n.Protocol != "tcp" && n.Protocol != "udp" {
		return Match{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "protocol", n.Protocol, "transport ports require tcp or udp")
	}
	return n, nil
}

func canonicalCidr(field, s string) (string, error) {
	raw := strings.TrimSpace(s)
	if raw == "" || strings.EqualFold(raw, "any") {
		return "", nil
	}
	if a, err := netip.ParseAddr(raw); err == nil && a.Is4() {
		return netip.PrefixFrom(a, 32).String(), nil
	}
	p, err := netip.ParsePrefix(raw)
	if err != nil || !p.Addr().Is4() {
		return "", errdefs.Validation(errdefs.ErrInvalidRuleSpec, field, s, "expected an ipv4 address or cidr")
	}
	return p.Masked().String(), nil
}

// ovsFlow builds the drop flow for a normalized match.
func ovsFlow(priority int, m Match) *ovs.Flow {
	var matches []ovs.Match
	if m.Source != "" {
		matches = append(matches, ovs.NetworkSource(m.Source))
	}
	if m.Destination != "" {
		matches = append(matches, ovs.NetworkDestination(m.Destination))
	}
	if m.SourcePort > 0 {
		matches = append(matches, ovs.TransportSourcePort(uint16(m.SourcePort)))
	}
	if m.DestPort > 0 {
		matches = append(matches, ovs.TransportDestinationPort(uint16(m.DestPort)))
	}
	return &ovs.Flow{
		Priority: priority,
		Protocol: protocols[m.Protocol],
		Matches:  matches,
		Actions:  []ovs.Action{ovs.Drop()},
	}
}

// Confirmed reports whether answer accepts a destructive prompt.
func Confirmed(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "s", "y", "yes", "sim":
		return true
	}
	return false
}

// Evaluate returns the highest-priority flow matching p. Among equal
// priorities the first listed wins.
func Evaluate(flows []InstalledFlow, p packet.Packet) (InstalledFlow, bool) {
	var (
		best  InstalledFlow
		found bool
	)
	for _, f := range flows {
		if !f.matches(p) {
			continue
		}
		if !found || f.Priority > best.Priority {
			best, found = f, true
		}
	}
	return best, found
}

func (f InstalledFlow) matches(p packet.Packet) bool {
	switch f.Protocol {
	case "", "ip":
	default:
		if f.Protocol != p.Protocol {
			return false
		}
	}
	if f.Source != "" && !contains(f.Source, p.Src) {
		return false
	}
	if f.Destination != "" && !contains(f.Destination, p.Dst) {
		return false
	}
	if f.SourcePort > 0 && f.SourcePort != p.SrcPort {
		return false
	}
	if f.DestPort > 0 && f.DestPort != p.DstPort {
		return false
	}
	return true
}

func contains(cidr string, a netip.Addr) bool {
	p, err := netip.ParsePrefix(cidr)
	return err == nil && p.Contains(a)
}
