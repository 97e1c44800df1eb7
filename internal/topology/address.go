package topology

import (
	"net/netip"
	"regexp"
	"strings"

	"sdnlab/internal/errdefs"
)

const SubnetBits = 24

// ids end up in interface names such as "h10-eth0", which the kernel caps
// at 15 bytes.
var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,9}$`)

func ValidateId(id string) error {
	if !idPattern.MatchString(id) {
		return errdefs.Validation(errdefs.ErrInvalidIdentity, "id", id, "expected a letter followed by up to 9 letters, digits or '_'")
	}
	return nil
}

// ParseAddress parses a host address such as "10.0.1.1/24" or "10.0.1.1".
// A missing prefix means /24; any other prefix length is rejected.
func ParseAddress(s string) (netip.Prefix, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return netip.Prefix{}, errdefs.Validation(errdefs.ErrInvalidAddress, "address", s, "empty")
	}
	if !strings.Contains(raw, "/") {
		raw += "/24"
	}

	p, err := netip.ParsePrefix(raw)
	if err != nil {
		return netip.Prefix{}, errdefs.Validation(errdefs.ErrInvalidAddress, "address", s, err.Error())
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, errdefs.Validation(errdefs.ErrInvalidAddress, "address", s, "ipv4 only")
	}
	if p.Bits() != SubnetBits {
		return netip.Prefix{}, errdefs.Validation(errdefs.ErrInvalidAddress, "address", s, "prefix must be /24")
	}

	last := p.Addr().As4()[3]
	if last == 0 || last == 255 {
		return netip.Prefix{}, errdefs.Validation(errdefs.ErrInvalidAddress, "address", s, "network or broadcast address")
	}
	return p, nil
}

// ParseRoute accepts "via 10.0.1.254" and "10.0.1.254". An empty string
// yields the zero Addr.
func ParseRoute(s string) (netip.Addr, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "via "))
	if raw == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(raw)
	if err != nil || !a.Is4() {
		return netip.Addr{}, errdefs.Validation(errdefs.ErrInvalidAddress, "default_route", s, "expected an ipv4 address")
	}
	return a, nil
}

// GatewayAddress is the conventional gateway address of a /24: host .254.
func GatewayAddress(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	b[3] = 254
	return netip.AddrFrom4(b)
}
