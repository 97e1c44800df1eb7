package packet

import (
	"fmt"
	"net/netip"
	"strings"
)

type State string

const (
	StateNew         State = "NEW"
	StateEstablished State = "ESTABLISHED"
	StateRelated     State = "RELATED"
	StateInvalid     State = "INVALID"
)

// Packet is the header view used to verify rule sets and flow tables.
type Packet struct {
	In       string     `json:"in,omitempty"`
	Out      string     `json:"out,omitempty"`
	Protocol string     `json:"protocol"`
	Src      netip.Addr `json:"src"`
	Dst      netip.Addr `json:"dst"`
	SrcPort  int        `json:"sport,omitempty"`
	DstPort  int        `json:"dport,omitempty"`
	State    State      `json:"state,omitempty"`
}

// Reply returns the packet travelling back on the same connection.
func (p Packet) Reply() Packet {
	return Packet{
		In:       p.Out,
		Out:      p.In,
		Protocol: p.Protocol,
		Src:      p.Dst,
		Dst:      p.Src,
		SrcPort:  p.DstPort,
		DstPort:  p.SrcPort,
		State:    StateEstablished,
	}
}

func (p Packet) String() string {
	s := fmt.Sprintf("%s %s", p.Protocol, p.Src)
	if p.SrcPort > 0 {
		s += fmt.Sprintf(":%d", p.SrcPort)
	}
	s += fmt.Sprintf(" > %s", p.Dst)
	if p.DstPort > 0 {
		s += fmt.Sprintf(":%d", p.DstPort)
	}
	if p.In != "" || p.Out != "" {
		s += fmt.Sprintf(" (%s -> %s)", p.In, p.Out)
	}
	if p.State != "" {
		s += " " + string(p.State)
	}
	return s
}

func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateNew, StateEstablished, StateRelated, StateInvalid:
		return st, nil
	case "":
		return StateNew, nil
	default:
		return "", fmt.Errorf("unknown conntrack state %q", s)
	}
}
