package flow

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// statistics fields dump-flows prints before the match
var statFields = map[string]bool{
	"cookie": true, "duration": true, "table": true, "n_packets": true, "n_bytes": true,
	"idle_age": true, "hard_age": true, "idle_timeout": true, "hard_timeout": true,
	"reset_counts": true, "send_flow_rem": true,
}

// ParseFlowTable parses "ovs-ofctl dump-flows" output into entries.
func ParseFlowTable(dump string) ([]InstalledFlow, error) {
	var flows []InstalledFlow
	for _, line := range strings.Split(dump, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "OFPST_FLOW") || strings.HasPrefix(line, "NXST_FLOW") {
			continue
		}
		f, err := parseFlowLine(line)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func parseFlowLine(line string) (InstalledFlow, error) {
	head, actions, ok := strings.Cut(line, " actions=")
	if !ok {
		head, actions, ok = strings.Cut(line, "actions=")
	}
	if !ok {
		return InstalledFlow{}, fmt.Errorf("parse flow %q: no actions", line)
	}

	f := InstalledFlow{Priority: 32768, Actions: strings.TrimSpace(actions), Raw: line}
	for _, tok := range strings.Split(head, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		k, v, hasValue := strings.Cut(tok, "=")
		if !hasValue {
			switch k {
			case "ip", "tcp", "udp", "icmp":
				f.Protocol = k
			}
			continue
		}
		if statFields[k] {
			continue
		}

		var err error
		switch k {
		case "priority":
			f.Priority, err = strconv.Atoi(v)
		case "nw_src":
			f.Source, err = dumpCidr(v)
		case "nw_dst":
			f.Destination, err = dumpCidr(v)
		case "tp_src":
			f.SourcePort, err = strconv.Atoi(v)
		case "tp_dst":
			f.DestPort, err = strconv.Atoi(v)
		}
		if err != nil {
			return InstalledFlow{}, fmt.Errorf("parse flow %q: %s: %w", line, k, err)
		}
	}
	return f, nil
}

// dumpCidr turns "10.0.1.1" into "10.0.1.1/32"; prefixes pass through.
func dumpCidr(s string) (string, error) {
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.PrefixFrom(a, a.BitLen()).String(), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return "", err
	}
	return p.Masked().String(), nil
}
