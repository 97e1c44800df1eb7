package memnet

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"sdnlab/internal/channel"
)

type ofFlow struct {
	priority  int
	protocol  string
	nwSrc     string
	nwDst     string
	tpSrc     string
	tpDst     string
	actions   string
	installed time.Time
}

// match renders the match part the way dump-flows prints it.
func (f ofFlow) match() string {
	parts := []string{"priority=" + strconv.Itoa(f.priority)}
	if f.protocol != "" {
		parts = append(parts, f.protocol)
	}
	for _, kv := range [][2]string{{"nw_src", f.nwSrc}, {"nw_dst", f.nwDst}, {"tp_src", f.tpSrc}, {"tp_dst", f.tpDst}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, ",")
}

type bridge struct {
	name  string
	flows []ofFlow
}

// newBridge starts with the NORMAL flow a standalone bridge gets.
func newBridge(name string, now time.Time) *bridge {
	return &bridge{
		name:  name,
		flows: []ofFlow{{priority: 0, actions: "NORMAL", installed: now}},
	}
}

func ofctlError(format string, a ...any) channel.Result {
	return channel.Result{Stderr: "ovs-ofctl: " + fmt.Sprintf(format, a...) + "\n", ExitCode: 1}
}

func (e *Emulator) ofctl(switchId string, argv []string) channel.Result {
	var (
		version string
		rest    []string
	)
	for i := 0; i < len(argv); i++ {
		switch {
		case argv[i] == "-O" && i+1 < len(argv):
			version = argv[i+1]
			i++
		case strings.HasPrefix(argv[i], "-"):
		default:
			rest = append(rest, argv[i])
		}
	}
	if len(rest) < 2 {
		return ofctlError("'%s' command requires at least 1 arguments", strings.Join(rest, " "))
	}

	cmd, name := rest[0], rest[1]
	if name != switchId {
		return ofctlError("%s is not the switch addressed by this channel", name)
	}
	br, ok := e.switches[name]
	if !ok {
		return ofctlError("%s is not a bridge or a socket", name)
	}
	if version != channel.OpenFlowVersion {
		return ofctlError("%s: failed to connect to socket (Broken pipe)\nversion negotiation failed (we support version 0x01, peer supports version 0x04)", name)
	}

	switch cmd {
	case "add-flow":
		if len(rest) != 3 {
			return ofctlError("'add-flow' command requires at least 2 arguments")
		}
		flow, res := parseFlow(rest[2])
		if res != nil {
			return *res
		}
		flow.installed = e.now()
		for i, f := range br.flows {
			if f.match() == flow.match() {
				br.flows[i] = flow
				return channel.Result{}
			}
		}
		br.flows = append(br.flows, flow)
		return channel.Result{}
	case "dump-flows":
		return channel.Result{Stdout: br.dump(e.now())}
	case "del-flows":
		if len(rest) > 2 {
			return ofctlError("del-flows with a match is not supported by this emulator")
		}
		br.flows = nil
		return channel.Result{}
	default:
		return ofctlError("unknown command '%s'; use --help for help", cmd)
	}
}

func (b *bridge) dump(now time.Time) string {
	flows := slices.Clone(b.flows)
	slices.SortStableFunc(flows, func(x, y ofFlow) int { return y.priority - x.priority })

	var sb strings.Builder
	for _, f := range flows {
		fmt.Fprintf(&sb, " cookie=0x0, duration=%.3fs, table=0, n_packets=0, n_bytes=0, %s actions=%s\n",
			now.Sub(f.installed).Seconds(), f.match(), f.actions)
	}
	return sb.String()
}

// parseFlow accepts the flow syntax produced by go-openvswitch and by
// hand, e.g. "priority=100,tcp,nw_src=10.0.1.1/32,tp_dst=80,actions=drop".
func parseFlow(text string) (ofFlow, *channel.Result) {
	fail := func(r channel.Result) (ofFlow, *channel.Result) { return ofFlow{}, &r }

	match, actions, ok := strings.Cut(text, "actions=")
	if !ok || strings.TrimSpace(actions) == "" {
		return fail(ofctlError("%s: must specify an action", text))
	}

	f := ofFlow{priority: 32768, actions: strings.TrimSpace(actions)}
	for _, tok := range strings.Split(match, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		k, v, hasValue := strings.Cut(tok, "=")
		if !hasValue {
			switch k {
			case "ip", "tcp", "udp", "icmp":
				f.protocol = k
				continue
			default:
				return fail(ofctlError("unknown keyword %s", k))
			}
		}

		switch k {
		case "priority":
			p, err := strconv.Atoi(v)
			if err != nil || p < 0 || p > 65535 {
				return fail(ofctlError("invalid priority \"%s\"", v))
			}
			f.priority = p
		case "nw_src", "nw_dst":
			addr, ok := canonicalFlowAddress(v)
			if !ok {
				return fail(ofctlError("%s: invalid IP address", v))
			}
			if k == "nw_src" {
				f.nwSrc = addr
			} else {
				f.nwDst = addr
			}
		case "tp_src", "tp_dst":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > 65535 {
				return fail(ofctlError("%s: could not convert to 16-bit integer", v))
			}
			if k == "tp_src" {
				f.tpSrc = v
			} else {
				f.tpDst = v
			}
		case "table", "idle_timeout", "hard_timeout", "cookie":
		default:
			return fail(ofctlError("unknown keyword %s", k))
		}
	}

	if f.protocol == "" && (f.nwSrc != "" || f.nwDst != "") {
		return fail(ofctlError("none of the usable flow formats (OpenFlow13) is among the allowed flow formats: nw_src and nw_dst require ip"))
	}
	if (f.tpSrc != "" || f.tpDst != "") && f.protocol != "tcp" && f.protocol != "udp" {
		return fail(ofctlError("none of the usable flow formats (OpenFlow13) is among the allowed flow formats: tp_src and tp_dst require tcp or udp"))
	}
	return f, nil
}

// canonicalFlowAddress drops a /32 suffix the way ovs-ofctl prints it.
func canonicalFlowAddress(s string) (string, bool) {
	if p, err := netip.ParsePrefix(s); err == nil && p.Addr().Is4() {
		if p.Bits() == 32 {
			return p.Addr().String(), true
		}
		return p.Masked().String(), true
	}
	if a, err := netip.ParseAddr(s); err == nil && a.Is4() {
		return a.String(), true
	}
	return "", false
}
