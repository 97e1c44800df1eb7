package gateway

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"sdnlab/internal/core/packet"
	"sdnlab/internal/errdefs"
)

// Ruleset is the structured form of everything ResetBaseline installs plus
// the operator rules. It is what the gateway is expected to hold.
type Ruleset struct {
	Internal string
	External string
	Policies map[string]string
	Chains   []string
	Rules    map[string][]Rule
	Nat      []Rule
}

// Baseline returns the fixed gateway rule set for the given interfaces.
//
// FORWARD jumps to FW-USER before any accept rule, so operator deny rules
// are always reachable. NAT logs before MASQUERADE, which is terminal.
func Baseline(internal, external string) Ruleset {
	return Ruleset{
		Internal: internal,
		External: external,
		Policies: map[string]string{
			ChainInput:   TargetAccept,
			ChainForward: TargetDrop,
			ChainOutput:  TargetAccept,
		},
		Chains: []string{ChainUser, ChainLogDrop, ChainLogging},
		Rules: map[string][]Rule{
			ChainForward: {
				{Table: TableFilter, Chain: ChainForward, Target: ChainUser},
				{Table: TableFilter, Chain: ChainForward, Target: TargetAccept, Model: RuleModel{
					InputDev: internal, OutputDev: external, Conntrack: true, Ctstate: []string{"NEW"},
				}},
				{Table: TableFilter, Chain: ChainForward, Target: TargetAccept, Model: RuleModel{
					InputDev: external, OutputDev: internal, Conntrack: true, Ctstate: []string{"ESTABLISHED", "RELATED"},
				}},
				{Table: TableFilter, Chain: ChainForward, Target: ChainLogDrop, Model: RuleModel{
					InputDev: external, OutputDev: internal,
				}},
				{Table: TableFilter, Chain: ChainForward, Target: ChainLogging},
			},
			ChainLogDrop: {
				{Table: TableFilter, Chain: ChainLogDrop, Target: TargetLog, Model: RuleModel{LogPrefix: PrefixDrop, LogLevel: LogLevelWarning}},
				{Table: TableFilter, Chain: ChainLogDrop, Target: TargetDrop},
			},
			ChainLogging: {
				{Table: TableFilter, Chain: ChainLogging, Target: TargetLog, Model: RuleModel{LogPrefix: PrefixForward, LogLevel: LogLevelWarning}},
				{Table: TableFilter, Chain: ChainLogging, Target: TargetAccept},
			},
		},
		Nat: []Rule{
			{Table: TableNat, Chain: ChainPostrouting, Target: TargetLog, Model: RuleModel{OutputDev: external, LogPrefix: PrefixNat}},
			{Table: TableNat, Chain: ChainPostrouting, Target: TargetMasquerade, Model: RuleModel{OutputDev: external}},
		},
	}
}

// WithUserRules returns a copy of rs with rules appended to FW-USER.
func (rs Ruleset) WithUserRules(rules []UserRule) Ruleset {
	c := rs
	c.Rules = map[string][]Rule{}
	for k, v := range rs.Rules {
		c.Rules[k] = slices.Clone(v)
	}
	for _, u := range rules {
		c.Rules[ChainUser] = append(c.Rules[ChainUser], u.Rule)
	}
	return c
}

// Trace walks p through FORWARD, first match wins, and through nat
// POSTROUTING when the packet is accepted.
func (rs Ruleset) Trace(p packet.Packet) TraceResult {
	var res TraceResult
	verdict, decided := rs.walk(ChainForward, p, &res, 0)
	if !decided {
		verdict = Verdict(rs.Policies[ChainForward])
		res.Steps = append(res.Steps, TraceStep{Chain: ChainForward, Index: 0, Rule: "-P FORWARD " + string(verdict)})
	}
	res.Verdict = verdict

	if verdict != VerdictAccept {
		return res
	}
	for i, r := range rs.Nat {
		if !r.Model.matches(p) {
			continue
		}
		res.Steps = append(res.Steps, TraceStep{Chain: ChainPostrouting, Index: i + 1, Rule: r.String()})
		if r.Target == TargetLog {
			res.Logs = append(res.Logs, r.Model.LogPrefix)
			continue
		}
		res.Masquerade = r.Target == TargetMasquerade
		break
	}
	return res
}

func (rs Ruleset) walk(chain string, p packet.Packet, res *TraceResult, depth int) (Verdict, bool) {
	if depth > len(rs.Rules) {
		return VerdictDrop, true
	}
	for i, r := range rs.Rules[chain] {
		if !r.Model.matches(p) {
			continue
		}
		res.Steps = append(res.Steps, TraceStep{Chain: chain, Index: i + 1, Rule: r.String()})
		switch r.Target {
		case TargetAccept:
			return VerdictAccept, true
		case TargetDrop:
			return VerdictDrop, true
		case TargetLog:
			res.Logs = append(res.Logs, r.Model.LogPrefix)
		case "":
		default:
			if v, ok := rs.walk(r.Target, p, res, depth+1); ok {
				return v, true
			}
		}
	}
	return "", false
}

func (m RuleModel) matches(p packet.Packet) bool {
	if m.InputDev != "" && m.InputDev != p.In {
		return false
	}
	if m.OutputDev != "" && m.OutputDev != p.Out {
		return false
	}
	if m.Source != "" && !prefixContains(m.Source, p.Src) {
		return false
	}
	if m.Destination != "" && !prefixContains(m.Destination, p.Dst) {
		return false
	}
	if m.Protocol != "" && m.Protocol != "all" && m.Protocol != p.Protocol {
		return false
	}
	if m.SourcePort > 0 && m.SourcePort != p.SrcPort {
		return false
	}
	if m.DestPort > 0 && m.DestPort != p.DstPort {
		return false
	}
	if len(m.Ctstate) > 0 && !slices.Contains(m.Ctstate, string(p.State)) {
		return false
	}
	return true
}

func prefixContains(s string, a netip.Addr) bool {
	p, err := netip.ParsePrefix(s)
	return err == nil && p.Contains(a)
}

// parseNetwork accepts an IPv4 address or CIDR and returns its canonical
// CIDR form. "any", "" and 0.0.0.0/0 return "".
func parseNetwork(field, s string) (string, error) {
	raw := strings.TrimSpace(s)
	if raw == "" || strings.EqualFold(raw, "any") || raw == "0.0.0.0/0" {
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

// ruleFor validates spec and builds the FW-USER rule for it.
func ruleFor(spec RuleSpec) (Rule, RuleSpec, error) {
	rule := Rule{Table: TableFilter, Chain: ChainUser, Target: TargetDrop}
	normalized := RuleSpec{Kind: spec.Kind}

	switch spec.Kind {
	case BlockSource:
		src, err := parseNetwork("source", spec.Source)
		if err != nil {
			return Rule{}, RuleSpec{}, err
		}
		if src == "" {
			return Rule{}, RuleSpec{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "source", spec.Source, "a source address is required")
		}
		rule.Model.Source = src
		normalized.Source = src
	case BlockDestination:
		dst, err := parseNetwork("destination", spec.Destination)
		if err != nil {
			return Rule{}, RuleSpec{}, err
		}
		if dst == "" {
			return Rule{}, RuleSpec{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "destination", spec.Destination, "a destination address is required")
		}
		rule.Model.Destination = dst
		normalized.Destination = dst
	case BlockDestinationPort:
		proto := strings.ToLower(strings.TrimSpace(spec.Protocol))
		if proto == "" {
			proto = "tcp"
		}
		if proto != "tcp" && proto != "udp" {
			return Rule{}, RuleSpec{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "protocol", spec.Protocol, "expected tcp or udp")
		}
		if spec.DestPort < 1 || spec.DestPort > 65535 {
			return Rule{}, RuleSpec{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "dport", fmt.Sprint(spec.DestPort), "expected 1-65535")
		}
		dst, err := parseNetwork("destination", spec.Destination)
		if err != nil {
			return Rule{}, RuleSpec{}, err
		}
		rule.Model.Protocol = proto
		rule.Model.DestPort = spec.DestPort
		rule.Model.Destination = dst
		normalized.Protocol = proto
		normalized.DestPort = spec.DestPort
		normalized.Destination = dst
	default:
		return Rule{}, RuleSpec{}, errdefs.Validation(errdefs.ErrInvalidRuleSpec, "kind", string(spec.Kind), "expected block_source, block_destination or block_destination_port")
	}
	return rule, normalized, nil
}
