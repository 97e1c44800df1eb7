package gateway

import (
	"strings"
	"testing"
)

func TestRuleCommand(t *testing.T) {
	cases := []struct {
		name   string
		rule   Rule
		expect string
	}{
		{
			name:   "log with prefix",
			rule:   Rule{Table: TableFilter, Chain: ChainLogging, Target: TargetLog, Model: RuleModel{LogPrefix: PrefixForward, LogLevel: LogLevelWarning}},
			expect: "iptables -A LOGGING -j LOG --log-prefix 'FORWARD: ' --log-level 4",
		},
		{
			name:   "nat table",
			rule:   Rule{Table: TableNat, Chain: ChainPostrouting, Target: TargetMasquerade, Model: RuleModel{OutputDev: "r1-eth1"}},
			expect: "iptables -t nat -A POSTROUTING -o r1-eth1 -j MASQUERADE",
		},
		{
			name:   "port block",
			rule:   Rule{Table: TableFilter, Chain: ChainUser, Target: TargetDrop, Model: RuleModel{Protocol: "tcp", DestPort: 80, Destination: "10.0.2.1/32"}},
			expect: "iptables -A FW-USER -d 10.0.2.1/32 -p tcp -m tcp --dport 80 -j DROP",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.Command(); got != tc.expect {
				t.Fatalf("expected %q, got %q", tc.expect, got)
			}
		})
	}
}

func TestRuleForNormalizes(t *testing.T) {
	rule, spec, err := ruleFor(RuleSpec{Kind: BlockDestinationPort, Protocol: "UDP", DestPort: 53, Destination: "0.0.0.0/0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Protocol != "udp" || spec.Destination != "" {
		t.Fatalf("unexpected normalized spec %+v", spec)
	}
	if got := strings.Join(rule.Spec(), " "); got != "-p udp -m udp --dport 53 -j DROP" {
		t.Fatalf("unexpected spec %q", got)
	}

	_, spec, err = ruleFor(RuleSpec{Kind: BlockSource, Source: "10.0.1.77/24"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Source != "10.0.1.0/24" {
		t.Fatalf("expected masked source, got %q", spec.Source)
	}
}
