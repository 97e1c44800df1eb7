package gateway

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"sdnlab/internal/channel"
)

const (
	TableFilter = "filter"
	TableNat    = "nat"

	ChainForward     = "FORWARD"
	ChainInput       = "INPUT"
	ChainOutput      = "OUTPUT"
	ChainPostrouting = "POSTROUTING"

	ChainUser    = "FW-USER"
	ChainLogDrop = "LOG-DROP"
	ChainLogging = "LOGGING"

	TargetAccept     = "ACCEPT"
	TargetDrop       = "DROP"
	TargetLog        = "LOG"
	TargetMasquerade = "MASQUERADE"

	PrefixForward = "FORWARD: "
	PrefixDrop    = "DROP: "
	PrefixNat     = "NAT: "

	LogLevelWarning = 4
)

type RuleKind string

const (
	BlockSource          RuleKind = "block_source"
	BlockDestination     RuleKind = "block_destination"
	BlockDestinationPort RuleKind = "block_destination_port"
)

// RuleSpec is an operator firewall request. Source and Destination accept
// an address or a CIDR; Protocol and DestPort apply to BlockDestinationPort.
type RuleSpec struct {
	Kind        RuleKind `json:"kind"`
	Source      string   `json:"source,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Protocol    string   `json:"protocol,omitempty"`
	DestPort    int      `json:"dport,omitempty"`
}

// UserRule is an installed operator rule of the FW-USER chain.
type UserRule struct {
	Id        string    `json:"id"`
	Spec      RuleSpec  `json:"spec"`
	Rule      Rule      `json:"-"`
	Command   string    `json:"command"`
	CreatedAt time.Time `json:"created_at"`
}

type RuleModel struct {
	Conntrack   bool
	Ctstate     []string
	InputDev    string
	OutputDev   string
	Source      string
	Destination string
	Protocol    string
	SourcePort  int
	DestPort    int

	LogPrefix string
	LogLevel  int
}

// Rule is one entry of a chain.
type Rule struct {
	Table  string
	Chain  string
	Model  RuleModel
	Target string
}

// Spec returns the iptables rule specification, without the command and
// chain.
func (r Rule) Spec() []string {
	m := r.Model
	var spec []string
	if m.Source != "" {
		spec = slices.Concat(spec, []string{"-s", m.Source})
	}
	if m.Destination != "" {
		spec = slices.Concat(spec, []string{"-d", m.Destination})
	}
	if m.InputDev != "" {
		spec = slices.Concat(spec, []string{"-i", m.InputDev})
	}
	if m.OutputDev != "" {
		spec = slices.Concat(spec, []string{"-o", m.OutputDev})
	}
	if m.Protocol != "" {
		spec = slices.Concat(spec, []string{"-p", m.Protocol})
	}
	if m.SourcePort > 0 || m.DestPort > 0 {
		spec = slices.Concat(spec, []string{"-m", m.Protocol})
	}
	if m.SourcePort > 0 {
		spec = slices.Concat(spec, []string{"--sport", strconv.Itoa(m.SourcePort)})
	}
	if m.DestPort > 0 {
		spec = slices.Concat(spec, []string{"--dport", strconv.Itoa(m.DestPort)})
	}
	if m.Conntrack {
		spec = slices.Concat(spec, []string{"-m", "conntrack"})
	}
	if len(m.Ctstate) > 0 {
		spec = slices.Concat(spec, []string{"--ctstate", strings.Join(m.Ctstate, ",")})
	}
	if r.Target != "" {
		spec = slices.Concat(spec, []string{"-j", r.Target})
	}
	if m.LogPrefix != "" {
		spec = slices.Concat(spec, []string{"--log-prefix", m.LogPrefix})
	}
	if m.LogLevel > 0 {
		spec = slices.Concat(spec, []string{"--log-level", strconv.Itoa(m.LogLevel)})
	}
	return spec
}

// Command returns the shell command appending r to its chain.
func (r Rule) Command() string {
	return channel.Shell(r.argv("-A")...)
}

func (r Rule) argv(op string) []string {
	argv := []string{"iptables"}
	if r.Table != "" && r.Table != TableFilter {
		argv = append(argv, "-t", r.Table)
	}
	return slices.Concat(argv, []string{op, r.Chain}, r.Spec())
}

func (r Rule) String() string {
	return strings.Join(slices.Concat([]string{"-A", r.Chain}, r.Spec()), " ")
}

type Verdict string

const (
	VerdictAccept Verdict = "ACCEPT"
	VerdictDrop   Verdict = "DROP"
)

type TraceStep struct {
	Chain string `json:"chain"`
	Index int    `json:"index"`
	Rule  string `json:"rule"`
}

type TraceResult struct {
	Verdict    Verdict     `json:"verdict"`
	Logs       []string    `json:"logs"`
	Steps      []TraceStep `json:"steps"`
	Masquerade bool        `json:"masquerade"`
}
