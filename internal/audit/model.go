package audit

type Logger interface {
	Write(event Event)
}

type Event struct {
	TS            string `json:"ts"`
	EventId       string `json:"event_id"`
	CorrelationId string `json:"correlation_id,omitempty"`
	Severity      string `json:"severity"`

	Actor Actor `json:"actor"`

	Action string `json:"action,omitempty"`
	Target Target `json:"target,omitempty"`

	Request Request `json:"request,omitempty"`
	Result  Result  `json:"result"`

	Runtime Runtime `json:"runtime"`

	Extra map[string]any `json:"extra,omitempty"`
}

type Actor struct {
	Channel string `json:"channel,omitempty"`
	PeerIp  string `json:"peer_ip,omitempty"`
}

type Target struct {
	// topology
	Network string `json:"network,omitempty"`
	Node    string `json:"node,omitempty"`
	Switch  string `json:"switch,omitempty"`
	Gateway string `json:"gateway,omitempty"`

	// policy
	RuleId      string `json:"rule_id,omitempty"`
	Label       string `json:"label,omitempty"`
	ChainName   string `json:"chain,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	DestPort    int    `json:"dport,omitempty"`
}

type Request struct {
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	Host   string `json:"host,omitempty"`
}

type Result struct {
	Status    string `json:"status"`
	Code      int    `json:"code,omitempty"`
	Class     string `json:"class,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type Runtime struct {
	Component string `json:"component,omitempty"`
	Node      string `json:"node,omitempty"`
}

type ctxKey int

var Severity = map[int]string{
	0: "information",
	1: "low",
	2: "medium",
	3: "high",
	4: "critical",
}

const (
	SEV_INFO     = 0
	SEV_LOW      = 1
	SEV_MEDIUM   = 2
	SEV_HIGH     = 3
	SEV_CRITICAL = 4
)

type Rule struct {
	Method   string
	Pattern  string
	Action   string
	Severity int
}

var rules = []Rule{
	// topology
	{"GET", "/v1/topology", "topology.list", SEV_INFO},

	// commands
	{"GET", "/v1/commands", "command.list", SEV_INFO},
	{"POST", "/v1/commands/{name}", "command.execute", SEV_MEDIUM},

	// websocket
	{"GET", "/v1/gateways/{gateway}/log", "ws.gateway.log", SEV_LOW},
}

// severity of console commands, keyed by action
var actionSeverity = map[string]int{
	"command.showflows":   SEV_INFO,
	"command.r1showfw":    SEV_INFO,
	"command.r1trace":     SEV_INFO,
	"command.r1logs":      SEV_INFO,
	"command.nodes":       SEV_INFO,
	"command.links":       SEV_INFO,
	"command.help":        SEV_INFO,
	"command.pingtest":    SEV_LOW,
	"command.iperftest":   SEV_LOW,
	"command.addflow":     SEV_MEDIUM,
	"command.addnode":     SEV_MEDIUM,
	"command.r1addfw":     SEV_MEDIUM,
	"command.r1clearfw":   SEV_HIGH,
	"command.r1resetfw":   SEV_HIGH,
	"command.removeflows": SEV_CRITICAL,
}
