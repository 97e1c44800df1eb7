package gwlog

// log prefixes installed by the gateway baseline
const (
	PrefixForward = "FORWARD: "
	PrefixDrop    = "DROP: "
	PrefixNat     = "NAT: "
)

var Prefixes = []string{PrefixForward, PrefixDrop, PrefixNat}

// Entry is one netfilter LOG line emitted by a gateway rule.
type Entry struct {
	Prefix  string `json:"prefix"`
	In      string `json:"in,omitempty"`
	Out     string `json:"out,omitempty"`
	Src     string `json:"src,omitempty"`
	Dst     string `json:"dst,omitempty"`
	Proto   string `json:"proto,omitempty"`
	SrcPort int    `json:"src_port,omitempty"`
	DstPort int    `json:"dst_port,omitempty"`
	SrcNode string `json:"src_node,omitempty"`
	DstNode string `json:"dst_node,omitempty"`
	Raw     string `json:"raw"`
}
