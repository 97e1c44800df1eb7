package flow

import (
	"time"
)

// Match selects the packets a block flow drops. Empty or "any" addresses
// and zero ports are wildcards and are left out of the installed match.
type Match struct {
	Protocol    string `json:"protocol"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	SourcePort  int    `json:"sport,omitempty"`
	DestPort    int    `json:"dport,omitempty"`
}

// FlowRule is the bookkeeping record of an installed block flow. The
// switch is the source of truth; nothing here is cached.
type FlowRule struct {
	Label     string    `json:"label"`
	Switch    string    `json:"switch"`
	Priority  int       `json:"priority"`
	Match     Match     `json:"match"`
	Flow      string    `json:"flow"`
	CreatedAt time.Time `json:"created_at"`
}

// InstalledFlow is one entry of a dump-flows listing.
type InstalledFlow struct {
	Priority    int    `json:"priority"`
	Protocol    string `json:"protocol,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	SourcePort  int    `json:"sport,omitempty"`
	DestPort    int    `json:"dport,omitempty"`
	Actions     string `json:"actions"`
	Raw         string `json:"raw"`
}

func (f InstalledFlow) Drops() bool {
	return f.Actions == "drop" || f.Actions == ""
}
