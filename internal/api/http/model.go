package http

import (
	"sdnlab/internal/console"
	"sdnlab/internal/topology"
)

// == topology ==
type TopologyResponse struct {
	Id      string            `json:"id"`
	Started bool              `json:"started"`
	Nodes   []topology.Node   `json:"nodes"`
	Links   []topology.Link   `json:"links"`
	Subnets []topology.Subnet `json:"subnets"`
}

// == commands ==
type CommandResponse struct {
	Name    string          `json:"name"`
	Summary string          `json:"summary"`
	Fields  []console.Field `json:"fields"`
}

// ExecuteCommandRequest carries the field values of a command. Values may
// be JSON strings, numbers or booleans.
type ExecuteCommandRequest map[string]any

type ExecuteCommandResponse struct {
	Command string `json:"command"`
	Title   string `json:"title,omitempty"`
	Output  string `json:"output,omitempty"`
	Data    any    `json:"data,omitempty"`
}
