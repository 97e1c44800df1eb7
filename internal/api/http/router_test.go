package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apimodel "sdnlab/internal/api/http/utils"
	"sdnlab/internal/audit"
	"sdnlab/internal/console"
	"sdnlab/internal/core/flow"
	"sdnlab/internal/core/gateway"
	"sdnlab/internal/core/probe"
	"sdnlab/internal/emulator/memnet"
	"sdnlab/internal/topology"
)

type memoryLogger struct {
	events []audit.Event
}

func (l *memoryLogger) Write(ev audit.Event) {
	l.events = append(l.events, ev)
}

func newRouter(t *testing.T) (http.Handler, *memoryLogger) {
	t.Helper()
	emu := memnet.New()
	n := topology.NewNetwork(emu)
	steps := []error{
		n.AddSwitch("s1"),
		n.AddSwitch("s2"),
		n.AddGateway("r1",
			topology.GatewayInterface{Address: "10.0.1.254/24"},
			topology.GatewayInterface{Address: "10.0.2.254/24"},
			nil),
		n.AddHost("h1", "10.0.1.1/24", "via 10.0.1.254"),
		n.AddHost("h3", "10.0.2.1/24", "via 10.0.2.254"),
		n.AddLink(topology.LinkEnd{Node: "r1", Interface: "r1-eth0"}, topology.LinkEnd{Node: "s1"}),
		n.AddLink(topology.LinkEnd{Node: "r1", Interface: "r1-eth1"}, topology.LinkEnd{Node: "s2"}),
		n.AddLink(topology.LinkEnd{Node: "h1"}, topology.LinkEnd{Node: "s1"}),
		n.AddLink(topology.LinkEnd{Node: "h3"}, topology.LinkEnd{Node: "s2"}),
		n.Start(context.Background()),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
	}

	reg, err := console.NewDefaultRegistry(console.Deps{
		Network:  n,
		Flows:    flow.NewFlowService(),
		Gateways: gateway.NewGatewayService(),
		Probes:   probe.NewProbeService(),
		Gateway:  "r1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l := &memoryLogger{}
	return NewApiRouter(RouterOptions{Network: n, Registry: reg, Audit: l}), l
}

func call(t *testing.T, h http.Handler, method, path, body string) (int, apimodel.ApiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp apimodel.ApiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func TestGetTopology(t *testing.T) {
	h, _ := newRouter(t)
	code, resp := call(t, h, http.MethodGet, "/v1/topology", "")
	if code != http.StatusOK || resp.Status != "success" {
		t.Fatalf("unexpected response %d %+v", code, resp)
	}
	data := resp.Data.(map[string]any)
	if nodes := data["nodes"].([]any); len(nodes) != 5 {
		t.Fatalf("expected 5 nodes, got %d", len(nodes))
	}
	if subnets := data["subnets"].([]any); len(subnets) != 2 {
		t.Fatalf("expected 2 subnets, got %d", len(subnets))
	}
}

func TestListCommands(t *testing.T) {
	h, _ := newRouter(t)
	code, resp := call(t, h, http.MethodGet, "/v1/commands", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	names := map[string]bool{}
	for _, c := range resp.Data.([]any) {
		names[c.(map[string]any)["name"].(string)] = true
	}
	for _, want := range []string{"addflow", "showflows", "removeflows", "addnode", "r1addfw", "r1clearfw", "r1showfw", "pingtest", "iperftest", "r1resetfw", "r1trace", "r1logs"} {
		if !names[want] {
			t.Fatalf("expected command %q in listing", want)
		}
	}
}

func TestExecuteCommand(t *testing.T) {
	cases := []struct {
		name    string
		command string
		body    string
		status  int
		message string
	}{
		{
			name:    "addflow",
			command: "addflow",
			body:    `{"switch":"s1","priority":100,"source":"10.0.1.1/32","destination":"10.0.2.1/32","dport":80}`,
			status:  http.StatusOK,
		},
		{name: "unknown switch", command: "addflow", body: `{"switch":"s9"}`, status: http.StatusNotFound, message: "switch not found"},
		{name: "bad priority", command: "addflow", body: `{"switch":"s1","priority":70000}`, status: http.StatusBadRequest, message: "invalid rule spec"},
		{name: "missing field", command: "showflows", body: `{}`, status: http.StatusBadRequest, message: "a value is required"},
		{name: "unconfirmed", command: "removeflows", body: `{"switch":"s1"}`, status: http.StatusBadRequest, message: "confirmation required"},
		{name: "confirmed", command: "removeflows", body: `{"switch":"s1","confirm":true}`, status: http.StatusOK},
		{name: "address in use", command: "addnode", body: `{"name":"h13","address":"10.0.1.1/24","switch":"s1"}`, status: http.StatusConflict, message: "address in use"},
		{name: "iptables failure", command: "r1showfw", body: `{"chain":"NOPE"}`, status: http.StatusBadGateway, message: "command failed"},
		{name: "unknown command", command: "nope", body: `{}`, status: http.StatusNotFound, message: "command not found"},
		{name: "invalid json", command: "addflow", body: `{"switch":`, status: http.StatusBadRequest, message: "invalid json"},
		{name: "nested value", command: "addflow", body: `{"switch":["s1"]}`, status: http.StatusBadRequest, message: "invalid parameter"},
		{name: "empty body", command: "nodes", body: ``, status: http.StatusOK},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newRouter(t)
			code, resp := call(t, h, http.MethodPost, "/v1/commands/"+tc.command, tc.body)
			if code != tc.status {
				t.Fatalf("expected %d, got %d (%+v)", tc.status, code, resp)
			}
			if !strings.Contains(resp.Message, tc.message) {
				t.Fatalf("expected %q in %q", tc.message, resp.Message)
			}
		})
	}
}

func TestExecuteCommandOutput(t *testing.T) {
	h, _ := newRouter(t)
	_, resp := call(t, h, http.MethodPost, "/v1/commands/addflow",
		`{"switch":"s1","priority":100,"source":"10.0.1.1/32","destination":"10.0.2.1/32","dport":80}`)
	if resp.Status != "success" {
		t.Fatalf("unexpected response %+v", resp)
	}

	code, resp := call(t, h, http.MethodPost, "/v1/commands/showflows", `{"switch":"s1"}`)
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	out := resp.Data.(map[string]any)["output"].(string)
	if !strings.Contains(out, "priority=100,tcp,nw_src=10.0.1.1,nw_dst=10.0.2.1,tp_dst=80 actions=drop") {
		t.Fatalf("unexpected dump:\n%s", out)
	}
}

func TestCommandFailureCarriesOutput(t *testing.T) {
	h, _ := newRouter(t)
	_, resp := call(t, h, http.MethodPost, "/v1/commands/r1showfw", `{"chain":"NOPE","verbose":false}`)
	detail := resp.Data.(map[string]any)
	if detail["class"] != "ExternalCommandError" || detail["target"] != "r1" {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if !strings.Contains(detail["stderr"].(string), "No chain/target/match by that name") {
		t.Fatalf("expected stderr in detail, got %+v", detail)
	}
}

func TestAuditEvents(t *testing.T) {
	h, l := newRouter(t)
	call(t, h, http.MethodGet, "/v1/topology", "")
	call(t, h, http.MethodPost, "/v1/commands/r1addfw", `{"type":"1","source":"10.0.1.1"}`)
	call(t, h, http.MethodPost, "/v1/commands/r1addfw", `{"type":"1","source":"10.0.1.1"}`)

	if len(l.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(l.events))
	}
	if l.events[0].Action != "topology.list" {
		t.Fatalf("unexpected action %q", l.events[0].Action)
	}
	added, dup := l.events[1], l.events[2]
	if added.Action != "command.r1addfw" || added.Result.Status != "allow" || added.Target.RuleId == "" {
		t.Fatalf("unexpected event %+v", added)
	}
	if dup.Result.Code != http.StatusConflict || dup.Result.Class != "StateConflictError" {
		t.Fatalf("unexpected event %+v", dup)
	}
}
