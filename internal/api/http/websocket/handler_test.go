package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"sdnlab/internal/errdefs"
	"sdnlab/internal/gwlog"
	"sdnlab/internal/topology"
)

type fakeGateways struct{}

func (fakeGateways) Gateway(id string) (topology.Node, error) {
	if id != "r1" {
		return topology.Node{}, errdefs.NotFound(errdefs.ErrGatewayNotFound, "gateway", id)
	}
	return topology.Node{Id: id, Kind: topology.KindGateway}, nil
}

type fakeSource struct {
	mu   sync.Mutex
	gw   string
	ch   chan gwlog.Entry
	subs chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan gwlog.Entry, 4), subs: make(chan struct{}, 1)}
}

func (s *fakeSource) Subscribe(gw string) (<-chan gwlog.Entry, func()) {
	s.mu.Lock()
	s.gw = gw
	s.mu.Unlock()
	s.subs <- struct{}{}
	return s.ch, func() {}
}

func newServer(source LogSource) *httptest.Server {
	r := chi.NewRouter()
	r.Get("/v1/gateways/{gateway}/log", NewRequestHandler(fakeGateways{}, source).ServeHTTP)
	return httptest.NewServer(r)
}

func wsURL(srv *httptest.Server, gw string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/gateways/" + gw + "/log"
}

func TestStreamsEntries(t *testing.T) {
	source := newFakeSource()
	srv := newServer(source)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "r1"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	select {
	case <-source.subs:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler did not subscribe")
	}
	if source.gw != "r1" {
		t.Fatalf("expected subscription for %q, got %q", "r1", source.gw)
	}

	entry, _ := gwlog.ParseLine("kernel: DROP: IN=r1-eth1 OUT=r1-eth0 SRC=10.0.2.1 DST=10.0.1.1 PROTO=TCP SPT=5000 DPT=22")
	source.ch <- entry

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got gwlog.Entry
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != entry {
		t.Fatalf("expected %+v, got %+v", entry, got)
	}

	close(source.ch)
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestUnknownGateway(t *testing.T) {
	srv := newServer(newFakeSource())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "r9"), nil)
	if err == nil {
		t.Fatalf("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestDisabledSource(t *testing.T) {
	srv := newServer(nil)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "r1"), nil)
	if err == nil {
		t.Fatalf("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}
