package gwlog

import (
	"net/netip"
	"testing"

	"sdnlab/internal/topology"
)

type fakeNodes struct {
	nodes []topology.Node
	calls int
}

func (f *fakeNodes) Nodes() []topology.Node {
	f.calls++
	return f.nodes
}

func host(id, addr string) topology.Node {
	return topology.Node{
		Id:         id,
		Kind:       topology.KindHost,
		Interfaces: []topology.Interface{{Node: id, Name: id + "-eth0", Address: netip.MustParsePrefix(addr)}},
	}
}

func TestResolverEnrich(t *testing.T) {
	src := &fakeNodes{nodes: []topology.Node{host("h1", "10.0.1.1/24"), host("h3", "10.0.2.1/24")}}
	r := NewResolver(src)

	e, _ := ParseLine(dropLine)
	e = r.Enrich(e)
	if e.SrcNode != "h3" || e.DstNode != "h1" {
		t.Fatalf("unexpected nodes %q %q", e.SrcNode, e.DstNode)
	}
	expect := "DROP:    in=r1-eth1 out=r1-eth0 tcp 10.0.2.1:5000(h3) -> 10.0.1.1:22(h1)"
	if got := e.String(); got != expect {
		t.Fatalf("expected %q, got %q", expect, got)
	}
}

func TestResolverRefreshesOnMiss(t *testing.T) {
	src := &fakeNodes{nodes: []topology.Node{host("h1", "10.0.1.1/24")}}
	r := NewResolver(src)

	if _, ok := r.Lookup("10.0.1.13"); ok {
		t.Fatalf("unexpected match before the host exists")
	}
	src.nodes = append(src.nodes, host("h13", "10.0.1.13/24"))
	name, ok := r.Lookup("10.0.1.13")
	if !ok || name != "h13" {
		t.Fatalf("expected h13, got %q", name)
	}

	calls := src.calls
	if _, ok := r.Lookup("10.0.1.1"); !ok {
		t.Fatalf("expected h1 to resolve")
	}
	if src.calls != calls {
		t.Fatalf("expected a hit to skip the refresh")
	}
	if _, ok := r.Lookup(""); ok {
		t.Fatalf("unexpected match for an empty address")
	}
}
