package gwlog

import (
	"sync"

	"sdnlab/internal/topology"
)

// NodeSource lists the nodes whose addresses name log endpoints.
type NodeSource interface {
	Nodes() []topology.Node
}

func NewResolver(src NodeSource) *Resolver {
	r := &Resolver{src: src}
	r.Refresh()
	return r
}

// Resolver maps interface addresses to node names. Hosts added while the
// network runs are picked up by the refresh that follows a miss.
type Resolver struct {
	src NodeSource

	mu     sync.RWMutex
	byAddr map[string]string
}

func (r *Resolver) Refresh() {
	byAddr := map[string]string{}
	for _, n := range r.src.Nodes() {
		for _, i := range n.Interfaces {
			if i.Address.IsValid() {
				byAddr[i.Address.Addr().String()] = n.Id
			}
		}
	}
	r.mu.Lock()
	r.byAddr = byAddr
	r.mu.Unlock()
}

func (r *Resolver) Lookup(addr string) (string, bool) {
	if addr == "" {
		return "", false
	}
	if name, ok := r.lookup(addr); ok {
		return name, true
	}
	r.Refresh()
	return r.lookup(addr)
}

func (r *Resolver) lookup(addr string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byAddr[addr]
	return name, ok
}

// Enrich returns e with the node names of its endpoints filled in.
func (r *Resolver) Enrich(e Entry) Entry {
	if name, ok := r.Lookup(e.Src); ok {
		e.SrcNode = name
	}
	if name, ok := r.Lookup(e.Dst); ok {
		e.DstNode = name
	}
	return e
}

// EnrichAll names the endpoints of every entry in place.
func (r *Resolver) EnrichAll(entries []Entry) {
	for i := range entries {
		entries[i] = r.Enrich(entries[i])
	}
}
