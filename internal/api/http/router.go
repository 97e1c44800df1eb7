package http

import (
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"

	"sdnlab/internal/api/http/websocket"
	"sdnlab/internal/audit"
	"sdnlab/internal/console"
	"sdnlab/internal/topology"
)

type RouterOptions struct {
	Network  *topology.Network
	Registry *console.Registry
	Logs     websocket.LogSource
	Audit    audit.Logger
}

func NewApiRouter(opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	handler := NewRequestHandler(opts.Network, opts.Registry)
	logStream := websocket.NewRequestHandler(opts.Network, opts.Logs)

	l := opts.Audit
	if l == nil {
		l = audit.Discard
	}

	// middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(audit.Middleware(l, "sdnlab", opts.Network.Id()))

	// == v1 ==
	// == topology ==
	r.Get("/v1/topology", handler.GetTopology) // nodes, links, subnets

	// == commands ==
	r.Get("/v1/commands", handler.ListCommands)           // registry listing
	r.Post("/v1/commands/{name}", handler.ExecuteCommand) // run a command

	// == websocket ==
	r.Get("/v1/gateways/{gateway}/log", logStream.ServeHTTP) // gateway log stream

	return r
}
