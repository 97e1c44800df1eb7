package websocket

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	apimodel "sdnlab/internal/api/http/utils"
	"sdnlab/internal/audit"
	"sdnlab/internal/gwlog"
	"sdnlab/internal/topology"
)

const writeWait = 5 * time.Second

// LogSource fans out gateway log entries.
type LogSource interface {
	Subscribe(gw string) (<-chan gwlog.Entry, func())
}

// GatewayLookup resolves gateway nodes.
type GatewayLookup interface {
	Gateway(id string) (topology.Node, error)
}

func NewRequestHandler(gateways GatewayLookup, source LogSource) *Handler {
	return &Handler{
		Gateways: gateways,
		Source:   source,
		Upgrader: websocket.Upgrader{},
	}
}

type Handler struct {
	Gateways GatewayLookup
	Source   LogSource
	Upgrader websocket.Upgrader
}

// ServeHTTP handles GET /v1/gateways/{gateway}/log (WebSocket). Each log
// entry of the gateway is sent as one JSON text message.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw := chi.URLParam(r, "gateway")
	if _, err := h.Gateways.Gateway(gw); err != nil {
		audit.SetError(r.Context(), err)
		apimodel.RespondError(w, err)
		return
	}
	audit.SetTarget(r.Context(), audit.Target{Gateway: gw})
	if h.Source == nil {
		apimodel.RespondFail(w, http.StatusServiceUnavailable, "log watcher disabled", nil)
		return
	}

	up := h.Upgrader
	if up.CheckOrigin == nil {
		up.CheckOrigin = func(r *http.Request) bool { return true }
	}

	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	entries, unsubscribe := h.Source.Subscribe(gw)
	defer unsubscribe()

	// the client only sends control frames; a read error means it left
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-entries:
			if !ok {
				_ = ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
					time.Now().Add(time.Second),
				)
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
