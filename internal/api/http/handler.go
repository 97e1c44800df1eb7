package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apimodel "sdnlab/internal/api/http/utils"
	"sdnlab/internal/audit"
	"sdnlab/internal/console"
	"sdnlab/internal/errdefs"
	"sdnlab/internal/topology"
)

func NewRequestHandler(net *topology.Network, registry *console.Registry) *RequestHandler {
	return &RequestHandler{
		network:  net,
		registry: registry,
	}
}

type RequestHandler struct {
	network  *topology.Network
	registry *console.Registry
}

// GetTopology lists the nodes, links and subnets of the network.
func (h *RequestHandler) GetTopology(w http.ResponseWriter, r *http.Request) {
	audit.SetTarget(r.Context(), audit.Target{Network: h.network.Id()})
	apimodel.RespondSuccess(w, http.StatusOK, "topology", TopologyResponse{
		Id:      h.network.Id(),
		Started: h.network.Started(),
		Nodes:   h.network.Nodes(),
		Links:   h.network.Links(),
		Subnets: h.network.Subnets(),
	})
}

// ListCommands lists the registry with the fields of every command.
func (h *RequestHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	var list []CommandResponse
	for _, cmd := range h.registry.Commands() {
		list = append(list, CommandResponse{
			Name:    cmd.Name(),
			Summary: cmd.Summary(),
			Fields:  cmd.Fields(),
		})
	}
	apimodel.RespondSuccess(w, http.StatusOK, "commands", list)
}

// ExecuteCommand runs one registry command. Confirmation fields are never
// defaulted and must be part of the request.
func (h *RequestHandler) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	audit.SetAction(r.Context(), "command."+name)

	// decode request
	var req ExecuteCommandRequest
	if err := apimodel.DecodeRequestBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		apimodel.RespondFail(w, http.StatusBadRequest, "invalid json: "+err.Error(), nil)
		return
	}
	params, err := paramsOf(req)
	if err != nil {
		audit.SetError(r.Context(), err)
		apimodel.RespondError(w, err)
		return
	}

	// dispatch
	report, err := h.registry.Dispatch(r.Context(), name, params)
	audit.SetTarget(r.Context(), report.Target)
	if err != nil {
		audit.SetError(r.Context(), err)
		apimodel.RespondError(w, err)
		return
	}
	if report.Aborted {
		apimodel.RespondFail(w, http.StatusBadRequest, "confirmation required", ExecuteCommandResponse{Command: name})
		return
	}

	// encode response
	apimodel.RespondSuccess(w, http.StatusOK, name+" done", ExecuteCommandResponse{
		Command: name,
		Title:   report.Title,
		Output:  report.Body,
		Data:    report.Data,
	})
}

func paramsOf(req ExecuteCommandRequest) (console.Params, error) {
	params := console.Params{}
	for k, v := range req {
		switch t := v.(type) {
		case string:
			params[k] = t
		case float64:
			params[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			if t {
				params[k] = "yes"
			} else {
				params[k] = "no"
			}
		case nil:
		default:
			return nil, errdefs.Validation(errdefs.ErrInvalidParameter, k, fmt.Sprint(v), "expected a string, number or boolean")
		}
	}
	return params, nil
}
