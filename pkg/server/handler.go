package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/slog"
)

// ErrUnknownRequest is returned when the current handler has no serving
// function for the request type.
var ErrUnknownRequest = errors.New("unexpected request type")

// Handler serves one request and returns the handler that should serve the
// next one. The three implementations (init, space, game) form the
// per-connection state machine; transitions happen on set_scope and connect.
type Handler interface {
	Handle(req *Request, out *Output) (Handler, error)
}

// InitHandler is the entry state of every connection. It only knows how to
// ping and how to bind the connection to a scope.
type InitHandler struct {
	srv *Server
	log slog.Logger
}

type setScopeRequest struct {
	Scope      string `json:"scope"`
	Datasource string `json:"datasource"`
}

func (h *InitHandler) Handle(req *Request, out *Output) (Handler, error) {
	switch req.Type {
	case "ping":
		h.log.Debugf("served ping")
		return h, out.Reply("pong")

	case "set_scope":
		var data setScopeRequest
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return h, fmt.Errorf("malformed set_scope: %v", err)
		}
		if !h.srv.finder.IsValid(data.Datasource) {
			h.log.Warnf("Rejecting unknown datasource %q", data.Datasource)
			out.Stream.SendRedirect(
				fmt.Sprintf("unknown datasource %q", data.Datasource), "/")
			return h, nil
		}
		space, err := h.srv.Space(data.Scope, data.Datasource)
		if err != nil {
			return h, err
		}
		h.log.Infof("Connection entering scope %s/%s", data.Scope, data.Datasource)
		return space, out.Reply("ok")

	default:
		return h, fmt.Errorf("%w %q", ErrUnknownRequest, req.Type)
	}
}
