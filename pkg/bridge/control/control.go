// Package control exposes the operator control plane: transfer and hang up
// a live call by id.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/callboard/callbridge/pkg/bridge/apierror"
	"github.com/callboard/callbridge/pkg/bridge/metrics"
	"github.com/callboard/callbridge/pkg/bridge/mw"
	"github.com/callboard/callbridge/pkg/bridge/sessions"
)

// callOps is the control surface a registered session must offer.
type callOps interface {
	Status() string
	Transfer(ctx context.Context, reason, message string, silent bool) error
	Hangup(ctx context.Context) error
}

type actionResponse struct {
	OK     bool   `json:"ok"`
	CallID string `json:"call_id"`
	Action string `json:"action"`
	Status string `json:"status"`
}

// TransferHandler serves POST /control/calls/{callId}/transfer.
type TransferHandler struct {
	Registry *sessions.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type transferRequest struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Silent  bool   `json:"silent"`
}

func (h TransferHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	callID := r.PathValue("callId")

	call, ok := lookup(h.Registry, callID)
	if !ok {
		h.Metrics.RecordControlAction("transfer", "not_found")
		writeNotFound(w, reqID, callID)
		return
	}

	var req transferRequest
	if r.Body != nil {
		// An empty body means a silent transfer with defaults.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.Metrics.RecordControlAction("transfer", "bad_request")
			e := apierror.NewInvalidRequest("invalid transfer request body", "")
			e.RequestID = reqID
			apierror.WriteJSON(w, http.StatusBadRequest, e)
			return
		}
	}

	if err := call.Transfer(r.Context(), req.Reason, req.Message, req.Silent); err != nil {
		h.Metrics.RecordControlAction("transfer", "error")
		logger(h.Logger).Warn("transfer failed", "call_id", callID, "error", err)
		e := apierror.NewInvalidRequest(fmt.Sprintf("transfer could not be completed: %v", err), "")
		e.CallID = callID
		e.RequestID = reqID
		apierror.WriteJSON(w, http.StatusBadRequest, e)
		return
	}

	h.Metrics.RecordControlAction("transfer", "ok")
	writeAction(w, actionResponse{OK: true, CallID: callID, Action: "transfer", Status: call.Status()})
}

// HangupHandler serves POST /control/calls/{callId}/hangup.
type HangupHandler struct {
	Registry *sessions.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func (h HangupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	callID := r.PathValue("callId")

	call, ok := lookup(h.Registry, callID)
	if !ok {
		h.Metrics.RecordControlAction("hangup", "not_found")
		writeNotFound(w, reqID, callID)
		return
	}

	// Hangup never fails: the remote side is best effort and the local end
	// is unconditional.
	if err := call.Hangup(r.Context()); err != nil {
		logger(h.Logger).Warn("hangup reported error", "call_id", callID, "error", err)
	}

	h.Metrics.RecordControlAction("hangup", "ok")
	writeAction(w, actionResponse{OK: true, CallID: callID, Action: "hangup", Status: call.Status()})
}

func lookup(registry *sessions.Registry, callID string) (callOps, bool) {
	s, ok := registry.Get(callID)
	if !ok {
		return nil, false
	}
	ops, ok := s.(callOps)
	return ops, ok
}

func writeNotFound(w http.ResponseWriter, reqID, callID string) {
	e := apierror.NewNotFound("no active call with that id", callID)
	e.RequestID = reqID
	apierror.WriteJSON(w, http.StatusNotFound, e)
}

func writeAction(w http.ResponseWriter, resp actionResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
