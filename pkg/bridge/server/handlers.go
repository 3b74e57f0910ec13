package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/callboard/callbridge/pkg/bridge/apierror"
	"github.com/callboard/callbridge/pkg/bridge/lifecycle"
	"github.com/callboard/callbridge/pkg/bridge/mw"
	"github.com/callboard/callbridge/pkg/bridge/session"
	"github.com/callboard/callbridge/pkg/bridge/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool `json:"ok"`
		Draining    bool `json:"draining"`
		ActiveCalls int  `json:"active_calls"`
	}
	resp := readyResp{OK: true}
	if h.Lifecycle.IsDraining() {
		resp.OK = false
		resp.Draining = true
	}
	if h.Registry != nil {
		resp.ActiveCalls = h.Registry.Len()
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// webhookPayload is the provider's incoming-call event. Identity may arrive
// either flat or nested under data, and from/to may come as SIP headers.
type webhookPayload struct {
	Type string `json:"type"`
	Data struct {
		CallID     string      `json:"call_id"`
		SIPHeaders []sipHeader `json:"sip_headers"`
	} `json:"data"`

	CallID         string `json:"call_id"`
	FromURI        string `json:"from_uri"`
	ToURI          string `json:"to_uri"`
	Provider       string `json:"provider"`
	CallToken      string `json:"call_token"`
	ConferenceName string `json:"conference_name"`
}

type sipHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WebhookHandler is the telephony front door: one POST per incoming call.
type WebhookHandler struct {
	Bridge    *session.Bridge
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
}

func (h WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if h.Lifecycle.IsDraining() {
		e := &apierror.Error{Type: apierror.ErrOverloaded, Message: "shutting down, not accepting calls", Code: "draining", RequestID: reqID}
		apierror.WriteJSON(w, http.StatusServiceUnavailable, e)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		e := apierror.NewInvalidRequest("failed to read webhook body", "")
		e.RequestID = reqID
		apierror.WriteJSON(w, http.StatusBadRequest, e)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		e := apierror.NewInvalidRequest("webhook body is not valid JSON", "")
		e.RequestID = reqID
		apierror.WriteJSON(w, http.StatusBadRequest, e)
		return
	}

	call := parseIncoming(payload)
	if call.CallID == "" {
		e := apierror.NewInvalidRequest("webhook has no call id", "call_id")
		e.RequestID = reqID
		apierror.WriteJSON(w, http.StatusBadRequest, e)
		return
	}

	if err := h.Bridge.HandleIncoming(r.Context(), call); err != nil {
		apiErr, status := apierror.FromError(err, reqID)
		apiErr.CallID = call.CallID
		apierror.WriteJSON(w, status, apiErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "call_id": call.CallID})
}

func parseIncoming(payload webhookPayload) session.IncomingCall {
	call := session.IncomingCall{
		CallID:         firstNonEmpty(payload.Data.CallID, payload.CallID),
		FromURI:        payload.FromURI,
		ToURI:          payload.ToURI,
		Provider:       firstNonEmpty(payload.Provider, "openai"),
		CallToken:      payload.CallToken,
		ConferenceName: payload.ConferenceName,
	}

	for _, header := range payload.Data.SIPHeaders {
		switch strings.ToLower(header.Name) {
		case "from":
			if call.FromURI == "" {
				call.FromURI = header.Value
			}
		case "to":
			if call.ToURI == "" {
				call.ToURI = header.Value
			}
		case "diversion", "history-info":
			// A forwarded call carries the original destination here.
			if call.ToURI == "" {
				call.ToURI = header.Value
			}
		}
	}

	if call.FromURI == "" {
		call.FromURI = "unknown"
	}
	if call.ToURI == "" {
		call.ToURI = "unknown"
	}
	return call
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
