// Package server wires the HTTP surface: the telephony webhook front door,
// the operator control plane, health and metrics endpoints.
package server

import (
	"log/slog"
	"net/http"

	"github.com/callboard/callbridge/pkg/bridge/config"
	"github.com/callboard/callbridge/pkg/bridge/control"
	"github.com/callboard/callbridge/pkg/bridge/lifecycle"
	"github.com/callboard/callbridge/pkg/bridge/metrics"
	"github.com/callboard/callbridge/pkg/bridge/mw"
	"github.com/callboard/callbridge/pkg/bridge/session"
)

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	bridge    *session.Bridge
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, bridge *session.Bridge, m *metrics.Metrics, lc *lifecycle.Lifecycle) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		bridge:    bridge,
		metrics:   m,
		lifecycle: lc,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", HealthHandler{})
	s.mux.Handle("/readyz", ReadyHandler{Lifecycle: s.lifecycle, Registry: s.bridge.Registry()})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux.Handle("POST /webhooks/call", WebhookHandler{
		Bridge:    s.bridge,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
	})

	controlAuth := func(h http.Handler) http.Handler {
		return mw.BearerAuth(s.cfg.ControlToken, h)
	}
	s.mux.Handle("POST /control/calls/{callId}/transfer", controlAuth(control.TransferHandler{
		Registry: s.bridge.Registry(),
		Logger:   s.logger,
		Metrics:  s.metrics,
	}))
	s.mux.Handle("POST /control/calls/{callId}/hangup", controlAuth(control.HangupHandler{
		Registry: s.bridge.Registry(),
		Logger:   s.logger,
		Metrics:  s.metrics,
	}))
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
