package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/callboard/callbridge/internal/dotenv"
	"github.com/callboard/callbridge/pkg/bridge/config"
	"github.com/callboard/callbridge/pkg/bridge/lifecycle"
	"github.com/callboard/callbridge/pkg/bridge/metrics"
	"github.com/callboard/callbridge/pkg/bridge/prompt"
	"github.com/callboard/callbridge/pkg/bridge/realtime"
	"github.com/callboard/callbridge/pkg/bridge/server"
	"github.com/callboard/callbridge/pkg/bridge/session"
	"github.com/callboard/callbridge/pkg/bridge/telemetry"
	"github.com/callboard/callbridge/pkg/bridge/telephony"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m := metrics.New("callbridge")
	lc := &lifecycle.Lifecycle{}

	var prompts *prompt.Loader
	if cfg.Agent.InstructionsFile != "" {
		prompts = prompt.NewFromFile(cfg.Agent.InstructionsFile, logger)
	} else {
		prompts = prompt.NewStatic("")
	}

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	if cfg.Agent.InstructionsFile != "" {
		go func() {
			if err := prompts.Watch(watchCtx); err != nil {
				logger.Warn("prompt watch stopped", "error", err)
			}
		}()
	}

	var sink telemetry.Sink = telemetry.NopSink{}
	var ingest *telemetry.IngestSink
	if cfg.IngestBaseURL != "" {
		ingest = telemetry.NewIngestSink(telemetry.IngestOptions{
			BaseURL: cfg.IngestBaseURL,
			Token:   cfg.IngestToken,
			Timeout: cfg.TelemetryTimeout,
			Logger:  logger,
			OnError: m.RecordTelemetryError,
		})
		sink = ingest
	}

	var notifier *telemetry.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier = telemetry.NewNotifier(cfg.NotifyWebhookURL, cfg.NotifyMaxMsgBytes, logger, m.RecordTelemetryError)
	}

	bridge := session.NewBridge(session.Dependencies{
		Logger:    logger,
		Metrics:   m,
		Telephony: telephonyAdapter{telephony.NewClient(cfg.TelephonyBaseURL, cfg.TelephonyAPIKey)},
		Telemetry: sink,
		Notifier:  notifier,
		Prompt:    prompts,
		Dial:      realtimeDialer(cfg, logger),
	}, session.Options{
		Model:           cfg.Agent.Model,
		Voice:           cfg.Agent.Voice,
		Greeting:        cfg.Agent.Greeting,
		TransferTarget:  cfg.Agent.TransferTarget,
		ConnectDelay:    cfg.ConnectDelay,
		AcceptTimeout:   cfg.AcceptTimeout,
		HangupTimeout:   cfg.HangupTimeout,
		TransferTimeout: cfg.TransferTimeout,
	})

	srv := server.New(cfg, logger, bridge, m, lc)
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting callbridge", "addr", cfg.Addr, "model", cfg.Agent.Model)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	lc.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	registry := bridge.Registry()
	if n := registry.EndAll("shutdown"); n > 0 {
		logger.Info("ended active calls for shutdown", "calls", n)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !registry.Wait(waitCtx) {
		logger.Warn("not all calls drained before deadline", "remaining", registry.Len())
	}
	if ingest != nil {
		ingest.Wait()
	}
	if notifier != nil {
		notifier.Wait()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("callbridge stopped")
	return nil
}

// telephonyAdapter maps the REST client onto the session controller's
// telephony surface.
type telephonyAdapter struct {
	client *telephony.Client
}

func (a telephonyAdapter) Accept(ctx context.Context, callID string, params session.AcceptParams) error {
	return a.client.Accept(ctx, callID, telephony.AcceptParams{
		Model:        params.Model,
		Voice:        params.Voice,
		Instructions: params.Instructions,
		Tools:        params.Tools,
	})
}

func (a telephonyAdapter) Hangup(ctx context.Context, callID string) error {
	return a.client.Hangup(ctx, callID)
}

func (a telephonyAdapter) Refer(ctx context.Context, callID string, params session.ReferParams) error {
	return a.client.Refer(ctx, callID, telephony.ReferParams{
		TargetURI:      params.TargetURI,
		CallToken:      params.CallToken,
		ConferenceName: params.ConferenceName,
	})
}

func realtimeDialer(cfg config.Config, logger *slog.Logger) func(ctx context.Context, callID string) (session.Channel, error) {
	return func(ctx context.Context, callID string) (session.Channel, error) {
		return realtime.Dial(ctx, realtime.DialOptions{
			URL:          cfg.RealtimeURL + "?call_id=" + url.QueryEscape(callID),
			APIKey:       cfg.RealtimeAPIKey,
			PingInterval: cfg.ChannelPingInterval,
			WriteTimeout: cfg.ChannelWriteTimeout,
			Logger:       logger,
		})
	}
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
