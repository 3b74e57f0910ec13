package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/callboard/callbridge/pkg/bridge/config"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                "127.0.0.1:0",
		RealtimeURL:         "wss://example.invalid/v1/realtime",
		RealtimeAPIKey:      "sk-test",
		TelephonyBaseURL:    "https://example.invalid/v1/realtime/calls",
		TelephonyAPIKey:     "sk-test",
		ShutdownGracePeriod: time.Second,
	}
}

func TestRunBridgeConfigError(t *testing.T) {
	deps := defaultBridgeDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("missing BRIDGE_REALTIME_API_KEY")
	}
	err := runBridge(context.Background(), nil, deps)
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("got err=%v, want load config failure", err)
	}
}

func TestRunBridgeMissingDeps(t *testing.T) {
	err := runBridge(context.Background(), nil, bridgeDeps{})
	if err == nil {
		t.Fatalf("got nil error, want missing dependency failure")
	}
}

func TestRunBridgeStartAndSignalShutdown(t *testing.T) {
	sigCh := make(chan chan<- os.Signal, 1)
	deps := bridgeDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			sigCh <- c
		},
		signalStop: func(chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() { done <- runBridge(context.Background(), nil, deps) }()

	select {
	case c := <-sigCh:
		c <- os.Interrupt
	case <-time.After(3 * time.Second):
		t.Fatalf("signal channel never registered")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runBridge returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runBridge did not shut down")
	}
}

func TestRunMainBadConfig(t *testing.T) {
	deps := defaultBridgeDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("bad config")
	}
	var buf strings.Builder
	if code := runMain(context.Background(), &buf, deps); code != 1 {
		t.Fatalf("got exit code=%d, want 1", code)
	}
	if !strings.Contains(buf.String(), "bad config") {
		t.Fatalf("got stderr=%q, want config error", buf.String())
	}
}
