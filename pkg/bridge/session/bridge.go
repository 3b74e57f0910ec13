package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/callboard/callbridge/pkg/bridge/metrics"
	"github.com/callboard/callbridge/pkg/bridge/sessions"
	"github.com/callboard/callbridge/pkg/bridge/telemetry"
	"github.com/callboard/callbridge/pkg/bridge/toolcall"
	"github.com/callboard/callbridge/pkg/bridge/transcript"
)

// InstructionSource serves the current agent instructions. *prompt.Loader
// satisfies it.
type InstructionSource interface {
	Instructions() string
}

// Dependencies are the collaborators the bridge controller works through.
type Dependencies struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Telephony Telephony
	Telemetry telemetry.Sink
	Notifier  *telemetry.Notifier
	Prompt    InstructionSource
	Registry  *sessions.Registry
	// Dial opens the realtime channel for an accepted call.
	Dial func(ctx context.Context, callID string) (Channel, error)
	// ExtraTools are registered alongside the built-in call-control tools.
	ExtraTools []toolcall.Definition
}

// Options carry the per-deployment call behavior.
type Options struct {
	Model          string
	Voice          string
	Greeting       string
	TransferTarget string

	ConnectDelay    time.Duration
	AcceptTimeout   time.Duration
	HangupTimeout   time.Duration
	TransferTimeout time.Duration
}

// Bridge accepts incoming calls and runs a CallSession for each.
type Bridge struct {
	deps Dependencies
	opts Options
	now  func() time.Time
}

func NewBridge(deps Dependencies, opts Options) *Bridge {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NopSink{}
	}
	if deps.Registry == nil {
		deps.Registry = sessions.NewRegistry()
	}
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = 10 * time.Second
	}
	if opts.HangupTimeout <= 0 {
		opts.HangupTimeout = 10 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 10 * time.Second
	}
	return &Bridge{deps: deps, opts: opts, now: time.Now}
}

// Registry exposes the session registry for the control plane and drain.
func (b *Bridge) Registry() *sessions.Registry { return b.deps.Registry }

// HandleIncoming accepts the call and starts its session. A redelivered
// webhook for a call already accepting or live returns ok with no new
// session.
func (b *Bridge) HandleIncoming(ctx context.Context, call IncomingCall) error {
	logger := b.deps.Logger.With("call_id", call.CallID)

	if !b.deps.Registry.BeginAccept(call.CallID) {
		logger.Info("duplicate incoming call suppressed")
		return nil
	}

	sess := b.newSession(call, logger)

	var meta map[string]any
	if call.CallToken != "" || call.ConferenceName != "" {
		meta = map[string]any{}
		if call.CallToken != "" {
			meta["call_token"] = call.CallToken
		}
		if call.ConferenceName != "" {
			meta["conference_name"] = call.ConferenceName
		}
	}
	b.deps.Telemetry.CallEvent(telemetry.CallEvent{
		CallID:   call.CallID,
		Event:    eventIncoming,
		Status:   string(StatusIncoming),
		Ts:       b.now(),
		FromURI:  call.FromURI,
		ToURI:    call.ToURI,
		Provider: call.Provider,
		Meta:     meta,
	})

	acceptCtx, cancel := context.WithTimeout(ctx, b.opts.AcceptTimeout)
	defer cancel()
	err := b.deps.Telephony.Accept(acceptCtx, call.CallID, AcceptParams{
		Model:        b.opts.Model,
		Voice:        b.opts.Voice,
		Instructions: b.instructions(),
		Tools:        sess.tools.Descriptors(),
	})
	if err != nil {
		b.deps.Registry.AbortAccept(call.CallID)
		b.deps.Telemetry.CallEvent(telemetry.CallEvent{
			CallID:   call.CallID,
			Event:    eventFailed,
			Status:   string(StatusFailed),
			Ts:       b.now(),
			FromURI:  call.FromURI,
			ToURI:    call.ToURI,
			Provider: call.Provider,
			Reason:   "accept_failed",
		})
		b.deps.Metrics.RecordCallEnd(string(StatusFailed), 0)
		logger.Error("accept failed", "error", err)
		return fmtAcceptError(call.CallID, err)
	}

	b.deps.Registry.FinishAccept(call.CallID, sess)
	b.deps.Metrics.RecordCallStart()
	go sess.run()
	return nil
}

func (b *Bridge) newSession(call IncomingCall, logger *slog.Logger) *CallSession {
	sess := &CallSession{
		callID:         call.CallID,
		from:           call.FromURI,
		to:             call.ToURI,
		provider:       call.Provider,
		callToken:      call.CallToken,
		conferenceName: call.ConferenceName,

		bridge:   b,
		logger:   logger,
		acc:      toolcall.NewAccumulator(),
		started:  b.now(),
		status:   StatusIncoming,
		finished: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	sess.agg = transcript.NewAggregator(sess.segmentSink())
	sess.tools = toolcall.NewRegistry(b.toolDefinitions(sess)...)
	return sess
}

func (b *Bridge) instructions() string {
	if b.deps.Prompt == nil {
		return ""
	}
	return b.deps.Prompt.Instructions()
}

// toolDefinitions builds the per-session tool registry: the built-in
// call-control tools bound to this session, plus any deployment extras.
func (b *Bridge) toolDefinitions(sess *CallSession) []toolcall.Definition {
	defs := []toolcall.Definition{
		{
			Name:        "hang_up",
			Description: "End the phone call once the conversation is finished.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: func(ctx context.Context, call toolcall.Call) (toolcall.Result, error) {
				return toolcall.Result{
					Instructions: "Say a short goodbye to the caller.",
					EndCall:      true,
				}, nil
			},
		},
	}

	if b.opts.TransferTarget != "" {
		defs = append(defs, toolcall.Definition{
			Name:        "transfer_to_human",
			Description: "Transfer the caller to a human agent when they ask for one or the request is beyond you.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the caller is being transferred.",
					},
				},
			},
			Handler: func(ctx context.Context, call toolcall.Call) (toolcall.Result, error) {
				reason, _ := call.Args["reason"].(string)
				// Transfer takes the session mutex; it must not run inside
				// the event that dispatched this tool.
				go func() {
					if err := sess.Transfer(context.Background(), reason, "", true); err != nil {
						sess.logger.Error("tool transfer failed", "error", err)
					}
				}()
				return toolcall.Result{
					Instructions: "Tell the caller you are transferring them to a human agent now.",
				}, nil
			},
		})
	}

	return append(defs, b.deps.ExtraTools...)
}
