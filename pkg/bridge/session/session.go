// Package session holds the per-call state machine and the bridge controller
// that accepts incoming calls and runs them against the realtime model.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callboard/callbridge/pkg/bridge/apierror"
	"github.com/callboard/callbridge/pkg/bridge/realtime"
	"github.com/callboard/callbridge/pkg/bridge/telemetry"
	"github.com/callboard/callbridge/pkg/bridge/toolcall"
	"github.com/callboard/callbridge/pkg/bridge/transcript"
)

// Status is the call lifecycle state. Transitions are monotonic:
// incoming -> live -> ended, or incoming -> failed.
type Status string

const (
	StatusIncoming Status = "incoming"
	StatusLive     Status = "live"
	StatusEnded    Status = "ended"
	StatusFailed   Status = "failed"
)

// Telemetry event names, matching the ingestion contract.
const (
	eventIncoming    = "call.incoming"
	eventAnswered    = "call.answered"
	eventEnded       = "call.ended"
	eventFailed      = "call.failed"
	eventTransferred = "call.transferred"
)

// IncomingCall is what the webhook front door hands to the controller.
type IncomingCall struct {
	CallID         string
	FromURI        string
	ToURI          string
	Provider       string
	CallToken      string
	ConferenceName string
}

// Channel is the slice of the realtime connection the session drives.
// *realtime.Channel satisfies it; tests substitute fakes.
type Channel interface {
	Events() <-chan realtime.Event
	CloseCause() error
	UpdateSession(settings realtime.SessionSettings) error
	CreateResponse(instructions string) error
	SendFunctionOutput(callID string, output any) error
	Close() error
}

// Telephony is the call-control surface the session needs.
type Telephony interface {
	Accept(ctx context.Context, callID string, params AcceptParams) error
	Hangup(ctx context.Context, callID string) error
	Refer(ctx context.Context, callID string, params ReferParams) error
}

// AcceptParams mirrors the telephony client's accept payload.
type AcceptParams struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []map[string]any
}

// ReferParams mirrors the telephony client's refer payload.
type ReferParams struct {
	TargetURI      string
	CallToken      string
	ConferenceName string
}

// CallSession is one live phone call bridged to the model. All state is
// guarded by mu; the event loop and control-plane goroutines both go through
// it, so event handling inside a session is strictly ordered.
type CallSession struct {
	callID         string
	from           string
	to             string
	provider       string
	callToken      string
	conferenceName string

	bridge  *Bridge
	logger  *slog.Logger
	tools   *toolcall.Registry
	agg     *transcript.Aggregator
	acc     *toolcall.Accumulator
	started time.Time

	mu        sync.Mutex
	status    Status
	endedAt   time.Time
	endReason string
	channel   Channel
	finished  map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func (s *CallSession) CallID() string { return s.callID }

func (s *CallSession) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.status)
}

// EndedAt returns the terminal timestamp, zero while the call is active.
func (s *CallSession) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Done is closed when the session reaches a terminal status.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// End moves the session to its terminal status. A live session ends as
// "ended"; one that never went live ends as "failed". Calling End again is a
// no-op; EndedAt is set exactly once.
func (s *CallSession) End(reason string) {
	s.mu.Lock()
	if s.status == StatusEnded || s.status == StatusFailed {
		s.mu.Unlock()
		return
	}
	terminal := StatusFailed
	if s.status == StatusLive {
		terminal = StatusEnded
	}
	s.status = terminal
	s.endedAt = s.bridge.now()
	s.endReason = reason
	channel := s.channel
	s.agg.Flush()
	s.mu.Unlock()

	if channel != nil {
		channel.Close()
	}

	event := eventEnded
	if terminal == StatusFailed {
		event = eventFailed
	}
	s.bridge.deps.Telemetry.CallEvent(telemetry.CallEvent{
		CallID:   s.callID,
		Event:    event,
		Status:   string(terminal),
		Ts:       s.endedAt,
		FromURI:  s.from,
		ToURI:    s.to,
		Provider: s.provider,
		Reason:   reason,
	})
	s.bridge.deps.Metrics.RecordCallEnd(string(terminal), s.endedAt.Sub(s.started))
	s.bridge.deps.Registry.Remove(s.callID)
	s.closeOnce.Do(func() { close(s.done) })
	s.logger.Info("call ended", "status", terminal, "reason", reason)
}

// Hangup drops the call: best-effort remote hangup, then local End no matter
// what the provider said.
func (s *CallSession) Hangup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.bridge.opts.HangupTimeout)
	defer cancel()
	if err := s.bridge.deps.Telephony.Hangup(ctx, s.callID); err != nil {
		s.logger.Warn("remote hangup failed, ending locally", "error", err)
	}
	s.End("hangup")
	return nil
}

// Transfer refers the call to the configured target, carrying the transfer
// metadata the provider handed us on the webhook. The confirmation message is
// only spoken once the refer has succeeded; a failed refer leaves the session
// untouched.
func (s *CallSession) Transfer(ctx context.Context, reason, message string, silent bool) error {
	target := s.bridge.opts.TransferTarget
	if target == "" {
		return apierror.NewInvalidRequest("no transfer target configured", "target")
	}

	referCtx, cancel := context.WithTimeout(ctx, s.bridge.opts.TransferTimeout)
	defer cancel()
	err := s.bridge.deps.Telephony.Refer(referCtx, s.callID, ReferParams{
		TargetURI:      target,
		CallToken:      s.callToken,
		ConferenceName: s.conferenceName,
	})
	if err != nil {
		return err
	}

	if message != "" && !silent {
		s.mu.Lock()
		channel := s.channel
		s.mu.Unlock()
		if channel != nil {
			if err := channel.CreateResponse("Before the transfer, tell the caller: " + message); err != nil {
				s.logger.Warn("transfer announcement failed", "error", err)
			}
		}
	}

	s.bridge.deps.Telemetry.CallEvent(telemetry.CallEvent{
		CallID:   s.callID,
		Event:    eventTransferred,
		Status:   string(StatusLive),
		Ts:       s.bridge.now(),
		FromURI:  s.from,
		ToURI:    s.to,
		Provider: s.provider,
		Reason:   reason,
	})
	s.End("transferred")
	return nil
}

// run owns the channel lifetime: dial, go live, consume events until the
// channel closes, then end.
func (s *CallSession) run() {
	if delay := s.bridge.opts.ConnectDelay; delay > 0 {
		time.Sleep(delay)
	}

	ctx := context.Background()
	channel, err := s.bridge.deps.Dial(ctx, s.callID)
	if err != nil {
		s.logger.Error("realtime connect failed", "error", err)
		s.End("connect_failed")
		return
	}

	s.mu.Lock()
	if s.status != StatusIncoming {
		// An operator hangup or shutdown landed while we were dialing.
		s.mu.Unlock()
		channel.Close()
		s.logger.Info("call ended during connect, dropping channel")
		return
	}
	s.channel = channel
	s.status = StatusLive
	s.mu.Unlock()

	s.bridge.deps.Telemetry.CallEvent(telemetry.CallEvent{
		CallID:   s.callID,
		Event:    eventAnswered,
		Status:   string(StatusLive),
		Ts:       s.bridge.now(),
		FromURI:  s.from,
		ToURI:    s.to,
		Provider: s.provider,
	})
	s.logger.Info("call live")

	if err := channel.UpdateSession(realtime.SessionSettings{
		Model:        s.bridge.opts.Model,
		Voice:        s.bridge.opts.Voice,
		Instructions: s.bridge.instructions(),
		Tools:        s.tools.Descriptors(),
	}); err != nil {
		s.logger.Warn("session update failed", "error", err)
	}
	if greeting := s.bridge.opts.Greeting; greeting != "" {
		if err := channel.CreateResponse("Greet the caller: " + greeting); err != nil {
			s.logger.Warn("greeting failed", "error", err)
		}
	}

	for ev := range channel.Events() {
		s.handleEvent(ctx, channel, ev)
	}

	if cause := channel.CloseCause(); cause != nil {
		s.logger.Warn("channel closed with error", "error", cause)
		s.End("channel_error")
		return
	}
	s.End("remote_close")
}

func (s *CallSession) handleEvent(ctx context.Context, channel Channel, ev realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusLive {
		return
	}

	switch ev.Type {
	case realtime.EventSessionCreated:
		s.logger.Debug("realtime session created", "event_id", ev.EventID)

	case realtime.EventError:
		if ev.Error != nil {
			s.logger.Warn("realtime error event", "code", ev.Error.Code, "message", ev.Error.Message)
		}

	case realtime.EventCallerTranscriptDelta:
		s.agg.Delta(transcript.SpeakerCaller, ev.Delta)
	case realtime.EventCallerTranscriptCompleted:
		s.agg.Complete(transcript.SpeakerCaller, ev.TranscriptPayload())

	case realtime.EventAgentAudioTranscriptDelta, realtime.EventAgentTextDelta:
		s.agg.Delta(transcript.SpeakerAgent, ev.Delta)
	case realtime.EventAgentAudioTranscriptDone, realtime.EventAgentTextDone:
		s.agg.Complete(transcript.SpeakerAgent, ev.TranscriptPayload())

	case realtime.EventFunctionArgsDelta:
		if fragment, ok := ev.Delta.(string); ok {
			s.acc.Append(ev.CallID, ev.Name, fragment)
		}
	case realtime.EventFunctionArgsDone:
		s.finalizeTool(ctx, channel, ev.CallID, ev.Name, ev.Arguments)

	case realtime.EventResponseDone:
		s.finalizeResponseItems(ctx, channel, ev.ResponseStatus())
	}
}

// finalizeResponseItems catches function calls that completed inside a
// response.done payload without a dedicated arguments-done event.
func (s *CallSession) finalizeResponseItems(ctx context.Context, channel Channel, status map[string]any) {
	output, _ := status["output"].([]any)
	for _, raw := range output {
		item, ok := raw.(map[string]any)
		if !ok || item["type"] != "function_call" {
			continue
		}
		if !toolcall.IsDone(item) {
			continue
		}
		callID, _ := item["call_id"].(string)
		name, _ := item["name"].(string)
		args, _ := item["arguments"].(string)
		s.finalizeTool(ctx, channel, callID, name, args)
	}
}

// finalizeTool runs a completed tool call exactly once per call id.
func (s *CallSession) finalizeTool(ctx context.Context, channel Channel, callID, name, args string) {
	if callID == "" {
		return
	}
	if _, dup := s.finished[callID]; dup {
		return
	}
	// The done event may be the first we hear of this call id.
	s.acc.Append(callID, name, "")
	call, ok := s.acc.Finalize(callID, name, args)
	if !ok {
		return
	}
	s.finished[callID] = struct{}{}

	result, ok := toolcall.Dispatch(ctx, s.logger, s.tools, call)
	if !ok {
		s.bridge.deps.Metrics.RecordToolCall(call.Name, "unknown")
		return
	}
	s.bridge.deps.Metrics.RecordToolCall(call.Name, "ok")

	if result.Instructions != "" {
		if err := channel.CreateResponse(result.Instructions); err != nil {
			s.logger.Warn("tool instruction delivery failed", "tool", call.Name, "error", err)
		}
	} else {
		output := result.Output
		if output == nil {
			output = map[string]any{"ok": true}
		}
		if err := channel.SendFunctionOutput(call.ID, output); err != nil {
			s.logger.Warn("tool output delivery failed", "tool", call.Name, "error", err)
		}
	}

	if result.EndCall {
		// Hangup takes the session mutex; run it outside this event.
		go s.Hangup(context.Background())
	}
}

// segmentSink fans each finalized segment out to telemetry, the notifier,
// and metrics.
func (s *CallSession) segmentSink() transcript.SegmentSink {
	return transcript.SinkFunc(func(seg transcript.Segment) {
		s.bridge.deps.Telemetry.Transcript(telemetry.TranscriptEvent{
			CallID:  s.callID,
			Seq:     seg.Seq,
			Ts:      seg.Ts,
			Speaker: string(seg.Speaker),
			Text:    seg.Text,
		})
		s.bridge.deps.Notifier.Notify(s.callID, telemetry.FormatSegment(s.callID, seg))
		s.bridge.deps.Metrics.RecordSegment(string(seg.Speaker))
	})
}

func fmtAcceptError(callID string, err error) error {
	return fmt.Errorf("accept call %s: %w", callID, err)
}
