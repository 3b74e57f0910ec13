// Package realtime maintains the duplex websocket channel to the realtime
// voice model and decodes its event stream.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Event names the bridge reacts to. Anything else is passed through as an
// unrecognized event and ignored by the session loop.
const (
	EventSessionCreated = "session.created"
	EventError          = "error"

	EventCallerTranscriptDelta     = "conversation.item.input_audio_transcription.delta"
	EventCallerTranscriptCompleted = "conversation.item.input_audio_transcription.completed"

	EventAgentAudioTranscriptDelta = "response.output_audio_transcript.delta"
	EventAgentAudioTranscriptDone  = "response.output_audio_transcript.done"
	EventAgentTextDelta            = "response.output_text.delta"
	EventAgentTextDone             = "response.output_text.done"

	EventFunctionArgsDelta = "response.function_call_arguments.delta"
	EventFunctionArgsDone  = "response.function_call_arguments.done"

	EventResponseDone = "response.done"
)

// ErrorPayload is the error detail carried by an "error" event.
type ErrorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// Event is a decoded inbound event. Delta and Transcript keep their raw
// shape; providers send strings, arrays of parts, or objects there.
type Event struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	ItemID     string          `json:"item_id"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Delta      any             `json:"delta"`
	Transcript any             `json:"transcript"`
	Text       any             `json:"text"`
	Arguments  string          `json:"arguments"`
	Response   json.RawMessage `json:"response"`
	Error      *ErrorPayload   `json:"error"`
}

// TranscriptPayload returns the transcript content of the event, preferring
// the completed transcript over a delta over plain text.
func (e *Event) TranscriptPayload() any {
	if e.Transcript != nil {
		return e.Transcript
	}
	if e.Delta != nil {
		return e.Delta
	}
	return e.Text
}

// ResponseStatus decodes the status payload attached to a response.done
// event. Missing or malformed payloads decode to an empty map.
func (e *Event) ResponseStatus() map[string]any {
	if len(e.Response) == 0 {
		return map[string]any{}
	}
	var status map[string]any
	if err := json.Unmarshal(e.Response, &status); err != nil {
		return map[string]any{}
	}
	return status
}

// SessionSettings configures the model side of the channel.
type SessionSettings struct {
	Model        string
	Voice        string
	Instructions string
	Tools        []map[string]any
}

// Channel is a live websocket connection to the realtime model. Reads are
// delivered on Events in arrival order; writes are serialized internally.
type Channel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	events chan Event
	done   chan struct{}
	closed atomic.Bool

	causeMu    sync.Mutex
	closeCause error
}

// DialOptions configure the websocket dial and channel keepalive.
type DialOptions struct {
	// URL is the websocket endpoint including the model query parameter.
	URL    string
	APIKey string
	Header http.Header

	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Dial opens the channel. The returned Channel owns the connection; close it
// with Close.
func Dial(ctx context.Context, opts DialOptions) (*Channel, error) {
	headers := http.Header{}
	for k, v := range opts.Header {
		headers[k] = v
	}
	if opts.APIKey != "" {
		headers.Set("Authorization", "Bearer "+opts.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("realtime connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("realtime connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime connect: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	ch := &Channel{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
	}

	go ch.readLoop()
	if opts.PingInterval > 0 {
		go ch.pingLoop(opts.PingInterval)
	}
	return ch, nil
}

// Events delivers decoded inbound events. The channel is closed when the
// connection ends; CloseCause reports why.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Done is closed when the read loop exits.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// CloseCause returns the error that ended the read loop, nil for a normal
// remote close or a local Close.
func (c *Channel) CloseCause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.closeCause
}

func (c *Channel) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.causeMu.Lock()
			c.closeCause = err
			c.causeMu.Unlock()
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("realtime: dropping malformed event", "error", err, "bytes", len(data))
			continue
		}
		if ev.Type == "" {
			c.logger.Warn("realtime: dropping event without type")
			continue
		}
		c.events <- ev
	}
}

func (c *Channel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send serializes v as JSON and writes it as one text message.
func (c *Channel) Send(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("realtime: channel closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// UpdateSession pushes model configuration for the rest of the call.
func (c *Channel) UpdateSession(settings SessionSettings) error {
	session := map[string]any{
		"type":         "realtime",
		"instructions": settings.Instructions,
	}
	if settings.Model != "" {
		session["model"] = settings.Model
	}
	if settings.Voice != "" {
		session["audio"] = map[string]any{
			"output": map[string]any{"voice": settings.Voice},
		}
	}
	if len(settings.Tools) > 0 {
		session["tools"] = settings.Tools
	}
	return c.Send(map[string]any{"type": "session.update", "session": session})
}

// CreateResponse asks the model to speak. Non-empty instructions steer this
// one response without changing session state.
func (c *Channel) CreateResponse(instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if instructions != "" {
		msg["response"] = map[string]any{"instructions": instructions}
	}
	return c.Send(msg)
}

// AppendAudio streams base64-encoded caller audio into the model's input
// buffer.
func (c *Channel) AppendAudio(audioB64 string) error {
	return c.Send(map[string]any{"type": "input_audio_buffer.append", "audio": audioB64})
}

// CommitAudio marks the buffered input audio as a finished user turn.
func (c *Channel) CommitAudio() error {
	return c.Send(map[string]any{"type": "input_audio_buffer.commit"})
}

// SendFunctionOutput returns a tool result to the model and requests a
// follow-up response.
func (c *Channel) SendFunctionOutput(callID string, output any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("realtime: encode function output: %w", err)
	}
	err = c.Send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(data),
		},
	})
	if err != nil {
		return err
	}
	return c.CreateResponse("")
}

// Close shuts the connection down, sending a normal close frame first.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	return c.conn.Close()
}
