// Package telemetry reports call lifecycle events and transcript segments to
// the ingestion service, and mirrors transcripts to an operator webhook.
// Delivery is best effort; a slow or failing sink never blocks a call.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callboard/callbridge/pkg/bridge/transcript"
)

// CallEvent is the lifecycle record sent to the ingestion service.
type CallEvent struct {
	CallID   string         `json:"call_id"`
	Event    string         `json:"event"`
	Status   string         `json:"status"`
	Ts       time.Time      `json:"ts"`
	FromURI  string         `json:"from_uri,omitempty"`
	ToURI    string         `json:"to_uri,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// TranscriptEvent is one finalized segment sent to the ingestion service.
type TranscriptEvent struct {
	CallID  string    `json:"call_id"`
	Seq     int       `json:"seq"`
	Ts      time.Time `json:"ts"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
}

// Sink receives call telemetry. Implementations must not block the caller.
type Sink interface {
	CallEvent(ev CallEvent)
	Transcript(ev TranscriptEvent)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) CallEvent(CallEvent)        {}
func (NopSink) Transcript(TranscriptEvent) {}

// IngestSink posts events to the ingestion service. Each delivery runs in
// its own goroutine with a bounded timeout; failures are logged and dropped.
type IngestSink struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	onError    func(sink string)

	wg sync.WaitGroup
}

type IngestOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
	// OnError is called with the sink name when a delivery is dropped.
	OnError    func(sink string)
	HTTPClient *http.Client
}

func NewIngestSink(opts IngestOptions) *IngestSink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &IngestSink{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
		onError:    opts.OnError,
	}
}

func (s *IngestSink) CallEvent(ev CallEvent) {
	s.deliver("/ingest/call", ev, "call_id", ev.CallID, "event", ev.Event)
}

func (s *IngestSink) Transcript(ev TranscriptEvent) {
	s.deliver("/ingest/transcript", ev, "call_id", ev.CallID, "seq", ev.Seq)
}

// Wait blocks until in-flight deliveries finish. Used at shutdown.
func (s *IngestSink) Wait() {
	s.wg.Wait()
}

func (s *IngestSink) deliver(path string, payload any, logAttrs ...any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("telemetry: encode payload", append([]any{"error", err}, logAttrs...)...)
		return
	}
	key := uuid.NewString()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.post(ctx, path, data, key); err != nil {
			s.logger.Warn("telemetry: delivery dropped", append([]any{"path", path, "error", err}, logAttrs...)...)
			if s.onError != nil {
				s.onError("ingest")
			}
		}
	}()
}

func (s *IngestSink) post(ctx context.Context, path string, data []byte, idempotencyKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("ingest returned status %d", resp.StatusCode)
	}
	return nil
}

// Notifier mirrors finalized transcript segments to a plain-text webhook in
// chunks that stay under the receiver's message size limit.
type Notifier struct {
	url        string
	maxBytes   int
	httpClient *http.Client
	logger     *slog.Logger
	onError    func(sink string)

	wg sync.WaitGroup
}

func NewNotifier(url string, maxBytes int, logger *slog.Logger, onError func(sink string)) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = 3800
	}
	return &Notifier{
		url:        url,
		maxBytes:   maxBytes,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		onError:    onError,
	}
}

// Notify posts text to the webhook, split into chunks of at most maxBytes.
// Chunks are cut at line boundaries where possible.
func (n *Notifier) Notify(callID, text string) {
	if n == nil || n.url == "" || strings.TrimSpace(text) == "" {
		return
	}
	chunks := Chunk(text, n.maxBytes)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, chunk := range chunks {
			if err := n.postText(chunk); err != nil {
				n.logger.Warn("telemetry: notify dropped", "call_id", callID, "error", err)
				if n.onError != nil {
					n.onError("notify")
				}
				return
			}
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *Notifier) postText(text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	resp, err := n.httpClient.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Chunk splits text into pieces of at most max bytes, preferring to cut at
// newlines.
func Chunk(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		cut := strings.LastIndexByte(text[:max], '\n')
		if cut <= 0 {
			cut = max
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// FormatSegment renders one transcript segment for the notify webhook.
func FormatSegment(callID string, seg transcript.Segment) string {
	return fmt.Sprintf("[%s] %s: %s", callID, seg.Speaker, seg.Text)
}
