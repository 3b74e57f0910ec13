package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// echoServer upgrades the connection and runs fn with it.
func echoServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendsAuthHeader(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ch, err := Dial(context.Background(), DialOptions{URL: wsURL(srv), APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if got := <-gotAuth; got != "Bearer sk-test" {
		t.Fatalf("got Authorization=%q, want Bearer sk-test", got)
	}
}

func TestEventsDecodedInOrder(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.output_text.delta","delta":"hi"}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	ch, err := Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	var types []string
	for ev := range ch.Events() {
		types = append(types, ev.Type)
	}
	want := []string{EventSessionCreated, EventAgentTextDelta}
	if len(types) != len(want) {
		t.Fatalf("got %d events %v, want %v", len(types), types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("got event[%d]=%q, want %q", i, types[i], want[i])
		}
	}
	if cause := ch.CloseCause(); cause != nil {
		t.Fatalf("got close cause %v, want nil for normal close", cause)
	}
}

func TestUpdateSessionWire(t *testing.T) {
	msgs := make(chan map[string]any, 4)
	srv := echoServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			msgs <- m
		}
	})

	ch, err := Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	err = ch.UpdateSession(SessionSettings{
		Model:        "gpt-realtime",
		Voice:        "marin",
		Instructions: "be brief",
		Tools:        []map[string]any{{"type": "function", "name": "hang_up"}},
	})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}

	m := recvMsg(t, msgs)
	if m["type"] != "session.update" {
		t.Fatalf("got type=%v, want session.update", m["type"])
	}
	session, _ := m["session"].(map[string]any)
	if session == nil {
		t.Fatalf("missing session payload: %v", m)
	}
	if session["instructions"] != "be brief" || session["model"] != "gpt-realtime" {
		t.Fatalf("got session=%v", session)
	}
}

func TestSendFunctionOutput(t *testing.T) {
	msgs := make(chan map[string]any, 4)
	srv := echoServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			msgs <- m
		}
	})

	ch, err := Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if err := ch.SendFunctionOutput("call_9", map[string]any{"ok": true}); err != nil {
		t.Fatalf("send function output: %v", err)
	}

	item := recvMsg(t, msgs)
	if item["type"] != "conversation.item.create" {
		t.Fatalf("got type=%v, want conversation.item.create", item["type"])
	}
	inner, _ := item["item"].(map[string]any)
	if inner["call_id"] != "call_9" || inner["output"] != `{"ok":true}` {
		t.Fatalf("got item=%v", inner)
	}
	follow := recvMsg(t, msgs)
	if follow["type"] != "response.create" {
		t.Fatalf("got type=%v, want response.create after tool output", follow["type"])
	}
}

func TestErrorEventDecoded(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"bad_session","message":"no such session"}}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	ch, err := Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	ev, ok := <-ch.Events()
	if !ok {
		t.Fatalf("channel closed before error event")
	}
	if ev.Type != EventError {
		t.Fatalf("got type=%q, want %q", ev.Type, EventError)
	}
	if ev.Error == nil || ev.Error.Code != "bad_session" || ev.Error.Message != "no such session" {
		t.Fatalf("got error payload=%+v", ev.Error)
	}
}

func TestTranscriptPayloadPreference(t *testing.T) {
	ev := &Event{Transcript: "full", Delta: "d", Text: "t"}
	if got := ev.TranscriptPayload(); got != "full" {
		t.Fatalf("got %v, want transcript to win", got)
	}
	ev = &Event{Delta: "d", Text: "t"}
	if got := ev.TranscriptPayload(); got != "d" {
		t.Fatalf("got %v, want delta over text", got)
	}
	ev = &Event{Text: "t"}
	if got := ev.TranscriptPayload(); got != "t" {
		t.Fatalf("got %v, want text fallback", got)
	}
}

func TestResponseStatus(t *testing.T) {
	ev := &Event{Response: json.RawMessage(`{"status":"completed"}`)}
	if got := ev.ResponseStatus()["status"]; got != "completed" {
		t.Fatalf("got status=%v, want completed", got)
	}
	ev = &Event{Response: json.RawMessage(`[oops`)}
	if got := ev.ResponseStatus(); len(got) != 0 {
		t.Fatalf("got %v, want empty map for malformed payload", got)
	}
	ev = &Event{}
	if got := ev.ResponseStatus(); len(got) != 0 {
		t.Fatalf("got %v, want empty map when absent", got)
	}
}

func TestCloseCauseOnAbruptClose(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		// Close the TCP side without a close frame.
		conn.UnderlyingConn().Close()
	})

	ch, err := Dial(context.Background(), DialOptions{URL: wsURL(srv)})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("channel did not report close")
	}
	if ch.CloseCause() == nil {
		t.Fatalf("got nil close cause, want error for abrupt close")
	}
}

func recvMsg(t *testing.T, msgs chan map[string]any) map[string]any {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}
