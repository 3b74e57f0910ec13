package sessions

import (
	"context"
	"testing"
	"time"
)

type fakeSession struct {
	callID string
	status string
	ended  []string
	done   chan struct{}
}

func newFakeSession(callID string) *fakeSession {
	return &fakeSession{callID: callID, status: "live", done: make(chan struct{})}
}

func (s *fakeSession) CallID() string        { return s.callID }
func (s *fakeSession) Status() string        { return s.status }
func (s *fakeSession) End(reason string)     { s.ended = append(s.ended, reason) }
func (s *fakeSession) Done() <-chan struct{} { return s.done }

func TestBeginAcceptSuppressesDuplicates(t *testing.T) {
	r := NewRegistry()
	if !r.BeginAccept("rtc_1") {
		t.Fatalf("first BeginAccept: got false, want true")
	}
	if r.BeginAccept("rtc_1") {
		t.Fatalf("duplicate BeginAccept while accepting: got true, want false")
	}

	s := newFakeSession("rtc_1")
	r.FinishAccept("rtc_1", s)
	if r.BeginAccept("rtc_1") {
		t.Fatalf("BeginAccept while live: got true, want false")
	}

	r.Remove("rtc_1")
	if !r.BeginAccept("rtc_1") {
		t.Fatalf("BeginAccept after removal: got false, want true")
	}
}

func TestAbortAcceptClearsMarker(t *testing.T) {
	r := NewRegistry()
	r.BeginAccept("rtc_1")
	r.AbortAccept("rtc_1")
	if !r.BeginAccept("rtc_1") {
		t.Fatalf("BeginAccept after abort: got false, want true")
	}
}

func TestGetAndLen(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("rtc_1"); ok {
		t.Fatalf("got session before registration")
	}
	r.BeginAccept("rtc_1")
	r.FinishAccept("rtc_1", newFakeSession("rtc_1"))
	if got, ok := r.Get("rtc_1"); !ok || got.CallID() != "rtc_1" {
		t.Fatalf("got %v ok=%v, want registered session", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("got len=%d, want 1", r.Len())
	}
	r.Remove("rtc_1")
	r.Remove("rtc_1") // second remove is a no-op
	if r.Len() != 0 {
		t.Fatalf("got len=%d, want 0", r.Len())
	}
}

func TestEndAll(t *testing.T) {
	r := NewRegistry()
	a := newFakeSession("a")
	b := newFakeSession("b")
	r.BeginAccept("a")
	r.FinishAccept("a", a)
	r.BeginAccept("b")
	r.FinishAccept("b", b)

	if got := r.EndAll("shutdown"); got != 2 {
		t.Fatalf("got ended=%d, want 2", got)
	}
	if len(a.ended) != 1 || a.ended[0] != "shutdown" {
		t.Fatalf("got a.ended=%v, want [shutdown]", a.ended)
	}
}

func TestWaitDrains(t *testing.T) {
	r := NewRegistry()
	r.BeginAccept("rtc_1")
	r.FinishAccept("rtc_1", newFakeSession("rtc_1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("got drained=true with live session")
	}

	r.Remove("rtc_1")
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if !r.Wait(ctx2) {
		t.Fatalf("got drained=false after removal")
	}
}
