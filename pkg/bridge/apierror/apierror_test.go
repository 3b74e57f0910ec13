package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFromError_Canonical(t *testing.T) {
	src := NewNotFound("call not found", "call_abc")
	got, status := FromError(fmt.Errorf("lookup: %w", src), "req_1")
	if status != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", status)
	}
	if got.Type != ErrNotFound || got.CallID != "call_abc" {
		t.Fatalf("got=%+v, want not_found for call_abc", got)
	}
	if got.RequestID != "req_1" {
		t.Fatalf("request_id=%q, want req_1", got.RequestID)
	}
	if src.RequestID != "" {
		t.Fatalf("FromError must not mutate the source error")
	}
}

func TestFromError_ContextAndUnknown(t *testing.T) {
	if _, status := FromError(context.DeadlineExceeded, ""); status != http.StatusGatewayTimeout {
		t.Fatalf("deadline status=%d, want 504", status)
	}
	if _, status := FromError(context.Canceled, ""); status != http.StatusRequestTimeout {
		t.Fatalf("canceled status=%d, want 408", status)
	}
	got, status := FromError(errors.New("boom"), "req_2")
	if status != http.StatusInternalServerError {
		t.Fatalf("unknown status=%d, want 500", status)
	}
	if got.Message != "internal error" {
		t.Fatalf("unknown errors must not leak details, got %q", got.Message)
	}
}

func TestStatusFromType(t *testing.T) {
	cases := map[ErrorType]int{
		ErrInvalidRequest: 400,
		ErrAuthentication: 401,
		ErrNotFound:       404,
		ErrProvider:       502,
		ErrAPI:            502,
		ErrOverloaded:     529,
		ErrorType("???"):  500,
	}
	for typ, want := range cases {
		if got := StatusFromType(typ); got != want {
			t.Fatalf("StatusFromType(%s)=%d, want %d", typ, got, want)
		}
	}
}

func TestWriteJSON_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusBadRequest, NewInvalidRequest("bad payload", "body"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code=%d, want 400", rec.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error == nil || env.Error.Type != ErrInvalidRequest || env.Error.Param != "body" {
		t.Fatalf("envelope=%+v, want invalid_request_error with param=body", env.Error)
	}
}
