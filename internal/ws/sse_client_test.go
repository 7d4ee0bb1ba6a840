package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
)

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "preview", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Send([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "event: preview\ndata: {\"a\":1}\n\n: ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected stream:\n%q\nwant\n%q", got, want)
	}

	client.Close()
	if err := client.Send([]byte("late")); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	if !client.Closed() {
		t.Fatalf("expected client closed")
	}
}
