package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWriteSSE_Framing(t *testing.T) {
	cases := []struct {
		name  string
		event string
		data  string
		want  string
	}{
		{"named", "message", `{"a":1}`, "event: message\ndata: {\"a\":1}\n\n"},
		{"unnamed", "", "hello", "data: hello\n\n"},
		{"multiline", "raw", "one\ntwo", "event: raw\ndata: one\ndata: two\n\n"},
		{"crlf", "raw", "one\r\ntwo", "event: raw\ndata: one\ndata: two\n\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b bytes.Buffer
			if err := writeSSE(&b, tc.event, []byte(tc.data)); err != nil {
				t.Fatal(err)
			}
			if b.String() != tc.want {
				t.Errorf("got %q, want %q", b.String(), tc.want)
			}
		})
	}
}

func TestWriteSSEPing(t *testing.T) {
	var b bytes.Buffer
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := writeSSEPing(&b, now); err != nil {
		t.Fatal(err)
	}
	if got, want := b.String(), ": ping 2026-01-02T03:04:05Z\n\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStreamSink_DropsWhenFull(t *testing.T) {
	s := newStreamSink()
	for i := 0; i < sinkBuffer; i++ {
		if !s.Send("message", []byte("x")) {
			t.Fatalf("send %d rejected before buffer full", i)
		}
	}
	if s.Send("message", []byte("overflow")) {
		t.Error("send accepted past buffer capacity")
	}
	if s.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", s.Dropped())
	}
}

func TestStreamSink_InertAfterClose(t *testing.T) {
	s := newStreamSink()
	s.Close()
	s.Close()
	if s.Send("message", []byte("x")) {
		t.Error("Send after Close reported success")
	}
	if s.Ping() {
		t.Error("Ping after Close reported success")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestSSESink_ServeWritesEventsAndHeartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := newSSESink(rec)
	if err != nil {
		t.Fatalf("newSSESink: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	sink.Send("message", []byte(`{"n":1}`))
	sink.Send("raw", []byte("two"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Serve(ctx, 20*time.Millisecond)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	first := strings.Index(body, "event: message\ndata: {\"n\":1}\n\n")
	second := strings.Index(body, "event: raw\ndata: two\n\n")
	if first < 0 || second < 0 || second < first {
		t.Errorf("events missing or out of order in %q", body)
	}
	if !strings.Contains(body, ": ping ") {
		t.Errorf("no heartbeat in %q", body)
	}
	if sink.Send("message", []byte("late")) {
		t.Error("sink accepted events after Serve returned")
	}
}

func TestWSSink_DeliversJSONFrames(t *testing.T) {
	sinks := make(chan *wsSink, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := newWSSink(conn)
		sinks <- s
		s.Serve(r.Context(), time.Minute)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	s := <-sinks
	s.Send("message", []byte(`{"n":1}`))
	s.Send("raw", []byte("plain text"))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []wsEvent
	for i := 0; i < 2; i++ {
		var ev struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got = append(got, wsEvent{Event: ev.Event, Data: string(ev.Data)})
	}
	if got[0].Event != "message" || got[0].Data != `{"n":1}` {
		t.Errorf("frame 0 = %+v", got[0])
	}
	if got[1].Event != "raw" || got[1].Data != `"plain text"` {
		t.Errorf("frame 1 = %+v", got[1])
	}

	conn.Close()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Error("sink not closed after peer went away")
	}
}
