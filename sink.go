package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// sinkBuffer is the number of events a sink holds before it starts dropping.
const sinkBuffer = 256

// DefaultHeartbeat is the stream keepalive interval.
const DefaultHeartbeat = 15 * time.Second

// Sink is one long-lived outbound event stream. Once the underlying
// connection ends the sink goes inert: Send and Ping report false and drop
// the event, they never panic or block.
type Sink interface {
	Send(event string, data []byte) bool
	Ping() bool
	Close()
	Done() <-chan struct{}
}

type frame struct {
	event string
	data  []byte
	ping  bool
}

// streamSink queues frames for a single writer goroutine (pump), which owns
// the connection. Frames leave in the order they were sent.
type streamSink struct {
	frames  chan frame
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newStreamSink() *streamSink {
	return &streamSink{
		frames: make(chan frame, sinkBuffer),
		done:   make(chan struct{}),
	}
}

func (s *streamSink) Send(event string, data []byte) bool {
	return s.enqueue(frame{event: event, data: data})
}

func (s *streamSink) Ping() bool {
	return s.enqueue(frame{ping: true})
}

func (s *streamSink) enqueue(f frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *streamSink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *streamSink) Done() <-chan struct{} {
	return s.done
}

// Dropped reports events discarded because the sink buffer was full.
func (s *streamSink) Dropped() int64 {
	return s.dropped.Load()
}

// pump writes queued frames and a heartbeat every interval until ctx ends,
// the sink is closed, or a write fails. The sink is closed on return.
func (s *streamSink) pump(ctx context.Context, heartbeat time.Duration, write func(frame) error) {
	defer s.Close()
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	tick := time.NewTicker(heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-tick.C:
			if err := write(frame{ping: true}); err != nil {
				return
			}
		case f := <-s.frames:
			if err := write(f); err != nil {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// sseSink: text/event-stream
// ---------------------------------------------------------------------------

type sseSink struct {
	*streamSink
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSESink prepares w for event streaming. It fails if w cannot flush.
func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{streamSink: newStreamSink(), w: w, flusher: flusher}, nil
}

// Serve blocks, writing frames until the client disconnects.
func (s *sseSink) Serve(ctx context.Context, heartbeat time.Duration) {
	s.pump(ctx, heartbeat, func(f frame) error {
		var err error
		if f.ping {
			err = writeSSEPing(s.w, time.Now().UTC())
		} else {
			err = writeSSE(s.w, f.event, f.data)
		}
		if err != nil {
			return err
		}
		s.flusher.Flush()
		return nil
	})
}

// writeSSE emits one event; a multi-line payload becomes several data lines.
func writeSSE(w io.Writer, event string, data []byte) error {
	var b bytes.Buffer
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		b.WriteString("data: ")
		b.Write(bytes.TrimSuffix(line, []byte{'\r'}))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := w.Write(b.Bytes())
	return err
}

func writeSSEPing(w io.Writer, now time.Time) error {
	_, err := fmt.Fprintf(w, ": ping %s\n\n", now.Format(time.RFC3339))
	return err
}

// ---------------------------------------------------------------------------
// wsSink: WebSocket
// ---------------------------------------------------------------------------

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// wsEvent is the JSON frame sent for each event.
type wsEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type wsSink struct {
	*streamSink
	conn *websocket.Conn
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{streamSink: newStreamSink(), conn: conn}
}

// Serve blocks until the peer goes away. A reader goroutine discards inbound
// frames so close and pong control messages are processed.
func (s *wsSink) Serve(ctx context.Context, heartbeat time.Duration) {
	defer s.conn.Close()
	go func() {
		defer s.Close()
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	s.pump(ctx, heartbeat, func(f frame) error {
		deadline := time.Now().Add(wsWriteWait)
		if f.ping {
			return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
		}
		_ = s.conn.SetWriteDeadline(deadline)
		var data any = string(f.data)
		if json.Valid(f.data) {
			data = json.RawMessage(f.data)
		}
		return s.conn.WriteJSON(wsEvent{Event: f.event, Data: data})
	})
}
