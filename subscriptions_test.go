package gateway

import "testing"

func TestSubscriptionRegistry_AddRemoveCount(t *testing.T) {
	r := newSubscriptionRegistry()
	a, b := newStreamSink(), newStreamSink()
	r.Add("demo", a)
	r.Add("demo", b)
	r.Add("demo", a)
	r.Add("other", a)
	if got := r.Count("demo"); got != 2 {
		t.Errorf("Count(demo) = %d, want 2", got)
	}

	r.Remove("demo", a)
	r.Remove("demo", a)
	r.Remove("missing", b)
	if got := r.Count("demo"); got != 1 {
		t.Errorf("Count(demo) after remove = %d, want 1", got)
	}

	r.Remove("demo", b)
	counts := r.Counts()
	if _, ok := counts["demo"]; ok {
		t.Errorf("empty set still listed: %v", counts)
	}
	if counts["other"] != 1 {
		t.Errorf("Counts = %v", counts)
	}
}

func TestSubscriptionRegistry_BroadcastCountsDrops(t *testing.T) {
	r := newSubscriptionRegistry()
	live, closed := newStreamSink(), newStreamSink()
	closed.Close()
	r.Add("demo", live)
	r.Add("demo", closed)

	sent, dropped := r.Broadcast("demo", EventMessage, []byte(`{}`))
	if sent != 1 || dropped != 1 {
		t.Errorf("Broadcast = (%d, %d), want (1, 1)", sent, dropped)
	}
	if sent, dropped := r.Broadcast("nobody", EventRaw, []byte("x")); sent != 0 || dropped != 0 {
		t.Errorf("Broadcast to empty name = (%d, %d)", sent, dropped)
	}

	f := <-live.frames
	if f.event != EventMessage || string(f.data) != `{}` {
		t.Errorf("frame = %+v", f)
	}
}
