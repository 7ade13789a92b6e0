package gateway

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestLineDecoder_SplitsAcrossChunks(t *testing.T) {
	var d LineDecoder[json.RawMessage]
	if got := d.Feed([]byte(`{"a":`)); len(got) != 0 {
		t.Fatalf("partial line emitted: %v", got)
	}
	got := d.Feed([]byte("1}\nplain text\n{\"b\""))
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if !got[0].OK || string(got[0].Value) != `{"a":1}` {
		t.Errorf("line 0 = %+v, want JSON {\"a\":1}", got[0])
	}
	if got[1].OK || got[1].Raw != "plain text" {
		t.Errorf("line 1 = %+v, want raw 'plain text'", got[1])
	}

	got = d.Feed([]byte(":2}\n"))
	if len(got) != 1 || !got[0].OK || got[0].Raw != `{"b":2}` {
		t.Errorf("third chunk = %+v", got)
	}
}

func TestLineDecoder_SkipsBlankAndTrimsCR(t *testing.T) {
	var d LineDecoder[map[string]any]
	got := d.Feed([]byte("\n   \r\n{\"x\":true}\r\n"))
	if len(got) != 1 {
		t.Fatalf("expected 1 line, got %d: %+v", len(got), got)
	}
	if !got[0].OK || got[0].Value["x"] != true {
		t.Errorf("decoded = %+v", got[0])
	}
}

func TestLineDecoder_TypedFallback(t *testing.T) {
	type msg struct {
		ID int `json:"id"`
	}
	var d LineDecoder[msg]
	got := d.Feed([]byte("{\"id\":7}\n[1,2]\n"))
	if len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(got))
	}
	if !got[0].OK || got[0].Value.ID != 7 {
		t.Errorf("line 0 = %+v", got[0])
	}
	if got[1].OK {
		t.Errorf("array must not decode into struct: %+v", got[1])
	}
	if got[1].Raw != "[1,2]" {
		t.Errorf("raw = %q", got[1].Raw)
	}
}

func TestLineDecoder_FlushRemainder(t *testing.T) {
	var d LineDecoder[json.RawMessage]
	d.Feed([]byte("tail without newline"))
	got := d.Flush()
	if len(got) != 1 || got[0].Raw != "tail without newline" || got[0].OK {
		t.Fatalf("Flush = %+v", got)
	}
	if again := d.Flush(); again != nil {
		t.Errorf("second Flush = %+v, want nil", again)
	}
}

func TestLineDecoder_OrderPreserved(t *testing.T) {
	var d LineDecoder[json.RawMessage]
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString(`{"n":`)
		b.WriteString(strings.Repeat("1", i%5+1))
		b.WriteString("}\n")
	}
	got := d.Feed([]byte(b.String()))
	if len(got) != 100 {
		t.Fatalf("got %d lines, want 100", len(got))
	}
	for i, l := range got {
		want := `{"n":` + strings.Repeat("1", i%5+1) + "}"
		if l.Raw != want {
			t.Fatalf("line %d = %q, want %q", i, l.Raw, want)
		}
	}
}

func TestLineDecoder_OversizeLineEmittedRaw(t *testing.T) {
	var d LineDecoder[json.RawMessage]
	big := strings.Repeat("x", maxLineBytes+1)
	got := d.Feed([]byte(big))
	if len(got) != 1 || got[0].OK || len(got[0].Raw) != len(big) {
		t.Fatalf("oversize line not emitted raw: %d lines", len(got))
	}
	if d.buf != nil {
		t.Error("buffer not reset after oversize emit")
	}
}
