package gateway

import (
	"encoding/json"
	"testing"
)

func decodedLine(raw string) Decoded[json.RawMessage] {
	var d LineDecoder[json.RawMessage]
	out := d.Feed([]byte(raw + "\n"))
	return out[0]
}

func TestCompileOutputFilter_Empty(t *testing.T) {
	f, err := CompileOutputFilter("")
	if err != nil || f != nil {
		t.Fatalf("CompileOutputFilter(\"\") = %v, %v", f, err)
	}
	ok, err := f.Allow(decodedLine("anything"))
	if !ok || err != nil {
		t.Errorf("nil filter Allow = %v, %v", ok, err)
	}
	if f.String() != "" {
		t.Errorf("nil filter String = %q", f.String())
	}
}

func TestCompileOutputFilter_Rejects(t *testing.T) {
	for _, expr := range []string{
		"output.",
		`"not a bool"`,
		"1 + 2",
		"unknown_var == 1",
	} {
		if _, err := CompileOutputFilter(expr); err == nil {
			t.Errorf("CompileOutputFilter(%q) accepted", expr)
		}
	}
}

func TestOutputFilter_Allow(t *testing.T) {
	cases := []struct {
		expr string
		line string
		want bool
	}{
		{`output.stream == "stdout"`, "x", true},
		{`output.data.startsWith("keep")`, "keep me", true},
		{`output.data.startsWith("keep")`, "drop me", false},
		{`has(output.json.level) && output.json.level != "debug"`, `{"level":"info"}`, true},
		{`has(output.json.level) && output.json.level != "debug"`, `{"level":"debug"}`, false},
		{`has(output.json.level) && output.json.level != "debug"`, "not json", false},
		{`!has(output.json.level) || output.json.level != "debug"`, "[1,2]", true},
		{`output.json.n > 2.0`, `{"n":3}`, true},
	}
	for _, tc := range cases {
		f, err := CompileOutputFilter(tc.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.expr, err)
		}
		got, err := f.Allow(decodedLine(tc.line))
		if err != nil {
			t.Errorf("%q on %q: %v", tc.expr, tc.line, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q on %q = %v, want %v", tc.expr, tc.line, got, tc.want)
		}
	}
}

func TestOutputFilter_EvalErrorReported(t *testing.T) {
	f, err := CompileOutputFilter(`output.json.level == "info"`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Allow(decodedLine("plain")); err == nil {
		t.Error("expected eval error for missing key")
	}
	if f.String() != `output.json.level == "info"` {
		t.Errorf("String = %q", f.String())
	}
}
