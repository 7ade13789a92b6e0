package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// collector gathers callbacks from one child.
type collector struct {
	mu     sync.Mutex
	lines  []Decoded[json.RawMessage]
	stderr []string
	exit   chan ExitInfo
}

func newCollector() *collector {
	return &collector{exit: make(chan ExitInfo, 1)}
}

func (c *collector) callbacks() workerCallbacks {
	return workerCallbacks{
		onLine: func(l Decoded[json.RawMessage]) {
			c.mu.Lock()
			c.lines = append(c.lines, l)
			c.mu.Unlock()
		},
		onStderr: func(s string) {
			c.mu.Lock()
			c.stderr = append(c.stderr, s)
			c.mu.Unlock()
		},
		onExit: func(e ExitInfo) { c.exit <- e },
	}
}

func (c *collector) waitExit(t *testing.T) ExitInfo {
	t.Helper()
	select {
	case e := <-c.exit:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
		return ExitInfo{}
	}
}

func shSpec(name, script string) WorkerSpec {
	return WorkerSpec{Name: name, Command: "/bin/sh", Args: []string{"-c", script}, Enabled: true}
}

func TestStartChild_StdoutDecodedInOrder(t *testing.T) {
	c := newCollector()
	_, err := startChild(shSpec("t", `echo '{"n":1}'; echo hello; echo '{"n":2}'`), c.callbacks())
	if err != nil {
		t.Fatalf("startChild: %v", err)
	}
	exit := c.waitExit(t)
	if exit.Code == nil || *exit.Code != 0 {
		t.Errorf("exit code = %v, want 0", exit.Code)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(c.lines))
	}
	if !c.lines[0].OK || string(c.lines[0].Value) != `{"n":1}` {
		t.Errorf("line 0 = %+v", c.lines[0])
	}
	if c.lines[1].OK || c.lines[1].Raw != "hello" {
		t.Errorf("line 1 = %+v", c.lines[1])
	}
	if !c.lines[2].OK {
		t.Errorf("line 2 = %+v", c.lines[2])
	}
}

func TestStartChild_StderrAndExitCode(t *testing.T) {
	c := newCollector()
	_, err := startChild(shSpec("t", `echo oops >&2; exit 3`), c.callbacks())
	if err != nil {
		t.Fatalf("startChild: %v", err)
	}
	exit := c.waitExit(t)
	if exit.Code == nil || *exit.Code != 3 {
		t.Errorf("exit code = %v, want 3", exit.Code)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stderr) != 1 || c.stderr[0] != "oops" {
		t.Errorf("stderr = %v", c.stderr)
	}
	if len(c.lines) != 0 {
		t.Errorf("stderr leaked to stdout lines: %v", c.lines)
	}
}

func TestStartChild_OversizedStderrLineKeepsDraining(t *testing.T) {
	c := newCollector()
	script := `head -c 6000000 /dev/zero | tr '\0' x >&2; echo '{"after":1}'`
	if _, err := startChild(shSpec("t", script), c.callbacks()); err != nil {
		t.Fatalf("startChild: %v", err)
	}
	exit := c.waitExit(t)
	if exit.Code == nil || *exit.Code != 0 {
		t.Errorf("exit = %+v, want code 0", exit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) != 1 || !c.lines[0].OK || string(c.lines[0].Value) != `{"after":1}` {
		t.Errorf("stdout lines = %v", c.lines)
	}
	if len(c.stderr) < 2 {
		t.Errorf("stderr lines = %d, want the long line split", len(c.stderr))
	}
	for i, s := range c.stderr {
		if len(s) > maxStderrLine+3 {
			t.Errorf("stderr line %d has %d bytes", i, len(s))
		}
	}
}

func TestStartChild_EnvAndWorkingDir(t *testing.T) {
	dir := t.TempDir()
	spec := shSpec("t", `echo "$GREETING"; pwd`)
	spec.Env = map[string]string{"GREETING": "hi"}
	spec.WorkingDir = dir

	c := newCollector()
	if _, err := startChild(spec, c.callbacks()); err != nil {
		t.Fatalf("startChild: %v", err)
	}
	c.waitExit(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) != 2 {
		t.Fatalf("lines = %v", c.lines)
	}
	if c.lines[0].Raw != "hi" {
		t.Errorf("env not applied: %q", c.lines[0].Raw)
	}
	if !strings.HasSuffix(c.lines[1].Raw, dir) && c.lines[1].Raw != dir {
		t.Errorf("pwd = %q, want %q", c.lines[1].Raw, dir)
	}
}

func TestStartChild_KillReportsSignal(t *testing.T) {
	c := newCollector()
	ch, err := startChild(shSpec("t", `exec sleep 30`), c.callbacks())
	if err != nil {
		t.Fatalf("startChild: %v", err)
	}
	ch.kill()
	exit := c.waitExit(t)
	if exit.Code != nil {
		t.Errorf("code = %d, want nil for signalled exit", *exit.Code)
	}
	if exit.Signal != "killed" {
		t.Errorf("signal = %q, want killed", exit.Signal)
	}
}

func TestChild_WriteEchoesLine(t *testing.T) {
	c := newCollector()
	ch, err := startChild(shSpec("t", `read line; echo "$line"`), c.callbacks())
	if err != nil {
		t.Fatalf("startChild: %v", err)
	}
	if err := ch.write(map[string]any{"op": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.waitExit(t)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) != 1 || c.lines[0].Raw != `{"op":"ping"}` {
		t.Errorf("echoed lines = %+v", c.lines)
	}

	if err := ch.write("late"); err == nil {
		t.Error("write after exit succeeded")
	}
}

func TestChild_StopEscalates(t *testing.T) {
	c := newCollector()
	ch, err := startChild(shSpec("t", `trap '' TERM; while :; do sleep 0.05; done`), c.callbacks())
	if err != nil {
		t.Fatalf("startChild: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	ch.stop(200 * time.Millisecond)
	exit := c.waitExit(t)
	if exit.Signal != "killed" {
		t.Errorf("signal = %q, want killed after grace", exit.Signal)
	}
}

func TestStartChild_MissingCommand(t *testing.T) {
	_, err := startChild(WorkerSpec{Name: "x", Command: "/nonexistent/binary"}, workerCallbacks{})
	if err == nil {
		t.Fatal("expected error")
	}
	if code, _ := errorCode(err); code != "spawn_failed" {
		t.Errorf("code = %q, want spawn_failed", code)
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2", "PATH=/bin"}, map[string]string{"B": "x", "C": "3"})
	want := []string{"A=1", "PATH=/bin", "B=x", "C=3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("mergeEnv = %v, want %v", got, want)
	}
	base := []string{"A=1"}
	if got := mergeEnv(base, nil); len(got) != 1 {
		t.Errorf("nil overlay changed base: %v", got)
	}
}
