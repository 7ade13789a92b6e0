package gateway

import (
	"sync"
	"testing"
)

func TestMetrics_WorkerCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordSpawn("demo")
	m.RecordLine("demo", true, false)
	m.RecordLine("demo", false, false)
	m.RecordLine("demo", true, true)
	m.RecordSend("demo")
	m.RecordExit("demo", intPtr(2))
	m.RecordRestart("demo")
	m.RecordSpawn("demo")

	w := m.Worker("demo")
	if w == nil {
		t.Fatal("no entry for demo")
	}
	if w.Spawns != 2 || w.Exits != 1 || w.Restarts != 1 || w.Sends != 1 {
		t.Errorf("lifecycle counters = %+v", w)
	}
	if w.MessageLines != 1 || w.RawLines != 1 || w.Filtered != 1 {
		t.Errorf("line counters = %+v", w)
	}
	if w.LastExitCode == nil || *w.LastExitCode != 2 {
		t.Errorf("last exit code = %v", w.LastExitCode)
	}

	g := m.Global()
	if g.Spawns != 2 || g.MessageLines != 1 || g.RawLines != 1 {
		t.Errorf("global = %+v", g)
	}
}

func TestMetrics_SignalExitKeepsLastCode(t *testing.T) {
	m := NewMetrics()
	m.RecordExit("demo", intPtr(1))
	m.RecordExit("demo", nil)
	if w := m.Worker("demo"); w.LastExitCode == nil || *w.LastExitCode != 1 {
		t.Errorf("last exit code = %v, want 1", w.LastExitCode)
	}
}

func TestMetrics_UnknownWorkerNil(t *testing.T) {
	if NewMetrics().Worker("nope") != nil {
		t.Error("expected nil for unknown worker")
	}
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := NewMetrics()
	m.RecordSpawn("a")
	snap := m.Snapshot()
	w := snap.Workers["a"]
	w.Spawns = 99
	if m.Worker("a").Spawns != 1 {
		t.Error("snapshot aliases internal state")
	}
}

func TestMetrics_Dropped(t *testing.T) {
	m := NewMetrics()
	m.RecordDropped(0)
	m.RecordDropped(3)
	if got := m.Global().DroppedEvents; got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				m.RecordLine("demo", true, false)
			}
		}()
	}
	wg.Wait()
	if got := m.Worker("demo").MessageLines; got != 4000 {
		t.Errorf("message lines = %d, want 4000", got)
	}
	if got := m.Global().MessageLines; got != 4000 {
		t.Errorf("global message lines = %d, want 4000", got)
	}
}
