package gateway

import (
	"sync"
	"sync/atomic"
)

// WorkerMetrics holds lifetime counters for one worker name.
type WorkerMetrics struct {
	Spawns       int64 `json:"spawns"`
	Exits        int64 `json:"exits"`
	Restarts     int64 `json:"restarts"`
	MessageLines int64 `json:"messageLines"`
	RawLines     int64 `json:"rawLines"`
	Filtered     int64 `json:"filtered"`
	Sends        int64 `json:"sends"`
	LastExitCode *int  `json:"lastExitCode"`
}

// GlobalMetrics is a point-in-time copy of the global counters.
type GlobalMetrics struct {
	Spawns        int64 `json:"spawns"`
	SpawnFailures int64 `json:"spawnFailures"`
	Exits         int64 `json:"exits"`
	Restarts      int64 `json:"restarts"`
	MessageLines  int64 `json:"messageLines"`
	RawLines      int64 `json:"rawLines"`
	Sends         int64 `json:"sends"`
	DroppedEvents int64 `json:"droppedEvents"`
}

// MetricsSnapshot is the /admin/metrics payload.
type MetricsSnapshot struct {
	Global  GlobalMetrics            `json:"global"`
	Workers map[string]WorkerMetrics `json:"workers"`
}

// Metrics is the in-memory counter registry; nothing survives a restart.
// Global counters are atomics since line counters are hit once per output
// line. Per-worker entries are guarded by mu.
type Metrics struct {
	mu sync.RWMutex

	spawns        atomic.Int64
	spawnFailures atomic.Int64
	exits         atomic.Int64
	restarts      atomic.Int64
	messageLines  atomic.Int64
	rawLines      atomic.Int64
	sends         atomic.Int64
	dropped       atomic.Int64

	byWorker map[string]*WorkerMetrics
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{byWorker: make(map[string]*WorkerMetrics)}
}

// entry returns (creating if needed) the counters for name. Caller holds mu.
func (m *Metrics) entry(name string) *WorkerMetrics {
	e, ok := m.byWorker[name]
	if !ok {
		e = &WorkerMetrics{}
		m.byWorker[name] = e
	}
	return e
}

func (m *Metrics) RecordSpawn(name string) {
	m.spawns.Add(1)
	m.mu.Lock()
	m.entry(name).Spawns++
	m.mu.Unlock()
}

func (m *Metrics) RecordSpawnFailure(name string) {
	m.spawnFailures.Add(1)
}

func (m *Metrics) RecordExit(name string, code *int) {
	m.exits.Add(1)
	m.mu.Lock()
	e := m.entry(name)
	e.Exits++
	if code != nil {
		c := *code
		e.LastExitCode = &c
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordRestart(name string) {
	m.restarts.Add(1)
	m.mu.Lock()
	m.entry(name).Restarts++
	m.mu.Unlock()
}

// RecordLine counts one stdout line. filtered lines were suppressed by the
// worker's output filter and are not counted as broadcast.
func (m *Metrics) RecordLine(name string, decoded, filtered bool) {
	if !filtered {
		if decoded {
			m.messageLines.Add(1)
		} else {
			m.rawLines.Add(1)
		}
	}
	m.mu.Lock()
	e := m.entry(name)
	switch {
	case filtered:
		e.Filtered++
	case decoded:
		e.MessageLines++
	default:
		e.RawLines++
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordSend(name string) {
	m.sends.Add(1)
	m.mu.Lock()
	m.entry(name).Sends++
	m.mu.Unlock()
}

// RecordDropped counts events a full or closed sink refused.
func (m *Metrics) RecordDropped(n int) {
	if n > 0 {
		m.dropped.Add(int64(n))
	}
}

func (m *Metrics) Global() GlobalMetrics {
	return GlobalMetrics{
		Spawns:        m.spawns.Load(),
		SpawnFailures: m.spawnFailures.Load(),
		Exits:         m.exits.Load(),
		Restarts:      m.restarts.Load(),
		MessageLines:  m.messageLines.Load(),
		RawLines:      m.rawLines.Load(),
		Sends:         m.sends.Load(),
		DroppedEvents: m.dropped.Load(),
	}
}

// Worker returns a copy of name's counters, or nil if never recorded.
func (m *Metrics) Worker(name string) *WorkerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byWorker[name]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	workers := make(map[string]WorkerMetrics, len(m.byWorker))
	for name, e := range m.byWorker {
		workers[name] = *e
	}
	m.mu.RUnlock()
	return MetricsSnapshot{Global: m.Global(), Workers: workers}
}
