package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBackoffBaseMs = 500
	defaultBackoffMaxMs  = 30000
	defaultStopGrace     = 5 * time.Second
)

// backoffMs returns min(maxMs, baseMs * 2^restarts).
func backoffMs(restarts, baseMs, maxMs int) int {
	if baseMs <= 0 {
		baseMs = defaultBackoffBaseMs
	}
	if maxMs <= 0 {
		maxMs = defaultBackoffMaxMs
	}
	d := baseMs
	for i := 0; i < restarts; i++ {
		d *= 2
		if d >= maxMs {
			return maxMs
		}
	}
	if d > maxMs {
		return maxMs
	}
	return d
}

// SupervisorConfig wires the supervisor's collaborators. Only Subscriptions
// is required.
type SupervisorConfig struct {
	Subscriptions *SubscriptionRegistry
	Metrics       *Metrics
	Store         *ExitStore
	Logger        *slog.Logger
	BackoffBaseMs int
	BackoffMaxMs  int
	StopGrace     time.Duration
}

// managed is the per-name entry. gen increments on every start so callbacks
// from an older child are ignored.
type managed struct {
	spec  WorkerSpec
	state ProcessState
	child *child
	timer *time.Timer
	gen   int
}

// Supervisor owns at most one live child per worker name, fans its output out
// to subscribers, and restarts it after a crash while anyone is listening.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*managed
	closed bool

	subs      *SubscriptionRegistry
	metrics   *Metrics
	store     *ExitStore
	logger    *slog.Logger
	workerLog *slog.Logger
	baseMs    int
	maxMs     int
	grace     time.Duration
}

// NewSupervisor returns a supervisor with no processes.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Subscriptions == nil {
		cfg.Subscriptions = newSubscriptionRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Supervisor{
		procs:     make(map[string]*managed),
		subs:      cfg.Subscriptions,
		metrics:   cfg.Metrics,
		store:     cfg.Store,
		logger:    cfg.Logger.With("component", "supervisor"),
		workerLog: cfg.Logger.With("component", "worker"),
		baseMs:    cfg.BackoffBaseMs,
		maxMs:     cfg.BackoffMaxMs,
		grace:     cfg.StopGrace,
	}
}

// Subscriptions exposes the registry the supervisor broadcasts to.
func (s *Supervisor) Subscriptions() *SubscriptionRegistry { return s.subs }

// Spawn ensures spec's worker is running. A running worker is returned
// unchanged. A failed launch leaves the worker degraded and returns an error
// wrapping ErrSpawnFailed.
func (s *Supervisor) Spawn(spec WorkerSpec) (ProcessState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ProcessState{Name: spec.Name, Status: StatusIdle}, errShuttingDown
	}
	m, ok := s.procs[spec.Name]
	if !ok {
		m = &managed{spec: spec, state: ProcessState{Name: spec.Name, Status: StatusIdle}}
		s.procs[spec.Name] = m
	}
	if m.state.Status == StatusRunning {
		return m.state, nil
	}
	st, err := s.startLocked(m)
	if err != nil {
		s.broadcastSpawnFailure(m, err)
	}
	return st, err
}

// startLocked launches m's child. Caller holds s.mu, so exit callbacks of the
// new child cannot observe the entry before it is marked running.
func (s *Supervisor) startLocked(m *managed) (ProcessState, error) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	gen := m.gen
	name := m.spec.Name
	filter := m.spec.Filter
	m.state.Status = StatusStarting

	// Output waits for the running state event so subscribers never see a
	// line from a child they were not told about.
	announced := make(chan struct{})
	defer close(announced)
	c, err := startChild(m.spec, workerCallbacks{
		onLine: func(line Decoded[json.RawMessage]) {
			<-announced
			s.publishLine(name, filter, line)
		},
		onStderr: func(line string) { s.workerLog.Warn(line, "name", name, "stream", "stderr") },
		onExit:   func(exit ExitInfo) { s.onExit(name, gen, exit) },
	})
	if err != nil {
		m.state.Status = StatusDegraded
		m.state.PID = 0
		s.metrics.RecordSpawnFailure(name)
		s.logger.Error("spawn failed", "name", name, "error", err)
		return m.state, err
	}

	started := c.StartedAt
	m.child = c
	m.state.Status = StatusRunning
	m.state.PID = c.PID
	m.state.StartedAt = &started
	s.metrics.RecordSpawn(name)
	s.logger.Info("worker started", "name", name, "pid", c.PID, "restarts", m.state.RestartCount)
	s.broadcastState(name, StateEvent{Status: StatusRunning, PID: c.PID, Restarts: m.state.RestartCount})
	return m.state, nil
}

// publishLine runs on the child's stdout goroutine, once per line, in order.
func (s *Supervisor) publishLine(name string, filter *OutputFilter, line Decoded[json.RawMessage]) {
	allow, err := filter.Allow(line)
	if err != nil {
		s.logger.Warn("output filter failed", "name", name, "filter", filter.String(), "error", err)
		allow = true
	}
	s.metrics.RecordLine(name, line.OK, !allow)
	if !allow {
		return
	}
	event, data := EventRaw, []byte(line.Raw)
	if line.OK {
		event, data = EventMessage, line.Value
	}
	_, dropped := s.subs.Broadcast(name, event, data)
	s.metrics.RecordDropped(dropped)
}

func (s *Supervisor) onExit(name string, gen int, exit ExitInfo) {
	s.mu.Lock()
	m, ok := s.procs[name]
	if !ok || m.gen != gen {
		s.mu.Unlock()
		return
	}
	m.child = nil
	m.state.RestartCount++
	m.state.BackoffMs = backoffMs(m.state.RestartCount, s.baseMs, s.maxMs)
	m.state.Status = StatusDegraded
	m.state.Exit = &exit
	m.state.PID = 0
	restarts, backoff := m.state.RestartCount, m.state.BackoffMs

	s.broadcastState(name, StateEvent{Status: StatusDegraded, Exit: &exit, Restarts: restarts, BackoffMs: backoff})

	scheduled := false
	if !s.closed && s.subs.Count(name) > 0 {
		scheduled = true
		m.timer = time.AfterFunc(time.Duration(backoff)*time.Millisecond, func() { s.restart(name, gen) })
	}
	closed := s.closed
	s.mu.Unlock()

	s.metrics.RecordExit(name, exit.Code)
	attrs := []any{"name", name, "restarts", restarts, "backoff_ms", backoff, "restart_scheduled", scheduled}
	if exit.Code != nil {
		attrs = append(attrs, "code", *exit.Code)
	}
	if exit.Signal != "" {
		attrs = append(attrs, "signal", exit.Signal)
	}
	if closed {
		s.logger.Info("worker stopped", attrs...)
	} else {
		s.logger.Warn("worker exited", attrs...)
	}

	if s.store != nil {
		rec := ExitRecord{Name: name, Code: exit.Code, Signal: exit.Signal, Restarts: restarts, ExitedAt: exit.ExitedAt}
		if err := s.store.RecordExit(context.Background(), rec); err != nil {
			s.logger.Error("record exit failed", "name", name, "error", err)
		}
	}
}

// restart is the backoff timer callback. gen is the generation that exited;
// anything that started the worker in the meantime cancels this restart.
func (s *Supervisor) restart(name string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.procs[name]
	if !ok || s.closed || m.gen != gen || m.state.Status != StatusDegraded {
		return
	}
	m.timer = nil
	s.metrics.RecordRestart(name)
	if _, err := s.startLocked(m); err != nil {
		if s.subs.Count(name) > 0 {
			m.state.RestartCount++
			m.state.BackoffMs = backoffMs(m.state.RestartCount, s.baseMs, s.maxMs)
			next := m.gen
			m.timer = time.AfterFunc(time.Duration(m.state.BackoffMs)*time.Millisecond, func() { s.restart(name, next) })
		}
		s.broadcastSpawnFailure(m, err)
	}
}

// broadcastSpawnFailure tells m's subscribers a launch failed. Caller holds s.mu.
func (s *Supervisor) broadcastSpawnFailure(m *managed, err error) {
	s.broadcastState(m.spec.Name, StateEvent{
		Status:    StatusDegraded,
		Exit:      m.state.Exit,
		Restarts:  m.state.RestartCount,
		BackoffMs: m.state.BackoffMs,
		Error:     err.Error(),
	})
}

// broadcastState marshals ev and sends it to name's subscribers.
func (s *Supervisor) broadcastState(name string, ev StateEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, dropped := s.subs.Broadcast(name, EventState, data)
	s.metrics.RecordDropped(dropped)
}

// Send writes payload as one JSON line to the worker's stdin.
func (s *Supervisor) Send(name string, payload any) error {
	s.mu.Lock()
	m, ok := s.procs[name]
	var c *child
	if ok && m.state.Status == StatusRunning {
		c = m.child
	}
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ErrWorkerNotRunning, name)
	}
	if err := c.write(payload); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.metrics.RecordSend(name)
	return nil
}

// State returns the current state of name; unknown names are idle.
func (s *Supervisor) State(name string) ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.procs[name]; ok {
		return m.state
	}
	return ProcessState{Name: name, Status: StatusIdle}
}

// States returns a copy of every known state keyed by name.
func (s *Supervisor) States() map[string]ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ProcessState, len(s.procs))
	for name, m := range s.procs {
		out[name] = m.state
	}
	return out
}

// Subscribe registers sink for name's events and sends it the current state.
func (s *Supervisor) Subscribe(name string, sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ProcessState{Name: name, Status: StatusIdle}
	if m, ok := s.procs[name]; ok {
		st = m.state
	}
	data, err := json.Marshal(StateEvent{Status: st.Status, PID: st.PID, Exit: st.Exit, Restarts: st.RestartCount, BackoffMs: st.BackoffMs})
	if err == nil {
		sink.Send(EventState, data)
	}
	s.subs.Add(name, sink)
}

// Unsubscribe removes sink. The worker keeps running even when it was the
// last subscriber.
func (s *Supervisor) Unsubscribe(name string, sink Sink) {
	s.subs.Remove(name, sink)
}

// Kill terminates name's child immediately, as a crash would. It reports
// whether a child was running.
func (s *Supervisor) Kill(name string) bool {
	s.mu.Lock()
	m, ok := s.procs[name]
	var c *child
	if ok {
		c = m.child
	}
	s.mu.Unlock()
	if c == nil {
		return false
	}
	c.kill()
	return true
}

// Shutdown stops restart timers, sends SIGTERM to every child and escalates
// to SIGKILL after the grace period. It returns once all children exited or
// ctx ends.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var children []*child
	for _, m := range s.procs {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		if m.child != nil {
			children = append(children, m.child)
		}
	}
	s.mu.Unlock()

	for _, c := range children {
		c.stop(s.grace)
	}
	for _, c := range children {
		select {
		case <-c.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
