package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// ExitInfo records how a child process ended. Code is nil when the process
// was terminated by a signal.
type ExitInfo struct {
	Code     *int      `json:"code"`
	Signal   string    `json:"signal,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitedAt time.Time `json:"exitedAt"`
}

// maxStderrLine truncates stderr lines before they reach the log.
const maxStderrLine = 8 * 1024

// workerCallbacks decouples the child process from the supervisor. onLine is
// called from the single stdout reader goroutine, in read order. onExit fires
// once, after both output streams are drained and before the child reports
// itself exited.
type workerCallbacks struct {
	onLine   func(line Decoded[json.RawMessage])
	onStderr func(line string)
	onExit   func(exit ExitInfo)
}

// child is one running worker process.
type child struct {
	PID       int
	StartedAt time.Time

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	exited  chan struct{}
}

// startChild launches spec's command with the merged environment and starts
// the output and exit goroutines.
func startChild(spec WorkerSpec, cb workerCallbacks) (*child, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: %s: no command", ErrSpawnFailed, spec.Name)
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	// Own process group, so signals reach anything the worker forked.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Name, err)
	}

	c := &child{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		stdin:     stdin,
		exited:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pumpLines(stdout, cb.onLine)
	}()

	go func() {
		defer wg.Done()
		pumpLines(stderr, func(line Decoded[json.RawMessage]) {
			if cb.onStderr == nil {
				return
			}
			text := line.Raw
			if len(text) > maxStderrLine {
				text = text[:maxStderrLine] + "..."
			}
			cb.onStderr(text)
		})
	}()

	go func() {
		wg.Wait()
		err := cmd.Wait()
		exit := exitInfo(err)
		if cb.onExit != nil {
			cb.onExit(exit)
		}
		close(c.exited)
	}()

	return c, nil
}

// pumpLines reads r to EOF in chunks and hands every complete line to emit.
// Lines over maxLineBytes are split, never left unread, so the child cannot
// block on a full pipe.
func pumpLines(r io.Reader, emit func(Decoded[json.RawMessage])) {
	var dec LineDecoder[json.RawMessage]
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && emit != nil {
			for _, line := range dec.Feed(buf[:n]) {
				emit(line)
			}
		}
		if err != nil {
			break
		}
	}
	if emit != nil {
		for _, line := range dec.Flush() {
			emit(line)
		}
	}
}

func exitInfo(err error) ExitInfo {
	info := ExitInfo{ExitedAt: time.Now().UTC()}
	if err == nil {
		code := 0
		info.Code = &code
		return info
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
			return info
		}
		code := exitErr.ExitCode()
		info.Code = &code
		return info
	}
	code := -1
	info.Code = &code
	info.Error = err.Error()
	return info
}

// write sends payload as a single JSON line on the child's stdin.
func (c *child) write(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequestBody, err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.exited:
		return ErrWorkerNotRunning
	default:
	}
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerNotRunning, err)
	}
	return nil
}

// stop sends SIGTERM and escalates to SIGKILL after grace.
func (c *child) stop(grace time.Duration) {
	select {
	case <-c.exited:
		return
	default:
	}
	c.signal(syscall.SIGTERM)
	go func() {
		select {
		case <-c.exited:
		case <-time.After(grace):
			c.signal(syscall.SIGKILL)
		}
	}()
}

// kill terminates the child immediately.
func (c *child) kill() {
	c.signal(syscall.SIGKILL)
}

// signal delivers sig to the child's process group, falling back to the
// child alone.
func (c *child) signal(sig syscall.Signal) {
	if err := syscall.Kill(-c.PID, sig); err != nil {
		_ = c.cmd.Process.Signal(sig)
	}
}

// mergeEnv overlays extra on base. Keys from extra replace matching entries.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, ok := extra[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
