package gateway

import (
	"errors"
	"net/http"
)

var (
	// ErrPortInUse is returned when a fixed port already has a listener.
	ErrPortInUse = errors.New("port in use")

	// ErrNoFreePortInRange is returned when every port of a range is occupied.
	ErrNoFreePortInRange = errors.New("no free port in range")

	ErrWorkerNotFound     = errors.New("server not found")
	ErrMethodNotAllowed   = errors.New("method not allowed")
	ErrWorkerNotRunning   = errors.New("worker not running")
	ErrInvalidRequestBody = errors.New("invalid request body")
	ErrSpawnFailed        = errors.New("spawn failed")
	ErrProbeTimeout       = errors.New("probe timeout")
	ErrProbeUnreachable   = errors.New("probe unreachable")

	// ErrUpstreamFailed wraps a non-success answer from a fetched site or sidecar.
	ErrUpstreamFailed = errors.New("upstream failed")

	// errShuttingDown is returned by Spawn once Shutdown has begun.
	errShuttingDown = errors.New("gateway shutting down")
)

// errorCode maps err to the snake_case code and HTTP status used in
// structured error bodies. Unknown errors map to internal_error / 500.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, ErrWorkerNotFound):
		return "server_not_found", http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return "method_not_allowed", http.StatusMethodNotAllowed
	case errors.Is(err, ErrWorkerNotRunning):
		return "worker_not_running", http.StatusConflict
	case errors.Is(err, ErrInvalidRequestBody):
		return "invalid_request_body", http.StatusBadRequest
	case errors.Is(err, ErrSpawnFailed):
		return "spawn_failed", http.StatusBadGateway
	case errors.Is(err, ErrProbeTimeout):
		return "probe_timeout", http.StatusGatewayTimeout
	case errors.Is(err, ErrProbeUnreachable):
		return "probe_unreachable", http.StatusBadGateway
	case errors.Is(err, ErrUpstreamFailed):
		return "upstream_failed", http.StatusBadGateway
	case errors.Is(err, ErrPortInUse):
		return "port_in_use", http.StatusInternalServerError
	case errors.Is(err, ErrNoFreePortInRange):
		return "no_free_port_in_range", http.StatusInternalServerError
	case errors.Is(err, errShuttingDown):
		return "shutting_down", http.StatusServiceUnavailable
	}
	return "internal_error", http.StatusInternalServerError
}
