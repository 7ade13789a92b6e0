package gateway

import (
	"fmt"
	"net"
	"strconv"
)

// PortRequest selects how the listening port is chosen. Fixed wins over a
// range; an empty request defers the choice to the OS.
type PortRequest struct {
	Fixed      int
	RangeStart int
	RangeEnd   int
}

// PortAllocator picks a listening port by probing the host interface.
// A successful probe only means the port was free at probe time; the real
// reservation happens when the HTTP listener binds.
type PortAllocator struct {
	host  string
	probe func(host string, port int) bool
}

// NewPortAllocator returns an allocator probing on host (127.0.0.1 if empty).
func NewPortAllocator(host string) *PortAllocator {
	if host == "" {
		host = "127.0.0.1"
	}
	return &PortAllocator{host: host, probe: portFree}
}

// Allocate resolves req to a port number. It returns 0 when neither a fixed
// port nor a range is given, meaning "let the OS choose".
func (a *PortAllocator) Allocate(req PortRequest) (int, error) {
	if req.Fixed != 0 {
		if req.Fixed < 0 || req.Fixed > 65535 {
			return 0, fmt.Errorf("invalid port %d", req.Fixed)
		}
		if !a.probe(a.host, req.Fixed) {
			return 0, fmt.Errorf("%w: %d", ErrPortInUse, req.Fixed)
		}
		return req.Fixed, nil
	}

	if req.RangeStart != 0 || req.RangeEnd != 0 {
		start, end := req.RangeStart, req.RangeEnd
		if end == 0 {
			end = start
		}
		if start <= 0 || end > 65535 || start > end {
			return 0, fmt.Errorf("invalid port range [%d-%d]", start, end)
		}
		for port := start; port <= end; port++ {
			if a.probe(a.host, port) {
				return port, nil
			}
		}
		return 0, fmt.Errorf("%w [%d-%d]", ErrNoFreePortInRange, start, end)
	}

	return 0, nil
}

// portFree binds a throwaway listener on host:port and releases it.
func portFree(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
