package gateway

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// HostAllowlist admits requests by their Host header. Entries are hostnames,
// bare IPs or CIDR ranges. An empty allowlist admits everything.
type HostAllowlist struct {
	names map[string]struct{}
	nets  []*net.IPNet
}

// ParseHostAllowlist parses allowlist entries. Anything that is neither an IP
// nor a CIDR is treated as a hostname and compared case-insensitively.
func ParseHostAllowlist(entries []string) (*HostAllowlist, error) {
	a := &HostAllowlist{names: make(map[string]struct{})}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			_, ipnet, err := net.ParseCIDR(e)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR in allowed hosts: %s", e)
			}
			a.nets = append(a.nets, ipnet)
			continue
		}
		if ip := net.ParseIP(strings.Trim(e, "[]")); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			a.nets = append(a.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		a.names[strings.ToLower(e)] = struct{}{}
	}
	return a, nil
}

// Empty reports whether the allowlist admits every host.
func (a *HostAllowlist) Empty() bool {
	return a == nil || (len(a.names) == 0 && len(a.nets) == 0)
}

// Allowed reports whether the request's Host header is admitted.
func (a *HostAllowlist) Allowed(r *http.Request) bool {
	if a.Empty() {
		return true
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if _, ok := a.names[host]; ok {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware rejects requests from hosts that are not allowed.
func (a *HostAllowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r) {
			writeJSON(w, http.StatusForbidden, ErrorBody{OK: false, Error: "host_not_allowed", Detail: r.Host})
			return
		}
		next.ServeHTTP(w, r)
	})
}
