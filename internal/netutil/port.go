// Package netutil picks the address the HTTP API listens on.
package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// ErrNoAddr is returned when neither the preferred address nor any
// candidate can be bound.
var ErrNoAddr = errors.New("no available bind address")

// SelectBindAddr returns preferred when it is free. Otherwise, when
// autoFallback is set, it returns the first free candidate.
func SelectBindAddr(preferred string, candidates []string, autoFallback bool) (string, error) {
	if preferred != "" {
		if IsAddrAvailable(preferred) {
			return preferred, nil
		}
		if !autoFallback {
			return "", fmt.Errorf("preferred bind address in use: %s", preferred)
		}
		slog.Warn("preferred bind address in use, trying candidates", "addr", preferred, "candidates", len(candidates))
	}

	for _, addr := range candidates {
		if addr == preferred {
			continue
		}
		if IsAddrAvailable(addr) {
			return addr, nil
		}
	}
	return "", ErrNoAddr
}

// IsAddrAvailable reports whether addr can be listened on right now.
func IsAddrAvailable(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
