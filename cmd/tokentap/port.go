package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// listenWithFallback binds addr, and on "address already in use" walks
// forward one port at a time up to maxAttempts tries before giving up.
func listenWithFallback(addr string, maxAttempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, "", fmt.Errorf("parsing listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("parsing port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", candidate)
		if err == nil {
			return ln, candidate, nil
		}
		if !isAddrInUse(err) {
			return nil, "", err
		}
		lastErr = err
	}

	return nil, "", fmt.Errorf("no free port found after %d attempts starting at %s: %w", maxAttempts, addr, lastErr)
}

// isAddrInUse reports whether err is an "address already in use" bind
// failure, as opposed to a permission error or something else fatal.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address") ||
		strings.Contains(msg, "eaddrinuse")
}
