// Package net has TCP helpers for tests that run a server on a real port.
package net

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// FreeTCPPort returns a port on host that was free when this was called.
func FreeTCPPort(host string) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// WaitListening blocks until something accepts TCP connections on host:port.
func WaitListening(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", addr, err)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
