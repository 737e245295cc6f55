// Package ports hands out free loopback TCP ports for backend subprocesses.
package ports

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoFreePort indicates that the operating system could not provide an
// unused loopback port.
var ErrNoFreePort = errors.New("no free TCP port available")

// BindRetries is the number of times callers should retry a backend launch
// when the chosen port is lost to a bind race.
const BindRetries = 3

// Allocator hands out currently-unused TCP ports on the loopback interface.
// There is no reservation: the port is free at the time of the call and the
// caller is expected to bind it promptly. Races with other processes are
// resolved by retrying the subsequent bind (see BindRetries).
type Allocator struct {
	host string
}

// NewAllocator creates an allocator for the given host (typically
// "localhost" or "127.0.0.1").
func NewAllocator(host string) *Allocator {
	if host == "" {
		host = "localhost"
	}
	return &Allocator{host: host}
}

// AcquirePort asks the OS for an ephemeral port by binding port 0, records
// the assigned port, releases the socket, and returns the port number.
func (a *Allocator) AcquirePort() (uint16, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(a.host, "0"))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNoFreePort, err)
	}
	defer listener.Close()
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, ErrNoFreePort
	}
	return uint16(addr.Port), nil
}
