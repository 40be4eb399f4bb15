package util

import (
	"fmt"
	"net"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// ValidatePort checks if port is in valid range (1-65535).
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (must be %d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// ValidateOptionalPort accepts 0 (meaning "pick one") or a valid port.
func ValidateOptionalPort(port int) error {
	if port == 0 {
		return nil
	}
	return ValidatePort(port)
}

// FreeLocalPort asks the kernel for an unused loopback port.
//
// The listener is closed before returning, so another process may grab the
// port before the caller binds it. Callers that can bind ":0" themselves
// should prefer that.
func FreeLocalPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
