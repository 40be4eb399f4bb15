package util

import (
	"net"
	"strconv"
)

// LoopbackHost is the only address tunnels bind to and viewers listen on.
const LoopbackHost = "127.0.0.1"

// LoopbackEndpoint renders 127.0.0.1:port.
func LoopbackEndpoint(port int) string {
	return net.JoinHostPort(LoopbackHost, strconv.Itoa(port))
}
