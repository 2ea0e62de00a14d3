//go:build windows

package network

import (
	"net"
	"syscall"
)

const socketBufferSize = 1 << 20

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// and enlarges the socket buffers before binding.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				h := syscall.Handle(fd)
				syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_RCVBUF, socketBufferSize)
				syscall.SetsockoptInt(h, syscall.SOL_SOCKET, syscall.SO_SNDBUF, socketBufferSize)
			})
		},
	}
}
