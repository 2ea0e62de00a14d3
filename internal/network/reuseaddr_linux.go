//go:build linux

package network

import (
	"net"
	"syscall"
)

// socketBufferSize is requested for both directions so a full transfer
// window for every connection fits in the kernel buffers.
const socketBufferSize = 1 << 20

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// and enlarges the socket buffers before binding, so a restarted server
// can rebind its port immediately.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if opErr != nil {
					return
				}
				// buffer sizes are a hint, the kernel may clamp them
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, socketBufferSize)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, socketBufferSize)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
