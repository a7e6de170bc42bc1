//go:build linux

package spice

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setTCPLowLatency sets TCP_NODELAY and TCP_QUICKACK.
// net.TCPConn.SetNoDelay covers TCP_NODELAY directly; QUICKACK has no
// stdlib accessor so we reach through SyscallConn to the raw fd.
func setTCPLowLatency(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	})
}
