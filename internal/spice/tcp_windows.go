//go:build windows

package spice

import "net"

// setTCPLowLatency sets TCP_NODELAY on Windows. TCP_QUICKACK is a
// Linux-only socket option; Windows has no equivalent, so only NODELAY
// applies here.
func setTCPLowLatency(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)
}
