//go:build !windows && !linux

package spice

import "net"

// setTCPLowLatency sets TCP_NODELAY. TCP_QUICKACK is Linux-specific (see
// tcp_linux.go); darwin and the BSDs have no equivalent knob, so NODELAY
// is all that applies here.
func setTCPLowLatency(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)
}
