package spice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// ErrNoData indicates the peer closed the connection cleanly (EOF before
// any bytes of the next frame were read).
var ErrNoData = errors.New("spice: no data (peer closed connection)")

// ProtocolError marks any other frame-level failure: short read/write,
// bad magic/version, malformed link reply, over-ack, a message arriving
// before the channel's init message, etc. The reader treats it as fatal
// to the channel it occurred on.
type ProtocolError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spice: %s: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("spice: %s: %s", e.Channel, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(channel, reason string, err error) error {
	return &ProtocolError{Channel: channel, Reason: reason, Err: err}
}

// readExact fills buf completely or returns ErrNoData/ProtocolError: EOF
// before the first byte is a clean close, EOF partway through is a short
// read.
func readExact(conn net.Conn, channel string, buf []byte) error {
	n, err := io.ReadFull(conn, buf)
	if err == nil {
		return nil
	}
	if n == 0 && errors.Is(err, io.EOF) {
		return ErrNoData
	}
	return protoErr(channel, "short read", err)
}

// discardN reads and drops exactly n bytes using a small reusable buffer,
// used to skip capability arrays and unparsed PING/NOTIFY trailers without
// allocating per call.
func discardN(conn net.Conn, channel string, n uint32) error {
	var scratch [512]byte
	for n > 0 {
		chunk := uint32(len(scratch))
		if n < chunk {
			chunk = n
		}
		if err := readExact(conn, channel, scratch[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// writeExact writes the full buffer in a single conn.Write call; the
// transport is assumed local, so a short write is treated as a fatal
// error for that packet rather than retried.
func writeExact(conn net.Conn, channel string, buf []byte) error {
	n, err := conn.Write(buf)
	if err != nil {
		return protoErr(channel, "write", err)
	}
	if n != len(buf) {
		return protoErr(channel, "short write", fmt.Errorf("wrote %d of %d bytes", n, len(buf)))
	}
	return nil
}

// writeLocked serializes a single frame write against lock and writes it
// with one conn.Write call. This is the only way channel code is allowed
// to touch the socket for writes; it is safe to call concurrently from
// foreign goroutines while the channel's own reader goroutine is blocked
// in a read on the same socket.
func writeLocked(conn net.Conn, channel string, lock *sync.Mutex, buf []byte) error {
	lock.Lock()
	defer lock.Unlock()
	return writeExact(conn, channel, buf)
}

// readMiniHeader reads the 6-byte {type,size} preamble that precedes every
// steady-state message in both directions once MINI_HEADER is negotiated
// (which this client always does).
func readMiniHeader(conn net.Conn, channel string) (wire.MiniDataHeader, error) {
	var buf [wire.MiniDataHeaderSize]byte
	if err := readExact(conn, channel, buf[:]); err != nil {
		return wire.MiniDataHeader{}, err
	}
	return wire.MiniDataHeader{
		Type: binary.LittleEndian.Uint16(buf[0:2]),
		Size: binary.LittleEndian.Uint32(buf[2:6]),
	}, nil
}

// putMiniHeader appends a mini-header to dst and returns the grown slice.
func putMiniHeader(dst []byte, msgType uint16, size uint32) []byte {
	var hdr [wire.MiniDataHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], msgType)
	binary.LittleEndian.PutUint32(hdr[2:6], size)
	return append(dst, hdr[:]...)
}

// frameBuilder accumulates a mini-header plus payload into one owned
// buffer so the whole frame reaches the socket in a single send.
type frameBuilder struct {
	buf []byte
}

func newFrame(msgType uint16, payloadSize int) *frameBuilder {
	b := &frameBuilder{buf: make([]byte, 0, wire.MiniDataHeaderSize+payloadSize)}
	b.buf = putMiniHeader(b.buf, msgType, uint32(payloadSize))
	return b
}

func (b *frameBuilder) put(data []byte) *frameBuilder {
	b.buf = append(b.buf, data...)
	return b
}

func (b *frameBuilder) putUint8(v uint8) *frameBuilder {
	return b.put([]byte{v})
}

func (b *frameBuilder) putUint16(v uint16) *frameBuilder {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return b.put(tmp[:])
}

func (b *frameBuilder) putUint32(v uint32) *frameBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return b.put(tmp[:])
}

func (b *frameBuilder) putInt32(v int32) *frameBuilder {
	return b.putUint32(uint32(v))
}

func (b *frameBuilder) putUint64(v uint64) *frameBuilder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return b.put(tmp[:])
}

// bytes returns the finished frame: mini-header followed by payload.
func (b *frameBuilder) bytes() []byte { return b.buf }

// sendFrame builds a single-message frame from a ready payload and writes
// it under lock in one syscall. The channel code builds its frames with
// newFrame and writes them with writeLocked directly; the coalesced
// mouse-motion burst bypasses frameBuilder to pack several mini-headers
// into one buffer (see inputs.go).
func sendFrame(conn net.Conn, channel string, lock *sync.Mutex, msgType uint16, payload []byte) error {
	b := newFrame(msgType, len(payload)).put(payload)
	return writeLocked(conn, channel, lock, b.bytes())
}
