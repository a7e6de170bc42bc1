package spice

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

func TestFrameBuilderRoundTrip(t *testing.T) {
	b := newFrame(wire.MsgcPong, 12).putUint32(7).putUint64(1234)
	got := b.bytes()

	wantLen := wire.MiniDataHeaderSize + 12
	if len(got) != wantLen {
		t.Fatalf("frame length = %d, want %d", len(got), wantLen)
	}

	hdr, err := readMiniHeader(&fakeConn{r: bytes.NewReader(got)}, "test")
	if err != nil {
		t.Fatalf("readMiniHeader: %v", err)
	}
	if hdr.Type != wire.MsgcPong {
		t.Fatalf("Type = %d, want %d", hdr.Type, wire.MsgcPong)
	}
	if hdr.Size != 12 {
		t.Fatalf("Size = %d, want 12", hdr.Size)
	}
}

func TestReadExactReturnsNoDataOnCleanEOF(t *testing.T) {
	conn := &fakeConn{r: bytes.NewReader(nil)}
	var buf [4]byte
	err := readExact(conn, "test", buf[:])
	if err != ErrNoData {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestReadExactReturnsProtocolErrorOnShortRead(t *testing.T) {
	conn := &fakeConn{r: bytes.NewReader([]byte{1, 2})}
	var buf [4]byte
	err := readExact(conn, "test", buf[:])
	var protoErr *ProtocolError
	if !asProtocolError(err, &protoErr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestDiscardNConsumesExactlyNBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1000)
	trailer := []byte{1, 2, 3, 4}
	conn := &fakeConn{r: bytes.NewReader(append(payload, trailer...))}

	if err := discardN(conn, "test", uint32(len(payload))); err != nil {
		t.Fatalf("discardN: %v", err)
	}

	var rest [4]byte
	if err := readExact(conn, "test", rest[:]); err != nil {
		t.Fatalf("readExact after discard: %v", err)
	}
	if !bytes.Equal(rest[:], trailer) {
		t.Fatalf("trailer = %v, want %v", rest, trailer)
	}
}

// asProtocolError is a small helper: a plain type assertion, so only an
// unwrapped *ProtocolError matches.
func asProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if ok {
		*target = pe
	}
	return ok
}

// fakeConn is a minimal net.Conn backed by an in-memory reader, enough to
// exercise readExact/discardN/readMiniHeader without a real socket.
type fakeConn struct {
	r interface {
		Read(p []byte) (int, error)
	}
}

func (f *fakeConn) Read(p []byte) (int, error)         { return f.r.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error)        { return len(p), nil }
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
