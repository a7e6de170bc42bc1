package spice

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// fakeServer scripts the far end of a link handshake: it reads the
// client's LinkHeader+LinkMess+caps (discarding it, since these tests only
// care about what the client does with the server's reply), then writes a
// LinkReply with zero capability arrays, then reads the auth mechanism and
// ciphertext, then writes a final link result code.
func fakeServer(t *testing.T, conn net.Conn, linkErr, finalResult uint32, ciphertextLen int) {
	t.Helper()

	var hdr [16]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		t.Errorf("fakeServer: read link header: %v", err)
		return
	}
	restSize := binary.LittleEndian.Uint32(hdr[12:16])
	rest := make([]byte, restSize)
	if _, err := readFull(conn, rest); err != nil {
		t.Errorf("fakeServer: read link mess+caps: %v", err)
		return
	}

	var reply [16]byte
	binary.LittleEndian.PutUint32(reply[0:4], linkErr)
	binary.LittleEndian.PutUint32(reply[4:8], 0)  // num_common_caps
	binary.LittleEndian.PutUint32(reply[8:12], 0) // num_channel_caps
	binary.LittleEndian.PutUint32(reply[12:16], 0)

	var outHdr [16]byte
	binary.LittleEndian.PutUint32(outHdr[0:4], wire.LinkMagic)
	binary.LittleEndian.PutUint32(outHdr[4:8], wire.VersionMajor)
	binary.LittleEndian.PutUint32(outHdr[8:12], wire.VersionMinor)
	binary.LittleEndian.PutUint32(outHdr[12:16], uint32(4+wire.PubKeySize+12))
	if _, err := conn.Write(outHdr[:]); err != nil {
		t.Errorf("fakeServer: write link reply header: %v", err)
		return
	}

	var pubKey [wire.PubKeySize]byte
	var body []byte
	body = append(body, reply[0:4]...)
	body = append(body, pubKey[:]...)
	body = append(body, reply[4:16]...)
	if _, err := conn.Write(body); err != nil {
		t.Errorf("fakeServer: write link reply body: %v", err)
		return
	}

	if linkErr != wire.LinkErrOK {
		return
	}

	var authBuf [4]byte
	if _, err := readFull(conn, authBuf[:]); err != nil {
		t.Errorf("fakeServer: read auth mechanism: %v", err)
		return
	}

	ciphertext := make([]byte, ciphertextLen)
	if _, err := readFull(conn, ciphertext); err != nil {
		t.Errorf("fakeServer: read ciphertext: %v", err)
		return
	}

	var resultBuf [4]byte
	binary.LittleEndian.PutUint32(resultBuf[:], finalResult)
	if _, err := conn.Write(resultBuf[:]); err != nil {
		t.Errorf("fakeServer: write link result: %v", err)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	return ioReadFull(conn, buf)
}

func stubEncryptor(pubKey [wire.PubKeySize]byte, password string) ([]byte, error) {
	return []byte("ciphertext-" + password), nil
}

func TestLinkHandshakeSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ciphertext, _ := stubEncryptor([wire.PubKeySize]byte{}, "hunter2")

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeServer(t, server, wire.LinkErrOK, wire.LinkErrOK, len(ciphertext))
	}()

	ch := newChannel(nil, wire.ChannelMain, "main", dispatchMain)
	ch.conn = client

	errCh := make(chan error, 1)
	go func() { errCh <- ch.link(0, stubEncryptor, "hunter2", false) }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("link: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("link handshake timed out")
	}

	<-done
}

func TestLinkHandshakeRejectedByServer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeServer(t, server, wire.LinkErrBadConnectionID, wire.LinkErrOK, 0)

	ch := newChannel(nil, wire.ChannelMain, "main", dispatchMain)
	ch.conn = client

	errCh := make(chan error, 1)
	go func() { errCh <- ch.link(0, stubEncryptor, "hunter2", false) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error when the server rejects the link")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("link handshake timed out")
	}
}

func TestLinkHandshakeBadPasswordResult(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ciphertext, _ := stubEncryptor([wire.PubKeySize]byte{}, "wrong")

	go fakeServer(t, server, wire.LinkErrOK, wire.LinkErrPermissionDenied, len(ciphertext))

	ch := newChannel(nil, wire.ChannelMain, "main", dispatchMain)
	ch.conn = client

	errCh := make(chan error, 1)
	go func() { errCh <- ch.link(0, stubEncryptor, "wrong", false) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error when the server rejects the password")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("link handshake timed out")
	}
}

// Golden check of the client's opening packet: header, packed LinkMess,
// one common caps word (AUTH_SELECTION|AUTH_SPICE|MINI_HEADER) and one
// channel caps word (AGENT_CONNECTED_TOKENS for Main).
func TestLinkSendsExpectedConnectPacket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ch := newChannel(nil, wire.ChannelMain, "main", dispatchMain)
	ch.conn = client

	errCh := make(chan error, 1)
	go func() { errCh <- ch.link(0x42, stubEncryptor, "pw", false) }()

	var hdr [16]byte
	if _, err := readFull(server, hdr[:]); err != nil {
		t.Fatalf("read link header: %v", err)
	}
	if got := string(hdr[0:4]); got != "REDQ" {
		t.Fatalf("magic = %q, want %q", got, "REDQ")
	}
	if major := binary.LittleEndian.Uint32(hdr[4:8]); major != 2 {
		t.Fatalf("major version = %d, want 2", major)
	}
	restSize := binary.LittleEndian.Uint32(hdr[12:16])
	if want := uint32(wire.LinkMessSize + 4 + 4); restSize != want {
		t.Fatalf("header size = %d, want %d", restSize, want)
	}

	rest := make([]byte, restSize)
	if _, err := readFull(server, rest); err != nil {
		t.Fatalf("read link mess+caps: %v", err)
	}
	if connID := binary.LittleEndian.Uint32(rest[0:4]); connID != 0x42 {
		t.Fatalf("connection_id = %#x, want 0x42", connID)
	}
	if rest[4] != wire.ChannelMain || rest[5] != 0 {
		t.Fatalf("channel type/id = %d/%d, want %d/0", rest[4], rest[5], wire.ChannelMain)
	}
	if n := binary.LittleEndian.Uint32(rest[6:10]); n != 1 {
		t.Fatalf("num_common_caps = %d, want 1", n)
	}
	if n := binary.LittleEndian.Uint32(rest[10:14]); n != 1 {
		t.Fatalf("num_channel_caps = %d, want 1", n)
	}
	if off := binary.LittleEndian.Uint32(rest[14:18]); off != wire.LinkMessSize {
		t.Fatalf("caps_offset = %d, want %d", off, wire.LinkMessSize)
	}
	common := binary.LittleEndian.Uint32(rest[18:22])
	wantCommon := wire.CommonCapAuthSelection | wire.CommonCapAuthSpice | wire.CommonCapMiniHeader
	if common != wantCommon {
		t.Fatalf("common caps word = %#b, want %#b", common, wantCommon)
	}
	if chCaps := binary.LittleEndian.Uint32(rest[22:26]); chCaps != wire.MainCapAgentConnectedTokens {
		t.Fatalf("channel caps word = %#x, want %#x", chCaps, wire.MainCapAgentConnectedTokens)
	}

	// Hang up instead of replying; the client packet was the point.
	server.Close()
	if err := <-errCh; err == nil {
		t.Fatal("expected link to fail once the server hung up")
	}
}

// The auth mechanism submitted after the server's reply is the SPICE
// ticket mechanism, identified by its capability index, not its bitmask.
func TestLinkSubmitsSpiceAuthMechanism(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ch := newChannel(nil, wire.ChannelInputs, "inputs", dispatchInputs)
	ch.conn = client

	errCh := make(chan error, 1)
	go func() { errCh <- ch.link(7, stubEncryptor, "pw", false) }()

	var hdr [16]byte
	if _, err := readFull(server, hdr[:]); err != nil {
		t.Fatalf("read link header: %v", err)
	}
	rest := make([]byte, binary.LittleEndian.Uint32(hdr[12:16]))
	if _, err := readFull(server, rest); err != nil {
		t.Fatalf("read link mess+caps: %v", err)
	}

	var outHdr [16]byte
	binary.LittleEndian.PutUint32(outHdr[0:4], wire.LinkMagic)
	binary.LittleEndian.PutUint32(outHdr[4:8], wire.VersionMajor)
	binary.LittleEndian.PutUint32(outHdr[8:12], wire.VersionMinor)
	binary.LittleEndian.PutUint32(outHdr[12:16], uint32(4+wire.PubKeySize+12))
	server.Write(outHdr[:])
	body := make([]byte, 4+wire.PubKeySize+12) // error=OK, key, zero caps counts
	server.Write(body)

	var mech [4]byte
	if _, err := readFull(server, mech[:]); err != nil {
		t.Fatalf("read auth mechanism: %v", err)
	}
	if got := binary.LittleEndian.Uint32(mech[:]); got != 1 {
		t.Fatalf("auth mechanism = %d, want 1 (AUTH_SPICE)", got)
	}

	server.Close()
	<-errCh
}
