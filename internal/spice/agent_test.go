package spice

import (
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// agentTestChannel wires a Session's Main channel to one end of a
// net.Pipe, leaving the caller the other end to script server bytes.
func agentTestChannel(t *testing.T) (*Session, *Channel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	s := NewSession(nil)
	ch := newChannel(s, wire.ChannelMain, "main", dispatchMain)
	ch.conn = client
	s.main = ch
	return s, ch, server
}

func le32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func TestClipboardGrabFiresNoticeCallback(t *testing.T) {
	s, ch, server := agentTestChannel(t)

	notified := make(chan DataType, 1)
	s.SetClipboardCallbacks(
		func(dt DataType) { notified <- dt },
		func(DataType, []byte) {},
		func() {},
		func(DataType) {},
	)

	var body []byte
	body = append(body, le32(wire.AgentProtocol)...)
	body = append(body, le32(wire.AgentMsgClipboardGrab)...)
	body = append(body, make([]byte, 8)...) // opaque
	body = append(body, le32(4)...)         // size: one type tag
	body = append(body, le32(wire.AgentClipboardUTF8Text)...)

	go func() { server.Write(body) }()

	if err := s.handleAgentData(ch, wire.MiniDataHeader{Type: wire.MsgMainAgentData, Size: uint32(len(body))}); err != nil {
		t.Fatalf("handleAgentData: %v", err)
	}

	select {
	case dt := <-notified:
		if dt != DataText {
			t.Fatalf("notified type = %v, want DataText", dt)
		}
	case <-time.After(time.Second):
		t.Fatal("notice callback never fired")
	}
}

func TestClipboardDataReassemblyAcrossChunks(t *testing.T) {
	s, ch, server := agentTestChannel(t)

	delivered := make(chan []byte, 1)
	s.SetClipboardCallbacks(
		func(DataType) {},
		func(dt DataType, data []byte) { delivered <- data },
		func() {},
		func(DataType) {},
	)

	full := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	chunk1Data, chunk2Data := full[:6], full[6:]

	var first []byte
	first = append(first, le32(wire.AgentProtocol)...)
	first = append(first, le32(wire.AgentMsgClipboard)...)
	first = append(first, make([]byte, 8)...)
	first = append(first, le32(uint32(4+len(full)))...) // total message size: tag + payload
	first = append(first, le32(wire.AgentClipboardUTF8Text)...)
	first = append(first, chunk1Data...)

	go func() { server.Write(first) }()
	if err := s.handleAgentData(ch, wire.MiniDataHeader{Type: wire.MsgMainAgentData, Size: uint32(len(first))}); err != nil {
		t.Fatalf("handleAgentData (first chunk): %v", err)
	}

	go func() { server.Write(chunk2Data) }()
	if err := s.handleAgentData(ch, wire.MiniDataHeader{Type: wire.MsgMainAgentData, Size: uint32(len(chunk2Data))}); err != nil {
		t.Fatalf("handleAgentData (second chunk): %v", err)
	}

	select {
	case data := <-delivered:
		if string(data) != string(full) {
			t.Fatalf("delivered = %v, want %v", data, full)
		}
	case <-time.After(time.Second):
		t.Fatal("data callback never fired")
	}
}

func TestHandleAnnounceCapabilitiesRejectsOversizedDeclaration(t *testing.T) {
	s, ch, _ := agentTestChannel(t)
	err := s.handleAnnounceCapabilities(ch, wire.AgentAnnounceMaxSize+1)
	if err == nil {
		t.Fatal("expected a protocol error for an oversized announce-capabilities size")
	}
}

func TestHandleAnnounceCapabilitiesRepliesWithOwnCapsNotServers(t *testing.T) {
	s, ch, server := agentTestChannel(t)
	atomic.StoreUint32(&s.serverTokens, 1)

	// The server declares a capability set that differs from ours; the
	// reply must echo back what we claim, never what the server sent.
	var reqBody []byte
	reqBody = append(reqBody, le32(1)...)          // request=1
	reqBody = append(reqBody, le32(0xDEADBEEF)...) // server's caps
	go func() { server.Write(reqBody) }()

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, wire.MiniDataHeaderSize+wire.AgentMessageSize+8)
		n, _ := server.Read(buf)
		readDone <- buf[:n]
	}()

	if err := s.handleAnnounceCapabilities(ch, uint32(len(reqBody))); err != nil {
		t.Fatalf("handleAnnounceCapabilities: %v", err)
	}

	select {
	case got := <-readDone:
		off := wire.MiniDataHeaderSize + wire.AgentMessageSize
		gotRequest := binary.LittleEndian.Uint32(got[off : off+4])
		gotCaps := binary.LittleEndian.Uint32(got[off+4 : off+8])
		if gotRequest != 0 {
			t.Fatalf("reply request field = %d, want 0", gotRequest)
		}
		wantCaps := uint32(wire.AgentCapClipboardByDemand | wire.AgentCapClipboardSelection)
		if gotCaps != wantCaps {
			t.Fatalf("reply caps = %#x, want our own %#x (not the server's 0xdeadbeef)", gotCaps, wantCaps)
		}
	case <-time.After(time.Second):
		t.Fatal("capability reply never sent")
	}
}

func TestDrainAgentQueueWaitsForTokens(t *testing.T) {
	s, _, server := agentTestChannel(t)
	atomic.StoreUint32(&s.serverTokens, 0)

	s.chunkAndEnqueue([]byte{0xAA, 0xBB})

	s.agentQueueMu.Lock()
	queued := len(s.agentQueue)
	s.agentQueueMu.Unlock()
	if queued != 1 {
		t.Fatalf("expected the frame to stay queued with zero tokens, queue len = %d", queued)
	}

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, wire.MiniDataHeaderSize+2)
		n, _ := server.Read(buf)
		readDone <- buf[:n]
	}()

	atomic.StoreUint32(&s.serverTokens, 1)
	s.drainAgentQueue()

	select {
	case got := <-readDone:
		wantType := binary.LittleEndian.Uint16(got[0:2])
		if wantType != wire.MsgcMainAgentData {
			t.Fatalf("frame type = %d, want %d", wantType, wire.MsgcMainAgentData)
		}
	case <-time.After(time.Second):
		t.Fatal("drainAgentQueue did not send once a token became available")
	}

	s.agentQueueMu.Lock()
	remaining := len(s.agentQueue)
	s.agentQueueMu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected queue drained, got %d remaining", remaining)
	}
}
