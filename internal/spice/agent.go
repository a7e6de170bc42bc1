package spice

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// DataType is the client-facing clipboard content type, mapped to/from
// the VD_AGENT_CLIPBOARD_* wire tags at the Main-channel boundary.
type DataType int

const (
	DataNone DataType = iota
	DataText
	DataPNG
	DataBMP
	DataTIFF
	DataJPEG
)

func dataTypeToAgent(t DataType) uint32 {
	switch t {
	case DataText:
		return wire.AgentClipboardUTF8Text
	case DataPNG:
		return wire.AgentClipboardImagePNG
	case DataBMP:
		return wire.AgentClipboardImageBMP
	case DataTIFF:
		return wire.AgentClipboardImageTIFF
	case DataJPEG:
		return wire.AgentClipboardImageJPG
	default:
		return wire.AgentClipboardNone
	}
}

func agentToDataType(v uint32) DataType {
	switch v {
	case wire.AgentClipboardUTF8Text:
		return DataText
	case wire.AgentClipboardImagePNG:
		return DataPNG
	case wire.AgentClipboardImageBMP:
		return DataBMP
	case wire.AgentClipboardImageTIFF:
		return DataTIFF
	case wire.AgentClipboardImageJPG:
		return DataJPEG
	default:
		return DataNone
	}
}

// ClipboardNoticePolicy controls whether the notice callback fires for a
// selection-qualified CLIPBOARD_GRAB.
type ClipboardNoticePolicy int

const (
	// NoticeAlways delivers the notice callback for every grab regardless
	// of whether the grab was selection-qualified. This is the default:
	// most callers have exactly one clipboard sink and want to know about
	// every grab, qualified or not.
	NoticeAlways ClipboardNoticePolicy = iota
	// NoticeSuppressSelectionQualified keeps selection-qualified grabs
	// away from the notice callback, for callers that track selections
	// themselves and only want the default clipboard surfaced.
	NoticeSuppressSelectionQualified
)

// Clipboard callback signatures for SetClipboardCallbacks.
type (
	ClipboardNoticeFunc  func(DataType)
	ClipboardDataFunc    func(DataType, []byte)
	ClipboardReleaseFunc func()
	ClipboardRequestFunc func(DataType)
)

// clipboardState is guarded by mu. Invariant: rxBuffer is non-nil iff a
// VD_AGENT_CLIPBOARD payload is being reassembled, and rxRemaining+rxSize
// equals the originally announced payload size minus the 4-byte type
// prefix.
type clipboardState struct {
	mu sync.Mutex

	agentGrabbed  bool
	clientGrabbed bool
	dataType      DataType

	rxBuffer    []byte
	rxRemaining uint32
	rxSize      uint32

	txRemaining uint32 // bytes still expected after clipboardDataStart

	supported      bool
	selectionAware bool

	noticeFn  ClipboardNoticeFunc
	dataFn    ClipboardDataFunc
	releaseFn ClipboardReleaseFunc
	requestFn ClipboardRequestFunc
}

// SetClipboardCallbacks installs the clipboard sinks. notice and data
// must be set together or both nil: a notice with no way to deliver the
// data (or data with no preceding notice) cannot drive a clipboard.
func (s *Session) SetClipboardCallbacks(notice ClipboardNoticeFunc, data ClipboardDataFunc, release ClipboardReleaseFunc, request ClipboardRequestFunc) {
	if (notice == nil) != (data == nil) {
		panic("spice: notice and data clipboard callbacks must be set together or both nil")
	}
	cb := &s.clipboard
	cb.mu.Lock()
	cb.noticeFn, cb.dataFn, cb.releaseFn, cb.requestFn = notice, data, release, request
	cb.mu.Unlock()
}

// agentEnqueue appends a ready-to-send MSGC_MAIN_AGENT_DATA frame to the
// FIFO transmit queue and attempts an immediate drain.
func (s *Session) agentEnqueue(frame []byte) {
	s.agentQueueMu.Lock()
	s.agentQueue = append(s.agentQueue, frame)
	s.agentQueueMu.Unlock()
	s.drainAgentQueue()
}

// drainAgentQueue sends queued frames while tokens remain,
// CAS-decrementing serverTokens per dequeue and stopping the moment the
// count hits zero. This is the only transmit backpressure mechanism.
// drainMu keeps concurrent drains (an enqueue racing a token grant) from
// both sending the same head frame; FIFO order is preserved because only
// one drain runs at a time.
func (s *Session) drainAgentQueue() {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	for {
		s.agentQueueMu.Lock()
		if len(s.agentQueue) == 0 {
			s.agentQueueMu.Unlock()
			return
		}
		frame := s.agentQueue[0]
		s.agentQueueMu.Unlock()

		if !casDecrement(&s.serverTokens) {
			return
		}

		main := s.main
		if main == nil {
			return
		}
		if err := writeLocked(main.conn, main.name, &main.writeLock, frame); err != nil {
			s.log.Error("agent frame send failed", "error", err)
			return
		}

		s.agentQueueMu.Lock()
		s.agentQueue = s.agentQueue[1:]
		s.agentQueueMu.Unlock()
	}
}

// casDecrement atomically decrements *addr if it is > 0, returning whether
// the decrement happened.
func casDecrement(addr *uint32) bool {
	for {
		v := atomic.LoadUint32(addr)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(addr, v, v-1) {
			return true
		}
	}
}

// chunkAndEnqueue splits data into MSGC_MAIN_AGENT_DATA frames of at most
// VD_AGENT_MAX_DATA_SIZE payload bytes each, wraps each with the common
// mini-header, and enqueues them in order.
func (s *Session) chunkAndEnqueue(data []byte) {
	if len(data) == 0 {
		s.agentEnqueue(newFrame(wire.MsgcMainAgentData, 0).bytes())
		return
	}
	for off := 0; off < len(data); off += wire.AgentMaxDataSize {
		end := off + wire.AgentMaxDataSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		s.agentEnqueue(newFrame(wire.MsgcMainAgentData, len(chunk)).put(chunk).bytes())
	}
}

// sendAgentMessage wraps body in a VDAgentMessage header of the given type
// and enqueues the result, chunked to the wire limit.
func (s *Session) sendAgentMessage(msgType uint32, body []byte) {
	full := make([]byte, 0, wire.AgentMessageSize+len(body))
	full = appendAgentMessage(full, wire.AgentMessage{
		Protocol: wire.AgentProtocol,
		Type:     msgType,
		Size:     uint32(len(body)),
	})
	full = append(full, body...)
	s.chunkAndEnqueue(full)
}

func appendAgentMessage(dst []byte, m wire.AgentMessage) []byte {
	dst = appendU32(dst, m.Protocol)
	dst = appendU32(dst, m.Type)
	var opaque [8]byte
	binary.LittleEndian.PutUint64(opaque[:], m.Opaque)
	dst = append(dst, opaque[:]...)
	dst = appendU32(dst, m.Size)
	return dst
}

// onAgentConnect runs the capability exchange: announce our receive
// capacity (always MAX, we never throttle the server) then request the
// server's capabilities.
func (s *Session) onAgentConnect() error {
	s.agentPresent.Store(true)

	main := s.main
	b := newFrame(wire.MsgcMainAgentStart, 4).putUint32(wire.AgentTokensMax)
	if err := writeLocked(main.conn, main.name, &main.writeLock, b.bytes()); err != nil {
		return err
	}

	caps := wire.AgentCapClipboardByDemand | wire.AgentCapClipboardSelection
	body := make([]byte, 0, 8)
	body = appendU32(body, 1) // request=1
	body = appendU32(body, caps)
	s.sendAgentMessage(wire.AgentMsgAnnounceCapabilities, body)
	return nil
}

// onAgentDisconnect clears agent state and drops any in-flight clipboard
// reassembly.
func (s *Session) onAgentDisconnect() {
	s.agentPresent.Store(false)
	cb := &s.clipboard
	cb.mu.Lock()
	cb.rxBuffer = nil
	cb.rxRemaining = 0
	cb.rxSize = 0
	cb.agentGrabbed = false
	cb.mu.Unlock()
}

// handleAgentData consumes exactly hdr.Size bytes of MSG_MAIN_AGENT_DATA
// payload, either continuing an in-progress clipboard reassembly or
// parsing a new VDAgentMessage header.
func (s *Session) handleAgentData(c *Channel, hdr wire.MiniDataHeader) error {
	dataSize := hdr.Size
	cb := &s.clipboard

	cb.mu.Lock()
	reassembling := cb.rxBuffer != nil
	cb.mu.Unlock()

	if reassembling {
		return s.continueClipboardRX(c, dataSize)
	}

	if dataSize < wire.AgentMessageSize {
		return discardN(c.conn, c.name, dataSize)
	}

	var hdrBuf [wire.AgentMessageSize]byte
	if err := readExact(c.conn, c.name, hdrBuf[:]); err != nil {
		return err
	}
	msg := wire.AgentMessage{
		Protocol: leUint32(hdrBuf[0:4]),
		Type:     leUint32(hdrBuf[4:8]),
		Opaque:   leUint64(hdrBuf[8:16]),
		Size:     leUint32(hdrBuf[16:20]),
	}
	dataSize -= wire.AgentMessageSize

	if msg.Protocol != wire.AgentProtocol {
		return protoErr(c.name, "unsupported vdagent protocol version", nil)
	}

	switch msg.Type {
	case wire.AgentMsgAnnounceCapabilities:
		return s.handleAnnounceCapabilities(c, msg.Size)
	case wire.AgentMsgClipboard, wire.AgentMsgClipboardRequest,
		wire.AgentMsgClipboardGrab, wire.AgentMsgClipboardRelease:
		return s.handleClipboardMessage(c, msg, dataSize)
	default:
		return discardN(c.conn, c.name, msg.Size)
	}
}

// handleAnnounceCapabilities bounds the declared size before reading the
// body and records the server's clipboard support.
func (s *Session) handleAnnounceCapabilities(c *Channel, size uint32) error {
	if size > wire.AgentAnnounceMaxSize {
		return protoErr(c.name, "announce-capabilities declared size exceeds limit", nil)
	}
	if size < 4 {
		return discardN(c.conn, c.name, size)
	}

	var reqBuf [4]byte
	if err := readExact(c.conn, c.name, reqBuf[:]); err != nil {
		return err
	}
	request := leUint32(reqBuf[:])

	capsBytes := size - 4
	var caps uint32
	if capsBytes >= 4 {
		var word [4]byte
		if err := readExact(c.conn, c.name, word[:]); err != nil {
			return err
		}
		caps = leUint32(word[:])
		if err := discardN(c.conn, c.name, capsBytes-4); err != nil {
			return err
		}
	} else if capsBytes > 0 {
		if err := discardN(c.conn, c.name, capsBytes); err != nil {
			return err
		}
	}

	cb := &s.clipboard
	cb.mu.Lock()
	cb.supported = caps&(wire.AgentCapClipboardByDemand|wire.AgentCapClipboardSelection) != 0
	cb.selectionAware = caps&wire.AgentCapClipboardSelection != 0
	cb.mu.Unlock()

	if request != 0 {
		// Reply with our own fixed capability set, not the server's —
		// request only toggles the message's request field.
		ourCaps := uint32(wire.AgentCapClipboardByDemand | wire.AgentCapClipboardSelection)
		body := make([]byte, 0, 8)
		body = appendU32(body, 0)
		body = appendU32(body, ourCaps)
		s.sendAgentMessage(wire.AgentMsgAnnounceCapabilities, body)
	}
	return nil
}

// handleClipboardMessage handles CLIPBOARD, CLIPBOARD_REQUEST,
// CLIPBOARD_GRAB and CLIPBOARD_RELEASE, stripping the 4-byte selection
// prefix first when the selection capability was negotiated.
func (s *Session) handleClipboardMessage(c *Channel, msg wire.AgentMessage, dataSize uint32) error {
	cb := &s.clipboard
	remaining := msg.Size

	cb.mu.Lock()
	selectionAware := cb.selectionAware
	cb.mu.Unlock()

	if selectionAware && remaining >= wire.AgentSelectionSize {
		if err := discardN(c.conn, c.name, wire.AgentSelectionSize); err != nil {
			return err
		}
		remaining -= wire.AgentSelectionSize
		dataSize -= wire.AgentSelectionSize
	}

	switch msg.Type {
	case wire.AgentMsgClipboardRelease:
		cb.mu.Lock()
		cb.agentGrabbed = false
		fn := cb.releaseFn
		cb.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil

	case wire.AgentMsgClipboard, wire.AgentMsgClipboardRequest:
		if remaining < 4 {
			return discardN(c.conn, c.name, remaining)
		}
		var typeBuf [4]byte
		if err := readExact(c.conn, c.name, typeBuf[:]); err != nil {
			return err
		}
		tag := leUint32(typeBuf[:])
		remaining -= 4
		dataSize -= 4

		if msg.Type == wire.AgentMsgClipboardRequest {
			cb.mu.Lock()
			fn := cb.requestFn
			cb.mu.Unlock()
			if fn != nil {
				fn(agentToDataType(tag))
			}
			return nil
		}

		return s.startClipboardRX(c, agentToDataType(tag), remaining, dataSize)

	default: // AgentMsgClipboardGrab
		if remaining == 0 {
			return nil
		}
		if remaining > wire.AgentClipboardGrabMaxSize {
			return protoErr(c.name, "clipboard-grab declared size exceeds limit", nil)
		}
		types := make([]byte, remaining)
		if err := readExact(c.conn, c.name, types[:remaining]); err != nil {
			return err
		}
		if len(types) < 4 {
			return protoErr(c.name, "clipboard-grab with no type tags", nil)
		}
		first := leUint32(types[0:4])

		cb.mu.Lock()
		cb.dataType = agentToDataType(first)
		cb.agentGrabbed = true
		cb.clientGrabbed = false
		suppressed := selectionAware // default policy: NoticeAlways still fires unless caller opted out
		policy := s.noticePolicy
		fn := cb.noticeFn
		dt := cb.dataType
		cb.mu.Unlock()

		if fn != nil && !(policy == NoticeSuppressSelectionQualified && suppressed) {
			fn(dt)
		}
		return nil
	}
}

// startClipboardRX begins (or completes, if the payload fits in this
// chunk) reassembly of a VD_AGENT_CLIPBOARD payload. Starting a second
// reassembly while one is outstanding is a protocol error.
func (s *Session) startClipboardRX(c *Channel, dt DataType, totalSize, dataSize uint32) error {
	cb := &s.clipboard
	cb.mu.Lock()
	if cb.rxBuffer != nil {
		cb.mu.Unlock()
		return protoErr(c.name, "clipboard reassembly already in progress", nil)
	}
	cb.rxBuffer = make([]byte, totalSize)
	cb.rxSize = 0
	cb.rxRemaining = totalSize
	cb.dataType = dt
	cb.mu.Unlock()

	return s.readClipboardChunk(c, dataSize)
}

func (s *Session) continueClipboardRX(c *Channel, dataSize uint32) error {
	return s.readClipboardChunk(c, dataSize)
}

// readClipboardChunk reads min(rxRemaining, dataSize) bytes into the
// in-progress reassembly buffer and fires the data callback exactly once,
// when rxRemaining reaches zero.
func (s *Session) readClipboardChunk(c *Channel, dataSize uint32) error {
	cb := &s.clipboard
	cb.mu.Lock()
	r := cb.rxRemaining
	if dataSize < r {
		r = dataSize
	}
	off := cb.rxSize
	buf := cb.rxBuffer
	cb.mu.Unlock()

	if r == 0 {
		return nil
	}
	if err := readExact(c.conn, c.name, buf[off:off+r]); err != nil {
		cb.mu.Lock()
		cb.rxBuffer = nil
		cb.rxRemaining = 0
		cb.rxSize = 0
		cb.mu.Unlock()
		return err
	}

	cb.mu.Lock()
	cb.rxSize += r
	cb.rxRemaining -= r
	done := cb.rxRemaining == 0
	var deliver []byte
	var dt DataType
	var fn ClipboardDataFunc
	if done {
		deliver = cb.rxBuffer
		dt = cb.dataType
		fn = cb.dataFn
		cb.rxBuffer = nil
		cb.rxSize = 0
	}
	cb.mu.Unlock()

	if done && fn != nil {
		fn(dt, deliver)
	}
	return nil
}

// ClipboardGrab announces that the client now owns clipboard data of the
// given types.
func (s *Session) ClipboardGrab(types []DataType) {
	cb := &s.clipboard
	cb.mu.Lock()
	selectionAware := cb.selectionAware
	cb.clientGrabbed = true
	cb.mu.Unlock()

	body := make([]byte, 0, 8+4*len(types))
	if selectionAware {
		body = append(body, wire.AgentSelectionClipboard, 0, 0, 0)
	}
	for _, t := range types {
		body = appendU32(body, dataTypeToAgent(t))
	}
	s.sendAgentMessage(wire.AgentMsgClipboardGrab, body)
}

// ClipboardRelease announces the client has released clipboard ownership.
func (s *Session) ClipboardRelease() {
	cb := &s.clipboard
	cb.mu.Lock()
	selectionAware := cb.selectionAware
	cb.clientGrabbed = false
	cb.mu.Unlock()

	var body []byte
	if selectionAware {
		body = []byte{wire.AgentSelectionClipboard, 0, 0, 0}
	}
	s.sendAgentMessage(wire.AgentMsgClipboardRelease, body)
}

// ClipboardRequest asks the agent (which currently holds the grab) to
// start sending clipboard data of the given type.
func (s *Session) ClipboardRequest(t DataType) {
	cb := &s.clipboard
	cb.mu.Lock()
	selectionAware := cb.selectionAware
	cb.mu.Unlock()

	body := make([]byte, 0, 8)
	if selectionAware {
		body = append(body, wire.AgentSelectionClipboard, 0, 0, 0)
	}
	body = appendU32(body, dataTypeToAgent(t))
	s.sendAgentMessage(wire.AgentMsgClipboardRequest, body)
}

// ClipboardDataStart announces the total size of an outgoing clipboard
// transfer and sends the VDAgentMessage header plus selection/type prefix.
// Subsequent ClipboardData calls must supply exactly totalSize bytes in
// aggregate.
func (s *Session) ClipboardDataStart(t DataType, totalSize uint32) {
	cb := &s.clipboard
	cb.mu.Lock()
	selectionAware := cb.selectionAware
	cb.txRemaining = totalSize
	cb.mu.Unlock()

	prefix := make([]byte, 0, 8)
	if selectionAware {
		prefix = append(prefix, wire.AgentSelectionClipboard, 0, 0, 0)
	}
	prefix = appendU32(prefix, dataTypeToAgent(t))

	full := make([]byte, 0, wire.AgentMessageSize+len(prefix))
	full = appendAgentMessage(full, wire.AgentMessage{
		Protocol: wire.AgentProtocol,
		Type:     wire.AgentMsgClipboard,
		Size:     uint32(len(prefix)) + totalSize,
	})
	full = append(full, prefix...)
	s.chunkAndEnqueue(full)
}

// ClipboardData streams one chunk of a transfer started by
// ClipboardDataStart; chunk is sent as-is, further split at the wire limit
// if it exceeds VD_AGENT_MAX_DATA_SIZE.
func (s *Session) ClipboardData(chunk []byte) error {
	cb := &s.clipboard
	cb.mu.Lock()
	if uint32(len(chunk)) > cb.txRemaining {
		cb.mu.Unlock()
		return protoErr("main", "clipboardData exceeds declared total size", nil)
	}
	cb.txRemaining -= uint32(len(chunk))
	cb.mu.Unlock()

	s.chunkAndEnqueue(chunk)
	return nil
}
