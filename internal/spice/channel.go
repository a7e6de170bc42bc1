package spice

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// errNotHandled signals that the common dispatcher (MIGRATE/SET_ACK/
// PING/DISCONNECTING/NOTIFY) didn't recognize the message type, and the
// channel-specific dispatcher should have a turn at it.
var errNotHandled = errors.New("spice: message not handled by common dispatcher")

// dispatchFunc handles one channel-specific message. hdr has already been
// read off the wire; the implementation must consume exactly hdr.Size
// bytes of payload (directly, or by calling discardN for anything unused)
// before returning.
type dispatchFunc func(c *Channel, hdr wire.MiniDataHeader) error

// Channel is one SPICE stream: Main, Inputs, or Playback. It owns its
// socket and write lock; the session owns the Channel.
type Channel struct {
	chType uint8
	name   string // "main", "inputs", "playback" — used in logs and errors

	session  *Session
	dispatch dispatchFunc

	conn net.Conn

	stateMu   sync.Mutex
	connected bool
	ready     bool
	initDone  bool

	ackFrequency uint32
	ackCount     uint32

	writeLock sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newChannel(session *Session, chType uint8, name string, dispatch dispatchFunc) *Channel {
	return &Channel{
		session:  session,
		chType:   chType,
		name:     name,
		dispatch: dispatch,
		done:     make(chan struct{}),
	}
}

func (c *Channel) isConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.connected
}

func (c *Channel) isReady() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.ready
}

func (c *Channel) setConnected(v bool) {
	c.stateMu.Lock()
	c.connected = v
	c.stateMu.Unlock()
}

func (c *Channel) setReady(v bool) {
	c.stateMu.Lock()
	c.ready = v
	c.stateMu.Unlock()
}

func (c *Channel) setInitDone() {
	c.stateMu.Lock()
	c.initDone = true
	c.stateMu.Unlock()
}

func (c *Channel) isInitDone() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.initDone
}

// dial opens the transport (TCP or UNIX), applying TCP_NODELAY/TCP_QUICKACK
// for non-UNIX sockets, then runs the blocking link handshake.
// The channel is marked connected as soon as the socket is open and ready
// only once the handshake's final link result is SPICE_LINK_ERR_OK.
func (c *Channel) dial(network, address string, connectionID uint32, encryptPassword PasswordEncryptor, password string, enablePlayback bool) error {
	conn, err := net.Dial(network, address)
	if err != nil {
		return protoErr(c.name, "dial failed", err)
	}
	c.conn = conn
	c.setConnected(true)

	if network != "unix" {
		setTCPLowLatency(conn)
	}

	if err := c.link(connectionID, encryptPassword, password, enablePlayback); err != nil {
		c.disconnect()
		return err
	}

	c.setReady(true)
	return nil
}

// run starts the channel's dedicated reader goroutine: it blocks in
// readMiniHeader on its own socket and dispatches inline. Must only be
// called after dial/link has succeeded — the handshake owns the socket
// until then.
func (c *Channel) run() {
	go c.readLoop()
}

func (c *Channel) readLoop() {
	defer close(c.done)
	for {
		hdr, err := readMiniHeader(c.conn, c.name)
		if err != nil {
			c.onFatal(err)
			return
		}

		// Count before dispatch: a SET_ACK resets the counter inside its
		// handler, so the window opens on the message after it and an ack
		// goes out after exactly ackFrequency subsequent messages.
		c.ackCount++
		if err := c.dispatchOne(hdr); err != nil {
			c.onFatal(err)
			return
		}

		if f := atomic.LoadUint32(&c.ackFrequency); f > 0 && c.ackCount >= f {
			c.ackCount = 0
			if err := c.sendAck(); err != nil {
				c.onFatal(err)
				return
			}
		}
	}
}

// dispatchOne runs the common handler first, falling through to the
// channel-specific dispatcher when the common handler didn't recognize
// the message type.
func (c *Channel) dispatchOne(hdr wire.MiniDataHeader) error {
	err := c.dispatchCommon(hdr)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errNotHandled) {
		return err
	}

	if !c.isInitDone() && !c.isChannelInitMessage(hdr.Type) {
		return protoErr(c.name, "message before channel init", nil)
	}
	return c.dispatch(c, hdr)
}

// isChannelInitMessage reports whether msgType is this channel's
// designated init message — the only message legal before initDone.
func (c *Channel) isChannelInitMessage(msgType uint16) bool {
	switch c.chType {
	case wire.ChannelMain:
		return msgType == wire.MsgMainInit
	case wire.ChannelInputs:
		return msgType == wire.MsgInputsInit
	case wire.ChannelPlayback:
		return true // playback has no dedicated init message; first message of any kind is legal
	default:
		return false
	}
}

// dispatchCommon handles the messages every channel treats identically.
func (c *Channel) dispatchCommon(hdr wire.MiniDataHeader) error {
	switch hdr.Type {
	case wire.MsgMigrate, wire.MsgMigrateData, wire.MsgWaitForChannels:
		// Migration is accepted but never acted on.
		return discardN(c.conn, c.name, hdr.Size)

	case wire.MsgSetAck:
		var buf [8]byte
		if err := readExact(c.conn, c.name, buf[:]); err != nil {
			return err
		}
		generation := leUint32(buf[0:4])
		window := leUint32(buf[4:8])
		atomic.StoreUint32(&c.ackFrequency, window)
		c.ackCount = 0
		return c.sendAckSync(generation)

	case wire.MsgPing:
		var fixed [wire.PingFixedSize]byte
		if err := readExact(c.conn, c.name, fixed[:]); err != nil {
			return err
		}
		id := leUint32(fixed[0:4])
		ts := leUint64(fixed[4:12])
		extra := hdr.Size - wire.PingFixedSize
		if err := discardN(c.conn, c.name, extra); err != nil {
			return err
		}
		return c.sendPong(id, ts)

	case wire.MsgDisconnecting:
		if err := discardN(c.conn, c.name, hdr.Size); err != nil {
			return err
		}
		if tcpConn, ok := c.conn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
		return nil

	case wire.MsgNotify:
		// Drained and dropped, never surfaced to application callbacks.
		return c.readAndLogNotify(hdr.Size)
	}

	return errNotHandled
}

func (c *Channel) sendAckSync(generation uint32) error {
	b := newFrame(wire.MsgcAckSync, 4).putUint32(generation)
	return writeLocked(c.conn, c.name, &c.writeLock, b.bytes())
}

func (c *Channel) sendPong(id uint32, ts uint64) error {
	b := newFrame(wire.MsgcPong, 12).putUint32(id).putUint64(ts)
	return writeLocked(c.conn, c.name, &c.writeLock, b.bytes())
}

// sendAck transmits MSGC_ACK: a normal mini-header frame whose payload is
// a single zero byte.
func (c *Channel) sendAck() error {
	b := newFrame(wire.MsgcAck, 1).putUint8(0)
	return writeLocked(c.conn, c.name, &c.writeLock, b.bytes())
}

func (c *Channel) readAndLogNotify(size uint32) error {
	// Body is {severity u32, visibility u32, what u32, message_len u32,
	// message[message_len] (NUL-terminated)}. We only need to drain it.
	return discardN(c.conn, c.name, size)
}

// onFatal marks the channel disconnected and propagates the failure to
// the session, which tears down every channel.
func (c *Channel) onFatal(err error) {
	c.disconnect()
	if c.session != nil {
		c.session.onChannelFatal(c, err)
	}
}

// disconnect sends MSGC_DISCONNECTING if the channel is ready, closes the
// socket and clears state flags. It is idempotent.
func (c *Channel) disconnect() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			if c.isReady() {
				c.sendDisconnecting()
			}
			c.conn.Close()
		}
		c.setReady(false)
		c.setConnected(false)
	})
}

func (c *Channel) sendDisconnecting() {
	if tcpConn, ok := c.conn.(*net.TCPConn); ok {
		// Clear NODELAY before the final send and restore it after so the
		// kernel flushes the frame immediately.
		tcpConn.SetNoDelay(false)
		defer tcpConn.SetNoDelay(true)
	}
	b := newFrame(wire.MsgcDisconnecting, 12).
		putUint64(monotonicTimestamp()).
		putUint32(wire.LinkErrOK)
	_ = writeLocked(c.conn, c.name, &c.writeLock, b.bytes())
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
