package spice

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// dispatchMain handles the Main channel's inbound messages. It runs on
// the Main channel's single reader goroutine.
func dispatchMain(c *Channel, hdr wire.MiniDataHeader) error {
	s := c.session

	switch hdr.Type {
	case wire.MsgMainInit:
		return s.handleMainInit(c, hdr)

	case wire.MsgMainChannelsList:
		return s.handleChannelsList(c, hdr)

	case wire.MsgMainAgentConnected:
		if err := discardN(c.conn, c.name, hdr.Size); err != nil {
			return err
		}
		return s.onAgentConnect()

	case wire.MsgMainAgentConnectedTokens:
		var buf [4]byte
		if err := readExact(c.conn, c.name, buf[:]); err != nil {
			return err
		}
		atomic.StoreUint32(&s.serverTokens, leUint32(buf[:]))
		return s.onAgentConnect()

	case wire.MsgMainAgentDisconnected:
		if err := discardN(c.conn, c.name, hdr.Size); err != nil {
			return err
		}
		s.onAgentDisconnect()
		return nil

	case wire.MsgMainAgentData:
		return s.handleAgentData(c, hdr)

	case wire.MsgMainAgentToken:
		var buf [4]byte
		if err := readExact(c.conn, c.name, buf[:]); err != nil {
			return err
		}
		atomic.AddUint32(&s.serverTokens, leUint32(buf[:]))
		s.drainAgentQueue()
		return nil

	case wire.MsgMainMouseMode:
		var buf [4]byte
		if err := readExact(c.conn, c.name, buf[:]); err != nil {
			return err
		}
		current := uint32(leUint16(buf[2:4]))
		s.mouse.mu.Lock()
		s.mouse.serverMode = current == wire.MouseModeServer
		s.mouse.mu.Unlock()
		if hdr.Size > 4 {
			return discardN(c.conn, c.name, hdr.Size-4)
		}
		return nil

	default:
		return discardN(c.conn, c.name, hdr.Size)
	}
}

// handleMainInit processes MSG_MAIN_INIT, the Main channel's designated
// init message: it records the session id and the initial agent token
// budget, kicks off the agent capability exchange when an agent is
// already attached, and answers with MSGC_MAIN_ATTACH_CHANNELS.
func (s *Session) handleMainInit(c *Channel, hdr wire.MiniDataHeader) error {
	var buf [32]byte
	if err := readExact(c.conn, c.name, buf[:]); err != nil {
		return err
	}
	init := wire.MainInit{
		SessionID:           leUint32(buf[0:4]),
		DisplayChannelsHint: leUint32(buf[4:8]),
		SupportedMouseModes: leUint32(buf[8:12]),
		CurrentMouseMode:    leUint32(buf[12:16]),
		AgentConnected:      leUint32(buf[16:20]),
		AgentTokens:         leUint32(buf[20:24]),
		MultiMediaTime:      leUint32(buf[24:28]),
		RAMHint:             leUint32(buf[28:32]),
	}
	if hdr.Size > 32 {
		if err := discardN(c.conn, c.name, hdr.Size-32); err != nil {
			return err
		}
	}

	atomic.StoreUint32(&s.sessionID, init.SessionID)
	atomic.StoreUint32(&s.serverTokens, init.AgentTokens)

	s.mouse.mu.Lock()
	s.mouse.serverMode = init.CurrentMouseMode == wire.MouseModeServer
	s.mouse.mu.Unlock()

	if init.AgentConnected != 0 {
		if err := s.onAgentConnect(); err != nil {
			return err
		}
	}

	// Prefer client (absolute) mode; ask the server to switch if it
	// started us out in server mode.
	if init.CurrentMouseMode != wire.MouseModeClient {
		b := newFrame(wire.MsgcMainMouseModeRequest, 2).putUint16(uint16(wire.MouseModeClient))
		if err := writeLocked(c.conn, c.name, &c.writeLock, b.bytes()); err != nil {
			return err
		}
	}

	attach := newFrame(wire.MsgcMainAttachChannels, 0)
	if err := writeLocked(c.conn, c.name, &c.writeLock, attach.bytes()); err != nil {
		return err
	}

	c.setInitDone()
	return nil
}

// handleChannelsList processes MSG_MAIN_CHANNELS_LIST: for every INPUTS
// entry it links the Inputs channel; for every PLAYBACK entry it links
// Playback iff audio was requested at Connect time. A second
// MSG_MAIN_CHANNELS_LIST is a protocol error.
//
// The entries must be fully drained off the Main channel's socket before
// any linking starts (the reader goroutine owns that socket), but linking
// Inputs and Playback each means dialing and handshaking a brand new
// socket — independent, blocking work with nothing further to read from
// Main in between. errgroup.Group runs whichever of the two channels the
// server listed concurrently and surfaces the first failure.
func (s *Session) handleChannelsList(c *Channel, hdr wire.MiniDataHeader) error {
	if !atomic.CompareAndSwapUint32(&s.channelsListReceived, 0, 1) {
		return protoErr(c.name, "duplicate MSG_MAIN_CHANNELS_LIST", nil)
	}

	var countBuf [4]byte
	if err := readExact(c.conn, c.name, countBuf[:]); err != nil {
		return err
	}
	count := leUint32(countBuf[:])

	var wantInputs, wantPlayback bool
	for i := uint32(0); i < count; i++ {
		var entry [2]byte
		if err := readExact(c.conn, c.name, entry[:]); err != nil {
			return err
		}
		switch entry[0] {
		case wire.ChannelInputs:
			wantInputs = true
		case wire.ChannelPlayback:
			wantPlayback = true
		}
	}

	var g errgroup.Group
	if wantInputs {
		g.Go(s.linkInputs)
	}
	if wantPlayback && s.enablePlayback {
		g.Go(s.linkPlayback)
	}
	return g.Wait()
}
