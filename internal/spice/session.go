// Package spice is a client implementation of the SPICE remote desktop
// protocol's Main, Inputs, and Playback channels. It drives the
// per-channel link handshake and steady-state message loop, mediates the
// VDAgent sub-protocol for clipboard transfer, and exposes a small
// synchronous API for input injection, clipboard operations, and audio
// delivery.
package spice

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/lanternops/spice-go/internal/logging"
	"github.com/lanternops/spice-go/internal/secmem"
	"github.com/lanternops/spice-go/internal/spice/wire"
)

// Session owns the three channels, the agent TX queue, the clipboard
// reassembler, and the mouse-state shadow. Create one with NewSession per
// SPICE server connection.
type Session struct {
	network  string
	address  string
	password *secmem.SecureString

	enablePlayback  bool
	encryptPassword PasswordEncryptor
	noticePolicy    ClipboardNoticePolicy

	sessionID            uint32 // atomic
	channelsListReceived uint32 // atomic bool (0/1), CAS-guarded

	agentPresent atomic.Bool
	serverTokens uint32 // atomic

	modifiers uint32 // atomic; keyboard modifier shadow

	main     *Channel
	inputs   *Channel
	playback *Channel

	mouse     mouseState
	clipboard clipboardState

	agentQueueMu sync.Mutex
	agentQueue   [][]byte
	drainMu      sync.Mutex

	audioMu sync.Mutex
	audio   AudioCallbacks

	fatalOnce sync.Once
	fatalErr  error
	done      chan struct{}

	log *slog.Logger
}

// NewSession constructs an inert Session. encryptPassword supplies the
// link-time RSA routine; pass DefaultPasswordEncryptor for a
// crypto/rsa-OAEP-backed implementation, or nil to use it automatically.
func NewSession(encryptPassword PasswordEncryptor) *Session {
	if encryptPassword == nil {
		encryptPassword = DefaultPasswordEncryptor
	}
	return &Session{
		encryptPassword: encryptPassword,
		done:            make(chan struct{}),
		log:             logging.L("spice.session"),
	}
}

// resolveAddress selects the transport: port 0 means a UNIX stream
// socket at host (interpreted as a filesystem path), any other port
// means TCP.
func resolveAddress(host string, port int) (network, address string) {
	if port == 0 {
		return "unix", host
	}
	return "tcp", net.JoinHostPort(host, strconv.Itoa(port))
}

// Connect dials the Main channel, runs its link handshake, and starts its
// reader goroutine. Inputs (and, if enablePlayback, Playback) are linked
// later, asynchronously, once MSG_MAIN_CHANNELS_LIST arrives.
func (s *Session) Connect(host string, port int, password string, enablePlayback bool) error {
	s.network, s.address = resolveAddress(host, port)
	s.password = secmem.NewSecureString(password)
	s.enablePlayback = enablePlayback

	ch, err := s.linkChannel(wire.ChannelMain, "main", dispatchMain)
	if err != nil {
		return err
	}
	s.main = ch
	s.main.run()
	return nil
}

// linkChannel dials and links a channel of the given type. The Main
// channel always links with connection_id=0; Inputs/Playback use the
// server-issued session id from MSG_MAIN_INIT.
func (s *Session) linkChannel(chType uint8, name string, dispatch dispatchFunc) (*Channel, error) {
	ch := newChannel(s, chType, name, dispatch)

	connID := uint32(0)
	if chType != wire.ChannelMain {
		connID = atomic.LoadUint32(&s.sessionID)
	}

	if err := ch.dial(s.network, s.address, connID, s.encryptPassword, s.password.String(), s.enablePlayback); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Session) linkInputs() error {
	ch, err := s.linkChannel(wire.ChannelInputs, "inputs", dispatchInputs)
	if err != nil {
		s.log.Error("inputs channel link failed", "error", err)
		return err
	}
	s.inputs = ch
	s.inputs.run()
	return nil
}

func (s *Session) linkPlayback() error {
	ch, err := s.linkChannel(wire.ChannelPlayback, "playback", dispatchPlayback)
	if err != nil {
		s.log.Error("playback channel link failed", "error", err)
		return err
	}
	s.playback = ch
	s.playback.run()
	return nil
}

// Ready reports whether the session has completed the Main and Inputs
// handshakes (and Playback's, if audio was requested).
func (s *Session) Ready() bool {
	if s.main == nil || !s.main.isReady() {
		return false
	}
	if s.inputs == nil || !s.inputs.isReady() {
		return false
	}
	if s.enablePlayback && (s.playback == nil || !s.playback.isReady()) {
		return false
	}
	return true
}

// SetClipboardNoticePolicy overrides the default clipboard-grab notice
// policy. Call before Connect.
func (s *Session) SetClipboardNoticePolicy(policy ClipboardNoticePolicy) {
	s.noticePolicy = policy
}

// SessionID returns the server-assigned session id from MSG_MAIN_INIT.
func (s *Session) SessionID() uint32 {
	return atomic.LoadUint32(&s.sessionID)
}

// Modifiers returns the current keyboard modifier shadow, last recorded
// from INPUTS_INIT or updated from INPUTS_KEY_MODIFIERS.
func (s *Session) Modifiers() uint32 {
	return atomic.LoadUint32(&s.modifiers)
}

// Done returns a channel closed when the session has fatally disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Process blocks until the session terminates or the caller-supplied
// cancel channel fires. The goroutine-per-channel event loop means there
// is no single loop to pump, so this is a wait, not a poll: pass a
// context.Context's Done() channel for a timeout or cancellation.
// Returns false once the session has terminated, true if cancel fired
// first.
func (s *Session) Process(cancel <-chan struct{}) bool {
	select {
	case <-s.done:
		return false
	case <-cancel:
		return true
	}
}

// Err returns the error that caused session termination, if any.
func (s *Session) Err() error {
	return s.fatalErr
}

// onChannelFatal marks the session terminated and tears down every
// channel. Any channel's failure ends the session: an Inputs or Playback
// loss leaves it just as unusable as a Main loss.
func (s *Session) onChannelFatal(c *Channel, err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.log.Error("channel fatal, disconnecting session", "channel", c.name, "error", err)
		s.disconnectChannels()
		close(s.done)
	})
}

func (s *Session) disconnectChannels() {
	for _, ch := range []*Channel{s.main, s.inputs, s.playback} {
		if ch != nil {
			ch.disconnect()
		}
	}
	s.password.Zero()
}

// Disconnect tears down all channels. Safe to call multiple times.
func (s *Session) Disconnect() {
	s.fatalOnce.Do(func() {
		s.disconnectChannels()
		close(s.done)
	})
}
