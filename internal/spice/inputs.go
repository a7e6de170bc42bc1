package spice

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// ErrChannelNotReady is returned by input/clipboard injectors when the
// backing channel hasn't completed its link handshake yet.
var ErrChannelNotReady = errors.New("spice: channel not ready")

// mouseState is guarded by mu so the button-state read-modify-write is
// atomic with respect to concurrent press/release/motion; sentCount is a
// separate atomic counter since the reader goroutine decrements it
// independently of any lock the writers take.
type mouseState struct {
	mu          sync.Mutex
	buttonState uint32
	serverMode  bool

	sentCount int32 // atomic; motion packets outstanding
}

// dispatchInputs handles the Inputs channel's few inbound messages; the
// channel is mostly outbound.
func dispatchInputs(c *Channel, hdr wire.MiniDataHeader) error {
	s := c.session

	switch hdr.Type {
	case wire.MsgInputsInit:
		var buf [2]byte
		if err := readExact(c.conn, c.name, buf[:]); err != nil {
			return err
		}
		atomic.StoreUint32(&s.modifiers, uint32(leUint16(buf[:])))
		c.setInitDone()
		if hdr.Size > 2 {
			return discardN(c.conn, c.name, hdr.Size-2)
		}
		return nil

	case wire.MsgInputsKeyModifiers:
		var buf [2]byte
		if err := readExact(c.conn, c.name, buf[:]); err != nil {
			return err
		}
		atomic.StoreUint32(&s.modifiers, uint32(leUint16(buf[:])))
		if hdr.Size > 2 {
			return discardN(c.conn, c.name, hdr.Size-2)
		}
		return nil

	case wire.MsgInputsMouseMotionAck:
		newVal := atomic.AddInt32(&s.mouse.sentCount, -wire.InputMotionAckBunch)
		if newVal < 0 {
			return protoErr(c.name, "server over-acked mouse motion", nil)
		}
		return nil

	default:
		return discardN(c.conn, c.name, hdr.Size)
	}
}

// scanCodeForKeyDown/scanCodeForKeyUp encode PC scancodes: codes below
// 0x100 travel as the low byte (OR'd with 0x80 for release); codes at or
// above 0x100 use the two-byte 0xe0-prefixed form.
func scanCodeForKeyDown(code uint32) uint32 {
	if code < 0x100 {
		return code
	}
	return 0xe0 | ((code - 0x100) << 8)
}

func scanCodeForKeyUp(code uint32) uint32 {
	if code < 0x100 {
		return code | 0x80
	}
	return 0x80e0 | ((code - 0x100) << 8)
}

// KeyDown sends MSGC_INPUTS_KEY_DOWN for the given scancode.
func (s *Session) KeyDown(code uint32) error {
	ch := s.inputs
	if ch == nil || !ch.isReady() {
		return ErrChannelNotReady
	}
	b := newFrame(wire.MsgcInputsKeyDown, 4).putUint32(scanCodeForKeyDown(code))
	return writeLocked(ch.conn, ch.name, &ch.writeLock, b.bytes())
}

// KeyUp sends MSGC_INPUTS_KEY_UP for the given scancode.
func (s *Session) KeyUp(code uint32) error {
	ch := s.inputs
	if ch == nil || !ch.isReady() {
		return ErrChannelNotReady
	}
	b := newFrame(wire.MsgcInputsKeyUp, 4).putUint32(scanCodeForKeyUp(code))
	return writeLocked(ch.conn, ch.name, &ch.writeLock, b.bytes())
}

// KeyModifiers sends MSGC_INPUTS_KEY_MODIFIERS with the given mask.
func (s *Session) KeyModifiers(mask uint32) error {
	ch := s.inputs
	if ch == nil || !ch.isReady() {
		return ErrChannelNotReady
	}
	b := newFrame(wire.MsgcInputsKeyModifiers, 2).putUint16(uint16(mask))
	return writeLocked(ch.conn, ch.name, &ch.writeLock, b.bytes())
}

// MouseMode requests server (relative) or client (absolute) mouse mode.
// The server's actual mode is confirmed asynchronously via MSG_MAIN_MOUSE_MODE.
func (s *Session) MouseMode(server bool) error {
	ch := s.main
	if ch == nil || !ch.isReady() {
		return ErrChannelNotReady
	}
	mode := wire.MouseModeClient
	if server {
		mode = wire.MouseModeServer
	}
	b := newFrame(wire.MsgcMainMouseModeRequest, 2).putUint16(uint16(mode))
	return writeLocked(ch.conn, ch.name, &ch.writeLock, b.bytes())
}

// MousePosition sends an absolute mouse position update (client mode).
func (s *Session) MousePosition(x, y uint32) error {
	ch := s.inputs
	if ch == nil || !ch.isReady() {
		return ErrChannelNotReady
	}
	s.mouse.mu.Lock()
	buttons := s.mouse.buttonState
	s.mouse.mu.Unlock()

	b := newFrame(wire.MsgcInputsMousePosition, 11).
		putUint32(x).putUint32(y).putUint16(uint16(buttons)).putUint8(0)
	if err := writeLocked(ch.conn, ch.name, &ch.writeLock, b.bytes()); err != nil {
		return err
	}
	atomic.AddInt32(&s.mouse.sentCount, 1)
	return nil
}

// motionStep is one ±127-clamped sub-motion.
type motionStep struct{ dx, dy int32 }

// splitMotion divides (dx,dy) into ceil(max(|dx|,|dy|)/127) sub-motions
// whose components sum back to exactly (dx,dy) and each lie in
// [-127,127], the largest step QEMU's virtio mouse accepts per packet.
func splitMotion(dx, dy int32) []motionStep {
	absMax := abs32(dx)
	if d := abs32(dy); d > absMax {
		absMax = d
	}
	if absMax == 0 {
		return nil
	}

	n := (absMax + 126) / 127
	steps := make([]motionStep, 0, n)
	rx, ry := dx, dy
	for i := int32(0); i < n; i++ {
		sx := clamp127(rx)
		sy := clamp127(ry)
		steps = append(steps, motionStep{sx, sy})
		rx -= sx
		ry -= sy
	}
	return steps
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp127(v int32) int32 {
	if v > 127 {
		return 127
	}
	if v < -127 {
		return -127
	}
	return v
}

// MouseMotion sends a relative mouse motion (server mode), split into
// sub-motions of at most ±127 per component and packed into a single
// buffer written with one send call — fragmenting the burst across
// syscalls breaks the QEMU input device.
func (s *Session) MouseMotion(dx, dy int32) error {
	ch := s.inputs
	if ch == nil || !ch.isReady() {
		return ErrChannelNotReady
	}
	steps := splitMotion(dx, dy)
	if len(steps) == 0 {
		return nil
	}

	s.mouse.mu.Lock()
	buttons := s.mouse.buttonState
	s.mouse.mu.Unlock()

	const motionBodySize = 10 // int32 dx, int32 dy, uint16 button_state
	buf := make([]byte, 0, len(steps)*(wire.MiniDataHeaderSize+motionBodySize))
	for _, step := range steps {
		buf = putMiniHeader(buf, wire.MsgcInputsMouseMotion, motionBodySize)
		buf = appendU32(buf, uint32(step.dx))
		buf = appendU32(buf, uint32(step.dy))
		buf = append(buf, byte(buttons), byte(buttons>>8))
	}

	if err := writeLocked(ch.conn, ch.name, &ch.writeLock, buf); err != nil {
		return err
	}
	atomic.AddInt32(&s.mouse.sentCount, int32(len(steps)))
	return nil
}

// buttonMask maps a MousePress/MouseRelease button id to its bitmask.
func buttonMask(button uint8) uint32 {
	switch button {
	case wire.MouseButtonLeft:
		return wire.MouseButtonMaskLeft
	case wire.MouseButtonMiddle:
		return wire.MouseButtonMaskMiddle
	case wire.MouseButtonRight:
		return wire.MouseButtonMaskRight
	case wire.MouseButtonSide:
		return wire.MouseButtonMaskSide
	case wire.MouseButtonExtra:
		return wire.MouseButtonMaskExtra
	default:
		return 0
	}
}

// MousePress updates the button-state shadow and sends MSGC_INPUTS_MOUSE_PRESS.
func (s *Session) MousePress(button uint8) error {
	ch := s.inputs
	if ch == nil || !ch.isReady() {
		return ErrChannelNotReady
	}
	s.mouse.mu.Lock()
	s.mouse.buttonState |= buttonMask(button)
	buttons := s.mouse.buttonState
	s.mouse.mu.Unlock()

	b := newFrame(wire.MsgcInputsMousePress, 3).putUint8(button).putUint16(uint16(buttons))
	return writeLocked(ch.conn, ch.name, &ch.writeLock, b.bytes())
}

// MouseRelease updates the button-state shadow and sends MSGC_INPUTS_MOUSE_RELEASE.
func (s *Session) MouseRelease(button uint8) error {
	ch := s.inputs
	if ch == nil || !ch.isReady() {
		return ErrChannelNotReady
	}
	s.mouse.mu.Lock()
	s.mouse.buttonState &^= buttonMask(button)
	buttons := s.mouse.buttonState
	s.mouse.mu.Unlock()

	b := newFrame(wire.MsgcInputsMouseRelease, 3).putUint8(button).putUint16(uint16(buttons))
	return writeLocked(ch.conn, ch.name, &ch.writeLock, b.bytes())
}
