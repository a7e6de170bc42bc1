package spice

import (
	"github.com/lanternops/spice-go/internal/spice/wire"
)

// AudioFormat is the sample format delivered to the Start callback.
type AudioFormat int

const (
	AudioInvalid AudioFormat = iota
	AudioS16
)

func audioFormatFromWire(v uint16) AudioFormat {
	if v == wire.AudioFormatS16 {
		return AudioS16
	}
	return AudioInvalid
}

// AudioCallbacks are the caller-supplied sinks driven by the Playback
// channel. Start, Stop, and Data are required; Volume and Mute may be
// left nil.
type AudioCallbacks struct {
	Start  func(channels, sampleRate uint32, format AudioFormat, time uint32)
	Data   func(payload []byte, time uint32)
	Stop   func()
	Volume func(levels []uint16)
	Mute   func(muted bool)
}

// SetAudioCallbacks installs the Playback channel's sinks.
func (s *Session) SetAudioCallbacks(cb AudioCallbacks) {
	s.audioMu.Lock()
	s.audio = cb
	s.audioMu.Unlock()
}

func (s *Session) audioCallbacks() AudioCallbacks {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.audio
}

// dispatchPlayback drives the audio sinks from the Playback channel's
// inbound messages. Playback has no dedicated init message; the channel
// is marked initDone on the first dispatched message of any type.
func dispatchPlayback(c *Channel, hdr wire.MiniDataHeader) error {
	c.setInitDone()
	s := c.session
	cb := s.audioCallbacks()

	switch hdr.Type {
	case wire.MsgPlaybackStart:
		var buf [14]byte
		if err := readExact(c.conn, c.name, buf[:]); err != nil {
			return err
		}
		channels := leUint32(buf[0:4])
		format := audioFormatFromWire(leUint16(buf[4:6]))
		frequency := leUint32(buf[6:10])
		t := leUint32(buf[10:14])
		if cb.Start != nil {
			cb.Start(channels, frequency, format, t)
		}
		return nil

	case wire.MsgPlaybackData:
		if hdr.Size < 4 {
			return discardN(c.conn, c.name, hdr.Size)
		}
		var tbuf [4]byte
		if err := readExact(c.conn, c.name, tbuf[:]); err != nil {
			return err
		}
		t := leUint32(tbuf[:])
		payload := make([]byte, hdr.Size-4)
		if err := readExact(c.conn, c.name, payload); err != nil {
			return err
		}
		if cb.Data != nil {
			cb.Data(payload, t)
		}
		return nil

	case wire.MsgPlaybackStop:
		if err := discardN(c.conn, c.name, hdr.Size); err != nil {
			return err
		}
		if cb.Stop != nil {
			cb.Stop()
		}
		return nil

	case wire.MsgPlaybackVolume:
		if hdr.Size < 1 {
			return discardN(c.conn, c.name, hdr.Size)
		}
		var nBuf [1]byte
		if err := readExact(c.conn, c.name, nBuf[:]); err != nil {
			return err
		}
		n := int(nBuf[0])
		levels := make([]uint16, n)
		for i := 0; i < n; i++ {
			var lv [2]byte
			if err := readExact(c.conn, c.name, lv[:]); err != nil {
				return err
			}
			levels[i] = leUint16(lv[:])
		}
		if cb.Volume != nil {
			cb.Volume(levels)
		}
		return nil

	case wire.MsgPlaybackMute:
		var buf [1]byte
		if err := readExact(c.conn, c.name, buf[:]); err != nil {
			return err
		}
		if cb.Mute != nil {
			cb.Mute(buf[0] != 0)
		}
		return nil

	default:
		return discardN(c.conn, c.name, hdr.Size)
	}
}
