package spice

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

func playbackChannel(t *testing.T) (*Channel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	s := NewSession(nil)
	ch := newChannel(s, wire.ChannelPlayback, "playback", dispatchPlayback)
	ch.conn = client
	return ch, server
}

func TestDispatchPlaybackStart(t *testing.T) {
	ch, server := playbackChannel(t)

	var started struct {
		channels, sampleRate uint32
		format               AudioFormat
		time                 uint32
	}
	done := make(chan struct{})
	ch.session.SetAudioCallbacks(AudioCallbacks{
		Start: func(channels, sampleRate uint32, format AudioFormat, time uint32) {
			started.channels, started.sampleRate, started.format, started.time = channels, sampleRate, format, time
			close(done)
		},
	})

	var body [14]byte
	binary.LittleEndian.PutUint32(body[0:4], 2)
	binary.LittleEndian.PutUint16(body[4:6], wire.AudioFormatS16)
	binary.LittleEndian.PutUint32(body[6:10], 44100)
	binary.LittleEndian.PutUint32(body[10:14], 12345)
	go func() { server.Write(body[:]) }()

	if err := dispatchPlayback(ch, wire.MiniDataHeader{Type: wire.MsgPlaybackStart, Size: uint32(len(body))}); err != nil {
		t.Fatalf("dispatchPlayback: %v", err)
	}
	<-done

	if started.channels != 2 || started.sampleRate != 44100 || started.format != AudioS16 || started.time != 12345 {
		t.Fatalf("Start callback args = %+v", started)
	}
	if !ch.isInitDone() {
		t.Fatal("channel not marked initDone after first playback message")
	}
}

func TestDispatchPlaybackData(t *testing.T) {
	ch, server := playbackChannel(t)

	received := make(chan []byte, 1)
	ch.session.SetAudioCallbacks(AudioCallbacks{
		Data: func(payload []byte, time uint32) { received <- payload },
	})

	var body []byte
	var tbuf [4]byte
	binary.LittleEndian.PutUint32(tbuf[:], 777)
	body = append(body, tbuf[:]...)
	body = append(body, []byte{1, 2, 3, 4}...)
	go func() { server.Write(body) }()

	if err := dispatchPlayback(ch, wire.MiniDataHeader{Type: wire.MsgPlaybackData, Size: uint32(len(body))}); err != nil {
		t.Fatalf("dispatchPlayback: %v", err)
	}

	select {
	case payload := <-received:
		if len(payload) != 4 || payload[3] != 4 {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Data callback never fired")
	}
}

func TestDispatchPlaybackStop(t *testing.T) {
	ch, _ := playbackChannel(t)

	stopped := make(chan struct{})
	ch.session.SetAudioCallbacks(AudioCallbacks{Stop: func() { close(stopped) }})

	if err := dispatchPlayback(ch, wire.MiniDataHeader{Type: wire.MsgPlaybackStop, Size: 0}); err != nil {
		t.Fatalf("dispatchPlayback: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop callback never fired")
	}
}

func TestDispatchPlaybackVolume(t *testing.T) {
	ch, server := playbackChannel(t)

	got := make(chan []uint16, 1)
	ch.session.SetAudioCallbacks(AudioCallbacks{Volume: func(levels []uint16) { got <- levels }})

	body := []byte{2, 0, 0, 0x80, 0x3f}
	go func() { server.Write(body) }()

	if err := dispatchPlayback(ch, wire.MiniDataHeader{Type: wire.MsgPlaybackVolume, Size: uint32(len(body))}); err != nil {
		t.Fatalf("dispatchPlayback: %v", err)
	}

	select {
	case levels := <-got:
		if len(levels) != 2 || levels[0] != 0 || levels[1] != 0x3f80 {
			t.Fatalf("levels = %v", levels)
		}
	case <-time.After(time.Second):
		t.Fatal("Volume callback never fired")
	}
}

func TestDispatchPlaybackMute(t *testing.T) {
	ch, server := playbackChannel(t)

	got := make(chan bool, 1)
	ch.session.SetAudioCallbacks(AudioCallbacks{Mute: func(muted bool) { got <- muted }})

	go func() { server.Write([]byte{1}) }()

	if err := dispatchPlayback(ch, wire.MiniDataHeader{Type: wire.MsgPlaybackMute, Size: 1}); err != nil {
		t.Fatalf("dispatchPlayback: %v", err)
	}

	select {
	case muted := <-got:
		if !muted {
			t.Fatal("expected muted = true")
		}
	case <-time.After(time.Second):
		t.Fatal("Mute callback never fired")
	}
}
