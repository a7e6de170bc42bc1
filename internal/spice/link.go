package spice

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/lanternops/spice-go/internal/spice/wire"
)

// PasswordEncryptor encrypts password against the server-provided public
// key blob (a 162-byte packed RSA public key) and returns the ciphertext
// to send as-is. Injected so embedders with their own crypto stack can
// swap out DefaultPasswordEncryptor.
type PasswordEncryptor func(pubKey [wire.PubKeySize]byte, password string) ([]byte, error)

// channelCaps returns the channel-specific capability words this client
// advertises for chType.
func channelCaps(chType uint8, enablePlayback bool) []uint32 {
	switch chType {
	case wire.ChannelMain:
		return []uint32{wire.MainCapAgentConnectedTokens}
	case wire.ChannelPlayback:
		return []uint32{wire.PlaybackCapVolume}
	default:
		return []uint32{0}
	}
}

// link runs the blocking per-channel handshake: send LinkHeader+
// LinkMess+caps, read LinkHeader+LinkReply+caps, submit the auth
// mechanism, send the RSA-encrypted password, and read the final link
// result. It must complete before the channel's read loop starts.
func (c *Channel) link(connectionID uint32, encryptPassword PasswordEncryptor, password string, enablePlayback bool) error {
	caps := channelCaps(c.chType, enablePlayback)

	// All three common capability bits fit in one u32 word, so the caps
	// array counts are in words, not bits.
	commonCaps := []uint32{
		wire.CommonCapAuthSelection | wire.CommonCapAuthSpice | wire.CommonCapMiniHeader,
	}

	mess := wire.LinkMess{
		ConnectionID:   connectionID,
		ChannelType:    c.chType,
		ChannelID:      0,
		NumCommonCaps:  uint32(len(commonCaps)),
		NumChannelCaps: uint32(len(caps)),
		CapsOffset:     wire.LinkMessSize,
	}

	restSize := wire.LinkMessSize + 4*len(commonCaps) + 4*len(caps)
	header := wire.LinkHeader{
		Magic:        wire.LinkMagic,
		MajorVersion: wire.VersionMajor,
		MinorVersion: wire.VersionMinor,
		Size:         uint32(restSize),
	}

	buf := make([]byte, 0, wire.MiniDataHeaderSize+restSize+16)
	buf = appendLinkHeader(buf, header)
	buf = appendLinkMess(buf, mess)
	for _, w := range commonCaps {
		buf = appendU32(buf, w)
	}
	for _, w := range caps {
		buf = appendU32(buf, w)
	}

	if err := writeExact(c.conn, c.name, buf); err != nil {
		return err
	}

	replyHeader, err := readLinkHeader(c.conn, c.name)
	if err != nil {
		return err
	}
	if replyHeader.Magic != wire.LinkMagic || replyHeader.MajorVersion != wire.VersionMajor {
		return protoErr(c.name, "bad link header (magic/version mismatch)", nil)
	}

	reply, err := readLinkReply(c.conn, c.name)
	if err != nil {
		return err
	}
	if reply.Error != wire.LinkErrOK {
		return protoErr(c.name, fmt.Sprintf("link rejected (error=%d)", reply.Error), nil)
	}

	// Read and discard the server's capability arrays: length is
	// data-dependent (reply.NumCommonCaps/NumChannelCaps), not fixed.
	if err := discardN(c.conn, c.name, reply.NumCommonCaps*4); err != nil {
		return err
	}
	if err := discardN(c.conn, c.name, reply.NumChannelCaps*4); err != nil {
		return err
	}

	auth := wire.LinkAuthMechanism{AuthMechanism: wire.AuthSpice}
	authBuf := appendU32(nil, auth.AuthMechanism)
	if err := writeExact(c.conn, c.name, authBuf); err != nil {
		return err
	}

	ciphertext, err := encryptPassword(reply.PubKey, password)
	if err != nil {
		return protoErr(c.name, "password encryption failed", err)
	}
	if err := writeExact(c.conn, c.name, ciphertext); err != nil {
		return err
	}

	var resultBuf [4]byte
	if err := readExact(c.conn, c.name, resultBuf[:]); err != nil {
		return err
	}
	linkResult := binary.LittleEndian.Uint32(resultBuf[:])
	if linkResult != wire.LinkErrOK {
		return protoErr(c.name, fmt.Sprintf("link result error (%d)", linkResult), nil)
	}

	return nil
}

func appendU32(dst []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(dst, tmp[:]...)
}

func appendLinkHeader(dst []byte, h wire.LinkHeader) []byte {
	dst = appendU32(dst, h.Magic)
	dst = appendU32(dst, h.MajorVersion)
	dst = appendU32(dst, h.MinorVersion)
	dst = appendU32(dst, h.Size)
	return dst
}

func appendLinkMess(dst []byte, m wire.LinkMess) []byte {
	dst = appendU32(dst, m.ConnectionID)
	dst = append(dst, m.ChannelType, m.ChannelID)
	dst = appendU32(dst, m.NumCommonCaps)
	dst = appendU32(dst, m.NumChannelCaps)
	dst = appendU32(dst, m.CapsOffset)
	return dst
}

func readLinkHeader(conn net.Conn, channel string) (wire.LinkHeader, error) {
	var buf [16]byte
	if err := readExact(conn, channel, buf[:]); err != nil {
		return wire.LinkHeader{}, err
	}
	return wire.LinkHeader{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		MajorVersion: binary.LittleEndian.Uint32(buf[4:8]),
		MinorVersion: binary.LittleEndian.Uint32(buf[8:12]),
		Size:         binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

func readLinkReply(conn net.Conn, channel string) (wire.LinkReply, error) {
	var buf [4 + wire.PubKeySize + 4 + 4 + 4]byte
	if err := readExact(conn, channel, buf[:]); err != nil {
		return wire.LinkReply{}, err
	}
	var reply wire.LinkReply
	reply.Error = binary.LittleEndian.Uint32(buf[0:4])
	copy(reply.PubKey[:], buf[4:4+wire.PubKeySize])
	off := 4 + wire.PubKeySize
	reply.NumCommonCaps = binary.LittleEndian.Uint32(buf[off : off+4])
	reply.NumChannelCaps = binary.LittleEndian.Uint32(buf[off+4 : off+8])
	reply.CapsOffset = binary.LittleEndian.Uint32(buf[off+8 : off+12])
	return reply, nil
}
