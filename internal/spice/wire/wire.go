// Package wire holds the packed, little-endian structures and numeric
// constants of the SPICE wire protocol (version 2.2) for the three
// channels this client implements: Main, Inputs, and Playback.
//
// Every struct here round-trips with encoding/binary's LittleEndian codec
// byte-for-byte; none carry Go-side padding because every field is
// already a fixed-width unsigned/signed integer type.
package wire

// LinkMagic is the four bytes that open every SpiceLinkHeader.
const LinkMagic uint32 = 0x51444552 // "REDQ" little-endian

const (
	VersionMajor uint32 = 2
	VersionMinor uint32 = 2
)

// Link result codes, returned as the final u32 of the link handshake and
// as the error field of SpiceLinkReply.
const (
	LinkErrOK uint32 = iota
	LinkErrError
	LinkErrInvalidMagic
	LinkErrInvalidData
	LinkErrVersionMismatch
	LinkErrNeedSecured
	LinkErrNeedUnsecured
	LinkErrPermissionDenied
	LinkErrBadConnectionID
	LinkErrChannelNotAvailable
)

// Channel types, carried in SpiceLinkMess.ChannelType.
const (
	ChannelMain     uint8 = 1
	ChannelDisplay  uint8 = 2
	ChannelInputs   uint8 = 3
	ChannelCursor   uint8 = 4
	ChannelPlayback uint8 = 5
	ChannelRecord   uint8 = 6
)

// Common capability bits (apply to every channel type). The bit index
// comes from the protocol's capability enum: AUTH_SELECTION=0,
// AUTH_SPICE=1, AUTH_SASL=2, MINI_HEADER=3.
const (
	CommonCapAuthSelection uint32 = 1 << 0
	CommonCapAuthSpice     uint32 = 1 << 1
	CommonCapMiniHeader    uint32 = 1 << 3
)

// Main-channel capability bits.
const (
	MainCapAgentConnectedTokens uint32 = 1 << 2
)

// Playback-channel capability bits.
const (
	PlaybackCapVolume uint32 = 1 << 1
)

// Auth mechanism selectors, as carried in LinkAuthMechanism. The value is
// the capability enum index (SPICE_COMMON_CAP_AUTH_SPICE), not its bitmask.
const (
	AuthSpice uint32 = 1
)

// SpiceLinkHeader is the first thing sent and the first thing read back
// on every channel connection.
type LinkHeader struct {
	Magic        uint32
	MajorVersion uint32
	MinorVersion uint32
	Size         uint32 // bytes following this header
}

// SpiceLinkMess follows LinkHeader in the client->server direction. The
// wire form is packed: ChannelID is immediately followed by NumCommonCaps
// with no alignment padding.
type LinkMess struct {
	ConnectionID   uint32
	ChannelType    uint8
	ChannelID      uint8
	NumCommonCaps  uint32
	NumChannelCaps uint32
	CapsOffset     uint32 // byte offset of the caps arrays from the start of this struct
}

// LinkMessSize is the packed on-wire size of LinkMess.
const LinkMessSize = 4 + 1 + 1 + 4 + 4 + 4

// SpiceLinkReply is read back from the server after the client's LinkMess
// and capability arrays.
type LinkReply struct {
	Error          uint32
	PubKey         [PubKeySize]byte
	NumCommonCaps  uint32
	NumChannelCaps uint32
	CapsOffset     uint32
}

// PubKeySize is the length of the server's RSA public key blob (a packed
// 162-byte SubjectPublicKeyInfo for a 1024-bit RSA_PKCS1_OAEP key, per the
// SPICE protocol).
const PubKeySize = 162

// SpiceLinkAuthMechanism is sent after reading LinkReply and its caps.
type LinkAuthMechanism struct {
	AuthMechanism uint32
}

// MiniDataHeader is the 6-byte frame preamble used for every steady-state
// message once the MINI_HEADER common capability is in effect (which this
// client always advertises and therefore always uses).
type MiniDataHeader struct {
	Type uint16
	Size uint32
}

const MiniDataHeaderSize = 2 + 4

// Common message types, handled identically regardless of channel.
const (
	MsgMigrate         uint16 = 1
	MsgMigrateData     uint16 = 2
	MsgSetAck          uint16 = 3
	MsgPing            uint16 = 4
	MsgWaitForChannels uint16 = 5
	MsgDisconnecting   uint16 = 6
	MsgNotify          uint16 = 7
	MsgFirstAvailable  uint16 = 101 // first channel-specific type
)

// Common client->server (MSGC_*) message types.
const (
	MsgcAckSync          uint16 = 1
	MsgcAck              uint16 = 2
	MsgcPong             uint16 = 3
	MsgcMigrateFlushMark uint16 = 4
	MsgcMigrateData      uint16 = 5
	MsgcDisconnecting    uint16 = 6
)

// SpiceMsgSetAck is the body of MSG_SET_ACK.
type MsgSetAckBody struct {
	Generation uint32
	Window     uint32
}

// SpiceMsgcAckSync is the body of MSGC_ACK_SYNC.
type MsgcAckSyncBody struct {
	Generation uint32
}

// SpiceMsgPing is the fixed portion of MSG_PING; Extra bytes beyond this
// (header.Size - PingFixedSize) are discarded, not parsed.
type MsgPingBody struct {
	ID        uint32
	Timestamp uint64
}

const PingFixedSize = 4 + 8

// SpiceMsgcPong mirrors MsgPing's ID/Timestamp fields verbatim.
type MsgcPongBody struct {
	ID        uint32
	Timestamp uint64
}

// SpiceMsgcDisconnecting is sent on graceful channel teardown.
type MsgcDisconnectingBody struct {
	TimeStamp uint64
	Reason    uint32
}

// --- Main channel ---

const (
	MsgMainInit                 uint16 = 103
	MsgMainChannelsList         uint16 = 104
	MsgMainMouseMode            uint16 = 105
	MsgMainMultiMediaTime       uint16 = 106
	MsgMainAgentConnected       uint16 = 107
	MsgMainAgentDisconnected    uint16 = 108
	MsgMainAgentData            uint16 = 109
	MsgMainAgentToken           uint16 = 110
	MsgMainAgentConnectedTokens uint16 = 115
)

const (
	MsgcMainClientInfo       uint16 = 101
	MsgcMainAttachChannels   uint16 = 102
	MsgcMainMouseModeRequest uint16 = 105
	MsgcMainAgentStart       uint16 = 106
	MsgcMainAgentData        uint16 = 107
)

// Mouse modes negotiated over the Main channel.
const (
	MouseModeServer uint32 = 1 << 0
	MouseModeClient uint32 = 1 << 1
)

// MsgMainInit is the body of MSG_MAIN_INIT.
type MainInit struct {
	SessionID           uint32
	DisplayChannelsHint uint32
	SupportedMouseModes uint32
	CurrentMouseMode    uint32
	AgentConnected      uint32
	AgentTokens         uint32
	MultiMediaTime      uint32
	RAMHint             uint32
}

// MainChannelListEntry is one element of MSG_MAIN_CHANNELS_LIST's array.
type MainChannelListEntry struct {
	ChannelType uint8
	ChannelID   uint8
}

// MainAgentConnectedTokens is the body of MSG_MAIN_AGENT_CONNECTED_TOKENS.
type MainAgentConnectedTokens struct {
	NumTokens uint32
}

// MainAgentDisconnected is the body of MSG_MAIN_AGENT_DISCONNECTED.
type MainAgentDisconnected struct {
	ErrorCode uint32
}

// MainAgentToken is the body of MSG_MAIN_AGENT_TOKEN.
type MainAgentToken struct {
	NumTokens uint32
}

// MainMouseMode is the body of MSG_MAIN_MOUSE_MODE. Both fields carry the
// MouseMode* flags narrowed to 16 bits.
type MainMouseMode struct {
	Supported uint16
	Current   uint16
}

// MainMouseModeRequest is the body of MSGC_MAIN_MOUSE_MODE_REQUEST.
type MainMouseModeRequest struct {
	MouseMode uint16
}

// MainAgentStart is the body of MSGC_MAIN_AGENT_START.
type MainAgentStart struct {
	NumTokens uint32
}

// AgentTokensMax is the token count advertised on MSGC_MAIN_AGENT_START:
// all bits set, since this client never throttles the agent.
const AgentTokensMax uint32 = 0xFFFFFFFF

// --- Inputs channel ---

const (
	MsgInputsInit           uint16 = 101
	MsgInputsKeyModifiers   uint16 = 102
	MsgInputsMouseMotionAck uint16 = 111
)

const (
	MsgcInputsKeyDown       uint16 = 101
	MsgcInputsKeyUp         uint16 = 102
	MsgcInputsKeyModifiers  uint16 = 103
	MsgcInputsMouseMotion   uint16 = 111
	MsgcInputsMousePosition uint16 = 112
	MsgcInputsMousePress    uint16 = 113
	MsgcInputsMouseRelease  uint16 = 114
)

// InputsInit is the body of MSG_INPUTS_INIT.
type InputsInit struct {
	Modifiers uint16
}

// InputsKeyModifiers is the body of both MSG_INPUTS_KEY_MODIFIERS and
// MSGC_INPUTS_KEY_MODIFIERS.
type InputsKeyModifiers struct {
	Modifiers uint16
}

// KeyDown is the body of MSGC_INPUTS_KEY_DOWN.
type KeyDown struct {
	Code uint32
}

// KeyUp is the body of MSGC_INPUTS_KEY_UP.
type KeyUp struct {
	Code uint32
}

// MouseMotion is the body of MSGC_INPUTS_MOUSE_MOTION (packed, 10 bytes).
type MouseMotion struct {
	X, Y        int32
	ButtonState uint16
}

// MousePosition is the body of MSGC_INPUTS_MOUSE_POSITION (packed, 11 bytes).
type MousePosition struct {
	X, Y        uint32
	ButtonState uint16
	DisplayID   uint8
}

// MousePress/MouseRelease share the same layout (packed, 3 bytes).
type MousePress struct {
	Button      uint8
	ButtonState uint16
}

type MouseRelease struct {
	Button      uint8
	ButtonState uint16
}

// SPICE_INPUT_MOTION_ACK_BUNCH is the number of outstanding motion packets
// the server acknowledges per MSG_INPUTS_MOUSE_MOTION_ACK.
const InputMotionAckBunch = 4

// Mouse button identifiers (as carried in MousePress/MouseRelease.Button).
const (
	MouseButtonLeft   uint8 = 1
	MouseButtonMiddle uint8 = 2
	MouseButtonRight  uint8 = 3
	MouseButtonSide   uint8 = 6
	MouseButtonExtra  uint8 = 7
)

// Mouse button state bitmasks (as carried in ButtonState fields). Bits 3
// and 4 belong to the wheel; the side/extra masks are non-standard values
// pending upstream constants.
const (
	MouseButtonMaskLeft   uint32 = 1 << 0
	MouseButtonMaskMiddle uint32 = 1 << 1
	MouseButtonMaskRight  uint32 = 1 << 2
	MouseButtonMaskSide   uint32 = 1 << 5
	MouseButtonMaskExtra  uint32 = 1 << 6
)

// --- Playback channel ---

const (
	MsgPlaybackData   uint16 = 101
	MsgPlaybackMode   uint16 = 102
	MsgPlaybackStart  uint16 = 103
	MsgPlaybackStop   uint16 = 104
	MsgPlaybackVolume uint16 = 105
	MsgPlaybackMute   uint16 = 106
)

// PlaybackStart is the fixed portion of MSG_PLAYBACK_START (packed:
// channels, then the 16-bit format, then frequency and time).
type PlaybackStart struct {
	Channels  uint32
	Format    uint16
	Frequency uint32
	Time      uint32
}

// PlaybackDataHeader is the fixed portion of MSG_PLAYBACK_DATA; the
// remaining header.Size-4 bytes are the audio payload.
type PlaybackDataHeader struct {
	Time uint32
}

// PlaybackMute is the body of MSG_PLAYBACK_MUTE.
type PlaybackMute struct {
	Mute uint8
}

// PlaybackVolumeHeader is the fixed portion of MSG_PLAYBACK_VOLUME; it is
// followed by NumChannels uint16 volume levels.
type PlaybackVolumeHeader struct {
	NumChannels uint8
}

// Audio format, as carried in PlaybackStart.Format.
const (
	AudioFormatS16 uint16 = 1
)
