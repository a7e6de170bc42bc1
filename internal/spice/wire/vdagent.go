package wire

// VDAgent is the in-guest agent sub-protocol carried inside
// MSG_MAIN_AGENT_DATA/MSGC_MAIN_AGENT_DATA payloads.

// AgentProtocol is the only VDAgent protocol version this client speaks.
const AgentProtocol uint32 = 1

// AgentMaxDataSize is the largest payload carried by a single
// MSGC_MAIN_AGENT_DATA chunk; larger VDAgentMessages are split across
// several chunks and reassembled by the queue/reassembler.
const AgentMaxDataSize = 2048

// AgentAnnounceMaxSize/AgentClipboardGrabMaxSize bound the declared size
// of the two messages that allocate based on a server-controlled length.
const (
	AgentAnnounceMaxSize      = 1024
	AgentClipboardGrabMaxSize = 1024
)

// AgentMessage is the fixed 20-byte header prefixing every VDAgent message.
type AgentMessage struct {
	Protocol uint32
	Type     uint32
	Opaque   uint64
	Size     uint32
}

const AgentMessageSize = 4 + 4 + 8 + 4

// VDAgent message types (AgentMessage.Type).
const (
	AgentMsgMouseState           uint32 = 1
	AgentMsgMonitorsConfig       uint32 = 2
	AgentMsgReply                uint32 = 3
	AgentMsgClipboard            uint32 = 4
	AgentMsgDisplayConfig        uint32 = 5
	AgentMsgAnnounceCapabilities uint32 = 6
	AgentMsgClipboardGrab        uint32 = 7
	AgentMsgClipboardRequest     uint32 = 8
	AgentMsgClipboardRelease     uint32 = 9
)

// AgentAnnounceCapabilities is the fixed portion of
// VD_AGENT_ANNOUNCE_CAPABILITIES; Caps follows as ceil(capsBytes/4) u32
// words sized by the message's declared Size.
type AgentAnnounceCapabilities struct {
	Request uint32
}

// VDAgent capability bits, as carried in AgentAnnounceCapabilities.Caps.
const (
	AgentCapClipboardByDemand  uint32 = 1 << 5
	AgentCapClipboardSelection uint32 = 1 << 6
)

// AgentCapsWordCount returns how many u32 words hold numCaps bits.
func AgentCapsWordCount(numCaps int) int {
	return (numCaps + 31) / 32
}

// AgentSelection is the optional 4-byte selection-qualifier prefix on
// CLIPBOARD/CLIPBOARD_REQUEST/CLIPBOARD_GRAB/CLIPBOARD_RELEASE bodies,
// present iff AGENT_CAP_CLIPBOARD_SELECTION was negotiated both ways.
type AgentSelection struct {
	Selection uint8
	_reserved [3]byte
}

const AgentSelectionSize = 4

// Selection identifiers.
const (
	AgentSelectionClipboard uint8 = 0
	AgentSelectionPrimary   uint8 = 1
	AgentSelectionSecondary uint8 = 2
)

// VD_AGENT_CLIPBOARD_* data type tags, as carried in the CLIPBOARD/
// CLIPBOARD_REQUEST/CLIPBOARD_GRAB type fields.
const (
	AgentClipboardNone      uint32 = 0
	AgentClipboardUTF8Text  uint32 = 1
	AgentClipboardImagePNG  uint32 = 2
	AgentClipboardImageBMP  uint32 = 3
	AgentClipboardImageTIFF uint32 = 4
	AgentClipboardImageJPG  uint32 = 5
)
