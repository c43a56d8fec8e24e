package session

// The state machine is driven by internal messages, never directly by
// transport callbacks. Each message carries up to two integer arguments
// and an optional string (device id or payload).
type messageID int

const (
	msgAuthing messageID = iota
	msgConnect
	msgDisconnect
	msgSetup
	msgSetupSuccess
	msgPlayReq
	msgPauseReq
	msgTeardownReq
	msgSwitchToStream
	msgPeerRenderReady
	msgStreamActionToPeers
	msgTrigger
	msgError
)

func (id messageID) String() string {
	switch id {
	case msgAuthing:
		return "AUTHING"
	case msgConnect:
		return "CONNECT"
	case msgDisconnect:
		return "DISCONNECT"
	case msgSetup:
		return "SETUP"
	case msgSetupSuccess:
		return "SETUP_SUCCESS"
	case msgPlayReq:
		return "PLAY_REQ"
	case msgPauseReq:
		return "PAUSE_REQ"
	case msgTeardownReq:
		return "TEARDOWN_REQ"
	case msgSwitchToStream:
		return "SWITCH_TO_STREAM"
	case msgPeerRenderReady:
		return "PEER_RENDER_READY"
	case msgStreamActionToPeers:
		return "STREAM_SEND_ACTION_EVENT_TO_PEERS"
	case msgTrigger:
		return "TRIGGER"
	case msgError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type message struct {
	id   messageID
	arg1 int
	arg2 int
	str  string
}
