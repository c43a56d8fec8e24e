package session

// DeviceState is what the application-facing listener sees for a remote
// device.
type DeviceState int

const (
	DeviceStateConnecting DeviceState = iota
	DeviceStateConnected
	DeviceStatePaused
	DeviceStatePlaying
	DeviceStateDisconnecting
	DeviceStateDisconnected
	DeviceStateStream
	DeviceStateAuthing
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateConnecting:
		return "CONNECTING"
	case DeviceStateConnected:
		return "CONNECTED"
	case DeviceStatePaused:
		return "PAUSED"
	case DeviceStatePlaying:
		return "PLAYING"
	case DeviceStateDisconnecting:
		return "DISCONNECTING"
	case DeviceStateDisconnected:
		return "DISCONNECTED"
	case DeviceStateStream:
		return "STREAM"
	case DeviceStateAuthing:
		return "AUTHING"
	default:
		return "UNKNOWN"
	}
}

// Reason codes delivered with terminal device states.
const (
	ReasonNone = iota
	ReasonConnectFailed
	ReasonAuthFailed
	ReasonChannelLost
	ReasonNegotiationError
	ReasonReleased
	ReasonPeerTeardown
)

// StateInfo is one device-state notification.
type StateInfo struct {
	DeviceID string
	State    DeviceState
	Reason   int
}

// Listener is the application-facing session listener. At most one per
// session; registering a new one replaces nothing automatically, the
// service layer owns that policy.
type Listener interface {
	OnDeviceState(info StateInfo)
	// OnEvent is a generic app-level passthrough with a JSON string
	// parameter.
	OnEvent(eventID int, param string)
	// OnRemoteCtrlEvent delivers decoded remote-control events;
	// undecodable payloads are dropped before reaching the listener.
	OnRemoteCtrlEvent(ev RemoteCtrlEvent)
}

// NopListener implements Listener with no-ops. Embed it to pick only the
// callbacks you care about.
type NopListener struct{}

func (NopListener) OnDeviceState(StateInfo) {}
func (NopListener) OnEvent(int, string) {}
func (NopListener) OnRemoteCtrlEvent(RemoteCtrlEvent) {}
