// Package channel opens and tracks the per-module data paths between two
// connected devices and turns transport lifecycle events into module
// readiness and failure signals for the session.
package channel

// ModuleType names a logical channel between two devices.
type ModuleType int

const (
	ModuleAudio ModuleType = iota
	ModuleVideo
	ModuleRemoteControl
	ModuleRTSP
	ModuleStream
	// ModuleMedia is the combined audio/video readiness signal; it is
	// never a channel of its own.
	ModuleMedia
)

func (m ModuleType) String() string {
	switch m {
	case ModuleAudio:
		return "AUDIO"
	case ModuleVideo:
		return "VIDEO"
	case ModuleRemoteControl:
		return "REMOTE_CONTROL"
	case ModuleRTSP:
		return "RTSP"
	case ModuleStream:
		return "STREAM"
	case ModuleMedia:
		return "MEDIA"
	default:
		return "UNKNOWN"
	}
}

// serverName is the transport session server a module channel dials.
func serverName(m ModuleType) string {
	return "CastEngine:" + m.String()
}

// Channel describes one established module channel.
type Channel struct {
	Module      ModuleType
	DeviceID    string
	TransportID int64
}

// Error codes surfaced through Listener.OnChannelError.
const (
	CodeOpenFailed = iota + 1
	CodeSendFailed
)
