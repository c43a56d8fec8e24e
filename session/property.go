// Package session hosts the per-cast-session state machine that drives
// connection, channel setup and RTSP negotiation for one remote device
// relationship, plus the manager that owns all sessions.
package session

// ProtocolType selects what the negotiated session carries.
type ProtocolType int

const (
	ProtocolMirror ProtocolType = iota
	ProtocolStream
	ProtocolCooperation
	ProtocolHiCar
)

func (p ProtocolType) String() string {
	switch p {
	case ProtocolMirror:
		return "MIRROR"
	case ProtocolStream:
		return "STREAM"
	case ProtocolCooperation:
		return "COOPERATION"
	case ProtocolHiCar:
		return "HICAR"
	default:
		return "UNKNOWN"
	}
}

// EndType says which side of the cast this session plays.
type EndType int

const (
	EndSource EndType = iota
	EndSink
)

// AudioProperty is the requested audio configuration.
type AudioProperty struct {
	SampleRate int
	Channels   int
}

// VideoProperty is the requested video configuration. VideoOnly drops
// the audio channel requirement for legacy sinks.
type VideoProperty struct {
	Width     int
	Height    int
	Framerate int
	Bitrate   int
	VideoOnly bool
}

// WindowProperty positions a casted window on the sink.
type WindowProperty struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Property is the negotiation intent a caller supplies when requesting a
// session. Protocol may still change to STREAM during negotiation.
type Property struct {
	Protocol ProtocolType
	End      EndType
	Audio    AudioProperty
	Video    VideoProperty
	Window   WindowProperty
}
