// Package device tracks remote cast devices: the registry of known devices
// and their connection state, the discovery coordinator feeding it, and the
// connection coordinator that pairs with and connects to a peer.
package device

// SessionKeyLen is the length of the symmetric key established during
// authentication.
const SessionKeyLen = 16

// RemoteDeviceState describes where a device is in the connect flow.
type RemoteDeviceState int

const (
	StateUnknown RemoteDeviceState = iota
	StateFound
	StateConnecting
	StateConnected
)

func (s RemoteDeviceState) String() string {
	switch s {
	case StateFound:
		return "FOUND"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Role describes which end of the cast relationship the local side plays
// for a given device.
type Role int

const (
	RoleSource Role = iota
	RoleSink
)

// ChannelType selects the transport flavor used towards a device.
type ChannelType int

const (
	ChannelSoftBus ChannelType = iota
	ChannelLegacy
)

// SubType markers let the UI layer distinguish paired from merely
// discoverable devices.
type SubType int

const (
	SubTypeDefault SubType = iota
	// SubTypeUnpaired tags a discovered device that is not in the trusted
	// list yet.
	SubTypeUnpaired
)

// RemoteDevice is the engine's view of a peer device.
type RemoteDevice struct {
	ID          string
	Name        string
	Type        string
	SubType     SubType
	IP          string
	NetworkID   string
	ChannelType ChannelType

	// SessionKey is the symmetric key established during authentication,
	// SessionKeyLen bytes when present. It is never stored in the registry.
	SessionKey []byte
}

// DeviceInfo is what the discovery backend reports about a device.
type DeviceInfo struct {
	ID        string
	Name      string
	Type      string
	SubType   SubType
	IP        string
	NetworkID string
}

// FromInfo builds a RemoteDevice from backend discovery info.
func FromInfo(info DeviceInfo) RemoteDevice {
	return RemoteDevice{
		ID:        info.ID,
		Name:      info.Name,
		Type:      info.Type,
		SubType:   info.SubType,
		IP:        info.IP,
		NetworkID: info.NetworkID,
	}
}
