package device

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/castengine/castengine/internal/log"
)

// InvalidTransportID marks an unbound transport session.
const InvalidTransportID int64 = 0

type registryEntry struct {
	device      RemoteDevice
	info        DeviceInfo
	state       RemoteDeviceState
	networkID   string
	transportID int64
	activeAuth  bool
	role        Role
}

// Registry is the single shared record of known remote devices. All
// operations are serialized by one mutex; state-transition legality is the
// caller's concern.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	logger  zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		logger:  log.WithComponent("registry"),
	}
}

// AddDevice stores or replaces the entry for the device. A replace
// preserves the prior state. The stored device never retains a cleartext
// session key.
func (r *Registry) AddDevice(device RemoteDevice, info DeviceInfo) bool {
	if device.ID == "" || device.ID != info.ID {
		return false
	}

	device.SessionKey = nil

	r.mu.Lock()
	defer r.mu.Unlock()

	prior := StateUnknown
	if existing, ok := r.entries[device.ID]; ok {
		prior = existing.state
	}
	r.entries[device.ID] = &registryEntry{
		device: device,
		info:   info,
		state:  prior,
	}
	return true
}

func (r *Registry) HasDevice(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[id]
	return ok
}

// GetByDeviceID returns the device, or false if unknown.
func (r *Registry) GetByDeviceID(id string) (RemoteDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return RemoteDevice{}, false
	}
	return e.device, true
}

// GetByTransportID returns the device bound to the transport session.
func (r *Registry) GetByTransportID(id int64) (RemoteDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.transportID == id && id != InvalidTransportID {
			return e.device, true
		}
	}
	return RemoteDevice{}, false
}

// SetTransportID binds a transport session to the device. It fails if the
// id is not positive or a session is already bound.
func (r *Registry) SetTransportID(deviceID string, id int64) bool {
	if id <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return false
	}
	if e.transportID != InvalidTransportID {
		r.logger.Warn().Str("device", deviceID).Int64("bound", e.transportID).
			Msg("refusing second transport binding")
		return false
	}
	e.transportID = id
	return true
}

// ResetTransportID clears the binding and returns the previous value so
// the caller can close that transport session.
func (r *Registry) ResetTransportID(deviceID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return InvalidTransportID
	}
	prev := e.transportID
	e.transportID = InvalidTransportID
	return prev
}

func (r *Registry) GetTransportID(deviceID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return InvalidTransportID
	}
	return e.transportID
}

// SetState records the new state. The registry does not check transition
// legality; the connection coordinator does.
func (r *Registry) SetState(deviceID string, state RemoteDeviceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return false
	}
	e.state = state
	return true
}

func (r *Registry) GetState(deviceID string) RemoteDeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return StateUnknown
	}
	return e.state
}

func (r *Registry) IsConnected(deviceID string) bool {
	return r.GetState(deviceID) == StateConnected
}

func (r *Registry) IsConnecting(deviceID string) bool {
	return r.GetState(deviceID) == StateConnecting
}

// IsUsed reports whether the device is connecting or connected.
func (r *Registry) IsUsed(deviceID string) bool {
	s := r.GetState(deviceID)
	return s == StateConnecting || s == StateConnected
}

func (r *Registry) SetNetworkID(deviceID, networkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return false
	}
	e.networkID = networkID
	e.device.NetworkID = networkID
	return true
}

func (r *Registry) GetNetworkID(deviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return ""
	}
	return e.networkID
}

// SetActiveAuth marks that this side drives the authentication for the
// device.
func (r *Registry) SetActiveAuth(deviceID string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return false
	}
	e.activeAuth = active
	return true
}

func (r *Registry) IsActiveAuth(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return false
	}
	return e.activeAuth
}

func (r *Registry) SetRole(deviceID string, role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return false
	}
	e.role = role
	return true
}

func (r *Registry) GetRole(deviceID string) Role {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok {
		return RoleSource
	}
	return e.role
}

// RemoveDevice removes the entry if present. Idempotent.
func (r *Registry) RemoveDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, deviceID)
}

// Devices returns a snapshot of all known devices.
func (r *Registry) Devices() []RemoteDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RemoteDevice, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.device)
	}
	return out
}
