package device

import "sync"

// DiscoveryListener receives discovery backend callbacks. Callbacks arrive
// on backend-owned goroutines.
type DiscoveryListener interface {
	OnDeviceFound(devices []DeviceInfo)
	OnDeviceOnline(info DeviceInfo)
	OnDeviceOffline(info DeviceInfo)
	OnDeviceChanged(info DeviceInfo)
	// OnDeviceReady fires when a previously authenticated device becomes
	// reachable on the network.
	OnDeviceReady(info DeviceInfo)
}

// DiscoveryBackend is the discovery capability consumed by the discovery
// coordinator.
type DiscoveryBackend interface {
	RegisterListener(l DiscoveryListener) error
	UnregisterListener()
	StartDiscovery() error
	StopDiscovery() error
	TrustedDevices() []DeviceInfo
}

// AuthStatus is the terminal status of a pairing attempt.
type AuthStatus int

const (
	AuthStatusSuccess AuthStatus = iota
	AuthStatusFailed
	AuthStatusCancelled
)

// AuthResult is delivered asynchronously when pairing completes.
type AuthResult struct {
	DeviceID string
	// SessionKey is SessionKeyLen bytes on success.
	SessionKey []byte
	Status     AuthStatus
	Reason     int
}

// AuthBackend is the pairing capability. Authenticate starts the flow and
// reports through the callback; a synchronous error means the flow could
// not even start.
type AuthBackend interface {
	Authenticate(info DeviceInfo, extra string, done func(AuthResult)) error
	Unauthenticate(info DeviceInfo) error
}

// TrustStore is the in-memory trusted-device list shared by the discovery
// and authentication backends.
type TrustStore struct {
	mu      sync.Mutex
	devices map[string]DeviceInfo
}

func NewTrustStore() *TrustStore {
	return &TrustStore{
		devices: make(map[string]DeviceInfo),
	}
}

func (t *TrustStore) Add(info DeviceInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[info.ID] = info
}

func (t *TrustStore) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, id)
}

func (t *TrustStore) IsTrusted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.devices[id]
	return ok
}

func (t *TrustStore) List() []DeviceInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DeviceInfo, 0, len(t.devices))
	for _, info := range t.devices {
		out = append(out, info)
	}
	return out
}
