package device

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/castengine/castengine/internal/log"
)

var (
	ErrAlreadyInitialized = errors.New("discovery coordinator already initialized")
	ErrNotInitialized     = errors.New("discovery coordinator not initialized")
)

// DiscoveryCoordinator sits between a discovery backend and the rest of
// the engine. It annotates found devices with trust information,
// registers not-yet-online devices in the registry, and re-reports
// trusted devices on every StartDiscovery so paired devices reappear
// without a fresh scan.
type DiscoveryCoordinator struct {
	mu       sync.Mutex
	backend  DiscoveryBackend
	registry *Registry
	listener DiscoveryListener
	inited   bool

	logger zerolog.Logger
}

func NewDiscoveryCoordinator(backend DiscoveryBackend, registry *Registry) *DiscoveryCoordinator {
	return &DiscoveryCoordinator{
		backend:  backend,
		registry: registry,
		logger:   log.WithComponent("discovery"),
	}
}

// Init registers the coordinator with the backend. A second Init while
// already initialized fails without touching the existing listener.
func (c *DiscoveryCoordinator) Init(listener DiscoveryListener) error {
	if listener == nil {
		return errors.New("nil discovery listener")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inited {
		return ErrAlreadyInitialized
	}
	if err := c.backend.RegisterListener(c); err != nil {
		return err
	}
	c.listener = listener
	c.inited = true
	return nil
}

// StartDiscovery triggers an active scan and immediately re-reports
// devices the backend already trusts.
func (c *DiscoveryCoordinator) StartDiscovery() error {
	c.mu.Lock()
	if !c.inited {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.mu.Unlock()

	if err := c.backend.StartDiscovery(); err != nil {
		return err
	}

	if trusted := c.backend.TrustedDevices(); len(trusted) > 0 {
		c.OnDeviceFound(trusted)
	}
	return nil
}

// StopDiscovery stops the backend scan. Devices already found stay
// registered.
func (c *DiscoveryCoordinator) StopDiscovery() error {
	c.mu.Lock()
	if !c.inited {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.mu.Unlock()
	return c.backend.StopDiscovery()
}

// Deinit stops discovery and detaches from the backend. Safe to call
// when never initialized.
func (c *DiscoveryCoordinator) Deinit() {
	c.mu.Lock()
	if !c.inited {
		c.mu.Unlock()
		return
	}
	c.listener = nil
	c.inited = false
	c.mu.Unlock()

	if err := c.backend.StopDiscovery(); err != nil {
		c.logger.Debug().Err(err).Msg("stop discovery on deinit")
	}
	c.backend.UnregisterListener()
}

func (c *DiscoveryCoordinator) upward() DiscoveryListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// OnDeviceFound annotates and registers a batch of found devices. A
// registry failure drops only the offending device; the rest of the
// batch still proceeds.
func (c *DiscoveryCoordinator) OnDeviceFound(infos []DeviceInfo) {
	l := c.upward()
	if l == nil {
		return
	}

	trusted := c.trustedIDs()
	reported := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		if !trusted[info.ID] {
			info.SubType = SubTypeUnpaired
		}
		if !c.registry.HasDevice(info.ID) {
			if !c.registry.AddDevice(FromInfo(info), info) {
				c.logger.Warn().Str("device", info.ID).Msg("register found device failed")
				continue
			}
			c.registry.SetState(info.ID, StateFound)
		}
		reported = append(reported, info)
	}
	if len(reported) > 0 {
		l.OnDeviceFound(reported)
	}
}

func (c *DiscoveryCoordinator) trustedIDs() map[string]bool {
	out := make(map[string]bool)
	for _, info := range c.backend.TrustedDevices() {
		out[info.ID] = true
	}
	return out
}

func (c *DiscoveryCoordinator) OnDeviceOnline(info DeviceInfo) {
	if l := c.upward(); l != nil {
		l.OnDeviceOnline(info)
	}
}

func (c *DiscoveryCoordinator) OnDeviceOffline(info DeviceInfo) {
	if l := c.upward(); l != nil {
		l.OnDeviceOffline(info)
	}
}

func (c *DiscoveryCoordinator) OnDeviceChanged(info DeviceInfo) {
	if l := c.upward(); l != nil {
		l.OnDeviceChanged(info)
	}
}

func (c *DiscoveryCoordinator) OnDeviceReady(info DeviceInfo) {
	if l := c.upward(); l != nil {
		l.OnDeviceReady(info)
	}
}
