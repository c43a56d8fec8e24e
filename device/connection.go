package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/castengine/castengine/internal/log"
	"github.com/castengine/castengine/internal/metrics"
	"github.com/castengine/castengine/softbus"
)

// ConsultServerName is the shared inbound session server a discoverable
// sink listens on for consult handshakes.
const ConsultServerName = "CastEngineConsult"

var (
	ErrDeviceUnknown = errors.New("device not in registry")
	ErrNotConnected  = errors.New("device not connected")
)

// ConnectionListener receives connection lifecycle events. OnSessionNeeded
// and OnRemoteDeviceReady are the sink-side hooks that tie an inbound
// consult to a local cast session.
type ConnectionListener interface {
	OnAuthing(deviceID string, reason int)
	OnConnected(deviceID string)
	OnDisconnect(deviceID string)
	OnError(deviceID string)
	// OnSessionNeeded asks the owner for a local cast-session id to
	// associate with an inbound consult transport. ok=false refuses the
	// session.
	OnSessionNeeded(transportID int64) (sessionID int, ok bool)
	// OnRemoteDeviceReady reports the consulted remote device for the
	// given cast session. Returning false rejects the device.
	OnRemoteDeviceReady(sessionID int, device RemoteDevice) bool
}

// ConnectionCoordinator drives the FOUND -> CONNECTING -> CONNECTED flow:
// trusted devices connect straight over the transport, untrusted ones go
// through the pairing backend first, and the consult handshake bootstraps
// the control relationship either way.
type ConnectionCoordinator struct {
	registry  *Registry
	bus       softbus.Bus
	auth      AuthBackend
	discovery *DiscoveryCoordinator
	trust     *TrustStore
	local     RemoteDevice

	mu           sync.Mutex
	listener     ConnectionListener
	discoverable bool
	// pendingSessions maps a source-side device id to the cast-session id
	// the consult payload will carry.
	pendingSessions map[string]int
	// sessionKeys holds keys negotiated during pairing until the session
	// layer collects them.
	sessionKeys map[string][]byte
	// inbound maps an inbound consult transport id to the local
	// cast-session id obtained from the listener.
	inbound map[int64]*inboundEntry

	logger zerolog.Logger
}

func NewConnectionCoordinator(registry *Registry, bus softbus.Bus, auth AuthBackend, discovery *DiscoveryCoordinator, trust *TrustStore, local RemoteDevice) *ConnectionCoordinator {
	return &ConnectionCoordinator{
		registry:        registry,
		bus:             bus,
		auth:            auth,
		discovery:       discovery,
		trust:           trust,
		local:           local,
		pendingSessions: make(map[string]int),
		sessionKeys:     make(map[string][]byte),
		inbound:         make(map[int64]*inboundEntry),
		logger:          log.WithComponent("connection"),
	}
}

// SetLocalDevice replaces the identity announced in consult handshakes.
func (c *ConnectionCoordinator) SetLocalDevice(local RemoteDevice) {
	c.mu.Lock()
	c.local = local
	c.mu.Unlock()
}

// LocalDevice returns the identity announced in consult handshakes.
func (c *ConnectionCoordinator) LocalDevice() RemoteDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *ConnectionCoordinator) SetListener(l ConnectionListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *ConnectionCoordinator) getListener() ConnectionListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// ConnectDevice starts connecting to a known device on behalf of the
// given local cast session. Already connecting or connected devices
// succeed immediately. Completion is reported through the listener.
func (c *ConnectionCoordinator) ConnectDevice(device RemoteDevice, sessionID int) error {
	id := device.ID
	if id == "" {
		return errors.New("empty device id")
	}
	if c.registry.IsUsed(id) {
		return nil
	}
	if !c.registry.SetState(id, StateConnecting) {
		return ErrDeviceUnknown
	}
	metrics.ConnectAttempts.Inc()

	// Connecting and discovering contend for the radio; stop the scan.
	if c.discovery != nil {
		if err := c.discovery.StopDiscovery(); err != nil {
			c.logger.Debug().Err(err).Msg("stop discovery before connect")
		}
	}

	c.mu.Lock()
	c.pendingSessions[id] = sessionID
	c.mu.Unlock()

	if c.trust.IsTrusted(id) {
		c.registry.SetNetworkID(id, device.NetworkID)
		if err := c.openConsult(id, device.NetworkID, sessionID); err != nil {
			c.rollback(id)
			return fmt.Errorf("open consult: %w", err)
		}
		c.registry.SetState(id, StateConnected)
		return nil
	}

	c.registry.SetActiveAuth(id, true)
	info := DeviceInfo{ID: device.ID, Name: device.Name, Type: device.Type, IP: device.IP, NetworkID: device.NetworkID}
	if err := c.auth.Authenticate(info, "", c.handleAuthResult); err != nil {
		c.rollback(id)
		return fmt.Errorf("start authentication: %w", err)
	}
	if l := c.getListener(); l != nil {
		l.OnAuthing(id, 0)
	}
	return nil
}

func (c *ConnectionCoordinator) rollback(deviceID string) {
	metrics.ConnectFailures.Inc()
	c.registry.SetState(deviceID, StateFound)
	c.registry.SetActiveAuth(deviceID, false)
	if tid := c.registry.ResetTransportID(deviceID); tid != InvalidTransportID {
		if err := c.bus.CloseSession(tid); err != nil {
			c.logger.Debug().Err(err).Int64("transport", tid).Msg("close session on rollback")
		}
	}
	c.mu.Lock()
	delete(c.pendingSessions, deviceID)
	c.mu.Unlock()
}

func (c *ConnectionCoordinator) handleAuthResult(res AuthResult) {
	id := res.DeviceID
	if res.Status != AuthStatusSuccess {
		metrics.AuthFailures.Inc()
		c.logger.Warn().Str("device", id).Int("reason", res.Reason).Msg("authentication failed")
		c.rollback(id)
		if l := c.getListener(); l != nil {
			l.OnError(id)
		}
		return
	}

	device, ok := c.registry.GetByDeviceID(id)
	if !ok {
		c.logger.Warn().Str("device", id).Msg("auth result for unknown device")
		return
	}
	if len(res.SessionKey) == SessionKeyLen {
		c.mu.Lock()
		c.sessionKeys[id] = res.SessionKey
		c.mu.Unlock()
	}
	c.trust.Add(DeviceInfo{ID: device.ID, Name: device.Name, Type: device.Type, IP: device.IP, NetworkID: device.NetworkID})
	c.logger.Info().Str("device", id).Msg("device authenticated")
	// Connection completes when the backend reports the device ready.
}

// TakeSessionKey hands the pairing-derived key to the caller and forgets
// it. Returns false when no key was negotiated for the device.
func (c *ConnectionCoordinator) TakeSessionKey(deviceID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.sessionKeys[deviceID]
	delete(c.sessionKeys, deviceID)
	return key, ok
}

// OnDeviceReady is invoked when a previously authenticated device becomes
// reachable. The side that ran the pairing opens the consult channel.
func (c *ConnectionCoordinator) OnDeviceReady(info DeviceInfo) {
	id := info.ID
	if !c.registry.HasDevice(id) {
		c.logger.Debug().Str("device", id).Msg("ready event for unknown device")
		return
	}
	c.registry.SetNetworkID(id, info.NetworkID)
	if !c.registry.IsActiveAuth(id) {
		return
	}

	c.mu.Lock()
	sessionID, pending := c.pendingSessions[id]
	c.mu.Unlock()
	if !pending {
		c.logger.Debug().Str("device", id).Msg("ready event without pending connect")
		return
	}

	if err := c.openConsult(id, info.NetworkID, sessionID); err != nil {
		c.logger.Warn().Err(err).Str("device", id).Msg("open consult after auth")
		c.rollback(id)
		if l := c.getListener(); l != nil {
			l.OnError(id)
		}
		return
	}
	c.registry.SetState(id, StateConnected)
	// OnConnected fires once the sink acks the consult by closing it.
}

// openConsult dials the peer's consult server and binds the transport id.
// The handshake payload itself is sent from the session-opened callback,
// off the transport thread.
func (c *ConnectionCoordinator) openConsult(deviceID, networkID string, sessionID int) error {
	src := &consultSource{c: c, deviceID: deviceID, sessionID: sessionID}
	tid, err := c.bus.OpenSession(context.Background(), ConsultServerName, networkID, src)
	if err != nil {
		return err
	}
	if !c.registry.SetTransportID(deviceID, tid) {
		_ = c.bus.CloseSession(tid)
		return errors.New("transport already bound")
	}
	return nil
}

// consultSource handles the source end of one consult exchange.
type consultSource struct {
	c         *ConnectionCoordinator
	deviceID  string
	sessionID int
}

func (s *consultSource) OnSessionOpened(id int64, err error) {
	if err != nil {
		s.c.logger.Warn().Err(err).Str("device", s.deviceID).Msg("consult session failed to open")
		s.c.rollback(s.deviceID)
		if l := s.c.getListener(); l != nil {
			l.OnError(s.deviceID)
		}
		return
	}
	go s.send(id)
}

func (s *consultSource) send(id int64) {
	local := s.c.LocalDevice()
	payload, err := encodeConsult(local.ID, local.Name, s.sessionID)
	if err == nil {
		err = s.c.bus.SendBytes(id, payload)
	}
	if err != nil {
		s.c.logger.Warn().Err(err).Str("device", s.deviceID).Msg("send consult")
		s.c.rollback(s.deviceID)
		if l := s.c.getListener(); l != nil {
			l.OnError(s.deviceID)
		}
	}
}

func (s *consultSource) OnSessionClosed(id int64) {
	// The sink tears the consult session down once the handshake is
	// processed; the close is the ack that completes the connect. The
	// device relationship outlives the consult transport.
	s.c.registry.ResetTransportID(s.deviceID)
	s.c.mu.Lock()
	_, pending := s.c.pendingSessions[s.deviceID]
	delete(s.c.pendingSessions, s.deviceID)
	s.c.mu.Unlock()
	if pending && s.c.registry.IsConnected(s.deviceID) {
		if l := s.c.getListener(); l != nil {
			l.OnConnected(s.deviceID)
		}
	}
}

func (s *consultSource) OnBytesReceived(id int64, data []byte) {
	// The source does not expect consult traffic back.
	s.c.logger.Debug().Str("device", s.deviceID).Int("len", len(data)).Msg("unexpected consult bytes")
}

// DisconnectDevice tears down the relationship with a device. Devices
// that never got past FOUND are simply forgotten.
func (c *ConnectionCoordinator) DisconnectDevice(deviceID string) error {
	if c.discovery != nil {
		if err := c.discovery.StopDiscovery(); err != nil {
			c.logger.Debug().Err(err).Msg("stop discovery before disconnect")
		}
	}
	if !c.registry.HasDevice(deviceID) {
		return ErrDeviceUnknown
	}
	if !c.registry.IsUsed(deviceID) {
		c.registry.RemoveDevice(deviceID)
		return nil
	}

	if tid := c.registry.ResetTransportID(deviceID); tid != InvalidTransportID {
		if err := c.bus.CloseSession(tid); err != nil {
			c.logger.Debug().Err(err).Int64("transport", tid).Msg("close consult session")
		}
	}
	if c.registry.IsActiveAuth(deviceID) {
		device, _ := c.registry.GetByDeviceID(deviceID)
		info := DeviceInfo{ID: device.ID, Name: device.Name, Type: device.Type, IP: device.IP, NetworkID: device.NetworkID}
		if err := c.auth.Unauthenticate(info); err != nil {
			c.logger.Warn().Err(err).Str("device", deviceID).Msg("unauthenticate")
		}
	}
	c.mu.Lock()
	delete(c.pendingSessions, deviceID)
	c.mu.Unlock()
	c.registry.RemoveDevice(deviceID)
	if l := c.getListener(); l != nil {
		l.OnDisconnect(deviceID)
	}
	return nil
}

// EnableDiscoverable creates the long-lived inbound consult server.
// Idempotent.
func (c *ConnectionCoordinator) EnableDiscoverable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverable {
		return nil
	}
	if err := c.bus.CreateSessionServer(ConsultServerName, &consultSink{c: c}); err != nil {
		return err
	}
	c.discoverable = true
	return nil
}

// DisableDiscoverable removes the inbound consult server. Idempotent.
func (c *ConnectionCoordinator) DisableDiscoverable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.discoverable {
		return nil
	}
	if err := c.bus.RemoveSessionServer(ConsultServerName); err != nil {
		return err
	}
	c.discoverable = false
	return nil
}

// inboundEntry ties one inbound consult transport to a local cast
// session. The once guard means the owner is asked exactly one time even
// when session-opened and first-bytes race each other.
type inboundEntry struct {
	once      sync.Once
	sessionID int
	ok        bool
}

// adoptSession obtains (or reuses) the cast-session id for an inbound
// consult transport.
func (c *ConnectionCoordinator) adoptSession(transportID int64) (int, bool) {
	c.mu.Lock()
	e, ok := c.inbound[transportID]
	if !ok {
		e = &inboundEntry{}
		c.inbound[transportID] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		if l := c.getListener(); l != nil {
			e.sessionID, e.ok = l.OnSessionNeeded(transportID)
		}
	})
	return e.sessionID, e.ok
}

// consultSink handles inbound consult sessions while discoverable. The
// server persists across exchanges; each session is closed after its
// handshake completes.
type consultSink struct {
	c *ConnectionCoordinator
}

func (s *consultSink) OnSessionOpened(id int64, err error) {
	if err != nil {
		s.c.logger.Debug().Err(err).Int64("transport", id).Msg("inbound consult open error")
		return
	}
	// Ask the owner for a cast-session id off the transport thread.
	go func() {
		if _, ok := s.c.adoptSession(id); !ok {
			_ = s.c.bus.CloseSession(id)
		}
	}()
}

func (s *consultSink) OnSessionClosed(id int64) {
	s.c.mu.Lock()
	delete(s.c.inbound, id)
	s.c.mu.Unlock()
}

func (s *consultSink) OnBytesReceived(id int64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	go s.c.handleConsultData(id, buf)
}

// handleConsultData runs the sink half of the consult handshake. A
// malformed payload is dropped without state changes.
func (c *ConnectionCoordinator) handleConsultData(transportID int64, data []byte) {
	parsed, err := decodeConsult(data)
	if err != nil {
		metrics.NegotiationErrors.WithLabelValues("consult").Inc()
		c.logger.Warn().Err(err).Int64("transport", transportID).Msg("reject consult payload")
		return
	}

	sessionID, ok := c.adoptSession(transportID)
	if !ok {
		c.logger.Warn().Int64("transport", transportID).Msg("no session adopted the consult transport")
		_ = c.bus.CloseSession(transportID)
		return
	}

	device := RemoteDevice{ID: parsed.DeviceID, Name: parsed.DeviceName}
	info := DeviceInfo{ID: parsed.DeviceID, Name: parsed.DeviceName}
	if !c.registry.AddDevice(device, info) {
		c.logger.Warn().Str("device", parsed.DeviceID).Msg("register consulted device failed")
		return
	}
	c.registry.SetRole(device.ID, RoleSink)
	c.registry.SetTransportID(device.ID, transportID)
	c.registry.SetState(device.ID, StateConnected)

	accepted := false
	if l := c.getListener(); l != nil {
		accepted = l.OnRemoteDeviceReady(sessionID, device)
	}
	if !accepted {
		c.registry.RemoveDevice(device.ID)
	}

	c.mu.Lock()
	delete(c.inbound, transportID)
	c.mu.Unlock()
	c.registry.ResetTransportID(device.ID)
	if err := c.bus.CloseSession(transportID); err != nil {
		c.logger.Debug().Err(err).Int64("transport", transportID).Msg("close consult session")
	}
}
