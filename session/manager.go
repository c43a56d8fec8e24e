package session

import (
	"errors"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/castengine/castengine/channel"
	"github.com/castengine/castengine/device"
	"github.com/castengine/castengine/internal/log"
	"github.com/castengine/castengine/softbus"
)

var (
	ErrManagerReleased = errors.New("session manager released")
	ErrSessionUnknown  = errors.New("unknown session id")
)

// sinkModules are pre-accepted when the device becomes discoverable so a
// connecting source never dials a server that does not exist yet.
var sinkModules = []channel.ModuleType{
	channel.ModuleRTSP,
	channel.ModuleAudio,
	channel.ModuleVideo,
	channel.ModuleRemoteControl,
	channel.ModuleStream,
}

// authServer is the optional server half of a pairing backend.
type authServer interface {
	Serve(onPeer func(device.AuthResult)) error
	StopServe() error
}

// Config wires the manager's collaborators. Bus, Discovery and Auth are
// required; the rest gets defaults.
type Config struct {
	Bus       softbus.Bus
	Discovery device.DiscoveryBackend
	Auth      device.AuthBackend
	Trust     *device.TrustStore
	Local     device.DeviceInfo
	// Devices receives discovery events for the application. Optional.
	Devices device.DiscoveryListener
}

func (c *Config) normalize() {
	if c.Local.ID == "" {
		c.Local.ID = uuid.NewString()
	}
	if c.Local.Name == "" {
		c.Local.Name = "CastEngine"
	}
	if c.Trust == nil {
		c.Trust = device.NewTrustStore()
	}
}

// Manager owns every cast session plus the device-facing coordinators.
// It is the surface a session-manager service builds on.
type Manager struct {
	bus       softbus.Bus
	registry  *device.Registry
	trust     *device.TrustStore
	discovery *device.DiscoveryCoordinator
	conn      *device.ConnectionCoordinator
	auth      device.AuthBackend
	devices   device.DiscoveryListener

	// sinkChannels is shared by sink sessions; its listener is retargeted
	// to whichever sink session an inbound consult selects.
	sinkChannels *channel.Manager
	sinkRelay    *switchRelay

	mu           sync.Mutex
	local        device.RemoteDevice
	sessionL     Listener
	sessions     map[int]*handle
	byDevice     map[string]int
	serveKeys    map[string][]byte
	nextID       int
	discoverable bool
	released     bool

	logger zerolog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Bus == nil {
		return nil, errors.New("nil transport bus")
	}
	if cfg.Discovery == nil {
		return nil, errors.New("nil discovery backend")
	}
	if cfg.Auth == nil {
		return nil, errors.New("nil auth backend")
	}
	cfg.normalize()

	registry := device.NewRegistry()
	local := device.FromInfo(cfg.Local)
	disco := device.NewDiscoveryCoordinator(cfg.Discovery, registry)
	conn := device.NewConnectionCoordinator(registry, cfg.Bus, cfg.Auth, disco, cfg.Trust, local)

	m := &Manager{
		bus:       cfg.Bus,
		registry:  registry,
		trust:     cfg.Trust,
		discovery: disco,
		conn:      conn,
		auth:      cfg.Auth,
		devices:   cfg.Devices,
		local:     local,
		sessions:  make(map[int]*handle),
		byDevice:  make(map[string]int),
		serveKeys: make(map[string][]byte),
		logger:    log.WithComponent("manager"),
	}
	m.sinkRelay = newSwitchRelay()
	m.sinkChannels = channel.NewManager(cfg.Bus, m.sinkRelay)

	conn.SetListener(m)
	if err := disco.Init(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LocalDevice returns the identity announced to peers.
func (m *Manager) LocalDevice() device.RemoteDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// SetLocalDevice replaces the identity announced to peers. Sessions
// already negotiating keep the old one.
func (m *Manager) SetLocalDevice(info device.DeviceInfo) {
	local := device.FromInfo(info)
	m.mu.Lock()
	m.local = local
	m.mu.Unlock()
	m.conn.SetLocalDevice(local)
}

// SetSessionListener installs the listener handed to sessions created
// for inbound connects. Sessions created through CreateSession get their
// listener from the caller instead.
func (m *Manager) SetSessionListener(l Listener) {
	m.mu.Lock()
	m.sessionL = l
	m.mu.Unlock()
}

// Registry exposes the device registry for read access.
func (m *Manager) Registry() *device.Registry {
	return m.registry
}

func (m *Manager) StartDiscovery() error {
	return m.discovery.StartDiscovery()
}

func (m *Manager) StopDiscovery() error {
	return m.discovery.StopDiscovery()
}

// SetDiscoverable toggles the sink role: the consult server, the module
// channel servers, and (when the backend supports it) the pairing server.
func (m *Manager) SetDiscoverable(on bool) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrManagerReleased
	}
	if m.discoverable == on {
		m.mu.Unlock()
		return nil
	}
	m.discoverable = on
	m.mu.Unlock()

	if on {
		if err := m.enableSink(); err != nil {
			m.mu.Lock()
			m.discoverable = false
			m.mu.Unlock()
			return err
		}
		return nil
	}

	if srv, ok := m.auth.(authServer); ok {
		if err := srv.StopServe(); err != nil {
			m.logger.Debug().Err(err).Msg("stop pairing server")
		}
	}
	return m.conn.DisableDiscoverable()
}

func (m *Manager) enableSink() error {
	if err := m.conn.EnableDiscoverable(); err != nil {
		return err
	}
	if err := m.sinkChannels.Accept("", sinkModules); err != nil {
		return err
	}
	if srv, ok := m.auth.(authServer); ok {
		if err := srv.Serve(m.onPeerAuth); err != nil {
			return err
		}
	}
	return nil
}

// onPeerAuth stores keys negotiated by the pairing server until the
// consulted device claims them.
func (m *Manager) onPeerAuth(res device.AuthResult) {
	if res.Status != device.AuthStatusSuccess || len(res.SessionKey) != device.SessionKeyLen {
		return
	}
	m.mu.Lock()
	m.serveKeys[res.DeviceID] = res.SessionKey
	m.mu.Unlock()
}

func (m *Manager) takeServeKey(deviceID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.serveKeys[deviceID]
	delete(m.serveKeys, deviceID)
	return key
}

// CreateSession allocates a new cast session and returns its id.
func (m *Manager) CreateSession(p Property) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return "", ErrManagerReleased
	}
	m.nextID++
	numID := m.nextID
	id := strconv.Itoa(numID)
	s := newSession(id, numID, p, sessionDeps{
		registry: m.registry,
		conn:     m.conn,
		bus:      m.bus,
		owner:    m,
	})
	m.sessions[numID] = s.handle
	return id, nil
}

// GetSession resolves a session id. Released sessions resolve to false.
func (m *Manager) GetSession(id string) (*CastSession, bool) {
	numID, err := strconv.Atoi(id)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	h, ok := m.sessions[numID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	s := h.get()
	return s, s != nil
}

// ReleaseSession tears the session down and forgets it.
func (m *Manager) ReleaseSession(id string) error {
	numID, err := strconv.Atoi(id)
	if err != nil {
		return ErrSessionUnknown
	}
	m.mu.Lock()
	h, ok := m.sessions[numID]
	delete(m.sessions, numID)
	for dev, n := range m.byDevice {
		if n == numID {
			delete(m.byDevice, dev)
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionUnknown
	}
	if s := h.get(); s != nil {
		s.Release()
	}
	return nil
}

// AddDevice attaches a device to the session and starts connecting.
func (m *Manager) AddDevice(sessionID string, dev device.RemoteDevice) error {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionUnknown
	}
	return s.AddDevice(dev)
}

// RemoveDevice detaches a device from the session.
func (m *Manager) RemoveDevice(sessionID, deviceID string) error {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionUnknown
	}
	return s.RemoveDevice(deviceID)
}

// SessionProperty reads a session's negotiation intent.
func (m *Manager) SessionProperty(sessionID string) (Property, error) {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return Property{}, ErrSessionUnknown
	}
	return s.Property(), nil
}

// SetSessionProperty replaces a session's negotiation intent.
func (m *Manager) SetSessionProperty(sessionID string, p Property) error {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionUnknown
	}
	s.SetProperty(p)
	return nil
}

// SetCastMode switches a session into stream sub-mode.
func (m *Manager) SetCastMode(sessionID string) error {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionUnknown
	}
	return s.SwitchToStream()
}

// CreateMirrorPlayer hands out the mirror facade for a session.
func (m *Manager) CreateMirrorPlayer(sessionID string) (*MirrorPlayer, error) {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return nil, ErrSessionUnknown
	}
	return s.CreateMirrorPlayer()
}

// CreateStreamPlayer hands out the stream facade for a session.
func (m *Manager) CreateStreamPlayer(sessionID string) (*StreamPlayer, error) {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return nil, ErrSessionUnknown
	}
	return s.CreateStreamPlayer()
}

// NotifyAppEvent forwards an application event to the session's peer.
func (m *Manager) NotifyAppEvent(sessionID string, eventID int, param string) error {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return ErrSessionUnknown
	}
	return s.NotifyEvent(eventID, param)
}

// Release tears down all sessions and coordinators. The bus stays open;
// its owner closes it.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	handles := make([]*handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		handles = append(handles, h)
	}
	m.sessions = make(map[int]*handle)
	m.byDevice = make(map[string]int)
	discoverable := m.discoverable
	m.discoverable = false
	m.mu.Unlock()

	for _, h := range handles {
		if s := h.get(); s != nil {
			s.Release()
		}
	}
	if err := m.discovery.StopDiscovery(); err != nil && !errors.Is(err, device.ErrNotInitialized) {
		m.logger.Debug().Err(err).Msg("stop discovery on release")
	}
	if discoverable {
		if srv, ok := m.auth.(authServer); ok {
			if err := srv.StopServe(); err != nil {
				m.logger.Debug().Err(err).Msg("stop pairing server on release")
			}
		}
		if err := m.conn.DisableDiscoverable(); err != nil {
			m.logger.Debug().Err(err).Msg("disable discoverable on release")
		}
	}
	m.sinkChannels.Close()
	m.discovery.Deinit()
}

func (m *Manager) bindDevice(deviceID string, numID int) {
	m.mu.Lock()
	m.byDevice[deviceID] = numID
	m.mu.Unlock()
}

func (m *Manager) unbindDevice(deviceID string, numID int) {
	m.mu.Lock()
	if m.byDevice[deviceID] == numID {
		delete(m.byDevice, deviceID)
	}
	m.mu.Unlock()
}

func (m *Manager) sessionFor(deviceID string) *CastSession {
	m.mu.Lock()
	numID, ok := m.byDevice[deviceID]
	var h *handle
	if ok {
		h = m.sessions[numID]
	}
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.get()
}

func (m *Manager) sessionByNum(numID int) *CastSession {
	m.mu.Lock()
	h := m.sessions[numID]
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.get()
}

// Connection listener: the coordinator reports per-device progress and
// the manager routes it to the owning session's message loop.

func (m *Manager) OnAuthing(deviceID string, reason int) {
	if s := m.sessionFor(deviceID); s != nil {
		s.post(message{id: msgAuthing, arg1: reason, str: deviceID})
	}
}

func (m *Manager) OnConnected(deviceID string) {
	if s := m.sessionFor(deviceID); s != nil {
		s.post(message{id: msgConnect, str: deviceID})
	}
}

func (m *Manager) OnDisconnect(deviceID string) {
	if s := m.sessionFor(deviceID); s != nil {
		s.post(message{id: msgDisconnect, arg1: ReasonNone, str: deviceID})
	}
}

func (m *Manager) OnError(deviceID string) {
	s := m.sessionFor(deviceID)
	if s == nil {
		return
	}
	reason := ReasonConnectFailed
	if s.stateNow() == stateAuthing {
		reason = ReasonAuthFailed
	}
	s.post(message{id: msgDisconnect, arg1: reason, str: deviceID})
}

// OnSessionNeeded creates the sink session an inbound consult binds to.
func (m *Manager) OnSessionNeeded(transportID int64) (int, bool) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return 0, false
	}
	m.nextID++
	numID := m.nextID
	id := strconv.Itoa(numID)
	s := newSession(id, numID, Property{End: EndSink, Protocol: ProtocolMirror}, sessionDeps{
		registry: m.registry,
		conn:     m.conn,
		channels: m.sinkChannels,
		bus:      m.bus,
		owner:    m,
	})
	m.sessions[numID] = s.handle
	sessionL := m.sessionL
	m.mu.Unlock()

	if sessionL != nil {
		s.SetListener(sessionL)
	}
	m.sinkRelay.set(s.handle)
	m.logger.Info().Int("session", numID).Int64("transport", transportID).Msg("sink session created")
	return numID, true
}

func (m *Manager) OnRemoteDeviceReady(sessionID int, dev device.RemoteDevice) bool {
	s := m.sessionByNum(sessionID)
	if s == nil {
		return false
	}
	m.bindDevice(dev.ID, sessionID)
	s.attachRemote(dev)
	if key := m.takeServeKey(dev.ID); key != nil {
		// Encryption must be live before the consult ack releases the
		// source to dial the control channel.
		s.armKey(key)
		s.applyKey()
	}
	s.post(message{id: msgConnect, str: dev.ID})
	return true
}

// Discovery listener: trust-aware ready events feed the connection
// coordinator; everything is mirrored to the application listener.

func (m *Manager) OnDeviceFound(devices []device.DeviceInfo) {
	if m.devices != nil {
		m.devices.OnDeviceFound(devices)
	}
}

func (m *Manager) OnDeviceOnline(info device.DeviceInfo) {
	if m.devices != nil {
		m.devices.OnDeviceOnline(info)
	}
}

func (m *Manager) OnDeviceOffline(info device.DeviceInfo) {
	if m.devices != nil {
		m.devices.OnDeviceOffline(info)
	}
}

func (m *Manager) OnDeviceChanged(info device.DeviceInfo) {
	if m.devices != nil {
		m.devices.OnDeviceChanged(info)
	}
}

func (m *Manager) OnDeviceReady(info device.DeviceInfo) {
	m.conn.OnDeviceReady(info)
	if m.devices != nil {
		m.devices.OnDeviceReady(info)
	}
}

// switchRelay forwards channel events to whichever sink session is
// current. An empty relay drops everything.
type switchRelay struct {
	mu    sync.Mutex
	relay channelRelay
}

func newSwitchRelay() *switchRelay {
	return &switchRelay{relay: channelRelay{h: &handle{}}}
}

func (r *switchRelay) set(h *handle) {
	r.mu.Lock()
	r.relay = channelRelay{h: h}
	r.mu.Unlock()
}

func (r *switchRelay) target() *channelRelay {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr := r.relay
	return &rr
}

func (r *switchRelay) OnModuleReady(module channel.ModuleType) {
	r.target().OnModuleReady(module)
}

func (r *switchRelay) OnChannelError(module channel.ModuleType, code int) {
	r.target().OnChannelError(module, code)
}

func (r *switchRelay) OnChannelRemoved(module channel.ModuleType, recoverable bool) {
	r.target().OnChannelRemoved(module, recoverable)
}

func (r *switchRelay) OnControlData(data []byte) {
	r.target().OnControlData(data)
}

func (r *switchRelay) OnStreamData(data []byte) {
	r.target().OnStreamData(data)
}

func (r *switchRelay) OnRemoteControlData(data []byte) {
	r.target().OnRemoteControlData(data)
}
