package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/castengine/castengine/internal/log"
	"github.com/castengine/castengine/internal/metrics"
	"github.com/castengine/castengine/softbus"
)

// Bus is the slice of the transport surface the manager needs.
type Bus interface {
	CreateSessionServer(name string, l softbus.SessionListener) error
	RemoveSessionServer(name string) error
	OpenSession(ctx context.Context, name, peerNetworkID string, l softbus.SessionListener) (int64, error)
	CloseSession(id int64) error
	SendBytes(id int64, data []byte) error
}

// Listener receives module lifecycle and inbound data events.
type Listener interface {
	// OnModuleReady fires once per module per negotiation attempt. Audio
	// and video report as the combined MEDIA module.
	OnModuleReady(module ModuleType)
	OnChannelError(module ModuleType, code int)
	// OnChannelRemoved reports a lost channel. recoverable is true only
	// for the stream-mode sink, which keeps playing cached media.
	OnChannelRemoved(module ModuleType, recoverable bool)
	// OnControlData delivers RTSP channel bytes.
	OnControlData(data []byte)
	// OnStreamData delivers stream relay bytes.
	OnStreamData(data []byte)
	// OnRemoteControlData delivers raw remote-control payloads.
	OnRemoteControlData(data []byte)
}

// mediaReady tracks which media sub-channels are up. Within one
// negotiation attempt the fields only ever go from false to true; Reset
// starts a fresh attempt.
type mediaReady struct {
	audio bool
	video bool
}

func (r mediaReady) satisfied(videoOnly bool) bool {
	if videoOnly {
		return r.video
	}
	return r.audio && r.video
}

// Manager owns the module channels towards one remote device.
type Manager struct {
	bus      Bus
	listener Listener

	mu          sync.Mutex
	deviceID    string
	channels    map[ModuleType]int64
	byTransport map[int64]ModuleType
	servers     map[ModuleType]bool
	ready       mediaReady
	fired       map[ModuleType]bool
	videoOnly   bool
	sinkStream  bool
	closed      bool

	logger zerolog.Logger
}

func NewManager(bus Bus, listener Listener) *Manager {
	return &Manager{
		bus:         bus,
		listener:    listener,
		channels:    make(map[ModuleType]int64),
		byTransport: make(map[int64]ModuleType),
		servers:     make(map[ModuleType]bool),
		fired:       make(map[ModuleType]bool),
		logger:      log.WithComponent("channel"),
	}
}

// SetMode tells the manager how readiness and channel loss should be
// judged: videoOnly drops the audio requirement, sinkStream marks the
// stream-mode sink whose channel loss is recoverable.
func (m *Manager) SetMode(videoOnly, sinkStream bool) {
	m.mu.Lock()
	m.videoOnly = videoOnly
	m.sinkStream = sinkStream
	m.mu.Unlock()
}

// Reset clears readiness for a fresh negotiation attempt. Established
// channels stay up.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.ready = mediaReady{}
	m.fired = make(map[ModuleType]bool)
	m.mu.Unlock()
}

// Open dials the given module channels concurrently. The first failure
// aborts the call; each failure is also reported per module.
func (m *Manager) Open(ctx context.Context, deviceID, networkID string, modules []ModuleType) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("channel manager closed")
	}
	m.deviceID = deviceID
	for _, mod := range modules {
		if _, ok := m.channels[mod]; ok {
			m.mu.Unlock()
			return fmt.Errorf("channel %s already open", mod)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, mod := range modules {
		mod := mod
		g.Go(func() error {
			tid, err := m.bus.OpenSession(gctx, serverName(mod), networkID, &moduleListener{m: m, module: mod})
			if err != nil {
				metrics.ChannelErrors.WithLabelValues(mod.String()).Inc()
				m.listener.OnChannelError(mod, CodeOpenFailed)
				return fmt.Errorf("open %s channel: %w", mod, err)
			}
			m.mu.Lock()
			m.channels[mod] = tid
			m.byTransport[tid] = mod
			m.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Accept exposes session servers for the given modules so the peer can
// dial them.
func (m *Manager) Accept(deviceID string, modules []ModuleType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("channel manager closed")
	}
	m.deviceID = deviceID
	for _, mod := range modules {
		if m.servers[mod] {
			continue
		}
		if err := m.bus.CreateSessionServer(serverName(mod), &moduleListener{m: m, module: mod}); err != nil {
			return fmt.Errorf("accept %s channel: %w", mod, err)
		}
		m.servers[mod] = true
	}
	return nil
}

// Send pushes data over an open module channel.
func (m *Manager) Send(module ModuleType, data []byte) error {
	m.mu.Lock()
	tid, ok := m.channels[module]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no %s channel", module)
	}
	if err := m.bus.SendBytes(tid, data); err != nil {
		metrics.ChannelErrors.WithLabelValues(module.String()).Inc()
		return err
	}
	return nil
}

// HasChannel reports whether a module channel is currently open.
func (m *Manager) HasChannel(module ModuleType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[module]
	return ok
}

// Close tears down all channels and servers.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tids := make([]int64, 0, len(m.channels))
	for _, tid := range m.channels {
		tids = append(tids, tid)
	}
	m.channels = make(map[ModuleType]int64)
	m.byTransport = make(map[int64]ModuleType)
	servers := make([]ModuleType, 0, len(m.servers))
	for mod := range m.servers {
		servers = append(servers, mod)
	}
	m.servers = make(map[ModuleType]bool)
	m.mu.Unlock()

	for _, tid := range tids {
		if err := m.bus.CloseSession(tid); err != nil {
			m.logger.Debug().Err(err).Int64("transport", tid).Msg("close channel")
		}
	}
	for _, mod := range servers {
		if err := m.bus.RemoveSessionServer(serverName(mod)); err != nil {
			m.logger.Debug().Err(err).Str("module", mod.String()).Msg("remove channel server")
		}
	}
}

// channelUp records a newly established channel and fires readiness.
func (m *Manager) channelUp(module ModuleType, tid int64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.channels[module] = tid
	m.byTransport[tid] = module

	signal := module
	switch module {
	case ModuleAudio:
		m.ready.audio = true
		signal = ModuleMedia
	case ModuleVideo:
		m.ready.video = true
		signal = ModuleMedia
	}

	fire := false
	if signal == ModuleMedia {
		fire = m.ready.satisfied(m.videoOnly) && !m.fired[ModuleMedia]
	} else {
		fire = !m.fired[signal]
	}
	if fire {
		m.fired[signal] = true
	}
	m.mu.Unlock()

	if fire {
		m.listener.OnModuleReady(signal)
	}
}

func (m *Manager) channelDown(tid int64) {
	m.mu.Lock()
	module, ok := m.byTransport[tid]
	if ok {
		delete(m.byTransport, tid)
		delete(m.channels, module)
	}
	recoverable := m.sinkStream
	closed := m.closed
	m.mu.Unlock()
	if !ok || closed {
		return
	}
	m.listener.OnChannelRemoved(module, recoverable)
}

// moduleListener adapts transport callbacks for one module.
type moduleListener struct {
	m      *Manager
	module ModuleType
}

func (l *moduleListener) OnSessionOpened(id int64, err error) {
	if err != nil {
		metrics.ChannelErrors.WithLabelValues(l.module.String()).Inc()
		l.m.listener.OnChannelError(l.module, CodeOpenFailed)
		return
	}
	l.m.channelUp(l.module, id)
}

func (l *moduleListener) OnSessionClosed(id int64) {
	l.m.channelDown(id)
}

func (l *moduleListener) OnBytesReceived(id int64, data []byte) {
	switch l.module {
	case ModuleRTSP:
		l.m.listener.OnControlData(data)
	case ModuleStream:
		l.m.listener.OnStreamData(data)
	case ModuleRemoteControl:
		l.m.listener.OnRemoteControlData(data)
	default:
		// Media payloads flow through the platform pipeline, not here.
	}
}
