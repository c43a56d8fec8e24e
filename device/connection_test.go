package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castengine/castengine/softbus"
)

type readyEvent struct {
	sessionID int
	device    RemoteDevice
}

type fakeConnListener struct {
	sessionID int
	reject    bool

	authing   chan string
	connected chan string
	disco     chan string
	errs      chan string
	ready     chan readyEvent
}

func newFakeConnListener(sessionID int) *fakeConnListener {
	return &fakeConnListener{
		sessionID: sessionID,
		authing:   make(chan string, 4),
		connected: make(chan string, 4),
		disco:     make(chan string, 4),
		errs:      make(chan string, 4),
		ready:     make(chan readyEvent, 4),
	}
}

func (l *fakeConnListener) OnAuthing(deviceID string, reason int) { l.authing <- deviceID }
func (l *fakeConnListener) OnConnected(deviceID string)           { l.connected <- deviceID }
func (l *fakeConnListener) OnDisconnect(deviceID string)          { l.disco <- deviceID }
func (l *fakeConnListener) OnError(deviceID string)               { l.errs <- deviceID }

func (l *fakeConnListener) OnSessionNeeded(transportID int64) (int, bool) {
	return l.sessionID, true
}

func (l *fakeConnListener) OnRemoteDeviceReady(sessionID int, device RemoteDevice) bool {
	l.ready <- readyEvent{sessionID: sessionID, device: device}
	return !l.reject
}

func waitEvent[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

type fakeAuthBackend struct {
	mu   sync.Mutex
	done func(AuthResult)
	err  error
}

func (a *fakeAuthBackend) Authenticate(info DeviceInfo, extra string, done func(AuthResult)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.done = done
	return nil
}

func (a *fakeAuthBackend) Unauthenticate(info DeviceInfo) error { return nil }

func (a *fakeAuthBackend) complete(res AuthResult) {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	done(res)
}

func newSourceCoordinator(bus softbus.Bus, trust *TrustStore, auth AuthBackend) (*ConnectionCoordinator, *Registry) {
	registry := NewRegistry()
	local := RemoteDevice{ID: "dev-src", Name: "Phone"}
	return NewConnectionCoordinator(registry, bus, auth, nil, trust, local), registry
}

func TestConnectUnknownDevice(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	c, _ := newSourceCoordinator(busA, NewTrustStore(), &fakeAuthBackend{})
	err := c.ConnectDevice(RemoteDevice{ID: "dev-nope"}, 1)
	require.ErrorIs(t, err, ErrDeviceUnknown)
}

func TestConnectIdempotent(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	c, registry := newSourceCoordinator(busA, NewTrustStore(), &fakeAuthBackend{})

	sink := DeviceInfo{ID: "dev-sink", Name: "TV"}
	require.True(t, registry.AddDevice(FromInfo(sink), sink))
	registry.SetState("dev-sink", StateConnecting)

	// Already connecting: success without any transport activity.
	require.NoError(t, c.ConnectDevice(FromInfo(sink), 1))
	require.Equal(t, StateConnecting, registry.GetState("dev-sink"))
}

func TestTrustedConnectFastPath(t *testing.T) {
	busA, busB := softbus.NewLoopback()

	// Sink side: discoverable, hands out cast-session id 9.
	sinkListener := newFakeConnListener(9)
	sinkRegistry := NewRegistry()
	sinkCoord := NewConnectionCoordinator(sinkRegistry, busB, &fakeAuthBackend{}, nil, NewTrustStore(),
		RemoteDevice{ID: "dev-sink", Name: "TV"})
	sinkCoord.SetListener(sinkListener)
	require.NoError(t, sinkCoord.EnableDiscoverable())

	// Source side: the sink is already trusted.
	trust := NewTrustStore()
	sinkInfo := DeviceInfo{ID: "dev-sink", Name: "TV", NetworkID: busB.NetworkID()}
	trust.Add(sinkInfo)
	srcCoord, srcRegistry := newSourceCoordinator(busA, trust, &fakeAuthBackend{})
	srcCoord.SetListener(newFakeConnListener(0))
	require.True(t, srcRegistry.AddDevice(FromInfo(sinkInfo), sinkInfo))
	srcRegistry.SetState("dev-sink", StateFound)

	require.NoError(t, srcCoord.ConnectDevice(FromInfo(sinkInfo), 7))
	require.Equal(t, StateConnected, srcRegistry.GetState("dev-sink"))

	ev := waitEvent(t, sinkListener.ready, "remote device ready")
	require.Equal(t, 9, ev.sessionID)
	require.Equal(t, "dev-src", ev.device.ID)
	require.Equal(t, "Phone", ev.device.Name)
	require.Equal(t, StateConnected, sinkRegistry.GetState("dev-src"))
	require.Equal(t, RoleSink, sinkRegistry.GetRole("dev-src"))
}

func TestUntrustedConnectAuthPath(t *testing.T) {
	busA, busB := softbus.NewLoopback()

	sinkListener := newFakeConnListener(3)
	sinkCoord := NewConnectionCoordinator(NewRegistry(), busB, &fakeAuthBackend{}, nil, NewTrustStore(),
		RemoteDevice{ID: "dev-sink", Name: "TV"})
	sinkCoord.SetListener(sinkListener)
	require.NoError(t, sinkCoord.EnableDiscoverable())

	auth := &fakeAuthBackend{}
	srcListener := newFakeConnListener(0)
	srcCoord, srcRegistry := newSourceCoordinator(busA, NewTrustStore(), auth)
	srcCoord.SetListener(srcListener)

	sinkInfo := DeviceInfo{ID: "dev-sink", Name: "TV", NetworkID: busB.NetworkID()}
	require.True(t, srcRegistry.AddDevice(FromInfo(sinkInfo), sinkInfo))
	srcRegistry.SetState("dev-sink", StateFound)

	require.NoError(t, srcCoord.ConnectDevice(FromInfo(sinkInfo), 5))
	require.Equal(t, "dev-sink", waitEvent(t, srcListener.authing, "authing"))
	require.Equal(t, StateConnecting, srcRegistry.GetState("dev-sink"))

	auth.complete(AuthResult{DeviceID: "dev-sink", SessionKey: make([]byte, SessionKeyLen), Status: AuthStatusSuccess})
	srcCoord.OnDeviceReady(sinkInfo)

	require.Equal(t, "dev-sink", waitEvent(t, srcListener.connected, "connected"))
	require.Equal(t, StateConnected, srcRegistry.GetState("dev-sink"))

	ev := waitEvent(t, sinkListener.ready, "remote device ready")
	require.Equal(t, 3, ev.sessionID)
	require.Equal(t, "dev-src", ev.device.ID)
}

func TestAuthFailureRollsBack(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	auth := &fakeAuthBackend{}
	srcListener := newFakeConnListener(0)
	c, registry := newSourceCoordinator(busA, NewTrustStore(), auth)
	c.SetListener(srcListener)

	sinkInfo := DeviceInfo{ID: "dev-sink", Name: "TV"}
	require.True(t, registry.AddDevice(FromInfo(sinkInfo), sinkInfo))
	registry.SetState("dev-sink", StateFound)

	require.NoError(t, c.ConnectDevice(FromInfo(sinkInfo), 1))
	auth.complete(AuthResult{DeviceID: "dev-sink", Status: AuthStatusFailed, Reason: ReasonProofInvalid})

	require.Equal(t, "dev-sink", waitEvent(t, srcListener.errs, "error"))
	require.Equal(t, StateFound, registry.GetState("dev-sink"))
}

func TestMalformedConsultDropped(t *testing.T) {
	busA, busB := softbus.NewLoopback()

	sinkListener := newFakeConnListener(4)
	sinkRegistry := NewRegistry()
	sinkCoord := NewConnectionCoordinator(sinkRegistry, busB, &fakeAuthBackend{}, nil, NewTrustStore(),
		RemoteDevice{ID: "dev-sink", Name: "TV"})
	sinkCoord.SetListener(sinkListener)
	require.NoError(t, sinkCoord.EnableDiscoverable())

	tid, err := busA.OpenSession(context.Background(), ConsultServerName, busB.NetworkID(), nopSessionListener{})
	require.NoError(t, err)
	require.NoError(t, busA.SendBytes(tid, []byte(`{"data":{"deviceId":42}}`)))

	select {
	case ev := <-sinkListener.ready:
		t.Fatalf("malformed consult produced device %q", ev.device.ID)
	case <-time.After(200 * time.Millisecond):
	}
	require.Empty(t, sinkRegistry.Devices())
}

type nopSessionListener struct{}

func (nopSessionListener) OnSessionOpened(id int64, err error)    {}
func (nopSessionListener) OnSessionClosed(id int64)               {}
func (nopSessionListener) OnBytesReceived(id int64, data []byte)  {}

func TestDiscoverableToggleIdempotent(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	c, _ := newSourceCoordinator(busA, NewTrustStore(), &fakeAuthBackend{})

	require.NoError(t, c.EnableDiscoverable())
	require.NoError(t, c.EnableDiscoverable())
	require.NoError(t, c.DisableDiscoverable())
	require.NoError(t, c.DisableDiscoverable())
}

func TestDisconnectUnusedDeviceForgets(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	c, registry := newSourceCoordinator(busA, NewTrustStore(), &fakeAuthBackend{})

	info := DeviceInfo{ID: "dev-1", Name: "TV"}
	require.True(t, registry.AddDevice(FromInfo(info), info))
	registry.SetState("dev-1", StateFound)

	require.NoError(t, c.DisconnectDevice("dev-1"))
	require.False(t, registry.HasDevice("dev-1"))

	require.ErrorIs(t, c.DisconnectDevice("dev-1"), ErrDeviceUnknown)
}
