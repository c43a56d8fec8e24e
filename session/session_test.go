package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castengine/castengine/channel"
	"github.com/castengine/castengine/device"
	"github.com/castengine/castengine/softbus"
	"github.com/castengine/castengine/stream"
)

type fakeBackend struct {
	mu       sync.Mutex
	listener device.DiscoveryListener
	trusted  []device.DeviceInfo
}

func (b *fakeBackend) RegisterListener(l device.DiscoveryListener) error {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) UnregisterListener() {
	b.mu.Lock()
	b.listener = nil
	b.mu.Unlock()
}

func (b *fakeBackend) StartDiscovery() error { return nil }
func (b *fakeBackend) StopDiscovery() error  { return nil }

func (b *fakeBackend) TrustedDevices() []device.DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trusted
}

func (b *fakeBackend) emitReady(info device.DeviceInfo) {
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	if l != nil {
		l.OnDeviceReady(info)
	}
}

// stubAuth is the pairing backend for trusted-only scenarios; any actual
// pairing attempt fails.
type stubAuth struct{}

func (stubAuth) Authenticate(info device.DeviceInfo, extra string, done func(device.AuthResult)) error {
	return errors.New("pairing unavailable")
}

func (stubAuth) Unauthenticate(info device.DeviceInfo) error { return nil }

type appEvent struct {
	id    int
	param string
}

type recordingListener struct {
	states chan StateInfo
	events chan appEvent
	ctrl   chan RemoteCtrlEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		states: make(chan StateInfo, 32),
		events: make(chan appEvent, 32),
		ctrl:   make(chan RemoteCtrlEvent, 32),
	}
}

func (l *recordingListener) OnDeviceState(info StateInfo) { l.states <- info }
func (l *recordingListener) OnEvent(id int, param string) { l.events <- appEvent{id: id, param: param} }
func (l *recordingListener) OnRemoteCtrlEvent(ev RemoteCtrlEvent) {
	l.ctrl <- ev
}

func waitState(t *testing.T, l *recordingListener, want DeviceState) StateInfo {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case info := <-l.states:
			if info.State == want {
				return info
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func waitEvent(t *testing.T, l *recordingListener, wantID int) appEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-l.events:
			if ev.id == wantID {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event %d", wantID)
		}
	}
}

func expectNoState(t *testing.T, l *recordingListener, unwanted DeviceState, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case info := <-l.states:
			if info.State == unwanted {
				t.Fatalf("unexpected state %s (reason %d)", info.State, info.Reason)
			}
		case <-deadline:
			return
		}
	}
}

func newSinkManager(t *testing.T, bus softbus.Bus, auth device.AuthBackend, trust *device.TrustStore) (*Manager, *recordingListener) {
	t.Helper()
	mgr, err := NewManager(Config{
		Bus:       bus,
		Discovery: &fakeBackend{},
		Auth:      auth,
		Trust:     trust,
		Local:     device.DeviceInfo{ID: "dev-tv", Name: "TV"},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Release)
	l := newRecordingListener()
	mgr.SetSessionListener(l)
	require.NoError(t, mgr.SetDiscoverable(true))
	return mgr, l
}

func newSourceSession(t *testing.T, mgr *Manager, p Property) (*CastSession, *recordingListener) {
	t.Helper()
	id, err := mgr.CreateSession(p)
	require.NoError(t, err)
	s, ok := mgr.GetSession(id)
	require.True(t, ok)
	l := newRecordingListener()
	s.SetListener(l)
	return s, l
}

func mirrorProperty() Property {
	return Property{
		Protocol: ProtocolMirror,
		End:      EndSource,
		Video:    VideoProperty{Width: 1920, Height: 1080, Framerate: 60},
		Audio:    AudioProperty{SampleRate: 48000, Channels: 2},
	}
}

// newTrustedPair wires a pre-trusted source/sink over a loopback bus and
// starts connecting the source session.
func newTrustedPair(t *testing.T, prop Property) (*CastSession, *recordingListener, *Manager, *recordingListener) {
	t.Helper()
	busA, busB := softbus.NewLoopback()
	sinkMgr, sinkL := newSinkManager(t, busB, stubAuth{}, nil)

	sinkInfo := device.DeviceInfo{ID: "dev-tv", Name: "TV", NetworkID: busB.NetworkID()}
	trust := device.NewTrustStore()
	trust.Add(sinkInfo)
	srcMgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: &fakeBackend{},
		Auth:      stubAuth{},
		Trust:     trust,
		Local:     device.DeviceInfo{ID: "dev-phone", Name: "Phone"},
	})
	require.NoError(t, err)
	t.Cleanup(srcMgr.Release)
	require.True(t, srcMgr.Registry().AddDevice(device.FromInfo(sinkInfo), sinkInfo))

	s, srcL := newSourceSession(t, srcMgr, prop)
	require.NoError(t, s.AddDevice(device.FromInfo(sinkInfo)))
	return s, srcL, sinkMgr, sinkL
}

func TestMirrorCastTrustedFastPath(t *testing.T) {
	busA, busB := softbus.NewLoopback()
	_, sinkL := newSinkManager(t, busB, stubAuth{}, nil)

	sinkInfo := device.DeviceInfo{ID: "dev-tv", Name: "TV", NetworkID: busB.NetworkID()}
	trust := device.NewTrustStore()
	trust.Add(sinkInfo)
	srcMgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: &fakeBackend{},
		Auth:      stubAuth{},
		Trust:     trust,
		Local:     device.DeviceInfo{ID: "dev-phone", Name: "Phone"},
	})
	require.NoError(t, err)
	t.Cleanup(srcMgr.Release)
	require.True(t, srcMgr.Registry().AddDevice(device.FromInfo(sinkInfo), sinkInfo))

	s, srcL := newSourceSession(t, srcMgr, mirrorProperty())
	require.NoError(t, s.AddDevice(device.FromInfo(sinkInfo)))

	waitState(t, srcL, DeviceStateConnecting)
	waitState(t, srcL, DeviceStateConnected)
	waitState(t, srcL, DeviceStatePlaying)

	sinkPlaying := waitState(t, sinkL, DeviceStatePlaying)
	require.Equal(t, "dev-phone", sinkPlaying.DeviceID)

	_, err = s.CreateMirrorPlayer()
	require.NoError(t, err)
	_, err = s.CreateStreamPlayer()
	require.ErrorIs(t, err, ErrWrongMode)

	id := s.ID()
	require.NoError(t, srcMgr.ReleaseSession(id))
	gone := waitState(t, srcL, DeviceStateDisconnected)
	require.Equal(t, ReasonReleased, gone.Reason)
	_, ok := srcMgr.GetSession(id)
	require.False(t, ok)
}

func pinPSK(pin string) device.PSKProvider {
	return func(info device.DeviceInfo) ([]byte, error) {
		return []byte(pin), nil
	}
}

func TestMirrorCastPairingPath(t *testing.T) {
	busA, busB := softbus.NewLoopback()

	sinkTrust := device.NewTrustStore()
	sinkAuth := device.NewSpakeAuthenticator(busB, device.DeviceInfo{ID: "dev-tv", Name: "TV"}, pinPSK("428515"), sinkTrust)
	_, sinkL := newSinkManager(t, busB, sinkAuth, sinkTrust)

	srcTrust := device.NewTrustStore()
	srcAuth := device.NewSpakeAuthenticator(busA, device.DeviceInfo{ID: "dev-phone", Name: "Phone"}, pinPSK("428515"), srcTrust)
	srcBackend := &fakeBackend{}
	srcMgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: srcBackend,
		Auth:      srcAuth,
		Trust:     srcTrust,
		Local:     device.DeviceInfo{ID: "dev-phone", Name: "Phone"},
	})
	require.NoError(t, err)
	t.Cleanup(srcMgr.Release)

	sinkInfo := device.DeviceInfo{ID: "dev-tv", Name: "TV", NetworkID: busB.NetworkID()}
	require.True(t, srcMgr.Registry().AddDevice(device.FromInfo(sinkInfo), sinkInfo))

	s, srcL := newSourceSession(t, srcMgr, mirrorProperty())
	require.NoError(t, s.AddDevice(device.FromInfo(sinkInfo)))

	waitState(t, srcL, DeviceStateAuthing)

	// Pairing completed once the sink lands in the trusted list; only
	// then can discovery report it ready.
	require.Eventually(t, func() bool { return srcTrust.IsTrusted("dev-tv") },
		5*time.Second, 10*time.Millisecond)
	srcBackend.emitReady(sinkInfo)

	waitState(t, srcL, DeviceStateConnected)
	waitState(t, srcL, DeviceStatePlaying)
	waitState(t, sinkL, DeviceStatePlaying)
}

type recordingPlayer struct {
	mu    sync.Mutex
	seeks chan int64
	plays chan struct{}
	media []stream.MediaInfo
}

func newRecordingPlayer() *recordingPlayer {
	return &recordingPlayer{
		seeks: make(chan int64, 8),
		plays: make(chan struct{}, 8),
	}
}

func (p *recordingPlayer) SetSource(info stream.MediaInfo) error {
	p.mu.Lock()
	p.media = append(p.media, info)
	p.mu.Unlock()
	return nil
}

func (p *recordingPlayer) Prepare() error { return nil }

func (p *recordingPlayer) Play() error {
	p.plays <- struct{}{}
	return nil
}

func (p *recordingPlayer) Pause() error { return nil }
func (p *recordingPlayer) Stop() error  { return nil }

func (p *recordingPlayer) Seek(positionMs int64) error {
	p.seeks <- positionMs
	return nil
}

func (p *recordingPlayer) SetLooping(mode stream.LoopMode) error     { return nil }
func (p *recordingPlayer) SetSpeed(speed stream.PlaybackSpeed) error { return nil }
func (p *recordingPlayer) SetVolume(volume int) error                { return nil }
func (p *recordingPlayer) Duration() int64                           { return 0 }
func (p *recordingPlayer) Position() int64                           { return 0 }

func TestStreamCastRelayAndRecoverableLoss(t *testing.T) {
	busA, busB := softbus.NewLoopback()
	sinkMgr, sinkL := newSinkManager(t, busB, stubAuth{}, nil)

	sinkInfo := device.DeviceInfo{ID: "dev-tv", Name: "TV", NetworkID: busB.NetworkID()}
	trust := device.NewTrustStore()
	trust.Add(sinkInfo)
	srcMgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: &fakeBackend{},
		Auth:      stubAuth{},
		Trust:     trust,
		Local:     device.DeviceInfo{ID: "dev-phone", Name: "Phone"},
	})
	require.NoError(t, err)
	t.Cleanup(srcMgr.Release)
	require.True(t, srcMgr.Registry().AddDevice(device.FromInfo(sinkInfo), sinkInfo))

	prop := mirrorProperty()
	prop.Protocol = ProtocolStream
	s, srcL := newSourceSession(t, srcMgr, prop)
	require.NoError(t, s.AddDevice(device.FromInfo(sinkInfo)))

	waitState(t, srcL, DeviceStateStream)
	waitState(t, sinkL, DeviceStateStream)

	// The first inbound session on the sink carries this cast.
	sinkSession, ok := sinkMgr.GetSession("1")
	require.True(t, ok)
	player := newRecordingPlayer()
	sinkPlayer, err := sinkSession.CreateStreamPlayer()
	require.NoError(t, err)
	sinkPlayer.SetPlayer(player)

	srcPlayer, err := s.CreateStreamPlayer()
	require.NoError(t, err)
	require.True(t, srcPlayer.Seek(1500))
	select {
	case pos := <-player.seeks:
		require.Equal(t, int64(1500), pos)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for relayed seek")
	}

	// Source vanishes without teardown: the stream-mode sink keeps
	// playing cached media instead of reporting disconnect.
	require.NoError(t, srcMgr.ReleaseSession(s.ID()))
	waitEvent(t, sinkL, EventStreamInterrupted)
	expectNoState(t, sinkL, DeviceStateDisconnected, 300*time.Millisecond)
	require.Equal(t, "dev-phone", sinkSession.DeviceID())
}

func TestRemoteCtrlRelayedBothWays(t *testing.T) {
	s, srcL, sinkMgr, sinkL := newTrustedPair(t, mirrorProperty())
	waitState(t, srcL, DeviceStatePlaying)
	waitState(t, sinkL, DeviceStatePlaying)

	sinkSess, ok := sinkMgr.GetSession("1")
	require.True(t, ok)

	require.NoError(t, sinkSess.SendRemoteCtrlEvent(RemoteCtrlEvent{
		Type: CtrlKey,
		Key:  &KeyEvent{KeyCode: 26, Action: 1},
	}))
	select {
	case ev := <-srcL.ctrl:
		require.Equal(t, CtrlKey, ev.Type)
		require.Equal(t, 26, ev.Key.KeyCode)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for key event on source")
	}

	require.NoError(t, s.SendRemoteCtrlEvent(RemoteCtrlEvent{
		Type:  CtrlTouch,
		Touch: &TouchEvent{X: 120, Y: 480, Action: 2},
	}))
	select {
	case ev := <-sinkL.ctrl:
		require.Equal(t, CtrlTouch, ev.Type)
		require.Equal(t, 120, ev.Touch.X)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for touch event on sink")
	}

	// Undecodable payloads are dropped before the listener.
	require.NoError(t, sinkSess.channels.Send(channel.ModuleRemoteControl, []byte{0x7f}))
	select {
	case ev := <-srcL.ctrl:
		t.Fatalf("undecodable payload delivered as type %d", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestControlGarbageTearsDown(t *testing.T) {
	_, srcL, sinkMgr, sinkL := newTrustedPair(t, mirrorProperty())
	waitState(t, srcL, DeviceStatePlaying)
	waitState(t, sinkL, DeviceStatePlaying)

	sinkSess, ok := sinkMgr.GetSession("1")
	require.True(t, ok)
	// An undecodable control frame invalidates the whole negotiation, not
	// just the offending message.
	require.NoError(t, sinkSess.channels.Send(channel.ModuleRTSP, []byte{0xff, 0xff, 0xff}))

	gone := waitState(t, srcL, DeviceStateDisconnected)
	require.Equal(t, ReasonChannelLost, gone.Reason)
}

func TestSwitchToStreamLegality(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	mgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: &fakeBackend{},
		Auth:      stubAuth{},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Release)

	s, _ := newSourceSession(t, mgr, mirrorProperty())
	require.NoError(t, s.SwitchToStream())
	require.Eventually(t, func() bool { return s.Property().Protocol == ProtocolStream },
		2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, s.SwitchToStream(), ErrStreamMode)

	_, err = s.CreateStreamPlayer()
	require.NoError(t, err)
	_, err = s.CreateMirrorPlayer()
	require.ErrorIs(t, err, ErrWrongMode)
}

func TestNotifyEventWithoutChannel(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	mgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: &fakeBackend{},
		Auth:      stubAuth{},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Release)

	s, _ := newSourceSession(t, mgr, mirrorProperty())
	require.Error(t, s.NotifyEvent(7, `{"volume":30}`))
}
