package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/castengine/castengine/device"
	"github.com/castengine/castengine/softbus"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	busA, _ := softbus.NewLoopback()
	mgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: &fakeBackend{},
		Auth:      stubAuth{},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Release)
	return mgr
}

func TestManagerConfigValidation(t *testing.T) {
	_, err := NewManager(Config{})
	require.Error(t, err)

	busA, _ := softbus.NewLoopback()
	_, err = NewManager(Config{Bus: busA})
	require.Error(t, err)

	_, err = NewManager(Config{Bus: busA, Discovery: &fakeBackend{}})
	require.Error(t, err)
}

func TestManagerDefaultsLocalIdentity(t *testing.T) {
	mgr := newTestManager(t)
	local := mgr.LocalDevice()
	require.NotEmpty(t, local.ID)
	require.Equal(t, "CastEngine", local.Name)
}

func TestManagerSetLocalDevice(t *testing.T) {
	mgr := newTestManager(t)
	mgr.SetLocalDevice(device.DeviceInfo{ID: "dev-a", Name: "Tablet"})
	require.Equal(t, "dev-a", mgr.LocalDevice().ID)
	require.Equal(t, "Tablet", mgr.LocalDevice().Name)
}

func TestManagerSessionLifecycle(t *testing.T) {
	mgr := newTestManager(t)

	id, err := mgr.CreateSession(mirrorProperty())
	require.NoError(t, err)
	require.Equal(t, "1", id)

	s, ok := mgr.GetSession(id)
	require.True(t, ok)
	require.Equal(t, id, s.ID())

	prop, err := mgr.SessionProperty(id)
	require.NoError(t, err)
	require.Equal(t, ProtocolMirror, prop.Protocol)

	prop.Video.VideoOnly = true
	require.NoError(t, mgr.SetSessionProperty(id, prop))
	got, err := mgr.SessionProperty(id)
	require.NoError(t, err)
	require.True(t, got.Video.VideoOnly)

	require.NoError(t, mgr.ReleaseSession(id))
	_, ok = mgr.GetSession(id)
	require.False(t, ok)
	require.ErrorIs(t, mgr.ReleaseSession(id), ErrSessionUnknown)
}

func TestManagerUnknownSessionOps(t *testing.T) {
	mgr := newTestManager(t)
	require.ErrorIs(t, mgr.AddDevice("42", device.RemoteDevice{ID: "dev-x"}), ErrSessionUnknown)
	require.ErrorIs(t, mgr.RemoveDevice("42", "dev-x"), ErrSessionUnknown)
	require.ErrorIs(t, mgr.SetCastMode("42"), ErrSessionUnknown)
	require.ErrorIs(t, mgr.NotifyAppEvent("42", 1, ""), ErrSessionUnknown)
	_, err := mgr.CreateMirrorPlayer("42")
	require.ErrorIs(t, err, ErrSessionUnknown)
	_, err = mgr.CreateStreamPlayer("42")
	require.ErrorIs(t, err, ErrSessionUnknown)
	_, ok := mgr.GetSession("not-a-number")
	require.False(t, ok)
}

func TestManagerReleaseStopsCreates(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	mgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: &fakeBackend{},
		Auth:      stubAuth{},
	})
	require.NoError(t, err)

	id, err := mgr.CreateSession(mirrorProperty())
	require.NoError(t, err)

	mgr.Release()
	mgr.Release()

	_, err = mgr.CreateSession(mirrorProperty())
	require.ErrorIs(t, err, ErrManagerReleased)
	require.ErrorIs(t, mgr.SetDiscoverable(true), ErrManagerReleased)
	_, ok := mgr.GetSession(id)
	require.False(t, ok)
}

func TestManagerDiscoverableToggle(t *testing.T) {
	busA, _ := softbus.NewLoopback()
	mgr, err := NewManager(Config{
		Bus:       busA,
		Discovery: &fakeBackend{},
		Auth:      stubAuth{},
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Release)

	require.NoError(t, mgr.SetDiscoverable(true))
	require.NoError(t, mgr.SetDiscoverable(true))
	require.NoError(t, mgr.SetDiscoverable(false))
	require.NoError(t, mgr.SetDiscoverable(false))
}
