package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteCtrlRoundTrip(t *testing.T) {
	cases := []RemoteCtrlEvent{
		{Type: CtrlTouch, Touch: &TouchEvent{X: 120, Y: 740, Action: 1}},
		{Type: CtrlMouse, Mouse: &MouseEvent{X: 5, Y: 9, Button: 2, Action: 1}},
		{Type: CtrlKey, Key: &KeyEvent{KeyCode: 66, Action: 0}},
		{Type: CtrlWheel, Wheel: &WheelEvent{Delta: -3}},
		{Type: CtrlInputMethod, InputMethod: &InputMethodEvent{Text: "héllo"}},
		{Type: CtrlVirtualKey, VirtualKey: &VirtualKeyEvent{KeyCode: 24}},
	}
	for _, ev := range cases {
		data, err := encodeRemoteCtrl(ev)
		require.NoError(t, err)
		require.Equal(t, byte(ev.Type), data[0])

		got, err := decodeRemoteCtrl(data)
		require.NoError(t, err)
		require.Equal(t, ev, got)
	}
}

func TestRemoteCtrlRejectsUnknownTag(t *testing.T) {
	_, err := decodeRemoteCtrl([]byte{0x7f, 0x00})
	require.Error(t, err)

	_, err = encodeRemoteCtrl(RemoteCtrlEvent{Type: RemoteCtrlType(99)})
	require.Error(t, err)
}

func TestRemoteCtrlRejectsEmptyPayload(t *testing.T) {
	_, err := decodeRemoteCtrl(nil)
	require.ErrorIs(t, err, errEmptyCtrlPayload)
}

func TestRemoteCtrlRejectsMissingBody(t *testing.T) {
	_, err := encodeRemoteCtrl(RemoteCtrlEvent{Type: CtrlTouch})
	require.Error(t, err)
}
