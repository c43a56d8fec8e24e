package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

// Remote-control payloads are a tagged variant: one tag byte selects the
// event kind, the CBOR body that follows carries only that kind's fields.
type RemoteCtrlType byte

const (
	CtrlTouch RemoteCtrlType = iota + 1
	CtrlMouse
	CtrlKey
	CtrlWheel
	CtrlInputMethod
	CtrlVirtualKey
)

type TouchEvent struct {
	X      int `codec:"1"`
	Y      int `codec:"2"`
	Action int `codec:"3"`
}

type MouseEvent struct {
	X      int `codec:"1"`
	Y      int `codec:"2"`
	Button int `codec:"3"`
	Action int `codec:"4"`
}

type KeyEvent struct {
	KeyCode int `codec:"1"`
	Action  int `codec:"2"`
}

type WheelEvent struct {
	Delta int `codec:"1"`
}

type InputMethodEvent struct {
	Text string `codec:"1"`
}

type VirtualKeyEvent struct {
	KeyCode int `codec:"1"`
}

// RemoteCtrlEvent is the decoded form; only the field matching Type is
// populated.
type RemoteCtrlEvent struct {
	Type        RemoteCtrlType
	Touch       *TouchEvent
	Mouse       *MouseEvent
	Key         *KeyEvent
	Wheel       *WheelEvent
	InputMethod *InputMethodEvent
	VirtualKey  *VirtualKeyEvent
}

var errEmptyCtrlPayload = errors.New("empty remote-control payload")

func encodeRemoteCtrl(ev RemoteCtrlEvent) ([]byte, error) {
	var body interface{}
	switch ev.Type {
	case CtrlTouch:
		body = ev.Touch
	case CtrlMouse:
		body = ev.Mouse
	case CtrlKey:
		body = ev.Key
	case CtrlWheel:
		body = ev.Wheel
	case CtrlInputMethod:
		body = ev.InputMethod
	case CtrlVirtualKey:
		body = ev.VirtualKey
	default:
		return nil, fmt.Errorf("unknown remote-control type %d", ev.Type)
	}
	if body == nil {
		return nil, fmt.Errorf("remote-control type %d without body", ev.Type)
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(byte(ev.Type))
	enc := codec.NewEncoder(buf, &codec.CborHandle{})
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRemoteCtrl(data []byte) (RemoteCtrlEvent, error) {
	if len(data) < 1 {
		return RemoteCtrlEvent{}, errEmptyCtrlPayload
	}
	ev := RemoteCtrlEvent{Type: RemoteCtrlType(data[0])}

	var body interface{}
	switch ev.Type {
	case CtrlTouch:
		ev.Touch = &TouchEvent{}
		body = ev.Touch
	case CtrlMouse:
		ev.Mouse = &MouseEvent{}
		body = ev.Mouse
	case CtrlKey:
		ev.Key = &KeyEvent{}
		body = ev.Key
	case CtrlWheel:
		ev.Wheel = &WheelEvent{}
		body = ev.Wheel
	case CtrlInputMethod:
		ev.InputMethod = &InputMethodEvent{}
		body = ev.InputMethod
	case CtrlVirtualKey:
		ev.VirtualKey = &VirtualKeyEvent{}
		body = ev.VirtualKey
	default:
		return RemoteCtrlEvent{}, fmt.Errorf("unknown remote-control type %d", ev.Type)
	}

	dec := codec.NewDecoderBytes(data[1:], &codec.CborHandle{})
	if err := dec.Decode(body); err != nil {
		return RemoteCtrlEvent{}, err
	}
	return ev, nil
}
