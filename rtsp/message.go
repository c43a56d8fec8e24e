// Package rtsp carries the control exchange between two cast peers:
// setup negotiation, play/pause/teardown intents, custom parameter
// exchange and error signaling, optionally sealed with the session key.
package rtsp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

type TypeKey uint64

const (
	typeKeySetupRequest       TypeKey = 10
	typeKeySetupResponse      TypeKey = 11
	typeKeyPlayRequest        TypeKey = 12
	typeKeyPauseRequest       TypeKey = 13
	typeKeyTeardownRequest    TypeKey = 14
	typeKeyModuleCustomParams TypeKey = 15
	typeKeyTrigger            TypeKey = 16
	typeKeyError              TypeKey = 17
	typeKeyKeepAlive          TypeKey = 18
)

// Setup results.
const (
	ResultOK     = 0
	ResultRefuse = 1
)

// ParamInfo is the negotiated (or proposed) session parameter set.
type ParamInfo struct {
	Mode            string `codec:"1"` // "mirror" or "stream"
	VideoWidth      int    `codec:"2"`
	VideoHeight     int    `codec:"3"`
	Framerate       int    `codec:"4"`
	AudioSampleRate int    `codec:"5"`
	AudioChannels   int    `codec:"6"`
	CustomParams    string `codec:"7"`
}

type msgSetupRequest struct {
	Param      ParamInfo `codec:"1"`
	DeviceID   string    `codec:"2"`
	DeviceName string    `codec:"3"`
}

type msgSetupResponse struct {
	Result            int       `codec:"1"`
	Param             ParamInfo `codec:"2"`
	MediaPort         int       `codec:"3"`
	RemoteControlPort int       `codec:"4"`
	DeviceID          string    `codec:"5"`
}

type msgPlayRequest struct {
	Port     int    `codec:"1"`
	DeviceID string `codec:"2"`
}

type msgPauseRequest struct {
	DeviceID string `codec:"1"`
}

type msgTeardownRequest struct {
	DeviceID string `codec:"1"`
}

type msgModuleCustomParams struct {
	Params string `codec:"1"`
}

type msgTrigger struct {
	ModuleID int    `codec:"1"`
	Event    int    `codec:"2"`
	Param    string `codec:"3"`
}

type msgError struct {
	Module string `codec:"1"`
	Code   int    `codec:"2"`
}

type msgKeepAlive struct{}

func newMessageByType(key TypeKey) (interface{}, error) {
	switch key {
	case typeKeySetupRequest:
		return &msgSetupRequest{}, nil
	case typeKeySetupResponse:
		return &msgSetupResponse{}, nil
	case typeKeyPlayRequest:
		return &msgPlayRequest{}, nil
	case typeKeyPauseRequest:
		return &msgPauseRequest{}, nil
	case typeKeyTeardownRequest:
		return &msgTeardownRequest{}, nil
	case typeKeyModuleCustomParams:
		return &msgModuleCustomParams{}, nil
	case typeKeyTrigger:
		return &msgTrigger{}, nil
	case typeKeyError:
		return &msgError{}, nil
	case typeKeyKeepAlive:
		return &msgKeepAlive{}, nil
	default:
		return nil, fmt.Errorf("unknown type key: %d", key)
	}
}

func typeKeyByMessage(msg interface{}) (TypeKey, error) {
	switch msg.(type) {
	case *msgSetupRequest:
		return typeKeySetupRequest, nil
	case *msgSetupResponse:
		return typeKeySetupResponse, nil
	case *msgPlayRequest:
		return typeKeyPlayRequest, nil
	case *msgPauseRequest:
		return typeKeyPauseRequest, nil
	case *msgTeardownRequest:
		return typeKeyTeardownRequest, nil
	case *msgModuleCustomParams:
		return typeKeyModuleCustomParams, nil
	case *msgTrigger:
		return typeKeyTrigger, nil
	case *msgError:
		return typeKeyError, nil
	case *msgKeepAlive:
		return typeKeyKeepAlive, nil
	default:
		return 0, fmt.Errorf("unknown message type: %T", msg)
	}
}

func readTypeKey(r io.ByteReader) (TypeKey, error) {
	i, err := binary.ReadUvarint(r)
	return TypeKey(i), err
}

func writeTypeKey(v TypeKey, w io.Writer) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(v))
	_, err := w.Write(buf[:n])
	return err
}

// encodeMessage renders one message as type key plus CBOR body.
func encodeMessage(msg interface{}) ([]byte, error) {
	tKey, err := typeKeyByMessage(msg)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err := writeTypeKey(tKey, buf); err != nil {
		return nil, err
	}
	enc := codec.NewEncoder(buf, &codec.CborHandle{})
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(data []byte) (interface{}, error) {
	r := bytes.NewReader(data)
	typeKey, err := readTypeKey(r)
	if err != nil {
		return nil, err
	}
	msg, err := newMessageByType(typeKey)
	if err != nil {
		return nil, err
	}
	dec := codec.NewDecoder(r, &codec.CborHandle{})
	if err := dec.Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}
