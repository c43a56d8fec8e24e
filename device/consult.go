package device

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/ugorji/go/codec"
)

// Consult protocol: the first exchange on a fresh control channel carries
// the source's identity and its chosen cast-session id as a JSON document.

const (
	consultVersion  = "1.0"
	operTypeConsult = "CONSULT"
)

var errNoDevice = errors.New("no device in consult payload")

type consultPayload struct {
	Version        string      `codec:"version"`
	OperType       string      `codec:"operType"`
	SequenceNumber uint32      `codec:"sequenceNumber"`
	Data           consultData `codec:"data"`
}

type consultData struct {
	DeviceID   string `codec:"deviceId"`
	DeviceName string `codec:"deviceName"`
	SessionID  int64  `codec:"sessionId"`
}

func encodeConsult(deviceID, deviceName string, sessionID int) ([]byte, error) {
	var seqBuf [4]byte
	if _, err := rand.Read(seqBuf[:]); err != nil {
		return nil, err
	}

	payload := consultPayload{
		Version:        consultVersion,
		OperType:       operTypeConsult,
		SequenceNumber: binary.BigEndian.Uint32(seqBuf[:]),
		Data: consultData{
			DeviceID:   deviceID,
			DeviceName: deviceName,
			SessionID:  int64(sessionID),
		},
	}

	var out []byte
	enc := codec.NewEncoderBytes(&out, &codec.JsonHandle{})
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeConsult validates field presence and JSON types explicitly: a
// missing data envelope, a non-string deviceId/deviceName, or a
// non-numeric sessionId all reject the payload.
func decodeConsult(data []byte) (consultData, error) {
	_, dataType, _, err := jsonparser.Get(data, "data")
	if err != nil || dataType != jsonparser.Object {
		return consultData{}, fmt.Errorf("%w: missing data envelope", errNoDevice)
	}

	deviceID, err := jsonparser.GetString(data, "data", "deviceId")
	if err != nil {
		return consultData{}, fmt.Errorf("%w: deviceId: %v", errNoDevice, err)
	}
	if deviceID == "" {
		return consultData{}, fmt.Errorf("%w: empty deviceId", errNoDevice)
	}

	deviceName, err := jsonparser.GetString(data, "data", "deviceName")
	if err != nil {
		return consultData{}, fmt.Errorf("%w: deviceName: %v", errNoDevice, err)
	}

	sessionID, err := jsonparser.GetInt(data, "data", "sessionId")
	if err != nil {
		return consultData{}, fmt.Errorf("%w: sessionId: %v", errNoDevice, err)
	}

	return consultData{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		SessionID:  sessionID,
	}, nil
}
