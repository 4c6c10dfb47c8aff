package bekenboot

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	commandHeader         = []byte{0x01, 0xE0, 0xFC}
	extendedCommandPrefix = []byte{0xFF, 0xF4}
	responseHeader        = []byte{0x04, 0x0E}
	extendedMarker        = byte(0xF4)
)

const (
	// [0x01 0xE0 0xFC len cmd]
	baseCommandOverhead = 5
	// [0x01 0xE0 0xFC 0xFF 0xF4 lenLo lenHi cmd]
	extendedCommandOverhead = 8
	// [0x04 0x0E len 0x01 0xE0 0xFC cmd]
	baseResponseOverhead = 7
	// [0x04 0x0E 0xFF 0x01 0xE0 0xFC 0xF4 lenLo lenHi cmd status]
	extendedResponseOverhead = 11

	// StatusNormal is the only status byte accepted in extended responses.
	StatusNormal = 0x00
)

// EncodeFrame builds an outgoing command frame. The length field counts the
// command byte plus the payload.
func EncodeFrame(extended bool, code byte, payload []byte) []byte {
	n := 1 + len(payload)
	if !extended {
		b := make([]byte, 0, baseCommandOverhead+len(payload))
		b = append(b, commandHeader...)
		b = append(b, byte(n), code)
		return append(b, payload...)
	}
	b := make([]byte, 0, extendedCommandOverhead+len(payload))
	b = append(b, commandHeader...)
	b = append(b, extendedCommandPrefix...)
	b = append(b, byte(n), byte(n>>8), code)
	return append(b, payload...)
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(frame []byte) (extended bool, code byte, payload []byte, err error) {
	if len(frame) < baseCommandOverhead || !bytes.Equal(frame[:3], commandHeader) {
		return false, 0, nil, errors.New("bad command header")
	}
	if len(frame) >= extendedCommandOverhead && bytes.Equal(frame[3:5], extendedCommandPrefix) {
		n := int(binary.LittleEndian.Uint16(frame[5:]))
		if n != len(frame)-7 {
			return false, 0, nil, errors.Errorf("length field %d does not match frame length %d", n, len(frame)-7)
		}
		return true, frame[7], frame[8:], nil
	}
	if int(frame[3]) != len(frame)-4 {
		return false, 0, nil, errors.Errorf("length field %d does not match frame length %d", frame[3], len(frame)-4)
	}
	return false, frame[4], frame[5:], nil
}

// Response is a decoded response frame.
type Response struct {
	Extended bool
	Code     byte
	// Status is only carried by extended responses.
	Status  byte
	Payload []byte
}

// Bytes encodes the response the way the target sends it.
func (r Response) Bytes() []byte {
	if !r.Extended {
		b := append([]byte{}, responseHeader...)
		b = append(b, byte(len(commandHeader)+1+len(r.Payload)))
		b = append(b, commandHeader...)
		b = append(b, r.Code)
		return append(b, r.Payload...)
	}
	n := 2 + len(r.Payload)
	b := append([]byte{}, responseHeader...)
	b = append(b, 0xFF)
	b = append(b, commandHeader...)
	b = append(b, extendedMarker, byte(n), byte(n>>8), r.Code, r.Status)
	return append(b, r.Payload...)
}

// DecodeResponse validates and splits a response frame of the given shape.
// The checks run in order: header bytes, length field, then status.
func DecodeResponse(extended bool, frame []byte) (Response, error) {
	if !extended {
		if len(frame) < baseResponseOverhead ||
			!bytes.Equal(frame[:2], responseHeader) ||
			!bytes.Equal(frame[3:6], commandHeader) {
			return Response{}, errors.Errorf("bad response header % X", head(frame, baseResponseOverhead))
		}
		if int(frame[2]) != len(frame)-3 {
			return Response{}, errors.Errorf("length field %d does not match %d received bytes", frame[2], len(frame)-3)
		}
		return Response{Code: frame[6], Payload: frame[7:]}, nil
	}

	if len(frame) < extendedResponseOverhead ||
		!bytes.Equal(frame[:2], responseHeader) ||
		frame[2] != 0xFF ||
		!bytes.Equal(frame[3:6], commandHeader) ||
		frame[6] != extendedMarker {
		return Response{}, errors.Errorf("bad extended response header % X", head(frame, extendedResponseOverhead))
	}
	n := int(binary.LittleEndian.Uint16(frame[7:]))
	if n != len(frame)-9 {
		return Response{}, errors.Errorf("length field %d does not match %d received bytes", n, len(frame)-9)
	}
	r := Response{Extended: true, Code: frame[9], Status: frame[10], Payload: frame[11:]}
	if r.Status != StatusNormal {
		return r, errors.Errorf("status %02X", r.Status)
	}
	return r, nil
}

func head(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
