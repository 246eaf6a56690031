package engine

import (
	"encoding/binary"
	"fmt"
)

// packetHeaderSize is the fixed-width prefix of every binary traffic frame:
// u32 seq | u32 ts_ms_lo | u8 direction_flag | u8 payload_type | u16 size
// (spec.md §4.E).
const packetHeaderSize = 4 + 4 + 1 + 1 + 2

// DirectionFlag marks a binary frame as client-to-server or server-to-client.
type DirectionFlag uint8

const (
	DirUp   DirectionFlag = 0
	DirDown DirectionFlag = 1
)

// PayloadType marks the traffic-shape pattern a binary frame belongs to.
type PayloadType uint8

const (
	PayloadGame PayloadType = iota
	PayloadVideoI
	PayloadVideoP
	PayloadVideoB
	PayloadStream
	PayloadBulk
)

// payloadMarker returns the 4-byte ASCII fill marker used so server-side
// logs are auditable (spec.md §4.E).
func payloadMarker(t PayloadType) [4]byte {
	switch t {
	case PayloadGame:
		return [4]byte{'G', 'A', 'M', 'E'}
	case PayloadVideoI, PayloadVideoP, PayloadVideoB:
		return [4]byte{'V', 'I', 'D', 'E'}
	case PayloadStream:
		return [4]byte{'N', 'F', 'L', 'X'}
	default:
		return [4]byte{'D', 'A', 'T', 'A'}
	}
}

// Packet is one decoded binary traffic frame.
type Packet struct {
	Seq         uint32
	TSMillisLo  uint32
	Direction   DirectionFlag
	PayloadType PayloadType
	Payload     []byte
}

// EncodePacket serializes p into a little-endian binary frame. The payload
// is copied as given; callers fill it (e.g. with fillMarker) beforehand.
func EncodePacket(p Packet) []byte {
	size := len(p.Payload)
	buf := make([]byte, packetHeaderSize+size)

	binary.LittleEndian.PutUint32(buf[0:4], p.Seq)
	binary.LittleEndian.PutUint32(buf[4:8], p.TSMillisLo)
	buf[8] = byte(p.Direction)
	buf[9] = byte(p.PayloadType)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(size))
	copy(buf[12:], p.Payload)

	return buf
}

// fillMarker fills all of dst by repeating the 4-byte payload marker for the
// given type.
func fillMarker(dst []byte, t PayloadType) {
	marker := payloadMarker(t)
	for i := range dst {
		dst[i] = marker[i%4]
	}
}

// DecodePacket parses a binary traffic frame, returning an error if it is
// shorter than the fixed header or than its declared size.
func DecodePacket(buf []byte) (Packet, error) {
	if len(buf) < packetHeaderSize {
		return Packet{}, fmt.Errorf("packet too short: %d bytes", len(buf))
	}
	size := binary.LittleEndian.Uint16(buf[10:12])
	if len(buf) < packetHeaderSize+int(size) {
		return Packet{}, fmt.Errorf("packet truncated: declared %d, have %d", size, len(buf)-packetHeaderSize)
	}
	p := Packet{
		Seq:         binary.LittleEndian.Uint32(buf[0:4]),
		TSMillisLo:  binary.LittleEndian.Uint32(buf[4:8]),
		Direction:   DirectionFlag(buf[8]),
		PayloadType: PayloadType(buf[9]),
		Payload:     append([]byte(nil), buf[12:12+int(size)]...),
	}
	return p, nil
}

// ControlType enumerates the JSON control-frame types on the household
// WebSocket (spec.md §4.E, §6).
type ControlType string

const (
	ControlStartTraffic       ControlType = "start_traffic"
	ControlStopTraffic        ControlType = "stop_traffic"
	ControlPing               ControlType = "ping"
	ControlPong               ControlType = "pong"
	ControlRequestDownload    ControlType = "request_download"
	ControlDownloadRequest    ControlType = "download_request"
	ControlDownloadResponse   ControlType = "download_response"
	ControlTrafficStarted     ControlType = "traffic_started"
	ControlTrafficStopped     ControlType = "traffic_stopped"
	ControlConnectionTest     ControlType = "connection_test"
	ControlConnectionTestResp ControlType = "connection_test_response"
	ControlError              ControlType = "error"
)

// ControlMessage is the envelope for every JSON text frame.
type ControlMessage struct {
	Type      ControlType `json:"type"`
	Seq       uint32      `json:"seq,omitempty"`
	ClientTS  int64       `json:"client_ts,omitempty"`
	ServerTS  int64       `json:"server_ts,omitempty"`
	Size      int         `json:"size,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Message   string      `json:"message,omitempty"`
}
