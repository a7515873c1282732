// Package audio turns relayed device audio packets back into an ordered
// stream of frames.
package audio

import "encoding/binary"

// HeaderSize is the fixed relay header: 8 opaque bytes, a big-endian uint32
// timestamp and a big-endian uint32 payload length.
const HeaderSize = 16

type Frame struct {
	Timestamp uint32
	Payload   []byte
	// Timed is false for best-effort payloads whose header did not describe them.
	Timed bool
}

// ParseRelayPacket decodes one relay packet. A packet whose declared length
// does not fit still yields its trailing bytes as an untimed frame; anything
// shorter than the header, or a header with no payload, is not a frame.
func ParseRelayPacket(b []byte) (Frame, bool) {
	if len(b) < HeaderSize {
		return Frame{}, false
	}
	ts := binary.BigEndian.Uint32(b[8:12])
	n := binary.BigEndian.Uint32(b[12:16])

	if n > 0 && uint64(len(b)) >= HeaderSize+uint64(n) {
		return Frame{Timestamp: ts, Payload: b[HeaderSize : HeaderSize+int(n)], Timed: true}, true
	}
	if len(b) > HeaderSize {
		return Frame{Payload: b[HeaderSize:]}, true
	}
	return Frame{}, false
}

// EncodeRelayPacket builds a relay packet; the gateway tests and device
// simulators use it.
func EncodeRelayPacket(ts uint32, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[8:12], ts)
	binary.BigEndian.PutUint32(out[12:16], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}
