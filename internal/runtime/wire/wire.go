package wire

import (
	"encoding/binary"
	"unicode/utf8"

	errspkg "github.com/ecalabs/helloflow/internal/runtime/errors"
)

// EventPayloadSize is the exact on-wire size of an encoded Event: four
// big-endian int32 fields plus one timer-id byte.
const EventPayloadSize = 17

// TextMode selects how text payloads are framed.
type TextMode int

const (
	// TextRaw frames a string as its UTF-8 bytes followed by a single NUL.
	TextRaw TextMode = iota
	// TextLengthPrefixed additionally prepends a 4-byte big-endian length
	// field whose value counts the string bytes plus the NUL terminator.
	TextLengthPrefixed
)

func (m TextMode) String() string {
	if m == TextLengthPrefixed {
		return "length-prefixed"
	}
	return "raw"
}

// Codec encodes and decodes text payloads in a fixed framing mode. Both ends
// of a connection must agree on the mode; it is a deployment choice, not
// negotiated on the wire.
type Codec struct {
	Mode TextMode
}

// EncodeText frames s for the wire.
func (c Codec) EncodeText(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, &errspkg.EncodingError{Detail: "text is not valid UTF-8"}
	}
	if c.Mode == TextLengthPrefixed {
		buf := make([]byte, 0, 4+len(s)+1)
		buf = AppendInt32(buf, int32(len(s)+1))
		buf = append(buf, s...)
		return append(buf, 0), nil
	}
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	return append(buf, 0), nil
}

// DecodeText recovers the string from a framed payload, dropping the NUL
// terminator. Failures return the empty string alongside a DecodeError.
func (c Codec) DecodeText(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errspkg.NewDecodeError(errspkg.EmptyPayload, "")
	}
	if c.Mode == TextLengthPrefixed {
		length, offset, err := ReadInt32(payload, 0)
		if err != nil {
			return "", err
		}
		if length < 1 || int(length) > len(payload)-4 {
			return "", errspkg.NewDecodeError(errspkg.Malformed,
				"length field %d does not fit payload of %d bytes", length, len(payload))
		}
		return string(payload[offset : offset+int(length)-1]), nil
	}
	return string(payload[:len(payload)-1]), nil
}

// EncodeEvent serializes e into exactly EventPayloadSize bytes. Field ranges
// are not validated.
func EncodeEvent(e Event) []byte {
	buf := make([]byte, 0, EventPayloadSize)
	buf = AppendInt32(buf, e.TimeOfDay.Hours)
	buf = AppendInt32(buf, e.TimeOfDay.Minutes)
	buf = AppendInt32(buf, e.TimeOfDay.Seconds)
	buf = AppendInt32(buf, e.TimeOfDay.Nanos)
	return append(buf, byte(e.TimerID))
}

// AppendEvent is EncodeEvent into a caller-owned buffer, for the per-timer
// scratch buffers the service reuses between firings.
func AppendEvent(buf []byte, e Event) []byte {
	buf = AppendInt32(buf, e.TimeOfDay.Hours)
	buf = AppendInt32(buf, e.TimeOfDay.Minutes)
	buf = AppendInt32(buf, e.TimeOfDay.Seconds)
	buf = AppendInt32(buf, e.TimeOfDay.Nanos)
	return append(buf, byte(e.TimerID))
}

// DecodeEvent parses an event payload. The timer-id tag is carried through
// without validation; see TimerID.Interval for detecting unknown tags.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) < EventPayloadSize {
		return Event{}, errspkg.NewDecodeError(errspkg.TooShort,
			"event needs %d bytes, got %d", EventPayloadSize, len(payload))
	}
	var (
		e      Event
		offset int
		err    error
	)
	if e.TimeOfDay.Hours, offset, err = ReadInt32(payload, offset); err != nil {
		return Event{}, err
	}
	if e.TimeOfDay.Minutes, offset, err = ReadInt32(payload, offset); err != nil {
		return Event{}, err
	}
	if e.TimeOfDay.Seconds, offset, err = ReadInt32(payload, offset); err != nil {
		return Event{}, err
	}
	if e.TimeOfDay.Nanos, offset, err = ReadInt32(payload, offset); err != nil {
		return Event{}, err
	}
	e.TimerID = TimerID(payload[offset])
	return e, nil
}

// AppendInt32 appends v in network byte order.
func AppendInt32(buf []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(v))
}

// ReadInt32 reads a big-endian int32 at offset and returns the advanced
// offset. The bound check requires at least one byte after the integer; a
// trailing int32 with nothing behind it is rejected. That matches the layouts
// this codec handles, where an int32 is always followed by more data.
func ReadInt32(payload []byte, offset int) (int32, int, error) {
	if offset+4 >= len(payload) {
		return 0, offset, errspkg.NewDecodeError(errspkg.TooShort,
			"int32 at offset %d exceeds %d payload bytes", offset, len(payload))
	}
	v := binary.BigEndian.Uint32(payload[offset : offset+4])
	return int32(v), offset + 4, nil
}
