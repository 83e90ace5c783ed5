// Package wire implements the byte-level payload formats exchanged by the
// hello service and its clients: NUL-terminated text in two framing modes and
// a fixed 17-byte timer event. All multi-byte integers are big-endian and the
// payloads carry no checksums; wire integrity belongs to the transport.
package wire

import (
	"fmt"
	"time"
)

// TimerID tags a timer event with the logical timer that produced it. The
// numeric values are part of the wire format.
type TimerID uint8

const (
	Timer1Sec TimerID = 0
	Timer1Min TimerID = 1
	Timer10Ms TimerID = 8
	Timer1Ms  TimerID = 9
)

// KnownTimerIDs lists every timer the service can run, in wire-value order.
func KnownTimerIDs() []TimerID {
	return []TimerID{Timer1Sec, Timer1Min, Timer10Ms, Timer1Ms}
}

func (id TimerID) String() string {
	switch id {
	case Timer1Sec:
		return "T_1s"
	case Timer1Min:
		return "T_1m"
	case Timer10Ms:
		return "T_10ms"
	case Timer1Ms:
		return "T_1ms"
	}
	return "T_inv"
}

// Interval returns the nominal firing period, or zero for an unknown tag.
// Decoding keeps unknown tags intact, so callers use the zero interval to
// detect them.
func (id TimerID) Interval() time.Duration {
	switch id {
	case Timer1Sec:
		return time.Second
	case Timer1Min:
		return time.Minute
	case Timer10Ms:
		return 10 * time.Millisecond
	case Timer1Ms:
		return time.Millisecond
	}
	return 0
}

// ParseTimerID maps the short spellings used in timer specs ("1m", "1s",
// "10ms", "1ms") to their TimerID.
func ParseTimerID(s string) (TimerID, bool) {
	switch s {
	case "1s":
		return Timer1Sec, true
	case "1m":
		return Timer1Min, true
	case "10ms":
		return Timer10Ms, true
	case "1ms":
		return Timer1Ms, true
	}
	return 0, false
}

// Request asks the hello service to greet the caller.
type Request struct {
	Message string
}

func (r Request) String() string { return r.Message }

// Response carries the greeting back. The zero value stands in for a failed
// or timed-out call.
type Response struct {
	Reply string
}

func (r Response) String() string { return r.Reply }

// Empty reports whether the response is the failure stand-in.
func (r Response) Empty() bool { return r.Reply == "" }

// TimeOfDay is a wall-clock time with nanosecond fraction and no date or
// zone. Field ranges are not enforced by the encoder; only length invariants
// are checked on decode.
type TimeOfDay struct {
	Hours   int32
	Minutes int32
	Seconds int32
	Nanos   int32
}

// Event is one timer firing. It lives for exactly one notification send.
type Event struct {
	TimeOfDay TimeOfDay
	TimerID   TimerID
}

// NewEvent captures the local time of day at t for the given timer.
func NewEvent(id TimerID, t time.Time) Event {
	return Event{
		TimeOfDay: TimeOfDay{
			Hours:   int32(t.Hour()),
			Minutes: int32(t.Minute()),
			Seconds: int32(t.Second()),
			Nanos:   int32(t.Nanosecond()),
		},
		TimerID: id,
	}
}

// SinceMidnight returns the event time as an offset from midnight, which is
// what inter-arrival deltas are computed from.
func (e Event) SinceMidnight() time.Duration {
	return time.Duration(e.TimeOfDay.Hours)*time.Hour +
		time.Duration(e.TimeOfDay.Minutes)*time.Minute +
		time.Duration(e.TimeOfDay.Seconds)*time.Second +
		time.Duration(e.TimeOfDay.Nanos)
}

func (e Event) String() string {
	return fmt.Sprintf("Event <%s> %02d:%02d:%02d.%09d",
		e.TimerID,
		e.TimeOfDay.Hours, e.TimeOfDay.Minutes, e.TimeOfDay.Seconds,
		uint32(e.TimeOfDay.Nanos))
}
