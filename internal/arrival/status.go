package arrival

import (
	"fmt"
	"net/http"
)

// Status is the lifecycle state of a Schedule.
type Status uint8

const (
	// StatusReady means no start epoch has ever been established.
	StatusReady Status = iota
	// StatusRunning means the schedule is handing out arrivals.
	StatusRunning
	// StatusDone means the schedule was started and is no longer running,
	// either because its queue ran dry or because Stop was called.
	StatusDone
)

// String returns the lowercase name used on the wire.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so Status encodes as a string.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ready":
		*s = StatusReady
	case "running":
		*s = StatusRunning
	case "done":
		*s = StatusDone
	default:
		return fmt.Errorf("arrival: unknown status %q", b)
	}
	return nil
}

// Outcome classifies the result of Schedule.Next.
type Outcome uint8

const (
	// OutcomeOK means the arrival is still in the future; the caller should
	// wait Arrival.Delay before treating it as delivered.
	OutcomeOK Outcome = iota
	// OutcomeMissed means the arrival's time had already passed when it was
	// requested (an underrun).
	OutcomeMissed
	// OutcomeDone means the schedule is exhausted or not running.
	OutcomeDone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeMissed:
		return "missed"
	case OutcomeDone:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ok":
		*o = OutcomeOK
	case "missed":
		*o = OutcomeMissed
	case "done":
		*o = OutcomeDone
	default:
		return fmt.Errorf("arrival: unknown outcome %q", b)
	}
	return nil
}

// HTTPStatus maps the outcome onto the response code the HTTP façade uses:
// 200 for a normal delivery, 418 for an underrun and 410 for exhaustion.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeOK:
		return http.StatusOK
	case OutcomeMissed:
		return http.StatusTeapot
	default:
		return http.StatusGone
	}
}
