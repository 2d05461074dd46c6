package report

import (
	"fmt"
	"time"

	"github.com/dohuyhoang93/DirectorySync/internal/model"
)

// Envelope types.
const (
	TypeLog    = "log"
	TypeStatus = "status"
	TypeError  = "error"
)

// Envelope is the flat wire form of an Event.
type Envelope struct {
	Type        string       `json:"type"`
	Time        time.Time    `json:"time"`
	Severity    Severity     `json:"severity,omitempty"`
	Text        string       `json:"text,omitempty"`
	Source      string       `json:"source,omitempty"`
	Destination string       `json:"destination,omitempty"`
	Status      model.Status `json:"status,omitempty"`
}

// Wrap converts an event to its wire form.
func Wrap(ev Event) Envelope {
	switch e := ev.(type) {
	case LogEvent:
		return Envelope{Type: TypeLog, Time: e.Time, Severity: e.Severity, Text: e.Text}
	case StatusEvent:
		return Envelope{
			Type:        TypeStatus,
			Time:        e.Time,
			Text:        e.Diagnostic,
			Source:      e.Job.Source,
			Destination: e.Job.Destination,
			Status:      e.Status,
		}
	case ErrorEvent:
		return Envelope{Type: TypeError, Time: e.Time, Severity: Error, Text: e.Text}
	default:
		panic(fmt.Sprintf("report: unknown event %T", ev))
	}
}

// Unwrap converts the wire form back to an Event.
func (e Envelope) Unwrap() (Event, error) {
	switch e.Type {
	case TypeLog:
		return LogEvent{Time: e.Time, Severity: e.Severity, Text: e.Text}, nil
	case TypeStatus:
		return StatusEvent{
			Time:       e.Time,
			Job:        model.Key{Source: e.Source, Destination: e.Destination},
			Status:     e.Status,
			Diagnostic: e.Text,
		}, nil
	case TypeError:
		return ErrorEvent{Time: e.Time, Text: e.Text}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}
