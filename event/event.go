package event

import (
	"fmt"

	"github.com/gopxl/beep/v2"
)

// Role identifies what a stream element does inside its pipeline.
type Role int

const (
	RoleReader Role = iota
	RoleDecoder
	RoleResampler
	RoleWriter
	RoleMixer
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleDecoder:
		return "decoder"
	case RoleResampler:
		return "resampler"
	case RoleWriter:
		return "writer"
	case RoleMixer:
		return "mixer"
	case RoleSink:
		return "sink"
	}
	return "unknown"
}

// Status is an asynchronous notification emitted by a stream element.
type Status int

const (
	StatusStarted Status = iota
	StatusFormatReported
	StatusFinished
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusFormatReported:
		return "format-reported"
	case StatusFinished:
		return "finished"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// NoInput is the Input value carried by events of pipelines that are not
// bound to an input slot, such as the output pipeline.
const NoInput = -1

// Event is the tagged union delivered through a Queue. The concrete types
// are Element and Action.
type Event interface {
	isEvent()
}

// Element is a status report of one stream element. It carries enough
// addressing to be dispatched without comparing element handles.
type Element struct {
	Pipeline string
	Input    int
	Run      string
	Tag      string
	Role     Role
	Status   Status
	// Terminal marks the last element of an input pipeline, the one that
	// feeds the mixer.
	Terminal bool

	// Format is set for StatusFormatReported.
	Format beep.Format
	// Err is set for StatusError.
	Err error
}

func (Element) isEvent() {}

func (e Element) String() string {
	return fmt.Sprintf("%s/%s(%s) %s", e.Pipeline, e.Tag, e.Role, e.Status)
}

// Action is a debounced request from an input device to perform the
// logical action bound to Key.
type Action struct {
	Key string
}

func (Action) isEvent() {}

// Activate asks the controller to start Input with Source. It is what an
// Action resolves to, and can be sent directly.
type Activate struct {
	Input  int
	Source string
}

func (Activate) isEvent() {}
