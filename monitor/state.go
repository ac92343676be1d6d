package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rvfw/miralis/utils"
)

// state is the per-instance status state machine, mirroring the
// teacher's created/running/stopped transition shape.
type state interface {
	transition(state) error
	destroy() error
	status() Status
}

// Status is the lifecycle phase of one instance.
type Status int

const (
	Created Status = iota
	Running
	Stopped
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BaseState is the part of an instance's persisted state shared with
// State; split out so future additions don't disturb the JSON shape
// that LoadState expects.
type BaseState struct {
	ID            string    `json:"id"`
	Config        Config    `json:"config"`
	InitPid       int       `json:"init_pid"`
	InitStartTime uint64    `json:"init_start_time"`
	Created       time.Time `json:"created"`
}

type State struct {
	BaseState
}

// LoadState reads the persisted state of the instance whose state
// directory is root.
func LoadState(root string) (*State, error) {
	path := utils.StateFile(root)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	defer f.Close()

	var s State
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

type stateTransitionError struct {
	From, To string
}

func (e *stateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

func newTransitionError(from, to state) error {
	return &stateTransitionError{From: from.status().String(), To: to.status().String()}
}

type created struct{ i *Instance }

func (c *created) status() Status { return Created }

func (c *created) transition(s state) error {
	switch s.(type) {
	case *running, *stopped:
		c.i.state = s
		return nil
	case *created:
		return nil
	}
	return newTransitionError(c, s)
}

func (c *created) destroy() error {
	_ = c.i.signal(killSignal)
	return destroyInstance(c.i)
}

type running struct{ i *Instance }

func (r *running) status() Status { return Running }

func (r *running) transition(s state) error {
	switch s.(type) {
	case *stopped:
		if r.i.hasInit() {
			return ErrRunning
		}
		r.i.state = s
		return nil
	case *running:
		return nil
	}
	return newTransitionError(r, s)
}

func (r *running) destroy() error {
	if r.i.hasInit() {
		return ErrRunning
	}
	return destroyInstance(r.i)
}

type stopped struct{ i *Instance }

func (s *stopped) status() Status { return Stopped }

func (s *stopped) transition(to state) error {
	switch to.(type) {
	case *running:
		s.i.state = to
		return nil
	case *stopped:
		return nil
	}
	return newTransitionError(s, to)
}

func (s *stopped) destroy() error {
	return destroyInstance(s.i)
}

func destroyInstance(i *Instance) error {
	if err := os.RemoveAll(i.stateDir); err != nil {
		return fmt.Errorf("unable to remove instance state dir: %w", err)
	}
	i.pid = 0
	i.state = &stopped{i: i}
	return nil
}
