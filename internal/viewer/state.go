package viewer

import (
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
)

// transitions lists the legal successors of every non-terminal status.
// FAILED and STOPPING are reachable from every non-terminal status.
var transitions = map[model.SessionStatus][]model.SessionStatus{
	model.SessionInit:       {model.SessionConnecting},
	model.SessionConnecting: {model.SessionProbing, model.SessionSpawning},
	model.SessionProbing:    {model.SessionSpawning},
	model.SessionSpawning:   {model.SessionTunneling},
	model.SessionTunneling:  {model.SessionRunning},
	model.SessionRunning:    {},
	model.SessionStopping:   {model.SessionStopped},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to model.SessionStatus) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	if to == model.SessionFailed {
		return true
	}
	if to == model.SessionStopping {
		return from != model.SessionStopping
	}
	for _, n := range next {
		if n == to {
			return true
		}
	}
	return false
}

// setStatus applies a transition. Caller holds s.mu.
func (s *session) setStatus(to model.SessionStatus) error {
	from := s.data.Status
	if !CanTransition(from, to) {
		return faults.New(faults.Internal, "session "+s.data.ID, "illegal transition %s -> %s", from, to)
	}
	s.data.Status = to
	return nil
}
