// Package session owns the lifecycle of one outrun invocation on the remote
// machine: handshake with the local machine, cache open, FUSE mount, drain
// and teardown. The session is the only process-wide mutable state; it is
// created at handshake and destroyed at unmount with guaranteed release of
// its resources on every exit path.
package session

import (
	"fmt"
	"sync"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/proto"
)

// State is a stage of the session lifecycle.
type State int

const (
	StateInit State = iota
	StateHandshake
	StateMounted
	StateRunning
	StateDraining
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateHandshake:
		return "Handshake"
	case StateMounted:
		return "Mounted"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions enumerates the legal state machine edges.
var transitions = map[State][]State{
	StateInit:      {StateHandshake, StateClosed},
	StateHandshake: {StateMounted, StateClosed},
	StateMounted:   {StateRunning, StateDraining},
	StateRunning:   {StateDraining},
	StateDraining:  {StateClosed},
	StateClosed:    {},
}

// Session is the per-invocation record. It holds no user data that survives
// teardown except the persistent cache it points at.
type Session struct {
	// ID identifies the session in logs and tokens.
	ID string

	// Token is the bearer token presented on every connection.
	Token string

	// RootVersion is the local machine's filesystem epoch captured at
	// handshake.
	RootVersion proto.RootVersion

	// MountPoint is where the FUSE filesystem is mounted on the remote
	// machine.
	MountPoint string

	// CacheRoot is the persistent cache directory.
	CacheRoot string

	mu       sync.Mutex
	state    State
	cleanups []func() error
}

// New creates a session in the Init state.
func New(id, token string) *Session {
	return &Session{ID: id, Token: token, state: StateInit}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the target state, or fails if the edge is
// not in the lifecycle graph. Transitions are logged so a session's history
// can be reconstructed from its log.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, legal := range transitions[s.state] {
		if legal == to {
			logger.Debug("session transition",
				logger.KeySession, s.ID, "from", s.state.String(), "to", to.String())
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal session transition %s -> %s", s.state, to)
}

// OnClose registers a cleanup to run at Close, in reverse registration
// order. Registration order follows resource acquisition: FUSE drain before
// client pool close before cache flush.
func (s *Session) OnClose(cleanup func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, cleanup)
}

// Close drains and releases everything the session owns. Safe to call more
// than once; later calls are no-ops. The first error is returned but every
// cleanup runs regardless.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateMounted || s.state == StateRunning {
		logger.Debug("session transition",
			logger.KeySession, s.ID, "from", s.state.String(), "to", StateDraining.String())
		s.state = StateDraining
	}
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	var firstErr error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	logger.Info("session closed", logger.KeySession, s.ID)
	return firstErr
}
