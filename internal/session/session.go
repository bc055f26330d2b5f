// Package session tracks the identity and timing of one capture session.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// State is the lifecycle position of a session.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// ValidTransitions lists the states reachable from each state.
var ValidTransitions = map[State][]State{
	StateCreated: {StateActive, StateEnded},
	StateActive:  {StatePaused, StateEnded},
	StatePaused:  {StateActive, StateEnded},
	StateEnded:   {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Context holds the session id, user id and timing for a capture session.
// All methods are safe for concurrent use. Invalid transitions are no-ops.
type Context struct {
	id     string
	userID string
	clock  clock.PassiveClock

	mu                sync.Mutex
	state             State
	startedAt         time.Time
	endedAt           time.Time
	pauseStartedAt    time.Time
	pausedAccumulated time.Duration
	endReason         string
}

// New creates a session with a fresh random id.
func New(userID string, clk clock.PassiveClock) *Context {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Context{
		id:     uuid.New().String(),
		userID: userID,
		clock:  clk,
		state:  StateCreated,
	}
}

// ID returns the immutable session id.
func (c *Context) ID() string { return c.id }

// UserID returns the user the session belongs to.
func (c *Context) UserID() string { return c.userID }

// Now returns the session clock's current time.
func (c *Context) Now() time.Time { return c.clock.Now() }

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartedAt returns when Start was applied, or the zero time.
func (c *Context) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// EndReason returns the reason given to End.
func (c *Context) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// Start moves a created session to active.
func (c *Context) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transition(StateActive, "") {
		return false
	}
	c.startedAt = c.clock.Now()
	return true
}

// Pause stops the active-time clock. Pausing twice is a no-op.
func (c *Context) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || !c.transition(StatePaused, "") {
		return false
	}
	c.pauseStartedAt = c.clock.Now()
	return true
}

// Resume adds the elapsed pause to the accumulated total.
func (c *Context) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused || !c.transition(StateActive, "") {
		return false
	}
	c.closePause()
	return true
}

// End finishes the session from any non-terminal state. An open pause is
// folded into the accumulated total.
func (c *Context) End(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasPaused := c.state == StatePaused
	if !c.transition(StateEnded, reason) {
		return false
	}
	if wasPaused {
		c.closePause()
	}
	c.endedAt = c.clock.Now()
	c.endReason = reason
	return true
}

// PausedAccumulated returns the total paused time so far, including an
// in-progress pause.
func (c *Context) PausedAccumulated() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.pausedAccumulated
	if c.state == StatePaused {
		total += c.clock.Since(c.pauseStartedAt)
	}
	return total
}

// ElapsedActive returns wall time since start minus paused time.
func (c *Context) ElapsedActive() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	end := c.clock.Now()
	if c.state == StateEnded {
		end = c.endedAt
	}
	paused := c.pausedAccumulated
	if c.state == StatePaused {
		paused += end.Sub(c.pauseStartedAt)
	}
	return end.Sub(c.startedAt) - paused
}

func (c *Context) closePause() {
	if d := c.clock.Since(c.pauseStartedAt); d > 0 {
		c.pausedAccumulated += d
	}
	c.pauseStartedAt = time.Time{}
}

// transition must be called with c.mu held.
func (c *Context) transition(to State, reason string) bool {
	from := c.state
	if !CanTransition(from, to) {
		slog.Debug("session: ignoring transition", "session_id", c.id, "from", from, "to", to)
		return false
	}
	c.state = to
	attrs := []any{"session_id", c.id, "from", from, "to", to}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	slog.Info("session: state transition", attrs...)
	return true
}
