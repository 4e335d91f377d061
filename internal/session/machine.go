// Package session implements the in-memory session lifecycle: an explicit
// state machine over Locked, Unlocking, Unlocked, Locking, and Expired,
// with a timeout timer and a broadcast of every transition.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"scankeeper/internal/models"
)

// MaxLifetime bounds how far a session's expiry may ever be from its
// creation, no matter how many times it is extended.
const MaxLifetime = 24 * time.Hour

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNoSession         = errors.New("no active session")
	ErrSessionActive     = errors.New("a session is already active")
)

// Transition is one observed state change.
type Transition struct {
	Prev models.SessionState
	Next models.SessionState
}

// transitions is the table of allowed state changes. Expired is terminal:
// nothing leaves it except starting a new session.
var transitions = map[models.SessionState][]models.SessionState{
	models.SessionUnlocked:  {models.SessionLocking, models.SessionExpired},
	models.SessionLocking:   {models.SessionLocked, models.SessionExpired},
	models.SessionLocked:    {models.SessionUnlocking, models.SessionExpired},
	models.SessionUnlocking: {models.SessionUnlocked, models.SessionExpired},
	models.SessionExpired:   {},
}

type subscriber struct {
	id int
	fn func(Transition)
}

// Machine owns the current session and enforces the transition table. All
// methods are safe for concurrent use. Transition events are delivered
// synchronously after the owning operation completes, in occurrence order.
type Machine struct {
	mu      sync.Mutex
	current *models.Session
	timer   *time.Timer
	subs    []subscriber
	nextID  int
	now     func() time.Time
}

func NewMachine() *Machine {
	return &Machine{now: time.Now}
}

// Start creates a new unlocked session for the given identity. It refuses
// when an unexpired session is already active.
func (m *Machine) Start(username, publicKey string, ttl time.Duration) (*models.Session, error) {
	m.mu.Lock()

	if m.current != nil && m.current.State != models.SessionExpired {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}

	now := m.now()
	if ttl <= 0 || ttl > MaxLifetime {
		ttl = MaxLifetime
	}
	s := &models.Session{
		ID:           uuid.NewString(),
		Username:     username,
		PublicKey:    publicKey,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		State:        models.SessionUnlocked,
		Version:      models.SessionFormatVersion,
	}
	m.current = s
	m.armTimerLocked()

	out := *s
	m.mu.Unlock()
	return &out, nil
}

// Adopt installs a restored session without deriving anything. The session
// must be unexpired; its expiry timer is re-armed from ExpiresAt.
func (m *Machine) Adopt(s *models.Session) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidTransition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.State != models.SessionExpired {
		return ErrSessionActive
	}
	if s.Expired(m.now()) {
		return fmt.Errorf("%w: session %s", ErrInvalidTransition, s.ID)
	}

	adopted := *s
	if adopted.State == "" || adopted.State == models.SessionExpired {
		adopted.State = models.SessionUnlocked
	}
	m.current = &adopted
	m.armTimerLocked()
	return nil
}

// Lock drives Unlocked through Locking to Locked, emitting both transitions.
func (m *Machine) Lock() error {
	return m.run(models.SessionUnlocked, models.SessionLocking, models.SessionLocked)
}

// Unlock drives Locked through Unlocking to Unlocked, emitting both
// transitions.
func (m *Machine) Unlock() error {
	return m.run(models.SessionLocked, models.SessionUnlocking, models.SessionUnlocked)
}

// End stops the timer and discards the session. Ending is not a lifecycle
// transition and emits no event; the orchestrator reports the logout itself.
func (m *Machine) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.current = nil
}

// Extend pushes the session's expiry by additional, capped so the total
// lifetime never exceeds MaxLifetime from creation. It is a no-op without an
// active session or for a non-positive duration.
func (m *Machine) Extend(additional time.Duration) {
	if additional <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.State == models.SessionExpired {
		return
	}

	limit := m.current.CreatedAt.Add(MaxLifetime)
	exp := m.current.ExpiresAt.Add(additional)
	if exp.After(limit) {
		exp = limit
	}
	m.current.ExpiresAt = exp
	m.current.LastActivity = m.now()
	m.armTimerLocked()
}

// Current returns a copy of the active session, or nil when there is none
// or it has expired.
func (m *Machine) Current() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.State == models.SessionExpired || m.current.Expired(m.now()) {
		return nil
	}
	out := *m.current
	return &out
}

// State returns the current lifecycle state, or Expired when no session
// exists.
func (m *Machine) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return models.SessionExpired
	}
	return m.current.State
}

// Subscribe registers a transition handler and returns a cancel function.
func (m *Machine) Subscribe(fn func(Transition)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// run performs a two-step transition from the required state through an
// intermediate state to the final state.
func (m *Machine) run(from, via, to models.SessionState) error {
	m.mu.Lock()

	if m.current == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if m.current.State != from || !allowed(from, via) || !allowed(via, to) {
		cur := m.current.State
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, via)
	}

	events := []Transition{
		m.transitionLocked(via),
		m.transitionLocked(to),
	}
	m.current.LastActivity = m.now()
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	m.emit(subs, events)
	return nil
}

// transitionLocked moves to next and records the event. Callers hold m.mu
// and have already validated the move against the table.
func (m *Machine) transitionLocked(next models.SessionState) Transition {
	prev := m.current.State
	m.current.State = next
	return Transition{Prev: prev, Next: next}
}

// expire is the timer callback: any non-terminal state moves to Expired.
func (m *Machine) expire() {
	m.mu.Lock()
	if m.current == nil || m.current.State == models.SessionExpired {
		m.mu.Unlock()
		return
	}
	ev := m.transitionLocked(models.SessionExpired)
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	m.emit(subs, []Transition{ev})
}

func (m *Machine) emit(subs []subscriber, events []Transition) {
	for _, ev := range events {
		for _, sub := range subs {
			sub.fn(ev)
		}
	}
}

// armTimerLocked schedules expiry for the current session. Callers hold m.mu.
func (m *Machine) armTimerLocked() {
	m.stopTimerLocked()
	d := time.Until(m.current.ExpiresAt)
	if d < 0 {
		d = 0
	}
	m.timer = time.AfterFunc(d, m.expire)
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// allowed reports whether the table permits moving from prev to next.
func allowed(prev, next models.SessionState) bool {
	for _, s := range transitions[prev] {
		if s == next {
			return true
		}
	}
	return false
}
