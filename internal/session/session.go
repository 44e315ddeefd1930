// Package session 实现了单个客户端连接的逻辑会话与状态机
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var ErrInvalidTransition = errors.New("invalid session state transition")

// State 会话状态
type State int32

const (
	Handshaking State = iota
	Active
	Closing
	Closed
)

var StateMap = map[State]string{
	Handshaking: "HANDSHAKING",
	Active:      "ACTIVE",
	Closing:     "CLOSING",
	Closed:      "CLOSED",
}

func (s State) String() string {
	if name, ok := StateMap[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}

// Any state may move to Closed; everything else follows the table.
var transitions = map[State][]State{
	Handshaking: {Active},
	Active:      {Closing},
	Closing:     {},
}

func canTransition(from, to State) bool {
	if from == Closed {
		return false
	}
	if to == Closed {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Session 表示一个客户端的逻辑会话
type Session struct {
	id string

	mu           sync.RWMutex
	state        State
	lastActivity time.Time
	closedAt     time.Time
	groups       map[string]struct{}
}

func New(id string) *Session {
	return &Session{
		id:           id,
		state:        Handshaking,
		lastActivity: time.Now(),
		groups:       make(map[string]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsActive() bool {
	return s.State() == Active
}

func (s *Session) IsClosed() bool {
	return s.State() == Closed
}

// Transition moves the session to the given state, failing with
// ErrInvalidTransition when the move is not allowed.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	if to == Closed {
		s.closedAt = time.Now()
	}
	return nil
}

// Activate completes the handshake.
func (s *Session) Activate() error {
	return s.Transition(Active)
}

// BeginClose moves an Active session to Closing. It reports false when the
// session was not Active, which means another teardown already started.
func (s *Session) BeginClose() bool {
	return s.Transition(Closing) == nil
}

// Close moves the session to Closed. It reports false when it already was.
func (s *Session) Close() bool {
	return s.Transition(Closed) == nil
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) ClosedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closedAt
}

// AddGroup and RemoveGroup are the session side of group membership; callers
// go through the registry so both sides stay consistent.
func (s *Session) AddGroup(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; ok {
		return false
	}
	s.groups[group] = struct{}{}
	return true
}

func (s *Session) RemoveGroup(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; !ok {
		return false
	}
	delete(s.groups, group)
	return true
}

func (s *Session) InGroup(group string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[group]
	return ok
}

// Groups returns the sorted membership set.
func (s *Session) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]string, 0, len(s.groups))
	for group := range s.groups {
		groups = append(groups, group)
	}
	slices.Sort(groups)
	return groups
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{id=%s, state=%s, groups=%v}", s.id, s.State(), s.Groups())
}
