package connection

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/session"
	"github.com/life-stream-dev/life-stream-audio-center/internal/utils"
)

// IDFunc picks the session id for a new connection.
type IDFunc func(conn *Connection) string

func UUIDGenerator(_ *Connection) string {
	return uuid.NewString()
}

// AddressKey derives a stable id from the client host and the local address,
// so a device that reconnects keeps its id.
func AddressKey(conn *Connection) string {
	return utils.ShortHash(utils.HostOf(conn.RemoteAddr())+conn.LocalAddr(), 8)
}

func IDFuncFor(strategy string) IDFunc {
	if strategy == "address" {
		return AddressKey
	}
	return UUIDGenerator
}

// Registry 连接注册表, 持有全部存活会话及其分组关系
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	groups map[string]map[string]struct{}
	idFunc IDFunc
}

func NewRegistry(idFunc IDFunc) *Registry {
	if idFunc == nil {
		idFunc = UUIDGenerator
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		groups: make(map[string]map[string]struct{}),
		idFunc: idFunc,
	}
}

// Register assigns an id to conn and creates its session in Handshaking.
func (r *Registry) Register(conn *Connection) (string, error) {
	id := r.idFunc(conn)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	conn.bind(id, session.New(id))
	r.conns[id] = conn
	logger.InfoF("[%s] Client %s connected via %s", id, conn.RemoteAddr(), conn.Kind())
	return id, nil
}

// Unregister removes the entry and its memberships, then moves the session
// to Closed.
func (r *Registry) Unregister(id string) (*Connection, error) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.leaveAllLocked(conn)
	delete(r.conns, id)
	r.mu.Unlock()

	conn.Session().Close()
	logger.InfoF("[%s] Client disconnected", id)
	return conn, nil
}

func (r *Registry) Lookup(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conn, nil
}

func (r *Registry) JoinGroup(id, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[id] = struct{}{}
	conn.Session().AddGroup(group)
	return nil
}

func (r *Registry) LeaveGroup(id, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.leaveLocked(conn, group)
	return nil
}

// LeaveAllGroups removes the session from every group and returns the groups
// it left.
func (r *Registry) LeaveAllGroups(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.leaveAllLocked(conn), nil
}

func (r *Registry) leaveLocked(conn *Connection, group string) {
	if members, ok := r.groups[group]; ok {
		delete(members, conn.ID())
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	conn.Session().RemoveGroup(group)
}

func (r *Registry) leaveAllLocked(conn *Connection) []string {
	groups := conn.Session().Groups()
	for _, group := range groups {
		r.leaveLocked(conn, group)
	}
	return groups
}

// GroupSnapshot returns the members of group at call time, ordered by id.
func (r *Registry) GroupSnapshot(group string) []*Connection {
	r.mu.RLock()
	members := r.groups[group]
	snapshot := make([]*Connection, 0, len(members))
	for id := range members {
		if conn, ok := r.conns[id]; ok {
			snapshot = append(snapshot, conn)
		}
	}
	r.mu.RUnlock()
	sortByID(snapshot)
	return snapshot
}

// ForEachInGroup calls fn for every member of a snapshot of group. fn runs
// without the registry lock held.
func (r *Registry) ForEachInGroup(group string, fn func(conn *Connection)) {
	for _, conn := range r.GroupSnapshot(group) {
		fn(conn)
	}
}

// Snapshot returns every live connection ordered by id.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()
	sortByID(snapshot)
	return snapshot
}

// Groups returns the non-empty groups with their member counts.
func (r *Registry) Groups() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := make(map[string]int, len(r.groups))
	for name, members := range r.groups {
		groups[name] = len(members)
	}
	return groups
}

func (r *Registry) Members(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]string, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		members = append(members, id)
	}
	slices.Sort(members)
	return members
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func sortByID(conns []*Connection) {
	slices.SortFunc(conns, func(a, b *Connection) int {
		return strings.Compare(a.ID(), b.ID())
	})
}
