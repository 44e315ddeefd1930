package connection_test

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/connection/connectiontest"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
	"github.com/life-stream-dev/life-stream-audio-center/internal/session"
)

func fixedIDs(ids ...string) connection.IDFunc {
	var mu sync.Mutex
	next := 0
	return func(_ *connection.Connection) string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[next%len(ids)]
		next++
		return id
	}
}

func TestRegisterAndLookup(t *testing.T) {
	registry := connection.NewRegistry(nil)
	conn, _ := connectiontest.NewPipe(t, 0)

	id, err := registry.Register(conn)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, conn.ID())
	assert.Equal(t, session.Handshaking, conn.Session().State())

	got, err := registry.Lookup(id)
	require.NoError(t, err)
	assert.Same(t, conn, got)

	_, err = registry.Lookup("missing")
	assert.ErrorIs(t, err, connection.ErrNotFound)
}

func TestRegisterDuplicate(t *testing.T) {
	registry := connection.NewRegistry(fixedIDs("same"))
	a, _ := connectiontest.NewPipe(t, 0)
	b, _ := connectiontest.NewPipe(t, 0)

	_, err := registry.Register(a)
	require.NoError(t, err)
	_, err = registry.Register(b)
	assert.ErrorIs(t, err, connection.ErrDuplicateConnection)
	assert.Equal(t, 1, registry.Len())
}

func TestUnregisterClosesSessionAndLeavesGroups(t *testing.T) {
	registry := connection.NewRegistry(nil)
	conn, _ := connectiontest.NewPipe(t, 0)
	id, err := registry.Register(conn)
	require.NoError(t, err)
	require.NoError(t, conn.Session().Activate())
	require.NoError(t, registry.JoinGroup(id, "room1"))
	require.NoError(t, registry.JoinGroup(id, "room2"))

	removed, err := registry.Unregister(id)
	require.NoError(t, err)
	assert.Same(t, conn, removed)
	assert.True(t, conn.Session().IsClosed())
	assert.Empty(t, conn.Session().Groups())
	assert.Empty(t, registry.Groups())

	_, err = registry.Unregister(id)
	assert.ErrorIs(t, err, connection.ErrNotFound)
}

func TestGroupMembership(t *testing.T) {
	registry := connection.NewRegistry(fixedIDs("a", "b"))
	a, _ := connectiontest.NewPipe(t, 0)
	b, _ := connectiontest.NewPipe(t, 0)
	_, _ = registry.Register(a)
	_, _ = registry.Register(b)

	require.NoError(t, registry.JoinGroup("a", "room1"))
	require.NoError(t, registry.JoinGroup("b", "room1"))
	require.NoError(t, registry.JoinGroup("b", "room2"))
	assert.ErrorIs(t, registry.JoinGroup("c", "room1"), connection.ErrNotFound)

	assert.Equal(t, []string{"a", "b"}, registry.Members("room1"))
	assert.Equal(t, map[string]int{"room1": 2, "room2": 1}, registry.Groups())

	var visited []string
	registry.ForEachInGroup("room1", func(conn *connection.Connection) {
		visited = append(visited, conn.ID())
	})
	assert.Equal(t, []string{"a", "b"}, visited)

	require.NoError(t, registry.LeaveGroup("b", "room1"))
	assert.Equal(t, []string{"a"}, registry.Members("room1"))
	assert.Equal(t, []string{"room2"}, b.Session().Groups())

	left, err := registry.LeaveAllGroups("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"room2"}, left)
	assert.Equal(t, map[string]int{"room1": 1}, registry.Groups())
}

func TestGroupSnapshotIsolation(t *testing.T) {
	registry := connection.NewRegistry(fixedIDs("a", "b", "c"))
	for i := 0; i < 2; i++ {
		conn, _ := connectiontest.NewPipe(t, 0)
		id, err := registry.Register(conn)
		require.NoError(t, err)
		require.NoError(t, registry.JoinGroup(id, "room1"))
	}

	snapshot := registry.GroupSnapshot("room1")
	late, _ := connectiontest.NewPipe(t, 0)
	_, _ = registry.Register(late)
	require.NoError(t, registry.JoinGroup("c", "room1"))
	_, _ = registry.Unregister("a")

	assert.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].ID())
	assert.Equal(t, []string{"b", "c"}, registry.Members("room1"))
}

func TestForEachInGroupRunsWithoutLock(t *testing.T) {
	registry := connection.NewRegistry(nil)
	conn, _ := connectiontest.NewPipe(t, 0)
	id, _ := registry.Register(conn)
	require.NoError(t, registry.JoinGroup(id, "room1"))

	done := make(chan struct{})
	registry.ForEachInGroup("room1", func(conn *connection.Connection) {
		require.NoError(t, registry.LeaveGroup(conn.ID(), "room1"))
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback blocked on registry lock")
	}
}

// The live set must equal registered minus unregistered for any interleaving.
func TestRegistryLiveSet(t *testing.T) {
	registry := connection.NewRegistry(nil)
	expect := map[string]bool{}
	var ids []string
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		if len(ids) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(ids))
			id := ids[idx]
			ids = append(ids[:idx], ids[idx+1:]...)
			_, err := registry.Unregister(id)
			require.NoError(t, err)
			delete(expect, id)
			continue
		}
		conn, _ := connectiontest.NewPipe(t, 0)
		id, err := registry.Register(conn)
		require.NoError(t, err)
		_ = registry.JoinGroup(id, fmt.Sprintf("g%d", rng.Intn(4)))
		ids = append(ids, id)
		expect[id] = true
	}

	live := map[string]bool{}
	for _, conn := range registry.Snapshot() {
		live[conn.ID()] = true
	}
	assert.Equal(t, expect, live)

	members := 0
	for _, count := range registry.Groups() {
		members += count
	}
	assert.Equal(t, len(expect), members)
}

func TestRegistryConcurrent(t *testing.T) {
	registry := connection.NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		conn, _ := connectiontest.NewPipe(t, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := registry.Register(conn)
			if err != nil {
				t.Error(err)
				return
			}
			_ = registry.JoinGroup(id, "room1")
			_ = registry.GroupSnapshot("room1")
			if _, err := registry.Unregister(id); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, registry.Len())
	assert.Empty(t, registry.Groups())
}

func TestAddressKey(t *testing.T) {
	registry := connection.NewRegistry(connection.IDFuncFor("address"))
	a, _ := connectiontest.NewPipe(t, 0)
	b, _ := connectiontest.NewPipe(t, 0)

	id, err := registry.Register(a)
	require.NoError(t, err)
	assert.Len(t, id, 8)

	// net.Pipe reports the same address for every pipe.
	_, err = registry.Register(b)
	assert.True(t, errors.Is(err, connection.ErrDuplicateConnection))
}

func TestConnectionSendAndDrain(t *testing.T) {
	conn, peer := connectiontest.NewPipe(t, 4)
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Send(protocol.NewFrame(protocol.Notification, []byte(fmt.Sprintf(`{"subtype":"n%d"}`, i)))))
	}
	require.NoError(t, conn.Drain(time.Second))
	assert.False(t, conn.Alive())
	assert.ErrorIs(t, conn.Send(protocol.NewFrame(protocol.Notification, nil)), connection.ErrConnectionClosed)

	for i := 0; i < 3; i++ {
		f := peer.Next(time.Second)
		require.NotNil(t, f)
		assert.Equal(t, fmt.Sprintf(`{"subtype":"n%d"}`, i), string(f.Payload))
	}
}

func TestConnectionSendAfterPeerGone(t *testing.T) {
	conn, peer := connectiontest.NewPipe(t, 1)
	require.NoError(t, peer.Close())

	var err error
	for i := 0; i < 8 && err == nil; i++ {
		err = conn.Send(protocol.NewFrame(protocol.Notification, []byte("x")))
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, connection.ErrSendBufferFull) || errors.Is(err, connection.ErrConnectionClosed))
}

func TestConnectionAbort(t *testing.T) {
	conn, _ := connectiontest.NewPipe(t, 0)
	conn.Abort()
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("write loop did not stop")
	}
	assert.ErrorIs(t, conn.Send(protocol.NewFrame(protocol.Notification, nil)), connection.ErrConnectionClosed)
}
