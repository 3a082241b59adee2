package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"note-sync-server/internal/domain"
	"note-sync-server/internal/logging"
	"note-sync-server/internal/network"
	"note-sync-server/internal/protocol"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []*protocol.Envelope
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return network.ErrConnectionClosed
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func info(id string) domain.ClientInfo {
	return domain.ClientInfo{ClientID: id, Name: "client " + id}
}

func TestAddTwiceKeepsOneRegistration(t *testing.T) {
	r := New(10, logging.Discard())
	first := newFakeConn("c1")
	second := newFakeConn("c2")

	require.NoError(t, r.Add(info("alice"), first))
	require.NoError(t, r.Add(info("alice"), second))

	assert.Equal(t, 1, r.Count())
	assert.False(t, first.IsOpen(), "replaced connection is closed")
	assert.True(t, second.IsOpen())

	_, ok := r.IDOf(first)
	assert.False(t, ok, "stale connection mapping removed")
	id, ok := r.IDOf(second)
	require.True(t, ok)
	assert.Equal(t, "alice", id)
}

func TestAddSameConnectionTwiceKeepsItOpen(t *testing.T) {
	r := New(10, logging.Discard())
	conn := newFakeConn("c1")

	require.NoError(t, r.Add(info("alice"), conn))
	require.NoError(t, r.Add(info("alice"), conn))

	assert.Equal(t, 1, r.Count())
	assert.True(t, conn.IsOpen())
}

func TestAddRebindsConnectionToNewID(t *testing.T) {
	r := New(10, logging.Discard())
	conn := newFakeConn("c1")

	require.NoError(t, r.Add(info("alice"), conn))
	require.NoError(t, r.Add(info("bob"), conn))

	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("alice")
	assert.False(t, ok)
	id, _ := r.IDOf(conn)
	assert.Equal(t, "bob", id)
}

func TestAddEnforcesCapacity(t *testing.T) {
	r := New(2, logging.Discard())

	require.NoError(t, r.Add(info("a"), newFakeConn("1")))
	require.NoError(t, r.Add(info("b"), newFakeConn("2")))
	assert.ErrorIs(t, r.Add(info("c"), newFakeConn("3")), ErrRegistryFull)

	// Reconnecting an existing id does not need a free slot.
	assert.NoError(t, r.Add(info("a"), newFakeConn("4")))
	assert.Equal(t, 2, r.Count())
}

func TestRemoveTearsDownAllMappings(t *testing.T) {
	r := New(10, logging.Discard())
	conn := newFakeConn("c1")
	require.NoError(t, r.Add(info("alice"), conn))

	assert.True(t, r.Remove("alice"))
	assert.False(t, r.Remove("alice"))

	assert.False(t, conn.IsOpen())
	_, ok := r.IDOf(conn)
	assert.False(t, ok)
	assert.Zero(t, r.Count())
}

func TestRemoveByConnection(t *testing.T) {
	r := New(10, logging.Discard())
	conn := newFakeConn("c1")
	require.NoError(t, r.Add(info("alice"), conn))

	id, ok := r.RemoveByConnection(conn)
	assert.True(t, ok)
	assert.Equal(t, "alice", id)
	_, ok = r.RemoveByConnection(conn)
	assert.False(t, ok)
	assert.False(t, conn.IsOpen())
}

func TestBroadcastSkipsSenderAndEvictsClosedClient(t *testing.T) {
	r := New(10, logging.Discard())

	const n = 5
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprint(i))
		require.NoError(t, r.Add(info(fmt.Sprintf("client-%d", i)), conns[i]))
	}

	conns[3].Close()

	delivered := r.Broadcast(protocol.New("client-0", &protocol.NoteDeleted{NoteID: "n"}), "client-0")

	assert.Equal(t, n-2, delivered)
	assert.Zero(t, conns[0].sentCount(), "sender gets no echo")
	assert.Equal(t, 1, conns[1].sentCount())
	assert.Equal(t, n-1, r.Count())
	_, ok := r.Get("client-3")
	assert.False(t, ok)
}

func TestBroadcastToAllWithOneClosed(t *testing.T) {
	r := New(10, logging.Discard())

	const n = 4
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprint(i))
		require.NoError(t, r.Add(info(fmt.Sprintf("client-%d", i)), conns[i]))
	}
	conns[0].Close()

	delivered := r.Broadcast(protocol.New(protocol.ServerID, &protocol.HeartbeatAck{}), "")

	assert.Equal(t, n-1, delivered)
	assert.Equal(t, n-1, r.Count())
}

func TestSendToEvictsOnFailure(t *testing.T) {
	r := New(10, logging.Discard())
	conn := newFakeConn("c1")
	require.NoError(t, r.Add(info("alice"), conn))

	require.NoError(t, r.SendTo("alice", protocol.New(protocol.ServerID, &protocol.HeartbeatAck{})))
	assert.ErrorIs(t, r.SendTo("nobody", protocol.New(protocol.ServerID, &protocol.HeartbeatAck{})), ErrClientNotFound)

	conn.Close()
	assert.Error(t, r.SendTo("alice", protocol.New(protocol.ServerID, &protocol.HeartbeatAck{})))
	assert.Zero(t, r.Count())
}

func TestSweepEvictsSilentClients(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(10, logging.Discard(), WithClock(clock.Now))
	heartbeat := 30 * time.Second

	quiet := newFakeConn("q")
	chatty := newFakeConn("c")
	require.NoError(t, r.Add(info("quiet"), quiet))
	require.NoError(t, r.Add(info("chatty"), chatty))

	clock.Advance(45 * time.Second)
	r.Touch("chatty")
	assert.Empty(t, r.SweepLiveness(2*heartbeat))

	clock.Advance(20 * time.Second)
	evicted := r.SweepLiveness(2 * heartbeat)

	assert.Equal(t, []string{"quiet"}, evicted)
	assert.False(t, quiet.IsOpen())
	assert.True(t, chatty.IsOpen())
	_, ok := r.Get("quiet")
	assert.False(t, ok)
	assert.Equal(t, 1, r.OnlineCount())
}

func TestDisconnectAll(t *testing.T) {
	r := New(10, logging.Discard())
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, r.Add(info("a"), a))
	require.NoError(t, r.Add(info("b"), b))

	assert.Equal(t, 2, r.DisconnectAll())
	assert.Zero(t, r.Count())
	assert.False(t, a.IsOpen())
	assert.False(t, b.IsOpen())
}

func TestStatsAndList(t *testing.T) {
	r := New(7, logging.Discard())
	require.NoError(t, r.Add(info("b"), newFakeConn("2")))
	require.NoError(t, r.Add(info("a"), newFakeConn("1")))

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Online)
	assert.Equal(t, 7, stats.Max)
	require.Len(t, stats.Clients, 2)
	assert.Equal(t, "a", stats.Clients[0].ClientID)
}

func TestConcurrentAddRemoveBroadcast(t *testing.T) {
	r := New(0, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("client-%d", i%4)
			for j := 0; j < 100; j++ {
				conn := newFakeConn(fmt.Sprintf("%d-%d", i, j))
				_ = r.Add(info(id), conn)
				r.Broadcast(protocol.New(id, &protocol.HeartbeatAck{}), id)
				if j%3 == 0 {
					r.RemoveByConnection(conn)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Count(), 4)
	for _, c := range r.List() {
		_, ok := r.Get(c.ClientID)
		assert.True(t, ok)
	}
}
