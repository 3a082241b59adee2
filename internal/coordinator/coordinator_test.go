package coordinator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"note-sync-server/internal/config"
	"note-sync-server/internal/domain"
	"note-sync-server/internal/logging"
	"note-sync-server/internal/network"
	"note-sync-server/internal/protocol"
	"note-sync-server/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			PublicHost:      "127.0.0.1",
			MaxClients:      10,
			WorkerPoolSize:  16,
			ShutdownTimeout: time.Second,
		},
		Sync: config.SyncConfig{
			HeartbeatInterval: time.Second,
			LivenessTimeout:   3 * time.Second,
			ConnectionTimeout: 2 * time.Second,
			BatchSize:         10,
			MaxFrameSize:      protocol.DefaultMaxFrameSize,
		},
		Database:  config.DatabaseConfig{Driver: "memory"},
		RateLimit: config.RateLimitConfig{MessagesPerMinute: 600},
		WebSocket: config.WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			WriteWait:       time.Second,
			PongWait:        time.Second,
			PingPeriod:      500 * time.Millisecond,
		},
	}
}

func startCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()

	store, err := service.NewNoteService(context.Background(), nil, logging.Discard())
	require.NoError(t, err)

	c := New(cfg, store, logging.Discard())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })
	return c
}

type peer struct {
	id   string
	conn *network.Connection
	got  chan *protocol.Envelope
}

func dial(t *testing.T, c *Coordinator, id string) *peer {
	t.Helper()

	raw, err := net.Dial("tcp", c.StreamAddr().String())
	require.NoError(t, err)
	tr, err := network.NewStreamTransport(raw, protocol.DefaultMaxFrameSize, time.Second)
	require.NoError(t, err)

	p := &peer{id: id, got: make(chan *protocol.Envelope, 64)}
	p.conn = network.NewConnection(tr, network.ConnectionOptions{
		OnMessage: func(_ *network.Connection, env *protocol.Envelope) { p.got <- env },
		Logger:    logging.Discard(),
	})
	p.conn.Start()
	t.Cleanup(func() { p.conn.Close() })
	return p
}

// dialWebSocket opens a WebSocket peer whose server side carries claimedID
// as its authenticated identity.
func dialWebSocket(t *testing.T, c *Coordinator, id, claimedID string) *peer {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.ServeWebSocket(ws, claimedID)
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	p := &peer{id: id, got: make(chan *protocol.Envelope, 64)}
	p.conn = network.NewConnection(network.NewWebSocketTransport(ws, network.WebSocketOptions{
		MaxMessageSize: protocol.DefaultMaxFrameSize,
		WriteWait:      time.Second,
		PongWait:       5 * time.Second,
		PingPeriod:     time.Second,
	}), network.ConnectionOptions{
		OnMessage: func(_ *network.Connection, env *protocol.Envelope) { p.got <- env },
		Logger:    logging.Discard(),
	})
	p.conn.Start()
	t.Cleanup(func() { p.conn.Close() })
	return p
}

func (p *peer) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-p.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: server did not close the connection", p.id)
	}
}

// connect dials and completes the CONNECT exchange, draining the ack and the
// initial snapshot.
func connect(t *testing.T, c *Coordinator, id string) (*peer, *protocol.SyncResponse) {
	t.Helper()

	p := dial(t, c, id)
	p.send(t, &protocol.Connect{Client: domain.ClientInfo{ClientID: id, Name: id}})

	ack := p.next(t)
	require.Equal(t, protocol.TypeConnectAck, ack.Type())
	assert.Equal(t, id, ack.Payload.(*protocol.ConnectAck).ClientID)

	snap := p.next(t)
	require.Equal(t, protocol.TypeSyncResponse, snap.Type())
	return p, snap.Payload.(*protocol.SyncResponse)
}

func (p *peer) send(t *testing.T, payload protocol.Payload) *protocol.Envelope {
	t.Helper()
	env := protocol.New(p.id, payload)
	require.NoError(t, p.conn.Send(env))
	return env
}

func (p *peer) next(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-p.got:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for a message", p.id)
		return nil
	}
}

func (p *peer) expectError(t *testing.T, code string) *protocol.Error {
	t.Helper()
	env := p.next(t)
	require.Equal(t, protocol.TypeError, env.Type())
	e := env.Payload.(*protocol.Error)
	assert.Equal(t, code, e.Code)
	return e
}

// ping proves nothing else is queued for the peer: the ack must be the very
// next message.
func (p *peer) ping(t *testing.T) {
	t.Helper()
	p.send(t, &protocol.Heartbeat{ClientID: p.id})
	env := p.next(t)
	require.Equal(t, protocol.TypeHeartbeatAck, env.Type(), "unexpected %s before heartbeat ack", env.Type())
}

func TestConnectReturnsAckAndSnapshot(t *testing.T) {
	c := startCoordinator(t, testConfig())
	_, err := c.Store().Create(context.Background(), &domain.Note{ID: "seed", Title: "hello"})
	require.NoError(t, err)

	_, snap := connect(t, c, "alice")

	assert.True(t, snap.FullSync)
	assert.True(t, snap.Success)
	require.Len(t, snap.Notes, 1)
	assert.Equal(t, "seed", snap.Notes[0].ID)
	assert.Equal(t, int64(1), snap.SyncVersion)

	require.Len(t, c.Clients(), 1)
	assert.Equal(t, "alice", c.Clients()[0].ClientID)
	assert.Equal(t, "127.0.0.1", c.Clients()[0].Address)
}

func TestMessagesBeforeConnectAreRefused(t *testing.T) {
	c := startCoordinator(t, testConfig())
	p := dial(t, c, "anon")

	env := p.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "x"}})
	e := p.expectError(t, protocol.CodeNotConnected)

	assert.Equal(t, env.MessageID, e.RefID)
	assert.Equal(t, 0, c.Store().Count())
}

func TestCreateIsBroadcastToOthersOnly(t *testing.T) {
	c := startCoordinator(t, testConfig())
	alice, _ := connect(t, c, "alice")
	bob, _ := connect(t, c, "bob")
	carol, _ := connect(t, c, "carol")

	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "n1", Title: "groceries", Body: "milk"}})

	for _, p := range []*peer{bob, carol} {
		env := p.next(t)
		require.Equal(t, protocol.TypeNoteCreated, env.Type())
		assert.Equal(t, "alice", env.SenderID)

		note := env.Payload.(*protocol.NoteCreated).Note
		assert.Equal(t, "n1", note.ID)
		assert.Equal(t, "milk", note.Body)
		assert.Equal(t, "alice", note.AuthorID)
		assert.Equal(t, int64(1), note.Version)
	}

	alice.ping(t)

	stored, ok := c.Store().Get("n1")
	require.True(t, ok)
	assert.Equal(t, "groceries", stored.Title)
}

func TestUpdateAndDeleteAreBroadcast(t *testing.T) {
	c := startCoordinator(t, testConfig())
	alice, _ := connect(t, c, "alice")
	bob, _ := connect(t, c, "bob")

	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "n1", Title: "v1"}})
	require.Equal(t, protocol.TypeNoteCreated, bob.next(t).Type())

	bob.send(t, &protocol.NoteUpdate{Note: domain.Note{ID: "n1", Title: "v2", Version: 2}})
	env := alice.next(t)
	require.Equal(t, protocol.TypeNoteUpdated, env.Type())
	assert.Equal(t, "v2", env.Payload.(*protocol.NoteUpdated).Note.Title)
	assert.Equal(t, int64(2), env.Payload.(*protocol.NoteUpdated).Note.Version)
	bob.ping(t)

	alice.send(t, &protocol.NoteDelete{NoteID: "n1"})
	env = bob.next(t)
	require.Equal(t, protocol.TypeNoteDeleted, env.Type())
	deleted := env.Payload.(*protocol.NoteDeleted)
	assert.Equal(t, "n1", deleted.NoteID)
	assert.Equal(t, c.Store().Version(), deleted.Seq)

	assert.Equal(t, 0, c.Store().Count())
}

func TestStaleUpdateIsRejectedWithoutBroadcast(t *testing.T) {
	c := startCoordinator(t, testConfig())
	alice, _ := connect(t, c, "alice")
	bob, _ := connect(t, c, "bob")

	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "n1"}})
	bob.next(t)
	alice.send(t, &protocol.NoteUpdate{Note: domain.Note{ID: "n1", Title: "new", Version: 5}})
	bob.next(t)

	env := bob.send(t, &protocol.NoteUpdate{Note: domain.Note{ID: "n1", Title: "old", Version: 2}})
	e := bob.expectError(t, protocol.CodeVersionConflict)
	assert.Equal(t, env.MessageID, e.RefID)

	alice.ping(t)
	stored, _ := c.Store().Get("n1")
	assert.Equal(t, "new", stored.Title)
}

func TestApplicationErrorsKeepConnectionOpen(t *testing.T) {
	c := startCoordinator(t, testConfig())
	alice, _ := connect(t, c, "alice")

	alice.send(t, &protocol.NoteUpdate{Note: domain.Note{ID: "missing", Version: 1}})
	alice.expectError(t, protocol.CodeNotFound)

	alice.send(t, &protocol.NoteDelete{NoteID: "missing"})
	alice.expectError(t, protocol.CodeNotFound)

	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "dup"}})
	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "dup"}})
	alice.expectError(t, protocol.CodeAlreadyExists)

	alice.send(t, &protocol.NoteDelete{})
	alice.expectError(t, protocol.CodeBadRequest)

	alice.ping(t)
	assert.True(t, alice.conn.IsOpen())
}

func TestIncrementalSyncRequest(t *testing.T) {
	c := startCoordinator(t, testConfig())
	alice, snap := connect(t, c, "alice")

	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "a"}})
	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "b"}})
	alice.send(t, &protocol.NoteDelete{NoteID: "a"})
	alice.send(t, &protocol.SyncRequest{SyncRequest: domain.SyncRequest{LastSyncVersion: snap.SyncVersion}})

	env := alice.next(t)
	require.Equal(t, protocol.TypeSyncResponse, env.Type())
	resp := env.Payload.(*protocol.SyncResponse)

	assert.False(t, resp.FullSync)
	assert.Equal(t, "alice", resp.ClientID)
	require.Len(t, resp.Notes, 1)
	assert.Equal(t, "b", resp.Notes[0].ID)
	assert.Equal(t, []string{"a"}, resp.DeletedNoteIDs)
	assert.Equal(t, int64(3), resp.SyncVersion)
}

func TestFullSyncRequestAfterConnect(t *testing.T) {
	c := startCoordinator(t, testConfig())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Store().Create(ctx, &domain.Note{ID: id})
		require.NoError(t, err)
	}
	_, _, err := c.Store().Delete(ctx, "b")
	require.NoError(t, err)

	alice, _ := connect(t, c, "alice")
	alice.send(t, &protocol.SyncRequest{SyncRequest: domain.SyncRequest{FullSync: true}})

	env := alice.next(t)
	require.Equal(t, protocol.TypeSyncResponse, env.Type())
	resp := env.Payload.(*protocol.SyncResponse)

	assert.True(t, resp.FullSync)
	assert.True(t, resp.Success)
	ids := []string{}
	for _, n := range resp.Notes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
	assert.Empty(t, resp.DeletedNoteIDs)
	assert.Equal(t, c.Store().Version(), resp.SyncVersion)
	assert.Equal(t, int64(4), resp.SyncVersion)
}

func TestWebSocketConnectMustMatchTokenIdentity(t *testing.T) {
	c := startCoordinator(t, testConfig())
	phone, _ := connect(t, c, "phone")

	impostor := dialWebSocket(t, c, "phone", "laptop")
	impostor.send(t, &protocol.Connect{Client: domain.ClientInfo{ClientID: "phone"}})
	impostor.expectError(t, protocol.CodeForbidden)
	impostor.waitClosed(t)

	require.Len(t, c.Clients(), 1)
	assert.True(t, phone.conn.IsOpen(), "refused CONNECT must not evict the real client")
	phone.ping(t)

	laptop := dialWebSocket(t, c, "laptop", "laptop")
	laptop.send(t, &protocol.Connect{Client: domain.ClientInfo{ClientID: "laptop"}})
	require.Equal(t, protocol.TypeConnectAck, laptop.next(t).Type())
	require.Equal(t, protocol.TypeSyncResponse, laptop.next(t).Type())
	assert.Len(t, c.Clients(), 2)
}

func TestWebSocketWithoutTokenAcceptsAnyID(t *testing.T) {
	c := startCoordinator(t, testConfig())

	p := dialWebSocket(t, c, "tablet", "")
	p.send(t, &protocol.Connect{Client: domain.ClientInfo{ClientID: "tablet"}})
	require.Equal(t, protocol.TypeConnectAck, p.next(t).Type())
	require.Equal(t, protocol.TypeSyncResponse, p.next(t).Type())
	p.ping(t)
}

func TestDisconnectUnregisters(t *testing.T) {
	c := startCoordinator(t, testConfig())
	alice, _ := connect(t, c, "alice")
	bob, _ := connect(t, c, "bob")

	alice.send(t, &protocol.Disconnect{Reason: "bye"})

	select {
	case <-alice.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not close the connection")
	}
	require.Eventually(t, func() bool { return len(c.Clients()) == 1 }, 2*time.Second, 10*time.Millisecond)

	bob.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "after"}})
	bob.ping(t)
}

func TestRegistryFullRefusesClient(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxClients = 1
	c := startCoordinator(t, cfg)
	connect(t, c, "alice")

	bob := dial(t, c, "bob")
	bob.send(t, &protocol.Connect{Client: domain.ClientInfo{ClientID: "bob"}})
	bob.expectError(t, protocol.CodeCapacity)

	bob.waitClosed(t)
	assert.Len(t, c.Clients(), 1)
}

func TestRateLimitedMessagesGetAnError(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, MessagesPerMinute: 2}
	c := startCoordinator(t, cfg)
	alice, _ := connect(t, c, "alice")

	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "ok"}})
	alice.send(t, &protocol.NoteCreate{Note: domain.Note{ID: "throttled"}})
	alice.expectError(t, protocol.CodeRateLimited)

	_, ok := c.Store().Get("throttled")
	assert.False(t, ok)
}

func TestSilentClientIsSwept(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.HeartbeatInterval = 50 * time.Millisecond
	cfg.Sync.LivenessTimeout = 150 * time.Millisecond
	c := startCoordinator(t, cfg)
	alice, _ := connect(t, c, "alice")

	select {
	case <-alice.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent client was not swept")
	}
	assert.Empty(t, c.Clients())
}

func TestDatagramHeartbeatIsAcked(t *testing.T) {
	c := startCoordinator(t, testConfig())
	connect(t, c, "alice")

	udp, err := net.DialUDP("udp", nil, c.DatagramAddr())
	require.NoError(t, err)
	defer udp.Close()

	packet, err := protocol.EncodeDatagram(protocol.New("alice", &protocol.Heartbeat{ClientID: "alice"}))
	require.NoError(t, err)
	_, err = udp.Write(packet)
	require.NoError(t, err)

	require.NoError(t, udp.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := udp.Read(buf)
	require.NoError(t, err)

	env, err := protocol.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHeartbeatAck, env.Type())
	assert.Equal(t, "alice", env.Payload.(*protocol.HeartbeatAck).ClientID)
}

func TestDatagramSyncRequestReturnsRecentBatch(t *testing.T) {
	cfg := testConfig()
	cfg.Sync.BatchSize = 2
	c := startCoordinator(t, cfg)
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Store().Create(context.Background(), &domain.Note{ID: id})
		require.NoError(t, err)
	}
	connect(t, c, "alice")

	udp, err := net.DialUDP("udp", nil, c.DatagramAddr())
	require.NoError(t, err)
	defer udp.Close()

	packet, err := protocol.EncodeDatagram(protocol.New("alice", &protocol.SyncRequest{}))
	require.NoError(t, err)
	_, err = udp.Write(packet)
	require.NoError(t, err)

	require.NoError(t, udp.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := udp.Read(buf)
	require.NoError(t, err)

	env, err := protocol.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Equal(t, protocol.TypeSyncResponse, env.Type())
	resp := env.Payload.(*protocol.SyncResponse)
	assert.Len(t, resp.Notes, 2)
	assert.Equal(t, int64(3), resp.SyncVersion)
}

// exchangeDatagram writes env from udp and reports whether any reply arrived.
func exchangeDatagram(t *testing.T, udp *net.UDPConn, env *protocol.Envelope) bool {
	t.Helper()

	packet, err := protocol.EncodeDatagram(env)
	require.NoError(t, err)
	_, err = udp.Write(packet)
	require.NoError(t, err)

	require.NoError(t, udp.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, protocol.MaxDatagramSize)
	_, err = udp.Read(buf)
	return err == nil
}

func TestDatagramsFromUnknownSourcesAreIgnored(t *testing.T) {
	c := startCoordinator(t, testConfig())

	own, err := net.DialUDP("udp", nil, c.DatagramAddr())
	require.NoError(t, err)
	defer own.Close()
	other, err := net.DialUDP("udp", nil, c.DatagramAddr())
	require.NoError(t, err)
	defer other.Close()

	alice := dial(t, c, "alice")
	alice.send(t, &protocol.Connect{Client: domain.ClientInfo{
		ClientID: "alice",
		Port:     own.LocalAddr().(*net.UDPAddr).Port,
	}})
	require.Equal(t, protocol.TypeConnectAck, alice.next(t).Type())

	heartbeat := func(id string) *protocol.Envelope {
		return protocol.New(id, &protocol.Heartbeat{ClientID: id})
	}

	assert.False(t, exchangeDatagram(t, other, heartbeat("ghost")), "unregistered client")
	assert.False(t, exchangeDatagram(t, other, protocol.New("ghost", &protocol.SyncRequest{})), "unregistered sync")
	assert.False(t, exchangeDatagram(t, other, heartbeat("alice")), "wrong source port")
	assert.False(t, exchangeDatagram(t, other, protocol.New("alice", &protocol.SyncRequest{})), "wrong source port sync")
	assert.True(t, exchangeDatagram(t, own, heartbeat("alice")))
}

func TestStopDisconnectsEveryone(t *testing.T) {
	c := startCoordinator(t, testConfig())
	alice, _ := connect(t, c, "alice")
	lurker := dial(t, c, "lurker")

	require.NoError(t, c.Stop())

	for _, p := range []*peer{alice, lurker} {
		select {
		case <-p.conn.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("%s still connected after stop", p.id)
		}
	}

	_, err := net.DialTimeout("tcp", c.StreamAddr().String(), 200*time.Millisecond)
	assert.Error(t, err)
	assert.NoError(t, c.Stop())
}
