// Package coordinator is the synchronization engine. It accepts peers,
// registers them, applies their note operations to the store and fans the
// resulting changes out to every other peer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"note-sync-server/internal/config"
	"note-sync-server/internal/domain"
	"note-sync-server/internal/network"
	"note-sync-server/internal/protocol"
	"note-sync-server/internal/registry"
	"note-sync-server/internal/service"
	"note-sync-server/internal/workerpool"
)

var ErrStopped = errors.New("coordinator stopped")

type Coordinator struct {
	cfg      *config.Config
	store    *service.NoteService
	sync     *service.SyncService
	registry *registry.Registry
	validate *validator.Validate
	logger   *log.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	pool     *workerpool.Pool
	listener net.Listener
	datagram *network.DatagramChannel

	// live holds every open connection, registered or not, so Stop can
	// reach the ones still waiting for CONNECT.
	liveMu sync.Mutex
	live   map[string]*network.Connection

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	wg        sync.WaitGroup
}

func New(cfg *config.Config, store *service.NoteService, logger *log.Logger) *Coordinator {
	logger = logger.WithPrefix("sync")

	return &Coordinator{
		cfg:      cfg,
		store:    store,
		sync:     service.NewSyncService(store, cfg.Sync.BatchSize),
		registry: registry.New(cfg.Server.MaxClients, logger),
		validate: validator.New(),
		logger:   logger,
		live:     make(map[string]*network.Connection),
		stopped:  make(chan struct{}),
	}
}

// Start binds the stream and datagram ports and launches the accept loop
// and the liveness sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	err := ErrStopped
	c.startOnce.Do(func() { err = c.start(ctx) })
	return err
}

func (c *Coordinator) start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.pool = workerpool.New(c.ctx, c.cfg.Server.WorkerPoolSize, c.logger)

	ln, err := net.Listen("tcp", c.cfg.Server.StreamAddr())
	if err != nil {
		c.cancel()
		return fmt.Errorf("failed to listen on stream port: %w", err)
	}
	c.listener = ln

	dg, err := network.ListenDatagram(c.cfg.Server.DatagramAddr(), c.pool, c.handleDatagram, c.logger)
	if err != nil {
		ln.Close()
		c.cancel()
		return err
	}
	c.datagram = dg
	if err := dg.Start(); err != nil {
		dg.Close()
		ln.Close()
		c.cancel()
		return fmt.Errorf("failed to start datagram channel: %w", err)
	}

	c.wg.Add(2)
	go c.acceptLoop()
	go c.sweepLoop()

	c.logger.Info("listening",
		"stream", ln.Addr().String(),
		"datagram", dg.LocalAddr().String(),
		"heartbeat", c.cfg.Sync.HeartbeatInterval,
		"max_clients", c.cfg.Server.MaxClients,
	)
	return nil
}

// StreamAddr is the bound stream address, useful when the configured port
// is 0.
func (c *Coordinator) StreamAddr() net.Addr {
	return c.listener.Addr()
}

func (c *Coordinator) DatagramAddr() *net.UDPAddr {
	return c.datagram.LocalAddr()
}

// Stop closes the listener and the datagram channel, disconnects every
// client, waits for the worker pool to drain up to the shutdown timeout and
// closes the store.
func (c *Coordinator) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.listener == nil {
			return
		}

		c.listener.Close()
		c.datagram.Close()

		n := c.registry.DisconnectAll()
		for _, conn := range c.liveConnections() {
			conn.Close()
		}
		c.logger.Info("disconnected clients", "count", n)

		if perr := c.pool.Shutdown(c.cfg.Server.ShutdownTimeout); perr != nil {
			err = perr
		}
		c.cancel()
		c.wg.Wait()

		if serr := c.store.Close(); serr != nil && err == nil {
			err = fmt.Errorf("failed to close store: %w", serr)
		}
		c.logger.Info("stopped")
	})
	return err
}

func (c *Coordinator) isStopped() bool {
	select {
	case <-c.stopped:
		return true
	default:
		return false
	}
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()

	for {
		raw, err := c.listener.Accept()
		if err != nil {
			if c.isStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("accept failed", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if err := c.pool.Submit(func(context.Context) { c.setupStream(raw) }); err != nil {
			c.logger.Warn("refusing connection", "remote", raw.RemoteAddr(), "err", err)
			raw.Close()
		}
	}
}

func (c *Coordinator) setupStream(raw net.Conn) {
	t, err := network.NewStreamTransport(raw, c.cfg.Sync.MaxFrameSize, c.cfg.Sync.ConnectionTimeout)
	if err != nil {
		c.logger.Warn("handshake failed", "remote", raw.RemoteAddr(), "err", err)
		raw.Close()
		return
	}
	c.bind(t, "")
}

// ServeWebSocket binds an upgraded WebSocket to a new connection. A
// non-empty clientID is the identity the HTTP layer authenticated; CONNECT
// must then announce that same id.
func (c *Coordinator) ServeWebSocket(ws *websocket.Conn, clientID string) {
	t := network.NewWebSocketTransport(ws, network.WebSocketOptions{
		MaxMessageSize: int64(c.cfg.Sync.MaxFrameSize),
		WriteWait:      c.cfg.WebSocket.WriteWait,
		PongWait:       c.cfg.WebSocket.PongWait,
		PingPeriod:     c.cfg.WebSocket.PingPeriod,
	})
	c.bind(t, clientID)
}

func (c *Coordinator) bind(t network.Transport, claimedID string) *network.Connection {
	opts := network.ConnectionOptions{
		OnMessage: func(conn *network.Connection, env *protocol.Envelope) {
			c.dispatch(conn, env, claimedID)
		},
		OnClose:   c.connectionClosed,
		Logger:    c.logger,
	}
	if c.cfg.RateLimit.Enabled {
		perMinute := c.cfg.RateLimit.MessagesPerMinute
		opts.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		opts.OnRateLimited = c.rateLimited
	}

	conn := network.NewConnection(t, opts)

	// Checked under liveMu so Stop either sees conn or conn sees Stop.
	c.liveMu.Lock()
	if c.isStopped() {
		c.liveMu.Unlock()
		t.Close()
		return nil
	}
	c.live[conn.ID()] = conn
	c.liveMu.Unlock()

	conn.Start()

	time.AfterFunc(c.cfg.Sync.ConnectionTimeout, func() {
		if _, ok := c.registry.IDOf(conn); !ok && conn.IsOpen() {
			c.logger.Warn("no CONNECT before timeout", "remote", conn.RemoteAddr())
			conn.Close()
		}
	})

	c.logger.Debug("connection opened", "remote", conn.RemoteAddr())
	return conn
}

func (c *Coordinator) connectionClosed(conn *network.Connection, cause error) {
	c.liveMu.Lock()
	delete(c.live, conn.ID())
	c.liveMu.Unlock()

	if id, ok := c.registry.RemoveByConnection(conn); ok {
		if cause != nil {
			c.logger.Info("client dropped", "client", id, "err", cause)
		} else {
			c.logger.Info("client disconnected", "client", id)
		}
	}
}

func (c *Coordinator) liveConnections() []*network.Connection {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()

	out := make([]*network.Connection, 0, len(c.live))
	for _, conn := range c.live {
		out = append(out, conn)
	}
	return out
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Sync.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if evicted := c.registry.SweepLiveness(c.cfg.Sync.LivenessTimeout); len(evicted) > 0 {
				c.logger.Info("liveness sweep", "evicted", len(evicted), "remaining", c.registry.Count())
			}
		}
	}
}

func (c *Coordinator) Stats() domain.ServerStats {
	return domain.ServerStats{
		Notes:   c.store.Stats(),
		Clients: c.registry.Stats(),
	}
}

func (c *Coordinator) Clients() []domain.ClientInfo {
	return c.registry.List()
}

// Store exposes the note store for read-only callers such as the HTTP API.
func (c *Coordinator) Store() *service.NoteService {
	return c.store
}
