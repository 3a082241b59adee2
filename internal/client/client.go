// Package client is a headless sync peer. It keeps a local replica of the
// note set, applies pushes from the server and reconnects on its own.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"note-sync-server/internal/config"
	"note-sync-server/internal/domain"
	"note-sync-server/internal/network"
	"note-sync-server/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("client closed")
	ErrUnknownNote  = errors.New("unknown note")
)

type Options struct {
	ClientID string
	Name     string

	StreamAddr   string
	DatagramAddr string

	MaxFrameSize   int
	ConnectTimeout time.Duration
	// HeartbeatInterval is used until the server announces its own.
	HeartbeatInterval time.Duration

	AutoReconnect    bool
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Logger *log.Logger
}

func OptionsFromConfig(cfg *config.Config, clientID, name string) Options {
	return Options{
		ClientID:          clientID,
		Name:              name,
		StreamAddr:        net.JoinHostPort(cfg.Server.PublicHost, strconv.Itoa(cfg.Server.StreamPort)),
		DatagramAddr:      net.JoinHostPort(cfg.Server.PublicHost, strconv.Itoa(cfg.Server.DatagramPort)),
		MaxFrameSize:      cfg.Sync.MaxFrameSize,
		ConnectTimeout:    cfg.Sync.ConnectionTimeout,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		AutoReconnect:     cfg.Sync.AutoReconnect,
		ReconnectInitial:  500 * time.Millisecond,
		ReconnectMax:      30 * time.Second,
	}
}

func (o *Options) setDefaults() {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventCreated      EventKind = "created"
	EventUpdated      EventKind = "updated"
	EventDeleted      EventKind = "deleted"
	EventSynced       EventKind = "synced"
	EventError        EventKind = "error"
)

type Event struct {
	Kind   EventKind
	Note   *domain.Note
	NoteID string
	// From is the client whose change caused the event.
	From string
	Err  error
}

// session is one stream connection and the handshake state tied to it.
type session struct {
	conn  *network.Connection
	ready chan error
}

type Client struct {
	opts   Options
	logger *log.Logger
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	session   *session
	udp       *net.UDPConn
	heartbeat time.Duration
	notes     map[string]*domain.Note
	watermark int64
	closed    bool

	reconnecting sync.Mutex
	datagramOnce sync.Once
}

func New(opts Options) *Client {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		opts:      opts,
		logger:    opts.Logger.WithPrefix("client"),
		events:    make(chan Event, 256),
		ctx:       ctx,
		cancel:    cancel,
		heartbeat: opts.HeartbeatInterval,
		notes:     make(map[string]*domain.Note),
	}
}

func (c *Client) ID() string { return c.opts.ClientID }

// Events delivers what happened to the local replica. Events are dropped
// when nobody drains the channel.
func (c *Client) Events() <-chan Event { return c.events }

// Connect dials the server, registers and waits for the initial snapshot.
// The datagram heartbeat starts with the first successful connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if c.opts.DatagramAddr != "" {
		if err := c.openDatagram(); err != nil {
			return err
		}
	}
	if err := c.dial(ctx); err != nil {
		return err
	}

	c.startDatagramLoops()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", c.opts.StreamAddr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.opts.StreamAddr, err)
	}
	t, err := network.NewStreamTransport(raw, c.opts.MaxFrameSize, c.opts.ConnectTimeout)
	if err != nil {
		raw.Close()
		return err
	}

	s := &session{ready: make(chan error, 1)}
	s.conn = network.NewConnection(t, network.ConnectionOptions{
		OnMessage: func(_ *network.Connection, env *protocol.Envelope) { c.handle(s, env) },
		OnClose:   func(_ *network.Connection, cause error) { c.sessionClosed(s, cause) },
		Logger:    c.logger,
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return ErrClosed
	}
	c.session = s
	c.mu.Unlock()

	s.conn.Start()

	info := domain.ClientInfo{ClientID: c.opts.ClientID, Name: c.opts.Name}
	if local := c.datagramPort(); local > 0 {
		info.Port = local
	}
	if err := s.conn.Send(protocol.New(c.opts.ClientID, &protocol.Connect{Client: info})); err != nil {
		c.abandon(s)
		return err
	}

	select {
	case err := <-s.ready:
		if err != nil {
			c.abandon(s)
			return err
		}
	case <-ctx.Done():
		c.abandon(s)
		return fmt.Errorf("waiting for server: %w", ctx.Err())
	}

	c.logger.Info("connected", "server", c.opts.StreamAddr, "client", c.opts.ClientID)
	c.emit(Event{Kind: EventConnected})
	return nil
}

// abandon drops a session whose handshake failed without treating it as a
// lost connection.
func (c *Client) abandon(s *session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
	s.conn.Close()
}

func (c *Client) sessionClosed(s *session, cause error) {
	select {
	case s.ready <- fmt.Errorf("%w: %v", network.ErrConnectionClosed, cause):
	default:
	}

	// wg.Add happens under mu so it cannot race with Close's Wait.
	c.mu.Lock()
	current := c.session == s && !c.closed
	if current {
		c.session = nil
	}
	retry := current && c.opts.AutoReconnect
	if retry {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if !current {
		return
	}

	c.logger.Warn("disconnected", "err", cause)
	c.emit(Event{Kind: EventDisconnected, Err: cause})

	if retry {
		go c.reconnect()
	}
}

// reconnect retries with exponential backoff. The snapshot the server sends
// after CONNECT reconciles the local replica.
func (c *Client) reconnect() {
	defer c.wg.Done()

	if !c.reconnecting.TryLock() {
		return
	}
	defer c.reconnecting.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitial
	b.MaxInterval = c.opts.ReconnectMax
	b.MaxElapsedTime = 0

	op := func() error {
		if c.Connected() {
			return nil
		}
		err := c.dial(c.ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("reconnect failed", "err", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, c.ctx), notify); err != nil {
		c.logger.Debug("gave up reconnecting", "err", err)
	}
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil && c.session.conn.IsOpen()
}

func (c *Client) current() (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

func (c *Client) send(payload protocol.Payload) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.conn.Send(protocol.New(c.opts.ClientID, payload))
}

// Create adds a note locally and publishes it.
func (c *Client) Create(title, body string) (*domain.Note, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	note := &domain.Note{
		ID:           uuid.NewString(),
		Title:        title,
		Body:         body,
		AuthorID:     c.opts.ClientID,
		CreatedAt:    now,
		LastModified: now,
		Version:      1,
	}

	c.mu.Lock()
	c.notes[note.ID] = note.Clone()
	c.mu.Unlock()

	if err := c.send(&protocol.NoteCreate{Note: *note}); err != nil {
		return nil, err
	}
	return note, nil
}

// Update bumps the local version and publishes the new content.
func (c *Client) Update(id, title, body string) (*domain.Note, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	local, ok := c.notes[id]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUnknownNote
	}
	local.Title = title
	local.Body = body
	local.Version++
	local.LastModified = time.Now().UTC()
	note := local.Clone()
	c.mu.Unlock()

	if err := c.send(&protocol.NoteUpdate{Note: *note}); err != nil {
		return nil, err
	}
	return note, nil
}

func (c *Client) Delete(id string) error {
	if _, err := c.current(); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.notes, id)
	c.mu.Unlock()

	return c.send(&protocol.NoteDelete{NoteID: id})
}

// RequestSync asks for the changes after the local watermark.
func (c *Client) RequestSync() error {
	return c.send(&protocol.SyncRequest{SyncRequest: domain.SyncRequest{
		ClientID:        c.opts.ClientID,
		LastSyncVersion: c.Watermark(),
	}})
}

// RequestFullSync asks for a complete snapshot.
func (c *Client) RequestFullSync() error {
	return c.send(&protocol.SyncRequest{SyncRequest: domain.SyncRequest{
		ClientID: c.opts.ClientID,
		FullSync: true,
	}})
}

// Notes returns the local replica ordered by creation time.
func (c *Client) Notes() []domain.Note {
	c.mu.RLock()
	out := make([]domain.Note, 0, len(c.notes))
	for _, n := range c.notes {
		out = append(out, *n)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Client) Note(id string) (domain.Note, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.notes[id]
	if !ok {
		return domain.Note{}, false
	}
	return *n, true
}

// Watermark is the server version the replica was last synced to.
func (c *Client) Watermark() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watermark
}

// Close says goodbye, stops reconnecting and releases every socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.session = nil
	udp := c.udp
	c.mu.Unlock()

	c.cancel()

	if s != nil {
		// Queued behind any pending changes; the server hangs up once it
		// has handled everything before it.
		if err := s.conn.Send(protocol.New(c.opts.ClientID, &protocol.Disconnect{Reason: "client closed"})); err == nil {
			select {
			case <-s.conn.Done():
			case <-time.After(c.opts.ConnectTimeout):
			}
		}
		s.conn.Close()
	}
	if udp != nil {
		udp.Close()
	}

	c.wg.Wait()
	close(c.events)
	return nil
}

func (c *Client) handle(s *session, env *protocol.Envelope) {
	switch p := env.Payload.(type) {
	case *protocol.ConnectAck:
		c.mu.Lock()
		if p.HeartbeatInterval > 0 {
			c.heartbeat = time.Duration(p.HeartbeatInterval) * time.Millisecond
		}
		c.mu.Unlock()

	case *protocol.SyncResponse:
		c.applySync(&p.SyncResponse, true)
		if p.FullSync {
			signal(s.ready, nil)
		}

	case *protocol.NoteCreated:
		c.applyNote(&p.Note)
		c.emit(Event{Kind: EventCreated, Note: p.Note.Clone(), NoteID: p.Note.ID, From: env.SenderID})

	case *protocol.NoteUpdated:
		c.applyNote(&p.Note)
		c.emit(Event{Kind: EventUpdated, Note: p.Note.Clone(), NoteID: p.Note.ID, From: env.SenderID})

	case *protocol.NoteDeleted:
		c.mu.Lock()
		delete(c.notes, p.NoteID)
		c.mu.Unlock()
		c.emit(Event{Kind: EventDeleted, NoteID: p.NoteID, From: env.SenderID})

	case *protocol.HeartbeatAck:
		c.logger.Debug("heartbeat acked", "server_time", p.ServerTime)

	case *protocol.Error:
		c.logger.Warn("server error", "code", p.Code, "message", p.Message)
		signal(s.ready, p)
		c.emit(Event{Kind: EventError, Err: p})

	default:
		c.logger.Debug("ignoring message", "type", env.Type())
	}
}

func signal(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// applyNote keeps the newer of the local and the pushed copy.
func (c *Client) applyNote(n *domain.Note) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if local, ok := c.notes[n.ID]; ok && local.Version > n.Version {
		return
	}
	c.notes[n.ID] = n.Clone()
}

// applySync merges a sync response. Only stream responses move the
// watermark; datagram batches are partial.
func (c *Client) applySync(resp *domain.SyncResponse, advance bool) {
	if !resp.Success {
		c.emit(Event{Kind: EventError, Err: errors.New(resp.ErrorMessage)})
		return
	}

	c.mu.Lock()
	if resp.FullSync && advance {
		c.notes = make(map[string]*domain.Note, len(resp.Notes))
	}
	for i := range resp.Notes {
		n := resp.Notes[i]
		if local, ok := c.notes[n.ID]; ok && local.Version > n.Version {
			continue
		}
		c.notes[n.ID] = &n
	}
	for _, id := range resp.DeletedNoteIDs {
		delete(c.notes, id)
	}
	if advance {
		c.watermark = resp.SyncVersion
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventSynced})
}

func (c *Client) emit(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event dropped", "kind", ev.Kind)
	}
}
