package network

import (
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"note-sync-server/internal/protocol"
)

var ErrConnectionClosed = errors.New("connection closed")

type MessageHandler func(c *Connection, env *protocol.Envelope)

type CloseHandler func(c *Connection, cause error)

type ConnectionOptions struct {
	OnMessage MessageHandler
	// OnClose runs once, on the goroutine that observed the close. cause is
	// nil for an explicit Close.
	OnClose CloseHandler
	// Limiter, when set, throttles inbound envelopes. Envelopes over the
	// limit go to OnRateLimited instead of OnMessage.
	Limiter       *rate.Limiter
	OnRateLimited MessageHandler
	Logger        *log.Logger
}

// Connection is a duplex envelope channel to one peer. Outbound envelopes
// are queued without bound and written by a single send loop in FIFO order.
// Inbound envelopes are handled one at a time by the receive loop.
type Connection struct {
	id        string
	transport Transport
	opts      ConnectionOptions
	logger    *log.Logger

	queueMu sync.Mutex
	queue   []*protocol.Envelope
	notify  chan struct{}

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	cause     error
	wg        sync.WaitGroup
}

func NewConnection(t Transport, opts ConnectionOptions) *Connection {
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Connection{
		id:        id,
		transport: t,
		opts:      opts,
		logger:    logger.With("conn", id[:8], "remote", t.RemoteAddr()),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the send and receive loops.
func (c *Connection) Start() {
	c.wg.Add(2)
	go c.sendLoop()
	go c.receiveLoop()
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) RemoteAddr() string { return c.transport.RemoteAddr() }

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues env for the send loop and never blocks.
func (c *Connection) Send(env *protocol.Envelope) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	c.queueMu.Lock()
	c.queue = append(c.queue, env)
	c.queueMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// SendSync writes env immediately, ahead of anything still queued.
func (c *Connection) SendSync(env *protocol.Envelope) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	err := c.transport.WriteFrame(data)
	c.writeMu.Unlock()

	if err != nil && !errors.Is(err, protocol.ErrFrameTooLarge) {
		c.shutdown(err)
	}
	return err
}

// Close is idempotent. Queued envelopes that were not yet written are
// dropped.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Err returns the fault that closed the connection, or nil.
func (c *Connection) Err() error {
	if c.IsOpen() {
		return nil
	}
	return c.cause
}

// Wait blocks until both loops have returned.
func (c *Connection) Wait() {
	c.wg.Wait()
}

func (c *Connection) shutdown(cause error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.cause = cause
		close(c.done)
		c.transport.Close()

		c.queueMu.Lock()
		c.queue = nil
		c.queueMu.Unlock()
	})

	if first && c.opts.OnClose != nil {
		c.opts.OnClose(c, cause)
	}
}

func (c *Connection) sendLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}

		c.queueMu.Lock()
		batch := c.queue
		c.queue = nil
		c.queueMu.Unlock()

		for _, env := range batch {
			if !c.IsOpen() {
				return
			}

			data, err := protocol.Marshal(env)
			if err != nil {
				c.logger.Error("dropping unencodable envelope", "type", env.Type(), "err", err)
				continue
			}
			if err := c.write(data); err != nil {
				if errors.Is(err, protocol.ErrFrameTooLarge) {
					c.logger.Error("dropping oversized envelope", "type", env.Type(), "err", err)
					continue
				}
				return
			}
		}
	}
}

func (c *Connection) receiveLoop() {
	defer c.wg.Done()

	for {
		data, err := c.transport.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				c.logger.Warn("dropping oversized frame", "err", err)
				continue
			}
			c.shutdown(err)
			return
		}

		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("dropping undecodable envelope", "err", err)
			continue
		}

		if !c.IsOpen() {
			return
		}

		if c.opts.Limiter != nil && !c.opts.Limiter.Allow() {
			if c.opts.OnRateLimited != nil {
				c.opts.OnRateLimited(c, env)
			}
			continue
		}

		if c.opts.OnMessage != nil {
			c.opts.OnMessage(c, env)
		}
	}
}
