package network

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WebSocketOptions struct {
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

// WebSocketTransport carries one envelope per binary message. Keepalive
// pings are sent from a background ticker and the read deadline is pushed
// forward on every pong.
type WebSocketTransport struct {
	conn *websocket.Conn
	opts WebSocketOptions

	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocketTransport(conn *websocket.Conn, opts WebSocketOptions) *WebSocketTransport {
	t := &WebSocketTransport{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}
	if opts.PingPeriod > 0 {
		go t.pingLoop()
	}

	return t
}

func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(t.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.opts.WriteWait)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.Close()
				return
			}
		}
	}
}

func (t *WebSocketTransport) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *WebSocketTransport) WriteFrame(data []byte) error {
	if t.opts.WriteWait > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		deadline := time.Now().Add(time.Second)
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
