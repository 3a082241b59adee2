// Package network binds peers to envelopes: framed transports over TCP and
// WebSocket, the per-peer Connection with its send and receive loops, and
// the UDP datagram channel.
package network

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"note-sync-server/internal/protocol"
)

// Transport moves whole frames. ReadFrame is only called from one goroutine
// and WriteFrame is serialized by the caller.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
	RemoteAddr() string
}

type StreamTransport struct {
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	maxFrame int
}

// NewStreamTransport performs the preamble exchange on conn. The local
// preamble is written and flushed before the peer's is read, so two sides
// constructing at once cannot wait on each other.
func NewStreamTransport(conn net.Conn, maxFrame int, timeout time.Duration) (*StreamTransport, error) {
	t := &StreamTransport{
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		maxFrame: maxFrame,
	}

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	if err := protocol.WritePreamble(t.w); err != nil {
		return nil, fmt.Errorf("failed to write preamble: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush preamble: %w", err)
	}
	if err := protocol.ReadPreamble(t.r); err != nil {
		return nil, fmt.Errorf("failed to read preamble: %w", err)
	}

	return t, nil
}

func (t *StreamTransport) ReadFrame() ([]byte, error) {
	return protocol.ReadFrame(t.r, t.maxFrame)
}

func (t *StreamTransport) WriteFrame(data []byte) error {
	if err := protocol.WriteFrame(t.w, data, t.maxFrame); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *StreamTransport) Close() error {
	return t.conn.Close()
}

func (t *StreamTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
