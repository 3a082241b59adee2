package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"note-sync-server/internal/protocol"
)

// TaskRunner schedules work without blocking the caller.
type TaskRunner interface {
	Submit(task func(ctx context.Context)) error
}

type DatagramHandler func(env *protocol.Envelope, from *net.UDPAddr)

// DatagramChannel sends and receives single-packet envelopes over UDP.
// Delivery and ordering are not guaranteed.
type DatagramChannel struct {
	conn    *net.UDPConn
	runner  TaskRunner
	handler DatagramHandler
	logger  *log.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func ListenDatagram(addr string, runner TaskRunner, handler DatagramHandler, logger *log.Logger) (*DatagramChannel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind datagram port: %w", err)
	}

	return &DatagramChannel{
		conn:    conn,
		runner:  runner,
		handler: handler,
		logger:  logger.WithPrefix("udp"),
		done:    make(chan struct{}),
	}, nil
}

// Start runs the receive loop on the runner.
func (d *DatagramChannel) Start() error {
	return d.runner.Submit(func(context.Context) { d.receiveLoop() })
}

func (d *DatagramChannel) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

func (d *DatagramChannel) Send(env *protocol.Envelope, to *net.UDPAddr) error {
	data, err := protocol.EncodeDatagram(env)
	if err != nil {
		return err
	}
	_, err = d.conn.WriteToUDP(data, to)
	return err
}

func (d *DatagramChannel) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.conn.Close()
	})
	return err
}

func (d *DatagramChannel) receiveLoop() {
	buf := make([]byte, protocol.MaxDatagramSize+1)

	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("receive failed", "err", err)
			continue
		}

		if n > protocol.MaxDatagramSize {
			d.logger.Warn("dropping oversized datagram", "from", from)
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		err = d.runner.Submit(func(context.Context) { d.dispatch(packet, from) })
		if err != nil {
			d.logger.Warn("dropping datagram", "from", from, "err", err)
		}
	}
}

func (d *DatagramChannel) dispatch(packet []byte, from *net.UDPAddr) {
	env, err := protocol.Unmarshal(packet)
	if err != nil {
		d.logger.Warn("dropping undecodable datagram", "from", from, "err", err)
		return
	}
	d.handler(env, from)
}
