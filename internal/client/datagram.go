package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"note-sync-server/internal/domain"
	"note-sync-server/internal/protocol"
)

func (c *Client) openDatagram() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.udp != nil {
		return nil
	}

	raddr, err := net.ResolveUDPAddr("udp", c.opts.DatagramAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", c.opts.DatagramAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to open datagram socket: %w", err)
	}
	c.udp = conn
	return nil
}

func (c *Client) datagramPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.udp == nil {
		return 0
	}
	return c.udp.LocalAddr().(*net.UDPAddr).Port
}

func (c *Client) startDatagramLoops() {
	c.datagramOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.udp == nil || c.closed {
			return
		}
		c.wg.Add(2)
		go c.heartbeatLoop(c.udp)
		go c.datagramLoop(c.udp)
	})
}

// heartbeatLoop keeps the registration alive. Without a datagram path the
// heartbeat goes over the stream.
func (c *Client) heartbeatLoop(udp *net.UDPConn) {
	defer c.wg.Done()

	timer := time.NewTimer(c.heartbeatInterval())
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		hb := protocol.New(c.opts.ClientID, &protocol.Heartbeat{ClientID: c.opts.ClientID})
		if err := c.writeDatagram(udp, hb); err != nil {
			c.logger.Debug("datagram heartbeat failed, using stream", "err", err)
			c.send(&protocol.Heartbeat{ClientID: c.opts.ClientID})
		}
		timer.Reset(c.heartbeatInterval())
	}
}

func (c *Client) heartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeat
}

func (c *Client) writeDatagram(udp *net.UDPConn, env *protocol.Envelope) error {
	packet, err := protocol.EncodeDatagram(env)
	if err != nil {
		return err
	}
	_, err = udp.Write(packet)
	return err
}

func (c *Client) datagramLoop(udp *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, err := udp.Read(buf)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// A connected UDP socket reports ICMP unreachable as a read error.
			c.logger.Debug("datagram read failed", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		env, err := protocol.Unmarshal(buf[:n])
		if err != nil {
			c.logger.Debug("dropping undecodable datagram", "err", err)
			continue
		}

		switch p := env.Payload.(type) {
		case *protocol.HeartbeatAck:
			c.logger.Debug("heartbeat acked", "server_time", p.ServerTime)
		case *protocol.SyncResponse:
			c.applySync(&p.SyncResponse, false)
		default:
			c.logger.Debug("ignoring datagram", "type", env.Type())
		}
	}
}

// RequestRecent asks for the latest batch of notes over the datagram path.
// It does not move the watermark.
func (c *Client) RequestRecent() error {
	c.mu.RLock()
	udp := c.udp
	c.mu.RUnlock()
	if udp == nil {
		return ErrNotConnected
	}

	env := protocol.New(c.opts.ClientID, &protocol.SyncRequest{SyncRequest: domain.SyncRequest{
		ClientID: c.opts.ClientID,
	}})
	return c.writeDatagram(udp, env)
}
