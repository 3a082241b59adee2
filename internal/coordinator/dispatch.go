package coordinator

import (
	"errors"
	"fmt"
	"net"
	"time"

	"note-sync-server/internal/domain"
	"note-sync-server/internal/network"
	"note-sync-server/internal/protocol"
	"note-sync-server/internal/registry"
	"note-sync-server/internal/service"
)

// dispatch handles one inbound envelope. Handler errors and panics are
// answered with an ERROR to the sender and never close the connection.
// claimedID is the authenticated identity of the connection, if any.
func (c *Coordinator) dispatch(conn *network.Connection, env *protocol.Envelope, claimedID string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "type", env.Type(), "panic", r)
			c.replyError(conn, env, fmt.Errorf("internal error: %v", r))
		}
	}()

	clientID, registered := c.registry.IDOf(conn)
	if registered {
		c.registry.Touch(clientID)
	}

	if _, ok := env.Payload.(*protocol.Connect); !ok && !registered {
		c.send(conn, &protocol.Error{
			Code:    protocol.CodeNotConnected,
			Message: "send CONNECT first",
			RefID:   env.MessageID,
		})
		return
	}

	var err error
	switch p := env.Payload.(type) {
	case *protocol.Connect:
		err = c.handleConnect(conn, p, claimedID)
	case *protocol.Disconnect:
		c.handleDisconnect(clientID, p)
	case *protocol.NoteCreate:
		err = c.handleCreate(clientID, p)
	case *protocol.NoteUpdate:
		err = c.handleUpdate(clientID, p)
	case *protocol.NoteDelete:
		err = c.handleDelete(clientID, p)
	case *protocol.SyncRequest:
		err = c.handleSyncRequest(conn, clientID, p)
	case *protocol.Heartbeat:
		c.send(conn, &protocol.HeartbeatAck{ClientID: clientID, ServerTime: time.Now().UTC()})
	case *protocol.ConnectAck, *protocol.NoteCreated, *protocol.NoteUpdated, *protocol.NoteDeleted,
		*protocol.SyncResponse, *protocol.HeartbeatAck, *protocol.Error:
		c.logger.Debug("ignoring server-bound message from client", "client", clientID, "type", env.Type())
	case *protocol.Unknown:
		c.logger.Warn("ignoring unknown message type", "client", clientID, "type", p.Type)
	default:
		c.logger.Error("no handler for payload", "type", fmt.Sprintf("%T", p))
	}

	if err != nil {
		c.replyError(conn, env, err)
	}
}

func (c *Coordinator) handleConnect(conn *network.Connection, p *protocol.Connect, claimedID string) error {
	info := p.Client
	if err := c.validate.Struct(info); err != nil {
		return badRequest(err)
	}
	if claimedID != "" && info.ClientID != claimedID {
		c.logger.Warn("refusing client, id does not match token", "client", info.ClientID, "token", claimedID, "remote", conn.RemoteAddr())
		c.refuse(conn, protocol.CodeForbidden, fmt.Sprintf("token is not valid for client %q", info.ClientID))
		return nil
	}
	if info.Address == "" {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr()); err == nil {
			info.Address = host
		}
	}

	if err := c.registry.Add(info, conn); err != nil {
		if errors.Is(err, registry.ErrRegistryFull) {
			c.logger.Warn("refusing client, registry full", "client", info.ClientID)
			c.refuse(conn, protocol.CodeCapacity, err.Error())
			return nil
		}
		return err
	}

	c.logger.Info("client connected", "client", info.ClientID, "name", info.Name, "remote", conn.RemoteAddr())

	c.send(conn, &protocol.ConnectAck{
		ClientID:          info.ClientID,
		SyncVersion:       c.store.Version(),
		HeartbeatInterval: c.cfg.Sync.HeartbeatInterval.Milliseconds(),
	})
	c.send(conn, &protocol.SyncResponse{SyncResponse: c.sync.Full(info.ClientID)})
	return nil
}

func (c *Coordinator) handleDisconnect(clientID string, p *protocol.Disconnect) {
	c.logger.Info("client leaving", "client", clientID, "reason", p.Reason)
	c.registry.Remove(clientID)
}

func (c *Coordinator) handleCreate(clientID string, p *protocol.NoteCreate) error {
	note := p.Note
	if err := c.validate.Struct(note); err != nil {
		return badRequest(err)
	}
	if note.AuthorID == "" {
		note.AuthorID = clientID
	}

	created, err := c.store.Create(c.ctx, &note)
	if err != nil {
		return err
	}

	n := c.registry.Broadcast(protocol.New(clientID, &protocol.NoteCreated{Note: *created}), clientID)
	c.logger.Debug("note created", "id", created.ID, "client", clientID, "seq", created.Seq, "delivered", n)
	return nil
}

func (c *Coordinator) handleUpdate(clientID string, p *protocol.NoteUpdate) error {
	note := p.Note
	if err := c.validate.Struct(note); err != nil {
		return badRequest(err)
	}

	updated, err := c.store.Update(c.ctx, &note)
	if err != nil {
		return err
	}

	n := c.registry.Broadcast(protocol.New(clientID, &protocol.NoteUpdated{Note: *updated}), clientID)
	c.logger.Debug("note updated", "id", updated.ID, "client", clientID, "version", updated.Version, "delivered", n)
	return nil
}

func (c *Coordinator) handleDelete(clientID string, p *protocol.NoteDelete) error {
	if p.NoteID == "" {
		return badRequest(errors.New("note_id is required"))
	}

	removed, seq, err := c.store.Delete(c.ctx, p.NoteID)
	if err != nil {
		return err
	}
	if !removed {
		return service.ErrNoteNotFound
	}

	n := c.registry.Broadcast(protocol.New(clientID, &protocol.NoteDeleted{NoteID: p.NoteID, Seq: seq}), clientID)
	c.logger.Debug("note deleted", "id", p.NoteID, "client", clientID, "delivered", n)
	return nil
}

func (c *Coordinator) handleSyncRequest(conn *network.Connection, clientID string, p *protocol.SyncRequest) error {
	req := p.SyncRequest
	if err := c.validate.Struct(req); err != nil {
		return badRequest(err)
	}
	req.ClientID = clientID

	resp := c.sync.Handle(req)
	c.send(conn, &protocol.SyncResponse{SyncResponse: resp})
	return nil
}

func (c *Coordinator) rateLimited(conn *network.Connection, env *protocol.Envelope) {
	c.logger.Warn("rate limit exceeded", "remote", conn.RemoteAddr(), "type", env.Type())
	c.send(conn, &protocol.Error{
		Code:    protocol.CodeRateLimited,
		Message: "too many messages",
		RefID:   env.MessageID,
	})
}

// refuse writes a final ERROR and closes the connection.
func (c *Coordinator) refuse(conn *network.Connection, code, msg string) {
	conn.SendSync(protocol.New(protocol.ServerID, &protocol.Error{Code: code, Message: msg}))
	conn.Close()
}

func (c *Coordinator) send(conn *network.Connection, payload protocol.Payload) {
	if err := conn.Send(protocol.New(protocol.ServerID, payload)); err != nil {
		c.logger.Debug("reply dropped", "type", payload.MessageType(), "err", err)
	}
}

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return badRequestError{err} }

// replyError tells the originating connection its message was rejected.
// Nothing is broadcast.
func (c *Coordinator) replyError(conn *network.Connection, env *protocol.Envelope, err error) {
	code := errorCode(err)
	if code == protocol.CodeInternal {
		c.logger.Error("message failed", "type", env.Type(), "err", err)
	} else {
		c.logger.Warn("message rejected", "type", env.Type(), "code", code, "err", err)
	}

	c.send(conn, &protocol.Error{
		Code:    code,
		Message: err.Error(),
		RefID:   env.MessageID,
	})
}

func errorCode(err error) string {
	var conflict *service.ConflictError
	var bad badRequestError
	switch {
	case errors.As(err, &conflict):
		return protocol.CodeVersionConflict
	case errors.Is(err, service.ErrNoteNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, service.ErrNoteExists):
		return protocol.CodeAlreadyExists
	case errors.As(err, &bad):
		return protocol.CodeBadRequest
	}
	return protocol.CodeInternal
}

// handleDatagram serves the connectionless path: heartbeats and best-effort
// sync nudges. Only registered clients are answered, and only from the host
// they connected from and the datagram port they announced.
func (c *Coordinator) handleDatagram(env *protocol.Envelope, from *net.UDPAddr) {
	clientID := env.SenderID
	switch p := env.Payload.(type) {
	case *protocol.Heartbeat:
		if p.ClientID != "" {
			clientID = p.ClientID
		}
	case *protocol.SyncRequest:
		if p.ClientID != "" {
			clientID = p.ClientID
		}
	default:
		c.logger.Debug("ignoring datagram", "type", env.Type(), "from", from)
		return
	}

	info, ok := c.registry.Get(clientID)
	if !ok {
		c.logger.Debug("datagram from unregistered client", "client", clientID, "type", env.Type(), "from", from)
		return
	}
	if !datagramSourceMatches(info, from) {
		c.logger.Warn("datagram source does not match client", "client", clientID, "from", from, "announced", info.DatagramAddr())
		return
	}
	c.registry.Touch(clientID)

	switch env.Payload.(type) {
	case *protocol.Heartbeat:
		c.sendDatagram(&protocol.HeartbeatAck{ClientID: clientID, ServerTime: time.Now().UTC()}, from)

	case *protocol.SyncRequest:
		resp := &protocol.SyncResponse{SyncResponse: c.sync.Recent(clientID)}

		err := c.datagram.Send(protocol.New(protocol.ServerID, resp), from)
		if errors.Is(err, protocol.ErrDatagramTooLarge) {
			// Too big for one packet; use the stream if the client has one.
			if serr := c.registry.SendTo(clientID, protocol.New(protocol.ServerID, resp)); serr != nil {
				c.logger.Warn("sync response too large for datagram", "client", clientID, "err", serr)
			}
		} else if err != nil {
			c.logger.Warn("datagram send failed", "to", from, "err", err)
		}
	}
}

// datagramSourceMatches reports whether from is the host the client's stream
// came from and, when the client announced one, its datagram port.
func datagramSourceMatches(info domain.ClientInfo, from *net.UDPAddr) bool {
	if ip := net.ParseIP(info.Address); ip != nil && !ip.Equal(from.IP) {
		return false
	}
	return info.Port == 0 || info.Port == from.Port
}

func (c *Coordinator) sendDatagram(payload protocol.Payload, to *net.UDPAddr) {
	if err := c.datagram.Send(protocol.New(protocol.ServerID, payload), to); err != nil {
		c.logger.Warn("datagram send failed", "to", to, "err", err)
	}
}
