// Package registry tracks the clients currently attached to the server.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"note-sync-server/internal/domain"
	"note-sync-server/internal/protocol"
)

var (
	ErrRegistryFull   = errors.New("registry is full")
	ErrClientNotFound = errors.New("client not registered")
)

// Conn is the part of a connection the registry needs.
type Conn interface {
	ID() string
	Send(env *protocol.Envelope) error
	Close() error
	IsOpen() bool
}

type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry keeps id->info, id->conn and conn->id consistent under one lock.
// Connections are always closed after the lock is released.
type Registry struct {
	mu     sync.RWMutex
	infos  map[string]*domain.ClientInfo
	conns  map[string]Conn
	byConn map[string]string

	maxClients int
	now        func() time.Time
	logger     *log.Logger
}

func New(maxClients int, logger *log.Logger, opts ...Option) *Registry {
	r := &Registry{
		infos:      make(map[string]*domain.ClientInfo),
		conns:      make(map[string]Conn),
		byConn:     make(map[string]string),
		maxClients: maxClients,
		now:        time.Now,
		logger:     logger.WithPrefix("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers info under conn. A previous registration with the same id
// is evicted first and its connection closed. If conn was bound to another
// id, that binding is dropped.
func (r *Registry) Add(info domain.ClientInfo, conn Conn) error {
	var stale Conn

	r.mu.Lock()
	if prev, ok := r.conns[info.ClientID]; ok {
		r.removeLocked(info.ClientID)
		if prev.ID() != conn.ID() {
			stale = prev
		}
	}
	if oldID, ok := r.byConn[conn.ID()]; ok {
		r.removeLocked(oldID)
	}

	if r.maxClients > 0 && len(r.infos) >= r.maxClients {
		r.mu.Unlock()
		closeConn(stale)
		return ErrRegistryFull
	}

	info.LastSeen = r.now()
	info.Online = true
	r.infos[info.ClientID] = &info
	r.conns[info.ClientID] = conn
	r.byConn[conn.ID()] = info.ClientID
	r.mu.Unlock()

	if stale != nil {
		r.logger.Info("replaced previous registration", "client", info.ClientID)
		closeConn(stale)
	}
	return nil
}

func (r *Registry) removeLocked(id string) Conn {
	conn, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.infos, id)
	delete(r.conns, id)
	delete(r.byConn, conn.ID())
	return conn
}

// Remove unregisters id and closes its connection.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn := r.removeLocked(id)
	r.mu.Unlock()

	if conn == nil {
		return false
	}
	closeConn(conn)
	return true
}

// RemoveByConnection unregisters whichever client conn is bound to.
func (r *Registry) RemoveByConnection(conn Conn) (string, bool) {
	r.mu.Lock()
	id, ok := r.byConn[conn.ID()]
	if ok {
		r.removeLocked(id)
	}
	r.mu.Unlock()

	if !ok {
		return "", false
	}
	closeConn(conn)
	return id, true
}

// removeIfCurrent evicts id only while it is still bound to conn, so a
// client that re-registered in the meantime is left alone.
func (r *Registry) removeIfCurrent(id string, conn Conn) {
	r.mu.Lock()
	current, ok := r.conns[id]
	if ok && current.ID() == conn.ID() {
		r.removeLocked(id)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		closeConn(conn)
	}
}

func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.infos[id]
	if !ok {
		return false
	}
	info.LastSeen = r.now()
	info.Online = true
	return true
}

func (r *Registry) Get(id string) (domain.ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.infos[id]
	if !ok {
		return domain.ClientInfo{}, false
	}
	return *info, true
}

func (r *Registry) IDOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byConn[conn.ID()]
	return id, ok
}

// SendTo queues env for one client. A failed send evicts the client.
func (r *Registry) SendTo(id string, env *protocol.Envelope) error {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return ErrClientNotFound
	}
	if err := conn.Send(env); err != nil {
		r.removeIfCurrent(id, conn)
		return err
	}
	return nil
}

type target struct {
	id   string
	conn Conn
}

// Broadcast sends env to every client except excludeID and returns how many
// accepted it. Clients that fail are evicted after the whole pass.
func (r *Registry) Broadcast(env *protocol.Envelope, excludeID string) int {
	r.mu.RLock()
	targets := make([]target, 0, len(r.conns))
	for id, conn := range r.conns {
		if id != excludeID {
			targets = append(targets, target{id, conn})
		}
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []target
	for _, t := range targets {
		if err := t.conn.Send(env); err != nil {
			failed = append(failed, t)
			continue
		}
		delivered++
	}

	for _, t := range failed {
		r.logger.Warn("evicting unreachable client", "client", t.id, "type", env.Type())
		r.removeIfCurrent(t.id, t.conn)
	}

	return delivered
}

// SweepLiveness marks every client silent for longer than maxSilence as
// offline and evicts it. It returns the evicted ids.
func (r *Registry) SweepLiveness(maxSilence time.Duration) []string {
	cutoff := r.now().Add(-maxSilence)

	r.mu.Lock()
	var expired []string
	for id, info := range r.infos {
		if info.LastSeen.Before(cutoff) {
			info.Online = false
			expired = append(expired, id)
		}
	}

	conns := make([]Conn, 0, len(expired))
	for _, id := range expired {
		if conn := r.removeLocked(id); conn != nil {
			conns = append(conns, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range conns {
		closeConn(conn)
	}

	sort.Strings(expired)
	for _, id := range expired {
		r.logger.Info("client timed out", "client", id, "max_silence", maxSilence)
	}
	return expired
}

// DisconnectAll empties the registry and closes every connection.
func (r *Registry) DisconnectAll() int {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.infos = make(map[string]*domain.ClientInfo)
	r.conns = make(map[string]Conn)
	r.byConn = make(map[string]string)
	r.mu.Unlock()

	for _, conn := range conns {
		closeConn(conn)
	}
	return len(conns)
}

func (r *Registry) List() []domain.ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]domain.ClientInfo, 0, len(r.infos))
	for _, info := range r.infos {
		list = append(list, *info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ClientID < list[j].ClientID })
	return list
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.infos)
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, info := range r.infos {
		if info.Online {
			n++
		}
	}
	return n
}

func (r *Registry) Stats() domain.ClientStats {
	clients := r.List()
	online := 0
	for _, c := range clients {
		if c.Online {
			online++
		}
	}
	return domain.ClientStats{
		Total:   len(clients),
		Online:  online,
		Max:     r.maxClients,
		Clients: clients,
	}
}

func closeConn(conn Conn) {
	if conn != nil && conn.IsOpen() {
		conn.Close()
	}
}
