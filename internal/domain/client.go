package domain

import (
	"net"
	"strconv"
	"time"
)

type ClientInfo struct {
	ClientID string    `json:"client_id" validate:"required,max=128"`
	Name     string    `json:"name" validate:"max=256"`
	Address  string    `json:"address"`
	Port     int       `json:"port" validate:"gte=0,lte=65535"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

// DatagramAddr is the host:port the client listens on for datagrams, or ""
// when it did not announce one.
func (c ClientInfo) DatagramAddr() string {
	if c.Address == "" || c.Port == 0 {
		return ""
	}
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

type ClientStats struct {
	Total   int          `json:"total"`
	Online  int          `json:"online"`
	Max     int          `json:"max"`
	Clients []ClientInfo `json:"clients"`
}

type ServerStats struct {
	Notes   NoteStats   `json:"notes"`
	Clients ClientStats `json:"clients"`
}
