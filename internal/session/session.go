// Package session implements the single-owner slot: at most one connection
// may mutate the current game. The slot has no locking of its own; the
// state synchronizer goroutine is the only caller.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Conn is whatever handle the caller wants back when an owner is deposed.
// The slot never touches it.
type Conn any

// Slot holds the current owner, if any.
type Slot struct {
	sessionID  string
	ownerToken string
	since      time.Time
	conn       Conn
}

// Grant result for a connection asking for ownership.
type Grant struct {
	Granted    bool
	SessionID  string
	OwnerToken string
	OwnerSince time.Time
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Grant gives the slot to conn when it is empty. When occupied it reports
// busy along with how long the current owner has held it.
func (s *Slot) Grant(conn Conn) Grant {
	if s.sessionID != "" {
		return Grant{Granted: false, OwnerSince: s.since}
	}
	s.sessionID = uuid.NewString()
	s.ownerToken = newToken()
	s.since = time.Now()
	s.conn = conn
	return Grant{
		Granted:    true,
		SessionID:  s.sessionID,
		OwnerToken: s.ownerToken,
		OwnerSince: s.since,
	}
}

// Takeover rotates both credentials and hands the slot to conn. The deposed
// owner's connection is returned so the caller can notify and close it; nil
// when the slot was empty.
func (s *Slot) Takeover(conn Conn) (Grant, Conn) {
	deposed := s.conn
	s.sessionID = uuid.NewString()
	s.ownerToken = newToken()
	s.since = time.Now()
	s.conn = conn
	return Grant{
		Granted:    true,
		SessionID:  s.sessionID,
		OwnerToken: s.ownerToken,
		OwnerSince: s.since,
	}, deposed
}

// Release clears the slot, but only for the connection that holds it. A
// stale release from a deposed owner is a no-op.
func (s *Slot) Release(conn Conn) bool {
	if s.conn == nil || s.conn != conn {
		return false
	}
	*s = Slot{}
	return true
}

// Fresh is the write gate: a mutating frame is applied only when both
// credentials match the current slot.
func (s *Slot) Fresh(sessionID, ownerToken string) bool {
	return s.sessionID != "" && sessionID == s.sessionID && ownerToken == s.ownerToken
}

// Occupied reports whether any owner holds the slot.
func (s *Slot) Occupied() bool {
	return s.sessionID != ""
}

// Owner returns the owning connection, or nil.
func (s *Slot) Owner() Conn {
	return s.conn
}
