package broker

import (
	"maps"
	"sync"
	"sync/atomic"
)

// sessionMap is the copy-on-write backing store for SessionTable: reads load
// a snapshot via atomic.Value with no locking, writes copy-then-swap under
// rwmu so a reader never observes a partially-built map.
type sessionMap map[string]*ClientSession

// SessionTable maps ClientId to ClientSession. Mutated on CONNECT and session
// takeover (AddClient, which overwrites) and on DISCONNECT / network close
// (RemoveClient).
type SessionTable struct {
	clients atomic.Value
	rwmu    sync.Mutex
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	t := &SessionTable{}
	t.clients.Store(make(sessionMap))
	return t
}

// AddClient inserts or silently overwrites the session under session.ID. The
// connection layer is responsible for having torn down any prior transport
// for the same id before calling this.
func (t *SessionTable) AddClient(session *ClientSession) {
	t.rwmu.Lock()
	defer t.rwmu.Unlock()

	current := t.clients.Load().(sessionMap)
	updated := make(sessionMap, len(current)+1)
	maps.Copy(updated, current)
	updated[session.ID] = session
	t.clients.Store(updated)
}

// Get returns the session registered under id, if any.
func (t *SessionTable) Get(id string) (*ClientSession, bool) {
	current := t.clients.Load().(sessionMap)
	s, ok := current[id]
	return s, ok
}

// RemoveClient erases id from the table and scans every SubscriptionIndex
// value list to drop entries for it. This is the canonical session teardown
// (spec §4.2): linear in total subscriptions.
func (t *SessionTable) RemoveClient(id string, subs *SubscriptionIndex) {
	t.rwmu.Lock()
	current := t.clients.Load().(sessionMap)
	updated := make(sessionMap, len(current))
	maps.Copy(updated, current)
	delete(updated, id)
	t.clients.Store(updated)
	t.rwmu.Unlock()

	if subs != nil {
		subs.removeClientFromAll(id)
	}
}

// Snapshot returns the current backing map, for callers (mainly tests) that
// need to enumerate all registered clients.
func (t *SessionTable) Snapshot() map[string]*ClientSession {
	return t.clients.Load().(sessionMap)
}
