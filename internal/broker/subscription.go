package broker

import (
	"sync"

	"github.com/pyr33x/goqttd/internal/packet"
)

// SubscriptionKey pairs a topic path with a QoS level. Matching is exact
// (path, qos) equality — two subscriptions to the same topic at different
// QoS levels are distinct keys, and wildcards are never interpreted here.
type SubscriptionKey struct {
	Topic string
	QoS   packet.QoSLevel
}

// SubscriptionIndex maps SubscriptionKey to the ordered sequence of
// subscribed sessions. A single RWMutex guards the whole index; fan-out
// always takes a snapshot copy through Subscribers so the lock is released
// before any outbound send is attempted.
type SubscriptionIndex struct {
	mu   sync.RWMutex
	keys map[SubscriptionKey][]*ClientSession
}

// NewSubscriptionIndex returns an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		keys: make(map[SubscriptionKey][]*ClientSession),
	}
}

// AddSubscription appends session under key. If a session with the same id
// is already present at position i, the new handle is inserted at position i
// instead of replacing it — the list grows by one and both handles remain
// present. This is the literal behavior of the source's
// add_subscription_client, whose comment claims "replace" but whose
// implementation does not; kept as-is rather than fixed (see DESIGN.md).
func (idx *SubscriptionIndex) AddSubscription(key SubscriptionKey, session *ClientSession) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	list := idx.keys[key]
	for i, s := range list {
		if s.ID == session.ID {
			grown := make([]*ClientSession, 0, len(list)+1)
			grown = append(grown, list[:i]...)
			grown = append(grown, session)
			grown = append(grown, list[i:]...)
			idx.keys[key] = grown
			return
		}
	}
	idx.keys[key] = append(list, session)
}

// RemoveSubscription removes the first entry matching id under key, if any.
func (idx *SubscriptionIndex) RemoveSubscription(key SubscriptionKey, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	list := idx.keys[key]
	for i, s := range list {
		if s.ID == id {
			idx.keys[key] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Subscribers returns a snapshot copy of the sessions subscribed under key.
func (idx *SubscriptionIndex) Subscribers(key SubscriptionKey) []*ClientSession {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	list := idx.keys[key]
	out := make([]*ClientSession, len(list))
	copy(out, list)
	return out
}

// removeClientFromAll drops every entry with the given id across all keys.
// Called from SessionTable.RemoveClient as part of the canonical teardown.
func (idx *SubscriptionIndex) removeClientFromAll(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for key, list := range idx.keys {
		filtered := list[:0:0]
		for _, s := range list {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		idx.keys[key] = filtered
	}
}
