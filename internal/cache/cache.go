// Package cache is the UI-facing surface of the local message cache. It
// wraps the store with the per-conversation retention policy and degrades on
// storage failure instead of surfacing errors: the server is the system of
// record, so a broken cache means stale data, never a broken client.
package cache

import (
	"sync"

	"github.com/pvidal/gochat/internal/store"
	"go.uber.org/zap"
)

// Cache bounds and serves the per-conversation message log.
type Cache struct {
	db     *store.DB
	cap    int
	logger *zap.Logger

	mu    sync.Mutex
	locks map[store.Key]*sync.Mutex
}

// New creates a cache over db, keeping at most maxPerConversation messages
// per conversation key.
func New(db *store.DB, maxPerConversation int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		db:     db,
		cap:    maxPerConversation,
		logger: logger,
		locks:  make(map[store.Key]*sync.Mutex),
	}
}

// lockKey serializes writes for one conversation key. Evict-then-insert must
// not interleave with another write to the same key, or the retention policy
// could evict a message that write is re-adding.
func (c *Cache) lockKey(key store.Key) func() {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Messages returns the conversation's cached messages in ascending timestamp
// order. A storage failure yields an empty result.
func (c *Cache) Messages(key store.Key) []store.Message {
	msgs, err := c.db.MessagesFor(key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.Error(err), zap.Int64("target_id", key.TargetID), zap.Int("kind", int(key.Kind)))
		return nil
	}
	return msgs
}

// SaveMessage upserts one message, evicting the oldest entries first if the
// conversation would overflow its cap. Storage failures are logged no-ops.
func (c *Cache) SaveMessage(m *store.Message) {
	key := m.Key()
	unlock := c.lockKey(key)
	defer unlock()

	exists, err := c.db.HasMessage(key, m.MsgID)
	if err != nil {
		c.logger.Warn("cache existence check failed", zap.Error(err), zap.String("msg_id", m.MsgID))
		return
	}
	if !exists {
		count, err := c.db.CountMessages(key)
		if err != nil {
			c.logger.Warn("cache count failed", zap.Error(err))
			return
		}
		if count+1 > c.cap {
			if err := c.db.DeleteOldest(key, count+1-c.cap); err != nil {
				c.logger.Warn("cache eviction failed", zap.Error(err))
				return
			}
		}
	}
	if err := c.db.UpsertMessage(m); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err), zap.String("msg_id", m.MsgID))
	}
}

// SaveMessages bulk-upserts a batch, then trims each touched conversation
// back to the cap. The batch is applied atomically per store transaction.
func (c *Cache) SaveMessages(msgs []*store.Message) {
	if len(msgs) == 0 {
		return
	}
	byKey := make(map[store.Key][]*store.Message)
	for _, m := range msgs {
		byKey[m.Key()] = append(byKey[m.Key()], m)
	}
	for key, batch := range byKey {
		unlock := c.lockKey(key)
		if err := c.db.UpsertMessages(batch); err != nil {
			c.logger.Warn("cache batch write failed", zap.Error(err), zap.Int("count", len(batch)))
			unlock()
			continue
		}
		count, err := c.db.CountMessages(key)
		if err == nil && count > c.cap {
			if err := c.db.DeleteOldest(key, count-c.cap); err != nil {
				c.logger.Warn("cache eviction failed", zap.Error(err))
			}
		}
		unlock()
	}
}

// ReplaceMessages deletes the given message ids and upserts the batch as one
// atomic swap, then trims the conversation back to the cap. Used by history
// reconciliation to exchange placeholders for their canonical copies.
func (c *Cache) ReplaceMessages(key store.Key, deleteIDs []string, msgs []*store.Message) {
	if len(deleteIDs) == 0 && len(msgs) == 0 {
		return
	}
	unlock := c.lockKey(key)
	defer unlock()
	if err := c.db.ReplaceBatch(key, deleteIDs, msgs); err != nil {
		c.logger.Warn("cache replace failed", zap.Error(err),
			zap.Int("deletes", len(deleteIDs)), zap.Int("upserts", len(msgs)))
		return
	}
	count, err := c.db.CountMessages(key)
	if err == nil && count > c.cap {
		if err := c.db.DeleteOldest(key, count-c.cap); err != nil {
			c.logger.Warn("cache eviction failed", zap.Error(err))
		}
	}
}

// UpdateStatus sets the delivery status of one cached message.
func (c *Cache) UpdateStatus(key store.Key, msgID, status string) {
	unlock := c.lockKey(key)
	defer unlock()
	if err := c.db.UpdateStatus(key, msgID, status); err != nil {
		c.logger.Warn("cache status update failed", zap.Error(err), zap.String("msg_id", msgID))
	}
}

// Delete removes one cached message.
func (c *Cache) Delete(key store.Key, msgID string) {
	unlock := c.lockKey(key)
	defer unlock()
	if err := c.db.DeleteMessage(key, msgID); err != nil {
		c.logger.Warn("cache delete failed", zap.Error(err), zap.String("msg_id", msgID))
	}
}

// MarkAllRead flips every delivered-unread message in the conversation to
// read and reports how many were flipped. Runs under the conversation lock
// so it cannot interleave with a concurrent push-delivery write.
func (c *Cache) MarkAllRead(key store.Key) int64 {
	unlock := c.lockKey(key)
	defer unlock()
	n, err := c.db.MarkAllRead(key)
	if err != nil {
		c.logger.Warn("cache mark-read failed", zap.Error(err))
		return 0
	}
	return n
}

// UnreadCount returns the conversation's delivered-unread message count.
func (c *Cache) UnreadCount(key store.Key) int {
	n, err := c.db.UnreadCount(key)
	if err != nil {
		c.logger.Warn("cache unread count failed", zap.Error(err))
		return 0
	}
	return n
}

// AllUnreadCounts returns unread counts keyed by conversation.
func (c *Cache) AllUnreadCounts() map[store.Key]int {
	counts, err := c.db.AllUnreadCounts()
	if err != nil {
		c.logger.Warn("cache unread counts failed", zap.Error(err))
		return map[store.Key]int{}
	}
	return counts
}

// Summarize returns the derived last-message and unread metadata for a
// conversation.
func (c *Cache) Summarize(key store.Key) store.Summary {
	s, err := c.db.Summarize(key)
	if err != nil {
		c.logger.Warn("cache summarize failed", zap.Error(err))
		return store.Summary{}
	}
	return *s
}

// LastMessage returns the newest cached message, or nil.
func (c *Cache) LastMessage(key store.Key) *store.Message {
	m, err := c.db.LastMessage(key)
	if err != nil {
		c.logger.Warn("cache last message failed", zap.Error(err))
		return nil
	}
	return m
}

// Clear drops every cached message. Used on logout.
func (c *Cache) Clear() {
	if err := c.db.Clear(); err != nil {
		c.logger.Warn("cache clear failed", zap.Error(err))
	}
}
