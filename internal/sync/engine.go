// Package sync reconciles optimistic local sends, realtime push frames
// and server history into the deduplicated, time-ordered log the cache
// serves.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pvidal/gochat/internal/backend"
	"github.com/pvidal/gochat/internal/bus"
	"github.com/pvidal/gochat/internal/cache"
	"github.com/pvidal/gochat/internal/store"
	"github.com/pvidal/gochat/internal/ws"
	"go.uber.org/zap"
)

// mergeTolerance is the timestamp window within which a canonical message is
// considered the server-confirmed copy of a cached placeholder with the same
// body. Optimistic send time and server-recorded time are never identical;
// 2s absorbs clock and network skew without false-merging distinct rapid
// messages that happen to repeat the same text.
const mergeTolerance = 2000 * time.Millisecond

// Fetcher is the server-side history and read-receipt API the engine
// consumes. Implemented by backend.Client.
type Fetcher interface {
	FetchHistory(ctx context.Context, targetID int64, kind store.Kind) ([]backend.HistoryMessage, error)
	MarkRead(ctx context.Context, targetID int64, kind store.Kind) error
}

// Sender is the outgoing half of the transport. Implemented by ws.Client.
type Sender interface {
	Send(f ws.Frame) error
}

// Engine merges pushed, fetched and optimistic messages into the cache.
// It subscribes to "ws." events on the bus and processes them sequentially,
// so push handling never races mark-read for the same conversation.
type Engine struct {
	cache   *cache.Cache
	fetcher Fetcher
	sender  Sender
	bus     *bus.Bus
	selfID  int64
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu     sync.Mutex
	active *store.Key
}

// NewEngine creates a reconciliation engine. selfID is the logged-in user id,
// used to skip push echoes of our own sends.
func NewEngine(c *cache.Cache, fetcher Fetcher, sender Sender, b *bus.Bus, selfID int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:   c,
		fetcher: fetcher,
		sender:  sender,
		bus:     b,
		selfID:  selfID,
		logger:  logger,
	}
}

// Start subscribes to inbound transport events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("ws.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// SetActive records which conversation is currently open, so push-delivered
// messages for it are stored as read instead of delivered-unread.
func (e *Engine) SetActive(key store.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := key
	e.active = &k
}

// ClearActive marks no conversation as open.
func (e *Engine) ClearActive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = nil
}

func (e *Engine) activeKey() *store.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindFrameMessage:
		frame, ok := evt.Payload.(ws.Frame)
		if !ok {
			return
		}
		e.handlePush(frame)
	}
}

// handlePush stores one push-delivered message. No placeholder matching
// happens here: a push echo of an optimistic send may briefly duplicate it,
// and the next history merge corrects that. Eventual consistency is the
// deliberate trade for never blocking the push path on a fetch.
func (e *Engine) handlePush(f ws.Frame) {
	if f.FromID == e.selfID {
		// Echo of our own send; the optimistic copy is already cached.
		return
	}

	key, ok := e.routePush(f)
	if !ok {
		return
	}

	active := e.activeKey()
	status := store.StatusDelivered
	if active != nil && *active == key {
		status = store.StatusRead
	}

	msg := &store.Message{
		// Push frames carry no server message id, so the stored copy is a
		// placeholder until the next history merge confirms it.
		MsgID:     store.NewPlaceholderID(),
		TargetID:  key.TargetID,
		Kind:      key.Kind,
		SenderID:  f.FromID,
		Body:      f.Content,
		Status:    status,
		Timestamp: toMillis(f.SendTime),
	}
	if key.Kind == store.KindGroup {
		msg.SenderName = f.FromName
	}

	e.cache.SaveMessage(msg)
	e.publishUpsert(key, msg.MsgID)
}

// routePush derives the conversation key for a push frame. Direct messages
// belong to the sender's conversation. Group frames should carry an explicit
// target_id; older backends omit it, in which case the message can only be
// attributed to the currently open group conversation, and is dropped
// otherwise.
func (e *Engine) routePush(f ws.Frame) (store.Key, bool) {
	switch f.Type {
	case ws.FrameDirect:
		return store.Key{TargetID: f.FromID, Kind: store.KindDirect}, true
	case ws.FrameGroup:
		if target, ok := f.Target(); ok {
			return store.Key{TargetID: target, Kind: store.KindGroup}, true
		}
		if active := e.activeKey(); active != nil && active.Kind == store.KindGroup {
			return *active, true
		}
		e.logger.Warn("dropping group frame without target_id and no open group",
			zap.Int64("from_id", f.FromID))
		return store.Key{}, false
	default:
		return store.Key{}, false
	}
}

// SyncHistory fetches canonical history for a conversation and merges it
// with the cached log. On fetch failure the cached state is returned
// unchanged along with the error: degraded but available.
//
// The merge re-reads the cache after the fetch completes, so a push or a
// send that interleaved with the network call is reconciled too, and
// re-running the merge with the same inputs is a no-op.
func (e *Engine) SyncHistory(ctx context.Context, key store.Key) ([]store.Message, error) {
	fetched, err := e.fetcher.FetchHistory(ctx, key.TargetID, key.Kind)
	if err != nil {
		e.logger.Warn("history fetch failed, serving cached state", zap.Error(err),
			zap.Int64("target_id", key.TargetID))
		return e.cache.Messages(key), fmt.Errorf("fetch history: %w", err)
	}

	merged := e.merge(key, fetched)

	e.bus.Publish(bus.Event{
		Kind:      bus.KindHistoryMerged,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{TargetID: key.TargetID, Kind: int(key.Kind)},
	})
	return merged, nil
}

func (e *Engine) merge(key store.Key, fetched []backend.HistoryMessage) []store.Message {
	cached := e.cache.Messages(key)

	cachedByID := make(map[string]*store.Message, len(cached))
	var placeholders []*store.Message
	for i := range cached {
		m := &cached[i]
		cachedByID[m.MsgID] = m
		if m.IsPlaceholder() {
			placeholders = append(placeholders, m)
		}
	}

	active := e.activeKey()
	isActive := active != nil && *active == key
	matched := make(map[string]bool)
	var incoming []*store.Message

	for _, hm := range fetched {
		cm := e.canonicalMessage(key, hm, isActive)
		if _, ok := cachedByID[cm.MsgID]; ok {
			// Already cached under its server id; the cached copy wins so a
			// locally read message is not demoted back to unread.
			continue
		}
		if ph := matchPlaceholder(placeholders, matched, cm); ph != nil {
			// The canonical copy supersedes the optimistic one. Its status is
			// the derived one: forcing read here would silently consume the
			// unread state of a push-delivered message in a closed
			// conversation.
			matched[ph.MsgID] = true
		}
		incoming = append(incoming, cm)
	}

	deleteIDs := make([]string, 0, len(matched))
	for id := range matched {
		deleteIDs = append(deleteIDs, id)
	}

	// Composite (id, timestamp) dedup guards against double-insertion when
	// the fetch itself repeats a message.
	seen := make(map[string]bool, len(incoming))
	deduped := incoming[:0]
	for _, m := range incoming {
		k := m.MsgID + "_" + strconv.FormatInt(m.Timestamp, 10)
		if seen[k] {
			continue
		}
		seen[k] = true
		deduped = append(deduped, m)
	}

	// Swap superseded placeholders for their canonical copies in a single
	// transaction; a crash mid-merge must not lose an in-flight message.
	// Unmatched placeholders stay: they are either still in flight or
	// outside the fetched window.
	e.cache.ReplaceMessages(key, deleteIDs, deduped)

	// Re-read so callers see exactly what was persisted, in ascending store
	// order and with retention already applied.
	return e.cache.Messages(key)
}

// canonicalMessage converts a fetched history record into a cache message.
// The history payload carries no per-message read state, so status is
// derived: our own sends and the open conversation read, everything else
// delivered-unread.
func (e *Engine) canonicalMessage(key store.Key, hm backend.HistoryMessage, isActive bool) *store.Message {
	status := store.StatusDelivered
	if isActive || hm.FromUserID == e.selfID {
		status = store.StatusRead
	}
	return &store.Message{
		MsgID:     strconv.FormatInt(hm.ID, 10),
		TargetID:  key.TargetID,
		Kind:      key.Kind,
		SenderID:  hm.FromUserID,
		Body:      hm.Content,
		Status:    status,
		Timestamp: hm.CreatedAt,
	}
}

func matchPlaceholder(placeholders []*store.Message, matched map[string]bool, cm *store.Message) *store.Message {
	for _, ph := range placeholders {
		if matched[ph.MsgID] {
			continue
		}
		if ph.Body != cm.Body {
			continue
		}
		delta := ph.Timestamp - cm.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta < mergeTolerance.Milliseconds() {
			return ph
		}
	}
	return nil
}

// SendMessage performs an optimistic send: the message is cached immediately
// with a placeholder id and status sending, then handed to the transport.
// The transport does not queue; if it is down the message is marked failed
// and the caller may retry.
func (e *Engine) SendMessage(key store.Key, body string) (*store.Message, error) {
	frameType := ws.FrameDirect
	if key.Kind == store.KindGroup {
		frameType = ws.FrameGroup
	}

	msg := &store.Message{
		MsgID:     store.NewPlaceholderID(),
		TargetID:  key.TargetID,
		Kind:      key.Kind,
		SenderID:  e.selfID,
		Body:      body,
		Status:    store.StatusSending,
		Timestamp: time.Now().UnixMilli(),
	}
	e.cache.SaveMessage(msg)
	e.publishUpsert(key, msg.MsgID)

	target := key.TargetID
	err := e.sender.Send(ws.Frame{
		Type:     frameType,
		TargetID: &target,
		Content:  body,
		Media:    1,
	})
	if err != nil {
		msg.Status = store.StatusFailed
		e.cache.UpdateStatus(key, msg.MsgID, store.StatusFailed)
		e.bus.Publish(bus.Event{
			Kind:      bus.KindSendFailed,
			Timestamp: time.Now(),
			Payload:   bus.MessageRef{TargetID: key.TargetID, Kind: int(key.Kind), MsgID: msg.MsgID},
		})
		return msg, fmt.Errorf("send message: %w", err)
	}

	msg.Status = store.StatusSent
	e.cache.UpdateStatus(key, msg.MsgID, store.StatusSent)
	e.publishUpsert(key, msg.MsgID)
	return msg, nil
}

// MarkConversationRead flips every delivered-unread message in the
// conversation to read locally and reports the receipt to the server.
// The server call is fire-and-forget.
func (e *Engine) MarkConversationRead(ctx context.Context, key store.Key) int64 {
	n := e.cache.MarkAllRead(key)
	if err := e.fetcher.MarkRead(ctx, key.TargetID, key.Kind); err != nil {
		e.logger.Warn("server read receipt failed", zap.Error(err),
			zap.Int64("target_id", key.TargetID))
	}
	return n
}

// ClearAll wipes the cache. Used on logout.
func (e *Engine) ClearAll() {
	e.cache.Clear()
	e.bus.Publish(bus.Event{Kind: bus.KindCacheCleared, Timestamp: time.Now()})
}

func (e *Engine) publishUpsert(key store.Key, msgID string) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpsert,
		Timestamp: time.Now(),
		Payload:   bus.MessageRef{TargetID: key.TargetID, Kind: int(key.Kind), MsgID: msgID},
	})
}

// toMillis normalizes a wire timestamp: the backend sends epoch seconds on
// push frames but millis elsewhere.
func toMillis(ts int64) int64 {
	if ts > 0 && ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}
