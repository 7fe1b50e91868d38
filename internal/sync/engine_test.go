package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvidal/gochat/internal/backend"
	"github.com/pvidal/gochat/internal/bus"
	"github.com/pvidal/gochat/internal/cache"
	"github.com/pvidal/gochat/internal/store"
	"github.com/pvidal/gochat/internal/ws"
)

const selfID = int64(100)

type fakeFetcher struct {
	msgs      []backend.HistoryMessage
	err       error
	readCalls []store.Key
}

func (f *fakeFetcher) FetchHistory(_ context.Context, _ int64, _ store.Kind) ([]backend.HistoryMessage, error) {
	return f.msgs, f.err
}

func (f *fakeFetcher) MarkRead(_ context.Context, targetID int64, kind store.Kind) error {
	f.readCalls = append(f.readCalls, store.Key{TargetID: targetID, Kind: kind})
	return nil
}

type fakeSender struct {
	err    error
	frames []ws.Frame
}

func (s *fakeSender) Send(f ws.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func testEngine(t *testing.T, fetcher *fakeFetcher, sender *fakeSender) (*Engine, *cache.Cache, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := cache.New(db, 500, nil)
	b := bus.New()
	return NewEngine(c, fetcher, sender, b, selfID, nil), c, b
}

func placeholder(target int64, kind store.Kind, body string, ts int64) *store.Message {
	return &store.Message{
		MsgID:     store.NewPlaceholderID(),
		TargetID:  target,
		Kind:      kind,
		SenderID:  selfID,
		Body:      body,
		Status:    store.StatusSending,
		Timestamp: ts,
	}
}

func history(id int64, from int64, body string, ts int64) backend.HistoryMessage {
	return backend.HistoryMessage{ID: id, FromUserID: from, Content: body, CreatedAt: ts}
}

func TestSyncHistoryMergesPlaceholderWithCanonical(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{msgs: []backend.HistoryMessage{
		history(42, selfID, "hello", 1700000001500),
	}}
	e, c, _ := testEngine(t, fetcher, &fakeSender{})

	c.SaveMessage(placeholder(7, store.KindDirect, "hello", 1700000000000))

	merged, err := e.SyncHistory(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, merged, 1, "placeholder and canonical copy must collapse into one")
	assert.Equal(t, "42", merged[0].MsgID)
	assert.Equal(t, store.StatusRead, merged[0].Status)
	assert.False(t, merged[0].IsPlaceholder())
	assert.Len(t, c.Messages(key), 1)
}

func TestSyncHistoryKeepsUnreadAfterPlaceholderMatch(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{msgs: []backend.HistoryMessage{
		history(42, 7, "ping", 1700000000500),
	}}
	e, c, _ := testEngine(t, fetcher, &fakeSender{})

	// Push for a closed conversation: delivered-unread.
	e.handlePush(ws.Frame{Type: ws.FrameDirect, FromID: 7, Content: "ping", SendTime: 1700000000})
	require.Equal(t, 1, c.UnreadCount(key))

	// The merge swaps the pushed placeholder for its canonical copy but must
	// not consume the unread state; only MarkConversationRead does that.
	merged, err := e.SyncHistory(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "42", merged[0].MsgID)
	assert.Equal(t, store.StatusDelivered, merged[0].Status)
	assert.Equal(t, 1, c.UnreadCount(key))
}

func TestSyncHistoryKeepsDistinctMessagesOutsideTolerance(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{msgs: []backend.HistoryMessage{
		history(42, selfID, "hello", 1700000002500),
	}}
	e, c, _ := testEngine(t, fetcher, &fakeSender{})

	// Same body but 2.5s apart: a genuine repeat, not an echo.
	c.SaveMessage(placeholder(7, store.KindDirect, "hello", 1700000000000))

	merged, err := e.SyncHistory(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.True(t, merged[0].IsPlaceholder())
	assert.Equal(t, "42", merged[1].MsgID)
}

func TestSyncHistoryPreservesUnmatchedPlaceholder(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{msgs: []backend.HistoryMessage{
		history(42, 7, "from peer", 1700000001000),
	}}
	e, c, _ := testEngine(t, fetcher, &fakeSender{})

	// In-flight send not yet visible in server history.
	c.SaveMessage(placeholder(7, store.KindDirect, "still sending", 1700000002000))

	merged, err := e.SyncHistory(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "42", merged[0].MsgID)
	assert.Equal(t, "still sending", merged[1].Body)
	assert.True(t, merged[1].IsPlaceholder())
}

func TestSyncHistoryCachedCopyWins(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{msgs: []backend.HistoryMessage{
		history(42, 7, "hi", 1700000001000),
	}}
	e, c, _ := testEngine(t, fetcher, &fakeSender{})

	c.SaveMessage(&store.Message{
		MsgID: "42", TargetID: 7, Kind: store.KindDirect, SenderID: 7,
		Body: "hi", Status: store.StatusRead, Timestamp: 1700000001000,
	})

	merged, err := e.SyncHistory(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, store.StatusRead, merged[0].Status, "locally read message must not be demoted")
	assert.Equal(t, 0, c.UnreadCount(key))
}

func TestSyncHistoryIdempotent(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{msgs: []backend.HistoryMessage{
		history(41, 7, "one", 1700000001000),
		history(42, selfID, "two", 1700000002000),
	}}
	e, c, _ := testEngine(t, fetcher, &fakeSender{})

	c.SaveMessage(placeholder(7, store.KindDirect, "two", 1700000001900))

	first, err := e.SyncHistory(context.Background(), key)
	require.NoError(t, err)
	second, err := e.SyncHistory(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, c.Messages(key), 2)
}

func TestSyncHistorySortsAscending(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{msgs: []backend.HistoryMessage{
		history(43, 7, "later", 1700000003000),
		history(41, 7, "earlier", 1700000001000),
	}}
	e, _, _ := testEngine(t, fetcher, &fakeSender{})

	merged, err := e.SyncHistory(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "earlier", merged[0].Body)
	assert.Equal(t, "later", merged[1].Body)
}

func TestSyncHistoryFetchFailureFallsBackToCache(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{err: errors.New("server down")}
	e, c, _ := testEngine(t, fetcher, &fakeSender{})

	c.SaveMessage(&store.Message{
		MsgID: "42", TargetID: 7, Kind: store.KindDirect, SenderID: 7,
		Body: "cached", Status: store.StatusRead, Timestamp: 1700000001000,
	})

	merged, err := e.SyncHistory(context.Background(), key)
	require.Error(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "cached", merged[0].Body)
}

func TestHandlePushInactiveConversationIsUnread(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	e, c, _ := testEngine(t, &fakeFetcher{}, &fakeSender{})

	e.handlePush(ws.Frame{Type: ws.FrameDirect, FromID: 7, Content: "ping", SendTime: 1700000000})

	msgs := c.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.StatusDelivered, msgs[0].Status)
	assert.Equal(t, int64(1700000000000), msgs[0].Timestamp)
	assert.Equal(t, 1, c.UnreadCount(key))
}

func TestHandlePushActiveConversationIsRead(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	e, c, _ := testEngine(t, &fakeFetcher{}, &fakeSender{})

	e.SetActive(key)
	e.handlePush(ws.Frame{Type: ws.FrameDirect, FromID: 7, Content: "ping", SendTime: 1700000000})

	msgs := c.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.StatusRead, msgs[0].Status)
	assert.Equal(t, 0, c.UnreadCount(key))
}

func TestHandlePushSkipsSelfEcho(t *testing.T) {
	e, c, _ := testEngine(t, &fakeFetcher{}, &fakeSender{})

	e.handlePush(ws.Frame{Type: ws.FrameDirect, FromID: selfID, TargetID: ptr(int64(7)), Content: "mine", SendTime: 1})

	assert.Empty(t, c.Messages(store.Key{TargetID: 7, Kind: store.KindDirect}))
}

func TestHandlePushGroupWithoutTargetUsesActiveGroup(t *testing.T) {
	key := store.Key{TargetID: 9, Kind: store.KindGroup}
	e, c, _ := testEngine(t, &fakeFetcher{}, &fakeSender{})

	e.SetActive(key)
	e.handlePush(ws.Frame{Type: ws.FrameGroup, FromID: 5, FromName: "alice", Content: "hey all", SendTime: 1700000000})

	msgs := c.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderName)
}

func TestHandlePushGroupWithoutTargetAndNoActiveGroupIsDropped(t *testing.T) {
	e, c, _ := testEngine(t, &fakeFetcher{}, &fakeSender{})

	e.SetActive(store.Key{TargetID: 7, Kind: store.KindDirect})
	e.handlePush(ws.Frame{Type: ws.FrameGroup, FromID: 5, Content: "hey all", SendTime: 1700000000})

	assert.Empty(t, c.AllUnreadCounts())
}

func TestSendMessageOptimistic(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindGroup}
	sender := &fakeSender{}
	e, c, _ := testEngine(t, &fakeFetcher{}, sender)

	msg, err := e.SendMessage(key, "hello group")
	require.NoError(t, err)
	assert.True(t, msg.IsPlaceholder())
	assert.Equal(t, store.StatusSent, msg.Status)

	require.Len(t, sender.frames, 1)
	assert.Equal(t, ws.FrameGroup, sender.frames[0].Type)
	target, ok := sender.frames[0].Target()
	require.True(t, ok)
	assert.Equal(t, int64(7), target)

	msgs := c.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.StatusSent, msgs[0].Status)
}

func TestSendMessageTransportDownMarksFailed(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	sender := &fakeSender{err: ws.ErrNotConnected}
	e, c, b := testEngine(t, &fakeFetcher{}, sender)

	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	msg, err := e.SendMessage(key, "hello")
	require.Error(t, err)
	assert.Equal(t, store.StatusFailed, msg.Status)

	msgs := c.Messages(key)
	require.Len(t, msgs, 1, "failed message stays cached for retry")
	assert.Equal(t, store.StatusFailed, msgs[0].Status)

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	assert.Contains(t, kinds, bus.KindSendFailed)
}

func TestMarkConversationRead(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	fetcher := &fakeFetcher{}
	e, c, _ := testEngine(t, fetcher, &fakeSender{})

	e.handlePush(ws.Frame{Type: ws.FrameDirect, FromID: 7, Content: "a", SendTime: 1})
	e.handlePush(ws.Frame{Type: ws.FrameDirect, FromID: 7, Content: "b", SendTime: 2})
	require.Equal(t, 2, c.UnreadCount(key))

	n := e.MarkConversationRead(context.Background(), key)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, c.UnreadCount(key))
	assert.Equal(t, []store.Key{key}, fetcher.readCalls)
}

func TestEngineConsumesBusFrames(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	e, c, b := testEngine(t, &fakeFetcher{}, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	b.Publish(bus.Event{
		Kind:      bus.KindFrameMessage,
		Timestamp: time.Now(),
		Payload:   ws.Frame{Type: ws.FrameDirect, FromID: 7, Content: "via bus", SendTime: 1700000000},
	})

	require.Eventually(t, func() bool {
		return len(c.Messages(key)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "via bus", c.Messages(key)[0].Body)
}

func TestClearAll(t *testing.T) {
	key := store.Key{TargetID: 7, Kind: store.KindDirect}
	e, c, b := testEngine(t, &fakeFetcher{}, &fakeSender{})

	c.SaveMessage(&store.Message{
		MsgID: "42", TargetID: 7, Kind: store.KindDirect, SenderID: 7,
		Body: "x", Status: store.StatusRead, Timestamp: 1,
	})

	ch, unsub := b.Subscribe("cache.", 1)
	defer unsub()

	e.ClearAll()
	assert.Empty(t, c.Messages(key))
	require.Len(t, ch, 1)
	assert.Equal(t, bus.KindCacheCleared, (<-ch).Kind)
}

func ptr[T any](v T) *T { return &v }
