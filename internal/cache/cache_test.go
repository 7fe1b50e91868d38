package cache

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pvidal/gochat/internal/store"
)

func testCache(t *testing.T, maxPerConversation int) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, maxPerConversation, nil)
}

func msg(id string, target int64, kind store.Kind, body string, ts int64) *store.Message {
	return &store.Message{
		MsgID:     id,
		TargetID:  target,
		Kind:      kind,
		Body:      body,
		Status:    store.StatusRead,
		Timestamp: ts,
	}
}

func TestSaveMessageIdempotent(t *testing.T) {
	c := testCache(t, 500)
	key := store.Key{TargetID: 1, Kind: store.KindDirect}

	m := msg("m1", 1, store.KindDirect, "hi", 1000)
	c.SaveMessage(m)
	c.SaveMessage(m)

	if got := len(c.Messages(key)); got != 1 {
		t.Errorf("got %d messages, want 1", got)
	}
}

func TestRetentionCap(t *testing.T) {
	c := testCache(t, 500)
	key := store.Key{TargetID: 1, Kind: store.KindDirect}

	for i := 0; i < 501; i++ {
		c.SaveMessage(msg(fmt.Sprintf("m%04d", i), 1, store.KindDirect, "x", int64(1000+i)))
	}

	msgs := c.Messages(key)
	if len(msgs) != 500 {
		t.Fatalf("got %d messages, want 500", len(msgs))
	}
	// The evicted message is the oldest one.
	if msgs[0].MsgID != "m0001" {
		t.Errorf("oldest remaining = %q, want m0001 (m0000 evicted)", msgs[0].MsgID)
	}
	if msgs[len(msgs)-1].MsgID != "m0500" {
		t.Errorf("newest = %q, want m0500", msgs[len(msgs)-1].MsgID)
	}
}

func TestRetentionEvictsDeterministicallyOnEqualTimestamps(t *testing.T) {
	c := testCache(t, 3)
	key := store.Key{TargetID: 1, Kind: store.KindDirect}

	// Three messages share a timestamp; eviction tie-breaks on msg_id.
	c.SaveMessage(msg("b", 1, store.KindDirect, "b", 1000))
	c.SaveMessage(msg("a", 1, store.KindDirect, "a", 1000))
	c.SaveMessage(msg("c", 1, store.KindDirect, "c", 1000))
	c.SaveMessage(msg("d", 1, store.KindDirect, "d", 2000))

	msgs := c.Messages(key)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].MsgID != "b" {
		t.Errorf("first remaining = %q, want b (a evicted by id tie-break)", msgs[0].MsgID)
	}
}

func TestRetentionDoesNotEvictOnUpsertOfExisting(t *testing.T) {
	c := testCache(t, 2)
	key := store.Key{TargetID: 1, Kind: store.KindDirect}

	c.SaveMessage(msg("m1", 1, store.KindDirect, "one", 1000))
	c.SaveMessage(msg("m2", 1, store.KindDirect, "two", 2000))
	// Re-saving an existing message at the cap must not evict anything.
	c.SaveMessage(msg("m1", 1, store.KindDirect, "one edited", 1000))

	msgs := c.Messages(key)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Body != "one edited" {
		t.Errorf("body = %q, want 'one edited'", msgs[0].Body)
	}
}

func TestSaveMessagesBatchTrims(t *testing.T) {
	c := testCache(t, 5)
	key := store.Key{TargetID: 1, Kind: store.KindGroup}

	var batch []*store.Message
	for i := 0; i < 8; i++ {
		batch = append(batch, msg(fmt.Sprintf("m%d", i), 1, store.KindGroup, "x", int64(1000+i)))
	}
	c.SaveMessages(batch)

	msgs := c.Messages(key)
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[0].MsgID != "m3" {
		t.Errorf("oldest remaining = %q, want m3", msgs[0].MsgID)
	}
}

func TestReplaceMessagesSwapsAndTrims(t *testing.T) {
	c := testCache(t, 3)
	key := store.Key{TargetID: 1, Kind: store.KindDirect}

	c.SaveMessage(msg("temp-a", 1, store.KindDirect, "in flight", 1000))
	c.SaveMessage(msg("m1", 1, store.KindDirect, "old", 1100))
	c.SaveMessage(msg("m2", 1, store.KindDirect, "older", 1200))

	c.ReplaceMessages(key, []string{"temp-a"}, []*store.Message{
		msg("41", 1, store.KindDirect, "in flight", 1050),
		msg("42", 1, store.KindDirect, "new", 1300),
		msg("43", 1, store.KindDirect, "newer", 1400),
	})

	msgs := c.Messages(key)
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (cap applies after swap)", len(msgs))
	}
	// The swap overflows the cap by two, so 41 and m1 (oldest) are evicted.
	if msgs[0].MsgID != "m2" || msgs[1].MsgID != "42" || msgs[2].MsgID != "43" {
		t.Errorf("ids = [%s, %s, %s], want [m2, 42, 43]", msgs[0].MsgID, msgs[1].MsgID, msgs[2].MsgID)
	}
}

func TestDelete(t *testing.T) {
	c := testCache(t, 500)
	key := store.Key{TargetID: 1, Kind: store.KindDirect}

	c.SaveMessage(msg("m1", 1, store.KindDirect, "one", 1000))
	c.SaveMessage(msg("m2", 1, store.KindDirect, "two", 2000))
	c.Delete(key, "m1")

	msgs := c.Messages(key)
	if len(msgs) != 1 || msgs[0].MsgID != "m2" {
		t.Errorf("messages after Delete = %+v, want only m2", msgs)
	}
}

func TestUnreadAccounting(t *testing.T) {
	c := testCache(t, 500)
	key := store.Key{TargetID: 1, Kind: store.KindDirect}

	for i := 0; i < 3; i++ {
		m := msg(fmt.Sprintf("m%d", i), 1, store.KindDirect, "x", int64(1000+i))
		m.Status = store.StatusDelivered
		c.SaveMessage(m)
	}
	if got := c.UnreadCount(key); got != 3 {
		t.Errorf("UnreadCount = %d, want 3", got)
	}

	if n := c.MarkAllRead(key); n != 3 {
		t.Errorf("MarkAllRead = %d, want 3", n)
	}
	if got := c.UnreadCount(key); got != 0 {
		t.Errorf("UnreadCount after MarkAllRead = %d, want 0", got)
	}
	for _, m := range c.Messages(key) {
		if m.Status != store.StatusRead {
			t.Errorf("message %s status = %q, want read", m.MsgID, m.Status)
		}
	}
}

func TestAllUnreadCounts(t *testing.T) {
	c := testCache(t, 500)

	d := msg("m1", 7, store.KindDirect, "a", 1000)
	d.Status = store.StatusDelivered
	g := msg("m2", 7, store.KindGroup, "b", 2000)
	g.Status = store.StatusDelivered
	c.SaveMessage(d)
	c.SaveMessage(g)

	counts := c.AllUnreadCounts()
	if counts[store.Key{TargetID: 7, Kind: store.KindDirect}] != 1 {
		t.Errorf("direct unread = %d, want 1", counts[store.Key{TargetID: 7, Kind: store.KindDirect}])
	}
	if counts[store.Key{TargetID: 7, Kind: store.KindGroup}] != 1 {
		t.Errorf("group unread = %d, want 1", counts[store.Key{TargetID: 7, Kind: store.KindGroup}])
	}
}

func TestClear(t *testing.T) {
	c := testCache(t, 500)
	key := store.Key{TargetID: 1, Kind: store.KindDirect}

	c.SaveMessage(msg("m1", 1, store.KindDirect, "x", 1000))
	c.Clear()
	if got := len(c.Messages(key)); got != 0 {
		t.Errorf("got %d messages after Clear, want 0", got)
	}
}

func TestSummarizeAndLastMessage(t *testing.T) {
	c := testCache(t, 500)
	key := store.Key{TargetID: 2, Kind: store.KindGroup}

	old := msg("m1", 2, store.KindGroup, "old", 1000)
	old.SenderName = "alice"
	newest := msg("m2", 2, store.KindGroup, "newest", 2000)
	newest.SenderName = "bob"
	newest.Status = store.StatusDelivered
	c.SaveMessage(old)
	c.SaveMessage(newest)

	s := c.Summarize(key)
	if s.LastBody != "newest" || s.UnreadCount != 1 {
		t.Errorf("summary = %+v, want last 'newest', unread 1", s)
	}
	last := c.LastMessage(key)
	if last == nil || last.MsgID != "m2" {
		t.Errorf("LastMessage = %+v, want m2", last)
	}
}
