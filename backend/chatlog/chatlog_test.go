package chatlog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agouch/outdora/backend/matching"
)

func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestMemoryLog(t *testing.T) {
	runLogSuite(t, func() Log {
		m := NewMemory()
		m.clock = tickingClock()
		return m
	})
}

func TestRedisLogWithFakeStream(t *testing.T) {
	runLogSuite(t, func() Log { return newRedis(newFakeStream(), 0) })
}

// TestRedisLog runs against a live server when OUTDORA_TEST_REDIS_ADDR is set.
func TestRedisLog(t *testing.T) {
	addr := os.Getenv("OUTDORA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OUTDORA_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	log, raw, err := NewRedis(ctx, RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer raw.Close()

	matchID := fmt.Sprintf("chatlog-test-%d", time.Now().UnixNano())
	defer raw.Del(ctx, streamKey(matchID))

	first, err := log.Append(ctx, Message{MatchID: matchID, SenderID: "a", Text: "hi"})
	require.NoError(t, err)
	_, err = log.Append(ctx, Message{MatchID: matchID, SenderID: "b", Text: "hello"})
	require.NoError(t, err)

	got, err := log.List(ctx, matchID, Query{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, "hello", got[1].Text)
}

func runLogSuite(t *testing.T, newLog func() Log) {
	ctx := context.Background()

	t.Run("AppendAssignsIDAndTime", func(t *testing.T) {
		log := newLog()
		msg, err := log.Append(ctx, Message{MatchID: "m1", SenderID: "a", Text: "  hey  "})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
		assert.Equal(t, "hey", msg.Text)
	})

	t.Run("Validation", func(t *testing.T) {
		log := newLog()
		for name, msg := range map[string]Message{
			"no match":  {SenderID: "a", Text: "x"},
			"no sender": {MatchID: "m1", Text: "x"},
			"blank":     {MatchID: "m1", SenderID: "a", Text: "   "},
			"too long":  {MatchID: "m1", SenderID: "a", Text: strings.Repeat("x", MaxTextLength+1)},
		} {
			_, err := log.Append(ctx, msg)
			assert.Equal(t, matching.CodeInvalidState, matching.CodeOf(err), name)
		}
	})

	t.Run("OrderedPerMatch", func(t *testing.T) {
		log := newLog()
		for i := 0; i < 5; i++ {
			_, err := log.Append(ctx, Message{MatchID: "m1", SenderID: "a", Text: strconv.Itoa(i)})
			require.NoError(t, err)
			_, err = log.Append(ctx, Message{MatchID: "m2", SenderID: "b", Text: "other"})
			require.NoError(t, err)
		}
		got, err := log.List(ctx, "m1", Query{})
		require.NoError(t, err)
		require.Len(t, got, 5)
		for i, m := range got {
			assert.Equal(t, strconv.Itoa(i), m.Text)
			assert.Equal(t, "m1", m.MatchID)
		}

		empty, err := log.List(ctx, "nobody", Query{})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("LimitKeepsNewest", func(t *testing.T) {
		log := newLog()
		for i := 0; i < 5; i++ {
			_, err := log.Append(ctx, Message{MatchID: "m1", SenderID: "a", Text: strconv.Itoa(i)})
			require.NoError(t, err)
		}
		got, err := log.List(ctx, "m1", Query{Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "3", got[0].Text)
		assert.Equal(t, "4", got[1].Text)
	})

	t.Run("BeforePages", func(t *testing.T) {
		log := newLog()
		var sent []Message
		for i := 0; i < 4; i++ {
			m, err := log.Append(ctx, Message{MatchID: "m1", SenderID: "a", Text: strconv.Itoa(i)})
			require.NoError(t, err)
			sent = append(sent, m)
		}
		got, err := log.List(ctx, "m1", Query{Before: sent[2].Timestamp})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, sent[0].ID, got[0].ID)
		assert.Equal(t, sent[1].ID, got[1].ID)
	})
}

// fakeStream implements the two stream commands the Redis log uses. Entry ids
// advance one second per append.
type fakeStream struct {
	mu      sync.Mutex
	next    int64
	streams map[string][]redis.XMessage
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		next:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		streams: make(map[string][]redis.XMessage),
	}
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next += 1000
	id := fmt.Sprintf("%d-0", f.next)
	values := make(map[string]any)
	for k, v := range a.Values.(map[string]any) {
		values[k] = fmt.Sprint(v)
	}
	f.streams[a.Stream] = append(f.streams[a.Stream], redis.XMessage{ID: id, Values: values})
	return redis.NewStringResult(id, nil)
}

func (f *fakeStream) XRevRangeN(_ context.Context, stream, start, _ string, count int64) *redis.XMessageSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	upper := int64(1<<62 - 1)
	if start != "+" {
		v, err := strconv.ParseInt(start, 10, 64)
		if err != nil {
			return redis.NewXMessageSliceCmdResult(nil, err)
		}
		upper = v
	}
	entries := append([]redis.XMessage(nil), f.streams[stream]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	var out []redis.XMessage
	for _, e := range entries {
		ts, _ := entryTime(e.ID)
		if ts.UnixMilli() > upper {
			continue
		}
		out = append(out, e)
		if int64(len(out)) == count {
			break
		}
	}
	return redis.NewXMessageSliceCmdResult(out, nil)
}
