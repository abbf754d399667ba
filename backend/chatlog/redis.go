package chatlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agouch/outdora/backend/matching"
)

const keyNamespace = "outdora:chat"

type streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// Redis stores every match conversation in its own stream. The stream entry id
// orders the log, and its millisecond part is the message timestamp.
type Redis struct {
	client streamer
	maxLen int64
}

// RedisOptions configures the connection. URL wins over Addr.
type RedisOptions struct {
	URL      string
	Addr     string
	Password string
	DB       int
	// MaxLen caps each stream approximately. Zero keeps everything.
	MaxLen int64
}

// NewRedis connects and pings.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, *redis.Client, error) {
	var ro *redis.Options
	switch {
	case opts.URL != "":
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing redis url: %w", err)
		}
		ro = parsed
	case opts.Addr != "":
		ro = &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	default:
		return nil, nil, errors.New("redis url or address is required")
	}
	raw := redis.NewClient(ro)
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedis(raw, opts.MaxLen), raw, nil
}

func newRedis(client streamer, maxLen int64) *Redis {
	return &Redis{client: client, maxLen: maxLen}
}

func streamKey(matchID string) string {
	return keyNamespace + ":" + matchID
}

func (r *Redis) Append(ctx context.Context, msg Message) (Message, error) {
	msg, err := Prepare(msg, time.Now())
	if err != nil {
		return Message{}, err
	}
	args := &redis.XAddArgs{
		Stream: streamKey(msg.MatchID),
		ID:     "*",
		Values: map[string]any{
			"id":     msg.ID,
			"sender": string(msg.SenderID),
			"text":   msg.Text,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	entryID, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return Message{}, matching.Wrap(matching.CodeUnavailable, err, "append chat message")
	}
	if ts, ok := entryTime(entryID); ok {
		msg.Timestamp = ts
	}
	return msg, nil
}

func (r *Redis) List(ctx context.Context, matchID string, q Query) ([]Message, error) {
	end := "+"
	if !q.Before.IsZero() {
		ms := q.Before.UnixMilli()
		if q.Before.Equal(time.UnixMilli(ms)) {
			ms--
		}
		if ms < 0 {
			return []Message{}, nil
		}
		end = strconv.FormatInt(ms, 10)
	}
	entries, err := r.client.XRevRangeN(ctx, streamKey(matchID), end, "-", int64(q.limit())).Result()
	if err != nil {
		return nil, matching.Wrap(matching.CodeUnavailable, err, "read chat messages")
	}
	out := make([]Message, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, decodeEntry(matchID, entries[i]))
	}
	return out, nil
}

func decodeEntry(matchID string, e redis.XMessage) Message {
	msg := Message{
		ID:       stringValue(e.Values["id"]),
		MatchID:  matchID,
		SenderID: matching.UserID(stringValue(e.Values["sender"])),
		Text:     stringValue(e.Values["text"]),
	}
	if msg.ID == "" {
		msg.ID = e.ID
	}
	if ts, ok := entryTime(e.ID); ok {
		msg.Timestamp = ts
	}
	return msg
}

// entryTime reads the millisecond part of a stream entry id.
func entryTime(id string) (time.Time, bool) {
	ms, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(v).UTC(), true
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
