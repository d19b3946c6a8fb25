package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 256

// RedisSink mirrors events into a per-run Redis stream so other processes
// can replay them.
type RedisSink struct {
	rdb     redis.UniversalClient
	maxLen  int64
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisSink(rdb redis.UniversalClient, maxLen int64, ttl time.Duration) *RedisSink {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisSink{rdb: rdb, maxLen: maxLen, ttl: ttl, timeout: 3 * time.Second}
}

// StreamKey is the Redis stream holding a run's events.
func StreamKey(runID string) string { return fmt.Sprintf("research:events:%s", runID) }

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, evt Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payloadJSON := "{}"
	if evt.Data != nil {
		if b, err := json.Marshal(evt.Data); err == nil {
			payloadJSON = string(b)
		}
	}
	key := StreamKey(evt.RunID)
	pipe := s.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"run_id":    evt.RunID,
			"type":      evt.Type,
			"agent_id":  evt.AgentID,
			"stream_id": evt.StreamID,
			"message":   evt.Message,
			"payload":   payloadJSON,
			"ts_nano":   strconv.FormatInt(evt.Timestamp.UnixNano(), 10),
			"seq":       strconv.FormatUint(evt.Seq, 10),
		},
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Replay reads back events with Seq > since from the run's stream.
func (s *RedisSink) Replay(ctx context.Context, runID string, since uint64) ([]Event, error) {
	msgs, err := s.rdb.XRange(ctx, StreamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		evt := decodeMessage(m.Values)
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

func decodeMessage(v map[string]interface{}) Event {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	evt := Event{
		RunID:    str("run_id"),
		Type:     str("type"),
		AgentID:  str("agent_id"),
		StreamID: str("stream_id"),
		Message:  str("message"),
	}
	if p := str("payload"); p != "" && p != "{}" {
		_ = json.Unmarshal([]byte(p), &evt.Data)
	}
	if n, err := strconv.ParseInt(str("ts_nano"), 10, 64); err == nil {
		evt.Timestamp = time.Unix(0, n).UTC()
	}
	evt.Seq, _ = strconv.ParseUint(str("seq"), 10, 64)
	return evt
}
