// Package timeline publishes issue timeline events to Redis streams so
// observers can follow a case without polling PostgreSQL. PostgreSQL stays
// the system of record; the feed is best effort.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rentshield/api/internal/dispute"
)

const (
	keyPrefix = "timeline:"
	allKey    = keyPrefix + "all"
	fieldName = "event"
)

// Entry is one stream record.
type Entry struct {
	StreamID string                `json:"streamId"`
	Event    dispute.TimelineEvent `json:"event"`
}

// RedisFeed appends timeline events to a per-issue stream and to a global
// stream.
type RedisFeed struct {
	client *redis.Client
	maxLen int64
}

// NewRedisFeed connects to redisURL and verifies the connection.
func NewRedisFeed(redisURL string, maxLen int64) (*RedisFeed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisFeedWithClient(client, maxLen), nil
}

func NewRedisFeedWithClient(client *redis.Client, maxLen int64) *RedisFeed {
	return &RedisFeed{client: client, maxLen: maxLen}
}

func issueKey(issueID string) string {
	return keyPrefix + issueID
}

// Publish appends event to both streams in one pipeline.
func (f *RedisFeed) Publish(ctx context.Context, event dispute.TimelineEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}

	pipe := f.client.Pipeline()
	for _, stream := range []string{issueKey(event.IssueID), allKey} {
		args := &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{fieldName: string(payload)},
		}
		if f.maxLen > 0 {
			args.MaxLen = f.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish timeline event: %w", err)
	}
	return nil
}

// Read returns up to count entries for an issue that come after afterID.
// An empty afterID reads from the start of the stream.
func (f *RedisFeed) Read(ctx context.Context, issueID, afterID string, count int64) ([]Entry, error) {
	return f.read(ctx, issueKey(issueID), afterID, count)
}

// ReadAll reads the global stream.
func (f *RedisFeed) ReadAll(ctx context.Context, afterID string, count int64) ([]Entry, error) {
	return f.read(ctx, allKey, afterID, count)
}

func (f *RedisFeed) read(ctx context.Context, stream, afterID string, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 100
	}
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}

	messages, err := f.client.XRangeN(ctx, stream, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read timeline stream: %w", err)
	}

	entries := make([]Entry, 0, len(messages))
	for _, message := range messages {
		raw, ok := message.Values[fieldName].(string)
		if !ok {
			continue
		}
		var event dispute.TimelineEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("unmarshal timeline event %s: %w", message.ID, err)
		}
		entries = append(entries, Entry{StreamID: message.ID, Event: event})
	}
	return entries, nil
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}
