package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"acople/pkg/message"
)

const (
	DefaultHistoryKey = "history:global"

	keyUniversal = "index:universal:"
	keyPlatform  = "index:platform:"
	keyNative    = "index:native:"
	keyIndexes   = "index:*"
)

type RedisOptions struct {
	HistoryKey string
}

// Redis stores history in a Valkey/Redis list and indexes in plain keys.
// Every Append runs inside MULTI/EXEC.
type Redis struct {
	client     redis.UniversalClient
	historyKey string
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	historyKey := opts.HistoryKey
	if historyKey == "" {
		historyKey = DefaultHistoryKey
	}
	return &Redis{client: client, historyKey: historyKey}
}

func (r *Redis) Append(ctx context.Context, msg *message.UniversalMessage) error {
	if msg == nil {
		return errors.New("append message: message is nil")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	projection := Project(msg)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.historyKey, data)
		if msg.Message == nil {
			return nil
		}

		key := keyUniversal + projection.UniversalID
		for field, value := range projectionFields(projection) {
			pipe.HSetNX(ctx, key, field, value)
		}
		if projection.MessageID != "" {
			pipe.Set(ctx, keyPlatform+platformKey(projection.AdapterID, projection.MessageID), projection.UniversalID, 0)
			pipe.Set(ctx, keyNative+nativeKey(projection.UniversalID, projection.Endpoint()), projection.MessageID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *Redis) IndexDelivery(ctx context.Context, universalID string, delivered Projection) error {
	if err := validateDelivery(universalID, delivered); err != nil {
		return fmt.Errorf("index delivery: %w", err)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyPlatform+platformKey(delivered.AdapterID, delivered.MessageID), universalID, 0)
		pipe.Set(ctx, keyNative+nativeKey(universalID, delivered.Endpoint()), delivered.MessageID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index delivery: %w", err)
	}
	return nil
}

func (r *Redis) GetByUniversalID(ctx context.Context, universalID string) (Projection, error) {
	fields, err := r.client.HGetAll(ctx, keyUniversal+universalID).Result()
	if err != nil {
		return Projection{}, fmt.Errorf("get projection: %w", err)
	}
	if len(fields) == 0 {
		return Projection{}, ErrNotFound
	}
	return projectionFromFields(fields), nil
}

func (r *Redis) GetNativeID(ctx context.Context, universalID string, endpoint message.Endpoint) (string, error) {
	return r.getString(ctx, keyNative+nativeKey(universalID, endpoint))
}

func (r *Redis) LookupUniversalID(ctx context.Context, adapterID, nativeID string) (string, error) {
	return r.getString(ctx, keyPlatform+platformKey(adapterID, nativeID))
}

func (r *Redis) getString(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (r *Redis) ScanRecent(ctx context.Context, match Predicate, limit int) ([]Projection, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	entries, err := r.client.LRange(ctx, r.historyKey, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}

	var out []Projection
	for i := len(entries) - 1; i >= 0; i-- {
		var msg message.UniversalMessage
		if err := json.Unmarshal([]byte(entries[i]), &msg); err != nil {
			continue
		}

		projection := Project(&msg)
		if match == nil || match(projection) {
			out = append(out, projection)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}

	return out, nil
}

// Purge drops history and every index key.
func (r *Redis) Purge(ctx context.Context) error {
	keys := []string{r.historyKey}
	iter := r.client.Scan(ctx, 0, keyIndexes, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan index keys: %w", err)
	}

	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		if err := r.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("delete keys: %w", err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func projectionFields(p Projection) map[string]string {
	return map[string]string{
		"universalId": p.UniversalID,
		"platform":    p.Platform,
		"adapterId":   p.AdapterID,
		"messageId":   p.MessageID,
		"chatId":      p.ChatID,
		"threadId":    p.ThreadID,
		"authorId":    p.AuthorID,
		"authorName":  p.AuthorName,
		"timestamp":   strconv.FormatInt(p.Timestamp, 10),
		"text":        p.Text,
	}
}

func projectionFromFields(fields map[string]string) Projection {
	ts, _ := strconv.ParseInt(fields["timestamp"], 10, 64)
	return Projection{
		UniversalID: fields["universalId"],
		Platform:    fields["platform"],
		AdapterID:   fields["adapterId"],
		MessageID:   fields["messageId"],
		ChatID:      fields["chatId"],
		ThreadID:    fields["threadId"],
		AuthorID:    fields["authorId"],
		AuthorName:  fields["authorName"],
		Timestamp:   ts,
		Text:        fields["text"],
	}
}
