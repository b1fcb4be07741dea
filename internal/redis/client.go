package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a call record has expired or never existed.
var ErrNotFound = errors.New("not found")

const historyLength = 50

// deletes the presence key only if it still names the given connection
var releasePresence = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// resets the presence TTL if the key names the given connection or has
// lapsed, and leaves a newer connection's key alone
var refreshPresence = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner == false or owner == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// Client is the presence directory and call record store.
type Client struct {
	rdb           *redis.Client
	presenceTTL   time.Duration
	callRecordTTL time.Duration
}

// Connect dials Redis and checks the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(rdb, cfg), nil
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client, cfg config.RedisConfig) *Client {
	return &Client{
		rdb:           rdb,
		presenceTTL:   cfg.PresenceTTL,
		callRecordTTL: cfg.CallRecordTTL,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func presenceKey(endpointID string) string { return "presence:" + endpointID }
func callKey(sessionID string) string      { return "call:" + sessionID }
func historyKey(endpointID string) string  { return "calls:" + endpointID }

// MarkOnline records that endpointID is served by connID.
func (c *Client) MarkOnline(ctx context.Context, endpointID, connID string) error {
	return c.rdb.Set(ctx, presenceKey(endpointID), connID, c.presenceTTL).Err()
}

// MarkOffline clears the presence of endpointID if connID still owns it, so a
// stale disconnect cannot hide a newer registration.
func (c *Client) MarkOffline(ctx context.Context, endpointID, connID string) error {
	return releasePresence.Run(ctx, c.rdb, []string{presenceKey(endpointID)}, connID).Err()
}

// RefreshPresence extends the presence of endpointID while connID still owns
// it. A key that already expired is written again.
func (c *Client) RefreshPresence(ctx context.Context, endpointID, connID string) error {
	return refreshPresence.Run(ctx, c.rdb, []string{presenceKey(endpointID)}, connID, c.presenceTTL.Milliseconds()).Err()
}

func (c *Client) IsOnline(ctx context.Context, endpointID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, presenceKey(endpointID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordCall stores a finished call and prepends it to both parties' history.
func (c *Client) RecordCall(ctx context.Context, rec models.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode call record: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, callKey(rec.SessionID), data, c.callRecordTTL)
		for _, party := range []string{rec.CallerID, rec.CalleeID} {
			pipe.LPush(ctx, historyKey(party), rec.SessionID)
			pipe.LTrim(ctx, historyKey(party), 0, historyLength-1)
			pipe.Expire(ctx, historyKey(party), c.callRecordTTL)
		}
		return nil
	})
	return err
}

func (c *Client) GetCall(ctx context.Context, sessionID string) (*models.CallRecord, error) {
	data, err := c.rdb.Get(ctx, callKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec models.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse call record: %w", err)
	}
	return &rec, nil
}

// CallHistory returns up to limit of the endpoint's most recent calls, newest
// first. Records that already expired are skipped.
func (c *Client) CallHistory(ctx context.Context, endpointID string, limit int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > historyLength {
		limit = historyLength
	}
	ids, err := c.rdb.LRange(ctx, historyKey(endpointID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]models.CallRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := c.GetCall(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}
