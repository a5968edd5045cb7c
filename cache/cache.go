package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"chorus/presence-service/models"
)

const (
	userKeyPrefix    = "presence:user:"
	channelKeyPrefix = "presence:channel:"
	typingKeyPrefix  = "presence:typing:"

	// MaxTypingTTL bounds a typing entry. The typing set itself always lives
	// this long, so no writer can shorten it under another user's entry.
	MaxTypingTTL = time.Minute
)

// ErrMiss is returned by GetStatus when the user has no cache entry.
var ErrMiss = errors.New("cache miss")

// Cache is the low-latency tier in front of the durable store. Every error
// other than ErrMiss wraps models.ErrUnavailable.
type Cache interface {
	SetStatus(ctx context.Context, rec models.PresenceRecord, ttl time.Duration) error
	GetStatus(ctx context.Context, userID string) (*models.PresenceRecord, error)
	// BatchGetStatus fetches many users in one round trip. Users without an
	// entry are returned in misses.
	BatchGetStatus(ctx context.Context, userIDs []string) (hits map[string]models.PresenceRecord, misses []string, err error)

	AddMember(ctx context.Context, channelID, userID string) (bool, error)
	RemoveMember(ctx context.Context, channelID, userID string) (bool, error)
	Members(ctx context.Context, channelID string) ([]string, error)
	ReplaceMembers(ctx context.Context, channelID string, userIDs []string) error

	SetTyping(ctx context.Context, channelID, userID string, ttl time.Duration) error
	TypingUsers(ctx context.Context, channelID string) ([]string, error)
	ClearTyping(ctx context.Context, channelID, userID string) error

	Ping(ctx context.Context) error
}

// RedisCache implements Cache on a single Redis client.
type RedisCache struct {
	redis *redis.Client
	clock clock.Clock
}

func NewRedisCache(client *redis.Client, clk clock.Clock) *RedisCache {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisCache{
		redis: client,
		clock: clk,
	}
}

func UserKey(userID string) string       { return userKeyPrefix + userID }
func ChannelKey(channelID string) string { return channelKeyPrefix + channelID }
func TypingKey(channelID string) string  { return typingKeyPrefix + channelID }

func unavailable(op string, err error) error {
	return fmt.Errorf("cache %s: %w: %w", op, models.ErrUnavailable, err)
}

func (c *RedisCache) SetStatus(ctx context.Context, rec models.PresenceRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence data: %w", err)
	}

	if err := c.redis.Set(ctx, UserKey(rec.UserID), data, ttl).Err(); err != nil {
		return unavailable("set status", err)
	}
	return nil
}

func (c *RedisCache) GetStatus(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	data, err := c.redis.Get(ctx, UserKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, unavailable("get status", err)
	}

	var rec models.PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt entry is treated like a missing one; the caller falls
		// back to the store and overwrites it.
		return nil, ErrMiss
	}
	return &rec, nil
}

func (c *RedisCache) BatchGetStatus(ctx context.Context, userIDs []string) (map[string]models.PresenceRecord, []string, error) {
	hits := make(map[string]models.PresenceRecord, len(userIDs))
	if len(userIDs) == 0 {
		return hits, nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, userID := range userIDs {
		keys[i] = UserKey(userID)
	}

	values, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, unavailable("batch get status", err)
	}

	var misses []string
	for i, value := range values {
		s, ok := value.(string)
		if !ok {
			misses = append(misses, userIDs[i])
			continue
		}
		var rec models.PresenceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			misses = append(misses, userIDs[i])
			continue
		}
		hits[userIDs[i]] = rec
	}
	return hits, misses, nil
}

// AddMember reports whether the user was newly added.
func (c *RedisCache) AddMember(ctx context.Context, channelID, userID string) (bool, error) {
	n, err := c.redis.SAdd(ctx, ChannelKey(channelID), userID).Result()
	if err != nil {
		return false, unavailable("add member", err)
	}
	return n == 1, nil
}

// RemoveMember reports whether the user was a member.
func (c *RedisCache) RemoveMember(ctx context.Context, channelID, userID string) (bool, error) {
	n, err := c.redis.SRem(ctx, ChannelKey(channelID), userID).Result()
	if err != nil {
		return false, unavailable("remove member", err)
	}
	return n == 1, nil
}

func (c *RedisCache) Members(ctx context.Context, channelID string) ([]string, error) {
	members, err := c.redis.SMembers(ctx, ChannelKey(channelID)).Result()
	if err != nil {
		return nil, unavailable("members", err)
	}
	return members, nil
}

// ReplaceMembers rebuilds a channel set, typically from the durable copy.
func (c *RedisCache) ReplaceMembers(ctx context.Context, channelID string, userIDs []string) error {
	key := ChannelKey(channelID)
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(userIDs) > 0 {
			members := make([]interface{}, len(userIDs))
			for i, id := range userIDs {
				members[i] = id
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return unavailable("replace members", err)
	}
	return nil
}

// SetTyping inserts or refreshes the user's typing expiry. ttl is capped at
// MaxTypingTTL.
func (c *RedisCache) SetTyping(ctx context.Context, channelID, userID string, ttl time.Duration) error {
	if ttl > MaxTypingTTL {
		ttl = MaxTypingTTL
	}
	key := TypingKey(channelID)
	expiry := c.clock.Now().Add(ttl)

	pipe := c.redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiry.UnixMilli()), Member: userID})
	pipe.Expire(ctx, key, MaxTypingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("set typing", err)
	}
	return nil
}

// TypingUsers returns users whose typing expiry is still in the future.
// Expired members are pruned in the same round trip.
func (c *RedisCache) TypingUsers(ctx context.Context, channelID string) ([]string, error) {
	key := TypingKey(channelID)
	now := strconv.FormatInt(c.clock.Now().UnixMilli(), 10)

	pipe := c.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", now)
	users := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("typing users", err)
	}
	return users.Val(), nil
}

func (c *RedisCache) ClearTyping(ctx context.Context, channelID, userID string) error {
	if err := c.redis.ZRem(ctx, TypingKey(channelID), userID).Err(); err != nil {
		return unavailable("clear typing", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
