package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chorus/presence-service/models"
)

const (
	ownerKeyPrefix = "presence:owner:"
	nodeKeyPrefix  = "presence:node:"
)

func OwnerKey(userID string) string { return ownerKeyPrefix + userID }
func NodeKey(nodeID string) string  { return nodeKeyPrefix + nodeID }

// claimScript sets the lease when it is free, already ours, or held by a
// node whose liveness key is gone. It returns the owner after the call.
var claimScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (not current) or current == ARGV[1] or redis.call('EXISTS', ARGV[3] .. current) == 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return ARGV[1]
end
return current
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisOwnership stores leases as presence:owner:<user> and node liveness as
// presence:node:<node>, both with TTLs so a dead node's state ages out.
type RedisOwnership struct {
	redis    *redis.Client
	leaseTTL time.Duration
	nodeTTL  time.Duration
}

func NewRedisOwnership(client *redis.Client, leaseTTL, nodeTTL time.Duration) *RedisOwnership {
	return &RedisOwnership{
		redis:    client,
		leaseTTL: leaseTTL,
		nodeTTL:  nodeTTL,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("ownership %s: %w: %w", op, models.ErrUnavailable, err)
}

func (o *RedisOwnership) Claim(ctx context.Context, userID, nodeID string) (string, error) {
	owner, err := claimScript.Run(ctx, o.redis,
		[]string{OwnerKey(userID)},
		nodeID, o.leaseTTL.Milliseconds(), nodeKeyPrefix,
	).Text()
	if err != nil {
		return "", unavailable("claim", err)
	}
	return owner, nil
}

func (o *RedisOwnership) Refresh(ctx context.Context, userID, nodeID string) error {
	n, err := refreshScript.Run(ctx, o.redis, []string{OwnerKey(userID)}, nodeID, o.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return unavailable("refresh", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (o *RedisOwnership) Release(ctx context.Context, userID, nodeID string) error {
	if err := releaseScript.Run(ctx, o.redis, []string{OwnerKey(userID)}, nodeID).Err(); err != nil {
		return unavailable("release", err)
	}
	return nil
}

func (o *RedisOwnership) Announce(ctx context.Context, info NodeInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal node info: %w", err)
	}
	if err := o.redis.Set(ctx, NodeKey(info.ID), data, o.nodeTTL).Err(); err != nil {
		return unavailable("announce", err)
	}
	return nil
}

func (o *RedisOwnership) Node(ctx context.Context, nodeID string) (NodeInfo, error) {
	data, err := o.redis.Get(ctx, NodeKey(nodeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NodeInfo{}, nodeNotFound(nodeID)
		}
		return NodeInfo{}, unavailable("node", err)
	}

	var info NodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return NodeInfo{}, fmt.Errorf("failed to unmarshal node info: %w", err)
	}
	return info, nil
}

func (o *RedisOwnership) Nodes(ctx context.Context) ([]NodeInfo, error) {
	var keys []string
	iter := o.redis.Scan(ctx, 0, nodeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("nodes", err)
	}
	if len(keys) == 0 {
		return []NodeInfo{}, nil
	}

	values, err := o.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("nodes", err)
	}

	nodes := make([]NodeInfo, 0, len(values))
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		var info NodeInfo
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			continue
		}
		nodes = append(nodes, info)
	}
	return nodes, nil
}
