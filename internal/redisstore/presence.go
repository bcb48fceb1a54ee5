package redisstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// disconnectScript decrements a principal's count and drops the field once
// it reaches zero, in one step so a concurrent Connect is never lost.
var disconnectScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

// Presence counts live connections per principal in one Redis hash.
type Presence struct {
	client *redis.Client
}

// NewPresence constructs a Presence.
func NewPresence(client *redis.Client) *Presence {
	return &Presence{client: client}
}

func (p *Presence) Connect(ctx context.Context, principalID string) (bool, error) {
	n, err := p.client.HIncrBy(ctx, presenceKey, principalID, 1).Result()
	if err != nil {
		return false, transient("hincrby", err)
	}
	return n == 1, nil
}

func (p *Presence) Disconnect(ctx context.Context, principalID string) (bool, error) {
	n, err := disconnectScript.Run(ctx, p.client, []string{presenceKey}, principalID).Int64()
	if err != nil {
		return false, transient("disconnect", err)
	}
	return n == 0, nil
}

func (p *Presence) Online(ctx context.Context, principalID string) (bool, error) {
	n, err := p.client.HGet(ctx, presenceKey, principalID).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, transient("hget", err)
	}
	return n > 0, nil
}
