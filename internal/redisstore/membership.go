package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Membership is a MembershipStore backed by one Redis hash per room mapping
// connection id to the instance that holds the socket. Each instance keeps a
// heartbeat key alive; members of an instance whose heartbeat expired are
// dropped on read, so a crashed process does not leave its connections behind.
type Membership struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     zerolog.Logger
}

// NewMembership constructs a Membership for this instance. ttl is how long
// the heartbeat survives without a refresh.
func NewMembership(client *redis.Client, instanceID string, ttl time.Duration, logger zerolog.Logger) *Membership {
	return &Membership{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger.With().Str("component", "redis_membership").Str("instance_id", instanceID).Logger(),
	}
}

// Beat refreshes this instance's heartbeat.
func (m *Membership) Beat(ctx context.Context) error {
	return transient("set heartbeat", m.client.Set(ctx, instanceKey(m.instanceID), time.Now().UTC().Unix(), m.ttl).Err())
}

// Run refreshes the heartbeat every third of the ttl until ctx is done, then
// removes it so peers drop this instance's members right away.
func (m *Membership) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := m.client.Del(stopCtx, instanceKey(m.instanceID)).Err()
			cancel()
			if err != nil {
				m.logger.Warn().Err(err).Msg("heartbeat removal failed")
			}
			return
		case <-ticker.C:
			if err := m.Beat(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("heartbeat refresh failed")
			}
		}
	}
}

func (m *Membership) Add(ctx context.Context, conversationID int64, connID string) (bool, error) {
	added, err := m.client.HSetNX(ctx, membersKey(conversationID), connID, m.instanceID).Result()
	if err != nil {
		return false, transient("hsetnx", err)
	}
	return added, nil
}

func (m *Membership) Remove(ctx context.Context, conversationID int64, connID string) (bool, error) {
	n, err := m.client.HDel(ctx, membersKey(conversationID), connID).Result()
	if err != nil {
		return false, transient("hdel", err)
	}
	return n == 1, nil
}

// Members returns connections held by live instances. Entries of dead
// instances are deleted as they are found.
func (m *Membership) Members(ctx context.Context, conversationID int64) ([]string, error) {
	key := membersKey(conversationID)
	owners, err := m.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, transient("hgetall", err)
	}

	alive, err := m.liveInstances(ctx, owners)
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(owners))
	var stale []string
	for connID, instance := range owners {
		if alive[instance] {
			members = append(members, connID)
		} else {
			stale = append(stale, connID)
		}
	}
	if len(stale) > 0 {
		if err := m.client.HDel(ctx, key, stale...).Err(); err != nil {
			m.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("stale member cleanup failed")
		} else {
			m.logger.Info().Int64("conversation_id", conversationID).Int("count", len(stale)).Msg("dropped members of dead instances")
		}
	}
	return members, nil
}

// liveInstances checks the heartbeat of every instance owning a member. This
// instance is always live.
func (m *Membership) liveInstances(ctx context.Context, owners map[string]string) (map[string]bool, error) {
	alive := map[string]bool{m.instanceID: true}
	checks := make(map[string]*redis.IntCmd)
	pipe := m.client.Pipeline()
	for _, instance := range owners {
		if _, seen := checks[instance]; seen || instance == m.instanceID {
			continue
		}
		checks[instance] = pipe.Exists(ctx, instanceKey(instance))
	}
	if len(checks) == 0 {
		return alive, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, transient("exists", err)
	}
	for instance, cmd := range checks {
		alive[instance] = cmd.Val() == 1
	}
	return alive, nil
}

func (m *Membership) Clear(ctx context.Context, conversationID int64) error {
	return transient("del", m.client.Del(ctx, membersKey(conversationID)).Err())
}
