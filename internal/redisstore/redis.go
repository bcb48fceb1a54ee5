// Package redisstore shares room membership, presence and event fan-out
// between service instances through Redis.
package redisstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"crm-realtime/internal/apperr"
)

const (
	presenceKey   = "crm:presence"
	eventsPattern = "crm:room:*:events"
)

// Connect parses redisURL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// membersKey returns the key of a room's member set.
func membersKey(conversationID int64) string {
	return "crm:room:" + strconv.FormatInt(conversationID, 10) + ":members"
}

// instanceKey returns the heartbeat key of a service instance.
func instanceKey(instanceID string) string {
	return "crm:instance:" + instanceID
}

// eventsChannel returns the pub/sub channel of a room.
func eventsChannel(conversationID int64) string {
	return "crm:room:" + strconv.FormatInt(conversationID, 10) + ":events"
}

// transient marks Redis failures so callers treat them as a store outage.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redis %s: %v: %w", op, err, apperr.ErrTransientStore)
}
