// Package realtime is the conversation messaging core: session registry,
// room directory, message ledger, delivery dispatcher, read state and
// presence. Transports and stores plug in through the interfaces below.
package realtime

import (
	"context"

	"crm-realtime/internal/models"
)

// Validator verifies the credentials presented when a connection opens.
type Validator interface {
	Verify(ctx context.Context, token string) (models.Principal, error)
}

// AccessChecker decides whether a principal may see a conversation. It
// returns the conversation so callers can gate on its status, or an error
// wrapping apperr.ErrNotFound / apperr.ErrForbidden.
type AccessChecker interface {
	CanAccess(ctx context.Context, p models.Principal, conversationID int64) (models.Conversation, error)
}

// Sink hands an event to one live connection of this process. It must not
// block; an unknown connection yields apperr.ErrNotFound.
type Sink interface {
	Deliver(connID string, evt models.Event) error
}

// Broadcaster fans an event out to the members of evt.ConversationID.
type Broadcaster interface {
	Publish(ctx context.Context, evt models.Event) error
}

// MembershipStore holds the room directory. Implementations must make Add
// and Remove atomic so several processes can share one store.
type MembershipStore interface {
	Add(ctx context.Context, conversationID int64, connID string) (bool, error)
	Remove(ctx context.Context, conversationID int64, connID string) (bool, error)
	Members(ctx context.Context, conversationID int64) ([]string, error)
	Clear(ctx context.Context, conversationID int64) error
}

// PresenceStore counts live connections per principal.
type PresenceStore interface {
	Connect(ctx context.Context, principalID string) (becameOnline bool, err error)
	Disconnect(ctx context.Context, principalID string) (becameOffline bool, err error)
	Online(ctx context.Context, principalID string) (bool, error)
}

// Hook observes ledger writes after they are committed. Hooks run off the
// delivery path and their failures never reach the sender.
type Hook interface {
	AfterCommit(ctx context.Context, eventType string, msg models.Message)
}
