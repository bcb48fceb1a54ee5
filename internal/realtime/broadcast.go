package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
	"crm-realtime/internal/observability"
)

// RangeReader is the slice of the ledger used to fill ordering gaps.
type RangeReader interface {
	ReadRange(ctx context.Context, conversationID int64, fromSeq, toSeq int64) ([]models.Message, error)
}

// sequencer releases new_message events of one room strictly in sequence
// order. next is the sequence expected next; anything earlier is stale.
type sequencer struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]models.Event
	timer   *time.Timer
	dead    bool
}

// LocalBroadcaster delivers events to the connections of this process that
// are members of the room.
type LocalBroadcaster struct {
	registry   *Registry
	sink       Sink
	ledger     RangeReader
	gapTimeout time.Duration
	logger     zerolog.Logger

	mu    sync.Mutex
	rooms map[int64]*sequencer
}

// NewLocalBroadcaster constructs a LocalBroadcaster. A gap in the sequence
// that is still open after gapTimeout is filled from ledger.
func NewLocalBroadcaster(registry *Registry, sink Sink, ledger RangeReader, gapTimeout time.Duration, logger zerolog.Logger) *LocalBroadcaster {
	return &LocalBroadcaster{
		registry:   registry,
		sink:       sink,
		ledger:     ledger,
		gapTimeout: gapTimeout,
		logger:     logger.With().Str("component", "broadcaster").Logger(),
		rooms:      make(map[int64]*sequencer),
	}
}

// Publish delivers evt to local members immediately.
func (b *LocalBroadcaster) Publish(ctx context.Context, evt models.Event) error {
	b.Deliver(evt)
	return nil
}

// Prime sets where live delivery starts for a room that has no sequencer
// yet: the next new_message delivered will be latest+1.
func (b *LocalBroadcaster) Prime(conversationID int64, latest int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[conversationID]; ok {
		return
	}
	b.rooms[conversationID] = &sequencer{next: latest + 1, pending: make(map[int64]models.Event)}
}

// Deliver routes evt to local members. Sequenced events go through the
// room's sequencer; everything else is delivered as it arrives.
func (b *LocalBroadcaster) Deliver(evt models.Event) {
	if evt.Type == models.EventConversationClosed {
		b.deliverNow(evt, b.registry.forgetRoom(evt.ConversationID))
		b.drop(evt.ConversationID)
		return
	}

	members := b.registry.LocalMembers(evt.ConversationID)
	if len(members) == 0 {
		b.drop(evt.ConversationID)
		return
	}
	if !evt.Sequenced() {
		b.deliverNow(evt, members)
		return
	}

	s := b.sequencerFor(evt.ConversationID, evt.Sequence)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case evt.Sequence < s.next:
		b.logger.Debug().Int64("conversation_id", evt.ConversationID).Int64("sequence", evt.Sequence).Int64("next", s.next).Msg("dropping stale event")
		return
	case evt.Sequence > s.next:
		s.pending[evt.Sequence] = evt
		if s.timer == nil {
			conv := evt.ConversationID
			s.timer = time.AfterFunc(b.gapTimeout, func() { b.fillGap(conv, s) })
		}
		return
	}

	b.emitLocked(evt.ConversationID, s, evt)
}

// emitLocked delivers evt and any consecutive pending events. s.mu must be held.
func (b *LocalBroadcaster) emitLocked(conversationID int64, s *sequencer, evt models.Event) {
	b.deliverNow(evt, b.registry.LocalMembers(conversationID))
	s.next = evt.Sequence + 1
	for {
		next, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		b.deliverNow(next, b.registry.LocalMembers(conversationID))
		s.next++
	}
	switch {
	case len(s.pending) == 0 && s.timer != nil:
		s.timer.Stop()
		s.timer = nil
	case len(s.pending) > 0 && s.timer == nil:
		s.timer = time.AfterFunc(b.gapTimeout, func() { b.fillGap(conversationID, s) })
	}
}

// fillGap reads the missing range from the ledger and releases it together
// with the pending events behind it.
func (b *LocalBroadcaster) fillGap(conversationID int64, s *sequencer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.dead || len(s.pending) == 0 {
		return
	}

	lowest := int64(0)
	for seq := range s.pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}

	observability.IncGapFill()
	ctx, cancel := context.WithTimeout(context.Background(), b.gapTimeout+5*time.Second)
	defer cancel()
	missing, err := b.ledger.ReadRange(ctx, conversationID, s.next, lowest-1)
	if err != nil {
		b.logger.Error().Err(err).Int64("conversation_id", conversationID).Int64("from", s.next).Int64("to", lowest-1).Msg("gap fill failed, skipping ahead")
	}
	for i := range missing {
		msg := missing[i]
		if msg.Sequence != s.next {
			continue
		}
		b.deliverNow(models.Event{Type: models.EventNewMessage, ConversationID: conversationID, Sequence: msg.Sequence, Message: &msg}, b.registry.LocalMembers(conversationID))
		s.next++
	}
	s.next = lowest
	first := s.pending[lowest]
	delete(s.pending, lowest)
	b.emitLocked(conversationID, s, first)
}

func (b *LocalBroadcaster) deliverNow(evt models.Event, members []string) {
	for _, connID := range members {
		if connID == evt.Exclude {
			continue
		}
		err := b.sink.Deliver(connID, evt)
		switch {
		case err == nil:
			observability.IncBroadcast(evt.Type, "delivered")
		case errors.Is(err, apperr.ErrNotFound):
			b.logger.Debug().Str("conn_id", connID).Str("type", evt.Type).Msg("member gone before delivery")
			observability.IncBroadcast(evt.Type, "gone")
		default:
			b.logger.Warn().Err(err).Str("conn_id", connID).Str("type", evt.Type).Int64("conversation_id", evt.ConversationID).Msg("delivery failed")
			observability.IncBroadcast(evt.Type, "failed")
		}
	}
}

func (b *LocalBroadcaster) sequencerFor(conversationID, seq int64) *sequencer {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.rooms[conversationID]
	if !ok {
		s = &sequencer{next: seq, pending: make(map[int64]models.Event)}
		b.rooms[conversationID] = s
	}
	return s
}

func (b *LocalBroadcaster) drop(conversationID int64) {
	b.mu.Lock()
	s, ok := b.rooms[conversationID]
	delete(b.rooms, conversationID)
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.dead = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}
