package models

// Outbound event types delivered to connections.
const (
	EventNewMessage         = "new_message"
	EventMessageEdited      = "message_edited"
	EventMessageDeleted     = "message_deleted"
	EventTyping             = "typing"
	EventPresenceChanged    = "presence_changed"
	EventReadReceipt        = "read_receipt"
	EventJoined             = "joined"
	EventLeft               = "left"
	EventBackfill           = "backfill"
	EventConversationClosed = "conversation_closed"
	EventError              = "error"
)

// Event is the envelope broadcast over websockets and the shared fan-out
// channel. Only new_message events carry an ordering Sequence.
type Event struct {
	Type           string     `json:"type"`
	ConversationID int64      `json:"conversation_id,omitempty"`
	Sequence       int64      `json:"sequence,omitempty"`
	Message        *Message   `json:"message,omitempty"`
	Messages       []Message  `json:"messages,omitempty"`
	Principal      *Principal `json:"principal,omitempty"`
	Typing         *bool      `json:"typing,omitempty"`
	Online         *bool      `json:"online,omitempty"`
	ReadUpTo       int64      `json:"read_up_to,omitempty"`
	LatestSequence int64      `json:"latest_sequence,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	Code           string     `json:"code,omitempty"`

	// Exclude names a connection that must not receive the event.
	Exclude string `json:"exclude,omitempty"`
}

// Sequenced reports whether the event takes part in per-conversation ordering.
func (e Event) Sequenced() bool {
	return e.Type == EventNewMessage && e.Sequence > 0
}
