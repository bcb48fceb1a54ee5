package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"crm-realtime/internal/models"
	"crm-realtime/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) Create(ctx context.Context, customerID string) (models.Conversation, error) {
	args := m.Called(ctx, customerID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) Get(ctx context.Context, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) List(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error) {
	args := m.Called(ctx, status)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) SetStatus(ctx context.Context, conversationID int64, status models.ConversationStatus) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, status)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) Assign(ctx context.Context, conversationID int64, agentID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID, agentID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

type AccessCheckerMock struct {
	mock.Mock
}

func (m *AccessCheckerMock) CanAccess(ctx context.Context, p models.Principal, conversationID int64) (models.Conversation, error) {
	args := m.Called(ctx, p, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

type RoomsMock struct {
	mock.Mock
}

func (m *RoomsMock) MembersOf(ctx context.Context, conversationID int64) ([]string, error) {
	args := m.Called(ctx, conversationID)
	var members []string
	if val := args.Get(0); val != nil {
		members = val.([]string)
	}
	return members, args.Error(1)
}

func (m *RoomsMock) CloseRoom(ctx context.Context, conversationID int64) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

type SessionsMock struct {
	mock.Mock
}

func (m *SessionsMock) Lookup(connID string) (models.Principal, error) {
	args := m.Called(connID)
	var p models.Principal
	if val := args.Get(0); val != nil {
		p = val.(models.Principal)
	}
	return p, args.Error(1)
}

type PresenceMock struct {
	mock.Mock
}

func (m *PresenceMock) IsOnline(ctx context.Context, principalID string) (bool, error) {
	args := m.Called(ctx, principalID)
	return args.Bool(0), args.Error(1)
}

type TranscriptMock struct {
	mock.Mock
}

func (m *TranscriptMock) ReadRange(ctx context.Context, conversationID int64, fromSeq, toSeq int64) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, fromSeq, toSeq)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *TranscriptMock) Latest(ctx context.Context, conversationID int64) (int64, error) {
	args := m.Called(ctx, conversationID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *TranscriptMock) Get(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *TranscriptMock) Search(ctx context.Context, conversationID int64, filter models.MessageFilter) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, filter)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type MessagingMock struct {
	mock.Mock
}

func (m *MessagingMock) Post(ctx context.Context, p models.Principal, conversationID int64, body models.Body) (models.Message, error) {
	args := m.Called(ctx, p, conversationID, body)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagingMock) PostReply(ctx context.Context, p models.Principal, conversationID int64, replyTo string, body models.Body) (models.Message, error) {
	args := m.Called(ctx, p, conversationID, replyTo, body)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagingMock) EditAs(ctx context.Context, p models.Principal, messageID string, body models.Body) (models.Message, error) {
	args := m.Called(ctx, p, messageID, body)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessagingMock) DeleteAs(ctx context.Context, p models.Principal, messageID string) (models.Message, error) {
	args := m.Called(ctx, p, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

type ReadTrackerMock struct {
	mock.Mock
}

func (m *ReadTrackerMock) MarkReadAs(ctx context.Context, p models.Principal, conversationID int64, upTo int64) (models.ReadCursor, error) {
	args := m.Called(ctx, p, conversationID, upTo)
	var cursor models.ReadCursor
	if val := args.Get(0); val != nil {
		cursor = val.(models.ReadCursor)
	}
	return cursor, args.Error(1)
}

func (m *ReadTrackerMock) UnreadCount(ctx context.Context, conversationID int64, principalID string) (int64, error) {
	args := m.Called(ctx, conversationID, principalID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *ReadTrackerMock) Cursor(ctx context.Context, conversationID int64, principalID string) (models.ReadCursor, error) {
	args := m.Called(ctx, conversationID, principalID)
	var cursor models.ReadCursor
	if val := args.Get(0); val != nil {
		cursor = val.(models.ReadCursor)
	}
	return cursor, args.Error(1)
}

var _ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
