package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"crm-realtime/internal/mocks"
)

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	agent := "agent-1"
	pub.On("Publish", mock.Anything, "audit.crm_realtime", mock.MatchedBy(func(env AuditEnvelope) bool {
		return env.EventType == "audit_log" &&
			env.Service == "crm-realtime" &&
			env.Environment == "test" &&
			env.RequestID == "req-1" &&
			env.PrincipalID != nil && *env.PrincipalID == "agent-1" &&
			env.Payload == AuditPayload{Level: "INFO", Action: "conversation_closed", Text: "closed", ConversationID: 4}
	}), map[string]string{"x-request-id": "req-1"}).Return(nil).Once()

	emitter := NewAuditEmitter(pub, "audit.crm_realtime", "crm-realtime", "test", zerolog.Nop())
	emitter.Emit(context.Background(), "INFO", "conversation_closed", "closed", "req-1", &agent, 4)

	pub.AssertExpectations(t)
}

func TestAuditEmitterSwallowsErrors(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker gone")).Once()

	emitter := NewAuditEmitter(pub, "audit.crm_realtime", "crm-realtime", "test", zerolog.Nop())
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "message_deleted", "gone", "", nil, 1)
	})
	pub.AssertExpectations(t)
}

func TestNilAuditEmitter(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "noop", "", "", nil, 0)
	})
}
