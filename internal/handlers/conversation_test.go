package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/middleware"
	"crm-realtime/internal/mocks"
	"crm-realtime/internal/models"
)

var (
	testCustomer = models.Principal{ID: "cust-1", Role: models.RoleCustomer}
	testAgent    = models.Principal{ID: "agent-1", Role: models.RoleAgent, Name: "Ploy"}
)

type conversationDeps struct {
	repo     *mocks.ConversationRepositoryMock
	access   *mocks.AccessCheckerMock
	rooms    *mocks.RoomsMock
	sessions *mocks.SessionsMock
	presence *mocks.PresenceMock
}

func (d conversationDeps) assert(t *testing.T) {
	d.repo.AssertExpectations(t)
	d.access.AssertExpectations(t)
	d.rooms.AssertExpectations(t)
	d.sessions.AssertExpectations(t)
	d.presence.AssertExpectations(t)
}

func setupConversationRouter(as models.Principal) (*gin.Engine, conversationDeps) {
	gin.SetMode(gin.TestMode)
	deps := conversationDeps{
		repo:     new(mocks.ConversationRepositoryMock),
		access:   new(mocks.AccessCheckerMock),
		rooms:    new(mocks.RoomsMock),
		sessions: new(mocks.SessionsMock),
		presence: new(mocks.PresenceMock),
	}
	handler := NewConversationHandler(deps.repo, deps.access, deps.rooms, deps.sessions, deps.presence, nil)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.PrincipalKey, as)
		c.Next()
	})
	r.GET("/conversations", handler.ListConversations)
	r.POST("/conversations", handler.CreateConversation)
	r.GET("/conversations/:id", handler.GetConversation)
	r.PUT("/conversations/:id/close", handler.CloseConversation)
	r.PUT("/conversations/:id/reopen", handler.ReopenConversation)
	r.PUT("/conversations/:id/assign", handler.AssignConversation)
	r.GET("/conversations/:id/members", handler.ListMembers)
	return r, deps
}

func TestListConversationsFiltersForCustomers(t *testing.T) {
	router, deps := setupConversationRouter(testCustomer)
	deps.repo.On("List", mock.Anything, models.StatusActive).Return([]models.Conversation{
		{ID: 1, CustomerID: "cust-1"},
		{ID: 2, CustomerID: "cust-2"},
	}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations?status=active", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, int64(1), resp.Conversations[0].ID)
	deps.assert(t)
}

func TestListConversationsRejectsUnknownStatus(t *testing.T) {
	router, deps := setupConversationRouter(testAgent)

	req := httptest.NewRequest(http.MethodGet, "/conversations?status=archived", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	deps.assert(t)
}

func TestCreateConversationAsCustomerIgnoresBody(t *testing.T) {
	router, deps := setupConversationRouter(testCustomer)
	deps.repo.On("Create", mock.Anything, "cust-1").Return(models.Conversation{ID: 9, CustomerID: "cust-1", Status: models.StatusActive}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewBufferString(`{"customer_id":"someone-else"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	deps.assert(t)
}

func TestCreateConversationAsAgentNeedsCustomer(t *testing.T) {
	router, deps := setupConversationRouter(testAgent)

	req := httptest.NewRequest(http.MethodPost, "/conversations", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	deps.assert(t)
}

func TestGetConversationMapsAccessErrors(t *testing.T) {
	router, deps := setupConversationRouter(testCustomer)
	deps.access.On("CanAccess", mock.Anything, testCustomer, int64(2)).Return(nil, apperr.ErrForbidden).Once()
	deps.access.On("CanAccess", mock.Anything, testCustomer, int64(3)).Return(nil, apperr.ErrNotFound).Once()

	for path, status := range map[string]int{
		"/conversations/2":   http.StatusForbidden,
		"/conversations/3":   http.StatusNotFound,
		"/conversations/abc": http.StatusBadRequest,
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, status, rec.Code, path)
	}
	deps.assert(t)
}

func TestCloseConversationEmptiesRoom(t *testing.T) {
	router, deps := setupConversationRouter(testAgent)
	deps.repo.On("SetStatus", mock.Anything, int64(4), models.StatusClosed).Return(models.Conversation{ID: 4, Status: models.StatusClosed}, nil).Once()
	deps.rooms.On("CloseRoom", mock.Anything, int64(4)).Return(nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/conversations/4/close", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	deps.assert(t)
}

func TestReopenConversation(t *testing.T) {
	router, deps := setupConversationRouter(testAgent)
	deps.repo.On("SetStatus", mock.Anything, int64(4), models.StatusActive).Return(models.Conversation{ID: 4, Status: models.StatusActive}, nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/conversations/4/reopen", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	deps.assert(t)
}

func TestAssignDefaultsToCaller(t *testing.T) {
	router, deps := setupConversationRouter(testAgent)
	deps.repo.On("Assign", mock.Anything, int64(4), "agent-1").Return(models.Conversation{ID: 4}, nil).Once()

	req := httptest.NewRequest(http.MethodPut, "/conversations/4/assign", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	deps.assert(t)
}

func TestListMembersIncludesRemoteConnections(t *testing.T) {
	router, deps := setupConversationRouter(testAgent)
	deps.access.On("CanAccess", mock.Anything, testAgent, int64(1)).Return(models.Conversation{ID: 1}, nil).Once()
	deps.rooms.On("MembersOf", mock.Anything, int64(1)).Return([]string{"local", "remote"}, nil).Once()
	deps.sessions.On("Lookup", "local").Return(testCustomer, nil).Once()
	deps.sessions.On("Lookup", "remote").Return(nil, apperr.ErrNotFound).Once()
	deps.presence.On("IsOnline", mock.Anything, "cust-1").Return(true, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/1/members", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Members []memberResponse `json:"members"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Members, 2)
	assert.Equal(t, "cust-1", resp.Members[0].PrincipalID)
	assert.Equal(t, "remote", resp.Members[1].ConnID)
	assert.Empty(t, resp.Members[1].PrincipalID)
	deps.assert(t)
}
