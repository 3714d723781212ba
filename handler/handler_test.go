package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"asyncchat/internal/domain"
	"asyncchat/internal/usecase"
)

type stubService struct {
	sendOut   usecase.SendOutput
	sendErr   error
	sendIn    usecase.SendInput
	listOut   []domain.Message
	listErr   error
	listLimit int
	statusOut domain.SessionMeta
	statusErr error
}

func (s *stubService) Send(_ context.Context, in usecase.SendInput) (usecase.SendOutput, error) {
	s.sendIn = in
	return s.sendOut, s.sendErr
}

func (s *stubService) List(_ context.Context, _, _ string, limit int) ([]domain.Message, error) {
	s.listLimit = limit
	return s.listOut, s.listErr
}

func (s *stubService) SessionStatus(_ context.Context, _, _ string) (domain.SessionMeta, error) {
	return s.statusOut, s.statusErr
}

func invoke(t *testing.T, h *Handler, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	t.Helper()
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "application/json", resp.Headers["content-type"])
	return resp
}

func TestNewHandler_RequiresService(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_SendAccepted(t *testing.T) {
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	svc := &stubService{sendOut: usecase.SendOutput{
		MessageID: "m1",
		Timestamp: ts,
		Status:    domain.SessionProcessing,
	}}
	h, err := NewHandler(svc)
	require.NoError(t, err)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/chat",
		Body:       `{"user_id":"u1","session_id":"s1","content":"hello"}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body SendResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, "m1", body.MessageID)
	require.Equal(t, "processing", body.Status)
	require.True(t, ts.Equal(body.Timestamp))

	require.Equal(t, usecase.SendInput{UserID: "u1", SessionID: "s1", Content: "hello"}, svc.sendIn)
}

func TestHandle_SendMalformedBody(t *testing.T) {
	h, _ := NewHandler(&stubService{})

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/chat",
		Body:       `{"user_id":`,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, string(usecase.ErrorInvalidInput), body.Code)
}

func TestHandle_SendValidationError(t *testing.T) {
	svc := &stubService{sendErr: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_content"}}
	h, _ := NewHandler(svc)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/chat",
		Body:       `{"user_id":"u1","session_id":"s1","content":""}`,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, "empty_content", body.Error)
}

func TestHandle_SendDependencyError(t *testing.T) {
	svc := &stubService{sendErr: &usecase.Error{Code: usecase.ErrorTransientDependency, Reason: "queue_enqueue_error"}}
	h, _ := NewHandler(svc)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/chat",
		Body:       `{"user_id":"u1","session_id":"s1","content":"hi"}`,
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandle_SendUnclassifiedError(t *testing.T) {
	svc := &stubService{sendErr: errors.New("boom")}
	h, _ := NewHandler(svc)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/chat",
		Body:       `{"user_id":"u1","session_id":"s1","content":"hi"}`,
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, string(usecase.ErrorInternal), body.Code)
}

func TestHandle_ListMessages(t *testing.T) {
	created := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	svc := &stubService{listOut: []domain.Message{
		{
			MessageID: "m1", UserID: "u1", SessionID: "s1",
			Role: domain.RoleUser, Content: "hi", CreatedAt: created,
			Metadata: domain.MessageMetadata{Tokens: 1, Source: "api"},
		},
		{
			MessageID: "m2", UserID: "u1", SessionID: "s1",
			Role: domain.RoleAssistant, Content: "hello", CreatedAt: created.Add(time.Second),
			Model:    "gpt-4o-mini",
			Metadata: domain.MessageMetadata{LatencyMS: 812, InputTokens: 12, OutputTokens: 4, UserMessageID: "m1"},
		},
	}}
	h, _ := NewHandler(svc)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/messages",
		QueryStringParameters: map[string]string{"user_id": "u1", "session_id": "s1", "limit": "10"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 10, svc.listLimit)

	var body MessagesResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, 2, body.Count)
	require.Len(t, body.Messages, 2)
	require.Equal(t, "hi", body.Messages[0].Content)
	require.Equal(t, "m1", body.Messages[1].Metadata.UserMessageID)
	require.Equal(t, int64(812), body.Messages[1].Metadata.LatencyMS)
	require.Equal(t, "gpt-4o-mini", body.Messages[1].Model)
}

func TestHandle_ListMessages_EmptySessionHasZeroCount(t *testing.T) {
	h, _ := NewHandler(&stubService{})

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/messages",
		QueryStringParameters: map[string]string{"user_id": "u1", "session_id": "s1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"messages":[],"count":0}`, resp.Body)
}

func TestHandle_ListMessages_ValidationError(t *testing.T) {
	svc := &stubService{listErr: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_user_id"}}
	h, _ := NewHandler(svc)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/messages",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_SessionStatus(t *testing.T) {
	svc := &stubService{statusOut: domain.SessionMeta{
		UserID:       "u1",
		SessionID:    "s1",
		Status:       domain.SessionProcessing,
		LastActivity: "2026-08-30T10:00:00.000000000Z",
	}}
	h, _ := NewHandler(svc)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/sessions/s1",
		QueryStringParameters: map[string]string{"user_id": "u1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SessionResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, "processing", body.Status)
	require.Equal(t, "s1", body.SessionID)
	require.NotEmpty(t, body.LastActivity)
}

func TestHandle_SessionStatus_UnknownSessionIsNotAFailure(t *testing.T) {
	svc := &stubService{statusErr: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "unknown_session"}}
	h, _ := NewHandler(svc)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/sessions/s9",
		QueryStringParameters: map[string]string{"user_id": "u1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body SessionResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, "unknown", body.Status)
	require.Equal(t, "s9", body.SessionID)
}

func TestHandle_SessionStatus_DependencyError(t *testing.T) {
	svc := &stubService{statusErr: &usecase.Error{Code: usecase.ErrorTransientDependency, Reason: "store_query_error"}}
	h, _ := NewHandler(svc)

	resp := invoke(t, h, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/sessions/s1",
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandle_Health(t *testing.T) {
	h, _ := NewHandler(&stubService{})

	resp := invoke(t, h, events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/health"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"healthy","service":"chat-api"}`, resp.Body)
}

func TestHandle_TrailingSlashRoutes(t *testing.T) {
	h, _ := NewHandler(&stubService{})

	resp := invoke(t, h, events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/health/"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_UnknownRoute(t *testing.T) {
	h, _ := NewHandler(&stubService{})

	resp := invoke(t, h, events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/nope"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, "NOT_FOUND", body.Code)
}

func TestHandle_MethodMismatchIsNotFound(t *testing.T) {
	h, _ := NewHandler(&stubService{})

	resp := invoke(t, h, events.APIGatewayProxyRequest{HTTPMethod: http.MethodDelete, Path: "/chat"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
