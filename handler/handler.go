package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"asyncchat/internal/domain"
	"asyncchat/internal/usecase"
)

// ChatService is the ingress surface served over HTTP.
type ChatService interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	List(ctx context.Context, userID, sessionID string, limit int) ([]domain.Message, error)
	SessionStatus(ctx context.Context, userID, sessionID string) (domain.SessionMeta, error)
}

// Wire types. Shared with the API client in internal/poller so request and
// response shapes cannot drift apart.

type SendRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

type SendResponse struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type MetadataPayload struct {
	Tokens        int    `json:"tokens,omitempty"`
	Source        string `json:"source,omitempty"`
	LatencyMS     int64  `json:"latency_ms,omitempty"`
	InputTokens   int    `json:"input_tokens,omitempty"`
	OutputTokens  int    `json:"output_tokens,omitempty"`
	UserMessageID string `json:"user_message_id,omitempty"`
}

type MessagePayload struct {
	MessageID string          `json:"message_id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	Model     string          `json:"model,omitempty"`
	Metadata  MetadataPayload `json:"metadata"`
}

type MessagesResponse struct {
	Messages []MessagePayload `json:"messages"`
	Count    int              `json:"count"`
}

type SessionResponse struct {
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	LastActivity string `json:"last_activity,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handler routes API Gateway proxy events to the chat service.
type Handler struct {
	svc ChatService
}

func NewHandler(svc ChatService) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	return &Handler{svc: svc}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := strings.TrimRight(req.Path, "/")
	switch {
	case req.HTTPMethod == http.MethodPost && path == "/chat":
		return h.handleSend(ctx, req), nil
	case req.HTTPMethod == http.MethodGet && path == "/messages":
		return h.handleListMessages(ctx, req), nil
	case req.HTTPMethod == http.MethodGet && strings.HasPrefix(path, "/sessions/"):
		return h.handleSessionStatus(ctx, req, strings.TrimPrefix(path, "/sessions/")), nil
	case req.HTTPMethod == http.MethodGet && path == "/health":
		// Liveness only; no dependencies are checked here.
		return jsonResponse(http.StatusOK, map[string]string{"status": "healthy", "service": "chat-api"}), nil
	default:
		return jsonResponse(http.StatusNotFound, ErrorResponse{Error: "unknown route", Code: "NOT_FOUND"}), nil
	}
}

func (h *Handler) handleSend(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body SendRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, ErrorResponse{Error: "malformed JSON body", Code: string(usecase.ErrorInvalidInput)})
	}

	out, err := h.svc.Send(ctx, usecase.SendInput{
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Content:   body.Content,
	})
	if err != nil {
		return errorResponse(err)
	}

	return jsonResponse(http.StatusCreated, SendResponse{
		MessageID: out.MessageID,
		Status:    string(out.Status),
		Timestamp: out.Timestamp,
	})
}

func (h *Handler) handleListMessages(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	userID := req.QueryStringParameters["user_id"]
	sessionID := req.QueryStringParameters["session_id"]
	limit, _ := strconv.Atoi(req.QueryStringParameters["limit"])

	msgs, err := h.svc.List(ctx, userID, sessionID, limit)
	if err != nil {
		return errorResponse(err)
	}

	payload := MessagesResponse{
		Messages: make([]MessagePayload, 0, len(msgs)),
		Count:    len(msgs),
	}
	for _, m := range msgs {
		payload.Messages = append(payload.Messages, toMessagePayload(m))
	}
	return jsonResponse(http.StatusOK, payload)
}

func (h *Handler) handleSessionStatus(ctx context.Context, req events.APIGatewayProxyRequest, sessionID string) events.APIGatewayProxyResponse {
	userID := req.QueryStringParameters["user_id"]

	meta, err := h.svc.SessionStatus(ctx, userID, sessionID)
	if err != nil {
		var ue *usecase.Error
		if errors.As(err, &ue) && ue.Code == usecase.ErrorNotFound {
			// Unknown session is an empty result, not a failure.
			return jsonResponse(http.StatusOK, SessionResponse{
				UserID:    userID,
				SessionID: sessionID,
				Status:    "unknown",
			})
		}
		return errorResponse(err)
	}

	return jsonResponse(http.StatusOK, SessionResponse{
		UserID:       meta.UserID,
		SessionID:    meta.SessionID,
		Status:       string(meta.Status),
		LastActivity: meta.LastActivity,
	})
}

func toMessagePayload(m domain.Message) MessagePayload {
	return MessagePayload{
		MessageID: m.MessageID,
		UserID:    m.UserID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Model:     m.Model,
		Metadata: MetadataPayload{
			Tokens:        m.Metadata.Tokens,
			Source:        m.Metadata.Source,
			LatencyMS:     m.Metadata.LatencyMS,
			InputTokens:   m.Metadata.InputTokens,
			OutputTokens:  m.Metadata.OutputTokens,
			UserMessageID: m.Metadata.UserMessageID,
		},
	}
}

func errorResponse(err error) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		slog.Error("unclassified handler error", "err", err)
		return jsonResponse(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: string(usecase.ErrorInternal)})
	}

	status := http.StatusInternalServerError
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorTransientDependency:
		status = http.StatusServiceUnavailable
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	}
	return jsonResponse(status, ErrorResponse{Error: ue.Reason, Code: string(ue.Code)})
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to marshal response body", "err", err)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"content-type": "application/json"},
			Body:       `{"error":"internal error","code":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       string(raw),
	}
}
