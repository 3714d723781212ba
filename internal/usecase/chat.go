package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"asyncchat/internal/domain"
	"asyncchat/internal/repository"
)

const (
	defaultMaxContentLen = 4000
	defaultListLimit     = 50
	messageSource        = "api"
)

// MessageStore is the conversation store surface the ingress path needs.
type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]domain.Message, error)
	GetSessionStatus(ctx context.Context, userID, sessionID string) (domain.SessionMeta, error)
	SetSessionStatus(ctx context.Context, meta domain.SessionMeta) error
}

// WorkEnqueuer hands a pending turn to the work queue.
type WorkEnqueuer interface {
	Enqueue(ctx context.Context, item domain.WorkItem) error
}

// ChatService is the ingress: it validates a request, appends the user turn,
// enqueues the work item and returns immediately. No generation work happens
// here, so latency is independent of the model.
type ChatService struct {
	store         MessageStore
	queue         WorkEnqueuer
	maxContentLen int
	listLimit     int
}

type SendInput struct {
	UserID    string
	SessionID string
	Content   string
}

// SendOutput carries the assigned created_at of the user message; a client
// polls for an assistant message strictly newer than this timestamp.
type SendOutput struct {
	MessageID string
	Timestamp time.Time
	Status    domain.SessionStatus
}

func NewChatService(store MessageStore, queue WorkEnqueuer, maxContentLen, listLimit int) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if queue == nil {
		return nil, errors.New("usecase: work enqueuer must not be nil")
	}
	if maxContentLen <= 0 {
		maxContentLen = defaultMaxContentLen
	}
	if listLimit <= 0 {
		listLimit = defaultListLimit
	}
	return &ChatService{
		store:         store,
		queue:         queue,
		maxContentLen: maxContentLen,
		listLimit:     listLimit,
	}, nil
}

func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	sessionID := strings.TrimSpace(in.SessionID)
	content := strings.TrimSpace(in.Content)
	if userID == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	if sessionID == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	if content == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_content", nil)
	}
	if len(content) > s.maxContentLen {
		return SendOutput{}, newError(ErrorInvalidInput, "content_too_long", nil)
	}

	msg := domain.Message{
		MessageID: newUUID(),
		UserID:    userID,
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   content,
		Metadata: domain.MessageMetadata{
			Tokens: len(strings.Fields(content)),
			Source: messageSource,
		},
	}

	written, err := s.store.Append(ctx, msg)
	if err != nil {
		return SendOutput{}, newError(ErrorTransientDependency, "store_append_error", err)
	}

	if err := s.queue.Enqueue(ctx, domain.WorkItem{
		UserID:    userID,
		SessionID: sessionID,
		MessageID: written.MessageID,
	}); err != nil {
		// The user message is already durable; the caller may retry the send
		// and the worker dedupes on the triggering message.
		return SendOutput{}, newError(ErrorTransientDependency, "queue_enqueue_error", err)
	}

	// Only after the enqueue: a session must never advertise processing
	// without a work item in flight. The reverse lag is harmless; the worker
	// rewrites the status when the reply lands, so a failed write here does
	// not fail the send.
	if err := s.store.SetSessionStatus(ctx, domain.SessionMeta{
		UserID:    userID,
		SessionID: sessionID,
		Status:    domain.SessionProcessing,
	}); err != nil {
		slog.Warn("failed to mark session processing", "session_id", sessionID, "err", err)
	}

	return SendOutput{
		MessageID: written.MessageID,
		Timestamp: written.CreatedAt,
		Status:    domain.SessionProcessing,
	}, nil
}

// List returns messages for a session in ascending created_at order. An
// unknown session is an empty list, not a failure.
func (s *ChatService) List(ctx context.Context, userID, sessionID string, limit int) ([]domain.Message, error) {
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return nil, newError(ErrorInvalidInput, "missing_session_keys", nil)
	}
	if limit <= 0 || limit > s.listLimit {
		limit = s.listLimit
	}
	msgs, err := s.store.ListMessages(ctx, userID, sessionID, limit)
	if err != nil {
		return nil, newError(ErrorTransientDependency, "store_list_error", err)
	}
	return msgs, nil
}

// SessionStatus returns the denormalized status record for a session.
func (s *ChatService) SessionStatus(ctx context.Context, userID, sessionID string) (domain.SessionMeta, error) {
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" || sessionID == "" {
		return domain.SessionMeta{}, newError(ErrorInvalidInput, "missing_session_keys", nil)
	}
	meta, err := s.store.GetSessionStatus(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.SessionMeta{}, newError(ErrorNotFound, "unknown_session", err)
		}
		return domain.SessionMeta{}, newError(ErrorTransientDependency, "store_status_error", err)
	}
	return meta, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
