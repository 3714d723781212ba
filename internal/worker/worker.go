package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"asyncchat/internal/domain"
	"asyncchat/internal/queue"
	"asyncchat/internal/repository"
)

const (
	defaultHistoryLimit  = 20
	defaultMaxDeliveries = 3
	defaultGenBudget     = 60 * time.Second

	// dequeueBackoff spaces out retries when the queue itself is failing.
	dequeueBackoff = 5 * time.Second
)

// ErrGeneration marks a failed or timed-out call to the generation
// capability. The item is not acknowledged and redelivers until the delivery
// budget runs out.
var ErrGeneration = errors.New("worker: generation failed")

// LLMClient is the opaque generation capability.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (domain.GenerationResult, error)
}

// ReplyStore is the conversation store surface the worker needs.
type ReplyStore interface {
	RecentHistory(ctx context.Context, userID, sessionID string, limit int) ([]domain.Message, error)
	HasReply(ctx context.Context, userID, sessionID, userMessageID string) (bool, error)
	SaveReply(ctx context.Context, reply domain.Message, meta domain.SessionMeta) error
	SetSessionStatus(ctx context.Context, meta domain.SessionMeta) error
}

// WorkQueue is the queue surface the worker needs.
type WorkQueue interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Acknowledge(ctx context.Context, d *queue.Delivery) error
	DeadLetter(ctx context.Context, d *queue.Delivery) error
	DeadLetterItem(ctx context.Context, item domain.WorkItem) error
}

// Worker turns one queued work item into one stored assistant reply.
type Worker struct {
	store         ReplyStore
	queue         WorkQueue
	llm           LLMClient
	model         string
	historyLimit  int
	maxDeliveries int
	genBudget     time.Duration
}

type Config struct {
	Model         string
	HistoryLimit  int
	MaxDeliveries int
	GenBudget     time.Duration
}

func New(store ReplyStore, q WorkQueue, llm LLMClient, cfg Config) (*Worker, error) {
	if store == nil {
		return nil, errors.New("worker: reply store must not be nil")
	}
	if q == nil {
		return nil, errors.New("worker: work queue must not be nil")
	}
	if llm == nil {
		return nil, errors.New("worker: llm client must not be nil")
	}
	if cfg.Model == "" {
		return nil, errors.New("worker: model must not be empty")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = defaultMaxDeliveries
	}
	if cfg.GenBudget <= 0 {
		cfg.GenBudget = defaultGenBudget
	}
	return &Worker{
		store:         store,
		queue:         q,
		llm:           llm,
		model:         cfg.Model,
		historyLimit:  cfg.HistoryLimit,
		maxDeliveries: cfg.MaxDeliveries,
		genBudget:     cfg.GenBudget,
	}, nil
}

// Run consumes the queue until ctx is cancelled. Each leased item is handled
// independently; a failing item only ever blocks its own conversation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("dequeue failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		if d == nil {
			continue
		}
		w.Handle(ctx, d)
	}
}

// Handle runs one delivery through the item state machine. On success the
// item is acknowledged; on failure the worker abstains and lets the
// visibility window expire; past the delivery budget the item goes to the
// dead-letter sink and the session is marked error.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) {
	log := slog.With(
		"session_id", d.Item.SessionID,
		"message_id", d.Item.MessageID,
		"delivery_count", d.Count,
	)

	if d.Count > w.maxDeliveries {
		log.Error("delivery budget exhausted, dead-lettering")
		w.markSessionError(ctx, d.Item)
		if err := w.queue.DeadLetter(ctx, d); err != nil {
			log.Error("dead-letter move failed", "err", err)
		}
		return
	}

	if err := w.Process(ctx, d.Item); err != nil {
		log.Warn("processing failed, leaving for redelivery", "err", err)
		return
	}

	if err := w.queue.Acknowledge(ctx, d); err != nil {
		// The reply is durable; the redelivered item hits the idempotency
		// marker and is acknowledged without a second generation.
		log.Warn("acknowledge failed after persist", "err", err)
	}
}

// Process executes Received -> ContextLoaded -> Generated -> Persisted for
// one work item. It returns nil once the reply is durable, including when an
// earlier attempt already persisted it.
func (w *Worker) Process(ctx context.Context, item domain.WorkItem) error {
	done, err := w.store.HasReply(ctx, item.UserID, item.SessionID, item.MessageID)
	if err != nil {
		return fmt.Errorf("worker: check reply marker: %w", err)
	}
	if done {
		slog.Info("reply already persisted, skipping generation", "message_id", item.MessageID)
		return nil
	}

	history, err := w.store.RecentHistory(ctx, item.UserID, item.SessionID, w.historyLimit)
	if err != nil {
		return fmt.Errorf("worker: load history: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, w.genBudget)
	defer cancel()

	start := time.Now()
	result, err := w.llm.Chat(genCtx, w.model, historyToChatMessages(history))
	latency := time.Since(start)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	reply := domain.Message{
		MessageID: newUUID(),
		UserID:    item.UserID,
		SessionID: item.SessionID,
		Role:      domain.RoleAssistant,
		Content:   result.Content,
		Model:     w.model,
		Metadata: domain.MessageMetadata{
			LatencyMS:     latency.Milliseconds(),
			InputTokens:   result.InputTokens,
			OutputTokens:  result.OutputTokens,
			UserMessageID: item.MessageID,
		},
	}
	meta := domain.SessionMeta{
		UserID:    item.UserID,
		SessionID: item.SessionID,
		Status:    domain.SessionActive,
	}

	if err := w.store.SaveReply(ctx, reply, meta); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// A concurrent attempt won the race; its reply is the one.
			slog.Info("reply persisted by another attempt", "message_id", item.MessageID)
			return nil
		}
		return fmt.Errorf("worker: persist reply: %w", err)
	}

	slog.Info("reply persisted",
		"session_id", item.SessionID,
		"user_message_id", item.MessageID,
		"reply_message_id", reply.MessageID,
		"latency_ms", latency.Milliseconds(),
	)
	return nil
}

// markSessionError records the terminal error status for a dead-lettered
// item. Best effort: the item still moves to the sink if this write fails.
func (w *Worker) markSessionError(ctx context.Context, item domain.WorkItem) {
	err := w.store.SetSessionStatus(ctx, domain.SessionMeta{
		UserID:    item.UserID,
		SessionID: item.SessionID,
		Status:    domain.SessionError,
	})
	if err != nil {
		slog.Error("failed to mark session error", "session_id", item.SessionID, "err", err)
	}
}

// historyToChatMessages flattens stored turns into the provider-agnostic
// chat shape, dropping anything that is not a user or assistant turn.
func historyToChatMessages(history []domain.Message) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}

var newUUID = func() string {
	return uuid.NewString()
}
