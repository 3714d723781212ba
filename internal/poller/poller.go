// Package poller implements the client-side convergence protocol: after a
// send returns the assigned timestamp, the poller re-reads the conversation
// at a fixed interval until the assistant reply appears or a bound elapses.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"asyncchat/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 30 * time.Second
	pollListLimit   = 50
)

// Lister reads a conversation in ascending created_at order.
type Lister interface {
	ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]domain.Message, error)
}

// Poller waits for an assistant reply with a bounded, cancellable loop.
type Poller struct {
	lister   Lister
	interval time.Duration
	timeout  time.Duration
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func New(lister Lister, opts ...Option) (*Poller, error) {
	if lister == nil {
		return nil, errors.New("poller: lister must not be nil")
	}
	p := &Poller{
		lister:   lister,
		interval: defaultInterval,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// WaitForReply polls until an assistant message with created_at strictly
// after the send timestamp is observed. It returns (nil, nil) when the bound
// elapses first: the reply may still be retrying or may have been
// dead-lettered, and "no answer yet" is not an error. Cancelling ctx stops
// the loop immediately and returns the cancellation.
func (p *Poller) WaitForReply(ctx context.Context, userID, sessionID string, after time.Time) (*domain.Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		msg, err := p.check(pollCtx, userID, sessionID, after)
		if err != nil && pollCtx.Err() == nil {
			// The list read is retried within the bound; a flaky read must
			// not end the wait early.
			slog.Debug("poll read failed, retrying", "session_id", sessionID, "err", err)
		}
		if msg != nil {
			return msg, nil
		}

		select {
		case <-pollCtx.Done():
			// Only the poller's own bound maps to the soft "no reply yet";
			// the caller's cancellation or deadline propagates as an error.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) check(ctx context.Context, userID, sessionID string, after time.Time) (*domain.Message, error) {
	msgs, err := p.lister.ListMessages(ctx, userID, sessionID, pollListLimit)
	if err != nil {
		return nil, err
	}
	// Newest entries sit at the tail; scan backwards.
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant && msgs[i].CreatedAt.After(after) {
			m := msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}
