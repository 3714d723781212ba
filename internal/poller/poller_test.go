package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"asyncchat/internal/domain"
)

// scriptedLister returns one scripted result per call and repeats the last
// entry once the script runs out.
type scriptedLister struct {
	mu     sync.Mutex
	script []listResult
	calls  int
	limits []int
}

type listResult struct {
	msgs []domain.Message
	err  error
}

func (l *scriptedLister) ListMessages(_ context.Context, _, _ string, limit int) ([]domain.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = append(l.limits, limit)
	idx := l.calls
	if idx >= len(l.script) {
		idx = len(l.script) - 1
	}
	l.calls++
	r := l.script[idx]
	return r.msgs, r.err
}

func (l *scriptedLister) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

var sentAt = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func userTurn() domain.Message {
	return domain.Message{MessageID: "m1", Role: domain.RoleUser, Content: "hi", CreatedAt: sentAt}
}

func assistantTurn(offset time.Duration) domain.Message {
	return domain.Message{
		MessageID: "r1",
		Role:      domain.RoleAssistant,
		Content:   "hello",
		CreatedAt: sentAt.Add(offset),
	}
}

func fastPoller(t *testing.T, lister Lister, timeout time.Duration) *Poller {
	t.Helper()
	p, err := New(lister, WithInterval(5*time.Millisecond), WithTimeout(timeout))
	require.NoError(t, err)
	return p
}

func TestNew_RequiresLister(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestNew_IgnoresNonPositiveOptions(t *testing.T) {
	p, err := New(&scriptedLister{script: []listResult{{}}}, WithInterval(0), WithTimeout(-time.Second))
	require.NoError(t, err)
	require.Equal(t, defaultInterval, p.interval)
	require.Equal(t, defaultTimeout, p.timeout)
}

func TestWaitForReply_FoundOnFirstCheck(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{msgs: []domain.Message{userTurn(), assistantTurn(time.Second)}},
	}}
	p := fastPoller(t, lister, time.Second)

	msg, err := p.WaitForReply(context.Background(), "u1", "s1", sentAt)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "r1", msg.MessageID)
	require.Equal(t, 1, lister.callCount())
	require.Equal(t, []int{pollListLimit}, lister.limits)
}

func TestWaitForReply_FoundAfterRepolls(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{msgs: []domain.Message{userTurn()}},
		{msgs: []domain.Message{userTurn()}},
		{msgs: []domain.Message{userTurn(), assistantTurn(time.Second)}},
	}}
	p := fastPoller(t, lister, time.Second)

	msg, err := p.WaitForReply(context.Background(), "u1", "s1", sentAt)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, 3, lister.callCount())
}

func TestWaitForReply_IgnoresOlderAssistantMessages(t *testing.T) {
	// Replies from earlier turns sit in the history; only one strictly newer
	// than the send timestamp ends the wait.
	stale := assistantTurn(-time.Minute)
	atBoundary := assistantTurn(0)
	lister := &scriptedLister{script: []listResult{
		{msgs: []domain.Message{stale, atBoundary, userTurn()}},
	}}
	p := fastPoller(t, lister, 50*time.Millisecond)

	msg, err := p.WaitForReply(context.Background(), "u1", "s1", sentAt)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestWaitForReply_PicksNewestQualifyingReply(t *testing.T) {
	first := assistantTurn(time.Second)
	second := assistantTurn(2 * time.Second)
	second.MessageID = "r2"
	lister := &scriptedLister{script: []listResult{
		{msgs: []domain.Message{userTurn(), first, second}},
	}}
	p := fastPoller(t, lister, time.Second)

	msg, err := p.WaitForReply(context.Background(), "u1", "s1", sentAt)
	require.NoError(t, err)
	require.Equal(t, "r2", msg.MessageID)
}

func TestWaitForReply_TimeoutIsNotAnError(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{msgs: []domain.Message{userTurn()}},
	}}
	p := fastPoller(t, lister, 30*time.Millisecond)

	msg, err := p.WaitForReply(context.Background(), "u1", "s1", sentAt)
	require.NoError(t, err, "an elapsed bound means no answer yet, not failure")
	require.Nil(t, msg)
	require.GreaterOrEqual(t, lister.callCount(), 2)
}

func TestWaitForReply_CallerDeadlinePropagates(t *testing.T) {
	// A deadline the caller brought along is their cancellation, not the
	// poll bound; it must surface as an error rather than a soft miss.
	lister := &scriptedLister{script: []listResult{
		{msgs: []domain.Message{userTurn()}},
	}}
	p := fastPoller(t, lister, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.WaitForReply(ctx, "u1", "s1", sentAt)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForReply_CancellationPropagates(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{msgs: []domain.Message{userTurn()}},
	}}
	p := fastPoller(t, lister, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	_, err := p.WaitForReply(ctx, "u1", "s1", sentAt)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForReply_ToleratesTransientReadErrors(t *testing.T) {
	lister := &scriptedLister{script: []listResult{
		{err: errors.New("throttled")},
		{err: errors.New("throttled")},
		{msgs: []domain.Message{userTurn(), assistantTurn(time.Second)}},
	}}
	p := fastPoller(t, lister, time.Second)

	msg, err := p.WaitForReply(context.Background(), "u1", "s1", sentAt)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, 3, lister.callCount())
}
