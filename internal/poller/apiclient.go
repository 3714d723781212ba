package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"asyncchat/handler"
	"asyncchat/internal/domain"
)

// APIClient talks to the chat API over HTTP. It satisfies Lister, so the
// same Poller works against the live API or an in-process store in tests.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

type APIOption func(*APIClient)

func WithHTTPClient(httpClient *http.Client) APIOption {
	return func(c *APIClient) {
		c.httpClient = httpClient
	}
}

func NewAPIClient(baseURL string, opts ...APIOption) (*APIClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("poller: API base URL must not be empty")
	}
	c := &APIClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send posts one chat message and returns the assigned timestamp used as the
// polling correlation token.
func (c *APIClient) Send(ctx context.Context, userID, sessionID, content string) (handler.SendResponse, error) {
	body, err := json.Marshal(handler.SendRequest{
		UserID:    userID,
		SessionID: sessionID,
		Content:   content,
	})
	if err != nil {
		return handler.SendResponse{}, fmt.Errorf("poller: marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return handler.SendResponse{}, fmt.Errorf("poller: create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out handler.SendResponse
	if err := c.doJSON(req, &out); err != nil {
		return handler.SendResponse{}, err
	}
	return out, nil
}

// ListMessages fetches a session's messages in ascending created_at order.
func (c *APIClient) ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]domain.Message, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("session_id", sessionID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("poller: create list request: %w", err)
	}

	var out handler.MessagesResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, domain.Message{
			MessageID: m.MessageID,
			UserID:    m.UserID,
			SessionID: m.SessionID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Model:     m.Model,
			Metadata: domain.MessageMetadata{
				Tokens:        m.Metadata.Tokens,
				Source:        m.Metadata.Source,
				LatencyMS:     m.Metadata.LatencyMS,
				InputTokens:   m.Metadata.InputTokens,
				OutputTokens:  m.Metadata.OutputTokens,
				UserMessageID: m.Metadata.UserMessageID,
			},
		})
	}
	return msgs, nil
}

// SessionStatus fetches the denormalized session status record.
func (c *APIClient) SessionStatus(ctx context.Context, userID, sessionID string) (handler.SessionResponse, error) {
	q := url.Values{}
	q.Set("user_id", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+url.PathEscape(sessionID)+"?"+q.Encode(), nil)
	if err != nil {
		return handler.SessionResponse{}, fmt.Errorf("poller: create status request: %w", err)
	}

	var out handler.SessionResponse
	if err := c.doJSON(req, &out); err != nil {
		return handler.SessionResponse{}, err
	}
	return out, nil
}

func (c *APIClient) doJSON(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("poller: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("poller: read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiErr handler.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("poller: %s %s: status %d: %s (%s)", req.Method, req.URL.Path, res.StatusCode, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("poller: %s %s: status %d", req.Method, req.URL.Path, res.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("poller: decode response: %w", err)
	}
	return nil
}
