package domain

// WorkItem is the queue payload for one pending turn. It references the
// triggering user message; delivery count and visibility deadline are queue
// metadata and never travel in the payload.
type WorkItem struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}
