package domain

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SessionStatus is the denormalized per-session state kept on the META record.
type SessionStatus string

const (
	// SessionActive means the last enqueued turn completed with a reply.
	SessionActive SessionStatus = "active"
	// SessionProcessing means a work item for this session is in flight.
	SessionProcessing SessionStatus = "processing"
	// SessionError means the last work item was dead-lettered without a reply.
	SessionError SessionStatus = "error"
)

// Message is a single persisted conversation turn. Messages are immutable
// once written; the store never updates or deletes them except by TTL expiry.
type Message struct {
	PK        string
	SK        string
	MessageID string
	UserID    string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
	Model     string
	Metadata  MessageMetadata
	TTL       int64
}

// MessageMetadata carries per-message accounting. User messages fill Tokens
// and Source; assistant messages fill the generation fields and reference the
// user message that triggered them.
type MessageMetadata struct {
	Tokens        int
	Source        string
	LatencyMS     int64
	InputTokens   int
	OutputTokens  int
	UserMessageID string
}

// SessionMeta is the denormalized session status record.
type SessionMeta struct {
	PK           string
	SK           string
	UserID       string
	SessionID    string
	Status       SessionStatus
	LastActivity string
	TTL          int64
}

// ChatMessage is the provider-agnostic chat message shape sent to the
// generation capability.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationResult is what the generation capability returns for one turn.
type GenerationResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
}
