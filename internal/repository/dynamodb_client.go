package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"asyncchat/internal/domain"
)

const (
	skPrefixMsg   = "MSG#"
	skPrefixReply = "REPLY#"
	skMeta        = "META#"
	ttlDuration   = 30 * 24 * time.Hour // 30-day TTL

	// orderingTokenLayout is RFC 3339 with a fixed-width nanosecond fraction
	// so that lexicographic sort-key order equals chronological order.
	orderingTokenLayout = "2006-01-02T15:04:05.000000000Z07:00"

	// appendAttempts bounds the ordering-token retry loop on sort-key
	// contention within one partition.
	appendAttempts = 4
)

// ErrConflict is returned when a write targets a key that already exists.
var ErrConflict = errors.New("repository: item already exists")

// ErrNotFound is returned when a session has no metadata record.
var ErrNotFound = errors.New("repository: not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding the append-only conversation log.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new store Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// sessionPK returns the partition key for one conversation.
func sessionPK(userID, sessionID string) string {
	return "USER#" + userID + "#SESSION#" + sessionID
}

// msgSK returns the ordering token for a message written at ts.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(orderingTokenLayout)
}

// replySK returns the idempotency-marker sort key for the reply to a given
// user message.
func replySK(userMessageID string) string {
	return skPrefixReply + userMessageID
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// Append writes a new message, assigning its ordering token and created_at
// at write time. Concurrent writers to the same session that land on the same
// token are detected by the conditional put; the losing writer retries with a
// token strictly past the contested one, so created_at stays strictly
// increasing per partition.
func (c *Client) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.MessageID == "" || msg.UserID == "" || msg.SessionID == "" || msg.Role == "" {
		return domain.Message{}, errors.New("repository: Append: message_id, user_id, session_id and role are required")
	}

	ts := c.now().UTC()
	for attempt := 0; attempt < appendAttempts; attempt++ {
		msg.PK = sessionPK(msg.UserID, msg.SessionID)
		msg.SK = msgSK(ts)
		msg.CreatedAt = ts
		msg.TTL = c.ttlValue()

		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                messageItem(msg),
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		})
		if err == nil {
			return msg, nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return domain.Message{}, fmt.Errorf("repository: Append: %w", err)
		}
		ts = c.nextOrderingTime(ts)
	}
	return domain.Message{}, fmt.Errorf("repository: Append: ordering token contention: %w", ErrConflict)
}

// nextOrderingTime picks a timestamp strictly after the contested one.
func (c *Client) nextOrderingTime(prev time.Time) time.Time {
	now := c.now().UTC()
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}

// ListMessages returns up to limit messages for a session in ascending
// created_at order. The window holds the newest messages: a poller watching
// for a fresh reply must see it even when the session has outgrown the limit.
func (c *Client) ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]domain.Message, error) {
	msgs, err := c.queryMessages(ctx, sessionPK(userID, sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	return msgs, nil
}

// RecentHistory returns the most recent limit messages in chronological
// order, as generation context.
func (c *Client) RecentHistory(ctx context.Context, userID, sessionID string, limit int) ([]domain.Message, error) {
	msgs, err := c.queryMessages(ctx, sessionPK(userID, sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentHistory: %w", err)
	}
	return msgs, nil
}

// queryMessages returns the newest limit messages in chronological order.
// DynamoDB applies Limit before returning, so the query scans newest-first
// and the result is reversed; an ascending scan would window the oldest
// messages instead.
func (c *Client) queryMessages(ctx context.Context, pk string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// HasReply reports whether the reply marker for a triggering user message
// already exists. Uses a consistent read so a worker retrying after a crash
// between persist and acknowledge sees its own earlier write.
func (c *Client) HasReply(ctx context.Context, userID, sessionID, userMessageID string) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(userID, sessionID)},
			"SK": &types.AttributeValueMemberS{Value: replySK(userMessageID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: HasReply: %w", err)
	}
	return out != nil && len(out.Item) > 0, nil
}

// GetSessionStatus returns the META record for a session, or ErrNotFound if
// the session has never been written.
func (c *Client) GetSessionStatus(ctx context.Context, userID, sessionID string) (domain.SessionMeta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(userID, sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionMeta{}, fmt.Errorf("repository: GetSessionStatus: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionMeta{}, ErrNotFound
	}
	return itemToMeta(out.Item)
}

// SetSessionStatus writes or replaces the session META record.
func (c *Client) SetSessionStatus(ctx context.Context, meta domain.SessionMeta) error {
	if meta.UserID == "" || meta.SessionID == "" || meta.Status == "" {
		return errors.New("repository: SetSessionStatus: user_id, session_id and status are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      metaItem(c.fillMeta(meta)),
	})
	if err != nil {
		return fmt.Errorf("repository: SetSessionStatus: %w", err)
	}
	return nil
}

// SaveReply persists the assistant message, its idempotency marker and the
// updated META record in one transaction. The marker is keyed on the
// triggering user message, so a redelivered work item whose reply already
// landed fails with ErrConflict instead of appending a duplicate turn.
func (c *Client) SaveReply(ctx context.Context, reply domain.Message, meta domain.SessionMeta) error {
	if reply.Metadata.UserMessageID == "" {
		return errors.New("repository: SaveReply: reply must reference its user message")
	}
	if reply.MessageID == "" || reply.UserID == "" || reply.SessionID == "" {
		return errors.New("repository: SaveReply: message_id, user_id and session_id are required")
	}

	pk := sessionPK(reply.UserID, reply.SessionID)
	ts := c.now().UTC()
	for attempt := 0; attempt < appendAttempts; attempt++ {
		reply.PK = pk
		reply.SK = msgSK(ts)
		reply.CreatedAt = ts
		reply.TTL = c.ttlValue()

		_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           aws.String(c.tableName),
						Item:                replyMarkerItem(pk, reply),
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
				{
					Put: &types.Put{
						TableName:           aws.String(c.tableName),
						Item:                messageItem(reply),
						ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
					},
				},
				{
					Put: &types.Put{
						TableName: aws.String(c.tableName),
						Item:      metaItem(c.fillMeta(meta)),
					},
				},
			},
		})
		if err == nil {
			return nil
		}

		markerClash, tokenClash := transactionConflicts(err)
		switch {
		case markerClash:
			return fmt.Errorf("repository: SaveReply: reply already persisted: %w", ErrConflict)
		case tokenClash:
			ts = c.nextOrderingTime(ts)
		default:
			return fmt.Errorf("repository: SaveReply: %w", err)
		}
	}
	return fmt.Errorf("repository: SaveReply: ordering token contention: %w", ErrConflict)
}

// transactionConflicts inspects a TransactWriteItems error and reports which
// conditional put lost: the reply marker (index 0) or the message ordering
// token (index 1).
func transactionConflicts(err error) (marker, token bool) {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false, false
	}
	for i, reason := range canceled.CancellationReasons {
		if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" {
			continue
		}
		switch i {
		case 0:
			marker = true
		case 1:
			token = true
		}
	}
	return marker, token
}

func (c *Client) fillMeta(meta domain.SessionMeta) domain.SessionMeta {
	meta.PK = sessionPK(meta.UserID, meta.SessionID)
	meta.SK = skMeta
	if meta.LastActivity == "" {
		meta.LastActivity = c.now().UTC().Format(time.RFC3339)
	}
	if meta.TTL == 0 {
		meta.TTL = c.ttlValue()
	}
	return meta
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: msg.PK},
		"SK":         &types.AttributeValueMemberS{Value: msg.SK},
		"message_id": &types.AttributeValueMemberS{Value: msg.MessageID},
		"user_id":    &types.AttributeValueMemberS{Value: msg.UserID},
		"session_id": &types.AttributeValueMemberS{Value: msg.SessionID},
		"role":       &types.AttributeValueMemberS{Value: msg.Role},
		"content":    &types.AttributeValueMemberS{Value: msg.Content},
		"created_at": &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(orderingTokenLayout)},
		"metadata":   metadataAttr(msg),
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.TTL, 10)},
	}
	if msg.Model != "" {
		item["model"] = &types.AttributeValueMemberS{Value: msg.Model}
	}
	return item
}

func metadataAttr(msg domain.Message) types.AttributeValue {
	m := map[string]types.AttributeValue{}
	md := msg.Metadata
	if md.Source != "" {
		m["source"] = &types.AttributeValueMemberS{Value: md.Source}
		m["tokens"] = &types.AttributeValueMemberN{Value: strconv.Itoa(md.Tokens)}
	}
	if md.UserMessageID != "" {
		m["user_message_id"] = &types.AttributeValueMemberS{Value: md.UserMessageID}
		m["latency_ms"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(md.LatencyMS, 10)}
		m["input_tokens"] = &types.AttributeValueMemberN{Value: strconv.Itoa(md.InputTokens)}
		m["output_tokens"] = &types.AttributeValueMemberN{Value: strconv.Itoa(md.OutputTokens)}
	}
	return &types.AttributeValueMemberM{Value: m}
}

func replyMarkerItem(pk string, reply domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: pk},
		"SK":         &types.AttributeValueMemberS{Value: replySK(reply.Metadata.UserMessageID)},
		"message_id": &types.AttributeValueMemberS{Value: reply.MessageID},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(reply.TTL, 10)},
	}
}

func metaItem(meta domain.SessionMeta) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: meta.PK},
		"SK":             &types.AttributeValueMemberS{Value: meta.SK},
		"user_id":        &types.AttributeValueMemberS{Value: meta.UserID},
		"session_id":     &types.AttributeValueMemberS{Value: meta.SessionID},
		"session_status": &types.AttributeValueMemberS{Value: string(meta.Status)},
		"last_activity":  &types.AttributeValueMemberS{Value: meta.LastActivity},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(meta.TTL, 10)},
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Message{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdRaw, err := strAttr(item, "created_at")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: parse created_at: %w", err)
	}

	messageID, _ := strAttr(item, "message_id") // allow empty
	userID, _ := strAttr(item, "user_id")       // allow empty
	sessionID, _ := strAttr(item, "session_id") // allow empty
	model, _ := strAttr(item, "model")          // allow empty

	msg := domain.Message{
		PK:        pk,
		SK:        sk,
		MessageID: messageID,
		UserID:    userID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
		Model:     model,
	}

	if raw, ok := item["metadata"]; ok {
		if m, ok := raw.(*types.AttributeValueMemberM); ok {
			msg.Metadata = attrToMetadata(m.Value)
		}
	}
	return msg, nil
}

func attrToMetadata(m map[string]types.AttributeValue) domain.MessageMetadata {
	var md domain.MessageMetadata
	md.Source, _ = strAttr(m, "source")
	md.UserMessageID, _ = strAttr(m, "user_message_id")
	md.Tokens, _ = intAttr(m, "tokens")
	md.InputTokens, _ = intAttr(m, "input_tokens")
	md.OutputTokens, _ = intAttr(m, "output_tokens")
	if n, err := intAttr(m, "latency_ms"); err == nil {
		md.LatencyMS = int64(n)
	}
	return md
}

func itemToMeta(item map[string]types.AttributeValue) (domain.SessionMeta, error) {
	status, err := strAttr(item, "session_status")
	if err != nil {
		return domain.SessionMeta{}, err
	}
	userID, _ := strAttr(item, "user_id")
	sessionID, _ := strAttr(item, "session_id")
	lastActivity, _ := strAttr(item, "last_activity")
	return domain.SessionMeta{
		UserID:       userID,
		SessionID:    sessionID,
		Status:       domain.SessionStatus(status),
		LastActivity: lastActivity,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
