package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"asyncchat/internal/domain"
)

const (
	defaultVisibility = 90 * time.Second
	defaultWaitTime   = 20 * time.Second
)

// sqsAPI is the minimal SQS interface required by Client.
// Defined here for testability.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Delivery is one leased work item. The receipt handle scopes ownership to
// the current visibility window; Count is how many times the queue has
// handed this item to a consumer, this delivery included.
type Delivery struct {
	Item          domain.WorkItem
	ReceiptHandle string
	Count         int
}

// Client wraps the primary work queue and its dead-letter sink.
type Client struct {
	api           sqsAPI
	queueURL      string
	deadLetterURL string
	visibility    time.Duration
	waitTime      time.Duration
}

type Option func(*Client)

// WithDeadLetterURL sets the dead-letter sink; required for DeadLetter calls.
func WithDeadLetterURL(url string) Option {
	return func(c *Client) {
		c.deadLetterURL = strings.TrimSpace(url)
	}
}

// WithVisibility overrides the visibility window started by Dequeue. It must
// exceed the worst-case generation latency plus store round-trips, or a slow
// but succeeding attempt gets redelivered and processed twice.
func WithVisibility(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.visibility = d
		}
	}
}

// New creates a Client for the given primary queue URL.
func New(api sqsAPI, queueURL string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("queue: api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("queue: queue URL must not be empty")
	}
	c := &Client{
		api:        api,
		queueURL:   queueURL,
		visibility: defaultVisibility,
		waitTime:   defaultWaitTime,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Enqueue makes a work item durably available to consumers.
func (c *Client) Enqueue(ctx context.Context, item domain.WorkItem) error {
	if item.UserID == "" || item.SessionID == "" || item.MessageID == "" {
		return errors.New("queue: Enqueue: user_id, session_id and message_id are required")
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: Enqueue marshal: %w", err)
	}
	_, err = c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("queue: Enqueue: %w", err)
	}
	return nil
}

// Dequeue leases at most one item not currently visible to other consumers
// and starts its visibility window. Returns nil when the long poll comes back
// empty.
func (c *Client) Dequeue(ctx context.Context) (*Delivery, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(c.waitTime / time.Second),
		VisibilityTimeout:   int32(c.visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: Dequeue: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	msg := out.Messages[0]
	if msg.ReceiptHandle == nil || msg.Body == nil {
		return nil, errors.New("queue: Dequeue: message missing body or receipt handle")
	}

	var item domain.WorkItem
	if err := json.Unmarshal([]byte(*msg.Body), &item); err != nil {
		return nil, fmt.Errorf("queue: Dequeue unmarshal: %w", err)
	}

	return &Delivery{
		Item:          item,
		ReceiptHandle: *msg.ReceiptHandle,
		Count:         ReceiveCount(msg.Attributes),
	}, nil
}

// Acknowledge permanently removes a leased item from the primary queue.
func (c *Client) Acknowledge(ctx context.Context, d *Delivery) error {
	if d == nil || d.ReceiptHandle == "" {
		return errors.New("queue: Acknowledge: delivery with receipt handle required")
	}
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(d.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: Acknowledge: %w", err)
	}
	return nil
}

// DeadLetter moves a leased item to the dead-letter sink: the item is sent
// to the sink first and only then removed from the primary queue, so a crash
// in between redelivers rather than loses it.
func (c *Client) DeadLetter(ctx context.Context, d *Delivery) error {
	if d == nil || d.ReceiptHandle == "" {
		return errors.New("queue: DeadLetter: delivery with receipt handle required")
	}
	if err := c.DeadLetterItem(ctx, d.Item); err != nil {
		return err
	}
	return c.Acknowledge(ctx, d)
}

// DeadLetterItem sends a work item to the dead-letter sink without touching
// the primary queue. Used directly in Lambda mode, where the event source
// owns deletion from the primary queue.
func (c *Client) DeadLetterItem(ctx context.Context, item domain.WorkItem) error {
	if c.deadLetterURL == "" {
		return errors.New("queue: DeadLetterItem: no dead-letter URL configured")
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue: DeadLetterItem marshal: %w", err)
	}
	_, err = c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.deadLetterURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("queue: DeadLetterItem: %w", err)
	}
	return nil
}

// ReceiveCount extracts the delivery count from SQS message attributes.
// A missing or malformed attribute counts as the first delivery.
func ReceiveCount(attrs map[string]string) int {
	raw, ok := attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
