package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"asyncchat/internal/domain"
	"asyncchat/internal/queue"
)

// HandleSQS is the Lambda-mode entry point: the event source owns leasing and
// deletion, so the handler reports per-record failures and the platform
// redelivers them after the visibility window.
func (w *Worker) HandleSQS(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var failures []events.SQSBatchItemFailure
	for _, record := range event.Records {
		var item domain.WorkItem
		if err := json.Unmarshal([]byte(record.Body), &item); err != nil {
			// A payload that never parses would retry forever; drop it.
			slog.Error("malformed work item, dropping", "sqs_message_id", record.MessageId, "err", err)
			continue
		}

		count := queue.ReceiveCount(record.Attributes)
		if count > w.maxDeliveries {
			slog.Error("delivery budget exhausted, dead-lettering",
				"session_id", item.SessionID,
				"message_id", item.MessageID,
				"delivery_count", count,
			)
			w.markSessionError(ctx, item)
			if err := w.queue.DeadLetterItem(ctx, item); err != nil {
				slog.Error("dead-letter move failed", "err", err)
				failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			}
			continue
		}

		if err := w.Process(ctx, item); err != nil {
			slog.Warn("processing failed, reporting for redelivery",
				"session_id", item.SessionID,
				"message_id", item.MessageID,
				"err", err,
			)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}
