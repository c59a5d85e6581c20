package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

// sqsWaitSeconds is the long-poll duration for Receive. Long polling keeps
// empty-queue polls cheap without delaying delivery of new messages.
const sqsWaitSeconds = 5

// SQSQueue implements Consumer and Publisher over one SQS queue URL.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

// Compile-time interface checks.
var (
	_ Consumer  = (*SQSQueue)(nil)
	_ Publisher = (*SQSQueue)(nil)
)

// NewSQSQueue wraps an SQS client for one queue.
func NewSQSQueue(client *sqs.Client, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Receive(ctx context.Context, max int, visibilitySeconds int32) ([]Message, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.queueURL,
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     sqsWaitSeconds,
		VisibilityTimeout:   visibilitySeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ReceiveMessage %s: %w", q.queueURL, err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		if m.Body == nil || m.ReceiptHandle == nil {
			log.Warn().Str("queueUrl", q.queueURL).Msg("Received SQS message with nil body or receipt handle, skipping")
			continue
		}
		msg := Message{
			ReceiptHandle: *m.ReceiptHandle,
			Body:          []byte(*m.Body),
			DequeueCount:  1,
		}
		if m.MessageId != nil {
			msg.ID = *m.MessageId
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				msg.DequeueCount = n
			}
		}
		if v, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				msg.EnqueuedAt = time.UnixMilli(ms)
			}
		}
		messages = append(messages, msg)
	}

	log.Debug().
		Str("queueUrl", q.queueURL).
		Int("received", len(messages)).
		Int32("visibilitySeconds", visibilitySeconds).
		Msg("SQS receive completed")
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.queueURL,
		ReceiptHandle: &msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("DeleteMessage %s: %w", msg.ID, err)
	}
	return nil
}

func (q *SQSQueue) Extend(ctx context.Context, msg Message, seconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &q.queueURL,
		ReceiptHandle:     &msg.ReceiptHandle,
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("ChangeMessageVisibility %s: %w", msg.ID, err)
	}
	return nil
}

func (q *SQSQueue) Abandon(ctx context.Context, msg Message) error {
	// Visibility zero returns the message to the queue immediately.
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &q.queueURL,
		ReceiptHandle:     &msg.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("abandon %s: %w", msg.ID, err)
	}
	return nil
}

func (q *SQSQueue) Depth(ctx context.Context) (int, error) {
	result, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: &q.queueURL,
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("GetQueueAttributes %s: %w", q.queueURL, err)
	}
	v := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse queue depth %q: %w", v, err)
	}
	return n, nil
}

func (q *SQSQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("SendMessage %s: %w", q.queueURL, err)
	}
	return nil
}
