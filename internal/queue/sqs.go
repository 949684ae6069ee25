package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/kazz187/browserd/internal/config"
)

// API is the subset of the SQS client used here.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSClient receives, acknowledges and sends messages on a single queue. It
// is safe for concurrent use.
type SQSClient struct {
	api      API
	queueURL string
}

// NewSQSClient fails fast when no queue URL is configured.
func NewSQSClient(cfg aws.Config, env *config.QueueEnv) (*SQSClient, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return NewSQSClientWithAPI(sqs.NewFromConfig(cfg), env.QueueURL), nil
}

func NewSQSClientWithAPI(api API, queueURL string) *SQSClient {
	return &SQSClient{api: api, queueURL: queueURL}
}

func (c *SQSClient) QueueURL() string {
	return c.queueURL
}

// Receive long-polls for up to limit messages, waiting at most wait. Both are
// clamped to the SQS limits of 10 messages and 20 seconds.
func (c *SQSClient) Receive(ctx context.Context, limit int32, wait time.Duration) ([]*Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.queueURL),
		MaxNumberOfMessages:         min(max(limit, 1), 10),
		WaitTimeSeconds:             int32(min(max(wait/time.Second, 0), 20)),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", c.queueURL, err)
	}

	now := time.Now()
	msgs := make([]*Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, &Message{
			ReceiptHandle:     aws.ToString(m.ReceiptHandle),
			MessageID:         aws.ToString(m.MessageId),
			Body:              aws.ToString(m.Body),
			Attributes:        m.Attributes,
			MessageAttributes: stringAttributes(m.MessageAttributes),
			ReceivedAt:        now,
		})
	}
	slog.DebugContext(ctx, "received messages", "count", len(msgs))
	return msgs, nil
}

// Delete acknowledges a message so it is not redelivered.
func (c *SQSClient) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from %s: %w", c.queueURL, err)
	}
	return nil
}

// Send encodes body as JSON and enqueues it, returning the queue assigned
// message id.
func (c *SQSClient) Send(ctx context.Context, body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message body: %w", err)
	}
	out, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", c.queueURL, err)
	}
	return aws.ToString(out.MessageId), nil
}

// HealthCheck reports whether the queue answers an attribute lookup.
func (c *SQSClient) HealthCheck(ctx context.Context) bool {
	_, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		slog.ErrorContext(ctx, "sqs health check failed", "error", err)
		return false
	}
	return true
}

func stringAttributes(in map[string]types.MessageAttributeValue) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v.StringValue != nil {
			out[k] = *v.StringValue
		}
	}
	return out
}
