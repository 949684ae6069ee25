package queue

import "time"

// Message is one unit of work delivered by the queue. The body is kept raw;
// interpretation belongs to the consumer.
type Message struct {
	// ReceiptHandle is required to acknowledge the message. It is only valid
	// while the message is within its visibility timeout.
	ReceiptHandle string
	// MessageID is assigned by the queue and used for log correlation only.
	MessageID         string
	Body              string
	Attributes        map[string]string
	MessageAttributes map[string]string
	ReceivedAt        time.Time
}
