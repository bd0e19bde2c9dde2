// Package worker contains the delivery pipeline: the outbound email senders,
// the immediate dispatch path run at newsletter creation, and the deferred
// queue processor that drains scheduled deliveries under the provider's rate
// limits.
package worker

import "context"

// MaxBatchSize is the provider's ceiling on addressed messages per batch
// call. Callers enforce it; senders assume it.
const MaxBatchSize = 100

// Message is one fully-rendered email ready for the transport.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
}

// SendOutcome is the per-message result inside a batch.
type SendOutcome struct {
	Success bool
	Error   string
}

// BatchResult aggregates a batch send. Results carries per-message outcomes
// when the transport reports that granularity; a transport whose batch call
// is all-or-nothing leaves it aligned but uniform.
type BatchResult struct {
	SentCount    int
	FailureCount int
	Results      []SendOutcome
	ErrorMessage string
}

// Sender delivers a batch of at most MaxBatchSize rendered messages in one
// transport call. Transport-level failure means the whole batch failed; no
// retry logic lives behind this interface since retries are row-state
// transitions owned by the queue processor.
type Sender interface {
	SendBatch(ctx context.Context, messages []Message) (*BatchResult, error)
}
