// Package mailing provides the domain model and database operations for the
// newsletter delivery pipeline: subscribers, newsletters, and the durable
// delivery queue.
package mailing

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the per-delivery state machine. A delivery starts as
// pending and ends as sent or failed; both terminal states are final.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Subscriber is a newsletter recipient. Subscribers are never hard-deleted;
// unsubscribing flips the Subscribed flag.
type Subscriber struct {
	ID               uuid.UUID      `json:"id"`
	Email            string         `json:"email"`
	Name             sql.NullString `json:"name"`
	Subscribed       bool           `json:"subscribed"`
	SubscribedAt     time.Time      `json:"subscribed_at"`
	UnsubscribeToken string         `json:"-"`
}

// DisplayName returns the subscriber's name, or empty string if none was given.
func (s *Subscriber) DisplayName() string {
	if s.Name.Valid {
		return s.Name.String
	}
	return ""
}

// Newsletter is an issue of the community newsletter. The pipeline only
// reads newsletters; creation happens through the admin surface.
type Newsletter struct {
	ID      uuid.UUID `json:"id"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Date    string    `json:"date"`
}

// QueuedDelivery is one persisted (newsletter, recipient) delivery obligation.
// Rows are created in bulk when a newsletter's audience exceeds the immediate
// send ceiling, or as retry seeds when an immediate send fails. They are
// mutated by the queue processor and never deleted, forming an audit log of
// delivery attempts.
type QueuedDelivery struct {
	ID             uuid.UUID      `json:"id"`
	NewsletterID   uuid.UUID      `json:"newsletter_id"`
	RecipientEmail string         `json:"recipient_email"`
	RecipientName  sql.NullString `json:"recipient_name"`
	Status         DeliveryStatus `json:"status"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	SentAt         sql.NullTime   `json:"sent_at"`
	Attempts       int            `json:"attempts"`
	ErrorMessage   sql.NullString `json:"error_message"`
	BatchNumber    int            `json:"batch_number"`
}

// QueueStats summarizes the delivery queue grouped by status.
type QueueStats struct {
	Pending      int `json:"pending"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	TotalInQueue int `json:"totalInQueue"`
}
