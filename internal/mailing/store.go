package mailing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store provides database operations for subscribers, newsletters, and the
// delivery queue.
type Store struct {
	db *sql.DB
}

// NewStore creates a new mailing store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GenerateUnsubscribeToken returns a 64-char hex token from 32 random bytes.
// Tokens authorize unsubscribe/resubscribe without login, so they must be
// infeasible to guess or enumerate.
func GenerateUnsubscribeToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate unsubscribe token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AddSubscriber creates a new subscriber with a fresh unsubscribe token.
// Returns ErrInvalidEmail on a malformed address and ErrDuplicateEmail when
// the address already exists.
func (s *Store) AddSubscriber(ctx context.Context, email, name string) (*Subscriber, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !ValidateEmail(email) {
		return nil, ErrInvalidEmail
	}

	token, err := GenerateUnsubscribeToken()
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		ID:               uuid.New(),
		Email:            email,
		Subscribed:       true,
		SubscribedAt:     time.Now(),
		UnsubscribeToken: token,
	}
	if name != "" {
		sub.Name = sql.NullString{String: name, Valid: true}
	}

	query := `INSERT INTO subscribers (id, email, name, subscribed, subscribed_at, unsubscribe_token)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.db.ExecContext(ctx, query, sub.ID, sub.Email, sub.Name,
		sub.Subscribed, sub.SubscribedAt, sub.UnsubscribeToken)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("add subscriber: %w", err)
	}
	return sub, nil
}

// SetSubscribed updates a subscriber's subscribed flag by unsubscribe token.
// Idempotent: setting the same value twice succeeds both times. Returns
// ErrInvalidToken when no subscriber carries the token.
func (s *Store) SetSubscribed(ctx context.Context, token string, subscribed bool) (*Subscriber, error) {
	sub := &Subscriber{UnsubscribeToken: token}

	query := `UPDATE subscribers SET subscribed = $1 WHERE unsubscribe_token = $2
		RETURNING id, email, name, subscribed, subscribed_at`

	err := s.db.QueryRowContext(ctx, query, subscribed, token).Scan(
		&sub.ID, &sub.Email, &sub.Name, &sub.Subscribed, &sub.SubscribedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("set subscribed: %w", err)
	}
	return sub, nil
}

// GetActiveSubscribers retrieves all subscribers with subscribed = true,
// oldest subscription first so long-time subscribers land in the immediate
// send slice.
func (s *Store) GetActiveSubscribers(ctx context.Context) ([]*Subscriber, error) {
	query := `SELECT id, email, name, subscribed, subscribed_at, unsubscribe_token
		FROM subscribers WHERE subscribed = true ORDER BY subscribed_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get active subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub := &Subscriber{}
		err := rows.Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Subscribed,
			&sub.SubscribedAt, &sub.UnsubscribeToken)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetTokensByEmail fetches current unsubscribe tokens for the given addresses
// in one query. Tokens are looked up at send time, never cached, so a rotated
// token is always honored.
func (s *Store) GetTokensByEmail(ctx context.Context, emails []string) (map[string]string, error) {
	if len(emails) == 0 {
		return map[string]string{}, nil
	}

	query := `SELECT email, unsubscribe_token FROM subscribers WHERE email = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(emails))
	if err != nil {
		return nil, fmt.Errorf("get tokens: %w", err)
	}
	defer rows.Close()

	tokens := make(map[string]string, len(emails))
	for rows.Next() {
		var email, token string
		if err := rows.Scan(&email, &token); err != nil {
			return nil, err
		}
		tokens[email] = token
	}
	return tokens, rows.Err()
}

// CreateNewsletter inserts a newsletter row.
func (s *Store) CreateNewsletter(ctx context.Context, n *Newsletter) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	query := `INSERT INTO newsletters (id, title, content, date) VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, n.ID, n.Title, n.Content, n.Date)
	if err != nil {
		return fmt.Errorf("create newsletter: %w", err)
	}
	return nil
}

// GetNewsletter retrieves a newsletter by ID. Returns (nil, nil) when the row
// does not exist; a missing newsletter is a data-integrity condition the
// queue processor handles, not a query failure.
func (s *Store) GetNewsletter(ctx context.Context, id uuid.UUID) (*Newsletter, error) {
	n := &Newsletter{}

	query := `SELECT id, title, content, date FROM newsletters WHERE id = $1`

	err := s.db.QueryRowContext(ctx, query, id).Scan(&n.ID, &n.Title, &n.Content, &n.Date)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get newsletter: %w", err)
	}
	return n, nil
}

// GetNewsletters retrieves all newsletters, newest first.
func (s *Store) GetNewsletters(ctx context.Context) ([]*Newsletter, error) {
	query := `SELECT id, title, content, date FROM newsletters ORDER BY date DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get newsletters: %w", err)
	}
	defer rows.Close()

	var newsletters []*Newsletter
	for rows.Next() {
		n := &Newsletter{}
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.Date); err != nil {
			return nil, err
		}
		newsletters = append(newsletters, n)
	}
	return newsletters, rows.Err()
}

// EnqueueDeliveries inserts queued deliveries in one transaction.
func (s *Store) EnqueueDeliveries(ctx context.Context, items []*QueuedDelivery) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueue deliveries: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO email_queue
		(id, newsletter_id, recipient_email, recipient_name, status, scheduled_for, attempts, batch_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("enqueue deliveries: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.Status == "" {
			item.Status = StatusPending
		}
		_, err := stmt.ExecContext(ctx, item.ID, item.NewsletterID, item.RecipientEmail,
			item.RecipientName, item.Status, item.ScheduledFor, item.Attempts, item.BatchNumber)
		if err != nil {
			return fmt.Errorf("enqueue deliveries: %w", err)
		}
	}
	return tx.Commit()
}

// GetDueDeliveries selects up to limit pending deliveries that are due and
// still under the attempt cap, oldest scheduled_for first. The row locks
// only last for this statement, so SKIP LOCKED narrows the race between
// concurrent claimers (manual drain vs the background tick, or a second
// process) without eliminating it: two passes that claim the same row can
// both send it. Delivery is at least once; the status guards on MarkSent
// and MarkFailedOrRetry ensure the row still reaches a terminal state
// exactly once.
func (s *Store) GetDueDeliveries(ctx context.Context, limit, maxAttempts int) ([]*QueuedDelivery, error) {
	query := `SELECT id, newsletter_id, recipient_email, recipient_name, status,
		scheduled_for, sent_at, attempts, error_message, batch_number
		FROM email_queue
		WHERE status = 'pending' AND scheduled_for <= NOW() AND attempts < $2
		ORDER BY scheduled_for LIMIT $1 FOR UPDATE SKIP LOCKED`

	rows, err := s.db.QueryContext(ctx, query, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("get due deliveries: %w", err)
	}
	defer rows.Close()

	var items []*QueuedDelivery
	for rows.Next() {
		item := &QueuedDelivery{}
		err := rows.Scan(&item.ID, &item.NewsletterID, &item.RecipientEmail,
			&item.RecipientName, &item.Status, &item.ScheduledFor, &item.SentAt,
			&item.Attempts, &item.ErrorMessage, &item.BatchNumber)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkSent transitions a pending delivery to sent. The status guard keeps
// terminal rows immutable.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = NOW(), attempts = attempts + 1
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailedOrRetry records a failed attempt against a pending delivery.
// Below the attempt cap the row stays pending with scheduled_for pushed
// forward by retryDelay; at the cap it becomes failed (terminal), with
// scheduled_for untouched. Returns the resulting status.
func (s *Store) MarkFailedOrRetry(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int, retryDelay time.Duration) (DeliveryStatus, error) {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}

	var attempts int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM email_queue WHERE id = $1 AND status = 'pending'`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("mark failed: delivery %s is not pending", id)
	}
	if err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}

	if attempts+1 >= maxAttempts {
		_, err = s.db.ExecContext(ctx, `
			UPDATE email_queue
			SET status = 'failed', attempts = attempts + 1, error_message = $2
			WHERE id = $1 AND status = 'pending'
		`, id, errMsg)
		if err != nil {
			return "", fmt.Errorf("mark failed: %w", err)
		}
		return StatusFailed, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET attempts = attempts + 1, error_message = $2, scheduled_for = NOW() + $3 * INTERVAL '1 second'
		WHERE id = $1 AND status = 'pending'
	`, id, errMsg, int(retryDelay.Seconds()))
	if err != nil {
		return "", fmt.Errorf("mark retry: %w", err)
	}
	return StatusPending, nil
}

// FailDeliveries marks the given pending deliveries failed with one
// explanatory message. Used for data-integrity conditions (the referenced
// newsletter is gone) where retrying cannot help.
func (s *Store) FailDeliveries(ctx context.Context, ids []uuid.UUID, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'failed', error_message = $2, attempts = attempts + 1
		WHERE id = ANY($1) AND status = 'pending'
	`, pq.Array(strIDs), errMsg)
	if err != nil {
		return fmt.Errorf("fail deliveries: %w", err)
	}
	return nil
}

// QueueStats returns delivery counts grouped by status.
func (s *Store) QueueStats(ctx context.Context) (*QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var status DeliveryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusSent:
			stats.Sent = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	stats.TotalInQueue = stats.Pending + stats.Sent + stats.Failed
	return stats, rows.Err()
}
