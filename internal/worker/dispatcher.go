package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/communityhub/newsletter-service/internal/config"
	"github.com/communityhub/newsletter-service/internal/mailing"
	"github.com/communityhub/newsletter-service/internal/pkg/logger"
)

// DispatchStore is the subset of the mailing store the dispatcher needs.
type DispatchStore interface {
	GetActiveSubscribers(ctx context.Context) ([]*mailing.Subscriber, error)
	EnqueueDeliveries(ctx context.Context, items []*mailing.QueuedDelivery) error
}

// Renderer produces the final HTML for one recipient.
type Renderer interface {
	Render(title, content, recipientName, unsubscribeURL string) (string, error)
}

// Dispatcher runs the immediate send path when a newsletter is created: the
// first batch of active subscribers is sent right away, everyone past the
// immediate ceiling is enqueued on a day-per-batch schedule, and immediate
// failures are seeded into the queue as retries.
type Dispatcher struct {
	store    DispatchStore
	renderer Renderer
	sender   Sender
	queue    config.QueueConfig
	site     config.SiteConfig
}

// DispatchResult summarizes what happened to a newsletter's audience.
// ImmediateSent + Queued always equals TotalSubscribers: every active
// subscriber ends up either delivered or owed a queue row.
type DispatchResult struct {
	ImmediateSent    int `json:"immediateSent"`
	Queued           int `json:"queued"`
	TotalSubscribers int `json:"totalSubscribers"`
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store DispatchStore, renderer Renderer, sender Sender, queue config.QueueConfig, site config.SiteConfig) *Dispatcher {
	return &Dispatcher{
		store:    store,
		renderer: renderer,
		sender:   sender,
		queue:    queue,
		site:     site,
	}
}

// Dispatch fans a newsletter out to the current active subscriber list.
// Subscribers beyond the first batch are not sent to; they get pending queue
// rows scheduled one day per batch out, which keeps every calendar day's
// volume under the provider's daily cap.
func (d *Dispatcher) Dispatch(ctx context.Context, newsletterID uuid.UUID, title, content string) (*DispatchResult, error) {
	subscribers, err := d.store.GetActiveSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscribers: %w", err)
	}

	result := &DispatchResult{TotalSubscribers: len(subscribers)}
	if len(subscribers) == 0 {
		log.Printf("[Dispatcher] Newsletter %s has no active subscribers, nothing to send", newsletterID)
		return result, nil
	}

	batchSize := d.queue.BatchSize
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	immediate := subscribers
	deferred := []*mailing.Subscriber{}
	if len(subscribers) > batchSize {
		immediate = subscribers[:batchSize]
		deferred = subscribers[batchSize:]
	}

	now := time.Now()
	var retrySeeds []*mailing.QueuedDelivery

	sent, failed, err := d.sendImmediate(ctx, newsletterID, title, content, immediate, now, &retrySeeds)
	if err != nil {
		return nil, err
	}
	result.ImmediateSent = sent

	deferredRows := d.buildDeferredRows(newsletterID, deferred, now, batchSize)

	rows := append(retrySeeds, deferredRows...)
	if len(rows) > 0 {
		if err := d.store.EnqueueDeliveries(ctx, rows); err != nil {
			return nil, fmt.Errorf("failed to enqueue deliveries: %w", err)
		}
	}
	result.Queued = len(rows)

	logger.Info("newsletter dispatched",
		"newsletter_id", newsletterID.String(),
		"total", result.TotalSubscribers,
		"immediate_sent", result.ImmediateSent,
		"immediate_failed", failed,
		"queued", result.Queued,
	)
	return result, nil
}

// sendImmediate renders and sends the first batch in one transport call.
// Recipients whose render or send failed are appended to retrySeeds as
// pending rows with one attempt already consumed, due after the retry delay.
func (d *Dispatcher) sendImmediate(ctx context.Context, newsletterID uuid.UUID, title, content string, subscribers []*mailing.Subscriber, now time.Time, retrySeeds *[]*mailing.QueuedDelivery) (sent, failed int, err error) {
	messages := make([]Message, 0, len(subscribers))
	included := make([]*mailing.Subscriber, 0, len(subscribers))

	for _, sub := range subscribers {
		html, renderErr := d.renderer.Render(title, content, sub.DisplayName(), d.site.UnsubscribeURL(sub.UnsubscribeToken))
		if renderErr != nil {
			log.Printf("[Dispatcher] Render failed for %s: %v", logger.RedactEmail(sub.Email), renderErr)
			*retrySeeds = append(*retrySeeds, d.retrySeed(newsletterID, sub, now, "render failed: "+renderErr.Error()))
			failed++
			continue
		}
		messages = append(messages, Message{
			To:      sub.Email,
			ToName:  sub.DisplayName(),
			Subject: title,
			HTML:    html,
		})
		included = append(included, sub)
	}

	if len(messages) == 0 {
		return 0, failed, nil
	}

	batch, err := d.sender.SendBatch(ctx, messages)
	if err != nil {
		return 0, failed, fmt.Errorf("batch send failed: %w", err)
	}

	for i, outcome := range batch.Results {
		if outcome.Success {
			sent++
			continue
		}
		errMsg := outcome.Error
		if errMsg == "" {
			errMsg = batch.ErrorMessage
		}
		*retrySeeds = append(*retrySeeds, d.retrySeed(newsletterID, included[i], now, errMsg))
		failed++
	}
	return sent, failed, nil
}

// retrySeed builds the queue row for a recipient whose immediate send failed.
// The failed attempt counts toward the cap and the row becomes due after the
// standard retry delay.
func (d *Dispatcher) retrySeed(newsletterID uuid.UUID, sub *mailing.Subscriber, now time.Time, errMsg string) *mailing.QueuedDelivery {
	return &mailing.QueuedDelivery{
		ID:             uuid.New(),
		NewsletterID:   newsletterID,
		RecipientEmail: sub.Email,
		RecipientName:  sub.Name,
		Status:         mailing.StatusPending,
		ScheduledFor:   now.Add(d.queue.RetryDelay()),
		Attempts:       1,
		ErrorMessage:   sql.NullString{String: errMsg, Valid: errMsg != ""},
		BatchNumber:    0,
	}
}

// buildDeferredRows schedules everyone past the immediate ceiling. Batch n
// (0-indexed within the deferred remainder) lands n+1 days out, so the first
// deferred batch goes tomorrow and no single day exceeds one batch.
func (d *Dispatcher) buildDeferredRows(newsletterID uuid.UUID, deferred []*mailing.Subscriber, now time.Time, batchSize int) []*mailing.QueuedDelivery {
	rows := make([]*mailing.QueuedDelivery, 0, len(deferred))
	for i, sub := range deferred {
		batchNumber := i / batchSize
		rows = append(rows, &mailing.QueuedDelivery{
			ID:             uuid.New(),
			NewsletterID:   newsletterID,
			RecipientEmail: sub.Email,
			RecipientName:  sub.Name,
			Status:         mailing.StatusPending,
			ScheduledFor:   now.AddDate(0, 0, batchNumber+1),
			Attempts:       0,
			BatchNumber:    batchNumber,
		})
	}
	return rows
}
