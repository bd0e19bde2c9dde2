package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/communityhub/newsletter-service/internal/config"
	"github.com/communityhub/newsletter-service/internal/mailing"
	"github.com/communityhub/newsletter-service/internal/pkg/logger"
)

// ProcessorStore is the subset of the mailing store the queue processor needs.
type ProcessorStore interface {
	GetDueDeliveries(ctx context.Context, limit, maxAttempts int) ([]*mailing.QueuedDelivery, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailedOrRetry(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int, retryDelay time.Duration) (mailing.DeliveryStatus, error)
	FailDeliveries(ctx context.Context, ids []uuid.UUID, errMsg string) error
	GetTokensByEmail(ctx context.Context, emails []string) (map[string]string, error)
	GetNewsletter(ctx context.Context, id uuid.UUID) (*mailing.Newsletter, error)
}

// RateLimiter gates transport calls. Acquire accounts one call carrying n
// messages; when denied it reports how long to wait, or an error when
// waiting cannot help within this tick.
type RateLimiter interface {
	Acquire(ctx context.Context, n int) (allowed bool, wait time.Duration, err error)
}

// QueueProcessor drains due deliveries on a fixed tick. Each tick claims at
// most one batch of pending rows, sends them grouped by newsletter, and
// advances every claimed row's state: sent, retried later, or failed for
// good once attempts hit the cap.
type QueueProcessor struct {
	store    ProcessorStore
	renderer Renderer
	sender   Sender
	limiter  RateLimiter
	queue    config.QueueConfig
	site     config.SiteConfig

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// ProcessResult summarizes one drain pass.
type ProcessResult struct {
	Processed    int `json:"processed"`
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

// NewQueueProcessor creates a stopped processor. limiter may be nil, in which
// case a fixed delay between transport calls stands in for Redis-backed
// rate accounting.
func NewQueueProcessor(store ProcessorStore, renderer Renderer, sender Sender, limiter RateLimiter, queue config.QueueConfig, site config.SiteConfig) *QueueProcessor {
	return &QueueProcessor{
		store:    store,
		renderer: renderer,
		sender:   sender,
		limiter:  limiter,
		queue:    queue,
		site:     site,
	}
}

// Start begins the background tick loop. Starting an already-running
// processor is an error.
func (p *QueueProcessor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("queue processor already running")
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.running = true

	go p.run(p.stop, p.done)

	log.Printf("[QueueProcessor] Started (tick interval: %s, batch size: %d)", p.queue.TickInterval(), p.queue.BatchSize)
	return nil
}

// Stop halts the tick loop and waits for any in-flight pass to finish, so
// no row is left mid-transition. Stopping a stopped processor is a no-op.
func (p *QueueProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stop, done := p.stop, p.done
	p.running = false
	p.mu.Unlock()

	close(stop)
	<-done

	log.Printf("[QueueProcessor] Stopped")
}

// IsRunning reports whether the tick loop is active.
func (p *QueueProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *QueueProcessor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.queue.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.queue.TickInterval()*10)
			result, err := p.ProcessBatch(ctx)
			cancel()
			if err != nil {
				log.Printf("[QueueProcessor] Tick failed: %v", err)
				continue
			}
			if result.Processed > 0 {
				logger.Info("queue tick complete",
					"processed", result.Processed,
					"sent", result.SuccessCount,
					"failed", result.FailureCount,
				)
			}
		}
	}
}

// ProcessBatch claims and drains one batch of due deliveries. It is safe to
// call concurrently with the tick loop and from the manual drain endpoint:
// the claim query skips rows another pass has locked.
func (p *QueueProcessor) ProcessBatch(ctx context.Context) (*ProcessResult, error) {
	// The claim limit never exceeds the transport ceiling, whatever the
	// configuration says, so no newsletter group can overflow one batch call.
	limit := p.queue.BatchSize
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}

	due, err := p.store.GetDueDeliveries(ctx, limit, p.queue.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due deliveries: %w", err)
	}

	result := &ProcessResult{}
	if len(due) == 0 {
		return result, nil
	}

	calls := 0
	for newsletterID, rows := range groupByNewsletter(due) {
		p.pace(ctx, calls, len(rows))
		calls++

		sent, failed := p.processGroup(ctx, newsletterID, rows)
		result.Processed += len(rows)
		result.SuccessCount += sent
		result.FailureCount += failed
	}

	return result, nil
}

// groupByNewsletter partitions claimed rows by newsletter so each group can
// share one rendered template context and one transport call.
func groupByNewsletter(rows []*mailing.QueuedDelivery) map[uuid.UUID][]*mailing.QueuedDelivery {
	groups := make(map[uuid.UUID][]*mailing.QueuedDelivery)
	for _, row := range rows {
		groups[row.NewsletterID] = append(groups[row.NewsletterID], row)
	}
	return groups
}

// processGroup sends one newsletter's claimed rows. Store errors on a single
// row are logged and counted as failures without aborting the rest of the
// group.
func (p *QueueProcessor) processGroup(ctx context.Context, newsletterID uuid.UUID, rows []*mailing.QueuedDelivery) (sent, failed int) {
	newsletter, err := p.store.GetNewsletter(ctx, newsletterID)
	if err != nil {
		log.Printf("[QueueProcessor] Failed to load newsletter %s: %v", newsletterID, err)
		return 0, p.retryGroup(ctx, rows, "failed to load newsletter: "+err.Error())
	}
	if newsletter == nil {
		// The newsletter was deleted out from under its queue rows. Retrying
		// cannot succeed, so fail them all immediately.
		ids := make([]uuid.UUID, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		if err := p.store.FailDeliveries(ctx, ids, mailing.ErrNewsletterNotFound.Error()); err != nil {
			log.Printf("[QueueProcessor] Failed to fail orphaned deliveries: %v", err)
		}
		return 0, len(rows)
	}

	tokens, err := p.tokensFor(ctx, rows)
	if err != nil {
		log.Printf("[QueueProcessor] Failed to load unsubscribe tokens: %v", err)
		return 0, p.retryGroup(ctx, rows, "failed to load unsubscribe tokens: "+err.Error())
	}

	messages := make([]Message, 0, len(rows))
	included := make([]*mailing.QueuedDelivery, 0, len(rows))
	for _, row := range rows {
		name := ""
		if row.RecipientName.Valid {
			name = row.RecipientName.String
		}
		html, renderErr := p.renderer.Render(newsletter.Title, newsletter.Content, name, p.site.UnsubscribeURL(tokens[row.RecipientEmail]))
		if renderErr != nil {
			failed++
			p.markOutcome(ctx, row, false, "render failed: "+renderErr.Error())
			continue
		}
		messages = append(messages, Message{
			To:      row.RecipientEmail,
			ToName:  name,
			Subject: newsletter.Title,
			HTML:    html,
		})
		included = append(included, row)
	}

	if len(messages) == 0 {
		return sent, failed
	}

	batch, err := p.sender.SendBatch(ctx, messages)
	if err != nil {
		errMsg := "batch send failed: " + err.Error()
		for _, row := range included {
			failed++
			p.markOutcome(ctx, row, false, errMsg)
		}
		return sent, failed
	}

	for i, outcome := range batch.Results {
		if outcome.Success {
			sent++
			p.markOutcome(ctx, included[i], true, "")
			continue
		}
		errMsg := outcome.Error
		if errMsg == "" {
			errMsg = batch.ErrorMessage
		}
		failed++
		p.markOutcome(ctx, included[i], false, errMsg)
	}
	return sent, failed
}

// tokensFor fetches unsubscribe tokens at send time rather than at enqueue
// time, so a recipient who unsubscribed and resubscribed between the two
// still gets a working link.
func (p *QueueProcessor) tokensFor(ctx context.Context, rows []*mailing.QueuedDelivery) (map[string]string, error) {
	emails := make([]string, len(rows))
	for i, row := range rows {
		emails[i] = row.RecipientEmail
	}
	return p.store.GetTokensByEmail(ctx, emails)
}

// markOutcome advances one row's state and logs store errors without
// propagating them; the row stays claimed as pending and a later tick will
// pick it up again.
func (p *QueueProcessor) markOutcome(ctx context.Context, row *mailing.QueuedDelivery, success bool, errMsg string) {
	if success {
		if err := p.store.MarkSent(ctx, row.ID); err != nil {
			log.Printf("[QueueProcessor] Failed to mark delivery %s sent: %v", row.ID, err)
		}
		return
	}

	status, err := p.store.MarkFailedOrRetry(ctx, row.ID, errMsg, p.queue.MaxAttempts, p.queue.RetryDelay())
	if err != nil {
		log.Printf("[QueueProcessor] Failed to record failure for delivery %s: %v", row.ID, err)
		return
	}
	if status == mailing.StatusFailed {
		logger.Warn("delivery permanently failed",
			"delivery_id", row.ID.String(),
			"recipient", row.RecipientEmail,
			"error", errMsg,
		)
	}
}

// retryGroup schedules every row in a group for another attempt after a
// shared infrastructure failure, returning the failure count.
func (p *QueueProcessor) retryGroup(ctx context.Context, rows []*mailing.QueuedDelivery, errMsg string) int {
	for _, row := range rows {
		p.markOutcome(ctx, row, false, errMsg)
	}
	return len(rows)
}

// pace throttles transport calls. A Redis limiter accounts every call and
// waits out the per-second window when it has to; without one a fixed delay
// between consecutive calls keeps the rate under the provider's published
// ceiling.
func (p *QueueProcessor) pace(ctx context.Context, priorCalls, messageCount int) {
	if p.limiter == nil {
		if priorCalls > 0 {
			p.sleep(ctx, p.queue.RateLimitDelay())
		}
		return
	}

	for {
		allowed, wait, err := p.limiter.Acquire(ctx, messageCount)
		if err != nil {
			log.Printf("[QueueProcessor] Rate limiter unavailable, falling back to fixed delay: %v", err)
			p.sleep(ctx, p.queue.RateLimitDelay())
			return
		}
		if allowed {
			return
		}
		p.sleep(ctx, wait)
	}
}

func (p *QueueProcessor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
