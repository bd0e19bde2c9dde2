package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/communityhub/newsletter-service/internal/mailing"
	"github.com/communityhub/newsletter-service/internal/worker"
)

// Store is the subset of the mailing store the HTTP surface needs.
type Store interface {
	AddSubscriber(ctx context.Context, email, name string) (*mailing.Subscriber, error)
	SetSubscribed(ctx context.Context, token string, subscribed bool) (*mailing.Subscriber, error)
	CreateNewsletter(ctx context.Context, n *mailing.Newsletter) error
	GetNewsletter(ctx context.Context, id uuid.UUID) (*mailing.Newsletter, error)
	GetNewsletters(ctx context.Context) ([]*mailing.Newsletter, error)
	QueueStats(ctx context.Context) (*mailing.QueueStats, error)
}

// Dispatcher runs the immediate send path for a newly created newsletter.
type Dispatcher interface {
	Dispatch(ctx context.Context, newsletterID uuid.UUID, title, content string) (*worker.DispatchResult, error)
}

// Processor is the queue processor control interface.
type Processor interface {
	Start() error
	Stop()
	IsRunning() bool
	ProcessBatch(ctx context.Context) (*worker.ProcessResult, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	store      Store
	dispatcher Dispatcher
	processor  Processor
}

// NewHandlers creates a new handlers instance
func NewHandlers(store Store, dispatcher Dispatcher, processor Processor) *Handlers {
	return &Handlers{
		store:      store,
		dispatcher: dispatcher,
		processor:  processor,
	}
}

// HealthCheck returns server health status
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "newsletter-service",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type subscribeRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Subscribe adds a new subscriber
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.store.AddSubscriber(r.Context(), req.Email, req.Name)
	switch {
	case errors.Is(err, mailing.ErrInvalidEmail):
		respondError(w, http.StatusBadRequest, "invalid email address")
		return
	case errors.Is(err, mailing.ErrDuplicateEmail):
		respondError(w, http.StatusConflict, "email already subscribed")
		return
	case err != nil:
		log.Printf("[API] Subscribe failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to add subscriber")
		return
	}

	respondJSON(w, http.StatusCreated, sub)
}

// Unsubscribe flips a subscriber's opt-in flag off using their token.
// Repeating the request is harmless.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.setSubscribed(w, r, false, "You have been unsubscribed.")
}

// Resubscribe re-opts a previously unsubscribed address back in.
func (h *Handlers) Resubscribe(w http.ResponseWriter, r *http.Request) {
	h.setSubscribed(w, r, true, "You have been resubscribed.")
}

func (h *Handlers) setSubscribed(w http.ResponseWriter, r *http.Request, subscribed bool, message string) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondError(w, http.StatusBadRequest, "missing token")
		return
	}

	sub, err := h.store.SetSubscribed(r.Context(), token, subscribed)
	switch {
	case errors.Is(err, mailing.ErrInvalidToken):
		respondError(w, http.StatusNotFound, "invalid or expired token")
		return
	case err != nil:
		log.Printf("[API] Subscription update failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": message,
		"email":   sub.Email,
	})
}

type createNewsletterRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Date    string `json:"date"`
}

// CreateNewsletter creates a newsletter and synchronously runs the immediate
// dispatch. A dispatch failure does not roll back creation: the newsletter
// row survives, the response is still 201 with a null delivery summary, and
// the warning says plainly that no deliveries were scheduled.
func (h *Handlers) CreateNewsletter(w http.ResponseWriter, r *http.Request) {
	var req createNewsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" || req.Content == "" {
		respondError(w, http.StatusBadRequest, "title and content are required")
		return
	}
	if req.Date == "" {
		req.Date = time.Now().Format("2006-01-02")
	}

	newsletter := &mailing.Newsletter{
		ID:      uuid.New(),
		Title:   req.Title,
		Content: req.Content,
		Date:    req.Date,
	}
	if err := h.store.CreateNewsletter(r.Context(), newsletter); err != nil {
		log.Printf("[API] Newsletter creation failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to create newsletter")
		return
	}

	dispatch, err := h.dispatcher.Dispatch(r.Context(), newsletter.ID, newsletter.Title, newsletter.Content)
	if err != nil {
		log.Printf("[API] Dispatch failed for newsletter %s: %v", newsletter.ID, err)
		respondJSON(w, http.StatusCreated, map[string]interface{}{
			"newsletter": newsletter,
			"dispatch":   nil,
			"warning":    "newsletter created but dispatch failed; no deliveries were scheduled",
		})
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"newsletter": newsletter,
		"dispatch":   dispatch,
	})
}

// GetNewsletters lists all newsletters, newest first
func (h *Handlers) GetNewsletters(w http.ResponseWriter, r *http.Request) {
	newsletters, err := h.store.GetNewsletters(r.Context())
	if err != nil {
		log.Printf("[API] Newsletter list failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load newsletters")
		return
	}
	respondJSON(w, http.StatusOK, newsletters)
}

// GetNewsletter returns a single newsletter by ID
func (h *Handlers) GetNewsletter(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid newsletter id")
		return
	}

	newsletter, err := h.store.GetNewsletter(r.Context(), id)
	if err != nil {
		log.Printf("[API] Newsletter load failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load newsletter")
		return
	}
	if newsletter == nil {
		respondError(w, http.StatusNotFound, "newsletter not found")
		return
	}
	respondJSON(w, http.StatusOK, newsletter)
}

// GetQueueStats returns delivery counts grouped by status
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.QueueStats(r.Context())
	if err != nil {
		log.Printf("[API] Queue stats failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load queue stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetQueueStatus reports whether the background processor is running
func (h *Handlers) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"isRunning": h.processor.IsRunning()})
}

// StartQueue starts the background processor. Starting twice is reported,
// not treated as a failure.
func (h *Handlers) StartQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.processor.Start(); err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"isRunning": h.processor.IsRunning(),
			"message":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"isRunning": true,
		"message":   "queue processor started",
	})
}

// StopQueue stops the background processor
func (h *Handlers) StopQueue(w http.ResponseWriter, r *http.Request) {
	h.processor.Stop()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"isRunning": false,
		"message":   "queue processor stopped",
	})
}

// ProcessQueue drains one batch immediately, independent of the tick loop
func (h *Handlers) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	result, err := h.processor.ProcessBatch(r.Context())
	if err != nil {
		log.Printf("[API] Manual queue drain failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to process queue")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
