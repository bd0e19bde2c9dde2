package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/communityhub/newsletter-service/internal/config"
	"github.com/communityhub/newsletter-service/internal/pkg/httpretry"
)

// ResendSender sends email batches via the Resend API.
type ResendSender struct {
	apiKey    string
	baseURL   string
	fromEmail string
	client    httpretry.HTTPDoer
}

// NewResendSender creates a sender targeting the Resend v1 API. Requests go
// through the retrying HTTP client, so brief provider hiccups don't burn a
// delivery attempt.
func NewResendSender(cfg config.ResendConfig) *ResendSender {
	return &ResendSender{
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
		fromEmail: cfg.FromEmail,
		client:    httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, 2),
	}
}

type resendEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendBatch submits up to MaxBatchSize messages in one POST /emails/batch
// call. The batch endpoint is all-or-nothing: any transport-level error or
// non-2xx response counts every message as failed.
func (s *ResendSender) SendBatch(ctx context.Context, messages []Message) (*BatchResult, error) {
	if len(messages) == 0 {
		return &BatchResult{}, nil
	}
	if s.apiKey == "" {
		return nil, fmt.Errorf("resend API key not configured")
	}

	payload := make([]resendEmail, len(messages))
	for i, msg := range messages {
		payload[i] = resendEmail{
			From:    s.fromEmail,
			To:      []string{msg.To},
			Subject: msg.Subject,
			HTML:    msg.HTML,
		}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/emails/batch", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("[Resend] Batch send failed (%d messages): %v", len(messages), err)
		return s.allFailed(messages, err.Error()), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		errMsg := fmt.Sprintf("resend error %d: %s", resp.StatusCode, truncate(string(body), 200))
		log.Printf("[Resend] Batch rejected (%d messages): %s", len(messages), errMsg)
		return s.allFailed(messages, errMsg), nil
	}

	log.Printf("[Resend] Batch sent (%d messages)", len(messages))

	results := make([]SendOutcome, len(messages))
	for i := range results {
		results[i] = SendOutcome{Success: true}
	}
	return &BatchResult{SentCount: len(messages), Results: results}, nil
}

func (s *ResendSender) allFailed(messages []Message, errMsg string) *BatchResult {
	results := make([]SendOutcome, len(messages))
	for i := range results {
		results[i] = SendOutcome{Error: errMsg}
	}
	return &BatchResult{
		FailureCount: len(messages),
		Results:      results,
		ErrorMessage: errMsg,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
