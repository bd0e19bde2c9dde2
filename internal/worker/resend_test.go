package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/communityhub/newsletter-service/internal/config"
)

func resendTestSender(t *testing.T, handler http.HandlerFunc) (*ResendSender, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	sender := NewResendSender(config.ResendConfig{
		APIKey:         "test-key",
		BaseURL:        ts.URL,
		FromEmail:      "delivered@resend.dev",
		TimeoutSeconds: 5,
	})
	// Bypass the retry wrapper so failure tests don't wait out backoff.
	sender.client = ts.Client()
	return sender, ts
}

func testMessages(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			To:      "recipient@example.com",
			Subject: "March Update",
			HTML:    "<p>hello</p>",
		}
	}
	return msgs
}

func TestResendSendBatch_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload []resendEmail

	sender, _ := resendTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":[{"id":"1"},{"id":"2"}]}`))
	})

	result, err := sender.SendBatch(context.Background(), testMessages(2))
	if err != nil {
		t.Fatalf("SendBatch() error: %v", err)
	}

	if gotPath != "/emails/batch" {
		t.Errorf("path = %q, want /emails/batch", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if len(gotPayload) != 2 {
		t.Fatalf("payload size = %d, want 2", len(gotPayload))
	}
	if gotPayload[0].From != "delivered@resend.dev" {
		t.Errorf("from = %q", gotPayload[0].From)
	}

	if result.SentCount != 2 || result.FailureCount != 0 {
		t.Errorf("result = %+v, want 2 sent", result)
	}
	if len(result.Results) != 2 {
		t.Fatalf("per-message results = %d, want 2", len(result.Results))
	}
	for i, r := range result.Results {
		if !r.Success {
			t.Errorf("result[%d] not success", i)
		}
	}
}

func TestResendSendBatch_ProviderErrorFailsWholeBatch(t *testing.T) {
	sender, _ := resendTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"invalid from address"}`))
	})

	result, err := sender.SendBatch(context.Background(), testMessages(3))
	if err != nil {
		t.Fatalf("SendBatch() should report provider rejection in the result, got error: %v", err)
	}

	if result.SentCount != 0 || result.FailureCount != 3 {
		t.Errorf("result = %+v, want all 3 failed", result)
	}
	if result.ErrorMessage == "" {
		t.Error("batch error message should be populated")
	}
	for i, r := range result.Results {
		if r.Success || r.Error == "" {
			t.Errorf("result[%d] = %+v, want failure with error", i, r)
		}
	}
}

func TestResendSendBatch_NetworkErrorFailsWholeBatch(t *testing.T) {
	sender, ts := resendTestSender(t, func(w http.ResponseWriter, r *http.Request) {})
	ts.Close() // connection refused from here on

	result, err := sender.SendBatch(context.Background(), testMessages(2))
	if err != nil {
		t.Fatalf("SendBatch() should absorb the network error into the result, got: %v", err)
	}
	if result.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", result.FailureCount)
	}
}

func TestResendSendBatch_EmptyBatch(t *testing.T) {
	called := false
	sender, _ := resendTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	result, err := sender.SendBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("SendBatch(nil) error: %v", err)
	}
	if called {
		t.Error("empty batch should not hit the API")
	}
	if result.SentCount != 0 || result.FailureCount != 0 {
		t.Errorf("result = %+v, want zero result", result)
	}
}

func TestResendSendBatch_MissingAPIKey(t *testing.T) {
	sender := NewResendSender(config.ResendConfig{BaseURL: "http://example.test"})

	_, err := sender.SendBatch(context.Background(), testMessages(1))
	if err == nil {
		t.Error("missing API key should be a hard error, not a delivery failure")
	}
}
