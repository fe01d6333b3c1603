package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendCaptureFailure(t *testing.T) {
	provider := NewMockProvider(discardLogger())
	sender := New(provider, discardLogger(), "ops@example.com", "https://courts.example.com/")

	at := time.Date(2025, 12, 25, 9, 0, 0, 0, time.UTC)
	cause := errors.New(`capture incomplete: no <OnShow> request seen`)
	if err := sender.SendCaptureFailure(context.Background(), cause, at); err != nil {
		t.Fatalf("SendCaptureFailure() error = %v", err)
	}

	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	msg := sent[0]
	if msg.To != "ops@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if !strings.Contains(msg.Subject, "failed") {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{
		"capture incomplete: no &lt;OnShow&gt; request seen",
		"Thu Dec 25, 2025 at 09:00 UTC",
		"POST https://courts.example.com/refreshz",
	} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(msg.Body, "<OnShow>") {
		t.Error("body contains unescaped error text")
	}
}

func TestSendRecovered(t *testing.T) {
	provider := NewMockProvider(discardLogger())
	sender := New(provider, discardLogger(), "ops@example.com", "")

	since := time.Date(2025, 12, 25, 9, 0, 0, 0, time.UTC)
	if err := sender.SendRecovered(context.Background(), since, since.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	sent := provider.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Subject, "recovered") {
		t.Fatalf("sent = %+v", sent)
	}
	if strings.Contains(sent[0].Body, "refreshz") {
		t.Error("body has a refresh hint without a base URL")
	}
}

type failingProvider struct{}

func (failingProvider) Send(context.Context, string, string, string) error {
	return errors.New("quota exceeded")
}

func TestSendCaptureFailureProviderError(t *testing.T) {
	sender := New(failingProvider{}, discardLogger(), "ops@example.com", "")
	err := sender.SendCaptureFailure(context.Background(), errors.New("boom"), time.Now())
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("SendCaptureFailure() error = %v, want provider error", err)
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "ops@example.com", want: "ops@example.com"},
		{in: "ops@example.com\r\nBcc: evil@example.com", want: "ops@example.comBcc: evil@example.com"},
		{in: "tab\there", want: "tabhere"},
		{in: "Court availability ✓", want: "Court availability ✓"},
	}
	for _, tt := range tests {
		if got := sanitizeEmailHeader(tt.in); got != tt.want {
			t.Errorf("sanitizeEmailHeader(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRawMessage(t *testing.T) {
	raw, err := base64.URLEncoding.DecodeString(rawMessage("ops@example.com\n", "Alert\r\nX-Evil: 1", "<p>hi</p>"))
	if err != nil {
		t.Fatal(err)
	}
	msg := string(raw)
	if !strings.Contains(msg, "To: ops@example.com\r\n") {
		t.Errorf("message missing To header:\n%s", msg)
	}
	if !strings.Contains(msg, "Subject: AlertX-Evil: 1\r\n") {
		t.Errorf("message has unsanitized subject:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>hi</p>") {
		t.Errorf("message body not at end:\n%s", msg)
	}
}

func TestRetryableGmailError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "network", err: errors.New("connection reset"), want: true},
		{name: "server", err: &googleapi.Error{Code: 503}, want: true},
		{name: "rate limited", err: &googleapi.Error{Code: 429}, want: true},
		{name: "bad request", err: &googleapi.Error{Code: 400}, want: false},
		{name: "forbidden", err: &googleapi.Error{Code: 403}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableGmailError(tt.err); got != tt.want {
				t.Errorf("retryableGmailError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"messageId":"<1@smtp-relay>"}`)) //nolint:errcheck // test server
	}))
	defer srv.Close()

	p := NewBrevoProvider("key-123", "alerts@example.com", "Courts", discardLogger())
	p.endpoint = srv.URL

	if err := p.Send(context.Background(), "ops@example.com", "Subject", "<p>body</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if apiKey != "key-123" {
		t.Errorf("api-key header = %q", apiKey)
	}
	if got.Sender.Email != "alerts@example.com" || got.Sender.Name != "Courts" {
		t.Errorf("sender = %+v", got.Sender)
	}
	if len(got.To) != 1 || got.To[0].Email != "ops@example.com" {
		t.Errorf("to = %+v", got.To)
	}
	if got.HTML != "<p>body</p>" {
		t.Errorf("htmlContent = %q", got.HTML)
	}
}

func TestBrevoClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"invalid_parameter","message":"email is not valid"}`)) //nolint:errcheck // test server
	}))
	defer srv.Close()

	p := NewBrevoProvider("key", "alerts@example.com", "", discardLogger())
	p.endpoint = srv.URL

	err := p.Send(context.Background(), "not-an-address", "s", "b")
	if err == nil || !strings.Contains(err.Error(), "email is not valid") {
		t.Errorf("Send() error = %v, want API message", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
}
