package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-resty/resty/v2"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	fromAddr string
	fromName string
	endpoint string
	client   *resty.Client
	logger   *slog.Logger
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("api-key", apiKey).
			SetHeader("Accept", "application/json"),
		logger: logger,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send sends an email via Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	reqBody := brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	}

	err := retry.Do(
		func() error {
			b.logger.Info("Brevo API request starting",
				"method", "POST",
				"endpoint", "smtp/email",
				"to", to)

			startTime := time.Now()
			var apiErr brevoErrorResponse
			res, err := b.client.R().
				SetContext(ctx).
				SetBody(reqBody).
				SetError(&apiErr).
				Post(b.endpoint)
			duration := time.Since(startTime)

			if err != nil {
				b.logger.Warn("Brevo API request failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			if res.IsError() {
				b.logger.Warn("Brevo API returned error status",
					"status_code", res.StatusCode(),
					"code", apiErr.Code,
					"message", apiErr.Message,
					"to", to)
				err := fmt.Errorf("HTTP %d: %s", res.StatusCode(), apiErr.Message)
				if res.StatusCode() < 500 && res.StatusCode() != 429 {
					return retry.Unrecoverable(err)
				}
				return err
			}

			b.logger.Info("Brevo API request completed",
				"endpoint", "smtp/email",
				"to", to,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("brevo send: %w", err)
	}
	return nil
}
