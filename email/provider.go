// Package email sends operator alerts via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends operator alerts using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string // operator address
	baseURL  string // for the refresh link
}

// New creates a new alert sender with the given provider.
func New(provider Provider, logger *slog.Logger, to, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
		baseURL:  baseURL,
	}
}

// SendCaptureFailure tells the operator that recording a session failed and
// court queries will keep failing until it succeeds.
func (s *Sender) SendCaptureFailure(ctx context.Context, cause error, at time.Time) error {
	subject := "Court availability: session recording failed"
	body := s.formatCaptureFailureBody(cause, at)

	s.logger.Info("Sending capture failure alert", "to", s.to, "error", cause)

	if err := s.provider.Send(ctx, s.to, subject, body); err != nil {
		return fmt.Errorf("send capture failure alert: %w", err)
	}
	return nil
}

// SendRecovered tells the operator that a session was recorded again after a failure.
func (s *Sender) SendRecovered(ctx context.Context, failedSince, at time.Time) error {
	subject := "Court availability: session recording recovered"
	body := s.formatRecoveredBody(failedSince, at)

	s.logger.Info("Sending recovery notice", "to", s.to, "failed_since", failedSince.Format(time.RFC3339))

	if err := s.provider.Send(ctx, s.to, subject, body); err != nil {
		return fmt.Errorf("send recovery notice: %w", err)
	}
	return nil
}
