// Package booking answers availability queries by replaying a recorded
// session, re-recording it once when the site rejects the replay.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clubwise-courts/clubwise"
	"clubwise-courts/grid"
	"clubwise-courts/payload"
	"clubwise-courts/pkg/courts"
	"clubwise-courts/storage"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ErrUpstream marks failures caused by the booking site or the browser
// recording, as opposed to bad input or local faults.
var ErrUpstream = errors.New("booking site unavailable")

// maxAttempts bounds the replay sequence: the first try plus one retry after
// re-recording a stale session.
const maxAttempts = 2

// Store interface for session persistence.
type Store interface {
	Load(ctx context.Context) (*courts.Artifacts, error)
	Save(ctx context.Context, a *courts.Artifacts) error
}

// Recorder interface for capturing a fresh session.
type Recorder interface {
	Record(ctx context.Context) (*courts.Artifacts, error)
}

// Replayer interface for sending the date change and show requests.
type Replayer interface {
	Exchange(ctx context.Context, auth *courts.AuthState, dateChange, show []byte) ([]byte, error)
}

// Alerter interface for operator notifications.
type Alerter interface {
	SendCaptureFailure(ctx context.Context, cause error, at time.Time) error
	SendRecovered(ctx context.Context, failedSince, at time.Time) error
}

// Config holds service configuration.
type Config struct {
	Store      Store
	Recorder   Recorder
	Replayer   Replayer
	Alerter    Alerter // optional
	Logger     *slog.Logger
	CacheTTL   time.Duration // zero disables the result cache
	CacheSize  int
	AlertEvery time.Duration // minimum gap between failure alerts
}

// Service answers availability queries.
type Service struct {
	store    Store
	recorder Recorder
	replayer Replayer
	alerter  Alerter
	logger   *slog.Logger
	cache    *expirable.LRU[string, []courts.Slot]
	group    singleflight.Group

	// mu serializes replays and recordings: there is one live session.
	mu sync.Mutex

	alertEvery   time.Duration
	lastAlert    time.Time
	failingSince time.Time
}

// New creates a new availability service.
func New(cfg *Config) *Service {
	s := &Service{
		store:      cfg.Store,
		recorder:   cfg.Recorder,
		replayer:   cfg.Replayer,
		alerter:    cfg.Alerter,
		logger:     cfg.Logger,
		alertEvery: cfg.AlertEvery,
	}
	if s.alertEvery == 0 {
		s.alertEvery = time.Hour
	}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 64
		}
		s.cache = expirable.NewLRU[string, []courts.Slot](size, nil, cfg.CacheTTL)
	}
	return s
}

// Availability returns the court grid for a DD/MM/YYYY date. An unparseable
// date fails with payload.ErrInvalidDate before any I/O.
func (s *Service) Availability(ctx context.Context, date string) ([]courts.Slot, error) {
	d, err := payload.ParseDate(date)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if slots, ok := s.cache.Get(d.Raw); ok {
			s.logger.Debug("Serving availability from cache", "date", d.Raw, "slots", len(slots))
			return slots, nil
		}
	}

	// Shared by every caller of this date: detached from any one caller's
	// cancellation, bounded by the recorder and replay timeouts.
	ch := s.group.DoChan(d.Raw, func() (any, error) {
		slots, err := s.fetch(context.WithoutCancel(ctx), d)
		if err == nil && s.cache != nil {
			s.cache.Add(d.Raw, slots)
		}
		return slots, err
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	slots, ok := res.Val.([]courts.Slot)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", res.Val)
	}
	if res.Shared {
		s.logger.Debug("Shared in-flight availability query", "date", d.Raw)
	}
	return slots, nil
}

// fetch runs the replay sequence, re-recording once on a stale session.
func (s *Service) fetch(ctx context.Context, d payload.DateStamp) ([]courts.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	artifacts, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		body, err := s.replay(ctx, artifacts, d)
		if err == nil {
			slots, err := grid.Extract(body)
			if err != nil {
				return nil, fmt.Errorf("%w: extract slots: %w", ErrUpstream, err)
			}
			if len(slots) == 0 {
				s.logger.Warn("Parse anomaly: no slots in grid response", "date", d.Raw, "response_bytes", len(body))
			}
			s.logger.Info("Availability fetched",
				"date", d.Raw,
				"slots", len(slots),
				"attempts", attempt,
				"duration_ms", time.Since(start).Milliseconds())
			return slots, nil
		}

		if !clubwise.IsRemoteCallError(err) {
			return nil, fmt.Errorf("%w: replay: %w", ErrUpstream, err)
		}
		if attempt >= maxAttempts {
			s.logger.Error("Replay rejected after re-recording", "date", d.Raw, "error", err)
			return nil, fmt.Errorf("%w: replay: %w", ErrUpstream, err)
		}

		s.logger.Warn("Replay rejected, session looks stale; re-recording", "date", d.Raw, "attempt", attempt, "error", err)
		if err := s.refreshLocked(ctx); err != nil {
			return nil, err
		}
		if artifacts, err = s.store.Load(ctx); err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
	}
}

// load returns the stored session, recording one first if there is none.
func (s *Service) load(ctx context.Context) (*courts.Artifacts, error) {
	artifacts, err := s.store.Load(ctx)
	if err == nil {
		return artifacts, nil
	}
	if !errors.Is(err, storage.ErrNotCached) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	s.logger.Info("No recorded session, recording one")
	if err := s.refreshLocked(ctx); err != nil {
		return nil, err
	}
	artifacts, err = s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return artifacts, nil
}

func (s *Service) replay(ctx context.Context, a *courts.Artifacts, d payload.DateStamp) ([]byte, error) {
	dateChange, err := stampEncode(a.DateChange, d)
	if err != nil {
		return nil, fmt.Errorf("stamp date change: %w", err)
	}
	show, err := stampEncode(a.Show, d)
	if err != nil {
		return nil, fmt.Errorf("stamp show: %w", err)
	}
	return s.replayer.Exchange(ctx, a.Auth, dateChange, show)
}

func stampEncode(t *payload.Template, d payload.DateStamp) ([]byte, error) {
	stamped, err := payload.Stamp(t, d)
	if err != nil {
		return nil, err
	}
	return stamped.Encode()
}

// Refresh records a new session and replaces the stored one. Cached results
// are dropped.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(ctx); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	return nil
}

// refreshLocked records and saves a session. The store is only written after
// the recording fully succeeds. Callers hold s.mu.
func (s *Service) refreshLocked(ctx context.Context) error {
	start := time.Now()
	a, err := s.recorder.Record(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.Info("Session recording cancelled", "duration_ms", time.Since(start).Milliseconds())
		} else {
			s.captureFailed(ctx, err)
		}
		return fmt.Errorf("%w: record session: %w", ErrUpstream, err)
	}
	if err := s.store.Save(ctx, a); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	s.logger.Info("Session refreshed",
		"cookies", len(a.Auth.Cookies),
		"duration_ms", time.Since(start).Milliseconds())
	s.captureRecovered(ctx)
	return nil
}

func (s *Service) captureFailed(ctx context.Context, cause error) {
	now := time.Now()
	if s.failingSince.IsZero() {
		s.failingSince = now
	}
	if s.alerter == nil || now.Sub(s.lastAlert) < s.alertEvery {
		return
	}
	s.lastAlert = now

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.alerter.SendCaptureFailure(actx, cause, now); err != nil {
		s.logger.Error("Failed to send capture failure alert", "error", err)
	}
}

func (s *Service) captureRecovered(ctx context.Context) {
	since := s.failingSince
	s.failingSince = time.Time{}
	if since.IsZero() || s.alerter == nil || s.lastAlert.IsZero() {
		return
	}
	s.lastAlert = time.Time{}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.alerter.SendRecovered(actx, since, time.Now()); err != nil {
		s.logger.Error("Failed to send recovery notice", "error", err)
	}
}
