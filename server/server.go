// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clubwise-courts/booking"
	"clubwise-courts/payload"
	"clubwise-courts/pkg/courts"

	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

// Availability interface for court queries and session refreshes.
type Availability interface {
	Availability(ctx context.Context, date string) ([]courts.Slot, error)
	Refresh(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	availability   Availability
	logger         *slog.Logger
	limiter        *ipLimiter
	allowedOrigins []string
	refreshToken   string
}

// Config holds server configuration.
type Config struct {
	Availability   Availability
	Logger         *slog.Logger
	AllowedOrigins []string   // CORS origins; empty allows any
	RateLimit      rate.Limit // per client IP on /api/bookings; zero disables
	RateBurst      int
	RefreshToken   string // bearer token for /refreshz; empty leaves it open
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		availability:   cfg.Availability,
		logger:         cfg.Logger,
		allowedOrigins: cfg.AllowedOrigins,
		refreshToken:   cfg.RefreshToken,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bookings", s.handleBookings)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/refreshz", s.handleRefresh)

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         600,
	})
	return c.Handler(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// A cold query may record a session in a browser before answering.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil && !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		s.writeError(w, http.StatusBadRequest, "date required (DD/MM/YYYY)")
		return
	}

	start := time.Now()
	slots, err := s.availability.Availability(r.Context(), date)
	if err != nil {
		status, msg := classify(err)
		s.logger.Error("Availability query failed",
			"date", date,
			"ip", ip,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		s.writeError(w, status, msg)
		return
	}
	if slots == nil {
		slots = []courts.Slot{}
	}

	s.logger.Info("Availability query served",
		"date", date,
		"ip", ip,
		"slots", len(slots),
		"duration_ms", time.Since(start).Milliseconds())

	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, slots)
}

// classify maps a query error to a status and a client-safe message.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, payload.ErrInvalidDate):
		return http.StatusBadRequest, "invalid date, expected DD/MM/YYYY"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timed out"
	case errors.Is(err, booking.ErrUpstream):
		return http.StatusBadGateway, "booking site unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		s.logger.Warn("Unauthorized refresh request", "ip", clientIP(r))
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	s.logger.Info("Refresh endpoint triggered")

	if err := s.availability.Refresh(r.Context()); err != nil {
		status, msg := classify(err)
		s.logger.Error("Refresh failed", "error", err)
		s.writeError(w, status, msg)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.refreshToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.refreshToken)) == 1
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
