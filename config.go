package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultLoginURL = "https://indma01.clubwise.com/upsugymandsportscentre/index.html"
	defaultEndpoint = "https://indma01.clubwise.com/upsugymandsportscentre/WebServiceDispatcher.wso/CallAction/JSON"
)

// config is the service configuration. Values come from an optional YAML
// file named by CONFIG_FILE, then environment variables, which win.
type config struct {
	Port         string `yaml:"port"`
	LocalStorage string `yaml:"local_storage"`
	Bucket       string `yaml:"storage_bucket"`
	BaseURL      string `yaml:"base_url"`

	LoginURL  string        `yaml:"login_url"`
	Endpoint  string        `yaml:"endpoint"`
	Email     string        `yaml:"email"`
	Password  string        `yaml:"password"`
	Activity  string        `yaml:"activity"`
	NextSteps int           `yaml:"next_steps"`
	Settle    time.Duration `yaml:"settle"`

	ChromePath    string        `yaml:"chrome_path"`
	Headless      bool          `yaml:"headless"`
	NoSandbox     bool          `yaml:"no_sandbox"`
	RecordTimeout time.Duration `yaml:"record_timeout"`
	ReplayTimeout time.Duration `yaml:"replay_timeout"`

	CacheTTL       time.Duration `yaml:"cache_ttl"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	AllowedOrigins []string      `yaml:"cors_origins"`
	RefreshToken   string        `yaml:"refresh_token"`
	WarmInterval   time.Duration `yaml:"warm_interval"`
	TimeZone       string        `yaml:"timezone"`

	AlertTo     string `yaml:"alert_email"`
	AlertFrom   string `yaml:"alert_from"`
	BrevoAPIKey string `yaml:"brevo_api_key"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
}

func defaultConfig() *config {
	return &config{
		Port:          "8080",
		LoginURL:      defaultLoginURL,
		Endpoint:      defaultEndpoint,
		Activity:      "Badminton",
		NextSteps:     2,
		Settle:        5 * time.Second,
		Headless:      true,
		RecordTimeout: 90 * time.Second,
		ReplayTimeout: 30 * time.Second,
		CacheTTL:      60 * time.Second,
		RateLimit:     1,
		RateBurst:     5,
		WarmInterval:  15 * time.Minute,
		TimeZone:      "Europe/London",
		LogFormat:     "json",
		LogLevel:      "info",
	}
}

// loadConfig builds the configuration from getenv. The credentials file, if
// named, supplies the login email and password unless they are set directly.
func loadConfig(getenv func(string) string) (*config, error) {
	cfg := defaultConfig()

	if path := getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if path := getenv("CREDENTIALS_FILE"); path != "" {
		email, password, err := readCredentials(path)
		if err != nil {
			return nil, err
		}
		cfg.Email, cfg.Password = email, password
	}

	e := envReader{getenv: getenv}
	e.str(&cfg.Port, "PORT")
	e.str(&cfg.LocalStorage, "LOCAL_STORAGE")
	e.str(&cfg.Bucket, "STORAGE_BUCKET")
	e.str(&cfg.BaseURL, "BASE_URL")
	e.str(&cfg.LoginURL, "CLUBWISE_LOGIN_URL")
	e.str(&cfg.Endpoint, "CLUBWISE_URL")
	e.str(&cfg.Email, "CLUBWISE_EMAIL")
	e.str(&cfg.Password, "CLUBWISE_PASSWORD")
	e.str(&cfg.Activity, "CLUBWISE_ACTIVITY")
	e.integer(&cfg.NextSteps, "CLUBWISE_NEXT_STEPS")
	e.duration(&cfg.Settle, "CLUBWISE_SETTLE")
	e.str(&cfg.ChromePath, "CHROME_PATH")
	e.boolean(&cfg.Headless, "HEADLESS")
	e.boolean(&cfg.NoSandbox, "NO_SANDBOX")
	e.duration(&cfg.RecordTimeout, "RECORD_TIMEOUT")
	e.duration(&cfg.ReplayTimeout, "REPLAY_TIMEOUT")
	e.duration(&cfg.CacheTTL, "CACHE_TTL")
	e.float(&cfg.RateLimit, "RATE_LIMIT")
	e.integer(&cfg.RateBurst, "RATE_BURST")
	e.list(&cfg.AllowedOrigins, "CORS_ORIGINS")
	e.str(&cfg.RefreshToken, "REFRESH_TOKEN")
	e.duration(&cfg.WarmInterval, "WARM_INTERVAL")
	e.str(&cfg.TimeZone, "CLUB_TIMEZONE")
	e.str(&cfg.AlertTo, "ALERT_EMAIL")
	e.str(&cfg.AlertFrom, "ALERT_FROM")
	e.str(&cfg.BrevoAPIKey, "BREVO_API_KEY")
	e.str(&cfg.LogFormat, "LOG_FORMAT")
	e.str(&cfg.LogLevel, "LOG_LEVEL")
	if e.err != nil {
		return nil, e.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	var errs []error
	if c.LoginURL == "" || c.Endpoint == "" {
		errs = append(errs, errors.New("login URL and endpoint are required"))
	}
	if c.Email == "" || c.Password == "" {
		errs = append(errs, errors.New("login credentials required: set CREDENTIALS_FILE or CLUBWISE_EMAIL and CLUBWISE_PASSWORD"))
	}
	if c.NextSteps < 0 {
		errs = append(errs, fmt.Errorf("next steps must not be negative, got %d", c.NextSteps))
	}
	if c.CacheTTL < 0 || c.WarmInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.TimeZone, err))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// readCredentials reads a two-line file: the login email, then the password.
func readCredentials(path string) (email, password string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read credentials file: %w", err)
	}
	var lines []string
	for line := range strings.Lines(string(data)) {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return "", "", fmt.Errorf("credentials file %s: want email and password on two lines, got %d lines", path, len(lines))
	}
	return lines[0], lines[1], nil
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) str(dst *string, key string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) list(dst *[]string, key string) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (e *envReader) integer(dst *int, key string) {
	if v := e.getenv(key); v != "" && e.err == nil {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(dst *float64, key string) {
	if v := e.getenv(key); v != "" && e.err == nil {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(dst *bool, key string) {
	if v := e.getenv(key); v != "" && e.err == nil {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(dst *time.Duration, key string) {
	if v := e.getenv(key); v != "" && e.err == nil {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = d
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// newLogger builds the process logger: JSON by default, text when format is "text".
func newLogger(w io.Writer, format, level string) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
