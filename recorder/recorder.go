// Package recorder logs in to the booking site with a real browser and
// records the session cookies and the action payloads the page sends.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clubwise-courts/pkg/courts"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ErrCaptureIncomplete means navigation finished without both payloads being seen.
var ErrCaptureIncomplete = errors.New("capture incomplete")

const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Config holds recorder configuration.
type Config struct {
	Logger    *slog.Logger
	LoginURL  string
	Email     string
	Password  string
	Activity  string        // link text chosen on the activity page
	ExecPath  string        // browser binary; empty uses the default lookup
	NextSteps int           // clicks on the "next" control after choosing the activity
	Settle    time.Duration // wait after the last click for requests to fire
	Timeout   time.Duration // bound on the whole recording
	Headless  bool
	NoSandbox bool
}

// Recorder drives a headless browser through the booking flow.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a recorder, filling unset fields with defaults.
func New(cfg *Config) *Recorder {
	c := *cfg
	if c.Activity == "" {
		c.Activity = "Badminton"
	}
	if c.NextSteps == 0 {
		c.NextSteps = 2
	}
	if c.Settle == 0 {
		c.Settle = 5 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 90 * time.Second
	}
	return &Recorder{cfg: c, logger: cfg.Logger}
}

// Record logs in, walks to the activity grid, and returns the captured
// artifacts. It fails with ErrCaptureIncomplete if either payload is missing.
func (r *Recorder) Record(ctx context.Context) (*courts.Artifacts, error) {
	if r.cfg.Email == "" || r.cfg.Password == "" {
		return nil, errors.New("recorder credentials not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(1366, 900),
		chromedp.UserAgent(browserUserAgent),
	)
	if r.cfg.NoSandbox {
		opts = append(opts,
			chromedp.NoSandbox,
			chromedp.Flag("disable-setuid-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	if r.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	captured := &capture{
		logger: r.logger,
		fetch: func(id network.RequestID) ([]byte, error) {
			var data string
			err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				data, err = network.GetRequestPostData(id).Do(ctx)
				return err
			}))
			return []byte(data), err
		},
	}
	chromedp.ListenTarget(browserCtx, func(ev any) {
		if e, ok := ev.(*network.EventRequestWillBeSent); ok {
			captured.handle(e)
		}
	})

	start := time.Now()
	r.logger.Info("Recording session", "login_url", r.cfg.LoginURL, "activity", r.cfg.Activity)

	if err := chromedp.Run(browserCtx, r.navigation()...); err != nil {
		r.logger.Error("Browser navigation failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("navigate booking flow: %w", err)
	}

	captured.wait()
	dateChange, show, err := captured.templates()
	if err != nil {
		r.logger.Error("Recording incomplete", "error", err)
		return nil, err
	}

	var cookies []*network.Cookie
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	})); err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	r.logger.Info("Session recorded",
		"cookies", len(cookies),
		"duration_ms", time.Since(start).Milliseconds())

	return &courts.Artifacts{
		CapturedAt: time.Now().UTC(),
		Auth:       &courts.AuthState{Cookies: convertCookies(cookies)},
		DateChange: dateChange,
		Show:       show,
	}, nil
}

// navigation is the click path from the login page to the court grid.
func (r *Recorder) navigation() chromedp.Tasks {
	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(r.cfg.LoginURL),
		chromedp.WaitVisible(`input[type=email]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[type=email]`, r.cfg.Email, chromedp.ByQuery),
		chromedp.SendKeys(`input[type=password]`, r.cfg.Password, chromedp.ByQuery),
	}
	for _, label := range []string{"Sign In", "continue", "Make a booking", "Book by Activity", r.cfg.Activity} {
		tasks = append(tasks, clickText(label))
	}
	for range r.cfg.NextSteps {
		tasks = append(tasks, chromedp.Click(`div[role=Next]`, chromedp.ByQuery))
	}
	return append(tasks, chromedp.Sleep(r.cfg.Settle))
}

func clickText(label string) chromedp.Action {
	return chromedp.Click(textXPath(label), chromedp.BySearch)
}
