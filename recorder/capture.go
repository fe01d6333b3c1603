package recorder

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"clubwise-courts/payload"
	"clubwise-courts/pkg/courts"

	"github.com/chromedp/cdproto/network"
)

// callActionPath identifies requests to the site's action dispatcher.
const callActionPath = "CallAction/JSON"

// capture collects the action payloads seen while a recording runs. Later
// requests of the same kind replace earlier ones, by the order the browser
// sent them.
type capture struct {
	logger *slog.Logger
	// fetch reads a request body the browser did not inline in the event.
	fetch   func(network.RequestID) ([]byte, error)
	pending sync.WaitGroup

	mu         sync.Mutex
	seq        uint64
	dateChange *payload.Template
	dateSeq    uint64
	show       *payload.Template
	showSeq    uint64
}

// handle observes one outgoing request. Bodies Chrome left out of the event
// are fetched in the background; wait blocks until those fetches finish.
func (c *capture) handle(e *network.EventRequestWillBeSent) {
	req := e.Request
	if req == nil {
		return
	}
	seq := c.next()
	if !bodyDeferred(req) {
		c.keep(seq, req.Method, req.URL, requestBody(req))
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		body, err := c.fetch(e.RequestID)
		if err != nil {
			c.logger.Warn("Failed to fetch request body", "request_id", string(e.RequestID), "url", req.URL, "error", err)
			return
		}
		c.keep(seq, req.Method, req.URL, body)
	}()
}

func (c *capture) wait() {
	c.pending.Wait()
}

func (c *capture) keep(seq uint64, method, url string, body []byte) {
	if action, ok := c.observeAt(seq, method, url, body); ok {
		c.logger.Info("Captured action request", "action", action, "url", url)
	}
}

func (c *capture) next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// observe inspects one outgoing request and keeps it if it is a date change
// or show call. It returns the action tag of a kept request.
func (c *capture) observe(method, url string, body []byte) (string, bool) {
	return c.observeAt(c.next(), method, url, body)
}

func (c *capture) observeAt(seq uint64, method, url string, body []byte) (string, bool) {
	if method != http.MethodPost || !strings.Contains(url, callActionPath) || len(body) == 0 {
		return "", false
	}
	t, err := payload.Decode(body)
	if err != nil {
		return "", false
	}
	action := t.Action()
	if action != payload.ActionChangeDate && action != payload.ActionShow {
		return "", false
	}
	if err := t.Validate(action); err != nil {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case action == payload.ActionChangeDate && seq > c.dateSeq:
		c.dateChange, c.dateSeq = t, seq
	case action == payload.ActionShow && seq > c.showSeq:
		c.show, c.showSeq = t, seq
	}
	return action, true
}

// bodyDeferred reports whether req is an action call whose body Chrome did
// not inline, which happens for large bodies.
func bodyDeferred(req *network.Request) bool {
	return req.Method == http.MethodPost &&
		strings.Contains(req.URL, callActionPath) &&
		req.HasPostData &&
		len(req.PostDataEntries) == 0
}

// templates returns what has been captured so far, or ErrCaptureIncomplete
// naming the missing kinds.
func (c *capture) templates() (dateChange, show *payload.Template, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var missing []string
	if c.dateChange == nil {
		missing = append(missing, payload.ActionChangeDate)
	}
	if c.show == nil {
		missing = append(missing, payload.ActionShow)
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: no %s request seen", ErrCaptureIncomplete, strings.Join(missing, " or "))
	}
	return c.dateChange, c.show, nil
}

// requestBody reassembles a request body from its post data entries, which
// the browser reports base64 encoded.
func requestBody(req *network.Request) []byte {
	if req == nil || !req.HasPostData {
		return nil
	}
	var b strings.Builder
	for _, entry := range req.PostDataEntries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		if decoded, err := base64.StdEncoding.DecodeString(entry.Bytes); err == nil {
			b.Write(decoded)
			continue
		}
		b.WriteString(entry.Bytes)
	}
	return []byte(b.String())
}

// convertCookies maps browser cookies to the persisted shape.
func convertCookies(in []*network.Cookie) []courts.Cookie {
	out := make([]courts.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		out = append(out, courts.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

const (
	upperLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerLetters = "abcdefghijklmnopqrstuvwxyz"
)

// textXPath selects the first element whose own text contains s, ignoring case.
func textXPath(s string) string {
	return fmt.Sprintf(
		`(//*[not(self::script) and not(self::style) and text()[contains(translate(normalize-space(.), '%s', '%s'), %s)]])[1]`,
		upperLetters, lowerLetters, xpathLiteral(strings.ToLower(s)))
}

// xpathLiteral quotes s for use in an XPath 1.0 expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(quoted, `, "'", `) + ")"
}
