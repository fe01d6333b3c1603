package recorder

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"clubwise-courts/payload"

	"github.com/chromedp/cdproto/network"
)

const (
	testEndpoint   = "https://indma01.clubwise.com/upsugymandsportscentre/WebServiceDispatcher.wso/CallAction/JSON"
	dateChangeBody = `{"ActionRequest":{"aActions":[{"sAction":"mChangeDate"}],"Header":{"aSyncProps":[]}}}`
	showBody       = `{"ActionRequest":{"aActions":[{"sAction":"OnShow"}],"Header":{"aSyncProps":[]}}}`
)

func TestObserve(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   string
		kept   bool
	}{
		{name: "date change", method: "POST", url: testEndpoint, body: dateChangeBody, want: payload.ActionChangeDate, kept: true},
		{name: "show", method: "POST", url: testEndpoint, body: showBody, want: payload.ActionShow, kept: true},
		{name: "get", method: "GET", url: testEndpoint, body: showBody},
		{name: "other endpoint", method: "POST", url: "https://indma01.clubwise.com/login", body: showBody},
		{name: "other action", method: "POST", url: testEndpoint, body: `{"ActionRequest":{"aActions":[{"sAction":"OnLoad"}],"Header":{}}}`},
		{name: "two actions", method: "POST", url: testEndpoint, body: `{"ActionRequest":{"aActions":[{"sAction":"OnShow"},{"sAction":"OnShow"}],"Header":{}}}`},
		{name: "no header", method: "POST", url: testEndpoint, body: `{"ActionRequest":{"aActions":[{"sAction":"OnShow"}]}}`},
		{name: "not json", method: "POST", url: testEndpoint, body: `a=1&b=2`},
		{name: "empty", method: "POST", url: testEndpoint, body: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &capture{}
			got, kept := c.observe(tt.method, tt.url, []byte(tt.body))
			if kept != tt.kept || got != tt.want {
				t.Errorf("observe() = %q, %v, want %q, %v", got, kept, tt.want, tt.kept)
			}
		})
	}
}

func TestTemplatesIncomplete(t *testing.T) {
	c := &capture{}
	if _, _, err := c.templates(); !errors.Is(err, ErrCaptureIncomplete) {
		t.Fatalf("templates() error = %v, want ErrCaptureIncomplete", err)
	}

	c.observe("POST", testEndpoint, []byte(showBody))
	_, _, err := c.templates()
	if !errors.Is(err, ErrCaptureIncomplete) {
		t.Fatalf("templates() error = %v, want ErrCaptureIncomplete", err)
	}
	if !strings.Contains(err.Error(), payload.ActionChangeDate) {
		t.Errorf("templates() error = %q, want it to name %s", err, payload.ActionChangeDate)
	}

	c.observe("POST", testEndpoint, []byte(dateChangeBody))
	dateChange, show, err := c.templates()
	if err != nil {
		t.Fatalf("templates() error = %v", err)
	}
	if dateChange.Action() != payload.ActionChangeDate || show.Action() != payload.ActionShow {
		t.Errorf("templates() = %q, %q", dateChange.Action(), show.Action())
	}
}

func TestLaterCaptureWins(t *testing.T) {
	c := &capture{}
	c.observe("POST", testEndpoint, []byte(`{"ActionRequest":{"aActions":[{"sAction":"OnShow"}],"Header":{}},"n":1}`))
	c.observe("POST", testEndpoint, []byte(`{"ActionRequest":{"aActions":[{"sAction":"OnShow"}],"Header":{}},"n":2}`))
	c.observe("POST", testEndpoint, []byte(dateChangeBody))

	_, show, err := c.templates()
	if err != nil {
		t.Fatal(err)
	}
	b, err := show.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"n":2`) {
		t.Errorf("show template = %s, want the later request", b)
	}
}

func TestRequestBody(t *testing.T) {
	tests := []struct {
		name string
		req  *network.Request
		want string
	}{
		{name: "nil", req: nil, want: ""},
		{name: "no post data", req: &network.Request{}, want: ""},
		{
			name: "base64 chunks",
			req: &network.Request{HasPostData: true, PostDataEntries: []*network.PostDataEntry{
				{Bytes: base64.StdEncoding.EncodeToString([]byte(`{"ActionRequest":`))},
				{Bytes: base64.StdEncoding.EncodeToString([]byte(`{}}`))},
			}},
			want: `{"ActionRequest":{}}`,
		},
		{name: "body not inlined", req: &network.Request{Method: "POST", URL: testEndpoint, HasPostData: true}, want: ""},
		{
			name: "raw text",
			req:  &network.Request{HasPostData: true, PostDataEntries: []*network.PostDataEntry{{Bytes: `{"a":1}`}}},
			want: `{"a":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(requestBody(tt.req)); got != tt.want {
				t.Errorf("requestBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func newTestCapture(fetch func(network.RequestID) ([]byte, error)) *capture {
	return &capture{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		fetch:  fetch,
	}
}

func inlined(body string) []*network.PostDataEntry {
	return []*network.PostDataEntry{{Bytes: base64.StdEncoding.EncodeToString([]byte(body))}}
}

func TestHandleFetchesBodyNotInlined(t *testing.T) {
	var (
		mu      sync.Mutex
		fetched []network.RequestID
	)
	c := newTestCapture(func(id network.RequestID) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		fetched = append(fetched, id)
		return []byte(showBody), nil
	})

	c.handle(&network.EventRequestWillBeSent{
		RequestID: "1000.7",
		Request:   &network.Request{Method: "POST", URL: testEndpoint, HasPostData: true},
	})
	c.handle(&network.EventRequestWillBeSent{
		RequestID: "1000.8",
		Request:   &network.Request{Method: "POST", URL: testEndpoint, HasPostData: true, PostDataEntries: inlined(dateChangeBody)},
	})
	c.handle(&network.EventRequestWillBeSent{
		RequestID: "1000.9",
		Request:   &network.Request{Method: "GET", URL: "https://indma01.clubwise.com/index.html"},
	})
	c.wait()

	dateChange, show, err := c.templates()
	if err != nil {
		t.Fatalf("templates() error = %v", err)
	}
	if dateChange.Action() != payload.ActionChangeDate || show.Action() != payload.ActionShow {
		t.Errorf("templates() = %q, %q", dateChange.Action(), show.Action())
	}
	if len(fetched) != 1 || fetched[0] != "1000.7" {
		t.Errorf("fetched bodies for %v, want only 1000.7", fetched)
	}
}

func TestHandleKeepsSendOrder(t *testing.T) {
	release := make(chan struct{})
	c := newTestCapture(func(network.RequestID) ([]byte, error) {
		<-release
		return []byte(`{"ActionRequest":{"aActions":[{"sAction":"OnShow"}],"Header":{}},"n":1}`), nil
	})

	c.handle(&network.EventRequestWillBeSent{
		RequestID: "1",
		Request:   &network.Request{Method: "POST", URL: testEndpoint, HasPostData: true},
	})
	c.handle(&network.EventRequestWillBeSent{
		RequestID: "2",
		Request: &network.Request{Method: "POST", URL: testEndpoint, HasPostData: true,
			PostDataEntries: inlined(`{"ActionRequest":{"aActions":[{"sAction":"OnShow"}],"Header":{}},"n":2}`)},
	})
	close(release)
	c.wait()

	c.observe("POST", testEndpoint, []byte(dateChangeBody))
	_, show, err := c.templates()
	if err != nil {
		t.Fatal(err)
	}
	b, err := show.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"n":2`) {
		t.Errorf("show template = %s, want the later request", b)
	}
}

func TestHandleFetchFailure(t *testing.T) {
	c := newTestCapture(func(network.RequestID) ([]byte, error) {
		return nil, errors.New("No resource with given identifier found")
	})
	c.handle(&network.EventRequestWillBeSent{
		RequestID: "3",
		Request:   &network.Request{Method: "POST", URL: testEndpoint, HasPostData: true},
	})
	c.wait()

	if _, _, err := c.templates(); !errors.Is(err, ErrCaptureIncomplete) {
		t.Errorf("templates() error = %v, want ErrCaptureIncomplete", err)
	}
}

func TestConvertCookies(t *testing.T) {
	in := []*network.Cookie{
		{Name: "ASP.NET_SessionId", Value: "v", Domain: "indma01.clubwise.com", Path: "/", Expires: -1, HTTPOnly: true, Secure: true, SameSite: network.CookieSameSiteLax},
		nil,
	}
	got := convertCookies(in)
	if len(got) != 1 {
		t.Fatalf("convertCookies() returned %d cookies, want 1", len(got))
	}
	c := got[0]
	if c.Name != "ASP.NET_SessionId" || c.Domain != "indma01.clubwise.com" || !c.HTTPOnly || !c.Secure || c.SameSite != "Lax" {
		t.Errorf("convertCookies() = %+v", c)
	}
}

func TestXPathLiteral(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "badminton", want: "'badminton'"},
		{in: "squash court's", want: `"squash court's"`},
		{in: `a'b"c`, want: `concat('a', "'", 'b"c')`},
	}
	for _, tt := range tests {
		if got := xpathLiteral(tt.in); got != tt.want {
			t.Errorf("xpathLiteral(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestTextXPathIsCaseInsensitive(t *testing.T) {
	got := textXPath("Sign In")
	if !strings.Contains(got, "'sign in'") {
		t.Errorf("textXPath() = %s, want lowercased needle", got)
	}
	if !strings.HasSuffix(got, ")[1]") {
		t.Errorf("textXPath() = %s, want first match only", got)
	}
}

func TestNewDefaults(t *testing.T) {
	r := New(&Config{})
	if r.cfg.Activity != "Badminton" || r.cfg.NextSteps != 2 {
		t.Errorf("New() defaults = %+v", r.cfg)
	}
	if r.cfg.Settle.Seconds() != 5 || r.cfg.Timeout.Seconds() != 90 {
		t.Errorf("New() timing defaults = %v, %v", r.cfg.Settle, r.cfg.Timeout)
	}
}
