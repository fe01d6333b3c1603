// Package courts contains the core domain types for the court availability service.
package courts

import (
	"net/http"
	"time"

	"clubwise-courts/payload"
)

// Slot is one row of the booking grid: a time label and one flag per court.
type Slot struct {
	Time string `json:"time"`
	Free []bool `json:"free"`
}

// Cookie is a browser cookie as captured from a live session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // Unix seconds, -1 or 0 for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// HTTPCookie converts the captured cookie for use in a cookie jar.
func (c Cookie) HTTPCookie() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if hc.Path == "" {
		hc.Path = "/"
	}
	if c.Expires > 0 {
		hc.Expires = time.Unix(int64(c.Expires), 0)
	}
	return hc
}

// AuthState is the authenticated cookie set of a recorded session.
// The JSON shape matches a browser storage-state file.
type AuthState struct {
	Cookies []Cookie `json:"cookies"`
}

// Artifacts is everything a replay needs, captured together by one recording.
type Artifacts struct {
	CapturedAt time.Time         `json:"captured_at"`
	Auth       *AuthState        `json:"-"`
	DateChange *payload.Template `json:"-"`
	Show       *payload.Template `json:"-"`
}

// Complete reports whether all three artifacts are present.
func (a *Artifacts) Complete() bool {
	return a != nil && a.Auth != nil && a.DateChange != nil && a.Show != nil
}
