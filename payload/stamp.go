package payload

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidDate is returned when a query date is not day/month/year.
var ErrInvalidDate = errors.New("invalid date")

var (
	slashDate   = regexp.MustCompile(`\d{2}/\d{2}/\d{4}`)
	isoDate     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	displayDate = regexp.MustCompile(`(Monday|Tuesday|Wednesday|Thursday|Friday|Saturday|Sunday) \d{2}/\d{2}/\d{4}`)
)

// DateStamp is a query date in every form the site embeds in a request.
type DateStamp struct {
	Time    time.Time
	Raw     string // 25/12/2025
	ISO     string // 2025-12-25
	Display string // Thursday 25/12/2025
}

// ParseDate parses a DD/MM/YYYY date. Single-digit days and months are
// accepted and normalized to two digits.
func ParseDate(s string) (DateStamp, error) {
	t, err := time.Parse("2/1/2006", strings.TrimSpace(s))
	if err != nil {
		return DateStamp{}, fmt.Errorf("%w %q: expected DD/MM/YYYY", ErrInvalidDate, s)
	}
	return NewDateStamp(t), nil
}

// NewDateStamp derives all date forms from t.
func NewDateStamp(t time.Time) DateStamp {
	raw := t.Format("02/01/2006")
	return DateStamp{
		Time:    t,
		Raw:     raw,
		ISO:     t.Format(time.DateOnly),
		Display: t.Weekday().String() + " " + raw,
	}
}

// Stamp returns a copy of t re-dated to d. The grid control's current-date
// property is set to d.Raw and every date inside every HTML fragment is
// rewritten. t is never modified.
func Stamp(t *Template, d DateStamp) (*Template, error) {
	out, err := t.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone template: %w", err)
	}

	h := out.Header()
	if h == nil {
		return out, nil
	}

	for i := range h.SyncProps {
		g := &h.SyncProps[i]
		if g.Object != GridControl {
			continue
		}
		for j := range g.Props {
			if g.Props[j].Name != CurrentDateProp {
				continue
			}
			if err := g.Props[j].SetText(d.Raw); err != nil {
				return nil, fmt.Errorf("set %s: %w", CurrentDateProp, err)
			}
		}
	}

	for i := range h.SyncProps {
		g := &h.SyncProps[i]
		for j := range g.Props {
			p := &g.Props[j]
			if p.Name != HTMLProp {
				continue
			}
			html, ok := p.Text()
			if !ok {
				continue
			}
			if err := p.SetText(RewriteDates(html, d)); err != nil {
				return nil, fmt.Errorf("set %s in %s: %w", HTMLProp, g.Object, err)
			}
		}
	}

	return out, nil
}

// RewriteDates replaces every date-shaped token in html with d. The
// substitution is purely textual and not scoped to particular elements,
// because the site repeats the date in several places of one fragment.
// The slash pass runs first so the display pass sees the new date.
func RewriteDates(html string, d DateStamp) string {
	html = slashDate.ReplaceAllLiteralString(html, d.Raw)
	html = isoDate.ReplaceAllLiteralString(html, d.ISO)
	return displayDate.ReplaceAllLiteralString(html, d.Display)
}
