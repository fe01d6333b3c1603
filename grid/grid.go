// Package grid parses the booking grid fragments of a ClubWise response into slots.
package grid

import (
	"fmt"
	"strings"

	"clubwise-courts/payload"
	"clubwise-courts/pkg/courts"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Group suffixes and CSS hooks of the multicourt grid.
const (
	HoursGroupSuffix = "oHoursLabelHTML"
	GridGroupSuffix  = "oMulticourtGridHTML"

	timeSelector = ".courtTime div"
	rowSelector  = ".courtGridRow"
	cellSelector = ".courtGridCell"
	bookedClass  = "courtBooked"
)

// Extract decodes a Show response and returns its slots. It fails only when
// the body is not a JSON object; missing or malformed fragments give a short
// or empty result, which callers should treat as suspect.
func Extract(raw []byte) ([]courts.Slot, error) {
	resp, err := payload.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	hours, rows := Fragments(resp.Header)
	return Parse(hours, rows), nil
}

// Fragments returns the hours-label and grid HTML from a response header.
func Fragments(h *payload.Header) (hours, rows string) {
	if h == nil {
		return "", ""
	}
	for i := range h.SyncProps {
		g := &h.SyncProps[i]
		switch {
		case strings.HasSuffix(g.Object, HoursGroupSuffix):
			hours = fragment(g)
		case strings.HasSuffix(g.Object, GridGroupSuffix):
			rows = fragment(g)
		}
	}
	return hours, rows
}

// fragment prefers the psHtml property and falls back to the first one.
func fragment(g *payload.SyncGroup) string {
	if p := g.Property(payload.HTMLProp); p != nil {
		s, _ := p.Text()
		return s
	}
	if len(g.Props) == 0 {
		return ""
	}
	s, _ := g.Props[0].Text()
	return s
}

// Parse pairs grid rows with time labels by position. Row i gets label i;
// rows without a label are dropped.
func Parse(hoursHTML, gridHTML string) []courts.Slot {
	labels := Times(hoursHTML)
	rows := Rows(gridHTML)

	n := min(len(labels), len(rows))
	slots := make([]courts.Slot, 0, n)
	for i := range n {
		slots = append(slots, courts.Slot{Time: labels[i], Free: rows[i]})
	}
	return slots
}

// Times returns the trimmed time labels in document order.
func Times(hoursHTML string) []string {
	doc, err := parseFragment(hoursHTML)
	if err != nil {
		return nil
	}
	var times []string
	doc.Find(timeSelector).Each(func(_ int, s *goquery.Selection) {
		times = append(times, strings.TrimSpace(s.Text()))
	})
	return times
}

// Rows returns one availability row per grid row: true unless the cell is booked.
func Rows(gridHTML string) [][]bool {
	doc, err := parseFragment(gridHTML)
	if err != nil {
		return nil
	}
	var rows [][]bool
	doc.Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		free := []bool{}
		row.Find(cellSelector).Each(func(_ int, cell *goquery.Selection) {
			free = append(free, !cell.HasClass(bookedClass))
		})
		rows = append(rows, free)
	})
	return rows
}

// parseFragment parses markup in a <div> context, the way the site injects it.
func parseFragment(fragment string) (*goquery.Document, error) {
	root := &html.Node{Type: html.ElementNode, DataAtom: atom.Div, Data: "div"}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), root)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return goquery.NewDocumentFromNode(root), nil
}
