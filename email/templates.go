package email

import (
	"fmt"
	"strings"
	"time"
)

const timeLayout = "Mon Jan 2, 2006 at 15:04 MST"

func header(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString("pre { background: #f4f4f4; padding: 12px; white-space: pre-wrap; word-break: break-word; }\n")
	b.WriteString(".footer { margin-top: 30px; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) footer(b *strings.Builder) {
	b.WriteString("<div class=\"footer\">\n")
	if s.baseURL != "" {
		b.WriteString(fmt.Sprintf("Force a new recording with <code>POST %s/refreshz</code>.\n", escapeHTML(strings.TrimRight(s.baseURL, "/"))))
	}
	b.WriteString("</div>\n</body>\n</html>")
}

func (s *Sender) formatCaptureFailureBody(cause error, at time.Time) string {
	var b strings.Builder
	header(&b)

	b.WriteString("<p>Recording a booking session failed. Availability queries will fail until a recording succeeds.</p>\n")
	b.WriteString(fmt.Sprintf("<p><strong>When:</strong> %s</p>\n", escapeHTML(at.UTC().Format(timeLayout))))
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	b.WriteString(fmt.Sprintf("<pre>%s</pre>\n", escapeHTML(msg)))
	b.WriteString("<p>Common causes: changed login credentials, a changed page flow, or the site being down.</p>\n")

	s.footer(&b)
	return b.String()
}

func (s *Sender) formatRecoveredBody(failedSince, at time.Time) string {
	var b strings.Builder
	header(&b)

	b.WriteString("<p>A booking session was recorded successfully.</p>\n")
	b.WriteString(fmt.Sprintf("<p><strong>Failing since:</strong> %s<br>\n<strong>Recovered:</strong> %s</p>\n",
		escapeHTML(failedSince.UTC().Format(timeLayout)),
		escapeHTML(at.UTC().Format(timeLayout))))

	s.footer(&b)
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
