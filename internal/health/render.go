package health

import (
	"fmt"
	"html"
	"io"
	"time"
)

// recentEntries is how many history records the HTML report lists per checker.
const recentEntries = 5

// RenderHTML writes a self-contained status page for all checkers.
func (p *Processor) RenderHTML(w io.Writer) error {
	st := p.Status()
	ew := &errWriter{w: w}
	ew.printf("<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>Resource health</title></head><body>\n")
	ew.printf("<h1>Resource health: <span style=\"color:%s\">%s</span></h1>\n", st.Color(), st)
	ew.printf("<p>Stage: %s &middot; Interval: %s</p>\n", p.Stage(), p.CheckInterval())
	for _, c := range p.Checkers() {
		c.renderHTML(ew)
	}
	ew.printf("</body></html>\n")
	return ew.err
}

// RenderHTML writes this checker's fragment of the status page.
func (c *Checker) RenderHTML(w io.Writer) error {
	ew := &errWriter{w: w}
	c.renderHTML(ew)
	return ew.err
}

func (c *Checker) renderHTML(ew *errWriter) {
	s := c.Snapshot()
	ew.printf("<section class=\"checker\">\n")
	ew.printf("<h2><span style=\"color:%s\">%s</span> %s</h2>\n",
		s.Status.Color(), s.Status, html.EscapeString(s.Title))
	if !s.Enabled {
		ew.printf("<p>disabled</p>\n")
	}
	if s.SetupError != "" {
		ew.printf("<p style=\"color:red\">setup failed: %s</p>\n", html.EscapeString(s.SetupError))
	}
	if !s.LastChecked.IsZero() {
		ew.printf("<p>Last checked %s, next %s</p>\n",
			s.LastChecked.Format(time.RFC3339), s.NextCheck.Format(time.RFC3339))
	}
	if r, ok := c.probe.(HTMLRenderer); ok && ew.err == nil {
		r.RenderHTML(ew)
	}
	if n := len(s.Entries); n > 0 {
		ew.printf("<table>\n<tr><th>Status</th><th>Count</th><th>Since</th><th>Last</th><th>Message</th></tr>\n")
		for i := n - 1; i >= 0 && i >= n-recentEntries; i-- {
			e := s.Entries[i]
			ew.printf("<tr><td style=\"color:%s\">%s</td><td>%d</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
				e.Status.Color(), e.Status, e.Count,
				e.StartedAt.Format(time.RFC3339), e.LastUpdatedAt.Format(time.RFC3339),
				html.EscapeString(e.Message))
		}
		ew.printf("</table>\n")
	}
	ew.printf("</section>\n")
}

// errWriter remembers the first write error and drops later writes.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(b []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(b)
	e.err = err
	return n, err
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err == nil {
		_, _ = fmt.Fprintf(e, format, args...)
	}
}
