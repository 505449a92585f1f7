package dispatch

import (
	"fmt"
	"html"
	"strings"
	"time"

	"fxalert/internal/calendar"
)

// renderGroup produces the HTML message for one candidate. Event times are
// shown in loc.
func renderGroup(g calendar.Group, leadMinutes int, loc *time.Location) string {
	if g.Single() {
		return renderSingle(g.Events[0], leadMinutes, loc)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ <b>In %d minutes: multiple events!</b>\n", leadMinutes)
	for _, bucket := range g.Buckets() {
		fmt.Fprintf(&b, "\n%s <b>%s impact</b>\n", bucket.Impact.Glyph(), bucket.Impact.Label())
		for _, e := range bucket.Events {
			b.WriteString(eventLine(e, loc, false))
			b.WriteString("\n")
			writeFigures(&b, e.Event, "   ")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSingle(e calendar.Timed, leadMinutes int, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ <b>In %d minutes: %s impact news!</b>\n\n", leadMinutes, e.Impact.Label())
	b.WriteString(eventLine(e, loc, true))
	b.WriteString("\n")
	writeFigures(&b, e.Event, "")
	if s, ok := calendar.CompareForecast(e.Actual, e.Forecast); ok {
		b.WriteString("\n<i>")
		b.WriteString(html.EscapeString(s.Comment()))
		b.WriteString("</i>\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// eventLine is "time | currency | title", with the impact glyph appended for
// individual alerts.
func eventLine(e calendar.Timed, loc *time.Location, withImpact bool) string {
	line := fmt.Sprintf("%s | <b>%s</b> | %s",
		e.At.In(loc).Format("15:04"), html.EscapeString(e.Currency), html.EscapeString(e.Title))
	if withImpact {
		line += fmt.Sprintf(" | %s %s", e.Impact.Glyph(), e.Impact.Label())
	}
	return line
}

func writeFigures(b *strings.Builder, e calendar.Event, indent string) {
	for _, f := range [...]struct{ label, v string }{
		{"Actual", e.Actual},
		{"Forecast", e.Forecast},
		{"Previous", e.Previous},
	} {
		if v := strings.TrimSpace(f.v); v != "" {
			fmt.Fprintf(b, "%s%s: %s\n", indent, f.label, html.EscapeString(v))
		}
	}
}

func chartCaption(e calendar.Timed, loc *time.Location) string {
	return fmt.Sprintf("📈 %s around %s", e.Currency, e.At.In(loc).Format("15:04 MST"))
}
