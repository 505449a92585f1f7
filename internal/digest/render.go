package digest

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
)

// render groups items by currency (alphabetical), then by time with all-day
// entries first.
func render(date time.Time, items []item) string {
	sorted := append([]item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ev.Currency != b.ev.Currency {
			return a.ev.Currency < b.ev.Currency
		}
		if a.timed != b.timed {
			return !a.timed
		}
		return a.at.Before(b.at)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "📅 <b>Daily Digest for %s</b>\n", date.Format("02.01.2006"))
	var cur string
	for i, it := range sorted {
		if i == 0 || it.ev.Currency != cur {
			cur = it.ev.Currency
			fmt.Fprintf(&b, "\n💎 <b>%s</b>\n", html.EscapeString(cur))
		}
		clock := it.ev.DisplayTime()
		if it.timed {
			clock = it.at.In(date.Location()).Format("15:04")
		}
		fmt.Fprintf(&b, "⏰ %s %s %s\n", clock, it.ev.Impact.Glyph(), html.EscapeString(it.ev.Title))
	}
	return strings.TrimRight(b.String(), "\n")
}
