package dispatch

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fxalert/internal/calendar"
)

func TestRenderSingleWithFigures(t *testing.T) {
	e := calendar.Timed{
		Event: calendar.Event{
			ID: "nfp", Currency: "USD", Impact: calendar.ImpactHigh, Title: "Non-Farm Payrolls",
			Actual: "250K", Forecast: "200K", Previous: "180K",
		},
		At: time.Date(2026, 3, 6, 13, 30, 0, 0, time.UTC),
	}
	prague, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	got := renderGroup(calendar.Group{At: e.At, Events: []calendar.Timed{e}}, 30, prague)
	lines := strings.Split(got, "\n")
	assert.Equal(t, "⚠️ <b>In 30 minutes: High impact news!</b>", lines[0])
	assert.Equal(t, "14:30 | <b>USD</b> | Non-Farm Payrolls | 🔴 High", lines[2])
	assert.Contains(t, got, "Actual: 250K\nForecast: 200K\nPrevious: 180K")
	assert.Contains(t, got, "Surprise: significant deviation.")
}

func TestRenderEscapesHTML(t *testing.T) {
	e := calendar.Timed{
		Event: calendar.Event{ID: "x", Currency: "USD", Impact: calendar.ImpactLow, Title: "S&P <Global> PMI"},
		At:    time.Date(2026, 3, 6, 13, 30, 0, 0, time.UTC),
	}
	got := renderGroup(calendar.Group{At: e.At, Events: []calendar.Timed{e}}, 15, time.UTC)
	assert.Contains(t, got, "S&amp;P &lt;Global&gt; PMI")
	assert.NotContains(t, got, "Surprise")
}

func TestRenderGroupSections(t *testing.T) {
	ts := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	g := calendar.Group{At: ts, Events: []calendar.Timed{
		{Event: calendar.Event{ID: "a", Currency: "EUR", Impact: calendar.ImpactLow, Title: "A"}, At: ts},
		{Event: calendar.Event{ID: "b", Currency: "EUR", Impact: calendar.ImpactHigh, Title: "B", Forecast: "0.3%"}, At: ts},
		{Event: calendar.Event{ID: "c", Currency: "GBP", Impact: calendar.ImpactHigh, Title: "C"}, At: ts},
	}}
	got := renderGroup(g, 60, time.UTC)
	want := strings.Join([]string{
		"⚠️ <b>In 60 minutes: multiple events!</b>",
		"",
		"🔴 <b>High impact</b>",
		"09:00 | <b>EUR</b> | B",
		"   Forecast: 0.3%",
		"09:00 | <b>GBP</b> | C",
		"",
		"🟡 <b>Low impact</b>",
		"09:00 | <b>EUR</b> | A",
	}, "\n")
	assert.Equal(t, want, got)
}
