package storage

import (
	"embed"
	"strings"
	"time"

	"fxalert/internal/calendar"
	"fxalert/internal/prefs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const dayLayout = "2006-01-02"

func dayKey(t time.Time) string { return t.Format(dayLayout) }

func parseDay(s string) time.Time {
	t, err := time.Parse(dayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseImpact(s string) calendar.Impact {
	i, err := calendar.ParseImpact(s)
	if err != nil {
		return calendar.ImpactNone
	}
	return i
}

// joinList stores a name list as a comma separated column.
func joinList(v []string) string {
	out := make([]string, 0, len(v))
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ",")
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// prefRow is the column layout shared by both SQL drivers.
type prefRow struct {
	UserID           int64
	NotifyEnabled    bool
	LeadMinutes      int
	NotifyImpacts    string
	DigestEnabled    bool
	DigestHour       int
	DigestMinute     int
	Timezone         string
	DigestImpacts    string
	DigestCurrencies string
	ChartsEnabled    bool
}

func (r prefRow) preference() prefs.Preference {
	return prefs.Preference{
		UserID:           r.UserID,
		NotifyEnabled:    r.NotifyEnabled,
		LeadMinutes:      r.LeadMinutes,
		NotifyImpacts:    splitList(r.NotifyImpacts),
		DigestEnabled:    r.DigestEnabled,
		DigestHour:       r.DigestHour,
		DigestMinute:     r.DigestMinute,
		Timezone:         r.Timezone,
		DigestImpacts:    splitList(r.DigestImpacts),
		DigestCurrencies: splitList(r.DigestCurrencies),
		ChartsEnabled:    r.ChartsEnabled,
	}
}

func rowOf(p prefs.Preference) prefRow {
	return prefRow{
		UserID:           p.UserID,
		NotifyEnabled:    p.NotifyEnabled,
		LeadMinutes:      p.LeadMinutes,
		NotifyImpacts:    joinList(p.NotifyImpacts),
		DigestEnabled:    p.DigestEnabled,
		DigestHour:       p.DigestHour,
		DigestMinute:     p.DigestMinute,
		Timezone:         strings.TrimSpace(p.Timezone),
		DigestImpacts:    joinList(p.DigestImpacts),
		DigestCurrencies: strings.ToUpper(joinList(p.DigestCurrencies)),
		ChartsEnabled:    p.ChartsEnabled,
	}
}

// scanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type scanner interface {
	Scan(dest ...any) error
}

const prefColumns = `user_id, notify_enabled, lead_minutes, notify_impacts, digest_enabled,
	digest_hour, digest_minute, timezone, digest_impacts, digest_currencies, charts_enabled`

func scanPref(s scanner) (prefs.Preference, error) {
	var r prefRow
	err := s.Scan(&r.UserID, &r.NotifyEnabled, &r.LeadMinutes, &r.NotifyImpacts, &r.DigestEnabled,
		&r.DigestHour, &r.DigestMinute, &r.Timezone, &r.DigestImpacts, &r.DigestCurrencies, &r.ChartsEnabled)
	if err != nil {
		return prefs.Preference{}, err
	}
	return r.preference(), nil
}

const eventColumns = `id, day, time, currency, impact, title, actual, forecast, previous`

func scanEvent(s scanner, day *string) (calendar.Event, error) {
	var (
		e      calendar.Event
		impact string
	)
	if err := s.Scan(&e.ID, day, &e.Time, &e.Currency, &impact, &e.Title, &e.Actual, &e.Forecast, &e.Previous); err != nil {
		return calendar.Event{}, err
	}
	e.Date = parseDay(*day)
	e.Impact = parseImpact(impact)
	return e, nil
}
