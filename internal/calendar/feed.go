package calendar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// FeedItem is one row of a JSON calendar export.
type FeedItem struct {
	ID       string `json:"id,omitempty"`
	Date     string `json:"date"` // 2006-01-02
	Time     string `json:"time"` // "14:30", "2:30pm", "All Day"
	Currency string `json:"currency"`
	Impact   string `json:"impact"`
	Title    string `json:"title"`
	Actual   string `json:"actual,omitempty"`
	Forecast string `json:"forecast,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// DecodeFeed reads a JSON array of FeedItem. Rows without an id get a stable
// one derived from date, time, currency and title, so re-importing the same
// export updates rows instead of duplicating them.
func DecodeFeed(r io.Reader) ([]Event, error) {
	var items []FeedItem
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	out := make([]Event, 0, len(items))
	for i, it := range items {
		ev, err := it.Event()
		if err != nil {
			return nil, fmt.Errorf("feed item %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (it FeedItem) Event() (Event, error) {
	day, err := time.Parse("2006-01-02", strings.TrimSpace(it.Date))
	if err != nil {
		return Event{}, fmt.Errorf("date %q: %w", it.Date, err)
	}
	impact, err := ParseImpact(it.Impact)
	if err != nil {
		return Event{}, err
	}
	cur := strings.ToUpper(strings.TrimSpace(it.Currency))
	title := strings.TrimSpace(it.Title)
	if cur == "" || title == "" {
		return Event{}, fmt.Errorf("currency and title are required")
	}
	id := strings.TrimSpace(it.ID)
	if id == "" {
		sum := sha256.Sum256([]byte(strings.Join([]string{day.Format("2006-01-02"), strings.TrimSpace(it.Time), cur, title}, "|")))
		id = hex.EncodeToString(sum[:8])
	}
	return Event{
		ID:       id,
		Date:     day,
		Time:     strings.TrimSpace(it.Time),
		Currency: cur,
		Impact:   impact,
		Title:    title,
		Actual:   strings.TrimSpace(it.Actual),
		Forecast: strings.TrimSpace(it.Forecast),
		Previous: strings.TrimSpace(it.Previous),
	}, nil
}
