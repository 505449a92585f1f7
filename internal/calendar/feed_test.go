package calendar

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFeed(t *testing.T) {
	in := `[
		{"date":"2026-03-02","time":"14:30","currency":"usd","impact":"High","title":"CPI m/m","forecast":"0.3%"},
		{"id":"hol-1","date":"2026-03-02","time":"All Day","currency":"EUR","impact":"holiday","title":"Bank Holiday"}
	]`
	evs, err := DecodeFeed(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, evs, 2)

	assert.Equal(t, "USD", evs[0].Currency)
	assert.Equal(t, ImpactHigh, evs[0].Impact)
	assert.Len(t, evs[0].ID, 16)
	assert.True(t, evs[0].Date.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "hol-1", evs[1].ID)
	assert.Equal(t, ImpactNone, evs[1].Impact)

	again, err := DecodeFeed(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, evs[0].ID, again[0].ID, "derived ids are stable")
}

func TestDecodeFeedRejectsBadRows(t *testing.T) {
	for _, in := range []string{
		`[{"date":"02.03.2026","time":"14:30","currency":"USD","impact":"high","title":"CPI"}]`,
		`[{"date":"2026-03-02","time":"14:30","currency":"USD","impact":"extreme","title":"CPI"}]`,
		`[{"date":"2026-03-02","time":"14:30","currency":"","impact":"high","title":"CPI"}]`,
		`[{"date":"2026-03-02","country":"US"}]`,
		`{}`,
	} {
		_, err := DecodeFeed(strings.NewReader(in))
		assert.Error(t, err, in)
	}
}
