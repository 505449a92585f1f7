package prefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxalert/internal/calendar"
)

func TestDefaultsAreValid(t *testing.T) {
	p := Defaults(42)
	require.NoError(t, p.Validate())
	assert.True(t, p.NotifyEnabled)
	assert.False(t, p.DigestEnabled)
	assert.Equal(t, Slot{Hour: 8, Minute: 0, Timezone: "Europe/Prague"}, p.Slot())
	assert.Equal(t, "08:00@Europe/Prague", p.Slot().String())
	assert.True(t, p.NotifySet().Has(calendar.ImpactHigh))
	assert.False(t, p.NotifySet().Has(calendar.ImpactMedium))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(p *Preference){
		"lead":     func(p *Preference) { p.LeadMinutes = 0 },
		"hour":     func(p *Preference) { p.DigestHour = 24 },
		"impact":   func(p *Preference) { p.NotifyImpacts = []string{"urgent"} },
		"timezone": func(p *Preference) { p.Timezone = "Mars/Base" },
		"currency": func(p *Preference) { p.DigestCurrencies = []string{"usd"} },
		"user":     func(p *Preference) { p.UserID = 0 },
	}
	for name, mutate := range cases {
		p := Defaults(7)
		mutate(&p)
		assert.Error(t, p.Validate(), name)
	}
}

func TestWantsCurrency(t *testing.T) {
	p := Defaults(1)
	assert.True(t, p.WantsCurrency("JPY"))
	p.DigestCurrencies = []string{"USD", "EUR"}
	assert.True(t, p.WantsCurrency("eur"))
	assert.False(t, p.WantsCurrency("JPY"))
}
