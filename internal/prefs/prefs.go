// Package prefs defines per-user notification and digest settings and the
// store contract the engine reads them through.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"fxalert/internal/calendar"
)

var ErrNotFound = errors.New("preference not found")

// Preference is one user's settings. Impact and currency lists are stored as
// names so the store stays schema-agnostic; use NotifySet/DigestSet to match.
type Preference struct {
	UserID int64 `validate:"required"`

	NotifyEnabled bool
	LeadMinutes   int      `validate:"gte=1,lte=1440"`
	NotifyImpacts []string `validate:"dive,oneof=high medium low tentative none"`

	DigestEnabled    bool
	DigestHour       int      `validate:"gte=0,lte=23"`
	DigestMinute     int      `validate:"gte=0,lte=59"`
	Timezone         string   `validate:"required,timezone"`
	DigestImpacts    []string `validate:"dive,oneof=high medium low tentative none"`
	DigestCurrencies []string `validate:"dive,len=3,uppercase"`

	ChartsEnabled bool
}

// Defaults returns the settings a user gets on first contact.
func Defaults(userID int64) Preference {
	return Preference{
		UserID:        userID,
		NotifyEnabled: true,
		LeadMinutes:   30,
		NotifyImpacts: []string{"high"},
		DigestEnabled: false,
		DigestHour:    8,
		DigestMinute:  0,
		Timezone:      "Europe/Prague",
		DigestImpacts: []string{"high", "medium"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks ranges, names and the timezone.
func (p Preference) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("user %d: %w", p.UserID, err)
	}
	return nil
}

func (p Preference) Lead() time.Duration { return time.Duration(p.LeadMinutes) * time.Minute }

// NotifySet is the impact filter for alerts. Invalid names were rejected by
// Validate, so a parse error here only drops the bad name.
func (p Preference) NotifySet() calendar.ImpactSet { return impactSet(p.NotifyImpacts) }

func (p Preference) DigestSet() calendar.ImpactSet { return impactSet(p.DigestImpacts) }

// Location resolves Timezone.
func (p Preference) Location() (*time.Location, error) {
	return time.LoadLocation(strings.TrimSpace(p.Timezone))
}

// Slot is the digest job identity: a local wall-clock time in a zone.
type Slot struct {
	Hour     int
	Minute   int
	Timezone string
}

func (p Preference) Slot() Slot {
	return Slot{Hour: p.DigestHour, Minute: p.DigestMinute, Timezone: strings.TrimSpace(p.Timezone)}
}

func (s Slot) String() string {
	return fmt.Sprintf("%02d:%02d@%s", s.Hour, s.Minute, s.Timezone)
}

// WantsCurrency reports whether c passes the digest currency filter. An empty
// filter accepts everything.
func (p Preference) WantsCurrency(c string) bool {
	if len(p.DigestCurrencies) == 0 {
		return true
	}
	for _, want := range p.DigestCurrencies {
		if strings.EqualFold(want, c) {
			return true
		}
	}
	return false
}

func impactSet(names []string) calendar.ImpactSet {
	var s calendar.ImpactSet
	for _, n := range names {
		if i, err := calendar.ParseImpact(n); err == nil {
			s = s.With(i)
		}
	}
	return s
}

// Store is the preference backend. List calls are made fresh every cycle.
type Store interface {
	ListNotifyUsers(ctx context.Context) ([]Preference, error)
	ListDigestUsers(ctx context.Context) ([]Preference, error)
	GetPreference(ctx context.Context, userID int64) (Preference, error)
	// EnsureUser inserts p when the user is unknown and reports whether it did.
	EnsureUser(ctx context.Context, p Preference) (bool, error)
	SavePreference(ctx context.Context, p Preference) error
}
