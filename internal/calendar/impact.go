package calendar

import (
	"fmt"
	"strings"
)

// Impact is ordered so that a larger value ranks first when rendering.
type Impact int

const (
	ImpactNone Impact = iota
	ImpactTentative
	ImpactLow
	ImpactMedium
	ImpactHigh
)

// RenderOrder is the section order for grouped output.
var RenderOrder = []Impact{ImpactHigh, ImpactMedium, ImpactLow, ImpactTentative, ImpactNone}

func (i Impact) String() string {
	switch i {
	case ImpactHigh:
		return "high"
	case ImpactMedium:
		return "medium"
	case ImpactLow:
		return "low"
	case ImpactTentative:
		return "tentative"
	default:
		return "none"
	}
}

// Label is the capitalized name used in message text.
func (i Impact) Label() string {
	s := i.String()
	return strings.ToUpper(s[:1]) + s[1:]
}

func (i Impact) Glyph() string {
	switch i {
	case ImpactHigh:
		return "🔴"
	case ImpactMedium:
		return "🟠"
	case ImpactLow:
		return "🟡"
	case ImpactTentative:
		return "⏳"
	default:
		return "⚪️"
	}
}

// ParseImpact accepts the lowercase names plus a few source spellings
// ("holiday", "non-economic").
func ParseImpact(s string) (Impact, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "red":
		return ImpactHigh, nil
	case "medium", "orange":
		return ImpactMedium, nil
	case "low", "yellow":
		return ImpactLow, nil
	case "tentative":
		return ImpactTentative, nil
	case "none", "", "holiday", "non-economic", "gray", "grey":
		return ImpactNone, nil
	default:
		return ImpactNone, fmt.Errorf("unknown impact %q", s)
	}
}

// ImpactSet is a small bitset of impact levels.
type ImpactSet uint8

func NewImpactSet(levels ...Impact) ImpactSet {
	var s ImpactSet
	for _, l := range levels {
		s = s.With(l)
	}
	return s
}

// ParseImpactSet parses names like ["high","medium"].
func ParseImpactSet(names []string) (ImpactSet, error) {
	var s ImpactSet
	for _, n := range names {
		i, err := ParseImpact(n)
		if err != nil {
			return 0, err
		}
		s = s.With(i)
	}
	return s, nil
}

func (s ImpactSet) With(i Impact) ImpactSet { return s | 1<<uint(i) }
func (s ImpactSet) Has(i Impact) bool       { return s&(1<<uint(i)) != 0 }
func (s ImpactSet) Empty() bool             { return s == 0 }

// Names lists the members in render order.
func (s ImpactSet) Names() []string {
	out := make([]string, 0, len(RenderOrder))
	for _, i := range RenderOrder {
		if s.Has(i) {
			out = append(out, i.String())
		}
	}
	return out
}
