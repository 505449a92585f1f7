package calendar

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SurpriseThreshold is the relative deviation from forecast that counts as a
// significant surprise.
const SurpriseThreshold = 0.1

// Surprise compares a released figure against its forecast.
type Surprise struct {
	Actual      float64
	Forecast    float64
	Deviation   float64 // relative; absolute when the forecast is zero
	Significant bool
}

// Comment is the one-line annotation appended to notifications.
func (s Surprise) Comment() string {
	base := fmt.Sprintf("Actual %s vs forecast %s.", trimFloat(s.Actual), trimFloat(s.Forecast))
	if s.Significant {
		return base + " Surprise: significant deviation."
	}
	return base + " Close to expectations."
}

// CompareForecast parses actual and forecast ("3.2%", "-0.4", "215K") and
// reports the deviation. ok is false when either value is not numeric.
func CompareForecast(actual, forecast string) (Surprise, bool) {
	a, okA := parseFigure(actual)
	f, okF := parseFigure(forecast)
	if !okA || !okF {
		return Surprise{}, false
	}
	diff := math.Abs(a - f)
	rel := diff
	if f != 0 {
		rel = diff / math.Abs(f)
	}
	return Surprise{Actual: a, Forecast: f, Deviation: rel, Significant: rel >= SurpriseThreshold}, true
}

// parseFigure keeps digits, sign and decimal point; unit suffixes (% K M B T)
// are dropped since actual and forecast share a unit.
func parseFigure(raw string) (float64, bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '+' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	switch s {
	case "", ".", "+", "-":
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
