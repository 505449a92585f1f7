package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
)

const (
	KindEvent = "event"
	KindGroup = "group"
)

// EventKey fingerprints an individual alert for one recipient.
func EventKey(recipient int64, eventID string, leadMinutes int) string {
	return hashParts(KindEvent, strconv.FormatInt(recipient, 10), eventID, strconv.Itoa(leadMinutes))
}

// GroupKey fingerprints a grouped alert. Member order does not matter; the
// member set does.
func GroupKey(recipient int64, leadMinutes int, eventIDs []string) string {
	ids := slices.Clone(eventIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	parts := append([]string{KindGroup, strconv.FormatInt(recipient, 10), strconv.Itoa(leadMinutes)}, ids...)
	return hashParts(parts...)
}

// hashParts joins with a unit separator so ("a","bc") and ("ab","c") differ.
func hashParts(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:])
}
