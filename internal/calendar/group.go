package calendar

import (
	"sort"
	"time"
)

// Group is the set of due events sharing one scheduled instant.
type Group struct {
	At     time.Time
	Events []Timed
}

// Bucket is one impact section of a group.
type Bucket struct {
	Impact Impact
	Events []Timed
}

// Single reports whether the group renders as an individual notification.
func (g Group) Single() bool { return len(g.Events) == 1 }

// IDs returns the member event ids in source order.
func (g Group) IDs() []string {
	out := make([]string, len(g.Events))
	for i, e := range g.Events {
		out[i] = e.ID
	}
	return out
}

// Top is the highest-impact member (first in source order on ties).
func (g Group) Top() Timed {
	var top Timed
	for i, e := range g.Events {
		if i == 0 || e.Impact > top.Impact {
			top = e
		}
	}
	return top
}

// Buckets splits the group by impact in RenderOrder, skipping empty levels.
// Events keep source order within a bucket.
func (g Group) Buckets() []Bucket {
	byImpact := make(map[Impact][]Timed, len(RenderOrder))
	for _, e := range g.Events {
		byImpact[e.Impact] = append(byImpact[e.Impact], e)
	}
	out := make([]Bucket, 0, len(byImpact))
	for _, level := range RenderOrder {
		if evs := byImpact[level]; len(evs) > 0 {
			out = append(out, Bucket{Impact: level, Events: evs})
		}
	}
	return out
}

// GroupByTime partitions due events by identical instant, earliest first.
func GroupByTime(due []Timed) []Group {
	idx := make(map[int64]int, len(due))
	var groups []Group
	for _, e := range due {
		key := e.At.UnixNano()
		i, ok := idx[key]
		if !ok {
			i = len(groups)
			idx[key] = i
			groups = append(groups, Group{At: e.At})
		}
		groups[i].Events = append(groups[i].Events, e)
	}
	sort.SliceStable(groups, func(a, b int) bool { return groups[a].At.Before(groups[b].At) })
	return groups
}
