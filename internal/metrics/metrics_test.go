package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Tick("ok", time.Second)
	m.NotifySent("user")
	m.Chart("cap")
	m.Ledger(3, 1)
	assert.Nil(t, m.Registry())
}

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.NotifySent("user")
	m.NotifySent("user")
	m.NotifySent("channel")
	m.Matched("group", 3)
	m.DigestJobs(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifySent.WithLabelValues("user")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.matched.WithLabelValues("group")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.digestJobs))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["fxalert_dispatch_sent_total"])
	assert.True(t, names["fxalert_digest_jobs"])
}

func TestWatchBusDropsReadsLiveValue(t *testing.T) {
	var drops uint64 = 2
	m := New()
	m.WatchBusDrops(func() uint64 { return drops })
	drops = 5

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var got float64
	for _, f := range families {
		if f.GetName() == "fxalert_eventbus_dropped_total" {
			got = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 5.0, got)

	var nilM *Metrics
	nilM.WatchBusDrops(func() uint64 { return 1 })
}
