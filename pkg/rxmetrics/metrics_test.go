package rxmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/mirulimited/pgmrx/pkg/rxw"
)

func TestRecorderCountsEvictionsAndStates(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RecordTrailEviction()
	r.RecordTrailEviction()
	r.RecordFlush(3)
	r.RecordStateEntry(rxw.BackOff)
	r.RecordNAKSent()

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var trailEvictions, backOffEntries float64
	for _, mf := range metricFamilies {
		if mf.GetName() == "pgmrx_rxw_trail_evictions_total" {
			trailEvictions = mf.Metric[0].GetCounter().GetValue()
		}
		if mf.GetName() == "pgmrx_rxw_slot_state_entries_total" {
			backOffEntries = mf.Metric[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(2), trailEvictions)
	require.Equal(t, float64(1), backOffEntries)
}
