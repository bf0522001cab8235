package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	w.ObserveMS(StagePerceptionToOptions, 500)
	w.ObserveMS(StagePerceptionToOptions, 700)
	w.Observe(StagePerceptionToOptions, 900*time.Millisecond)
	w.Count(IndicatorPerceptionRejectedSpeaking)
	w.Count(IndicatorPerceptionRejectedSpeaking)
	w.Count(" ")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)

	s := snap.Stages[0]
	assert.Equal(t, StagePerceptionToOptions, s.Stage)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Equal(t, 880.0, s.P95MS)
	assert.Equal(t, 2500.0, s.TargetMS)
	assert.Zero(t, s.OverTarget)
	assert.False(t, s.Breaching)
	assert.Empty(t, snap.Breaching)

	assert.Equal(t, []IndicatorCount{{Name: IndicatorPerceptionRejectedSpeaking, Count: 2}}, snap.Indicators)
}

func TestStageWindowReportsBreachingStages(t *testing.T) {
	w := NewStageWindow(4)
	for _, ms := range []float64{100, 250, 400, 900} {
		w.ObserveMS(StageStartToStarted, ms)
	}
	w.ObserveMS(StageStopToHighlight, 1200)

	snap := w.Snapshot()
	require.Len(t, snap.Stages, 2)
	start := snap.Stages[0]
	assert.Equal(t, StageStartToStarted, start.Stage)
	assert.Equal(t, 2, start.OverTarget)
	assert.True(t, start.Breaching)
	assert.False(t, snap.Stages[1].Breaching)
	assert.Equal(t, []Stage{StageStartToStarted}, snap.Breaching)
}

func TestStageWindowWrapsAndResets(t *testing.T) {
	w := NewStageWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.ObserveMS("x", v)
	}
	w.Count(IndicatorOptionsEmpty)
	snap := w.Snapshot()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, 2, snap.Stages[0].Samples)
	assert.Equal(t, 25.0, snap.Stages[0].AvgMS)
	assert.Zero(t, snap.Stages[0].TargetMS)

	w.Reset()
	snap = w.Snapshot()
	assert.Empty(t, snap.Stages)
	assert.Empty(t, snap.Indicators)

	w.ObserveMS("", 5)
	w.ObserveMS("neg", -1)
	assert.Empty(t, w.Snapshot().Stages)
}

func TestNilStageWindowIsInert(t *testing.T) {
	var w *StageWindow
	assert.NotPanics(t, func() {
		w.Observe(StageSelectToTTSDone, time.Second)
		w.Count(IndicatorStaleSpeechDone)
		w.Reset()
	})
	assert.Empty(t, w.Snapshot().Stages)
}

func TestMetricsObserveCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg, "speechlens_test")

	m.ObserveCall("oracle", "generate_options", 120*time.Millisecond, nil)
	m.ObserveCall("oracle", "generate_options", 80*time.Millisecond, errors.New("boom"))
	m.SessionEvent("started")
	m.SetActive(true)
	m.SetConnections(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				values[mf.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 1.0, values["speechlens_test_collaborator_errors_total"])
	assert.Equal(t, 2.0, values["speechlens_test_collaborator_latency_ms"])
	assert.Equal(t, 1.0, values["speechlens_test_session_events_total"])
	assert.Equal(t, 1.0, values["speechlens_test_active_sessions"])
	assert.Equal(t, 2.0, values["speechlens_test_connections"])

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.ObserveCall("x", "y", time.Second, errors.New("z")) })
}
