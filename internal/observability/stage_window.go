package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names one measured step of a conversation, from the inbound message
// to the reply that completes it.
type Stage string

const (
	StageStartToStarted      Stage = "start_to_started"
	StagePerceptionToOptions Stage = "perception_to_options"
	StageClipToTranscript    Stage = "clip_to_transcript"
	StageSelectToTTSDone     Stage = "select_to_tts_done"
	StageStopToHighlight     Stage = "stop_to_highlight"
)

// stageTargets is the p95 budget per stage. Oracle round trips dominate
// options and highlights; speaking time dominates select.
var stageTargets = map[Stage]time.Duration{
	StageStartToStarted:      300 * time.Millisecond,
	StagePerceptionToOptions: 2500 * time.Millisecond,
	StageClipToTranscript:    1500 * time.Millisecond,
	StageSelectToTTSDone:     4 * time.Second,
	StageStopToHighlight:     3 * time.Second,
}

// Indicator counts a protocol outcome that has no latency of its own.
type Indicator string

const (
	IndicatorPerceptionRejectedSpeaking Indicator = "perception_rejected_speaking"
	IndicatorSelectRejectedSpeaking     Indicator = "select_rejected_speaking"
	IndicatorOptionsEmpty               Indicator = "options_empty"
	IndicatorOptionsDiscarded           Indicator = "options_discarded"
	IndicatorStaleSpeechDone            Indicator = "stale_speech_done"
)

type StageStats struct {
	Stage      Stage   `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	TargetMS   float64 `json:"target_p95_ms,omitempty"`
	OverTarget int     `json:"over_target,omitempty"`
	Breaching  bool    `json:"breaching,omitempty"`
}

type IndicatorCount struct {
	Name  Indicator `json:"name"`
	Count int       `json:"count"`
}

// StageSnapshot is what /v1/perf/latency serves.
type StageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []StageStats     `json:"stages"`
	Breaching   []Stage          `json:"breaching,omitempty"`
	Indicators  []IndicatorCount `json:"indicators,omitempty"`
}

// StageWindow keeps the latest samples of each stage and counts indicators
// since the last Reset. A nil window ignores everything.
type StageWindow struct {
	mu         sync.Mutex
	size       int
	stages     map[Stage]*ring
	indicators map[Indicator]int
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	w := &StageWindow{size: size}
	w.clear()
	return w
}

func (w *StageWindow) clear() {
	w.stages = make(map[Stage]*ring)
	w.indicators = make(map[Indicator]int)
}

func (w *StageWindow) Observe(stage Stage, d time.Duration) {
	w.ObserveMS(stage, float64(d.Microseconds())/1000)
}

func (w *StageWindow) ObserveMS(stage Stage, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.stages[stage]
	if r == nil {
		r = &ring{buf: make([]float64, w.size)}
		w.stages[stage] = r
	}
	r.push(ms)
}

func (w *StageWindow) Count(ind Indicator) {
	if w == nil || strings.TrimSpace(string(ind)) == "" {
		return
	}
	w.mu.Lock()
	w.indicators[ind]++
	w.mu.Unlock()
}

func (w *StageWindow) Snapshot() StageSnapshot {
	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.WindowSize = w.size

	for _, stage := range sortedKeys(w.stages) {
		st := w.stages[stage].stats(stage)
		if st.Samples == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, st)
		if st.Breaching {
			snap.Breaching = append(snap.Breaching, stage)
		}
	}
	for _, ind := range sortedKeys(w.indicators) {
		if c := w.indicators[ind]; c > 0 {
			snap.Indicators = append(snap.Indicators, IndicatorCount{Name: ind, Count: c})
		}
	}
	return snap
}

func (w *StageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

// ring holds the last len(buf) samples in milliseconds.
type ring struct {
	buf  []float64
	n    int
	head int
	last float64
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
	r.last = v
}

func (r *ring) stats(stage Stage) StageStats {
	samples := slices.Clone(r.buf[:r.n])
	slices.Sort(samples)
	st := StageStats{Stage: stage, Samples: len(samples), LastMS: round2(r.last)}
	if len(samples) == 0 {
		return st
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	st.AvgMS = round2(sum / float64(len(samples)))
	st.P50MS = round2(percentile(samples, 0.50))
	st.P95MS = round2(percentile(samples, 0.95))
	st.P99MS = round2(percentile(samples, 0.99))

	if target, ok := stageTargets[stage]; ok {
		st.TargetMS = float64(target.Milliseconds())
		for i := len(samples) - 1; i >= 0 && samples[i] > st.TargetMS; i-- {
			st.OverTarget++
		}
		st.Breaching = st.P95MS > st.TargetMS
	}
	return st
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case p <= 0 || n == 1:
		return sorted[0]
	case p >= 1:
		return sorted[n-1]
	}
	rank := p * float64(n-1)
	lo := int(rank)
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(rank-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
