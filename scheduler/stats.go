// stats.go - per-request timing, grounded on
// original_source/engine/heyi/utils/stats.py's ReqStats.
package scheduler

import (
	"time"

	"github.com/heyi/engine/api"
)

// Stats accumulates one request's prefill/decode timing so Summarize can
// report throughput without the caller tracking wall-clock itself.
type Stats struct {
	submittedAt  time.Time
	prefillStart time.Time
	prefillEnd   time.Time
	lastDecodeAt time.Time
	decodeTokens int
	decodeTotal  time.Duration
}

// NewStats starts the clock at submission time.
func NewStats() *Stats {
	return &Stats{submittedAt: timeNow()}
}

// OnPrefillStart records when the request first began occupying a runner.
func (s *Stats) OnPrefillStart() {
	if s.prefillStart.IsZero() {
		s.prefillStart = timeNow()
	}
}

// OnPrefillDone records prompt-processing completion.
func (s *Stats) OnPrefillDone() {
	s.prefillEnd = timeNow()
	s.lastDecodeAt = s.prefillEnd
}

// OnDecode1Done records one decoded token's arrival time.
func (s *Stats) OnDecode1Done() {
	now := timeNow()
	if !s.lastDecodeAt.IsZero() {
		s.decodeTotal += now.Sub(s.lastDecodeAt)
	}
	s.lastDecodeAt = now
	s.decodeTokens++
}

// Summarize renders the accumulated timing as the wire-level StatsSummary.
func (s *Stats) Summarize() api.StatsSummary {
	var prefillMS, decodeMS, tps float64
	if !s.prefillEnd.IsZero() && !s.prefillStart.IsZero() {
		prefillMS = float64(s.prefillEnd.Sub(s.prefillStart).Milliseconds())
	}
	if s.decodeTotal > 0 {
		decodeMS = float64(s.decodeTotal.Milliseconds())
		tps = float64(s.decodeTokens) / s.decodeTotal.Seconds()
	}
	return api.StatsSummary{
		PrefillDurationMS:   prefillMS,
		DecodeDurationMS:    decodeMS,
		DecodeThroughputTPS: tps,
	}
}

// timeNow is the single seam Stats uses for wall-clock reads so tests can
// substitute a fake clock without real sleeps.
var timeNow = time.Now
