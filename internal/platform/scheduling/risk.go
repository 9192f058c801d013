package scheduling

import "time"

// RiskScore is a no-show probability estimate in [0, 1].
type RiskScore float64

const (
	DefaultRisk         RiskScore = 0.1
	DefaultRecencyBoost           = 0.2
	DefaultRecencyWindow          = 90 * 24 * time.Hour

	noShowWeight    = 1.0
	cancelledWeight = 0.5
	completedWeight = 0.1
)

// HistoryRecord is the part of a past appointment that matters for risk.
type HistoryRecord struct {
	Status    BookingStatus `json:"status"`
	StartTime time.Time     `json:"start_time"`
}

// RiskPolicy holds the tunables of the no-show estimate.
type RiskPolicy struct {
	// Default is returned for a patient without history.
	Default RiskScore
	// RecencyBoost is added when a no-show started within RecencyWindow of now.
	RecencyBoost  float64
	RecencyWindow time.Duration
}

func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		Default:       DefaultRisk,
		RecencyBoost:  DefaultRecencyBoost,
		RecencyWindow: DefaultRecencyWindow,
	}
}

// EstimateNoShowRisk scores history with the default policy.
func EstimateNoShowRisk(history []HistoryRecord, now time.Time) RiskScore {
	return DefaultRiskPolicy().Estimate(history, now)
}

// Estimate computes
//
//	clamp01(clamp01((noShows + 0.5*cancelled - 0.1*completed) / total) + boost)
//
// where boost is RecencyBoost if any no-show falls inside the recency window.
// A recent no-show therefore never scores below RecencyBoost.
func (p RiskPolicy) Estimate(history []HistoryRecord, now time.Time) RiskScore {
	if len(history) == 0 {
		return RiskScore(clamp01(float64(p.Default)))
	}

	var noShows, cancelled, completed int
	recent := false
	since := now.Add(-p.RecencyWindow)
	for _, h := range history {
		switch h.Status {
		case StatusNoShow:
			noShows++
			if !h.StartTime.Before(since) && !h.StartTime.After(now) {
				recent = true
			}
		case StatusCancelled:
			cancelled++
		case StatusCompleted:
			completed++
		}
	}

	score := clamp01((noShowWeight*float64(noShows) +
		cancelledWeight*float64(cancelled) -
		completedWeight*float64(completed)) / float64(len(history)))
	if recent {
		score = clamp01(score + p.RecencyBoost)
	}
	return RiskScore(score)
}

// HistoryStats summarizes appointment outcomes.
type HistoryStats struct {
	Total            int     `json:"total"`
	Completed        int     `json:"completed"`
	NoShows          int     `json:"no_shows"`
	Cancelled        int     `json:"cancelled"`
	CompletionRate   float64 `json:"completion_rate"`
	NoShowRate       float64 `json:"no_show_rate"`
	CancellationRate float64 `json:"cancellation_rate"`
}

// Summarize counts outcomes and derives their rates.
func Summarize(history []HistoryRecord) HistoryStats {
	st := HistoryStats{Total: len(history)}
	for _, h := range history {
		switch h.Status {
		case StatusCompleted:
			st.Completed++
		case StatusNoShow:
			st.NoShows++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	if st.Total > 0 {
		n := float64(st.Total)
		st.CompletionRate = float64(st.Completed) / n
		st.NoShowRate = float64(st.NoShows) / n
		st.CancellationRate = float64(st.Cancelled) / n
	}
	return st
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
