package scheduling

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Urgency of the requested appointment.
type Urgency string

const (
	UrgencyRoutine   Urgency = "routine"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// Time-of-day buckets accepted in PreferredTimes besides explicit HH:MM values.
const (
	PreferMorning   = "morning"
	PreferAfternoon = "afternoon"
	PreferEvening   = "evening"
)

var timeBuckets = map[string][2]int{
	PreferMorning:   {8 * 60, 12 * 60},
	PreferAfternoon: {12 * 60, 17 * 60},
	PreferEvening:   {17 * 60, 21 * 60},
}

const DefaultMaxAlternatives = 3

// SchedulingContext is a recommendation request.
type SchedulingContext struct {
	ProviderID         string          `json:"provider_id,omitempty"`
	AppointmentType    string          `json:"appointment_type"`
	Urgency            Urgency         `json:"urgency"`
	PreferredDates     []time.Time     `json:"preferred_dates"`
	PreferredTimes     []string        `json:"preferred_times,omitempty"`
	PatientHistory     []HistoryRecord `json:"patient_history,omitempty"`
	DurationMinutes    int             `json:"duration_minutes,omitempty"`
	GranularityMinutes int             `json:"granularity_minutes,omitempty"`
	Mode               SearchMode      `json:"mode,omitempty"`
}

// DaySchedule is the input for one calendar day: the provider's working
// window and the bookings already on it.
type DaySchedule struct {
	Window   WorkingWindow
	Bookings []Booking
}

// OptimizationResult is a ranked recommendation. When NoAvailability is set
// the suggestion is empty, OptimizationScore is 0 and the caller should offer
// waitlist enrollment.
type OptimizationResult struct {
	ProviderID           string         `json:"provider_id,omitempty"`
	SuggestedInterval    *TimeInterval  `json:"suggested_interval,omitempty"`
	AlternativeIntervals []TimeInterval `json:"alternative_intervals"`
	RiskScore            RiskScore      `json:"risk_score"`
	OptimizationScore    float64        `json:"optimization_score"`
	Reasoning            string         `json:"reasoning"`
	NoAvailability       bool           `json:"no_availability"`
}

// ScoreWeights controls how candidate slots are penalized.
type ScoreWeights struct {
	// TimeOfDayPerHour is subtracted per hour between a slot and the nearest
	// preferred time, capped at TimeOfDayMax.
	TimeOfDayPerHour float64
	TimeOfDayMax     float64
	// DatePerDay is subtracted per day between today and the slot's date,
	// capped at DateMax. Urgent requests use the Urgent variants.
	DatePerDay       float64
	DateMax          float64
	UrgentDatePerDay float64
	UrgentDateMax    float64
	// EmergencyHorizonDays is the number of days after today whose slots an
	// emergency ranks ahead of everything else.
	EmergencyHorizonDays int
}

func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		TimeOfDayPerHour:     0.1,
		TimeOfDayMax:         0.4,
		DatePerDay:           0.02,
		DateMax:              0.3,
		UrgentDatePerDay:     0.1,
		UrgentDateMax:        0.6,
		EmergencyHorizonDays: 1,
	}
}

// Optimizer ranks available slots for a SchedulingContext.
type Optimizer struct {
	Risk            RiskPolicy
	Weights         ScoreWeights
	MaxAlternatives int
}

func NewOptimizer() *Optimizer {
	return &Optimizer{
		Risk:            DefaultRiskPolicy(),
		Weights:         DefaultScoreWeights(),
		MaxAlternatives: DefaultMaxAlternatives,
	}
}

// OptimizeSchedule runs the default optimizer.
func OptimizeSchedule(sc SchedulingContext, days map[string]DaySchedule, now time.Time) (*OptimizationResult, error) {
	return NewOptimizer().Optimize(sc, days, now)
}

type candidate struct {
	slot      AvailableSlot
	dayOffset int
	priority  int
	timeDist  time.Duration
	score     float64
}

// Optimize searches every preferred date that has a DaySchedule in days
// (keyed by DateKey), scores each free slot that starts at or after now and
// returns the best one plus up to MaxAlternatives runners-up.
func (o *Optimizer) Optimize(sc SchedulingContext, days map[string]DaySchedule, now time.Time) (*OptimizationResult, error) {
	if err := validateContext(&sc); err != nil {
		return nil, err
	}

	risk := o.Risk.Estimate(sc.PatientHistory, now)
	result := &OptimizationResult{
		ProviderID:           sc.ProviderID,
		AlternativeIntervals: make([]TimeInterval, 0),
		RiskScore:            risk,
	}

	today := startOfDay(now)
	seen := make(map[string]bool, len(sc.PreferredDates))
	var cands []candidate
	for _, date := range sc.PreferredDates {
		key := DateKey(date)
		if seen[key] {
			continue
		}
		seen[key] = true

		day, ok := days[key]
		if !ok {
			continue
		}
		req := SlotRequest{
			ProviderID:         sc.ProviderID,
			Date:               date,
			DurationMinutes:    sc.DurationMinutes,
			GranularityMinutes: sc.GranularityMinutes,
			Mode:               sc.Mode,
		}
		seq, err := ComputeAvailability(req, day.Bookings, day.Window)
		if err != nil {
			return nil, err
		}

		offset := dayDiff(today, startOfDay(day.Window.Interval.Start.In(now.Location())))
		for slot := range seq.All() {
			if slot.Start.Before(now) {
				continue
			}
			cands = append(cands, o.score(sc, slot, offset, risk))
		}
	}

	if len(cands) == 0 {
		result.NoAvailability = true
		result.Reasoning = fmt.Sprintf("no availability on the %d requested date(s); offer waitlist enrollment", len(seen))
		return result, nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.slot.Start.Before(b.slot.Start)
	})

	best := cands[0]
	suggested := best.slot.TimeInterval
	result.SuggestedInterval = &suggested
	if best.slot.ProviderID != "" {
		result.ProviderID = best.slot.ProviderID
	}
	result.OptimizationScore = best.score

	limit := o.MaxAlternatives
	if limit <= 0 {
		limit = DefaultMaxAlternatives
	}
	for _, c := range cands[1:] {
		if len(result.AlternativeIntervals) == limit {
			break
		}
		result.AlternativeIntervals = append(result.AlternativeIntervals, c.slot.TimeInterval)
	}
	result.Reasoning = o.explain(sc, best, risk)
	return result, nil
}

func (o *Optimizer) score(sc SchedulingContext, slot AvailableSlot, offset int, risk RiskScore) candidate {
	w := o.Weights
	c := candidate{slot: slot, dayOffset: offset}

	s := 1.0
	if len(sc.PreferredTimes) > 0 {
		c.timeDist = timeOfDayDistance(slot.Start, sc.PreferredTimes)
		s -= math.Min(w.TimeOfDayMax, c.timeDist.Hours()*w.TimeOfDayPerHour)
	}

	days := float64(max(offset, 0))
	switch sc.Urgency {
	case UrgencyEmergency:
		s -= math.Min(w.UrgentDateMax, days*w.UrgentDatePerDay)
		if offset > w.EmergencyHorizonDays {
			c.priority = 1
		}
	case UrgencyUrgent:
		s -= math.Min(w.UrgentDateMax, days*w.UrgentDatePerDay)
	default:
		s -= math.Min(w.DateMax, days*w.DatePerDay)
	}

	c.score = clamp01(s) * (1 - float64(risk))
	return c
}

func (o *Optimizer) explain(sc SchedulingContext, best candidate, risk RiskScore) string {
	var parts []string
	switch {
	case sc.Urgency == UrgencyEmergency && best.priority == 0:
		parts = append(parts, "emergency: earliest same-day or next-day opening")
	case sc.Urgency == UrgencyEmergency:
		parts = append(parts, "emergency: no same-day or next-day opening, earliest later date offered")
	case best.dayOffset == 0:
		parts = append(parts, "same-day opening")
	default:
		parts = append(parts, fmt.Sprintf("opening %d day(s) out", best.dayOffset))
	}
	if len(sc.PreferredTimes) > 0 {
		if best.timeDist == 0 {
			parts = append(parts, "matches preferred time ("+strings.Join(sc.PreferredTimes, ", ")+")")
		} else {
			parts = append(parts, fmt.Sprintf("%s from preferred time", best.timeDist.Round(time.Minute)))
		}
	}
	parts = append(parts, fmt.Sprintf("no-show risk %.2f", float64(risk)))
	return strings.Join(parts, "; ")
}

// timeOfDayDistance is the gap between t's clock time and the nearest
// preference. Buckets count as zero distance anywhere inside them.
func timeOfDayDistance(t time.Time, prefs []string) time.Duration {
	minute := t.Hour()*60 + t.Minute()
	best := math.MaxInt
	for _, p := range prefs {
		var lo, hi int
		if b, ok := timeBuckets[p]; ok {
			lo, hi = b[0], b[1]
		} else {
			h, m, err := ParseTimeOfDay(p)
			if err != nil {
				continue
			}
			lo, hi = h*60+m, h*60+m
		}
		d := 0
		switch {
		case minute < lo:
			d = lo - minute
		case minute > hi:
			d = minute - hi
		}
		best = min(best, d)
	}
	if best == math.MaxInt {
		return 0
	}
	return time.Duration(best) * time.Minute
}

func validateContext(sc *SchedulingContext) error {
	switch sc.Urgency {
	case "":
		sc.Urgency = UrgencyRoutine
	case UrgencyRoutine, UrgencyUrgent, UrgencyEmergency:
	default:
		return invalidRequest("urgency", "must be routine, urgent or emergency, got %q", sc.Urgency)
	}
	if len(sc.PreferredDates) == 0 {
		return invalidRequest("preferred_dates", "must not be empty")
	}
	if sc.DurationMinutes == 0 {
		sc.DurationMinutes = DefaultDurationMinutes
	}
	if sc.DurationMinutes < 0 {
		return invalidRequest("duration_minutes", "must be positive, got %d", sc.DurationMinutes)
	}
	for _, p := range sc.PreferredTimes {
		if _, ok := timeBuckets[p]; ok {
			continue
		}
		if _, _, err := ParseTimeOfDay(p); err != nil {
			return invalidRequest("preferred_times", "%q is not morning, afternoon, evening or HH:MM", p)
		}
	}
	return nil
}

func dayDiff(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Hours() / 24))
}
