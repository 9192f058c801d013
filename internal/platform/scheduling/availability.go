package scheduling

import (
	"iter"
	"sort"
	"time"
)

const (
	DefaultGranularityMinutes = 15
	DefaultDurationMinutes    = 60
)

// SearchMode selects how candidate start times are generated.
type SearchMode string

const (
	// ModeStepped walks the working window in fixed granularity steps. A free
	// gap that does not line up with the step grid may be missed.
	ModeStepped SearchMode = "stepped"
	// ModeExactGap starts candidates at the beginning of every free gap and
	// steps by granularity inside it.
	ModeExactGap SearchMode = "exact_gap"
)

// SlotRequest describes what kind of slot the caller is looking for.
type SlotRequest struct {
	ProviderID         string     `json:"provider_id"`
	Date               time.Time  `json:"date"`
	DurationMinutes    int        `json:"duration_minutes"`
	GranularityMinutes int        `json:"granularity_minutes"`
	Mode               SearchMode `json:"mode,omitempty"`
}

// WorkingWindow bounds the slots that may be offered for a provider on a date.
type WorkingWindow struct {
	ProviderID string       `json:"provider_id"`
	Date       time.Time    `json:"date"`
	Interval   TimeInterval `json:"interval"`
}

// AvailableSlot is a bookable interval for a provider.
type AvailableSlot struct {
	TimeInterval
	ProviderID string `json:"provider_id"`
}

func (r SlotRequest) normalized() (SlotRequest, error) {
	if r.GranularityMinutes == 0 {
		r.GranularityMinutes = DefaultGranularityMinutes
	}
	if r.Mode == "" {
		r.Mode = ModeStepped
	}
	if r.DurationMinutes <= 0 {
		return r, invalidRequest("duration_minutes", "must be positive, got %d", r.DurationMinutes)
	}
	if r.GranularityMinutes < 0 {
		return r, invalidRequest("granularity_minutes", "must be positive, got %d", r.GranularityMinutes)
	}
	if r.Mode != ModeStepped && r.Mode != ModeExactGap {
		return r, invalidRequest("mode", "must be %q or %q, got %q", ModeStepped, ModeExactGap, r.Mode)
	}
	return r, nil
}

// SlotSequence is the lazy result of an availability search. It is
// restartable: every call to All walks the window again from the start and
// yields the same slots in the same order.
type SlotSequence struct {
	providerID string
	window     TimeInterval
	busy       []TimeInterval
	duration   time.Duration
	step       time.Duration
	mode       SearchMode
}

// ComputeAvailability prepares the free slots of req inside window, skipping
// any candidate that overlaps a non-cancelled booking.
func ComputeAvailability(req SlotRequest, bookings []Booking, window WorkingWindow) (*SlotSequence, error) {
	req, err := req.normalized()
	if err != nil {
		return nil, err
	}
	if err := window.Interval.Validate(); err != nil {
		return nil, err
	}
	if req.ProviderID != "" && window.ProviderID != "" && req.ProviderID != window.ProviderID {
		return nil, invalidRequest("provider_id", "window belongs to provider %q, request is for %q", window.ProviderID, req.ProviderID)
	}

	providerID := req.ProviderID
	if providerID == "" {
		providerID = window.ProviderID
	}
	busy, err := activeIntervals(bookings, providerID)
	if err != nil {
		return nil, err
	}

	return &SlotSequence{
		providerID: providerID,
		window:     window.Interval,
		busy:       busy,
		duration:   time.Duration(req.DurationMinutes) * time.Minute,
		step:       time.Duration(req.GranularityMinutes) * time.Minute,
		mode:       req.Mode,
	}, nil
}

// All yields the available slots earliest first.
func (s *SlotSequence) All() iter.Seq[AvailableSlot] {
	return func(yield func(AvailableSlot) bool) {
		if s.mode == ModeExactGap {
			for _, gap := range freeGaps(s.busy, s.window) {
				if !s.walk(gap, yield) {
					return
				}
			}
			return
		}
		s.walk(s.window, yield)
	}
}

// walk steps through bounds and yields every candidate that is free.
// It returns false once yield asks to stop.
func (s *SlotSequence) walk(bounds TimeInterval, yield func(AvailableSlot) bool) bool {
	for start := bounds.Start; ; start = start.Add(s.step) {
		cand := TimeInterval{Start: start, End: start.Add(s.duration)}
		if !Contains(bounds, cand) {
			return true
		}
		if s.isFree(cand) {
			if !yield(AvailableSlot{TimeInterval: cand, ProviderID: s.providerID}) {
				return false
			}
		}
	}
}

func (s *SlotSequence) isFree(cand TimeInterval) bool {
	for _, b := range s.busy {
		if !b.Start.Before(cand.End) {
			// busy is sorted by start; nothing later can overlap.
			return true
		}
		if Overlaps(b, cand) {
			return false
		}
	}
	return true
}

// Collect materializes the sequence.
func (s *SlotSequence) Collect() []AvailableSlot {
	slots := make([]AvailableSlot, 0)
	for slot := range s.All() {
		slots = append(slots, slot)
	}
	return slots
}

// First returns the earliest available slot.
func (s *SlotSequence) First() (AvailableSlot, bool) {
	for slot := range s.All() {
		return slot, true
	}
	return AvailableSlot{}, false
}

// Take returns at most n slots.
func (s *SlotSequence) Take(n int) []AvailableSlot {
	slots := make([]AvailableSlot, 0, n)
	if n <= 0 {
		return slots
	}
	for slot := range s.All() {
		slots = append(slots, slot)
		if len(slots) == n {
			break
		}
	}
	return slots
}

// ComputeFreeGaps returns the maximal free intervals inside window once the
// non-cancelled bookings are removed, earliest first.
func ComputeFreeGaps(bookings []Booking, window WorkingWindow) ([]TimeInterval, error) {
	if err := window.Interval.Validate(); err != nil {
		return nil, err
	}
	busy, err := activeIntervals(bookings, window.ProviderID)
	if err != nil {
		return nil, err
	}
	return freeGaps(busy, window.Interval), nil
}

// freeGaps expects busy sorted by start.
func freeGaps(busy []TimeInterval, window TimeInterval) []TimeInterval {
	gaps := make([]TimeInterval, 0, len(busy)+1)
	cursor := window.Start
	for _, b := range busy {
		if !cursor.Before(window.End) {
			break
		}
		if !b.End.After(cursor) {
			continue
		}
		if b.Start.After(cursor) {
			end := b.Start
			if end.After(window.End) {
				end = window.End
			}
			gaps = append(gaps, TimeInterval{Start: cursor, End: end})
		}
		cursor = b.End
	}
	if cursor.Before(window.End) {
		gaps = append(gaps, TimeInterval{Start: cursor, End: window.End})
	}
	return gaps
}

func sortIntervals(ivs []TimeInterval) {
	sort.Slice(ivs, func(i, j int) bool {
		if ivs[i].Start.Equal(ivs[j].Start) {
			return ivs[i].End.Before(ivs[j].End)
		}
		return ivs[i].Start.Before(ivs[j].Start)
	})
}
