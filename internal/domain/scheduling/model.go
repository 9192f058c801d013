package scheduling

import (
	"time"

	"github.com/google/uuid"

	engine "github.com/harmony/dental/internal/platform/scheduling"
)

type Appointment struct {
	ID              uuid.UUID            `db:"id" json:"id"`
	PatientID       string               `db:"patient_id" json:"patient_id"`
	ProviderID      string               `db:"provider_id" json:"provider_id"`
	AppointmentType string               `db:"appointment_type" json:"appointment_type"`
	StartTime       time.Time            `db:"start_time" json:"start_time"`
	EndTime         time.Time            `db:"end_time" json:"end_time"`
	Status          engine.BookingStatus `db:"status" json:"status"`
	Notes           *string              `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time            `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) Interval() engine.TimeInterval {
	return engine.TimeInterval{Start: a.StartTime, End: a.EndTime}
}

// Booking is the engine's view of the appointment.
func (a *Appointment) Booking() engine.Booking {
	return engine.Booking{
		ID:         a.ID.String(),
		ProviderID: a.ProviderID,
		Interval:   a.Interval(),
		Status:     a.Status,
	}
}

func (a *Appointment) HistoryRecord() engine.HistoryRecord {
	return engine.HistoryRecord{Status: a.Status, StartTime: a.StartTime}
}

func toBookings(appts []*Appointment) []engine.Booking {
	out := make([]engine.Booking, 0, len(appts))
	for _, a := range appts {
		out = append(out, a.Booking())
	}
	return out
}

func toHistory(appts []*Appointment) []engine.HistoryRecord {
	out := make([]engine.HistoryRecord, 0, len(appts))
	for _, a := range appts {
		out = append(out, a.HistoryRecord())
	}
	return out
}

// WorkingHours is a provider's shift on one weekday (0 = Sunday).
type WorkingHours struct {
	ProviderID string       `db:"provider_id" json:"provider_id"`
	Weekday    time.Weekday `db:"weekday" json:"weekday"`
	StartTime  string       `db:"start_time" json:"start_time"`
	EndTime    string       `db:"end_time" json:"end_time"`
}

// Waitlist priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Waitlist statuses.
const (
	WaitlistActive    = "active"
	WaitlistOffered   = "offered"
	WaitlistFulfilled = "fulfilled"
	WaitlistCancelled = "cancelled"
)

var validPriorities = map[string]bool{PriorityLow: true, PriorityMedium: true, PriorityHigh: true}

var validWaitlistStatuses = map[string]bool{
	WaitlistActive: true, WaitlistOffered: true, WaitlistFulfilled: true, WaitlistCancelled: true,
}

type WaitlistEntry struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	PatientID       string         `db:"patient_id" json:"patient_id"`
	ProviderID      *string        `db:"provider_id" json:"provider_id,omitempty"`
	AppointmentType string         `db:"appointment_type" json:"appointment_type"`
	PreferredDates  []time.Time    `db:"preferred_dates" json:"preferred_dates"`
	PreferredTimes  []string       `db:"preferred_times" json:"preferred_times"`
	Urgency         engine.Urgency `db:"urgency" json:"urgency"`
	Priority        string         `db:"priority" json:"priority"`
	Status          string         `db:"status" json:"status"`
	OfferedStart    *time.Time     `db:"offered_start" json:"offered_start,omitempty"`
	OfferedEnd      *time.Time     `db:"offered_end" json:"offered_end,omitempty"`
	Notes           *string        `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// PatientRisk is the last stored no-show estimate for a patient.
type PatientRisk struct {
	PatientID  string           `db:"patient_id" json:"patient_id"`
	Score      engine.RiskScore `db:"score" json:"score"`
	ComputedAt time.Time        `db:"computed_at" json:"computed_at"`
}

// AppointmentFilter narrows an appointment search. Zero fields are ignored.
type AppointmentFilter struct {
	ProviderID string
	PatientID  string
	Status     engine.BookingStatus
	From       *time.Time
	To         *time.Time
}

// -- Requests and responses --

type CreateAppointmentRequest struct {
	PatientID       string     `json:"patient_id"`
	ProviderID      string     `json:"provider_id"`
	AppointmentType string     `json:"appointment_type"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
}

type ConflictCheckRequest struct {
	ProviderID string    `json:"provider_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	ExcludeID  string    `json:"exclude_id,omitempty"`
}

type ConflictCheckResponse struct {
	HasConflict bool             `json:"has_conflict"`
	Conflicts   []engine.Booking `json:"conflicts"`
}

type AvailabilityRequest struct {
	ProviderID         string
	Date               time.Time
	DurationMinutes    int
	GranularityMinutes int
	Mode               engine.SearchMode
}

type AvailabilityResponse struct {
	ProviderID         string                 `json:"provider_id"`
	Date               string                 `json:"date"`
	DurationMinutes    int                    `json:"duration_minutes"`
	GranularityMinutes int                    `json:"granularity_minutes"`
	Mode               engine.SearchMode      `json:"mode"`
	Open               bool                   `json:"open"`
	Slots              []engine.AvailableSlot `json:"slots"`
}

type DayScheduleResponse struct {
	Date      string                    `json:"date"`
	Total     int                       `json:"total"`
	Providers map[string][]*Appointment `json:"providers"`
}

type RiskResponse struct {
	PatientID string              `json:"patient_id"`
	Score     engine.RiskScore    `json:"score"`
	Level     string              `json:"level"`
	Stored    *PatientRisk        `json:"stored,omitempty"`
	History   engine.HistoryStats `json:"history"`
}

type HistoryResponse struct {
	PatientID string `json:"patient_id"`
	engine.HistoryStats
	LastAppointment *time.Time `json:"last_appointment,omitempty"`
}

type OptimizeRequest struct {
	PatientID       string         `json:"patient_id,omitempty"`
	ProviderID      string         `json:"provider_id"`
	AppointmentType string         `json:"appointment_type"`
	Urgency         engine.Urgency `json:"urgency"`
	PreferredDates  []string       `json:"preferred_dates"`
	PreferredTimes  []string       `json:"preferred_times,omitempty"`
	DurationMinutes int            `json:"duration_minutes,omitempty"`
}

type CreateWaitlistRequest struct {
	PatientID       string         `json:"patient_id"`
	ProviderID      *string        `json:"provider_id,omitempty"`
	AppointmentType string         `json:"appointment_type"`
	PreferredDates  []string       `json:"preferred_dates"`
	PreferredTimes  []string       `json:"preferred_times,omitempty"`
	Urgency         engine.Urgency `json:"urgency,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	Notes           *string        `json:"notes,omitempty"`
}

type WaitlistStatusRequest struct {
	Status string `json:"status"`
}

// riskLevel buckets a score for display.
func riskLevel(s engine.RiskScore) string {
	switch {
	case s >= 0.5:
		return "high"
	case s >= 0.25:
		return "medium"
	default:
		return "low"
	}
}
