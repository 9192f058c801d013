package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	engine "github.com/harmony/dental/internal/platform/scheduling"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Update rewrites the interval, type and notes of an appointment.
	Update(ctx context.Context, a *Appointment) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status engine.BookingStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// ListBlocking returns the provider's non-cancelled appointments that
	// overlap [from, to).
	ListBlocking(ctx context.Context, providerID string, from, to time.Time) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID string, from, to time.Time) ([]*Appointment, error)
	// LatestByPatient returns up to limit of the patient's appointments that
	// started before before, newest first.
	LatestByPatient(ctx context.Context, patientID string, before time.Time, limit int) ([]*Appointment, error)
	ListInRange(ctx context.Context, from, to time.Time) ([]*Appointment, error)
	// PatientsSince lists patients with an appointment starting at or after since.
	PatientsSince(ctx context.Context, since time.Time) ([]string, error)
	// LockProvider serializes bookings for a provider until the surrounding
	// transaction ends.
	LockProvider(ctx context.Context, providerID string) error
}

type WorkingHoursRepository interface {
	Get(ctx context.Context, providerID string, weekday time.Weekday) (*WorkingHours, error)
	ListByProvider(ctx context.Context, providerID string) ([]*WorkingHours, error)
	ReplaceForProvider(ctx context.Context, providerID string, hours []*WorkingHours) error
	Providers(ctx context.Context) ([]string, error)
}

type WaitlistRepository interface {
	Create(ctx context.Context, w *WaitlistEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkOffered(ctx context.Context, id uuid.UUID, offer engine.TimeInterval) error
	List(ctx context.Context, status string, limit, offset int) ([]*WaitlistEntry, int, error)
	// ListActive returns active entries, highest priority and oldest first.
	ListActive(ctx context.Context) ([]*WaitlistEntry, error)
}

type RiskRepository interface {
	Get(ctx context.Context, patientID string) (*PatientRisk, error)
	Upsert(ctx context.Context, r *PatientRisk) error
}
