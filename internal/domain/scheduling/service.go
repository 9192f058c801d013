package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harmony/dental/internal/platform/cache"
	"github.com/harmony/dental/internal/platform/db"
	"github.com/harmony/dental/internal/platform/events"
	engine "github.com/harmony/dental/internal/platform/scheduling"
	"github.com/harmony/dental/internal/platform/telemetry"
)

var (
	ErrSlotTaken           = errors.New("requested slot is no longer available")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrOutsideWorkingHours = errors.New("appointment falls outside the provider's working hours")
)

// ConflictError is returned when a booking loses the slot. It wraps
// ErrSlotTaken and carries the colliding appointments plus nearby openings.
type ConflictError struct {
	Conflicts    []engine.Booking
	Alternatives []engine.AvailableSlot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %d conflicting appointment(s)", ErrSlotTaken, len(e.Conflicts))
}

func (e *ConflictError) Unwrap() error { return ErrSlotTaken }

const (
	alternativeDays = 7
	maxAlternatives = engine.DefaultMaxAlternatives
	dateLayout      = "2006-01-02"
)

// SlotCache is the availability cache; *cache.AvailabilityCache satisfies it.
type SlotCache interface {
	Get(ctx context.Context, k cache.SlotKey) ([]byte, cache.Version, bool, error)
	Set(ctx context.Context, k cache.SlotKey, version cache.Version, payload []byte) error
	Invalidate(ctx context.Context, tenantID, providerID, date string) error
	InvalidateProvider(ctx context.Context, tenantID, providerID string) error
}

// SlotLocker takes a short-lived hold on a provider start time;
// *cache.SlotHolds satisfies it.
type SlotLocker interface {
	Acquire(ctx context.Context, tenantID, providerID string, start time.Time) (func(context.Context) error, error)
}

// TxRunner runs fn inside a transaction carried on the context it passes.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Options are the practice defaults applied when a request leaves them out.
type Options struct {
	WorkdayStart       string
	WorkdayEnd         string
	GranularityMinutes int
	DurationMinutes    int
	Mode               engine.SearchMode
	Location           *time.Location
	Risk               engine.RiskPolicy
}

func DefaultOptions() Options {
	return Options{
		WorkdayStart:       "08:00",
		WorkdayEnd:         "17:00",
		GranularityMinutes: engine.DefaultGranularityMinutes,
		DurationMinutes:    engine.DefaultDurationMinutes,
		Mode:               engine.ModeStepped,
		Location:           time.UTC,
		Risk:               engine.DefaultRiskPolicy(),
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.WorkdayStart == "" || o.WorkdayEnd == "" {
		o.WorkdayStart, o.WorkdayEnd = d.WorkdayStart, d.WorkdayEnd
	}
	if o.GranularityMinutes <= 0 {
		o.GranularityMinutes = d.GranularityMinutes
	}
	if o.DurationMinutes <= 0 {
		o.DurationMinutes = d.DurationMinutes
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.Location == nil {
		o.Location = d.Location
	}
	if o.Risk.RecencyWindow == 0 {
		o.Risk = d.Risk
	}
}

type Option func(*Service)

func WithTx(tx TxRunner) Option { return func(s *Service) { s.tx = tx } }
func WithCache(c SlotCache) Option { return func(s *Service) { s.cache = c } }
func WithHolds(h SlotLocker) Option { return func(s *Service) { s.holds = h } }
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	appointments AppointmentRepository
	hours        WorkingHoursRepository
	waitlist     WaitlistRepository
	risks        RiskRepository

	tx      TxRunner
	cache   SlotCache
	holds   SlotLocker
	events  events.Publisher
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	opts    Options
}

func NewService(appt AppointmentRepository, hours WorkingHoursRepository, wl WaitlistRepository, risks RiskRepository, opts Options, options ...Option) *Service {
	opts.applyDefaults()
	s := &Service{
		appointments: appt,
		hours:        hours,
		waitlist:     wl,
		risks:        risks,
		tx:           func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) },
		logger:       zerolog.Nop(),
		now:          time.Now,
		opts:         opts,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	l := telemetry.LoggerFromContext(ctx, s.logger)
	return &l
}

func (s *Service) clock() time.Time {
	return s.now().In(s.opts.Location)
}

func invalid(field, reason string) error {
	return &engine.InvalidRequestError{Field: field, Reason: reason}
}

// ParseDate reads a YYYY-MM-DD calendar day in the practice time zone.
func (s *Service) ParseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, invalid(field, "is required")
	}
	d, err := time.ParseInLocation(dateLayout, value, s.opts.Location)
	if err != nil {
		return time.Time{}, invalid(field, fmt.Sprintf("%q is not a YYYY-MM-DD date", value))
	}
	return d, nil
}

func (s *Service) startOfDay(t time.Time) time.Time {
	t = t.In(s.opts.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.opts.Location)
}

// windowFor resolves the provider's working window on date. Days without
// working hours on file fall back to the practice workday, Monday to Friday.
func (s *Service) windowFor(ctx context.Context, providerID string, date time.Time) (engine.WorkingWindow, bool, error) {
	d := date.In(s.opts.Location)
	start, end := s.opts.WorkdayStart, s.opts.WorkdayEnd

	wh, err := s.hours.Get(ctx, providerID, d.Weekday())
	switch {
	case err == nil:
		start, end = wh.StartTime, wh.EndTime
	case errors.Is(err, ErrNotFound):
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			return engine.WorkingWindow{}, false, nil
		}
	default:
		return engine.WorkingWindow{}, false, fmt.Errorf("load working hours: %w", err)
	}

	iv, err := engine.DayWindow(d, start, end, s.opts.Location)
	if err != nil {
		return engine.WorkingWindow{}, false, err
	}
	return engine.WorkingWindow{ProviderID: providerID, Date: s.startOfDay(d), Interval: iv}, true, nil
}

// daySchedules loads the window and blocking appointments for each date.
// Closed days are left out. extra bookings are merged into the matching day.
func (s *Service) daySchedules(ctx context.Context, providerID string, dates []time.Time, extra []engine.Booking) (map[string]engine.DaySchedule, error) {
	days := make(map[string]engine.DaySchedule, len(dates))
	for _, date := range dates {
		key := engine.DateKey(date)
		if _, ok := days[key]; ok {
			continue
		}
		window, open, err := s.windowFor(ctx, providerID, date)
		if err != nil {
			return nil, err
		}
		if !open {
			continue
		}
		existing, err := s.appointments.ListBlocking(ctx, providerID, window.Interval.Start, window.Interval.End)
		if err != nil {
			return nil, fmt.Errorf("load bookings: %w", err)
		}
		bookings := toBookings(existing)
		for _, b := range extra {
			if b.ProviderID == providerID && engine.Overlaps(b.Interval, window.Interval) {
				bookings = append(bookings, b)
			}
		}
		days[key] = engine.DaySchedule{Window: window, Bookings: bookings}
	}
	return days, nil
}

// -- Availability and conflicts --

func (s *Service) Availability(ctx context.Context, req AvailabilityRequest) (*AvailabilityResponse, error) {
	if req.ProviderID == "" {
		return nil, invalid("provider_id", "is required")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = s.opts.DurationMinutes
	}
	if req.GranularityMinutes == 0 {
		req.GranularityMinutes = s.opts.GranularityMinutes
	}
	if req.Mode == "" {
		req.Mode = s.opts.Mode
	}

	resp := &AvailabilityResponse{
		ProviderID:         req.ProviderID,
		Date:               engine.DateKey(req.Date.In(s.opts.Location)),
		DurationMinutes:    req.DurationMinutes,
		GranularityMinutes: req.GranularityMinutes,
		Mode:               req.Mode,
		Slots:              []engine.AvailableSlot{},
	}

	key := cache.SlotKey{
		TenantID:    db.TenantFromContext(ctx),
		ProviderID:  req.ProviderID,
		Date:        resp.Date,
		Duration:    req.DurationMinutes,
		Granularity: req.GranularityMinutes,
		Mode:        string(req.Mode),
	}
	var version cache.Version
	if s.cache != nil {
		b, ver, ok, err := s.cache.Get(ctx, key)
		version = ver
		if err != nil {
			s.log(ctx).Warn().Err(err).Str("provider_id", req.ProviderID).Msg("availability cache read failed")
		}
		if ok {
			var cached AvailabilityResponse
			if err := json.Unmarshal(b, &cached); err == nil {
				s.metrics.RecordCache(ctx, true)
				return &cached, nil
			}
		}
		s.metrics.RecordCache(ctx, false)
	}

	window, open, err := s.windowFor(ctx, req.ProviderID, req.Date)
	if err != nil {
		return nil, err
	}
	if open {
		existing, err := s.appointments.ListBlocking(ctx, req.ProviderID, window.Interval.Start, window.Interval.End)
		if err != nil {
			return nil, fmt.Errorf("load bookings: %w", err)
		}
		seq, err := engine.ComputeAvailability(engine.SlotRequest{
			ProviderID:         req.ProviderID,
			Date:               window.Date,
			DurationMinutes:    req.DurationMinutes,
			GranularityMinutes: req.GranularityMinutes,
			Mode:               req.Mode,
		}, toBookings(existing), window)
		if err != nil {
			return nil, err
		}
		resp.Open = true
		resp.Slots = append(resp.Slots, seq.Collect()...)
	}
	s.metrics.RecordSlots(ctx, req.ProviderID, len(resp.Slots))

	if s.cache != nil {
		if b, err := json.Marshal(resp); err == nil {
			if err := s.cache.Set(ctx, key, version, b); err != nil {
				s.log(ctx).Warn().Err(err).Str("provider_id", req.ProviderID).Msg("availability cache write failed")
			}
		}
	}
	return resp, nil
}

func (s *Service) CheckConflicts(ctx context.Context, req ConflictCheckRequest) (*ConflictCheckResponse, error) {
	if req.ProviderID == "" {
		return nil, invalid("provider_id", "is required")
	}
	iv, err := engine.NewInterval(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	existing, err := s.appointments.ListBlocking(ctx, req.ProviderID, iv.Start, iv.End)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}
	conflicts, err := engine.FindConflicts(iv, req.ProviderID, toBookings(existing), req.ExcludeID)
	if err != nil {
		return nil, err
	}
	if conflicts == nil {
		conflicts = []engine.Booking{}
	}
	return &ConflictCheckResponse{HasConflict: len(conflicts) > 0, Conflicts: conflicts}, nil
}

// -- Booking --

func (s *Service) resolveInterval(start time.Time, end *time.Time, duration, fallback int) (engine.TimeInterval, error) {
	if start.IsZero() {
		return engine.TimeInterval{}, invalid("start_time", "is required")
	}
	if end != nil {
		return engine.NewInterval(start, *end)
	}
	if duration == 0 {
		duration = fallback
	}
	if duration < 0 {
		return engine.TimeInterval{}, invalid("duration_minutes", fmt.Sprintf("must be positive, got %d", duration))
	}
	return engine.NewInterval(start, start.Add(time.Duration(duration)*time.Minute))
}

func (s *Service) checkBookable(ctx context.Context, providerID string, iv engine.TimeInterval) error {
	if iv.Start.Before(s.now()) {
		return invalid("start_time", "must not be in the past")
	}
	window, open, err := s.windowFor(ctx, providerID, iv.Start)
	if err != nil {
		return err
	}
	if !open || !engine.Contains(window.Interval, iv) {
		return ErrOutsideWorkingHours
	}
	return nil
}

// Book creates an appointment. The slot is re-checked for conflicts inside
// a transaction that holds the provider lock, so two concurrent requests for
// the same time cannot both succeed.
func (s *Service) Book(ctx context.Context, req CreateAppointmentRequest) (*Appointment, error) {
	switch {
	case req.PatientID == "":
		return nil, invalid("patient_id", "is required")
	case req.ProviderID == "":
		return nil, invalid("provider_id", "is required")
	case req.AppointmentType == "":
		return nil, invalid("appointment_type", "is required")
	}
	iv, err := s.resolveInterval(req.StartTime, req.EndTime, req.DurationMinutes, s.opts.DurationMinutes)
	if err != nil {
		return nil, err
	}
	if err := s.checkBookable(ctx, req.ProviderID, iv); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "scheduling.Book",
		attribute.String("provider.id", req.ProviderID),
		attribute.String("appointment.start", iv.Start.Format(time.RFC3339)))
	defer span.End()

	a := &Appointment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		ProviderID:      req.ProviderID,
		AppointmentType: req.AppointmentType,
		StartTime:       iv.Start,
		EndTime:         iv.End,
		Status:          engine.StatusScheduled,
		Notes:           req.Notes,
	}
	if err := s.commit(ctx, a, "", func(ctx context.Context) error {
		return s.appointments.Create(ctx, a)
	}); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.invalidate(ctx, a.ProviderID, a.StartTime)
	s.publish(ctx, events.AppointmentBooked, a)
	s.log(ctx).Info().Str("appointment_id", a.ID.String()).Str("provider_id", a.ProviderID).
		Time("start", a.StartTime).Msg("appointment booked")
	return a, nil
}

// Reschedule moves an appointment. Its own current interval never counts
// as a conflict.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != engine.StatusScheduled && a.Status != engine.StatusConfirmed {
		return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidTransition, a.Status)
	}
	current := int(a.EndTime.Sub(a.StartTime) / time.Minute)
	iv, err := s.resolveInterval(req.StartTime, req.EndTime, req.DurationMinutes, current)
	if err != nil {
		return nil, err
	}
	if err := s.checkBookable(ctx, a.ProviderID, iv); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "scheduling.Reschedule", attribute.String("appointment.id", id.String()))
	defer span.End()

	previous := a.StartTime
	updated := *a
	updated.StartTime, updated.EndTime = iv.Start, iv.End
	if err := s.commit(ctx, &updated, id.String(), func(ctx context.Context) error {
		return s.appointments.Update(ctx, &updated)
	}); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	s.invalidate(ctx, updated.ProviderID, previous, updated.StartTime)
	s.publish(ctx, events.AppointmentRescheduled, map[string]any{
		"appointment":    &updated,
		"previous_start": previous,
	})
	return &updated, nil
}

// commit holds the slot, re-runs conflict detection against the committed
// state inside a transaction and calls write only if the slot is still free.
func (s *Service) commit(ctx context.Context, a *Appointment, excludeID string, write func(context.Context) error) error {
	if s.holds != nil {
		release, err := s.holds.Acquire(ctx, db.TenantFromContext(ctx), a.ProviderID, a.StartTime)
		switch {
		case errors.Is(err, cache.ErrHeld):
			return s.conflict(ctx, a, nil)
		case err != nil:
			// The database check below still guards the slot.
			s.log(ctx).Warn().Err(err).Msg("slot hold unavailable, continuing without it")
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.log(ctx).Warn().Err(err).Msg("release slot hold")
				}
			}()
		}
	}

	var conflicts []engine.Booking
	err := s.tx(ctx, func(ctx context.Context) error {
		if err := s.appointments.LockProvider(ctx, a.ProviderID); err != nil {
			return fmt.Errorf("lock provider: %w", err)
		}
		existing, err := s.appointments.ListBlocking(ctx, a.ProviderID, a.StartTime, a.EndTime)
		if err != nil {
			return fmt.Errorf("load bookings: %w", err)
		}
		conflicts, err = engine.FindConflicts(a.Interval(), a.ProviderID, toBookings(existing), excludeID)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return ErrSlotTaken
		}
		return write(ctx)
	})
	switch {
	case errors.Is(err, ErrSlotTaken), db.IsExclusionViolation(err):
		return s.conflict(ctx, a, conflicts)
	case err != nil:
		return err
	}
	s.metrics.RecordBooking(ctx, a.ProviderID, false)
	return nil
}

func (s *Service) conflict(ctx context.Context, a *Appointment, conflicts []engine.Booking) error {
	s.metrics.RecordBooking(ctx, a.ProviderID, true)
	if conflicts == nil {
		conflicts = []engine.Booking{}
	}
	duration := int(a.EndTime.Sub(a.StartTime) / time.Minute)
	alts, err := s.alternatives(ctx, a.ProviderID, a.StartTime, duration)
	if err != nil {
		s.log(ctx).Warn().Err(err).Str("provider_id", a.ProviderID).Msg("compute alternatives")
	}
	return &ConflictError{Conflicts: conflicts, Alternatives: alts}
}

// alternatives returns the first open slots of the same length for the
// provider, searching from the requested day forward.
func (s *Service) alternatives(ctx context.Context, providerID string, from time.Time, duration int) ([]engine.AvailableSlot, error) {
	out := make([]engine.AvailableSlot, 0, maxAlternatives)
	now := s.now()
	day := s.startOfDay(from)
	for i := 0; i < alternativeDays && len(out) < maxAlternatives; i++ {
		date := day.AddDate(0, 0, i)
		window, open, err := s.windowFor(ctx, providerID, date)
		if err != nil {
			return out, err
		}
		if !open {
			continue
		}
		existing, err := s.appointments.ListBlocking(ctx, providerID, window.Interval.Start, window.Interval.End)
		if err != nil {
			return out, err
		}
		seq, err := engine.ComputeAvailability(engine.SlotRequest{
			ProviderID:         providerID,
			Date:               date,
			DurationMinutes:    duration,
			GranularityMinutes: s.opts.GranularityMinutes,
			Mode:               s.opts.Mode,
		}, toBookings(existing), window)
		if err != nil {
			return out, err
		}
		for slot := range seq.All() {
			if slot.Start.Before(now) {
				continue
			}
			out = append(out, slot)
			if len(out) == maxAlternatives {
				break
			}
		}
	}
	return out, nil
}

func (s *Service) invalidate(ctx context.Context, providerID string, touched ...time.Time) {
	if s.cache == nil {
		return
	}
	tenant := db.TenantFromContext(ctx)
	seen := make(map[string]bool, len(touched))
	for _, t := range touched {
		key := engine.DateKey(t.In(s.opts.Location))
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := s.cache.Invalidate(ctx, tenant, providerID, key); err != nil {
			s.log(ctx).Warn().Err(err).Str("provider_id", providerID).Str("date", key).Msg("invalidate availability cache")
		}
	}
}

// publish emits an event. Delivery failures are logged and counted but never
// undo the committed write.
func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if s.events == nil {
		return
	}
	evt, err := events.New(eventType, db.TenantFromContext(ctx), payload, s.now())
	if err != nil {
		s.log(ctx).Error().Err(err).Str("event", eventType).Msg("encode event")
		return
	}
	err = s.events.Publish(ctx, evt)
	s.metrics.RecordEvent(ctx, eventType, err == nil)
	if err != nil {
		s.log(ctx).Warn().Err(err).Str("event", eventType).Str("event_id", evt.ID).Msg("publish event")
	}
}

// -- Appointment reads and status --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) SearchAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalid("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, 0, invalid("to", "must be after from")
	}
	return s.appointments.Search(ctx, f, limit, offset)
}

var transitions = map[engine.BookingStatus]map[engine.BookingStatus]bool{
	engine.StatusScheduled: {
		engine.StatusConfirmed: true,
		engine.StatusCompleted: true,
		engine.StatusCancelled: true,
		engine.StatusNoShow:    true,
	},
	engine.StatusConfirmed: {
		engine.StatusCompleted: true,
		engine.StatusCancelled: true,
		engine.StatusNoShow:    true,
	},
}

// Transition moves an appointment to status to. Cancellations and no-shows
// refresh the patient's stored risk.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to engine.BookingStatus) (*Appointment, error) {
	if !to.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !transitions[a.Status][to] {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, a.Status, to)
	}
	if to == engine.StatusNoShow && a.StartTime.After(s.now()) {
		return nil, fmt.Errorf("%w: appointment has not started yet", ErrInvalidTransition)
	}
	if err := s.appointments.UpdateStatus(ctx, id, to); err != nil {
		return nil, err
	}
	a.Status = to
	a.UpdatedAt = s.now()

	eventType := events.AppointmentStatus
	if to == engine.StatusCancelled {
		eventType = events.AppointmentCancelled
		s.invalidate(ctx, a.ProviderID, a.StartTime)
	}
	s.publish(ctx, eventType, a)

	if to == engine.StatusCancelled || to == engine.StatusNoShow {
		if _, err := s.RecomputeRisk(ctx, a.PatientID); err != nil {
			s.log(ctx).Warn().Err(err).Str("patient_id", a.PatientID).Msg("recompute risk")
		}
	}
	return a, nil
}

func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.appointments.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, a.ProviderID, a.StartTime)
	return nil
}

// DaySchedule groups every appointment starting on date by provider.
func (s *Service) DaySchedule(ctx context.Context, date time.Time) (*DayScheduleResponse, error) {
	from := s.startOfDay(date)
	appts, err := s.appointments.ListInRange(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	resp := &DayScheduleResponse{
		Date:      engine.DateKey(from),
		Total:     len(appts),
		Providers: make(map[string][]*Appointment),
	}
	for _, a := range appts {
		resp.Providers[a.ProviderID] = append(resp.Providers[a.ProviderID], a)
	}
	return resp, nil
}

// -- Working hours --

func (s *Service) WorkingHours(ctx context.Context, providerID string) ([]*WorkingHours, error) {
	return s.hours.ListByProvider(ctx, providerID)
}

func (s *Service) SetWorkingHours(ctx context.Context, providerID string, hours []*WorkingHours) error {
	seen := make(map[time.Weekday]bool, len(hours))
	for _, wh := range hours {
		if wh.Weekday < time.Sunday || wh.Weekday > time.Saturday {
			return invalid("weekday", fmt.Sprintf("must be 0-6, got %d", wh.Weekday))
		}
		if seen[wh.Weekday] {
			return invalid("weekday", fmt.Sprintf("%s listed twice", wh.Weekday))
		}
		seen[wh.Weekday] = true
		if _, err := engine.DayWindow(time.Now(), wh.StartTime, wh.EndTime, time.UTC); err != nil {
			return invalid("start_time", err.Error())
		}
		wh.ProviderID = providerID
	}
	if err := s.hours.ReplaceForProvider(ctx, providerID, hours); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateProvider(ctx, db.TenantFromContext(ctx), providerID); err != nil {
			s.log(ctx).Warn().Err(err).Str("provider_id", providerID).Msg("invalidate provider availability cache")
		}
	}
	return nil
}

// -- Risk --

// riskHistoryLimit caps how many past appointments feed the risk estimate.
const riskHistoryLimit = 20

// recentHistory loads the patient's latest appointments of any age. The
// estimator applies the recency window to the boost only.
func (s *Service) recentHistory(ctx context.Context, patientID string, now time.Time) ([]engine.HistoryRecord, error) {
	appts, err := s.appointments.LatestByPatient(ctx, patientID, now, riskHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load patient history: %w", err)
	}
	return toHistory(appts), nil
}

// RecomputeRisk scores the patient's latest appointments and stores the result.
func (s *Service) RecomputeRisk(ctx context.Context, patientID string) (*PatientRisk, error) {
	now := s.now()
	history, err := s.recentHistory(ctx, patientID, now)
	if err != nil {
		return nil, err
	}
	pr := &PatientRisk{
		PatientID:  patientID,
		Score:      s.opts.Risk.Estimate(history, now),
		ComputedAt: now,
	}
	if err := s.risks.Upsert(ctx, pr); err != nil {
		return nil, fmt.Errorf("store risk: %w", err)
	}
	return pr, nil
}

// RecomputeRisks refreshes every patient seen within the risk window and
// returns how many were updated.
func (s *Service) RecomputeRisks(ctx context.Context) (int, error) {
	since := s.now().Add(-s.opts.Risk.RecencyWindow)
	patients, err := s.appointments.PatientsSince(ctx, since)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, id := range patients {
		if _, err := s.RecomputeRisk(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("patient %s: %w", id, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (s *Service) PatientRisk(ctx context.Context, patientID string) (*RiskResponse, error) {
	if patientID == "" {
		return nil, invalid("patient_id", "is required")
	}
	now := s.now()
	history, err := s.recentHistory(ctx, patientID, now)
	if err != nil {
		return nil, err
	}
	score := s.opts.Risk.Estimate(history, now)
	resp := &RiskResponse{
		PatientID: patientID,
		Score:     score,
		Level:     riskLevel(score),
		History:   engine.Summarize(history),
	}
	stored, err := s.risks.Get(ctx, patientID)
	switch {
	case err == nil:
		resp.Stored = stored
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return resp, nil
}

func (s *Service) PatientHistory(ctx context.Context, patientID string) (*HistoryResponse, error) {
	if patientID == "" {
		return nil, invalid("patient_id", "is required")
	}
	appts, err := s.appointments.ListByPatient(ctx, patientID, time.Time{}, s.now())
	if err != nil {
		return nil, err
	}
	resp := &HistoryResponse{PatientID: patientID, HistoryStats: engine.Summarize(toHistory(appts))}
	if n := len(appts); n > 0 {
		last := appts[n-1].StartTime
		resp.LastAppointment = &last
	}
	return resp, nil
}

// -- Optimizer --

func (s *Service) optimizer() *engine.Optimizer {
	o := engine.NewOptimizer()
	o.Risk = s.opts.Risk
	return o
}

func (s *Service) Optimize(ctx context.Context, req OptimizeRequest) (*engine.OptimizationResult, error) {
	if req.ProviderID == "" {
		return nil, invalid("provider_id", "is required")
	}
	dates := make([]time.Time, 0, len(req.PreferredDates))
	for _, v := range req.PreferredDates {
		d, err := s.ParseDate("preferred_dates", v)
		if err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}

	now := s.clock()
	var history []engine.HistoryRecord
	if req.PatientID != "" {
		h, err := s.recentHistory(ctx, req.PatientID, now)
		if err != nil {
			return nil, err
		}
		history = h
	}

	days, err := s.daySchedules(ctx, req.ProviderID, dates, nil)
	if err != nil {
		return nil, err
	}
	duration := req.DurationMinutes
	if duration == 0 {
		duration = s.opts.DurationMinutes
	}
	return s.optimizer().Optimize(engine.SchedulingContext{
		ProviderID:         req.ProviderID,
		AppointmentType:    req.AppointmentType,
		Urgency:            req.Urgency,
		PreferredDates:     dates,
		PreferredTimes:     req.PreferredTimes,
		PatientHistory:     history,
		DurationMinutes:    duration,
		GranularityMinutes: s.opts.GranularityMinutes,
		Mode:               s.opts.Mode,
	}, days, now)
}

// -- Waitlist --

func validPreferredTime(p string) bool {
	switch p {
	case engine.PreferMorning, engine.PreferAfternoon, engine.PreferEvening:
		return true
	}
	_, _, err := engine.ParseTimeOfDay(p)
	return err == nil
}

func (s *Service) CreateWaitlistEntry(ctx context.Context, req CreateWaitlistRequest) (*WaitlistEntry, error) {
	switch {
	case req.PatientID == "":
		return nil, invalid("patient_id", "is required")
	case req.AppointmentType == "":
		return nil, invalid("appointment_type", "is required")
	}
	w := &WaitlistEntry{
		PatientID:       req.PatientID,
		ProviderID:      req.ProviderID,
		AppointmentType: req.AppointmentType,
		PreferredDates:  make([]time.Time, 0, len(req.PreferredDates)),
		PreferredTimes:  req.PreferredTimes,
		Urgency:         req.Urgency,
		Priority:        req.Priority,
		Status:          WaitlistActive,
		Notes:           req.Notes,
	}
	if w.ProviderID != nil && *w.ProviderID == "" {
		w.ProviderID = nil
	}
	if w.PreferredTimes == nil {
		w.PreferredTimes = []string{}
	}
	if w.Priority == "" {
		w.Priority = PriorityMedium
	}
	if !validPriorities[w.Priority] {
		return nil, invalid("priority", fmt.Sprintf("must be low, medium or high, got %q", w.Priority))
	}
	switch w.Urgency {
	case "":
		w.Urgency = engine.UrgencyRoutine
	case engine.UrgencyRoutine, engine.UrgencyUrgent, engine.UrgencyEmergency:
	default:
		return nil, invalid("urgency", fmt.Sprintf("must be routine, urgent or emergency, got %q", w.Urgency))
	}
	for _, p := range w.PreferredTimes {
		if !validPreferredTime(p) {
			return nil, invalid("preferred_times", fmt.Sprintf("%q is not morning, afternoon, evening or HH:MM", p))
		}
	}
	for _, v := range req.PreferredDates {
		d, err := s.ParseDate("preferred_dates", v)
		if err != nil {
			return nil, err
		}
		w.PreferredDates = append(w.PreferredDates, d)
	}
	if err := s.waitlist.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Service) ListWaitlist(ctx context.Context, status string, limit, offset int) ([]*WaitlistEntry, int, error) {
	if status != "" && !validWaitlistStatuses[status] {
		return nil, 0, invalid("status", fmt.Sprintf("unknown waitlist status %q", status))
	}
	return s.waitlist.List(ctx, status, limit, offset)
}

func (s *Service) UpdateWaitlistStatus(ctx context.Context, id uuid.UUID, status string) (*WaitlistEntry, error) {
	if !validWaitlistStatuses[status] {
		return nil, invalid("status", fmt.Sprintf("unknown waitlist status %q", status))
	}
	if err := s.waitlist.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	return s.waitlist.GetByID(ctx, id)
}

// scanDates keeps the entry's preferred dates that are not in the past. An
// entry without any gets the next alternativeDays days.
func (s *Service) scanDates(w *WaitlistEntry, today time.Time) []time.Time {
	var out []time.Time
	for _, d := range w.PreferredDates {
		local := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.opts.Location)
		if !local.Before(today) {
			out = append(out, local)
		}
	}
	if len(w.PreferredDates) == 0 {
		for i := 0; i < alternativeDays; i++ {
			out = append(out, today.AddDate(0, 0, i))
		}
	}
	return out
}

// ScanWaitlist looks for an opening for every active entry, highest priority
// first. A match marks the entry offered and announces it. Slots offered
// earlier in the same scan are not offered twice.
func (s *Service) ScanWaitlist(ctx context.Context) (int, error) {
	entries, err := s.waitlist.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock()
	today := s.startOfDay(now)
	opt := s.optimizer()

	var everyone []string
	var claimed []engine.Booking
	offered := 0
	for _, w := range entries {
		dates := s.scanDates(w, today)
		if len(dates) == 0 {
			continue
		}

		providers := everyone
		if w.ProviderID != nil {
			providers = []string{*w.ProviderID}
		} else if everyone == nil {
			if everyone, err = s.hours.Providers(ctx); err != nil {
				return offered, fmt.Errorf("list providers: %w", err)
			}
			providers = everyone
		}

		history, err := s.recentHistory(ctx, w.PatientID, now)
		if err != nil {
			return offered, err
		}

		for _, pid := range providers {
			days, err := s.daySchedules(ctx, pid, dates, claimed)
			if err != nil {
				return offered, err
			}
			res, err := opt.Optimize(engine.SchedulingContext{
				ProviderID:         pid,
				AppointmentType:    w.AppointmentType,
				Urgency:            w.Urgency,
				PreferredDates:     dates,
				PreferredTimes:     w.PreferredTimes,
				PatientHistory:     history,
				DurationMinutes:    s.opts.DurationMinutes,
				GranularityMinutes: s.opts.GranularityMinutes,
				Mode:               s.opts.Mode,
			}, days, now)
			if err != nil {
				s.log(ctx).Warn().Err(err).Str("waitlist_id", w.ID.String()).Msg("skip waitlist entry")
				break
			}
			if res.NoAvailability {
				continue
			}

			slot := *res.SuggestedInterval
			if err := s.waitlist.MarkOffered(ctx, w.ID, slot); err != nil {
				if errors.Is(err, ErrNotFound) {
					break
				}
				return offered, err
			}
			claimed = append(claimed, engine.Booking{
				ID:         "waitlist:" + w.ID.String(),
				ProviderID: pid,
				Interval:   slot,
				Status:     engine.StatusScheduled,
			})
			s.publish(ctx, events.WaitlistSlotAvailable, map[string]any{
				"waitlist_id":      w.ID,
				"patient_id":       w.PatientID,
				"provider_id":      pid,
				"appointment_type": w.AppointmentType,
				"start_time":       slot.Start,
				"end_time":         slot.End,
				"score":            res.OptimizationScore,
			})
			offered++
			break
		}
	}
	return offered, nil
}
