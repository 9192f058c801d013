package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/harmony/dental/internal/platform/cache"
	"github.com/harmony/dental/internal/platform/events"
	engine "github.com/harmony/dental/internal/platform/scheduling"
)

// -- Mock Repositories --

type mockAppointmentRepo struct {
	appts     map[uuid.UUID]*Appointment
	createErr error
	locked    []string
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockAppointmentRepo) sorted(keep func(a *Appointment) bool) []*Appointment {
	var out []*Appointment
	for _, a := range m.appts {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	if m.createErr != nil {
		return m.createErr
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	if _, ok := m.appts[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status engine.BookingStatus) error {
	a, ok := m.appts[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

func (m *mockAppointmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.appts[id]; !ok {
		return ErrNotFound
	}
	delete(m.appts, id)
	return nil
}

func (m *mockAppointmentRepo) Search(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	all := m.sorted(func(a *Appointment) bool {
		return (f.ProviderID == "" || a.ProviderID == f.ProviderID) &&
			(f.PatientID == "" || a.PatientID == f.PatientID) &&
			(f.Status == "" || a.Status == f.Status) &&
			(f.From == nil || !a.StartTime.Before(*f.From)) &&
			(f.To == nil || a.StartTime.Before(*f.To))
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (m *mockAppointmentRepo) ListBlocking(_ context.Context, providerID string, from, to time.Time) ([]*Appointment, error) {
	return m.sorted(func(a *Appointment) bool {
		return a.ProviderID == providerID && a.Status != engine.StatusCancelled &&
			a.StartTime.Before(to) && a.EndTime.After(from)
	}), nil
}

func (m *mockAppointmentRepo) ListByPatient(_ context.Context, patientID string, from, to time.Time) ([]*Appointment, error) {
	return m.sorted(func(a *Appointment) bool {
		return a.PatientID == patientID && !a.StartTime.Before(from) && a.StartTime.Before(to)
	}), nil
}

func (m *mockAppointmentRepo) LatestByPatient(_ context.Context, patientID string, before time.Time, limit int) ([]*Appointment, error) {
	out := m.sorted(func(a *Appointment) bool {
		return a.PatientID == patientID && a.StartTime.Before(before)
	})
	slices.Reverse(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockAppointmentRepo) ListInRange(_ context.Context, from, to time.Time) ([]*Appointment, error) {
	return m.sorted(func(a *Appointment) bool {
		return !a.StartTime.Before(from) && a.StartTime.Before(to)
	}), nil
}

func (m *mockAppointmentRepo) PatientsSince(_ context.Context, since time.Time) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, a := range m.sorted(func(a *Appointment) bool { return !a.StartTime.Before(since) }) {
		if !seen[a.PatientID] {
			seen[a.PatientID] = true
			out = append(out, a.PatientID)
		}
	}
	return out, nil
}

func (m *mockAppointmentRepo) LockProvider(_ context.Context, providerID string) error {
	m.locked = append(m.locked, providerID)
	return nil
}

type mockHoursRepo struct {
	hours map[string]map[time.Weekday]*WorkingHours
}

func newMockHoursRepo() *mockHoursRepo {
	return &mockHoursRepo{hours: make(map[string]map[time.Weekday]*WorkingHours)}
}

func (m *mockHoursRepo) Get(_ context.Context, providerID string, weekday time.Weekday) (*WorkingHours, error) {
	wh, ok := m.hours[providerID][weekday]
	if !ok {
		return nil, ErrNotFound
	}
	return wh, nil
}

func (m *mockHoursRepo) ListByProvider(_ context.Context, providerID string) ([]*WorkingHours, error) {
	var out []*WorkingHours
	for _, wh := range m.hours[providerID] {
		out = append(out, wh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weekday < out[j].Weekday })
	return out, nil
}

func (m *mockHoursRepo) ReplaceForProvider(_ context.Context, providerID string, hours []*WorkingHours) error {
	m.hours[providerID] = make(map[time.Weekday]*WorkingHours)
	for _, wh := range hours {
		m.hours[providerID][wh.Weekday] = wh
	}
	return nil
}

func (m *mockHoursRepo) Providers(_ context.Context) ([]string, error) {
	var out []string
	for id := range m.hours {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type mockWaitlistRepo struct {
	entries []*WaitlistEntry
}

func newMockWaitlistRepo() *mockWaitlistRepo { return &mockWaitlistRepo{} }

func (m *mockWaitlistRepo) find(id uuid.UUID) *WaitlistEntry {
	for _, w := range m.entries {
		if w.ID == id {
			return w
		}
	}
	return nil
}

func (m *mockWaitlistRepo) Create(_ context.Context, w *WaitlistEntry) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = time.Now().Add(time.Duration(len(m.entries)) * time.Millisecond)
	m.entries = append(m.entries, w)
	return nil
}

func (m *mockWaitlistRepo) GetByID(_ context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	if w := m.find(id); w != nil {
		return w, nil
	}
	return nil, ErrNotFound
}

func (m *mockWaitlistRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	w := m.find(id)
	if w == nil {
		return ErrNotFound
	}
	w.Status = status
	return nil
}

func (m *mockWaitlistRepo) MarkOffered(_ context.Context, id uuid.UUID, offer engine.TimeInterval) error {
	w := m.find(id)
	if w == nil || w.Status != WaitlistActive {
		return ErrNotFound
	}
	w.Status = WaitlistOffered
	w.OfferedStart, w.OfferedEnd = &offer.Start, &offer.End
	return nil
}

func (m *mockWaitlistRepo) List(_ context.Context, status string, limit, offset int) ([]*WaitlistEntry, int, error) {
	var all []*WaitlistEntry
	for _, w := range m.entries {
		if status == "" || w.Status == status {
			all = append(all, w)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	return all[offset:min(offset+limit, total)], total, nil
}

var priorityRank = map[string]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}

func (m *mockWaitlistRepo) ListActive(_ context.Context) ([]*WaitlistEntry, error) {
	var out []*WaitlistEntry
	for _, w := range m.entries {
		if w.Status == WaitlistActive {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank[out[i].Priority] < priorityRank[out[j].Priority]
	})
	return out, nil
}

type mockRiskRepo struct {
	scores map[string]*PatientRisk
}

func newMockRiskRepo() *mockRiskRepo { return &mockRiskRepo{scores: make(map[string]*PatientRisk)} }

func (m *mockRiskRepo) Get(_ context.Context, patientID string) (*PatientRisk, error) {
	r, ok := m.scores[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *mockRiskRepo) Upsert(_ context.Context, r *PatientRisk) error {
	cp := *r
	m.scores[r.PatientID] = &cp
	return nil
}

// -- Fakes for the cache, hold and event layers --

type fakeCache struct {
	entries     map[cache.SlotKey][]byte
	versions    map[string]int64
	stored      map[cache.SlotKey]cache.Version
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries:  make(map[cache.SlotKey][]byte),
		versions: make(map[string]int64),
		stored:   make(map[cache.SlotKey]cache.Version),
	}
}

func dayOf(tenantID, providerID, date string) string {
	return tenantID + "/" + providerID + "/" + date
}

func (f *fakeCache) current(k cache.SlotKey) cache.Version {
	return cache.Version{
		Provider: f.versions[k.TenantID+"/"+k.ProviderID],
		Day:      f.versions[dayOf(k.TenantID, k.ProviderID, k.Date)],
	}
}

func (f *fakeCache) Get(_ context.Context, k cache.SlotKey) ([]byte, cache.Version, bool, error) {
	ver := f.current(k)
	b, ok := f.entries[k]
	if !ok || f.stored[k] != ver {
		return nil, ver, false, nil
	}
	return b, ver, true, nil
}

func (f *fakeCache) Set(_ context.Context, k cache.SlotKey, version cache.Version, payload []byte) error {
	f.entries[k] = payload
	f.stored[k] = version
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, tenantID, providerID, date string) error {
	f.invalidated = append(f.invalidated, providerID+"/"+date)
	f.versions[dayOf(tenantID, providerID, date)]++
	return nil
}

func (f *fakeCache) InvalidateProvider(_ context.Context, tenantID, providerID string) error {
	f.invalidated = append(f.invalidated, providerID+"/*")
	f.versions[tenantID+"/"+providerID]++
	return nil
}

type fakeHolds struct {
	err      error
	released int
}

func (f *fakeHolds) Acquire(_ context.Context, _, _ string, _ time.Time) (func(context.Context) error, error) {
	if f.err != nil {
		return nil, f.err
	}
	return func(context.Context) error { f.released++; return nil }, nil
}

type fakePublisher struct {
	events []events.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, evt events.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) types() []string {
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

// -- Fixture --

// monday is 2025-03-03, a Monday; the clock sits at 07:00 UTC that day.
var monday = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return monday.AddDate(0, 0, day).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type fixture struct {
	svc       *Service
	appts     *mockAppointmentRepo
	hours     *mockHoursRepo
	waitlist  *mockWaitlistRepo
	risks     *mockRiskRepo
	cache     *fakeCache
	holds     *fakeHolds
	publisher *fakePublisher
	now       time.Time
}

func newFixture() *fixture {
	f := &fixture{
		appts:     newMockAppointmentRepo(),
		hours:     newMockHoursRepo(),
		waitlist:  newMockWaitlistRepo(),
		risks:     newMockRiskRepo(),
		cache:     newFakeCache(),
		holds:     &fakeHolds{},
		publisher: &fakePublisher{},
		now:       at(0, 7, 0),
	}
	f.svc = NewService(f.appts, f.hours, f.waitlist, f.risks, DefaultOptions(),
		WithCache(f.cache),
		WithHolds(f.holds),
		WithPublisher(f.publisher),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) seed(t *testing.T, provider, patient string, start time.Time, minutes int, status engine.BookingStatus) *Appointment {
	t.Helper()
	a := &Appointment{
		ID:              uuid.New(),
		PatientID:       patient,
		ProviderID:      provider,
		AppointmentType: "cleaning",
		StartTime:       start,
		EndTime:         start.Add(time.Duration(minutes) * time.Minute),
		Status:          status,
	}
	if err := f.appts.Create(context.Background(), a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return a
}

func startsOf(slots []engine.AvailableSlot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Start.Format("15:04"))
	}
	return out
}

// -- Availability --

func TestService_Availability_DefaultWorkday(t *testing.T) {
	f := newFixture()
	resp, err := f.svc.Availability(context.Background(), AvailabilityRequest{ProviderID: "dr-a", Date: monday})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Open {
		t.Fatal("expected Monday to be open")
	}
	// 08:00 through 16:00 in 15 minute steps.
	if len(resp.Slots) != 33 {
		t.Fatalf("expected 33 slots, got %d", len(resp.Slots))
	}
	if resp.DurationMinutes != 60 || resp.GranularityMinutes != 15 || resp.Mode != engine.ModeStepped {
		t.Errorf("unexpected defaults: %+v", resp)
	}
	last := resp.Slots[len(resp.Slots)-1]
	if !last.End.Equal(at(0, 17, 0)) {
		t.Errorf("expected last slot to end at 17:00, got %v", last.End)
	}
}

func TestService_Availability_SkipsBookedTime(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	f.seed(t, "dr-a", "p2", at(0, 13, 0), 60, engine.StatusCancelled)
	f.seed(t, "dr-b", "p3", at(0, 10, 0), 60, engine.StatusScheduled)

	resp, err := f.svc.Availability(context.Background(), AvailabilityRequest{ProviderID: "dr-a", Date: monday})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Slots) != 26 {
		t.Fatalf("expected 26 slots, got %d: %v", len(resp.Slots), startsOf(resp.Slots))
	}
	for _, s := range resp.Slots {
		if engine.Overlaps(s.TimeInterval, engine.TimeInterval{Start: at(0, 9, 0), End: at(0, 10, 0)}) {
			t.Errorf("slot %v overlaps the 09:00 booking", s.TimeInterval)
		}
	}
}

func TestService_Availability_WeekendClosed(t *testing.T) {
	f := newFixture()
	resp, err := f.svc.Availability(context.Background(), AvailabilityRequest{ProviderID: "dr-a", Date: monday.AddDate(0, 0, -1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Open {
		t.Error("expected Sunday to be closed")
	}
	if resp.Slots == nil || len(resp.Slots) != 0 {
		t.Errorf("expected empty, non-nil slots, got %v", resp.Slots)
	}
}

func TestService_Availability_WorkingHoursOverride(t *testing.T) {
	f := newFixture()
	f.hours.ReplaceForProvider(context.Background(), "dr-a", []*WorkingHours{
		{Weekday: time.Monday, StartTime: "10:00", EndTime: "12:00"},
		{Weekday: time.Saturday, StartTime: "09:00", EndTime: "11:00"},
	})

	resp, err := f.svc.Availability(context.Background(), AvailabilityRequest{ProviderID: "dr-a", Date: monday})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := startsOf(resp.Slots)
	want := []string{"10:00", "10:15", "10:30", "10:45", "11:00"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slot %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	sat, err := f.svc.Availability(context.Background(), AvailabilityRequest{ProviderID: "dr-a", Date: monday.AddDate(0, 0, 5)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sat.Open || len(sat.Slots) != 5 {
		t.Errorf("expected Saturday hours on file to open the day, got open=%v slots=%d", sat.Open, len(sat.Slots))
	}
}

func TestService_Availability_ExactGapMode(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(0, 8, 0), 50, engine.StatusScheduled)

	stepped, err := f.svc.Availability(context.Background(), AvailabilityRequest{ProviderID: "dr-a", Date: monday})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stepped.Slots[0].Start.Format("15:04") != "09:00" {
		t.Errorf("stepped: expected first slot at 09:00, got %s", stepped.Slots[0].Start.Format("15:04"))
	}

	exact, err := f.svc.Availability(context.Background(), AvailabilityRequest{ProviderID: "dr-a", Date: monday, Mode: engine.ModeExactGap})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exact.Slots[0].Start.Format("15:04") != "08:50" {
		t.Errorf("exact gap: expected first slot at 08:50, got %s", exact.Slots[0].Start.Format("15:04"))
	}
}

// racingRepo runs onList after loading bookings, standing in for a booking
// committed while availability is being computed.
type racingRepo struct {
	*mockAppointmentRepo
	onList func()
}

func (r *racingRepo) ListBlocking(ctx context.Context, providerID string, from, to time.Time) ([]*Appointment, error) {
	out, err := r.mockAppointmentRepo.ListBlocking(ctx, providerID, from, to)
	if r.onList != nil {
		r.onList()
		r.onList = nil
	}
	return out, err
}

func TestService_Availability_StaleResultNotCached(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	repo := &racingRepo{mockAppointmentRepo: f.appts}
	svc := NewService(repo, f.hours, f.waitlist, f.risks, DefaultOptions(),
		WithCache(f.cache),
		WithClock(func() time.Time { return f.now }),
	)
	repo.onList = func() {
		f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
		_ = f.cache.Invalidate(ctx, "", "dr-a", "2025-03-03")
	}
	req := AvailabilityRequest{ProviderID: "dr-a", Date: monday}

	stale, err := svc.Availability(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale.Slots) != 33 {
		t.Fatalf("expected the pre-booking 33 slots, got %d", len(stale.Slots))
	}

	fresh, err := svc.Availability(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fresh.Slots) != 26 {
		t.Errorf("expected the booking reflected (26 slots), got %d", len(fresh.Slots))
	}
}

func TestService_Availability_CachedUntilInvalidated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := AvailabilityRequest{ProviderID: "dr-a", Date: monday}

	first, err := f.svc.Availability(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.cache.entries) != 1 {
		t.Fatalf("expected one cache entry, got %d", len(f.cache.entries))
	}

	// A write behind the service's back is not seen until invalidation.
	f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	cached, _ := f.svc.Availability(ctx, req)
	if len(cached.Slots) != len(first.Slots) {
		t.Errorf("expected cached result, got %d slots", len(cached.Slots))
	}

	if _, err := f.svc.Book(ctx, CreateAppointmentRequest{
		PatientID: "p2", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 14, 0),
	}); err != nil {
		t.Fatalf("book: %v", err)
	}
	fresh, _ := f.svc.Availability(ctx, req)
	if len(fresh.Slots) >= len(first.Slots)-7 {
		t.Errorf("expected both bookings reflected after invalidation, got %d slots", len(fresh.Slots))
	}
}

func TestService_Availability_Validation(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Availability(context.Background(), AvailabilityRequest{Date: monday})
	var ire *engine.InvalidRequestError
	if !errors.As(err, &ire) || ire.Field != "provider_id" {
		t.Errorf("expected provider_id error, got %v", err)
	}
	_, err = f.svc.Availability(context.Background(), AvailabilityRequest{ProviderID: "dr-a", Date: monday, DurationMinutes: -30})
	if !errors.As(err, &ire) {
		t.Errorf("expected invalid duration error, got %v", err)
	}
}

// -- Conflicts --

func TestService_CheckConflicts(t *testing.T) {
	f := newFixture()
	existing := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	ctx := context.Background()

	resp, err := f.svc.CheckConflicts(ctx, ConflictCheckRequest{ProviderID: "dr-a", StartTime: at(0, 9, 30), EndTime: at(0, 10, 30)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.HasConflict || len(resp.Conflicts) != 1 || resp.Conflicts[0].ID != existing.ID.String() {
		t.Errorf("expected the 09:00 booking as conflict, got %+v", resp)
	}

	resp, _ = f.svc.CheckConflicts(ctx, ConflictCheckRequest{
		ProviderID: "dr-a", StartTime: at(0, 9, 30), EndTime: at(0, 10, 30), ExcludeID: existing.ID.String(),
	})
	if resp.HasConflict {
		t.Error("expected excluded booking to be ignored")
	}

	resp, _ = f.svc.CheckConflicts(ctx, ConflictCheckRequest{ProviderID: "dr-a", StartTime: at(0, 10, 0), EndTime: at(0, 11, 0)})
	if resp.HasConflict || resp.Conflicts == nil {
		t.Errorf("expected adjacent interval to be free with empty list, got %+v", resp)
	}

	_, err = f.svc.CheckConflicts(ctx, ConflictCheckRequest{ProviderID: "dr-a", StartTime: at(0, 11, 0), EndTime: at(0, 10, 0)})
	var iie *engine.InvalidIntervalError
	if !errors.As(err, &iie) {
		t.Errorf("expected InvalidIntervalError, got %v", err)
	}
}

// -- Booking --

func TestService_Book(t *testing.T) {
	f := newFixture()
	notes := "first visit"
	a, err := f.svc.Book(context.Background(), CreateAppointmentRequest{
		PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0), Notes: &notes,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if a.Status != engine.StatusScheduled {
		t.Errorf("expected status scheduled, got %s", a.Status)
	}
	if !a.EndTime.Equal(at(0, 10, 0)) {
		t.Errorf("expected default 60 minute duration, got end %v", a.EndTime)
	}
	if _, ok := f.appts.appts[a.ID]; !ok {
		t.Error("expected appointment to be stored")
	}
	if len(f.appts.locked) != 1 || f.appts.locked[0] != "dr-a" {
		t.Errorf("expected provider lock inside the transaction, got %v", f.appts.locked)
	}
	if f.holds.released != 1 {
		t.Errorf("expected the slot hold to be released, got %d", f.holds.released)
	}
	if got := f.publisher.types(); len(got) != 1 || got[0] != events.AppointmentBooked {
		t.Errorf("expected appointment.booked, got %v", got)
	}
	if len(f.cache.invalidated) != 1 || f.cache.invalidated[0] != "dr-a/2025-03-03" {
		t.Errorf("expected cache invalidation for the day, got %v", f.cache.invalidated)
	}

	var payload Appointment
	if err := json.Unmarshal(f.publisher.events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != a.ID {
		t.Errorf("expected payload to carry the appointment, got %s", payload.ID)
	}
}

func TestService_Book_ExplicitEnd(t *testing.T) {
	f := newFixture()
	end := at(0, 9, 30)
	a, err := f.svc.Book(context.Background(), CreateAppointmentRequest{
		PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0), EndTime: &end,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.EndTime.Sub(a.StartTime) != 30*time.Minute {
		t.Errorf("expected 30 minutes, got %v", a.EndTime.Sub(a.StartTime))
	}
}

func TestService_Book_ConflictOffersAlternatives(t *testing.T) {
	f := newFixture()
	existing := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)

	_, err := f.svc.Book(context.Background(), CreateAppointmentRequest{
		PatientID: "p2", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 30),
	})
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if len(ce.Conflicts) != 1 || ce.Conflicts[0].ID != existing.ID.String() {
		t.Errorf("expected the existing booking as conflict, got %+v", ce.Conflicts)
	}
	got := startsOf(ce.Alternatives)
	want := []string{"08:00", "10:00", "10:15"}
	if len(got) != len(want) {
		t.Fatalf("expected alternatives %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("alternative %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if len(f.publisher.events) != 0 {
		t.Errorf("expected no event on conflict, got %v", f.publisher.types())
	}
	if len(f.appts.appts) != 1 {
		t.Errorf("expected nothing written, got %d appointments", len(f.appts.appts))
	}
}

func TestService_Book_AlternativesSpanDays(t *testing.T) {
	f := newFixture()
	f.hours.ReplaceForProvider(context.Background(), "dr-a", []*WorkingHours{
		{Weekday: time.Monday, StartTime: "09:00", EndTime: "10:00"},
	})
	f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)

	_, err := f.svc.Book(context.Background(), CreateAppointmentRequest{
		PatientID: "p2", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0),
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(ce.Alternatives) != 3 {
		t.Fatalf("expected 3 alternatives, got %d", len(ce.Alternatives))
	}
	for _, alt := range ce.Alternatives {
		if engine.DateKey(alt.Start) != "2025-03-04" {
			t.Errorf("expected alternatives on Tuesday, got %v", alt.Start)
		}
	}
}

func TestService_Book_HeldSlot(t *testing.T) {
	f := newFixture()
	f.holds.err = cache.ErrHeld
	_, err := f.svc.Book(context.Background(), CreateAppointmentRequest{
		PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0),
	})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict for held slot, got %v", err)
	}
	if len(ce.Conflicts) != 0 {
		t.Errorf("expected no stored conflicts, got %d", len(ce.Conflicts))
	}
	if len(f.appts.locked) != 0 {
		t.Error("expected no transaction when the hold is taken")
	}
}

func TestService_Book_HoldBackendDownStillBooks(t *testing.T) {
	f := newFixture()
	f.holds.err = errors.New("redis: connection refused")
	if _, err := f.svc.Book(context.Background(), CreateAppointmentRequest{
		PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0),
	}); err != nil {
		t.Fatalf("expected booking to proceed without the hold, got %v", err)
	}
}

func TestService_Book_ExclusionViolationIsConflict(t *testing.T) {
	f := newFixture()
	f.appts.createErr = &pgconn.PgError{Code: "23P01", Message: "conflicting key value violates exclusion constraint"}
	_, err := f.svc.Book(context.Background(), CreateAppointmentRequest{
		PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0),
	})
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
}

func TestService_Book_PublishFailureKeepsBooking(t *testing.T) {
	f := newFixture()
	f.publisher.err = events.ErrUnavailable
	a, err := f.svc.Book(context.Background(), CreateAppointmentRequest{
		PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0),
	})
	if err != nil {
		t.Fatalf("expected booking to succeed, got %v", err)
	}
	if _, ok := f.appts.appts[a.ID]; !ok {
		t.Error("expected appointment to be stored")
	}
}

func TestService_Book_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateAppointmentRequest
		invalid bool
		target  error
	}{
		{"missing patient", CreateAppointmentRequest{ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0)}, true, nil},
		{"missing provider", CreateAppointmentRequest{PatientID: "p1", AppointmentType: "exam", StartTime: at(0, 9, 0)}, true, nil},
		{"missing type", CreateAppointmentRequest{PatientID: "p1", ProviderID: "dr-a", StartTime: at(0, 9, 0)}, true, nil},
		{"missing start", CreateAppointmentRequest{PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam"}, true, nil},
		{"negative duration", CreateAppointmentRequest{PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 9, 0), DurationMinutes: -15}, true, nil},
		{"in the past", CreateAppointmentRequest{PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(-1, 9, 0)}, true, nil},
		{"runs past closing", CreateAppointmentRequest{PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 16, 30)}, false, ErrOutsideWorkingHours},
		{"before opening", CreateAppointmentRequest{PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(0, 7, 30)}, false, ErrOutsideWorkingHours},
		{"weekend", CreateAppointmentRequest{PatientID: "p1", ProviderID: "dr-a", AppointmentType: "exam", StartTime: at(5, 9, 0)}, false, ErrOutsideWorkingHours},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.Book(context.Background(), tt.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.invalid {
				var ire *engine.InvalidRequestError
				var iie *engine.InvalidIntervalError
				if !errors.As(err, &ire) && !errors.As(err, &iie) {
					t.Errorf("expected validation error, got %v", err)
				}
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
			if len(f.appts.appts) != 0 {
				t.Error("expected nothing written")
			}
		})
	}
}

// -- Reschedule --

func TestService_Reschedule_IgnoresItself(t *testing.T) {
	f := newFixture()
	a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 45, engine.StatusConfirmed)

	moved, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{StartTime: at(0, 9, 30)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !moved.StartTime.Equal(at(0, 9, 30)) || !moved.EndTime.Equal(at(0, 10, 15)) {
		t.Errorf("expected 09:30-10:15 keeping the 45 minute length, got %v-%v", moved.StartTime, moved.EndTime)
	}
	if moved.Status != engine.StatusConfirmed {
		t.Errorf("expected status to be kept, got %s", moved.Status)
	}
	stored := f.appts.appts[a.ID]
	if !stored.StartTime.Equal(at(0, 9, 30)) {
		t.Errorf("expected stored start to move, got %v", stored.StartTime)
	}
	if got := f.publisher.types(); len(got) != 1 || got[0] != events.AppointmentRescheduled {
		t.Errorf("expected appointment.rescheduled, got %v", got)
	}
}

func TestService_Reschedule_AcrossDaysInvalidatesBoth(t *testing.T) {
	f := newFixture()
	a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	if _, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{StartTime: at(1, 11, 0)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.cache.invalidated) != 2 {
		t.Errorf("expected both days invalidated, got %v", f.cache.invalidated)
	}
}

func TestService_Reschedule_IntoTakenSlot(t *testing.T) {
	f := newFixture()
	a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	f.seed(t, "dr-a", "p2", at(0, 11, 0), 60, engine.StatusScheduled)

	_, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{StartTime: at(0, 10, 30)})
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if !f.appts.appts[a.ID].StartTime.Equal(at(0, 9, 0)) {
		t.Error("expected original time to be kept")
	}
}

func TestService_Reschedule_ClosedAppointment(t *testing.T) {
	f := newFixture()
	a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusCancelled)
	_, err := f.svc.Reschedule(context.Background(), a.ID, RescheduleRequest{StartTime: at(0, 10, 0)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	_, err = f.svc.Reschedule(context.Background(), uuid.New(), RescheduleRequest{StartTime: at(0, 10, 0)})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Status transitions --

func TestService_Transition(t *testing.T) {
	tests := []struct {
		from    engine.BookingStatus
		to      engine.BookingStatus
		allowed bool
	}{
		{engine.StatusScheduled, engine.StatusConfirmed, true},
		{engine.StatusScheduled, engine.StatusCancelled, true},
		{engine.StatusConfirmed, engine.StatusCompleted, true},
		{engine.StatusConfirmed, engine.StatusNoShow, true},
		{engine.StatusConfirmed, engine.StatusConfirmed, false},
		{engine.StatusCompleted, engine.StatusCancelled, false},
		{engine.StatusCancelled, engine.StatusCancelled, false},
		{engine.StatusNoShow, engine.StatusConfirmed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			f := newFixture()
			f.now = at(0, 12, 0)
			a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, tt.from)
			got, err := f.svc.Transition(context.Background(), a.ID, tt.to)
			if tt.allowed {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got.Status != tt.to || f.appts.appts[a.ID].Status != tt.to {
					t.Errorf("expected status %s", tt.to)
				}
				return
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestService_Transition_NoShowBeforeStart(t *testing.T) {
	f := newFixture()
	a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	if _, err := f.svc.Transition(context.Background(), a.ID, engine.StatusNoShow); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestService_Transition_CancelRefreshesRiskAndCache(t *testing.T) {
	f := newFixture()
	a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	f.now = at(0, 8, 0)

	if _, err := f.svc.Transition(context.Background(), a.ID, engine.StatusCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.risks.scores["p1"]; !ok {
		t.Error("expected risk to be recomputed on cancellation")
	}
	if len(f.cache.invalidated) != 1 {
		t.Errorf("expected the freed day to be invalidated, got %v", f.cache.invalidated)
	}
	if got := f.publisher.types(); len(got) != 1 || got[0] != events.AppointmentCancelled {
		t.Errorf("expected appointment.cancelled, got %v", got)
	}
}

func TestService_Transition_ConfirmPublishesStatus(t *testing.T) {
	f := newFixture()
	a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	if _, err := f.svc.Transition(context.Background(), a.ID, engine.StatusConfirmed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.publisher.types(); len(got) != 1 || got[0] != events.AppointmentStatus {
		t.Errorf("expected appointment.status_changed, got %v", got)
	}
	if len(f.risks.scores) != 0 {
		t.Error("expected no risk recompute on confirmation")
	}
}

func TestService_DeleteAppointment(t *testing.T) {
	f := newFixture()
	a := f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	if err := f.svc.DeleteAppointment(context.Background(), a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.appts.appts[a.ID]; ok {
		t.Error("expected appointment to be removed")
	}
	if err := f.svc.DeleteAppointment(context.Background(), a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestService_SearchAppointments_Validation(t *testing.T) {
	f := newFixture()
	_, _, err := f.svc.SearchAppointments(context.Background(), AppointmentFilter{Status: "booked"}, 10, 0)
	var ire *engine.InvalidRequestError
	if !errors.As(err, &ire) {
		t.Errorf("expected invalid status error, got %v", err)
	}
	from, to := at(1, 0, 0), at(0, 0, 0)
	_, _, err = f.svc.SearchAppointments(context.Background(), AppointmentFilter{From: &from, To: &to}, 10, 0)
	if !errors.As(err, &ire) {
		t.Errorf("expected reversed range error, got %v", err)
	}
}

func TestService_DaySchedule(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(0, 9, 0), 60, engine.StatusScheduled)
	f.seed(t, "dr-a", "p2", at(0, 11, 0), 60, engine.StatusScheduled)
	f.seed(t, "dr-b", "p3", at(0, 9, 0), 30, engine.StatusConfirmed)
	f.seed(t, "dr-b", "p4", at(1, 9, 0), 30, engine.StatusConfirmed)

	resp, err := f.svc.DaySchedule(context.Background(), monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 3 {
		t.Errorf("expected 3 appointments, got %d", resp.Total)
	}
	if len(resp.Providers["dr-a"]) != 2 || len(resp.Providers["dr-b"]) != 1 {
		t.Errorf("unexpected grouping: %v", resp.Providers)
	}
	if resp.Date != "2025-03-03" {
		t.Errorf("expected date 2025-03-03, got %s", resp.Date)
	}
}

func TestService_SetWorkingHours_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name  string
		hours []*WorkingHours
	}{
		{"reversed", []*WorkingHours{{Weekday: time.Monday, StartTime: "17:00", EndTime: "08:00"}}},
		{"bad format", []*WorkingHours{{Weekday: time.Monday, StartTime: "8am", EndTime: "17:00"}}},
		{"bad weekday", []*WorkingHours{{Weekday: 7, StartTime: "08:00", EndTime: "17:00"}}},
		{"duplicate", []*WorkingHours{
			{Weekday: time.Monday, StartTime: "08:00", EndTime: "12:00"},
			{Weekday: time.Monday, StartTime: "13:00", EndTime: "17:00"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.SetWorkingHours(context.Background(), "dr-a", tt.hours)
			var ire *engine.InvalidRequestError
			if !errors.As(err, &ire) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestService_SetWorkingHours_InvalidatesCachedAvailability(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := AvailabilityRequest{ProviderID: "dr-a", Date: monday}

	before, err := f.svc.Availability(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(before.Slots) != 33 {
		t.Fatalf("expected 33 slots, got %d", len(before.Slots))
	}

	if err := f.svc.SetWorkingHours(ctx, "dr-a", []*WorkingHours{
		{Weekday: time.Monday, StartTime: "10:00", EndTime: "12:00"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.cache.invalidated) != 1 || f.cache.invalidated[0] != "dr-a/*" {
		t.Errorf("expected provider-wide invalidation, got %v", f.cache.invalidated)
	}

	after, err := f.svc.Availability(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := startsOf(after.Slots); len(got) != 5 || got[0] != "10:00" {
		t.Errorf("expected the new hours to apply, got %v", got)
	}
}

// -- Risk --

func TestService_PatientRisk(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(-30, 9, 0), 60, engine.StatusNoShow)
	f.seed(t, "dr-a", "p1", at(-20, 9, 0), 60, engine.StatusCompleted)
	// Future appointments are not history.
	f.seed(t, "dr-a", "p1", at(2, 9, 0), 60, engine.StatusScheduled)

	resp, err := f.svc.PatientRisk(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// (1 - 0.1) / 2 + 0.2 recent no-show boost
	if math.Abs(float64(resp.Score)-0.65) > 1e-9 {
		t.Errorf("expected 0.65, got %v", resp.Score)
	}
	if resp.Level != "high" {
		t.Errorf("expected high level, got %s", resp.Level)
	}
	if resp.History.Total != 2 || resp.History.NoShows != 1 {
		t.Errorf("unexpected history: %+v", resp.History)
	}
	if resp.Stored != nil {
		t.Error("expected no stored score yet")
	}
}

func TestService_PatientRisk_OldNoShowsCount(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(-300, 9, 0), 60, engine.StatusNoShow)
	f.seed(t, "dr-a", "p1", at(-200, 9, 0), 60, engine.StatusNoShow)
	f.seed(t, "dr-a", "p1", at(-20, 9, 0), 60, engine.StatusCompleted)
	f.seed(t, "dr-a", "p1", at(-10, 9, 0), 60, engine.StatusCompleted)

	resp, err := f.svc.PatientRisk(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// (2 - 0.2) / 4 with no boost: both no-shows are older than 90 days.
	if math.Abs(float64(resp.Score)-0.45) > 1e-9 {
		t.Errorf("expected 0.45, got %v", resp.Score)
	}
	if resp.Level != "medium" {
		t.Errorf("expected medium level, got %s", resp.Level)
	}
	if resp.History.Total != 4 || resp.History.NoShows != 2 {
		t.Errorf("unexpected history: %+v", resp.History)
	}
}

func TestService_PatientRisk_LatestAppointmentsOnly(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(-500, 9, 0), 60, engine.StatusNoShow)
	for i := 1; i <= riskHistoryLimit; i++ {
		f.seed(t, "dr-a", "p1", at(-7*i, 9, 0), 60, engine.StatusCompleted)
	}

	resp, err := f.svc.PatientRisk(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.History.Total != riskHistoryLimit || resp.History.NoShows != 0 {
		t.Errorf("expected the %d latest visits only, got %+v", riskHistoryLimit, resp.History)
	}
	if resp.Score != 0 {
		t.Errorf("expected 0, got %v", resp.Score)
	}
}

func TestService_PatientRisk_NoHistory(t *testing.T) {
	f := newFixture()
	resp, err := f.svc.PatientRisk(context.Background(), "new-patient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Score != engine.DefaultRisk || resp.Level != "low" {
		t.Errorf("expected default risk, got %v (%s)", resp.Score, resp.Level)
	}
}

func TestService_RecomputeRisks(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(-10, 9, 0), 60, engine.StatusCancelled)
	f.seed(t, "dr-a", "p2", at(-5, 9, 0), 60, engine.StatusCompleted)
	f.seed(t, "dr-a", "p3", at(-200, 9, 0), 60, engine.StatusNoShow)

	n, err := f.svc.RecomputeRisks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 patients refreshed, got %d", n)
	}
	if got := f.risks.scores["p1"].Score; math.Abs(float64(got)-0.5) > 1e-9 {
		t.Errorf("expected p1 risk 0.5, got %v", got)
	}
	if got := f.risks.scores["p2"].Score; got != 0 {
		t.Errorf("expected p2 risk clamped to 0, got %v", got)
	}
	if _, ok := f.risks.scores["p3"]; ok {
		t.Error("expected patients outside the window to be skipped")
	}
}

func TestService_PatientHistory(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(-400, 9, 0), 60, engine.StatusCompleted)
	f.seed(t, "dr-a", "p1", at(-30, 9, 0), 60, engine.StatusCompleted)
	f.seed(t, "dr-a", "p1", at(-20, 9, 0), 60, engine.StatusCancelled)
	f.seed(t, "dr-a", "p1", at(-10, 9, 0), 60, engine.StatusNoShow)

	resp, err := f.svc.PatientHistory(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 4 || resp.Completed != 2 {
		t.Errorf("unexpected counts: %+v", resp.HistoryStats)
	}
	if math.Abs(resp.CompletionRate-0.5) > 1e-9 || math.Abs(resp.NoShowRate-0.25) > 1e-9 {
		t.Errorf("unexpected rates: %+v", resp.HistoryStats)
	}
	if resp.LastAppointment == nil || !resp.LastAppointment.Equal(at(-10, 9, 0)) {
		t.Errorf("expected last appointment 10 days ago, got %v", resp.LastAppointment)
	}
}

// -- Optimizer --

func TestService_Optimize_Emergency(t *testing.T) {
	f := newFixture()
	// Monday is fully booked; Tuesday has room.
	f.seed(t, "dr-a", "p9", at(0, 8, 0), 9*60, engine.StatusScheduled)

	res, err := f.svc.Optimize(context.Background(), OptimizeRequest{
		ProviderID:     "dr-a",
		Urgency:        engine.UrgencyEmergency,
		PreferredDates: []string{"2025-03-03", "2025-03-04", "2025-03-07"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.NoAvailability || res.SuggestedInterval == nil {
		t.Fatalf("expected a suggestion, got %+v", res)
	}
	if engine.DateKey(res.SuggestedInterval.Start) != "2025-03-04" {
		t.Errorf("expected Tuesday for the emergency, got %v", res.SuggestedInterval.Start)
	}
	if len(res.AlternativeIntervals) != 3 {
		t.Errorf("expected 3 alternatives, got %d", len(res.AlternativeIntervals))
	}
}

func TestService_Optimize_NoAvailability(t *testing.T) {
	f := newFixture()
	res, err := f.svc.Optimize(context.Background(), OptimizeRequest{
		ProviderID:     "dr-a",
		PreferredDates: []string{"2025-03-08", "2025-03-09"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NoAvailability || res.OptimizationScore != 0 || res.SuggestedInterval != nil {
		t.Errorf("expected waitlist fallback, got %+v", res)
	}
}

func TestService_Optimize_UsesPatientRisk(t *testing.T) {
	f := newFixture()
	f.seed(t, "dr-a", "p1", at(-7, 9, 0), 60, engine.StatusNoShow)

	res, err := f.svc.Optimize(context.Background(), OptimizeRequest{
		PatientID:      "p1",
		ProviderID:     "dr-a",
		PreferredDates: []string{"2025-03-03"},
		PreferredTimes: []string{"morning"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RiskScore != 1 {
		t.Errorf("expected maximum risk for a recent lone no-show, got %v", res.RiskScore)
	}
	if res.OptimizationScore != 0 {
		t.Errorf("expected score scaled to zero by risk, got %v", res.OptimizationScore)
	}
}

func TestService_Optimize_Validation(t *testing.T) {
	f := newFixture()
	var ire *engine.InvalidRequestError
	if _, err := f.svc.Optimize(context.Background(), OptimizeRequest{PreferredDates: []string{"2025-03-03"}}); !errors.As(err, &ire) {
		t.Errorf("expected provider_id error, got %v", err)
	}
	if _, err := f.svc.Optimize(context.Background(), OptimizeRequest{ProviderID: "dr-a", PreferredDates: []string{"03/03/2025"}}); !errors.As(err, &ire) {
		t.Errorf("expected date format error, got %v", err)
	}
	if _, err := f.svc.Optimize(context.Background(), OptimizeRequest{ProviderID: "dr-a"}); !errors.As(err, &ire) {
		t.Errorf("expected empty dates error, got %v", err)
	}
}

// -- Waitlist --

func TestService_CreateWaitlistEntry(t *testing.T) {
	f := newFixture()
	provider := "dr-a"
	w, err := f.svc.CreateWaitlistEntry(context.Background(), CreateWaitlistRequest{
		PatientID:       "p1",
		ProviderID:      &provider,
		AppointmentType: "crown",
		PreferredDates:  []string{"2025-03-05"},
		PreferredTimes:  []string{"afternoon", "14:30"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Status != WaitlistActive || w.Priority != PriorityMedium || w.Urgency != engine.UrgencyRoutine {
		t.Errorf("unexpected defaults: %+v", w)
	}
	if len(w.PreferredDates) != 1 || engine.DateKey(w.PreferredDates[0]) != "2025-03-05" {
		t.Errorf("unexpected dates: %v", w.PreferredDates)
	}
}

func TestService_CreateWaitlistEntry_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateWaitlistRequest
	}{
		{"missing patient", CreateWaitlistRequest{AppointmentType: "crown"}},
		{"missing type", CreateWaitlistRequest{PatientID: "p1"}},
		{"bad priority", CreateWaitlistRequest{PatientID: "p1", AppointmentType: "crown", Priority: "asap"}},
		{"bad urgency", CreateWaitlistRequest{PatientID: "p1", AppointmentType: "crown", Urgency: "now"}},
		{"bad time", CreateWaitlistRequest{PatientID: "p1", AppointmentType: "crown", PreferredTimes: []string{"noonish"}}},
		{"bad date", CreateWaitlistRequest{PatientID: "p1", AppointmentType: "crown", PreferredDates: []string{"tomorrow"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.CreateWaitlistEntry(context.Background(), tt.req)
			var ire *engine.InvalidRequestError
			if !errors.As(err, &ire) {
				t.Errorf("expected validation error, got %v", err)
			}
			if len(f.waitlist.entries) != 0 {
				t.Error("expected nothing stored")
			}
		})
	}
}

func TestService_UpdateWaitlistStatus(t *testing.T) {
	f := newFixture()
	w, _ := f.svc.CreateWaitlistEntry(context.Background(), CreateWaitlistRequest{PatientID: "p1", AppointmentType: "crown"})

	got, err := f.svc.UpdateWaitlistStatus(context.Background(), w.ID, WaitlistFulfilled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != WaitlistFulfilled {
		t.Errorf("expected fulfilled, got %s", got.Status)
	}
	if _, err := f.svc.UpdateWaitlistStatus(context.Background(), w.ID, "done"); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, err := f.svc.UpdateWaitlistStatus(context.Background(), uuid.New(), WaitlistCancelled); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ScanWaitlist(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	provider := "dr-a"
	low, _ := f.svc.CreateWaitlistEntry(ctx, CreateWaitlistRequest{
		PatientID: "p-low", ProviderID: &provider, AppointmentType: "exam",
		PreferredDates: []string{"2025-03-03"}, PreferredTimes: []string{"08:00"}, Priority: PriorityLow,
	})
	high, _ := f.svc.CreateWaitlistEntry(ctx, CreateWaitlistRequest{
		PatientID: "p-high", ProviderID: &provider, AppointmentType: "exam",
		PreferredDates: []string{"2025-03-03"}, PreferredTimes: []string{"08:00"}, Priority: PriorityHigh,
	})
	past, _ := f.svc.CreateWaitlistEntry(ctx, CreateWaitlistRequest{
		PatientID: "p-past", ProviderID: &provider, AppointmentType: "exam",
		PreferredDates: []string{"2025-02-28"},
	})

	n, err := f.svc.ScanWaitlist(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 offers, got %d", n)
	}
	if high.Status != WaitlistOffered || !high.OfferedStart.Equal(at(0, 8, 0)) {
		t.Errorf("expected the high priority entry to get 08:00, got %s %v", high.Status, high.OfferedStart)
	}
	if low.Status != WaitlistOffered || low.OfferedStart == nil {
		t.Fatalf("expected the low priority entry to be offered, got %s", low.Status)
	}
	offered := engine.TimeInterval{Start: *high.OfferedStart, End: *high.OfferedEnd}
	if engine.Overlaps(offered, engine.TimeInterval{Start: *low.OfferedStart, End: *low.OfferedEnd}) {
		t.Errorf("expected distinct offers, got %v and %v", *high.OfferedStart, *low.OfferedStart)
	}
	if past.Status != WaitlistActive {
		t.Errorf("expected entry with only past dates to stay active, got %s", past.Status)
	}
	for _, e := range f.publisher.events {
		if e.Type != events.WaitlistSlotAvailable {
			t.Errorf("unexpected event %s", e.Type)
		}
	}
	if len(f.publisher.events) != 2 {
		t.Errorf("expected 2 events, got %d", len(f.publisher.events))
	}
}

func TestService_ScanWaitlist_AnyProvider(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.hours.ReplaceForProvider(ctx, "dr-a", []*WorkingHours{{Weekday: time.Monday, StartTime: "08:00", EndTime: "09:00"}})
	f.hours.ReplaceForProvider(ctx, "dr-b", []*WorkingHours{{Weekday: time.Monday, StartTime: "08:00", EndTime: "12:00"}})
	f.seed(t, "dr-a", "p9", at(0, 8, 0), 60, engine.StatusScheduled)

	w, _ := f.svc.CreateWaitlistEntry(ctx, CreateWaitlistRequest{
		PatientID: "p1", AppointmentType: "exam", PreferredDates: []string{"2025-03-03"},
	})
	n, err := f.svc.ScanWaitlist(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 || w.Status != WaitlistOffered {
		t.Fatalf("expected an offer, got n=%d status=%s", n, w.Status)
	}
	var payload map[string]any
	json.Unmarshal(f.publisher.events[0].Payload, &payload)
	if payload["provider_id"] != "dr-b" {
		t.Errorf("expected dr-b to take the entry, got %v", payload["provider_id"])
	}
}
