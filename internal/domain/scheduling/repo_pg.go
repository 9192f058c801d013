package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harmony/dental/internal/platform/db"
	engine "github.com/harmony/dental/internal/platform/scheduling"
)

var dialect = goqu.Dialect("postgres")

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, provider_id, appointment_type, start_time, end_time,
	status, notes, created_at, updated_at`

var apptSelect = []any{
	"id", "patient_id", "provider_id", "appointment_type", "start_time", "end_time",
	"status", "notes", "created_at", "updated_at",
}

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	if err := row.Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.AppointmentType, &a.StartTime, &a.EndTime,
		&status, &a.Notes, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	a.Status = engine.BookingStatus(status)
	return &a, nil
}

func (r *appointmentRepoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, appointment_type, start_time, end_time, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.ProviderID, a.AppointmentType, a.StartTime, a.EndTime, string(a.Status), a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET appointment_type=$2, start_time=$3, end_time=$4, notes=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.AppointmentType, a.StartTime, a.EndTime, a.Notes,
	).Scan(&a.UpdatedAt)
	return notFound(err)
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status engine.BookingStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointments SET status=$2, updated_at=NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	ds := dialect.From("appointments").Prepared(true)
	if f.ProviderID != "" {
		ds = ds.Where(goqu.C("provider_id").Eq(f.ProviderID))
	}
	if f.PatientID != "" {
		ds = ds.Where(goqu.C("patient_id").Eq(f.PatientID))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(f.Status)))
	}
	if f.From != nil {
		ds = ds.Where(goqu.C("start_time").Gte(*f.From))
	}
	if f.To != nil {
		ds = ds.Where(goqu.C("start_time").Lt(*f.To))
	}

	countSQL, countArgs, err := ds.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args, err := ds.Select(apptSelect...).
		Order(goqu.C("start_time").Asc(), goqu.C("id").Asc()).
		Limit(uint(limit)).Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build search query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *appointmentRepoPG) ListBlocking(ctx context.Context, providerID string, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE provider_id = $1 AND status <> 'cancelled' AND start_time < $3 AND end_time > $2
		ORDER BY start_time`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID string, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE patient_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time`, patientID, from, to)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *appointmentRepoPG) LatestByPatient(ctx context.Context, patientID string, before time.Time, limit int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE patient_id = $1 AND start_time < $2
		ORDER BY start_time DESC LIMIT $3`, patientID, before, limit)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *appointmentRepoPG) ListInRange(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE start_time >= $1 AND start_time < $2
		ORDER BY provider_id, start_time`, from, to)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *appointmentRepoPG) PatientsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT patient_id FROM appointments WHERE start_time >= $1 ORDER BY patient_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Advisory locks are database-wide, so the key pairs the practice schema with
// the provider. Without a tenant on ctx the session's current schema is used.
const lockProviderSQL = `SELECT pg_advisory_xact_lock(
	hashtext(COALESCE(NULLIF($1, ''), current_schema())), hashtext($2))`

func providerLockArgs(ctx context.Context, providerID string) []any {
	scope := ""
	if tid := db.TenantFromContext(ctx); tid != "" {
		scope = db.SchemaName(tid)
	}
	return []any{scope, providerID}
}

func (r *appointmentRepoPG) LockProvider(ctx context.Context, providerID string) error {
	_, err := r.conn(ctx).Exec(ctx, lockProviderSQL, providerLockArgs(ctx, providerID)...)
	return err
}

// =========== Working Hours Repository ===========

type workingHoursRepoPG struct{ pool *pgxpool.Pool }

func NewWorkingHoursRepoPG(pool *pgxpool.Pool) WorkingHoursRepository {
	return &workingHoursRepoPG{pool: pool}
}

func (r *workingHoursRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func scanHours(row pgx.Row) (*WorkingHours, error) {
	var wh WorkingHours
	var weekday int16
	if err := row.Scan(&wh.ProviderID, &weekday, &wh.StartTime, &wh.EndTime); err != nil {
		return nil, notFound(err)
	}
	wh.Weekday = time.Weekday(weekday)
	return &wh, nil
}

func (r *workingHoursRepoPG) Get(ctx context.Context, providerID string, weekday time.Weekday) (*WorkingHours, error) {
	return scanHours(r.conn(ctx).QueryRow(ctx, `
		SELECT provider_id, weekday, start_time, end_time FROM provider_working_hours
		WHERE provider_id = $1 AND weekday = $2`, providerID, int16(weekday)))
}

func (r *workingHoursRepoPG) ListByProvider(ctx context.Context, providerID string) ([]*WorkingHours, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT provider_id, weekday, start_time, end_time FROM provider_working_hours
		WHERE provider_id = $1 ORDER BY weekday`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*WorkingHours
	for rows.Next() {
		wh, err := scanHours(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, wh)
	}
	return items, rows.Err()
}

func (r *workingHoursRepoPG) ReplaceForProvider(ctx context.Context, providerID string, hours []*WorkingHours) error {
	return db.RunInTx(ctx, r.pool, pgx.TxOptions{}, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM provider_working_hours WHERE provider_id = $1`, providerID); err != nil {
			return err
		}
		for _, wh := range hours {
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO provider_working_hours (provider_id, weekday, start_time, end_time)
				VALUES ($1,$2,$3,$4)`,
				providerID, int16(wh.Weekday), wh.StartTime, wh.EndTime); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *workingHoursRepoPG) Providers(ctx context.Context) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT provider_id FROM provider_working_hours ORDER BY provider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =========== Waitlist Repository ===========

type waitlistRepoPG struct{ pool *pgxpool.Pool }

func NewWaitlistRepoPG(pool *pgxpool.Pool) WaitlistRepository {
	return &waitlistRepoPG{pool: pool}
}

func (r *waitlistRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const waitlistCols = `id, patient_id, provider_id, appointment_type, preferred_dates, preferred_times,
	urgency, priority, status, offered_start, offered_end, notes, created_at, updated_at`

const waitlistOrder = `CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at`

func scanWaitlist(row pgx.Row) (*WaitlistEntry, error) {
	var w WaitlistEntry
	var urgency string
	if err := row.Scan(&w.ID, &w.PatientID, &w.ProviderID, &w.AppointmentType, &w.PreferredDates, &w.PreferredTimes,
		&urgency, &w.Priority, &w.Status, &w.OfferedStart, &w.OfferedEnd, &w.Notes, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	w.Urgency = engine.Urgency(urgency)
	return &w, nil
}

func collectWaitlist(rows pgx.Rows) ([]*WaitlistEntry, error) {
	defer rows.Close()
	var items []*WaitlistEntry
	for rows.Next() {
		w, err := scanWaitlist(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (r *waitlistRepoPG) Create(ctx context.Context, w *WaitlistEntry) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO waitlist_entries (id, patient_id, provider_id, appointment_type, preferred_dates,
			preferred_times, urgency, priority, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		w.ID, w.PatientID, w.ProviderID, w.AppointmentType, w.PreferredDates,
		w.PreferredTimes, string(w.Urgency), w.Priority, w.Status, w.Notes,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
}

func (r *waitlistRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	return scanWaitlist(r.conn(ctx).QueryRow(ctx, `SELECT `+waitlistCols+` FROM waitlist_entries WHERE id = $1`, id))
}

func (r *waitlistRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE waitlist_entries SET status=$2, updated_at=NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *waitlistRepoPG) MarkOffered(ctx context.Context, id uuid.UUID, offer engine.TimeInterval) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE waitlist_entries SET status='offered', offered_start=$2, offered_end=$3, updated_at=NOW()
		WHERE id = $1 AND status = 'active'`, id, offer.Start, offer.End)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *waitlistRepoPG) List(ctx context.Context, status string, limit, offset int) ([]*WaitlistEntry, int, error) {
	ds := dialect.From("waitlist_entries").Prepared(true)
	if status != "" {
		ds = ds.Where(goqu.C("status").Eq(status))
	}
	countSQL, countArgs, err := ds.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args, err := ds.Select(goqu.L(waitlistCols)).
		Order(goqu.L(waitlistOrder).Asc()).
		Limit(uint(limit)).Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build waitlist query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectWaitlist(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *waitlistRepoPG) ListActive(ctx context.Context) ([]*WaitlistEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+waitlistCols+` FROM waitlist_entries
		WHERE status = 'active' ORDER BY `+waitlistOrder)
	if err != nil {
		return nil, err
	}
	return collectWaitlist(rows)
}

// =========== Risk Repository ===========

type riskRepoPG struct{ pool *pgxpool.Pool }

func NewRiskRepoPG(pool *pgxpool.Pool) RiskRepository {
	return &riskRepoPG{pool: pool}
}

func (r *riskRepoPG) Get(ctx context.Context, patientID string) (*PatientRisk, error) {
	var pr PatientRisk
	var score float64
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT patient_id, score, computed_at FROM patient_risk_scores WHERE patient_id = $1`, patientID,
	).Scan(&pr.PatientID, &score, &pr.ComputedAt)
	if err != nil {
		return nil, notFound(err)
	}
	pr.Score = engine.RiskScore(score)
	return &pr, nil
}

func (r *riskRepoPG) Upsert(ctx context.Context, pr *PatientRisk) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient_risk_scores (patient_id, score, computed_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (patient_id) DO UPDATE SET score = EXCLUDED.score, computed_at = EXCLUDED.computed_at`,
		pr.PatientID, float64(pr.Score), pr.ComputedAt)
	return err
}
