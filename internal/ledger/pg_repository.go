package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/scheduling-engine/internal/schedule"
)

const apptColumns = `
	id, patient_id, provider_id, appointment_type_id,
	start_time, end_time, buffer_seconds, status,
	cancel_actor_id, cancel_actor_role, cancel_reason, cancelled_at,
	rescheduled_to, rescheduled_from, emergency_leave_id,
	created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var bufferSeconds int64
	var cancelActorID *uuid.UUID
	var cancelActorRole, cancelReason *string
	var cancelledAt *time.Time

	err := row.Scan(
		&a.ID, &a.PatientID, &a.ProviderID, &a.AppointmentTypeID,
		&a.Start, &a.End, &bufferSeconds, &a.Status,
		&cancelActorID, &cancelActorRole, &cancelReason, &cancelledAt,
		&a.RescheduledTo, &a.RescheduledFrom, &a.EmergencyLeaveID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Buffer = time.Duration(bufferSeconds) * time.Second
	if cancelledAt != nil {
		c := Cancellation{At: *cancelledAt}
		if cancelActorID != nil {
			c.ActorID = *cancelActorID
		}
		if cancelActorRole != nil {
			c.ActorRole = *cancelActorRole
		}
		if cancelReason != nil {
			c.Reason = *cancelReason
		}
		a.Cancellation = &c
	}
	return &a, nil
}

func (r *PgRepository) Create(ctx context.Context, a *Appointment) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, provider_id, appointment_type_id,
			start_time, end_time, buffer_seconds, status,
			rescheduled_from, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.PatientID, a.ProviderID, a.AppointmentTypeID,
		a.Start, a.End, int64(a.Buffer/time.Second), a.Status, a.RescheduledFrom)

	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListByProvider(ctx context.Context, providerID uuid.UUID, within schedule.Interval, statuses []Status) ([]*Appointment, error) {
	query := `
		SELECT ` + apptColumns + `
		FROM appointments
		WHERE provider_id = $1
		  AND start_time < $2
		  AND (end_time + buffer_seconds * interval '1 second') > $3`
	args := []any{providerID, within.End, within.Start}
	if len(statuses) > 0 {
		query += ` AND status = ANY($4)`
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		args = append(args, ss)
	}
	query += ` ORDER BY start_time`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionStatus is a conditional UPDATE: no row moves unless it is still
// in the expected status.
func (r *PgRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+apptColumns+`
	`, id, to, from)

	a, err := scanAppointment(row)
	if err != nil {
		return nil, r.casError(ctx, id, err)
	}
	return a, nil
}

func (r *PgRepository) MarkCancelled(ctx context.Context, id uuid.UUID, from Status, c Cancellation, leaveID *uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancel_actor_id = $3,
		    cancel_actor_role = $4,
		    cancel_reason = $5,
		    cancelled_at = $6,
		    emergency_leave_id = $7,
		    updated_at = now()
		WHERE id = $1
		  AND status = $8
		RETURNING `+apptColumns+`
	`, id, StatusCancelled, c.ActorID, c.ActorRole, c.Reason, c.At, leaveID, from)

	a, err := scanAppointment(row)
	if err != nil {
		return nil, r.casError(ctx, id, err)
	}
	return a, nil
}

// CreateRescheduled runs both writes in one transaction so the old and new
// records can never both be scheduled.
func (r *PgRepository) CreateRescheduled(ctx context.Context, oldID uuid.UUID, from Status, leaveID *uuid.UUID, replacement *Appointment) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reschedule tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    rescheduled_to = $3,
		    emergency_leave_id = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $5
	`, oldID, StatusRescheduled, replacement.ID, leaveID, from)
	if err != nil {
		return nil, fmt.Errorf("mark rescheduled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.casError(ctx, oldID, pgx.ErrNoRows)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, provider_id, appointment_type_id,
			start_time, end_time, buffer_seconds, status,
			rescheduled_from, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING created_at, updated_at
	`, replacement.ID, replacement.PatientID, replacement.ProviderID, replacement.AppointmentTypeID,
		replacement.Start, replacement.End, int64(replacement.Buffer/time.Second),
		replacement.Status, replacement.RescheduledFrom)
	if err := row.Scan(&replacement.CreatedAt, &replacement.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert replacement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reschedule tx: %w", err)
	}
	return replacement, nil
}

// casError distinguishes "row gone" from "row moved on concurrently" after
// a conditional update matched nothing.
func (r *PgRepository) casError(ctx context.Context, id uuid.UUID, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, ErrAppointmentNotFound) {
		return err
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return getErr
	}
	return ErrTransitionConflict
}

var _ Repository = (*PgRepository)(nil)
