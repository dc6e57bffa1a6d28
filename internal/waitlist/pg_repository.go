package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `
	id, patient_id, provider_id, appointment_type_id,
	range_start, range_end, priority, status,
	contact_email, contact_sms, contact_push,
	created_at, updated_at`

const offerColumns = `
	id, entry_id, provider_id, start_time, end_time,
	lock_token, status, offered_at, respond_by`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanEntry(row pgx.Row) (*WaitlistEntry, error) {
	var e WaitlistEntry
	err := row.Scan(
		&e.ID, &e.PatientID, &e.ProviderID, &e.AppointmentTypeID,
		&e.DateRangeStart, &e.DateRangeEnd, &e.Priority, &e.Status,
		&e.Contact.Email, &e.Contact.SMS, &e.Contact.Push,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanOffer(row pgx.Row) (*SlotOffer, error) {
	var o SlotOffer
	err := row.Scan(
		&o.ID, &o.EntryID, &o.ProviderID, &o.Interval.Start, &o.Interval.End,
		&o.LockToken, &o.Status, &o.OfferedAt, &o.RespondBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *PgRepository) CreateEntry(ctx context.Context, e *WaitlistEntry) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO waitlist_entries (
			id, patient_id, provider_id, appointment_type_id,
			range_start, range_end, priority, status,
			contact_email, contact_sms, contact_push,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at
	`, e.ID, e.PatientID, e.ProviderID, e.AppointmentTypeID,
		e.DateRangeStart, e.DateRangeEnd, e.Priority, e.Status,
		e.Contact.Email, e.Contact.SMS, e.Contact.Push)

	if err := row.Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

func (r *PgRepository) GetEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE id = $1
	`, id)
	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadOffers(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *PgRepository) ActiveEntries(ctx context.Context, providerID, typeID uuid.UUID) ([]*WaitlistEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE provider_id = $1
		  AND appointment_type_id = $2
		  AND status = $3
	`, providerID, typeID, EntryActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range out {
		if err := r.loadOffers(ctx, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *PgRepository) SetEntryStatus(ctx context.Context, id uuid.UUID, from, to EntryStatus) (*WaitlistEntry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE waitlist_entries
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
		RETURNING `+entryColumns+`
	`, to, id, from)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, r.entryCASError(ctx, id)
		}
		return nil, err
	}
	if err := r.loadOffers(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AppendOffer inserts the offer only while the entry is active and has
// no pending offer; both conditions are folded into the INSERT so the
// invariant holds without a table lock.
func (r *PgRepository) AppendOffer(ctx context.Context, entryID uuid.UUID, o SlotOffer) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO slot_offers (
			id, entry_id, provider_id, start_time, end_time,
			lock_token, status, offered_at, respond_by
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE EXISTS (
			SELECT 1 FROM waitlist_entries
			WHERE id = $2 AND status = $10
		)
		AND NOT EXISTS (
			SELECT 1 FROM slot_offers
			WHERE entry_id = $2 AND status = $7
		)
	`, o.ID, entryID, o.ProviderID, o.Interval.Start, o.Interval.End,
		o.LockToken, OfferPending, o.OfferedAt, o.RespondBy, EntryActive)
	if err != nil {
		return fmt.Errorf("insert slot offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.appendOfferError(ctx, entryID)
	}
	return nil
}

func (r *PgRepository) ResolveOffer(ctx context.Context, entryID, offerID uuid.UUID, to OfferStatus) (*SlotOffer, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slot_offers
		SET status = $1
		WHERE id = $2 AND entry_id = $3 AND status = $4
		RETURNING `+offerColumns+`
	`, to, offerID, entryID, OfferPending)
	o, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			return nil, r.resolveOfferError(ctx, offerID)
		}
		return nil, err
	}
	return o, nil
}

func (r *PgRepository) PendingOffersDue(ctx context.Context, deadline time.Time) ([]SlotOffer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+`
		FROM slot_offers
		WHERE status = $1 AND respond_by <= $2
		ORDER BY respond_by
	`, OfferPending, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlotOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *PgRepository) ActiveEntriesEndedBefore(ctx context.Context, deadline time.Time) ([]*WaitlistEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE status = $1 AND range_end < $2
	`, EntryActive, deadline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PgRepository) loadOffers(ctx context.Context, e *WaitlistEntry) error {
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+`
		FROM slot_offers
		WHERE entry_id = $1
		ORDER BY offered_at
	`, e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return err
		}
		e.Offers = append(e.Offers, *o)
	}
	return rows.Err()
}

// entryCASError distinguishes a missing entry from a lost status race.
func (r *PgRepository) entryCASError(ctx context.Context, id uuid.UUID) error {
	var status EntryStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM waitlist_entries WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	return ErrEntryClosed
}

func (r *PgRepository) appendOfferError(ctx context.Context, entryID uuid.UUID) error {
	var status EntryStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM waitlist_entries WHERE id = $1`, entryID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if status != EntryActive {
		return ErrEntryClosed
	}
	return ErrOfferPending
}

func (r *PgRepository) resolveOfferError(ctx context.Context, offerID uuid.UUID) error {
	var status OfferStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM slot_offers WHERE id = $1`, offerID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOfferNotFound
	}
	if err != nil {
		return err
	}
	return ErrStaleOffer
}
