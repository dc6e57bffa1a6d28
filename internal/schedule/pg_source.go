package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore loads provider calendars from Postgres and records leave.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Schedule(ctx context.Context, providerID uuid.UUID) (*ProviderSchedule, error) {
	ps := &ProviderSchedule{ProviderID: providerID}

	rows, err := s.pool.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM provider_hours
		WHERE provider_id = $1
		ORDER BY weekday, start_minute
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider hours: %w", err)
	}
	for rows.Next() {
		var h DayHours
		var wd int
		if err := rows.Scan(&wd, &h.StartMinute, &h.EndMinute); err != nil {
			rows.Close()
			return nil, err
		}
		h.Weekday = time.Weekday(wd)
		ps.Hours = append(ps.Hours, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ps.Hours) == 0 {
		return nil, ErrScheduleNotFound
	}

	rows, err = s.pool.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM provider_breaks
		WHERE provider_id = $1
		ORDER BY weekday, start_minute
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider breaks: %w", err)
	}
	for rows.Next() {
		var b DayBreak
		var wd int
		if err := rows.Scan(&wd, &b.StartMinute, &b.EndMinute); err != nil {
			rows.Close()
			return nil, err
		}
		b.Weekday = time.Weekday(wd)
		ps.Breaks = append(ps.Breaks, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, start_time, end_time, reason
		FROM provider_leaves
		WHERE provider_id = $1
		ORDER BY start_time
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider leaves: %w", err)
	}
	for rows.Next() {
		var lv Leave
		if err := rows.Scan(&lv.ID, &lv.Interval.Start, &lv.Interval.End, &lv.Reason); err != nil {
			rows.Close()
			return nil, err
		}
		ps.Leaves = append(ps.Leaves, lv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ps, nil
}

func (s *PgStore) AddLeave(ctx context.Context, providerID uuid.UUID, iv Interval, reason string) (Leave, error) {
	lv := Leave{ID: uuid.New(), Interval: iv, Reason: reason}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_leaves (id, provider_id, start_time, end_time, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, lv.ID, providerID, iv.Start, iv.End, reason)
	if err != nil {
		return Leave{}, fmt.Errorf("insert provider leave: %w", err)
	}
	return lv, nil
}
