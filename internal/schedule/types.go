package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTypeNotFound = errors.New("appointment type not found")

// TypeCatalog resolves appointment types. The catalog is reference data
// owned outside the scheduling core; it is read-only here.
type TypeCatalog interface {
	AppointmentType(ctx context.Context, id uuid.UUID) (*AppointmentType, error)
}

// MemoryCatalog is a map-backed TypeCatalog.
type MemoryCatalog struct {
	mu    sync.RWMutex
	types map[uuid.UUID]AppointmentType
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{types: make(map[uuid.UUID]AppointmentType)}
}

func (c *MemoryCatalog) Put(t AppointmentType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[t.ID] = t
}

func (c *MemoryCatalog) AppointmentType(_ context.Context, id uuid.UUID) (*AppointmentType, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[id]
	if !ok {
		return nil, ErrTypeNotFound
	}
	cp := t
	if t.Overrides != nil {
		cp.Overrides = make(map[uuid.UUID]TypeOverride, len(t.Overrides))
		for k, v := range t.Overrides {
			cp.Overrides[k] = v
		}
	}
	return &cp, nil
}

// PgCatalog reads appointment types and their per-provider overrides from
// Postgres.
type PgCatalog struct {
	pool *pgxpool.Pool
}

func NewPgCatalog(pool *pgxpool.Pool) *PgCatalog {
	return &PgCatalog{pool: pool}
}

func (c *PgCatalog) AppointmentType(ctx context.Context, id uuid.UUID) (*AppointmentType, error) {
	var t AppointmentType
	var durationMin, bufferMin int
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes, buffer_minutes
		FROM appointment_types
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &durationMin, &bufferMin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTypeNotFound
		}
		return nil, err
	}
	t.Duration = time.Duration(durationMin) * time.Minute
	t.Buffer = time.Duration(bufferMin) * time.Minute

	rows, err := c.pool.Query(ctx, `
		SELECT provider_id, duration_minutes, buffer_minutes
		FROM appointment_type_overrides
		WHERE appointment_type_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var providerID uuid.UUID
		var dMin, bMin int
		if err := rows.Scan(&providerID, &dMin, &bMin); err != nil {
			return nil, err
		}
		if t.Overrides == nil {
			t.Overrides = make(map[uuid.UUID]TypeOverride)
		}
		t.Overrides[providerID] = TypeOverride{
			Duration: time.Duration(dMin) * time.Minute,
			Buffer:   time.Duration(bMin) * time.Minute,
		}
	}
	return &t, rows.Err()
}
