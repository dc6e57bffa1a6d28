package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/scheduling-engine/internal/db"
)

type seededType struct {
	id       uuid.UUID
	duration int // minutes
	buffer   int
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 8)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	bg := context.Background()

	providers, err := seedProviders(bg, pool, 40)
	if err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	types, err := seedAppointmentTypes(bg, pool, providers)
	if err != nil {
		log.Fatalf("seed appointment types: %v", err)
	}
	patients, err := seedPatients(bg, pool, 3000)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedAppointments(bg, pool, providers, types, patients); err != nil {
		log.Fatalf("seed appointments: %v", err)
	}

	log.Println("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d providers", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}

		// Mon-Fri working hours, start and end vary per provider.
		dayStart := gofakeit.Number(8, 9) * 60
		dayEnd := gofakeit.Number(16, 18) * 60
		for wd := 1; wd <= 5; wd++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO provider_hours (provider_id, weekday, start_minute, end_minute)
				VALUES ($1, $2, $3, $4)
			`, id, wd, dayStart, dayEnd)
			if err != nil {
				return nil, err
			}
			// Lunch break.
			_, err = tx.Exec(ctx, `
				INSERT INTO provider_breaks (provider_id, weekday, start_minute, end_minute)
				VALUES ($1, $2, $3, $4)
			`, id, wd, 12*60, 12*60+45)
			if err != nil {
				return nil, err
			}
		}

		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("providers seeded")
	return ids, nil
}

func seedAppointmentTypes(ctx context.Context, pool *pgxpool.Pool, providers []uuid.UUID) ([]seededType, error) {
	catalog := []struct {
		name     string
		duration int
		buffer   int
	}{
		{"Consultation", 30, 10},
		{"Follow-up", 15, 5},
		{"Annual Physical", 45, 15},
		{"Telehealth Check-in", 20, 0},
		{"Minor Procedure", 60, 15},
	}

	log.Printf("seeding %d appointment types", len(catalog))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	types := make([]seededType, 0, len(catalog))
	for _, c := range catalog {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO appointment_types (id, name, duration_minutes, buffer_minutes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, c.name, c.duration, c.buffer)
		if err != nil {
			return nil, err
		}
		types = append(types, seededType{id: id, duration: c.duration, buffer: c.buffer})

		// A few providers run this type longer than the house default.
		for _, pid := range providers {
			if gofakeit.Number(0, 9) != 0 {
				continue
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO appointment_type_overrides (appointment_type_id, provider_id, duration_minutes, buffer_minutes)
				VALUES ($1, $2, $3, $4)
			`, id, pid, c.duration+15, c.buffer)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("appointment types seeded")
	return types, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()
			phone := gofakeit.Phone()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, id, name, email, phone)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return ids, nil
}

// seedAppointments fills the next ten weekdays with scheduled visits.
// Starts are laid out back to back within each provider's morning, so the
// inserted rows never overlap without having to consult the availability
// engine.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, providers []uuid.UUID, types []seededType, patients []uuid.UUID) error {
	log.Println("seeding appointments")

	day := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	days := make([]time.Time, 0, 10)
	for len(days) < 10 {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, day)
		}
		day = day.Add(24 * time.Hour)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	total := 0
	for _, pid := range providers {
		for _, d := range days {
			cursor := d.Add(9 * time.Hour)
			visits := gofakeit.Number(2, 5)
			for v := 0; v < visits; v++ {
				t := types[gofakeit.Number(0, len(types)-1)]
				start := cursor
				end := start.Add(time.Duration(t.duration) * time.Minute)
				cursor = end.Add(time.Duration(t.buffer) * time.Minute)
				if cursor.After(d.Add(12 * time.Hour)) {
					break
				}

				_, err := tx.Exec(ctx, `
					INSERT INTO appointments (
						id, patient_id, provider_id, appointment_type_id,
						start_time, end_time, buffer_seconds, status,
						created_at, updated_at
					)
					VALUES ($1, $2, $3, $4, $5, $6, $7, 'scheduled', now(), now())
				`, uuid.New(), patients[gofakeit.Number(0, len(patients)-1)], pid, t.id,
					start, end, t.buffer*60)
				if err != nil {
					return err
				}
				total++
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Printf("appointments seeded: %d", total)
	return nil
}
