package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/scheduling-engine/internal/config"
	"github.com/clinicops/scheduling-engine/internal/db"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	CancelRatio   float64
	ReadRatio     float64
	PatientLimit  int
	ProviderLimit int
	PostgresDSN   string
}

type DataPool struct {
	Patients  []uuid.UUID
	Providers []uuid.UUID
	Types     []uuid.UUID

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking        OperationMetrics
	Cancel         OperationMetrics
	ReadByID       OperationMetrics
	ListByPatient  OperationMetrics
	ListByProvider OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d booking=%.2f cancel=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.CancelRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 8)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d providers, %d types",
		len(dataPool.Patients), len(dataPool.Providers), len(dataPool.Types))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		BookingRatio:  getFloat("SIM_BOOKING_RATIO", 0.5),
		CancelRatio:   getFloat("SIM_CANCEL_RATIO", 0.2),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:  getInt("SIM_PATIENT_LIMIT", 3000),
		ProviderLimit: getInt("SIM_PROVIDER_LIMIT", 40),
		PostgresDSN:   baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	load := func(query string, dst *[]uuid.UUID, args ...any) error {
		rows, err := pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			*dst = append(*dst, id)
		}
		return rows.Err()
	}

	if err := load(`SELECT id FROM patients LIMIT $1`, &dataPool.Patients, cfg.PatientLimit); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	if err := load(`SELECT id FROM providers LIMIT $1`, &dataPool.Providers, cfg.ProviderLimit); err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	if err := load(`SELECT id FROM appointment_types`, &dataPool.Types); err != nil {
		return nil, fmt.Errorf("load appointment types: %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Providers) == 0 {
		return nil, fmt.Errorf("no providers loaded")
	}
	if len(dataPool.Types) == 0 {
		return nil, fmt.Errorf("no appointment types loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			if r < s.config.BookingRatio {
				s.doBooking(ctx, rng)
			} else if r < s.config.BookingRatio+s.config.CancelRatio {
				s.doCancel(ctx, rng)
			} else {
				switch rng.Intn(3) {
				case 0:
					s.doReadByID(ctx, rng)
				case 1:
					s.doListByPatient(ctx, rng)
				case 2:
					s.doListByProvider(ctx, rng)
				}
			}
		}
	}
}

// doBooking runs the whole flow: discover open slots, hold one, then
// commit the booking against the hold. Contention shows up as a 409 on
// either the hold or the booking.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	providerID := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	typeID := s.pool.Types[rng.Intn(len(s.pool.Types))]

	start := time.Now()

	from := time.Now().UTC().Add(24 * time.Hour)
	to := from.Add(7 * 24 * time.Hour)
	q := url.Values{}
	q.Set("type_id", typeID.String())
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))

	slotsURL := fmt.Sprintf("%s/providers/%s/slots?%s", s.config.APIBaseURL, providerID, q.Encode())
	req, _ := http.NewRequestWithContext(ctx, "GET", slotsURL, nil)

	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.Booking.Record(time.Since(start), false, false)
		return
	}
	var slots []struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &slots) != nil || len(slots) == 0 {
		s.metrics.Booking.Record(time.Since(start), false, false)
		return
	}

	slot := slots[rng.Intn(len(slots))]

	lockResp, status, err := s.postJSON(ctx, "/locks", map[string]any{
		"provider_id":         providerID.String(),
		"appointment_type_id": typeID.String(),
		"start":               slot.Start,
		"end":                 slot.End,
	})
	if err != nil || status != http.StatusCreated {
		s.metrics.Booking.Record(time.Since(start), false, status == http.StatusConflict)
		return
	}
	var lock struct {
		Token uuid.UUID `json:"token"`
	}
	_ = json.Unmarshal(lockResp, &lock)

	apptResp, status, err := s.postJSON(ctx, "/appointments", map[string]any{
		"patient_id":          patientID.String(),
		"provider_id":         providerID.String(),
		"appointment_type_id": typeID.String(),
		"start":               slot.Start,
		"lock_token":          lock.Token.String(),
	})
	latency := time.Since(start)

	if err != nil || status != http.StatusCreated {
		s.metrics.Booking.Record(latency, false, status == http.StatusConflict)
		return
	}

	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	_ = json.Unmarshal(apptResp, &appt)
	if appt.ID != uuid.Nil {
		s.pool.AddAppointment(appt.ID)
	}
	s.metrics.Booking.Record(latency, true, false)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	_, status, err := s.postJSON(ctx, fmt.Sprintf("/appointments/%s/cancel", apptID), map[string]any{
		"actor": map[string]any{
			"id":   patientID.String(),
			"role": "patient",
		},
		"reason": "simulated cancellation",
	})
	latency := time.Since(start)

	success := err == nil && status == http.StatusOK
	conflict := err == nil && (status == http.StatusConflict || status == http.StatusUnprocessableEntity)
	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/appointments/%s", s.config.APIBaseURL, apptID), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.ReadByID.Record(latency, success, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/appointments?patient_id=%s&limit=20&offset=0", s.config.APIBaseURL, patientID), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.ListByPatient.Record(latency, success, false)
}

func (s *Simulator) doListByProvider(ctx context.Context, rng *rand.Rand) {
	providerID := s.pool.Providers[rng.Intn(len(s.pool.Providers))]

	from := time.Now().UTC()
	to := from.Add(7 * 24 * time.Hour)
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/providers/%s/appointments?%s", s.config.APIBaseURL, providerID, q.Encode()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.ListByProvider.Record(latency, success, false)
}

func (s *Simulator) postJSON(ctx context.Context, path string, payload any) ([]byte, int, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	return respBody, resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Patient", &s.metrics.ListByPatient)
	printOperationReport("List by Provider", &s.metrics.ListByProvider)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failures := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failures > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failures, float64(failures)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
