package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/presence"
)

// Session is one run of the counting engine.
type Session struct {
	ID                 string     `json:"session_id"`
	Site               string     `json:"site"`
	ReferencePower     float64    `json:"reference_power"`
	DistanceCeiling    float64    `json:"distance_ceiling"`
	ProximityThreshold float64    `json:"proximity_threshold"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
}

// CycleRow is a persisted cycle summary.
type CycleRow struct {
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`
	At         time.Time `json:"at"`
	People     int       `json:"people"`
	Observed   int       `json:"observed"`
	Skipped    int       `json:"skipped"`
	Dropped    int       `json:"dropped"`
	Registered int       `json:"registered"`
}

// DeviceRow is a device record saved at the end of a session.
type DeviceRow struct {
	DeviceID         int       `json:"id"`
	Address          string    `json:"address"`
	Name             string    `json:"name"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	SignalStrength   float64   `json:"rssi"`
	DistanceMeters   *float64  `json:"distance_m"`
	ObservationCount int       `json:"count"`
}

// SessionRecorder persists cycles for one session. It implements
// presence.CycleSink.
type SessionRecorder struct {
	db      *DB
	session Session
}

// StartSession creates a new session row stamped with the coordinator
// parameters in force.
func (db *DB) StartSession(ctx context.Context, site string, referencePower float64, cfg presence.CoordinatorConfig, now time.Time) (*SessionRecorder, error) {
	s := Session{
		ID:                 uuid.NewString(),
		Site:               site,
		ReferencePower:     referencePower,
		DistanceCeiling:    cfg.DistanceCeiling,
		ProximityThreshold: cfg.ProximityThreshold,
		StartedAt:          now.Truncate(time.Second),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, site, reference_power, distance_ceiling, proximity_threshold, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Site, s.ReferencePower, s.DistanceCeiling, s.ProximityThreshold, s.StartedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return &SessionRecorder{db: db, session: s}, nil
}

// Session returns the session being recorded.
func (r *SessionRecorder) Session() Session { return r.session }

// HandleCycle stores the cycle summary and one sighting per device in the
// batch, tagged with its cluster index (NULL when excluded).
func (r *SessionRecorder) HandleCycle(ctx context.Context, res presence.CycleResult) error {
	cluster := make(map[string]int)
	for i, members := range res.Clusters.Clusters {
		for _, addr := range members {
			cluster[addr] = i
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cycle transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cycles (session_id, seq, at, people, observed, skipped, dropped, registered)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.session.ID, res.Seq, res.At.Unix(), res.People, res.Observed, res.Skipped, res.Dropped, res.Registered,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle %d: %w", res.Seq, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sightings (session_id, seq, device_id, address, rssi, distance_m, cluster)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sighting insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range res.Batch {
		var (
			distance   sql.NullFloat64
			clusterIdx sql.NullInt64
		)
		if m, ok := rec.Distance.Meters(); ok {
			distance = sql.NullFloat64{Float64: m, Valid: true}
		}
		if i, ok := cluster[rec.Address]; ok {
			clusterIdx = sql.NullInt64{Int64: int64(i), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.session.ID, res.Seq, rec.ID, rec.Address, rec.SignalStrength, distance, clusterIdx); err != nil {
			return fmt.Errorf("failed to insert sighting of %s: %w", rec.Address, err)
		}
	}

	return tx.Commit()
}

// End stamps the session end time and saves the final registry contents.
func (r *SessionRecorder) End(ctx context.Context, records []presence.DeviceRecord, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session end: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		var distance sql.NullFloat64
		if m, ok := rec.Distance.Meters(); ok {
			distance = sql.NullFloat64{Float64: m, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO devices
			 (session_id, device_id, address, name, first_seen, last_seen, rssi, distance_m, observation_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.session.ID, rec.ID, rec.Address, rec.Name, rec.FirstSeen.Unix(), rec.LastSeen.Unix(),
			rec.SignalStrength, distance, rec.ObservationCount,
		)
		if err != nil {
			return fmt.Errorf("failed to save device %s: %w", rec.Address, err)
		}
	}

	end := now.Truncate(time.Second)
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, end.Unix(), r.session.ID); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.session.EndedAt = &end
	return nil
}

// Sessions returns all sessions, newest first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, site, reference_power, distance_ceiling, proximity_threshold, started_at, ended_at
		 FROM sessions ORDER BY started_at DESC, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Site, &s.ReferencePower, &s.DistanceCeiling, &s.ProximityThreshold, &started, &ended); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		if ended.Valid {
			t := time.Unix(ended.Int64, 0).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Cycles returns the most recent limit cycles of a session, oldest first. A
// non-positive limit returns every cycle.
func (db *DB) Cycles(ctx context.Context, sessionID string, limit int) ([]CycleRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, seq, at, people, observed, skipped, dropped, registered FROM (
			SELECT * FROM cycles WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []CycleRow
	for rows.Next() {
		var (
			c  CycleRow
			at int64
		)
		if err := rows.Scan(&c.SessionID, &c.Seq, &at, &c.People, &c.Observed, &c.Skipped, &c.Dropped, &c.Registered); err != nil {
			return nil, err
		}
		c.At = time.Unix(at, 0).UTC()
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// Devices returns the device records saved when a session ended.
func (db *DB) Devices(ctx context.Context, sessionID string) ([]DeviceRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT device_id, address, name, first_seen, last_seen, rssi, distance_m, observation_count
		 FROM devices WHERE session_id = ? ORDER BY device_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []DeviceRow
	for rows.Next() {
		var (
			d           DeviceRow
			first, last int64
			distance    sql.NullFloat64
		)
		if err := rows.Scan(&d.DeviceID, &d.Address, &d.Name, &first, &last, &d.SignalStrength, &distance, &d.ObservationCount); err != nil {
			return nil, err
		}
		d.FirstSeen = time.Unix(first, 0).UTC()
		d.LastSeen = time.Unix(last, 0).UTC()
		if distance.Valid {
			m := distance.Float64
			d.DistanceMeters = &m
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SightingCount returns how many times address was seen in a session.
func (db *DB) SightingCount(ctx context.Context, sessionID, address string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sightings WHERE session_id = ? AND address = ?`, sessionID, address).Scan(&n)
	return n, err
}
