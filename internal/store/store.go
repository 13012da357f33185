// Package store persists server targets, sync results and drift
// profiles in a single SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mobster570/ticketime/internal/engine"
)

// ErrNotFound is returned for lookups of absent servers.
var ErrNotFound = errors.New("store: not found")

// Server is a persisted sync target. ExtractorID keys the extractor
// registry; only the ID is stored.
type Server struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	ExtractorID int       `json:"extractor_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// DriftProfile is the cached between-run offset state for a server.
type DriftProfile struct {
	ServerID   int64         `json:"server_id"`
	Offset     time.Duration `json:"offset"`
	Samples    int           `json:"samples"`
	LastSynced time.Time     `json:"last_synced"`
	LastRTT    time.Duration `json:"last_rtt"`
	Verified   bool          `json:"verified"`
}

// Store wraps the database handle. Safe for concurrent use; SQLite
// serialises writers internally.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer at a time keeps modernc's file locking happy.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS servers (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	url          TEXT NOT NULL,
	extractor_id INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_results (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id  INTEGER NOT NULL,
	synced_at  INTEGER NOT NULL,
	result     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_server_time
	ON sync_results(server_id, synced_at DESC);
CREATE TABLE IF NOT EXISTS drift_profiles (
	server_id   INTEGER PRIMARY KEY,
	offset_ns   INTEGER NOT NULL,
	samples     INTEGER NOT NULL,
	last_synced INTEGER NOT NULL,
	last_rtt_ns INTEGER NOT NULL,
	verified    INTEGER NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// AddServer validates rawURL for well-formedness only and inserts it.
func (s *Store) AddServer(rawURL string, extractorID int) (*Server, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("store: invalid server URL %q", rawURL)
	}
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO servers (url, extractor_id, created_at) VALUES (?, ?, ?)`,
		rawURL, extractorID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: add server: %w", err)
	}
	id, _ := res.LastInsertId()
	return &Server{ID: id, URL: rawURL, ExtractorID: extractorID, CreatedAt: now}, nil
}

// GetServer returns the server by id, or ErrNotFound.
func (s *Store) GetServer(id int64) (*Server, error) {
	row := s.db.QueryRow(`SELECT id, url, extractor_id, created_at FROM servers WHERE id = ?`, id)
	var sv Server
	var created int64
	if err := row.Scan(&sv.ID, &sv.URL, &sv.ExtractorID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get server: %w", err)
	}
	sv.CreatedAt = time.Unix(created, 0)
	return &sv, nil
}

// ListServers returns all servers, oldest first.
func (s *Store) ListServers() ([]Server, error) {
	rows, err := s.db.Query(`SELECT id, url, extractor_id, created_at FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list servers: %w", err)
	}
	defer rows.Close()
	var out []Server
	for rows.Next() {
		var sv Server
		var created int64
		if err := rows.Scan(&sv.ID, &sv.URL, &sv.ExtractorID, &created); err != nil {
			return nil, err
		}
		sv.CreatedAt = time.Unix(created, 0)
		out = append(out, sv)
	}
	return out, rows.Err()
}

// DeleteServer removes the server and its results and drift profile.
func (s *Store) DeleteServer(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM sync_results WHERE server_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete results: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM drift_profiles WHERE server_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete drift: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete server: %w", err)
	}
	return nil
}

// AppendResult stores a completed run's result as JSON.
func (s *Store) AppendResult(serverID int64, res *engine.Result) error {
	blob, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sync_results (server_id, synced_at, result) VALUES (?, ?, ?)`,
		serverID, res.SyncedAt.Unix(), string(blob))
	if err != nil {
		return fmt.Errorf("store: append result: %w", err)
	}
	return nil
}

// History returns stored results newest first. since and limit are
// optional: zero values mean unbounded.
func (s *Store) History(serverID int64, since time.Time, limit int) ([]engine.Result, error) {
	q := `SELECT result FROM sync_results WHERE server_id = ?`
	args := []any{serverID}
	if !since.IsZero() {
		q += ` AND synced_at >= ?`
		args = append(args, since.Unix())
	}
	q += ` ORDER BY synced_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()
	var out []engine.Result
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var r engine.Result
		if err := json.Unmarshal([]byte(blob), &r); err != nil {
			return nil, fmt.Errorf("store: decode result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDrift returns the server's drift profile, or ErrNotFound.
func (s *Store) GetDrift(serverID int64) (*DriftProfile, error) {
	row := s.db.QueryRow(
		`SELECT offset_ns, samples, last_synced, last_rtt_ns, verified FROM drift_profiles WHERE server_id = ?`,
		serverID)
	var d DriftProfile
	var offsetNS, synced, rttNS int64
	var verified int
	if err := row.Scan(&offsetNS, &d.Samples, &synced, &rttNS, &verified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get drift: %w", err)
	}
	d.ServerID = serverID
	d.Offset = time.Duration(offsetNS)
	d.LastSynced = time.Unix(synced, 0)
	d.LastRTT = time.Duration(rttNS)
	d.Verified = verified != 0
	return &d, nil
}

// PutDrift upserts the server's drift profile.
func (s *Store) PutDrift(d *DriftProfile) error {
	verified := 0
	if d.Verified {
		verified = 1
	}
	res, err := s.db.Exec(
		`UPDATE drift_profiles SET offset_ns = ?, samples = ?, last_synced = ?, last_rtt_ns = ?, verified = ? WHERE server_id = ?`,
		int64(d.Offset), d.Samples, d.LastSynced.Unix(), int64(d.LastRTT), verified, d.ServerID)
	if err != nil {
		return fmt.Errorf("store: put drift: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.Exec(
			`INSERT INTO drift_profiles (server_id, offset_ns, samples, last_synced, last_rtt_ns, verified) VALUES (?, ?, ?, ?, ?, ?)`,
			d.ServerID, int64(d.Offset), d.Samples, d.LastSynced.Unix(), int64(d.LastRTT), verified)
		if err != nil {
			return fmt.Errorf("store: insert drift: %w", err)
		}
	}
	return nil
}
