// Package sqlite is the durable store backend. One database file holds the
// user accounts, paired endpoints, device registry and death history; the
// schema is created on open. Writes are serialized per user key on top of
// SQLite's own locking so that no two components ever mutate the same
// user's records concurrently.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/huanndev/rustlink/internal/store"
)

// DB implements store.UserStore, store.DeviceRegistry and store.DeathLog.
type DB struct {
	db *sql.DB

	// DeathRetention bounds the rolling death history window. Entries older
	// than this are pruned on each append.
	DeathRetention time.Duration

	mu    sync.Mutex
	users map[string]*sync.Mutex // per-user write serialization
}

const defaultDeathRetention = 7 * 24 * time.Hour

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &DB{
		db:             db,
		DeathRetention: defaultDeathRetention,
		users:          make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("store opened", "path", path)
	return s, nil
}

// Stores returns the store bundle backed by this database.
func (s *DB) Stores() store.Stores {
	return store.Stores{Users: s, Devices: s, Deaths: s}
}

// Close closes the underlying database.
func (s *DB) Close() error { return s.db.Close() }

func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			game_id INTEGER NOT NULL,
			credentials TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			player_token INTEGER NOT NULL,
			paired_at INTEGER NOT NULL,
			last_connected INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			endpoint_key TEXT NOT NULL,
			name TEXT NOT NULL,
			entity_id INTEGER NOT NULL,
			kind INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, endpoint_key, name)
		)`,
		`CREATE TABLE IF NOT EXISTS deaths (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			endpoint_key TEXT NOT NULL,
			player_name TEXT NOT NULL,
			player_id INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			grid TEXT NOT NULL,
			map_size INTEGER NOT NULL,
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deaths_user ON deaths(user_id, endpoint_key, at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 40)], err)
		}
	}
	return nil
}

// userLock returns the write mutex for a user key, creating it on first use.
func (s *DB) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.users[userID]
	if !ok {
		l = &sync.Mutex{}
		s.users[userID] = l
	}
	return l
}

// --- UserStore ---

func (s *DB) PutUser(u store.UserAccount) error {
	l := s.userLock(u.ID)
	l.Lock()
	defer l.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	creds := string(u.Credentials)
	if creds == "" {
		creds = "{}"
	}
	_, err := s.db.Exec(`INSERT INTO users (id, display_name, game_id, credentials, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name,
			game_id=excluded.game_id, credentials=excluded.credentials`,
		u.ID, u.DisplayName, u.GameID, creds, u.CreatedAt.Unix())
	return err
}

func (s *DB) GetUser(id string) (store.UserAccount, error) {
	var u store.UserAccount
	var creds string
	var created int64
	err := s.db.QueryRow(`SELECT id, display_name, game_id, credentials, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.GameID, &creds, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return u, err
	}
	u.Credentials = []byte(creds)
	u.CreatedAt = time.Unix(created, 0)
	return u, nil
}

func (s *DB) ListUsers() ([]store.UserAccount, error) {
	rows, err := s.db.Query(`SELECT id, display_name, game_id, credentials, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.UserAccount
	for rows.Next() {
		var u store.UserAccount
		var creds string
		var created int64
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.GameID, &creds, &created); err != nil {
			return nil, err
		}
		u.Credentials = []byte(creds)
		u.CreatedAt = time.Unix(created, 0)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *DB) DeleteUser(id string) error {
	l := s.userLock(id)
	l.Lock()
	defer l.Unlock()

	res, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	// endpoints/devices/deaths cascade via foreign keys
	return nil
}

func (s *DB) UpsertEndpoint(userID string, ep store.PairedEndpoint) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if ep.PairedAt.IsZero() {
		ep.PairedAt = time.Now()
	}
	var last int64
	if !ep.LastConnected.IsZero() {
		last = ep.LastConnected.Unix()
	}
	// Re-pairing the same server refreshes token and name but keeps the
	// original pairing order.
	_, err := s.db.Exec(`INSERT INTO endpoints (user_id, key, host, port, name, player_token, paired_at, last_connected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET name=excluded.name, player_token=excluded.player_token`,
		userID, ep.Key(), ep.Host, ep.Port, ep.Name, ep.PlayerToken, ep.PairedAt.Unix(), last)
	return err
}

func (s *DB) GetEndpoint(userID, key string) (store.PairedEndpoint, error) {
	var ep store.PairedEndpoint
	var paired, last int64
	err := s.db.QueryRow(`SELECT host, port, name, player_token, paired_at, last_connected
		FROM endpoints WHERE user_id = ? AND key = ?`, userID, key).
		Scan(&ep.Host, &ep.Port, &ep.Name, &ep.PlayerToken, &paired, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return ep, fmt.Errorf("endpoint %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return ep, err
	}
	ep.PairedAt = time.Unix(paired, 0)
	if last > 0 {
		ep.LastConnected = time.Unix(last, 0)
	}
	return ep, nil
}

func (s *DB) ListEndpoints(userID string) ([]store.PairedEndpoint, error) {
	rows, err := s.db.Query(`SELECT host, port, name, player_token, paired_at, last_connected
		FROM endpoints WHERE user_id = ? ORDER BY paired_at, key`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PairedEndpoint
	for rows.Next() {
		var ep store.PairedEndpoint
		var paired, last int64
		if err := rows.Scan(&ep.Host, &ep.Port, &ep.Name, &ep.PlayerToken, &paired, &last); err != nil {
			return nil, err
		}
		ep.PairedAt = time.Unix(paired, 0)
		if last > 0 {
			ep.LastConnected = time.Unix(last, 0)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *DB) RemoveEndpoint(userID, key string) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	res, err := s.db.Exec(`DELETE FROM endpoints WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("endpoint %s: %w", key, store.ErrNotFound)
	}
	// Devices registered against this endpoint go with it.
	_, err = s.db.Exec(`DELETE FROM devices WHERE user_id = ? AND endpoint_key = ?`, userID, key)
	return err
}

func (s *DB) TouchEndpoint(userID, key string, at time.Time) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.Exec(`UPDATE endpoints SET last_connected = ? WHERE user_id = ? AND key = ?`,
		at.Unix(), userID, key)
	return err
}

// --- DeviceRegistry ---

func (s *DB) AddDevice(d store.Device) error {
	l := s.userLock(d.UserID)
	l.Lock()
	defer l.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO devices (user_id, endpoint_key, name, entity_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.UserID, d.EndpointKey, d.Name, d.EntityID, int(d.Kind), d.CreatedAt.Unix())
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("device %s: %w", d.Name, store.ErrDuplicateName)
	}
	return err
}

func (s *DB) GetDevice(userID, endpointKey, name string) (store.Device, error) {
	var d store.Device
	var kind int
	var created int64
	err := s.db.QueryRow(`SELECT user_id, endpoint_key, name, entity_id, kind, created_at
		FROM devices WHERE user_id = ? AND endpoint_key = ? AND name = ?`,
		userID, endpointKey, name).
		Scan(&d.UserID, &d.EndpointKey, &d.Name, &d.EntityID, &kind, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("device %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return d, err
	}
	d.Kind = store.DeviceKind(kind)
	d.CreatedAt = time.Unix(created, 0)
	return d, nil
}

func (s *DB) ListDevices(userID, endpointKey string) ([]store.Device, error) {
	rows, err := s.db.Query(`SELECT user_id, endpoint_key, name, entity_id, kind, created_at
		FROM devices WHERE user_id = ? AND endpoint_key = ? ORDER BY name`, userID, endpointKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Device
	for rows.Next() {
		var d store.Device
		var kind int
		var created int64
		if err := rows.Scan(&d.UserID, &d.EndpointKey, &d.Name, &d.EntityID, &kind, &created); err != nil {
			return nil, err
		}
		d.Kind = store.DeviceKind(kind)
		d.CreatedAt = time.Unix(created, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DB) RemoveDevice(userID, endpointKey, name string) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	res, err := s.db.Exec(`DELETE FROM devices WHERE user_id = ? AND endpoint_key = ? AND name = ?`,
		userID, endpointKey, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", name, store.ErrNotFound)
	}
	return nil
}

// --- DeathLog ---

func (s *DB) AppendDeath(d store.DeathRecord) error {
	l := s.userLock(d.UserID)
	l.Lock()
	defer l.Unlock()

	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO deaths (id, user_id, endpoint_key, player_name, player_id, x, y, grid, map_size, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.EndpointKey, d.PlayerName, d.PlayerID, d.X, d.Y, d.Grid, d.MapSize, d.At.Unix())
	if err != nil {
		return err
	}

	// Lazy prune of the rolling window.
	cutoff := time.Now().Add(-s.DeathRetention).Unix()
	_, err = s.db.Exec(`DELETE FROM deaths WHERE user_id = ? AND at < ?`, d.UserID, cutoff)
	return err
}

func (s *DB) RecentDeaths(userID, endpointKey string, window time.Duration, limit int) ([]store.DeathRecord, error) {
	if window <= 0 || window > s.DeathRetention {
		window = s.DeathRetention
	}
	if limit <= 0 {
		limit = 10
	}
	cutoff := time.Now().Add(-window).Unix()

	rows, err := s.db.Query(`SELECT id, user_id, endpoint_key, player_name, player_id, x, y, grid, map_size, at
		FROM deaths WHERE user_id = ? AND endpoint_key = ? AND at >= ?
		ORDER BY at DESC LIMIT ?`, userID, endpointKey, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DeathRecord
	for rows.Next() {
		var d store.DeathRecord
		var at int64
		if err := rows.Scan(&d.ID, &d.UserID, &d.EndpointKey, &d.PlayerName, &d.PlayerID,
			&d.X, &d.Y, &d.Grid, &d.MapSize, &at); err != nil {
			return nil, err
		}
		d.At = time.Unix(at, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DB) ClearDeaths(userID, endpointKey string) (int, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	res, err := s.db.Exec(`DELETE FROM deaths WHERE user_id = ? AND endpoint_key = ?`, userID, endpointKey)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	// modernc sqlite surfaces constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
