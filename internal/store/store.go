// Package store provides SQLite persistence for measurement records.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/ampline/linewatch/internal/types"
)

// Store handles the local measurement database. All methods are safe for
// concurrent use; database/sql serializes access to the sqlite driver.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and bootstraps the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// WAL lets the dashboard read history while the correlator writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	slog.Info("measurement database initialized", "path", path)
	return s, nil
}

// NewWithDB wraps an existing handle. Schema bootstrap is the caller's
// concern; used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS User (
		login_id TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		user_name TEXT NOT NULL,
		role INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS Product (
		product_id INTEGER PRIMARY KEY,
		product_name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS Measurements (
		measure_id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER,
		measured_at TEXT NOT NULL,
		inspection_result TEXT NOT NULL,
		img_cam1 BLOB,
		img_cam2 BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_measurements_at ON Measurements(measured_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertMeasurement persists one correlated measurement. A missing image
// is stored as an empty blob, matching what history readers expect.
func (s *Store) InsertMeasurement(m types.Measurement) error {
	result := "OK"
	if m.IsDefect {
		result = "NG"
	}

	img1 := m.Image1
	if img1 == nil {
		img1 = []byte{}
	}
	img2 := m.Image2
	if img2 == nil {
		img2 = []byte{}
	}

	_, err := s.db.Exec(
		"INSERT INTO Measurements (product_id, measured_at, inspection_result, img_cam1, img_cam2) VALUES (?, ?, ?, ?, ?)",
		m.ProductID, m.Timestamp, result, img1, img2,
	)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

// Login looks up an operator by credentials. Returns nil when no row
// matches.
func (s *Store) Login(id, pw string) (*types.User, error) {
	row := s.db.QueryRow(
		"SELECT user_name, role FROM User WHERE login_id = ? AND password_hash = ?",
		id, pw,
	)

	var u types.User
	u.LoginID = id
	if err := row.Scan(&u.Name, &u.Role); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("login query: %w", err)
	}
	return &u, nil
}

// Logs returns the measurement history for one day (date "2006-01-02"),
// newest first. A measurement with no product row reports "Unknown"; an
// empty result column reports a pass.
func (s *Store) Logs(date string) ([]types.LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT
			M.measure_id,
			M.measured_at,
			P.product_name,
			M.inspection_result
		FROM Measurements M
		LEFT JOIN Product P ON M.product_id = P.product_id
		WHERE M.measured_at LIKE ? || '%'
		ORDER BY M.measured_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("logs query: %w", err)
	}
	defer rows.Close()

	var entries []types.LogEntry
	for rows.Next() {
		var (
			e       types.LogEntry
			product sql.NullString
			result  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &product, &result); err != nil {
			return nil, fmt.Errorf("logs scan: %w", err)
		}
		e.ProductName = "Unknown"
		if product.Valid && product.String != "" {
			e.ProductName = product.String
		}
		e.Defect = result.Valid && result.String == "NG"
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("logs rows: %w", err)
	}
	return entries, nil
}

// LogImages returns the stored image pair for one measurement. Empty
// blobs come back as nil.
func (s *Store) LogImages(mid int) ([]byte, []byte, error) {
	row := s.db.QueryRow(
		"SELECT img_cam1, img_cam2 FROM Measurements WHERE measure_id = ?",
		mid,
	)

	var img1, img2 []byte
	if err := row.Scan(&img1, &img2); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("log images query: %w", err)
	}
	if len(img1) == 0 {
		img1 = nil
	}
	if len(img2) == 0 {
		img2 = nil
	}
	return img1, img2, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
