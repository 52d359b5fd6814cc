// Package registry persists the paired-device directory: which
// peripherals the bridge knows, their auto-connect priority, and when
// they were last seen. Backed by an embedded sqlite database so the
// directory survives restarts.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dskow/ble-bridge/internal/device"
)

// ErrNotFound is returned when a device id is not in the registry.
var ErrNotFound = errors.New("device not registered")

// Device is one registry row.
type Device struct {
	ID           string    `json:"id"`
	Address      string    `json:"address,omitempty"`
	Name         string    `json:"name,omitempty"`
	AutoPriority string    `json:"auto_priority,omitempty"`
	Paired       bool      `json:"paired"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Registry is a sqlite-backed device directory. Safe for concurrent use;
// database/sql serializes access to the single connection sqlite allows
// for writes.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the registry database at path and runs the
// schema migration.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry db: %w", err)
	}
	return &Registry{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id            TEXT PRIMARY KEY,
			address       TEXT NOT NULL DEFAULT '',
			name          TEXT NOT NULL DEFAULT '',
			auto_priority TEXT NOT NULL DEFAULT '',
			paired        INTEGER NOT NULL DEFAULT 0,
			last_seen     TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Get returns the registry row for a device id.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, address, name, auto_priority, paired, last_seen, created_at, updated_at FROM devices WHERE id = ?", id,
	)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

// Create inserts a new device row. The id must not already exist.
func (r *Registry) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO devices (id, address, name, auto_priority, paired, last_seen, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		d.ID, d.Address, d.Name, d.AutoPriority, boolToInt(d.Paired),
		formatTime(d.LastSeen), formatTime(now), formatTime(now),
	)
	return err
}

// Update rewrites the mutable fields of an existing row.
func (r *Registry) Update(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	d.UpdatedAt = now
	res, err := r.db.ExecContext(ctx,
		"UPDATE devices SET address = ?, name = ?, auto_priority = ?, paired = ?, updated_at = ? WHERE id = ?",
		d.Address, d.Name, d.AutoPriority, boolToInt(d.Paired), formatTime(now), d.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a device row.
func (r *Registry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all registered devices ordered by id.
func (r *Registry) List(ctx context.Context) ([]*Device, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, address, name, auto_priority, paired, last_seen, created_at, updated_at FROM devices ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// MarkSeen stamps the device's last-seen time. Unknown devices are
// registered on the spot as unpaired rows so the directory learns every
// peripheral the bridge has successfully connected.
func (r *Registry) MarkSeen(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		"UPDATE devices SET last_seen = ?, updated_at = ? WHERE id = ?",
		formatTime(now), formatTime(now), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	r.logger.Info("registering newly seen device", "device_id", id)
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO devices (id, last_seen, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, formatTime(now), formatTime(now), formatTime(now),
	)
	return err
}

// AutoPriority returns the configured auto-connect tier for a device.
// found is false when the device is unknown or has no usable tier set.
func (r *Registry) AutoPriority(ctx context.Context, id string) (device.Priority, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, "SELECT auto_priority FROM devices WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if raw == "" {
		return "", false, nil
	}
	p, ok := device.ParsePriority(raw)
	if !ok {
		r.logger.Warn("registry row has invalid auto_priority", "device_id", id, "auto_priority", raw)
		return "", false, nil
	}
	return p, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var d Device
	var paired int
	var lastSeen, created, updated string
	if err := row.Scan(&d.ID, &d.Address, &d.Name, &d.AutoPriority, &paired, &lastSeen, &created, &updated); err != nil {
		return nil, err
	}
	d.Paired = paired != 0
	d.LastSeen = parseTime(lastSeen)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Times are stored as RFC3339Nano strings; the zero time round-trips as
// the empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
