// Package registry persists the applications this client keeps up to date
// and the outcome of every update attempt.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
	_ "modernc.org/sqlite"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("registry")

// ErrNotFound is returned when an app is not registered.
var ErrNotFound = errors.New("app not registered")

// App is one registered application.
type App struct {
	ID             string     `json:"appId" yaml:"app_id"`
	Name           string     `json:"name,omitempty" yaml:"name,omitempty"`
	CurrentVersion string     `json:"currentVersion,omitempty" yaml:"current_version,omitempty"`
	Brand          string     `json:"brand,omitempty" yaml:"brand,omitempty"`
	RegisteredAt   time.Time  `json:"registeredAt" yaml:"-"`
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty" yaml:"-"`
	LastOutcome    string     `json:"lastOutcome,omitempty" yaml:"-"`
	LastError      string     `json:"lastError,omitempty" yaml:"-"`
}

// Outcome is one terminal result recorded for an app.
type Outcome struct {
	ID             int64           `json:"id"`
	AppID          string          `json:"appId"`
	BundleID       string          `json:"bundleId,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	State          bundle.AppState `json:"state"`
	Version        string          `json:"version,omitempty"`
	ErrorKind      string          `json:"errorKind,omitempty"`
	ErrorCode      int             `json:"errorCode,omitempty"`
	ErrorDetail    string          `json:"errorDetail,omitempty"`
	RebootRequired bool            `json:"rebootRequired,omitempty"`
	Source         string          `json:"source,omitempty"`
	RecordedAt     time.Time       `json:"recordedAt"`
}

// Store is the SQLite-backed app registry.
type Store struct {
	db *sql.DB
}

// Open opens the registry at path and creates the schema if needed. Use
// ":memory:" for an in-memory registry.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Register adds app or updates its name, version and brand. The original
// registration time is kept.
func (s *Store) Register(ctx context.Context, app App) error {
	if app.ID == "" {
		return errors.New("app id is required")
	}
	const query = `
		INSERT INTO apps (app_id, name, current_version, brand, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET
			name = excluded.name,
			current_version = excluded.current_version,
			brand = excluded.brand
	`
	_, err := s.db.ExecContext(ctx, query,
		app.ID, app.Name, app.CurrentVersion, app.Brand,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to register app %s: %w", app.ID, err)
	}
	log.Info("app registered", logging.KeyAppID, app.ID, "version", app.CurrentVersion)
	return nil
}

// Unregister removes an app. Its outcome history is kept.
func (s *Store) Unregister(ctx context.Context, appID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE app_id = ?`, appID)
	if err != nil {
		return fmt.Errorf("failed to unregister app %s: %w", appID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	return nil
}

const appColumns = `app_id, name, current_version, brand, registered_at, last_checked_at, last_outcome, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanApp(row scanner) (App, error) {
	var (
		app          App
		registeredAt string
		lastChecked  sql.NullString
	)
	if err := row.Scan(&app.ID, &app.Name, &app.CurrentVersion, &app.Brand,
		&registeredAt, &lastChecked, &app.LastOutcome, &app.LastError); err != nil {
		return App{}, err
	}
	var err error
	if app.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAt); err != nil {
		return App{}, fmt.Errorf("failed to parse registered_at for %s: %w", app.ID, err)
	}
	if lastChecked.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastChecked.String)
		if err != nil {
			return App{}, fmt.Errorf("failed to parse last_checked_at for %s: %w", app.ID, err)
		}
		app.LastCheckedAt = &t
	}
	return app, nil
}

// Get returns one registered app.
func (s *Store) Get(ctx context.Context, appID string) (App, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM apps WHERE app_id = ?`, appID)
	app, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return App{}, fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	if err != nil {
		return App{}, fmt.Errorf("failed to get app %s: %w", appID, err)
	}
	return app, nil
}

// List returns every registered app ordered by id.
func (s *Store) List(ctx context.Context) ([]App, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appColumns+` FROM apps ORDER BY app_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	defer rows.Close()

	var apps []App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// EnumerateRegisteredApps returns bundle specs for every registered app.
func (s *Store) EnumerateRegisteredApps(ctx context.Context) ([]bundle.AppSpec, error) {
	apps, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	specs := make([]bundle.AppSpec, len(apps))
	for i, a := range apps {
		specs[i] = bundle.AppSpec{ID: a.ID, Name: a.Name, CurrentVersion: a.CurrentVersion}
	}
	return specs, nil
}

// Specs resolves ids against the registry. Unknown ids are an error.
func (s *Store) Specs(ctx context.Context, ids []string) ([]bundle.AppSpec, error) {
	specs := make([]bundle.AppSpec, 0, len(ids))
	for _, id := range ids {
		app, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		specs = append(specs, bundle.AppSpec{ID: app.ID, Name: app.Name, CurrentVersion: app.CurrentVersion})
	}
	return specs, nil
}

// RecordOutcome stores a terminal transition. A successful install bumps the
// app's current version unless that would be a downgrade. Outcomes for apps
// that are not registered are kept in the history only.
func (s *Store) RecordOutcome(ctx context.Context, rec bundle.Record) error {
	if !rec.To.Terminal() {
		return nil
	}

	var kind, detail string
	var code int
	if rec.Error != nil {
		kind, code, detail = rec.Error.Kind.String(), rec.Error.Code, rec.Error.Detail
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ts := at.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outcomes
		(app_id, bundle_id, session_id, state, version, error_kind, error_code, error_detail, reboot_required, source, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.AppID, rec.BundleID, rec.SessionID, rec.To.String(), rec.Version,
		kind, code, detail, rec.RebootRequired, string(rec.Source), ts)
	if err != nil {
		return fmt.Errorf("failed to insert outcome for %s: %w", rec.AppID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE apps SET last_checked_at = ?, last_outcome = ?, last_error = ?
		WHERE app_id = ?
	`, ts, rec.To.String(), kind, rec.AppID); err != nil {
		return fmt.Errorf("failed to update app %s: %w", rec.AppID, err)
	}

	if rec.To == bundle.StateInstallComplete && rec.Version != "" {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT current_version FROM apps WHERE app_id = ?`, rec.AppID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read version of %s: %w", rec.AppID, err)
		case upgrades(current, rec.Version):
			if _, err := tx.ExecContext(ctx, `UPDATE apps SET current_version = ? WHERE app_id = ?`, rec.Version, rec.AppID); err != nil {
				return fmt.Errorf("failed to bump version of %s: %w", rec.AppID, err)
			}
		default:
			log.Warn("ignoring installed version that is not newer", logging.KeyAppID, rec.AppID, "current", current, "installed", rec.Version)
		}
	}

	return tx.Commit()
}

// History returns the most recent outcomes for appID, newest first. A limit
// of zero returns everything.
func (s *Store) History(ctx context.Context, appID string, limit int) ([]Outcome, error) {
	query := `
		SELECT id, app_id, bundle_id, session_id, state, version, error_kind, error_code, error_detail, reboot_required, source, recorded_at
		FROM outcomes
		WHERE app_id = ?
		ORDER BY id DESC
	`
	args := []any{appID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", appID, err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o         Outcome
			state, ts string
		)
		if err := rows.Scan(&o.ID, &o.AppID, &o.BundleID, &o.SessionID, &state, &o.Version,
			&o.ErrorKind, &o.ErrorCode, &o.ErrorDetail, &o.RebootRequired, &o.Source, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		if err := o.State.UnmarshalText([]byte(state)); err != nil {
			return nil, err
		}
		if o.RecordedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse recorded_at: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// upgrades reports whether installed should replace current.
func upgrades(current, installed string) bool {
	if current == "" {
		return true
	}
	cv, err1 := version.NewVersion(current)
	iv, err2 := version.NewVersion(installed)
	if err1 != nil || err2 != nil {
		return current != installed
	}
	return iv.GreaterThanOrEqual(cv)
}
