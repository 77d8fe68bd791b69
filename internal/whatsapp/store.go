package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"wabridge/internal/domain"

	_ "modernc.org/sqlite"
)

// SessionStore keeps the paired device in a single sqlite file whose schema
// belongs to whatsmeow.
type SessionStore struct {
	db        *sql.DB
	container *sqlstore.Container
	device    *store.Device
	path      string
	logger    *slog.Logger
}

// OpenSessionStore opens or creates the session database and loads the
// first device. An empty store yields an unpaired device.
func OpenSessionStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SessionStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create session directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cannot open session database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	container := sqlstore.NewWithDB(db, "sqlite3", NewLogger(logger, "Database"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("session database migration failed: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot load device: %w", err)
	}

	return &SessionStore{
		db:        db,
		container: container,
		device:    device,
		path:      dbPath,
		logger:    logger,
	}, nil
}

func (s *SessionStore) Device() *store.Device { return s.device }

// Paired reports whether the store holds a device linked to an account.
func (s *SessionStore) Paired() bool { return s.device.ID != nil }

// Credentials returns the current device as an opaque credential bundle.
func (s *SessionStore) Credentials() domain.Credentials {
	return deviceCredentials{device: s.device}
}

// Save writes the device keys and identity. Unpaired devices have nothing
// to persist yet.
func (s *SessionStore) Save(ctx context.Context, creds domain.Credentials) error {
	dc, ok := creds.(deviceCredentials)
	if !ok {
		return fmt.Errorf("unsupported credentials type %T", creds)
	}
	if dc.device.ID == nil {
		return nil
	}
	if err := dc.device.Save(ctx); err != nil {
		return fmt.Errorf("save device %s: %w", dc.device.ID, err)
	}
	return nil
}

// Forget removes the device from the store so the next start pairs again.
func (s *SessionStore) Forget(ctx context.Context) error {
	if s.device.ID == nil {
		return nil
	}
	if err := s.device.Delete(ctx); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

func (s *SessionStore) Path() string { return s.path }

func (s *SessionStore) Close() error {
	return s.db.Close()
}

type deviceCredentials struct {
	device *store.Device
}

func (c deviceCredentials) AccountID() string {
	if c.device == nil || c.device.ID == nil {
		return ""
	}
	return c.device.ID.String()
}
