// Package sqlite implements the repository contracts on a single SQLite
// database file. The server is the only writer; WAL mode lets read-only
// tooling inspect the file while the server runs.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/maxthelion/octopoid/internal/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the SQLite connection and hands out repositories bound to it.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if necessary) the database at path, takes a
// pre-migration backup of any existing file, and runs migrations.
// The parent directory is created with 0700 permissions.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if err := backupIfExists(path); err != nil {
		return nil, fmt.Errorf("failed to back up database: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// backupIfExists copies an existing database file to <path>.bak before
// migrations touch it. The previous backup is overwritten.
func backupIfExists(path string) error {
	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return err
}

// migrate applies embedded migrations. The migrate driver only issues
// plain SQL so it runs over the same connection the app uses.
func (db *DB) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db.conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Connection returns the underlying *sql.DB.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Tasks returns the task repository.
func (db *DB) Tasks() task.Repository {
	return newTaskRepository(db.conn)
}

// Orchestrators returns the orchestrator repository.
func (db *DB) Orchestrators() task.OrchestratorRepository {
	return newOrchestratorRepository(db.conn)
}

// Projects returns the project repository.
func (db *DB) Projects() task.ProjectRepository {
	return newProjectRepository(db.conn)
}

// Flows returns the flow registry repository.
func (db *DB) Flows() task.FlowRepository {
	return newFlowRepository(db.conn)
}

// Messages returns the mailbox repository.
func (db *DB) Messages() task.MessageRepository {
	return newMessageRepository(db.conn)
}

// History returns the audit log repository.
func (db *DB) History() task.HistoryRepository {
	return newHistoryRepository(db.conn)
}

// Roles returns the role registry repository.
func (db *DB) Roles() task.RoleRepository {
	return newRoleRepository(db.conn)
}
