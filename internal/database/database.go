// Package database opens the libsql ledger store and applies migrations.
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tursodatabase/go-libsql"

	"github.com/jmylchreest/chatgate/internal/database/migrations"
)

// Options selects how the store is opened.
//   - Local file: DSN="file:chatgate.db"
//   - Embedded replica: TursoURL + TursoAuthToken set, DSN names the local replica file
//   - libsql server: DSN="http://127.0.0.1:8080"
type Options struct {
	DSN            string
	TursoURL       string
	TursoAuthToken string
}

// New opens the database and verifies the connection.
func New(opts Options) (*sql.DB, error) {
	var db *sql.DB

	if opts.TursoURL != "" && opts.TursoAuthToken != "" {
		path := strings.TrimPrefix(opts.DSN, "file:")
		path, _, _ = strings.Cut(path, "?")

		connector, err := libsql.NewEmbeddedReplicaConnector(path, opts.TursoURL,
			libsql.WithAuthToken(opts.TursoAuthToken),
			libsql.WithReadYourWrites(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Turso connector: %w", err)
		}
		db = sql.OpenDB(connector)
	} else {
		var err error
		db, err = sql.Open("libsql", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	// In-memory databases are per-connection.
	if strings.Contains(opts.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Migrate applies pending schema migrations.
func Migrate(db *sql.DB, logger *slog.Logger) error {
	return migrations.Run(db, logger)
}

// Status reports the latest applied version and the number still pending.
func Status(db *sql.DB) (latest string, pending int, err error) {
	latest, err = migrations.Latest(db)
	if err != nil {
		return "", 0, err
	}
	p, err := migrations.Pending(db)
	if err != nil {
		return "", 0, err
	}
	return latest, len(p), nil
}
