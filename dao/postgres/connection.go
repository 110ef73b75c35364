// Package postgres implements dao.DAO against Postgres via database/sql
// and the pgx driver. Array-append and byte-concat updates are issued as
// literal server-side expressions (array_append, ||) rather than
// application-side read-modify-write, matching the behavior the
// originating system's update_session_state relied on.
package postgres

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/TogetherForABetterAI/calibration-service/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to Postgres using dsn (built by config.PostgresConfig.DSN)
// and verifies the connection with a ping.
func Open(dsn string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}

	if log != nil {
		log.Infow("postgres connection established")
	}
	return db, nil
}

// OpenWithMigrations opens the database and runs every pending migration.
func OpenWithMigrations(dsn string, log *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(dsn, log)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, log); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}
	return db, nil
}

// Migrate applies every migration under migrations/ that is not yet
// recorded in schema_migrations. It is idempotent and safe to call from
// every replica at startup.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "reading embedded migrations")
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var exists bool
		err := db.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&exists)
		if err != nil {
			if version != "001" {
				return errors.Newf("schema_migrations missing but migration is not 001: %s", filename)
			}
		} else if exists {
			if log != nil {
				log.Debugw("skipping already-applied migration", "migration", filename)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "reading migration %s", filename)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "starting transaction for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "executing migration %s", filename)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING", version,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "recording migration %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "committing migration %s", filename)
		}

		if log != nil {
			log.Infow("applied migration", "migration", filename)
		}
	}

	return nil
}
