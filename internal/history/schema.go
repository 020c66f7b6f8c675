package history

import (
	"database/sql"

	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS diagnostic_runs (
	       id          INTEGER PRIMARY KEY AUTOINCREMENT,
	       run_id      TEXT NOT NULL,
	       device_id   INTEGER NOT NULL CHECK (typeof(device_id) = 'integer'),
	       level       INTEGER NOT NULL CHECK (level BETWEEN 0 AND 3),
	       result      TEXT NOT NULL CHECK (result IN ('unknown', 'pass', 'fail')),
	       message     TEXT NOT NULL,
	       started_at  INTEGER NOT NULL,
	       ended_at    INTEGER NOT NULL,
	       UNIQUE (run_id, device_id)
	   );
	   CREATE INDEX IF NOT EXISTS diagnostic_runs_device
	       ON diagnostic_runs (device_id, started_at);
	   CREATE TABLE IF NOT EXISTS component_results (
	       run_row     INTEGER NOT NULL REFERENCES diagnostic_runs (id) ON DELETE CASCADE,
	       position    INTEGER NOT NULL,
	       step        TEXT NOT NULL,
	       finished    INTEGER NOT NULL CHECK (finished IN (0, 1)),
	       result      TEXT NOT NULL CHECK (result IN ('unknown', 'pass', 'fail')),
	       message     TEXT NOT NULL,
	       PRIMARY KEY (run_row, position)
	   );`

	insertRunSQL = `
    INSERT INTO diagnostic_runs (
        run_id, device_id, level, result, message, started_at, ended_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertComponentSQL = `
    INSERT INTO component_results (
        run_row, position, step, finished, result, message
    ) VALUES (?, ?, ?, ?, ?, ?)`

	selectRecentSQL = `
    SELECT id, run_id, device_id, level, result, message, started_at, ended_at
    FROM diagnostic_runs
    WHERE device_id = ?
    ORDER BY started_at DESC, id DESC
    LIMIT ?`

	selectComponentsSQL = `
    SELECT step, finished, result, message
    FROM component_results
    WHERE run_row = ?
    ORDER BY position`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating history database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, failure{Phase: "create_tables", Error: err.Error()})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, failure{Phase: "record_version", Error: err.Error()})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("History schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, failure{Phase: "get_version", Error: err.Error()})
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, failure{Phase: "check_table_exists", Target: tableName, Error: err.Error()})
	}
	return exists, nil
}
