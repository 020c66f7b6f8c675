package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/gpudiag/internal/diag"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config

	mu     sync.Mutex
	buffer []diag.Snapshot
	closed bool

	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// NewRepository opens the database at cfg.DBPath, migrating its schema when
// needed, and starts the periodic flusher.
func NewRepository(cfg Config, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, failure{Phase: "create_directory", Target: cfg.DBPath, Error: err.Error()})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_foreign_keys=1&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, failure{Phase: "open_database", Error: err.Error()})
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, failure{Phase: "schema_version", Error: err.Error()})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Int("batch_timeout", cfg.BatchTimeout).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 0 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(time.Duration(cfg.BatchTimeout) * time.Second)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

// Record buffers snapshot and flushes once the batch is full.
func (r *repository) Record(snapshot diag.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().New(ErrClosed)
	}

	r.buffer = append(r.buffer, snapshot)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

// Recent flushes pending snapshots, then reads the newest ones of deviceID.
func (r *repository) Recent(deviceID, limit int) ([]diag.Snapshot, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errFactory.New(ErrClosed)
	}
	if err := r.flush(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 1
	}

	rows, err := r.db.Query(selectRecentSQL, deviceID, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	type stored struct {
		row  int64
		snap diag.Snapshot
	}
	var runs []stored

	for rows.Next() {
		var (
			s              stored
			result         string
			started, ended int64
		)
		if err := rows.Scan(&s.row, &s.snap.RunID, &s.snap.DeviceID, &s.snap.Level,
			&result, &s.snap.Message, &started, &ended); err != nil {
			rows.Close()
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		if err := s.snap.Result.UnmarshalText([]byte(result)); err != nil {
			rows.Close()
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		s.snap.StartTime = time.UnixMilli(started)
		s.snap.EndTime = time.UnixMilli(ended)
		s.snap.Finished = true
		runs = append(runs, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	rows.Close()

	snaps := make([]diag.Snapshot, 0, len(runs))
	for _, s := range runs {
		comps, err := r.components(s.row)
		if err != nil {
			return nil, err
		}
		s.snap.Components = comps
		s.snap.Count = len(comps)
		s.snap.TargetTypes = make([]diag.StepType, 0, len(comps))
		for _, c := range comps {
			s.snap.TargetTypes = append(s.snap.TargetTypes, c.Type)
		}
		snaps = append(snaps, s.snap)
	}

	return snaps, nil
}

func (r *repository) components(row int64) ([]diag.Component, error) {
	errFactory := errors.New()

	rows, err := r.db.Query(selectComponentsSQL, row)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var comps []diag.Component
	for rows.Next() {
		var (
			c            diag.Component
			step, result string
		)
		if err := rows.Scan(&step, &c.Finished, &result, &c.Message); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		if err := c.Type.UnmarshalText([]byte(step)); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		if err := c.Result.UnmarshalText([]byte(result)); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		comps = append(comps, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return comps, nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	// Wait for the flusher to finish its final flush
	<-r.flushDoneChan

	r.mu.Lock()
	err := r.flush()
	r.mu.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to flush history on close")
	}

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, failure{Phase: "checkpoint_wal", Error: err.Error()})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, failure{Phase: "close_database", Error: err.Error()})
	}

	r.logger.Info().Msg("History repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Periodic history flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. Callers hold r.mu.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	rollback := func(err error) error {
		r.logger.Error().Err(err).Msg("Failed to write history")
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	runStmt, err := tx.Prepare(insertRunSQL)
	if err != nil {
		return rollback(err)
	}
	defer runStmt.Close()

	compStmt, err := tx.Prepare(insertComponentSQL)
	if err != nil {
		return rollback(err)
	}
	defer compStmt.Close()

	for _, s := range r.buffer {
		res, err := runStmt.Exec(
			s.RunID,
			int64(s.DeviceID),
			int64(s.Level),
			s.Result.String(),
			s.Message,
			s.StartTime.UnixMilli(),
			s.EndTime.UnixMilli(),
		)
		if err != nil {
			return rollback(err)
		}

		row, err := res.LastInsertId()
		if err != nil {
			return rollback(err)
		}

		for i, c := range s.Components {
			if _, err := compStmt.Exec(row, i, c.Type.String(), c.Finished, c.Result.String(), c.Message); err != nil {
				return rollback(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed diagnostics history")
	r.buffer = r.buffer[:0]

	return nil
}
