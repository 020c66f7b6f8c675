package history

import (
	"codeberg.org/mutker/gpudiag/internal/diag"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/logger"
)

type noopStore struct{}

// Open returns the sqlite store for cfg, or a store that drops everything
// when history is disabled.
func Open(cfg Config, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Diagnostics history disabled, using no-op store")
		return noopStore{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create history repository")
		return nil, err
	}

	return repo, nil
}

func (noopStore) Record(diag.Snapshot) error { return nil }

func (noopStore) Recent(int, int) ([]diag.Snapshot, error) {
	return nil, errors.New().New(ErrDisabled)
}

func (noopStore) Close() error { return nil }
