package history

import "codeberg.org/mutker/gpudiag/internal/errors"

const (
	defaultDirPerm      = 0o755
	defaultBatchSize    = 16
	defaultBatchTimeout = 5
)

type Config struct {
	DBPath  string
	Enabled bool
	// BatchSize is the number of snapshots buffered before a flush. Zero or
	// less writes every snapshot immediately.
	BatchSize int
	// BatchTimeout is the flush period in seconds.
	BatchTimeout int
}

func DefaultConfig() Config {
	return Config{
		DBPath:       "/var/lib/gpudiag/history.db",
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, c.BatchTimeout)
	}
	return nil
}
