package gpu

import (
	"context"
	"time"

	"codeberg.org/mutker/gpudiag/internal/logger"
)

// Runner executes the kernel runner program with args and returns its
// standard output.
type Runner interface {
	Run(ctx context.Context, args []string) (string, error)
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// WithRunner replaces the kernel runner.
func WithRunner(r Runner) Option {
	return func(b *Backend) { b.runner = r }
}

// WithKernelCommand runs kernels through the program at path, killed once
// timeout elapses. An empty path leaves kernels unsupported.
func WithKernelCommand(path string, timeout time.Duration) Option {
	return func(b *Backend) {
		if path != "" {
			b.runner = &execRunner{path: path, timeout: timeout}
		}
	}
}

func withController(c nvmlController) Option {
	return func(b *Backend) { b.nvml = c }
}
