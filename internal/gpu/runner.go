package gpu

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
)

// execRunner runs an external kernel runner program.
type execRunner struct {
	path    string
	timeout time.Duration
}

func (r *execRunner) Run(ctx context.Context, args []string) (string, error) {
	errFactory := errors.New()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return stdout.String(), errFactory.Wrap(errors.ErrTimeout, err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), errFactory.Wrap(ErrRunnerFailed, err).WithMessage(msg)
	}

	return stdout.String(), nil
}

// unsupportedRunner is used when no kernel runner is configured.
type unsupportedRunner struct{}

func (unsupportedRunner) Run(context.Context, []string) (string, error) {
	return "", errors.New().WithMessage(errors.ErrUnsupported, "No kernel runner is configured.")
}

// RunBenchmark runs kind on unit through the kernel runner. The last line
// of its output is the measurement and everything before it is detail.
func (b *Backend) RunBenchmark(ctx context.Context, unit device.Unit, kind device.BenchmarkKind, opts device.BenchmarkOptions) (device.Measurement, error) {
	spec, err := b.unitSpec(unit)
	if err != nil {
		return device.Measurement{}, err
	}

	args := []string{string(kind), "--device", spec}
	if opts.Timeout > 0 {
		args = append(args, "--sync-timeout", opts.Timeout.String())
	}
	if opts.MemoryFraction > 0 {
		args = append(args, "--memory-fraction", strconv.FormatFloat(opts.MemoryFraction, 'f', -1, 64))
	}
	if opts.MemoryLimit > 0 {
		args = append(args, "--memory-limit", strconv.FormatUint(opts.MemoryLimit, 10))
	}
	if len(opts.Args) > 0 {
		args = append(args, "--")
		args = append(args, opts.Args...)
	}

	start := time.Now()
	out, err := b.runner.Run(ctx, args)
	elapsed := time.Since(start)

	b.log.Debug().
		Str("unit", unit.String()).
		Str("kind", string(kind)).
		Dur("elapsed", elapsed).
		Err(err).
		Msg("Kernel finished")

	if err != nil {
		return device.Measurement{Value: -1, Duration: elapsed, Detail: out}, err
	}

	return parseMeasurement(out, elapsed)
}

func parseMeasurement(out string, elapsed time.Duration) (device.Measurement, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])

	value, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return device.Measurement{Value: -1, Duration: elapsed, Detail: out},
			errors.New().Wrap(ErrRunnerOutput, err).WithData(last)
	}

	return device.Measurement{
		Value:    value,
		Duration: elapsed,
		Detail:   strings.Join(lines[:len(lines)-1], "\n"),
	}, nil
}
