// Package thresholds loads the per-model table of numeric thresholds and
// reference values used to judge diagnostic measurements.
//
// The file format is flat NAME=value text. A NAME=<model> line switches the
// active model section, # starts a comment and all whitespace is ignored.
package thresholds

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpudiag/internal/errors"
)

// Well-known metric names.
const (
	PCIeBandwidthMin   = "PCIE_BANDWIDTH_MIN_GBPS"
	PCIeBandwidthRef   = "REF_PCIE_BANDWIDTH_GBPS"
	SinglePrecisionMin = "SINGLE_PRECISION_MIN_GFLOPS"
	SinglePrecisionRef = "REF_SINGLE_PRECISION_GFLOPS"
	PowerMin           = "POWER_MIN_STRESS_WATT"
	PowerRef           = "REF_POWER_STRESS_WATT"
	MemoryBandwidthMin = "MEMORY_BANDWIDTH_MIN_GBPS"
	MemoryBandwidthRef = "REF_MEMORY_BANDWIDTH_GBPS"
	IntegerComputeRef  = "REF_INT_GFLOPS"
)

const (
	keySection        = "NAME"
	keyCPUTemperature = "CPU_TEMPERATURE_THRESHOLD"
	keyMediaTools     = "MEDIA_CODER_TOOLS_PATH"
	keyMedia1080p     = "MEDIA_CODER_TOOLS_1080P_FILE"
	keyMedia4K        = "MEDIA_CODER_TOOLS_4K_FILE"
	keySyncTimeout    = "ZE_COMMAND_QUEUE_SYNCHRONIZE_TIMEOUT"
	keyMemoryUse      = "MEMORY_USE_PERCENTAGE_FOR_ERROR_TEST"
	keyLinkUsage      = "XE_LINK_THROUGHPUT_USAGE_PERCENTAGE"
)

var allowedMediaToolPaths = map[string]bool{
	"/usr/bin/":               true,
	"/usr/share/mfx/samples/": true,
}

// Globals are the model independent settings carried in the same file.
type Globals struct {
	// SyncTimeoutSeconds bounds each benchmark's queue synchronization.
	SyncTimeoutSeconds int
	// MemoryUseFraction is the share of device memory the memory tests may use.
	MemoryUseFraction float64
	// LinkUsageRatio scales a port's rated speed into its pass threshold.
	LinkUsageRatio float64
	MediaToolsPath string
	Media1080pFile string
	Media4KFile    string
	MediaLightFile string
	// CPUTemperatureThreshold is informational; 0 when unset.
	CPUTemperatureThreshold int
}

// DefaultGlobals returns the built-in global settings.
func DefaultGlobals() Globals {
	return Globals{
		SyncTimeoutSeconds: 600,
		MemoryUseFraction:  0.9,
		LinkUsageRatio:     0.7,
		MediaToolsPath:     "/usr/bin/",
		Media1080pFile:     "test_stream_1080p.265",
		Media4KFile:        "test_stream_4K.265",
		MediaLightFile:     "test_stream_light.264",
	}
}

// Catalog is an immutable threshold table.
type Catalog struct {
	models  map[string]map[string]int
	globals Globals
}

// Empty returns a catalog with no model sections and default globals.
func Empty() *Catalog {
	return &Catalog{models: map[string]map[string]int{}, globals: DefaultGlobals()}
}

// Parse reads a catalog. Lines without '=' and values that are not numbers
// are skipped.
func Parse(r io.Reader) (*Catalog, error) {
	c := Empty()
	section := ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := stripSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok || name == "" {
			continue
		}
		if i := strings.IndexByte(value, '#'); i >= 0 {
			value = value[:i]
		}

		if name == keySection {
			section = value
			continue
		}
		if c.applyGlobal(name, value) {
			continue
		}

		n, ok := parseInt(value)
		if !ok {
			continue
		}
		if c.models[section] == nil {
			c.models[section] = map[string]int{}
		}
		c.models[section][name] = n
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.New().Wrap(errors.ErrReadConfig, err)
	}

	return c, nil
}

// LoadFile parses the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrThresholdsMissing, err)
	}
	defer f.Close()

	return Parse(f)
}

func (c *Catalog) applyGlobal(name, value string) bool {
	g := &c.globals

	switch name {
	case keyCPUTemperature:
		if n, ok := parseInt(value); ok {
			g.CPUTemperatureThreshold = n
		}
	case keyMediaTools:
		if allowedMediaToolPaths[value] {
			g.MediaToolsPath = value
		}
	case keyMedia1080p:
		g.Media1080pFile = value
	case keyMedia4K:
		g.Media4KFile = value
	case keySyncTimeout:
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			g.SyncTimeoutSeconds = n
		}
	case keyMemoryUse:
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 && f <= 1 {
			g.MemoryUseFraction = f
		}
	case keyLinkUsage:
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 && f <= 1 {
			g.LinkUsageRatio = f
		}
	default:
		return false
	}

	return true
}

// Lookup returns the named value for model, or 0 when it is not configured.
func (c *Catalog) Lookup(model, name string) int {
	return c.models[model][name]
}

// HasModel reports whether the catalog has a section for model.
func (c *Catalog) HasModel(model string) bool {
	_, ok := c.models[model]
	return ok
}

// Models lists the configured model sections in sorted order.
func (c *Catalog) Models() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Globals returns the model independent settings.
func (c *Catalog) Globals() Globals {
	return c.globals
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', '\v', '\f':
			return -1
		}
		return r
	}, s)
}

// parseInt accepts integers and truncates decimal values.
func parseInt(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}
