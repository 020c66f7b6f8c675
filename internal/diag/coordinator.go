// Package diag is the diagnostic orchestration engine: it owns per-device
// task state, runs the selected steps against a compute backend and merges
// per-device results into reports.
package diag

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"codeberg.org/mutker/gpudiag/internal/logger"
	"codeberg.org/mutker/gpudiag/internal/thresholds"
	"github.com/google/uuid"
)

const (
	msgDoingDiagnostics = "Doing diagnostics"
	msgAllDone          = "All diagnostics done"
	msgRunning          = "Running"
)

// Coordinator accepts diagnostic and stress requests and answers status
// queries. A device runs at most one unfinished task at a time.
type Coordinator struct {
	backend  Backend
	host     Host
	catalogs CatalogSource
	log      logger.Logger
	recorder Recorder
	sink     Sink
	cfg      settings

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	tasks         map[int]*task
	stress        map[int]*stressTask
	scores        map[int][]float64
	stressCatalog *thresholds.Catalog
	perf          map[int]*PerfRecord
	processes     map[int][]device.Process
	linkFails     []PortThroughput
	media         map[int][]MediaCodecMetric
}

type settings struct {
	sampleInterval      time.Duration
	powerSampleInterval time.Duration
	temperatureCeiling  int
	requiredEnv         []string
	requiredLibraries   []string
	mediaDataDir        string
	linkCopyDuration    time.Duration
	stressMinute        time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithHost(h Host) Option            { return func(c *Coordinator) { c.host = h } }
func WithLogger(l logger.Logger) Option { return func(c *Coordinator) { c.log = l } }
func WithRecorder(r Recorder) Option    { return func(c *Coordinator) { c.recorder = r } }
func WithSink(s Sink) Option            { return func(c *Coordinator) { c.sink = s } }

func WithRequiredEnv(names []string) Option {
	return func(c *Coordinator) { c.cfg.requiredEnv = names }
}

func WithMediaDataDir(dir string) Option {
	return func(c *Coordinator) { c.cfg.mediaDataDir = dir }
}

func WithRequiredLibraries(names []string) Option {
	return func(c *Coordinator) { c.cfg.requiredLibraries = names }
}

// WithSampleInterval sets the telemetry period used by every step but power.
func WithSampleInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.cfg.sampleInterval = d }
}

func WithPowerSampleInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.cfg.powerSampleInterval = d }
}

// WithTemperatureCeiling sets the peak temperature that adds a warning.
func WithTemperatureCeiling(celsius int) Option {
	return func(c *Coordinator) { c.cfg.temperatureCeiling = celsius }
}

// WithLinkCopyDuration sets how long each link copy runs.
func WithLinkCopyDuration(d time.Duration) Option {
	return func(c *Coordinator) { c.cfg.linkCopyDuration = d }
}

// New returns a Coordinator driving backend with thresholds from catalogs.
func New(backend Backend, catalogs CatalogSource, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		backend:  backend,
		catalogs: catalogs,
		log:      logger.Nop(),
		recorder: nopRecorder{},
		cfg: settings{
			sampleInterval:      200 * time.Millisecond,
			powerSampleInterval: 3 * time.Second,
			temperatureCeiling:  80,
			mediaDataDir:        "/usr/share/gpudiag/mediadata/",
			linkCopyDuration:    2 * time.Second,
			stressMinute:        time.Minute,
		},
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[int]*task),
		stress:    make(map[int]*stressTask),
		scores:    make(map[int][]float64),
		perf:      make(map[int]*PerfRecord),
		processes: make(map[int][]device.Process),
		media:     make(map[int][]MediaCodecMetric),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.host == nil {
		c.host = SystemHost()
	}

	return c
}

// task is one device's diagnostic run. Fields are guarded by Coordinator.mu.
type task struct {
	runID      string
	deviceID   int
	level      Level
	targets    []StepType
	components [stepTypeCount]Component
	count      int
	message    string
	started    time.Time
	ended      time.Time
	finished   bool
}

func newTask(runID string, id int, level Level, targets []StepType) *task {
	t := &task{
		runID:    runID,
		deviceID: id,
		level:    level,
		targets:  targets,
		message:  msgDoingDiagnostics,
		started:  time.Now(),
	}
	for i := range t.components {
		t.components[i] = Component{Type: StepType(i)}
	}
	return t
}

// targeted reports whether step is one of the task's target types.
func (t *task) targeted(step StepType) bool {
	return slices.Contains(t.targets, step)
}

func (t *task) snapshot() Snapshot {
	s := Snapshot{
		RunID:       t.runID,
		DeviceID:    t.deviceID,
		Level:       t.level,
		TargetTypes: append([]StepType(nil), t.targets...),
		Count:       t.count,
		Finished:    t.finished,
		Result:      Unknown,
		Message:     t.message,
		StartTime:   t.started,
		EndTime:     t.ended,
		Components:  make([]Component, 0, t.count),
	}

	for i := 0; i < t.count && i < len(t.targets); i++ {
		comp := t.components[t.targets[i]]
		if comp.Result == Fail {
			s.Result = Fail
		}
		s.Components = append(s.Components, comp)
	}

	if s.Finished && s.Result == Unknown {
		s.Result = Pass
	}

	return s
}

// run is one accepted diagnostic request.
type run struct {
	id      string
	target  int
	devices []device.Info
	all     []device.Info
	tasks   map[int]*task
	targets []StepType
	catalog *thresholds.Catalog
}

func (c *Coordinator) devices() []device.Info {
	devs := append([]device.Info(nil), c.backend.Devices()...)
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
	return devs
}

func findDevice(devs []device.Info, id int) (device.Info, bool) {
	for _, d := range devs {
		if d.ID == id {
			return d, true
		}
	}
	return device.Info{}, false
}

// Devices returns the backend's devices ordered by id.
func (c *Coordinator) Devices() []device.Info {
	return c.devices()
}

// StartDiagnostics accepts a level based run for id or device.All and returns
// its run id. The steps execute in the background.
func (c *Coordinator) StartDiagnostics(id int, level Level) (string, error) {
	errFactory := errors.New()

	devs := c.devices()
	if err := checkTarget(devs, id); err != nil {
		return "", err
	}
	if !level.Valid() {
		return "", errFactory.WithData(errors.ErrInvalidLevel, int(level))
	}

	return c.start(devs, id, level, LevelTargets(level, platformOf(devs)))
}

// StartSpecificDiagnostics accepts a run of an explicit ordered step list.
func (c *Coordinator) StartSpecificDiagnostics(id int, types []StepType) (string, error) {
	errFactory := errors.New()

	devs := c.devices()
	if err := checkTarget(devs, id); err != nil {
		return "", err
	}
	if len(types) == 0 || len(types) > MaxSpecificTypes {
		return "", errFactory.WithData(errors.ErrInvalidTaskType, len(types))
	}

	seen := make(map[StepType]bool, len(types))
	for _, t := range types {
		if !t.Valid() || seen[t] {
			return "", errFactory.WithData(errors.ErrInvalidTaskType, t.String())
		}
		seen[t] = true
	}

	return c.start(devs, id, LevelSpecific, append([]StepType(nil), types...))
}

func checkTarget(devs []device.Info, id int) error {
	errFactory := errors.New()

	if len(devs) == 0 {
		return errFactory.New(errors.ErrDeviceNotFound)
	}
	if id == device.All {
		return nil
	}
	if _, ok := findDevice(devs, id); !ok {
		return errFactory.WithData(errors.ErrDeviceNotFound, id)
	}
	return nil
}

// busy reports whether id has an unfinished diagnostic or stress task.
// Callers hold c.mu.
func (c *Coordinator) busy(id int) bool {
	if t, ok := c.tasks[id]; ok && !t.finished {
		return true
	}
	if s, ok := c.stress[id]; ok && !s.finished {
		return true
	}
	return false
}

// anyBusy is busy over every known task. Callers hold c.mu.
func (c *Coordinator) anyBusy() bool {
	for id := range c.tasks {
		if c.busy(id) {
			return true
		}
	}
	for id := range c.stress {
		if c.busy(id) {
			return true
		}
	}
	return false
}

func (c *Coordinator) start(devs []device.Info, id int, level Level, targets []StepType) (string, error) {
	errFactory := errors.New()
	catalog := c.catalogs.Current()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ctx.Err(); err != nil {
		return "", errFactory.Wrap(errors.ErrUnavailable, err)
	}

	r := &run{
		id:      uuid.NewString(),
		target:  id,
		all:     devs,
		tasks:   make(map[int]*task),
		targets: targets,
		catalog: catalog,
	}

	if id == device.All {
		if c.anyBusy() {
			return "", errFactory.New(errors.ErrTaskNotComplete)
		}
		c.tasks = make(map[int]*task)
		c.linkFails = nil
		r.devices = devs
	} else {
		if c.busy(id) {
			return "", errFactory.WithData(errors.ErrTaskNotComplete, id)
		}
		dev, _ := findDevice(devs, id)
		r.devices = []device.Info{dev}
		c.dropLinkFails(id)
	}

	for _, dev := range r.devices {
		t := newTask(r.id, dev.ID, level, targets)
		c.tasks[dev.ID] = t
		r.tasks[dev.ID] = t
		delete(c.perf, dev.ID)
	}

	c.wg.Add(1)
	go c.execute(r)

	c.recorder.RunAccepted("diagnostics", len(r.devices))
	c.log.Info().
		Str("run_id", r.id).
		Int("device", id).
		Int("level", int(level)).
		Int("steps", len(targets)).
		Msg("Diagnostics accepted")

	return r.id, nil
}

// IsRunning reports whether id has an unfinished diagnostic task.
func (c *Coordinator) IsRunning(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	return ok && !t.finished
}

// Result returns the task for id, or the merged report for device.All.
func (c *Coordinator) Result(id int) (Snapshot, error) {
	errFactory := errors.New()

	if id != device.All {
		if _, ok := findDevice(c.devices(), id); !ok {
			return Snapshot{}, errFactory.WithData(errors.ErrDeviceNotFound, id)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.tasks) == 0 {
		return Snapshot{}, errFactory.New(errors.ErrTaskNotFound)
	}
	if id == device.All {
		return c.combined(), nil
	}

	t, ok := c.tasks[id]
	if !ok {
		return Snapshot{}, errFactory.WithData(errors.ErrTaskNotFound, id)
	}
	return t.snapshot(), nil
}

// Components copies the started components of id's task into dst and
// returns how many there are. With a nil dst only the count is returned;
// a short dst fails with ErrBufferTooSmall carrying the required count.
func (c *Coordinator) Components(id int, dst []Component) (int, error) {
	snap, err := c.Result(id)
	if err != nil {
		return 0, err
	}
	return copyInto(dst, snap.Components)
}

func copyInto[T any](dst, src []T) (int, error) {
	if dst == nil {
		return len(src), nil
	}
	if len(dst) < len(src) {
		return len(src), errors.New().WithData(errors.ErrBufferTooSmall, len(src))
	}
	return copy(dst, src), nil
}

// Wait blocks until every background worker has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown stops accepting requests, cancels backend work and waits for
// workers until ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrShutdownFailed, ctx.Err())
	}
}
