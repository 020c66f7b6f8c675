package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/diag"
	"codeberg.org/mutker/gpudiag/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDiagnostics struct {
	devices  []device.Info
	running  map[int]bool
	started  []int
	level    diag.Level
	types    []diag.StepType
	startErr error
	result   diag.Snapshot
	links    []diag.PortThroughput
	media    []diag.MediaCodecMetric
	stress   []diag.StressSnapshot
	minutes  int
}

func (f *fakeDiagnostics) Devices() []device.Info { return f.devices }

func (f *fakeDiagnostics) StartDiagnostics(id int, level diag.Level) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	if !level.Valid() {
		return "", errors.New().WithData(errors.ErrInvalidLevel, int(level))
	}
	f.started = append(f.started, id)
	f.level = level
	return "run-1", nil
}

func (f *fakeDiagnostics) StartSpecificDiagnostics(id int, types []diag.StepType) (string, error) {
	f.started = append(f.started, id)
	f.types = types
	return "run-2", nil
}

func (f *fakeDiagnostics) IsRunning(id int) bool { return f.running[id] }

func (f *fakeDiagnostics) Result(id int) (diag.Snapshot, error) {
	if id == 9 {
		return diag.Snapshot{}, errors.New().WithData(errors.ErrDeviceNotFound, id)
	}
	return f.result, nil
}

func copyTo[T any](dst, src []T) (int, error) {
	if dst == nil {
		return len(src), nil
	}
	if len(dst) < len(src) {
		return len(src), errors.New().WithData(errors.ErrBufferTooSmall, len(src))
	}
	return copy(dst, src), nil
}

func (f *fakeDiagnostics) LinkThroughputResults(_ int, dst []diag.PortThroughput) (int, error) {
	return copyTo(dst, f.links)
}

func (f *fakeDiagnostics) MediaCodecResults(_ int, dst []diag.MediaCodecMetric) (int, error) {
	return copyTo(dst, f.media)
}

func (f *fakeDiagnostics) StartStress(id int, minutes int) error {
	if minutes < 0 {
		return errors.New().WithData(errors.ErrInvalidArgument, minutes)
	}
	f.started = append(f.started, id)
	f.minutes = minutes
	return nil
}

func (f *fakeDiagnostics) CheckStress(_ int, dst []diag.StressSnapshot) (int, error) {
	return copyTo(dst, f.stress)
}

type fakeHistory struct {
	gotDevice, gotLimit int
	snaps               []diag.Snapshot
}

func (h *fakeHistory) Recent(deviceID, limit int) ([]diag.Snapshot, error) {
	h.gotDevice, h.gotLimit = deviceID, limit
	return h.snaps, nil
}

func newTestServer(t *testing.T) (*fakeDiagnostics, *fakeHistory, http.Handler) {
	t.Helper()
	d := &fakeDiagnostics{
		devices: []device.Info{{ID: 0, Vendor: "NVIDIA", PCIDeviceID: 0x2330}, {ID: 1}},
		running: map[int]bool{},
	}
	h := &fakeHistory{}
	return d, h, NewServer(d, WithHistory(h)).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestHealth(t *testing.T) {
	_, _, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStartDiagnosticsByLevel(t *testing.T) {
	d, _, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/diagnostics", `{"device":"all","level":2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"run_id":"run-1"}`, rec.Body.String())
	assert.Equal(t, []int{device.All}, d.started)
	assert.Equal(t, diag.Level2, d.level)
}

func TestStartDiagnosticsByTypes(t *testing.T) {
	d, _, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/diagnostics", `{"device":1,"types":["computation","power"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int{1}, d.started)
	assert.Equal(t, []diag.StepType{diag.Computation, diag.Power}, d.types)
}

func TestStartDiagnosticsErrors(t *testing.T) {
	d, _, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/diagnostics", `{"device":0,"level":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errors.ErrInvalidLevel), errorCode(t, rec))

	rec = do(t, h, http.MethodPost, "/v1/diagnostics", `{"device":0,"types":["bogus"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/diagnostics", `{"device":0,"level":1,"types":["power"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/diagnostics", `{"device":-3,"level":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	d.startErr = errors.New().WithData(errors.ErrTaskNotComplete, 0)
	rec = do(t, h, http.MethodPost, "/v1/diagnostics", `{"device":0,"level":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(errors.ErrTaskNotComplete), errorCode(t, rec))
}

func TestResult(t *testing.T) {
	d, _, h := newTestServer(t)
	d.result = diag.Snapshot{
		RunID:    "run-1",
		DeviceID: -1,
		Finished: true,
		Result:   diag.Pass,
		Components: []diag.Component{
			{Type: diag.Computation, Finished: true, Result: diag.Pass, Message: "ok"},
		},
	}

	rec := do(t, h, http.MethodGet, "/v1/diagnostics/all", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, "pass", snap["result"])
	comps := snap["components"].([]interface{})
	assert.Equal(t, "computation", comps[0].(map[string]interface{})["type"])

	rec = do(t, h, http.MethodGet, "/v1/diagnostics/9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/diagnostics/gpu0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunning(t *testing.T) {
	d, _, h := newTestServer(t)
	d.running[1] = true

	rec := do(t, h, http.MethodGet, "/v1/diagnostics/0/running", "")
	assert.JSONEq(t, `{"running":false}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/diagnostics/all/running", "")
	assert.JSONEq(t, `{"running":true}`, rec.Body.String())
}

func TestLinksAndMedia(t *testing.T) {
	d, _, h := newTestServer(t)
	d.links = []diag.PortThroughput{{SrcDevice: 0, DstDevice: 1, Speed: 3.5, Threshold: 16.1}}
	d.media = []diag.MediaCodecMetric{{DeviceID: 0, Resolution: "1080p", Format: "h264", FPS: "480 FPS"}}

	rec := do(t, h, http.MethodGet, "/v1/diagnostics/0/links", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var links []diag.PortThroughput
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&links))
	assert.Equal(t, d.links, links)

	rec = do(t, h, http.MethodGet, "/v1/diagnostics/0/media", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var media []diag.MediaCodecMetric
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&media))
	assert.Equal(t, d.media, media)
}

func TestStress(t *testing.T) {
	d, _, h := newTestServer(t)
	d.stress = []diag.StressSnapshot{{DeviceID: 0, Message: "Integer compute: Mean: 58.000 GIOPS. Var: 0.000. Ref: 60 GIOPS."}}

	rec := do(t, h, http.MethodPost, "/v1/stress", `{"device":0,"minutes":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 5, d.minutes)

	rec = do(t, h, http.MethodPost, "/v1/stress", `{"device":0,"minutes":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/stress/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Integer compute: Mean: 58.000 GIOPS.")
}

func TestHistory(t *testing.T) {
	_, hist, h := newTestServer(t)
	hist.snaps = []diag.Snapshot{{RunID: "run-1", DeviceID: 1}}

	rec := do(t, h, http.MethodGet, "/v1/history/1?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, hist.gotDevice)
	assert.Equal(t, 5, hist.gotLimit)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	rec = do(t, h, http.MethodGet, "/v1/history/all", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	noHistory := NewServer(&fakeDiagnostics{}).Handler()
	rec = do(t, noHistory, http.MethodGet, "/v1/history/0", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDevices(t *testing.T) {
	_, _, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/v1/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"model":"NVIDIAGraphics[0x2330]"`)
}

func TestParseDevice(t *testing.T) {
	id, err := ParseDevice("ALL")
	require.NoError(t, err)
	assert.Equal(t, device.All, id)

	id, err = ParseDevice(" 3 ")
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	_, err = ParseDevice("-1")
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}
