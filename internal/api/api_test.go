package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/frontend"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/processor"
	"github.com/tphakala/iqstream/internal/snapshot"
	"github.com/tphakala/iqstream/internal/spectral"
	"github.com/tphakala/iqstream/internal/testutil"
	"github.com/tphakala/iqstream/internal/timebase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

type fakeControl struct {
	mu       sync.Mutex
	running  bool
	adaptive bool
	coeffs   []complex128
	stepSize float64
	resets   int
	tbResets int
	restored []complex128
	revision uint64
	faulted  bool
}

func (f *fakeControl) Running() bool { return f.running }

func (f *fakeControl) Metrics() processor.Snapshot {
	return processor.Snapshot{BatchesProcessed: 42, MeanErrorPower: 0.125, FilterFaulted: f.faulted}
}

func (f *fakeControl) FilterState() processor.FilterState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.adaptive {
		return processor.FilterState{Stage: "gain"}
	}
	return processor.FilterState{Stage: "lms", Adaptive: true, Taps: len(f.coeffs), StepSize: f.stepSize, Normalized: true, Samples: 2048}
}

func (f *fakeControl) Coefficients() []complex128 {
	if !f.adaptive {
		return nil
	}
	return append([]complex128(nil), f.coeffs...)
}

func (f *fakeControl) SetStepSize(mu float64) error {
	if !f.adaptive {
		return errors.Newf("no adaptive filter").Category(errors.CategoryState).Build()
	}
	if mu < 0 {
		return errors.Newf("bad step size").Category(errors.CategoryValidation).Build()
	}
	f.mu.Lock()
	f.stepSize = mu
	f.revision++
	f.mu.Unlock()
	return nil
}

func (f *fakeControl) ResetFilter()   { f.resets++; f.revision++ }
func (f *fakeControl) ResetTimeBase() { f.tbResets++; f.revision++ }

func (f *fakeControl) RestoreCoefficients(c []complex128) error {
	if !f.adaptive {
		return errors.Newf("no adaptive filter").Category(errors.CategoryState).Build()
	}
	if len(c) != len(f.coeffs) {
		return errors.Newf("tap count mismatch").Category(errors.CategoryValidation).Build()
	}
	f.restored = c
	f.revision++
	return nil
}

func (f *fakeControl) ControlRevision() uint64 { return f.revision }

type fakeTimeBase struct{ stats timebase.Stats }

func (f fakeTimeBase) Stats() timebase.Stats { return f.stats }

type fakeSpectrum struct {
	mu      sync.Mutex
	latest  *spectral.Spectrum
	calls   int
	updates chan *spectral.Spectrum
}

func (f *fakeSpectrum) Latest() *spectral.Spectrum {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.latest
}
func (f *fakeSpectrum) Stats() spectral.Stats   { return spectral.Stats{Frames: 3} }
func (f *fakeSpectrum) Interval() time.Duration { return time.Minute }
func (f *fakeSpectrum) Subscribe() (<-chan *spectral.Spectrum, func()) {
	return f.updates, func() {}
}

type fakeStore struct {
	snaps map[uint]*snapshot.Snapshot
	next  uint
}

func newFakeStore() *fakeStore { return &fakeStore{snaps: map[uint]*snapshot.Snapshot{}} }

func (s *fakeStore) Save(_ context.Context, snap *snapshot.Snapshot) error {
	s.next++
	snap.ID = s.next
	snap.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.snaps[snap.ID] = snap
	return nil
}

func (s *fakeStore) List(_ context.Context, _ int) ([]snapshot.Snapshot, error) {
	out := make([]snapshot.Snapshot, 0, len(s.snaps))
	for id := s.next; id > 0; id-- {
		if snap, ok := s.snaps[id]; ok {
			out = append(out, *snap)
		}
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id uint) (*snapshot.Snapshot, error) {
	snap, ok := s.snaps[id]
	if !ok {
		return nil, errors.New(fmt.Errorf("%w: id %d", snapshot.ErrNotFound, id)).
			Category(errors.CategoryNotFound).Build()
	}
	return snap, nil
}

func (s *fakeStore) Latest(_ context.Context, runID string) (*snapshot.Snapshot, error) {
	for id := s.next; id > 0; id-- {
		if snap, ok := s.snaps[id]; ok && (runID == "" || snap.RunID == runID) {
			return snap, nil
		}
	}
	return nil, errors.New(fmt.Errorf("%w: latest", snapshot.ErrNotFound)).
		Category(errors.CategoryNotFound).Build()
}

func (s *fakeStore) Delete(_ context.Context, id uint) error {
	if _, ok := s.snaps[id]; !ok {
		return errors.New(fmt.Errorf("%w: id %d", snapshot.ErrNotFound, id)).
			Category(errors.CategoryNotFound).Build()
	}
	delete(s.snaps, id)
	return nil
}

type fakeSampler struct{}

func (fakeSampler) Sample() HostStats { return HostStats{CPUPercent: 12.5} }

type fixture struct {
	server   *Server
	control  *fakeControl
	spectrum *fakeSpectrum
	store    *fakeStore
	tb       *fakeTimeBase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		control:  &fakeControl{running: true, adaptive: true, coeffs: []complex128{1, 0.5i}, stepSize: 0.01},
		spectrum: &fakeSpectrum{updates: make(chan *spectral.Spectrum, 1)},
		store:    newFakeStore(),
		tb:       &fakeTimeBase{stats: timebase.Stats{State: timebase.Synchronized, StateName: "synchronized", Pulses: 4}},
	}
	s, err := New("127.0.0.1:0", Deps{
		RunID:     "run-1",
		Processor: f.control,
		TimeBase:  f.tb,
		Spectral:  f.spectrum,
		Snapshots: f.store,
		Device:    func() frontend.DeviceStats { return frontend.DeviceStats{Batches: 7} },
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("iqstream_up 1\n"))
		}),
		Logger: logger.NewSlogLogger(nil, logger.LogLevelError, nil),
	})
	require.NoError(t, err)
	s.Controller().hostStats = fakeSampler{}
	f.server = s
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewControllerRequiresCoreDeps(t *testing.T) {
	t.Parallel()
	_, err := New("127.0.0.1:0", Deps{Logger: logger.NewSlogLogger(nil, logger.LogLevelError, nil)})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		h := decode[HealthResponse](t, rec)
		assert.Equal(t, HealthOK, h.Status)
		assert.Equal(t, "run-1", h.RunID)
		assert.Equal(t, "synchronized", h.TimeBase)
		assert.InDelta(t, 12.5, h.Host.CPUPercent, 0)
	})

	t.Run("degraded when faulted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.control.faulted = true
		rec := f.do(t, http.MethodGet, "/api/v1/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, HealthDegraded, decode[HealthResponse](t, rec).Status)
	})

	t.Run("degraded when free running", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.tb.stats = timebase.Stats{State: timebase.Unsynchronized, StateName: "unsynchronized"}
		rec := f.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, HealthDegraded, decode[HealthResponse](t, rec).Status)
	})

	t.Run("stopped", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.control.running = false
		rec := f.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, HealthDown, decode[HealthResponse](t, rec).Status)
	})
}

func TestMetricsEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "iqstream_up 1")

	rec = f.do(t, http.MethodGet, "/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "run-1", m["run_id"])
	assert.Contains(t, m, "processor")
	assert.Contains(t, m, "frontend")
	assert.Contains(t, m, "spectral")
}

func TestFilterEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/filter", "")
	require.Equal(t, http.StatusOK, rec.Code)
	fs := decode[processor.FilterState](t, rec)
	assert.True(t, fs.Adaptive)
	assert.Equal(t, 2, fs.Taps)

	rec = f.do(t, http.MethodGet, "/api/v1/filter/coefficients", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cr := decode[CoefficientsResponse](t, rec)
	assert.Equal(t, [][2]float64{{1, 0}, {0, 0.5}}, cr.Coefficients)

	rec = f.do(t, http.MethodPut, "/api/v1/filter/step-size", `{"step_size":0.05}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ack := decode[ControlAccepted](t, rec)
	assert.Equal(t, "queued", ack.Status)
	assert.Equal(t, uint64(1), ack.Revision)
	assert.InDelta(t, 0.05, f.control.stepSize, 0)

	rec = f.do(t, http.MethodPost, "/api/v1/filter/reset", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.control.resets)

	rec = f.do(t, http.MethodPost, "/api/v1/timebase/reset", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.control.tbResets)

	rec = f.do(t, http.MethodGet, "/api/v1/timebase", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"synchronized"`)
}

func TestStepSizeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		adaptive bool
		body     string
		want     int
	}{
		{"missing field", true, `{}`, http.StatusBadRequest},
		{"malformed", true, `{"step_size":`, http.StatusBadRequest},
		{"negative", true, `{"step_size":-1}`, http.StatusBadRequest},
		{"not adaptive", false, `{"step_size":0.1}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.control.adaptive = tt.adaptive
			rec := f.do(t, http.MethodPut, "/api/v1/filter/step-size", tt.body)
			require.Equal(t, tt.want, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Len(t, resp.CorrelationID, 8)
			assert.Equal(t, tt.want, resp.Code)
		})
	}
}

func TestCoefficientsWithoutAdaptiveStage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.control.adaptive = false
	rec := f.do(t, http.MethodGet, "/api/v1/filter/coefficients", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/snapshots", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSpectrum(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/spectrum", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.spectrum.mu.Lock()
	f.spectrum.latest = &spectral.Spectrum{Bins: []float64{1, 2, 3, 4}, FFTSize: 4, PeakFreq: 250, Frames: 1}
	f.spectrum.mu.Unlock()

	rec = f.do(t, http.MethodGet, "/api/v1/spectrum", "")
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[spectral.Spectrum](t, rec)
	assert.Len(t, s.Bins, 4)

	rec = f.do(t, http.MethodGet, "/api/v1/spectrum?summary=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "bins")
	assert.InDelta(t, 250.0, decode[SpectrumSummary](t, rec).PeakFreq, 0)

	// served from cache within the monitor interval
	f.spectrum.mu.Lock()
	calls := f.spectrum.calls
	f.spectrum.mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestSpectrumDisabled(t *testing.T) {
	t.Parallel()
	s, err := New("127.0.0.1:0", Deps{
		Processor: &fakeControl{running: true},
		TimeBase:  fakeTimeBase{},
		Logger:    logger.NewSlogLogger(nil, logger.LogLevelError, nil),
	})
	require.NoError(t, err)
	for _, path := range []string{"/api/v1/spectrum", "/api/v1/spectrum/stream", "/api/v1/snapshots"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestSpectrumStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/spectrum/stream?summary=true"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	f.spectrum.updates <- &spectral.Spectrum{FFTSize: 8, PeakFreq: -1000, Frames: 9}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got SpectrumSummary
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, 8, got.FFTSize)
	assert.InDelta(t, -1000.0, got.PeakFreq, 0)
	assert.Equal(t, uint64(9), got.Frames)

	// closing the subscription ends the stream
	close(f.spectrum.updates)
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestSnapshots(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/snapshots", `{"label":"converged"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[snapshot.Snapshot](t, rec)
	assert.Equal(t, uint(1), created.ID)
	assert.Equal(t, "converged", created.Label)
	assert.Equal(t, "run-1", created.RunID)
	assert.Equal(t, 2, created.Taps)
	assert.InDelta(t, 0.125, created.MeanErrorPower, 0)

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]snapshot.Snapshot](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/1?format=yaml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "label: converged")

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/snapshots?limit=-2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/snapshots/1/restore", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []complex128{1, 0.5i}, f.control.restored)

	// a filter with a different length rejects the snapshot
	f.control.coeffs = []complex128{1, 0, 0}
	rec = f.do(t, http.MethodPost, "/api/v1/snapshots/1/restore", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestAndDeleteSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/snapshots/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, label := range []string{"first", "second"} {
		rec = f.do(t, http.MethodPost, "/api/v1/snapshots", `{"label":"`+label+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "second", decode[snapshot.Snapshot](t, rec).Label)

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/latest?run_id=run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint(2), decode[snapshot.Snapshot](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/latest?run_id=other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/snapshots/2", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/snapshots/2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/v1/snapshots/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/snapshots/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "first", decode[snapshot.Snapshot](t, rec).Label)
}

func TestServerRunShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.server.Addr() != nil
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + f.server.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	testutil.WaitForError(t, done, testutil.LongTestTimeout, "server did not stop")
}
