package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/frontend"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/processor"
	"github.com/tphakala/iqstream/internal/spectral"
	"github.com/tphakala/iqstream/internal/timebase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

func batch(seq uint64, samples ...iq.Sample) *iq.Batch {
	b := iq.NewBatch(len(samples))
	b.Seq = seq
	for _, s := range samples {
		b.Append(s)
	}
	return b
}

func TestFanoutAndCounter(t *testing.T) {
	t.Parallel()

	var a, c Counter
	var order []string
	f := Fanout{
		&a,
		processor.SinkFunc(func(*iq.Batch) { order = append(order, "func") }),
		&c,
	}
	f.OnResult(batch(0, iq.Sample{I: 1}, iq.Sample{I: 2}))
	f.OnResult(batch(1, iq.Sample{I: 3}))
	f.OnResult(batch(4, iq.Sample{I: 4}))

	for _, cnt := range []*Counter{&a, &c} {
		st := cnt.Stats()
		assert.Equal(t, uint64(3), st.Batches)
		assert.Equal(t, uint64(4), st.Samples)
		assert.Equal(t, uint64(4), st.LastSeq)
		assert.Equal(t, uint64(1), st.Gaps)
	}
	assert.Equal(t, []string{"func", "func", "func"}, order)
}

func TestNewWAVWriterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWAVWriter("", 1000, 16, 4)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = NewWAVWriter(filepath.Join(t.TempDir(), "x.wav"), 0, 16, 4)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestWAVWriterRecordsIQ(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "rec.wav")
	w, err := NewWAVWriter(path, 48000, 4, 8)
	require.NoError(t, err)

	w.OnResult(batch(0, iq.Sample{I: 100, Q: -100}, iq.Sample{I: 200, Q: -200}))
	w.OnResult(batch(1, iq.Sample{I: 300, Q: -300}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Written() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Format.NumChannels)
	assert.Equal(t, 48000, buf.Format.SampleRate)
	assert.Equal(t, []int{100, -100, 200, -200, 300, -300}, buf.Data)
}

func TestWAVWriterDropsWhenBehind(t *testing.T) {
	t.Parallel()

	w, err := NewWAVWriter(filepath.Join(t.TempDir(), "rec.wav"), 1000, 2, 2)
	require.NoError(t, err)
	for i := range 5 {
		w.OnResult(batch(uint64(i), iq.Sample{I: 1}))
	}
	assert.Equal(t, uint64(3), w.Dropped())
}

func TestWAVWriterCreateFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	w, err := NewWAVWriter(filepath.Join(blocker, "rec.wav"), 1000, 2, 2)
	require.NoError(t, err)
	err = w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
}

func TestWAVWriterSuspendsOnFullDisk(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	used := 97.0
	usage := func(string) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		return used, nil
	}

	w, err := NewWAVWriter(filepath.Join(t.TempDir(), "rec.wav"), 1000, 2, 8,
		WithDiskLimit(90, usage),
		WithDiskCheckInterval(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.OnResult(batch(0, iq.Sample{I: 1}, iq.Sample{I: 2}))
	require.Eventually(t, func() bool { return w.Discarded() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, w.Written())

	mu.Lock()
	used = 40
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)

	w.OnResult(batch(1, iq.Sample{I: 3}))
	require.Eventually(t, func() bool { return w.Written() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(2), w.Discarded())
}

func TestDiskGuard(t *testing.T) {
	t.Parallel()

	calls := 0
	g := diskGuard{
		dir:       filepath.Join(t.TempDir(), "missing", "deeper"),
		threshold: 80,
		interval:  time.Minute,
		usage: func(path string) (float64, error) {
			calls++
			_, err := os.Stat(path)
			require.NoError(t, err, "usage must be read from an existing directory")
			return 85, nil
		},
	}
	now := time.Now()
	assert.True(t, g.exceeded(now))
	assert.True(t, g.exceeded(now.Add(time.Second)))
	assert.Equal(t, 1, calls, "usage is re-read only once per interval")

	g.usage = func(string) (float64, error) { return 0, os.ErrPermission }
	assert.True(t, g.exceeded(now.Add(2*time.Minute)), "a failed check keeps the last decision")

	off := diskGuard{usage: func(string) (float64, error) { return 100, nil }}
	assert.False(t, off.exceeded(now))
}

func TestDiskUsageReadsFilesystem(t *testing.T) {
	t.Parallel()

	pct, err := DiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 100.0)
}

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	messages   map[string][]string
	disconnect int
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeClient) Publish(_ context.Context, topic, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.NewStd("not connected")
	}
	if f.messages == nil {
		f.messages = map[string][]string{}
	}
	f.messages[topic] = append(f.messages[topic], payload)
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnect++
}

func (f *fakeClient) published(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages[topic]...)
}

func TestMQTTPublisherStatus(t *testing.T) {
	t.Parallel()

	client := &fakeClient{connected: true}
	p, err := NewMQTTPublisher(client, PublisherConfig{RunID: "run-1", TopicPrefix: "/lab/rx1/"}, StatusSources{
		Processor: func() processor.Snapshot { return processor.Snapshot{BatchesProcessed: 9} },
		TimeBase: func() timebase.Stats {
			return timebase.Stats{StateName: "synchronized", Pulses: 3}
		},
		Peak: func() *spectral.Spectrum { return &spectral.Spectrum{PeakFreq: 100e3, PeakPowerDB: -6.5, Frames: 12} },
		Device: func() frontend.DeviceStats {
			return frontend.DeviceStats{Batches: 10, Dropped: 1}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "lab/rx1/status", p.Topic())

	require.NoError(t, p.PublishOnce(context.Background()))
	msgs := client.published("lab/rx1/status")
	require.Len(t, msgs, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.NotContains(t, got, "filter")
	peak := got["peak"].(map[string]any)
	assert.InDelta(t, 100e3, peak["frequency_hz"], 0)
	assert.InDelta(t, -6.5, peak["power_db"], 0)
	tb := got["timebase"].(map[string]any)
	assert.Equal(t, "synchronized", tb["state"])
	fe := got["frontend"].(map[string]any)
	assert.InDelta(t, 1, fe["dropped"], 0)
	assert.Equal(t, uint64(1), p.Published())
}

func TestMQTTPublisherDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	_, err := NewMQTTPublisher(nil, PublisherConfig{}, StatusSources{})
	require.Error(t, err)

	p, err := NewMQTTPublisher(&fakeClient{}, PublisherConfig{}, StatusSources{})
	require.NoError(t, err)
	assert.Equal(t, "iqstream/status", p.Topic())
	assert.Equal(t, DefaultStatusInterval, p.interval)
}

func TestMQTTPublisherRun(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p, err := NewMQTTPublisher(client, PublisherConfig{Interval: 5 * time.Millisecond}, StatusSources{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(client.published("iqstream/status")) >= 3 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, client.disconnect)
	assert.False(t, client.IsConnected())
}

func TestMQTTPublisherRunSurvivesBrokerDown(t *testing.T) {
	t.Parallel()

	client := &fakeClient{connectErr: errors.NewStd("refused")}
	p, err := NewMQTTPublisher(client, PublisherConfig{Interval: 2 * time.Millisecond}, StatusSources{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Failed() >= 2 }, 2*time.Second, 2*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, p.Published())
}
