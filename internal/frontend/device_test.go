package frontend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

func newDevice(t *testing.T, capacity, batchSize int, policy OverflowPolicy) (*Device, *queue.SampleQueue) {
	t.Helper()
	q, err := queue.NewSampleQueue(capacity)
	require.NoError(t, err)
	d, err := NewDevice(q, DeviceConfig{
		SampleRate: 1000,
		BatchSize:  batchSize,
		Overflow:   policy,
		Logger:     logger.NewSlogLogger(nil, logger.LogLevelError, nil),
	})
	require.NoError(t, err)
	return d, q
}

func fullBatch(d *Device) *iq.Batch {
	b := d.NewBatch()
	for !b.Full() {
		b.Append(iq.Sample{I: 1})
	}
	return b
}

func drain(q *queue.SampleQueue) []*iq.Batch {
	var out []*iq.Batch
	for {
		b, ok := q.TryDequeue()
		if !ok {
			return out
		}
		out = append(out, b)
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"drop", OverflowDrop, false},
		{" WAIT ", OverflowWait, false},
		{"", OverflowDrop, false},
		{"block", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOverflowPolicy(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewDeviceValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDevice(nil, DeviceConfig{})
	require.Error(t, err)

	q, err := queue.NewSampleQueue(4)
	require.NoError(t, err)
	_, err = NewDevice(q, DeviceConfig{Overflow: "block"})
	require.Error(t, err)

	d, err := NewDevice(q, DeviceConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSampleRate, d.SampleRate())
	assert.Equal(t, DefaultBatchSize, d.BatchSize())
	assert.Equal(t, OverflowDrop, d.Overflow())
	assert.Equal(t, uint64(DefaultSampleRate), d.TicksPerSecond())
}

func TestProduceAssignsSequenceAndTicks(t *testing.T) {
	t.Parallel()

	d, q := newDevice(t, 4, 10, OverflowDrop)
	for range 4 {
		require.True(t, d.Produce(fullBatch(d)))
	}
	assert.Equal(t, uint64(40), d.Ticks())

	// full queue: refused, counted, clock still advances
	b := fullBatch(d)
	assert.False(t, d.Produce(b))
	assert.Equal(t, uint64(50), d.Ticks())
	assert.Equal(t, uint64(4), b.Seq)
	b.Release()

	st := d.Stats()
	assert.Equal(t, uint64(4), st.Batches)
	assert.Equal(t, uint64(40), st.Samples)
	assert.Equal(t, uint64(1), st.Dropped)

	got := drain(q)
	require.Len(t, got, 4)
	for i, b := range got {
		assert.Equal(t, uint64(i), b.Seq)
	}

	// the gap left by the drop is visible downstream
	require.True(t, d.Produce(fullBatch(d)))
	next, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(5), next.Seq)
}

func TestSubmitDropReleases(t *testing.T) {
	t.Parallel()

	d, q := newDevice(t, 2, 8, OverflowDrop)
	ctx := context.Background()
	for range 5 {
		require.NoError(t, d.Submit(ctx, fullBatch(d)))
	}
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(3), d.Stats().Dropped)
}

func TestSubmitWaitsForRoom(t *testing.T) {
	t.Parallel()

	d, q := newDevice(t, 2, 8, OverflowWait)
	ctx := context.Background()
	require.NoError(t, d.Submit(ctx, fullBatch(d)))
	require.NoError(t, d.Submit(ctx, fullBatch(d)))

	done := make(chan error, 1)
	go func() { done <- d.Submit(ctx, fullBatch(d)) }()

	time.Sleep(5 * time.Millisecond)
	b, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(0), b.Seq)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not complete after room was made")
	}
	st := d.Stats()
	assert.Equal(t, uint64(3), st.Batches)
	assert.Zero(t, st.Dropped)
	assert.Positive(t, st.Waits)
}

func TestSubmitWaitCancelled(t *testing.T) {
	t.Parallel()

	d, _ := newDevice(t, 2, 8, OverflowWait)
	require.NoError(t, d.Submit(context.Background(), fullBatch(d)))
	require.NoError(t, d.Submit(context.Background(), fullBatch(d)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := d.Submit(ctx, fullBatch(d))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(2), d.Stats().Batches)
}
