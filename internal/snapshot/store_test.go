package snapshot

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "db", "snapshots.db"),
		Logger: logger.NewSlogLogger(nil, logger.LogLevelError, nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func testSnapshot(label string, runID string) *Snapshot {
	return &Snapshot{
		RunID:        runID,
		Label:        label,
		Stage:        "lms",
		Taps:         3,
		StepSize:     0.01,
		Normalized:   true,
		Samples:      4096,
		Coefficients: Coefficients{complex(0.5, -0.25), 0, complex(-1, 1e-9)},
	}
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("converged", "run-a")
	require.NoError(t, s.Save(ctx, snap))
	require.NotZero(t, snap.ID)
	assert.False(t, snap.CreatedAt.IsZero())

	got, err := s.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "converged", got.Label)
	assert.Equal(t, "run-a", got.RunID)
	assert.Equal(t, snap.Coefficients, got.Coefficients)
	assert.True(t, got.Normalized)
}

func TestSaveRejectsEmpty(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.Save(context.Background(), &Snapshot{Label: "empty"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.Get(context.Background(), 42)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))

	require.ErrorIs(t, s.Delete(context.Background(), 42), ErrNotFound)
}

func TestListAndLatest(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, tc := range []struct{ label, run string }{
		{"first", "run-a"},
		{"second", "run-b"},
		{"third", "run-a"},
	} {
		snap := testSnapshot(tc.label, tc.run)
		snap.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Save(ctx, snap))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Label)
	assert.Equal(t, "first", all[2].Label)

	page, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	latest, err := s.Latest(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "third", latest.Label)

	latestB, err := s.Latest(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, "second", latestB.Label)

	_, err = s.Latest(ctx, "run-z")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, latest.ID))
	all, err = s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "postgres"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = Open(Config{Driver: DriverSQLite})
	require.Error(t, err)
}

func TestMySQLDSN(t *testing.T) {
	t.Parallel()

	dsn := MySQLDSN(MySQLConfig{Host: "db.local", Port: 3307, Username: "iq", Password: "p@ss", Database: "iqstream"})
	assert.True(t, strings.HasPrefix(dsn, "iq:p@ss@tcp(db.local:3307)/iqstream?"), dsn)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestCoefficientsScan(t *testing.T) {
	t.Parallel()

	var c Coefficients
	require.NoError(t, c.Scan([]byte(`[[1,2],[-0.5,0]]`)))
	assert.Equal(t, Coefficients{complex(1, 2), complex(-0.5, 0)}, c)

	require.NoError(t, c.Scan(nil))
	assert.Nil(t, c)

	assert.Error(t, c.Scan(42))
	assert.Error(t, c.Scan("not json"))
}

func TestExportYAML(t *testing.T) {
	t.Parallel()

	snap := testSnapshot("export", "run-a")
	snap.ID = 7
	var buf bytes.Buffer
	require.NoError(t, ExportYAML(&buf, *snap))

	var doc struct {
		Snapshots []struct {
			ID           uint         `yaml:"id"`
			Label        string       `yaml:"label"`
			Taps         int          `yaml:"taps"`
			Coefficients [][2]float64 `yaml:"coefficients"`
		} `yaml:"snapshots"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Snapshots, 1)
	got := doc.Snapshots[0]
	assert.Equal(t, uint(7), got.ID)
	assert.Equal(t, "export", got.Label)
	assert.Equal(t, [][2]float64{{0.5, -0.25}, {0, 0}, {-1, 1e-9}}, got.Coefficients)
}
