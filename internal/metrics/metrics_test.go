package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leastwatched/internal/diskspace"
	"leastwatched/internal/pipeline"
	"leastwatched/internal/storage"
)

type fakeStats struct {
	stats []storage.MediaStat
	err   error
}

func (f fakeStats) MediaStats(context.Context) ([]storage.MediaStat, error) { return f.stats, f.err }

type fakeFolders []diskspace.Usage

func (f fakeFolders) Report() []diskspace.Usage { return f }

func score(v float64) *float64 { return &v }

func TestRunMetrics(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil, zerolog.Nop())

	m.RunFinished(pipeline.KindProcess, true, 3*time.Second)
	m.RunFinished(pipeline.KindProcess, false, time.Second)
	m.RunFinished(pipeline.KindRescore, true, time.Second)

	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("process", "success")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("process", "error")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues("rescore", "success")), 1e-9)
	assert.Greater(t, testutil.ToFloat64(m.lastRun.WithLabelValues("process")), 0.0)

	m.ItemsScored([]storage.MediaItem{
		{ID: "a", DeletionScore: score(12)},
		{ID: "b"},
		{ID: "c", DeletionScore: score(88)},
	})
	assert.Equal(t, 1, testutil.CollectAndCount(m.scores))

	expected := `
# HELP leastwatched_scoring_deletion_score Deletion scores computed by pipeline runs
# TYPE leastwatched_scoring_deletion_score histogram
leastwatched_scoring_deletion_score_bucket{le="10"} 0
leastwatched_scoring_deletion_score_bucket{le="20"} 1
leastwatched_scoring_deletion_score_bucket{le="30"} 1
leastwatched_scoring_deletion_score_bucket{le="40"} 1
leastwatched_scoring_deletion_score_bucket{le="50"} 1
leastwatched_scoring_deletion_score_bucket{le="60"} 1
leastwatched_scoring_deletion_score_bucket{le="70"} 1
leastwatched_scoring_deletion_score_bucket{le="80"} 1
leastwatched_scoring_deletion_score_bucket{le="90"} 2
leastwatched_scoring_deletion_score_bucket{le="100"} 2
leastwatched_scoring_deletion_score_bucket{le="+Inf"} 2
leastwatched_scoring_deletion_score_sum 100
leastwatched_scoring_deletion_score_count 2
`
	require.NoError(t, testutil.CollectAndCompare(m.scores, strings.NewReader(expected)))
}

func TestLibraryCollector(t *testing.T) {
	t.Parallel()

	c := NewLibraryCollector(
		fakeStats{stats: []storage.MediaStat{
			{Type: storage.MediaTypeMovie, Count: 3, SizeOnDisk: 300, Scored: 2, AverageScore: 40},
			{Type: storage.MediaTypeTV, Count: 1, SizeOnDisk: 10},
		}},
		fakeFolders{
			{Path: "/data", UsedPercent: 75, FreeBytes: 250},
			{Path: "/gone", Error: "no such file or directory"},
		},
		zerolog.Nop(),
	)

	// 4 per media type, 3 for the healthy folder, 1 for the failing one
	assert.Equal(t, 12, testutil.CollectAndCount(c))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "leastwatched_media_items"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "leastwatched_folder_probe_error"))

	expected := `
# HELP leastwatched_folder_used_percent Used space of a monitored folder's filesystem
# TYPE leastwatched_folder_used_percent gauge
leastwatched_folder_used_percent{path="/data"} 75
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "leastwatched_folder_used_percent"))
}

func TestLibraryCollectorStatsError(t *testing.T) {
	t.Parallel()

	c := NewLibraryCollector(fakeStats{err: errors.New("database is locked")}, nil, zerolog.Nop())
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestManagerRegistry(t *testing.T) {
	t.Parallel()

	m := NewManager(fakeStats{}, fakeFolders{}, zerolog.Nop())
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
