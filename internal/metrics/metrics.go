// Package metrics exposes pipeline and library state to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"leastwatched/internal/diskspace"
	"leastwatched/internal/pipeline"
	"leastwatched/internal/storage"
)

const namespace = "leastwatched"

type StatsSource interface {
	MediaStats(ctx context.Context) ([]storage.MediaStat, error)
}

type FolderReporter interface {
	Report() []diskspace.Usage
}

// Manager owns the registry served on /metrics.
type Manager struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	lastRun     *prometheus.GaugeVec
	scores      prometheus.Histogram
}

func NewManager(stats StatsSource, folders FolderReporter, logger zerolog.Logger) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by kind and status",
		}, []string{"kind", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run by kind",
		}, []string{"kind"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "deletion_score",
			Help:      "Deletion scores computed by pipeline runs",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
	}

	registry.MustRegister(m.runsTotal, m.runDuration, m.lastRun, m.scores)
	registry.MustRegister(NewLibraryCollector(stats, folders, logger))

	return m
}

func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// RunFinished records the outcome of one run.
func (m *Manager) RunFinished(kind pipeline.Kind, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.runsTotal.WithLabelValues(string(kind), status).Inc()
	m.runDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	if success {
		m.lastRun.WithLabelValues(string(kind)).SetToCurrentTime()
	}
}

// ItemsScored observes every computed score of a finished run.
func (m *Manager) ItemsScored(items []storage.MediaItem) {
	for i := range items {
		if items[i].DeletionScore != nil {
			m.scores.Observe(*items[i].DeletionScore)
		}
	}
}

// LibraryCollector reads library and folder state at scrape time.
type LibraryCollector struct {
	stats   StatsSource
	folders FolderReporter
	logger  zerolog.Logger

	itemsDesc       *prometheus.Desc
	sizeDesc        *prometheus.Desc
	scoredDesc      *prometheus.Desc
	avgScoreDesc    *prometheus.Desc
	folderUsedDesc  *prometheus.Desc
	folderFreeDesc  *prometheus.Desc
	folderErrorDesc *prometheus.Desc
}

func NewLibraryCollector(stats StatsSource, folders FolderReporter, logger zerolog.Logger) *LibraryCollector {
	return &LibraryCollector{
		stats:   stats,
		folders: folders,
		logger:  logger.With().Str("module", "metrics").Logger(),

		itemsDesc: prometheus.NewDesc(
			namespace+"_media_items",
			"Number of stored media items by type",
			[]string{"type"},
			nil,
		),
		sizeDesc: prometheus.NewDesc(
			namespace+"_media_size_bytes",
			"Total size on disk of stored media items by type",
			[]string{"type"},
			nil,
		),
		scoredDesc: prometheus.NewDesc(
			namespace+"_media_scored_items",
			"Number of stored media items carrying a deletion score by type",
			[]string{"type"},
			nil,
		),
		avgScoreDesc: prometheus.NewDesc(
			namespace+"_media_average_deletion_score",
			"Average deletion score of scored items by type",
			[]string{"type"},
			nil,
		),
		folderUsedDesc: prometheus.NewDesc(
			namespace+"_folder_used_percent",
			"Used space of a monitored folder's filesystem",
			[]string{"path"},
			nil,
		),
		folderFreeDesc: prometheus.NewDesc(
			namespace+"_folder_free_bytes",
			"Free space available on a monitored folder's filesystem",
			[]string{"path"},
			nil,
		),
		folderErrorDesc: prometheus.NewDesc(
			namespace+"_folder_probe_error",
			"Whether the last probe of a monitored folder failed (1=failed)",
			[]string{"path"},
			nil,
		),
	}
}

func (c *LibraryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.itemsDesc
	ch <- c.sizeDesc
	ch <- c.scoredDesc
	ch <- c.avgScoreDesc
	ch <- c.folderUsedDesc
	ch <- c.folderFreeDesc
	ch <- c.folderErrorDesc
}

func (c *LibraryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.stats != nil {
		stats, err := c.stats.MediaStats(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to collect media stats")
		}
		for _, st := range stats {
			kind := string(st.Type)
			ch <- prometheus.MustNewConstMetric(c.itemsDesc, prometheus.GaugeValue, float64(st.Count), kind)
			ch <- prometheus.MustNewConstMetric(c.sizeDesc, prometheus.GaugeValue, float64(st.SizeOnDisk), kind)
			ch <- prometheus.MustNewConstMetric(c.scoredDesc, prometheus.GaugeValue, float64(st.Scored), kind)
			ch <- prometheus.MustNewConstMetric(c.avgScoreDesc, prometheus.GaugeValue, st.AverageScore, kind)
		}
	}

	if c.folders == nil {
		return
	}
	for _, u := range c.folders.Report() {
		if u.Error != "" {
			ch <- prometheus.MustNewConstMetric(c.folderErrorDesc, prometheus.GaugeValue, 1, u.Path)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.folderErrorDesc, prometheus.GaugeValue, 0, u.Path)
		ch <- prometheus.MustNewConstMetric(c.folderUsedDesc, prometheus.GaugeValue, u.UsedPercent, u.Path)
		ch <- prometheus.MustNewConstMetric(c.folderFreeDesc, prometheus.GaugeValue, float64(u.FreeBytes), u.Path)
	}
}
