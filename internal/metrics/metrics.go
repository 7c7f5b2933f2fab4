// Package metrics tracks crawl progress for logging, the metrics file and a
// Prometheus endpoint.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alvmarrod/cite-weaver/internal/crawler"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

const namespace = "citeweaver"

var _ crawler.Observer = (*Tracker)(nil)

// Snapshot is a point-in-time copy of the tracked counters
type Snapshot struct {
	StartTime        time.Time                  `json:"start_time"`
	Fetches          map[storage.Outcome]int    `json:"fetches"`
	NodesFinished    map[storage.NodeStatus]int `json:"nodes_finished"`
	Checkpoints      int                        `json:"checkpoints"`
	ChallengePauses  int                        `json:"challenge_pauses"`
	TotalFetchTimeMs int64                      `json:"total_fetch_time_ms"`
	AvgFetchTimeMs   int64                      `json:"avg_fetch_time_ms"`
	TotalDelayMs     int64                      `json:"total_delay_ms"`
}

// Tracker holds and manages crawl metrics. It is a crawler.Observer
type Tracker struct {
	mu               sync.Mutex
	data             Snapshot
	totalFetchTimeMs int64
	fetchCount       int

	registry        *prometheus.Registry
	fetchTotal      *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	politenessDelay prometheus.Histogram
	nodesTotal      *prometheus.CounterVec
	checkpoints     prometheus.Counter
	pauses          prometheus.Counter
}

// NewTracker creates a new metrics tracker with its own registry
func NewTracker() *Tracker {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Tracker{
		data: Snapshot{
			StartTime:     time.Now(),
			Fetches:       make(map[storage.Outcome]int),
			NodesFinished: make(map[storage.NodeStatus]int),
		},
		registry: reg,
		fetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_total",
				Help:      "Total number of listing fetches by outcome",
			},
			[]string{"outcome"},
		),
		fetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of listing fetches in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		politenessDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "politeness_delay_seconds",
				Help:      "Delay waited before each fetch in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		nodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_finished_total",
				Help:      "Total number of tree nodes finished by final status",
			},
			[]string{"status"},
		),
		checkpoints: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_total",
				Help:      "Total number of session checkpoints written",
			},
		),
		pauses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "challenge_pauses_total",
				Help:      "Total number of pauses for a human challenge",
			},
		),
	}
}

// Registry exposes the tracker's Prometheus registry
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// Handler serves the registry in the Prometheus text format
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// FetchCompleted records one request
func (t *Tracker) FetchCompleted(ev crawler.FetchEvent) {
	t.fetchTotal.WithLabelValues(string(ev.Outcome)).Inc()
	t.fetchDuration.Observe(ev.Duration.Seconds())
	t.politenessDelay.Observe(ev.Delay.Seconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Fetches[ev.Outcome]++
	t.data.TotalDelayMs += ev.Delay.Milliseconds()
	t.totalFetchTimeMs += ev.Duration.Milliseconds()
	t.fetchCount++
}

// NodeFinished records a node leaving the frontier
func (t *Tracker) NodeFinished(_ string, node storage.TreeNode) {
	t.nodesTotal.WithLabelValues(string(node.Status)).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.NodesFinished[node.Status]++
}

// Checkpointed records a session save
func (t *Tracker) Checkpointed(_ string, _ int) {
	t.checkpoints.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Checkpoints++
}

// ChallengePaused records a pause for manual challenge solving
func (t *Tracker) ChallengePaused(_, _ string) {
	t.pauses.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.ChallengePauses++
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	snapshot := t.data
	snapshot.Fetches = make(map[storage.Outcome]int, len(t.data.Fetches))
	for o, n := range t.data.Fetches {
		snapshot.Fetches[o] = n
	}
	snapshot.NodesFinished = make(map[storage.NodeStatus]int, len(t.data.NodesFinished))
	for s, n := range t.data.NodesFinished {
		snapshot.NodesFinished[s] = n
	}
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs

	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}
	return snapshot
}

// fileContents is the layout of the metrics file
type fileContents struct {
	Report  *storage.CrawlReport `json:"report,omitempty"`
	Metrics Snapshot             `json:"metrics"`
}

// WriteToFile exports metrics, and the crawl report when there is one, to a JSON file
func (t *Tracker) WriteToFile(path string, report *storage.CrawlReport) error {
	t.mu.Lock()
	contents := fileContents{Report: report, Metrics: t.snapshotLocked()}
	t.mu.Unlock()

	jsonData, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for periodic console updates
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	finished := 0
	for _, n := range t.data.NodesFinished {
		finished += n
	}
	return fmt.Sprintf("Nodes: %d finished, %d failed | Fetches: %d ok, %d throttled, %d challenged, %d errors | Checkpoints: %d",
		finished,
		t.data.NodesFinished[storage.StatusFailed],
		t.data.Fetches[storage.OutcomeSuccess],
		t.data.Fetches[storage.OutcomeRateLimited],
		t.data.Fetches[storage.OutcomeChallenge],
		t.data.Fetches[storage.OutcomeNetworkError],
		t.data.Checkpoints,
	)
}
