// Package analysis holds the pattern heuristics run over a trailing window of logs.
package analysis

import (
	"fmt"
	"sort"
	"time"

	"github.com/log-zero/sentinel/internal/models"
)

const (
	// ClusterRadius is the half-width of the window around each entry.
	ClusterRadius = 5 * time.Minute
	// ClusterMinSize is the number of anomaly reports that makes a cluster.
	ClusterMinSize = 3
	// ErrorSpikeThreshold is exceeded by the ERROR count to flag a spike.
	ErrorSpikeThreshold = 10
	// LowActivityThreshold is the INFO count below which a day-long window is flagged.
	LowActivityThreshold = 5
	// LowActivityMinWindow is the smallest window, in hours, checked for low activity.
	LowActivityMinWindow = 24
)

// Pattern types.
const (
	PatternErrorSpike  = "error_spike"
	PatternLowActivity = "low_activity"
)

// Cluster is a burst of anomaly reports around one log entry.
type Cluster struct {
	Timestamp   time.Time `json:"timestamp"`
	ClusterSize int       `json:"cluster_size"`
	Severity    string    `json:"severity"`
}

// Pattern is a threshold-based irregularity.
type Pattern struct {
	Type        string `json:"type"`
	Count       int    `json:"count"`
	Description string `json:"description"`
}

// Histogram counts entries per severity.
func Histogram(entries []models.LogEntry) map[string]int {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Severity]++
	}
	return counts
}

// Clusters finds entries with at least ClusterMinSize anomaly reports whose
// parent timestamp lies within ±ClusterRadius of the entry's timestamp, bounds
// inclusive. anomalyTimes holds one timestamp per report.
//
// Entries and report times are sorted once and swept with two monotone
// pointers. Neighbouring entries that see exactly the same set of reports
// produce a single cluster, reported at the first of them.
func Clusters(entries []models.LogEntry, anomalyTimes []time.Time) []Cluster {
	if len(entries) == 0 || len(anomalyTimes) < ClusterMinSize {
		return []Cluster{}
	}

	sorted := make([]models.LogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	times := make([]time.Time, len(anomalyTimes))
	copy(times, anomalyTimes)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	clusters := []Cluster{}
	lo, hi := 0, 0
	lastLo, lastHi := -1, -1
	for _, e := range sorted {
		from := e.Timestamp.Add(-ClusterRadius)
		to := e.Timestamp.Add(ClusterRadius)

		for lo < len(times) && times[lo].Before(from) {
			lo++
		}
		if hi < lo {
			hi = lo
		}
		for hi < len(times) && !times[hi].After(to) {
			hi++
		}

		size := hi - lo
		if size < ClusterMinSize {
			continue
		}
		if lo == lastLo && hi == lastHi {
			continue
		}
		lastLo, lastHi = lo, hi

		clusters = append(clusters, Cluster{
			Timestamp:   e.Timestamp,
			ClusterSize: size,
			Severity:    e.Severity,
		})
	}
	return clusters
}

// Flags returns the unusual patterns implied by a severity histogram. An
// empty histogram means there is nothing to judge, so low activity is only
// flagged when the window holds at least one entry.
func Flags(counts map[string]int, windowHours int) []Pattern {
	patterns := []Pattern{}

	if n := counts[models.SeverityError]; n > ErrorSpikeThreshold {
		patterns = append(patterns, Pattern{
			Type:        PatternErrorSpike,
			Count:       n,
			Description: fmt.Sprintf("Unusual spike in ERROR logs: %d errors in %dh", n, windowHours),
		})
	}

	if n := counts[models.SeverityInfo]; n < LowActivityThreshold && windowHours >= LowActivityMinWindow && len(counts) > 0 {
		patterns = append(patterns, Pattern{
			Type:        PatternLowActivity,
			Count:       n,
			Description: fmt.Sprintf("Unusually low activity: only %d INFO logs in %dh", n, windowHours),
		})
	}

	return patterns
}

// SortedSeverities returns the histogram keys in lexical order.
func SortedSeverities(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
