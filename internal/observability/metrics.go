package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Metric names of the scheduling path. Label cardinality is deliberately
// narrow: node_id, rejection reason and queue position (first or last) are
// the only labels the grid emits, so a fleet of N nodes produces O(N)
// series, never O(sessions).
const (
	MetricSessionsCreated  = "grid_sessions_created_total"
	MetricRequestsRejected = "grid_requests_rejected_total"
	MetricRequestsQueued   = "grid_requests_queued_total"
	MetricQueueDepth       = "grid_sessionqueue_depth"
	MetricRegisteredNodes  = "grid_registered_nodes"
	MetricFactoryFailures  = "grid_factory_failures_total"
	MetricPlacementSeconds = "grid_placement_seconds"
	MetricQueueWaitSeconds = "grid_queue_wait_seconds"
	metricSeriesDropped    = "grid_metric_series_dropped_total"
)

// maxSeries bounds the registry. A misbehaving label value (a client-chosen
// string leaking into a label) saturates the cap instead of the heap; drops
// are themselves counted.
const maxSeries = 1024

type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// DurationPoint is an accumulated duration series: total seconds and sample
// count, rendered as Prometheus _sum/_count pairs.
type DurationPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Sum    float64           `json:"sumSeconds"`
	Count  uint64            `json:"count"`
}

type Snapshot struct {
	Counters  []MetricPoint   `json:"counters"`
	Gauges    []MetricPoint   `json:"gauges"`
	Durations []DurationPoint `json:"durations"`
}

type series struct {
	name   string
	labels map[string]string
	value  float64
	sum    float64
	count  uint64
}

// Registry is the in-process metric store behind /v1/metrics: counters,
// gauges, and duration accumulators keyed by name plus sorted labels.
type Registry struct {
	mu        sync.Mutex
	counters  map[string]*series
	gauges    map[string]*series
	durations map[string]*series
	dropped   float64
}

func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*series),
		gauges:    make(map[string]*series),
		durations: make(map[string]*series),
	}
}

var Default = NewRegistry()

// Grid-domain recording helpers. Components go through these rather than
// inventing names and labels at call sites, which is what keeps the label
// space fixed.

func CountSessionCreated(nodeID string) {
	Default.inc(MetricSessionsCreated, map[string]string{"node_id": nodeID}, 1)
}

func CountRejection(reason string) {
	Default.inc(MetricRequestsRejected, map[string]string{"reason": reason}, 1)
}

func CountRequestQueued(position string) {
	Default.inc(MetricRequestsQueued, map[string]string{"position": position}, 1)
}

func CountFactoryFailure(nodeID string) {
	Default.inc(MetricFactoryFailures, map[string]string{"node_id": nodeID}, 1)
}

func SetQueueDepth(depth int) {
	Default.set(MetricQueueDepth, nil, float64(depth))
}

func SetRegisteredNodes(count int) {
	Default.set(MetricRegisteredNodes, nil, float64(count))
}

// ObservePlacement records how long one placement took on a node, factory
// call included.
func ObservePlacement(nodeID string, elapsed time.Duration) {
	Default.observe(MetricPlacementSeconds, map[string]string{"node_id": nodeID}, elapsed)
}

// ObserveQueueWait records how long a request sat queued before leaving the
// queue for any reason.
func ObserveQueueWait(elapsed time.Duration) {
	Default.observe(MetricQueueWaitSeconds, nil, elapsed)
}

func (r *Registry) inc(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(r.counters, name, labels)
	if s == nil {
		return
	}
	s.value += delta
}

func (r *Registry) set(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(r.gauges, name, labels)
	if s == nil {
		return
	}
	s.value = value
}

func (r *Registry) observe(name string, labels map[string]string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.lookup(r.durations, name, labels)
	if s == nil {
		return
	}
	s.sum += elapsed.Seconds()
	s.count++
}

// lookup finds or creates a series, honoring the registry cap. Callers hold
// the lock.
func (r *Registry) lookup(kind map[string]*series, name string, labels map[string]string) *series {
	key := seriesKey(name, labels)
	if s, ok := kind[key]; ok {
		return s
	}
	if len(r.counters)+len(r.gauges)+len(r.durations) >= maxSeries {
		r.dropped++
		return nil
	}
	s := &series{name: name, labels: copyLabels(labels)}
	kind[key] = s
	return s
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters:  make([]MetricPoint, 0, len(r.counters)+1),
		Gauges:    make([]MetricPoint, 0, len(r.gauges)),
		Durations: make([]DurationPoint, 0, len(r.durations)),
	}
	for _, s := range r.counters {
		out.Counters = append(out.Counters, MetricPoint{Name: s.name, Labels: copyLabels(s.labels), Value: s.value})
	}
	if r.dropped > 0 {
		out.Counters = append(out.Counters, MetricPoint{Name: metricSeriesDropped, Value: r.dropped})
	}
	for _, s := range r.gauges {
		out.Gauges = append(out.Gauges, MetricPoint{Name: s.name, Labels: copyLabels(s.labels), Value: s.value})
	}
	for _, s := range r.durations {
		out.Durations = append(out.Durations, DurationPoint{Name: s.name, Labels: copyLabels(s.labels), Sum: s.sum, Count: s.count})
	}
	sort.Slice(out.Counters, func(i, j int) bool { return pointLess(out.Counters[i], out.Counters[j]) })
	sort.Slice(out.Gauges, func(i, j int) bool { return pointLess(out.Gauges[i], out.Gauges[j]) })
	sort.Slice(out.Durations, func(i, j int) bool {
		if out.Durations[i].Name != out.Durations[j].Name {
			return out.Durations[i].Name < out.Durations[j].Name
		}
		return labelString(out.Durations[i].Labels) < labelString(out.Durations[j].Labels)
	})
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]*series)
	r.gauges = make(map[string]*series)
	r.durations = make(map[string]*series)
	r.dropped = 0
}

// RenderPrometheus renders the registry in the Prometheus text format, one
// TYPE header per metric family, duration series expanded into _sum/_count.
func (r *Registry) RenderPrometheus() string {
	snap := r.Snapshot()
	var b strings.Builder
	writeFamily(&b, "counter", snap.Counters)
	writeFamily(&b, "gauge", snap.Gauges)
	for _, d := range snap.Durations {
		fmt.Fprintf(&b, "# TYPE %s summary\n", d.Name)
		b.WriteString(promLine(d.Name+"_sum", d.Labels, d.Sum))
		b.WriteString(promLine(d.Name+"_count", d.Labels, float64(d.Count)))
	}
	return b.String()
}

func writeFamily(b *strings.Builder, kind string, points []MetricPoint) {
	lastName := ""
	for _, p := range points {
		if p.Name != lastName {
			fmt.Fprintf(b, "# TYPE %s %s\n", p.Name, kind)
			lastName = p.Name
		}
		b.WriteString(promLine(p.Name, p.Labels, p.Value))
	}
}

func promLine(name string, labels map[string]string, value float64) string {
	rendered := strconv.FormatFloat(value, 'f', -1, 64)
	if len(labels) == 0 {
		return name + " " + rendered + "\n"
	}
	return name + "{" + labelString(labels) + "} " + rendered + "\n"
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Quote(labels[k]))
	}
	return strings.Join(parts, ",")
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "|" + labelString(labels)
}

func pointLess(a, b MetricPoint) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return labelString(a.Labels) < labelString(b.Labels)
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
