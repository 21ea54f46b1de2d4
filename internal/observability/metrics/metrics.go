package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// QueueJobLabel identifies transcode queue job transitions by priority and
// outcome status.
type QueueJobLabel struct {
	Priority string
	Status   string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, upload session lifecycle events, transcode queue transitions,
// and pipeline notifications. It coordinates concurrent writers via a
// RWMutex while exposing a thread-safe gauge for active worker tracking.
type Recorder struct {
	mu             sync.RWMutex
	requestCount   map[requestLabel]uint64
	requestLatency map[requestLabel]time.Duration
	uploadEvents   map[string]uint64
	queueEvents    map[QueueJobLabel]uint64
	notifyAttempts map[string]uint64
	notifyFailures map[string]uint64
	activeWorkers  atomic.Int64
	queueDepth     atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:   make(map[requestLabel]uint64),
		requestLatency: make(map[requestLabel]time.Duration),
		uploadEvents:   make(map[string]uint64),
		queueEvents:    make(map[QueueJobLabel]uint64),
		notifyAttempts: make(map[string]uint64),
		notifyFailures: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestLatency[label] += duration
	r.mu.Unlock()
}

// ObserveUploadEvent records an upload session lifecycle event
// (e.g. "started", "completed", "expired", "rejected").
func (r *Recorder) ObserveUploadEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	r.mu.Unlock()
}

// ObserveQueueEvent records a transcode job transition labelled with its
// priority and resulting status (e.g. "claimed", "completed", "retried",
// "failed").
func (r *Recorder) ObserveQueueEvent(priority, status string) {
	label := QueueJobLabel{
		Priority: normalizeName(priority),
		Status:   normalizeName(status),
	}
	r.mu.Lock()
	r.queueEvents[label]++
	r.mu.Unlock()
}

// WorkerStarted increments the active transcode worker gauge.
func (r *Recorder) WorkerStarted() {
	r.activeWorkers.Add(1)
}

// WorkerFinished decrements the active transcode worker gauge, guarding
// against negative counts when concurrent updates race.
func (r *Recorder) WorkerFinished() {
	r.decrementGauge(&r.activeWorkers)
}

// ActiveWorkers exposes the current gauge of concurrently running transcode
// workers.
func (r *Recorder) ActiveWorkers() int64 {
	return r.activeWorkers.Load()
}

// SetQueueDepth records the number of pending jobs observed by the last
// scheduler sweep.
func (r *Recorder) SetQueueDepth(depth int64) {
	if depth < 0 {
		depth = 0
	}
	r.queueDepth.Store(depth)
}

// ObserveNotifyAttempt records a pipeline notification attempt keyed by
// transport name (e.g. "webhook", "redis").
func (r *Recorder) ObserveNotifyAttempt(transport string) {
	name := normalizeName(transport)
	r.mu.Lock()
	r.notifyAttempts[name]++
	r.mu.Unlock()
}

// ObserveNotifyFailure records a failed pipeline notification keyed by
// transport name. The caller should also record the attempt separately.
func (r *Recorder) ObserveNotifyFailure(transport string) {
	name := normalizeName(transport)
	r.mu.Lock()
	r.notifyFailures[name]++
	r.mu.Unlock()
}

// QueueEventCounts returns copies of queue transition counters for testing
// and reporting.
func (r *Recorder) QueueEventCounts() map[QueueJobLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[QueueJobLabel]uint64, len(r.queueEvents))
	for k, v := range r.queueEvents {
		events[k] = v
	}
	return events
}

// UploadEventCounts returns copies of upload lifecycle counters.
func (r *Recorder) UploadEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestLatency = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.queueEvents = make(map[QueueJobLabel]uint64)
	r.notifyAttempts = make(map[string]uint64)
	r.notifyFailures = make(map[string]uint64)
	r.activeWorkers.Store(0)
	r.queueDepth.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := r.sortedUploadEvents()
	queueLabels := r.sortedQueueJobLabels()
	notifyTransports := r.sortedNotifyTransports()

	fmt.Fprintln(w, "# HELP clipflow_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE clipflow_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "clipflow_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP clipflow_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE clipflow_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestLatency[label].Seconds()
		fmt.Fprintf(w, "clipflow_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP clipflow_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE clipflow_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "clipflow_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP clipflow_upload_events_total Upload session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE clipflow_upload_events_total counter")
	for _, event := range uploadEvents {
		value := r.uploadEvents[event]
		fmt.Fprintf(w, "clipflow_upload_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP clipflow_queue_jobs_total Transcode queue job transitions by priority and status")
	fmt.Fprintln(w, "# TYPE clipflow_queue_jobs_total counter")
	for _, label := range queueLabels {
		count := r.queueEvents[label]
		fmt.Fprintf(w, "clipflow_queue_jobs_total{priority=\"%s\",status=\"%s\"} %d\n", label.Priority, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP clipflow_queue_pending_jobs Pending jobs observed by the last scheduler sweep")
	fmt.Fprintln(w, "# TYPE clipflow_queue_pending_jobs gauge")
	fmt.Fprintf(w, "clipflow_queue_pending_jobs %d\n", r.queueDepth.Load())

	fmt.Fprintln(w, "# HELP clipflow_active_workers Current number of running transcode workers")
	fmt.Fprintln(w, "# TYPE clipflow_active_workers gauge")
	fmt.Fprintf(w, "clipflow_active_workers %d\n", r.activeWorkers.Load())

	fmt.Fprintln(w, "# HELP clipflow_notify_attempts_total Pipeline notification attempts by transport")
	fmt.Fprintln(w, "# TYPE clipflow_notify_attempts_total counter")
	for _, transport := range notifyTransports {
		count := r.notifyAttempts[transport]
		fmt.Fprintf(w, "clipflow_notify_attempts_total{transport=\"%s\"} %d\n", transport, count)
	}

	fmt.Fprintln(w, "# HELP clipflow_notify_failures_total Failed pipeline notifications by transport")
	fmt.Fprintln(w, "# TYPE clipflow_notify_failures_total counter")
	for _, transport := range notifyTransports {
		count := r.notifyFailures[transport]
		fmt.Fprintf(w, "clipflow_notify_failures_total{transport=\"%s\"} %d\n", transport, count)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedUploadEvents() []string {
	events := make([]string, 0, len(r.uploadEvents))
	for event := range r.uploadEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedQueueJobLabels() []QueueJobLabel {
	labels := make([]QueueJobLabel, 0, len(r.queueEvents))
	for label := range r.queueEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Priority != labels[j].Priority {
			return labels[i].Priority < labels[j].Priority
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedNotifyTransports() []string {
	seen := make(map[string]struct{}, len(r.notifyAttempts)+len(r.notifyFailures))
	for transport := range r.notifyAttempts {
		seen[transport] = struct{}{}
	}
	for transport := range r.notifyFailures {
		seen[transport] = struct{}{}
	}
	transports := make([]string, 0, len(seen))
	for transport := range seen {
		transports = append(transports, transport)
	}
	sort.Strings(transports)
	return transports
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveUploadEvent records an upload lifecycle event on the default recorder.
func ObserveUploadEvent(event string) {
	defaultRecorder.ObserveUploadEvent(event)
}

// ObserveQueueEvent records a queue transition on the default recorder.
func ObserveQueueEvent(priority, status string) {
	defaultRecorder.ObserveQueueEvent(priority, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
