package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{
			name:     "root path",
			method:   "get",
			path:     "/",
			status:   200,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "empty path",
			method:   "GET",
			path:     "",
			status:   200,
			duration: 25 * time.Millisecond,
		},
		{
			name:     "id segment",
			method:   "post",
			path:     "/assets/123",
			status:   201,
			duration: 100 * time.Millisecond,
		},
		{
			name:     "trailing slash and alpha id",
			method:   "POST",
			path:     "/assets/abc123def/",
			status:   201,
			duration: 50 * time.Millisecond,
		},
		{
			name:     "multi ids",
			method:   "PATCH",
			path:     "jobs/abc/456/extra",
			status:   404,
			duration: 10 * time.Millisecond,
		},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestLatency[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestWorkerGaugeConcurrent(t *testing.T) {
	recorder := New()

	starts := 100
	extraStops := 50

	var wg sync.WaitGroup
	wg.Add(starts)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.WorkerStarted()
		}()
	}
	wg.Wait()

	wg.Add(starts + extraStops)
	for i := 0; i < starts+extraStops; i++ {
		go func() {
			defer wg.Done()
			recorder.WorkerFinished()
		}()
	}
	wg.Wait()

	if active := recorder.ActiveWorkers(); active != 0 {
		t.Fatalf("active workers should drain to zero without going negative; got %d", active)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/assets/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/assets/456/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/uploads/start", 201, time.Second)

	recorder.ObserveUploadEvent("started")
	recorder.ObserveUploadEvent("Started")
	recorder.ObserveUploadEvent("completed")

	recorder.ObserveQueueEvent("HIGH", "claimed")
	recorder.ObserveQueueEvent("high", "completed")
	recorder.ObserveQueueEvent("normal", "failed")

	recorder.SetQueueDepth(4)

	recorder.WorkerStarted()
	recorder.WorkerStarted()
	recorder.WorkerFinished()

	recorder.ObserveNotifyAttempt("webhook")
	recorder.ObserveNotifyAttempt("webhook")
	recorder.ObserveNotifyAttempt("redis")
	recorder.ObserveNotifyFailure("webhook")

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP clipflow_http_requests_total Total number of HTTP requests processed by the API
# TYPE clipflow_http_requests_total counter
clipflow_http_requests_total{method="GET",path="/assets/:id",status="200"} 2
clipflow_http_requests_total{method="POST",path="/uploads/start",status="201"} 1
# HELP clipflow_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE clipflow_http_request_duration_seconds_sum counter
clipflow_http_request_duration_seconds_sum{method="GET",path="/assets/:id",status="200"} 0.200000
clipflow_http_request_duration_seconds_sum{method="POST",path="/uploads/start",status="201"} 1.000000
# HELP clipflow_http_request_duration_seconds_count Total number of observations for request durations
# TYPE clipflow_http_request_duration_seconds_count counter
clipflow_http_request_duration_seconds_count{method="GET",path="/assets/:id",status="200"} 2
clipflow_http_request_duration_seconds_count{method="POST",path="/uploads/start",status="201"} 1
# HELP clipflow_upload_events_total Upload session lifecycle events by type
# TYPE clipflow_upload_events_total counter
clipflow_upload_events_total{event="completed"} 1
clipflow_upload_events_total{event="started"} 2
# HELP clipflow_queue_jobs_total Transcode queue job transitions by priority and status
# TYPE clipflow_queue_jobs_total counter
clipflow_queue_jobs_total{priority="high",status="claimed"} 1
clipflow_queue_jobs_total{priority="high",status="completed"} 1
clipflow_queue_jobs_total{priority="normal",status="failed"} 1
# HELP clipflow_queue_pending_jobs Pending jobs observed by the last scheduler sweep
# TYPE clipflow_queue_pending_jobs gauge
clipflow_queue_pending_jobs 4
# HELP clipflow_active_workers Current number of running transcode workers
# TYPE clipflow_active_workers gauge
clipflow_active_workers 1
# HELP clipflow_notify_attempts_total Pipeline notification attempts by transport
# TYPE clipflow_notify_attempts_total counter
clipflow_notify_attempts_total{transport="redis"} 1
clipflow_notify_attempts_total{transport="webhook"} 2
# HELP clipflow_notify_failures_total Failed pipeline notifications by transport
# TYPE clipflow_notify_failures_total counter
clipflow_notify_failures_total{transport="redis"} 0
clipflow_notify_failures_total{transport="webhook"} 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
