package notify

import (
	"context"
	"testing"
	"time"

	"clipflow/internal/testsupport/redisstub"
)

func TestRedisPublisherAppendsToStream(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	publisher, err := NewRedisPublisher(srv.URL(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisPublisher returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = publisher.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := Event{
		Type:       EventAssetReady,
		AssetID:    "asset-1",
		JobID:      "job-1",
		OccurredAt: time.Now().UTC(),
	}
	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	entries := srv.Entries(defaultRedisStream)
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, want 1", len(entries))
	}
	values := entries[0].Values
	if values["type"] != string(EventAssetReady) {
		t.Fatalf("type = %q, want %q", values["type"], EventAssetReady)
	}
	if values["assetId"] != "asset-1" {
		t.Fatalf("assetId = %q, want asset-1", values["assetId"])
	}
	if values["jobId"] != "job-1" {
		t.Fatalf("jobId = %q, want job-1", values["jobId"])
	}
}
