// Package notify delivers pipeline lifecycle events to interested
// downstream systems. Delivery is best effort: a failed publish is logged
// and counted but never blocks or fails the operation that produced the
// event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clipflow/internal/observability/metrics"
)

// Event types emitted by the pipeline.
const (
	EventAssetReady   = "asset.ready"
	EventAssetFailed  = "asset.failed"
	EventJobRequeued  = "job.requeued"
	EventUploadDone   = "upload.completed"
	EventUploadStart  = "upload.started"
	EventUploadLapsed = "upload.expired"
)

// Event describes one state transition in the ingestion pipeline.
type Event struct {
	Type       string    `json:"type"`
	AssetID    string    `json:"assetId,omitempty"`
	JobID      string    `json:"jobId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	StreamID   string    `json:"streamId,omitempty"`
	OwnerID    string    `json:"ownerId,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier publishes a single event to one transport.
type Notifier interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Dispatcher fans events out to every configured transport. Publishes run
// asynchronously so callers never wait on a slow endpoint.
type Dispatcher struct {
	notifiers []Notifier
	logger    *slog.Logger
	metrics   *metrics.Recorder
	timeout   time.Duration
	clock     func() time.Time
	wg        sync.WaitGroup
}

const defaultPublishTimeout = 10 * time.Second

// NewDispatcher builds a dispatcher over the provided transports. Nil
// entries are skipped so callers can pass optional transports directly.
func NewDispatcher(logger *slog.Logger, recorder *metrics.Recorder, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &Dispatcher{
		notifiers: kept,
		logger:    logger,
		metrics:   recorder,
		timeout:   defaultPublishTimeout,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Emit schedules the event for delivery on every transport and returns
// immediately.
func (d *Dispatcher) Emit(event Event) {
	if d == nil || len(d.notifiers) == 0 {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.clock()
	}
	for _, notifier := range d.notifiers {
		notifier := notifier
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.publish(notifier, event)
		}()
	}
}

func (d *Dispatcher) publish(notifier Notifier, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.metrics.ObserveNotifyAttempt(notifier.Name())
	if err := notifier.Publish(ctx, event); err != nil {
		d.metrics.ObserveNotifyFailure(notifier.Name())
		d.logger.Warn("notify publish failed",
			"transport", notifier.Name(),
			"event", event.Type,
			"asset_id", event.AssetID,
			"error", err,
		)
		return
	}
	d.logger.Debug("notify published",
		"transport", notifier.Name(),
		"event", event.Type,
		"asset_id", event.AssetID,
	)
}

// Flush blocks until all in-flight publishes have finished.
func (d *Dispatcher) Flush() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
