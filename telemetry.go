// telemetry.go
// Session tracking and the batched telemetry pipeline.
package sidekick

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Session
// ============================================================================

// activeOperation is one started-but-not-finished tracked operation.
type activeOperation struct {
	Kind      OperationKind
	StartedAt time.Time
}

// Session groups telemetry under one identifier for the process lifetime.
// The ID is generated once at construction and reused for every event until
// the process exits.
type Session struct {
	ID string

	mu     sync.Mutex
	active map[string]activeOperation
}

// NewSession generates a fresh session identifier.
func NewSession() *Session {
	return &Session{
		ID:     uuid.NewString(),
		active: make(map[string]activeOperation),
	}
}

// StartOperation records the start of an operation and returns its ID.
func (s *Session) StartOperation(kind OperationKind) string {
	opID := uuid.NewString()
	s.mu.Lock()
	s.active[opID] = activeOperation{Kind: kind, StartedAt: time.Now()}
	s.mu.Unlock()
	return opID
}

// EndOperation removes and returns the operation record for opID.
func (s *Session) EndOperation(opID string) (activeOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.active[opID]
	if ok {
		delete(s.active, opID)
	}
	return op, ok
}

// ActiveCount returns the number of in-flight operations.
func (s *Session) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ============================================================================
// Telemetry Sink
// ============================================================================

// TelemetrySink delivers a batch of events to the outside world. Delivery is
// fire-and-forget from the orchestrator's perspective; errors are handled
// entirely inside the TelemetryBatcher.
type TelemetrySink interface {
	Deliver(ctx context.Context, events []TelemetryEvent) error
}

// httpTelemetrySink posts event batches as JSON via a RequestClient.
type httpTelemetrySink struct {
	client   RequestClient
	endpoint string
}

func newHTTPTelemetrySink(client RequestClient, endpoint string) *httpTelemetrySink {
	return &httpTelemetrySink{client: client, endpoint: endpoint}
}

func (s *httpTelemetrySink) Deliver(ctx context.Context, events []TelemetryEvent) error {
	payload := struct {
		Events []TelemetryEvent `json:"events"`
	}{Events: events}
	if _, err := s.client.Post(ctx, s.endpoint, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrTelemetryDelivery, err)
	}
	return nil
}

// ============================================================================
// Telemetry Batcher
// ============================================================================

// TelemetryBatcher decouples event emission from delivery. Track appends to a
// pending buffer and never blocks on the network; delivery happens on a
// background goroutine, triggered by buffer size or a periodic timer. A
// failed delivery merges the batch back in front of any newly tracked events,
// so nothing is silently dropped and enqueue order is preserved.
type TelemetryBatcher struct {
	mu      sync.Mutex
	pending []TelemetryEvent

	sink      TelemetrySink
	sessionID string
	enabled   bool
	batchSize int
	interval  time.Duration
	common    map[string]any
	logger    *slog.Logger
	now       func() time.Time // clock hook for tests

	flushCh  chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// NewTelemetryBatcher creates the batcher and starts its flush loop. When
// enabled is false every Track call is a no-op (the loop still runs so Close
// stays uniform).
func NewTelemetryBatcher(sink TelemetrySink, sessionID, clientVersion string, enabled bool, logger *slog.Logger) *TelemetryBatcher {
	if logger == nil {
		logger = slog.Default()
	}
	b := &TelemetryBatcher{
		sink:      sink,
		sessionID: sessionID,
		enabled:   enabled,
		batchSize: telemetryBatchSize,
		interval:  telemetryFlushInterval,
		common: map[string]any{
			"client_version": clientVersion,
			"os":             runtime.GOOS,
		},
		logger:   logger.With("component", "TelemetryBatcher"),
		now:      time.Now,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Track appends an event to the pending buffer, injecting the session ID,
// a timestamp, and process-wide properties. Reaching the batch size triggers
// an asynchronous flush; the caller never waits on delivery.
func (b *TelemetryBatcher) Track(event TelemetryEvent) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	event.SessionID = b.sessionID
	if event.Timestamp.IsZero() {
		// Taken under the lock, so timestamps are non-decreasing in
		// enqueue order.
		event.Timestamp = b.now()
	}
	if event.Properties == nil {
		event.Properties = make(map[string]any, len(b.common))
	}
	for k, v := range b.common {
		if _, exists := event.Properties[k]; !exists {
			event.Properties[k] = v
		}
	}
	b.pending = append(b.pending, event)
	reached := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if reached {
		select {
		case b.flushCh <- struct{}{}:
		default: // a flush is already queued
		}
	}
}

// PendingCount returns the number of buffered, undelivered events.
func (b *TelemetryBatcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush snapshots and clears the pending buffer, then attempts delivery.
// On failure the snapshot is merged back in front of events tracked since,
// and the error is logged rather than raised to the caller.
func (b *TelemetryBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	snapshot := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	if err := b.sink.Deliver(ctx, snapshot); err != nil {
		b.mu.Lock()
		b.pending = append(snapshot, b.pending...)
		restored := len(b.pending)
		b.mu.Unlock()
		b.logger.Warn("Telemetry delivery failed, batch re-enqueued", "error", err, "batch_size", len(snapshot), "pending", restored)
		return
	}
	b.logger.Debug("Delivered telemetry batch", "batch_size", len(snapshot))
}

// flushLoop services size-triggered and periodic flushes until Close.
func (b *TelemetryBatcher) flushLoop() {
	defer close(b.loopDone)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.flushCh:
			b.Flush(context.Background())
		case <-ticker.C:
			b.Flush(context.Background())
		}
	}
}

// Close stops the flush loop and attempts one best-effort final flush.
// No retry happens after shutdown begins.
func (b *TelemetryBatcher) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.loopDone
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Flush(ctx)
		if n := b.PendingCount(); n > 0 {
			b.logger.Warn("Undelivered telemetry events at shutdown", "count", n)
		}
	})
}
