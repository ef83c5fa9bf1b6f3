package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/config"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
)

const (
	sendTimeout  = 5 * time.Second
	drainTimeout = 2 * time.Second
)

// Event is one anonymous usage record. It never carries the license key or
// the machine fingerprint.
type Event struct {
	Name      string    `json:"event"`
	Operation string    `json:"operation,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	State     string    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Allowed   bool      `json:"allowed"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder accepts events without blocking
type Recorder interface {
	Record(Event)
}

// NopRecorder discards everything
type NopRecorder struct{}

func (NopRecorder) Record(Event) {}

type batchPayload struct {
	SessionID  string  `json:"session_id"`
	AppVersion string  `json:"app_version"`
	OS         string  `json:"os"`
	Events     []Event `json:"events"`
}

// Reporter buffers events in a bounded queue and ships them in batches.
// Failures are logged and the batch is dropped.
type Reporter struct {
	cfg       config.TelemetryConfig
	enabled   bool
	events    chan Event
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	sessionID string

	dropped atomic.Int64
	sent    atomic.Int64
}

// NewReporter creates a reporter. It is a no-op unless telemetry is enabled
// and an endpoint is configured.
func NewReporter(cfg config.TelemetryConfig, logger *slog.Logger) *Reporter {
	enabled := cfg.Enabled && cfg.Endpoint != ""
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Reporter{
		cfg:       cfg,
		enabled:   enabled,
		events:    make(chan Event, bufferSize),
		client:    &http.Client{Timeout: sendTimeout},
		limiter:   rate.NewLimiter(limit, burst),
		logger:    infrastructure.WithComponent(logger, "telemetry"),
		sessionID: uuid.NewString(),
	}
}

// Enabled reports whether events are shipped anywhere
func (r *Reporter) Enabled() bool {
	return r != nil && r.enabled
}

// Record queues e, dropping it when the queue is full
func (r *Reporter) Record(e Event) {
	if !r.Enabled() {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped is the number of events discarded because the queue was full or
// the endpoint failed.
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

// Sent is the number of events accepted by the endpoint
func (r *Reporter) Sent() int64 {
	return r.sent.Load()
}

// Run ships batches until ctx is done, then makes one bounded attempt to
// flush what is still queued.
func (r *Reporter) Run(ctx context.Context) error {
	if !r.Enabled() {
		<-ctx.Done()
		return nil
	}

	r.logger.InfoContext(ctx, "Telemetry reporter started",
		slog.String("endpoint", r.cfg.Endpoint),
		slog.Int("batch_size", r.cfg.BatchSize),
		slog.Duration("flush_interval", r.cfg.FlushInterval))

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = r.drain(batch)
			if len(batch) > 0 {
				drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
				r.flush(drainCtx, batch)
				cancel()
			}
			r.logger.InfoContext(ctx, "Telemetry reporter stopped",
				slog.Int64("sent", r.Sent()),
				slog.Int64("dropped", r.Dropped()))
			return nil
		case e := <-r.events:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Reporter) drain(batch []Event) []Event {
	for {
		select {
		case e := <-r.events:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (r *Reporter) flush(ctx context.Context, batch []Event) {
	if err := r.limiter.Wait(ctx); err != nil {
		r.dropped.Add(int64(len(batch)))
		return
	}
	if err := r.send(ctx, batch); err != nil {
		r.dropped.Add(int64(len(batch)))
		r.logger.WarnContext(ctx, "Telemetry batch dropped",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()))
		return
	}
	r.sent.Add(int64(len(batch)))
}

func (r *Reporter) send(ctx context.Context, batch []Event) error {
	body, err := json.Marshal(batchPayload{
		SessionID:  r.sessionID,
		AppVersion: infrastructure.ServiceVersion,
		OS:         runtime.GOOS,
		Events:     batch,
	})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "aichemist-licensing/"+infrastructure.ServiceVersion)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
