package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/config"
)

type collector struct {
	mu       sync.Mutex
	payloads []batchPayload
	raw      []string
	status   int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body strings.Builder
	var p batchPayload
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&p); err == nil {
		data, _ := json.Marshal(p)
		body.Write(data)
	}
	c.mu.Lock()
	c.payloads = append(c.payloads, p)
	c.raw = append(c.raw, body.String())
	status := c.status
	c.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
	}
}

func (c *collector) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, p := range c.payloads {
		out = append(out, p.Events...)
	}
	return out
}

func testConfig(endpoint string) config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:       true,
		Endpoint:      endpoint,
		BufferSize:    8,
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
		RatePerSecond: 100,
		Burst:         10,
	}
}

func TestReporterShipsBatches(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	r := NewReporter(testConfig(srv.URL), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Record(Event{Name: "license_activate", Tier: "PRO", Allowed: true})
	r.Record(Event{Name: "license_validate", Tier: "PRO", Allowed: true})
	r.Record(Event{Name: "license_deactivate"})

	assert.Eventually(t, func() bool { return len(c.events()) == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(3), r.Sent())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotEmpty(t, c.payloads[0].SessionID)
	for _, raw := range c.raw {
		assert.NotContains(t, raw, "fingerprint")
		assert.NotContains(t, raw, "license_key")
	}
}

func TestReporterDrainsOnShutdown(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Hour
	r := NewReporter(cfg, nil)

	r.Record(Event{Name: "license_activate"})
	r.Record(Event{Name: "license_activate"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	assert.Len(t, c.events(), 2)
}

func TestReporterRecordNeverBlocks(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.BufferSize = 2
	r := NewReporter(cfg, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Record(Event{Name: "license_validate"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked with no consumer")
	}
	assert.Equal(t, int64(98), r.Dropped())
}

func TestReporterEndpointFailureDropsBatch(t *testing.T) {
	c := &collector{status: http.StatusInternalServerError}
	srv := httptest.NewServer(c)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.BatchSize = 1
	r := NewReporter(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Record(Event{Name: "license_activate"})
	assert.Eventually(t, func() bool { return r.Dropped() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), r.Sent())
}

func TestReporterDisabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TelemetryConfig
	}{
		{"disabled", config.TelemetryConfig{Enabled: false, Endpoint: "http://127.0.0.1:1"}},
		{"no endpoint", config.TelemetryConfig{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReporter(tt.cfg, nil)
			assert.False(t, r.Enabled())
			r.Record(Event{Name: "ignored"})
			assert.Equal(t, int64(0), r.Dropped())

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			assert.NoError(t, r.Run(ctx))
		})
	}

	var nilReporter *Reporter
	assert.NotPanics(t, func() { nilReporter.Record(Event{}) })
	NopRecorder{}.Record(Event{})
}
