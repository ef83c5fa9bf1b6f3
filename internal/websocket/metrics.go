package websocket

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
)

// HubMetrics holds the hub's OpenTelemetry instruments
type HubMetrics struct {
	connectionsTotal  metric.Int64Counter
	connectionsActive metric.Int64UpDownCounter
	messagesSent      metric.Int64Counter
	droppedMessages   metric.Int64Counter
}

// NewHubMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewHubMetrics(meter metric.Meter) (*HubMetrics, error) {
	if meter == nil {
		meter = otel.Meter(infrastructure.MeterName)
	}

	connectionsTotal, err := meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	connectionsActive, err := meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	messagesSent, err := meter.Int64Counter(
		"websocket_messages_sent_total",
		metric.WithDescription("Messages queued to clients"),
	)
	if err != nil {
		return nil, err
	}

	droppedMessages, err := meter.Int64Counter(
		"websocket_dropped_messages_total",
		metric.WithDescription("Messages dropped because a queue was full"),
	)
	if err != nil {
		return nil, err
	}

	return &HubMetrics{
		connectionsTotal:  connectionsTotal,
		connectionsActive: connectionsActive,
		messagesSent:      messagesSent,
		droppedMessages:   droppedMessages,
	}, nil
}

func (m *HubMetrics) recordConnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

func (m *HubMetrics) recordDisconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
}

func (m *HubMetrics) recordSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1)
}

func (m *HubMetrics) recordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedMessages.Add(ctx, 1)
}
