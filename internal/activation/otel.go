package activation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
)

// ActivationMetrics holds the controller's OpenTelemetry instruments
type ActivationMetrics struct {
	activationAttempts metric.Int64Counter
	outcomes           metric.Int64Counter
	validations        metric.Int64Counter
	graceEntries       metric.Int64Counter
	remoteDuration     metric.Float64Histogram
	transitions        metric.Int64Counter
}

// InitializeActivationMetrics creates the controller instruments on meter,
// or on the global meter provider when meter is nil.
func InitializeActivationMetrics(meter metric.Meter) (*ActivationMetrics, error) {
	if meter == nil {
		meter = otel.Meter(infrastructure.MeterName)
	}

	activationAttempts, err := meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, err
	}

	outcomes, err := meter.Int64Counter(
		"license_activation_outcomes_total",
		metric.WithDescription("Verdicts produced by activation, validation and deactivation"),
	)
	if err != nil {
		return nil, err
	}

	validations, err := meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("Total number of startup and periodic validations"),
	)
	if err != nil {
		return nil, err
	}

	graceEntries, err := meter.Int64Counter(
		"license_grace_entries_total",
		metric.WithDescription("Times a license was allowed on offline grace"),
	)
	if err != nil {
		return nil, err
	}

	remoteDuration, err := meter.Float64Histogram(
		"license_authority_call_duration_seconds",
		metric.WithDescription("Duration of calls to the activation authority, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"license_state_transitions_total",
		metric.WithDescription("Reconciliation state machine transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &ActivationMetrics{
		activationAttempts: activationAttempts,
		outcomes:           outcomes,
		validations:        validations,
		graceEntries:       graceEntries,
		remoteDuration:     remoteDuration,
		transitions:        transitions,
	}, nil
}

func (m *ActivationMetrics) recordAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.activationAttempts.Add(ctx, 1)
}

func (m *ActivationMetrics) recordOutcome(ctx context.Context, operation string, v Verdict) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("state", string(v.State)),
		attribute.String("reason", string(v.Reason)),
		attribute.Bool("allowed", v.Allowed),
	)
	m.outcomes.Add(ctx, 1, attrs)
	if operation == opValidate || operation == opRevalidate {
		m.validations.Add(ctx, 1, attrs)
	}
	if v.State == StateActiveOfflineGrace {
		m.graceEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

func (m *ActivationMetrics) recordRemote(ctx context.Context, call, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("call", call),
		attribute.String("result", result),
	))
}

func (m *ActivationMetrics) recordTransition(ctx context.Context, from, to State) {
	if m == nil || from == to {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}
