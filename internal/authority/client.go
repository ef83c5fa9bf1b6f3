package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
)

const (
	// TracerName identifies client spans
	TracerName = "authority-client"

	maxResponseBytes = 64 << 10
	maxRetries       = 1
)

// ClientConfig configures the remote authority client
type ClientConfig struct {
	BaseURL string
	// RequestTimeout bounds each attempt separately
	RequestTimeout time.Duration
	// RetryBackoff is the pause before the single retry
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to the activation authority. It never fails open: anything
// it cannot interpret is reported as Unreachable.
type Client struct {
	baseURL      string
	timeout      time.Duration
	retryBackoff time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewClient validates cfg and returns a client. Plain HTTP is only
// accepted for loopback hosts.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid authority url: %w", err)
	}
	switch base.Scheme {
	case "https":
	case "http":
		if !isLoopback(base.Hostname()) {
			return nil, fmt.Errorf("authority url must use https: %s", cfg.BaseURL)
		}
	default:
		return nil, fmt.Errorf("unsupported authority url scheme %q", base.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}
	if cfg.RetryBackoff < 0 {
		return nil, fmt.Errorf("retry backoff must not be negative")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:      base.String(),
		timeout:      cfg.RequestTimeout,
		retryBackoff: cfg.RetryBackoff,
		httpClient:   httpClient,
		logger:       infrastructure.WithComponent(cfg.Logger, "authority_client"),
		tracer:       otel.Tracer(TracerName),
		now:          time.Now,
	}, nil
}

// RegisterActivation asks the authority to count this machine against the
// license.
func (c *Client) RegisterActivation(ctx context.Context, record license.LicenseRecord, fingerprint string) Response {
	return c.call(ctx, PathRegister, ActivationRequest{
		LicenseID:   record.LicenseID,
		LicenseKey:  license.Serialize(record),
		Fingerprint: fingerprint,
	})
}

// ConfirmActivation re-checks an existing activation
func (c *Client) ConfirmActivation(ctx context.Context, licenseID, fingerprint string) Response {
	return c.call(ctx, PathConfirm, ActivationRequest{
		LicenseID:   licenseID,
		Fingerprint: fingerprint,
	})
}

// Deactivate releases this machine's slot. It reports whether the
// authority acknowledged the release.
func (c *Client) Deactivate(ctx context.Context, licenseID, fingerprint string) bool {
	resp := c.call(ctx, PathDeactivate, ActivationRequest{
		LicenseID:   licenseID,
		Fingerprint: fingerprint,
	})
	return resp.Result == Accepted
}

func (c *Client) call(ctx context.Context, path string, req ActivationRequest) Response {
	req.RequestID = uuid.NewString()
	req.Timestamp = c.now().UTC()

	ctx, span := c.tracer.Start(ctx, "authority"+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("license.id", req.LicenseID),
			attribute.String("authority.request_id", req.RequestID),
		))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return c.unreachable(ctx, span, path, fmt.Errorf("failed to encode request: %w", err))
	}

	attempt := 0
	operation := func() (ActivationResponse, error) {
		attempt++
		return c.attempt(ctx, path, body, req)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "Authority call failed, retrying",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryBackoff), maxRetries),
		ctx,
	)

	wire, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		return c.unreachable(ctx, span, path, err)
	}

	result, _ := resultFromStatus(wire.Status)
	span.SetAttributes(
		attribute.String("authority.result", result.String()),
		attribute.Int("authority.remaining", wire.Remaining),
		attribute.Int("authority.attempts", attempt),
	)
	c.logger.InfoContext(ctx, "Authority call completed",
		slog.String("path", path),
		slog.String("license_id", req.LicenseID),
		slog.String("result", result.String()),
		slog.Int("remaining", wire.Remaining),
		slog.Int("attempts", attempt))

	return Response{
		Result:    result,
		Remaining: wire.Remaining,
		LicenseID: wire.LicenseID,
	}
}

// attempt performs one HTTP exchange under its own timeout. Errors that a
// retry cannot fix are wrapped as permanent.
func (c *Client) attempt(ctx context.Context, path string, body []byte, req ActivationRequest) (ActivationResponse, error) {
	var wire ActivationResponse

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return wire, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "aichemist-licensing/"+infrastructure.ServiceVersion)
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return wire, backoff.Permanent(ctx.Err())
		}
		return wire, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if isRetryableStatus(resp.StatusCode) {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return wire, fmt.Errorf("authority returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return wire, backoff.Permanent(fmt.Errorf("authority returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return wire, backoff.Permanent(ctx.Err())
		}
		return wire, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return wire, backoff.Permanent(fmt.Errorf("malformed response: %w", err))
	}
	if err := checkResponse(wire, req); err != nil {
		return wire, backoff.Permanent(err)
	}
	return wire, nil
}

func checkResponse(wire ActivationResponse, req ActivationRequest) error {
	if _, ok := resultFromStatus(wire.Status); !ok {
		return fmt.Errorf("unknown response status %q", wire.Status)
	}
	if wire.LicenseID != req.LicenseID {
		return fmt.Errorf("response license id mismatch")
	}
	if wire.RequestID != req.RequestID {
		return fmt.Errorf("response request id mismatch")
	}
	if wire.Remaining < 0 {
		return fmt.Errorf("negative remaining count %d", wire.Remaining)
	}
	return nil
}

func (c *Client) unreachable(ctx context.Context, span trace.Span, path string, err error) Response {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	c.logger.WarnContext(ctx, "Authority unreachable",
		slog.String("path", path),
		slog.String("error", err.Error()))

	return Response{
		Result: Unreachable,
		Err:    fmt.Errorf("%w: %w", licenseErrors.ErrNetworkUnreachable, err),
	}
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
