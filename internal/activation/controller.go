package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/authority"
	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/store"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/telemetry"
)

const (
	// TracerName identifies controller spans
	TracerName = "activation-controller"

	opActivate   = "activate"
	opValidate   = "validate"
	opRevalidate = "revalidate"
	opDeactivate = "deactivate"

	// minCheckDelay keeps Run from spinning on a deadline already passed
	minCheckDelay = time.Second
)

// Authority is the remote side of activation
type Authority interface {
	RegisterActivation(ctx context.Context, record license.LicenseRecord, fingerprint string) authority.Response
	ConfirmActivation(ctx context.Context, licenseID, fingerprint string) authority.Response
	Deactivate(ctx context.Context, licenseID, fingerprint string) bool
}

// Store persists the activation state
type Store interface {
	Load(ctx context.Context) (*store.ActivationState, error)
	Save(ctx context.Context, state *store.ActivationState) error
	Clear(ctx context.Context) error
}

// Fingerprinter identifies this machine
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// UsageRecorder receives fire-and-forget usage events
type UsageRecorder interface {
	Record(telemetry.Event)
}

// Config holds the controller's policy values
type Config struct {
	GraceWindow  time.Duration
	CheckTimeout time.Duration
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = infrastructure.WithComponent(logger, "activation")
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithUsageRecorder sets the usage event sink
func WithUsageRecorder(r UsageRecorder) Option {
	return func(c *Controller) {
		c.usage = r
	}
}

// WithMetrics sets the metric instruments
func WithMetrics(m *ActivationMetrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// Controller reconciles the offline verdict, the persisted state and the
// authority's answer into a single Verdict. Activate, ValidateOnStartup,
// Revalidate and Deactivate are serialized; Current never blocks.
type Controller struct {
	mu sync.Mutex

	cfg           Config
	verifier      *license.Verifier
	authority     Authority
	store         Store
	fingerprinter Fingerprinter

	usage   UsageRecorder
	metrics *ActivationMetrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	current atomic.Pointer[Verdict]
	changed chan struct{}

	subMu       sync.Mutex
	subscribers map[int]func(Verdict)
	nextSubID   int
}

// NewController wires the controller. The initial verdict is
// PendingRemote/validation_pending until ValidateOnStartup completes.
func NewController(cfg Config, verifier *license.Verifier, auth Authority, st Store, fp Fingerprinter, opts ...Option) (*Controller, error) {
	if verifier == nil || auth == nil || st == nil || fp == nil {
		return nil, fmt.Errorf("activation controller requires verifier, authority, store and fingerprinter")
	}
	if cfg.GraceWindow <= 0 {
		return nil, fmt.Errorf("grace window must be positive")
	}
	if cfg.CheckTimeout <= 0 {
		return nil, fmt.Errorf("check timeout must be positive")
	}

	c := &Controller{
		cfg:           cfg,
		verifier:      verifier,
		authority:     auth,
		store:         st,
		fingerprinter: fp,
		usage:         telemetry.NopRecorder{},
		logger:        infrastructure.WithComponent(nil, "activation"),
		tracer:        otel.Tracer(TracerName),
		now:           time.Now,
		subscribers:   make(map[int]func(Verdict)),
		changed:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	initial := pending(c.now().UTC())
	c.current.Store(&initial)
	return c, nil
}

// Current returns the latest verdict without waiting for a check in flight.
// An allowed verdict whose grace deadline or license expiry has passed is
// reported as denied even before the next check publishes it.
func (c *Controller) Current() Verdict {
	v := *c.current.Load()
	if lapsed, ok := v.lapsed(c.now().UTC()); ok {
		return lapsed
	}
	return v
}

// Subscribe registers fn for verdict changes and returns a function that
// removes it. fn runs on the controller's goroutine and must not block or
// call back into the controller.
func (c *Controller) Subscribe(fn func(Verdict)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subscribers, id)
	}
}

// Activate validates key offline, registers it with the authority and
// persists the result. Denials are reported in the verdict; the error is
// only set when ctx ended before a decision could be applied.
func (c *Controller) Activate(ctx context.Context, key string) (Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.startSpan(ctx, opActivate)
	defer span.End()
	c.metrics.recordAttempt(ctx)

	now := c.now().UTC()
	c.logger.InfoContext(ctx, "License activation started",
		slog.String("license_key", infrastructure.MaskLicenseKey(key)))

	record, err := license.Parse(key)
	if err != nil {
		c.logger.WarnContext(ctx, "License key rejected", slog.String("error", err.Error()))
		return c.decide(ctx, span, opActivate, denied(nil, ReasonMalformedLicense, now), false), nil
	}

	if offline := c.verifier.ValidateOffline(record, now); offline != license.Trusted {
		return c.decide(ctx, span, opActivate, denied(&record, offlineReason(offline), now), false), nil
	}

	fingerprint, err := c.fingerprinter.Fingerprint(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.Current(), ctxErr
		}
		return c.decide(ctx, span, opActivate, denied(&record, ReasonFingerprintUnavailable, now), false), nil
	}

	c.transition(ctx, c.Current().State, StatePendingRemote)

	resp := c.register(ctx, record, fingerprint)
	if err := ctx.Err(); err != nil {
		return c.abandon(ctx, span, opActivate, err)
	}

	now = c.now().UTC()
	switch resp.Result {
	case authority.Accepted:
		deadline := now.Add(c.cfg.GraceWindow)
		state := &store.ActivationState{
			License:         key,
			LicenseID:       record.LicenseID,
			Fingerprint:     fingerprint,
			LastOnlineCheck: &now,
			CachedStatus:    store.StatusActive,
			GraceDeadline:   &deadline,
			ActivatedAt:     now,
		}
		c.save(ctx, state)
		return c.decide(ctx, span, opActivate, activeOnline(record, resp.Remaining, deadline, now), true), nil

	case authority.RejectedLimitExceeded, authority.RejectedRevoked:
		reason := ReasonLimitExceeded
		if resp.Result == authority.RejectedRevoked {
			reason = ReasonRevoked
		}
		// The authority just refused the license this machine holds: it
		// must not stay in force behind the denial.
		held := c.holds(ctx, record.LicenseID)
		if held {
			c.clear(ctx)
		}
		return c.decide(ctx, span, opActivate, denied(&record, reason, now), held), nil

	default:
		return c.decide(ctx, span, opActivate, c.activateOffline(ctx, record, fingerprint, now), false), nil
	}
}

// activateOffline grants grace only to a license this machine already
// confirmed online within the grace window.
func (c *Controller) activateOffline(ctx context.Context, record license.LicenseRecord, fingerprint string, now time.Time) Verdict {
	prior, err := c.store.Load(ctx)
	if err != nil || prior.LicenseID != record.LicenseID || prior.Fingerprint != fingerprint || prior.LastOnlineCheck == nil {
		return denied(&record, ReasonNetworkUnreachable, now)
	}
	if clockRolledBack(*prior.LastOnlineCheck, now) {
		c.logger.WarnContext(ctx, "Clock is behind the last online check, grace refused",
			slog.Time("last_online_check", *prior.LastOnlineCheck))
		return denied(&record, ReasonGraceExpired, now)
	}
	deadline := prior.LastOnlineCheck.Add(c.cfg.GraceWindow)
	if now.After(deadline) {
		return denied(&record, ReasonNetworkUnreachable, now)
	}
	return offlineGrace(record, deadline, now)
}

// holds reports whether licenseID is the license currently in force or
// persisted on this machine
func (c *Controller) holds(ctx context.Context, licenseID string) bool {
	if v := *c.current.Load(); v.Allowed && v.LicenseID == licenseID {
		return true
	}
	state, err := c.store.Load(ctx)
	return err == nil && state.LicenseID == licenseID
}

// clockRolledBack reports a local clock set back past the last online
// check by more than the skew tolerance. Grace is never granted then.
func clockRolledBack(lastOnline, now time.Time) bool {
	return now.Before(lastOnline.Add(-license.ClockSkewTolerance))
}

// ValidateOnStartup re-checks the persisted activation offline and then
// online, falling back to the grace window when the authority is
// unreachable.
func (c *Controller) ValidateOnStartup(ctx context.Context) (Verdict, error) {
	return c.validate(ctx, opValidate)
}

// Revalidate is the periodic and manual form of ValidateOnStartup
func (c *Controller) Revalidate(ctx context.Context) (Verdict, error) {
	return c.validate(ctx, opRevalidate)
}

func (c *Controller) validate(ctx context.Context, op string) (Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.startSpan(ctx, op)
	defer span.End()

	now := c.now().UTC()

	state, err := c.store.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.abandon(ctx, span, op, ctxErr)
		}
		if errors.Is(err, licenseErrors.ErrLocalStorageCorrupt) {
			c.logger.WarnContext(ctx, "Saved activation unreadable, re-activation required",
				slog.String("error", err.Error()))
		}
		return c.decide(ctx, span, op, notActivated(now), true), nil
	}

	record, err := license.Parse(state.License)
	if err != nil {
		c.clear(ctx)
		return c.decide(ctx, span, op, denied(nil, ReasonMalformedLicense, now), true), nil
	}
	if offline := c.verifier.ValidateOffline(record, now); offline != license.Trusted {
		c.clear(ctx)
		return c.decide(ctx, span, op, denied(&record, offlineReason(offline), now), true), nil
	}

	resp := c.confirm(ctx, record.LicenseID, state.Fingerprint)
	if err := ctx.Err(); err != nil {
		return c.abandon(ctx, span, op, err)
	}

	now = c.now().UTC()
	switch resp.Result {
	case authority.Accepted:
		deadline := now.Add(c.cfg.GraceWindow)
		state.LastOnlineCheck = &now
		state.GraceDeadline = &deadline
		state.CachedStatus = store.StatusActive
		c.save(ctx, state)
		return c.decide(ctx, span, op, activeOnline(record, resp.Remaining, deadline, now), true), nil

	case authority.RejectedRevoked:
		c.clear(ctx)
		return c.decide(ctx, span, op, denied(&record, ReasonRevoked, now), true), nil

	case authority.RejectedLimitExceeded:
		c.clear(ctx)
		return c.decide(ctx, span, op, denied(&record, ReasonLimitExceeded, now), true), nil
	}

	if state.LastOnlineCheck == nil {
		return c.decide(ctx, span, op, denied(&record, ReasonNetworkUnreachable, now), true), nil
	}
	deadline := state.LastOnlineCheck.Add(c.cfg.GraceWindow)
	if clockRolledBack(*state.LastOnlineCheck, now) {
		c.logger.WarnContext(ctx, "Clock is behind the last online check, grace refused",
			slog.Time("last_online_check", *state.LastOnlineCheck))
		v := denied(&record, ReasonGraceExpired, now)
		v.GraceDeadline = &deadline
		return c.decide(ctx, span, op, v, true), nil
	}
	state.GraceDeadline = &deadline
	state.CachedStatus = store.StatusUnknown
	c.save(ctx, state)

	if now.After(deadline) {
		v := denied(&record, ReasonGraceExpired, now)
		v.GraceDeadline = &deadline
		return c.decide(ctx, span, op, v, true), nil
	}
	return c.decide(ctx, span, op, offlineGrace(record, deadline, now), true), nil
}

// Deactivate releases this machine's slot when the authority can be
// reached and always clears the local state. The error is only set when
// the local state could not be removed.
func (c *Controller) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.startSpan(ctx, opDeactivate)
	defer span.End()

	state, err := c.store.Load(ctx)
	if err == nil {
		checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
		start := time.Now()
		released := c.authority.Deactivate(checkCtx, state.LicenseID, state.Fingerprint)
		cancel()
		c.metrics.recordRemote(ctx, "deactivate", fmt.Sprintf("%t", released), time.Since(start))
		if !released {
			c.logger.WarnContext(ctx, "Remote deactivation failed, clearing local state anyway",
				slog.String("license_id", state.LicenseID))
		}
	}

	if err := c.store.Clear(context.WithoutCancel(ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.ErrorContext(ctx, "Failed to clear activation state", slog.String("error", err.Error()))
		return fmt.Errorf("failed to clear activation state: %w", err)
	}

	c.decide(ctx, span, opDeactivate, notActivated(c.now().UTC()), true)
	return nil
}

// Run revalidates every interval until ctx is done. A check is brought
// forward to just after the grace deadline or license expiry of the
// current verdict so subscribers see the lapse when it happens.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(c.untilNextCheck(interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.changed:
			timer.Reset(c.untilNextCheck(interval))
		case <-timer.C:
			if _, err := c.Revalidate(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "Periodic revalidation failed", slog.String("error", err.Error()))
			}
			timer.Reset(c.untilNextCheck(interval))
		}
	}
}

func (c *Controller) untilNextCheck(interval time.Duration) time.Duration {
	v := *c.current.Load()
	if !v.Allowed {
		return interval
	}
	now := c.now().UTC()
	wait := interval
	for _, at := range []*time.Time{v.GraceDeadline, v.ExpiresAt} {
		if at != nil {
			wait = min(wait, max(at.Sub(now)+time.Second, minCheckDelay))
		}
	}
	return wait
}

func (c *Controller) register(ctx context.Context, record license.LicenseRecord, fingerprint string) authority.Response {
	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	resp := c.authority.RegisterActivation(checkCtx, record, fingerprint)
	c.metrics.recordRemote(ctx, "register", resp.Result.String(), time.Since(start))
	return resp
}

func (c *Controller) confirm(ctx context.Context, licenseID, fingerprint string) authority.Response {
	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	resp := c.authority.ConfirmActivation(checkCtx, licenseID, fingerprint)
	c.metrics.recordRemote(ctx, "confirm", resp.Result.String(), time.Since(start))
	return resp
}

// save logs failures only. The verdict already granted stands for this
// session and the next startup falls back to NotActivated.
func (c *Controller) save(ctx context.Context, state *store.ActivationState) {
	if err := c.store.Save(ctx, state); err != nil {
		c.logger.ErrorContext(ctx, "Failed to persist activation state",
			slog.String("license_id", state.LicenseID),
			slog.String("error", err.Error()))
	}
}

func (c *Controller) clear(ctx context.Context) {
	if err := c.store.Clear(context.WithoutCancel(ctx)); err != nil {
		c.logger.ErrorContext(ctx, "Failed to clear activation state", slog.String("error", err.Error()))
	}
}

// abandon discards a result that arrived after ctx ended
func (c *Controller) abandon(ctx context.Context, span trace.Span, op string, err error) (Verdict, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "cancelled")
	c.logger.InfoContext(ctx, "License check abandoned", slog.String("operation", op))
	return c.Current(), err
}

// decide records the verdict everywhere it is observed. When replace is
// false an allowed current verdict survives a failed activation attempt.
func (c *Controller) decide(ctx context.Context, span trace.Span, op string, v Verdict, replace bool) Verdict {
	prev := c.Current()
	if replace || v.Allowed || !prev.Allowed {
		c.transition(ctx, prev.State, v.State)
		c.publish(v)
	}

	span.SetAttributes(
		attribute.String("license.state", string(v.State)),
		attribute.String("license.reason", string(v.Reason)),
		attribute.String("license.tier", string(v.Tier)),
		attribute.Bool("license.allowed", v.Allowed),
	)
	if !v.Allowed {
		span.SetStatus(codes.Error, string(v.Reason))
	}
	c.metrics.recordOutcome(ctx, op, v)

	c.usage.Record(telemetry.Event{
		Name:      "license_" + op,
		Operation: op,
		Tier:      string(v.Tier),
		State:     string(v.State),
		Reason:    string(v.Reason),
		Allowed:   v.Allowed,
		Timestamp: v.CheckedAt,
	})

	level := slog.LevelInfo
	if !v.Allowed && v.State == StateDenied {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "License verdict",
		slog.String("operation", op),
		slog.String("state", string(v.State)),
		slog.String("reason", string(v.Reason)),
		slog.String("tier", string(v.Tier)),
		slog.String("license_id", v.LicenseID),
		slog.Bool("allowed", v.Allowed))

	return v
}

func (c *Controller) transition(ctx context.Context, from, to State) {
	if from == to {
		return
	}
	c.metrics.recordTransition(ctx, from, to)
	c.logger.DebugContext(ctx, "License state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

func (c *Controller) publish(v Verdict) {
	prev := c.current.Swap(&v)
	if prev != nil && sameVerdict(*prev, v) {
		return
	}

	select {
	case c.changed <- struct{}{}:
	default:
	}

	c.subMu.Lock()
	subs := make([]func(Verdict), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

func (c *Controller) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	ctx = infrastructure.EnsureTraceID(ctx)
	return c.tracer.Start(ctx, "activation."+op, trace.WithAttributes(
		attribute.String("operation", op),
	))
}

func sameVerdict(a, b Verdict) bool {
	return a.Allowed == b.Allowed && a.State == b.State && a.Reason == b.Reason &&
		a.Tier == b.Tier && a.LicenseID == b.LicenseID
}
