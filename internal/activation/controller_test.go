package activation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/authority"
	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/security"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/shared/testutil"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/store"
)

const (
	testFingerprint = "9b1e4c2a7d3f5e6b8a0c1d2e3f4a5b6c7d8e9f0a1b2c3d4e5f6a7b8c9d0e1f2a"
	graceWindow     = 7 * 24 * time.Hour
)

type harness struct {
	fixtures  *testutil.LicenseTestFixtures
	authority *fakeAuthority
	store     *memStore
	clock     *clock
	usage     *usageLog
	logs      *testutil.BufferedSlogHandler
	ctrl      *Controller
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		fixtures:  testutil.NewLicenseTestFixtures(t),
		authority: &fakeAuthority{result: authority.Accepted, remaining: 2},
		store:     &memStore{},
		clock:     &clock{now: time.Now().UTC().Truncate(time.Second)},
		usage:     &usageLog{},
	}
	logger, logs := testutil.NewTestLogger(t)
	h.logs = logs

	base := []Option{
		WithClock(h.clock.Now),
		WithUsageRecorder(h.usage),
		WithLogger(logger),
	}
	ctrl, err := NewController(
		Config{GraceWindow: graceWindow, CheckTimeout: time.Second},
		h.fixtures.Verifier, h.authority, h.store, staticFingerprint{value: testFingerprint},
		append(base, opts...)...,
	)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

// activated leaves the harness in ActiveOnline for key
func (h *harness) activated(t *testing.T, key string) Verdict {
	t.Helper()
	v, err := h.ctrl.Activate(context.Background(), key)
	require.NoError(t, err)
	require.True(t, v.Allowed)
	require.Equal(t, StateActiveOnline, v.State)
	return v
}

func TestInitialVerdictIsPending(t *testing.T) {
	h := newHarness(t)
	v := h.ctrl.Current()
	assert.False(t, v.Allowed)
	assert.Equal(t, StatePendingRemote, v.State)
	assert.Equal(t, ReasonValidationPending, v.Reason)
	assert.ErrorIs(t, v.Err(), licenseErrors.ErrValidationPending)
}

func TestActivateOfflineRejections(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		key    string
		reason Reason
	}{
		{"malformed", "ACT1.PRO.not-a-key", ReasonMalformedLicense},
		{"empty", "", ReasonMalformedLicense},
		{"forged", h.fixtures.ForgedKey(t, "lic-forged"), ReasonForgedOrTampered},
		{"expired", h.fixtures.ExpiredKey(t, "lic-old"), ReasonLicenseExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := h.ctrl.Activate(context.Background(), tt.key)
			require.NoError(t, err)
			assert.False(t, v.Allowed)
			assert.Equal(t, StateDenied, v.State)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}

	register, _ := h.authority.calls()
	assert.Zero(t, register, "offline rejections never reach the authority")
	assert.Nil(t, h.store.snapshot())
}

func TestActivateAccepted(t *testing.T) {
	h := newHarness(t)
	key := h.fixtures.Key(t, "lic-pro", license.TierPro, 3)

	var seen []Verdict
	unsubscribe := h.ctrl.Subscribe(func(v Verdict) { seen = append(seen, v) })
	defer unsubscribe()

	v := h.activated(t, key)
	now := h.clock.Now()

	assert.Equal(t, license.TierPro, v.Tier)
	assert.Equal(t, ReasonActive, v.Reason)
	assert.Equal(t, "lic-pro", v.LicenseID)
	assert.Equal(t, 2, v.Remaining)
	require.NotNil(t, v.GraceDeadline)
	assert.Equal(t, now.Add(graceWindow), *v.GraceDeadline)
	assert.NoError(t, v.Err())
	assert.Equal(t, v, h.ctrl.Current())

	state := h.store.snapshot()
	require.NotNil(t, state)
	assert.Equal(t, key, state.License)
	assert.Equal(t, testFingerprint, state.Fingerprint)
	assert.Equal(t, store.StatusActive, state.CachedStatus)
	require.NotNil(t, state.LastOnlineCheck)
	assert.Equal(t, now, *state.LastOnlineCheck)
	assert.Equal(t, now.Add(graceWindow), *state.GraceDeadline)

	require.Len(t, seen, 1)
	assert.Equal(t, StateActiveOnline, seen[0].State)

	ents, ok := v.Entitlements()
	require.True(t, ok)
	assert.Equal(t, license.TierPro, ents.Tier)
}

func TestActivateRemoteRejections(t *testing.T) {
	tests := []struct {
		name   string
		result authority.Result
		reason Reason
		err    error
	}{
		{"limit exceeded", authority.RejectedLimitExceeded, ReasonLimitExceeded, licenseErrors.ErrLimitExceeded},
		{"revoked", authority.RejectedRevoked, ReasonRevoked, licenseErrors.ErrRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			previous := h.activated(t, h.fixtures.Key(t, "lic-old", license.TierBasic, 1))
			before := h.store.snapshot()

			h.authority.set(tt.result, 0)
			v, err := h.ctrl.Activate(context.Background(), h.fixtures.Key(t, "lic-new", license.TierPro, 1))
			require.NoError(t, err)

			assert.False(t, v.Allowed)
			assert.Equal(t, StateDenied, v.State)
			assert.Equal(t, tt.reason, v.Reason)
			assert.ErrorIs(t, v.Err(), tt.err)

			assert.Equal(t, before, h.store.snapshot(), "rejections persist nothing")
			assert.Equal(t, previous, h.ctrl.Current(), "the active license stays in force")
		})
	}
}

func TestActivateRejectionOfHeldLicenseRevokesIt(t *testing.T) {
	tests := []struct {
		name   string
		result authority.Result
		reason Reason
	}{
		{"revoked", authority.RejectedRevoked, ReasonRevoked},
		{"limit exceeded", authority.RejectedLimitExceeded, ReasonLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			key := h.fixtures.Key(t, "lic-1", license.TierPro, 2)
			h.activated(t, key)

			var seen []Verdict
			unsubscribe := h.ctrl.Subscribe(func(v Verdict) { seen = append(seen, v) })
			defer unsubscribe()

			h.authority.set(tt.result, 0)
			v, err := h.ctrl.Activate(context.Background(), key)
			require.NoError(t, err)
			assert.False(t, v.Allowed)
			assert.Equal(t, tt.reason, v.Reason)

			current := h.ctrl.Current()
			assert.False(t, current.Allowed, "the refused license no longer grants access")
			assert.Equal(t, tt.reason, current.Reason)
			assert.Nil(t, h.store.snapshot())
			require.Len(t, seen, 1)
			assert.Equal(t, StateDenied, seen[0].State)
		})
	}
}

func TestActivateUnreachableWithoutPriorCheckIsDenied(t *testing.T) {
	h := newHarness(t)
	h.authority.set(authority.Unreachable, 0)

	v, err := h.ctrl.Activate(context.Background(), h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	require.NoError(t, err)

	assert.False(t, v.Allowed)
	assert.Equal(t, StateDenied, v.State)
	assert.Equal(t, ReasonNetworkUnreachable, v.Reason)
	assert.ErrorIs(t, v.Err(), licenseErrors.ErrNetworkUnreachable)
	assert.Nil(t, h.store.snapshot())
	assert.Equal(t, v, h.ctrl.Current())
}

func TestActivateUnreachableReusesPriorConfirmation(t *testing.T) {
	h := newHarness(t)
	key := h.fixtures.Key(t, "lic-1", license.TierPro, 2)
	h.activated(t, key)
	checked := h.clock.Now()

	h.clock.Advance(2 * 24 * time.Hour)
	h.authority.set(authority.Unreachable, 0)

	v, err := h.ctrl.Activate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, StateActiveOfflineGrace, v.State)
	assert.Equal(t, checked.Add(graceWindow), *v.GraceDeadline)

	other, err := h.ctrl.Activate(context.Background(), h.fixtures.Key(t, "lic-2", license.TierPro, 2))
	require.NoError(t, err)
	assert.Equal(t, ReasonNetworkUnreachable, other.Reason, "grace is per license")
}

func TestActivateFingerprintUnavailable(t *testing.T) {
	fixtures := testutil.NewLicenseTestFixtures(t)
	ctrl, err := NewController(
		Config{GraceWindow: graceWindow, CheckTimeout: time.Second},
		fixtures.Verifier, &fakeAuthority{}, &memStore{},
		staticFingerprint{err: errors.Join(security.ErrFingerprintUnavailable, errNoMachineID)},
	)
	require.NoError(t, err)

	v, err := ctrl.Activate(context.Background(), fixtures.Key(t, "lic-1", license.TierBasic, 1))
	require.NoError(t, err)
	assert.Equal(t, ReasonFingerprintUnavailable, v.Reason)
	assert.ErrorIs(t, v.Err(), security.ErrFingerprintUnavailable)
	assert.ErrorIs(t, v.Err(), licenseErrors.ErrNotActivated)
}

func TestActivateSaveFailureKeepsSessionAllowed(t *testing.T) {
	h := newHarness(t)
	h.store.saveErr = errors.New("disk full")

	v, err := h.ctrl.Activate(context.Background(), h.fixtures.Key(t, "lic-1", license.TierBasic, 1))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, StateActiveOnline, v.State)
	testutil.AssertLogContains(t, h.logs, slog.LevelError, "Failed to persist activation state")

	h.store.saveErr = nil
	next, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNotActivated, next.State)
}

func TestActivateCancelledDuringRemoteCall(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.authority.during = func(context.Context) { cancel() }

	before := h.ctrl.Current()
	v, err := h.ctrl.Activate(ctx, h.fixtures.Key(t, "lic-1", license.TierPro, 2))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, v)
	assert.Equal(t, before, h.ctrl.Current(), "late results are discarded")
	assert.Nil(t, h.store.snapshot(), "nothing persisted")
}

func TestValidateWithoutState(t *testing.T) {
	h := newHarness(t)

	v, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, StateNotActivated, v.State)
	assert.Equal(t, ReasonNotActivated, v.Reason)

	_, confirm := h.authority.calls()
	assert.Zero(t, confirm)
}

func TestValidateCorruptStateFallsBackToNotActivated(t *testing.T) {
	h := newHarness(t)
	h.store.corrupt = true

	v, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNotActivated, v.State)
	assert.ErrorIs(t, v.Err(), licenseErrors.ErrNotActivated)
	testutil.AssertLogContains(t, h.logs, slog.LevelWarn, "Saved activation unreadable")
}

func TestValidateConfirmedOnline(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierEnterprise, 10))

	h.clock.Advance(3 * time.Hour)
	h.authority.set(authority.Accepted, 9)

	v, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, StateActiveOnline, v.State)
	assert.Equal(t, license.TierEnterprise, v.Tier)
	assert.Equal(t, 9, v.Remaining)

	state := h.store.snapshot()
	assert.Equal(t, h.clock.Now(), *state.LastOnlineCheck)
	assert.Equal(t, h.clock.Now().Add(graceWindow), *state.GraceDeadline)
}

func TestValidateUnreachableWithinGraceIsAllowed(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	lastCheck := h.clock.Now()

	h.clock.Advance(6 * 24 * time.Hour)
	h.authority.set(authority.Unreachable, 0)

	v, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, StateActiveOfflineGrace, v.State)
	assert.Equal(t, ReasonOfflineGrace, v.Reason)
	assert.Equal(t, lastCheck.Add(graceWindow), *v.GraceDeadline)

	state := h.store.snapshot()
	assert.Equal(t, lastCheck, *state.LastOnlineCheck, "grace does not extend the last online check")
	assert.Equal(t, store.StatusUnknown, state.CachedStatus)
}

func TestValidateUnreachablePastGraceIsDenied(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))

	h.clock.Advance(graceWindow + time.Minute)
	h.authority.set(authority.Unreachable, 0)

	v, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, StateDenied, v.State)
	assert.Equal(t, ReasonGraceExpired, v.Reason)
	assert.ErrorIs(t, v.Err(), licenseErrors.ErrGraceExpired)
	require.NotNil(t, h.store.snapshot(), "state kept for a later confirmation")

	h.authority.set(authority.Accepted, 1)
	restored, err := h.ctrl.Revalidate(context.Background())
	require.NoError(t, err)
	assert.True(t, restored.Allowed)
	assert.Equal(t, StateActiveOnline, restored.State)
}

func TestValidateGraceBoundaryIsInclusive(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))

	h.clock.Advance(graceWindow)
	h.authority.set(authority.Unreachable, 0)

	v, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestCurrentLapsesPastGraceDeadline(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	h.authority.set(authority.Unreachable, 0)
	h.clock.Advance(3 * 24 * time.Hour)

	grace, err := h.ctrl.Revalidate(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateActiveOfflineGrace, grace.State)
	_, confirmBefore := h.authority.calls()

	h.clock.Advance(graceWindow)

	v := h.ctrl.Current()
	assert.False(t, v.Allowed)
	assert.Equal(t, StateDenied, v.State)
	assert.Equal(t, ReasonGraceExpired, v.Reason)
	assert.ErrorIs(t, v.Err(), licenseErrors.ErrGraceExpired)
	assert.Equal(t, grace.GraceDeadline, v.GraceDeadline)
	assert.Equal(t, "lic-1", v.LicenseID)

	_, confirmAfter := h.authority.calls()
	assert.Equal(t, confirmBefore, confirmAfter, "no check ran")
}

func TestCurrentLapsesAtLicenseExpiry(t *testing.T) {
	h := newHarness(t)
	key := license.Serialize(h.fixtures.Issue(t, license.IssueRequest{
		LicenseID:      "lic-short",
		Tier:           license.TierPro,
		IssuedAt:       h.clock.Now().Add(-time.Minute),
		Duration:       time.Hour,
		MaxActivations: 1,
	}))
	v := h.activated(t, key)
	require.NotNil(t, v.ExpiresAt)

	h.clock.Advance(2 * time.Hour)

	current := h.ctrl.Current()
	assert.False(t, current.Allowed)
	assert.Equal(t, ReasonLicenseExpired, current.Reason)
	assert.ErrorIs(t, current.Err(), licenseErrors.ErrLicenseExpired)
	_, ok := current.Entitlements()
	assert.False(t, ok)
}

func TestUntilNextCheck(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	tests := []struct {
		name    string
		verdict Verdict
		want    time.Duration
	}{
		{"denied waits the interval", Verdict{GraceDeadline: at(time.Minute)}, time.Hour},
		{"far deadline waits the interval", Verdict{Allowed: true, GraceDeadline: at(graceWindow)}, time.Hour},
		{"grace deadline first", Verdict{Allowed: true, GraceDeadline: at(10 * time.Minute)}, 10*time.Minute + time.Second},
		{"expiry before grace", Verdict{Allowed: true, GraceDeadline: at(30 * time.Minute), ExpiresAt: at(5 * time.Minute)}, 5*time.Minute + time.Second},
		{"deadline already passed", Verdict{Allowed: true, GraceDeadline: at(-time.Minute)}, minCheckDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.verdict
			h.ctrl.current.Store(&v)
			assert.Equal(t, tt.want, h.ctrl.untilNextCheck(time.Hour))
		})
	}
}

func TestRunChecksAtGraceDeadline(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	h.clock.Advance(graceWindow - 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx, time.Hour) }()

	assert.Eventually(t, func() bool {
		_, confirm := h.authority.calls()
		return confirm == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestClockRollbackNeverGrantsGrace(t *testing.T) {
	h := newHarness(t)
	key := license.Serialize(h.fixtures.Issue(t, license.IssueRequest{
		LicenseID:      "lic-1",
		Tier:           license.TierPro,
		IssuedAt:       h.clock.Now().Add(-365 * 24 * time.Hour),
		Duration:       2 * 365 * 24 * time.Hour,
		MaxActivations: 2,
	}))
	h.activated(t, key)
	h.authority.set(authority.Unreachable, 0)

	h.clock.Advance(30 * 24 * time.Hour)
	v, err := h.ctrl.Revalidate(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonGraceExpired, v.Reason)

	h.clock.Advance(-90 * 24 * time.Hour)
	v, err = h.ctrl.Revalidate(context.Background())
	require.NoError(t, err)
	assert.False(t, v.Allowed, "setting the clock back does not reopen grace")
	assert.Equal(t, ReasonGraceExpired, v.Reason)
	assert.False(t, h.ctrl.Current().Allowed)
	require.NotNil(t, h.store.snapshot(), "state kept for a later confirmation")
	testutil.AssertLogContains(t, h.logs, slog.LevelWarn, "Clock is behind the last online check, grace refused")

	v, err = h.ctrl.Activate(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonGraceExpired, v.Reason)
}

func TestClockSkewWithinToleranceKeepsGrace(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	h.authority.set(authority.Unreachable, 0)

	h.clock.Advance(-2 * time.Minute)
	v, err := h.ctrl.Revalidate(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, StateActiveOfflineGrace, v.State)
}

func TestValidateRemoteRejectionClearsState(t *testing.T) {
	tests := []struct {
		name   string
		result authority.Result
		reason Reason
	}{
		{"revoked", authority.RejectedRevoked, ReasonRevoked},
		{"limit exceeded", authority.RejectedLimitExceeded, ReasonLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))

			h.authority.set(tt.result, 0)
			v, err := h.ctrl.ValidateOnStartup(context.Background())
			require.NoError(t, err)

			assert.False(t, v.Allowed)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Nil(t, h.store.snapshot())
			assert.Equal(t, v, h.ctrl.Current())
		})
	}
}

func TestValidateTamperedCacheClearsWithoutRemoteCall(t *testing.T) {
	tests := []struct {
		name   string
		key    func(h *harness) string
		reason Reason
	}{
		{"forged", func(h *harness) string { return h.fixtures.ForgedKey(t, "lic-1") }, ReasonForgedOrTampered},
		{"expired", func(h *harness) string { return h.fixtures.ExpiredKey(t, "lic-1") }, ReasonLicenseExpired},
		{"malformed", func(*harness) string { return "ACT1.garbage" }, ReasonMalformedLicense},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			checked := h.clock.Now()
			h.store.state = &store.ActivationState{
				License:         tt.key(h),
				LicenseID:       "lic-1",
				Fingerprint:     testFingerprint,
				LastOnlineCheck: &checked,
				CachedStatus:    store.StatusActive,
			}

			v, err := h.ctrl.ValidateOnStartup(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StateDenied, v.State)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Nil(t, h.store.snapshot())

			_, confirm := h.authority.calls()
			assert.Zero(t, confirm)
		})
	}
}

func TestForgedNeverTrustedDespiteCachedState(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierBasic, 1))

	v, err := h.ctrl.Activate(context.Background(), h.fixtures.ForgedKey(t, "lic-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonForgedOrTampered, v.Reason)
	assert.False(t, v.Allowed)
}

func TestDeactivateClearsEvenWhenRemoteTimesOut(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))

	h.ctrl.cfg.CheckTimeout = 20 * time.Millisecond
	h.authority.deactivate = func(ctx context.Context) bool {
		<-ctx.Done()
		return false
	}

	require.NoError(t, h.ctrl.Deactivate(context.Background()))
	assert.Nil(t, h.store.snapshot())
	assert.Equal(t, StateNotActivated, h.ctrl.Current().State)
	testutil.AssertLogContains(t, h.logs, slog.LevelWarn, "Remote deactivation failed")
}

func TestDeactivateClearFailure(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	h.store.clearErr = errors.New("permission denied")

	err := h.ctrl.Deactivate(context.Background())
	assert.Error(t, err)
}

func TestDeactivateWithoutState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Deactivate(context.Background()))
	assert.Zero(t, h.authority.deactivations)
	assert.Equal(t, 1, h.store.clears)
}

func TestCurrentDoesNotBlockDuringCheck(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.authority.during = func(context.Context) {
		close(entered)
		<-release
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.ctrl.Activate(context.Background(), h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	}()

	<-entered
	done := make(chan Verdict, 1)
	go func() { done <- h.ctrl.Current() }()
	select {
	case v := <-done:
		assert.Equal(t, StatePendingRemote, v.State)
	case <-time.After(time.Second):
		t.Fatal("Current blocked while a check was in flight")
	}

	close(release)
	wg.Wait()
	assert.Equal(t, StateActiveOnline, h.ctrl.Current().State)
}

func TestUsageEventsRecorded(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	_, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Deactivate(context.Background()))

	events := h.usage.all()
	require.Len(t, events, 3)
	assert.Equal(t, "license_activate", events[0].Name)
	assert.Equal(t, "PRO", events[0].Tier)
	assert.True(t, events[0].Allowed)
	assert.Equal(t, "license_validate", events[1].Name)
	assert.Equal(t, "license_deactivate", events[2].Name)
	assert.Equal(t, string(StateNotActivated), events[2].State)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := newHarness(t)
	count := 0
	unsubscribe := h.ctrl.Subscribe(func(Verdict) { count++ })

	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	_, err := h.ctrl.Revalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "unchanged verdicts are not re-sent")

	unsubscribe()
	require.NoError(t, h.ctrl.Deactivate(context.Background()))
	assert.Equal(t, 1, count)
}

func TestRunRevalidatesPeriodically(t *testing.T) {
	h := newHarness(t)
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		_, confirm := h.authority.calls()
		return confirm >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := InitializeActivationMetrics(provider.Meter("test"))
	require.NoError(t, err)

	h := newHarness(t, WithMetrics(metrics))
	h.activated(t, h.fixtures.Key(t, "lic-1", license.TierPro, 2))
	h.authority.set(authority.Unreachable, 0)
	_, err = h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{
		"license_activation_attempts_total",
		"license_activation_outcomes_total",
		"license_validations_total",
		"license_grace_entries_total",
		"license_authority_call_duration_seconds",
		"license_state_transitions_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestNewControllerValidation(t *testing.T) {
	fixtures := testutil.NewLicenseTestFixtures(t)
	fp := staticFingerprint{value: testFingerprint}

	_, err := NewController(Config{GraceWindow: graceWindow, CheckTimeout: time.Second}, nil, &fakeAuthority{}, &memStore{}, fp)
	assert.Error(t, err)
	_, err = NewController(Config{CheckTimeout: time.Second}, fixtures.Verifier, &fakeAuthority{}, &memStore{}, fp)
	assert.Error(t, err)
	_, err = NewController(Config{GraceWindow: graceWindow}, fixtures.Verifier, &fakeAuthority{}, &memStore{}, fp)
	assert.Error(t, err)
}

func TestVerdictErr(t *testing.T) {
	tests := []struct {
		reason Reason
		want   error
	}{
		{ReasonMalformedLicense, licenseErrors.ErrMalformedLicense},
		{ReasonForgedOrTampered, licenseErrors.ErrForgedOrTampered},
		{ReasonLicenseExpired, licenseErrors.ErrLicenseExpired},
		{ReasonLimitExceeded, licenseErrors.ErrLimitExceeded},
		{ReasonRevoked, licenseErrors.ErrRevoked},
		{ReasonNetworkUnreachable, licenseErrors.ErrNetworkUnreachable},
		{ReasonGraceExpired, licenseErrors.ErrGraceExpired},
		{ReasonValidationPending, licenseErrors.ErrValidationPending},
		{ReasonNotActivated, licenseErrors.ErrNotActivated},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			v := Verdict{Reason: tt.reason}
			assert.ErrorIs(t, v.Err(), tt.want)
		})
	}

	_, ok := Verdict{Reason: ReasonRevoked, Tier: license.TierPro}.Entitlements()
	assert.False(t, ok, "denied verdicts grant nothing")
}

func TestLogsNeverCarrySecrets(t *testing.T) {
	h := newHarness(t)
	key := h.fixtures.Key(t, "lic-secret", license.TierPro, 2)
	h.activated(t, key)
	_, err := h.ctrl.ValidateOnStartup(context.Background())
	require.NoError(t, err)

	assert.False(t, h.logs.ContainsText(key), "full license key logged")
	assert.False(t, h.logs.ContainsText(testFingerprint), "fingerprint logged")
	testutil.AssertLogAttr(t, h.logs, "component", "activation")
}
