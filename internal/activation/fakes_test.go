package activation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/authority"
	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/store"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/telemetry"
)

// fakeAuthority returns scripted results and records calls
type fakeAuthority struct {
	mu            sync.Mutex
	registerCalls int
	confirmCalls  int
	deactivations int

	result    authority.Result
	remaining int
	// during runs inside each call before the result is returned
	during func(ctx context.Context)
	// deactivate decides the Deactivate answer
	deactivate func(ctx context.Context) bool
}

func (f *fakeAuthority) answer(ctx context.Context) authority.Response {
	if f.during != nil {
		f.during(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := authority.Response{Result: f.result, Remaining: f.remaining}
	if f.result == authority.Unreachable {
		resp.Err = licenseErrors.ErrNetworkUnreachable
	}
	return resp
}

func (f *fakeAuthority) RegisterActivation(ctx context.Context, record license.LicenseRecord, fingerprint string) authority.Response {
	f.mu.Lock()
	f.registerCalls++
	f.mu.Unlock()
	return f.answer(ctx)
}

func (f *fakeAuthority) ConfirmActivation(ctx context.Context, licenseID, fingerprint string) authority.Response {
	f.mu.Lock()
	f.confirmCalls++
	f.mu.Unlock()
	return f.answer(ctx)
}

func (f *fakeAuthority) Deactivate(ctx context.Context, licenseID, fingerprint string) bool {
	f.mu.Lock()
	f.deactivations++
	fn := f.deactivate
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return true
}

func (f *fakeAuthority) set(result authority.Result, remaining int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = result
	f.remaining = remaining
}

func (f *fakeAuthority) calls() (register, confirm int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.confirmCalls
}

// memStore keeps the activation state in memory
type memStore struct {
	mu       sync.Mutex
	state    *store.ActivationState
	corrupt  bool
	saveErr  error
	clearErr error
	saves    int
	clears   int
}

func copyState(s *store.ActivationState) *store.ActivationState {
	if s == nil {
		return nil
	}
	out := *s
	if s.LastOnlineCheck != nil {
		t := *s.LastOnlineCheck
		out.LastOnlineCheck = &t
	}
	if s.GraceDeadline != nil {
		t := *s.GraceDeadline
		out.GraceDeadline = &t
	}
	return &out
}

func (m *memStore) Load(ctx context.Context) (*store.ActivationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupt {
		return nil, fmt.Errorf("%w: %w: bad checksum", licenseErrors.ErrNotActivated, licenseErrors.ErrLocalStorageCorrupt)
	}
	if m.state == nil {
		return nil, fmt.Errorf("%w: no saved activation", licenseErrors.ErrNotActivated)
	}
	return copyState(m.state), nil
}

func (m *memStore) Save(ctx context.Context, state *store.ActivationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = copyState(state)
	return nil
}

func (m *memStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	if m.clearErr != nil {
		return m.clearErr
	}
	m.state = nil
	return nil
}

func (m *memStore) snapshot() *store.ActivationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.state)
}

type staticFingerprint struct {
	value string
	err   error
}

func (s staticFingerprint) Fingerprint(ctx context.Context) (string, error) {
	return s.value, s.err
}

var errNoMachineID = errors.New("no machine id")

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// usageLog records events
type usageLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (u *usageLog) Record(e telemetry.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, e)
}

func (u *usageLog) all() []telemetry.Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]telemetry.Event(nil), u.events...)
}
