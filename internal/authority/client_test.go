package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
)

// fakeAuthority answers with reply and counts calls
type fakeAuthority struct {
	calls atomic.Int32
	reply func(n int32, w http.ResponseWriter, req ActivationRequest)
}

func (f *fakeAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	var req ActivationRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.reply(n, w, req)
}

func echo(status string, remaining int) func(int32, http.ResponseWriter, ActivationRequest) {
	return func(_ int32, w http.ResponseWriter, req ActivationRequest) {
		writeJSON(w, ActivationResponse{
			Status:    status,
			Remaining: remaining,
			LicenseID: req.LicenseID,
			RequestID: req.RequestID,
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handler http.Handler, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{
		BaseURL:        srv.URL,
		RequestTimeout: timeout,
		RetryBackoff:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func testRecord() license.LicenseRecord {
	return license.LicenseRecord{
		LicenseID:      "lic-1",
		Tier:           license.TierBasic,
		IssuedAt:       time.Unix(1700000000, 0).UTC(),
		MaxActivations: 2,
		Signature:      make([]byte, 64),
	}
}

func TestClientResults(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		remaining int
		want      Result
	}{
		{"accepted", StatusAccepted, 1, Accepted},
		{"limit exceeded", StatusLimitExceeded, 0, RejectedLimitExceeded},
		{"revoked", StatusRevoked, 0, RejectedRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeAuthority{reply: echo(tt.status, tt.remaining)}
			c := newTestClient(t, fake, time.Second)

			resp := c.RegisterActivation(context.Background(), testRecord(), "fp-1")
			assert.Equal(t, tt.want, resp.Result)
			assert.Equal(t, tt.remaining, resp.Remaining)
			assert.Equal(t, "lic-1", resp.LicenseID)
			assert.NoError(t, resp.Err)
			assert.Equal(t, int32(1), fake.calls.Load())
		})
	}
}

func TestClientSendsRequestShape(t *testing.T) {
	var got ActivationRequest
	var header http.Header
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, PathRegister, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		echo(StatusAccepted, 1)(1, w, got)
	})
	c := newTestClient(t, handler, time.Second)

	record := testRecord()
	resp := c.RegisterActivation(context.Background(), record, "fp-1")
	require.Equal(t, Accepted, resp.Result)

	assert.Equal(t, "lic-1", got.LicenseID)
	assert.Equal(t, license.Serialize(record), got.LicenseKey)
	assert.Equal(t, "fp-1", got.Fingerprint)
	assert.NotEmpty(t, got.RequestID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, got.RequestID, header.Get("X-Request-ID"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
}

func TestClientConfirmOmitsKey(t *testing.T) {
	var raw map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.Equal(t, PathConfirm, r.URL.Path)
		writeJSON(w, ActivationResponse{
			Status:    StatusAccepted,
			LicenseID: raw["license_id"].(string),
			RequestID: raw["request_id"].(string),
		})
	})
	c := newTestClient(t, handler, time.Second)

	resp := c.ConfirmActivation(context.Background(), "lic-1", "fp-1")
	assert.Equal(t, Accepted, resp.Result)
	assert.NotContains(t, raw, "license_key")
}

func TestClientRetriesTransientFailureOnce(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"service unavailable", http.StatusServiceUnavailable},
		{"internal error", http.StatusInternalServerError},
		{"too many requests", http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeAuthority{reply: func(n int32, w http.ResponseWriter, req ActivationRequest) {
				if n == 1 {
					w.WriteHeader(tt.status)
					return
				}
				echo(StatusAccepted, 0)(n, w, req)
			}}
			c := newTestClient(t, fake, time.Second)

			resp := c.ConfirmActivation(context.Background(), "lic-1", "fp-1")
			assert.Equal(t, Accepted, resp.Result)
			assert.Equal(t, int32(2), fake.calls.Load())
		})
	}
}

func TestClientGivesUpAfterOneRetry(t *testing.T) {
	fake := &fakeAuthority{reply: func(_ int32, w http.ResponseWriter, _ ActivationRequest) {
		w.WriteHeader(http.StatusBadGateway)
	}}
	c := newTestClient(t, fake, time.Second)

	resp := c.ConfirmActivation(context.Background(), "lic-1", "fp-1")
	assert.Equal(t, Unreachable, resp.Result)
	assert.ErrorIs(t, resp.Err, licenseErrors.ErrNetworkUnreachable)
	assert.Equal(t, int32(2), fake.calls.Load())
}

func TestClientPermanentFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply func(int32, http.ResponseWriter, ActivationRequest)
	}{
		{"bad request", func(_ int32, w http.ResponseWriter, _ ActivationRequest) {
			w.WriteHeader(http.StatusBadRequest)
		}},
		{"not found", func(_ int32, w http.ResponseWriter, _ ActivationRequest) {
			w.WriteHeader(http.StatusNotFound)
		}},
		{"malformed body", func(_ int32, w http.ResponseWriter, _ ActivationRequest) {
			w.Write([]byte(`{"status":`))
		}},
		{"unknown status", echo("maybe", 0)},
		{"negative remaining", echo(StatusAccepted, -1)},
		{"request id mismatch", func(_ int32, w http.ResponseWriter, req ActivationRequest) {
			writeJSON(w, ActivationResponse{Status: StatusAccepted, LicenseID: req.LicenseID, RequestID: "other"})
		}},
		{"license id mismatch", func(_ int32, w http.ResponseWriter, req ActivationRequest) {
			writeJSON(w, ActivationResponse{Status: StatusAccepted, LicenseID: "lic-2", RequestID: req.RequestID})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeAuthority{reply: tt.reply}
			c := newTestClient(t, fake, time.Second)

			resp := c.RegisterActivation(context.Background(), testRecord(), "fp-1")
			assert.Equal(t, Unreachable, resp.Result)
			assert.ErrorIs(t, resp.Err, licenseErrors.ErrNetworkUnreachable)
			assert.Equal(t, int32(1), fake.calls.Load(), "permanent failures are not retried")
		})
	}
}

func TestClientTimeoutIsUnreachable(t *testing.T) {
	fake := &fakeAuthority{reply: func(_ int32, w http.ResponseWriter, req ActivationRequest) {
		time.Sleep(200 * time.Millisecond)
		echo(StatusAccepted, 0)(0, w, req)
	}}
	c := newTestClient(t, fake, 30*time.Millisecond)

	start := time.Now()
	resp := c.ConfirmActivation(context.Background(), "lic-1", "fp-1")
	assert.Equal(t, Unreachable, resp.Result)
	assert.Equal(t, int32(2), fake.calls.Load(), "each attempt has its own timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClientCancelledContext(t *testing.T) {
	fake := &fakeAuthority{reply: echo(StatusAccepted, 0)}
	c := newTestClient(t, fake, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := c.ConfirmActivation(ctx, "lic-1", "fp-1")
	assert.Equal(t, Unreachable, resp.Result)
	assert.ErrorIs(t, resp.Err, context.Canceled)
}

func TestClientDeactivate(t *testing.T) {
	fake := &fakeAuthority{reply: echo(StatusAccepted, 1)}
	c := newTestClient(t, fake, time.Second)
	assert.True(t, c.Deactivate(context.Background(), "lic-1", "fp-1"))

	down := &fakeAuthority{reply: func(_ int32, w http.ResponseWriter, _ ActivationRequest) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	c = newTestClient(t, down, time.Second)
	assert.False(t, c.Deactivate(context.Background(), "lic-1", "fp-1"))
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr bool
	}{
		{"https", ClientConfig{BaseURL: "https://license.example.com", RequestTimeout: time.Second}, false},
		{"http loopback", ClientConfig{BaseURL: "http://127.0.0.1:9000", RequestTimeout: time.Second}, false},
		{"http localhost", ClientConfig{BaseURL: "http://localhost:9000/", RequestTimeout: time.Second}, false},
		{"http remote", ClientConfig{BaseURL: "http://license.example.com", RequestTimeout: time.Second}, true},
		{"bad scheme", ClientConfig{BaseURL: "ftp://license.example.com", RequestTimeout: time.Second}, true},
		{"zero timeout", ClientConfig{BaseURL: "https://license.example.com"}, true},
		{"negative backoff", ClientConfig{BaseURL: "https://license.example.com", RequestTimeout: time.Second, RetryBackoff: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
