package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/activation"
	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	apiv1 "github.com/savagelysubtle/AiChemistTransmutations-sub001/pkg/contracts/api/v1"
)

const (
	tracerName = "license-handler"

	// maxBodyBytes bounds request bodies; a key is at most 2 KiB.
	maxBodyBytes = 8 << 10
)

// LicenseController is the part of the activation controller the HTTP
// layer drives
type LicenseController interface {
	Current() activation.Verdict
	Activate(ctx context.Context, key string) (activation.Verdict, error)
	Revalidate(ctx context.Context) (activation.Verdict, error)
	Deactivate(ctx context.Context) error
}

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	ctrl     LicenseController
	validate *validator.Validate
	errors   *licenseErrors.ErrorHandler
	logger   *slog.Logger
	timeout  time.Duration
	limiter  func(http.Handler) http.Handler
}

// LicenseHandlerOption configures a LicenseHandler
type LicenseHandlerOption func(*LicenseHandler)

// WithRequestTimeout bounds activate, validate and deactivate requests
func WithRequestTimeout(d time.Duration) LicenseHandlerOption {
	return func(h *LicenseHandler) { h.timeout = d }
}

// WithActivationLimiter wraps the activate route, typically with a RateLimiter
func WithActivationLimiter(mw func(http.Handler) http.Handler) LicenseHandlerOption {
	return func(h *LicenseHandler) { h.limiter = mw }
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(ctrl LicenseController, errorHandler *licenseErrors.ErrorHandler, logger *slog.Logger, opts ...LicenseHandlerOption) *LicenseHandler {
	h := &LicenseHandler{
		ctrl:     ctrl,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		errors:   errorHandler,
		logger:   infrastructure.WithComponent(logger, "license_handler"),
		timeout:  45 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.GetStatus)

	r.Group(func(r chi.Router) {
		r.Use(h.bounded)
		if h.limiter != nil {
			r.With(h.limiter).Post("/activate", h.Activate)
		} else {
			r.Post("/activate", h.Activate)
		}
		r.Post("/validate", h.Validate)
		r.Post("/deactivate", h.Deactivate)
	})

	return r
}

func (h *LicenseHandler) bounded(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *LicenseHandler) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "license_handler."+op,
		trace.WithAttributes(
			attribute.String("component", "license_handler"),
			attribute.String("operation", op),
		),
	)
}

// GetStatus handles GET /api/license/status. It reads the cached verdict
// and never waits for a check in progress.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "get_status")
	defer span.End()

	v := h.ctrl.Current()
	span.SetAttributes(
		attribute.Bool("license.allowed", v.Allowed),
		attribute.String("license.state", string(v.State)),
	)

	render.JSON(w, r, StatusResponse(v, infrastructure.GetTraceID(ctx), time.Now()))
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "activate")
	defer span.End()

	var req apiv1.LicenseActivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		span.RecordError(err)
		h.errors.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.logger.WarnContext(ctx, "activation request rejected",
			slog.String("license_key", infrastructure.MaskLicenseKey(req.LicenseKey)),
			slog.String("error", err.Error()))
		h.errors.HandleError(w, r, licenseErrors.ErrMalformedLicense)
		return
	}

	h.logger.InfoContext(ctx, "license activation requested",
		slog.String("license_key", infrastructure.MaskLicenseKey(req.LicenseKey)))

	v, err := h.ctrl.Activate(ctx, req.LicenseKey)
	if err != nil {
		span.RecordError(err)
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.Bool("license.allowed", v.Allowed),
		attribute.String("license.reason", string(v.Reason)),
	)
	if denial := v.Err(); denial != nil {
		h.errors.HandleError(w, r, denial)
		return
	}

	h.logger.InfoContext(ctx, "license activated",
		slog.String("license_id", v.LicenseID),
		slog.String("tier", string(v.Tier)))
	render.JSON(w, r, StatusResponse(v, infrastructure.GetTraceID(ctx), time.Now()))
}

// Validate handles POST /api/license/validate. The verdict is returned
// with 200 whether or not it allows use; the body carries the reason.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "validate")
	defer span.End()

	var req apiv1.LicenseValidateRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			h.errors.HandleError(w, r, licenseErrors.InvalidRequestWithError(err))
			return
		}
		if err := h.validate.Struct(req); err != nil {
			h.errors.HandleError(w, r, licenseErrors.ErrValidation("reason", err.Error()))
			return
		}
	}

	h.logger.InfoContext(ctx, "license revalidation requested", slog.String("reason", req.Reason))

	v, err := h.ctrl.Revalidate(ctx)
	if err != nil {
		span.RecordError(err)
		h.errors.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, StatusResponse(v, infrastructure.GetTraceID(ctx), time.Now()))
}

// Deactivate handles POST /api/license/deactivate. Local state is always
// cleared, even when the authority cannot be told.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "deactivate")
	defer span.End()

	if err := h.ctrl.Deactivate(ctx); err != nil {
		span.RecordError(err)
		h.errors.HandleError(w, r, err)
		return
	}

	v := h.ctrl.Current()
	render.JSON(w, r, apiv1.DeactivateResponse{
		Deactivated: true,
		State:       string(v.State),
		TraceID:     infrastructure.GetTraceID(ctx),
	})
}

// StatusResponse converts a verdict into the UI contract
func StatusResponse(v activation.Verdict, traceID string, now time.Time) apiv1.LicenseStatusResponse {
	resp := apiv1.LicenseStatusResponse{
		Allowed:       v.Allowed,
		State:         string(v.State),
		Reason:        string(v.Reason),
		Tier:          string(v.Tier),
		TierName:      v.Tier.DisplayName(),
		LicenseID:     v.LicenseID,
		GraceDeadline: v.GraceDeadline,
		ExpiresAt:     v.ExpiresAt,
		CheckedAt:     v.CheckedAt,
		UserAction:    licenseErrors.UserAction(v.Err()),
		TraceID:       traceID,
	}
	if v.Remaining >= 0 {
		remaining := v.Remaining
		resp.Remaining = &remaining
	}
	if v.State == activation.StateActiveOfflineGrace && v.GraceDeadline != nil {
		days := int(v.GraceDeadline.Sub(now).Hours() / 24)
		if days < 0 {
			days = 0
		}
		resp.DaysOfGrace = &days
	}
	return resp
}
