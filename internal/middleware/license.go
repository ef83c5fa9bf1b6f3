package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/activation"
	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
)

// VerdictSource reports the current license verdict without blocking
type VerdictSource interface {
	Current() activation.Verdict
}

type entitlementsKey struct{}

// LicenseGate lets a request through only while the current verdict allows
// use. Denied requests get the problem details for the verdict's reason.
type LicenseGate struct {
	source       VerdictSource
	errorHandler *licenseErrors.ErrorHandler
	logger       *slog.Logger
}

// NewLicenseGate creates a gate backed by source
func NewLicenseGate(source VerdictSource, errorHandler *licenseErrors.ErrorHandler, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		source:       source,
		errorHandler: errorHandler,
		logger:       infrastructure.WithComponent(logger, "license_gate"),
	}
}

// Handler returns the middleware handler function
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		verdict := g.source.Current()

		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Bool("license.allowed", verdict.Allowed),
			attribute.String("license.state", string(verdict.State)),
		)

		if err := verdict.Err(); err != nil {
			g.logger.WarnContext(ctx, "request blocked by license",
				slog.String("path", r.URL.Path),
				slog.String("state", string(verdict.State)),
				slog.String("reason", string(verdict.Reason)))
			g.errorHandler.HandleError(w, r, err)
			return
		}

		entitlements, ok := verdict.Entitlements()
		if !ok {
			// An allowed verdict always names a tier.
			g.errorHandler.HandleError(w, r, licenseErrors.ErrInternalServer)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, entitlementsKey{}, entitlements)))
	})
}

// EntitlementsFromContext returns the entitlements of the verdict that let
// the request through
func EntitlementsFromContext(ctx context.Context) (license.Entitlements, bool) {
	e, ok := ctx.Value(entitlementsKey{}).(license.Entitlements)
	return e, ok
}

// RequireFeature rejects requests whose entitlements lack f. It must be
// mounted behind a LicenseGate.
func RequireFeature(f license.Feature, errorHandler *licenseErrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entitlements, ok := EntitlementsFromContext(r.Context())
			if !ok || !entitlements.Has(f) {
				errorHandler.HandleError(w, r, licenseErrors.NewWithDetails(
					http.StatusForbidden,
					"FEATURE_NOT_ENTITLED",
					"Your license tier does not include this feature",
					map[string]interface{}{"feature": f},
				))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
