package authority

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
)

// Server is an in-memory reference implementation of the activation
// authority. It is used for local development and end-to-end tests.
type Server struct {
	registry    *Registry
	verifier    *license.Verifier
	adminSecret []byte
	validate    *validator.Validate
	errors      *licenseErrors.ErrorHandler
	logger      *slog.Logger
}

// NewServer creates a reference authority that trusts keys signed for
// verifier. Admin routes are disabled when adminSecret is empty.
func NewServer(verifier *license.Verifier, adminSecret []byte, logger *slog.Logger) *Server {
	return &Server{
		registry:    NewRegistry(),
		verifier:    verifier,
		adminSecret: adminSecret,
		validate:    validator.New(),
		errors:      licenseErrors.NewErrorHandler(logger),
		logger:      infrastructure.WithComponent(logger, "authority_server"),
	}
}

// Registry exposes the backing registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler returns the authority router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.NotFound(s.errors.NotFound)
	r.MethodNotAllowed(s.errors.MethodNotAllowed)

	r.Post(PathRegister, s.handleRegister)
	r.Post(PathConfirm, s.handleConfirm)
	r.Post(PathDeactivate, s.handleDeactivate)

	if len(s.adminSecret) > 0 {
		r.Route("/v1/admin/licenses/{licenseID}", func(r chi.Router) {
			r.Use(RequireAdminToken(s.adminSecret))
			r.Get("/", s.handleGetLicense)
			r.Post("/revoke", s.handleSetStatus(RemoteRevoked))
			r.Post("/reinstate", s.handleSetStatus(RemoteActive))
			r.Post("/release/{fingerprint}", s.handleRelease)
		})
	}
	return r
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (ActivationRequest, bool) {
	var req ActivationRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return req, false
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			render.Render(w, r, licenseErrors.ErrValidation(verrs[0].Field(), verrs[0].Tag()))
			return req, false
		}
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return req, false
	}
	return req, true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, req ActivationRequest, d Decision) {
	s.logger.InfoContext(r.Context(), "Activation decision",
		slog.String("path", r.URL.Path),
		slog.String("license_id", req.LicenseID),
		slog.String("fingerprint", infrastructure.ShortFingerprint(req.Fingerprint)),
		slog.String("status", d.Status),
		slog.Int("remaining", d.Remaining))

	render.JSON(w, r, ActivationResponse{
		Status:    d.Status,
		Remaining: d.Remaining,
		LicenseID: req.LicenseID,
		RequestID: req.RequestID,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}

	record, err := license.Parse(req.LicenseKey)
	if err != nil {
		s.errors.HandleError(w, r, err)
		return
	}
	if record.LicenseID != req.LicenseID {
		render.Render(w, r, licenseErrors.ErrValidation("license_id", "does not match license key"))
		return
	}
	switch s.verifier.ValidateOffline(record, s.registry.now()) {
	case license.Forged:
		s.errors.HandleError(w, r, licenseErrors.ErrForgedOrTampered)
		return
	case license.OfflineExpired:
		s.errors.HandleError(w, r, licenseErrors.ErrLicenseExpired)
		return
	}

	s.respond(w, r, req, s.registry.Register(record, req.Fingerprint))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	d, found := s.registry.Confirm(req.LicenseID, req.Fingerprint)
	if !found {
		render.Render(w, r, licenseErrors.NotFoundError("license"))
		return
	}
	s.respond(w, r, req, d)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	d, found := s.registry.Deactivate(req.LicenseID, req.Fingerprint)
	if !found {
		render.Render(w, r, licenseErrors.NotFoundError("license"))
		return
	}
	s.respond(w, r, req, d)
}

func (s *Server) handleGetLicense(w http.ResponseWriter, r *http.Request) {
	v, ok := s.registry.Get(chi.URLParam(r, "licenseID"))
	if !ok {
		render.Render(w, r, licenseErrors.NotFoundError("license"))
		return
	}
	render.JSON(w, r, v)
}

func (s *Server) handleSetStatus(status RemoteStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		licenseID := chi.URLParam(r, "licenseID")
		v, ok := s.registry.SetStatus(licenseID, status)
		if !ok {
			render.Render(w, r, licenseErrors.NotFoundError("license"))
			return
		}
		s.logger.InfoContext(r.Context(), "License status changed",
			slog.String("license_id", licenseID),
			slog.String("status", string(status)))
		render.JSON(w, r, v)
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "licenseID")
	fingerprint := chi.URLParam(r, "fingerprint")

	v, ok, released := s.registry.Release(licenseID, fingerprint)
	if !ok {
		render.Render(w, r, licenseErrors.NotFoundError("license"))
		return
	}
	if !released {
		render.Render(w, r, licenseErrors.NotFoundError("activation"))
		return
	}
	s.logger.InfoContext(r.Context(), "Activation released by operator",
		slog.String("license_id", licenseID),
		slog.String("fingerprint", infrastructure.ShortFingerprint(fingerprint)))
	render.JSON(w, r, v)
}
