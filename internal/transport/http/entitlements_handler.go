package http

import (
	"net/http"

	"github.com/go-chi/render"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/middleware"
	apiv1 "github.com/savagelysubtle/AiChemistTransmutations-sub001/pkg/contracts/api/v1"
)

// EntitlementsHandler serves GET /api/entitlements. It must be mounted
// behind middleware.LicenseGate, which resolves the entitlements.
type EntitlementsHandler struct {
	errors *licenseErrors.ErrorHandler
}

// NewEntitlementsHandler creates a new entitlements handler
func NewEntitlementsHandler(errorHandler *licenseErrors.ErrorHandler) *EntitlementsHandler {
	return &EntitlementsHandler{errors: errorHandler}
}

func (h *EntitlementsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e, ok := middleware.EntitlementsFromContext(r.Context())
	if !ok {
		h.errors.HandleError(w, r, licenseErrors.ErrNotActivated)
		return
	}

	features := make([]string, len(e.Features))
	for i, f := range e.Features {
		features[i] = string(f)
	}
	render.JSON(w, r, apiv1.EntitlementsResponse{
		Tier:          string(e.Tier),
		Features:      features,
		MaxFileSizeMB: e.MaxFileSizeMB,
		MaxBatchFiles: e.MaxBatchFiles,
		Watermark:     e.Watermark,
	})
}
