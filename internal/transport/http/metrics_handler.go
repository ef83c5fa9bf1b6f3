package http

import (
	"net/http"

	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
)

// MetricsHandler serves the Prometheus scrape endpoint when the Prometheus
// exporter is configured, and 404 otherwise.
type MetricsHandler struct {
	exporter http.Handler
	errors   *licenseErrors.ErrorHandler
}

// NewMetricsHandler creates a new metrics handler. exporter may be nil.
func NewMetricsHandler(exporter http.Handler, errorHandler *licenseErrors.ErrorHandler) *MetricsHandler {
	return &MetricsHandler{exporter: exporter, errors: errorHandler}
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		h.errors.NotFound(w, r)
		return
	}
	h.exporter.ServeHTTP(w, r)
}
