package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	gorillaws "github.com/gorilla/websocket"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/websocket"
)

// WebSocketHandler upgrades UI connections and hands them to the hub
type WebSocketHandler struct {
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler accepts connections from allowedOrigins and from
// loopback origins. Requests without an Origin header (non-browser
// clients) are accepted.
func NewWebSocketHandler(hub *websocket.Hub, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:    hub,
		logger: infrastructure.WithComponent(logger, "websocket_handler"),
	}
	h.upgrader = gorillaws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originPermitted(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return h
}

func originPermitted(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ServeHTTP handles GET /ws
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.WarnContext(ctx, "websocket upgrade failed",
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("error", err.Error()))
		return
	}

	client, err := h.hub.Attach(websocket.NewConnectionWrapper(conn), infrastructure.GetTraceID(ctx))
	if err != nil {
		h.logger.WarnContext(ctx, "websocket rejected", slog.String("error", err.Error()))
		return
	}

	h.logger.InfoContext(ctx, "websocket connected",
		slog.String("client_id", client.ID()),
		slog.String("remote_addr", r.RemoteAddr))
}
