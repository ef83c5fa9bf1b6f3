package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/activation"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/authority"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/config"
	licenseErrors "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/errors"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/middleware"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/security"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/store"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/telemetry"
	transport "github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/transport/http"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/websocket"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/pkg/contracts"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/pkg/contracts/events"
)

// Application represents the main application container
type Application struct {
	Config     *config.Config
	Logger     *slog.Logger
	OTel       *infrastructure.OTelProviders
	Controller *activation.Controller
	Hub        *websocket.Hub
	Reporter   *telemetry.Reporter
	Server     *http.Server

	unsubscribe func()

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// Option customizes how New builds the application
type Option func(*options)

type options struct {
	fingerprint []security.FingerprintOption
	httpClient  *http.Client
}

// WithFingerprintOptions configures the machine fingerprint source
func WithFingerprintOptions(opts ...security.FingerprintOption) Option {
	return func(o *options) { o.fingerprint = append(o.fingerprint, opts...) }
}

// WithAuthorityHTTPClient replaces the HTTP client used to reach the authority
func WithAuthorityHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// NewApplication loads configuration from the environment and builds the
// application
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}
	paths.LogPathResolution(logger)

	return New(ctx, cfg, logger)
}

// New builds the application from an already loaded configuration
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("key_format", contracts.KeyFormatVersion))

	providers, err := infrastructure.InitializeOTel(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config: cfg,
		Logger: logger,
		OTel:   providers,
		ready:  make(chan struct{}),
	}

	if err := a.initialize(ctx, o); err != nil {
		_ = providers.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *Application) initialize(ctx context.Context, o *options) error {
	cfg := a.Config

	fp := security.NewFingerprintManager(append([]security.FingerprintOption{
		security.WithFingerprintLogger(a.Logger),
	}, o.fingerprint...)...)
	fingerprint, err := fp.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute machine fingerprint: %w", err)
	}

	st, err := store.New(cfg.Licensing.StateFile, fingerprint, store.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("failed to open activation store: %w", err)
	}

	pub, err := license.ResolvePublicKey(cfg.Licensing.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to resolve license public key: %w", err)
	}
	verifier, err := license.NewVerifier(pub)
	if err != nil {
		return fmt.Errorf("failed to create license verifier: %w", err)
	}
	a.Logger.InfoContext(ctx, "License verifier ready",
		slog.String("public_key", verifier.PublicKeyFingerprint()),
		slog.String("machine", infrastructure.ShortFingerprint(fingerprint)))

	client, err := authority.NewClient(authority.ClientConfig{
		BaseURL:        cfg.Licensing.AuthorityURL,
		RequestTimeout: cfg.Licensing.RequestTimeout,
		RetryBackoff:   cfg.Licensing.RetryBackoff,
		HTTPClient:     o.httpClient,
		Logger:         a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create authority client: %w", err)
	}

	metrics, err := activation.InitializeActivationMetrics(a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create activation metrics: %w", err)
	}

	a.Reporter = telemetry.NewReporter(cfg.Telemetry, a.Logger)

	a.Controller, err = activation.NewController(
		activation.Config{
			GraceWindow:  cfg.Licensing.GraceWindow,
			CheckTimeout: cfg.Licensing.CheckTimeout,
		},
		verifier, client, st, fp,
		activation.WithLogger(a.Logger),
		activation.WithMetrics(metrics),
		activation.WithUsageRecorder(a.Reporter),
	)
	if err != nil {
		return fmt.Errorf("failed to create activation controller: %w", err)
	}

	hubMetrics, err := websocket.NewHubMetrics(a.OTel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.Hub = websocket.NewHub(a.Logger,
		websocket.WithHubMetrics(hubMetrics),
		websocket.WithSnapshot(a.verdictSnapshot),
	)
	a.unsubscribe = a.Controller.Subscribe(a.broadcastVerdict)

	handler, err := a.router()
	if err != nil {
		return err
	}

	a.Server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	return nil
}

func (a *Application) router() (http.Handler, error) {
	cfg := a.Config
	errorHandler := licenseErrors.NewErrorHandler(a.Logger)

	otelMiddleware, err := middleware.NewOTelMiddleware(a.OTel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	licenseOpts := []transport.LicenseHandlerOption{
		transport.WithRequestTimeout(cfg.Licensing.CheckTimeout + 5*time.Second),
	}
	if cfg.Security.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst, errorHandler, a.Logger)
		licenseOpts = append(licenseOpts, transport.WithActivationLimiter(limiter.Handler))
	}

	return transport.NewRouter(transport.RouterConfig{
		Logger:         a.Logger,
		Errors:         errorHandler,
		License:        transport.NewLicenseHandler(a.Controller, errorHandler, a.Logger, licenseOpts...),
		Health:         transport.NewHealthHandler(a.Controller, a.Hub),
		Entitlements:   transport.NewEntitlementsHandler(errorHandler),
		WebSocket:      transport.NewWebSocketHandler(a.Hub, cfg.Security.AllowedOrigins, a.Logger),
		Metrics:        transport.NewMetricsHandler(a.OTel.PrometheusHTTP, errorHandler),
		Gate:           middleware.NewLicenseGate(a.Controller, errorHandler, a.Logger),
		OTel:           otelMiddleware,
		AllowedOrigins: cfg.Security.AllowedOrigins,
	}), nil
}

func (a *Application) verdictSnapshot() []byte {
	msg, err := websocket.Encode(events.MessageTypeLicenseVerdict, "",
		transport.StatusResponse(a.Controller.Current(), "", time.Now()))
	if err != nil {
		return nil
	}
	return msg
}

func (a *Application) broadcastVerdict(v activation.Verdict) {
	err := a.Hub.BroadcastMessage(events.MessageTypeLicenseVerdict, "",
		transport.StatusResponse(v, "", time.Now()))
	if err != nil {
		a.Logger.Warn("Failed to broadcast license verdict", slog.String("error", err.Error()))
	}
}

// Ready is closed once the HTTP listener is bound
func (a *Application) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound listen address, or "" before Ready
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	close(a.ready)

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", "http://"+ln.Addr().String()),
		slog.Bool("telemetry", a.Reporter.Enabled()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Hub.Run(gctx) })
	g.Go(func() error { return a.Reporter.Run(gctx) })

	g.Go(func() error {
		v, err := a.Controller.ValidateOnStartup(gctx)
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			a.Logger.WarnContext(gctx, "Startup validation failed", slog.String("error", err.Error()))
		} else {
			a.Logger.InfoContext(gctx, "Startup validation complete",
				slog.String("state", string(v.State)),
				slog.String("reason", string(v.Reason)))
		}
		return a.Controller.Run(gctx, a.Config.Licensing.RevalidateInterval)
	})

	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdownServer(context.WithoutCancel(ctx))
	})

	err = g.Wait()
	a.stop(context.WithoutCancel(ctx))
	return err
}

func (a *Application) shutdownServer(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	a.Logger.InfoContext(ctx, "Shutting down HTTP server")
	if err := a.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

func (a *Application) stop(ctx context.Context) {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	ctx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.OTel.Shutdown(ctx); err != nil {
		a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
}
