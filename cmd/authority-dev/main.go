// Command authority-dev runs the in-memory activation authority for local
// development. Activations are lost on restart.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/authority"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/license"
)

type settings struct {
	Addr        string        `envconfig:"ADDR" default:"127.0.0.1:8790"`
	PublicKey   string        `envconfig:"PUBLIC_KEY"`
	AdminSecret string        `envconfig:"ADMIN_SECRET"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	Shutdown    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
}

func main() {
	var s settings
	if err := envconfig.Process("AUTHORITY", &s); err != nil {
		slog.Error("Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := infrastructure.NewLogger(os.Stdout, s.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, s, logger); err != nil {
		logger.Error("Authority stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func serve(ctx context.Context, s settings, logger *slog.Logger) error {
	pub, err := license.ResolvePublicKey(s.PublicKey)
	if err != nil {
		return err
	}
	verifier, err := license.NewVerifier(pub)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           authority.NewServer(verifier, []byte(s.AdminSecret), logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authority listening",
			slog.String("addr", s.Addr),
			slog.String("public_key", verifier.PublicKeyFingerprint()),
			slog.Bool("admin_routes", s.AdminSecret != ""))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
