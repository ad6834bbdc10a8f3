package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"behavtrust/pkg/auth"
	"behavtrust/pkg/config"
	otelobs "behavtrust/pkg/observability/otel"
	"behavtrust/pkg/structlog"
	"behavtrust/pkg/validation"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $BEHAVTRUST_CONFIG)")
	flag.Parse()

	log := structlog.NewLogger(serviceName, structlog.ParseLevel(os.Getenv("LOG_LEVEL")), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, log, *configPath, flag.Args(), options{})
	stop()
	if err != nil {
		log.Fatal("behavauth exited", structlog.Fields{"error": err})
	}
}

// run owns every resource it builds and releases them before returning, so
// main exits only after the stores, clients and dispatcher are closed.
func run(ctx context.Context, log *structlog.Logger, configPath string, args []string, opts options) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := buildApp(ctx, cfg, log, opts)
	if err != nil {
		return fmt.Errorf("initialise service: %w", err)
	}
	defer a.close()

	// create-user seeds an account; the API has no registration route.
	if len(args) > 0 && args[0] == "create-user" {
		var email string
		if len(args) > 1 {
			email = args[1]
		}
		if err := createUser(ctx, a.users, email, os.Getenv("BEHAVAUTH_NEW_USER_PASSWORD")); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		log.Info("user created", structlog.Fields{"email": email})
		return nil
	}

	shutdownTracer := otelobs.InitTracer(ctx, serviceName, cfg.Telemetry.OTLPEndpoint, log)
	defer shutdownTracer(context.Background())
	shutdownMeter := otelobs.InitMeter(ctx, serviceName, cfg.Telemetry.OTLPEndpoint, log)
	defer shutdownMeter(context.Background())

	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("behavioral auth service starting", structlog.Fields{"addr": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown", structlog.Fields{"error": err})
	}
	return serveErr
}

func createUser(ctx context.Context, users auth.UserStore, email, password string) error {
	email = auth.NormalizeEmail(email)
	if err := validation.ValidateEmail(email); err != nil {
		return fmt.Errorf("usage: behavauth create-user <email>: %w", err)
	}
	if len(password) < 8 {
		return fmt.Errorf("BEHAVAUTH_NEW_USER_PASSWORD must be at least 8 characters")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return users.CreateUser(ctx, email, hash)
}
