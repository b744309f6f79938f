// Command appserver boots the platform core: it loads CoreConfig, wires
// every mesh and governed-action component through internal/app, starts the
// versioned HTTP surface, and waits for SIGINT/SIGTERM to drain everything
// in reverse order. Grounded on the teacher's cmd entrypoint shape (load
// config, build the application, listen, wait on signal, shut down),
// generalized to this platform's component set and exit-code contract.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aegiscore/platform/internal/app"
	"github.com/aegiscore/platform/internal/app/httpapi"
	"github.com/aegiscore/platform/internal/config"
)

const (
	exitOK = iota
	exitGenericFailure
	exitConfigError
	exitPortInUse
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfigError
	}

	log := newAppLogger(cfg)

	if err := checkPortFree(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.WithField("error", err).Error("listen port unavailable")
		return exitPortInUse
	}

	application, err := app.New(cfg, nil, log)
	if err != nil {
		log.WithField("error", err).Error("failed to assemble platform core")
		return exitGenericFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithField("error", err).Error("failed to start platform core")
		return exitGenericFailure
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := httpapi.NewServer(addr, httpapi.Deps{
		Actions:     application.Actions,
		Registry:    application.Registry,
		Health:      application.Health,
		Gateway:     application.Gateway,
		Incidents:   application.Incidents,
		Bus:         application.EventBus,
		Descriptors: application.Descriptors,
		JWTSecret:   []byte(os.Getenv("JWT_SECRET")),
		Log:         log,
	})

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("platform core listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.WithField("error", err).Error("http server exited unexpectedly")
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("http server shutdown did not complete cleanly")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithField("error", err).Error("platform core shutdown failed")
		return exitGenericFailure
	}

	return exitOK
}

func checkPortFree(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %s unavailable: %w", addr, err)
	}
	return ln.Close()
}
