// Package system assembles the CSC, its event fan-out and the
// operator-facing servers, and owns startup and graceful shutdown.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/api/rest"
	"github.com/lsst-ts/mtreflector/internal/api/websocket"
	"github.com/lsst-ts/mtreflector/internal/auth"
	"github.com/lsst-ts/mtreflector/internal/config"
	"github.com/lsst-ts/mtreflector/internal/csc"
	"github.com/lsst-ts/mtreflector/internal/journal"
)

// System wires the CSC, the WebSocket hub, the event journal and the
// HTTP server together.
type System struct {
	cfg    *config.Config
	logger *zap.Logger

	hub         *websocket.Hub
	authService *auth.Service
	journal     *journal.Journal
	csc         *csc.CSC
	restServer  *rest.Server

	shutdownOnce sync.Once
}

// NewSystem builds every component from the configuration. The journal
// connection is established here, so a misconfigured database fails
// startup rather than the first command.
func NewSystem(ctx context.Context, cfg *config.Config, logger *zap.Logger, logLevel zap.AtomicLevel) (*System, error) {
	siteLoader, err := config.NewSiteLoader(cfg.SiteConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open site configuration: %w", err)
	}

	var authService *auth.Service
	if cfg.Auth.Enabled {
		authService = auth.NewService(cfg.Auth, logger)
		if !cfg.Auth.IsProductionReady() {
			logger.Warn("Auth is enabled with the development JWT secret; set a real secret before exposing the server")
		}
	}

	hub := websocket.NewHub(logger, authService)

	var jr *journal.Journal
	var recorder csc.Recorder
	if cfg.Journal.Enabled {
		jr, err = journal.Open(ctx, cfg.Journal, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		recorder = jr
	}

	publisher := csc.NewPublisher(hub, recorder, logger)
	controller := csc.NewCSC(logger, logLevel, publisher, siteLoader, cfg.Labjack)
	restServer := rest.NewServer(cfg, controller, logger, hub, authService)

	return &System{
		cfg:         cfg,
		logger:      logger,
		hub:         hub,
		authService: authService,
		journal:     jr,
		csc:         controller,
		restServer:  restServer,
	}, nil
}

// CSC returns the component controller.
func (s *System) CSC() *csc.CSC {
	return s.csc
}

// Done closes when the CSC has left its lifecycle via exitControl.
func (s *System) Done() <-chan struct{} {
	return s.csc.Done()
}

// Start brings up the hub, the CSC and the HTTP server.
func (s *System) Start(ctx context.Context) error {
	go s.hub.Run()

	if err := s.csc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start CSC: %w", err)
	}

	if err := s.restServer.Start(); err != nil {
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	s.logger.Info("MTReflector started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Bool("auth_enabled", s.authService != nil),
		zap.Bool("journal_enabled", s.journal != nil))

	return nil
}

// Shutdown gracefully stops the servers and disconnects the reflector.
// It is safe to call more than once.
func (s *System) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down system")

		shutdownErr = s.gracefulShutdown(ctx)

		// The journal closes last so the disconnect events published
		// during shutdown are still recorded.
		if s.journal != nil {
			s.journal.Close()
		}
	})

	return shutdownErr
}

func (s *System) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 1. HTTP server stops accepting commands.
	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := s.restServer.Shutdown(shutdownCtx); err != nil {
			errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
		}
	}()

	// 2. The CSC stops its workers and disconnects the LabJack.
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.csc.Close()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	case err := <-errChan:
		return err
	}
}
