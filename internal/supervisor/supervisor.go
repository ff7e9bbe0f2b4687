// Package supervisor implements the top-level process lifecycle (C7):
// starting the ingester, applier, and HTTP/WebSocket server as independent
// long-running tasks sharing one KS client, and propagating a single
// shutdown signal to all three.
package supervisor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pixelcanvas/internal/apply"
	"pixelcanvas/internal/broadcast"
	"pixelcanvas/internal/ingest"
	"pixelcanvas/internal/server"
	"pixelcanvas/internal/store"
)

// reconnectBackoffCap is a cap for reopening a task's KS client. Run dials
// one KS client and never reopens it, so no code reads this value.
const reconnectBackoffCap = 30 * time.Second

// Config bundles everything a Supervisor needs to assemble and run the
// pipeline.
type Config struct {
	StoreURL        string
	ContractID      string
	StartBlock      uint64
	ListenAddr      string
	AdminToken      string
	ConsumerTimeout time.Duration
	Logger          *logrus.Logger
}

// Supervisor owns the process-wide KS client and the three long-running
// tasks built on top of it.
type Supervisor struct {
	cfg    Config
	logger *logrus.Logger

	ks     store.KS
	hub    *broadcast.Hub
	httpSrv *http.Server
}

// New constructs a Supervisor. The KS client is dialed lazily in Run so
// that a dial failure surfaces as a Run error rather than a constructor
// panic.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Source is the factory for the ingester's BlockSource, supplied by the
// caller (cmd/pixelcanvas) since the concrete chain client is an external
// collaborator outside this module's scope.
type Source func(ks store.KS) ingest.BlockSource

// Run dials KS, wires the ingester, applier, and server together, and
// blocks until ctx is cancelled or any task exits with an error, at which
// point it signals every task to stop and waits for them to finish their
// current unit of work. A task's error is returned.
func (s *Supervisor) Run(ctx context.Context, newSource Source) error {
	ctx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	ks, err := store.NewRedisStore(s.cfg.StoreURL)
	if err != nil {
		return err
	}
	s.ks = ks
	defer ks.Close()

	s.hub = broadcast.New(ks, s.logger)

	ing := ingest.New(ks, newSource(ks), s.cfg.ContractID, s.cfg.StartBlock, s.logger)
	app := apply.New(ks, s.hub, s.cfg.ConsumerTimeout, s.logger, nil)
	srv := server.New(ks, s.hub, s.cfg.AdminToken, s.logger)

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ing.Run(ctx); err != nil {
			s.logger.WithError(err).Error("supervisor: ingester exited with error")
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.Run(ctx); err != nil {
			s.logger.WithError(err).Error("supervisor: applier exited with error")
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.WithField("addr", s.cfg.ListenAddr).Info("supervisor: serving HTTP/WebSocket")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("supervisor: HTTP server exited with error")
			errCh <- err
		}
	}()

	var firstErr error
	select {
	case <-ctx.Done():
		s.logger.Info("supervisor: shutdown signal received, draining tasks")
	case firstErr = <-errCh:
		s.logger.Info("supervisor: a task failed, draining the others")
		cancelTasks()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	app.Stop()

	wg.Wait()
	close(errCh)
	if firstErr != nil {
		return firstErr
	}
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
