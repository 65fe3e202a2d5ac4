// Package cleanup provides data retention services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/projection"
	"github.com/codeready-toolchain/relay/pkg/registry"
	"github.com/codeready-toolchain/relay/pkg/security"
)

// Service periodically enforces retention policies:
//   - Trims archived terminal elicitations past the retention window
//   - Revokes sessions idle past the idle window (eager sweep; lazy
//     revocation on access covers the gap between runs)
//   - Drops nonces outside their retention window
//
// All operations are idempotent.
type Service struct {
	cfg      *config.RetentionConfig
	store    *projection.Store
	registry *registry.Manager
	nonces   *security.NonceStore
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg *config.RetentionConfig, store *projection.Store, reg *registry.Manager, nonces *security.NonceStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		registry: reg,
		nonces:   nonces,
		now:      time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"archive_retention", s.cfg.ArchiveRetention.Std(),
		"interval", s.cfg.CleanupInterval.Std())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll()

	ticker := time.NewTicker(s.cfg.CleanupInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll()
		}
	}
}

func (s *Service) runAll() {
	s.trimArchive()
	s.sweepIdleSessions()
	s.gcNonces()
}

func (s *Service) trimArchive() {
	cutoff := s.now().Add(-s.cfg.ArchiveRetention.Std())
	if count := s.store.TrimArchive(cutoff); count > 0 {
		slog.Info("Retention: trimmed archived elicitations", "count", count)
	}
}

func (s *Service) sweepIdleSessions() {
	if count := s.registry.SweepIdle(); count > 0 {
		slog.Info("Retention: revoked idle sessions", "count", count)
	}
}

func (s *Service) gcNonces() {
	if count := s.nonces.GC(); count > 0 {
		slog.Debug("Retention: dropped expired nonces", "count", count)
	}
}
