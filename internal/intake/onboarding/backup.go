package onboarding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harbourhealth/intake/internal/intake/backend"
	"github.com/harbourhealth/intake/internal/intake/domain"
	"github.com/harbourhealth/intake/pkg/idx"
)

// DefaultBackupInterval is how often the periodic backup fires.
const DefaultBackupInterval = 30 * time.Second

// SessionSource yields the current session at fire time. The machine
// implements it; reading at fire time (never a captured snapshot) means a
// backup can never push state older than the user's latest edit.
type SessionSource interface {
	Session() (domain.OnboardingSession, error)
}

// Replicator pushes one session document to the backend.
type Replicator interface {
	BackupOnboarding(ctx context.Context, s domain.OnboardingSession) error
}

// BackupSync replicates the onboarding session to the backend on a fixed
// interval and on milestone triggers. It is strictly best-effort: failures
// are logged and recovered by the next attempt, and Trigger never blocks
// the caller.
type BackupSync struct {
	Source   SessionSource
	Backend  Replicator
	Logger   *slog.Logger
	Interval time.Duration

	stopCh    chan struct{}
	doneCh    chan struct{}
	triggerCh chan struct{}
}

// NewBackupSync creates the worker. If interval is 0 or negative, defaults
// to 30 seconds.
func NewBackupSync(source SessionSource, be Replicator, logger *slog.Logger, interval time.Duration) *BackupSync {
	if interval <= 0 {
		interval = DefaultBackupInterval
	}
	return &BackupSync{
		Source:    source,
		Backend:   be,
		Logger:    logger,
		Interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		triggerCh: make(chan struct{}, 1),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut it
// down.
func (b *BackupSync) Start() {
	go b.run()
	b.Logger.Info("backup sync started", "interval", b.Interval)
}

// Stop gracefully shuts down the worker, waiting for any in-progress push.
func (b *BackupSync) Stop() {
	close(b.stopCh)
	<-b.doneCh
	b.Logger.Info("backup sync stopped")
}

// Trigger requests an immediate backup. Never blocks; a trigger arriving
// while one is already queued is coalesced into it.
func (b *BackupSync) Trigger() {
	select {
	case b.triggerCh <- struct{}{}:
	default:
	}
}

func (b *BackupSync) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.push()
		case <-b.triggerCh:
			b.push()
		case <-b.stopCh:
			return
		}
	}
}

// push reads the current session and replicates it. Every failure path
// logs and returns; nothing propagates to the caller.
func (b *BackupSync) push() {
	session, err := b.Source.Session()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			b.Logger.Error("failed to read session for backup", "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), backend.DefaultTimeout)
	defer cancel()

	attempt := idx.New()
	if err := b.Backend.BackupOnboarding(ctx, session); err != nil {
		b.Logger.Warn("onboarding backup failed",
			"error", err,
			"attempt_id", attempt,
			"session_id", session.SessionID,
		)
		return
	}
	b.Logger.Debug("onboarding backup pushed",
		"attempt_id", attempt,
		"session_id", session.SessionID,
	)
}
