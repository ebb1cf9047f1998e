package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harbourhealth/intake/internal/intake/domain"
)

const (
	// DefaultRefreshMargin is how long before expiry the proactive refresh
	// fires. Token accessors also refuse to hand out tokens inside this
	// window without refreshing first.
	DefaultRefreshMargin = 5 * time.Minute

	// DefaultMinDelay floors the timer so a token that is already inside
	// the margin does not cause a refresh storm.
	DefaultMinDelay = time.Minute
)

// RefreshScheduler owns the single proactive refresh timer. The timer is an
// explicit cancelable value, not a free-floating callback: re-arming always
// cancels the previous timer first, so at most one refresh is ever pending.
type RefreshScheduler struct {
	Margin   time.Duration
	MinDelay time.Duration
	Logger   *slog.Logger

	fire func()
	now  func() time.Time

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	armed    bool

	// gen identifies the current timer generation. A fired callback whose
	// timer was replaced before it could run carries a stale generation
	// and must not steal the armed flag from the live timer.
	gen uint64
}

func NewRefreshScheduler(logger *slog.Logger) *RefreshScheduler {
	return &RefreshScheduler{
		Margin:   DefaultRefreshMargin,
		MinDelay: DefaultMinDelay,
		Logger:   logger,
		now:      time.Now,
	}
}

// Bind sets the refresh path the timer invokes. The controller calls this
// once during wiring; the scheduler itself never touches tokens or storage.
func (s *RefreshScheduler) Bind(fire func()) {
	s.fire = fire
}

// Arm schedules the refresh timer for the given token set, cancelling any
// previously armed timer first.
func (s *RefreshScheduler) Arm(tokens domain.TokenSet) {
	delay := s.delayFor(tokens)

	s.mu.Lock()
	if s.timer != nil {
		// Stop may report false when the old timer already fired; its
		// callback is then in flight with a stale generation and will
		// bail out in onFire.
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.deadline = s.now().Add(delay)
	s.armed = true
	s.timer = time.AfterFunc(delay, func() { s.onFire(gen) })
	s.mu.Unlock()

	s.Logger.Debug("refresh timer armed", "delay", delay)
}

// Disarm cancels any pending timer. Used on logout, and safe to call from
// within the fired refresh path itself.
func (s *RefreshScheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.armed = false
}

// Armed reports whether a refresh is currently pending.
func (s *RefreshScheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// PendingIn returns how far away the pending refresh is, and whether one is
// armed at all.
func (s *RefreshScheduler) PendingIn() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return 0, false
	}
	return s.deadline.Sub(s.now()), true
}

func (s *RefreshScheduler) onFire(gen uint64) {
	s.mu.Lock()
	if !s.armed || gen != s.gen {
		// Disarmed or re-armed between the timer firing and this
		// goroutine running; the flag belongs to a newer timer.
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.timer = nil
	s.mu.Unlock()

	s.fire()
}

// delayFor computes max(expiresAt - now - margin, minDelay).
func (s *RefreshScheduler) delayFor(tokens domain.TokenSet) time.Duration {
	delay := tokens.ExpiresAt.Sub(s.now()) - s.margin()
	if min := s.minDelay(); delay < min {
		delay = min
	}
	return delay
}

func (s *RefreshScheduler) margin() time.Duration {
	if s.Margin > 0 {
		return s.Margin
	}
	return DefaultRefreshMargin
}

func (s *RefreshScheduler) minDelay() time.Duration {
	if s.MinDelay > 0 {
		return s.MinDelay
	}
	return DefaultMinDelay
}
