// Package authz holds the process-wide session grant that gates sensitive tools.
//
// A grant is created inactive at startup and only ever changed by Authorize.
// Expiry is evaluated lazily on every check; nothing clears it in the background.
package authz

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zhubert/agent-browser/audit"
	"github.com/zhubert/agent-browser/logger"
)

// DefaultDurationHours is used when session-authorize omits duration_hours.
const DefaultDurationHours = 8.0

// maxGrantSeconds keeps expiry arithmetic inside time.Duration.
const maxGrantSeconds = math.MaxInt64 / int64(time.Second)

// ErrDurationTooLarge is returned when a grant cannot be represented.
var ErrDurationTooLarge = errors.New("authorization duration too large")

// Status is the JSON shape returned by session-status.
type Status struct {
	Authorized       bool   `json:"authorized"`
	ExpiresAt        *int64 `json:"expires_at"`        // Unix seconds, null before the first grant
	RemainingSeconds *int64 `json:"remaining_seconds"` // null before the first grant
}

// Guard is the session grant plus its audit trail.
type Guard struct {
	mu     sync.RWMutex
	active bool
	expiry time.Time // zero until the first grant

	audit audit.Recorder
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, for tests that need to move time forward.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// NewGuard returns an inactive guard recording to rec. A nil recorder disables auditing.
func NewGuard(rec audit.Recorder, opts ...Option) *Guard {
	g := &Guard{
		audit: rec,
		now:   time.Now,
		log:   logger.WithComponent("authz"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HoursToDuration converts caller-supplied fractional hours to whole seconds,
// truncating. Negative and NaN inputs become zero.
func HoursToDuration(hours float64) (time.Duration, error) {
	secs := hours * 3600
	if math.IsNaN(secs) || secs <= 0 {
		return 0, nil
	}
	if secs >= float64(maxGrantSeconds) {
		return 0, fmt.Errorf("%w: %v hours", ErrDurationTooLarge, hours)
	}
	return time.Duration(int64(secs)) * time.Second, nil
}

// Authorize grants access for the given number of hours starting now.
func (g *Guard) Authorize(hours float64) (time.Duration, error) {
	d, err := HoursToDuration(hours)
	if err != nil {
		return 0, err
	}
	return d, g.AuthorizeFor(d)
}

// AuthorizeFor grants access for d starting now. A zero duration yields a grant
// that is already expired.
func (g *Guard) AuthorizeFor(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	now := g.now()
	expiry := now.Add(d)
	if expiry.Before(now) {
		return fmt.Errorf("%w: %s", ErrDurationTooLarge, d)
	}

	g.mu.Lock()
	g.active = true
	g.expiry = expiry
	g.mu.Unlock()

	if g.audit != nil {
		g.audit.Record(fmt.Sprintf("Session authorized for %d hours", int64(d/time.Hour)))
	}
	g.log.Info("session authorized", "until", expiry.Unix(), "seconds", int64(d/time.Second))
	return nil
}

// IsAuthorized reports whether a grant is active and unexpired.
func (g *Guard) IsAuthorized() bool {
	now := g.now()

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active && now.Before(g.expiry)
}

// Status reports the grant for session-status.
func (g *Guard) Status() Status {
	now := g.now()

	g.mu.RLock()
	active, expiry := g.active, g.expiry
	g.mu.RUnlock()

	st := Status{Authorized: active && now.Before(expiry)}
	if expiry.IsZero() {
		return st
	}

	expiresAt := expiry.Unix()
	remaining := int64(expiry.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	st.ExpiresAt = &expiresAt
	st.RemainingSeconds = &remaining
	return st
}
