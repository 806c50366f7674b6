// Package noncestore implements the type-scoped, single-use replay guard
// (spec §4.C): atomic try-use, a used-check for the 3-hop callback exception,
// and a 24h sweeper for expired rows.
package noncestore

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cordx56/xrypton-go/internal/logutil"
	"github.com/cordx56/xrypton-go/internal/store"
)

// Windows per nonce type, spec §4.C.
const (
	AuthWindow = time.Hour
	QRWindow   = 5 * time.Minute
)

// SweepInterval is the process-wide sweeper cadence.
const SweepInterval = 24 * time.Hour

// Store is the type-scoped single-use ledger.
type Store struct {
	backend store.NonceStore
	logger  *slog.Logger
}

// New wraps backend with the nonce operations. logger may be nil.
func New(backend store.NonceStore, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logutil.NoopIfNil(logger)}
}

// TryUse atomically consumes (typ, value) for userID, returning true exactly
// once per pair and false on every subsequent call.
func (s *Store) TryUse(ctx context.Context, typ store.NonceType, value, userID string, expiresAt time.Time) (bool, error) {
	return s.backend.TryUse(ctx, typ, value, userID, expiresAt)
}

// IsUsed reports whether (typ, value) has already been consumed, for the
// nonce-reuse callback exception (spec §4.E).
func (s *Store) IsUsed(ctx context.Context, typ store.NonceType, value string) (bool, error) {
	return s.backend.IsUsed(ctx, typ, value)
}

// ExpiryForAuth computes the expires_at for an auth-type nonce: payload time + 1h.
func ExpiryForAuth(payloadTime time.Time) time.Time { return payloadTime.Add(AuthWindow) }

// ExpiryForQR computes the expires_at for a qr-type nonce: payload time + 5m.
func ExpiryForQR(payloadTime time.Time) time.Time { return payloadTime.Add(QRWindow) }

// WithinWindow reports whether |now - payloadTime| <= window.
func WithinWindow(payloadTime, now time.Time, window time.Duration) bool {
	delta := now.Sub(payloadTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= window
}

// StartSweeper launches the 24h sweep cadence in a background goroutine and
// returns a function to stop it. Sweep failures log and retry on the next
// tick; retries within a tick use a bounded exponential backoff, matching
// the idempotent, crash-safe sweeper spec.md §4.C requires.
func (s *Store) StartSweeper(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepWithRetry(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

func (s *Store) sweepWithRetry(ctx context.Context) {
	op := func() (int64, error) {
		return s.backend.SweepExpired(ctx)
	}
	n, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		s.logger.Warn("nonce sweep failed, will retry next tick", "error", err)
		return
	}
	s.logger.Debug("nonce sweep completed", "deleted", n)
}
