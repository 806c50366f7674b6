package noncestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cordx56/xrypton-go/internal/store"
)

type fakeBackend struct {
	mu   sync.Mutex
	used map[string]bool
	swept int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{used: make(map[string]bool)}
}

func key(typ store.NonceType, value string) string { return string(typ) + ":" + value }

func (f *fakeBackend) TryUse(ctx context.Context, typ store.NonceType, value, userID string, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(typ, value)
	if f.used[k] {
		return false, nil
	}
	f.used[k] = true
	return true, nil
}

func (f *fakeBackend) IsUsed(ctx context.Context, typ store.NonceType, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used[key(typ, value)], nil
}

func (f *fakeBackend) SweepExpired(ctx context.Context) (int64, error) {
	f.swept++
	return 0, nil
}

func TestTryUseExactlyOnceUnderRace(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, nil)

	const n = 50
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryUse(context.Background(), store.NonceAuth, "n1", "alice@h.example", time.Now().Add(time.Hour))
			if err != nil {
				t.Error(err)
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	trueCount := 0
	for ok := range results {
		if ok {
			trueCount++
		}
	}
	if trueCount != 1 {
		t.Errorf("expected exactly one true result, got %d", trueCount)
	}
}

func TestWithinWindow(t *testing.T) {
	now := time.Now()
	if !WithinWindow(now.Add(-30*time.Minute), now, AuthWindow) {
		t.Error("30m should be within the 1h auth window")
	}
	if WithinWindow(now.Add(-90*time.Minute), now, AuthWindow) {
		t.Error("90m should be outside the 1h auth window")
	}
	if WithinWindow(now.Add(-6*time.Minute), now, QRWindow) {
		t.Error("6m should be outside the 5m qr window")
	}
}

func TestExpiry(t *testing.T) {
	payload := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !ExpiryForAuth(payload).Equal(payload.Add(time.Hour)) {
		t.Error("auth expiry mismatch")
	}
	if !ExpiryForQR(payload).Equal(payload.Add(5 * time.Minute)) {
		t.Error("qr expiry mismatch")
	}
}

func TestStartSweeperStops(t *testing.T) {
	backend := newFakeBackend()
	s := New(backend, nil)
	stop := s.StartSweeper(context.Background())
	stop()
}
