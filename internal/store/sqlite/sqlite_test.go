package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cordx56/xrypton-go/internal/store"
	"github.com/cordx56/xrypton-go/internal/store/sqlite"
)

func newDriver(t *testing.T) *sqlite.Driver {
	t.Helper()
	dir := t.TempDir()
	d := sqlite.New(filepath.Join(dir, "xrypton-test.db"))
	if err := d.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestUserCreateAndGet(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	u := &store.User{
		ID:                    "alice@h.example",
		EncryptionPublicKey:   "enc-armored",
		SigningPublicKey:      "sign-armored",
		PrimaryKeyFingerprint: "ABCDEF",
	}
	if err := d.CreateUser(ctx, u, &store.Profile{DisplayName: "Alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := d.GetUser(ctx, "alice@h.example")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PrimaryKeyFingerprint != "ABCDEF" {
		t.Errorf("fingerprint mismatch: %q", got.PrimaryKeyFingerprint)
	}

	if _, err := d.GetUser(ctx, "nobody@h.example"); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNonceTryUseExactlyOnce(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	first, err := d.TryUse(ctx, store.NonceAuth, "n1", "alice@h.example", expires)
	if err != nil || !first {
		t.Fatalf("first try_use should succeed: %v %v", first, err)
	}
	second, err := d.TryUse(ctx, store.NonceAuth, "n1", "alice@h.example", expires)
	if err != nil || second {
		t.Fatalf("second try_use should fail: %v %v", second, err)
	}

	used, err := d.IsUsed(ctx, store.NonceAuth, "n1")
	if err != nil || !used {
		t.Fatalf("expected used=true: %v %v", used, err)
	}
}

func TestNonceSweepExpired(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	if _, err := d.TryUse(ctx, store.NonceQR, "expired", "alice@h.example", time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.TryUse(ctx, store.NonceQR, "fresh", "alice@h.example", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, err := d.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept row, got %d", n)
	}
}

func TestTombstoneHiding(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	if err := d.InsertTombstone(ctx, &store.Tombstone{DeletedUserID: "alice@h.example", PrimaryKeyFingerprint: "ABCDEF"}); err != nil {
		t.Fatal(err)
	}
	deleted, err := d.IsDeleted(ctx, "alice@h.example")
	if err != nil || !deleted {
		t.Fatalf("expected deleted=true: %v %v", deleted, err)
	}
	fps, err := d.GetDeletedFingerprints(ctx, []string{"ABCDEF", "ZZZZZZ"})
	if err != nil {
		t.Fatal(err)
	}
	if !fps["ABCDEF"] || fps["ZZZZZZ"] {
		t.Errorf("unexpected fingerprint set: %+v", fps)
	}
}

func TestWotSignatureUniqueness(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	s := &store.WotSignature{
		TargetFingerprint: "TARGET",
		SignerFingerprint: "SIGNER",
		SignatureB64:      "c2lnbmF0dXJl",
		SignatureHash:     store.SignatureHash("c2lnbmF0dXJl"),
	}
	if err := d.InsertSignature(ctx, s); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	s2 := *s
	s2.ID = 0
	if err := d.InsertSignature(ctx, &s2); err != store.ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xrypton-restart.db")
	ctx := context.Background()

	d1 := sqlite.New(path)
	if err := d1.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d1.CreateUser(ctx, &store.User{ID: "alice@h.example"}, nil); err != nil {
		t.Fatal(err)
	}
	d1.Close()

	d2 := sqlite.New(path)
	if err := d2.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer d2.Close()

	if _, err := d2.GetUser(ctx, "alice@h.example"); err != nil {
		t.Fatalf("user missing after restart: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("db file missing: %v", err)
	}
}
