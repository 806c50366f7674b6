// Package store defines the persistence model and driver abstraction for
// users, tombstones, nonces, web-of-trust signatures, and remote chat
// references. Concrete drivers (sqlite) implement Driver.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Common errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// NonceType scopes a nonce to the operation that consumes it.
type NonceType string

const (
	NonceAuth NonceType = "auth"
	NonceQR   NonceType = "qr"
)

// User is a registered identity. ID is always the canonical fully-qualified
// local@domain form; bare ids are never stored.
type User struct {
	ID                  string `gorm:"primaryKey"`
	EncryptionPublicKey  string
	SigningPublicKey     string
	PrimaryKeyFingerprint string `gorm:"index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Profile holds opaque per-user fields and their detached signatures.
type Profile struct {
	UserID          string `gorm:"primaryKey"`
	DisplayName     string
	DisplayNameSig  string
	Status          string
	StatusSig       string
	Bio             string
	BioSig          string
	IconKey         string
	IconKeySig      string
	UpdatedAt       time.Time
}

// Tombstone marks a deleted user id and, if known, its primary fingerprint.
type Tombstone struct {
	DeletedUserID         string `gorm:"primaryKey"`
	PrimaryKeyFingerprint string `gorm:"index"`
	CreatedAt             time.Time
}

// Nonce is a single-use, type-scoped replay guard row.
type Nonce struct {
	Type      NonceType `gorm:"primaryKey"`
	Value     string    `gorm:"primaryKey"`
	UserID    string
	ExpiresAt time.Time `gorm:"index"`
}

// WotSignature is one web-of-trust certification edge.
type WotSignature struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	TargetFingerprint  string `gorm:"index"`
	SignerFingerprint  string `gorm:"index"`
	SignatureB64       string
	SignatureHash      string `gorm:"uniqueIndex"`
	CreatedAt          time.Time
	ReceivedAt         time.Time
	Revoked            bool
}

// RemoteChatReference records that a chat's authoritative copy lives on a
// remote home server.
type RemoteChatReference struct {
	ChatID       string `gorm:"primaryKey"`
	Name         string
	ServerDomain string `gorm:"index"`
}

// ChatMembership duplicates a subset of a remote chat's members locally so
// push fan-out and membership checks do not require a remote round trip.
type ChatMembership struct {
	ChatID string `gorm:"primaryKey"`
	UserID string `gorm:"primaryKey"`
}

// PushSubscription is one Web Push endpoint registered by a local user.
type PushSubscription struct {
	Endpoint string `gorm:"primaryKey"`
	UserID   string `gorm:"index"`
	P256dh   string
	Auth     string
}

// UserStore persists User rows. Remote users are an opaque cache: any
// authenticated request that triggers discovery may upsert one.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByFingerprint(ctx context.Context, fp string) (*User, error)
	GetUserCaseInsensitive(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, u *User, p *Profile) error
	UpdateUserKeys(ctx context.Context, id, encKey, signKey, fp string) error
	UpsertExternalUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id string) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	UpdateProfile(ctx context.Context, p *Profile) error
}

// TombstoneStore persists deletion markers.
type TombstoneStore interface {
	InsertTombstone(ctx context.Context, t *Tombstone) error
	IsDeleted(ctx context.Context, id string) (bool, error)
	GetDeletedFingerprints(ctx context.Context, fps []string) (map[string]bool, error)
}

// NonceStore persists the single-use ledger.
type NonceStore interface {
	TryUse(ctx context.Context, typ NonceType, value, userID string, expiresAt time.Time) (bool, error)
	IsUsed(ctx context.Context, typ NonceType, value string) (bool, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// WotStore persists certification edges.
type WotStore interface {
	InsertSignature(ctx context.Context, s *WotSignature) error
	EdgesForFrontier(ctx context.Context, fingerprints []string, direction string) ([]WotSignature, error)
	GetUsersByFingerprints(ctx context.Context, fps []string) (map[string]*User, error)
}

// ChatStore persists remote chat references and push subscriptions.
type ChatStore interface {
	CreateRemoteChatReference(ctx context.Context, ref *RemoteChatReference, localMembers []string) error
	GetRemoteChatReference(ctx context.Context, chatID string) (*RemoteChatReference, error)
	ListChatMembers(ctx context.Context, chatID string) ([]string, error)
	AddPushSubscription(ctx context.Context, sub *PushSubscription) error
	DeletePushSubscriptionByEndpoint(ctx context.Context, endpoint string) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
}

// SignatureHash computes the "sha256:<hex>" uniqueness key for a WoT
// signature's base64 payload (spec §3, WoT Signature invariants).
func SignatureHash(signatureB64 string) string {
	sum := sha256.Sum256([]byte(signatureB64))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Driver bundles every store interface plus lifecycle. Concrete drivers
// (sqlite) implement all of it over one database handle.
type Driver interface {
	UserStore
	TombstoneStore
	NonceStore
	WotStore
	ChatStore

	Init(ctx context.Context) error
	Close() error
	Name() string
}
