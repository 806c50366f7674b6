// Package sqlite implements store.Driver using SQLite via GORM, the way the
// teacher's own store/sqlite driver does: AutoMigrate on Init, gorm.ErrRecordNotFound
// mapped to store.ErrNotFound at every read.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/cordx56/xrypton-go/internal/store"
)

// Driver is a GORM-backed store.Driver over a single SQLite file.
type Driver struct {
	path string
	db   *gorm.DB
}

// New creates a driver bound to path (e.g. "file:xrypton.db" or a filesystem path).
func New(path string) *Driver {
	return &Driver{path: path}
}

func (d *Driver) Name() string { return "sqlite" }

// Init opens the database and runs AutoMigrate for every domain model.
func (d *Driver) Init(ctx context.Context) error {
	db, err := gorm.Open(sqlite.Open(d.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	d.db = db

	return db.WithContext(ctx).AutoMigrate(
		&store.User{},
		&store.Profile{},
		&store.Tombstone{},
		&store.Nonce{},
		&store.WotSignature{},
		&store.RemoteChatReference{},
		&store.ChatMembership{},
		&store.PushSubscription{},
	)
}

func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- UserStore ---

func (d *Driver) GetUser(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	if err := d.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &u, nil
}

func (d *Driver) GetUserByFingerprint(ctx context.Context, fp string) (*store.User, error) {
	var u store.User
	if err := d.db.WithContext(ctx).First(&u, "primary_key_fingerprint = ?", fp).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &u, nil
}

func (d *Driver) GetUserCaseInsensitive(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	if err := d.db.WithContext(ctx).First(&u, "LOWER(id) = LOWER(?)", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &u, nil
}

func (d *Driver) CreateUser(ctx context.Context, u *store.User, p *store.Profile) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(u).Error; err != nil {
			return err
		}
		if p != nil {
			p.UserID = u.ID
			if err := tx.Create(p).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Driver) UpdateUserKeys(ctx context.Context, id, encKey, signKey, fp string) error {
	return d.db.WithContext(ctx).Model(&store.User{}).Where("id = ?", id).Updates(map[string]any{
		"encryption_public_key":   encKey,
		"signing_public_key":      signKey,
		"primary_key_fingerprint": fp,
	}).Error
}

func (d *Driver) UpsertExternalUser(ctx context.Context, u *store.User) error {
	var existing store.User
	err := d.db.WithContext(ctx).First(&existing, "id = ?", u.ID).Error
	if err == nil {
		return d.db.WithContext(ctx).Model(&existing).Where("id = ?", u.ID).Updates(map[string]any{
			"encryption_public_key":   u.EncryptionPublicKey,
			"signing_public_key":      u.SigningPublicKey,
			"primary_key_fingerprint": u.PrimaryKeyFingerprint,
		}).Error
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return d.db.WithContext(ctx).Create(u).Error
}

func (d *Driver) DeleteUser(ctx context.Context, id string) error {
	return d.db.WithContext(ctx).Where("id = ?", id).Delete(&store.User{}).Error
}

func (d *Driver) GetProfile(ctx context.Context, id string) (*store.Profile, error) {
	var p store.Profile
	if err := d.db.WithContext(ctx).First(&p, "user_id = ?", id).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &p, nil
}

func (d *Driver) UpdateProfile(ctx context.Context, p *store.Profile) error {
	p.UpdatedAt = time.Now()
	return d.db.WithContext(ctx).Save(p).Error
}

// --- TombstoneStore ---

func (d *Driver) InsertTombstone(ctx context.Context, t *store.Tombstone) error {
	return d.db.WithContext(ctx).Create(t).Error
}

func (d *Driver) IsDeleted(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&store.Tombstone{}).Where("deleted_user_id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *Driver) GetDeletedFingerprints(ctx context.Context, fps []string) (map[string]bool, error) {
	if len(fps) == 0 {
		return map[string]bool{}, nil
	}
	var rows []store.Tombstone
	if err := d.db.WithContext(ctx).Where("primary_key_fingerprint IN ?", fps).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.PrimaryKeyFingerprint] = true
	}
	return out, nil
}

// --- NonceStore ---

func (d *Driver) TryUse(ctx context.Context, typ store.NonceType, value, userID string, expiresAt time.Time) (bool, error) {
	n := &store.Nonce{Type: typ, Value: value, UserID: userID, ExpiresAt: expiresAt}
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (d *Driver) IsUsed(ctx context.Context, typ store.NonceType, value string) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&store.Nonce{}).Where("type = ? AND value = ?", typ, value).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *Driver) SweepExpired(ctx context.Context) (int64, error) {
	result := d.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&store.Nonce{})
	return result.RowsAffected, result.Error
}

// --- WotStore ---

func (d *Driver) InsertSignature(ctx context.Context, s *store.WotSignature) error {
	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "signature_hash"}}, DoNothing: true}).Create(s)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (d *Driver) EdgesForFrontier(ctx context.Context, fingerprints []string, direction string) ([]store.WotSignature, error) {
	q := d.db.WithContext(ctx).Model(&store.WotSignature{}).Where("revoked = ?", false)
	switch direction {
	case "inbound":
		q = q.Where("target_fingerprint IN ?", fingerprints)
	case "outbound":
		q = q.Where("signer_fingerprint IN ?", fingerprints)
	default:
		q = q.Where("signer_fingerprint IN ? OR target_fingerprint IN ?", fingerprints, fingerprints)
	}
	var rows []store.WotSignature
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *Driver) GetUsersByFingerprints(ctx context.Context, fps []string) (map[string]*store.User, error) {
	if len(fps) == 0 {
		return map[string]*store.User{}, nil
	}
	var rows []store.User
	if err := d.db.WithContext(ctx).Where("primary_key_fingerprint IN ?", fps).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*store.User, len(rows))
	for i := range rows {
		out[rows[i].PrimaryKeyFingerprint] = &rows[i]
	}
	return out, nil
}

// --- ChatStore ---

func (d *Driver) CreateRemoteChatReference(ctx context.Context, ref *store.RemoteChatReference, localMembers []string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ref).Error; err != nil {
			return err
		}
		for _, m := range localMembers {
			if err := tx.Create(&store.ChatMembership{ChatID: ref.ChatID, UserID: m}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Driver) GetRemoteChatReference(ctx context.Context, chatID string) (*store.RemoteChatReference, error) {
	var ref store.RemoteChatReference
	if err := d.db.WithContext(ctx).First(&ref, "chat_id = ?", chatID).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &ref, nil
}

func (d *Driver) ListChatMembers(ctx context.Context, chatID string) ([]string, error) {
	var rows []store.ChatMembership
	if err := d.db.WithContext(ctx).Where("chat_id = ?", chatID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.UserID
	}
	return out, nil
}

func (d *Driver) AddPushSubscription(ctx context.Context, sub *store.PushSubscription) error {
	return d.db.WithContext(ctx).Save(sub).Error
}

func (d *Driver) DeletePushSubscriptionByEndpoint(ctx context.Context, endpoint string) error {
	return d.db.WithContext(ctx).Where("endpoint = ?", endpoint).Delete(&store.PushSubscription{}).Error
}

func (d *Driver) ListPushSubscriptions(ctx context.Context, userID string) ([]store.PushSubscription, error) {
	var rows []store.PushSubscription
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func mapNotFound(err error) error {
	if err == gorm.ErrRecordNotFound {
		return store.ErrNotFound
	}
	return err
}

var _ store.Driver = (*Driver)(nil)
