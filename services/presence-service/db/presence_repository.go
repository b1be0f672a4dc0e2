package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chorus/presence-service/models"
)

// PresenceRepository stores UserPresence rows. Writes are upserts so a user with no row yet gets
// one on the first transition.
type PresenceRepository struct {
	db *gorm.DB
}

func NewPresenceRepository(db *gorm.DB) *PresenceRepository {
	return &PresenceRepository{db: db}
}

func (r *PresenceRepository) GetMany(ctx context.Context, userIDs []string) ([]models.UserPresence, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var records []models.UserPresence
	if err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load presence records: %w", err)
	}
	return records, nil
}

func (r *PresenceRepository) MarkOnline(ctx context.Context, userID string, at time.Time) error {
	return r.setOnline(ctx, userID, true, at)
}

func (r *PresenceRepository) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	return r.setOnline(ctx, userID, false, at)
}

func (r *PresenceRepository) setOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	record := models.UserPresence{
		UserID:      userID,
		IsOnline:    online,
		LastActive:  at,
		PrivacyMode: models.PrivacyPublic,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_active", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to update presence for %s: %w", userID, err)
	}
	return nil
}

func (r *PresenceRepository) SetPrivacyMode(ctx context.Context, userID string, mode models.PrivacyMode) error {
	record := models.UserPresence{
		UserID:      userID,
		PrivacyMode: mode,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"privacy_mode", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to update privacy mode for %s: %w", userID, err)
	}
	return nil
}

// ListOnline returns up to limit users whose durable record says online, ordered by user id and
// starting after afterUserID. Pass the last id of one page to read the next.
func (r *PresenceRepository) ListOnline(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.UserPresence{}).
		Where("is_online = ? AND user_id > ?", true, afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list online records: %w", err)
	}
	return ids, nil
}
