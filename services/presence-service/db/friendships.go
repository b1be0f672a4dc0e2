package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"chorus/presence-service/models"
)

// FriendshipRepository answers friendship checks from the friendships table. A row in either
// direction with status accepted counts.
type FriendshipRepository struct {
	db *gorm.DB
}

func NewFriendshipRepository(db *gorm.DB) *FriendshipRepository {
	return &FriendshipRepository{db: db}
}

// AreFriends checks every target in one query.
func (r *FriendshipRepository) AreFriends(ctx context.Context, userID string, targetIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(targetIDs))
	if len(targetIDs) == 0 {
		return result, nil
	}

	var rows []models.Friendship
	err := r.db.WithContext(ctx).
		Where("status = ?", models.FriendshipAccepted).
		Where(r.db.Where("user_id = ? AND friend_id IN ?", userID, targetIDs).
			Or("friend_id = ? AND user_id IN ?", userID, targetIDs)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check friendships: %w", err)
	}

	for _, row := range rows {
		if row.UserID == userID {
			result[row.FriendID] = true
		} else {
			result[row.UserID] = true
		}
	}
	return result, nil
}
