// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the activity
// ledger: per-key reads/writes and the ranking aggregates.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/faba-community/activity-bot/internal/domain"
)

// ErrNotFound indicates that no ledger row exists for the requested key.
var ErrNotFound = errors.New("not found")

// RankedMember is one ranking row: a member and their (possibly summed) points.
type RankedMember struct {
	MemberID    int64
	DisplayName string
	TotalPoints float64
}

// GetActivity returns the ledger row for (chatID, memberID) or ErrNotFound.
func GetActivity(ctx context.Context, db *gorm.DB, chatID, memberID int64) (*domain.ActivityRecord, error) {
	var rec domain.ActivityRecord
	err := db.WithContext(ctx).
		Where("chat_id = ? AND member_id = ?", chatID, memberID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertActivity writes the full ledger row, inserting it on first activity.
// Callers serialize writes per (chat_id, member_id) key; this function only
// guarantees the row lands atomically.
func UpsertActivity(ctx context.Context, db *gorm.DB, rec *domain.ActivityRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	return db.WithContext(ctx).Save(rec).Error
}

// TopMembers returns up to limit members ordered by points descending.
//
// When chatID is non-zero the ranking is scoped to that chat. When chatID is
// zero, per-member totals are summed across every chat, which is the
// aggregate community ranking.
func TopMembers(ctx context.Context, db *gorm.DB, chatID int64, limit int) ([]RankedMember, error) {
	var out []RankedMember
	q := db.WithContext(ctx).Model(&domain.ActivityRecord{})
	if chatID != 0 {
		q = q.Select("member_id, display_name, total_points").
			Where("chat_id = ?", chatID)
	} else {
		q = q.Select("member_id, MAX(display_name) AS display_name, SUM(total_points) AS total_points").
			Group("member_id")
	}
	err := q.Order("total_points DESC").Limit(limit).Scan(&out).Error
	return out, err
}

// MemberPoints returns a member's points, scoped to chatID when non-zero and
// summed across all chats otherwise. A member with no activity has 0 points.
func MemberPoints(ctx context.Context, db *gorm.DB, memberID, chatID int64) (float64, error) {
	var total *float64
	q := db.WithContext(ctx).Model(&domain.ActivityRecord{}).
		Select("SUM(total_points)").
		Where("member_id = ?", memberID)
	if chatID != 0 {
		q = q.Where("chat_id = ?", chatID)
	}
	if err := q.Scan(&total).Error; err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}
