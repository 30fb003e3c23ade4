// Package domain defines the persistence models for the activity ledger and
// webhook bookkeeping. These types are mapped with GORM and form the core
// data layer of the community bot.
package domain

import (
	"time"
)

// ActivityRecord tracks accrued activity points for one member in one
// registered chat. A record is created on the member's first qualifying
// message and is never deleted; TotalPoints only ever grows.
//
// Fields:
//   - ChatID / MemberID: composite primary key identifying the (chat, member) pair.
//   - TotalPoints: accrued points; monotonically non-decreasing.
//   - LastActivityAt: epoch seconds of the last accepted accrual (anti-flood input).
//   - DisplayName: cached member display name for ranking output.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type ActivityRecord struct {
	ChatID         int64     `json:"chat_id"          gorm:"primaryKey;autoIncrement:false"`
	MemberID       int64     `json:"member_id"        gorm:"primaryKey;autoIncrement:false"`
	TotalPoints    float64   `json:"total_points"     gorm:"not null;default:0"`
	LastActivityAt int64     `json:"last_activity_at" gorm:"not null;default:0"`
	DisplayName    string    `json:"display_name"     gorm:"type:varchar(128)"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for ActivityRecord.
func (ActivityRecord) TableName() string { return "activity" }

// ProcessedUpdate records a webhook update that has already been handled.
// The delivery platform may redeliver an update (timeout, restart); inserting
// into this table is the dedup gate that keeps a redelivered update from
// accruing points or mutating a session twice.
//
// Rows are pruned once ExpiresAt passes; the platform never redelivers an
// update that old.
type ProcessedUpdate struct {
	UpdateID  int64     `json:"update_id"  gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
}

// TableName returns the database table name for ProcessedUpdate.
func (ProcessedUpdate) TableName() string { return "processed_updates" }
