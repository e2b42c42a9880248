package models

import (
	"time"
)

// PlayerUser is a local snapshot of user data needed for matchmaking.
// Owned and managed solely by the duel service; populated from the identity
// provider. Authentication itself never happens here — the gateway supplies a
// verified user id with every request.
type PlayerUser struct {
	ID             string `json:"id" gorm:"primaryKey"`
	ExternalUserID string `json:"external_user_id" gorm:"uniqueIndex;not null"`
	Username       string `json:"username" gorm:"index;not null"`

	// Coarse self-declared skill level used by the random_level mode.
	DeclaredLevel string `json:"declared_level,omitempty" gorm:"type:varchar(16);index"`

	IsActive bool       `json:"is_active" gorm:"default:true;index"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
