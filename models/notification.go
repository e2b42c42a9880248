package models

import (
	"time"
)

// Notification event types
const (
	NotifyDuelTurn      = "duel_turn"
	NotifyJokerRequest  = "duel_joker_request"
	NotifyJokerGranted  = "duel_joker_granted"
	NotifyDuelFinished  = "duel_finished"
)

// Notification is an outbox row for the external notification sink. The duel
// core inserts and forgets; a background dispatcher pushes undelivered rows
// to the sink and stamps DeliveredAt. Delivery is best-effort with no
// read-back contract.
type Notification struct {
	ID      string `json:"id" gorm:"primaryKey"`
	UserID  string `json:"user_id" gorm:"not null;index"`
	Type    string `json:"type" gorm:"type:varchar(32);not null"`
	Payload string `json:"payload" gorm:"type:text"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty" gorm:"index"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
}
