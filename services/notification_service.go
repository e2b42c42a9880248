package services

import (
	"encoding/json"
	"log"

	"quiz-duel-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationService writes fire-and-forget event records for the external
// notification sink. The duel core never waits on delivery and a failed emit
// never fails the surrounding operation.
type NotificationService struct {
	DB *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{DB: db}
}

// Emit inserts one outbox row. The payload is marshalled to JSON; marshal or
// insert failures are logged and swallowed.
func (s *NotificationService) Emit(tx *gorm.DB, userID, eventType string, payload map[string]interface{}) {
	db := tx
	if db == nil {
		db = s.DB
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[NOTIFY] failed to marshal %s payload for user %s: %v", eventType, userID, err)
		return
	}

	n := models.Notification{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    eventType,
		Payload: string(body),
	}
	if err := db.Create(&n).Error; err != nil {
		log.Printf("[NOTIFY] failed to emit %s for user %s: %v", eventType, userID, err)
	}
}
