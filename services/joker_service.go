package services

import (
	"errors"

	"quiz-duel-service/config"
	"quiz-duel-service/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JokerService handles the one-per-player deadline-extension protocol: the
// player on the clock asks, the opponent grants or rejects. A granted joker
// extends the current turn deadline by one full turn TTL measured from the
// deadline that was in force when the joker was requested. A joker still
// pending when the requester's turn ends expires with that turn.
type JokerService struct {
	DB     *gorm.DB
	Config *config.Config
	Notify *NotificationService
}

func NewJokerService(db *gorm.DB, cfg *config.Config, notify *NotificationService) *JokerService {
	return &JokerService{DB: db, Config: cfg, Notify: notify}
}

// RequestJoker files the caller's single joker for this duel. Only the turn
// player may ask, and only while the duel is in progress.
func (s *JokerService) RequestJoker(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	var joker models.DuelJoker
	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsPlayer(userID) {
			return ErrDuelNotFound
		}
		if duel.Status != models.DuelInProgress {
			return ErrWrongStatus
		}
		if userID != duel.CurrentTurnUserID {
			return ErrNotYourTurn
		}

		var existing int64
		if err := tx.Model(&models.DuelJoker{}).
			Where("duel_id = ? AND requested_by_user_id = ?", duel.ID, userID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrJokerAlreadyUsed
		}

		joker = models.DuelJoker{
			ID:                uuid.NewString(),
			DuelID:            duel.ID,
			RequestedByUserID: userID,
			GrantedByUserID:   duel.OpponentOf(userID),
			Status:            models.JokerPending,
			OldDeadlineAt:     duel.TurnDeadlineAt,
		}
		if err := tx.Create(&joker).Error; err != nil {
			// Unique index backstop against a racing duplicate request.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrJokerAlreadyUsed
			}
			return err
		}

		s.Notify.Emit(tx, joker.GrantedByUserID, models.NotifyJokerRequest, map[string]interface{}{
			"duel_id":  duel.ID,
			"joker_id": joker.ID,
			"from":     userID,
		})
		return nil
	})
	if err != nil {
		return RespondError(c, err)
	}
	return c.Status(201).JSON(joker)
}

// RespondJoker lets the opponent grant or reject a pending joker. Granting
// pushes the turn deadline one TTL past the deadline captured at request
// time; rejecting just closes the joker, the clock untouched.
func (s *JokerService) RespondJoker(c *fiber.Ctx) error {
	type Req struct {
		Grant bool `json:"grant"`
	}
	userID := c.Locals("user_id").(string)
	jokerID := c.Params("jokerId")

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	var joker models.DuelJoker
	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsPlayer(userID) {
			return ErrDuelNotFound
		}
		if duel.Status != models.DuelInProgress {
			return ErrWrongStatus
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&joker, "id = ? AND duel_id = ?", jokerID, duel.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJokerNotFound
			}
			return err
		}
		if userID != joker.GrantedByUserID {
			return ErrNotJokerResponder
		}
		if joker.Status != models.JokerPending {
			return ErrJokerNotPending
		}

		if !req.Grant {
			joker.Status = models.JokerRejected
			return tx.Model(&joker).Update("status", models.JokerRejected).Error
		}

		base := joker.OldDeadlineAt
		if base == nil {
			base = duel.TurnDeadlineAt
		}
		if base == nil {
			return ErrWrongStatus
		}
		newDeadline := base.Add(s.Config.TurnTTL)

		if err := tx.Model(&joker).Updates(map[string]interface{}{
			"status":          models.JokerGranted,
			"new_deadline_at": &newDeadline,
		}).Error; err != nil {
			return err
		}
		joker.Status = models.JokerGranted
		joker.NewDeadlineAt = &newDeadline

		if err := tx.Model(duel).Update("turn_deadline_at", &newDeadline).Error; err != nil {
			return err
		}

		s.Notify.Emit(tx, joker.RequestedByUserID, models.NotifyJokerGranted, map[string]interface{}{
			"duel_id":      duel.ID,
			"joker_id":     joker.ID,
			"new_deadline": newDeadline,
		})
		return nil
	})
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(joker)
}
