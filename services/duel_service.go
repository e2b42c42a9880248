package services

import (
	"errors"
	"log"
	"time"

	"quiz-duel-service/config"
	"quiz-duel-service/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DuelService owns the duel lifecycle: creation with matchmaking, the
// invite accept/decline flow and forfeits. Round, opener and joker mechanics
// live in their own services; everything routes state changes through the
// same row-locked transaction on the duel.
type DuelService struct {
	DB      *gorm.DB
	Config  *config.Config
	Catalog *CatalogService
	Notify  *NotificationService
}

func NewDuelService(db *gorm.DB, cfg *config.Config, catalog *CatalogService, notify *NotificationService) *DuelService {
	return &DuelService{DB: db, Config: cfg, Catalog: catalog, Notify: notify}
}

// withDuelLock runs fn inside a transaction that first takes a FOR UPDATE
// lock on the duel row. All mutating duel operations enter through here, so
// state transitions on one duel are totally ordered.
func withDuelLock(db *gorm.DB, duelID string, fn func(tx *gorm.DB, duel *models.Duel) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var duel models.Duel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&duel, "id = ?", duelID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDuelNotFound
			}
			return err
		}
		return fn(tx, &duel)
	})
}

// expirePendingJokers marks any still-pending joker requests of a duel as
// expired. Called by every turn completion, terminal transition and timeout
// path; a pending extension request is moot once the turn it applied to is
// gone.
func expirePendingJokers(tx *gorm.DB, duelID string) error {
	return tx.Model(&models.DuelJoker{}).
		Where("duel_id = ? AND status = ?", duelID, models.JokerPending).
		Update("status", models.JokerExpired).Error
}

// CreateDuel starts a new duel: explicit opponent for friend_invite, random
// eligible pick for the random modes. The duel begins in pending_opener with
// its opener question already bound.
func (s *DuelService) CreateDuel(c *fiber.Ctx) error {
	type Req struct {
		Mode       string `json:"mode"`
		OpponentID string `json:"opponent_id,omitempty"`
	}
	userID := c.Locals("user_id").(string)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	switch req.Mode {
	case models.ModeFriendInvite, models.ModeRandomFree, models.ModeRandomLevel:
	default:
		return RespondError(c, ErrValidation)
	}
	if req.Mode == models.ModeFriendInvite && req.OpponentID == "" {
		return RespondError(c, ErrValidation)
	}
	if req.OpponentID == userID {
		return RespondError(c, ErrSelfDuel)
	}

	var duel *models.Duel
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		opponentID := req.OpponentID
		if req.Mode != models.ModeFriendInvite {
			var requester models.PlayerUser
			if err := tx.Where("external_user_id = ?", userID).First(&requester).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrValidation
				}
				return err
			}
			picked, err := pickRandomOpponent(tx, &requester, req.Mode)
			if err != nil {
				return err
			}
			opponentID = picked
		}

		if req.Mode == models.ModeRandomFree {
			// Serialize concurrent creates by the same requester: the loser
			// of the race waits here, then re-counts and sees the winner's
			// committed duel. The lock releases with the transaction.
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", userID).Error; err != nil {
				return err
			}

			var open int64
			if err := tx.Model(&models.Duel{}).
				Where("matchmaking_mode = ? AND (player1_id = ? OR player2_id = ?)", models.ModeRandomFree, userID, userID).
				Where("status IN ?", []string{models.DuelPendingOpener, models.DuelInProgress}).
				Count(&open).Error; err != nil {
				return err
			}
			if int(open) >= s.Config.FreeDuelLimit {
				return ErrFreeDuelLimit
			}
		}

		openerQuestion, err := s.Catalog.PickRandomPublishedSingleChoiceQuestion(tx)
		if err != nil {
			return err
		}

		now := time.Now()
		duel = &models.Duel{
			ID:              uuid.NewString(),
			Player1ID:       userID,
			Player2ID:       opponentID,
			MatchmakingMode: req.Mode,
			Status:          models.DuelPendingOpener,
		}
		// Random pairings need no acceptance; both players opted in.
		if req.Mode != models.ModeFriendInvite {
			duel.AcceptedAt = &now
		}
		if err := tx.Create(duel).Error; err != nil {
			return err
		}

		opener := models.DuelOpener{
			ID:         uuid.NewString(),
			DuelID:     duel.ID,
			QuestionID: openerQuestion.ID,
		}
		if err := tx.Create(&opener).Error; err != nil {
			return err
		}
		duel.Opener = &opener

		s.Notify.Emit(tx, opponentID, models.NotifyDuelTurn, map[string]interface{}{
			"duel_id": duel.ID,
			"mode":    req.Mode,
			"action":  "opener",
		})
		return nil
	})
	if err != nil {
		var de *DuelError
		if !errors.As(err, &de) {
			log.Printf("[DUEL] create failed for user %s: %v", userID, err)
		}
		return RespondError(c, err)
	}

	return c.Status(201).JSON(duel)
}

// ListDuels returns the caller's duels, newest first. An optional status
// query parameter narrows the list.
func (s *DuelService) ListDuels(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	q := s.DB.Where("player1_id = ? OR player2_id = ?", userID, userID).
		Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var duels []models.Duel
	if err := q.Find(&duels).Error; err != nil {
		log.Printf("[DUEL] list failed for user %s: %v", userID, err)
		return RespondError(c, err)
	}
	return c.JSON(duels)
}

// GetDuel returns one duel with its opener and rounds, players only.
func (s *DuelService) GetDuel(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	duelID := c.Params("id")

	var duel models.Duel
	err := s.DB.
		Preload("Opener").
		Preload("Rounds", func(db *gorm.DB) *gorm.DB {
			return db.Order("round_no ASC")
		}).
		First(&duel, "id = ?", duelID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RespondError(c, ErrDuelNotFound)
		}
		log.Printf("[DUEL] fetch %s failed: %v", duelID, err)
		return RespondError(c, err)
	}
	if !duel.IsPlayer(userID) {
		return RespondError(c, ErrDuelNotFound)
	}
	return c.JSON(duel)
}

// AcceptDuel lets the invited player accept a pending friend invite.
func (s *DuelService) AcceptDuel(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if userID != duel.Player2ID {
			if !duel.IsPlayer(userID) {
				return ErrDuelNotFound
			}
			return ErrNotInvitedPlayer
		}
		if duel.Status != models.DuelPendingOpener {
			return ErrWrongStatus
		}
		if duel.AcceptedAt != nil {
			return ErrAlreadyAccepted
		}
		now := time.Now()
		return tx.Model(duel).Update("accepted_at", &now).Error
	})
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "duel accepted"})
}

// DeclineDuel lets the invited player decline a pending friend invite. The
// duel is cancelled for good and the inviter is notified.
func (s *DuelService) DeclineDuel(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if userID != duel.Player2ID {
			if !duel.IsPlayer(userID) {
				return ErrDuelNotFound
			}
			return ErrNotInvitedPlayer
		}
		if duel.Status != models.DuelPendingOpener {
			return ErrWrongStatus
		}
		if duel.AcceptedAt != nil {
			return ErrAlreadyAccepted
		}
		now := time.Now()
		if err := tx.Model(duel).Updates(map[string]interface{}{
			"status":       models.DuelCancelled,
			"completed_at": &now,
		}).Error; err != nil {
			return err
		}
		s.Notify.Emit(tx, duel.Player1ID, models.NotifyDuelFinished, map[string]interface{}{
			"duel_id": duel.ID,
			"outcome": "declined",
		})
		return nil
	})
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "duel declined"})
}

// ForfeitDuel ends any non-terminal duel immediately; the opponent wins with
// winReason=forfeit and all turn state is cleared.
func (s *DuelService) ForfeitDuel(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)

	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsPlayer(userID) {
			return ErrDuelNotFound
		}
		if duel.IsTerminal() {
			return ErrWrongStatus
		}

		winnerID := duel.OpponentOf(userID)
		now := time.Now()
		if err := tx.Model(duel).Updates(map[string]interface{}{
			"status":               models.DuelCompleted,
			"winner_user_id":       winnerID,
			"win_reason":           models.WinReasonForfeit,
			"current_turn_user_id": "",
			"turn_deadline_at":     nil,
			"completed_at":         &now,
		}).Error; err != nil {
			return err
		}
		if err := expirePendingJokers(tx, duel.ID); err != nil {
			return err
		}

		for _, playerID := range []string{duel.Player1ID, duel.Player2ID} {
			s.Notify.Emit(tx, playerID, models.NotifyDuelFinished, map[string]interface{}{
				"duel_id":    duel.ID,
				"winner_id":  winnerID,
				"win_reason": models.WinReasonForfeit,
			})
		}
		return nil
	})
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "duel forfeited"})
}
