package services

import (
	"errors"
	"log"
	"time"

	"quiz-duel-service/config"
	"quiz-duel-service/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenerService runs the tie-break mini-game that decides who picks the
// starting player.
type OpenerService struct {
	DB      *gorm.DB
	Config  *config.Config
	Catalog *CatalogService
	Notify  *NotificationService
	Rounds  *RoundService
}

func NewOpenerService(db *gorm.DB, cfg *config.Config, catalog *CatalogService, notify *NotificationService, rounds *RoundService) *OpenerService {
	return &OpenerService{DB: db, Config: cfg, Catalog: catalog, Notify: notify, Rounds: rounds}
}

// ResolveOpenerWinner applies the opener rule to both players' results:
// exactly one correct answer wins outright; otherwise the faster answer wins;
// an exact time tie goes to the lexicographically smaller user id. Pure and
// reproducible for identical inputs.
func ResolveOpenerWinner(p1ID string, p1Correct bool, p1Ms int, p2ID string, p2Correct bool, p2Ms int) string {
	if p1Correct != p2Correct {
		if p1Correct {
			return p1ID
		}
		return p2ID
	}
	if p1Ms != p2Ms {
		if p1Ms < p2Ms {
			return p1ID
		}
		return p2ID
	}
	if p1ID < p2ID {
		return p1ID
	}
	return p2ID
}

func loadOpener(tx *gorm.DB, duelID string) (*models.DuelOpener, error) {
	var opener models.DuelOpener
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&opener, "duel_id = ?", duelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOpenerNotFound
		}
		return nil, err
	}
	return &opener, nil
}

// GetOpener returns the opener question and the caller-visible opener state.
// Choice correctness is never included in the payload.
func (s *OpenerService) GetOpener(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	duelID := c.Params("id")

	var duel models.Duel
	if err := s.DB.First(&duel, "id = ?", duelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RespondError(c, ErrDuelNotFound)
		}
		return RespondError(c, err)
	}
	if !duel.IsPlayer(userID) {
		return RespondError(c, ErrDuelNotFound)
	}

	var opener models.DuelOpener
	if err := s.DB.First(&opener, "duel_id = ?", duelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RespondError(c, ErrOpenerNotFound)
		}
		return RespondError(c, err)
	}

	question, err := s.Catalog.QuestionDetail(nil, opener.QuestionID)
	if err != nil {
		log.Printf("[OPENER] question %s missing for duel %s: %v", opener.QuestionID, duelID, err)
		return RespondError(c, err)
	}

	answered := opener.HasAnswered(1)
	if userID == duel.Player2ID {
		answered = opener.HasAnswered(2)
	}

	return c.JSON(fiber.Map{
		"duel_id":         duelID,
		"question":        question,
		"answered":        answered,
		"winner_user_id":  opener.WinnerUserID,
		"winner_decision": opener.WinnerDecision,
	})
}

// AnswerOpener records one player's single opener answer. When the second
// answer lands, the winner is resolved and persisted in the same transaction.
func (s *OpenerService) AnswerOpener(c *fiber.Ctx) error {
	type Req struct {
		ChoiceID       string `json:"choice_id"`
		ResponseTimeMs int    `json:"response_time_ms"`
	}
	userID := c.Locals("user_id").(string)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.ChoiceID == "" || req.ResponseTimeMs < 0 {
		return RespondError(c, ErrValidation)
	}

	var winnerID string
	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsPlayer(userID) {
			return ErrDuelNotFound
		}
		if duel.Status != models.DuelPendingOpener || duel.AcceptedAt == nil {
			return ErrWrongStatus
		}

		opener, err := loadOpener(tx, duel.ID)
		if err != nil {
			return err
		}

		side := 1
		if userID == duel.Player2ID {
			side = 2
		}
		if opener.HasAnswered(side) {
			return ErrOpenerAnswered
		}

		var choice models.QuestionChoice
		if err := tx.Where("id = ? AND question_id = ?", req.ChoiceID, opener.QuestionID).
			First(&choice).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrQuestionMismatch
			}
			return err
		}
		correctID, err := s.Catalog.CorrectChoiceID(tx, opener.QuestionID)
		if err != nil {
			return err
		}

		correct := choice.ID == correctID
		if side == 1 {
			opener.Player1ChoiceID = req.ChoiceID
			opener.Player1Correct = &correct
			opener.Player1ResponseTimeMs = req.ResponseTimeMs
		} else {
			opener.Player2ChoiceID = req.ChoiceID
			opener.Player2Correct = &correct
			opener.Player2ResponseTimeMs = req.ResponseTimeMs
		}

		// Resolve once, exactly when the second answer arrives.
		if opener.HasAnswered(1) && opener.HasAnswered(2) && opener.WinnerUserID == "" {
			opener.WinnerUserID = ResolveOpenerWinner(
				duel.Player1ID, *opener.Player1Correct, opener.Player1ResponseTimeMs,
				duel.Player2ID, *opener.Player2Correct, opener.Player2ResponseTimeMs,
			)
			winnerID = opener.WinnerUserID
		}

		if err := tx.Save(opener).Error; err != nil {
			return err
		}
		if winnerID != "" {
			s.Notify.Emit(tx, winnerID, models.NotifyDuelTurn, map[string]interface{}{
				"duel_id": duel.ID,
				"action":  "opener_decision",
			})
		}
		return nil
	})
	if err != nil {
		return RespondError(c, err)
	}

	resp := fiber.Map{"message": "opener answer recorded"}
	if winnerID != "" {
		resp["winner_user_id"] = winnerID
	}
	return c.JSON(resp)
}

// DecideOpener lets the opener winner choose the starter: take_hand keeps the
// first turn, leave_hand gives it to the opponent. This moves the duel to
// in_progress and materializes round 1.
func (s *OpenerService) DecideOpener(c *fiber.Ctx) error {
	type Req struct {
		Decision string `json:"decision"`
	}
	userID := c.Locals("user_id").(string)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Decision != models.DecisionTakeHand && req.Decision != models.DecisionLeaveHand {
		return RespondError(c, ErrValidation)
	}

	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsPlayer(userID) {
			return ErrDuelNotFound
		}
		if duel.Status != models.DuelPendingOpener {
			return ErrWrongStatus
		}

		opener, err := loadOpener(tx, duel.ID)
		if err != nil {
			return err
		}
		if opener.WinnerUserID == "" {
			return ErrOpenerNotResolved
		}
		if userID != opener.WinnerUserID {
			return ErrNotOpenerWinner
		}
		if opener.WinnerDecision != "" {
			return ErrOpenerDecided
		}

		if err := tx.Model(opener).Update("winner_decision", req.Decision).Error; err != nil {
			return err
		}

		starterID := opener.WinnerUserID
		if req.Decision == models.DecisionLeaveHand {
			starterID = duel.OpponentOf(opener.WinnerUserID)
		}

		now := time.Now()
		if err := tx.Model(duel).Updates(map[string]interface{}{
			"status":          models.DuelInProgress,
			"starter_user_id": starterID,
		}).Error; err != nil {
			return err
		}
		duel.Status = models.DuelInProgress
		duel.StarterUserID = starterID

		_, err = s.Rounds.createRound(tx, duel, 1, starterID, now)
		return err
	})
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "starter decided"})
}
