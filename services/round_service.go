package services

import (
	"errors"
	"log"
	"math/rand"
	"sort"
	"time"

	"quiz-duel-service/config"
	"quiz-duel-service/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoundService drives the 5-round cycle: subject offer and choice, fair
// question assignment, slot answering, turn completion, scoring and duel
// finalization. The expiration sweeper reuses the exact same turn-completion
// path, so timeouts and normal play cannot diverge.
type RoundService struct {
	DB      *gorm.DB
	Config  *config.Config
	Catalog *CatalogService
	Notify  *NotificationService
}

func NewRoundService(db *gorm.DB, cfg *config.Config, catalog *CatalogService, notify *NotificationService) *RoundService {
	return &RoundService{DB: db, Config: cfg, Catalog: catalog, Notify: notify}
}

// DecideDuelWinner resolves the final winner from cumulative scores: higher
// score wins; a tie goes to the lower total response time; an exact time tie
// goes to the lexicographically smaller user id. Returns the winner, the win
// reason and whether the speed tie-break decided it.
func DecideDuelWinner(p1ID string, p1Score, p1TotalMs int, p2ID string, p2Score, p2TotalMs int) (string, string, bool) {
	if p1Score != p2Score {
		if p1Score > p2Score {
			return p1ID, models.WinReasonScore, false
		}
		return p2ID, models.WinReasonScore, false
	}
	if p1TotalMs != p2TotalMs {
		if p1TotalMs < p2TotalMs {
			return p1ID, models.WinReasonTieBreakSpeed, true
		}
		return p2ID, models.WinReasonTieBreakSpeed, true
	}
	if p1ID < p2ID {
		return p1ID, models.WinReasonTieBreakSpeed, true
	}
	return p2ID, models.WinReasonTieBreakSpeed, true
}

// buildDifficultyPlan samples one difficulty per slot, weighted by the
// remaining question stock and decrementing as it picks, so the plan never
// promises more questions of a level than the subject holds. intn is the
// random source (rand.Intn in production, fixed in tests). Fails when any
// slot finds no stock left.
func buildDifficultyPlan(stock map[int]int, slots int, intn func(int) int) ([]int, error) {
	remaining := make(map[int]int, len(stock))
	levels := make([]int, 0, len(stock))
	for level, n := range stock {
		if n > 0 {
			remaining[level] = n
			levels = append(levels, level)
		}
	}
	sort.Ints(levels)

	plan := make([]int, 0, slots)
	for slot := 0; slot < slots; slot++ {
		total := 0
		for _, level := range levels {
			total += remaining[level]
		}
		if total == 0 {
			return nil, ErrQuestionPoolTooSmall
		}
		pick := intn(total)
		for _, level := range levels {
			if pick < remaining[level] {
				plan = append(plan, level)
				remaining[level]--
				break
			}
			pick -= remaining[level]
		}
	}
	return plan, nil
}

// createRound materializes the given round with three freshly offered
// subjects and hands the first move to starterID with a full turn deadline.
func (s *RoundService) createRound(tx *gorm.DB, duel *models.Duel, roundNo int, starterID string, now time.Time) (*models.DuelRound, error) {
	subjects, err := s.Catalog.PickThreeActiveSubjects(tx)
	if err != nil {
		return nil, err
	}

	round := &models.DuelRound{
		ID:                uuid.NewString(),
		DuelID:            duel.ID,
		RoundNo:           roundNo,
		OfferedSubject1ID: subjects[0].ID,
		OfferedSubject2ID: subjects[1].ID,
		OfferedSubject3ID: subjects[2].ID,
		Status:            models.RoundAwaitingChoice,
	}
	if err := tx.Create(round).Error; err != nil {
		return nil, err
	}

	deadline := now.Add(s.Config.TurnTTL)
	if err := tx.Model(duel).Updates(map[string]interface{}{
		"current_round_no":     roundNo,
		"current_turn_user_id": starterID,
		"turn_deadline_at":     &deadline,
	}).Error; err != nil {
		return nil, err
	}
	duel.CurrentRoundNo = roundNo
	duel.CurrentTurnUserID = starterID
	duel.TurnDeadlineAt = &deadline

	s.Notify.Emit(tx, starterID, models.NotifyDuelTurn, map[string]interface{}{
		"duel_id":  duel.ID,
		"round_no": roundNo,
		"action":   "choose_subject",
		"deadline": deadline,
	})
	return round, nil
}

func lockCurrentRound(tx *gorm.DB, duel *models.Duel) (*models.DuelRound, error) {
	var round models.DuelRound
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&round, "duel_id = ? AND round_no = ?", duel.ID, duel.CurrentRoundNo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoundNotFound
		}
		return nil, err
	}
	return &round, nil
}

func turnStatusFor(duel *models.Duel, userID string) string {
	if userID == duel.Player1ID {
		return models.RoundPlayer1Turn
	}
	return models.RoundPlayer2Turn
}

// GetCurrentRound returns the current round with its offered subjects.
func (s *RoundService) GetCurrentRound(c *fiber.Ctx) error {
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
	if duel.Status != models.DuelInProgress {
		return RespondError(c, ErrWrongStatus)
	}

	var round models.DuelRound
	if err := s.DB.First(&round, "duel_id = ? AND round_no = ?", duelID, duel.CurrentRoundNo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RespondError(c, ErrRoundNotFound)
		}
		return RespondError(c, err)
	}

	var subjects []models.Subject
	if err := s.DB.Where("id IN ?", round.OfferedSubjectIDs()).Find(&subjects).Error; err != nil {
		return RespondError(c, err)
	}

	return c.JSON(fiber.Map{
		"round":                round,
		"offered_subjects":     subjects,
		"current_turn_user_id": duel.CurrentTurnUserID,
		"turn_deadline_at":     duel.TurnDeadlineAt,
	})
}

// ChooseRoundSubject records the turn player's one subject choice for the
// current round and assigns both players their questions for it.
func (s *RoundService) ChooseRoundSubject(c *fiber.Ctx) error {
	type Req struct {
		RoundNo   int    `json:"round_no"`
		SubjectID string `json:"subject_id"`
	}
	userID := c.Locals("user_id").(string)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.SubjectID == "" || req.RoundNo < 1 || req.RoundNo > models.RoundsPerDuel {
		return RespondError(c, ErrValidation)
	}

	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsPlayer(userID) {
			return ErrDuelNotFound
		}
		if duel.Status != models.DuelInProgress {
			return ErrWrongStatus
		}
		if req.RoundNo != duel.CurrentRoundNo {
			return ErrRoundMismatch
		}
		if userID != duel.CurrentTurnUserID {
			return ErrNotYourTurn
		}

		round, err := lockCurrentRound(tx, duel)
		if err != nil {
			return err
		}
		if round.ChosenSubjectID != "" {
			return ErrSubjectChosen
		}
		if round.Status != models.RoundAwaitingChoice {
			return ErrWrongStatus
		}
		if !round.IsOffered(req.SubjectID) {
			return ErrSubjectNotOffered
		}

		if err := tx.Model(round).Updates(map[string]interface{}{
			"chosen_subject_id": req.SubjectID,
			"chosen_by_user_id": userID,
			"status":            turnStatusFor(duel, userID),
		}).Error; err != nil {
			return err
		}
		round.ChosenSubjectID = req.SubjectID
		round.ChosenByUserID = userID

		return s.assignRoundQuestions(tx, duel, round)
	})
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "subject chosen"})
}

// assignRoundQuestions builds the per-slot difficulty plan and assigns each
// player a question per slot at that difficulty, never repeating a question
// for the same player within the round. Safe to call again: existing
// assignments are kept as-is and only missing ones are filled, reusing the
// other player's difficulty snapshot for the slot where present.
func (s *RoundService) assignRoundQuestions(tx *gorm.DB, duel *models.Duel, round *models.DuelRound) error {
	var existing []models.DuelRoundQuestion
	if err := tx.Where("round_id = ?", round.ID).Find(&existing).Error; err != nil {
		return err
	}
	if len(existing) == 2*models.SlotsPerRound {
		return nil
	}

	slotDifficulty := make(map[int]int, models.SlotsPerRound)
	assigned := make(map[string]map[int]string) // userID -> slot -> questionID
	for _, a := range existing {
		slotDifficulty[a.SlotNo] = a.DifficultySnapshot
		if assigned[a.UserID] == nil {
			assigned[a.UserID] = make(map[int]string)
		}
		assigned[a.UserID][a.SlotNo] = a.QuestionID
	}

	if len(slotDifficulty) < models.SlotsPerRound {
		stock, err := s.Catalog.CountQuestionsBySubjectAndDifficulty(tx, round.ChosenSubjectID)
		if err != nil {
			return err
		}
		plan, err := buildDifficultyPlan(stock, models.SlotsPerRound, rand.Intn)
		if err != nil {
			return err
		}
		for slot := 1; slot <= models.SlotsPerRound; slot++ {
			if _, ok := slotDifficulty[slot]; !ok {
				slotDifficulty[slot] = plan[slot-1]
			}
		}
	}

	for _, playerID := range []string{duel.Player1ID, duel.Player2ID} {
		var exclude []string
		for _, qid := range assigned[playerID] {
			exclude = append(exclude, qid)
		}
		for slot := 1; slot <= models.SlotsPerRound; slot++ {
			if _, ok := assigned[playerID][slot]; ok {
				continue
			}
			question, err := s.Catalog.PickQuestionForSlot(tx, round.ChosenSubjectID, slotDifficulty[slot], exclude)
			if err != nil {
				return err
			}
			assignment := models.DuelRoundQuestion{
				ID:                 uuid.NewString(),
				RoundID:            round.ID,
				UserID:             playerID,
				SlotNo:             slot,
				QuestionID:         question.ID,
				DifficultySnapshot: slotDifficulty[slot],
			}
			if err := tx.Create(&assignment).Error; err != nil {
				// A concurrent retry already filled the slot; keep its row.
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					continue
				}
				return err
			}
			exclude = append(exclude, question.ID)
		}
	}
	return nil
}

// GetRoundQuestions returns the caller's assigned questions for the current
// round, with prompts and choices but without correctness flags.
func (s *RoundService) GetRoundQuestions(c *fiber.Ctx) error {
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
	if duel.Status != models.DuelInProgress {
		return RespondError(c, ErrWrongStatus)
	}

	var round models.DuelRound
	if err := s.DB.First(&round, "duel_id = ? AND round_no = ?", duelID, duel.CurrentRoundNo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RespondError(c, ErrRoundNotFound)
		}
		return RespondError(c, err)
	}
	if round.ChosenSubjectID == "" {
		return RespondError(c, ErrWrongStatus)
	}

	var assignments []models.DuelRoundQuestion
	if err := s.DB.Where("round_id = ? AND user_id = ?", round.ID, userID).
		Order("slot_no ASC").
		Find(&assignments).Error; err != nil {
		return RespondError(c, err)
	}

	type slotView struct {
		SlotNo     int              `json:"slot_no"`
		Difficulty int              `json:"difficulty"`
		Question   *models.Question `json:"question"`
	}
	slots := make([]slotView, 0, len(assignments))
	for _, a := range assignments {
		question, err := s.Catalog.QuestionDetail(nil, a.QuestionID)
		if err != nil {
			log.Printf("[ROUND] question %s missing for round %s: %v", a.QuestionID, round.ID, err)
			return RespondError(c, err)
		}
		slots = append(slots, slotView{SlotNo: a.SlotNo, Difficulty: a.DifficultySnapshot, Question: question})
	}

	return c.JSON(fiber.Map{
		"round_no":   round.RoundNo,
		"subject_id": round.ChosenSubjectID,
		"slots":      slots,
	})
}

// SubmitRoundAnswer records one slot answer for the turn player. Finishing
// the third slot triggers turn completion; otherwise the remaining slot
// count is returned.
func (s *RoundService) SubmitRoundAnswer(c *fiber.Ctx) error {
	type Req struct {
		RoundNo        int    `json:"round_no"`
		SlotNo         int    `json:"slot_no"`
		QuestionID     string `json:"question_id"`
		ChoiceID       string `json:"choice_id"`
		ResponseTimeMs int    `json:"response_time_ms"`
	}
	userID := c.Locals("user_id").(string)

	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.RoundNo < 1 || req.RoundNo > models.RoundsPerDuel ||
		req.SlotNo < 1 || req.SlotNo > models.SlotsPerRound ||
		req.QuestionID == "" || req.ChoiceID == "" || req.ResponseTimeMs < 0 {
		return RespondError(c, ErrValidation)
	}

	var result fiber.Map
	err := withDuelLock(s.DB, c.Params("id"), func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsPlayer(userID) {
			return ErrDuelNotFound
		}
		if duel.Status != models.DuelInProgress {
			return ErrWrongStatus
		}
		if req.RoundNo != duel.CurrentRoundNo {
			return ErrRoundMismatch
		}
		if userID != duel.CurrentTurnUserID {
			return ErrNotYourTurn
		}

		round, err := lockCurrentRound(tx, duel)
		if err != nil {
			return err
		}
		if round.Status != models.RoundPlayer1Turn && round.Status != models.RoundPlayer2Turn {
			return ErrWrongStatus
		}

		var assignment models.DuelRoundQuestion
		if err := tx.Where("round_id = ? AND user_id = ? AND slot_no = ?", round.ID, userID, req.SlotNo).
			First(&assignment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrQuestionMismatch
			}
			return err
		}
		if assignment.QuestionID != req.QuestionID {
			return ErrQuestionMismatch
		}

		var dup int64
		if err := tx.Model(&models.DuelAnswer{}).
			Where("round_id = ? AND user_id = ? AND slot_no = ?", round.ID, userID, req.SlotNo).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return ErrSlotAnswered
		}

		var choice models.QuestionChoice
		if err := tx.Where("id = ? AND question_id = ?", req.ChoiceID, assignment.QuestionID).
			First(&choice).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrQuestionMismatch
			}
			return err
		}
		correctID, err := s.Catalog.CorrectChoiceID(tx, assignment.QuestionID)
		if err != nil {
			return err
		}

		answer := models.DuelAnswer{
			ID:               uuid.NewString(),
			DuelID:           duel.ID,
			RoundID:          round.ID,
			UserID:           userID,
			SlotNo:           req.SlotNo,
			QuestionID:       assignment.QuestionID,
			SelectedChoiceID: choice.ID,
			IsCorrect:        choice.ID == correctID,
			ResponseTimeMs:   req.ResponseTimeMs,
		}
		if err := tx.Create(&answer).Error; err != nil {
			// Unique index backstop: a racing duplicate submit loses here.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrSlotAnswered
			}
			return err
		}

		var answered int64
		if err := tx.Model(&models.DuelAnswer{}).
			Where("round_id = ? AND user_id = ?", round.ID, userID).
			Count(&answered).Error; err != nil {
			return err
		}

		result = fiber.Map{
			"is_correct":      answer.IsCorrect,
			"slots_remaining": models.SlotsPerRound - int(answered),
		}
		if int(answered) == models.SlotsPerRound {
			return s.completeTurn(tx, duel, round, userID, time.Now(), false)
		}
		return nil
	})
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(result)
}

// completeTurn marks the round done for the acting player and either passes
// the hand to the opponent or, when both are done, scores the round and
// advances the duel. timedOut marks the sweeper path: if it closes the round,
// the round is flagged scored_zero instead of completed.
func (s *RoundService) completeTurn(tx *gorm.DB, duel *models.Duel, round *models.DuelRound, actorID string, now time.Time, timedOut bool) error {
	// The turn a pending joker asked to extend is over either way; it must
	// not survive into the opponent's turn, where granting it would move the
	// wrong player's clock.
	if err := expirePendingJokers(tx, duel.ID); err != nil {
		return err
	}

	doneCol := "player1_done_at"
	if actorID == duel.Player2ID {
		doneCol = "player2_done_at"
	}
	if err := tx.Model(round).Update(doneCol, &now).Error; err != nil {
		return err
	}
	if actorID == duel.Player1ID {
		round.Player1DoneAt = &now
	} else {
		round.Player2DoneAt = &now
	}

	opponentID := duel.OpponentOf(actorID)
	if !round.DoneFor(opponentID, duel) {
		// Hand passes, fresh clock; the round stays open.
		deadline := now.Add(s.Config.TurnTTL)
		if err := tx.Model(round).Update("status", turnStatusFor(duel, opponentID)).Error; err != nil {
			return err
		}
		if err := tx.Model(duel).Updates(map[string]interface{}{
			"current_turn_user_id": opponentID,
			"turn_deadline_at":     &deadline,
		}).Error; err != nil {
			return err
		}
		s.Notify.Emit(tx, opponentID, models.NotifyDuelTurn, map[string]interface{}{
			"duel_id":  duel.ID,
			"round_no": round.RoundNo,
			"action":   "answer_round",
			"deadline": deadline,
		})
		return nil
	}

	// Both players are done: score the round and advance.
	p1Correct, p2Correct, err := s.countCorrect(tx, round.ID, duel)
	if err != nil {
		return err
	}

	finalStatus := models.RoundCompleted
	if timedOut {
		finalStatus = models.RoundScoredZero
	}
	if err := tx.Model(round).Update("status", finalStatus).Error; err != nil {
		return err
	}
	if err := tx.Model(duel).Updates(map[string]interface{}{
		"player1_score": gorm.Expr("player1_score + ?", p1Correct),
		"player2_score": gorm.Expr("player2_score + ?", p2Correct),
	}).Error; err != nil {
		return err
	}
	duel.Player1Score += p1Correct
	duel.Player2Score += p2Correct

	if round.RoundNo < models.RoundsPerDuel {
		// The opponent of whoever picked this round's subject opens the next.
		nextStarter := duel.OpponentOf(round.ChosenByUserID)
		_, err := s.createRound(tx, duel, round.RoundNo+1, nextStarter, now)
		return err
	}
	return s.finalizeDuel(tx, duel, now)
}

func (s *RoundService) countCorrect(tx *gorm.DB, roundID string, duel *models.Duel) (int, int, error) {
	type row struct {
		UserID string
		N      int
	}
	var rows []row
	if err := tx.Model(&models.DuelAnswer{}).
		Select("user_id, COUNT(*) AS n").
		Where("round_id = ? AND is_correct = ?", roundID, true).
		Group("user_id").
		Scan(&rows).Error; err != nil {
		return 0, 0, err
	}
	var p1, p2 int
	for _, r := range rows {
		if r.UserID == duel.Player1ID {
			p1 = r.N
		} else if r.UserID == duel.Player2ID {
			p2 = r.N
		}
	}
	return p1, p2, nil
}

// finalizeDuel resolves the winner after round 5, clears turn state and
// notifies both players.
func (s *RoundService) finalizeDuel(tx *gorm.DB, duel *models.Duel, now time.Time) error {
	p1Ms, err := s.totalResponseMs(tx, duel.ID, duel.Player1ID)
	if err != nil {
		return err
	}
	p2Ms, err := s.totalResponseMs(tx, duel.ID, duel.Player2ID)
	if err != nil {
		return err
	}

	winnerID, reason, tieBreak := DecideDuelWinner(
		duel.Player1ID, duel.Player1Score, p1Ms,
		duel.Player2ID, duel.Player2Score, p2Ms,
	)

	if err := tx.Model(duel).Updates(map[string]interface{}{
		"status":               models.DuelCompleted,
		"winner_user_id":       winnerID,
		"win_reason":           reason,
		"tie_break_played":     tieBreak,
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
			"duel_id":       duel.ID,
			"winner_id":     winnerID,
			"win_reason":    reason,
			"player1_score": duel.Player1Score,
			"player2_score": duel.Player2Score,
		})
	}
	return nil
}

func (s *RoundService) totalResponseMs(tx *gorm.DB, duelID, userID string) (int, error) {
	var total int
	err := tx.Model(&models.DuelAnswer{}).
		Where("duel_id = ? AND user_id = ?", duelID, userID).
		Select("COALESCE(SUM(response_time_ms), 0)").
		Scan(&total).Error
	return total, err
}

// ExpireDueTurns processes up to limit in_progress duels whose turn deadline
// has lapsed, oldest deadline first. Each duel runs in its own row-locked
// transaction; one duel's failure is logged and skipped, never batch-fatal.
func (s *RoundService) ExpireDueTurns(limit int) (int, error) {
	var ids []string
	if err := s.DB.Model(&models.Duel{}).
		Where("status = ? AND turn_deadline_at IS NOT NULL AND turn_deadline_at <= ?", models.DuelInProgress, time.Now()).
		Order("turn_deadline_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range ids {
		if err := s.expireDuelTurn(id); err != nil {
			log.Printf("[SWEEP] duel %s expiry failed, will retry next tick: %v", id, err)
			continue
		}
		processed++
	}

	stale, err := s.expireStaleInvites(limit)
	if err != nil {
		log.Printf("[SWEEP] stale invite pass failed: %v", err)
		return processed, nil
	}
	return processed + stale, nil
}

// expireStaleInvites closes pending_opener duels that sat unplayed for a full
// turn TTL: unanswered invites and abandoned openers alike. No winner, no
// score; both players are told the duel lapsed.
func (s *RoundService) expireStaleInvites(limit int) (int, error) {
	cutoff := time.Now().Add(-s.Config.TurnTTL)
	var ids []string
	if err := s.DB.Model(&models.Duel{}).
		Where("status = ? AND created_at <= ?", models.DuelPendingOpener, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range ids {
		err := withDuelLock(s.DB, id, func(tx *gorm.DB, duel *models.Duel) error {
			if duel.Status != models.DuelPendingOpener || duel.CreatedAt.After(cutoff) {
				return nil
			}
			now := time.Now()
			if err := tx.Model(duel).Updates(map[string]interface{}{
				"status":       models.DuelExpired,
				"completed_at": &now,
			}).Error; err != nil {
				return err
			}
			for _, playerID := range []string{duel.Player1ID, duel.Player2ID} {
				s.Notify.Emit(tx, playerID, models.NotifyDuelFinished, map[string]interface{}{
					"duel_id": duel.ID,
					"outcome": "expired",
				})
			}
			return nil
		})
		if err != nil {
			log.Printf("[SWEEP] stale invite %s expiry failed, will retry next tick: %v", id, err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *RoundService) expireDuelTurn(duelID string) error {
	return withDuelLock(s.DB, duelID, func(tx *gorm.DB, duel *models.Duel) error {
		now := time.Now()
		// Re-validate under lock: the turn may have been played, extended or
		// the duel ended between the batch select and this transaction.
		if duel.Status != models.DuelInProgress || duel.TurnDeadlineAt == nil || duel.TurnDeadlineAt.After(now) {
			return nil
		}

		round, err := lockCurrentRound(tx, duel)
		if err != nil {
			return err
		}
		timedOutID := duel.CurrentTurnUserID

		if err := expirePendingJokers(tx, duel.ID); err != nil {
			return err
		}

		if round.ChosenSubjectID == "" {
			// Only the subject choice is forfeited: the hand passes with a
			// fresh clock and no score change.
			opponentID := duel.OpponentOf(timedOutID)
			deadline := now.Add(s.Config.TurnTTL)
			if err := tx.Model(duel).Updates(map[string]interface{}{
				"current_turn_user_id": opponentID,
				"turn_deadline_at":     &deadline,
			}).Error; err != nil {
				return err
			}
			s.Notify.Emit(tx, opponentID, models.NotifyDuelTurn, map[string]interface{}{
				"duel_id":  duel.ID,
				"round_no": round.RoundNo,
				"action":   "choose_subject",
				"reason":   "timeout_subject_choice",
				"deadline": deadline,
			})
			return nil
		}

		// Subject chosen but answers incomplete: the timed-out player is
		// scored from whatever they actually answered, then the normal
		// completion path advances or finalizes the duel.
		return s.completeTurn(tx, duel, round, timedOutID, now, true)
	})
}
