package services_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"quiz-duel-service/config"
	"quiz-duel-service/handlers"
	"quiz-duel-service/models"
	"quiz-duel-service/services"
	"quiz-duel-service/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Integration tests against a real Postgres. Set TEST_DATABASE_URL to run;
// otherwise they skip.

type testEnv struct {
	db  *gorm.DB
	app *fiber.App
	cfg *config.Config
	// correct maps question id to its correct choice id for seeded questions.
	correct map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.PlayerUser{},
		&models.Subject{},
		&models.Question{},
		&models.QuestionChoice{},
		&models.Duel{},
		&models.DuelOpener{},
		&models.DuelRound{},
		&models.DuelRoundQuestion{},
		&models.DuelAnswer{},
		&models.DuelJoker{},
		&models.Notification{},
	))
	require.NoError(t, db.Exec(`TRUNCATE player_users, subjects, questions, question_choices,
		duels, duel_openers, duel_rounds, duel_round_questions, duel_answers, duel_jokers,
		notifications`).Error)

	cfg := &config.Config{
		TurnTTL:         24 * time.Hour,
		FreeDuelLimit:   3,
		SweepInterval:   time.Minute,
		SweepBatchLimit: 50,
	}

	catalog := services.NewCatalogService(db)
	notify := services.NewNotificationService(db)
	rounds := services.NewRoundService(db, cfg, catalog, notify)
	duels := services.NewDuelService(db, cfg, catalog, notify)
	openers := services.NewOpenerService(db, cfg, catalog, notify, rounds)
	jokers := services.NewJokerService(db, cfg, notify)
	sweeper := workers.NewTurnExpiryWorker(db, cfg, rounds)

	app := fiber.New()
	handlers.SetupDuelRoutes(app, duels, openers, rounds, jokers, sweeper)

	return &testEnv{db: db, app: app, cfg: cfg, correct: map[string]string{}}
}

func (e *testEnv) seedPlayers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.db.Create(&models.PlayerUser{
			ID:             uuid.NewString(),
			ExternalUserID: id,
			Username:       id,
			DeclaredLevel:  "novice",
			IsActive:       true,
		}).Error)
	}
}

// seedCatalog creates three active subjects, each with two published questions
// at every difficulty level, three choices apiece.
func (e *testEnv) seedCatalog(t *testing.T) {
	t.Helper()
	for s := 0; s < 3; s++ {
		subject := models.Subject{ID: uuid.NewString(), Name: fmt.Sprintf("subject-%d", s), IsActive: true}
		require.NoError(t, e.db.Create(&subject).Error)

		for level := models.MinDifficulty; level <= models.MaxDifficulty; level++ {
			for n := 0; n < 2; n++ {
				q := models.Question{
					ID:         uuid.NewString(),
					SubjectID:  subject.ID,
					Prompt:     fmt.Sprintf("q s%d d%d #%d", s, level, n),
					Difficulty: level,
					Format:     models.FormatSingleChoice,
					Status:     models.QuestionPublished,
				}
				require.NoError(t, e.db.Create(&q).Error)
				for c := 0; c < 3; c++ {
					choice := models.QuestionChoice{
						ID:         uuid.NewString(),
						QuestionID: q.ID,
						Text:       fmt.Sprintf("choice %d", c),
						SortOrder:  c,
						IsCorrect:  c == 0,
					}
					require.NoError(t, e.db.Create(&choice).Error)
					if choice.IsCorrect {
						e.correct[q.ID] = choice.ID
					}
				}
			}
		}
	}
}

func (e *testEnv) do(t *testing.T, method, path, asUser string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-ID", asUser)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &parsed), "body: %s", raw)
	}
	return resp.StatusCode, parsed
}

// wrongChoiceID returns any incorrect choice of the given question.
func (e *testEnv) wrongChoiceID(t *testing.T, questionID string) string {
	t.Helper()
	var choice models.QuestionChoice
	require.NoError(t, e.db.Where("question_id = ? AND is_correct = ?", questionID, false).
		First(&choice).Error)
	return choice.ID
}

// answerSlots plays all three slots of the current round as user, answering
// correctly or not.
func (e *testEnv) answerSlots(t *testing.T, duelID, user string, roundNo int, correctly bool) {
	t.Helper()
	status, body := e.do(t, "GET", "/duels/"+duelID+"/round/questions", user, nil)
	require.Equal(t, 200, status, "body: %v", body)

	slots := body["slots"].([]interface{})
	require.Len(t, slots, models.SlotsPerRound)
	for _, raw := range slots {
		slot := raw.(map[string]interface{})
		questionID := slot["question"].(map[string]interface{})["id"].(string)
		choiceID := e.correct[questionID]
		if !correctly {
			choiceID = e.wrongChoiceID(t, questionID)
		}
		status, body := e.do(t, "POST", "/duels/"+duelID+"/round/answers", user, map[string]interface{}{
			"round_no":         roundNo,
			"slot_no":          int(slot["slot_no"].(float64)),
			"question_id":      questionID,
			"choice_id":        choiceID,
			"response_time_ms": 1000,
		})
		require.Equal(t, 200, status, "body: %v", body)
	}
}

// startDuel creates a friend_invite duel between p1 and p2 and plays it to
// in_progress: accept, both opener answers (p1 correct, p2 wrong), p1 takes
// the hand. Returns the duel id.
func (e *testEnv) startDuel(t *testing.T, p1, p2 string) string {
	t.Helper()
	status, body := e.do(t, "POST", "/duels", p1, map[string]interface{}{
		"mode":        models.ModeFriendInvite,
		"opponent_id": p2,
	})
	require.Equal(t, 201, status, "body: %v", body)
	duelID := body["id"].(string)

	status, body = e.do(t, "POST", "/duels/"+duelID+"/accept", p2, nil)
	require.Equal(t, 200, status, "body: %v", body)

	status, body = e.do(t, "GET", "/duels/"+duelID+"/opener", p1, nil)
	require.Equal(t, 200, status)
	openerQuestionID := body["question"].(map[string]interface{})["id"].(string)

	status, _ = e.do(t, "POST", "/duels/"+duelID+"/opener/answer", p1, map[string]interface{}{
		"choice_id":        e.correct[openerQuestionID],
		"response_time_ms": 500,
	})
	require.Equal(t, 200, status)
	status, body = e.do(t, "POST", "/duels/"+duelID+"/opener/answer", p2, map[string]interface{}{
		"choice_id":        e.wrongChoiceID(t, openerQuestionID),
		"response_time_ms": 300,
	})
	require.Equal(t, 200, status)
	require.Equal(t, p1, body["winner_user_id"], "correct answer beats faster wrong one")

	status, _ = e.do(t, "POST", "/duels/"+duelID+"/opener/decision", p1, map[string]interface{}{
		"decision": models.DecisionTakeHand,
	})
	require.Equal(t, 200, status)
	return duelID
}

func TestFullDuelFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	duelID := env.startDuel(t, "alice", "bob")

	for round := 1; round <= models.RoundsPerDuel; round++ {
		status, body := env.do(t, "GET", "/duels/"+duelID, "alice", nil)
		require.Equal(t, 200, status)
		require.Equal(t, models.DuelInProgress, body["status"])
		require.Equal(t, float64(round), body["current_round_no"])
		chooser := body["current_turn_user_id"].(string)
		opponent := "alice"
		if chooser == "alice" {
			opponent = "bob"
		}

		status, body = env.do(t, "GET", "/duels/"+duelID+"/round", chooser, nil)
		require.Equal(t, 200, status)
		offered := body["offered_subjects"].([]interface{})
		require.Len(t, offered, 3)
		subjectID := offered[0].(map[string]interface{})["id"].(string)

		status, body = env.do(t, "POST", "/duels/"+duelID+"/round/subject", chooser, map[string]interface{}{
			"round_no":   round,
			"subject_id": subjectID,
		})
		require.Equal(t, 200, status, "body: %v", body)

		env.answerSlots(t, duelID, chooser, round, chooser == "alice")
		env.answerSlots(t, duelID, opponent, round, opponent == "alice")
	}

	status, body := env.do(t, "GET", "/duels/"+duelID, "bob", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, models.DuelCompleted, body["status"])
	assert.Equal(t, "alice", body["winner_user_id"])
	assert.Equal(t, models.WinReasonScore, body["win_reason"])
	assert.Equal(t, float64(15), body["player1_score"])
	assert.Equal(t, float64(0), body["player2_score"])
	assert.Equal(t, false, body["tie_break_played"])
}

func TestRoundAssignmentFairness(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	duelID := env.startDuel(t, "alice", "bob")

	status, body := env.do(t, "GET", "/duels/"+duelID+"/round", "alice", nil)
	require.Equal(t, 200, status)
	subjectID := body["offered_subjects"].([]interface{})[0].(map[string]interface{})["id"].(string)
	status, _ = env.do(t, "POST", "/duels/"+duelID+"/round/subject", "alice", map[string]interface{}{
		"round_no":   1,
		"subject_id": subjectID,
	})
	require.Equal(t, 200, status)

	var round models.DuelRound
	require.NoError(t, env.db.First(&round, "duel_id = ? AND round_no = ?", duelID, 1).Error)

	var assignments []models.DuelRoundQuestion
	require.NoError(t, env.db.Where("round_id = ?", round.ID).Find(&assignments).Error)
	require.Len(t, assignments, 2*models.SlotsPerRound)

	// Both players share the difficulty snapshot per slot, and no player sees
	// the same question twice within the round.
	snapshot := map[int]int{}
	seen := map[string]map[string]bool{}
	for _, a := range assignments {
		if want, ok := snapshot[a.SlotNo]; ok {
			assert.Equal(t, want, a.DifficultySnapshot, "slot %d snapshot differs between players", a.SlotNo)
		} else {
			snapshot[a.SlotNo] = a.DifficultySnapshot
		}
		if seen[a.UserID] == nil {
			seen[a.UserID] = map[string]bool{}
		}
		assert.False(t, seen[a.UserID][a.QuestionID], "question repeated for %s", a.UserID)
		seen[a.UserID][a.QuestionID] = true
	}
}

func TestDuplicateAnswerRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	duelID := env.startDuel(t, "alice", "bob")

	status, body := env.do(t, "GET", "/duels/"+duelID+"/round", "alice", nil)
	require.Equal(t, 200, status)
	subjectID := body["offered_subjects"].([]interface{})[0].(map[string]interface{})["id"].(string)
	status, _ = env.do(t, "POST", "/duels/"+duelID+"/round/subject", "alice", map[string]interface{}{
		"round_no":   1,
		"subject_id": subjectID,
	})
	require.Equal(t, 200, status)

	// Choosing twice is also rejected.
	status, body = env.do(t, "POST", "/duels/"+duelID+"/round/subject", "alice", map[string]interface{}{
		"round_no":   1,
		"subject_id": subjectID,
	})
	assert.Equal(t, 409, status)
	assert.Equal(t, "SUBJECT_ALREADY_CHOSEN", body["code"])

	status, body = env.do(t, "GET", "/duels/"+duelID+"/round/questions", "alice", nil)
	require.Equal(t, 200, status)
	slot := body["slots"].([]interface{})[0].(map[string]interface{})
	questionID := slot["question"].(map[string]interface{})["id"].(string)
	answer := map[string]interface{}{
		"round_no":         1,
		"slot_no":          1,
		"question_id":      questionID,
		"choice_id":        env.correct[questionID],
		"response_time_ms": 900,
	}

	status, body = env.do(t, "POST", "/duels/"+duelID+"/round/answers", "alice", answer)
	require.Equal(t, 200, status, "body: %v", body)
	assert.Equal(t, true, body["is_correct"])
	assert.Equal(t, float64(2), body["slots_remaining"])

	status, body = env.do(t, "POST", "/duels/"+duelID+"/round/answers", "alice", answer)
	assert.Equal(t, 409, status)
	assert.Equal(t, "SLOT_ALREADY_ANSWERED", body["code"])
}

func TestSweeperScoresPartialAnswers(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	duelID := env.startDuel(t, "alice", "bob")

	status, body := env.do(t, "GET", "/duels/"+duelID+"/round", "alice", nil)
	require.Equal(t, 200, status)
	subjectID := body["offered_subjects"].([]interface{})[0].(map[string]interface{})["id"].(string)
	status, _ = env.do(t, "POST", "/duels/"+duelID+"/round/subject", "alice", map[string]interface{}{
		"round_no":   1,
		"subject_id": subjectID,
	})
	require.Equal(t, 200, status)

	// alice answers one slot correctly, then runs out of time.
	status, body = env.do(t, "GET", "/duels/"+duelID+"/round/questions", "alice", nil)
	require.Equal(t, 200, status)
	slot := body["slots"].([]interface{})[0].(map[string]interface{})
	questionID := slot["question"].(map[string]interface{})["id"].(string)
	status, _ = env.do(t, "POST", "/duels/"+duelID+"/round/answers", "alice", map[string]interface{}{
		"round_no":         1,
		"slot_no":          1,
		"question_id":      questionID,
		"choice_id":        env.correct[questionID],
		"response_time_ms": 800,
	})
	require.Equal(t, 200, status)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, env.db.Model(&models.Duel{}).Where("id = ?", duelID).
		Update("turn_deadline_at", &past).Error)
	status, body = env.do(t, "POST", "/maintenance/expire-turns", "ops", nil)
	require.Equal(t, 200, status)
	require.Equal(t, float64(1), body["expired"])

	// The hand passed to bob; alice keeps her one correct answer.
	var duel models.Duel
	require.NoError(t, env.db.First(&duel, "id = ?", duelID).Error)
	require.Equal(t, "bob", duel.CurrentTurnUserID)

	env.answerSlots(t, duelID, "bob", 1, false)

	require.NoError(t, env.db.First(&duel, "id = ?", duelID).Error)
	assert.Equal(t, 1, duel.Player1Score)
	assert.Equal(t, 0, duel.Player2Score)
	assert.Equal(t, 2, duel.CurrentRoundNo)

	var round models.DuelRound
	require.NoError(t, env.db.First(&round, "duel_id = ? AND round_no = ?", duelID, 1).Error)
	assert.Equal(t, models.RoundCompleted, round.Status)
}

func TestSweeperClosesRoundWhenOpponentDone(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	duelID := env.startDuel(t, "alice", "bob")

	status, body := env.do(t, "GET", "/duels/"+duelID+"/round", "alice", nil)
	require.Equal(t, 200, status)
	subjectID := body["offered_subjects"].([]interface{})[0].(map[string]interface{})["id"].(string)
	status, _ = env.do(t, "POST", "/duels/"+duelID+"/round/subject", "alice", map[string]interface{}{
		"round_no":   1,
		"subject_id": subjectID,
	})
	require.Equal(t, 200, status)

	// alice finishes her slots; bob answers nothing and times out.
	env.answerSlots(t, duelID, "alice", 1, true)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, env.db.Model(&models.Duel{}).Where("id = ?", duelID).
		Update("turn_deadline_at", &past).Error)
	status, body = env.do(t, "POST", "/maintenance/expire-turns", "ops", nil)
	require.Equal(t, 200, status)
	require.Equal(t, float64(1), body["expired"])

	// The timeout closed the round: scored with bob at zero, next round open.
	var round models.DuelRound
	require.NoError(t, env.db.First(&round, "duel_id = ? AND round_no = ?", duelID, 1).Error)
	assert.Equal(t, models.RoundScoredZero, round.Status)

	var duel models.Duel
	require.NoError(t, env.db.First(&duel, "id = ?", duelID).Error)
	assert.Equal(t, models.DuelInProgress, duel.Status)
	assert.Equal(t, 3, duel.Player1Score)
	assert.Equal(t, 0, duel.Player2Score)
	assert.Equal(t, 2, duel.CurrentRoundNo)
	// The next round's first move belongs to bob, the opponent of round 1's
	// subject chooser.
	assert.Equal(t, "bob", duel.CurrentTurnUserID)
}

func TestDeclineInvite(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	status, body := env.do(t, "POST", "/duels", "alice", map[string]interface{}{
		"mode":        models.ModeFriendInvite,
		"opponent_id": "bob",
	})
	require.Equal(t, 201, status)
	duelID := body["id"].(string)

	// The inviter cannot act on their own invite.
	status, body = env.do(t, "POST", "/duels/"+duelID+"/decline", "alice", nil)
	assert.Equal(t, 403, status)
	assert.Equal(t, "NOT_INVITED_PLAYER", body["code"])

	status, _ = env.do(t, "POST", "/duels/"+duelID+"/decline", "bob", nil)
	require.Equal(t, 200, status)

	status, body = env.do(t, "GET", "/duels/"+duelID, "alice", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, models.DuelCancelled, body["status"])

	// Terminal duels reject further actions.
	status, body = env.do(t, "POST", "/duels/"+duelID+"/accept", "bob", nil)
	assert.Equal(t, 409, status)
	assert.Equal(t, "DUEL_WRONG_STATUS", body["code"])
}

func TestJokerProtocol(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	duelID := env.startDuel(t, "alice", "bob")

	// Only the turn player may request.
	status, body := env.do(t, "POST", "/duels/"+duelID+"/jokers", "bob", nil)
	assert.Equal(t, 409, status)
	assert.Equal(t, "NOT_YOUR_TURN", body["code"])

	var before models.Duel
	require.NoError(t, env.db.First(&before, "id = ?", duelID).Error)
	require.NotNil(t, before.TurnDeadlineAt)

	status, body = env.do(t, "POST", "/duels/"+duelID+"/jokers", "alice", nil)
	require.Equal(t, 201, status, "body: %v", body)
	jokerID := body["id"].(string)

	// The requester cannot grant their own joker.
	status, body = env.do(t, "POST", "/duels/"+duelID+"/jokers/"+jokerID+"/respond", "alice", map[string]interface{}{"grant": true})
	assert.Equal(t, 403, status)
	assert.Equal(t, "NOT_JOKER_RESPONDER", body["code"])

	status, _ = env.do(t, "POST", "/duels/"+duelID+"/jokers/"+jokerID+"/respond", "bob", map[string]interface{}{"grant": true})
	require.Equal(t, 200, status)

	var after models.Duel
	require.NoError(t, env.db.First(&after, "id = ?", duelID).Error)
	require.NotNil(t, after.TurnDeadlineAt)
	assert.Equal(t, before.TurnDeadlineAt.Add(env.cfg.TurnTTL).Unix(), after.TurnDeadlineAt.Unix())

	// One joker per player per duel, whatever the outcome.
	status, body = env.do(t, "POST", "/duels/"+duelID+"/jokers", "alice", nil)
	assert.Equal(t, 409, status)
	assert.Equal(t, "DUEL_JOKER_ALREADY_USED", body["code"])

	// A granted joker cannot be re-answered.
	status, body = env.do(t, "POST", "/duels/"+duelID+"/jokers/"+jokerID+"/respond", "bob", map[string]interface{}{"grant": false})
	assert.Equal(t, 409, status)
	assert.Equal(t, "JOKER_NOT_PENDING", body["code"])
}

func TestRandomMatchmaking(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedPlayers(t, "carol", "dave")
	// An inactive player is never matched.
	require.NoError(t, env.db.Create(&models.PlayerUser{
		ID:             uuid.NewString(),
		ExternalUserID: "mallory",
		Username:       "mallory",
		DeclaredLevel:  "novice",
		IsActive:       false,
	}).Error)

	status, body := env.do(t, "POST", "/duels", "carol", map[string]interface{}{"mode": models.ModeRandomFree})
	require.Equal(t, 201, status, "body: %v", body)
	assert.Equal(t, "carol", body["player1_id"])
	assert.Equal(t, "dave", body["player2_id"])
	// Random pairings skip the invite step.
	assert.NotNil(t, body["accepted_at"])

	// Empty candidate pool: deactivate everyone else and try a newcomer.
	env.seedPlayers(t, "erin")
	require.NoError(t, env.db.Exec(
		"UPDATE player_users SET is_active = false WHERE external_user_id IN ('carol','dave')").Error)
	status, body = env.do(t, "POST", "/duels", "erin", map[string]interface{}{"mode": models.ModeRandomFree})
	assert.Equal(t, 409, status)
	assert.Equal(t, "NO_RANDOM_OPPONENT_AVAILABLE", body["code"])
}

func TestTurnExpirySweeper(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	duelID := env.startDuel(t, "alice", "bob")

	// Force the deadline into the past; the sweeper must pass the subject
	// choice to bob with no score penalty.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, env.db.Model(&models.Duel{}).Where("id = ?", duelID).
		Update("turn_deadline_at", &past).Error)

	status, body := env.do(t, "POST", "/maintenance/expire-turns", "ops", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(1), body["expired"])

	var duel models.Duel
	require.NoError(t, env.db.First(&duel, "id = ?", duelID).Error)
	assert.Equal(t, models.DuelInProgress, duel.Status)
	assert.Equal(t, "bob", duel.CurrentTurnUserID)
	assert.Equal(t, 0, duel.Player1Score)
	require.NotNil(t, duel.TurnDeadlineAt)
	assert.True(t, duel.TurnDeadlineAt.After(time.Now()))

	// A second pass finds nothing due.
	status, body = env.do(t, "POST", "/maintenance/expire-turns", "ops", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(0), body["expired"])
}

func TestFreeDuelLimitConcurrentCreates(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t)
	env.seedPlayers(t, "frank", "grace", "heidi", "ivan")

	for i := 0; i < env.cfg.FreeDuelLimit-1; i++ {
		status, body := env.do(t, "POST", "/duels", "frank", map[string]interface{}{"mode": models.ModeRandomFree})
		require.Equal(t, 201, status, "body: %v", body)
	}

	// One slot left under the cap. Two simultaneous creates race for it; the
	// per-requester lock serializes them, so the loser re-counts and is
	// turned away.
	type result struct {
		status int
		code   string
		err    error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			raw, err := json.Marshal(map[string]interface{}{"mode": models.ModeRandomFree})
			if err != nil {
				results <- result{err: err}
				return
			}
			req := httptest.NewRequest("POST", "/duels", bytes.NewReader(raw))
			req.Header.Set("X-User-ID", "frank")
			req.Header.Set("Content-Type", "application/json")
			resp, err := env.app.Test(req, -1)
			if err != nil {
				results <- result{err: err}
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			var parsed map[string]interface{}
			_ = json.Unmarshal(body, &parsed)
			code, _ := parsed["code"].(string)
			results <- result{status: resp.StatusCode, code: code}
		}()
	}

	statuses := map[int]int{}
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		statuses[r.status]++
		if r.status == 409 {
			assert.Equal(t, "FREE_DUEL_LIMIT_REACHED", r.code)
		}
	}
	assert.Equal(t, 1, statuses[201], "exactly one create wins the last slot")
	assert.Equal(t, 1, statuses[409], "the other hits the cap")

	var open int64
	require.NoError(t, env.db.Model(&models.Duel{}).
		Where("matchmaking_mode = ? AND (player1_id = ? OR player2_id = ?)", models.ModeRandomFree, "frank", "frank").
		Where("status IN ?", []string{models.DuelPendingOpener, models.DuelInProgress}).
		Count(&open).Error)
	assert.Equal(t, int64(env.cfg.FreeDuelLimit), open)
}

func TestPendingJokerExpiresOnHandPass(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	duelID := env.startDuel(t, "alice", "bob")

	status, body := env.do(t, "GET", "/duels/"+duelID+"/round", "alice", nil)
	require.Equal(t, 200, status)
	subjectID := body["offered_subjects"].([]interface{})[0].(map[string]interface{})["id"].(string)
	status, _ = env.do(t, "POST", "/duels/"+duelID+"/round/subject", "alice", map[string]interface{}{
		"round_no":   1,
		"subject_id": subjectID,
	})
	require.Equal(t, 200, status)

	status, body = env.do(t, "POST", "/duels/"+duelID+"/jokers", "alice", nil)
	require.Equal(t, 201, status, "body: %v", body)
	jokerID := body["id"].(string)

	// alice finishes her slots before bob reacts; her turn, and with it the
	// pending joker, is over.
	env.answerSlots(t, duelID, "alice", 1, true)

	status, body = env.do(t, "POST", "/duels/"+duelID+"/jokers/"+jokerID+"/respond", "bob", map[string]interface{}{"grant": true})
	assert.Equal(t, 409, status)
	assert.Equal(t, "JOKER_NOT_PENDING", body["code"])

	var joker models.DuelJoker
	require.NoError(t, env.db.First(&joker, "id = ?", jokerID).Error)
	assert.Equal(t, models.JokerExpired, joker.Status)

	// bob's clock is the plain hand-pass deadline, not a joker-extended one.
	var duel models.Duel
	require.NoError(t, env.db.First(&duel, "id = ?", duelID).Error)
	require.Equal(t, "bob", duel.CurrentTurnUserID)
	require.NotNil(t, duel.TurnDeadlineAt)
	assert.WithinDuration(t, time.Now().Add(env.cfg.TurnTTL), *duel.TurnDeadlineAt, time.Minute)
}

func TestMaintenanceRouteSkipsUserContext(t *testing.T) {
	env := newTestEnv(t)

	// No X-User-ID at all: player routes refuse, the operator route runs.
	req := httptest.NewRequest("POST", "/duels", nil)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)

	req = httptest.NewRequest("POST", "/maintenance/expire-turns", nil)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var parsed map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, float64(0), parsed["expired"])
}

func TestSweeperExpiresStaleInvites(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayers(t, "alice", "bob")
	env.seedCatalog(t)

	status, body := env.do(t, "POST", "/duels", "alice", map[string]interface{}{
		"mode":        models.ModeFriendInvite,
		"opponent_id": "bob",
	})
	require.Equal(t, 201, status)
	duelID := body["id"].(string)

	// An invite inside the TTL window is left alone.
	status, body = env.do(t, "POST", "/maintenance/expire-turns", "ops", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(0), body["expired"])

	require.NoError(t, env.db.Exec("UPDATE duels SET created_at = ? WHERE id = ?",
		time.Now().Add(-25*time.Hour), duelID).Error)

	status, body = env.do(t, "POST", "/maintenance/expire-turns", "ops", nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(1), body["expired"])

	var duel models.Duel
	require.NoError(t, env.db.First(&duel, "id = ?", duelID).Error)
	assert.Equal(t, models.DuelExpired, duel.Status)
	assert.Empty(t, duel.WinnerUserID)
	require.NotNil(t, duel.CompletedAt)

	// Expired is terminal: the invite can no longer be accepted.
	status, body = env.do(t, "POST", "/duels/"+duelID+"/accept", "bob", nil)
	assert.Equal(t, 409, status)
	assert.Equal(t, "DUEL_WRONG_STATUS", body["code"])
}
