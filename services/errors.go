package services

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// DuelError is a business-rule violation with a stable machine-readable code.
// Every rule check in the duel core returns one of these; handlers translate
// them to JSON, and anything else is reported as a generic internal error.
type DuelError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *DuelError) Error() string {
	return e.Code + ": " + e.Message
}

func newError(status int, code, message string) *DuelError {
	return &DuelError{Code: code, Message: message, Status: status}
}

// Validation / not found
var (
	ErrValidation     = newError(fiber.StatusBadRequest, "VALIDATION_ERROR", "malformed or out-of-range input")
	ErrDuelNotFound   = newError(fiber.StatusNotFound, "DUEL_NOT_FOUND", "duel not found")
	ErrRoundNotFound  = newError(fiber.StatusNotFound, "ROUND_NOT_FOUND", "round not found")
	ErrOpenerNotFound = newError(fiber.StatusNotFound, "OPENER_NOT_FOUND", "opener not found")
	ErrJokerNotFound  = newError(fiber.StatusNotFound, "JOKER_NOT_FOUND", "joker request not found")
)

// Matchmaking
var (
	ErrSelfDuel           = newError(fiber.StatusBadRequest, "SELF_DUEL_NOT_ALLOWED", "cannot start a duel against yourself")
	ErrNoRandomOpponent   = newError(fiber.StatusConflict, "NO_RANDOM_OPPONENT_AVAILABLE", "no eligible opponent available right now")
	ErrFreeDuelLimit      = newError(fiber.StatusConflict, "FREE_DUEL_LIMIT_REACHED", "free duel limit reached, finish an open duel first")
)

// State conflicts
var (
	ErrWrongStatus         = newError(fiber.StatusConflict, "DUEL_WRONG_STATUS", "duel is not in the required status for this action")
	ErrNotDuelPlayer       = newError(fiber.StatusForbidden, "NOT_DUEL_PLAYER", "user is not a player of this duel")
	ErrNotInvitedPlayer    = newError(fiber.StatusForbidden, "NOT_INVITED_PLAYER", "only the invited player may act on the invite")
	ErrAlreadyAccepted     = newError(fiber.StatusConflict, "DUEL_ALREADY_ACCEPTED", "duel invite was already accepted")
	ErrOpenerAnswered      = newError(fiber.StatusConflict, "OPENER_ALREADY_ANSWERED", "opener already answered by this player")
	ErrOpenerNotResolved   = newError(fiber.StatusConflict, "OPENER_NOT_RESOLVED", "opener winner is not resolved yet")
	ErrOpenerDecided       = newError(fiber.StatusConflict, "OPENER_ALREADY_DECIDED", "opener decision was already made")
	ErrNotOpenerWinner     = newError(fiber.StatusForbidden, "NOT_OPENER_WINNER", "only the opener winner may decide who starts")
	ErrNotYourTurn         = newError(fiber.StatusConflict, "NOT_YOUR_TURN", "it is not this player's turn")
	ErrRoundMismatch       = newError(fiber.StatusConflict, "ROUND_MISMATCH", "round number does not match the current round")
	ErrSubjectNotOffered   = newError(fiber.StatusBadRequest, "SUBJECT_NOT_OFFERED", "subject is not among the offered subjects")
	ErrSubjectChosen       = newError(fiber.StatusConflict, "SUBJECT_ALREADY_CHOSEN", "round subject was already chosen")
	ErrQuestionMismatch    = newError(fiber.StatusBadRequest, "QUESTION_MISMATCH", "question or choice does not match the assigned slot")
	ErrSlotAnswered        = newError(fiber.StatusConflict, "SLOT_ALREADY_ANSWERED", "this slot was already answered")
	ErrJokerAlreadyUsed    = newError(fiber.StatusConflict, "DUEL_JOKER_ALREADY_USED", "joker was already used in this duel")
	ErrJokerNotPending     = newError(fiber.StatusConflict, "JOKER_NOT_PENDING", "joker request is not pending")
	ErrNotJokerResponder   = newError(fiber.StatusForbidden, "NOT_JOKER_RESPONDER", "only the addressed opponent may respond to the joker")
)

// Resource exhaustion
var (
	ErrSubjectPoolTooSmall  = newError(fiber.StatusConflict, "SUBJECT_POOL_TOO_SMALL", "not enough active subjects to offer a round")
	ErrQuestionPoolTooSmall = newError(fiber.StatusConflict, "QUESTION_POOL_TOO_SMALL", "not enough questions to build a fair round")
)

// RespondError writes a DuelError as JSON, or a generic 500 for anything else.
// Internal errors never leak implementation detail to the caller.
func RespondError(c *fiber.Ctx, err error) error {
	var de *DuelError
	if errors.As(err, &de) {
		return c.Status(de.Status).JSON(fiber.Map{"error": de.Message, "code": de.Code})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error, please try again later",
		"code":  "INTERNAL_ERROR",
	})
}
