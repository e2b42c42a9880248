// handlers/duel_routes.go
package handlers

import (
	"quiz-duel-service/middleware"
	"quiz-duel-service/services"
	"quiz-duel-service/workers"

	"github.com/gofiber/fiber/v2"
)

// SetupDuelRoutes registers the duel API. The player routes live under
// /duels and require gateway user context: each operation acts as a specific
// player. The maintenance route sits outside that group and takes none.
func SetupDuelRoutes(
	app *fiber.App,
	duels *services.DuelService,
	openers *services.OpenerService,
	rounds *services.RoundService,
	jokers *services.JokerService,
	sweeper *workers.TurnExpiryWorker,
) {
	secured := app.Group("/duels", middleware.UserContextMiddleware())

	// Lifecycle
	secured.Post("/", duels.CreateDuel)
	secured.Get("/", duels.ListDuels)
	secured.Get("/:id", duels.GetDuel)
	secured.Post("/:id/accept", duels.AcceptDuel)
	secured.Post("/:id/decline", duels.DeclineDuel)
	secured.Post("/:id/forfeit", duels.ForfeitDuel)

	// Opener tie-break
	secured.Get("/:id/opener", openers.GetOpener)
	secured.Post("/:id/opener/answer", openers.AnswerOpener)
	secured.Post("/:id/opener/decision", openers.DecideOpener)

	// Rounds
	secured.Get("/:id/round", rounds.GetCurrentRound)
	secured.Post("/:id/round/subject", rounds.ChooseRoundSubject)
	secured.Get("/:id/round/questions", rounds.GetRoundQuestions)
	secured.Post("/:id/round/answers", rounds.SubmitRoundAnswer)

	// Joker protocol
	secured.Post("/:id/jokers", jokers.RequestJoker)
	secured.Post("/:id/jokers/:jokerId/respond", jokers.RespondJoker)

	// Operator escape hatch: run one sweep pass on demand. Gateway auth only,
	// no user context needed.
	app.Post("/maintenance/expire-turns", func(c *fiber.Ctx) error {
		n, err := sweeper.RunOnce(c.Context())
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "sweep failed"})
		}
		return c.JSON(fiber.Map{"expired": n})
	})
}
