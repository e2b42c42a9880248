package services

import (
	"math/rand"

	"quiz-duel-service/models"

	"gorm.io/gorm"
)

// opponentFilter is one named eligibility predicate applied to the candidate
// query. Mode-specific eligibility is composed from this finite set instead
// of building SQL fragments ad hoc.
type opponentFilter func(q *gorm.DB) *gorm.DB

func filterActive(q *gorm.DB) *gorm.DB {
	return q.Where("is_active = ?", true)
}

func filterNotUser(userID string) opponentFilter {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("external_user_id <> ?", userID)
	}
}

func filterSameLevel(level string) opponentFilter {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("declared_level = ?", level)
	}
}

// pickRandomOpponent resolves an opponent for the random matchmaking modes:
// a uniform pick among active users other than the requester, restricted to
// the requester's declared level for random_level. Returns
// NO_RANDOM_OPPONENT_AVAILABLE when the candidate set is empty.
func pickRandomOpponent(tx *gorm.DB, requester *models.PlayerUser, mode string) (string, error) {
	filters := []opponentFilter{filterActive, filterNotUser(requester.ExternalUserID)}
	if mode == models.ModeRandomLevel {
		filters = append(filters, filterSameLevel(requester.DeclaredLevel))
	}

	q := tx.Model(&models.PlayerUser{})
	for _, f := range filters {
		q = f(q)
	}

	var candidates []string
	if err := q.Pluck("external_user_id", &candidates).Error; err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoRandomOpponent
	}
	return candidates[rand.Intn(len(candidates))], nil
}
