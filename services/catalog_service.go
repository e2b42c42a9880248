package services

import (
	"errors"
	"math/rand"

	"quiz-duel-service/models"

	"gorm.io/gorm"
)

// CatalogService is the read-only gateway to the question catalog. Random
// picks load the candidate id set and choose uniformly in code, so selection
// stays explicit and testable. Every method takes the caller's transaction so
// catalog reads see the same snapshot as the duel writes around them.
type CatalogService struct {
	DB *gorm.DB
}

func NewCatalogService(db *gorm.DB) *CatalogService {
	return &CatalogService{DB: db}
}

func (s *CatalogService) db(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.DB
}

// PickRandomPublishedSingleChoiceQuestion picks one published single-choice
// question uniformly across the whole catalog, for use as a duel opener.
func (s *CatalogService) PickRandomPublishedSingleChoiceQuestion(tx *gorm.DB) (*models.Question, error) {
	var ids []string
	if err := s.db(tx).Model(&models.Question{}).
		Where("status = ? AND format = ?", models.QuestionPublished, models.FormatSingleChoice).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrQuestionPoolTooSmall
	}
	return s.QuestionDetail(tx, ids[rand.Intn(len(ids))])
}

// PickThreeActiveSubjects samples three distinct active subjects uniformly.
func (s *CatalogService) PickThreeActiveSubjects(tx *gorm.DB) ([]models.Subject, error) {
	var subjects []models.Subject
	if err := s.db(tx).Where("is_active = ?", true).Find(&subjects).Error; err != nil {
		return nil, err
	}
	if len(subjects) < 3 {
		return nil, ErrSubjectPoolTooSmall
	}
	rand.Shuffle(len(subjects), func(i, j int) {
		subjects[i], subjects[j] = subjects[j], subjects[i]
	})
	return subjects[:3], nil
}

// CountQuestionsBySubjectAndDifficulty returns the published question stock
// per difficulty level for a subject. Levels with no questions are absent.
func (s *CatalogService) CountQuestionsBySubjectAndDifficulty(tx *gorm.DB, subjectID string) (map[int]int, error) {
	type row struct {
		Difficulty int
		N          int
	}
	var rows []row
	if err := s.db(tx).Model(&models.Question{}).
		Select("difficulty, COUNT(*) AS n").
		Where("subject_id = ? AND status = ? AND format = ?", subjectID, models.QuestionPublished, models.FormatSingleChoice).
		Group("difficulty").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	stock := make(map[int]int, len(rows))
	for _, r := range rows {
		stock[r.Difficulty] = r.N
	}
	return stock, nil
}

// PickQuestionForSlot picks a published question of the given subject and
// difficulty uniformly, excluding ids the player already has in this round.
func (s *CatalogService) PickQuestionForSlot(tx *gorm.DB, subjectID string, difficulty int, excludeIDs []string) (*models.Question, error) {
	q := s.db(tx).Model(&models.Question{}).
		Where("subject_id = ? AND difficulty = ? AND status = ? AND format = ?",
			subjectID, difficulty, models.QuestionPublished, models.FormatSingleChoice)
	if len(excludeIDs) > 0 {
		q = q.Where("id NOT IN ?", excludeIDs)
	}
	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrQuestionPoolTooSmall
	}
	var question models.Question
	if err := s.db(tx).First(&question, "id = ?", ids[rand.Intn(len(ids))]).Error; err != nil {
		return nil, err
	}
	return &question, nil
}

// QuestionDetail loads a question with its choices in display order.
func (s *CatalogService) QuestionDetail(tx *gorm.DB, questionID string) (*models.Question, error) {
	var question models.Question
	err := s.db(tx).
		Preload("Choices", func(db *gorm.DB) *gorm.DB {
			return db.Order("\"sort_order\" ASC")
		}).
		First(&question, "id = ?", questionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQuestionMismatch
		}
		return nil, err
	}
	return &question, nil
}

// CorrectChoiceID returns the id of the question's correct choice. The
// catalog is the single authority on correctness; answer grading compares
// the submitted choice against this.
func (s *CatalogService) CorrectChoiceID(tx *gorm.DB, questionID string) (string, error) {
	var choice models.QuestionChoice
	err := s.db(tx).
		Where("question_id = ? AND is_correct = ?", questionID, true).
		First(&choice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrQuestionMismatch
		}
		return "", err
	}
	return choice.ID, nil
}
