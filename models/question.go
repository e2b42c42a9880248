package models

import (
	"time"
)

// Question statuses
const (
	QuestionPublished = "published"
	QuestionDraft     = "draft"
)

// Question formats
const (
	FormatSingleChoice = "single_choice"
)

// Difficulty bounds for catalog questions.
const (
	MinDifficulty = 1
	MaxDifficulty = 5
)

// Subject groups catalog questions. The catalog is authored elsewhere; this
// service only reads it.
type Subject struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true;index"`
	SortOrder int       `json:"sort_order" gorm:"column:sort_order;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Question is one published quiz question with its ordered choices.
type Question struct {
	ID          string `json:"id" gorm:"primaryKey"`
	SubjectID   string `json:"subject_id" gorm:"not null;index"`
	Prompt      string `json:"prompt" gorm:"type:text;not null"`
	Explanation string `json:"explanation,omitempty" gorm:"type:text"`
	Difficulty  int    `json:"difficulty" gorm:"not null;index"`
	Format      string `json:"format" gorm:"type:varchar(24);not null;default:'single_choice'"`
	Status      string `json:"status" gorm:"type:varchar(16);not null;default:'draft';index"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Subject Subject          `json:"subject,omitempty" gorm:"foreignKey:SubjectID"`
	Choices []QuestionChoice `json:"choices,omitempty" gorm:"foreignKey:QuestionID"`
}

// QuestionChoice is one answer option. Exactly one choice per question
// carries IsCorrect.
type QuestionChoice struct {
	ID         string `json:"id" gorm:"primaryKey"`
	QuestionID string `json:"question_id" gorm:"not null;index"`
	Text       string `json:"text" gorm:"type:text;not null"`
	SortOrder  int    `json:"sort_order" gorm:"column:sort_order;default:0"`
	IsCorrect  bool   `json:"-" gorm:"default:false"`
}
