package models

import (
	"time"
)

// Matchmaking modes
const (
	ModeFriendInvite = "friend_invite"
	ModeRandomFree   = "random_free"
	ModeRandomLevel  = "random_level"
)

// Duel statuses
const (
	DuelPendingOpener = "pending_opener"
	DuelInProgress    = "in_progress"
	DuelCompleted     = "completed"
	DuelCancelled     = "cancelled"
	DuelExpired       = "expired"
)

// Win reasons
const (
	WinReasonScore         = "score"
	WinReasonTieBreakSpeed = "tie_break_speed"
	WinReasonForfeit       = "forfeit"
	WinReasonTimeout       = "timeout"
)

// Duel is one best-of-5 quiz match between exactly two users.
type Duel struct {
	ID              string `json:"id" gorm:"primaryKey"`
	Player1ID       string `json:"player1_id" gorm:"not null;index"`
	Player2ID       string `json:"player2_id" gorm:"not null;index"`
	MatchmakingMode string `json:"matchmaking_mode" gorm:"type:varchar(16);not null"`
	Status          string `json:"status" gorm:"type:varchar(16);not null;default:'pending_opener';index"`

	StarterUserID     string `json:"starter_user_id,omitempty"`
	CurrentTurnUserID string `json:"current_turn_user_id,omitempty"`
	CurrentRoundNo    int    `json:"current_round_no" gorm:"default:0"`

	Player1Score int `json:"player1_score" gorm:"default:0"`
	Player2Score int `json:"player2_score" gorm:"default:0"`

	// Non-null exactly while a player is on the clock.
	TurnDeadlineAt *time.Time `json:"turn_deadline_at,omitempty" gorm:"index"`

	TieBreakPlayed bool   `json:"tie_break_played" gorm:"default:false"`
	WinnerUserID   string `json:"winner_user_id,omitempty"`
	WinReason      string `json:"win_reason,omitempty" gorm:"type:varchar(16)"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`

	// Relationships
	Opener *DuelOpener `json:"opener,omitempty" gorm:"foreignKey:DuelID"`
	Rounds []DuelRound `json:"rounds,omitempty" gorm:"foreignKey:DuelID"`
}

// IsPlayer reports whether userID is one of the two duel players.
func (d *Duel) IsPlayer(userID string) bool {
	return userID == d.Player1ID || userID == d.Player2ID
}

// OpponentOf returns the other player's id. Callers must check IsPlayer first.
func (d *Duel) OpponentOf(userID string) string {
	if userID == d.Player1ID {
		return d.Player2ID
	}
	return d.Player1ID
}

// IsTerminal reports whether no further state transitions are possible.
func (d *Duel) IsTerminal() bool {
	return d.Status == DuelCompleted || d.Status == DuelCancelled || d.Status == DuelExpired
}

// Opener winner decisions
const (
	DecisionTakeHand  = "take_hand"
	DecisionLeaveHand = "leave_hand"
)

// DuelOpener is the shared tie-break question deciding who picks the starter,
// 1:1 with its duel. Each player answers once; the answer fields are immutable
// after being set and never serialized: a player polling the duel must not
// learn what the opponent picked or whether it was right before answering.
type DuelOpener struct {
	ID         string `json:"id" gorm:"primaryKey"`
	DuelID     string `json:"duel_id" gorm:"not null;uniqueIndex"`
	QuestionID string `json:"question_id" gorm:"not null"`

	Player1ChoiceID       string `json:"-"`
	Player1Correct        *bool  `json:"-"`
	Player1ResponseTimeMs int    `json:"-"`
	Player2ChoiceID       string `json:"-"`
	Player2Correct        *bool  `json:"-"`
	Player2ResponseTimeMs int    `json:"-"`

	WinnerUserID   string `json:"winner_user_id,omitempty"`
	WinnerDecision string `json:"winner_decision,omitempty" gorm:"type:varchar(16)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// HasAnswered reports whether the given side (1 or 2) already answered.
func (o *DuelOpener) HasAnswered(side int) bool {
	if side == 1 {
		return o.Player1Correct != nil
	}
	return o.Player2Correct != nil
}

// Round statuses
const (
	RoundAwaitingChoice = "awaiting_choice"
	RoundPlayer1Turn    = "player1_turn"
	RoundPlayer2Turn    = "player2_turn"
	RoundCompleted      = "completed"
	RoundScoredZero     = "scored_zero"
)

// SlotsPerRound is the number of questions each player answers per round.
const SlotsPerRound = 3

// RoundsPerDuel is the number of subject rounds in a duel.
const RoundsPerDuel = 5

// DuelRound is one of 5 subject-scoped rounds within a duel.
type DuelRound struct {
	ID      string `json:"id" gorm:"primaryKey"`
	DuelID  string `json:"duel_id" gorm:"not null;uniqueIndex:idx_duel_round_no"`
	RoundNo int    `json:"round_no" gorm:"not null;uniqueIndex:idx_duel_round_no"`

	// Exactly three distinct active subject ids offered for this round.
	OfferedSubject1ID string `json:"offered_subject1_id" gorm:"not null"`
	OfferedSubject2ID string `json:"offered_subject2_id" gorm:"not null"`
	OfferedSubject3ID string `json:"offered_subject3_id" gorm:"not null"`

	ChosenSubjectID string `json:"chosen_subject_id,omitempty"`
	ChosenByUserID  string `json:"chosen_by_user_id,omitempty"`

	Status string `json:"status" gorm:"type:varchar(16);not null;default:'awaiting_choice'"`

	Player1DoneAt *time.Time `json:"player1_done_at,omitempty"`
	Player2DoneAt *time.Time `json:"player2_done_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Questions []DuelRoundQuestion `json:"questions,omitempty" gorm:"foreignKey:RoundID"`
	Answers   []DuelAnswer        `json:"answers,omitempty" gorm:"foreignKey:RoundID"`
}

// OfferedSubjectIDs returns the three offered subject ids as a slice.
func (r *DuelRound) OfferedSubjectIDs() []string {
	return []string{r.OfferedSubject1ID, r.OfferedSubject2ID, r.OfferedSubject3ID}
}

// IsOffered reports whether subjectID is one of the round's offered subjects.
func (r *DuelRound) IsOffered(subjectID string) bool {
	return subjectID == r.OfferedSubject1ID || subjectID == r.OfferedSubject2ID || subjectID == r.OfferedSubject3ID
}

// DoneFor reports whether the given user finished the round.
func (r *DuelRound) DoneFor(userID string, d *Duel) bool {
	if userID == d.Player1ID {
		return r.Player1DoneAt != nil
	}
	return r.Player2DoneAt != nil
}

// DuelRoundQuestion assigns one question to one player for one slot of a
// round. Both players' assignments for the same slot share DifficultySnapshot;
// the question ids generally differ. At most one row per (round, user, slot).
type DuelRoundQuestion struct {
	ID      string `json:"id" gorm:"primaryKey"`
	RoundID string `json:"round_id" gorm:"not null;uniqueIndex:idx_round_user_slot"`
	UserID  string `json:"user_id" gorm:"not null;uniqueIndex:idx_round_user_slot"`
	SlotNo  int    `json:"slot_no" gorm:"not null;uniqueIndex:idx_round_user_slot"`

	QuestionID         string    `json:"question_id" gorm:"not null"`
	DifficultySnapshot int       `json:"difficulty_snapshot" gorm:"not null"`
	CreatedAt          time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// DuelAnswer is the immutable record of one submitted answer. Insertion is the
// only mutation; the unique index rejects a second answer for the same slot.
type DuelAnswer struct {
	ID      string `json:"id" gorm:"primaryKey"`
	DuelID  string `json:"duel_id" gorm:"not null;index"`
	RoundID string `json:"round_id" gorm:"not null;uniqueIndex:idx_answer_round_user_slot"`
	UserID  string `json:"user_id" gorm:"not null;uniqueIndex:idx_answer_round_user_slot"`
	SlotNo  int    `json:"slot_no" gorm:"not null;uniqueIndex:idx_answer_round_user_slot"`

	QuestionID       string    `json:"question_id" gorm:"not null"`
	SelectedChoiceID string    `json:"selected_choice_id" gorm:"not null"`
	IsCorrect        bool      `json:"is_correct"`
	ResponseTimeMs   int       `json:"response_time_ms" gorm:"default:0"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// Joker statuses
const (
	JokerPending  = "pending"
	JokerGranted  = "granted"
	JokerRejected = "rejected"
	JokerExpired  = "expired"
)

// DuelJoker is a one-time deadline-extension request. The unique index caps
// each player at a single lifetime joker per duel, whatever its outcome.
type DuelJoker struct {
	ID                string `json:"id" gorm:"primaryKey"`
	DuelID            string `json:"duel_id" gorm:"not null;uniqueIndex:idx_duel_joker_requester"`
	RequestedByUserID string `json:"requested_by_user_id" gorm:"not null;uniqueIndex:idx_duel_joker_requester"`
	GrantedByUserID   string `json:"granted_by_user_id" gorm:"not null"`

	Status        string     `json:"status" gorm:"type:varchar(16);not null;default:'pending'"`
	OldDeadlineAt *time.Time `json:"old_deadline_at,omitempty"`
	NewDeadlineAt *time.Time `json:"new_deadline_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
