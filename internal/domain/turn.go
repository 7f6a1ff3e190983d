package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by stores when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrResponseAlreadySet is returned when a Turn's response was already written.
	ErrResponseAlreadySet = errors.New("turn response already set")
)

// SessionKey scopes one logical conversation.
type SessionKey struct {
	StudentID      int64
	HomeworkItemID int64
	SessionID      string
}

// Turn is a single persisted student prompt and its terminal response.
// ResponseText stays nil until the turn reaches a terminal state.
type Turn struct {
	ID             int64
	StudentID      int64
	HomeworkItemID int64
	SessionID      string
	PromptText     string
	ResponseText   *string
	CreatedAt      time.Time
}

// Key returns the session the turn belongs to.
func (t Turn) Key() SessionKey {
	return SessionKey{StudentID: t.StudentID, HomeworkItemID: t.HomeworkItemID, SessionID: t.SessionID}
}

// Condition is a named learning condition attached to a student, with an
// optional per-student comment.
type Condition struct {
	Name     string
	Comments string
}

// StudentProfile is the read-only view of a student used to ground prompts.
type StudentProfile struct {
	ID         int64
	FirstName  string
	LastName   string
	Details    string
	Conditions []Condition
}

// DisplayName joins first and last name the way the tutor addresses the student.
func (p StudentProfile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}
