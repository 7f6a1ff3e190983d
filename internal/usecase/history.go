package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"homework-tutor/internal/domain"
)

// TurnReader lists the turns recorded for one session.
type TurnReader interface {
	ListSessionTurns(ctx context.Context, key domain.SessionKey) ([]domain.Turn, error)
}

// HistoryLoader rebuilds a session's chat history from persisted turns on
// every call. There is no cache and no in-process session object.
type HistoryLoader struct {
	turns TurnReader
}

func NewHistoryLoader(turns TurnReader) (*HistoryLoader, error) {
	if turns == nil {
		return nil, errors.New("usecase: turn reader must not be nil")
	}
	return &HistoryLoader{turns: turns}, nil
}

// Load returns the session's prior turns as user/assistant messages, oldest
// first, leaving out the turn identified by excludeID.
func (l *HistoryLoader) Load(ctx context.Context, key domain.SessionKey, excludeID int64) ([]domain.ChatMessage, error) {
	turns, err := l.turns.ListSessionTurns(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("usecase: list session turns: %w", err)
	}
	sortTurns(turns)

	msgs := make([]domain.ChatMessage, 0, len(turns)*2)
	for _, t := range turns {
		if t.ID == excludeID {
			continue
		}
		msgs = append(msgs, turnToMessages(t)...)
	}
	return msgs, nil
}

// sortTurns orders by creation time, breaking ties by insertion id.
func sortTurns(turns []domain.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		if !turns[i].CreatedAt.Equal(turns[j].CreatedAt) {
			return turns[i].CreatedAt.Before(turns[j].CreatedAt)
		}
		return turns[i].ID < turns[j].ID
	})
}

func turnToMessages(t domain.Turn) []domain.ChatMessage {
	msgs := []domain.ChatMessage{{Role: domain.RoleUser, Content: t.PromptText}}
	if t.ResponseText != nil && strings.TrimSpace(*t.ResponseText) != "" {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleAssistant, Content: *t.ResponseText})
	}
	return msgs
}
