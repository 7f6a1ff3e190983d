package usecase

import (
	"context"
	"fmt"
	"sync"

	"homework-tutor/internal/domain"
)

type fakeStudents struct {
	profiles  map[int64]domain.StudentProfile
	homework  map[int64]bool
	err       error
	lookupErr error
}

func (f *fakeStudents) GetStudentProfile(_ context.Context, id int64) (domain.StudentProfile, error) {
	if f.err != nil {
		return domain.StudentProfile{}, f.err
	}
	p, ok := f.profiles[id]
	if !ok {
		return domain.StudentProfile{}, fmt.Errorf("student %d: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStudents) HomeworkItemExists(_ context.Context, id int64) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.homework[id], nil
}

// fakeTurns is an in-memory TurnStore that enforces write-once responses.
type fakeTurns struct {
	mu          sync.Mutex
	nextID      int64
	turns       []domain.Turn
	creates     int
	completes   int
	createErr   error
	completeErr error
	listErr     error
}

func (f *fakeTurns) CreateTurn(_ context.Context, t domain.Turn) (domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.Turn{}, f.createErr
	}
	f.creates++
	f.nextID++
	t.ID = f.nextID
	t.ResponseText = nil
	f.turns = append(f.turns, t)
	return t, nil
}

func (f *fakeTurns) CompleteTurn(ctx context.Context, t domain.Turn, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.completeErr != nil {
		return f.completeErr
	}
	for i := range f.turns {
		if f.turns[i].ID != t.ID {
			continue
		}
		if f.turns[i].ResponseText != nil {
			return domain.ErrResponseAlreadySet
		}
		f.completes++
		f.turns[i].ResponseText = &text
		return nil
	}
	return domain.ErrNotFound
}

func (f *fakeTurns) ListSessionTurns(_ context.Context, key domain.SessionKey) ([]domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Turn
	for _, t := range f.turns {
		if t.Key() == key {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTurns) ListStudentTurns(_ context.Context, studentID int64, homeworkItemID *int64) ([]domain.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Turn
	for _, t := range f.turns {
		if t.StudentID != studentID {
			continue
		}
		if homeworkItemID != nil && t.HomeworkItemID != *homeworkItemID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTurns) get(id int64) domain.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.turns {
		if t.ID == id {
			return t
		}
	}
	return domain.Turn{}
}

func (f *fakeTurns) last() domain.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[len(f.turns)-1]
}

type fakeSettings struct {
	values map[string]string
	err    error
}

func (f *fakeSettings) Lookup(_ context.Context, name string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[name]
	return v, ok, nil
}

type fakeLLM struct {
	resp     domain.LLMResponse
	err      error
	calls    int
	endpoint string
	req      domain.LLMRequest
	prompt   string
	onSend   func(ctx context.Context) error
}

func (f *fakeLLM) Send(ctx context.Context, endpoint string, req domain.LLMRequest, prompt string) (domain.LLMResponse, error) {
	f.calls++
	if f.onSend != nil {
		if err := f.onSend(ctx); err != nil {
			return domain.LLMResponse{}, err
		}
	}
	f.endpoint = endpoint
	f.req = req
	f.prompt = prompt
	return f.resp, f.err
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
