package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"homework-tutor/internal/domain"
)

const (
	defaultMaxPromptLen    = 2000
	defaultMaxResponseLen  = 4000
	defaultMaxSessionIDLen = 100

	// terminalWriteTimeout bounds the write that records a turn's outcome,
	// which runs even after the request context is done.
	terminalWriteTimeout = 10 * time.Second

	EndpointConfigName   = "LLMApi:Url"
	CredentialConfigName = "LLMApi:ApiKey"
)

const (
	msgEndpointMissing   = "LLM API URL is not configured."
	msgCredentialMissing = "LLM API key is not configured."
	msgPayloadMissing    = "LLM request payload is missing."
	msgSettingsFailed    = "LLM API configuration could not be loaded."
	msgPromptFailed      = "Student base prompt could not be loaded."
	msgHistoryFailed     = "Conversation history could not be loaded."
	msgCallFailed        = "LLM API call failed."
	msgInvalidResponse   = "Invalid response from LLM API."
	msgNotFound          = "Student or homework item not found."
)

// StudentDirectory is the read-only view of students and homework items.
type StudentDirectory interface {
	GetStudentProfile(ctx context.Context, studentID int64) (domain.StudentProfile, error)
	HomeworkItemExists(ctx context.Context, homeworkItemID int64) (bool, error)
}

// TurnStore persists turns. CompleteTurn must refuse to overwrite a response
// that was already written.
type TurnStore interface {
	TurnReader
	CreateTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error)
	CompleteTurn(ctx context.Context, turn domain.Turn, responseText string) error
	ListStudentTurns(ctx context.Context, studentID int64, homeworkItemID *int64) ([]domain.Turn, error)
}

// LLMClient issues the single outbound call for a turn. prompt is the live
// user input and is sent after req.ChatHistory.
type LLMClient interface {
	Send(ctx context.Context, endpoint string, req domain.LLMRequest, prompt string) (domain.LLMResponse, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Limits bounds the stored text fields. Zero values fall back to defaults.
type Limits struct {
	MaxPromptLen    int
	MaxResponseLen  int
	MaxSessionIDLen int
}

func (l Limits) withDefaults() Limits {
	if l.MaxPromptLen <= 0 {
		l.MaxPromptLen = defaultMaxPromptLen
	}
	if l.MaxResponseLen <= 0 {
		l.MaxResponseLen = defaultMaxResponseLen
	}
	if l.MaxSessionIDLen <= 0 {
		l.MaxSessionIDLen = defaultMaxSessionIDLen
	}
	return l
}

type TutorService struct {
	students StudentDirectory
	turns    TurnStore
	settings ConfigStore
	prompts  *PromptResolver
	history  *HistoryLoader
	llm      LLMClient
	limits   Limits
	logger   *slog.Logger
}

type SubmitTurnInput struct {
	StudentID      int64
	HomeworkItemID int64
	SessionID      string
	PromptText     string
	Request        *domain.LLMRequest
}

type SubmitTurnOutput struct {
	TurnID   int64
	Response domain.LLMResponse
}

func (in SubmitTurnInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.StudentID, validation.Required, validation.Min(int64(1))),
		validation.Field(&in.HomeworkItemID, validation.Required, validation.Min(int64(1))),
		validation.Field(&in.PromptText, validation.Required, validation.By(notBlank)),
	)
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

func NewTutorService(
	students StudentDirectory,
	turns TurnStore,
	settings ConfigStore,
	prompts *PromptResolver,
	llm LLMClient,
	limits Limits,
	logger *slog.Logger,
) (*TutorService, error) {
	if students == nil {
		return nil, errors.New("usecase: student directory must not be nil")
	}
	if turns == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if settings == nil {
		return nil, errors.New("usecase: settings store must not be nil")
	}
	if prompts == nil {
		return nil, errors.New("usecase: prompt resolver must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	history, err := NewHistoryLoader(turns)
	if err != nil {
		return nil, err
	}
	return &TutorService{
		students: students,
		turns:    turns,
		settings: settings,
		prompts:  prompts,
		history:  history,
		llm:      llm,
		limits:   limits.withDefaults(),
		logger:   logger,
	}, nil
}

// SubmitTurn records the student's prompt, asks the backend for a reply and
// writes the outcome back onto the same turn. Once the turn is persisted every
// failure is recorded on it and returned as an *Error; nothing is retried.
func (s *TutorService) SubmitTurn(ctx context.Context, in SubmitTurnInput) (SubmitTurnOutput, error) {
	if err := in.Validate(); err != nil {
		e := newError(ErrorInvalidInput, "invalid_turn", err)
		e.Message = err.Error()
		return SubmitTurnOutput{}, e
	}

	profile, err := s.students.GetStudentProfile(ctx, in.StudentID)
	if errors.Is(err, domain.ErrNotFound) {
		return SubmitTurnOutput{}, newFailure(ErrorNotFound, "student_not_found", msgNotFound, http.StatusNotFound, err)
	}
	if err != nil {
		return SubmitTurnOutput{}, newError(ErrorInternal, "student_lookup_error", err)
	}
	exists, err := s.students.HomeworkItemExists(ctx, in.HomeworkItemID)
	if err != nil {
		return SubmitTurnOutput{}, newError(ErrorInternal, "homework_lookup_error", err)
	}
	if !exists {
		return SubmitTurnOutput{}, newFailure(ErrorNotFound, "homework_not_found", msgNotFound, http.StatusNotFound, nil)
	}

	turn, err := s.turns.CreateTurn(ctx, domain.Turn{
		StudentID:      in.StudentID,
		HomeworkItemID: in.HomeworkItemID,
		SessionID:      truncate(in.SessionID, s.limits.MaxSessionIDLen),
		PromptText:     truncate(in.PromptText, s.limits.MaxPromptLen),
		CreatedAt:      nowFunc().UTC(),
	})
	if err != nil {
		return SubmitTurnOutput{}, newError(ErrorInternal, "turn_create_error", err)
	}

	endpoint, failure := s.requireSetting(ctx, EndpointConfigName, "llm_endpoint_missing", msgEndpointMissing)
	if failure != nil {
		return s.fail(ctx, turn, failure)
	}
	apiKey, failure := s.requireSetting(ctx, CredentialConfigName, "llm_credential_missing", msgCredentialMissing)
	if failure != nil {
		return s.fail(ctx, turn, failure)
	}
	if in.Request == nil {
		return s.fail(ctx, turn, newFailure(ErrorBadRequest, "llm_request_missing", msgPayloadMissing, http.StatusBadRequest, nil))
	}

	systemPrompt, err := s.prompts.Resolve(ctx, profile.DisplayName(), BuildConditionsDigest(profile))
	if err != nil {
		if errors.Is(err, ErrConfigurationMissing) {
			return s.fail(ctx, turn, newFailure(ErrorConfigurationMissing, "base_prompt_missing", err.Error(), http.StatusInternalServerError, err))
		}
		return s.fail(ctx, turn, newFailure(ErrorInternal, "prompt_template_error", msgPromptFailed, http.StatusInternalServerError, err))
	}

	history, err := s.history.Load(ctx, turn.Key(), turn.ID)
	if err != nil {
		return s.fail(ctx, turn, newFailure(ErrorInternal, "history_error", msgHistoryFailed, http.StatusInternalServerError, err))
	}

	req := *in.Request
	req.APIKey = apiKey
	req.ChatHistory = buildChatHistory(systemPrompt, history)

	resp, err := s.llm.Send(ctx, endpoint, req, turn.PromptText)
	if err != nil {
		return s.fail(ctx, turn, classifyUpstreamError(err))
	}

	if err := s.complete(ctx, turn, resp.Answer()); err != nil {
		return SubmitTurnOutput{}, newError(ErrorInternal, "turn_complete_error", err)
	}
	s.logger.InfoContext(ctx, "turn completed",
		"turn_id", turn.ID,
		"student_id", turn.StudentID,
		"homework_item_id", turn.HomeworkItemID,
		"session_id", turn.SessionID,
		"history_messages", len(history),
	)
	return SubmitTurnOutput{TurnID: turn.ID, Response: resp}, nil
}

type ListTurnsInput struct {
	StudentID      int64
	HomeworkItemID *int64
}

// ListTurns returns a student's recorded turns, newest first, optionally
// limited to one homework item.
func (s *TutorService) ListTurns(ctx context.Context, in ListTurnsInput) ([]domain.Turn, error) {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.StudentID, validation.Required, validation.Min(int64(1))),
		validation.Field(&in.HomeworkItemID, validation.NilOrNotEmpty, validation.Min(int64(1))),
	)
	if err != nil {
		e := newError(ErrorInvalidInput, "invalid_turn_filter", err)
		e.Message = err.Error()
		return nil, e
	}
	turns, err := s.turns.ListStudentTurns(ctx, in.StudentID, in.HomeworkItemID)
	if err != nil {
		return nil, newError(ErrorInternal, "turn_list_error", err)
	}
	sortTurns(turns)
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *TutorService) requireSetting(ctx context.Context, name, reason, missingMsg string) (string, *Error) {
	v, ok, err := s.settings.Lookup(ctx, name)
	if err != nil {
		return "", newFailure(ErrorInternal, reason, msgSettingsFailed, http.StatusInternalServerError, fmt.Errorf("usecase: load %s: %w", name, err))
	}
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", newFailure(ErrorConfigurationMissing, reason, missingMsg, http.StatusInternalServerError, missingConfig(missingMsg))
	}
	return v, nil
}

// fail records the failure text as the turn's terminal response and returns
// the failure. If that write fails the caller gets an internal error instead.
func (s *TutorService) fail(ctx context.Context, turn domain.Turn, failure *Error) (SubmitTurnOutput, error) {
	if err := s.complete(ctx, turn, failure.Message); err != nil {
		return SubmitTurnOutput{}, newError(ErrorInternal, "turn_complete_error", errors.Join(failure, err))
	}
	s.logger.WarnContext(ctx, "turn failed",
		"turn_id", turn.ID,
		"student_id", turn.StudentID,
		"homework_item_id", turn.HomeworkItemID,
		"session_id", turn.SessionID,
		"code", failure.Code,
		"reason", failure.Reason,
		"status", failure.Status,
		"err", failure.Err,
	)
	return SubmitTurnOutput{}, failure
}

func (s *TutorService) complete(ctx context.Context, turn domain.Turn, text string) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := s.turns.CompleteTurn(wctx, turn, truncate(text, s.limits.MaxResponseLen)); err != nil {
		s.logger.ErrorContext(ctx, "failed to record turn response", "turn_id", turn.ID, "err", err)
		return err
	}
	return nil
}

func buildChatHistory(systemPrompt string, history []domain.ChatMessage) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: systemPrompt})
	return append(msgs, history...)
}

func classifyUpstreamError(err error) *Error {
	if errors.Is(err, domain.ErrInvalidLLMResponse) {
		return newFailure(ErrorUpstreamInvalidResponse, "llm_invalid_response", msgInvalidResponse, http.StatusBadGateway, err)
	}
	if status, ok := upstreamStatusCode(err); ok {
		return newFailure(ErrorUpstream, "llm_call_failed", msgCallFailed, status, err)
	}
	return newFailure(ErrorUpstream, "llm_transport_error", msgCallFailed, http.StatusBadGateway, err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// truncate trims surrounding whitespace and cuts s to at most max characters.
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

var nowFunc = time.Now
