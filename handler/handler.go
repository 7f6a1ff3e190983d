package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"homework-tutor/internal/domain"
	"homework-tutor/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	errorRouteNotFound    = "NOT_FOUND"
	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"

	turnsPath    = "/api/tutor/turns"
	studentsPath = "/api/students/"
	healthPath   = "/health"
)

// TutorUseCase is the application surface exposed over HTTP.
type TutorUseCase interface {
	SubmitTurn(ctx context.Context, in usecase.SubmitTurnInput) (usecase.SubmitTurnOutput, error)
	ListTurns(ctx context.Context, in usecase.ListTurnsInput) ([]domain.Turn, error)
}

type Handler struct {
	uc     TutorUseCase
	logger *slog.Logger
}

func NewHandler(uc TutorUseCase, logger *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uc: uc, logger: logger}, nil
}

type turnRequest struct {
	StudentID      int64           `json:"studentId"`
	HomeworkItemID int64           `json:"homeworkItemId"`
	SessionID      string          `json:"sessionId"`
	PromptText     string          `json:"promptText"`
	Request        *backendRequest `json:"request"`
}

// backendRequest is the caller's backend payload. apiKey and chatHistory are
// accepted but always replaced by the server.
type backendRequest struct {
	APIKey      string               `json:"apiKey"`
	Provider    string               `json:"provider"`
	Model       string               `json:"model"`
	IsChat      *bool                `json:"isChat"`
	ChatHistory []domain.ChatMessage `json:"chatHistory"`
}

func (b *backendRequest) toDomain() *domain.LLMRequest {
	if b == nil {
		return nil
	}
	req := &domain.LLMRequest{
		Provider: strings.TrimSpace(b.Provider),
		Model:    strings.TrimSpace(b.Model),
		IsChat:   true,
	}
	if req.Provider == "" {
		req.Provider = domain.DefaultLLMProvider
	}
	if req.Model == "" {
		req.Model = domain.DefaultLLMModel
	}
	if b.IsChat != nil {
		req.IsChat = *b.IsChat
	}
	return req
}

type turnResponse struct {
	TurnID            int64   `json:"turnId"`
	Success           *bool   `json:"success"`
	AssistantResponse *string `json:"assistantResponse"`
}

type turnView struct {
	ID             int64     `json:"id"`
	StudentID      int64     `json:"studentId"`
	HomeworkItemID int64     `json:"homeworkItemId"`
	SessionID      string    `json:"sessionId"`
	PromptText     string    `json:"promptText"`
	ResponseText   *string   `json:"responseText"`
	CreatedAt      time.Time `json:"createdAt"`
}

type listTurnsResponse struct {
	Turns []turnView `json:"turns"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handle serves API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	body := event.Body
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
				Error:   string(usecase.ErrorInvalidInput),
				Message: "request body is not valid base64",
			}), nil
		}
		body = string(decoded)
	}

	status, payload := h.route(ctx, logger, event.HTTPMethod, event.Path, event.PathParameters, event.QueryStringParameters, []byte(body))
	return jsonResponse(status, correlationID, payload), nil
}

func (h *Handler) route(ctx context.Context, logger *slog.Logger, method, path string, pathParams, query map[string]string, body []byte) (int, interface{}) {
	path = "/" + strings.Trim(path, "/")
	switch {
	case path == healthPath:
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.health()
	case path == turnsPath:
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		return h.submitTurn(ctx, logger, body)
	case strings.HasPrefix(path, studentsPath) && strings.HasSuffix(path, "/prompts"):
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		id := pathParams["id"]
		if id == "" {
			id = strings.TrimSuffix(strings.TrimPrefix(path, studentsPath), "/prompts")
		}
		return h.listTurns(ctx, logger, id, query["homeworkId"])
	default:
		return http.StatusNotFound, errorResponse{Error: errorRouteNotFound, Message: "route not found"}
	}
}

func (h *Handler) health() (int, interface{}) {
	return http.StatusOK, healthResponse{Status: "ok"}
}

func (h *Handler) submitTurn(ctx context.Context, logger *slog.Logger, body []byte) (int, interface{}) {
	var req turnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return http.StatusBadRequest, errorResponse{
			Error:   string(usecase.ErrorInvalidInput),
			Message: "request body must be a JSON object",
		}
	}

	out, err := h.uc.SubmitTurn(ctx, usecase.SubmitTurnInput{
		StudentID:      req.StudentID,
		HomeworkItemID: req.HomeworkItemID,
		SessionID:      req.SessionID,
		PromptText:     req.PromptText,
		Request:        req.Request.toDomain(),
	})
	if err != nil {
		return errorResult(logger, err)
	}
	return http.StatusOK, turnResponse{
		TurnID:            out.TurnID,
		Success:           out.Response.Success,
		AssistantResponse: out.Response.AssistantResponse,
	}
}

func (h *Handler) listTurns(ctx context.Context, logger *slog.Logger, rawStudentID, rawHomeworkID string) (int, interface{}) {
	studentID, err := strconv.ParseInt(strings.TrimSpace(rawStudentID), 10, 64)
	if err != nil {
		return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "student id must be an integer"}
	}
	in := usecase.ListTurnsInput{StudentID: studentID}
	if raw := strings.TrimSpace(rawHomeworkID); raw != "" {
		hid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "homeworkId must be an integer"}
		}
		in.HomeworkItemID = &hid
	}

	turns, err := h.uc.ListTurns(ctx, in)
	if err != nil {
		return errorResult(logger, err)
	}
	resp := listTurnsResponse{Turns: make([]turnView, 0, len(turns))}
	for _, t := range turns {
		resp.Turns = append(resp.Turns, turnView{
			ID:             t.ID,
			StudentID:      t.StudentID,
			HomeworkItemID: t.HomeworkItemID,
			SessionID:      t.SessionID,
			PromptText:     t.PromptText,
			ResponseText:   t.ResponseText,
			CreatedAt:      t.CreatedAt,
		})
	}
	return http.StatusOK, resp
}

func errorResult(logger *slog.Logger, err error) (int, interface{}) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		logger.Error("unexpected use case error", "err", err)
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	status := ue.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", ue.Code, "reason", ue.Reason, "status", status, "err", ue.Err)
	} else {
		logger.Warn("request rejected", "code", ue.Code, "reason", ue.Reason, "status", status)
	}
	return status, errorResponse{Error: string(ue.Code), Message: ue.Message}
}

func methodNotAllowed() (int, interface{}) {
	return http.StatusMethodNotAllowed, errorResponse{Error: errorMethodNotAllowed}
}

func jsonResponse(status int, correlationID string, payload interface{}) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
