package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"homework-tutor/internal/domain"
	"homework-tutor/internal/usecase"
)

type stubUseCase struct {
	out     usecase.SubmitTurnOutput
	err     error
	in      usecase.SubmitTurnInput
	calls   int
	turns   []domain.Turn
	listIn  usecase.ListTurnsInput
	listErr error
}

func (s *stubUseCase) SubmitTurn(_ context.Context, in usecase.SubmitTurnInput) (usecase.SubmitTurnOutput, error) {
	s.calls++
	s.in = in
	return s.out, s.err
}

func (s *stubUseCase) ListTurns(_ context.Context, in usecase.ListTurnsInput) ([]domain.Turn, error) {
	s.listIn = in
	return s.turns, s.listErr
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/api/tutor/turns",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func mustNewHandler(t *testing.T, uc TutorUseCase) *Handler {
	t.Helper()
	h, err := NewHandler(uc, nil)
	require.NoError(t, err)
	return h
}

const validBody = `{"studentId":1,"homeworkItemId":10,"sessionId":"s-1","promptText":"What is 2+2?",
	"request":{"apiKey":"caller","provider":"anthropic","model":"claude","isChat":false,"chatHistory":[{"role":"user","content":"x"}]}}`

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	answer := "Try counting."
	ok := true
	uc := &stubUseCase{out: usecase.SubmitTurnOutput{TurnID: 7, Response: domain.LLMResponse{Success: &ok, AssistantResponse: &answer}}}
	h := mustNewHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(validBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.SubmitTurnInput{
		StudentID:      1,
		HomeworkItemID: 10,
		SessionID:      "s-1",
		PromptText:     "What is 2+2?",
		Request:        &domain.LLMRequest{Provider: "anthropic", Model: "claude", IsChat: false},
	}, uc.in)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, int64(7), out.TurnID)
	require.Equal(t, "Try counting.", *out.AssistantResponse)
	require.True(t, *out.Success)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_RequestDefaults(t *testing.T) {
	uc := &stubUseCase{}
	h := mustNewHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"studentId":1,"homeworkItemId":10,"promptText":"hi","request":{}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, &domain.LLMRequest{Provider: domain.DefaultLLMProvider, Model: domain.DefaultLLMModel, IsChat: true}, uc.in.Request)

	out := parseBody[map[string]interface{}](t, resp.Body)
	require.Contains(t, out, "assistantResponse")
	require.Nil(t, out["assistantResponse"])
}

func TestHandle_MissingPayloadPassedThrough(t *testing.T) {
	uc := &stubUseCase{}
	h := mustNewHandler(t, uc)

	_, err := h.Handle(context.Background(), makeEvent(`{"studentId":1,"homeworkItemId":10,"promptText":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, 1, uc.calls)
	require.Nil(t, uc.in.Request)
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h := mustNewHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, uc.calls)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_Base64Body(t *testing.T) {
	uc := &stubUseCase{}
	h := mustNewHandler(t, uc)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte(validBody)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "What is 2+2?", uc.in.PromptText)

	event.Body = "%%%"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Status: 404, Message: "Student or homework item not found."}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound), message: "Student or homework item not found."},
		{name: "config missing", err: &usecase.Error{Code: usecase.ErrorConfigurationMissing, Status: 500, Message: "Student base prompt is not configured."}, status: http.StatusInternalServerError, code: string(usecase.ErrorConfigurationMissing), message: "Student base prompt is not configured."},
		{name: "bad request", err: &usecase.Error{Code: usecase.ErrorBadRequest, Status: 400, Message: "LLM request payload is missing."}, status: http.StatusBadRequest, code: string(usecase.ErrorBadRequest), message: "LLM request payload is missing."},
		{name: "upstream forwarded", err: &usecase.Error{Code: usecase.ErrorUpstream, Status: 503, Message: "LLM API call failed."}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorUpstream), message: "LLM API call failed."},
		{name: "invalid upstream", err: &usecase.Error{Code: usecase.ErrorUpstreamInvalidResponse, Status: 502, Message: "Invalid response from LLM API."}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstreamInvalidResponse), message: "Invalid response from LLM API."},
		{name: "no status", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "turn_create_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h := mustNewHandler(t, uc)

			resp, err := h.Handle(context.Background(), makeEvent(validBody))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.Equal(t, tc.message, out.Message)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := mustNewHandler(t, &stubUseCase{})

	event := makeEvent(validBody)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_ListTurns(t *testing.T) {
	resp1 := "4"
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	uc := &stubUseCase{turns: []domain.Turn{
		{ID: 2, StudentID: 1, HomeworkItemID: 10, PromptText: "q2", CreatedAt: at.Add(time.Minute)},
		{ID: 1, StudentID: 1, HomeworkItemID: 10, PromptText: "q1", ResponseText: &resp1, CreatedAt: at},
	}}
	h := mustNewHandler(t, uc)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/api/students/1/prompts",
		QueryStringParameters: map[string]string{"homeworkId": "10"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(1), uc.listIn.StudentID)
	require.Equal(t, int64(10), *uc.listIn.HomeworkItemID)

	out := parseBody[listTurnsResponse](t, resp.Body)
	require.Len(t, out.Turns, 2)
	require.Equal(t, int64(2), out.Turns[0].ID)
	require.Nil(t, out.Turns[0].ResponseText)
	require.Equal(t, "4", *out.Turns[1].ResponseText)
}

func TestHandle_ListTurnsBadParams(t *testing.T) {
	h := mustNewHandler(t, &stubUseCase{})
	for _, ev := range []events.APIGatewayProxyRequest{
		{HTTPMethod: http.MethodGet, Path: "/api/students/abc/prompts"},
		{HTTPMethod: http.MethodGet, Path: "/api/students/1/prompts", QueryStringParameters: map[string]string{"homeworkId": "x"}},
	} {
		resp, err := h.Handle(context.Background(), ev)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestHandle_Routing(t *testing.T) {
	h := mustNewHandler(t, &stubUseCase{})

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/health"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", parseBody[healthResponse](t, resp.Body).Status)

	resp, err = h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/api/tutor/turns"})
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, errorMethodNotAllowed, parseBody[errorResponse](t, resp.Body).Error)

	resp, err = h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/nope"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, errorRouteNotFound, parseBody[errorResponse](t, resp.Body).Error)
}
