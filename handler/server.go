package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"homework-tutor/internal/usecase"
)

const maxBodyBytes = 1 << 20

// NewHTTPHandler exposes the same routes as Handle on a net/http mux, wrapped
// in correlation, recovery and CORS middleware.
func (h *Handler) NewHTTPHandler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+healthPath, func(w http.ResponseWriter, r *http.Request) {
		status, payload := h.health()
		respondJSON(w, status, payload)
	})
	mux.HandleFunc("POST "+turnsPath, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "request body too large"})
			return
		}
		status, payload := h.submitTurn(r.Context(), h.requestLogger(r), body)
		respondJSON(w, status, payload)
	})
	mux.HandleFunc("GET "+studentsPath+"{id}/prompts", func(w http.ResponseWriter, r *http.Request) {
		status, payload := h.listTurns(r.Context(), h.requestLogger(r), r.PathValue("id"), r.URL.Query().Get("homeworkId"))
		respondJSON(w, status, payload)
	})

	var handler http.Handler = mux
	handler = recovery(h.logger)(handler)
	handler = correlation(handler)
	handler = cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", correlationHeader},
		ExposedHeaders: []string{correlationHeader},
	}).Handler(handler)
	return handler
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("correlation_id", r.Header.Get(correlationHeader), "method", r.Method, "path", r.URL.Path)
}

// correlation ensures every request and response carries a correlation id.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(correlationHeader, id)
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r)
	})
}

// recovery recovers from panics and returns a 500 error
func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"path", r.URL.Path,
						"method", r.Method,
						"stack", string(debug.Stack()),
					)
					respondJSON(w, http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// respondJSON marshals first so an encoding failure never leaves a partial body.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
