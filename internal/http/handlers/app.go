package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"visualgen/internal/assets"
	"visualgen/internal/domain"
	"visualgen/internal/infra"
	"visualgen/internal/tracker"
)

// Sessions is the part of session.Manager the gateway drives.
type Sessions interface {
	Start(ctx context.Context, req domain.SubmitRequest, obs tracker.Observer) (domain.GenerationJob, error)
	Attach(ctx context.Context, jobID string, obs tracker.Observer) (domain.GenerationJob, error)
	Get(jobID string) (domain.GenerationJob, error)
	Retry(ctx context.Context, jobID, itemType string) (domain.GenerationJob, error)
	Cancel(jobID string)
}

type App struct {
	Sessions Sessions
	Exporter *assets.Exporter
	Sink     assets.Sink
	Logger   *infra.Logger
}

func NewApp(sessions Sessions, exporter *assets.Exporter, sink assets.Sink, logger *infra.Logger) *App {
	return &App{Sessions: sessions, Exporter: exporter, Sink: sink, Logger: infra.OrDiscard(logger)}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errorDetail{Code: errCode, Message: message}})
}

func (a *App) log() *infra.Logger {
	return infra.OrDiscard(a.Logger)
}
