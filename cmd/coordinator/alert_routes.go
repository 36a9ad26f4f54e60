package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/solacemind/coordination-core/internal/crisis"
)

// alertTransitions — срез crisis-машины для операционного workflow алертов.
type alertTransitions interface {
	Acknowledge(ctx context.Context, alertID, agentID string) error
	Resolve(ctx context.Context, alertID string) error
	Escalate(ctx context.Context, alertID string) error
}

// mountAlertRoutes открывает responder-ам переходы алертов: каждый алерт
// обязан дойти до resolved/escalated явным переходом, watchdog-тревога —
// это отказ, а не способ закрытия.
func mountAlertRoutes(r chi.Router, engine alertTransitions) {
	r.Post("/v1/alerts/{alertID}/ack", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			AgentID string `json:"agent_id"`
		}
		json.NewDecoder(req.Body).Decode(&in) // Пустое тело допустимо
		writeTransition(w, engine.Acknowledge(req.Context(), chi.URLParam(req, "alertID"), in.AgentID))
	})
	r.Post("/v1/alerts/{alertID}/resolve", func(w http.ResponseWriter, req *http.Request) {
		writeTransition(w, engine.Resolve(req.Context(), chi.URLParam(req, "alertID")))
	})
	r.Post("/v1/alerts/{alertID}/escalate", func(w http.ResponseWriter, req *http.Request) {
		writeTransition(w, engine.Escalate(req.Context(), chi.URLParam(req, "alertID")))
	})
}

func writeTransition(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, crisis.ErrUnknownAlert):
		http.Error(w, "unknown alert", http.StatusNotFound)
	case errors.Is(err, crisis.ErrAlertClosed):
		http.Error(w, "alert already closed", http.StatusConflict)
	default:
		http.Error(w, "transition failed", http.StatusInternalServerError)
	}
}
