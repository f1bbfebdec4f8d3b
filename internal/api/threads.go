package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/wealth-steward/internal/checkpoint"
	"github.com/nugget/wealth-steward/internal/profile"
)

// ProfileUpdateRequest is a client-supplied partial profile.
type ProfileUpdateRequest struct {
	Age              *int     `json:"age" validate:"omitempty,gte=18,lte=120"`
	RiskTolerance    string   `json:"risk_tolerance" validate:"omitempty,oneof=conservative moderate aggressive"`
	TimeHorizonYears *int     `json:"time_horizon_years" validate:"omitempty,gte=0,lte=100"`
	Goals            []string `json:"goals" validate:"max=20,dive,required,max=200"`
}

func (p ProfileUpdateRequest) update() profile.Update {
	return profile.Update{
		Age:              p.Age,
		RiskTolerance:    profile.RiskTolerance(p.RiskTolerance),
		TimeHorizonYears: p.TimeHorizonYears,
		Goals:            p.Goals,
	}
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.Threads(r.Context(), parseIntParam(r, "limit", 20))
	if err != nil {
		s.logger.Error("thread list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal_error", "failed to list threads")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(threads),
		"threads": threads,
	}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.loop.Thread(r.Context(), id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("thread get failed", "thread", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal_error", "failed to load thread")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, state, s.logger)
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.Delete(r.Context(), id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	if err != nil {
		s.logger.Error("thread delete failed", "thread", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal_error", "failed to delete thread")
		return
	}

	s.logger.Info("thread deleted", "thread", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleThreadProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ProfileUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_json", "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_value", validationMessage(err))
		return
	}

	state, err := s.loop.UpdateProfile(r.Context(), id, req.update())
	if err != nil {
		s.logger.Error("profile update failed", "thread", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal_error", "failed to update profile")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, state, s.logger)
}
