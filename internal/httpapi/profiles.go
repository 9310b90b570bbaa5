package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tdnguyen/chatgate/internal/policy"
	"github.com/tdnguyen/chatgate/internal/store"
)

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	profile, err := s.store.EnsureProfile(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

type updateProfileRequest struct {
	PreferredModel *string `json:"preferred_model,omitempty"`
	SystemPrompt   *string `json:"system_prompt,omitempty"`
	AccessLevel    *string `json:"access_level,omitempty"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	upd := store.ProfileUpdate{
		PreferredModel: req.PreferredModel,
		SystemPrompt:   req.SystemPrompt,
	}
	if req.AccessLevel != nil {
		level := policy.ParseAccessLevel(strings.ToLower(strings.TrimSpace(*req.AccessLevel)))
		if level.String() != strings.ToLower(strings.TrimSpace(*req.AccessLevel)) {
			respondError(w, http.StatusBadRequest, "invalid_access_level", "unknown access level "+*req.AccessLevel)
			return
		}
		upd.AccessLevel = &level
	}
	if req.PreferredModel != nil && strings.TrimSpace(*req.PreferredModel) != "" {
		if _, err := s.store.GetModel(r.Context(), *req.PreferredModel); err != nil {
			if errors.Is(err, store.ErrModelNotFound) {
				respondError(w, http.StatusBadRequest, "model_unknown", "model "+*req.PreferredModel+" is not in the catalog")
				return
			}
			respondError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
	}

	if _, err := s.store.EnsureProfile(r.Context(), userID); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	profile, err := s.store.UpdateProfile(r.Context(), userID, upd)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

type adjustCreditRequest struct {
	Delta int `json:"delta"`
}

func (s *Server) handleAdjustCredit(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	var req adjustCreditRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Delta == 0 {
		respondError(w, http.StatusBadRequest, "invalid_delta", "delta must be non-zero")
		return
	}

	if _, err := s.store.EnsureProfile(r.Context(), userID); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	expectedMin := 0
	if req.Delta < 0 {
		expectedMin = -req.Delta
	}
	balance, err := s.store.AdjustCredit(r.Context(), userID, req.Delta, expectedMin)
	if err != nil {
		if errors.Is(err, store.ErrCreditConflict) {
			respondError(w, http.StatusConflict, "credit_conflict", "balance does not cover the deduction")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	history, err := s.store.History(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	tokens := 0
	for _, t := range history {
		tokens += t.TokenEstimate
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"turns":       history,
		"count":       len(history),
		"token_total": tokens,
	})
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	if err := s.store.Clear(r.Context(), userID); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"cleared": true,
	})
}
