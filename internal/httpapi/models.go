package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tdnguyen/chatgate/internal/policy"
	"github.com/tdnguyen/chatgate/internal/store"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

type putModelRequest struct {
	CreditCost     int    `json:"credit_cost"`
	MinAccessLevel string `json:"min_access_level"`
	SupportsImages bool   `json:"supports_images"`
}

func (s *Server) handlePutModel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "invalid_model_name", "missing model name")
		return
	}
	var req putModelRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.CreditCost < 0 {
		respondError(w, http.StatusBadRequest, "invalid_credit_cost", "credit cost must be >= 0")
		return
	}
	level := policy.LevelBasic
	if raw := strings.ToLower(strings.TrimSpace(req.MinAccessLevel)); raw != "" {
		level = policy.ParseAccessLevel(raw)
		if level.String() != raw {
			respondError(w, http.StatusBadRequest, "invalid_access_level", "unknown access level "+req.MinAccessLevel)
			return
		}
	}

	desc := store.ModelDescriptor{
		Name:           name,
		CreditCost:     req.CreditCost,
		MinAccessLevel: level,
		SupportsImages: req.SupportsImages,
	}
	if err := s.store.PutModel(r.Context(), desc); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, desc)
}

func (s *Server) handleRemoveModel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		respondError(w, http.StatusBadRequest, "invalid_model_name", "missing model name")
		return
	}
	if err := s.store.RemoveModel(r.Context(), name); err != nil {
		switch {
		case errors.Is(err, store.ErrModelNotFound):
			respondError(w, http.StatusNotFound, "model_not_found", "model "+name+" is not in the catalog")
		case errors.Is(err, store.ErrModelInUse):
			respondError(w, http.StatusConflict, "model_in_use", "model "+name+" is referenced by a profile or stored history")
		default:
			respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"removed": true,
	})
}
