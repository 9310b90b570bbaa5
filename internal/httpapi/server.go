package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/config"
	"github.com/tdnguyen/chatgate/internal/fault"
	"github.com/tdnguyen/chatgate/internal/observability"
	"github.com/tdnguyen/chatgate/internal/pipeline"
	"github.com/tdnguyen/chatgate/internal/queue"
	"github.com/tdnguyen/chatgate/internal/store"
)

type Server struct {
	cfg       config.Config
	store     store.Store
	queue     *queue.Queue
	service   *pipeline.Service
	window    *observability.TurnWindow
	log       logrus.FieldLogger
	storeMode string
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, st store.Store, q *queue.Queue, svc *pipeline.Service, window *observability.TurnWindow, log logrus.FieldLogger, storeMode string) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		service:   svc,
		window:    window,
		log:       log,
		storeMode: storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up. Non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/users/{id}/turns", s.handleSubmitTurn)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Get("/v1/users/{id}/profile", s.handleGetProfile)
	r.Patch("/v1/users/{id}/profile", s.handleUpdateProfile)
	r.Post("/v1/users/{id}/credit", s.handleAdjustCredit)
	r.Get("/v1/users/{id}/memory", s.handleGetMemory)
	r.Delete("/v1/users/{id}/memory", s.handleClearMemory)

	r.Get("/v1/models", s.handleListModels)
	r.Put("/v1/models/{name}", s.handlePutModel)
	r.Delete("/v1/models/{name}", s.handleRemoveModel)

	r.Get("/v1/perf/turns", s.handlePerfTurns)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
	})
}

type submitTurnRequest struct {
	Model string      `json:"model,omitempty"`
	Parts []chat.Part `json:"parts"`
}

// submit validates the turn and enqueues it. The returned outcome pointer
// is populated only after the handle reports done without error.
func (s *Server) submit(userID string, req submitTurnRequest) (*queue.Handle, *pipeline.Outcome, chat.Turn, error) {
	turn := chat.Turn{
		ID:    uuid.NewString(),
		Role:  chat.RoleUser,
		Parts: req.Parts,
		Model: strings.TrimSpace(req.Model),
	}
	outcome := &pipeline.Outcome{}
	h, err := s.queue.Submit(userID, func(ctx context.Context, emit func(string) error) error {
		out, err := s.service.Process(ctx, userID, turn, emit)
		if err != nil {
			return err
		}
		*outcome = out
		return nil
	})
	if err != nil {
		return nil, nil, turn, err
	}
	return h, outcome, turn, nil
}

func validateParts(parts []chat.Part) error {
	if len(parts) == 0 {
		return errors.New("turn has no parts")
	}
	for _, p := range parts {
		switch p.Kind {
		case chat.PartText:
			if strings.TrimSpace(p.Text) == "" {
				return errors.New("empty text part")
			}
		case chat.PartImage:
			if strings.TrimSpace(p.URI) == "" {
				return errors.New("image part without uri")
			}
		default:
			return fmt.Errorf("unknown part kind %q", p.Kind)
		}
	}
	return nil
}

// handleSubmitTurn streams one turn over SSE: delta events while the
// provider streams, then a single end or error event.
func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}
	var req submitTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := validateParts(req.Parts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	h, outcome, turn, err := s.submit(userID, req)
	if err != nil {
		respondFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientGone := r.Context().Done()
	for {
		select {
		case <-clientGone:
			h.Cancel()
			for range h.Chunks() {
			}
			<-h.Done()
			return
		case chunk, open := <-h.Chunks():
			if !open {
				<-h.Done()
				s.writeSSETerminal(w, flusher, turn.ID, outcome, h.Err())
				return
			}
			writeSSE(w, flusher, "delta", map[string]any{
				"turn_id": turn.ID,
				"text":    chunk,
			})
		}
	}
}

func (s *Server) writeSSETerminal(w http.ResponseWriter, flusher http.Flusher, turnID string, outcome *pipeline.Outcome, err error) {
	if err != nil {
		kind := fault.KindOf(err)
		writeSSE(w, flusher, "error", map[string]any{
			"turn_id":   turnID,
			"code":      kind.String(),
			"retryable": kind.Retryable(),
			"detail":    err.Error(),
		})
		return
	}
	writeSSE(w, flusher, "end", map[string]any{
		"turn_id": turnID,
		"model":   outcome.Model,
		"cost":    outcome.Cost,
		"balance": outcome.Balance,
		"usage":   outcome.Usage,
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondFault maps a taxonomy error onto its HTTP status.
func respondFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	respondError(w, fault.HTTPStatus(kind), kind.String(), err.Error())
}
