package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/orchestra/tiermem/pkg/api/middleware"
	"github.com/orchestra/tiermem/pkg/api/response"
	"github.com/orchestra/tiermem/pkg/manager"
	"github.com/orchestra/tiermem/pkg/memory"
)

// MemoryService is the part of the facade served over HTTP.
type MemoryService interface {
	Store(ctx context.Context, req manager.StoreRequest) (manager.StoreResult, error)
	Retrieve(ctx context.Context, id string) (*memory.Item, error)
	Append(ctx context.Context, id, text string) (*memory.Item, error)
	Query(ctx context.Context, q memory.Query) (manager.QueryResult, error)
	Delete(ctx context.Context, id string) (bool, error)
	ForgetOwner(ctx context.Context, ownerID string) (int, error)
}

type handlerLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MemoryHandler handles the memory item endpoints.
type MemoryHandler struct {
	memory    MemoryService
	validator *validator.Validate
	logger    handlerLogger
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(svc MemoryService, log handlerLogger) *MemoryHandler {
	return &MemoryHandler{
		memory:    svc,
		validator: validator.New(),
		logger:    log,
	}
}

type storeRequest struct {
	ID         string         `json:"id,omitempty" validate:"omitempty,max=128"`
	OwnerID    string         `json:"owner_id" validate:"required,max=128"`
	SessionID  string         `json:"session_id,omitempty" validate:"max=128"`
	ItemType   string         `json:"item_type" validate:"required"`
	Content    string         `json:"content" validate:"required"`
	Privacy    string         `json:"privacy_level,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TTLSeconds int            `json:"ttl_seconds,omitempty" validate:"gte=0"`
	Embedding  []float32      `json:"embedding,omitempty"`
}

type appendRequest struct {
	Text string `json:"text" validate:"required"`
}

type deleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type forgetResponse struct {
	OwnerID string `json:"owner_id"`
	Removed int    `json:"removed"`
}

// StoreItem handles POST /api/v1/memory
func (h *MemoryHandler) StoreItem(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.memory.Store(r.Context(), manager.StoreRequest{
		ID:        req.ID,
		OwnerID:   req.OwnerID,
		SessionID: req.SessionID,
		Type:      memory.ItemType(req.ItemType),
		Content:   req.Content,
		Privacy:   memory.PrivacyLevel(req.Privacy),
		Metadata:  req.Metadata,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		Embedding: req.Embedding,
	})
	if err != nil {
		h.fail(w, r, "store", err)
		return
	}

	response.JSON(w, http.StatusCreated, result)
}

// GetItem handles GET /api/v1/memory/{id}
func (h *MemoryHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !memory.ValidID(id) {
		response.BadRequest(w, "invalid item id", middleware.GetRequestID(r.Context()))
		return
	}

	item, err := h.memory.Retrieve(r.Context(), id)
	if err != nil {
		h.fail(w, r, "retrieve", err)
		return
	}

	response.JSON(w, http.StatusOK, item)
}

// AppendItem handles PATCH /api/v1/memory/{id}
func (h *MemoryHandler) AppendItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !memory.ValidID(id) {
		response.BadRequest(w, "invalid item id", middleware.GetRequestID(r.Context()))
		return
	}

	var req appendRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.memory.Append(r.Context(), id, req.Text)
	if err != nil {
		h.fail(w, r, "append", err)
		return
	}

	response.JSON(w, http.StatusOK, item)
}

// QueryItems handles POST /api/v1/memory/query
func (h *MemoryHandler) QueryItems(w http.ResponseWriter, r *http.Request) {
	var q memory.Query
	if err := response.Decode(r.Body, &q); err != nil {
		h.decodeFailed(w, r, err)
		return
	}

	result, err := h.memory.Query(r.Context(), q)
	if err != nil {
		h.fail(w, r, "query", err)
		return
	}
	if result.Results == nil {
		result.Results = []memory.Result{}
	}

	response.JSON(w, http.StatusOK, result)
}

// DeleteItem handles DELETE /api/v1/memory/{id}
func (h *MemoryHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !memory.ValidID(id) {
		response.BadRequest(w, "invalid item id", middleware.GetRequestID(r.Context()))
		return
	}

	removed, err := h.memory.Delete(r.Context(), id)
	if err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	if !removed {
		h.fail(w, r, "delete", memory.ErrNotFound)
		return
	}

	response.JSON(w, http.StatusOK, deleteResponse{ID: id, Deleted: true})
}

// ForgetOwner handles DELETE /api/v1/owners/{ownerID}/memory
func (h *MemoryHandler) ForgetOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(chi.URLParam(r, "ownerID"))
	if ownerID == "" {
		response.BadRequest(w, "owner id is required", middleware.GetRequestID(r.Context()))
		return
	}

	removed, err := h.memory.ForgetOwner(r.Context(), ownerID)
	if err != nil {
		h.fail(w, r, "forget_owner", err)
		return
	}

	h.logger.Info("owner memory forgotten", "owner_id", ownerID, "removed", removed)
	response.JSON(w, http.StatusOK, forgetResponse{OwnerID: ownerID, Removed: removed})
}

// decode reads and validates a request body, writing the error response
// when it fails.
func (h *MemoryHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := response.Decode(r.Body, v); err != nil {
		h.decodeFailed(w, r, err)
		return false
	}
	if err := h.validator.Struct(v); err != nil {
		h.logger.Debug("validation failed", "error", err)
		response.BadRequest(w, err.Error(), middleware.GetRequestID(r.Context()))
		return false
	}
	return true
}

func (h *MemoryHandler) decodeFailed(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		response.HandleError(w, err, requestID)
		return
	}
	response.BadRequest(w, err.Error(), requestID)
}

func (h *MemoryHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	writeServiceError(w, r, h.logger, op, err)
}

// writeServiceError maps a service error to a response. A request that ran
// out of its own deadline is a gateway timeout even when the tier reported
// itself unavailable.
func writeServiceError(w http.ResponseWriter, r *http.Request, log handlerLogger, op string, err error) {
	requestID := middleware.GetRequestID(r.Context())
	if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		log.Warn("request deadline exceeded", "op", op, "error", err, "request_id", requestID)
		response.Error(w, http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout, op+" did not finish before the request deadline", requestID)
		return
	}

	status, _ := response.Classify(err)
	switch {
	case status >= http.StatusInternalServerError:
		log.Error("memory operation failed", "op", op, "error", err, "request_id", requestID)
	case status == http.StatusNotFound:
		log.Debug("memory operation miss", "op", op, "request_id", requestID)
	default:
		log.Info("memory operation refused", "op", op, "error", err, "request_id", requestID)
	}
	response.HandleError(w, err, requestID)
}
