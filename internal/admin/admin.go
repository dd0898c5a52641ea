// internal/admin/admin.go
// Package admin implements the configuration write surface: creating and
// deleting origins, mappings, and policies. Writes validate their payloads,
// persist through the durable store, and publish a change event so serving
// nodes schedule a restart. The admin surface never touches a live index.
package admin

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	errordefs "github.com/pixelgate/pixelgate-serve-go/internal/errors"
	"github.com/pixelgate/pixelgate-serve-go/internal/event"
	"github.com/pixelgate/pixelgate-serve-go/internal/model"
	"github.com/pixelgate/pixelgate-serve-go/internal/schema"
	"github.com/pixelgate/pixelgate-serve-go/internal/storage"
)

// Handler serves the administrative write endpoints.
type Handler struct {
	store     storage.Store
	publisher event.Publisher
	validator *schema.Validator
}

// New creates the admin handler.
func New(store storage.Store, publisher event.Publisher, validator *schema.Validator) *Handler {
	return &Handler{store: store, publisher: publisher, validator: validator}
}

// Register mounts the admin routes.
func (h *Handler) Register(mount func(pattern string, handler http.Handler)) {
	mount("/admin/v1/origins", http.HandlerFunc(h.handleOrigins))
	mount("/admin/v1/origins/", http.HandlerFunc(h.handleOriginByID))
	mount("/admin/v1/mappings", http.HandlerFunc(h.handleMappings))
	mount("/admin/v1/mappings/", http.HandlerFunc(h.handleMappingByID))
	mount("/admin/v1/policies", http.HandlerFunc(h.handlePolicies))
	mount("/admin/v1/policies/", http.HandlerFunc(h.handlePolicyByID))
}

// newID generates a lexicographically ordered identifier for a new record.
func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// originRequest is the create-origin payload.
type originRequest struct {
	Name     string            `json:"name"`
	Domain   string            `json:"domain"`
	BasePath string            `json:"basePath"`
	Headers  map[string]string `json:"headers"`
	CacheTTL int               `json:"cacheTtl"`
}

// mappingRequest is the create-mapping payload.
type mappingRequest struct {
	MatchKind string `json:"matchKind"`
	Pattern   string `json:"pattern"`
	OriginID  string `json:"originId"`
	PolicyID  string `json:"policyId"`
}

// policyRequest is the create-policy payload.
type policyRequest struct {
	Name            string                     `json:"name"`
	IsDefault       bool                       `json:"isDefault"`
	Transformations []model.TransformationStep `json:"transformations"`
	Outputs         []model.OutputDirective    `json:"outputs"`
	CacheTTL        int                        `json:"cacheTtl"`
}

// handleOrigins handles POST /admin/v1/origins.
func (h *Handler) handleOrigins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errordefs.New(errordefs.IMG_BAD_REQUEST, "method not allowed"))
		return
	}
	defer r.Body.Close()

	var req originRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errordefs.New(errordefs.IMG_VALIDATION, "invalid JSON"))
		return
	}
	if err := h.validator.Validate(schema.KindOrigin, req); err != nil {
		writeError(w, errordefs.Newf(errordefs.IMG_VALIDATION, "origin payload invalid: %v", err))
		return
	}

	origin := model.Origin{
		ID:        newID(),
		Name:      req.Name,
		Domain:    req.Domain,
		BasePath:  req.BasePath,
		Headers:   req.Headers,
		CacheTTL:  req.CacheTTL,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.PutOrigin(r.Context(), origin); err != nil {
		writeError(w, storeError(err))
		return
	}

	h.publishChange(r.Context(), "origin", origin.ID, "created")
	writeCreated(w, origin)
}

// handleOriginByID handles DELETE /admin/v1/origins/{id}.
func (h *Handler) handleOriginByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/v1/origins/")
	if r.Method != http.MethodDelete || id == "" {
		writeError(w, errordefs.New(errordefs.IMG_BAD_REQUEST, "method not allowed"))
		return
	}

	if err := h.store.DeleteOrigin(r.Context(), id); err != nil {
		writeError(w, storeError(err))
		return
	}

	h.publishChange(r.Context(), "origin", id, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleMappings handles POST /admin/v1/mappings.
func (h *Handler) handleMappings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errordefs.New(errordefs.IMG_BAD_REQUEST, "method not allowed"))
		return
	}
	defer r.Body.Close()

	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errordefs.New(errordefs.IMG_VALIDATION, "invalid JSON"))
		return
	}
	if err := h.validator.Validate(schema.KindMapping, req); err != nil {
		writeError(w, errordefs.Newf(errordefs.IMG_VALIDATION, "mapping payload invalid: %v", err))
		return
	}

	mapping := model.Mapping{
		ID:        newID(),
		MatchKind: model.MatchKind(req.MatchKind),
		Pattern:   req.Pattern,
		OriginID:  req.OriginID,
		PolicyID:  req.PolicyID,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.PutMapping(r.Context(), mapping); err != nil {
		writeError(w, storeError(err))
		return
	}

	h.publishChange(r.Context(), "mapping", mapping.ID, "created")
	writeCreated(w, mapping)
}

// handleMappingByID handles DELETE /admin/v1/mappings/{id}.
func (h *Handler) handleMappingByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/v1/mappings/")
	if r.Method != http.MethodDelete || id == "" {
		writeError(w, errordefs.New(errordefs.IMG_BAD_REQUEST, "method not allowed"))
		return
	}

	if err := h.store.DeleteMapping(r.Context(), id); err != nil {
		writeError(w, storeError(err))
		return
	}

	h.publishChange(r.Context(), "mapping", id, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handlePolicies handles POST /admin/v1/policies.
func (h *Handler) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errordefs.New(errordefs.IMG_BAD_REQUEST, "method not allowed"))
		return
	}
	defer r.Body.Close()

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errordefs.New(errordefs.IMG_VALIDATION, "invalid JSON"))
		return
	}
	if err := h.validator.Validate(schema.KindPolicy, req); err != nil {
		writeError(w, errordefs.Newf(errordefs.IMG_VALIDATION, "policy payload invalid: %v", err))
		return
	}

	policy := model.TransformationPolicy{
		ID:              newID(),
		Name:            req.Name,
		IsDefault:       req.IsDefault,
		Transformations: req.Transformations,
		Outputs:         req.Outputs,
		CacheTTL:        req.CacheTTL,
		CreatedAt:       time.Now().UTC(),
	}

	if err := h.store.PutPolicy(r.Context(), policy); err != nil {
		writeError(w, storeError(err))
		return
	}

	h.publishChange(r.Context(), "policy", policy.ID, "created")
	writeCreated(w, policy)
}

// handlePolicyByID handles DELETE /admin/v1/policies/{id}.
func (h *Handler) handlePolicyByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/v1/policies/")
	if r.Method != http.MethodDelete || id == "" {
		writeError(w, errordefs.New(errordefs.IMG_BAD_REQUEST, "method not allowed"))
		return
	}

	if err := h.store.DeletePolicy(r.Context(), id); err != nil {
		writeError(w, storeError(err))
		return
	}

	h.publishChange(r.Context(), "policy", id, "deleted")
	w.WriteHeader(http.StatusNoContent)
}

// publishChange notifies serving nodes. A publish failure is logged, not
// surfaced: the write is durable either way and the next restart picks it up.
func (h *Handler) publishChange(ctx context.Context, recordType, recordID, action string) {
	change := event.ConfigChange{RecordType: recordType, RecordID: recordID, Action: action}
	if err := h.publisher.PublishConfigChanged(ctx, change); err != nil {
		slog.Warn("failed to publish config change event",
			"recordType", recordType, "recordId", recordID, "error", err)
	}
}

// storeError maps storage failures onto the admin error taxonomy.
func storeError(err error) *errordefs.Error {
	switch {
	case errors.Is(err, storage.ErrDefaultExists):
		return errordefs.New(errordefs.IMG_CONFLICT, "a default policy already exists")
	case errors.Is(err, storage.ErrOriginInUse):
		return errordefs.New(errordefs.IMG_CONFLICT, "origin is referenced by existing mappings")
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.IMG_CONFLICT, "record already exists")
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.IMG_VALIDATION, "referenced record does not exist")
	default:
		return errordefs.Newf(errordefs.IMG_INTERNAL, "storage failure: %v", err)
	}
}

func writeCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(err)
}
