package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/zhouzirui/codap-relay/backend/internal/model/session"
	"github.com/zhouzirui/codap-relay/backend/internal/service/catalog"
	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
	"github.com/zhouzirui/codap-relay/backend/pkg/utils"
)

const maxBodyBytes = 64 << 10

// Registry creates and loads sessions.
type Registry interface {
	Create(ctx context.Context, capabilities []string) (session.Session, error)
	Get(ctx context.Context, code string) (session.Session, error)
}

// Manifest negotiates the tool manifest version.
type Manifest interface {
	Negotiate(requested string) (catalog.Manifest, error)
	APIVersion() string
	ToolManifestVersion() string
	SupportedVersions() []string
}

type Options struct {
	Clock  clock.PassiveClock
	Logger logr.Logger
	// CreateLimiter wraps the create route, normally a per-IP rate limiter.
	CreateLimiter func(http.Handler) http.Handler
}

// Handler serves session lifecycle and metadata routes.
type Handler struct {
	registry Registry
	manifest Manifest
	clock    clock.PassiveClock
	log      logr.Logger
	limiter  func(http.Handler) http.Handler
}

func New(registry Registry, manifest Manifest, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.CreateLimiter == nil {
		opts.CreateLimiter = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		registry: registry,
		manifest: manifest,
		clock:    opts.Clock,
		log:      opts.Logger.WithName("session"),
		limiter:  opts.CreateLimiter,
	}
}

// RegisterRoutes mounts the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(h.limiter).Post("/sessions", h.handleCreate)
	r.Get("/sessions/{code}", h.handleGet)
	r.Get("/sessions/{code}/metadata", h.handleMetadata)
}

// SessionView is the public view of a live session.
type SessionView struct {
	Code         string    `json:"code"`
	TTL          int       `json:"ttl"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		utils.RespondAppError(w, h.log, apperr.Validation("unreadable body", []apperr.FieldError{{Field: "body", Message: err.Error()}}, err))
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			utils.RespondAppError(w, h.log, apperr.Validation("invalid request body", []apperr.FieldError{{Field: "body", Message: "must be a JSON object"}}, err))
			return
		}
	}

	sess, err := h.registry.Create(r.Context(), req.Capabilities)
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session.CreateResponse{
		Code:      sess.Code,
		TTL:       sess.TTLSeconds,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	remaining := int(sess.Remaining(h.clock.Now()) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	utils.RespondJSON(w, http.StatusOK, SessionView{
		Code:         sess.Code,
		TTL:          remaining,
		ExpiresAt:    sess.ExpiresAt,
		Capabilities: sess.Capabilities,
	})
}

type versionErrorBody struct {
	utils.ErrorBody
	RequestedVersion  string   `json:"requestedVersion"`
	SupportedVersions []string `json:"supportedVersions"`
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("api-version", h.manifest.APIVersion())
	hdr.Set("tool-manifest-version", h.manifest.ToolManifestVersion())
	hdr.Set("supported-versions", strings.Join(h.manifest.SupportedVersions(), ", "))

	if _, err := h.registry.Get(r.Context(), chi.URLParam(r, "code")); err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}

	manifest, err := h.manifest.Negotiate(r.Header.Get("Accept-Version"))
	var verr *catalog.VersionError
	if errors.As(err, &verr) {
		utils.RespondJSON(w, http.StatusNotAcceptable, versionErrorBody{
			ErrorBody:         utils.ErrorBody{Error: verr.Error(), Code: apperr.KindVersionNotSupported},
			RequestedVersion:  verr.Requested,
			SupportedVersions: verr.Supported,
		})
		return
	}
	if err != nil {
		utils.RespondAppError(w, h.log, err)
		return
	}
	hdr.Set("api-version", manifest.APIVersion)
	utils.RespondJSON(w, http.StatusOK, manifest)
}
