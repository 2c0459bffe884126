// Package api is the external interface shim (C9): a small set of
// operator-facing REST endpoints layered over the queue engine and store,
// plus health and metrics endpoints for the fleet coordination server.
// Grounded on the chi-router server shape surveyed in the example pack
// (global middleware stack, an authenticated /api/v1 sub-router), adapted
// to this server's permission model in internal/auth.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sysmanage/sysmanage-server/internal/agentfleet/ferrors"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/queue"
	"github.com/sysmanage/sysmanage-server/internal/agentfleet/store"
	"github.com/sysmanage/sysmanage-server/internal/auth"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

// Server holds the dependencies shared by every handler.
type Server struct {
	Router *chi.Mux

	store *store.Store
	queue *queue.Engine
	auth  *auth.Service
	log   *logging.Logger

	startedAt time.Time
}

// New builds the chi router and mounts every spec.md §4.9 endpoint plus
// health and metrics.
func New(s *store.Store, q *queue.Engine, authSvc *auth.Service, log *logging.Logger) *Server {
	srv := &Server{
		store:     s,
		queue:     q,
		auth:      authSvc,
		log:       log,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/login", srv.handleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.AuthMiddleware(authSvc))
		r.Use(auth.CSRFMiddleware)

		r.Post("/host/{id}/request-hardware-update", srv.handleRequestHardwareUpdate)
		r.Post("/packages/install/{id}", srv.handleInstallPackages)
		r.With(auth.RequirePermission(auth.PermApplyHostOSUpgrade)).
			Post("/execute-os-upgrades", srv.handleExecuteOSUpgrades)
		r.Post("/certificates/revoke/{host_id}", srv.handleRevokeCertificate)
	})

	srv.Router = r
	return srv
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin authenticates an operator with a username and password and
// issues a session cookie plus CSRF cookie. The only unauthenticated route
// under /api/v1 — every other endpoint requires the session or bearer token
// this issues.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	session, user, err := s.auth.Login(r.Context(), req.Username, req.Password, clientIP(r), r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRateLimited), errors.Is(err, auth.ErrAccountLocked):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		}
		return
	}

	auth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.auth.CookieSecure)
	csrfToken, err := auth.GenerateCSRFToken()
	if err != nil {
		s.log.Warn("failed to generate csrf token", "error", err)
	} else {
		auth.SetCSRFCookie(w, csrfToken, s.auth.CookieSecure)
	}

	writeJSON(w, http.StatusOK, map[string]string{"user_id": user.ID, "username": user.Username})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleRequestHardwareUpdate enqueues an update_hardware command for one
// host (spec.md §4.9), returning its message_id.
func (s *Server) handleRequestHardwareUpdate(w http.ResponseWriter, r *http.Request) {
	hostID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a valid UUID")
		return
	}

	host, err := s.store.GetHostByID(r.Context(), s.store.Pool(), hostID)
	if err != nil {
		s.respondStoreErr(w, err, "looking up host")
		return
	}
	if !host.IsApproved() {
		writeError(w, http.StatusConflict, "host is not approved")
		return
	}

	messageID, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		MessageType: "update_hardware",
		Direction:   store.Outbound,
		HostID:      &hostID,
		Priority:    store.PriorityNormal,
	})
	if err != nil {
		s.log.Warn("failed to enqueue hardware update request", "host_id", hostID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

type installPackagesRequest struct {
	Packages []string `json:"packages"`
}

// handleInstallPackages records one software_installation_log row per
// requested package under a shared installation_id, then enqueues a single
// install_packages command carrying the full list (spec.md §4.9).
func (s *Server) handleInstallPackages(w http.ResponseWriter, r *http.Request) {
	hostID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a valid UUID")
		return
	}

	var req installPackagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Packages) == 0 {
		writeError(w, http.StatusBadRequest, "packages must be non-empty")
		return
	}

	host, err := s.store.GetHostByID(r.Context(), s.store.Pool(), hostID)
	if err != nil {
		s.respondStoreErr(w, err, "looking up host")
		return
	}
	if !host.IsApproved() {
		writeError(w, http.StatusConflict, "host is not approved")
		return
	}

	installationID := uuid.New().String()
	for _, pkg := range req.Packages {
		if err := s.store.InsertInstallationLogRow(r.Context(), s.store.Pool(), installationID, hostID, pkg); err != nil {
			s.log.Warn("failed to record installation log row", "installation_id", installationID, "package", pkg, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to record installation request")
			return
		}
	}

	messageID, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		MessageType: "install_packages",
		Direction:   store.Outbound,
		HostID:      &hostID,
		Priority:    store.PriorityNormal,
		MessageData: map[string]any{
			"installation_id": installationID,
			"packages":        req.Packages,
		},
	})
	if err != nil {
		s.log.Warn("failed to enqueue install_packages", "installation_id", installationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"installation_id": installationID,
		"message_id":      messageID,
	})
}

type executeOSUpgradesRequest struct {
	HostIDs  []uuid.UUID `json:"host_ids"`
	Packages []string    `json:"packages"`
}

// handleExecuteOSUpgrades fans an apply_updates command out to every listed
// host (spec.md §4.9). Gated on PermApplyHostOSUpgrade since it is a
// privileged, fleet-wide action.
func (s *Server) handleExecuteOSUpgrades(w http.ResponseWriter, r *http.Request) {
	var req executeOSUpgradesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.HostIDs) == 0 {
		writeError(w, http.StatusBadRequest, "host_ids must be non-empty")
		return
	}

	messageIDs := make(map[string]string, len(req.HostIDs))
	for _, hostID := range req.HostIDs {
		hostID := hostID
		host, err := s.store.GetHostByID(r.Context(), s.store.Pool(), hostID)
		if err != nil {
			s.log.Warn("skipping os upgrade for unknown host", "host_id", hostID, "error", err)
			continue
		}
		if !host.IsApproved() {
			s.log.Warn("skipping os upgrade for unapproved host", "host_id", hostID)
			continue
		}

		messageID, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
			MessageType: "apply_updates",
			Direction:   store.Outbound,
			HostID:      &hostID,
			Priority:    store.PriorityNormal,
			MessageData: map[string]any{"packages": req.Packages},
		})
		if err != nil {
			s.log.Warn("failed to enqueue apply_updates", "host_id", hostID, "error", err)
			continue
		}
		messageIDs[hostID.String()] = messageID
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"message_ids": messageIDs})
}

// handleRevokeCertificate clears a host's client certificate and demotes its
// approval status to revoked (spec.md §4.9), forcing re-enrollment before
// the agent can reconnect.
func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	hostID, err := uuid.Parse(chi.URLParam(r, "host_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "host_id must be a valid UUID")
		return
	}

	if err := s.store.RevokeCertificate(r.Context(), s.store.Pool(), hostID); err != nil {
		s.respondStoreErr(w, err, "revoking certificate")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) respondStoreErr(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, ferrors.ErrHostNotFound), errors.Is(err, pgx.ErrNoRows):
		writeError(w, http.StatusNotFound, "host not found")
	case errors.Is(err, ferrors.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Warn(action+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
