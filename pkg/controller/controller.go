// Package controller exposes the control-plane HTTP API consumed by an
// external test driver. The proxy answers these endpoints in-process for any
// request addressed to the reserved control host, so drivers reach them
// through the proxy itself.
package controller

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/interceptd/interceptd/pkg/options"
)

// CAProvider serves the proxy's CA certificate so drivers can trust minted
// host certificates. Nil disables the /ca.pem endpoint.
type CAProvider interface {
	CertPEM() []byte
}

// Controller is the http.Handler for the control host.
type Controller struct {
	store *options.Store
	locks *options.LockManager
	ca    CAProvider
	log   *slog.Logger
	mux   *http.ServeMux
}

// New creates the controller and registers its routes.
func New(store *options.Store, locks *options.LockManager, ca CAProvider, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		store: store,
		locks: locks,
		ca:    ca,
		log:   log,
		mux:   http.NewServeMux(),
	}
	c.registerRoutes()
	return c
}

func (c *Controller) registerRoutes() {
	c.mux.HandleFunc("GET /health", c.handleHealth)
	c.mux.HandleFunc("GET /options", c.handleGetOptions)
	c.mux.HandleFunc("POST /options/set", c.handleSetOptions)
	c.mux.HandleFunc("POST /options/lock", c.handleLockOptions)
	c.mux.HandleFunc("POST /options/unlock", c.handleUnlockOptions)
	c.mux.HandleFunc("GET /ca.pem", c.handleCACert)
}

// ServeHTTP implements http.Handler.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mux.ServeHTTP(w, r)
}

type lockRequest struct {
	Options map[string]any `json:"options"`
}

type lockResponse struct {
	ResetID string `json:"reset_id"`
}

type unlockRequest struct {
	ResetID string `json:"reset_id"`
}

type setRequest struct {
	Options map[string]any `json:"options"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Controller) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Controller) handleGetOptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"options": c.store.Snapshot()})
}

// handleSetOptions applies options directly. Refused while a lock is
// outstanding; lock holders mutate through the lock itself so their changes
// are restored on unlock. The lock check and the apply happen in one
// critical section inside the lock manager.
func (c *Controller) handleSetOptions(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := c.locks.SetUnlocked(req.Options); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleLockOptions takes the single configuration lock, applying the given
// options and returning the lease token that restores them on unlock.
func (c *Controller) handleLockOptions(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := c.locks.Acquire(req.Options)
	if err != nil {
		c.log.Warn("lock refused", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lockResponse{ResetID: token})
}

// handleUnlockOptions releases the lock, restoring every option the matching
// lock call touched.
func (c *Controller) handleUnlockOptions(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := c.locks.Release(req.ResetID); err != nil {
		c.log.Warn("unlock refused", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (c *Controller) handleCACert(w http.ResponseWriter, _ *http.Request) {
	if c.ca == nil {
		writeError(w, http.StatusNotFound, "no CA configured")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.ca.CertPEM())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
