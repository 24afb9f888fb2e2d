package keyserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/keyrelease"
)

const maxRequestSize = 1 << 20

// SubmitShareRequest is the body of an admin share submission.
type SubmitShareRequest struct {
	KeyID          keyrelease.ID `json:"key_id"`
	Share          []byte        `json:"share"`
	Signature      []byte        `json:"signature"`
	AdminPublicKey string        `json:"admin_public_key"`
}

// KeysResponse lists the key ids a server holds.
type KeysResponse struct {
	Name   string          `json:"name"`
	KeyIDs []keyrelease.ID `json:"key_ids"`
}

// Handler exposes a KeyServer over HTTP.
type Handler struct {
	ks  *KeyServer
	log *slog.Logger
}

func NewHandler(ks *KeyServer, log *slog.Logger) *Handler {
	return &Handler{ks: ks, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post(keyrelease.FetchKeyPath, h.HandleFetchKey)
	r.Get("/v1/keys", h.HandleListKeys)
	r.Post("/admin/shares", h.HandleSubmitShare)
}

// HandleFetchKey serves POST /v1/fetch_key.
//
// Verification failures answer 403 for expired certificates and 401 for
// any other signature or format problem. Policy denials are reported per
// key id in a 200 response.
func (h *Handler) HandleFetchKey(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req keyrelease.FetchKeyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Errorf("invalid request: %w", err).Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.ks.FetchKeys(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrCertificateExpired):
			http.Error(w, err.Error(), http.StatusForbidden)
		case errors.Is(err, ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusUnauthorized)
		default:
			h.log.Error("failed to serve key request", "err", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleListKeys serves GET /v1/keys.
func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(KeysResponse{Name: h.ks.Name(), KeyIDs: h.ks.store.KeyIDs()}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleSubmitShare serves POST /admin/shares.
func (h *Handler) HandleSubmitShare(w http.ResponseWriter, r *http.Request) {
	var req SubmitShareRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&req); err != nil {
		http.Error(w, fmt.Errorf("invalid request: %w", err).Error(), http.StatusBadRequest)
		return
	}

	err := h.ks.store.SubmitShare(req.KeyID, req.Share, req.Signature, []byte(req.AdminPublicKey))
	switch {
	case err == nil:
	case errors.Is(err, ErrShareExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		http.Error(w, fmt.Errorf("share rejected: %w", err).Error(), http.StatusUnauthorized)
		return
	}

	h.log.Info("share submitted", slog.String("key_id", req.KeyID.String()))
	w.WriteHeader(http.StatusNoContent)
}
