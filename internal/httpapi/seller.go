package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"keyconnect/internal/license"
)

var validate = validator.New()

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

type issueKeyRequest struct {
	Key        string `json:"key" validate:"omitempty,min=4,max=64"`
	Days       int    `json:"days" validate:"required,min=1,max=3650"`
	MaxDevices int    `json:"max_devices" validate:"omitempty,min=1,max=100"`
	Note       string `json:"note" validate:"max=200"`
}

type renewRequest struct {
	Days int `json:"days" validate:"required,min=1,max=3650"`
}

type maxDevicesRequest struct {
	MaxDevices int `json:"max_devices" validate:"required,min=1,max=100"`
}

type expiryRequest struct {
	ExpiresAt *time.Time `json:"expires_at" validate:"required"`
}

type maintenanceRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type resetRequest struct {
	Confirm string `json:"confirm" validate:"required,eq=RESET"`
}

type keyResponse struct {
	Key                 string     `json:"key"`
	MaxDevices          int        `json:"max_devices"`
	BoundDevices        []string   `json:"bound_devices"`
	ExpiresAt           time.Time  `json:"expires_at"`
	EffectiveExpiresAt  time.Time  `json:"effective_expires_at"`
	Expired             bool       `json:"expired"`
	MaintenancePausedAt *time.Time `json:"maintenance_paused_at,omitempty"`
	Note                string     `json:"note,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

type sellerResponse struct {
	Slug            string `json:"slug"`
	Username        string `json:"username"`
	Suspended       bool   `json:"suspended"`
	MaintenanceMode bool   `json:"maintenance_mode"`
}

func newKeyResponse(info license.KeyInfo) keyResponse {
	sub := info.Subscription
	return keyResponse{
		Key:                 sub.Key,
		MaxDevices:          sub.MaxDevices,
		BoundDevices:        sub.BoundDevices.Slice(),
		ExpiresAt:           sub.ExpiresAt,
		EffectiveExpiresAt:  info.EffectiveExpiry,
		Expired:             info.Expired,
		MaintenancePausedAt: sub.MaintenancePausedAt,
		Note:                sub.Note,
		CreatedAt:           sub.CreatedAt,
	}
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	seller := sellerFrom(r.Context())
	infos, err := a.manager.ListKeys(r.Context(), seller.Slug)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]keyResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, newKeyResponse(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seller := sellerFrom(r.Context())
	sub, err := a.manager.IssueKey(r.Context(), seller.Slug, license.IssueInput{
		Key:        req.Key,
		Days:       req.Days,
		MaxDevices: req.MaxDevices,
		Note:       req.Note,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeKey(w, r, http.StatusCreated, sub.Key)
}

func (a *API) handleGetKey(w http.ResponseWriter, r *http.Request) {
	a.writeKey(w, r, http.StatusOK, chi.URLParam(r, "key"))
}

func (a *API) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	seller := sellerFrom(r.Context())
	if err := a.manager.DeleteKey(r.Context(), seller.Slug, chi.URLParam(r, "key")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRenewKey(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seller := sellerFrom(r.Context())
	key := chi.URLParam(r, "key")
	if _, err := a.manager.Renew(r.Context(), seller.Slug, key, req.Days); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeKey(w, r, http.StatusOK, key)
}

func (a *API) handleResetDevices(w http.ResponseWriter, r *http.Request) {
	seller := sellerFrom(r.Context())
	key := chi.URLParam(r, "key")
	if err := a.manager.ResetDevices(r.Context(), seller.Slug, key); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeKey(w, r, http.StatusOK, key)
}

func (a *API) handleSetMaxDevices(w http.ResponseWriter, r *http.Request) {
	var req maxDevicesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seller := sellerFrom(r.Context())
	key := chi.URLParam(r, "key")
	if _, err := a.manager.SetMaxDevices(r.Context(), seller.Slug, key, req.MaxDevices); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeKey(w, r, http.StatusOK, key)
}

func (a *API) handleSetExpiry(w http.ResponseWriter, r *http.Request) {
	var req expiryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seller := sellerFrom(r.Context())
	key := chi.URLParam(r, "key")
	if err := a.manager.SetExpiry(r.Context(), seller.Slug, key, *req.ExpiresAt); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeKey(w, r, http.StatusOK, key)
}

func (a *API) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seller, err := a.manager.SetMaintenance(r.Context(), sellerFrom(r.Context()).Slug, *req.Enabled)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sellerResponse{
		Slug:            seller.Slug,
		Username:        seller.Username,
		Suspended:       seller.Suspended,
		MaintenanceMode: seller.MaintenanceMode,
	})
}

func (a *API) handleResetSeller(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.manager.ResetSeller(r.Context(), sellerFrom(r.Context()).Slug)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (a *API) writeKey(w http.ResponseWriter, r *http.Request, status int, key string) {
	info, err := a.manager.KeyInfo(r.Context(), sellerFrom(r.Context()).Slug, key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, newKeyResponse(info))
}
