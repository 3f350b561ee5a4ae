package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/StricklySoft/stricklysoft-valet/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
	"github.com/StricklySoft/stricklysoft-valet/pkg/valet"
)

type handlers struct {
	issuer *valet.Issuer
	keys   KeySource
	probe  Probe
	logger *slog.Logger
}

// StatusResponse is the body of the probe routes.
type StatusResponse struct {
	Status string `json:"status"`
}

// KeySetResponse describes the cached signing-key set.
type KeySetResponse struct {
	Issuer             string     `json:"issuer,omitempty"`
	KeyIDs             []string   `json:"keyIds"`
	FetchedAt          *time.Time `json:"fetchedAt,omitempty"`
	MinRefreshInterval string     `json:"minRefreshInterval,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.probe != nil {
		if err := h.probe.Health(r.Context()); err != nil {
			auth.WriteError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.probe != nil {
		if err := h.probe.Ready(r.Context()); err != nil {
			auth.WriteError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ready"})
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		auth.WriteError(w, r, sserr.New(sserr.CodeAuthenticationNoCredentials, "server: no identity on request"))
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// valetKey issues a write-once upload token for the caller. The optional
// "container" query parameter selects one of the issuer's allow-listed
// containers instead of the default.
func (h *handlers) valetKey(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	token, err := h.issuer.Issue(r.Context(), identity, r.URL.Query().Get("container"))
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "server: valet key issued",
		"user_id", identity.UserID,
		"blob_uri", token.BlobURI,
		"valid_to", token.ValidTo,
	)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, token)
}

func (h *handlers) listKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, keySetResponse(h.keys.Current()))
}

func (h *handlers) refreshKeys(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.ForceRefresh(r.Context())
	if err != nil {
		auth.WriteError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "server: signing keys refreshed",
		"key_ids", set.KeyIDs(),
	)
	writeJSON(w, http.StatusOK, keySetResponse(set))
}

func keySetResponse(set *auth.SigningKeySet) KeySetResponse {
	resp := KeySetResponse{KeyIDs: set.KeyIDs(), Issuer: set.Issuer()}
	if resp.KeyIDs == nil {
		resp.KeyIDs = []string{}
	}
	if set != nil {
		fetched := set.FetchedAt
		resp.FetchedAt = &fetched
		resp.MinRefreshInterval = set.MinRefreshInterval.String()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
