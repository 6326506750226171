package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"settld/core/bundle"
	"settld/gateway/middleware"
)

type buildBundleRequest struct {
	Kind        string            `json:"kind"`
	Scope       map[string]any    `json:"scope"`
	GeneratedAt string            `json:"generatedAt"`
	Heads       map[string]string `json:"heads"`
	ToolVersion string            `json:"toolVersion"`
	ToolCommit  string            `json:"toolCommit"`
	Payload     map[string]string `json:"payload"` // path -> base64 bytes
	Governance  *struct {
		PolicyJSON      string `json:"policyJson"`
		RevocationsJSON string `json:"revocationsJson"`
	} `json:"governance"`
}

type buildBundleResponse struct {
	Files    map[string]string `json:"files"` // path -> base64 bytes
	Warnings []string          `json:"warnings,omitempty"`
}

// buildBundle assembles a proof bundle from caller-supplied domain payload
// files, signing the head attestation with the gateway's configured bundle
// key. Callers that need a composite bundle pass previously-built children
// back in as base64 payload under the appropriate prefix; Build's Embed
// input is reserved for server-side composition and isn't exposed here.
func (h *handlers) buildBundle(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	var req buildBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}

	payload := make(map[string][]byte, len(req.Payload))
	for path, b64 := range req.Payload {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "payload["+path+"] is not valid base64")
			return
		}
		payload[path] = raw
	}

	in := bundle.BuildInputs{
		TenantID:    tenantID,
		Scope:       req.Scope,
		GeneratedAt: req.GeneratedAt,
		Heads:       req.Heads,
		Signer:      h.cfg.BundleSigner,
		ToolVersion: req.ToolVersion,
		ToolCommit:  req.ToolCommit,
		Payload:     payload,
	}
	if req.Governance != nil {
		gi := &bundle.GovernanceInputs{}
		if req.Governance.PolicyJSON != "" {
			raw, err := base64.StdEncoding.DecodeString(req.Governance.PolicyJSON)
			if err != nil {
				writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "governance.policyJson is not valid base64")
				return
			}
			gi.PolicyJSON = raw
		}
		if req.Governance.RevocationsJSON != "" {
			raw, err := base64.StdEncoding.DecodeString(req.Governance.RevocationsJSON)
			if err != nil {
				writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "governance.revocationsJson is not valid base64")
				return
			}
			gi.RevocationsJSON = raw
		}
		in.Governance = gi
	}

	built, warnings, err := h.cfg.Bundles.Build(r.Context(), bundle.Kind(req.Kind), in)
	if err != nil {
		writeError(w, err)
		return
	}

	files := make(map[string]string, len(built.Files))
	for path, data := range built.Files {
		files[path] = base64.StdEncoding.EncodeToString(data)
	}
	writeJSON(w, http.StatusOK, buildBundleResponse{Files: files, Warnings: warnings})
}
