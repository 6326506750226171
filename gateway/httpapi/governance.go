package httpapi

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"settld/core/crypto"
	"settld/core/governance"
)

type signedObjectRequest struct {
	SubjectType    string            `json:"subjectType"`
	Role           string            `json:"role"`
	SignerKeyID    string            `json:"signerKeyId"`
	SignedAt       string            `json:"signedAt"`
	PayloadHash    string            `json:"payloadHash"` // base64
	Purpose        string            `json:"purpose"`
	SigningContext map[string]string `json:"signingContext"`
	Signature      string            `json:"signature"`
}

type verifyArtifactRequest struct {
	RootPublicKey             string                `json:"rootPublicKey"` // base64
	Policy                    governance.Policy     `json:"policy"`
	PolicyPayloadHash         string                `json:"policyPayloadHash"`         // base64
	RevocationList            governance.RevocationList `json:"revocationList"`
	RevocationListBytes       string                `json:"revocationListBytes"`       // base64
	RevocationListPayloadHash string                `json:"revocationListPayloadHash"` // base64
	SignedObjects             []signedObjectRequest `json:"signedObjects"`
}

// verifyBundleArtifact runs the four-step governance check over a bundle's
// policy, revocation list, and signed objects, returning 200 on success or
// the GOVERNANCE_* reason code via writeError on the first failing step.
func (h *handlers) verifyBundleArtifact(w http.ResponseWriter, r *http.Request) {
	var req verifyArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}

	rootKey, err := base64.StdEncoding.DecodeString(req.RootPublicKey)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "rootPublicKey is not valid base64")
		return
	}
	policyHash, err := base64.StdEncoding.DecodeString(req.PolicyPayloadHash)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "policyPayloadHash is not valid base64")
		return
	}
	revListBytes, err := base64.StdEncoding.DecodeString(req.RevocationListBytes)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "revocationListBytes is not valid base64")
		return
	}
	revListHash, err := base64.StdEncoding.DecodeString(req.RevocationListPayloadHash)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "revocationListPayloadHash is not valid base64")
		return
	}

	objects := make([]governance.SignedObject, 0, len(req.SignedObjects))
	for _, o := range req.SignedObjects {
		hash, err := base64.StdEncoding.DecodeString(o.PayloadHash)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "signedObjects[].payloadHash is not valid base64")
			return
		}
		objects = append(objects, governance.SignedObject{
			SubjectType: o.SubjectType, Role: o.Role, SignerKeyID: o.SignerKeyID, SignedAt: o.SignedAt,
			PayloadHash: hash, Purpose: crypto.Purpose(o.Purpose), SigningContext: o.SigningContext, Signature: o.Signature,
		})
	}

	err = h.cfg.Governance.VerifyArtifact(r.Context(), governance.VerifyArtifactInput{
		RootPublicKey:             ed25519.PublicKey(rootKey),
		Policy:                    req.Policy,
		PolicyPayloadHash:         policyHash,
		RevocationList:            req.RevocationList,
		RevocationListBytes:       revListBytes,
		RevocationListPayloadHash: revListHash,
		SignedObjects:             objects,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
