package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ruteri/enclave-trust-broker/attestation"
	"github.com/ruteri/enclave-trust-broker/broker"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/orchestrator"
)

// APIPrefix is the mount point of the broker API.
const APIPrefix = "/api/v1"

// UploadResponse is returned by POST /upload.
type UploadResponse = broker.UploadResult

// AssessRequest is the body of POST /assess.
type AssessRequest struct {
	ModelBlobID    string   `json:"model_blob_id"`
	DatasetBlobID  string   `json:"dataset_blob_id"`
	AssessmentType string   `json:"assessment_type"`
	QualityMetrics []string `json:"quality_metrics"`
}

// AssessResponse is the signed quality report returned by POST /assess.
type AssessResponse = orchestrator.AssessResult

// AttestRequest is the body of POST /attest.
type AttestRequest struct {
	FileID    string         `json:"file_id"`
	Operation string         `json:"operation"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// VerifyResponse is returned by POST /verify.
type VerifyResponse struct {
	Valid       bool `json:"valid"`
	LocalSigner bool `json:"local_signer"`
}

// FileResponse is the public metadata of an uploaded file.
type FileResponse struct {
	FileID      string                   `json:"file_id"`
	FileName    string                   `json:"file_name"`
	FileType    interfaces.FileType      `json:"file_type"`
	ContentHash interfaces.ContentDigest `json:"content_hash"`
	Size        int                      `json:"size"`
	Format      interfaces.FormatKind    `json:"format"`
	UploadedAt  time.Time                `json:"uploaded_at"`
}

func NewFileResponse(entry *interfaces.FileEntry) FileResponse {
	return FileResponse{
		FileID:      entry.ID,
		FileName:    entry.Name,
		FileType:    entry.Type,
		ContentHash: entry.Digest,
		Size:        entry.Size,
		Format:      entry.Format,
		UploadedAt:  entry.UploadedAt,
	}
}

// IdentityResponse is returned by GET /identity.
type IdentityResponse = attestation.IdentityReport

// HealthResponse is returned by GET /health.
type HealthResponse = broker.Health

// ErrorResponse is the JSON body of every non-2xx API answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Stage string `json:"stage,omitempty"`
}

// StatusForError maps an error to its HTTP status: 404 for unknown files
// and attestations, otherwise by error kind.
func StatusForError(err error) int {
	if errors.Is(err, interfaces.ErrFileNotFound) || errors.Is(err, interfaces.ErrAttestationNotFound) {
		return http.StatusNotFound
	}

	switch interfaces.KindOf(err) {
	case interfaces.KindInput:
		return http.StatusBadRequest
	case interfaces.KindPolicy:
		return http.StatusForbidden
	case interfaces.KindUpstream:
		return http.StatusBadGateway
	case interfaces.KindCrypto:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteError answers with StatusForError(err) and an ErrorResponse body.
// Internal errors are not echoed to the caller.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	resp := ErrorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
	}
	var tagged *interfaces.Error
	if errors.As(err, &tagged) {
		resp.Kind = tagged.Kind.String()
		resp.Stage = tagged.Stage
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
