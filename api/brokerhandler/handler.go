package brokerhandler

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enclave-trust-broker/api"
	"github.com/ruteri/enclave-trust-broker/broker"
	"github.com/ruteri/enclave-trust-broker/interfaces"
	"github.com/ruteri/enclave-trust-broker/orchestrator"
)

const (
	// maxBodySize bounds JSON request bodies.
	maxBodySize = 1 << 20
	// maxMultipartMemory is held in memory before multipart parts spill to disk.
	maxMultipartMemory = 32 << 20
	// multipartOverhead allows for headers and boundaries around the file part.
	multipartOverhead = 1 << 20
)

// Handler serves the broker API over a broker.Service.
type Handler struct {
	svc *broker.Service
	log *slog.Logger
}

func NewHandler(svc *broker.Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes mounts the API under api.APIPrefix.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route(api.APIPrefix, func(r chi.Router) {
		r.Post("/upload", h.HandleUpload)
		r.Get("/files", h.HandleListFiles)
		r.Get("/file/{id}", h.HandleGetFile)
		r.Post("/assess", h.HandleAssess)
		r.Post("/attest", h.HandleAttest)
		r.Get("/attestations", h.HandleListAttestations)
		r.Get("/attestation/{id}", h.HandleGetAttestation)
		r.Post("/verify", h.HandleVerify)
		r.Get("/identity", h.HandleIdentity)
		r.Get("/health", h.HandleHealth)
	})
}

// HandleUpload accepts a multipart form with a "file" part and an optional
// "type" field.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, broker.MaxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		h.writeError(w, r, interfaces.NewInputError(broker.StageUpload, fmt.Errorf("invalid multipart form: %w", err)))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, interfaces.NewInputError(broker.StageUpload, fmt.Errorf("missing file part: %w", err)))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, interfaces.NewInputError(broker.StageUpload, fmt.Errorf("failed to read file part: %w", err)))
		return
	}

	res, err := h.svc.Upload(r.Context(), header.Filename, interfaces.FileType(r.FormValue("type")), data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	entries := h.svc.ListFiles()
	out := make([]api.FileResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, api.NewFileResponse(entry))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleGetFile(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.GetFile(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewFileResponse(entry))
}

// HandleAssess runs the full assessment pipeline. The response is only
// written once the result is signed; failures carry the failing stage.
func (h *Handler) HandleAssess(w http.ResponseWriter, r *http.Request) {
	var req api.AssessRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, interfaces.NewInputError(orchestrator.StageRequest, err))
		return
	}

	res, err := h.svc.Assess(r.Context(), orchestrator.AssessRequest{
		ModelRef:   req.ModelBlobID,
		DatasetRef: req.DatasetBlobID,
		Kind:       interfaces.AssessmentKind(req.AssessmentType),
		Metrics:    req.QualityMetrics,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleAttest(w http.ResponseWriter, r *http.Request) {
	var req api.AttestRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, interfaces.NewInputError(broker.StageAttest, err))
		return
	}

	att, err := h.svc.Attest(req.FileID, req.Operation, req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, att)
}

func (h *Handler) HandleListAttestations(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.ListAttestations())
}

func (h *Handler) HandleGetAttestation(w http.ResponseWriter, r *http.Request) {
	att, err := h.svc.GetAttestation(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, att)
}

// HandleVerify answers 200 with valid=false for any attestation that does
// not verify, including ones that fail to decode into an attestation.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var att interfaces.Attestation
	if err := decodeJSON(r, &att); err != nil {
		h.log.Debug("undecodable attestation submitted for verification", "err", err)
		h.writeJSON(w, http.StatusOK, api.VerifyResponse{})
		return
	}

	valid, local := h.svc.Verify(&att)
	h.writeJSON(w, http.StatusOK, api.VerifyResponse{Valid: valid, LocalSigner: local})
}

// HandleIdentity serves GET /identity?user_data=<hex>.
func (h *Handler) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	userData, err := hex.DecodeString(r.URL.Query().Get("user_data"))
	if err != nil {
		h.writeError(w, r, interfaces.NewInputError("identity", fmt.Errorf("user_data must be hex: %w", err)))
		return
	}

	report, err := h.svc.IdentityReport(userData)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.Health(r.Context()))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := api.StatusForError(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "err", fmt.Sprintf("%+v", err))
	} else if !errors.Is(err, interfaces.ErrFileNotFound) && !errors.Is(err, interfaces.ErrAttestationNotFound) {
		h.log.Info("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	api.WriteError(w, err)
}
