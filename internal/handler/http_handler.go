package handler

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-doc-signing/internal/errors"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
	"github.com/pesio-ai/be-doc-signing/internal/service"
)

const (
	maxUploadBytes = 25 << 20 // 25MB
	maxJSONBytes   = 6 << 20  // signature images travel as data URLs

	// Owner identity is established by the gateway in front of this service.
	headerOwnerID    = "X-Owner-ID"
	headerOwnerEmail = "X-Owner-Email"
)

// HTTPHandler exposes the document and signing operations over HTTP.
type HTTPHandler struct {
	documents *service.DocumentService
	signing   *service.SigningService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(documents *service.DocumentService, signing *service.SigningService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		documents: documents,
		signing:   signing,
		log:       log.WithComponent("http"),
	}
}

// Routes mounts every endpoint on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api/documents", func(api chi.Router) {
		api.Post("/", h.CreateDocument)
		api.Get("/", h.ListDocuments)
		api.Get("/stats", h.Stats)

		api.Route("/{id}", func(doc chi.Router) {
			doc.Get("/", h.GetDocument)
			doc.Patch("/", h.UpdateDocument)
			doc.Delete("/", h.DeleteDocument)
			doc.Post("/send", h.SendDocument)
			doc.Put("/signers", h.ReplaceSigners)
			doc.Post("/signers", h.AddSigner)
			doc.Delete("/signers/{email}", h.RemoveSigner)
			doc.Get("/share-link", h.ShareLink)
			doc.Get("/download", h.Download)
			doc.Post("/generate", h.GenerateArtifact)
			doc.Get("/audit", h.AuditTrail)
		})
	})

	r.Route("/api/sign/{token}", func(sign chi.Router) {
		sign.Get("/", h.ViewAsSigner)
		sign.Post("/", h.Sign)
		sign.Post("/reject", h.Reject)
	})
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Owner endpoints ───────────────────────────────────────────────────────────

// CreateDocument accepts a multipart upload with a "file" part and optional
// "title" and "description" values.
func (h *HTTPHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, errors.InvalidInput("file", "invalid multipart upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, errors.InvalidInput("file", "file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, errors.InvalidInput("file", "failed to read upload"))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	doc, err := h.documents.CreateDocument(r.Context(), owner, service.CreateDocumentInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		FileName:    header.Filename,
		MimeType:    mimeType,
		Data:        data,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *HTTPHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	docs, err := h.documents.ListDocuments(r.Context(), owner, q.Get("status"), q.Get("search"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (h *HTTPHandler) Stats(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	stats, err := h.documents.Stats(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	doc, err := h.documents.GetDocument(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *HTTPHandler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req service.UpdateDocumentInput
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.documents.UpdateDocument(r.Context(), owner, chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *HTTPHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	if err := h.documents.DeleteDocument(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) SendDocument(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	links, err := h.signing.Send(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (h *HTTPHandler) ReplaceSigners(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req struct {
		Signers []service.SignerInput `json:"signers"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.signing.ReplaceSigners(r.Context(), owner, chi.URLParam(r, "id"), req.Signers)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *HTTPHandler) AddSigner(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req service.SignerInput
	if !h.decode(w, r, &req) {
		return
	}
	doc, err := h.documents.AddSigner(r.Context(), owner, chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *HTTPHandler) RemoveSigner(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	doc, err := h.documents.RemoveSigner(r.Context(), owner, chi.URLParam(r, "id"), chi.URLParam(r, "email"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *HTTPHandler) ShareLink(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	link, err := h.documents.ShareLink(r.Context(), owner, chi.URLParam(r, "id"), r.URL.Query().Get("email"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (h *HTTPHandler) Download(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	artifact, data, err := h.documents.Download(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", artifact.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Warn().Err(err).Msg("Failed to write download")
	}
}

func (h *HTTPHandler) GenerateArtifact(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	artifact, err := h.documents.GenerateArtifact(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.documents.AuditTrail(r.Context(), owner, chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ── Signer endpoints ──────────────────────────────────────────────────────────

func (h *HTTPHandler) ViewAsSigner(w http.ResponseWriter, r *http.Request) {
	view, err := h.signing.ViewAsSigner(r.Context(), chi.URLParam(r, "token"), clientInfo(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req service.SignInput
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.signing.Sign(r.Context(), chi.URLParam(r, "token"), req, clientInfo(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// The reason is optional, so an empty body is accepted.
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}
	res, err := h.signing.Reject(r.Context(), chi.URLParam(r, "token"), req.Reason, clientInfo(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) owner(w http.ResponseWriter, r *http.Request) (service.Owner, bool) {
	id := r.Header.Get(headerOwnerID)
	if id == "" {
		h.writeError(w, errors.New(errors.ErrCodeUnauthorized, "authentication required"))
		return service.Owner{}, false
	}
	return service.Owner{
		ID:         id,
		Email:      r.Header.Get(headerOwnerEmail),
		ClientInfo: clientInfo(r),
	}, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)

	detail := errorDetail{Code: code, Message: "internal server error"}
	var coded *errors.Error
	if stderrors.As(err, &coded) && status != http.StatusInternalServerError {
		detail.Message = coded.Message
		detail.Field = coded.Field
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.ErrCodeValidation:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeExpired:
		return http.StatusGone
	case errors.ErrCodeState:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func clientInfo(r *http.Request) service.ClientInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.ClientInfo{IP: ip, UserAgent: r.UserAgent()}
}
