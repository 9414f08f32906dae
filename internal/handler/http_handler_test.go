package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-signing/internal/client"
	"github.com/pesio-ai/be-doc-signing/internal/clock"
	"github.com/pesio-ai/be-doc-signing/internal/lock"
	"github.com/pesio-ai/be-doc-signing/internal/logger"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
	"github.com/pesio-ai/be-doc-signing/internal/service"
	"github.com/pesio-ai/be-doc-signing/internal/storage"
	"github.com/pesio-ai/be-doc-signing/internal/token"
)

const (
	ownerID  = "owner-1"
	pdfBytes = "%PDF-1.4 test document"
	linkBase = "https://sign.example.com"
)

type syncAudit struct {
	mu     sync.Mutex
	events []repository.AuditEvent
}

func (a *syncAudit) Record(event repository.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *syncAudit) Query(ctx context.Context, documentID string, limit int) ([]repository.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []repository.AuditEvent
	for i := len(a.events) - 1; i >= 0 && len(out) < limit; i-- {
		if a.events[i].DocumentID == documentID {
			out = append(out, a.events[i])
		}
	}
	return out, nil
}

type stampGenerator struct{}

func (stampGenerator) Generate(src []byte, fields []repository.SignatureField, signers []*repository.Signer) ([]byte, error) {
	return append(append([]byte{}, src...), []byte(" signed")...), nil
}

type server struct {
	clk    *clock.Mock
	router chi.Router
}

func newServer(t *testing.T) *server {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	docs := repository.NewMemoryDocumentStore()
	tokens := token.NewAuthority(docs, clk, token.DefaultTTL, linkBase)
	notifier := client.NewNotificationPublisher(nil, "", logger.Nop())
	signing := service.NewSigningService(docs, storage.NewMemoryStore(), &syncAudit{}, tokens,
		stampGenerator{}, notifier, lock.NewKeyedMutex(), clk, logger.Nop())
	documents := service.NewDocumentService(signing, service.DefaultDocumentTTL, logger.Nop())

	r := chi.NewRouter()
	NewHTTPHandler(documents, signing, logger.Nop()).Routes(r)
	return &server{clk: clk, router: r}
}

func (s *server) do(t *testing.T, method, path string, body any, owned bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	if owned {
		req.Header.Set(headerOwnerID, ownerID)
		req.Header.Set(headerOwnerEmail, "owner@example.com")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) upload(t *testing.T, fileName, contentType, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "Lease"))
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName)}
	if contentType != "" {
		header["Content-Type"] = []string{contentType}
	}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(headerOwnerID, ownerID)
	req.Header.Set(headerOwnerEmail, "owner@example.com")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) createDocument(t *testing.T) string {
	t.Helper()
	rec := s.upload(t, "lease.pdf", "application/pdf", pdfBytes)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc repository.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return doc.ID
}

// sendTo adds signers, sends, and returns each signer's token.
func (s *server) sendTo(t *testing.T, id string, emails ...string) map[string]string {
	t.Helper()
	signers := make([]service.SignerInput, 0, len(emails))
	for _, e := range emails {
		signers = append(signers, service.SignerInput{Email: e})
	}
	rec := s.do(t, http.MethodPut, "/api/documents/"+id+"/signers", map[string]any{"signers": signers}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/documents/"+id+"/send", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Links []service.SigningLink `json:"links"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	out := make(map[string]string)
	for _, l := range resp.Links {
		out[l.Email] = strings.TrimPrefix(l.Link, linkBase+"/sign/")
	}
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOwnerRoutes_RequireIdentity(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/api/documents", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", string(decodeError(t, rec).Code))
}

func TestCreateDocument(t *testing.T) {
	s := newServer(t)

	rec := s.upload(t, "lease.pdf", "application/pdf", pdfBytes)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc repository.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "Lease", doc.Title)
	assert.Equal(t, repository.DocumentDraft, doc.Status)
	assert.Equal(t, ownerID, doc.OwnerID)

	rec = s.do(t, http.MethodGet, "/api/documents/"+doc.ID, nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/documents?status=draft", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestCreateDocument_SniffsMissingContentType(t *testing.T) {
	s := newServer(t)
	rec := s.upload(t, "lease.pdf", "application/octet-stream", pdfBytes)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreateDocument_RejectsNonPDF(t *testing.T) {
	s := newServer(t)
	rec := s.upload(t, "notes.txt", "text/plain", "hello")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", string(detail.Code))
	assert.Equal(t, "file", detail.Field)
}

func TestGetDocument_OtherOwnerIsNotFound(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/"+id, nil)
	req.Header.Set(headerOwnerID, "someone-else")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateDocument(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)

	rec := s.do(t, http.MethodPatch, "/api/documents/"+id, map[string]any{"title": "Lease v2"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc repository.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "Lease v2", doc.Title)

	req := httptest.NewRequest(http.MethodPatch, "/api/documents/"+id, strings.NewReader("{not json"))
	req.Header.Set(headerOwnerID, ownerID)
	bad := httptest.NewRecorder()
	s.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestUpdateDocument_FieldsAfterSendIsStateError(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)
	s.sendTo(t, id, "bob@example.com")

	fields := []map[string]any{{"page": 1, "x": 10, "y": 10, "signer_email": "bob@example.com"}}
	rec := s.do(t, http.MethodPatch, "/api/documents/"+id, map[string]any{"signature_fields": fields}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "STATE_ERROR", string(decodeError(t, rec).Code))
}

func TestSendDocument_WithoutSigners(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)
	rec := s.do(t, http.MethodPost, "/api/documents/"+id+"/send", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSigningFlow(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)
	tokens := s.sendTo(t, id, "bob@example.com")
	tok := tokens["bob@example.com"]
	require.NotEmpty(t, tok)

	rec := s.do(t, http.MethodGet, "/api/sign/"+tok, nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view service.SignerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, id, view.DocumentID)
	assert.Equal(t, "bob@example.com", view.Signer.Email)
	assert.NotContains(t, rec.Body.String(), tok)

	rec = s.do(t, http.MethodPost, "/api/sign/"+tok, map[string]string{
		"signature": "data:image/png;base64,iVBORw0KGgo=",
		"name":      "Bob",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.SignerResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Completed)
	assert.Equal(t, repository.DocumentSigned, res.DocumentStatus)

	rec = s.do(t, http.MethodPost, "/api/sign/"+tok, map[string]string{"signature": "data:image/png;base64,iVBORw0KGgo="}, false)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/documents/"+id+"/download", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, pdfBytes+" signed", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/documents/"+id+"/audit?limit=5", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail struct {
		Events []repository.AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	assert.Len(t, trail.Events, 5)
}

func TestReject(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)
	tokens := s.sendTo(t, id, "bob@example.com", "carol@example.com")

	rec := s.do(t, http.MethodPost, "/api/sign/"+tokens["carol@example.com"]+"/reject", map[string]string{"reason": "wrong terms"}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.SignerResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, repository.DocumentRejected, res.DocumentStatus)
	assert.Equal(t, repository.SignerRejected, res.SignerStatus)

	rec = s.do(t, http.MethodPost, "/api/sign/"+tokens["bob@example.com"], map[string]string{"signature": "data:image/png;base64,iVBORw0KGgo="}, false)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSign_UnknownAndExpiredToken(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/api/sign/does-not-exist", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	id := s.createDocument(t)
	tokens := s.sendTo(t, id, "bob@example.com")
	s.clk.Advance(token.DefaultTTL + time.Hour)

	rec = s.do(t, http.MethodPost, "/api/sign/"+tokens["bob@example.com"], map[string]string{"signature": "data:image/png;base64,iVBORw0KGgo="}, false)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "EXPIRED", string(decodeError(t, rec).Code))
}

func TestDeleteDocument(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)

	rec := s.do(t, http.MethodDelete, "/api/documents/"+id, nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/documents/"+id, nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsAndSignerEdits(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)

	rec := s.do(t, http.MethodPost, "/api/documents/"+id+"/signers", service.SignerInput{Email: "Dan@Example.com", Name: "Dan"}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/documents/"+id+"/share-link?email=dan@example.com", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, "/api/documents/"+id+"/signers/dan@example.com", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc repository.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Empty(t, doc.Signers)

	rec = s.do(t, http.MethodGet, "/api/documents/stats", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Draft)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor("SOMETHING_ELSE"))
	assert.Equal(t, http.StatusGone, statusFor("EXPIRED"))
}

func TestReject_EmptyBody(t *testing.T) {
	s := newServer(t)
	id := s.createDocument(t)
	tokens := s.sendTo(t, id, "bob@example.com")

	rec := s.do(t, http.MethodPost, "/api/sign/"+tokens["bob@example.com"]+"/reject", nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestOwnerRoutes_MalformedDocumentIDIsNotFound(t *testing.T) {
	s := newServer(t)
	for _, path := range []string{"/api/documents/abc", "/api/documents/abc/audit", "/api/documents/abc/download"} {
		rec := s.do(t, http.MethodGet, path, nil, true)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "NOT_FOUND", string(decodeError(t, rec).Code), path)
	}
	rec := s.do(t, http.MethodDelete, "/api/documents/abc", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
