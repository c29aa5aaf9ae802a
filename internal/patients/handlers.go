package patients

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"cmv.health/internal/blob"
	"cmv.health/internal/httpapi"
	"cmv.health/internal/ids"
	"cmv.health/internal/obs"
)

// allowedTypes are the upload formats accepted, by detected MIME type.
var allowedTypes = []string{
	"application/pdf",
	"image/png",
	"image/jpeg",
	"image/webp",
	"text/plain",
}

type Handler struct {
	repo      Repository
	blobs     blob.Store
	maxUpload int64
	timeout   time.Duration
	log       *slog.Logger
}

func NewHandler(repo Repository, blobs blob.Store, maxUpload int64, log *slog.Logger) *Handler {
	if log == nil {
		log = obs.Discard()
	}
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Handler{repo: repo, blobs: blobs, maxUpload: maxUpload, timeout: 10 * time.Second, log: log}
}

func (h *Handler) Register(api *httpapi.API, g httpapi.Guards) {
	api.Handle("GET /api/patients/{$}", g.Require("get", "patients").WrapFunc(h.list))
	api.Handle("GET /api/patients/search", g.Require("get", "patients").WrapFunc(h.search))
	api.Handle("GET /api/patients/{id}", g.Require("get", "patients").WrapFunc(h.get))
	api.Handle("POST /api/patients/{$}", g.Require("post", "patients").WrapFunc(h.create))
	api.Handle("PUT /api/patients/{id}", g.Require("put", "patients").WrapFunc(h.update))
	api.Handle("DELETE /api/patients/{id}", g.Require("delete", "patients").WrapFunc(h.delete))

	api.Handle("POST /api/patients/upload/{id}", g.Require("post", "documents").WrapFunc(h.upload))
	api.Handle("GET /api/patients/download/{id}", g.Require("get", "documents").WrapFunc(h.download))
	api.Handle("DELETE /api/patients/delete/{id}", g.Require("delete", "documents").WrapFunc(h.deleteDocument))
}

func (h *Handler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func parseQuery(r *http.Request) Query {
	v := r.URL.Query()
	page, _ := strconv.Atoi(v.Get("page"))
	limit, _ := strconv.Atoi(v.Get("limit"))
	return Query{
		Page:   page,
		Limit:  limit,
		Field:  v.Get("field"),
		Desc:   strings.EqualFold(v.Get("order"), "desc"),
		Search: v.Get("search"),
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := parseQuery(r)
	q.Search = ""
	h.writePage(w, r, q)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	q := parseQuery(r)
	if strings.TrimSpace(q.Search) == "" {
		httpapi.WriteError(w, r, http.StatusBadRequest, "search must not be empty")
		return
	}
	h.writePage(w, r, q)
}

func (h *Handler) writePage(w http.ResponseWriter, r *http.Request, q Query) {
	ctx, cancel := h.ctx(r)
	defer cancel()
	page, err := h.repo.List(ctx, q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	d, err := h.repo.Get(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in Input
	if !httpapi.Bind(w, r, &in) {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	p, err := h.repo.Create(ctx, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in Input
	if !httpapi.Bind(w, r, &in) {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	p, err := h.repo.Update(ctx, id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	keys, err := h.repo.Delete(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, k := range keys {
		h.removeBlob(ctx, k)
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"message": "Patient supprimé avec succès"})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	patientID, ok := pathID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	docType := r.FormValue("document_type")
	if docType == "" {
		docType = "Divers"
	}
	if !validDocumentType(docType) {
		httpapi.WriteError(w, r, http.StatusBadRequest, "unknown document_type")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, "could not read file")
		return
	}
	if int64(len(data)) > h.maxUpload {
		httpapi.WriteError(w, r, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if len(data) == 0 {
		httpapi.WriteError(w, r, http.StatusBadRequest, "file is empty")
		return
	}
	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), allowedTypes...) {
		httpapi.WriteError(w, r, http.StatusUnsupportedMediaType, "unsupported file type "+mt.String())
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	key := ids.NewKey(mt.Extension())
	info, err := h.blobs.Put(ctx, key, data)
	if err != nil {
		h.log.Error("store document", "key", key, "error", err)
		httpapi.WriteError(w, r, http.StatusServiceUnavailable, "document storage unavailable")
		return
	}
	doc, err := h.repo.AddDocument(ctx, Document{
		NomFichier:   key,
		TypeDocument: docType,
		ContentType:  mt.String(),
		SizeBytes:    info.Size,
		Digest:       info.Digest,
		PatientID:    patientID,
	})
	if err != nil {
		h.removeBlob(ctx, key)
		h.fail(w, r, err)
		return
	}
	h.log.Info("document stored", "document_id", doc.ID, "patient_id", patientID, "content_type", doc.ContentType, "size", doc.SizeBytes)
	httpapi.WriteJSON(w, http.StatusCreated, doc)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	doc, err := h.repo.Document(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data, err := h.blobs.Get(ctx, doc.NomFichier)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			h.log.Error("document body missing", "document_id", doc.ID, "key", doc.NomFichier)
			httpapi.WriteError(w, r, http.StatusNotFound, "document introuvable")
			return
		}
		h.log.Error("read document", "document_id", doc.ID, "error", err)
		httpapi.WriteError(w, r, http.StatusInternalServerError, "document unreadable")
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.NomFichier+`"`)
	if doc.Digest != "" {
		w.Header().Set("ETag", `"`+doc.Digest+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()
	doc, err := h.repo.DeleteDocument(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.removeBlob(ctx, doc.NomFichier)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"message": "Document supprimé avec succès"})
}

func (h *Handler) removeBlob(ctx context.Context, key string) {
	if err := h.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		h.log.Warn("remove document body", "key", key, "error", err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := httpapi.PathID(r, "id")
	if err != nil {
		httpapi.WriteError(w, r, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpapi.WriteError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, ErrAlreadyExists):
		httpapi.WriteError(w, r, http.StatusConflict, "patient_already_exists")
	default:
		h.log.Error("patients store error", "path", r.URL.Path, "error", err)
		httpapi.WriteError(w, r, http.StatusServiceUnavailable, "service unavailable")
	}
}
