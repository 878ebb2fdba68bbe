// Package handler exposes the grading operations as a JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/grader/internal/document"
	"github.com/pavelanni/grader/internal/extract"
	"github.com/pavelanni/grader/internal/grading"
	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/store"
)

// DefaultMaxUpload bounds a multipart upload.
const DefaultMaxUpload = 32 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	orch      *grading.Orchestrator
	validate  *validator.Validate
	maxUpload int64
}

// New creates a new Handler.
func New(s *store.Store, o *grading.Orchestrator) *Handler {
	return &Handler{
		store:     s,
		orch:      o,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxUpload: DefaultMaxUpload,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/templates", h.handleCreateTemplate)
	r.Get("/templates", h.handleListTemplates)
	r.Get("/templates/latest", h.handleLatestTemplate)
	r.Get("/templates/{templateID}/versions", h.handleTemplateVersions)
	r.Get("/templates/{templateID}/versions/{version}", h.handleTemplateVersion)
	r.Post("/submissions", h.handleUploadSubmissions)
	r.Get("/submissions", h.handleListSubmissions)
	r.Get("/submissions/{submissionID}", h.handleGetSubmission)
	r.Post("/grade", h.handleGrade)
	r.Get("/results", h.handleResults)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type templateResponse struct {
	Template model.Template `json:"template"`
	Created  bool           `json:"created"`
	Message  string         `json:"message"`
}

func (h *Handler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	headers := r.MultipartForm.File["file"]
	if len(headers) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one answer key file is required")
		return
	}
	doc, err := readUpload(headers[0])
	if err != nil {
		writeUploadErr(w, err)
		return
	}

	tmpl, created, err := h.orch.AnalyzeTemplate(r.Context(), doc, r.FormValue("template_id"))
	if err != nil {
		slog.Error("failed to analyze template", "ref", doc.Ref, "error", err)
		writeErr(w, err)
		return
	}

	data := map[string]any{"TemplateID": tmpl.TemplateID, "Version": tmpl.Version, "Questions": len(tmpl.Records)}
	resp := templateResponse{Template: tmpl, Created: created}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		resp.Message = appI18n.Td(r.Context(), "TemplateCreated", data)
	} else {
		resp.Message = appI18n.Td(r.Context(), "TemplateUnchanged", data)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.Templates.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleLatestTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.store.Templates.Latest(r.Context(), r.URL.Query().Get("template_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (h *Handler) handleTemplateVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.store.Templates.Versions(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) handleTemplateVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	tmpl, err := h.store.Templates.Version(r.Context(), chi.URLParam(r, "templateID"), version)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

type uploadResponse struct {
	Submissions []model.Submission `json:"submissions"`
	Failed      int                `json:"failed"`
	Message     string             `json:"message"`
}

func (h *Handler) handleUploadSubmissions(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no submission files uploaded")
		return
	}
	docs := make([]model.Document, 0, len(headers))
	for _, fh := range headers {
		doc, err := readUpload(fh)
		if err != nil {
			writeUploadErr(w, err)
			return
		}
		docs = append(docs, doc)
	}

	subs, err := h.orch.UploadSubmissions(r.Context(), docs)
	if err != nil {
		slog.Error("failed to upload submissions", "error", err)
		writeErr(w, err)
		return
	}
	resp := uploadResponse{Submissions: subs}
	for _, s := range subs {
		if s.Status == model.SubmissionFailed {
			resp.Failed++
		}
	}
	resp.Message = appI18n.Tp(r.Context(), "SubmissionsUploaded", len(subs))
	if resp.Failed > 0 {
		resp.Message += " " + appI18n.Tp(r.Context(), "SubmissionsFailedExtraction", resp.Failed)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.Submissions.List(r.Context(), model.SubmissionStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.Submissions.Get(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type gradeRequest struct {
	TemplateID    string   `json:"template_id" validate:"omitempty,max=128"`
	Version       int      `json:"version" validate:"gte=0"`
	SubmissionIDs []string `json:"submission_ids" validate:"omitempty,dive,required"`
}

type gradeResponse struct {
	model.BatchResult
	Message string `json:"message"`
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	subs, err := h.submissionsFor(r, req.SubmissionIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(subs) == 0 {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "NoSubmissions"))
		return
	}

	batch, err := h.orch.GradeBatch(r.Context(), grading.TemplateRef{TemplateID: req.TemplateID, Version: req.Version}, grading.JobsFor(subs))
	if err != nil {
		slog.Error("batch grading failed", "template_id", req.TemplateID, "error", err)
		writeErr(w, err)
		return
	}

	if err := h.store.MarkGraded(r.Context(), batch.TemplateID); err != nil {
		slog.Warn("record graded template", "template_id", batch.TemplateID, "error", err)
	}

	msg := appI18n.Td(r.Context(), "BatchGraded", map[string]any{
		"Succeeded":  batch.Summary.Succeeded,
		"Total":      batch.Summary.Submissions,
		"Failed":     batch.Summary.Failed,
		"TemplateID": batch.TemplateID,
		"Version":    batch.TemplateVersion,
		"Mean":       fmt.Sprintf("%.2f", batch.Summary.MeanScore),
	})
	if n := batch.Summary.HelpFlaggedSubs; n > 0 {
		msg += " " + appI18n.Tp(r.Context(), "HelpFlagged", n)
	}
	writeJSON(w, http.StatusOK, gradeResponse{BatchResult: batch, Message: msg})
}

// submissionsFor loads the named submissions, or every extracted one when
// ids is empty.
func (h *Handler) submissionsFor(r *http.Request, ids []string) ([]model.Submission, error) {
	if len(ids) == 0 {
		return h.store.Submissions.List(r.Context(), model.SubmissionExtracted)
	}
	subs := make([]model.Submission, 0, len(ids))
	for _, id := range ids {
		sub, err := h.store.Submissions.Get(r.Context(), id)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	version := 0
	if v := q.Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		version = n
	}
	templateID := q.Get("template_id")
	if templateID == "" {
		id, err := h.store.DefaultTemplateID(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		templateID = id
	}

	export, err := h.store.Export(r.Context(), templateID, version, h.orch.Config().HelpFlagThreshold)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func readUpload(fh *multipart.FileHeader) (model.Document, error) {
	f, err := fh.Open()
	if err != nil {
		return model.Document{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return model.Document{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	return document.Read(fh.Filename, data)
}

func writeUploadErr(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, document.ErrUnsupported) {
		status = http.StatusUnsupportedMediaType
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps the error taxonomy onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var (
		cfgErr *model.ConfigurationError
		exErr  *extract.Error
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, grading.ErrTemplateNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, document.ErrUnsupported):
		status = http.StatusUnsupportedMediaType
	case errors.As(err, &exErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &cfgErr), isValidation(err):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}

func isValidation(err error) bool {
	var ve validator.ValidationErrors
	return errors.As(err, &ve)
}
