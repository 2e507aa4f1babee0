package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medflow/rx-verification/internal/verification/domain"
	"github.com/medflow/rx-verification/internal/verification/service"
	apperrors "github.com/medflow/rx-verification/pkg/errors"
	"github.com/medflow/rx-verification/pkg/httputil"
	"github.com/medflow/rx-verification/pkg/i18n"
	"github.com/medflow/rx-verification/pkg/logger"
)

// multipartOverhead is allowed on top of the file size limit for form fields
// and part headers
const multipartOverhead = 1 << 20

// Verifications is the part of the verification service the API exposes
type Verifications interface {
	Submit(ctx context.Context, in service.SubmitInput) (*service.Record, error)
	Get(ctx context.Context, uploadID string) (*service.Record, error)
	Retry(ctx context.Context, uploadID string) (*service.Record, error)
	Review(ctx context.Context, uploadID string, in service.ReviewInput) (*service.Record, error)
	SubmitClarification(ctx context.Context, uploadID, patientID, answer string) (*service.Record, error)
	SoftDelete(ctx context.Context, uploadID string) error
	RecordUsage(ctx context.Context, uploadID, orderID string) (int, error)
}

// Handler handles prescription endpoints
type Handler struct {
	service     Verifications
	maxFileSize int64
	logger      *logger.Logger
}

// NewHandler creates a new prescription handler
func NewHandler(svc Verifications, maxFileSize int64, log *logger.Logger) *Handler {
	return &Handler{
		service:     svc,
		maxFileSize: maxFileSize,
		logger:      log.WithComponent("http"),
	}
}

// Register mounts the prescription API on r. Every route requires a bearer
// token; review routes require a pharmacist.
func (h *Handler) Register(r chi.Router, auth *httputil.Authenticator) {
	r.Route("/api/v1/prescriptions", func(r chi.Router) {
		r.Use(i18n.Middleware)
		r.Use(auth.Middleware)

		r.Post("/", h.Submit)
		r.Get("/{id}/verification", h.GetVerification)
		r.Post("/{id}/retry", h.Retry)
		r.Post("/{id}/clarification", h.SubmitClarification)
		r.Delete("/{id}", h.Delete)

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(httputil.RolePharmacist, httputil.RoleAdmin))
			r.Post("/{id}/review", h.Review)
		})
	})

	// Called by the order service when a prescription is attached to an order
	r.Route("/api/v1/internal/prescriptions", func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(httputil.RequireRole(httputil.RoleAdmin))
		r.Post("/{id}/usage", h.RecordUsage)
	})
}

// Submit handles POST /api/v1/prescriptions
// Accepts a multipart form with:
// - file: the prescription (PDF, DOCX, JPEG, PNG, WEBP or GIF)
// - source: optional upload channel (WEB, MOBILE, CHAT)
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.ErrorLocalized(w, r, apperrors.PayloadTooLarge(tooLarge.Limit, h.maxFileSize))
			return
		}
		httputil.ErrorLocalized(w, r, apperrors.BadRequest("invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.ErrorLocalized(w, r, apperrors.Validation(map[string]string{"file": "this field is required"}))
		return
	}
	defer file.Close()

	if header.Size > h.maxFileSize {
		httputil.ErrorLocalized(w, r, apperrors.PayloadTooLarge(header.Size, h.maxFileSize))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		httputil.ErrorLocalized(w, r, apperrors.BadRequest("failed to read uploaded file"))
		return
	}

	source := domain.UploadSource(r.FormValue("source"))
	switch source {
	case "", domain.SourceWeb, domain.SourceMobile, domain.SourceChat:
	default:
		httputil.ErrorLocalized(w, r, apperrors.Validation(map[string]string{"source": "must be one of: WEB MOBILE CHAT"}))
		return
	}

	ctx := r.Context()
	rec, err := h.service.Submit(ctx, service.SubmitInput{
		PatientID:    httputil.GetUserID(ctx),
		PatientName:  httputil.GetUserName(ctx),
		PatientEmail: httputil.GetUserEmail(ctx),
		Locale:       i18n.GetLocaleFromContext(ctx),
		FileName:     header.Filename,
		MimeType:     header.Header.Get("Content-Type"),
		Source:       source,
		Data:         data,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httputil.Accepted(w, rec)
}

// GetVerification handles GET /api/v1/prescriptions/{id}/verification
func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	rec, err := h.owned(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, rec)
}

// Retry handles POST /api/v1/prescriptions/{id}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	rec, err := h.owned(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rec, err = h.service.Retry(r.Context(), rec.Upload.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.Accepted(w, rec)
}

type reviewRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject clarify"`
	Notes    string `json:"notes" validate:"max=2000"`
	Reason   string `json:"reason" validate:"required_if=Decision reject,max=1000"`
	Question string `json:"question" validate:"required_if=Decision clarify,max=1000"`
}

// Review handles POST /api/v1/prescriptions/{id}/review
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	rec, err := h.service.Review(r.Context(), chi.URLParam(r, "id"), service.ReviewInput{
		Decision:   service.Decision(req.Decision),
		ReviewerID: httputil.GetUserID(r.Context()),
		Notes:      req.Notes,
		Reason:     req.Reason,
		Question:   req.Question,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, rec)
}

type clarificationRequest struct {
	Answer string `json:"answer" validate:"required,max=2000"`
}

// SubmitClarification handles POST /api/v1/prescriptions/{id}/clarification
func (h *Handler) SubmitClarification(w http.ResponseWriter, r *http.Request) {
	var req clarificationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	rec, err := h.service.SubmitClarification(r.Context(), chi.URLParam(r, "id"), httputil.GetUserID(r.Context()), req.Answer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /api/v1/prescriptions/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	rec, err := h.owned(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.service.SoftDelete(r.Context(), rec.Upload.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.NoContent(w)
}

type usageRequest struct {
	OrderID string `json:"order_id" validate:"required,max=100"`
}

// RecordUsage handles POST /api/v1/internal/prescriptions/{id}/usage
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorLocalized(w, r, err)
		return
	}

	count, err := h.service.RecordUsage(r.Context(), chi.URLParam(r, "id"), req.OrderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]int{"usage_count": count})
}

// owned loads the upload named in the path. Patients only see their own
// uploads; anyone else's is reported as missing.
func (h *Handler) owned(r *http.Request) (*service.Record, error) {
	ctx := r.Context()
	rec, err := h.service.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	switch httputil.GetUserRole(ctx) {
	case httputil.RolePharmacist, httputil.RoleAdmin:
		return rec, nil
	}
	if rec.Upload.PatientID != httputil.GetUserID(ctx) {
		return nil, apperrors.NotFound("upload")
	}
	return rec, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.StatusCode(err) >= http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("request_id", httputil.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	httputil.ErrorLocalized(w, r, err)
}
