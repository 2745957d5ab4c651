package controllers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opsdesk/opsdesk-backend/api/responses"
	"github.com/opsdesk/opsdesk-backend/api/validators"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/orchestrator"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/parser"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/pagination"
)

const (
	uploadFileField   = "file"
	uploadedByField   = "uploadedBy"
	defaultFailuresPg = 0
	defaultFailuresSz = 50

	multipartMemoryBytes = 8 << 20
)

type bulkUploadResponse struct {
	BatchID      string         `json:"batchId"`
	Status       string         `json:"status"`
	TotalRecords int            `json:"totalRecords"`
	TotalChunks  int            `json:"totalChunks"`
	AcceptedAt   time.Time      `json:"acceptedAt"`
	StatusURL    string         `json:"statusUrl"`
	FailuresURL  string         `json:"failuresUrl"`
	Report       *parser.Report `json:"report,omitempty"`
}

// BulkUpload accepts a multipart ticket file and answers 202 once every
// chunk has reached the broker. Processing progress is observed through
// the status surface, not this response. The transport body cap lives in
// the router so it runs before anything buffers the body.
func BulkUpload(svc orchestrator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "bulk service unavailable"))
			return
		}

		if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
			responses.WriteError(r.Context(), logg, w, uploadBodyError(err))
			return
		}
		defer func() {
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}()

		file, header, err := r.FormFile(uploadFileField)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeNullRequest, err, "multipart field \"file\" is required"))
			return
		}
		defer file.Close()

		result, err := svc.Submit(r.Context(), parser.Submission{
			Filename: header.Filename,
			Size:     header.Size,
			Reader:   file,
		}, strings.TrimSpace(r.FormValue(uploadedByField)))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusAccepted, bulkUploadResponse{
			BatchID:      result.BatchID,
			Status:       "ACCEPTED",
			TotalRecords: result.TotalRecords,
			TotalChunks:  result.TotalChunks,
			AcceptedAt:   result.AcceptedAt,
			StatusURL:    "/api/tickets/bulk/status/" + result.BatchID,
			FailuresURL:  "/api/tickets/bulk/failures/" + result.BatchID,
			Report:       result.Report,
		})
	}
}

// uploadBodyError separates the transport size cap, which is 413, from a
// multipart payload the server could not parse at all.
func uploadBodyError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return pkgerrors.Wrap(pkgerrors.CodeBatchSizeExceeded, err, "uploaded file too large")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInvalidFileFormat, err, "malformed multipart payload")
}

// BulkStatus returns the stored snapshot for one batch.
func BulkStatus(svc orchestrator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "bulk service unavailable"))
			return
		}

		snapshot, err := svc.Status(r.Context(), chi.URLParam(r, "batchId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, snapshot)
	}
}

// BulkFailures returns one page of a batch's failure list.
func BulkFailures(svc orchestrator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "bulk service unavailable"))
			return
		}

		page, err := validators.ParseQueryInt(r, "page", defaultFailuresPg, 0, 1_000_000)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		size, err := validators.ParseQueryInt(r, "size", defaultFailuresSz, 1, pagination.MaxPageSize)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Failures(r.Context(), chi.URLParam(r, "batchId"), page, size)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

// BulkActive lists batch ids that have not reached a terminal status.
func BulkActive(svc orchestrator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "bulk service unavailable"))
			return
		}

		ids, err := svc.Active(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}

		responses.WriteSuccess(w, map[string]any{"batchIds": ids, "count": len(ids)})
	}
}

// BulkCancel requests an advisory cancellation. Chunks not yet started are
// skipped; records already in flight finish normally.
func BulkCancel(svc orchestrator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "bulk service unavailable"))
			return
		}

		reason := strings.TrimSpace(r.URL.Query().Get("reason"))
		result, err := svc.Cancel(r.Context(), chi.URLParam(r, "batchId"), reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

// BulkDLT returns a snapshot of one topic's dead-letter audit list. An
// empty topic defaults to the bulk dead-letter topic.
func BulkDLT(svc orchestrator.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternalError, "bulk service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultPageSize, 1, pagination.MaxPageSize)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.DLT(r.Context(), strings.TrimSpace(r.URL.Query().Get("topic")), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, result)
	}
}

// BulkDLTReprocess is a placeholder until a reprocessing policy exists.
// It acknowledges the message id and reports that nothing was replayed.
func BulkDLTReprocess(logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccessStatus(w, http.StatusNotImplemented, map[string]any{
			"messageId":   chi.URLParam(r, "messageId"),
			"reprocessed": false,
			"message":     "DLT reprocessing is not implemented",
		})
	}
}
