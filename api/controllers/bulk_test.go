package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/opsdesk/opsdesk-backend/internal/bulk/orchestrator"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/parser"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

type testBulkService struct {
	activeFn func(ctx context.Context) ([]string, error)
}

func (s *testBulkService) Submit(context.Context, parser.Submission, string) (*orchestrator.SubmitResult, error) {
	return nil, errors.New("not wired")
}

func (s *testBulkService) Status(context.Context, string) (*tracking.Snapshot, error) {
	return nil, errors.New("not wired")
}

func (s *testBulkService) Failures(context.Context, string, int, int) (*orchestrator.FailurePage, error) {
	return nil, errors.New("not wired")
}

func (s *testBulkService) Active(ctx context.Context) ([]string, error) {
	if s.activeFn != nil {
		return s.activeFn(ctx)
	}
	return nil, nil
}

func (s *testBulkService) Cancel(context.Context, string, string) (*orchestrator.CancelResult, error) {
	return nil, errors.New("not wired")
}

func (s *testBulkService) DLT(context.Context, string, int) (*orchestrator.DLTPage, error) {
	return nil, errors.New("not wired")
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func TestUploadBodyErrorSeparatesSizeCap(t *testing.T) {
	oversized := uploadBodyError(&http.MaxBytesError{Limit: 1024})
	typed := pkgerrors.As(oversized)
	if typed == nil || typed.Code() != pkgerrors.CodeBatchSizeExceeded {
		t.Fatalf("expected %s got %v", pkgerrors.CodeBatchSizeExceeded, oversized)
	}

	malformed := uploadBodyError(errors.New("no multipart boundary param in Content-Type"))
	typed = pkgerrors.As(malformed)
	if typed == nil || typed.Code() != pkgerrors.CodeInvalidFileFormat {
		t.Fatalf("expected %s got %v", pkgerrors.CodeInvalidFileFormat, malformed)
	}
}

func TestBulkActiveNormalizesEmptyList(t *testing.T) {
	handler := BulkActive(&testBulkService{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/bulk/active", nil)
	resp := httptest.NewRecorder()
	handler(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"batchIds":[]`) {
		t.Fatalf("expected empty array, got %s", resp.Body.String())
	}
}

func TestBulkDLTReprocessAnswersNotImplemented(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/bulk/dlt/reprocess/msg-42", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("messageId", "msg-42")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	resp := httptest.NewRecorder()
	BulkDLTReprocess(testLogger())(resp, req)

	if resp.Code != http.StatusNotImplemented {
		t.Fatalf("unexpected status %d", resp.Code)
	}
	var envelope struct {
		Data struct {
			MessageID   string `json:"messageId"`
			Reprocessed bool   `json:"reprocessed"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if envelope.Data.MessageID != "msg-42" || envelope.Data.Reprocessed {
		t.Fatalf("unexpected payload: %+v", envelope.Data)
	}
}
