package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chainalert/internal/exposure/handler/mocks"
	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/service"
	dErrors "chainalert/pkg/domain-errors"
	"chainalert/pkg/domain"
	"chainalert/pkg/requestcontext"
)

//go:generate mockgen -source=handler.go -destination=mocks/handler-mocks.go -package=mocks Service

func newTestHandler(t *testing.T) (*Handler, *mocks.MockService) {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	mockService := mocks.NewMockService(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(mockService, logger, nil, nil), mockService
}

// authedRequest builds a request whose context carries the authenticated
// account, the way RequireAuth seeds it.
func authedRequest(method, target string, body []byte, accountID domain.AccountID) *http.Request {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := requestcontext.WithAccountID(req.Context(), accountID)
	ctx = requestcontext.WithDisplayName(ctx, "Alice")
	return req.WithContext(ctx)
}

// withURLParam attaches a chi route parameter for direct handler calls.
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleSubmitReport(t *testing.T) {
	handler, mockService := newTestHandler(t)

	reportID := domain.NewReportID()
	var got service.SubmitReportCommand
	mockService.EXPECT().SubmitReport(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cmd service.SubmitReportCommand) (*service.SubmitResult, error) {
			got = cmd
			return &service.SubmitResult{
				ReportID:          reportID,
				NotificationCount: 4,
				ChainUpdates:      1,
			}, nil
		})

	body, err := json.Marshal(submitReportRequest{
		TestResult:   "POSITIVE",
		STITypes:     []string{"Chlamydia"},
		TestDate:     "2026-02-20",
		PrivacyLevel: "FULL",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	handler.handleSubmitReport(w, authedRequest(http.MethodPost, "/reports", body, "acct-alice"))

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp service.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.NotificationCount)
	assert.Equal(t, 1, resp.ChainUpdates)
	assert.Equal(t, reportID, resp.ReportID)

	assert.Equal(t, domain.AccountID("acct-alice"), got.AccountID)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, models.TestResultPositive, got.TestResult)
	assert.Equal(t, time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC), got.TestDate)
}

func TestHandleSubmitReport_BadRequests(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		handler, _ := newTestHandler(t)
		w := httptest.NewRecorder()
		handler.handleSubmitReport(w, authedRequest(http.MethodPost, "/reports", []byte("{not json"), "acct-alice"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unparseable test date", func(t *testing.T) {
		handler, _ := newTestHandler(t)
		body, err := json.Marshal(submitReportRequest{TestResult: "POSITIVE", TestDate: "20/02/2026"})
		require.NoError(t, err)
		w := httptest.NewRecorder()
		handler.handleSubmitReport(w, authedRequest(http.MethodPost, "/reports", body, "acct-alice"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing account in context", func(t *testing.T) {
		handler, _ := newTestHandler(t)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/reports", bytes.NewReader([]byte("{}")))
		handler.handleSubmitReport(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleSubmitReport_ServiceErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"validation failure", dErrors.New(dErrors.CodeInvalidInput, "incubation days out of range"), http.StatusBadRequest},
		{"linked report not found", dErrors.New(dErrors.CodeNotFound, "linked report not found"), http.StatusNotFound},
		{"propagation already running", dErrors.New(dErrors.CodeConflict, "a propagation run is already in progress"), http.StatusConflict},
		{"unexpected failure", errors.New("store unavailable"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler, mockService := newTestHandler(t)
			mockService.EXPECT().SubmitReport(gomock.Any(), gomock.Any()).Return(nil, tc.err)

			body, err := json.Marshal(submitReportRequest{TestResult: "POSITIVE", STITypes: []string{"Syphilis"}, TestDate: "2026-02-20"})
			require.NoError(t, err)
			w := httptest.NewRecorder()
			handler.handleSubmitReport(w, authedRequest(http.MethodPost, "/reports", body, "acct-alice"))
			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestHandleDeleteReport(t *testing.T) {
	reportID := "3f1c9a2e-0000-0000-0000-000000000001"

	t.Run("deletes own report", func(t *testing.T) {
		handler, mockService := newTestHandler(t)
		mockService.EXPECT().DeleteReport(gomock.Any(), domain.AccountID("acct-alice"), reportID).Return(nil)

		req := withURLParam(authedRequest(http.MethodDelete, "/reports/"+reportID, nil, "acct-alice"), "reportID", reportID)
		w := httptest.NewRecorder()
		handler.handleDeleteReport(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("someone else's report is forbidden", func(t *testing.T) {
		handler, mockService := newTestHandler(t)
		mockService.EXPECT().DeleteReport(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(dErrors.New(dErrors.CodeForbidden, "report belongs to another account"))

		req := withURLParam(authedRequest(http.MethodDelete, "/reports/"+reportID, nil, "acct-bob"), "reportID", reportID)
		w := httptest.NewRecorder()
		handler.handleDeleteReport(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown report", func(t *testing.T) {
		handler, mockService := newTestHandler(t)
		mockService.EXPECT().DeleteReport(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(dErrors.New(dErrors.CodeNotFound, "report not found"))

		req := withURLParam(authedRequest(http.MethodDelete, "/reports/"+reportID, nil, "acct-alice"), "reportID", reportID)
		w := httptest.NewRecorder()
		handler.handleDeleteReport(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleListNotifications(t *testing.T) {
	t.Run("returns notifications", func(t *testing.T) {
		handler, mockService := newTestHandler(t)
		mockService.EXPECT().ListNotifications(gomock.Any(), domain.AccountID("acct-alice")).Return([]models.Notification{
			{ID: "n-1", Type: models.TypeExposure, HopDepth: 1},
			{ID: "n-2", Type: models.TypeExposure, HopDepth: 2},
		}, nil)

		w := httptest.NewRecorder()
		handler.handleListNotifications(w, authedRequest(http.MethodGet, "/notifications", nil, "acct-alice"))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Notifications []models.Notification `json:"notifications"`
			Count         int                   `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
		require.Len(t, resp.Notifications, 2)
		assert.Equal(t, domain.NotificationID("n-1"), resp.Notifications[0].ID)
	})

	t.Run("empty list stays an array", func(t *testing.T) {
		handler, mockService := newTestHandler(t)
		mockService.EXPECT().ListNotifications(gomock.Any(), gomock.Any()).Return(nil, nil)

		w := httptest.NewRecorder()
		handler.handleListNotifications(w, authedRequest(http.MethodGet, "/notifications", nil, "acct-alice"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"notifications":[]`)
	})

	t.Run("store failure", func(t *testing.T) {
		handler, mockService := newTestHandler(t)
		mockService.EXPECT().ListNotifications(gomock.Any(), gomock.Any()).Return(nil, errors.New("timeout"))

		w := httptest.NewRecorder()
		handler.handleListNotifications(w, authedRequest(http.MethodGet, "/notifications", nil, "acct-alice"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandleMarkRead(t *testing.T) {
	notifID := "9d2b7c44-0000-0000-0000-000000000009"

	t.Run("marks read", func(t *testing.T) {
		handler, mockService := newTestHandler(t)
		mockService.EXPECT().MarkNotificationRead(gomock.Any(), domain.AccountID("acct-alice"), notifID).Return(nil)

		req := withURLParam(authedRequest(http.MethodPost, "/notifications/"+notifID+"/read", nil, "acct-alice"), "notificationID", notifID)
		w := httptest.NewRecorder()
		handler.handleMarkRead(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("unknown notification", func(t *testing.T) {
		handler, mockService := newTestHandler(t)
		mockService.EXPECT().MarkNotificationRead(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(dErrors.New(dErrors.CodeNotFound, "notification not found"))

		req := withURLParam(authedRequest(http.MethodPost, "/notifications/"+notifID+"/read", nil, "acct-alice"), "notificationID", notifID)
		w := httptest.NewRecorder()
		handler.handleMarkRead(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
