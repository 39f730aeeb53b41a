// Package handler exposes the exposure-notification core over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/service"
	"chainalert/internal/platform/metrics"
	"chainalert/internal/platform/middleware"
	"chainalert/internal/transport/http/shared"
	dErrors "chainalert/pkg/domain-errors"
	"chainalert/pkg/domain"
	"chainalert/pkg/requestcontext"
)

// Service defines the report and notification operations the handler needs.
type Service interface {
	SubmitReport(ctx context.Context, cmd service.SubmitReportCommand) (*service.SubmitResult, error)
	DeleteReport(ctx context.Context, accountID domain.AccountID, reportID string) error
	ListNotifications(ctx context.Context, accountID domain.AccountID) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, accountID domain.AccountID, notificationID string) error
}

// Handler handles report and notification endpoints.
type Handler struct {
	logger       *slog.Logger
	service      Service
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
}

// New creates a new exposure Handler.
func New(
	svc Service,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		service:      svc,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register registers the exposure routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(middleware.ContentTypeJSON)
	router.Use(middleware.Latency(h.metrics))
	router.Use(middleware.Device)
	router.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
	router.Post("/reports", h.handleSubmitReport)
	router.Delete("/reports/{reportID}", h.handleDeleteReport)
	router.Get("/notifications", h.handleListNotifications)
	router.Post("/notifications/{notificationID}/read", h.handleMarkRead)

	r.Mount("/", router)
}

type submitReportRequest struct {
	TestResult     string   `json:"testResult"`
	STITypes       []string `json:"stiTypes"`
	TestDate       string   `json:"testDate"`
	PrivacyLevel   string   `json:"privacyLevel"`
	IncubationDays int      `json:"incubationDays"`
	LinkedReportID string   `json:"linkedReportId"`
}

// parseTestDate accepts a plain date or a full timestamp.
func parseTestDate(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// handleSubmitReport files a test result for the authenticated account.
func (h *Handler) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	// The middleware has already validated the JWT and set the account in context
	accountID := requestcontext.AccountID(ctx)
	if accountID == "" {
		h.logger.ErrorContext(ctx, "account id missing from context despite auth middleware",
			"request_id", requestID,
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return
	}

	var req submitReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid submit report request",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid request body"))
		return
	}

	testDate, err := parseTestDate(req.TestDate)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "testDate must be YYYY-MM-DD or RFC 3339"))
		return
	}

	result, err := h.service.SubmitReport(ctx, service.SubmitReportCommand{
		AccountID:      accountID,
		DisplayName:    requestcontext.DisplayName(ctx),
		TestResult:     models.TestResult(req.TestResult),
		STITypes:       req.STITypes,
		TestDate:       testDate,
		PrivacyLevel:   models.PrivacyLevel(req.PrivacyLevel),
		IncubationDays: req.IncubationDays,
		LinkedReportID: req.LinkedReportID,
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidInput) ||
			dErrors.HasCode(err, dErrors.CodeNotFound) ||
			dErrors.HasCode(err, dErrors.CodeForbidden) ||
			dErrors.HasCode(err, dErrors.CodeConflict) {
			h.logger.WarnContext(ctx, "submit report rejected",
				"request_id", requestID,
				"error", err.Error(),
			)
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "failed to submit report",
			"request_id", requestID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to submit report"))
		return
	}

	shared.WriteJSON(w, http.StatusCreated, result)
}

// handleDeleteReport removes a report and everything derived from it.
func (h *Handler) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	accountID := requestcontext.AccountID(ctx)
	reportID := chi.URLParam(r, "reportID")

	if err := h.service.DeleteReport(ctx, accountID, reportID); err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidInput) ||
			dErrors.HasCode(err, dErrors.CodeNotFound) ||
			dErrors.HasCode(err, dErrors.CodeForbidden) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "failed to delete report",
			"request_id", requestID,
			"report_id", reportID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to delete report"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListNotifications returns the authenticated account's notifications.
func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := requestcontext.AccountID(ctx)

	notifications, err := h.service.ListNotifications(ctx, accountID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list notifications",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to list notifications"))
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	shared.WriteJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// handleMarkRead marks one of the account's notifications as read.
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := requestcontext.AccountID(ctx)
	notificationID := chi.URLParam(r, "notificationID")

	if err := h.service.MarkNotificationRead(ctx, accountID, notificationID); err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidInput) || dErrors.HasCode(err, dErrors.CodeNotFound) {
			shared.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "failed to mark notification read",
			"request_id", requestcontext.RequestID(ctx),
			"notification_id", notificationID,
			"error", err.Error(),
		)
		shared.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to mark notification read"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
