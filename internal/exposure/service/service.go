// Package service orchestrates report intake: validation, persistence,
// propagation, chain updates, and the audit trail. It keeps orchestration out
// of handlers and domain logic thin.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chainalert/internal/audit"
	"chainalert/internal/exposure/engine"
	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/store"
	"chainalert/internal/identity"
	"chainalert/pkg/domain"
	dErrors "chainalert/pkg/domain-errors"
)

const (
	defaultIncubationDays = 14
	maxIncubationDays     = 90
	// runLockTTL bounds how long a crashed run can shadow a reporter.
	runLockTTL = 5 * time.Minute
)

// Propagator runs one report through the interaction graph.
type Propagator interface {
	Propagate(ctx context.Context, in engine.Input) (*engine.Result, error)
}

// ChainUpdater retroactively edits stored chain visualizations.
type ChainUpdater interface {
	PropagatePositive(ctx context.Context, accountID domain.AccountID, stiTypes []string) (int, error)
	PropagateNegative(ctx context.Context, accountID domain.AccountID, stiTypes []string) (int, error)
	Revert(ctx context.Context, accountID domain.AccountID, from models.TestStatus) (int, error)
}

// AuditEmitter records domain events. Emission is fire-and-forget.
type AuditEmitter interface {
	Emit(ctx context.Context, event audit.Event)
}

// Service is the intake facade used by the HTTP layer.
type Service struct {
	reports       store.ReportStore
	notifications store.NotificationStore
	hasher        *identity.Hasher
	engine        Propagator
	chain         ChainUpdater
	locker        RunLocker
	auditor       AuditEmitter
	logger        *slog.Logger
	now           func() time.Time
}

func New(
	reports store.ReportStore,
	notifications store.NotificationStore,
	hasher *identity.Hasher,
	propagator Propagator,
	chain ChainUpdater,
	locker RunLocker,
	auditor AuditEmitter,
	logger *slog.Logger,
) *Service {
	if locker == nil {
		locker = NoopRunLocker{}
	}
	return &Service{
		reports:       reports,
		notifications: notifications,
		hasher:        hasher,
		engine:        propagator,
		chain:         chain,
		locker:        locker,
		auditor:       auditor,
		logger:        logger,
		now:           time.Now,
	}
}

// WithClock overrides the service clock. Test seam.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitReportCommand is one test result filed by an account.
type SubmitReportCommand struct {
	AccountID      domain.AccountID
	DisplayName    string
	TestResult     models.TestResult
	STITypes       []string
	TestDate       time.Time
	PrivacyLevel   models.PrivacyLevel
	IncubationDays int
	LinkedReportID string
}

// SubmitResult summarizes the intake outcome.
type SubmitResult struct {
	ReportID          domain.ReportID `json:"reportId"`
	NotificationCount int             `json:"notificationCount"`
	ChainUpdates      int             `json:"chainUpdates"`
}

func (s *Service) normalize(cmd *SubmitReportCommand) error {
	if strings.TrimSpace(string(cmd.AccountID)) == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "account id is required")
	}
	if cmd.TestResult != models.TestResultPositive && cmd.TestResult != models.TestResultNegative {
		return dErrors.New(dErrors.CodeInvalidInput, "test result must be POSITIVE or NEGATIVE")
	}
	if cmd.TestDate.IsZero() {
		return dErrors.New(dErrors.CodeInvalidInput, "test date is required")
	}
	if cmd.TestDate.After(s.now()) {
		return dErrors.New(dErrors.CodeInvalidInput, "test date cannot be in the future")
	}

	seen := make(map[string]bool)
	types := cmd.STITypes[:0:0]
	for _, t := range cmd.STITypes {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		types = append(types, t)
	}
	cmd.STITypes = types

	if cmd.TestResult == models.TestResultPositive {
		if len(cmd.STITypes) == 0 {
			return dErrors.New(dErrors.CodeInvalidInput, "a positive report requires at least one sti type")
		}
		if cmd.PrivacyLevel == "" {
			cmd.PrivacyLevel = models.PrivacyFull
		}
		if !cmd.PrivacyLevel.Valid() {
			return dErrors.New(dErrors.CodeInvalidInput, "unknown privacy level")
		}
		switch {
		case cmd.IncubationDays == 0:
			cmd.IncubationDays = defaultIncubationDays
		case cmd.IncubationDays < 0 || cmd.IncubationDays > maxIncubationDays:
			return dErrors.New(dErrors.CodeInvalidInput, "incubation days out of range")
		}
	}
	return nil
}

// SubmitReport validates, persists, and acts on one report. Positive results
// propagate through the interaction graph; both polarities update the
// reporter's node in existing chains.
func (s *Service) SubmitReport(ctx context.Context, cmd SubmitReportCommand) (*SubmitResult, error) {
	if err := s.normalize(&cmd); err != nil {
		return nil, err
	}

	reporterIdentity := s.hasher.Interaction(cmd.AccountID)
	linkedID, err := s.resolveLinkedReport(ctx, cmd.LinkedReportID, reporterIdentity)
	if err != nil {
		return nil, err
	}

	report := models.Report{
		ID:                          domain.NewReportID(),
		ReporterInteractionIdentity: reporterIdentity,
		TestResult:                  cmd.TestResult,
		STITypes:                    cmd.STITypes,
		PrivacyLevel:                cmd.PrivacyLevel,
		LinkedReportID:              linkedID,
	}
	testDate := cmd.TestDate
	report.TestDate = &testDate
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}

	s.auditor.Emit(ctx, audit.Event{
		Action:    audit.ActionReportSubmitted,
		ActorHash: s.hasher.Report(cmd.AccountID),
		ReportID:  report.ID.String(),
	})

	// Flip the reporter's node in chains that already contain them before
	// propagation, so the report's own fresh notifications are not touched.
	result := &SubmitResult{ReportID: report.ID}
	result.ChainUpdates = s.updateChains(ctx, cmd, report.ID)
	if cmd.TestResult == models.TestResultNegative {
		return result, nil
	}

	// One propagation per reporter at a time; a retry while a run is in
	// flight would double-notify before the first run's state lands.
	lockKey := "propagate:" + reporterIdentity.String()
	acquired, err := s.locker.Acquire(ctx, lockKey, runLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return nil, dErrors.New(dErrors.CodeConflict, "a propagation for this account is already running")
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey); err != nil {
			s.logger.WarnContext(ctx, "run lock release failed",
				slog.String("key", lockKey), slog.String("error", err.Error()))
		}
	}()

	runResult, err := s.engine.Propagate(ctx, engine.Input{
		ReportID:            report.ID,
		ReporterIdentity:    reporterIdentity,
		ReporterDisplayName: cmd.DisplayName,
		STITypes:            cmd.STITypes,
		TestDate:            cmd.TestDate,
		PrivacyLevel:        cmd.PrivacyLevel,
		IncubationDays:      cmd.IncubationDays,
		LinkedReportID:      linkedID,
	})
	if err != nil {
		return nil, fmt.Errorf("propagate report %s: %w", report.ID, err)
	}
	result.NotificationCount = runResult.NotificationCount

	s.auditor.Emit(ctx, audit.Event{
		Action:   audit.ActionPropagationCompleted,
		ReportID: report.ID.String(),
		Count:    runResult.NotificationCount,
	})
	if n := len(runResult.InvalidTokens); n > 0 {
		s.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionPushTokensInvalidated,
			ReportID: report.ID.String(),
			Count:    n,
		})
	}

	return result, nil
}

// updateChains flips the reporter's node in chains that already contain them.
// Failures degrade to a zero count; the report itself already succeeded.
func (s *Service) updateChains(ctx context.Context, cmd SubmitReportCommand, reportID domain.ReportID) int {
	var (
		updated int
		err     error
	)
	if cmd.TestResult == models.TestResultPositive {
		updated, err = s.chain.PropagatePositive(ctx, cmd.AccountID, cmd.STITypes)
	} else {
		updated, err = s.chain.PropagateNegative(ctx, cmd.AccountID, cmd.STITypes)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "chain update failed",
			slog.String("report_id", reportID.String()),
			slog.String("error", err.Error()))
		return 0
	}
	if updated > 0 {
		s.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionChainUpdateApplied,
			ReportID: reportID.String(),
			Count:    updated,
		})
	}
	return updated
}

func (s *Service) resolveLinkedReport(ctx context.Context, raw string, reporter domain.InteractionHash) (*domain.ReportID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	id, err := domain.ParseReportID(raw)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "linked report id is not a valid uuid")
	}
	linked, err := s.reports.FindByID(ctx, id)
	if err != nil {
		return nil, dErrors.Wrap(dErrors.CodeNotFound, "linked report not found", err)
	}
	if linked.ReporterInteractionIdentity != reporter {
		// Linking to someone else's report would leak their recipient set.
		return nil, dErrors.New(dErrors.CodeForbidden, "linked report belongs to another account")
	}
	return &id, nil
}

// DeleteReport soft-deletes a report, removes its notifications, and reverts
// the reporter's status in other chains.
func (s *Service) DeleteReport(ctx context.Context, accountID domain.AccountID, rawReportID string) error {
	id, err := domain.ParseReportID(rawReportID)
	if err != nil {
		return dErrors.New(dErrors.CodeInvalidInput, "report id is not a valid uuid")
	}
	report, err := s.reports.FindByID(ctx, id)
	if err != nil {
		return dErrors.Wrap(dErrors.CodeNotFound, "report not found", err)
	}
	if report.ReporterInteractionIdentity != s.hasher.Interaction(accountID) {
		return dErrors.New(dErrors.CodeForbidden, "report belongs to another account")
	}

	if err := s.reports.MarkDeleted(ctx, id); err != nil {
		return fmt.Errorf("mark report deleted: %w", err)
	}
	s.removeNotifications(ctx, id)

	from := models.StatusPositive
	if report.TestResult == models.TestResultNegative {
		from = models.StatusNegative
	}
	if reverted, err := s.chain.Revert(ctx, accountID, from); err != nil {
		s.logger.ErrorContext(ctx, "chain revert failed",
			slog.String("report_id", id.String()),
			slog.String("error", err.Error()))
	} else if reverted > 0 {
		s.auditor.Emit(ctx, audit.Event{
			Action:   audit.ActionChainUpdateApplied,
			ReportID: id.String(),
			Count:    reverted,
		})
	}

	s.auditor.Emit(ctx, audit.Event{
		Action:    audit.ActionReportDeleted,
		ActorHash: s.hasher.Report(accountID),
		ReportID:  id.String(),
	})
	return nil
}

// removeNotifications soft-deletes every notification the report produced.
// Best effort per document.
func (s *Service) removeNotifications(ctx context.Context, reportID domain.ReportID) {
	ns, err := s.notifications.ListByReport(ctx, reportID)
	if err != nil {
		s.logger.ErrorContext(ctx, "notification listing for deletion failed",
			slog.String("report_id", reportID.String()),
			slog.String("error", err.Error()))
		return
	}
	deletedAt := s.now()
	for _, n := range ns {
		err := s.notifications.Mutate(ctx, n.ID, func(doc *models.Notification) error {
			doc.DeletedAt = &deletedAt
			doc.UpdatedAt = deletedAt
			return nil
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "notification deletion failed",
				slog.String("notification_id", string(n.ID)),
				slog.String("error", err.Error()))
		}
	}
}

// ListNotifications returns the account's visible notifications.
func (s *Service) ListNotifications(ctx context.Context, accountID domain.AccountID) ([]models.Notification, error) {
	if strings.TrimSpace(string(accountID)) == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "account id is required")
	}
	ns, err := s.notifications.ListByRecipient(ctx, s.hasher.Notification(accountID))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return ns, nil
}

// MarkNotificationRead flags one of the account's notifications as read.
func (s *Service) MarkNotificationRead(ctx context.Context, accountID domain.AccountID, notificationID string) error {
	if strings.TrimSpace(notificationID) == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "notification id is required")
	}
	recipient := s.hasher.Notification(accountID)
	if err := s.notifications.MarkRead(ctx, domain.NotificationID(notificationID), recipient); err != nil {
		return dErrors.Wrap(dErrors.CodeNotFound, "notification not found", err)
	}
	s.auditor.Emit(ctx, audit.Event{
		Action:        audit.ActionNotificationRead,
		RecipientHash: recipient,
	})
	return nil
}
