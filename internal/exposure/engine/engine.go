// Package engine implements the bounded-depth, rolling-window,
// multi-path-deduplicated propagation of an exposure report through the
// interaction graph. One Propagate call is one sequential run: all traversal
// state (caches, batchers, the seen map) is owned by the run, so concurrent
// runs for different reports cannot interfere.
package engine

import (
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"chainalert/internal/exposure/metrics"
	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/push"
	"chainalert/internal/exposure/store"
	"chainalert/internal/identity"
	"chainalert/pkg/domain"
	dErrors "chainalert/pkg/domain-errors"
)

// Config bounds a propagation run.
type Config struct {
	// MaxHopDepth is the fixed traversal bound, in hops from the reporter.
	MaxHopDepth int
	// RetentionDays is the global retention boundary: interactions older
	// than this are never surfaced, even if still present in the store.
	RetentionDays int
	// QueryCacheSize / UserCacheSize bound the run-scoped caches.
	QueryCacheSize int
	UserCacheSize  int
	// MaxBatchSize is the notification batcher group size, clamped to the
	// store hard limit.
	MaxBatchSize int
	// DisableBatching writes each notification immediately instead of
	// flushing at run completion.
	DisableBatching bool
	// DisablePush skips push delivery entirely.
	DisablePush bool
}

func (c Config) withDefaults() Config {
	if c.MaxHopDepth <= 0 {
		c.MaxHopDepth = 10
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 365
	}
	if c.QueryCacheSize <= 0 {
		c.QueryCacheSize = 2048
	}
	if c.UserCacheSize <= 0 {
		c.UserCacheSize = 4096
	}
	return c
}

// Engine runs propagations. Safe for concurrent use; each run owns its state.
type Engine struct {
	interactions  store.InteractionStore
	users         store.UserIdentityStore
	notifications store.NotificationStore
	reports       store.ReportStore
	sender        push.Sender
	hasher        *identity.Hasher

	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New wires an engine. sender may be nil when push delivery is not configured.
func New(
	interactions store.InteractionStore,
	users store.UserIdentityStore,
	notifications store.NotificationStore,
	reports store.ReportStore,
	sender push.Sender,
	hasher *identity.Hasher,
	cfg Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		interactions:  interactions,
		users:         users,
		notifications: notifications,
		reports:       reports,
		sender:        sender,
		hasher:        hasher,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		metrics:       m,
		tracer:        otel.Tracer("chainalert/exposure/engine"),
		now:           time.Now,
	}
}

// WithClock overrides the engine clock. Test seam.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Input is one positive report to propagate.
type Input struct {
	ReportID            domain.ReportID
	ReporterIdentity    domain.InteractionHash
	ReporterDisplayName string
	STITypes            []string
	TestDate            time.Time
	PrivacyLevel        models.PrivacyLevel
	IncubationDays      int
	LinkedReportID      *domain.ReportID
}

func (in Input) validate() error {
	switch {
	case in.ReportID.IsNil():
		return dErrors.New(dErrors.CodeInvalidInput, "report id is required")
	case in.ReporterIdentity.IsZero():
		return dErrors.New(dErrors.CodeInvalidInput, "reporter identity is required")
	case len(in.STITypes) == 0:
		return dErrors.New(dErrors.CodeInvalidInput, "at least one sti type is required")
	case in.TestDate.IsZero():
		return dErrors.New(dErrors.CodeInvalidInput, "test date is required")
	case !in.PrivacyLevel.Valid():
		return dErrors.New(dErrors.CodeInvalidInput, "unknown privacy level")
	case in.IncubationDays <= 0:
		return dErrors.New(dErrors.CodeInvalidInput, "incubation days must be positive")
	}
	return nil
}

// stiType is the disclosed STI value stored on notifications.
func (in Input) stiType() string {
	return strings.Join(in.STITypes, ", ")
}

// Result summarizes one run. Individual item failures are counted, never
// raised: the run is best-effort, at-least-once.
type Result struct {
	// NotificationCount is re-queried from the store by report id after the
	// flush, since batching may shift the accounting during traversal.
	NotificationCount int
	Created           int
	Merged            int
	Failed            int
	// InvalidTokens are push tokens the transport rejected as unregistered;
	// the caller owns clearing them from delivery metadata.
	InvalidTokens []string
}
