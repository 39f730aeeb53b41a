package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chainalert/internal/exposure/batch"
	"chainalert/internal/exposure/cache"
	"chainalert/internal/exposure/chainpath"
	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/push"
	"chainalert/internal/exposure/window"
	"chainalert/pkg/domain"
)

// queryKey identifies one interaction lookup. Windows are part of the key, so
// re-visits of the same node at a different anchor date miss the cache.
type queryKey struct {
	partner    domain.InteractionHash
	start, end int64
}

// frame is one node on the traversal worklist.
type frame struct {
	identity domain.InteractionHash
	depth    int
	hopDate  time.Time
	path     []domain.ChainHash
	hops     []chainpath.Hop
}

// recipientState tracks what the run knows about one discovered account.
// Exactly one notification document exists per state; later arrivals merge
// into it instead of creating another.
type recipientState struct {
	paths         [][]domain.ChainHash
	shortestDepth int

	notificationID domain.NotificationID // set once persisted
	pendingKey     uuid.UUID             // set while the doc is still in-run
	preseeded      bool                  // already notified by the linked report
}

// run is the per-Propagate mutable state. Single-goroutine, no locking.
type run struct {
	e  *Engine
	in Input

	now        time.Time
	incubation time.Duration
	retention  time.Time

	seen       map[domain.InteractionHash]*recipientState
	preseeds   map[domain.ChainHash]bool
	queryCache *cache.Cache[queryKey, []models.Interaction]
	userCache  *cache.UserLookupCache

	pendingDocs  map[uuid.UUID]*models.Notification
	pendingOrder []uuid.UUID
	notifBatch   *batch.NotificationBatcher
	pushBatch    *batch.PushBatcher
	payload      push.Payload

	created  int
	merged   int
	failed   int
	maxDepth int
}

// Propagate runs one report through the interaction graph and returns the
// run summary. Only input validation and a linked-report lookup failure are
// returned as errors; anything that goes wrong past the first hop is counted,
// logged, and traversed around.
func (e *Engine) Propagate(ctx context.Context, in Input) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "exposure.propagate")
	defer span.End()
	span.SetAttributes(
		attribute.String("report.id", in.ReportID.String()),
		attribute.Int("report.incubation_days", in.IncubationDays),
		attribute.String("report.privacy_level", string(in.PrivacyLevel)),
	)

	if err := in.validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	start := e.now()
	r := &run{
		e:           e,
		in:          in,
		now:         start,
		incubation:  time.Duration(in.IncubationDays) * 24 * time.Hour,
		retention:   start.AddDate(0, 0, -e.cfg.RetentionDays),
		seen:        make(map[domain.InteractionHash]*recipientState),
		preseeds:    make(map[domain.ChainHash]bool),
		queryCache:  cache.New[queryKey, []models.Interaction](e.cfg.QueryCacheSize),
		userCache:   cache.NewUserLookup(e.cfg.UserCacheSize),
		pendingDocs: make(map[uuid.UUID]*models.Notification),
		pushBatch:   batch.NewPushBatcher(e.sender),
		payload:     e.buildPayload(in),
	}
	if !e.cfg.DisableBatching {
		r.notifBatch = batch.NewNotificationBatcher(e.notifications, e.cfg.MaxBatchSize)
	}

	if in.LinkedReportID != nil {
		r.preseedLinked(ctx)
	}

	r.traverse(ctx)
	r.flush(ctx)

	count, err := e.notifications.CountByReport(ctx, in.ReportID)
	if err != nil {
		e.logger.WarnContext(ctx, "notification count query failed, using run tally",
			slog.String("report_id", in.ReportID.String()), slog.String("error", err.Error()))
		count = r.created - r.failed
	}

	elapsed := e.now().Sub(start)
	e.metrics.ObservePropagateLatency(elapsed)
	e.metrics.SetCacheHitRate("query", r.queryCache.HitRate())
	e.metrics.SetCacheHitRate("user", r.userCache.HitRate())
	span.SetAttributes(
		attribute.Int("run.notifications", count),
		attribute.Int("run.merged", r.merged),
		attribute.Int("run.failed", r.failed),
		attribute.Int("run.max_depth", r.maxDepth),
	)
	e.logger.InfoContext(ctx, "propagation run complete",
		slog.String("report_id", in.ReportID.String()),
		slog.Int("notifications", count),
		slog.Int("created", r.created),
		slog.Int("merged", r.merged),
		slog.Int("failed", r.failed),
		slog.Int("max_depth", r.maxDepth),
		slog.Duration("elapsed", elapsed),
	)

	res := &Result{
		NotificationCount: count,
		Created:           r.created,
		Merged:            r.merged,
		Failed:            r.failed,
	}
	if !e.cfg.DisablePush && e.sender != nil {
		res.InvalidTokens = r.invalidTokens(ctx)
	}
	return res, nil
}

func (e *Engine) buildPayload(in Input) push.Payload {
	p := push.Payload{
		TitleKey: "notifications.exposure.title",
		BodyKey:  "notifications.exposure.body",
		Data:     map[string]string{"type": string(models.TypeExposure)},
	}
	if in.PrivacyLevel.DisclosesSTI() {
		p.Data["stiType"] = in.stiType()
	}
	return p
}

// preseedLinked marks every recipient of the linked report as already
// notified, provided the new report's STI types are fully covered by the
// linked one. A new STI means new information, so recipients must be told
// again and pre-seeding is skipped. Lookup failures degrade to a run without
// pre-seeding rather than aborting.
func (r *run) preseedLinked(ctx context.Context) {
	linked, err := r.e.reports.FindByID(ctx, *r.in.LinkedReportID)
	if err != nil {
		r.e.logger.WarnContext(ctx, "linked report lookup failed, propagating without pre-seed",
			slog.String("report_id", r.in.ReportID.String()),
			slog.String("linked_report_id", r.in.LinkedReportID.String()),
			slog.String("error", err.Error()))
		return
	}
	covered := make(map[string]bool, len(linked.STITypes))
	for _, s := range linked.STITypes {
		covered[strings.ToLower(strings.TrimSpace(s))] = true
	}
	for _, s := range r.in.STITypes {
		if !covered[strings.ToLower(strings.TrimSpace(s))] {
			return
		}
	}

	ns, err := r.e.notifications.ListByReport(ctx, *r.in.LinkedReportID)
	if err != nil {
		r.e.logger.WarnContext(ctx, "linked notification listing failed, propagating without pre-seed",
			slog.String("linked_report_id", r.in.LinkedReportID.String()),
			slog.String("error", err.Error()))
		return
	}
	for _, n := range ns {
		if len(n.ChainPath) == 0 {
			continue
		}
		r.preseeds[chainpath.Normalize(n.ChainPath[len(n.ChainPath)-1])] = true
	}
}

func (r *run) traverse(ctx context.Context) {
	reporterChain := r.e.hasher.ChainFromInteraction(r.in.ReporterIdentity)
	rootHop := chainpath.Hop{
		Identity:    reporterChain,
		DisplayName: r.in.ReporterDisplayName,
		Status:      models.StatusPositive,
	}
	if r.in.PrivacyLevel.DisclosesDate() {
		d := r.in.TestDate
		rootHop.Date = &d
	}
	r.seen[r.in.ReporterIdentity] = &recipientState{shortestDepth: 0}

	stack := []frame{{
		identity: r.in.ReporterIdentity,
		depth:    0,
		hopDate:  r.in.TestDate,
		path:     []domain.ChainHash{reporterChain},
		hops:     []chainpath.Hop{rootHop},
	}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.depth >= r.e.cfg.MaxHopDepth {
			continue
		}
		stack = r.visit(ctx, f, stack)
	}
}

// visit expands one node: finds its in-window contacts, resolves which are
// registered accounts, and notifies or merges each. Returns the worklist with
// any newly discovered nodes pushed.
func (r *run) visit(ctx context.Context, f frame, stack []frame) []frame {
	candidates, err := r.contactsOf(ctx, f)
	if err != nil {
		r.e.logger.ErrorContext(ctx, "contact lookup failed, skipping node",
			slog.String("report_id", r.in.ReportID.String()),
			slog.Int("depth", f.depth),
			slog.String("error", err.Error()))
		r.failed++
		return stack
	}

	// Resolve unseen candidates in one batch before the per-candidate loop.
	var unresolved []domain.InteractionHash
	for _, rec := range candidates {
		if _, ok := r.seen[rec.OwnerID]; !ok {
			unresolved = append(unresolved, rec.OwnerID)
		}
	}
	if err := r.resolveUsers(ctx, unresolved); err != nil {
		r.e.logger.ErrorContext(ctx, "identity batch lookup failed, skipping node",
			slog.String("report_id", r.in.ReportID.String()),
			slog.Int("depth", f.depth),
			slog.String("error", err.Error()))
		r.failed++
		return stack
	}

	newDepth := f.depth + 1
	for _, rec := range candidates {
		cand := rec.OwnerID
		if cand == r.in.ReporterIdentity {
			continue
		}
		candChain := r.e.hasher.ChainFromInteraction(cand)
		if chainpath.Contains(f.path, candChain) {
			// Already an ancestor on this branch; extending would cycle.
			continue
		}

		newPath := chainpath.Extend(f.path, candChain)
		hops := extendHops(f.hops, rec, candChain)

		if state, ok := r.seen[cand]; ok {
			r.merge(ctx, state, newPath, newDepth, hops)
			continue
		}

		user, resolved := r.userCache.Get(cand)
		if !resolved || user == nil {
			// Not a registered account; the chain dead-ends here.
			continue
		}

		if r.preseeds[candChain] {
			// Notified by the linked report already. No new document, but
			// the subtree behind this node may still hold fresh recipients.
			r.seen[cand] = &recipientState{preseeded: true, shortestDepth: newDepth}
			stack = append(stack, frame{identity: cand, depth: newDepth, hopDate: rec.RecordedAt, path: newPath, hops: hops})
			continue
		}

		state, err := r.notify(ctx, rec, user, newPath, newDepth, hops)
		if err != nil {
			r.e.logger.ErrorContext(ctx, "notification write failed, continuing traversal",
				slog.String("report_id", r.in.ReportID.String()),
				slog.Int("depth", newDepth),
				slog.String("error", err.Error()))
			r.failed++
		}
		r.seen[cand] = state
		if newDepth > r.maxDepth {
			r.maxDepth = newDepth
		}
		stack = append(stack, frame{identity: cand, depth: newDepth, hopDate: rec.RecordedAt, path: newPath, hops: hops})
	}
	return stack
}

// contactsOf returns the in-window interactions pointing at f's node, newest
// first deduplicated per owner. The first hop is additionally bounded by the
// report's test date; deeper hops look forward to now.
func (r *run) contactsOf(ctx context.Context, f frame) ([]models.Interaction, error) {
	var w window.Window
	if f.depth == 0 {
		w = window.ComputeBounded(f.hopDate, r.incubation, r.retention, r.now, f.hopDate)
	} else {
		w = window.Compute(f.hopDate, r.incubation, r.retention, r.now)
	}
	if w.Empty() {
		return nil, nil
	}

	key := queryKey{partner: f.identity, start: w.Start.UnixNano(), end: w.End.UnixNano()}
	if recs, ok := r.queryCache.Get(key); ok {
		return recs, nil
	}
	recs, err := r.e.interactions.ListByPartner(ctx, f.identity, w)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	recs = latestPerOwner(recs)
	r.queryCache.Set(key, recs)
	return recs, nil
}

// latestPerOwner keeps one interaction per owner, the most recent, preserving
// first-appearance order for the survivors.
func latestPerOwner(recs []models.Interaction) []models.Interaction {
	best := make(map[domain.InteractionHash]int, len(recs))
	out := recs[:0:0]
	for _, rec := range recs {
		if i, ok := best[rec.OwnerID]; ok {
			if rec.RecordedAt.After(out[i].RecordedAt) {
				out[i] = rec
			}
			continue
		}
		best[rec.OwnerID] = len(out)
		out = append(out, rec)
	}
	return out
}

// resolveUsers fills the user cache for the given ids, fetching only the ones
// it has not answered before. Misses are cached too, so an unregistered
// pseudonym costs one lookup per run, not one per arrival.
func (r *run) resolveUsers(ctx context.Context, ids []domain.InteractionHash) error {
	gap := r.userCache.UncachedIDs(ids)
	if len(gap) == 0 {
		return nil
	}
	found, err := r.e.users.FindBatch(ctx, gap)
	if err != nil {
		return fmt.Errorf("resolve identities: %w", err)
	}
	for _, id := range gap {
		if u, ok := found[id]; ok {
			r.userCache.Set(id, u)
		} else {
			r.userCache.SetNotFound(id)
		}
	}
	return nil
}

// extendHops appends the candidate as the new terminal hop. The predecessor's
// display name is overridden with the candidate's own snapshot of it, so each
// recipient sees their contact under the name they themselves recorded.
func extendHops(hops []chainpath.Hop, rec models.Interaction, candChain domain.ChainHash) []chainpath.Hop {
	out := make([]chainpath.Hop, len(hops), len(hops)+1)
	copy(out, hops)
	if snap := strings.TrimSpace(rec.PartnerUsernameSnapshot); snap != "" {
		out[len(out)-1].DisplayName = snap
	}
	return append(out, chainpath.Hop{Identity: candChain, Status: models.StatusUnknown})
}

// notify builds and stages the single notification document for a newly
// discovered recipient, and queues their push.
func (r *run) notify(ctx context.Context, rec models.Interaction, user *models.UserIdentity, path []domain.ChainHash, depth int, hops []chainpath.Hop) (*recipientState, error) {
	state := &recipientState{
		paths:         [][]domain.ChainHash{path},
		shortestDepth: depth,
	}

	viz := chainpath.BuildVisualization(hops)
	if len(viz.Nodes) != len(path) {
		return state, fmt.Errorf("chain integrity: %d nodes for %d-element path", len(viz.Nodes), len(path))
	}

	n := models.Notification{
		RecipientID: user.NotificationIdentity,
		Type:        models.TypeExposure,
		Chain:       viz,
		ChainPath:   path,
		ChainPaths:  [][]domain.ChainHash{path},
		HopDepth:    depth,
		ReceivedAt:  r.now,
		UpdatedAt:   r.now,
		ReportID:    r.in.ReportID,
	}
	if r.in.PrivacyLevel.DisclosesSTI() {
		sti := r.in.stiType()
		n.STIType = &sti
	}
	if r.in.PrivacyLevel.DisclosesDate() {
		d := rec.RecordedAt
		n.ExposureDate = &d
	}

	r.e.metrics.ObserveHopDepth(depth)
	if !r.e.cfg.DisablePush && r.e.sender != nil && user.PushToken != "" {
		r.pushBatch.Add(batch.PendingPush{Token: user.PushToken, Payload: r.payload})
	}

	if r.notifBatch != nil {
		key := uuid.New()
		state.pendingKey = key
		r.pendingDocs[key] = &n
		r.pendingOrder = append(r.pendingOrder, key)
		r.created++
		return state, nil
	}

	id, err := r.e.notifications.Create(ctx, n)
	if err != nil {
		r.e.metrics.IncNotification("failed")
		return state, fmt.Errorf("create notification: %w", err)
	}
	state.notificationID = id
	r.created++
	r.e.metrics.IncNotification("created")
	return state, nil
}

// merge records an additional arrival path on an already-notified recipient.
// The document gains the path; if the new route is strictly shorter it also
// becomes the displayed one.
func (r *run) merge(ctx context.Context, state *recipientState, path []domain.ChainHash, depth int, hops []chainpath.Hop) {
	if state.preseeded || state.shortestDepth == 0 {
		return
	}
	if chainpath.ContainsAny(state.paths, path) {
		return
	}
	state.paths = append(state.paths, path)
	promote := depth < state.shortestDepth
	if promote {
		state.shortestDepth = depth
	}
	r.merged++
	r.e.metrics.IncNotification("merged")

	viz := chainpath.BuildVisualization(hops)
	apply := func(n *models.Notification) error {
		n.ChainPaths = append(n.ChainPaths, path)
		if promote {
			n.ChainPath = path
			n.HopDepth = depth
			n.Chain = viz
		}
		n.UpdatedAt = r.now
		return nil
	}

	if state.pendingKey != uuid.Nil {
		if doc, ok := r.pendingDocs[state.pendingKey]; ok {
			_ = apply(doc)
		}
		return
	}
	if state.notificationID == "" {
		// The original create failed; nothing to merge into.
		return
	}
	if err := r.e.notifications.Mutate(ctx, state.notificationID, apply); err != nil {
		r.e.logger.ErrorContext(ctx, "path merge failed, continuing traversal",
			slog.String("report_id", r.in.ReportID.String()),
			slog.String("notification_id", string(state.notificationID)),
			slog.String("error", err.Error()))
		r.failed++
	}
}

// flush commits the staged notification documents and reconciles persisted
// ids back into the run state. Per-group failures are tallied, not raised.
func (r *run) flush(ctx context.Context) {
	if r.notifBatch == nil {
		return
	}
	for _, key := range r.pendingOrder {
		if err := r.notifBatch.Add(batch.PendingNotification{Key: key, Notification: *r.pendingDocs[key]}); err != nil {
			r.failed++
		}
	}
	result := r.notifBatch.Commit(ctx)
	byKey := batch.CreatedIDMap(result)
	for _, state := range r.seen {
		if state.pendingKey == uuid.Nil {
			continue
		}
		if item, ok := byKey[state.pendingKey]; ok && item.Err == nil {
			state.notificationID = item.ID
		}
	}
	r.failed += result.FailureCount
	for i := 0; i < result.SuccessCount; i++ {
		r.e.metrics.IncNotification("created")
	}
	for i := 0; i < result.FailureCount; i++ {
		r.e.metrics.IncNotification("failed")
	}
}

// invalidTokens sends the queued pushes and returns the tokens the transport
// rejected as unregistered.
func (r *run) invalidTokens(ctx context.Context) []string {
	result := r.pushBatch.Send(ctx)
	r.e.metrics.IncPush("sent", result.SuccessCount)
	r.e.metrics.IncPush("failed", result.FailureCount)
	tokens := r.pushBatch.InvalidTokens(result)
	r.e.metrics.IncPush("invalid_token", len(tokens))
	return tokens
}
