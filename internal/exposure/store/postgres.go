package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chainalert/internal/exposure/chainpath"
	"chainalert/internal/exposure/models"
	"chainalert/internal/exposure/window"
	"chainalert/pkg/domain"
	"chainalert/pkg/platform/sentinel"
)

// PostgresInteractionStore reads interaction records over database/sql.
// The table is owned by the discovery layer; this store never writes it.
type PostgresInteractionStore struct {
	db *sql.DB
}

func NewPostgresInteractionStore(db *sql.DB) *PostgresInteractionStore {
	return &PostgresInteractionStore{db: db}
}

func (s *PostgresInteractionStore) ListByPartner(ctx context.Context, partner domain.InteractionHash, w window.Window) ([]models.Interaction, error) {
	if w.Empty() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, partner_identity, partner_username, recorded_at
		FROM interactions
		WHERE partner_identity = $1 AND recorded_at >= $2 AND recorded_at <= $3`,
		partner.String(), w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var rec models.Interaction
		var ownerID, partner string
		if err := rows.Scan(&ownerID, &partner, &rec.PartnerUsernameSnapshot, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		rec.OwnerID = domain.InteractionHash(ownerID)
		rec.PartnerIdentity = domain.InteractionHash(partner)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PostgresUserIdentityStore resolves identities over database/sql, chunking
// batch lookups at the store's "in" clause limit.
type PostgresUserIdentityStore struct {
	db *sql.DB
}

func NewPostgresUserIdentityStore(db *sql.DB) *PostgresUserIdentityStore {
	return &PostgresUserIdentityStore{db: db}
}

func (s *PostgresUserIdentityStore) FindByInteractionIdentity(ctx context.Context, id domain.InteractionHash) (*models.UserIdentity, error) {
	var identity models.UserIdentity
	var interaction, notification string
	err := s.db.QueryRowContext(ctx, `
		SELECT interaction_identity, notification_identity, push_token
		FROM user_identities WHERE interaction_identity = $1`,
		id.String()).Scan(&interaction, &notification, &identity.PushToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user identity: %w", err)
	}
	identity.InteractionIdentity = domain.InteractionHash(interaction)
	identity.NotificationIdentity = domain.NotificationHash(notification)
	return &identity, nil
}

func (s *PostgresUserIdentityStore) FindBatch(ctx context.Context, ids []domain.InteractionHash) (map[domain.InteractionHash]*models.UserIdentity, error) {
	out := make(map[domain.InteractionHash]*models.UserIdentity, len(ids))
	for start := 0; start < len(ids); start += MaxInClause {
		end := min(start+MaxInClause, len(ids))
		chunk := ids[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id.String()
		}
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT interaction_identity, notification_identity, push_token
			FROM user_identities WHERE interaction_identity IN (%s)`,
			strings.Join(placeholders, ",")), args...)
		if err != nil {
			return nil, fmt.Errorf("batch find user identities: %w", err)
		}
		if err := scanIdentities(rows, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanIdentities(rows *sql.Rows, out map[domain.InteractionHash]*models.UserIdentity) error {
	defer rows.Close()
	for rows.Next() {
		var identity models.UserIdentity
		var interaction, notification string
		if err := rows.Scan(&interaction, &notification, &identity.PushToken); err != nil {
			return fmt.Errorf("scan user identity: %w", err)
		}
		identity.InteractionIdentity = domain.InteractionHash(interaction)
		identity.NotificationIdentity = domain.NotificationHash(notification)
		out[identity.InteractionIdentity] = &identity
	}
	return rows.Err()
}

// PostgresReportStore persists report documents over database/sql.
type PostgresReportStore struct {
	db *sql.DB
}

func NewPostgresReportStore(db *sql.DB) *PostgresReportStore {
	return &PostgresReportStore{db: db}
}

func (s *PostgresReportStore) Create(ctx context.Context, r models.Report) error {
	stiTypes, err := json.Marshal(r.STITypes)
	if err != nil {
		return fmt.Errorf("encode sti types: %w", err)
	}
	var linked *string
	if r.LinkedReportID != nil {
		v := r.LinkedReportID.String()
		linked = &v
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, reporter_interaction_identity, test_result,
			sti_types, test_date, privacy_level, linked_report_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID.String(), r.ReporterInteractionIdentity.String(), string(r.TestResult),
		stiTypes, r.TestDate, nullable(string(r.PrivacyLevel)), linked)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresReportStore) FindByID(ctx context.Context, id domain.ReportID) (*models.Report, error) {
	var r models.Report
	var reporter, result string
	var privacy, linked *string
	var stiTypes []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reporter_interaction_identity, test_result,
		       sti_types, test_date, privacy_level, linked_report_id
		FROM reports WHERE id = $1 AND deleted_at IS NULL`,
		id.String()).Scan(new(string), &reporter, &result, &stiTypes, &r.TestDate, &privacy, &linked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find report: %w", err)
	}
	r.ID = id
	r.ReporterInteractionIdentity = domain.InteractionHash(reporter)
	r.TestResult = models.TestResult(result)
	if privacy != nil {
		r.PrivacyLevel = models.PrivacyLevel(*privacy)
	}
	if err := json.Unmarshal(stiTypes, &r.STITypes); err != nil {
		return nil, fmt.Errorf("decode sti types: %w", err)
	}
	if linked != nil {
		parsed, err := domain.ParseReportID(*linked)
		if err != nil {
			return nil, fmt.Errorf("decode linked report id: %w", err)
		}
		r.LinkedReportID = &parsed
	}
	return &r, nil
}

func (s *PostgresReportStore) MarkDeleted(ctx context.Context, id domain.ReportID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id.String(), time.Now())
	if err != nil {
		return fmt.Errorf("mark report deleted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark report deleted: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// PostgresNotificationStore persists notification documents via pgx. Batched
// creates ride a single pgx.Batch per group; multi-path merges take a
// row lock so concurrent merges against the same document serialize.
type PostgresNotificationStore struct {
	pool *pgxpool.Pool
}

func NewPostgresNotificationStore(pool *pgxpool.Pool) *PostgresNotificationStore {
	return &PostgresNotificationStore{pool: pool}
}

type notificationRow struct {
	chain      []byte
	chainPath  []byte
	chainPaths []byte
}

func encodeNotification(n models.Notification) (chain, path, paths, members []byte, err error) {
	if chain, err = json.Marshal(n.Chain); err == nil {
		if path, err = json.Marshal(n.ChainPath); err == nil {
			if paths, err = json.Marshal(n.ChainPaths); err == nil {
				members, err = json.Marshal(memberSet(n.ChainPaths))
			}
		}
	}
	if err != nil {
		err = fmt.Errorf("encode notification: %w", err)
	}
	return
}

// memberSet flattens every recorded path into the distinct set of chain
// pseudonyms, which backs the chain-member containment index.
func memberSet(paths [][]domain.ChainHash) []string {
	seen := make(map[domain.ChainHash]struct{})
	var out []string
	for _, path := range paths {
		for _, h := range path {
			n := chainpath.Normalize(h)
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n.String())
			}
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

const insertNotification = `
	INSERT INTO notifications (
		recipient_id, type, sti_type, exposure_date,
		chain, chain_path, chain_paths, chain_members,
		hop_depth, is_read, received_at, updated_at, report_id
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	RETURNING id`

func insertArgs(n models.Notification) ([]any, error) {
	chain, path, paths, members, err := encodeNotification(n)
	if err != nil {
		return nil, err
	}
	return []any{
		n.RecipientID.String(), string(n.Type), n.STIType, n.ExposureDate,
		chain, path, paths, members,
		n.HopDepth, n.IsRead, n.ReceivedAt, n.UpdatedAt, uuidOf(n.ReportID),
	}, nil
}

func uuidOf(id domain.ReportID) string { return id.String() }

func (s *PostgresNotificationStore) Create(ctx context.Context, n models.Notification) (domain.NotificationID, error) {
	args, err := insertArgs(n)
	if err != nil {
		return "", err
	}
	var id string
	if err := s.pool.QueryRow(ctx, insertNotification, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("create notification: %w", err)
	}
	return domain.NotificationID(id), nil
}

func (s *PostgresNotificationStore) CreateBatch(ctx context.Context, ns []models.Notification) ([]domain.NotificationID, error) {
	if len(ns) > MaxWriteBatch {
		return nil, fmt.Errorf("batch of %d exceeds write limit %d", len(ns), MaxWriteBatch)
	}
	batch := &pgx.Batch{}
	for _, n := range ns {
		args, err := insertArgs(n)
		if err != nil {
			return nil, err
		}
		batch.Queue(insertNotification, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	ids := make([]domain.NotificationID, 0, len(ns))
	for range ns {
		var id string
		if err := results.QueryRow().Scan(&id); err != nil {
			_ = results.Close()
			return nil, fmt.Errorf("batch create notification: %w", err)
		}
		ids = append(ids, domain.NotificationID(id))
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return ids, nil
}

func (s *PostgresNotificationStore) Update(ctx context.Context, n models.Notification) error {
	chain, path, paths, members, err := encodeNotification(n)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET
			sti_type = $2, exposure_date = $3,
			chain = $4, chain_path = $5, chain_paths = $6, chain_members = $7,
			hop_depth = $8, is_read = $9, updated_at = $10, deleted_at = $11
		WHERE id = $1`,
		n.ID.String(), n.STIType, n.ExposureDate,
		chain, path, paths, members,
		n.HopDepth, n.IsRead, n.UpdatedAt, n.DeletedAt)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresNotificationStore) Mutate(ctx context.Context, id domain.NotificationID, fn func(*models.Notification) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mutate: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, selectNotification+` WHERE id = $1 FOR UPDATE`, id.String())
	n, err := scanNotification(row)
	if err != nil {
		return err
	}
	if err := fn(n); err != nil {
		return err
	}
	n.ID = id

	chain, path, paths, members, err := encodeNotification(*n)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE notifications SET
			sti_type = $2, exposure_date = $3,
			chain = $4, chain_path = $5, chain_paths = $6, chain_members = $7,
			hop_depth = $8, is_read = $9, updated_at = $10, deleted_at = $11
		WHERE id = $1`,
		n.ID.String(), n.STIType, n.ExposureDate,
		chain, path, paths, members,
		n.HopDepth, n.IsRead, n.UpdatedAt, n.DeletedAt); err != nil {
		return fmt.Errorf("mutate notification: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mutate: %w", err)
	}
	return nil
}

const selectNotification = `
	SELECT id, recipient_id, type, sti_type, exposure_date,
	       chain, chain_path, chain_paths,
	       hop_depth, is_read, received_at, updated_at, deleted_at, report_id
	FROM notifications`

type pgxRow interface {
	Scan(dest ...any) error
}

func scanNotification(row pgxRow) (*models.Notification, error) {
	var n models.Notification
	var id, recipient, typ, reportID string
	var r notificationRow
	err := row.Scan(&id, &recipient, &typ, &n.STIType, &n.ExposureDate,
		&r.chain, &r.chainPath, &r.chainPaths,
		&n.HopDepth, &n.IsRead, &n.ReceivedAt, &n.UpdatedAt, &n.DeletedAt, &reportID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.ID = domain.NotificationID(id)
	n.RecipientID = domain.NotificationHash(recipient)
	n.Type = models.NotificationType(typ)
	parsed, err := domain.ParseReportID(reportID)
	if err != nil {
		return nil, fmt.Errorf("scan notification report id: %w", err)
	}
	n.ReportID = parsed
	if err := json.Unmarshal(r.chain, &n.Chain); err != nil {
		return nil, fmt.Errorf("decode chain visualization: %w", err)
	}
	if err := json.Unmarshal(r.chainPath, &n.ChainPath); err != nil {
		return nil, fmt.Errorf("decode chain path: %w", err)
	}
	if err := json.Unmarshal(r.chainPaths, &n.ChainPaths); err != nil {
		return nil, fmt.Errorf("decode chain paths: %w", err)
	}
	return &n, nil
}

func (s *PostgresNotificationStore) FindByID(ctx context.Context, id domain.NotificationID) (*models.Notification, error) {
	row := s.pool.QueryRow(ctx, selectNotification+` WHERE id = $1`, id.String())
	return scanNotification(row)
}

func (s *PostgresNotificationStore) ListByReport(ctx context.Context, reportID domain.ReportID) ([]models.Notification, error) {
	return s.list(ctx, ` WHERE report_id = $1 AND deleted_at IS NULL`, reportID.String())
}

func (s *PostgresNotificationStore) CountByReport(ctx context.Context, reportID domain.ReportID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE report_id = $1 AND deleted_at IS NULL`, reportID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresNotificationStore) ListByChainMember(ctx context.Context, member domain.ChainHash) ([]models.Notification, error) {
	needle, err := json.Marshal([]string{chainpath.Normalize(member).String()})
	if err != nil {
		return nil, fmt.Errorf("encode chain member: %w", err)
	}
	return s.list(ctx, ` WHERE chain_members @> $1 AND deleted_at IS NULL`, needle)
}

func (s *PostgresNotificationStore) ListByRecipient(ctx context.Context, recipient domain.NotificationHash) ([]models.Notification, error) {
	return s.list(ctx, ` WHERE recipient_id = $1 AND deleted_at IS NULL`, recipient.String())
}

func (s *PostgresNotificationStore) list(ctx context.Context, where string, arg any) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, selectNotification+where, arg)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *PostgresNotificationStore) MarkRead(ctx context.Context, id domain.NotificationID, recipient domain.NotificationHash) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE, updated_at = $3
		WHERE id = $1 AND recipient_id = $2`,
		id.String(), recipient.String(), time.Now())
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
