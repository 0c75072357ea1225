package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"mailer-service/internal/models"
)

const emailColumns = `eid, uid, google_message_id, subject, body, is_sent, to_email, cc_email, bcc_email,
	send_at, include_resume, dead_lettered, last_error, created_at`

var copyColumns = []string{
	"uid", "google_message_id", "subject", "body", "is_sent", "to_email", "cc_email", "bcc_email",
	"send_at", "include_resume", "dead_lettered", "last_error",
}

type EmailRepository struct {
	db *DB
}

func NewEmailRepository(db *DB) *EmailRepository {
	return &EmailRepository{db: db}
}

// CommitRun applies all staged status changes of one delivery run in a single transaction.
func (r *EmailRepository) CommitRun(ctx context.Context, updates []models.SentUpdate, inserts []*models.Email) error {
	if len(updates) == 0 && len(inserts) == 0 {
		return nil
	}
	return r.db.InTx(ctx, func(ctx context.Context) error {
		if len(updates) > 0 {
			sql, args := buildSentUpdate(updates)
			tag, err := r.db.q(ctx).Exec(ctx, sql, args...)
			if err != nil {
				return fmt.Errorf("failed to apply sent updates: %w", err)
			}
			if n := tag.RowsAffected(); n != int64(len(updates)) {
				return fmt.Errorf("%w: sent updates matched %d of %d records", ErrNotFound, n, len(updates))
			}
		}
		if len(inserts) > 0 {
			tx, _ := TxFromContext(ctx)
			rows := make([][]any, len(inserts))
			for i, rec := range inserts {
				rows[i] = copyRow(rec)
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"emails"}, copyColumns, pgx.CopyFromRows(rows)); err != nil {
				return fmt.Errorf("failed to insert sent records: %w", err)
			}
		}
		return nil
	})
}

// buildSentUpdate builds one UPDATE with a CASE per column, keyed by eid and
// restricted to rows owned by each update's uid.
func buildSentUpdate(updates []models.SentUpdate) (string, []any) {
	var (
		keys strings.Builder
		mids strings.Builder
		ats  strings.Builder
		args = make([]any, 0, len(updates)*4)
	)
	for i, u := range updates {
		n := i * 4
		fmt.Fprintf(&mids, " WHEN $%d THEN $%d::text", n+1, n+2)
		fmt.Fprintf(&ats, " WHEN $%d THEN $%d::timestamptz", n+1, n+3)
		if i > 0 {
			keys.WriteString(", ")
		}
		fmt.Fprintf(&keys, "($%d::bigint, $%d::bigint)", n+1, n+4)
		args = append(args, u.EID, u.GoogleMessageID, u.SentAt, u.UID)
	}

	sql := "UPDATE emails SET is_sent = TRUE, last_error = NULL," +
		" google_message_id = CASE eid" + mids.String() + " END," +
		" send_at = CASE eid" + ats.String() + " END" +
		" WHERE (eid, uid) IN (" + keys.String() + ")"
	return sql, args
}

func copyRow(rec *models.Email) []any {
	return []any{
		rec.UID, rec.GoogleMessageID, rec.Subject, rec.Body, rec.IsSent, rec.ToEmail, rec.CCEmail, rec.BCCEmail,
		rec.SendAt, rec.IncludeResume, rec.DeadLettered, rec.LastError,
	}
}

func (r *EmailRepository) Insert(ctx context.Context, rec *models.Email) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var eid int64
	err := r.db.q(ctx).QueryRow(ctx, `
		INSERT INTO emails (`+strings.Join(copyColumns, ", ")+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING eid`, copyRow(rec)...).Scan(&eid)
	if err != nil {
		return 0, fmt.Errorf("failed to insert email: %w", mapError(err))
	}
	rec.EID = eid
	return eid, nil
}

// MarkSent is idempotent: re-applying the same update leaves the row unchanged.
func (r *EmailRepository) MarkSent(ctx context.Context, u models.SentUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, `
		UPDATE emails SET is_sent = TRUE, google_message_id = $2, send_at = $3, last_error = NULL
		WHERE eid = $1 AND uid = $4`, u.EID, u.GoogleMessageID, u.SentAt, u.UID)
	if err != nil {
		return fmt.Errorf("failed to mark email %d sent: %w", u.EID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *EmailRepository) MarkDeadLettered(ctx context.Context, uid, eid int64, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, `
		UPDATE emails SET dead_lettered = TRUE, last_error = $2
		WHERE eid = $1 AND uid = $3 AND is_sent = FALSE`, eid, reason, uid)
	if err != nil {
		return fmt.Errorf("failed to dead-letter email %d: %w", eid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *EmailRepository) Get(ctx context.Context, eid int64) (*models.Email, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.q(ctx).Query(ctx, `SELECT `+emailColumns+` FROM emails WHERE eid = $1`, eid)
	if err != nil {
		return nil, fmt.Errorf("failed to query email: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[models.Email])
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

// ListUnsent returns the user's saved, unsent, live records, oldest first, skipping
// eids that are currently in the failed list.
func (r *EmailRepository) ListUnsent(ctx context.Context, uid int64, excludeEIDs []int64) ([]*models.Email, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if excludeEIDs == nil {
		excludeEIDs = []int64{}
	}
	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE uid = $1 AND is_sent = FALSE AND dead_lettered = FALSE AND NOT (eid = ANY($2))
		ORDER BY eid`, uid, excludeEIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsent emails: %w", err)
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Email])
	if err != nil {
		return nil, fmt.Errorf("failed to scan unsent emails: %w", err)
	}
	return recs, nil
}

// ListSent returns the most recent sent records of uid.
func (r *EmailRepository) ListSent(ctx context.Context, uid int64, since time.Time, limit int) ([]*models.Email, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.q(ctx).Query(ctx, `
		SELECT `+emailColumns+` FROM emails
		WHERE uid = $1 AND is_sent = TRUE AND send_at >= $2
		ORDER BY send_at DESC LIMIT $3`, uid, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent emails: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Email])
}
