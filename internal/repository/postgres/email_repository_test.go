package postgres

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailer-service/internal/models"
)

func TestBuildSentUpdate(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	sql, args := buildSentUpdate([]models.SentUpdate{
		{EID: 4, UID: 7, GoogleMessageID: "m-4", SentAt: at},
		{EID: 9, UID: 7, GoogleMessageID: "m-9", SentAt: at.Add(time.Second)},
	})

	assert.Equal(t,
		"UPDATE emails SET is_sent = TRUE, last_error = NULL,"+
			" google_message_id = CASE eid WHEN $1 THEN $2::text WHEN $5 THEN $6::text END,"+
			" send_at = CASE eid WHEN $1 THEN $3::timestamptz WHEN $5 THEN $7::timestamptz END"+
			" WHERE (eid, uid) IN (($1::bigint, $4::bigint), ($5::bigint, $8::bigint))",
		sql)
	assert.Equal(t, []any{int64(4), "m-4", at, int64(7), int64(9), "m-9", at.Add(time.Second), int64(7)}, args)
}

func TestCopyRowMatchesColumns(t *testing.T) {
	t.Parallel()

	mid := "m-1"
	row := copyRow(&models.Email{UID: 3, GoogleMessageID: &mid, ToEmail: "a@b.c", IsSent: true})
	require.Len(t, row, len(copyColumns))
	assert.Equal(t, int64(3), row[0])
	assert.Equal(t, &mid, row[1])
	assert.Equal(t, true, row[4])
	assert.Equal(t, "a@b.c", row[5])
}

func TestMapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})), ErrDuplicate)

	other := errors.New("boom")
	assert.Equal(t, other, mapError(other))
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	require.NoError(t, err)
	assert.Contains(t, files, "migrations/00001_init.sql")
}
