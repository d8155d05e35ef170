package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *StatusRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mail.db")
	db, err := InitDB(DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = ApplyMigrations(DriverSQLite, path, db)
	require.NoError(t, err)
	return NewStatusRepository(db, DriverSQLite)
}

func seed(t *testing.T, repo *StatusRepository, recipient string) int64 {
	t.Helper()
	id, err := repo.CreateRecord(context.Background(), EmailRecord{
		Recipient: recipient,
		Subject:   "Invoice for " + recipient,
	})
	require.NoError(t, err)
	return id
}

func TestSummarize_EmptyStore(t *testing.T) {
	repo := newTestDB(t)

	counts, err := repo.Summarize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Total: 0, Pending: 0, Success: 0, Failed: 0}, counts)
}

func TestCreateAndListByStatus(t *testing.T) {
	repo := newTestDB(t)
	ctx := context.Background()

	first := seed(t, repo, "a@example.com")
	second := seed(t, repo, "b@example.com")

	pending, err := repo.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.Nil(t, pending[0].SendDate)

	failed, err := repo.ListByStatus(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestUpdateStatus_SuccessStampsSendDate(t *testing.T) {
	repo := newTestDB(t)
	ctx := context.Background()
	id := seed(t, repo, "a@example.com")

	sent := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	ok, err := repo.UpdateStatus(ctx, StatusUpdate{
		ID:       id,
		Status:   StatusSuccess,
		Reason:   "sent",
		SendDate: &sent,
		Date:     sent,
		From:     StatusPending,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, found, err := repo.GetRecord(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "sent", rec.Reason)
	require.NotNil(t, rec.SendDate)
	assert.True(t, rec.SendDate.Equal(sent))
	assert.True(t, rec.Date.Equal(sent))
}

func TestUpdateStatus_FailureLeavesSendDateUnset(t *testing.T) {
	repo := newTestDB(t)
	ctx := context.Background()
	id := seed(t, repo, "a@example.com")

	ok, err := repo.UpdateStatus(ctx, StatusUpdate{ID: id, Status: StatusFailed, Reason: "delivery failed: timeout"})
	require.NoError(t, err)
	assert.True(t, ok)

	rec, _, err := repo.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Nil(t, rec.SendDate)
	assert.False(t, rec.Date.IsZero())
}

func TestUpdateStatus_SuccessIsTerminal(t *testing.T) {
	repo := newTestDB(t)
	ctx := context.Background()
	id := seed(t, repo, "a@example.com")

	ok, err := repo.UpdateStatus(ctx, StatusUpdate{ID: id, Status: StatusSuccess})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, StatusUpdate{ID: id, Status: StatusFailed, Reason: "late failure"})
	require.NoError(t, err)
	assert.False(t, ok, "success must never be re-entered")

	rec, _, err := repo.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
}

func TestUpdateStatus_FromGuard(t *testing.T) {
	repo := newTestDB(t)
	ctx := context.Background()
	id := seed(t, repo, "a@example.com")

	ok, err := repo.UpdateStatus(ctx, StatusUpdate{ID: id, Status: StatusSuccess, From: StatusFailed})
	require.NoError(t, err)
	assert.False(t, ok, "a pending record must not match a failed-only update")

	rec, _, err := repo.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestUpdateStatus_InvalidTransitions(t *testing.T) {
	repo := newTestDB(t)
	ctx := context.Background()
	id := seed(t, repo, "a@example.com")

	tests := []struct {
		name   string
		update StatusUpdate
	}{
		{name: "back to pending", update: StatusUpdate{ID: id, Status: StatusPending}},
		{name: "unknown status", update: StatusUpdate{ID: id, Status: Status("Queued")}},
		{name: "from success", update: StatusUpdate{ID: id, Status: StatusFailed, From: StatusSuccess}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.UpdateStatus(ctx, tt.update)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestUpdateStatus_MissingRecord(t *testing.T) {
	repo := newTestDB(t)

	ok, err := repo.UpdateStatus(context.Background(), StatusUpdate{ID: 404, Status: StatusFailed})
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := repo.GetRecord(context.Background(), 404)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSummarize_CountsEveryBucket(t *testing.T) {
	repo := newTestDB(t)
	ctx := context.Background()

	a := seed(t, repo, "a@example.com")
	b := seed(t, repo, "b@example.com")
	seed(t, repo, "c@example.com")

	_, err := repo.UpdateStatus(ctx, StatusUpdate{ID: a, Status: StatusSuccess})
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, StatusUpdate{ID: b, Status: StatusFailed})
	require.NoError(t, err)

	counts, err := repo.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Total: 3, Pending: 1, Success: 1, Failed: 1}, counts)
}

func TestStatusCaseIsIgnoredEverywhere(t *testing.T) {
	repo := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	insert := func(status string) int64 {
		res, err := repo.db.ExecContext(ctx,
			`INSERT INTO email_records (recipient, subject, status, date, created_at) VALUES (?, ?, ?, ?, ?)`,
			"ext@example.com", "Imported", status, now, now)
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		return id
	}
	pending := insert("pending")
	failed := insert("FAILED")
	done := insert("success")

	counts, err := repo.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Total: 3, Pending: 1, Success: 1, Failed: 1}, counts)

	list, err := repo.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending, list[0].ID)
	assert.Equal(t, StatusPending, list[0].Status)

	list, err = repo.ListByStatus(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, failed, list[0].ID)

	ok, err := repo.UpdateStatus(ctx, StatusUpdate{ID: pending, Status: StatusSuccess, From: StatusPending})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, StatusUpdate{ID: failed, Status: StatusFailed, From: StatusFailed, Reason: "delivery failed: timeout"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, StatusUpdate{ID: done, Status: StatusFailed})
	require.NoError(t, err)
	assert.False(t, ok, "a lower-case success row is still terminal")

	rec, found, err := repo.GetRecord(ctx, pending)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusSuccess, rec.Status)
}

func TestCreateRecord_TrimsRecipient(t *testing.T) {
	repo := newTestDB(t)

	id := seed(t, repo, "  ap@acme.example \t")
	rec, found, err := repo.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ap@acme.example", rec.Recipient)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSuccess, true},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusSuccess, true},
		{StatusFailed, StatusFailed, true},
		{StatusSuccess, StatusFailed, false},
		{StatusSuccess, StatusSuccess, false},
		{StatusFailed, StatusPending, false},
		{StatusPending, StatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRebind(t *testing.T) {
	q := `UPDATE t SET a = ?, b = ? WHERE id = ?`
	assert.Equal(t, `UPDATE t SET a = $1, b = $2 WHERE id = $3`, rebind(DriverPostgres, q))
	assert.Equal(t, q, rebind(DriverSQLite, q))
}
