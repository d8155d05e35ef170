package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned for status updates automation may never perform.
var ErrInvalidTransition = errors.New("invalid status transition")

const recordColumns = `id, company_name, recipient, subject, attachment_folder_path, status, reason, date, send_date, created_at`

// StatusRepository is the only writer of email record status.
type StatusRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewStatusRepository creates a new StatusRepository instance
func NewStatusRepository(db *sql.DB, driver string) *StatusRepository {
	return &StatusRepository{db: db, driver: driver, now: time.Now}
}

// CreateRecord inserts a new Pending record and returns its id.
func (r *StatusRepository) CreateRecord(ctx context.Context, rec EmailRecord) (int64, error) {
	now := r.now()
	rec.Recipient = strings.TrimSpace(rec.Recipient)
	query := rebind(r.driver, `
		INSERT INTO email_records (company_name, recipient, subject, attachment_folder_path, status, reason, date, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
		RETURNING id`)

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		rec.CompanyName, rec.Recipient, rec.Subject, rec.AttachmentFolderPath, string(StatusPending), now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create email record: %w", err)
	}
	return id, nil
}

// ListByStatus returns all records currently in status, oldest first. The
// stored status is matched case-insensitively.
func (r *StatusRepository) ListByStatus(ctx context.Context, status Status) ([]EmailRecord, error) {
	query := rebind(r.driver, `SELECT `+recordColumns+` FROM email_records WHERE LOWER(status) = ? ORDER BY id`)
	rows, err := r.db.QueryContext(ctx, query, statusKey(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", status, err)
	}
	defer rows.Close()

	var records []EmailRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email record row: %w", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over email record rows: %w", err)
	}
	return records, nil
}

// GetRecord loads a single record. The bool is false when no row has that id.
func (r *StatusRepository) GetRecord(ctx context.Context, id int64) (EmailRecord, bool, error) {
	query := rebind(r.driver, `SELECT `+recordColumns+` FROM email_records WHERE id = ?`)
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return EmailRecord{}, false, nil
	}
	if err != nil {
		return EmailRecord{}, false, fmt.Errorf("failed to load email record %d: %w", id, err)
	}
	return rec, true, nil
}

// UpdateStatus applies u atomically to a single row. Date is always stamped,
// send_date only when u.SendDate is set. Success rows never match, so a false
// result means the record vanished or was already transitioned.
func (r *StatusRepository) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	if u.Status != StatusSuccess && u.Status != StatusFailed {
		return false, fmt.Errorf("%w: cannot set status %q", ErrInvalidTransition, u.Status)
	}
	if u.From != "" && !CanTransition(u.From, u.Status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, u.From, u.Status)
	}

	date := u.Date
	if date.IsZero() {
		date = r.now()
	}

	query := `UPDATE email_records SET status = ?, reason = ?, date = ?`
	args := []interface{}{string(u.Status), u.Reason, date}
	if u.SendDate != nil {
		query += `, send_date = ?`
		args = append(args, *u.SendDate)
	}
	query += ` WHERE id = ? AND LOWER(status) <> ?`
	args = append(args, u.ID, statusKey(StatusSuccess))
	if u.From != "" {
		query += ` AND LOWER(status) = ?`
		args = append(args, statusKey(u.From))
	}

	res, err := r.db.ExecContext(ctx, rebind(r.driver, query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update status of email record %d: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows for email record %d: %w", u.ID, err)
	}
	return n > 0, nil
}

// Summarize groups every record by status. All known buckets are present even
// when the table is empty.
func (r *StatusRepository) Summarize(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM email_records GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to get email status distribution: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return counts, fmt.Errorf("failed to scan status distribution row: %w", err)
		}
		counts.Total += n
		status, _ := ParseStatus(raw)
		switch status {
		case StatusPending:
			counts.Pending += n
		case StatusSuccess:
			counts.Success += n
		case StatusFailed:
			counts.Failed += n
		}
	}
	if err = rows.Err(); err != nil {
		return counts, fmt.Errorf("error iterating over status distribution rows: %w", err)
	}
	return counts, nil
}

// statusKey is the lower-case form stored statuses are compared against.
func statusKey(s Status) string {
	return strings.ToLower(string(s))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (EmailRecord, error) {
	var rec EmailRecord
	var status string
	var sendDate sql.NullTime
	err := row.Scan(&rec.ID, &rec.CompanyName, &rec.Recipient, &rec.Subject, &rec.AttachmentFolderPath,
		&status, &rec.Reason, &rec.Date, &sendDate, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = Status(status)
	if parsed, ok := ParseStatus(status); ok {
		rec.Status = parsed
	}
	if sendDate.Valid {
		t := sendDate.Time
		rec.SendDate = &t
	}
	return rec, nil
}
