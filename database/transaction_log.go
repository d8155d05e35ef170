package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultLogLimit caps log reads when the caller does not pass a limit.
const DefaultLogLimit = 50

// TransactionLog is the append-only record of every send attempt.
type TransactionLog struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewTransactionLog creates a new TransactionLog instance
func NewTransactionLog(db *sql.DB, driver string) *TransactionLog {
	return &TransactionLog{db: db, driver: driver, now: time.Now}
}

// Append writes entry as a single row. A zero Timestamp is stamped with now.
func (l *TransactionLog) Append(ctx context.Context, entry TransactionLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}

	query := rebind(l.driver, `
		INSERT INTO email_transactions
			(logged_at, run_id, record_id, recipient, subject, status, reason, file_path, error_message, original_size, compressed_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := l.db.ExecContext(ctx, query,
		entry.Timestamp, entry.RunID, entry.RecordID, entry.Recipient, entry.Subject, string(entry.Status),
		entry.Reason, entry.FilePath, entry.Error, nullInt64(entry.OriginalSize), nullInt64(entry.CompressedSize),
	)
	if err != nil {
		return fmt.Errorf("failed to log email transaction for record %d: %w", entry.RecordID, err)
	}
	return nil
}

// Recent returns at most limit entries, newest first. An empty status returns
// every status.
func (l *TransactionLog) Recent(ctx context.Context, limit int, status Status) ([]TransactionLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}

	query := `SELECT id, logged_at, run_id, record_id, recipient, subject, status, reason, file_path, error_message, original_size, compressed_size
		FROM email_transactions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, rebind(l.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query email transactions: %w", err)
	}
	defer rows.Close()

	entries := []TransactionLogEntry{}
	for rows.Next() {
		var e TransactionLogEntry
		var st string
		var original, compressed sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RunID, &e.RecordID, &e.Recipient, &e.Subject, &st,
			&e.Reason, &e.FilePath, &e.Error, &original, &compressed); err != nil {
			return nil, fmt.Errorf("failed to scan email transaction row: %w", err)
		}
		e.Status = Status(st)
		if original.Valid {
			v := original.Int64
			e.OriginalSize = &v
		}
		if compressed.Valid {
			v := compressed.Int64
			e.CompressedSize = &v
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over email transaction rows: %w", err)
	}
	return entries, nil
}

// Clear deletes every entry and returns how many were removed.
func (l *TransactionLog) Clear(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM email_transactions`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear email transactions: %w", err)
	}
	return res.RowsAffected()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// DailyCount is the number of logged attempts per outcome on one day.
type DailyCount struct {
	Date    string `json:"date"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
}

// DailyCounts buckets the log by calendar day in loc for the last days days,
// oldest first. Days without entries are present with zero counts.
func (l *TransactionLog) DailyCounts(ctx context.Context, days int, loc *time.Location) ([]DailyCount, error) {
	if days <= 0 {
		days = 7
	}
	if loc == nil {
		loc = time.Local
	}

	today := l.now().In(loc)
	index := make(map[string]int, days)
	counts := make([]DailyCount, days)
	for i := 0; i < days; i++ {
		date := today.AddDate(0, 0, i-days+1).Format("2006-01-02")
		counts[i] = DailyCount{Date: date}
		index[date] = i
	}
	oldest := counts[0].Date

	rows, err := l.db.QueryContext(ctx, `SELECT logged_at, status FROM email_transactions ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily sends over period: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var at time.Time
		var st string
		if err := rows.Scan(&at, &st); err != nil {
			return nil, fmt.Errorf("failed to scan daily sends row: %w", err)
		}
		date := at.In(loc).Format("2006-01-02")
		if date < oldest {
			break
		}
		i, ok := index[date]
		if !ok {
			continue
		}
		switch s, _ := ParseStatus(st); s {
		case StatusSuccess:
			counts[i].Success++
		case StatusFailed:
			counts[i].Failed++
		}
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over daily sends rows: %w", err)
	}
	return counts, nil
}
