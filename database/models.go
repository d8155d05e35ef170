package database

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an EmailRecord.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// ParseStatus matches s case-insensitively against the known statuses.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, true
	case "success":
		return StatusSuccess, true
	case "failed":
		return StatusFailed, true
	}
	return "", false
}

// CanTransition reports whether automation may move a record from one status
// to another. Success is terminal and nothing moves back to Pending.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending, StatusFailed:
		return to == StatusSuccess || to == StatusFailed
	}
	return false
}

// EmailRecord represents a row in the email_records table
type EmailRecord struct {
	ID                   int64      `json:"id"`
	CompanyName          string     `json:"company_name,omitempty"`
	Recipient            string     `json:"recipient"`
	Subject              string     `json:"subject"`
	AttachmentFolderPath string     `json:"attachment_folder_path,omitempty"`
	Status               Status     `json:"status"`
	Reason               string     `json:"reason,omitempty"`
	Date                 time.Time  `json:"date"`
	SendDate             *time.Time `json:"send_date,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// StatusUpdate describes a single status transition for one record.
type StatusUpdate struct {
	ID     int64
	Status Status
	Reason string
	// SendDate is written only when non-nil, i.e. on a successful send.
	SendDate *time.Time
	// Date defaults to now when zero.
	Date time.Time
	// From, when set, restricts the update to rows currently in that status.
	From Status
}

// StatusCounts is the per-status record distribution.
type StatusCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// TransactionLogEntry represents a row in the email_transactions table.
// Entries are append-only.
type TransactionLogEntry struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	RunID          string    `json:"run_id,omitempty"`
	RecordID       int64     `json:"record_id"`
	Recipient      string    `json:"recipient"`
	Subject        string    `json:"subject"`
	Status         Status    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	FilePath       string    `json:"file_path,omitempty"`
	Error          string    `json:"error,omitempty"`
	OriginalSize   *int64    `json:"original_size,omitempty"`
	CompressedSize *int64    `json:"compressed_size,omitempty"`
}
