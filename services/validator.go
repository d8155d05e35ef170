package services

import (
	"errors"
	"net/mail"
	"os"
	"regexp"
	"strings"

	"mail-automation/database"
)

var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidateRecord checks that a record is well-formed enough to send. The
// returned error wraps ErrValidation and its text is the Failed reason.
func ValidateRecord(rec database.EmailRecord) error {
	recipient := strings.TrimSpace(rec.Recipient)
	if recipient == "" {
		return classify(ErrValidation, "recipient is empty")
	}
	if !ValidEmail(recipient) {
		return classify(ErrValidation, "recipient %q is not a valid email address", recipient)
	}

	if strings.TrimSpace(rec.Subject) == "" {
		return classify(ErrValidation, "subject is empty")
	}

	if rec.AttachmentFolderPath != "" {
		if _, err := os.Stat(rec.AttachmentFolderPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return classify(ErrValidation, "attachment path %s does not exist", rec.AttachmentFolderPath)
			}
			return classify(ErrValidation, "attachment path %s is not accessible: %v", rec.AttachmentFolderPath, err)
		}
	}
	return nil
}

// ValidEmail reports whether s is a bare address of the form local@domain.tld.
func ValidEmail(s string) bool {
	if !emailShape.MatchString(s) {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}
