package services

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. The message of each class doubles as the reason prefix
// written to a Failed record, so "mapping invalid: ..." and
// "delivery failed: ..." stay distinguishable in the store.
var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrValidation    = errors.New("mapping invalid")
	ErrSizeLimit     = errors.New("size limit exceeded")
	ErrAttachment    = errors.New("attachment error")
	ErrTransport     = errors.New("delivery failed")
	ErrRepository    = errors.New("repository unavailable")
)

func classify(class error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", class, fmt.Sprintf(format, args...))
}

// IsRetryableReason reports whether a Failed record's reason came from the
// transport and may be picked up by an automatic retry pass.
func IsRetryableReason(reason string) bool {
	return strings.HasPrefix(reason, ErrTransport.Error()+":")
}
