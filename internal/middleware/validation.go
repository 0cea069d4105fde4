package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContentLength is the longest customer message accepted, in characters.
const MaxContentLength = 5000

var (
	ErrEmptyContent   = errors.New("message content is required")
	ErrContentTooLong = errors.New("message content exceeds maximum length")
)

// ValidateMessageContent trims content and checks it is non-empty, valid UTF-8 and
// within MaxContentLength. It returns the trimmed content.
func ValidateMessageContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if !utf8.ValidString(content) {
		return "", errors.New("content must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return content, nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateCustomerID validates the widget's visitor identifier.
func ValidateCustomerID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("customer_id is required")
	}
	if len(id) > 128 {
		return errors.New("customer_id exceeds maximum length")
	}
	return nil
}
