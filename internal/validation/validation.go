package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"retail-notifications-api/internal/models"
)

var nonPhoneChars = regexp.MustCompile(`[^\d+]`)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NormalizePhone normalizes a phone number to bare digits in CC DDD NUMBER
// form (e.g. "5584987654321"). It strips everything but digits and a
// leading "+", collapses repeated leading "+" signs, then drops the "+".
// Normalization is idempotent: normalizing an already-normalized number
// returns it unchanged.
func NormalizePhone(phone string) (string, error) {
	if phone == "" {
		return "", &ValidationError{Field: "phone", Message: "is required"}
	}

	normalized := nonPhoneChars.ReplaceAllString(phone, "")
	normalized = strings.TrimLeft(normalized, "+")

	// Minimum CC + DDD + NUMBER length.
	if len(normalized) < 10 {
		return "", &ValidationError{
			Field:   "phone",
			Message: fmt.Sprintf("invalid phone number: %s", normalized),
		}
	}

	return normalized, nil
}

// AllowedPhone reports whether the candidate phone may receive an
// abandoned-cart notification under the given restriction. An inactive
// restriction allows everything. An active restriction with an empty
// allow-list denies everything (fail-closed). Otherwise every configured
// number is normalized and compared against the normalized candidate.
func AllowedPhone(phone string, restriction models.PhoneRestriction) bool {
	if !restriction.Active {
		return true
	}

	if len(restriction.PhoneNumbers) == 0 {
		return false
	}

	candidate, err := NormalizePhone(phone)
	if err != nil {
		return false
	}

	for _, allowed := range restriction.PhoneNumbers {
		// Allow-list entries may carry a channel prefix ("whatsapp:...").
		if idx := strings.IndexByte(allowed, ':'); idx >= 0 {
			allowed = allowed[idx+1:]
		}
		normalized, err := NormalizePhone(allowed)
		if err != nil {
			continue
		}
		if normalized == candidate {
			return true
		}
	}

	return false
}

// MeetsMinimumValue reports whether a cart total (minor currency units)
// reaches the configured minimum (major units). A zero minimum disables
// the guard. Agent dispatch path only; the caller records
// skipped_below_minimum_value on denial.
func MeetsMinimumValue(totalCents int64, minimum float64) bool {
	if minimum <= 0 {
		return true
	}
	return float64(totalCents)/100 >= minimum
}

// ValidateCartNotification checks the cart webhook payload for required
// fields before any processing happens.
func ValidateCartNotification(req models.CartNotificationRequest) error {
	if req.CartID == "" {
		return &ValidationError{Field: "cart_id", Message: "is required"}
	}
	if req.Phone == "" {
		return &ValidationError{Field: "phone", Message: "is required"}
	}
	if req.Account == "" {
		return &ValidationError{Field: "account", Message: "is required"}
	}
	return nil
}

// ValidateOrderStatus checks the order-status webhook payload for required
// fields.
func ValidateOrderStatus(req models.OrderStatusRequest) error {
	if req.OrderID == "" {
		return &ValidationError{Field: "orderId", Message: "is required"}
	}
	if req.CurrentState == "" {
		return &ValidationError{Field: "currentState", Message: "is required"}
	}
	if req.Account == "" {
		return &ValidationError{Field: "vtexAccount", Message: "is required"}
	}
	return nil
}

// SanitizeString strips control characters and trims whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}
