package mailing

import (
	"errors"
	"regexp"

	"github.com/lib/pq"
)

var (
	// ErrDuplicateEmail is returned when subscribing an address that
	// already exists. Surfaced to the UI as a friendly message.
	ErrDuplicateEmail = errors.New("email address is already subscribed")

	// ErrInvalidToken is returned when an unsubscribe token does not
	// match any subscriber.
	ErrInvalidToken = errors.New("invalid unsubscribe token")

	// ErrInvalidEmail is returned when a subscribe request carries a
	// malformed address.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrNewsletterNotFound is returned when a queued delivery references
	// a newsletter that no longer exists.
	ErrNewsletterNotFound = errors.New("newsletter not found")
)

var emailShapeRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]{1,64}@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail reports whether the address has a plausible shape.
func ValidateEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	return emailShapeRegex.MatchString(email)
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
