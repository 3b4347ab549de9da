// Package validation provides request validation helpers and middleware for
// the purchase-link API.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Webhook payloads
// from the payment provider are the largest bodies the service accepts.
const MaxRequestSize = 64 << 10

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 512

// idRegex matches business, campaign and order identifiers.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if s is a usable identifier
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// CleanString trims whitespace and strips null bytes. Length is left to
// MaxLength so callers reject oversized input instead of altering it.
func CleanString(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks that a non-empty field is a well-formed identifier
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '.', ':' or '-'"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// NonNegative checks that an amount or count is not below zero
func NonNegative(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// ValidEmail checks that a non-empty field is a bare email address
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// Respond writes errs as a 400 in the API's error format.
func Respond(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}
