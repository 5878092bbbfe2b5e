// Package validation provides input validation for the settlement RPC and
// the ops API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// escrowIDRegex matches ids produced by escrow.DeriveID.
	escrowIDRegex = regexp.MustCompile(`^esc_[a-f0-9]{40}$`)
	// accountRegex matches ledger account ids: owner:token, where owner is
	// an address or an escrow holding path.
	accountRegex = regexp.MustCompile(`^[a-z0-9_/]{1,128}:(usdc|volt)$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a 0x-prefixed Ethereum address
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidEscrowID checks if a string has the shape of an escrow id
func IsValidEscrowID(id string) bool {
	return escrowIDRegex.MatchString(id)
}

// IsValidAccount checks if a string is a ledger account id
func IsValidAccount(account string) bool {
	return accountRegex.MatchString(account)
}

// SanitizeAddress normalizes an Ethereum address
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidEscrowID checks if a field is an escrow id
func ValidEscrowID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidEscrowID(value) {
			return &ValidationError{Field: field, Message: "must be an escrow id (esc_ + 40 hex chars)"}
		}
		return nil
	}
}

// Positive checks that a whole-unit amount is greater than zero
func Positive(field string, value uint64) func() *ValidationError {
	return func() *ValidationError {
		if value == 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// AtLeast checks that a whole-unit amount is at least min
func AtLeast(field string, value, min uint64) func() *ValidationError {
	return func() *ValidationError {
		if value < min {
			return &ValidationError{Field: field, Message: "is below the minimum"}
		}
		return nil
	}
}

// ParamMiddleware rejects requests whose URL parameter name fails valid.
func ParamMiddleware(name string, valid func(string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.Param(name)
		if v != "" && !valid(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + name,
				"message": name + " is malformed",
			})
			return
		}
		c.Next()
	}
}
